package bundlerarmy

import (
	"fmt"
	"strings"
)

var (
	ErrAlreadyKnown            = fmt.Errorf("user operation already known")
	ErrPolicyViolation         = fmt.Errorf("policy violation")
	ErrSenderQueueFull         = fmt.Errorf("too many queued user operations for sender")
	ErrGasPriceTooLow          = fmt.Errorf("user operation gas price too low")
	ErrNoWalletAvailable       = fmt.Errorf("no executor wallet available")
	ErrEmptyBundle             = fmt.Errorf("no user operations to bundle")
	ErrOutOfSubmissionAttempts = fmt.Errorf("user operation out of submission attempts")
	ErrGasPriceLimitReached    = fmt.Errorf("gas price protection limit reached")
	ErrOutOfReplacements       = fmt.Errorf("bundle out of fee replacements")
	ErrPotentiallyIncluded     = fmt.Errorf("bundle potentially included by an earlier transaction")
	ErrReceiptTimeout          = fmt.Errorf("timed out waiting for receipt")
	ErrTxLost                  = fmt.Errorf("transaction lost")
	ErrCircuitBreakerOpen      = fmt.Errorf("circuit breaker is open")
	ErrGasPriceUnavailable     = fmt.Errorf("gas price unavailable")
	ErrUnknownWallet           = fmt.Errorf("unknown executor wallet")

	// Node-side send errors, see classifySendError
	ErrNonceTooLow        = fmt.Errorf("nonce too low")
	ErrUnderpriced        = fmt.Errorf("transaction underpriced")
	ErrTxAlreadyKnown     = fmt.Errorf("transaction already known")
	ErrInsufficientFunds  = fmt.Errorf("insufficient funds for gas")
	ErrIntrinsicGasTooLow = fmt.Errorf("intrinsic gas too low")
)

// FailedOpError identifies the operation that made a handleOps call revert.
// Index is the position of the operation inside the bundle.
type FailedOpError struct {
	Index  int
	Reason string
}

func (e *FailedOpError) Error() string {
	return fmt.Sprintf("failed op %d: %s", e.Index, e.Reason)
}

// classifySendError maps a node error returned on eth_sendRawTransaction to
// one of the sentinel send errors. Unknown errors are returned untouched.
func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"), strings.Contains(msg, "nonce is too low"):
		return fmt.Errorf("%w: %s", ErrNonceTooLow, err.Error())
	case strings.Contains(msg, "already known"), strings.Contains(msg, "known transaction"):
		return fmt.Errorf("%w: %s", ErrTxAlreadyKnown, err.Error())
	case strings.Contains(msg, "underpriced"), strings.Contains(msg, "fee cap less than block base fee"),
		strings.Contains(msg, "max fee per gas less than block base fee"):
		return fmt.Errorf("%w: %s", ErrUnderpriced, err.Error())
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, err.Error())
	case strings.Contains(msg, "intrinsic gas too low"), strings.Contains(msg, "gas limit is too low"):
		return fmt.Errorf("%w: %s", ErrIntrinsicGasTooLow, err.Error())
	}
	return err
}
