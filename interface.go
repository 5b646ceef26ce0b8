package bundlerarmy

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Service defines the operations a bundler exposes to an RPC layer.
// This interface allows for easy mocking in tests and provides a stable API contract.
type Service interface {
	// Admission
	SendUserOperation(ctx context.Context, op *UserOperation) (common.Hash, error)

	// Status
	GetUserOperationStatus(hash common.Hash) StatusEntry

	// Observability
	DumpMempool() MempoolDump

	// Bundling
	BundleNow(ctx context.Context) (*BundleResult, error)

	// Lifecycle
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time check that Bundler implements Service
var _ Service = (*Bundler)(nil)
