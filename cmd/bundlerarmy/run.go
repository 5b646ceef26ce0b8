package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/tranvictor/bundlerarmy"
	redisstore "github.com/tranvictor/bundlerarmy/persistence/redis"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a bundler",
	Long: `Load the config, recover bundles left in flight by a previous run and
bundle until SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := bundlerarmy.LoadConfig(configPath)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(ctx context.Context, cfg *bundlerarmy.Config) error {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("couldn't connect to %s: %w", cfg.RPCURL, err)
	}
	defer client.Close()
	reader := bundlerarmy.NewEthClientReader(client)

	reg := prometheus.NewRegistry()
	metrics := bundlerarmy.NewMetrics(reg)

	signer, err := bundlerarmy.KeySignerFromHex(cfg.ChainID, cfg.ExecutorKeys...)
	if err != nil {
		return err
	}

	var writer bundlerarmy.ChainWriter = bundlerarmy.NewEthClientWriter(client, 0)
	if cfg.UseJarvisBroadcaster {
		writer, err = bundlerarmy.NewJarvisWriter(cfg.ChainID)
		if err != nil {
			return err
		}
	}

	statusOpts := cfg.StatusMonitorOptions()
	executorOpts, err := cfg.ExecutorOptions()
	if err != nil {
		return err
	}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("couldn't reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		statusOpts = append(statusOpts, bundlerarmy.WithStatusStore(
			redisstore.NewStatusStore(rdb, cfg.ChainID, redisstore.WithStatusStoreKeyPrefix(cfg.Redis.Prefix)),
		))
		executorOpts = append(executorOpts, bundlerarmy.WithBundleStore(
			redisstore.NewBundleStore(rdb, redisstore.WithBundleStoreKeyPrefix(cfg.Redis.Prefix)),
		))
	}

	monitor := bundlerarmy.NewStatusMonitor(statusOpts...)
	mempool := bundlerarmy.NewMempool(cfg.ChainID, cfg.EntryPointAddress(),
		append(cfg.MempoolOptions(), bundlerarmy.WithMempoolMetrics(metrics))...)

	oracleOpts, err := cfg.GasPriceOracleOptions()
	if err != nil {
		return err
	}
	oracle := bundlerarmy.NewGasPriceOracle(append(oracleOpts,
		bundlerarmy.WithChainReader(cfg.ChainID, reader),
		bundlerarmy.WithOracleMetrics(metrics),
	)...)
	gasPrice := bundlerarmy.NewGasPriceCache(oracle, cfg.GasPriceCacheOptions()...)

	walletOpts, err := cfg.WalletPoolOptions()
	if err != nil {
		return err
	}
	wallets := bundlerarmy.NewWalletPool(cfg.ChainID, reader, signer.Addresses(),
		append(walletOpts, bundlerarmy.WithWalletPoolMetrics(metrics))...)

	executor, err := bundlerarmy.NewExecutor(bundlerarmy.ExecutorDeps{
		ChainID:    cfg.ChainID,
		Mempool:    mempool,
		Wallets:    wallets,
		GasPrice:   gasPrice,
		Monitor:    monitor,
		Reader:     reader,
		Writer:     writer,
		Signer:     signer,
		EntryPoint: bundlerarmy.NewEntryPointV06(cfg.EntryPointAddress(), client),
	}, append(executorOpts, bundlerarmy.WithExecutorMetrics(metrics))...)
	if err != nil {
		return err
	}

	bundler, err := bundlerarmy.NewBundler(bundlerarmy.BundlerComponents{
		ChainID:  cfg.ChainID,
		Mempool:  mempool,
		Executor: executor,
		Monitor:  monitor,
		Wallets:  wallets,
		GasPrice: gasPrice,
	})
	if err != nil {
		return err
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithFields(logger.Fields{
					"addr":  cfg.MetricsAddr,
					"error": err,
				}).Error("metrics server stopped")
			}
		}()
	}

	if err := bundler.Start(ctx); err != nil {
		return err
	}
	logger.WithFields(logger.Fields{
		"chain_id":    cfg.ChainID,
		"entry_point": cfg.EntryPoint,
		"pid":         os.Getpid(),
	}).Info("bundler running")

	<-ctx.Done()
	logger.WithFields(logger.Fields{"chain_id": cfg.ChainID}).Info("shutting down bundler")

	err = bundler.Stop()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = errors.Join(err, metricsServer.Shutdown(shutdownCtx))
	}
	return err
}
