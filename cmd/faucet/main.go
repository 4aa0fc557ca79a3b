package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"faucet/internal/api"
	"faucet/internal/audit"
	"faucet/internal/blockchain"
	"faucet/internal/config"
	"faucet/internal/eligibility"
	"faucet/internal/faucet"
	"faucet/internal/logger"
	"faucet/internal/payout"
	"faucet/internal/storage"
	"faucet/internal/tracker"
	"faucet/internal/verifier"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "faucet: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Initialize(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "faucet: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the HTTP server and the tracker report here
	errCh := make(chan error, 2)

	logger.Debug("faucet initialization: storage...", zap.String("driver", cfg.Database.Driver))
	store, err := storage.NewGormStorage(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Fatal("faucet initialization: storage... failed", zap.Error(err))
	}
	defer store.Close()

	logger.Debug("faucet initialization: treasury wallet...", zap.String("network", cfg.Chain.Network), zap.String("version", cfg.Chain.WalletVersion))
	chain, err := blockchain.NewTonChain(cfg.Chain)
	if err != nil {
		logger.Fatal("faucet initialization: treasury wallet... failed", zap.Error(err))
	}
	logger.Tag(zap.String("treasury", chain.Address()))

	var policy config.PolicySource = config.StaticPolicy(cfg.Policy)
	if cfg.PolicyFile != "" {
		loader, err := config.NewPolicyLoader(cfg.PolicyFile, cfg.Policy)
		if err != nil {
			logger.Fatal("faucet initialization: policy file... failed", zap.Error(err))
		}
		stop, err := loader.Watch()
		if err != nil {
			logger.Fatal("faucet initialization: policy watcher... failed", zap.Error(err))
		}
		defer stop()
		policy = loader
	}

	var identityVerifier verifier.Verifier
	switch cfg.Verifier.Kind {
	case "remote":
		identityVerifier = verifier.NewRemote(cfg.Verifier.URL)
	default:
		identityVerifier = verifier.NewGitHub(cfg.Verifier)
	}
	identityVerifier = verifier.WithTimeout(identityVerifier, cfg.Verifier.Timeout)

	ledger := audit.NewLedger(store)
	payouts := payout.NewOrchestrator(store, chain, ledger, policy, payout.Params{
		Bounce:     cfg.Chain.Bounce,
		Mode:       cfg.Chain.MessageMode,
		FirstCheck: cfg.Tracker.BackoffBase,
	})
	treasury, err := payouts.Initialize(ctx)
	if err != nil {
		logger.Fatal("faucet initialization: treasury state... failed", zap.Error(err))
	}
	if treasury.Halted {
		logger.Error("faucet initialization: treasury is halted, submissions refused until resync", zap.String("reason", treasury.HaltReason))
	}

	engine := eligibility.NewEngine(store, identityVerifier, ledger, policy)
	service := faucet.NewService(engine, payouts, store)
	confirmations := tracker.New(store, chain, payouts, policy, cfg.Tracker)

	go func() {
		errCh <- confirmations.Run(ctx)
	}()

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.New(service, payouts, ledger, store, cfg.AdminToken),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	go func() {
		logger.Info("faucet: listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error("faucet: stopping after error", zap.Error(err))
	case sig := <-waitForInterrupt():
		logger.Info("faucet: interrupt received", zap.String("signal", sig.String()))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("faucet: http shutdown", zap.Error(err))
	}
	logger.Info("faucet: stopped")
}

func waitForInterrupt() <-chan os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	return sigCh
}
