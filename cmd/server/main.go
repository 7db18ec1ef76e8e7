package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/garnizeh/chainlance/api"
	dbfs "github.com/garnizeh/chainlance/db"
	"github.com/garnizeh/chainlance/internal/config"
	"github.com/garnizeh/chainlance/internal/dashboard"
	"github.com/garnizeh/chainlance/internal/db"
	"github.com/garnizeh/chainlance/internal/jobs"
	"github.com/garnizeh/chainlance/internal/profile"
	"github.com/garnizeh/chainlance/internal/repository/sqlite"
	"github.com/garnizeh/chainlance/internal/syncer"
	"github.com/garnizeh/chainlance/internal/txn"
	"github.com/garnizeh/chainlance/pkg/binding"
	"github.com/garnizeh/chainlance/pkg/chain"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	var configPath = flag.String("config", "", "Path to config YAML file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", slog.Any("error", err))
		os.Exit(1)
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		slog.Error("invalid log level", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	api.SetLogger(logger)
	chain.SetLogger(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("server exited")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting chainlance", slog.String("version", version), slog.String("build_time", buildTime))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open database connection
	database, err := db.New(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(); err != nil {
			logger.Error("error closing db", slog.Any("error", err))
		}
	}()
	if cfg.MigrateOnStart {
		if err := db.Migrate(ctx, database, dbfs.Migrations, dbfs.SeedFiles); err != nil {
			return err
		}
	}

	// Read channel. Writes go through the wallet's own connection.
	client, err := chain.Dial(ctx, cfg.Chain)
	if err != nil {
		return err
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return err
	}
	logger.Info("chain reachable", slog.String("chain_id", chainID.String()), slog.String("contract", cfg.Chain.ContractAddress))

	b, err := binding.New()
	if err != nil {
		return err
	}
	syn := syncer.New(b, client, syncer.Config{
		Address:         cfg.Chain.Contract(),
		FromBlock:       cfg.Chain.FromBlock,
		LogBlockRange:   cfg.Chain.LogBlockRange,
		ReadConcurrency: cfg.Sync.ReadConcurrency,
	}, syncer.WithLogger(logger))

	wallet, closeWallet, err := openWallet(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeWallet()

	mgr := chain.NewManager(client, wallet, chain.WithResolver(syn))
	defer mgr.Close()
	if err := mgr.Init(ctx); err != nil {
		logger.Warn("session restore failed", slog.Any("error", err))
	}

	orch := txn.New(b, mgr, syn, txn.Config{
		Address:            cfg.Chain.Contract(),
		ConfirmTimeout:     cfg.Txn.ConfirmTimeout,
		PollInterval:       cfg.Txn.PollInterval,
		GasLimitMultiplier: cfg.Txn.GasLimitMultiplier,
	}, txn.WithLogger(logger), txn.WithRefresher(dashboard.NewRefresher(mgr, syn)))

	repo := sqlite.New(database, logger)
	loader, err := profile.NewLoader(ctx, repo)
	if err != nil {
		return err
	}
	profiles := profile.NewService(repo, loader, "", logger)

	// the pool is built before the dashboard it refreshes
	var dash *dashboard.Service
	jobRepo := jobs.NewRepository(database)
	pool := jobs.NewWorkerPool(jobRepo, map[string]jobs.Handler{
		jobs.TypeRefresh: jobs.RefreshHandler(func(ctx context.Context, who common.Address) error {
			return dash.RefreshAccount(ctx, who)
		}),
	}, logger, cfg.Sync.Workers)

	dash = dashboard.New(mgr, syn, orch, profiles, dashboard.NewHub(logger), dashboard.Config{
		RefreshInterval: cfg.Sync.Interval,
	}, dashboard.WithLogger(logger), dashboard.WithEnqueuer(pool))

	pool.Start(ctx)
	defer pool.Stop()
	dash.Start(ctx)
	defer dash.Stop()

	handler := api.SetupRoutes(cfg, version, buildTime, api.Deps{
		Dashboard: dash,
		Schemas:   repo,
		Jobs:      jobRepo,
		Pool:      pool,
		Checks: map[string]api.HealthChecker{
			"rpc": client,
			"db":  database,
		},
	})

	// Create HTTP server. Writes block until confirmation, so the write
	// timeout has to cover it.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.APITimeout,
		WriteTimeout:      cfg.Txn.ConfirmTimeout + cfg.APITimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// openWallet loads the configured signer. Without key material the daemon
// runs read-only: the manager gets a nil wallet and every write fails with
// WalletUnavailable.
func openWallet(ctx context.Context, cfg *config.Config, logger *slog.Logger) (chain.Wallet, func(), error) {
	noop := func() {}
	if cfg.Wallet.KeystorePath == "" && os.Getenv(cfg.Wallet.PrivateKeyEnv) == "" {
		logger.Info("no wallet key configured, running read-only")
		return nil, noop, nil
	}
	ec, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, noop, err
	}
	chainID, err := ec.ChainID(ctx)
	if err != nil {
		ec.Close()
		return nil, noop, err
	}
	w, err := chain.LoadWallet(cfg.Wallet, ec, chainID)
	if errors.Is(err, chain.ErrNoKeyMaterial) {
		ec.Close()
		return nil, noop, nil
	}
	if err != nil {
		ec.Close()
		return nil, noop, err
	}
	return w, ec.Close, nil
}
