package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dive_service/internal/api"
	"dive_service/internal/config"
	"dive_service/internal/events"
	"dive_service/internal/game"
	"dive_service/internal/jobs"
	"dive_service/internal/logger"
	"dive_service/internal/metrics"
	"dive_service/internal/rng"
	"dive_service/internal/session"
	"dive_service/internal/store"
	"dive_service/internal/vault"
	"dive_service/internal/wallet"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalln(err)
	}

	zl, err := logger.New(cfg.Development)
	if err != nil {
		log.Fatalln(err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Error("service stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(store.Options{Driver: cfg.DBDriver, DSN: cfg.DBConnStr, Silent: !cfg.Development})
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(
		&game.GameConfig{},
		&vault.Vault{}, &vault.Entry{},
		&wallet.Wallet{}, &wallet.Transaction{},
		&session.GameSession{},
	); err != nil {
		return err
	}

	m := metrics.New()

	configs := game.NewConfigRepository(db)
	if err := seedGameConfig(ctx, configs, cfg.GameConfigPath, zl); err != nil {
		return err
	}

	ledger := vault.NewLedger(db, vault.NewVaultRepository(db), zl.Named("vault"), m)
	if _, err := ledger.EnsureVault(ctx, cfg.VaultID); err != nil {
		return err
	}

	walletService := wallet.NewService(wallet.NewWalletRepositoryImpl(db), zl.Named("wallet"))

	hub := events.NewHub()
	var publisher events.Publisher = hub
	if cfg.RedisAddr != "" {
		rdb := events.NewRedisClient(cfg.RedisAddr)
		defer rdb.Close()
		publisher = events.NewRedisPublisher(rdb, zl.Named("events"))
		go events.Subscribe(ctx, rdb, zl.Named("events"), func(e events.Event) {
			hub.Publish(ctx, e)
		})
		zl.Info("relaying events through redis", zap.String("addr", cfg.RedisAddr))
	}

	sessions := session.NewManager(session.Deps{
		DB:      db,
		Repo:    session.NewSessionRepository(db),
		Configs: configs,
		Vault:   ledger,
		Wallets: walletService,
		Source:  rng.Crypto(),
		Events:  publisher,
		Log:     zl.Named("session"),
		Metrics: m,
		VaultID: cfg.VaultID,
	})

	manager := jobs.New()
	manager.Register(jobs.NewExpirySweeper(sessions, cfg.SweepInterval, zl.Named("jobs")))
	manager.Register(jobs.NewDriftMonitor(sessions, cfg.DriftCheckInterval, cfg.AutoReconcile, zl.Named("jobs")))
	jobsDone := make(chan struct{})
	go func() {
		defer close(jobsDone)
		manager.Start(ctx)
	}()

	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(&api.Handler{
		Sessions:   sessions,
		Wallets:    walletService,
		Vault:      ledger,
		Configs:    configs,
		Hub:        hub,
		Metrics:    m,
		Log:        zl.Named("http"),
		AdminToken: cfg.AdminToken,
		Origins:    cfg.AllowedOrigins,
	})
	if cfg.AdminToken == "" {
		zl.Warn("ADMIN_TOKEN is empty, admin routes are disabled")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end with the process context.
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		zl.Info("server started", zap.String("addr", cfg.HTTPAddr), zap.String("vault_id", cfg.VaultID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			stop()
			<-jobsDone
			return err
		}
	case <-ctx.Done():
	}

	zl.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	<-jobsDone
	return err
}

// seedGameConfig publishes the file config as version 1 on an empty database.
// Later versions go through the admin API.
func seedGameConfig(ctx context.Context, configs game.ConfigRepository, path string, zl *zap.Logger) error {
	current, err := configs.Latest(ctx)
	if err == nil {
		zl.Info("using game config", zap.Int("version", current.Version))
		return nil
	}
	if !errors.Is(err, game.ErrConfigNotFound) {
		return err
	}

	cfg, err := config.NewGameConfigFromYAML(path)
	if err != nil {
		return err
	}
	published, err := configs.Publish(ctx, cfg)
	if err != nil {
		return err
	}
	zl.Info("published initial game config", zap.Int("version", published.Version))
	return nil
}
