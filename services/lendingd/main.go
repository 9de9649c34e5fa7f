package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"loanledger/core/events"
	"loanledger/core/state"
	"loanledger/gateway/middleware"
	"loanledger/native/bank"
	"loanledger/native/lending"
	"loanledger/observability"
	"loanledger/observability/logging"
	telemetry "loanledger/observability/otel"
	"loanledger/services/lendingd/archive"
	"loanledger/services/lendingd/config"
	"loanledger/services/lendingd/feeds"
	"loanledger/services/lendingd/server"
	"loanledger/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("LOANLEDGER_ENV"))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup("lendingd", env, logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Level:      logging.ParseLevel(cfg.Log.Level),
	})

	otelCfg := telemetry.ConfigFromEnv("lendingd", env)
	otelCfg.Metrics = cfg.Telemetry.Metrics
	otelCfg.Traces = cfg.Telemetry.Traces
	shutdownTelemetry, err := telemetry.Init(context.Background(), otelCfg)
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()
	eventMeter, err := telemetry.NewEventMeter()
	if err != nil {
		log.Fatalf("init event meter: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}
	db, err := storage.NewLevelDB(cfg.LevelDBPath())
	if err != nil {
		log.Fatalf("open state: %v", err)
	}
	defer db.Close()
	manager := state.NewManager(db)
	keeper := bank.NewKeeper(manager)

	feedStore, err := feeds.Open(feeds.FileDSN(cfg.FeedsPath))
	if err != nil {
		log.Fatalf("open feeds: %v", err)
	}
	defer feedStore.Close()

	archiveDB, err := archive.Open(cfg.Archive.Driver, cfg.Archive.DSN)
	if err != nil {
		log.Fatalf("open archive: %v", err)
	}
	if sqlDB, err := archiveDB.DB(); err == nil {
		defer sqlDB.Close()
	}
	arch, err := archive.New(archiveDB, logger)
	if err != nil {
		log.Fatalf("migrate archive: %v", err)
	}

	engine := lending.NewEngine(manager, keeper, feedStore, cfg.CustodyAddress())
	exec := server.NewExecutor(manager, events.Multi{arch, observability.EventCounter{}, eventMeter}, arch, logger)
	engine.SetEmitter(exec)

	if err := bootstrap(context.Background(), engine, exec, cfg.PolicyFile, logger); err != nil {
		log.Fatalf("bootstrap ledger: %v", err)
	}

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for _, limit := range cfg.RateLimits {
		limits[limit.Key] = middleware.RateLimit{RequestsPerMinute: limit.RequestsPerMinute, Burst: limit.Burst}
	}
	srv, err := server.New(server.Config{
		Engine:        engine,
		Bank:          keeper,
		Feeds:         feedStore,
		Archive:       arch,
		Executor:      exec,
		IdempotencyDB: archiveDB,
		Auth: middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.Secret(),
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		},
		RateLimits:    limits,
		CORS:          middleware.CORSConfig{AllowedOrigins: cfg.CORSOrigins},
		FaucetEnabled: cfg.Faucet.Enabled,
		ServiceName:   "lendingd",
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("build server: %v", err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.ListenAddress, err)
	}
	if !cfg.TLS.Enabled() {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			log.Fatalf("plaintext lendingd mode is restricted to loopback listeners or dev environment")
		}
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Timeouts.ReadHeader,
		ReadTimeout:       cfg.Timeouts.Read,
		WriteTimeout:      cfg.Timeouts.Write,
		IdleTimeout:       cfg.Timeouts.Idle,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	if cfg.TLS.Enabled() {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		if err != nil {
			log.Fatalf("load tls keypair: %v", err)
		}
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{cert}}
		listener = tls.NewListener(listener, httpServer.TLSConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", slog.String("addr", cfg.ListenAddress), slog.Bool("tls", cfg.TLS.Enabled()))
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", slog.Any("error", err))
			_ = httpServer.Close()
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve http: %v", err)
		}
	}
}

// bootstrap initialises a fresh ledger from the policy file. An already
// initialised ledger is left untouched.
func bootstrap(ctx context.Context, engine *lending.Engine, exec *server.Executor, path string, logger *slog.Logger) error {
	var initialised bool
	if err := exec.Read(func() error {
		_, err := engine.Owner()
		switch {
		case err == nil:
			initialised = true
		case errors.Is(err, lending.ErrNotInitialized):
		default:
			return err
		}
		return nil
	}); err != nil {
		return err
	}
	if initialised {
		return nil
	}
	if strings.TrimSpace(path) == "" {
		return errors.New("ledger is not initialised and no policy_file is configured")
	}
	cfg, err := lending.LoadConfig(path)
	if err != nil {
		return err
	}
	if err := exec.Mutate(ctx, func() error { return engine.Bootstrap(cfg) }); err != nil {
		return err
	}
	logger.Info("ledger bootstrapped", logging.MaskAddress("owner", common.HexToAddress(cfg.Owner)), slog.Int("assets", len(cfg.Assets)))
	return nil
}
