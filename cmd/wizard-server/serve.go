package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/ashureev/insight-wizard/internal/analysis"
	"github.com/ashureev/insight-wizard/internal/api"
	"github.com/ashureev/insight-wizard/internal/catalog"
	"github.com/ashureev/insight-wizard/internal/config"
	"github.com/ashureev/insight-wizard/internal/identity"
	"github.com/ashureev/insight-wizard/internal/launch"
	"github.com/ashureev/insight-wizard/internal/metrics"
	"github.com/ashureev/insight-wizard/internal/middleware"
	"github.com/ashureev/insight-wizard/internal/progress"
	"github.com/ashureev/insight-wizard/internal/router"
	"github.com/ashureev/insight-wizard/internal/store"
	"github.com/ashureev/insight-wizard/internal/wizard"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the wizard HTTP and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := slog.Default()

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	repo, err := openSessionStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(parent); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}
	slog.Info("Scenario catalog loaded", "scenarios", len(cat.All()))

	m := metrics.New()
	hub := progress.NewHub(logger)
	defer hub.Close()
	ready := progress.NewReadyTracker()
	notifier := progress.NewNotifier(hub)
	wizards := wizard.NewRegistry(logger)
	completion := router.New(repo, notifier, cfg.ReportPath, m, logger)

	starter, closeStarter, err := newStarter(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStarter()

	var observer launch.SessionObserver
	if cfg.NATS.URL != "" {
		nc, err := progress.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			slog.Warn("Failed to connect to NATS, remote progress relay disabled", "error", err)
		} else {
			relay := progress.NewNATSRelay(nc, cfg.NATS.SubjectPrefix, hub, repo, m, logger)
			if err := relay.Start(); err != nil {
				nc.Close()
				return fmt.Errorf("start progress relay: %w", err)
			}
			defer relay.Close()
			observer = relay
			slog.Info("Remote progress relay started", "subject_prefix", cfg.NATS.SubjectPrefix)
		}
	}

	coordinator := launch.NewCoordinator(launch.Deps{
		Starter:   starter,
		Store:     repo,
		Notifier:  notifier,
		Readiness: ready,
		Observer:  observer,
		Metrics:   m,
		Logger:    logger,
	}, launch.Options{
		MountTimeout:  cfg.Launch.MountTimeout,
		MountDelay:    cfg.Launch.MountDelay,
		FailurePolicy: launch.ParseFailurePolicy(cfg.Launch.FailurePolicy),
	})

	healthHandler := api.NewHealthHandler(repo)
	wizardHandler := api.NewWizardHandler(wizards, cat, coordinator, completion, hub, logger)
	sessionHandler := api.NewSessionHandler(repo, cfg.SessionListLimit)
	wsHandler := progress.NewWebSocketHandler(progress.WebSocketDeps{
		Wizards:       wizards,
		Hub:           hub,
		Ready:         ready,
		Store:         repo,
		Router:        completion,
		Metrics:       m,
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
		Logger:        logger,
	})

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	r.Get("/health", healthHandler.Health)
	r.Handle("/metrics", m.Handler())

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		wizardHandler.RegisterRoutes(r)
		sessionHandler.RegisterRoutes(r)
		r.Get("/ws/wizards/{id}", wsHandler.ServeHTTP)
	})

	// Websocket connections are long lived, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	wizard.StartTTLWorker(ctx, wizards, cfg.WizardTTL, wizard.DefaultSweepInterval, hub.Forget)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}

// openSessionStore opens SQLite at path, or the in-memory store for ":memory:".
func openSessionStore(path string) (store.SessionStore, error) {
	if path == store.MemoryDSN {
		slog.Warn("Using in-memory session store, records are lost on restart")
		return store.NewMemory(), nil
	}
	return store.NewSQLite(path)
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	cat, err := catalog.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load scenario catalog %s: %w", path, err)
	}
	return cat, nil
}

// newStarter prefers the gRPC analysis backend when an address is configured.
func newStarter(cfg *config.Config, logger *slog.Logger) (analysis.Starter, func(), error) {
	if cfg.Analysis.GrpcAddr != "" {
		slog.Info("Connecting to analysis service via gRPC", "address", cfg.Analysis.GrpcAddr)
		grpcCfg := analysis.DefaultGrpcClientConfig(cfg.Analysis.GrpcAddr)
		grpcCfg.RequestTimeout = cfg.Analysis.Timeout
		client, err := analysis.NewGrpcClient(grpcCfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect analysis service: %w", err)
		}
		return client, client.Close, nil
	}

	slog.Info("Using analysis HTTP API", "url", cfg.Analysis.APIURL)
	return analysis.NewHTTPClient(cfg.Analysis.APIURL, cfg.Analysis.Timeout, logger), func() {}, nil
}
