package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	githubadapter "github.com/ericfisherdev/archguard/internal/adapter/driven/github"
	sqliteadapter "github.com/ericfisherdev/archguard/internal/adapter/driven/sqlite"
	httphandler "github.com/ericfisherdev/archguard/internal/adapter/driving/http"
	"github.com/ericfisherdev/archguard/internal/application"
	"github.com/ericfisherdev/archguard/internal/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on missing required env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"check_name", cfg.CheckName,
		"api_base_url", cfg.APIBaseURL,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.DBPath)

	// 4. Run migrations on writer connection.
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("migrations complete")

	// 5. Wire driven adapters.
	runStore := sqliteadapter.NewRunRepo(db)

	auth, err := githubadapter.NewAppAuth(cfg.ClientID, cfg.PrivateKeyPath, cfg.APIBaseURL)
	if err != nil {
		return err
	}
	gateway := githubadapter.NewGateway(auth, cfg.APIBaseURL)
	slog.Info("github gateway created", "client_id", cfg.ClientID)

	// 6. Create the lifecycle orchestrator. No in-process analyzer is wired;
	// results arrive through the result endpoint.
	orchestrator := application.NewOrchestrator(gateway, runStore, nil, cfg.CheckName, cfg.MaxAttempts)

	// 7. Create HTTP handler and register routes.
	apiHandler := httphandler.NewHandler(orchestrator, runStore, cfg.CheckName, cfg.WebhookSecret, slog.Default())
	handler := httphandler.NewServeMux(apiHandler, slog.Default())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	slog.Info("archguard started",
		"listen_addr", cfg.ListenAddr,
		"check_name", cfg.CheckName,
	)

	// 8. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 9. Graceful shutdown with 10s timeout so in-flight deliveries drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
