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

	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"audiorelay-backend/internal/api"
	"audiorelay-backend/internal/assembler"
	"audiorelay-backend/internal/chunkstore"
	"audiorelay-backend/internal/config"
	githubclient "audiorelay-backend/internal/github"
	"audiorelay-backend/internal/progress"
	"audiorelay-backend/internal/staging"
	"audiorelay-backend/internal/store"
	"audiorelay-backend/internal/transfer"
	"audiorelay-backend/internal/upload"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "upload relay terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return exitConfig, fmt.Errorf("failed to load config: %w", err)
	}
	logger := logs.GetLoggerFromString(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, ping, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return exitRuntime, err
	}
	defer closeStore()

	stagingStore, err := staging.NewStore(cfg.UploadDir)
	if err != nil {
		return exitRuntime, fmt.Errorf("failed to initialize staging dir: %w", err)
	}

	registry := chunkstore.NewRegistry(chunkstore.Options{
		SpeedWindow:    cfg.SpeedWindow,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	hub := progress.NewHub()
	asm := assembler.New(registry, stagingStore, logger)
	orch := transfer.NewOrchestrator(newAgent(cfg, logger), stagingStore, st, logger)
	svc := upload.NewService(cfg, registry, hub, asm, orch, st, logger)
	go svc.Run(ctx)

	handler := api.NewHandler(cfg, svc, logger, ping)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 30 * time.Second,
		WriteTimeout:      cfg.PipelineTimeout,
		IdleTimeout:       cfg.KeepAliveTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("upload relay listening",
			"addr", server.Addr, "ingest_mode", cfg.IngestMode,
			"transfer_agent", cfg.TransferAgent, "upload_dir", stagingStore.BasePath())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return exitRuntime, fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down upload relay")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	logger.Info("waiting for running transfers")
	svc.Wait()
	return exitOK, nil
}

// openStore returns the owner/job store: PostgreSQL when DATABASE_URL is
// set, the in-memory allowlist otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(context.Context) error, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, verifying owners against ALLOWED_OWNERS", "owners", len(cfg.AllowedOwners))
		return store.NewMemoryStore(cfg.AllowedOwners), nil, func() {}, nil
	}
	db, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("failed to prepare schema: %w", err)
	}
	return db, db.Ping, db.Close, nil
}

func newAgent(cfg *config.Config, logger *slog.Logger) transfer.Agent {
	if cfg.TransferAgent == config.AgentGitHub {
		client := githubclient.NewReleaseClient(cfg.GitHubToken, cfg.GitHubOwner, cfg.GitHubRepo)
		return transfer.NewReleaseAgent(client, cfg.ReleaseTag)
	}
	return transfer.NewRsyncAgent(transfer.RsyncConfig{
		Binary:     cfg.RsyncBinary,
		Host:       cfg.SSHHost,
		Port:       cfg.SSHPort,
		User:       cfg.SSHUser,
		KeyPath:    cfg.SSHKeyPath,
		RemotePath: cfg.RemotePath,
	}, logger)
}
