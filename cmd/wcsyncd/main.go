package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wcsync/internal/api"
	"wcsync/internal/config"
	"wcsync/internal/logging"
	"wcsync/internal/middleware"
	"wcsync/internal/repository"
	"wcsync/internal/safe"
	"wcsync/internal/storage"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatal("failed to load config:", err)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger:", err)
	}
	defer logger.Sync()

	// Initialize BadgerDB
	var db *badger.DB
	if cfg.Database.InMemory {
		db, err = storage.OpenInMemory()
	} else {
		db, err = storage.Open(cfg.Database.Path)
	}
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	repo, err := repository.New(repository.Options{
		RootURL: cfg.Repository.URL,
		UUID:    cfg.Repository.UUID,
		DB:      db,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("failed to open repository", zap.Error(err))
	}

	compressor, err := safe.NewCompressor(safe.DefaultCompressionOptions())
	if err != nil {
		logger.Fatal("failed to initialize compressor", zap.Error(err))
	}

	// Set up router
	mux := http.NewServeMux()
	api.NewHandler(repo, logger, compressor).Routes(mux)

	// Apply middleware, outermost last
	handler := middleware.Chain(
		mux,
		middleware.Recover(logger),
		middleware.Logger(logger),
		middleware.Metrics,
		middleware.RequestID,
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting server",
			zap.String("address", addr),
			zap.String("repository", repo.RootURL()),
			zap.Int64("revision", repo.Latest()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
}
