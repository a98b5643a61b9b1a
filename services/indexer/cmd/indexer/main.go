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

	"synthgpt/internal/observability"
	"synthgpt/internal/util"
	"synthgpt/pkg/ai"
	"synthgpt/pkg/storage"
	"synthgpt/services/indexer/internal/app"
	"synthgpt/services/indexer/internal/config"
	"synthgpt/services/indexer/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, cleanup := util.InitLogger(cfg.LogLevel, "indexer", cfg.LogsDir)
	if cleanup != nil {
		defer cleanup()
	}

	shutdownTracing, err := observability.InitTracing(cfg.Tracing)
	if err != nil {
		util.Fatal("failed to init tracing", "err", err)
	}

	var previews storage.ObjectStore
	if cfg.ObjectStorageDriver != "" && cfg.ObjectStorageDriver != "none" {
		previews, err = storage.Open(storage.Config{
			Driver:    cfg.ObjectStorageDriver,
			Endpoint:  cfg.ObjectStorageEndpoint,
			AccessKey: cfg.ObjectStorageAccess,
			SecretKey: cfg.ObjectStorageSecret,
			UseSSL:    cfg.ObjectStorageUseSSL,
			Bucket:    cfg.PreviewBucket,
			BaseDir:   cfg.ObjectStorageDir,
		})
		if err != nil {
			util.Fatal("failed to init preview storage", "err", err)
		}
	}

	appCore, err := app.New(app.Config{
		DatabaseURL: cfg.DatabaseURL,
		Previews:    previews,
		Embedding: ai.ProviderConfig{
			Provider:     cfg.EmbeddingProvider,
			BaseURL:      cfg.EmbeddingBaseURL,
			Model:        cfg.EmbeddingModel,
			APIKey:       cfg.EmbeddingAPIKey,
			EmbeddingDim: cfg.EmbeddingDim,
		},
		RedisAddr:              cfg.RedisAddr,
		RedisPassword:          cfg.RedisPassword,
		QueueName:              cfg.QueueName,
		QueueGroup:             cfg.QueueGroup,
		QueueMaxRetries:        cfg.QueueMaxRetries,
		QueueRetryDelaySeconds: cfg.QueueRetryDelaySeconds,
		EmbedTimeout:           time.Duration(cfg.EmbedTimeoutMs) * time.Millisecond,
		BackfillConcurrency:    cfg.BackfillConcurrency,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	appCore.Start(util.ContextWithLogger(ctx, logger), cfg.QueueConcurrency)

	httpServer := server.New(server.Config{
		App:           appCore,
		InternalToken: cfg.InternalToken,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = appCore.Close()
		_ = shutdownTracing(shutdownCtx)
	}()

	slog.Info("indexer server listening", "addr", addr, "workers", cfg.QueueConcurrency)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
		stop()
	}
	<-done
}
