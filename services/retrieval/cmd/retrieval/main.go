package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"synthgpt/internal/observability"
	"synthgpt/internal/ratelimit"
	"synthgpt/internal/util"
	"synthgpt/pkg/ai"
	"synthgpt/pkg/storage"
	"synthgpt/services/retrieval/internal/app"
	"synthgpt/services/retrieval/internal/config"
	"synthgpt/services/retrieval/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, cleanup := util.InitLogger(cfg.LogLevel, "retrieval", cfg.LogsDir)
	if cleanup != nil {
		defer cleanup()
	}

	shutdownTracing, err := observability.InitTracing(cfg.Tracing)
	if err != nil {
		util.Fatal("failed to init tracing", "err", err)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
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
			PublicURL: cfg.ObjectStoragePublic,
		})
		if err != nil {
			util.Fatal("failed to init preview storage", "err", err)
		}
	}

	appCfg := app.Config{
		DatabaseURL:  cfg.DatabaseURL,
		HNSWEfSearch: cfg.HNSWEfSearch,
		Embedding: ai.ProviderConfig{
			Provider:     cfg.EmbeddingProvider,
			BaseURL:      cfg.EmbeddingBaseURL,
			Model:        cfg.EmbeddingModel,
			APIKey:       cfg.EmbeddingAPIKey,
			EmbeddingDim: cfg.EmbeddingDim,
		},
		Previews:       previews,
		PreviewURLTTL:  time.Duration(cfg.PreviewURLTTLSeconds) * time.Second,
		EmbedTimeout:   time.Duration(cfg.EmbedTimeoutMs) * time.Millisecond,
		StoreTimeout:   time.Duration(cfg.StoreTimeoutMs) * time.Millisecond,
		DefaultLimit:   cfg.DefaultLimit,
		MaxLimit:       cfg.MaxLimit,
		MaxPromptRunes: cfg.MaxPromptRunes,
	}
	if cfg.EmbedCacheEnabled {
		appCfg.Cache = redisClient
		appCfg.CachePrefix = "synthgpt:embed"
		appCfg.CacheTTL = time.Duration(cfg.EmbedCacheTTLSeconds) * time.Second
	}
	appCore, err := app.New(appCfg)
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("invalid trusted proxies", "err", err)
	}
	var limiter ratelimit.Limiter
	if cfg.RateLimitPerMinute > 0 {
		fixed, err := ratelimit.NewRedisFixedWindowLimiter(redisClient, "synthgpt:ratelimit:retrieve", cfg.RateLimitPerMinute, time.Minute)
		if err != nil {
			util.Fatal("failed to init rate limiter", "err", err)
		}
		limiter = fixed
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		Limiter:        limiter,
		TrustedProxies: trusted,
		CORSOrigins:    cfg.CORSOrigins,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		util.Fatal("failed to listen", "addr", addr, "err", err)
	}
	slog.Info("retrieval server listening", "addr", addr, "model", appCore.ModelVersion())
	if err := serve(ctx, srv, ln, shutdownTracing); err != nil {
		logger.Error("server error", "err", err)
	}
}

// serve runs srv on ln until ctx is cancelled, then drains in-flight requests
// and calls onShutdown before returning.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, onShutdown func(context.Context) error) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown", "err", err)
		}
		if onShutdown != nil {
			_ = onShutdown(shutdownCtx)
		}
	}()

	var serveErr error
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		serveErr = err
		stop()
	}
	<-done
	return serveErr
}
