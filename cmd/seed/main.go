package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"synthgpt/internal/seed"
	"synthgpt/internal/util"
	"synthgpt/pkg/queue"
	"synthgpt/pkg/storage"
	"synthgpt/pkg/store"
)

func main() {
	_ = godotenv.Load()

	dataDir := flag.String("data", filepath.Join("backend", "data"), "directory holding presets/ and previews/")
	databaseURL := flag.String("database-url", os.Getenv("DATABASE_URL"), "postgres connection string")
	driver := flag.String("storage-driver", envOr("OBJECT_STORAGE_DRIVER", "minio"), "object storage driver: minio or file")
	endpoint := flag.String("storage-endpoint", os.Getenv("MINIO_ENDPOINT"), "minio endpoint")
	storageDir := flag.String("storage-dir", os.Getenv("OBJECT_STORAGE_DIR"), "base dir for the file driver")
	useSSL := flag.Bool("storage-ssl", false, "use TLS for minio")
	index := flag.Bool("index", false, "enqueue an embedding job for every imported preset")
	redisAddr := flag.String("redis-addr", envOr("REDIS_ADDR", "localhost:6379"), "redis address for -index")
	queueName := flag.String("queue", "synthgpt:indexer", "indexer stream name")
	concurrency := flag.Int("concurrency", 4, "parallel uploads")
	logLevel := flag.String("log-level", "info", "log level")
	variantOf := flag.String("variant-of", "", "generate a variant of this preset id instead of seeding")
	patchPath := flag.String("patch", "", "JSON object of settings overrides for -variant-of")
	variantTitle := flag.String("title", "", "title for the generated variant")
	flag.Parse()

	logger, cleanup := util.InitLogger(*logLevel, "seed", "")
	if cleanup != nil {
		defer cleanup()
	}
	if *databaseURL == "" {
		util.Fatal("database url required (-database-url or DATABASE_URL)")
	}

	dataStore, err := store.NewGormStore(*databaseURL)
	if err != nil {
		util.Fatal("failed to init postgres store", "err", err)
	}
	openBucket := func(bucket string) storage.ObjectStore {
		s, err := storage.Open(storage.Config{
			Driver:    *driver,
			Endpoint:  *endpoint,
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			UseSSL:    *useSSL,
			Bucket:    bucket,
			BaseDir:   *storageDir,
		})
		if err != nil {
			util.Fatal("failed to init object storage", "bucket", bucket, "err", err)
		}
		return s
	}

	cfg := seed.Config{
		DataDir:     *dataDir,
		Store:       dataStore,
		Presets:     openBucket(seed.PresetsBucket),
		Previews:    openBucket(seed.PreviewsBucket),
		Concurrency: *concurrency,
	}
	if *index {
		q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{Addr: *redisAddr, Stream: *queueName, Group: "indexer"})
		if err != nil {
			util.Fatal("failed to init job queue", "err", err)
		}
		defer q.Close()
		cfg.Indexer = q
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = util.ContextWithLogger(ctx, logger)

	if *variantOf != "" {
		patch, err := readPatch(*patchPath)
		if err != nil {
			util.Fatal("failed to read patch", "path", *patchPath, "err", err)
		}
		p, err := seed.Generate(ctx, cfg, seed.Variant{BaseID: *variantOf, Title: *variantTitle, Patch: patch})
		if err != nil {
			util.Fatal("variant failed", "base", *variantOf, "err", err)
		}
		fmt.Printf("generated id=%s title=%q key=%s\n", p.ID, p.Title, p.PresetObjectKey)
		return
	}

	summary, err := seed.Run(ctx, cfg)
	if err != nil {
		util.Fatal("seed failed", "err", err, "imported", summary.Imported)
	}
	fmt.Printf("found=%d imported=%d missing_preview=%d enqueued=%d\n",
		summary.Found, summary.Imported, summary.MissingPreview, summary.Enqueued)
}

func readPatch(path string) (map[string]any, error) {
	if path == "" {
		return nil, errors.New("-patch is required with -variant-of")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var patch map[string]any
	if err := json.Unmarshal(raw, &patch); err != nil {
		return nil, fmt.Errorf("patch must be a JSON object: %w", err)
	}
	return patch, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
