package app

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"synthgpt/internal/observability"
	"synthgpt/internal/util"
	"synthgpt/pkg/ai"
	"synthgpt/pkg/domain"
	"synthgpt/pkg/queue"
	"synthgpt/pkg/storage"
	"synthgpt/pkg/store"
)

const (
	defaultEmbedTimeout        = 30 * time.Second
	defaultBackfillConcurrency = 4
	defaultBackfillLimit       = 100
	maxBackfillLimit           = 1000
)

// Job tracks an embedding request for one preset.
type Job struct {
	ID           string    `json:"id"`
	PresetID     string    `json:"presetId"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Backfill summarizes an EnqueueMissing run.
type Backfill struct {
	Queued   int   `json:"queued"`
	Existing int   `json:"existing"`
	Jobs     []Job `json:"jobs"`
}

// Config holds runtime configuration.
type Config struct {
	DatabaseURL string
	Store       store.Store

	// Previews holds preview clips keyed by preset.PreviewObjectKey.
	Previews storage.ObjectStore

	Embedder  ai.Embedder
	Embedding ai.ProviderConfig

	// Queue is used as-is when set; otherwise one is dialed from the Redis fields.
	Queue                  *queue.RedisJobQueue
	RedisAddr              string
	RedisPassword          string
	QueueName              string
	QueueGroup             string
	QueueMaxRetries        int
	QueueRetryDelaySeconds int

	EmbedTimeout        time.Duration
	BackfillConcurrency int
}

// App turns presets without embeddings into indexed presets.
type App struct {
	store               store.Store
	previews            storage.ObjectStore
	embedder            *ai.PromptEmbedder
	queue               *queue.RedisJobQueue
	embedTimeout        time.Duration
	backfillConcurrency int
}

// New constructs the indexer with persistence and a job queue.
func New(cfg Config) (*App, error) {
	dim := cfg.Embedding.EmbeddingDim
	if dim <= 0 {
		dim = domain.EmbeddingDim
	}
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL, store.WithEmbeddingDim(dim))
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	provider := cfg.Embedder
	if provider == nil {
		providerCfg := cfg.Embedding
		providerCfg.EmbeddingDim = dim
		var err error
		provider, err = ai.NewProvider(providerCfg)
		if err != nil {
			return nil, fmt.Errorf("init embedding provider: %w", err)
		}
	}
	q := cfg.Queue
	if q == nil {
		var err error
		q, err = queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			Stream:     defaultQueueName(cfg.QueueName),
			Group:      defaultQueueGroup(cfg.QueueGroup),
			Consumer:   util.NewID(),
			MaxRetries: cfg.QueueMaxRetries,
			RetryDelay: time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("init job queue: %w", err)
		}
	}
	concurrency := cfg.BackfillConcurrency
	if concurrency <= 0 {
		concurrency = defaultBackfillConcurrency
	}
	embedTimeout := cfg.EmbedTimeout
	if embedTimeout <= 0 {
		embedTimeout = defaultEmbedTimeout
	}
	return &App{
		store:               dataStore,
		previews:            cfg.Previews,
		embedder:            ai.NewPromptEmbedder(provider, dim),
		queue:               q,
		embedTimeout:        embedTimeout,
		backfillConcurrency: concurrency,
	}, nil
}

// Start launches queue workers until ctx is canceled.
func (a *App) Start(ctx context.Context, workers int) {
	a.queue.Start(ctx, workers, a.process)
}

// Close waits for workers to stop and releases the queue.
func (a *App) Close() error {
	a.queue.Wait()
	return a.queue.Close()
}

// Ping checks the queue backend.
func (a *App) Ping(ctx context.Context) error {
	return a.queue.Ping(ctx)
}

// Enqueue schedules an embedding job for an existing preset. The bool is false
// when an active job for the preset was returned instead.
func (a *App) Enqueue(ctx context.Context, presetID string) (Job, bool, error) {
	presetID = strings.TrimSpace(presetID)
	if !util.IsUUID(presetID) {
		return Job{}, false, fmt.Errorf("%w: presetId must be a UUID", ErrValidation)
	}
	if _, ok, err := a.store.GetPreset(ctx, presetID); err != nil {
		return Job{}, false, fmt.Errorf("load preset: %w", err)
	} else if !ok {
		return Job{}, false, fmt.Errorf("%w: preset %s", ErrNotFound, presetID)
	}
	status, created, err := a.queue.Enqueue(ctx, presetID)
	if err != nil {
		return Job{}, false, err
	}
	return jobFromStatus(status), created, nil
}

// EnqueueMissing schedules jobs for up to limit presets that have no embedding.
func (a *App) EnqueueMissing(ctx context.Context, limit int) (Backfill, error) {
	if limit < 0 || limit > maxBackfillLimit {
		return Backfill{}, fmt.Errorf("%w: limit must be between 1 and %d", ErrValidation, maxBackfillLimit)
	}
	if limit == 0 {
		limit = defaultBackfillLimit
	}
	presets, err := a.store.ListPresetsMissingEmbedding(ctx, limit)
	if err != nil {
		return Backfill{}, fmt.Errorf("list presets missing embedding: %w", err)
	}

	out := Backfill{Jobs: make([]Job, len(presets))}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.backfillConcurrency)
	for i, p := range presets {
		g.Go(func() error {
			status, created, err := a.queue.Enqueue(gctx, p.ID)
			if err != nil {
				return fmt.Errorf("enqueue %s: %w", p.ID, err)
			}
			out.Jobs[i] = jobFromStatus(status)
			mu.Lock()
			if created {
				out.Queued++
			} else {
				out.Existing++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Backfill{}, err
	}
	return out, nil
}

// GetJob returns a job by ID.
func (a *App) GetJob(ctx context.Context, id string) (Job, bool, error) {
	status, ok, err := a.queue.GetJob(ctx, strings.TrimSpace(id))
	if err != nil || !ok {
		return Job{}, false, err
	}
	return jobFromStatus(status), true, nil
}

func (a *App) process(ctx context.Context, job queue.JobStatus) error {
	logger := util.LoggerFromContext(ctx).With("job_id", job.ID, "preset_id", job.PresetID)
	preset, ok, err := a.store.GetPreset(ctx, job.PresetID)
	if err != nil {
		observability.IndexerJobs.WithLabelValues("error", "none").Inc()
		return fmt.Errorf("load preset: %w", err)
	}
	if !ok {
		logger.Info("preset deleted before indexing, skipping")
		observability.IndexerJobs.WithLabelValues("skipped", "none").Inc()
		return nil
	}
	if preset.HasEmbedding() {
		observability.IndexerJobs.WithLabelValues("skipped", "none").Inc()
		return nil
	}

	vec, input, err := a.embedPreset(ctx, preset)
	if err != nil {
		observability.IndexerJobs.WithLabelValues("error", input).Inc()
		logger.Warn("embed preset failed", "input", input, "attempt", job.Attempts, "err", err)
		return err
	}
	if err := a.store.SetPresetEmbedding(ctx, preset.ID, vec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			observability.IndexerJobs.WithLabelValues("skipped", input).Inc()
			return nil
		}
		observability.IndexerJobs.WithLabelValues("error", input).Inc()
		return fmt.Errorf("store embedding: %w", err)
	}
	observability.IndexerJobs.WithLabelValues("done", input).Inc()
	logger.Info("preset indexed", "input", input, "model", ai.ModelVersion(a.embedder))
	return nil
}

// embedPreset prefers the preview clip and falls back to the title. The string
// result names the input used.
func (a *App) embedPreset(ctx context.Context, p domain.Preset) ([]float32, string, error) {
	ctx, span := observability.StartSpan(ctx, "indexer.embed_preset")
	var err error
	defer func() { observability.EndSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, a.embedTimeout)
	defer cancel()

	start := time.Now()
	model := ai.ModelVersion(a.embedder)
	if p.PreviewObjectKey != "" && a.previews != nil && a.embedder.SupportsAudio() {
		var vec []float32
		vec, err = a.embedPreview(ctx, p.PreviewObjectKey)
		switch {
		case err == nil:
			observability.ObserveSince(observability.EmbedLatency, start, model, "ok")
			return vec, "audio", nil
		case errors.Is(err, storage.ErrObjectNotFound):
			util.LoggerFromContext(ctx).Warn("preview missing, embedding title", "preset_id", p.ID, "key", p.PreviewObjectKey)
		default:
			observability.ObserveSince(observability.EmbedLatency, start, model, "error")
			return nil, "audio", err
		}
	}
	text := strings.TrimSpace(p.Title)
	if text == "" {
		text = strings.TrimSuffix(path.Base(p.Metadata["path"]), path.Ext(p.Metadata["path"]))
	}
	if text == "" || text == "." {
		err = errors.New("preset has no title to embed")
		return nil, "text", err
	}
	var vec []float32
	vec, err = a.embedder.EmbedText(ctx, text, ai.TaskDocument)
	observability.ObserveSince(observability.EmbedLatency, start, model, observability.Outcome(err))
	if err != nil {
		return nil, "text", err
	}
	return vec, "text", nil
}

func (a *App) embedPreview(ctx context.Context, key string) ([]float32, error) {
	rc, err := a.previews.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetch preview: %w", err)
	}
	defer rc.Close()
	return a.embedder.EmbedAudio(ctx, path.Base(key), rc)
}

func jobFromStatus(status queue.JobStatus) Job {
	return Job{
		ID:           status.ID,
		PresetID:     status.PresetID,
		Status:       status.Status,
		ErrorMessage: status.ErrorMessage,
		Attempts:     status.Attempts,
		CreatedAt:    status.CreatedAt,
		UpdatedAt:    status.UpdatedAt,
	}
}

func defaultQueueName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "synthgpt:indexer"
	}
	return name
}

func defaultQueueGroup(name string) string {
	if strings.TrimSpace(name) == "" {
		return "indexer"
	}
	return name
}
