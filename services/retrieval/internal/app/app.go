package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"synthgpt/internal/observability"
	"synthgpt/internal/util"
	"synthgpt/pkg/ai"
	"synthgpt/pkg/domain"
	"synthgpt/pkg/storage"
	"synthgpt/pkg/store"
)

const (
	defaultLimit          = 10
	defaultMaxLimit       = 100
	defaultMaxPromptRunes = 1000
	defaultIOTimeout      = 5 * time.Second
	defaultPreviewURLTTL  = 15 * time.Minute
)

// Config holds runtime configuration for the retrieval core.
type Config struct {
	Store        store.Store
	DatabaseURL  string
	HNSWEfSearch int

	// Embedder is the raw provider; nil builds one from Embedding.
	Embedder  ai.Embedder
	Embedding ai.ProviderConfig

	// Cache enables the query embedding cache when set.
	Cache       *redis.Client
	CachePrefix string
	CacheTTL    time.Duration

	// Previews, when set, is used to presign preview URLs in results.
	Previews      storage.ObjectStore
	PreviewURLTTL time.Duration

	EmbedTimeout   time.Duration
	StoreTimeout   time.Duration
	DefaultLimit   int
	MaxLimit       int
	MaxPromptRunes int
}

// App answers similarity searches over presets.
type App struct {
	store          store.Store
	embedder       ai.Embedder
	modelVersion   string
	previews       storage.ObjectStore
	previewURLTTL  time.Duration
	embedTimeout   time.Duration
	storeTimeout   time.Duration
	defaultLimit   int
	maxLimit       int
	maxPromptRunes int
}

// SearchRequest is one retrieval call. An empty UserID is an anonymous caller.
type SearchRequest struct {
	Prompt string
	UserID string
	Limit  int
}

// Results is the shaped answer of Search.
type Results struct {
	Query   string             `json:"query"`
	Limit   int                `json:"limit"`
	Results []domain.PresetRef `json:"results"`
}

// New constructs the app, opening Postgres and the embedding provider when
// they are not injected.
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
		dataStore, err = store.NewGormStore(cfg.DatabaseURL,
			store.WithEmbeddingDim(dim),
			store.WithEfSearch(cfg.HNSWEfSearch),
		)
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
	var embedder ai.Embedder = ai.NewPromptEmbedder(provider, dim)
	if cfg.Cache != nil {
		embedder = ai.NewCachedEmbedder(embedder, cfg.Cache, cfg.CachePrefix, cfg.CacheTTL)
	}

	a := &App{
		store:          dataStore,
		embedder:       embedder,
		modelVersion:   ai.ModelVersion(embedder),
		previews:       cfg.Previews,
		previewURLTTL:  positiveDuration(cfg.PreviewURLTTL, defaultPreviewURLTTL),
		embedTimeout:   positiveDuration(cfg.EmbedTimeout, defaultIOTimeout),
		storeTimeout:   positiveDuration(cfg.StoreTimeout, defaultIOTimeout),
		defaultLimit:   positiveInt(cfg.DefaultLimit, defaultLimit),
		maxLimit:       positiveInt(cfg.MaxLimit, defaultMaxLimit),
		maxPromptRunes: positiveInt(cfg.MaxPromptRunes, defaultMaxPromptRunes),
	}
	if a.modelVersion == "" {
		a.modelVersion = "unknown"
	}
	if a.defaultLimit > a.maxLimit {
		a.defaultLimit = a.maxLimit
	}
	return a, nil
}

// Search embeds the prompt and returns the nearest presets visible to the caller.
// A search that matches nothing returns empty Results with an ErrNoResults error.
func (a *App) Search(ctx context.Context, req SearchRequest) (Results, error) {
	const op = "search"
	logger := util.LoggerFromContext(ctx)

	prompt, limit, err := a.validate(req)
	if err != nil {
		observability.RetrievalRequests.WithLabelValues("validation").Inc()
		return Results{Results: []domain.PresetRef{}}, err
	}
	out := Results{Query: prompt, Limit: limit, Results: []domain.PresetRef{}}

	vec, err := a.embed(ctx, prompt)
	if err != nil {
		observability.RetrievalRequests.WithLabelValues("external_error").Inc()
		logger.Warn("prompt embedding failed", "model", a.modelVersion, "err", err)
		return out, externalError(op, err)
	}

	matches, err := a.searchStore(ctx, store.SearchQuery{
		Embedding:   vec,
		RequesterID: req.UserID,
		Limit:       limit,
	})
	if err != nil {
		observability.RetrievalRequests.WithLabelValues("store_unavailable").Inc()
		logger.Error("preset search failed", "err", err)
		return out, storeError(op, err)
	}

	observability.RetrievalResultCount.Observe(float64(len(matches)))
	if len(matches) == 0 {
		observability.RetrievalRequests.WithLabelValues("no_results").Inc()
		return out, &Error{Kind: ErrNoResults, Op: op}
	}
	out.Results = make([]domain.PresetRef, 0, len(matches))
	for _, m := range matches {
		out.Results = append(out.Results, a.shape(ctx, m))
	}
	observability.RetrievalRequests.WithLabelValues("ok").Inc()
	return out, nil
}

func (a *App) validate(req SearchRequest) (string, int, error) {
	const op = "search"
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", 0, validationError(op, "prompt is required")
	}
	if !utf8.ValidString(prompt) {
		return "", 0, validationError(op, "prompt must be valid UTF-8")
	}
	if utf8.RuneCountInString(prompt) > a.maxPromptRunes {
		return "", 0, validationError(op, fmt.Sprintf("prompt exceeds %d characters", a.maxPromptRunes))
	}
	limit := req.Limit
	if limit == 0 {
		limit = a.defaultLimit
	}
	if limit < 0 || limit > a.maxLimit {
		return "", 0, validationError(op, fmt.Sprintf("limit must be between 1 and %d", a.maxLimit))
	}
	if req.UserID != "" && !util.IsUUID(req.UserID) {
		return "", 0, validationError(op, "userId must be a UUID")
	}
	return prompt, limit, nil
}

func (a *App) embed(ctx context.Context, prompt string) (vec []float32, err error) {
	ctx, span := observability.StartSpan(ctx, "retrieval.embed",
		attribute.String("embedding.model", a.modelVersion),
		attribute.Int("prompt.runes", utf8.RuneCountInString(prompt)),
	)
	start := time.Now()
	defer func() {
		observability.ObserveSince(observability.EmbedLatency, start, a.modelVersion, observability.Outcome(err))
		observability.EndSpan(span, err)
	}()

	ctx, cancel := context.WithTimeout(ctx, a.embedTimeout)
	defer cancel()
	vec, err = a.embedder.EmbedText(ctx, prompt, ai.TaskQuery)
	if err == nil && ctx.Err() != nil {
		// provider ignored the deadline; never use a late vector
		err = ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return vec, nil
}

func (a *App) searchStore(ctx context.Context, q store.SearchQuery) (matches []domain.PresetMatch, err error) {
	ctx, span := observability.StartSpan(ctx, "retrieval.search_presets",
		attribute.Int("search.limit", q.Limit),
		attribute.Bool("search.anonymous", q.RequesterID == ""),
	)
	start := time.Now()
	defer func() {
		observability.ObserveSince(observability.StoreQueryLatency, start, "search_presets", observability.Outcome(err))
		span.SetAttributes(attribute.Int("search.results", len(matches)))
		observability.EndSpan(span, err)
	}()

	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()
	matches, err = a.store.SearchPresets(ctx, q)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func (a *App) shape(ctx context.Context, m domain.PresetMatch) domain.PresetRef {
	ref := domain.PresetRef{
		ID:               m.Preset.ID,
		Title:            m.Preset.Title,
		PreviewObjectKey: m.Preset.PreviewObjectKey,
		OwnerUserID:      m.Preset.OwnerID,
		Distance:         m.Distance,
	}
	if a.previews != nil && ref.PreviewObjectKey != "" {
		presignCtx, cancel := context.WithTimeout(ctx, a.storeTimeout)
		url, err := a.previews.PresignGet(presignCtx, ref.PreviewObjectKey, a.previewURLTTL)
		cancel()
		if err != nil {
			util.LoggerFromContext(ctx).Warn("presign preview failed", "preset_id", ref.ID, "err", err)
		} else {
			ref.PreviewURL = url
		}
	}
	return ref
}

// GetPreset returns a preset by id when it is visible to userID.
// Missing and invisible presets are both ErrNotFound.
func (a *App) GetPreset(ctx context.Context, id, userID string) (domain.Preset, error) {
	const op = "get_preset"
	id = strings.TrimSpace(id)
	if !util.IsUUID(id) {
		return domain.Preset{}, validationError(op, "id must be a UUID")
	}
	if userID != "" && !util.IsUUID(userID) {
		return domain.Preset{}, validationError(op, "userId must be a UUID")
	}

	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()
	start := time.Now()
	p, ok, err := a.store.GetPreset(ctx, id)
	observability.ObserveSince(observability.StoreQueryLatency, start, "get_preset", observability.Outcome(err))
	if err != nil {
		return domain.Preset{}, storeError(op, err)
	}
	if !ok || !p.VisibleTo(userID) {
		return domain.Preset{}, &Error{Kind: ErrNotFound, Op: op, Message: "preset not found"}
	}
	p.Embedding = nil
	return p, nil
}

// Ping checks the store when it supports health checks.
func (a *App) Ping(ctx context.Context) error {
	pinger, ok := a.store.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()
	if err := pinger.Ping(ctx); err != nil {
		return storeError("ping", err)
	}
	return nil
}

// ModelVersion names the embedding model serving queries.
func (a *App) ModelVersion() string {
	return a.modelVersion
}

// IsNoResults reports whether err only signals an empty result set.
func IsNoResults(err error) bool {
	return errors.Is(err, ErrNoResults)
}

func positiveDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func positiveInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
