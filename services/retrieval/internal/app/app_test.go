package app

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"synthgpt/pkg/ai"
	"synthgpt/pkg/domain"
	"synthgpt/pkg/storage"
	"synthgpt/pkg/store"
)

const (
	alice = "11111111-1111-1111-1111-111111111111"
	bob   = "22222222-2222-2222-2222-222222222222"
)

type fakeEmbedder struct {
	vec   []float32
	err   error
	block bool
	calls atomic.Int32
}

func (f *fakeEmbedder) EmbedText(ctx context.Context, _, _ string) ([]float32, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]float32(nil), f.vec...), nil
}

// countingStore records search calls and can fail them.
type countingStore struct {
	store.Store
	searches atomic.Int32
	err      error
}

func (c *countingStore) SearchPresets(ctx context.Context, q store.SearchQuery) ([]domain.PresetMatch, error) {
	c.searches.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.Store.SearchPresets(ctx, q)
}

func newTestApp(t *testing.T, emb ai.Embedder, st store.Store) *App {
	t.Helper()
	a, err := New(Config{
		Store:        st,
		Embedder:     emb,
		Embedding:    ai.ProviderConfig{EmbeddingDim: 3},
		EmbedTimeout: 50 * time.Millisecond,
		StoreTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a
}

func seedStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemoryStore().WithEmbeddingDim(3)
	for _, id := range []string{alice, bob} {
		if err := mem.SaveUser(ctx, domain.User{ID: id, Username: id[:1]}); err != nil {
			t.Fatalf("save user: %v", err)
		}
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	presets := []domain.Preset{
		{ID: "aaaaaaaa-0000-0000-0000-000000000001", Title: "P1", Visibility: domain.VisibilityPublic, PresetObjectKey: "p1.vital", PreviewObjectKey: "p1.wav", Embedding: []float32{1, 0, 0}, CreatedAt: base},
		{ID: "aaaaaaaa-0000-0000-0000-000000000002", Title: "P2", Visibility: domain.VisibilityPublic, PresetObjectKey: "p2.vital", Embedding: []float32{1, 0, 0}, CreatedAt: base.Add(time.Minute)},
		{ID: "aaaaaaaa-0000-0000-0000-000000000003", OwnerID: alice, Title: "P3", Visibility: domain.VisibilityPrivate, PresetObjectKey: "p3.vital", Embedding: []float32{1, 0, 0}, CreatedAt: base.Add(2 * time.Minute)},
		{ID: "aaaaaaaa-0000-0000-0000-000000000004", OwnerID: bob, Title: "far", Visibility: domain.VisibilityPublic, PresetObjectKey: "p4.vital", Embedding: []float32{0, 1, 0}, CreatedAt: base},
	}
	for _, p := range presets {
		if err := mem.CreatePreset(ctx, p); err != nil {
			t.Fatalf("create preset %s: %v", p.Title, err)
		}
	}
	return mem
}

func titles(refs []domain.PresetRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.Title)
	}
	return out
}

func TestSearchTieBreaksByNewest(t *testing.T) {
	a := newTestApp(t, &fakeEmbedder{vec: []float32{2, 0, 0}}, seedStore(t))
	res, err := a.Search(context.Background(), SearchRequest{Prompt: "bright saw lead", Limit: 2})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if got := strings.Join(titles(res.Results), ","); got != "P2,P1" {
		t.Fatalf("results = %s, want P2,P1", got)
	}
	if res.Results[1].PreviewObjectKey != "p1.wav" {
		t.Fatalf("preview key not projected: %+v", res.Results[1])
	}
	if res.Limit != 2 || res.Query != "bright saw lead" {
		t.Fatalf("unexpected echo %+v", res)
	}
}

func TestSearchExcludesPrivateForAnonymous(t *testing.T) {
	a := newTestApp(t, &fakeEmbedder{vec: []float32{1, 0, 0}}, seedStore(t))

	anon, err := a.Search(context.Background(), SearchRequest{Prompt: "pad"})
	if err != nil {
		t.Fatalf("anonymous search: %v", err)
	}
	for _, r := range anon.Results {
		if r.Title == "P3" {
			t.Fatalf("private preset leaked to anonymous caller")
		}
	}

	owner, err := a.Search(context.Background(), SearchRequest{Prompt: "pad", UserID: alice, Limit: 1})
	if err != nil {
		t.Fatalf("owner search: %v", err)
	}
	if got := titles(owner.Results); len(got) != 1 || got[0] != "P3" {
		t.Fatalf("owner should see own newest preset first, got %v", got)
	}
	if owner.Results[0].OwnerUserID != alice {
		t.Fatalf("owner not projected: %+v", owner.Results[0])
	}

	other, _ := a.Search(context.Background(), SearchRequest{Prompt: "pad", UserID: bob})
	for _, r := range other.Results {
		if r.Title == "P3" {
			t.Fatalf("private preset leaked to another user")
		}
	}
}

func TestSearchDistancesNonDecreasing(t *testing.T) {
	a := newTestApp(t, &fakeEmbedder{vec: []float32{0.9, 0.3, 0}}, seedStore(t))
	res, err := a.Search(context.Background(), SearchRequest{Prompt: "pluck", Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for i := 1; i < len(res.Results); i++ {
		if res.Results[i].Distance < res.Results[i-1].Distance {
			t.Fatalf("distance decreased at %d: %v", i, res.Results)
		}
	}
}

func TestSearchEmbeddingTimeoutSkipsStore(t *testing.T) {
	st := &countingStore{Store: seedStore(t)}
	a := newTestApp(t, &fakeEmbedder{block: true}, st)

	start := time.Now()
	res, err := a.Search(context.Background(), SearchRequest{Prompt: "pad"})
	if !errors.Is(err, ErrExternalService) {
		t.Fatalf("err = %v, want ErrExternalService", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("cause should be the deadline, got %v", err)
	}
	if Retryable(err) {
		t.Fatalf("external errors are not marked retryable")
	}
	if st.searches.Load() != 0 {
		t.Fatalf("store queried %d times after embedding failure", st.searches.Load())
	}
	if len(res.Results) != 0 {
		t.Fatalf("expected empty results")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("embedding timeout not enforced")
	}
}

func TestSearchRejectsWrongDimensionVector(t *testing.T) {
	st := &countingStore{Store: seedStore(t)}
	a := newTestApp(t, &fakeEmbedder{vec: []float32{1, 0}}, st)
	_, err := a.Search(context.Background(), SearchRequest{Prompt: "pad"})
	if !errors.Is(err, ErrExternalService) || !errors.Is(err, ai.ErrDimensionMismatch) {
		t.Fatalf("err = %v, want external dimension mismatch", err)
	}
	if st.searches.Load() != 0 {
		t.Fatalf("store must not see a partial vector")
	}
}

func TestSearchStoreFailureIsRetryable(t *testing.T) {
	st := &countingStore{Store: seedStore(t), err: errors.New("dial tcp: connection refused")}
	a := newTestApp(t, &fakeEmbedder{vec: []float32{1, 0, 0}}, st)
	_, err := a.Search(context.Background(), SearchRequest{Prompt: "pad"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	if !Retryable(err) {
		t.Fatalf("store errors must be retryable")
	}
	if PublicMessage(err) != "preset store unavailable" {
		t.Fatalf("public message leaks cause: %q", PublicMessage(err))
	}
}

func TestSearchNoResults(t *testing.T) {
	a := newTestApp(t, &fakeEmbedder{vec: []float32{1, 0, 0}}, store.NewMemoryStore().WithEmbeddingDim(3))
	res, err := a.Search(context.Background(), SearchRequest{Prompt: "anything"})
	if !IsNoResults(err) {
		t.Fatalf("err = %v, want ErrNoResults", err)
	}
	if res.Results == nil || len(res.Results) != 0 {
		t.Fatalf("expected empty non-nil results, got %#v", res.Results)
	}
}

func TestSearchValidationBeforeIO(t *testing.T) {
	emb := &fakeEmbedder{vec: []float32{1, 0, 0}}
	st := &countingStore{Store: seedStore(t)}
	a := newTestApp(t, emb, st)

	cases := []struct {
		name string
		req  SearchRequest
	}{
		{name: "empty prompt", req: SearchRequest{Prompt: "   "}},
		{name: "long prompt", req: SearchRequest{Prompt: strings.Repeat("é", 1001)}},
		{name: "negative limit", req: SearchRequest{Prompt: "pad", Limit: -1}},
		{name: "limit too large", req: SearchRequest{Prompt: "pad", Limit: 101}},
		{name: "bad user id", req: SearchRequest{Prompt: "pad", UserID: "alice"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.Search(context.Background(), tc.req)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
	if emb.calls.Load() != 0 || st.searches.Load() != 0 {
		t.Fatalf("I/O happened before validation: embed=%d search=%d", emb.calls.Load(), st.searches.Load())
	}
}

func TestSearchDefaultLimit(t *testing.T) {
	mem := store.NewMemoryStore().WithEmbeddingDim(3)
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		p := domain.Preset{
			ID:              "bbbbbbbb-0000-0000-0000-0000000000" + string(rune('a'+i)) + "0",
			Title:           "p",
			Visibility:      domain.VisibilityPublic,
			PresetObjectKey: "k",
			Embedding:       []float32{1, float32(i), 0},
			CreatedAt:       time.Now(),
		}
		if err := mem.CreatePreset(ctx, p); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	a := newTestApp(t, &fakeEmbedder{vec: []float32{1, 0, 0}}, mem)
	res, err := a.Search(ctx, SearchRequest{Prompt: "pad"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res.Results) != defaultLimit || res.Limit != defaultLimit {
		t.Fatalf("got %d results limit=%d, want %d", len(res.Results), res.Limit, defaultLimit)
	}
}

func TestSearchCallerCancellation(t *testing.T) {
	st := &countingStore{Store: seedStore(t)}
	a := newTestApp(t, &fakeEmbedder{block: true}, st)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Search(ctx, SearchRequest{Prompt: "pad"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled cause", err)
	}
	if st.searches.Load() != 0 {
		t.Fatalf("store queried after cancellation")
	}
}

func TestGetPresetHonorsVisibility(t *testing.T) {
	a := newTestApp(t, &fakeEmbedder{vec: []float32{1, 0, 0}}, seedStore(t))
	ctx := context.Background()
	privateID := "aaaaaaaa-0000-0000-0000-000000000003"

	if _, err := a.GetPreset(ctx, privateID, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("anonymous get private: %v", err)
	}
	if _, err := a.GetPreset(ctx, privateID, bob); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other user get private: %v", err)
	}
	p, err := a.GetPreset(ctx, privateID, alice)
	if err != nil {
		t.Fatalf("owner get: %v", err)
	}
	if p.Title != "P3" || p.Embedding != nil {
		t.Fatalf("unexpected preset %+v", p)
	}
	if _, err := a.GetPreset(ctx, "not-a-uuid", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("bad id: %v", err)
	}
	if _, err := a.GetPreset(ctx, "aaaaaaaa-0000-0000-0000-00000000ffff", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing id: %v", err)
	}
}

func TestDeletedOwnerPresetsDisappear(t *testing.T) {
	mem := seedStore(t)
	a := newTestApp(t, &fakeEmbedder{vec: []float32{1, 0, 0}}, mem)
	ctx := context.Background()
	if err := mem.DeleteUser(ctx, alice); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if _, err := a.GetPreset(ctx, "aaaaaaaa-0000-0000-0000-000000000003", alice); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cascaded preset still reachable: %v", err)
	}
}

func TestErrorFormatting(t *testing.T) {
	err := storeError("search", errors.New("timeout"))
	if got := err.Error(); got != "search: store unavailable: preset store unavailable: timeout" {
		t.Fatalf("error string = %q", got)
	}
	if PublicMessage(errors.New("raw")) != "internal error" {
		t.Fatalf("unexpected public message for foreign error")
	}
}

func TestSearchReembedsWhenCachedVectorHasWrongLength(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	emb := &fakeEmbedder{vec: []float32{1, 0, 0}}
	st := &countingStore{Store: seedStore(t)}
	a, err := New(Config{
		Store:        st,
		Embedder:     emb,
		Embedding:    ai.ProviderConfig{EmbeddingDim: 3},
		Cache:        client,
		CachePrefix:  "test:embed",
		EmbedTimeout: 50 * time.Millisecond,
		StoreTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx := context.Background()
	if _, err := a.Search(ctx, SearchRequest{Prompt: "warm pad", Limit: 2}); err != nil {
		t.Fatalf("first search: %v", err)
	}
	keys := srv.Keys()
	if len(keys) != 1 {
		t.Fatalf("cache keys = %v", keys)
	}
	// two little-endian float32s: a vector from a model with another dimension
	if err := srv.Set(keys[0], string([]byte{0, 0, 128, 63, 0, 0, 0, 0})); err != nil {
		t.Fatalf("overwrite cache: %v", err)
	}

	res, err := a.Search(ctx, SearchRequest{Prompt: "warm pad", Limit: 2})
	if err != nil {
		t.Fatalf("search with stale cache entry: %v", err)
	}
	if len(res.Results) != 2 {
		t.Fatalf("results = %v", titles(res.Results))
	}
	if got := emb.calls.Load(); got != 2 {
		t.Fatalf("embedder calls = %d, want 2", got)
	}
	if got := st.searches.Load(); got != 2 {
		t.Fatalf("store searches = %d", got)
	}
}

func TestSearchPreviewURLNeedsPublicAddress(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name    string
		baseURL string
		want    string
	}{
		{"public", "https://cdn.example/previews", "https://cdn.example/previews/p1.wav"},
		{"local only", "", ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			previews, err := storage.NewFileStore(t.TempDir(), tc.baseURL)
			if err != nil {
				t.Fatalf("file store: %v", err)
			}
			a, err := New(Config{
				Store:     seedStore(t),
				Embedder:  &fakeEmbedder{vec: []float32{1, 0, 0}},
				Embedding: ai.ProviderConfig{EmbeddingDim: 3},
				Previews:  previews,
			})
			if err != nil {
				t.Fatalf("new app: %v", err)
			}
			res, err := a.Search(ctx, SearchRequest{Prompt: "pluck", Limit: 2})
			if err != nil {
				t.Fatalf("search: %v", err)
			}
			var p1 domain.PresetRef
			for _, r := range res.Results {
				if r.Title == "P1" {
					p1 = r
				}
			}
			if p1.PreviewObjectKey != "p1.wav" || p1.PreviewURL != tc.want {
				t.Fatalf("P1 preview key=%q url=%q, want url %q", p1.PreviewObjectKey, p1.PreviewURL, tc.want)
			}
		})
	}
}
