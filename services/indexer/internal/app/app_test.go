package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"synthgpt/pkg/ai"
	"synthgpt/pkg/domain"
	"synthgpt/pkg/queue"
	"synthgpt/pkg/storage"
	"synthgpt/pkg/store"
)

type textEmbedder struct {
	vec   []float32
	err   error
	mu    sync.Mutex
	texts []string
}

func (e *textEmbedder) EmbedText(_ context.Context, text, _ string) ([]float32, error) {
	e.mu.Lock()
	e.texts = append(e.texts, text)
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return append([]float32(nil), e.vec...), nil
}

func (e *textEmbedder) seen() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.texts...)
}

type audioEmbedder struct {
	textEmbedder
	audioCalls atomic.Int32
	lastClip   atomic.Value
}

func (e *audioEmbedder) EmbedAudio(_ context.Context, filename string, r io.Reader) ([]float32, error) {
	e.audioCalls.Add(1)
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	e.lastClip.Store(filename + ":" + string(data))
	return []float32{0, 2, 0}, nil
}

type fixture struct {
	app      *App
	store    *store.MemoryStore
	previews *storage.FileStore
	queue    *queue.RedisJobQueue
}

func newFixture(t *testing.T, emb ai.Embedder) fixture {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:indexer",
		Group:      "indexer",
		Block:      20 * time.Millisecond,
		RetryDelay: time.Millisecond,
		MaxRetries: 2,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	previews, err := storage.NewFileStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	mem := store.NewMemoryStore().WithEmbeddingDim(3)
	a, err := New(Config{
		Store:        mem,
		Previews:     previews,
		Embedder:     emb,
		Embedding:    ai.ProviderConfig{EmbeddingDim: 3},
		Queue:        q,
		EmbedTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return fixture{app: a, store: mem, previews: previews, queue: q}
}

func presetID(n int) string {
	return fmt.Sprintf("bbbbbbbb-0000-0000-0000-%012d", n)
}

func (f fixture) addPreset(t *testing.T, n int, title, previewKey string) domain.Preset {
	t.Helper()
	p := domain.Preset{
		ID:               presetID(n),
		Title:            title,
		Visibility:       domain.VisibilityPublic,
		PresetObjectKey:  presetID(n) + ".vital",
		PreviewObjectKey: previewKey,
		Source:           domain.SourceSeed,
		CreatedAt:        time.Date(2026, 1, 1, 0, 0, n, 0, time.UTC),
	}
	if err := f.store.UpsertPreset(context.Background(), p); err != nil {
		t.Fatalf("upsert preset: %v", err)
	}
	return p
}

func (f fixture) embeddingOf(t *testing.T, id string) []float32 {
	t.Helper()
	p, ok, err := f.store.GetPreset(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("get preset %s: ok=%v err=%v", id, ok, err)
	}
	return p.Embedding
}

func TestProcessEmbedsTitleWithoutPreview(t *testing.T) {
	emb := &textEmbedder{vec: []float32{3, 0, 4}}
	f := newFixture(t, emb)
	p := f.addPreset(t, 1, "Glass Keys", "")

	if err := f.app.process(context.Background(), queue.JobStatus{ID: "j1", PresetID: p.ID}); err != nil {
		t.Fatalf("process: %v", err)
	}
	got := f.embeddingOf(t, p.ID)
	if len(got) != 3 || got[0] != 0.6 || got[2] != 0.8 {
		t.Fatalf("stored embedding = %v, want normalized [0.6 0 0.8]", got)
	}
	if texts := emb.seen(); len(texts) != 1 || texts[0] != "Glass Keys" {
		t.Fatalf("embedded texts = %v", texts)
	}
}

func TestProcessPrefersPreviewAudio(t *testing.T) {
	emb := &audioEmbedder{textEmbedder: textEmbedder{vec: []float32{1, 0, 0}}}
	f := newFixture(t, emb)
	p := f.addPreset(t, 1, "Reese", presetID(1)+".wav")
	if err := f.previews.Put(context.Background(), p.PreviewObjectKey, strings.NewReader("RIFF"), 4, "audio/wav"); err != nil {
		t.Fatalf("put preview: %v", err)
	}

	if err := f.app.process(context.Background(), queue.JobStatus{ID: "j1", PresetID: p.ID}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := f.embeddingOf(t, p.ID); got[1] != 1 {
		t.Fatalf("expected audio embedding, got %v", got)
	}
	if emb.audioCalls.Load() != 1 || len(emb.seen()) != 0 {
		t.Fatalf("audio calls=%d text calls=%d", emb.audioCalls.Load(), len(emb.seen()))
	}
	if clip := emb.lastClip.Load(); clip != p.PreviewObjectKey+":RIFF" {
		t.Fatalf("clip = %v", clip)
	}
}

func TestProcessFallsBackToTitleWhenPreviewMissing(t *testing.T) {
	emb := &audioEmbedder{textEmbedder: textEmbedder{vec: []float32{1, 0, 0}}}
	f := newFixture(t, emb)
	p := f.addPreset(t, 1, "Lost Pluck", presetID(1)+".wav")

	if err := f.app.process(context.Background(), queue.JobStatus{ID: "j1", PresetID: p.ID}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := f.embeddingOf(t, p.ID); got[0] != 1 {
		t.Fatalf("expected title embedding, got %v", got)
	}
	if texts := emb.seen(); len(texts) != 1 || texts[0] != "Lost Pluck" {
		t.Fatalf("embedded texts = %v", texts)
	}
}

func TestProcessSkipsEmbeddedAndDeletedPresets(t *testing.T) {
	emb := &textEmbedder{vec: []float32{1, 0, 0}}
	f := newFixture(t, emb)
	p := f.addPreset(t, 1, "Done Already", "")
	if err := f.store.SetPresetEmbedding(context.Background(), p.ID, []float32{0, 0, 1}); err != nil {
		t.Fatalf("set embedding: %v", err)
	}

	if err := f.app.process(context.Background(), queue.JobStatus{ID: "j1", PresetID: p.ID}); err != nil {
		t.Fatalf("process embedded: %v", err)
	}
	if err := f.app.process(context.Background(), queue.JobStatus{ID: "j2", PresetID: presetID(99)}); err != nil {
		t.Fatalf("process deleted: %v", err)
	}
	if len(emb.seen()) != 0 {
		t.Fatalf("embedder should not be called, got %v", emb.seen())
	}
	if got := f.embeddingOf(t, p.ID); got[2] != 1 {
		t.Fatalf("existing embedding overwritten: %v", got)
	}
}

func TestProcessRejectsWrongDimension(t *testing.T) {
	f := newFixture(t, &textEmbedder{vec: []float32{1, 0}})
	p := f.addPreset(t, 1, "Short Vector", "")

	err := f.app.process(context.Background(), queue.JobStatus{ID: "j1", PresetID: p.ID})
	if !errors.Is(err, ai.ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
	if got := f.embeddingOf(t, p.ID); got != nil {
		t.Fatalf("embedding should stay NULL, got %v", got)
	}
}

func TestEnqueueValidatesPreset(t *testing.T) {
	f := newFixture(t, &textEmbedder{vec: []float32{1, 0, 0}})
	ctx := context.Background()

	if _, _, err := f.app.Enqueue(ctx, "not-a-uuid"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, _, err := f.app.Enqueue(ctx, presetID(42)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	p := f.addPreset(t, 1, "Arp", "")
	job, created, err := f.app.Enqueue(ctx, p.ID)
	if err != nil || !created || job.Status != queue.StatusQueued {
		t.Fatalf("enqueue: %+v created=%v err=%v", job, created, err)
	}
	got, ok, err := f.app.GetJob(ctx, job.ID)
	if err != nil || !ok || got.PresetID != p.ID {
		t.Fatalf("get job: %+v ok=%v err=%v", got, ok, err)
	}
}

func TestEnqueueMissingDeduplicates(t *testing.T) {
	f := newFixture(t, &textEmbedder{vec: []float32{1, 0, 0}})
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		f.addPreset(t, i, fmt.Sprintf("Preset %d", i), "")
	}

	first, err := f.app.EnqueueMissing(ctx, 10)
	if err != nil {
		t.Fatalf("enqueue missing: %v", err)
	}
	if first.Queued != 3 || first.Existing != 0 || len(first.Jobs) != 3 {
		t.Fatalf("first backfill = %+v", first)
	}
	second, err := f.app.EnqueueMissing(ctx, 10)
	if err != nil {
		t.Fatalf("enqueue missing again: %v", err)
	}
	if second.Queued != 0 || second.Existing != 3 {
		t.Fatalf("second backfill = %+v", second)
	}
	if _, err := f.app.EnqueueMissing(ctx, -1); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestWorkersIndexQueuedPresets(t *testing.T) {
	f := newFixture(t, &textEmbedder{vec: []float32{0, 1, 0}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := f.addPreset(t, 1, "Sub Bass", "")

	job, _, err := f.app.Enqueue(ctx, p.ID)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.app.Start(ctx, 2)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, ok, err := f.app.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && got.Status == queue.StatusDone {
			if emb := f.embeddingOf(t, p.ID); emb[1] != 1 {
				t.Fatalf("stored embedding = %v", emb)
			}
			cancel()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", job.ID)
}
