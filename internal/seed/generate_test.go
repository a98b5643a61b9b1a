package seed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"synthgpt/pkg/domain"
	"synthgpt/pkg/storage"
	"synthgpt/pkg/store"
)

func TestApplyPatchOverridesSettingsOnly(t *testing.T) {
	vital := []byte(`{"preset_name":"Growl","settings":{"osc_1_level":0.5,"filter_1_cutoff":60}}`)
	out, err := ApplyPatch(vital, map[string]any{"filter_1_cutoff": 90.0, "reverb_on": 1.0})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	var doc struct {
		PresetName string             `json:"preset_name"`
		Settings   map[string]float64 `json:"settings"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.PresetName != "Growl" {
		t.Fatalf("preset_name = %q", doc.PresetName)
	}
	want := map[string]float64{"osc_1_level": 0.5, "filter_1_cutoff": 90, "reverb_on": 1}
	if len(doc.Settings) != len(want) {
		t.Fatalf("settings = %v", doc.Settings)
	}
	for k, v := range want {
		if doc.Settings[k] != v {
			t.Fatalf("settings[%s] = %v, want %v", k, doc.Settings[k], v)
		}
	}
}

func TestApplyPatchReplacesNonObjectSettings(t *testing.T) {
	out, err := ApplyPatch([]byte(`{"settings":[1,2]}`), map[string]any{"volume": 0.7})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !strings.Contains(string(out), `"volume": 0.7`) {
		t.Fatalf("patched = %s", out)
	}
	if _, err := ApplyPatch([]byte(`null`), map[string]any{"volume": 0.7}); err == nil {
		t.Fatal("expected error for null document")
	}
	if _, err := ApplyPatch([]byte(`not json`), map[string]any{"volume": 0.7}); err == nil {
		t.Fatal("expected error for invalid json")
	}
}

func TestVariantIDIsStable(t *testing.T) {
	a, err := VariantID("base", map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("id: %v", err)
	}
	b, _ := VariantID("base", map[string]any{"b": 2, "a": 1})
	c, _ := VariantID("base", map[string]any{"a": 2, "b": 2})
	if a != b {
		t.Fatalf("key order changed id: %s vs %s", a, b)
	}
	if a == c {
		t.Fatal("different patch produced the same id")
	}
}

type generateFixture struct {
	mem     *store.MemoryStore
	presets *storage.FileStore
	base    domain.Preset
}

func newGenerateFixture(t *testing.T) generateFixture {
	t.Helper()
	presets, err := storage.NewFileStore(filepath.Join(t.TempDir(), PresetsBucket), "")
	if err != nil {
		t.Fatalf("presets store: %v", err)
	}
	ctx := context.Background()
	base := domain.Preset{
		ID:              StableID("Bass/Growl.vital"),
		Title:           "Growl",
		Visibility:      domain.VisibilityPublic,
		PresetObjectKey: StableID("Bass/Growl.vital") + ".vital",
		Source:          domain.SourceSeed,
		Metadata:        map[string]string{"pack": "Bass"},
	}
	body := `{"settings":{"filter_1_cutoff":60}}`
	if err := presets.Put(ctx, base.PresetObjectKey, strings.NewReader(body), int64(len(body)), presetContentType); err != nil {
		t.Fatalf("put base: %v", err)
	}
	mem := store.NewMemoryStore()
	if err := mem.UpsertPreset(ctx, base); err != nil {
		t.Fatalf("upsert base: %v", err)
	}
	return generateFixture{mem: mem, presets: presets, base: base}
}

func TestGenerateStoresPatchedVariant(t *testing.T) {
	f := newGenerateFixture(t)
	enq := &recordingEnqueuer{}
	ctx := context.Background()
	patch := map[string]any{"filter_1_cutoff": 100.0}

	p, err := Generate(ctx, Config{Store: f.mem, Presets: f.presets, Indexer: enq}, Variant{BaseID: f.base.ID, Patch: patch})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	wantID, _ := VariantID(f.base.ID, patch)
	if p.ID != wantID || p.Source != domain.SourceGenerated || p.Title != "Growl (variant)" {
		t.Fatalf("unexpected preset %+v", p)
	}
	if p.Metadata["base"] != f.base.ID || p.Metadata["pack"] != "Bass" || p.PreviewObjectKey != "" {
		t.Fatalf("unexpected preset %+v", p)
	}
	got, ok, err := f.mem.GetPreset(ctx, p.ID)
	if err != nil || !ok || got.Source != domain.SourceGenerated {
		t.Fatalf("stored preset=%+v ok=%v err=%v", got, ok, err)
	}
	rc, err := f.presets.Get(ctx, p.PresetObjectKey)
	if err != nil {
		t.Fatalf("variant object: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if !strings.Contains(string(data), `"filter_1_cutoff": 100`) {
		t.Fatalf("variant body = %s", data)
	}
	if len(enq.ids) != 1 || enq.ids[0] != p.ID {
		t.Fatalf("enqueued = %v", enq.ids)
	}
}

func TestGenerateUnknownBase(t *testing.T) {
	f := newGenerateFixture(t)
	_, err := Generate(context.Background(), Config{Store: f.mem, Presets: f.presets},
		Variant{BaseID: StableID("missing"), Patch: map[string]any{"x": 1}})
	if !errors.Is(err, ErrBaseNotFound) {
		t.Fatalf("expected ErrBaseNotFound, got %v", err)
	}
}

type failingUpsertStore struct {
	*store.MemoryStore
}

func (failingUpsertStore) UpsertPreset(context.Context, domain.Preset) error {
	return errors.New("db unavailable")
}

func TestGenerateRemovesObjectWhenUpsertFails(t *testing.T) {
	f := newGenerateFixture(t)
	ctx := context.Background()
	patch := map[string]any{"filter_1_cutoff": 100.0}

	_, err := Generate(ctx, Config{Store: failingUpsertStore{f.mem}, Presets: f.presets}, Variant{BaseID: f.base.ID, Patch: patch})
	if err == nil {
		t.Fatal("expected upsert error")
	}
	id, _ := VariantID(f.base.ID, patch)
	if _, err := f.presets.Get(ctx, id+".vital"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("orphaned variant object left behind: %v", err)
	}
	if _, err := f.presets.Get(ctx, f.base.PresetObjectKey); err != nil {
		t.Fatalf("base object touched: %v", err)
	}
}
