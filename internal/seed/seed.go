// Package seed imports a directory of Vital presets and their preview clips
// into object storage and the presets table.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"synthgpt/internal/util"
	"synthgpt/pkg/domain"
	"synthgpt/pkg/queue"
	"synthgpt/pkg/storage"
	"synthgpt/pkg/store"
)

const (
	PresetsBucket  = "presets"
	PreviewsBucket = "previews"

	presetContentType  = "application/octet-stream"
	previewContentType = "audio/wav"
)

// packRoots are top-level folders that previews are stored without.
var packRoots = map[string]bool{
	"jek's vital presets": true,
	"jeks vital presets":  true,
}

// Item is one discovered preset file.
type Item struct {
	ID        string
	RelPath   string // slash-separated, relative to the presets dir
	Title     string
	Pack      string
	VitalPath string
	WavPath   string // empty when no preview matched
}

// Enqueuer schedules embedding jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, presetID string) (queue.JobStatus, bool, error)
}

// Config wires the seed run.
type Config struct {
	DataDir     string
	Store       store.Store
	Presets     storage.ObjectStore
	Previews    storage.ObjectStore
	Indexer     Enqueuer // optional
	Concurrency int
}

// Summary reports what a Run did.
type Summary struct {
	Found          int `json:"found"`
	Imported       int `json:"imported"`
	MissingPreview int `json:"missingPreview"`
	Enqueued       int `json:"enqueued"`
}

// StableID derives the preset id from its relative path so reruns upsert the
// same rows.
func StableID(relPath string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(relPath)).String()
}

// PreviewCandidates lists the wav paths, relative to the previews dir, tried
// for a preset at relPath, in order.
func PreviewCandidates(relPath string) []string {
	parts := strings.Split(relPath, "/")
	variants := [][]string{parts, dropPresetsSegments(parts)}
	if len(parts) > 1 && packRoots[strings.ToLower(parts[0])] {
		rest := parts[1:]
		variants = append(variants, rest, dropPresetsSegments(rest))
	}
	out := make([]string, 0, len(variants))
	seen := make(map[string]bool, len(variants))
	for _, v := range variants {
		if len(v) == 0 {
			continue
		}
		c := strings.TrimSuffix(strings.Join(v, "/"), filepath.Ext(relPath)) + ".wav"
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

func dropPresetsSegments(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.ToLower(p) != "presets" {
			out = append(out, p)
		}
	}
	return out
}

// Discover walks <dataDir>/presets for .vital files and matches previews under
// <dataDir>/previews.
func Discover(dataDir string) ([]Item, error) {
	presetsDir := filepath.Join(dataDir, "presets")
	previewsDir := filepath.Join(dataDir, "previews")
	for _, dir := range []string{presetsDir, previewsDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return nil, fmt.Errorf("seed: directory not found: %s", dir)
		}
	}

	var items []Item
	err := filepath.WalkDir(presetsDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(p), ".vital") {
			return nil
		}
		rel, err := filepath.Rel(presetsDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		item := Item{
			ID:        StableID(rel),
			RelPath:   rel,
			Title:     strings.TrimSuffix(filepath.Base(p), filepath.Ext(p)),
			Pack:      packName(rel),
			VitalPath: p,
		}
		for _, c := range PreviewCandidates(rel) {
			wav := filepath.Join(previewsDir, filepath.FromSlash(c))
			if info, err := os.Stat(wav); err == nil && !info.IsDir() {
				item.WavPath = wav
				break
			}
		}
		items = append(items, item)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("seed: walk presets: %w", err)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].RelPath < items[j].RelPath })
	return items, nil
}

// packName is the first folder below any pack root, or "" for loose files.
func packName(relPath string) string {
	parts := strings.Split(relPath, "/")
	if len(parts) > 1 && packRoots[strings.ToLower(parts[0])] {
		parts = parts[1:]
	}
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}

// Run uploads every preset that has a preview, upserts its row with a NULL
// embedding, and optionally schedules indexing.
func Run(ctx context.Context, cfg Config) (Summary, error) {
	if cfg.Store == nil || cfg.Presets == nil || cfg.Previews == nil {
		return Summary{}, errors.New("seed: store and both object stores are required")
	}
	logger := util.LoggerFromContext(ctx)
	items, err := Discover(cfg.DataDir)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{Found: len(items)}
	logger.Info("discovered presets", "count", len(items), "data_dir", cfg.DataDir)

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, item := range items {
		if item.WavPath == "" {
			summary.MissingPreview++
			logger.Warn("no matching wav", "path", item.RelPath)
			continue
		}
		g.Go(func() error {
			enqueued, err := importItem(gctx, cfg, item)
			if err != nil {
				return fmt.Errorf("seed %s: %w", item.RelPath, err)
			}
			mu.Lock()
			summary.Imported++
			if enqueued {
				summary.Enqueued++
			}
			mu.Unlock()
			logger.Debug("preset imported", "title", item.Title, "id", item.ID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	if summary.MissingPreview > 0 {
		logger.Warn("seed finished with warnings", "missing_preview", summary.MissingPreview)
	}
	return summary, nil
}

func importItem(ctx context.Context, cfg Config, item Item) (bool, error) {
	presetKey := item.ID + ".vital"
	previewKey := item.ID + ".wav"
	if err := uploadFile(ctx, cfg.Presets, presetKey, item.VitalPath, presetContentType); err != nil {
		return false, err
	}
	if err := uploadFile(ctx, cfg.Previews, previewKey, item.WavPath, previewContentType); err != nil {
		return false, err
	}
	metadata := map[string]string{"path": item.RelPath}
	if item.Pack != "" {
		metadata["pack"] = item.Pack
	}
	err := cfg.Store.UpsertPreset(ctx, domain.Preset{
		ID:               item.ID,
		Title:            item.Title,
		Visibility:       domain.VisibilityPublic,
		PresetObjectKey:  presetKey,
		PreviewObjectKey: previewKey,
		Source:           domain.SourceSeed,
		Metadata:         metadata,
	})
	if err != nil {
		return false, fmt.Errorf("upsert preset: %w", err)
	}
	if cfg.Indexer == nil {
		return false, nil
	}
	if _, _, err := cfg.Indexer.Enqueue(ctx, item.ID); err != nil {
		return false, fmt.Errorf("enqueue index job: %w", err)
	}
	return true, nil
}

func uploadFile(ctx context.Context, dst storage.ObjectStore, key, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if err := dst.Put(ctx, key, f, info.Size(), contentType); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}
