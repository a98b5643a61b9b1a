package seed

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"synthgpt/internal/util"
	"synthgpt/pkg/domain"
)

// ErrBaseNotFound is returned by Generate when the base preset row is missing.
var ErrBaseNotFound = errors.New("seed: base preset not found")

// maxVitalSize bounds how much of a base preset Generate reads.
const maxVitalSize = 16 << 20

// Variant describes a preset derived from an existing one by overriding
// synth settings.
type Variant struct {
	BaseID string
	Title  string // defaults to "<base title> (variant)"
	Patch  map[string]any
}

// ApplyPatch sets every key of patch on the top-level "settings" object of a
// Vital preset document. A missing or non-object "settings" is replaced.
func ApplyPatch(vital []byte, patch map[string]any) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(vital, &doc); err != nil {
		return nil, fmt.Errorf("seed: parse vital preset: %w", err)
	}
	if doc == nil {
		return nil, errors.New("seed: vital preset is not a JSON object")
	}
	settings, ok := doc["settings"].(map[string]any)
	if !ok {
		settings = map[string]any{}
	}
	for k, v := range patch {
		settings[k] = v
	}
	doc["settings"] = settings
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("seed: encode vital preset: %w", err)
	}
	return out, nil
}

// VariantID derives a stable id from the base preset and the patch, so
// generating the same variant twice upserts one row.
func VariantID(baseID string, patch map[string]any) (string, error) {
	// json.Marshal sorts map keys.
	raw, err := json.Marshal(patch)
	if err != nil {
		return "", fmt.Errorf("seed: encode patch: %w", err)
	}
	sum := sha256.Sum256(raw)
	return StableID("generated/" + baseID + "/" + hex.EncodeToString(sum[:])), nil
}

// Generate patches the base preset's file, stores it as a new object and
// upserts a preset row tagged as generated. The new object is removed when
// the row cannot be written.
func Generate(ctx context.Context, cfg Config, v Variant) (domain.Preset, error) {
	if cfg.Store == nil || cfg.Presets == nil {
		return domain.Preset{}, errors.New("seed: store and presets object store are required")
	}
	if len(v.Patch) == 0 {
		return domain.Preset{}, errors.New("seed: patch is empty")
	}
	base, ok, err := cfg.Store.GetPreset(ctx, v.BaseID)
	if err != nil {
		return domain.Preset{}, fmt.Errorf("seed: load base preset: %w", err)
	}
	if !ok {
		return domain.Preset{}, fmt.Errorf("%w: %s", ErrBaseNotFound, v.BaseID)
	}

	rc, err := cfg.Presets.Get(ctx, base.PresetObjectKey)
	if err != nil {
		return domain.Preset{}, fmt.Errorf("seed: read base preset object: %w", err)
	}
	raw, err := io.ReadAll(io.LimitReader(rc, maxVitalSize))
	_ = rc.Close()
	if err != nil {
		return domain.Preset{}, fmt.Errorf("seed: read base preset object: %w", err)
	}
	patched, err := ApplyPatch(raw, v.Patch)
	if err != nil {
		return domain.Preset{}, err
	}

	id, err := VariantID(base.ID, v.Patch)
	if err != nil {
		return domain.Preset{}, err
	}
	title := v.Title
	if title == "" {
		title = base.Title + " (variant)"
	}
	key := id + ".vital"
	if err := cfg.Presets.Put(ctx, key, bytes.NewReader(patched), int64(len(patched)), presetContentType); err != nil {
		return domain.Preset{}, fmt.Errorf("seed: upload %s: %w", key, err)
	}

	metadata := map[string]string{"base": base.ID}
	if pack := base.Metadata["pack"]; pack != "" {
		metadata["pack"] = pack
	}
	p := domain.Preset{
		ID:              id,
		OwnerID:         base.OwnerID,
		Title:           title,
		Visibility:      base.Visibility,
		PresetObjectKey: key,
		Source:          domain.SourceGenerated,
		Metadata:        metadata,
	}
	if err := cfg.Store.UpsertPreset(ctx, p); err != nil {
		if delErr := cfg.Presets.Delete(ctx, key); delErr != nil {
			util.LoggerFromContext(ctx).Warn("failed to remove orphaned preset object", "key", key, "err", delErr)
		}
		return domain.Preset{}, fmt.Errorf("seed: upsert generated preset: %w", err)
	}
	if cfg.Indexer != nil {
		if _, _, err := cfg.Indexer.Enqueue(ctx, id); err != nil {
			return p, fmt.Errorf("seed: enqueue index job: %w", err)
		}
	}
	return p, nil
}
