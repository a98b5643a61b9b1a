package store

import (
	"context"
	"errors"
	"fmt"

	"synthgpt/pkg/domain"
)

var (
	// ErrNotFound is returned by mutations that target a missing row.
	ErrNotFound = errors.New("record not found")
	// ErrEmbeddingRequired is returned when a preset insert carries no vector.
	ErrEmbeddingRequired = errors.New("preset embedding required")
	// ErrInvalidReference is returned when a row points at a missing parent.
	ErrInvalidReference = errors.New("invalid foreign reference")
	// ErrInvalidVoteCount is returned when a post or comment carries a negative vote count.
	ErrInvalidVoteCount = errors.New("vote count must not be negative")
)

// SearchQuery describes one nearest-neighbor lookup.
// An empty RequesterID restricts results to public presets.
type SearchQuery struct {
	Embedding   []float32
	RequesterID string
	Limit       int
}

// Store defines persistence operations for users, presets, posts, and comments.
type Store interface {
	// users
	SaveUser(ctx context.Context, u domain.User) error
	GetUser(ctx context.Context, id string) (domain.User, bool, error)
	DeleteUser(ctx context.Context, id string) error

	// presets
	CreatePreset(ctx context.Context, p domain.Preset) error
	UpsertPreset(ctx context.Context, p domain.Preset) error
	GetPreset(ctx context.Context, id string) (domain.Preset, bool, error)
	DeletePreset(ctx context.Context, id string) error
	SetPresetEmbedding(ctx context.Context, id string, embedding []float32) error
	ListPresetsMissingEmbedding(ctx context.Context, limit int) ([]domain.Preset, error)
	SearchPresets(ctx context.Context, q SearchQuery) ([]domain.PresetMatch, error)

	// posts and comments
	SavePost(ctx context.Context, p domain.Post) error
	GetPost(ctx context.Context, id string) (domain.Post, bool, error)
	DeletePost(ctx context.Context, id string) error
	SaveComment(ctx context.Context, c domain.Comment) error
	GetComment(ctx context.Context, id string) (domain.Comment, bool, error)
}

func validateEmbedding(embedding []float32, dim int) error {
	if len(embedding) == 0 {
		return fmt.Errorf("embedding vector is empty")
	}
	if dim > 0 && len(embedding) != dim {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), dim)
	}
	return nil
}
