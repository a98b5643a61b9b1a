package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
)

// Task types passed to providers that distinguish query and document embeddings.
const (
	TaskQuery    = "RETRIEVAL_QUERY"
	TaskDocument = "RETRIEVAL_DOCUMENT"
)

var (
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrInvalidEmbedding  = errors.New("invalid embedding")
	ErrAudioUnsupported  = errors.New("embedder does not support audio")
)

// Embedder provides embeddings for text.
type Embedder interface {
	EmbedText(ctx context.Context, text, taskType string) ([]float32, error)
}

// BatchEmbedder optionally supports embedding multiple texts at once.
type BatchEmbedder interface {
	EmbedTexts(ctx context.Context, texts []string, taskType string) ([][]float32, error)
}

// AudioEmbedder optionally embeds audio clips into the same space as text.
type AudioEmbedder interface {
	EmbedAudio(ctx context.Context, filename string, r io.Reader) ([]float32, error)
}

// Versioned is implemented by embedders that can name the model producing vectors.
type Versioned interface {
	ModelVersion() string
}

// ModelVersion returns the model identifier of e, or "" when unknown.
func ModelVersion(e Embedder) string {
	if v, ok := e.(Versioned); ok {
		return v.ModelVersion()
	}
	return ""
}

// PromptEmbedder enforces a fixed dimension and unit length on provider output.
// Provider vectors of the wrong length are rejected whole.
type PromptEmbedder struct {
	next Embedder
	dim  int
}

// NewPromptEmbedder wraps next so every vector has exactly dim components.
func NewPromptEmbedder(next Embedder, dim int) *PromptEmbedder {
	return &PromptEmbedder{next: next, dim: dim}
}

// EmbedText embeds text and returns the L2-normalized vector.
func (e *PromptEmbedder) EmbedText(ctx context.Context, text, taskType string) ([]float32, error) {
	vec, err := e.next.EmbedText(ctx, text, taskType)
	if err != nil {
		return nil, err
	}
	return Normalize(vec, e.dim)
}

// EmbedAudio embeds an audio clip when the wrapped provider supports it.
func (e *PromptEmbedder) EmbedAudio(ctx context.Context, filename string, r io.Reader) ([]float32, error) {
	audio, ok := e.next.(AudioEmbedder)
	if !ok {
		return nil, ErrAudioUnsupported
	}
	vec, err := audio.EmbedAudio(ctx, filename, r)
	if err != nil {
		return nil, err
	}
	return Normalize(vec, e.dim)
}

// SupportsAudio reports whether EmbedAudio can succeed.
func (e *PromptEmbedder) SupportsAudio() bool {
	_, ok := e.next.(AudioEmbedder)
	return ok
}

// Dim returns the enforced dimension.
func (e *PromptEmbedder) Dim() int {
	return e.dim
}

// ModelVersion returns the wrapped provider's model identifier.
func (e *PromptEmbedder) ModelVersion() string {
	return ModelVersion(e.next)
}

// Normalize validates vec and returns a unit-length copy.
// The index uses cosine ops, so stored and query vectors are both normalized.
func Normalize(vec []float32, dim int) ([]float32, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrInvalidEmbedding)
	}
	if dim > 0 && len(vec) != dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), dim)
	}
	var sum float64
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: non-finite component at %d", ErrInvalidEmbedding, i)
		}
		sum += f * f
	}
	if sum == 0 {
		return nil, fmt.Errorf("%w: zero vector", ErrInvalidEmbedding)
	}
	norm := math.Sqrt(sum) + 1e-9
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out, nil
}
