package ai

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedEmbedder memoizes text embeddings in Redis.
// Keys embed the model version, so switching models never serves stale vectors.
// Redis failures degrade to uncached calls.
type CachedEmbedder struct {
	next    Embedder
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	version string
	dim     int // 0 when next does not fix a dimension
}

// NewCachedEmbedder wraps next with a Redis cache. When next reports a fixed
// dimension (PromptEmbedder does), cached vectors of any other length are
// discarded.
func NewCachedEmbedder(next Embedder, client *redis.Client, prefix string, ttl time.Duration) *CachedEmbedder {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "synthgpt:embed"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	version := ModelVersion(next)
	if version == "" {
		version = "unversioned"
	}
	dim := 0
	if d, ok := next.(interface{ Dim() int }); ok {
		dim = d.Dim()
	}
	return &CachedEmbedder{next: next, client: client, prefix: prefix, ttl: ttl, version: version, dim: dim}
}

// EmbedText returns a cached vector or computes and stores a new one.
func (c *CachedEmbedder) EmbedText(ctx context.Context, text, taskType string) ([]float32, error) {
	key := c.key(text, taskType)
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if vec, ok := decodeVector(raw); ok && c.valid(vec) {
			return vec, nil
		}
		slog.Warn("discarding malformed cached embedding", "key", key, "bytes", len(raw))
		if err := c.client.Del(ctx, key).Err(); err != nil {
			slog.Warn("embedding cache delete failed", "err", err)
		}
	case !errors.Is(err, redis.Nil):
		slog.Warn("embedding cache read failed", "err", err)
	}

	vec, err := c.next.EmbedText(ctx, text, taskType)
	if err != nil {
		return nil, err
	}
	if err := c.client.Set(ctx, key, encodeVector(vec), c.ttl).Err(); err != nil {
		slog.Warn("embedding cache write failed", "err", err)
	}
	return vec, nil
}

// EmbedAudio bypasses the cache.
func (c *CachedEmbedder) EmbedAudio(ctx context.Context, filename string, r io.Reader) ([]float32, error) {
	audio, ok := c.next.(AudioEmbedder)
	if !ok {
		return nil, ErrAudioUnsupported
	}
	return audio.EmbedAudio(ctx, filename, r)
}

func (c *CachedEmbedder) ModelVersion() string {
	return c.version
}

func (c *CachedEmbedder) valid(vec []float32) bool {
	if c.dim > 0 && len(vec) != c.dim {
		return false
	}
	for _, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

func (c *CachedEmbedder) key(text, taskType string) string {
	h := sha256.New()
	h.Write([]byte(taskType))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return c.prefix + ":" + c.version + ":" + hex.EncodeToString(h.Sum(nil))
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, bool) {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil, false
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, true
}
