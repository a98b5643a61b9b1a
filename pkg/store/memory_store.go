package store

import (
	"context"
	"math"
	"sort"
	"sync"

	"synthgpt/pkg/domain"
)

// MemoryStore keeps rows in-process for tests and local runs.
// Foreign keys and cascades mirror the Postgres schema.
type MemoryStore struct {
	mu           sync.RWMutex
	embeddingDim int
	users        map[string]domain.User
	presets      map[string]domain.Preset
	posts        map[string]domain.Post
	comments     map[string]domain.Comment
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		embeddingDim: domain.EmbeddingDim,
		users:        make(map[string]domain.User),
		presets:      make(map[string]domain.Preset),
		posts:        make(map[string]domain.Post),
		comments:     make(map[string]domain.Comment),
	}
}

// WithEmbeddingDim overrides the enforced vector length. Zero disables the check.
func (m *MemoryStore) WithEmbeddingDim(dim int) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embeddingDim = dim
	return m
}

func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// DeleteUser removes a user and everything that references it.
func (m *MemoryStore) DeleteUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
	for pid, p := range m.presets {
		if p.OwnerID == id {
			m.deletePresetLocked(pid)
		}
	}
	for pid, p := range m.posts {
		if p.OwnerID == id {
			m.deletePostLocked(pid)
		}
	}
	for cid, c := range m.comments {
		if c.OwnerID == id {
			delete(m.comments, cid)
		}
	}
	return nil
}

func (m *MemoryStore) CreatePreset(ctx context.Context, p domain.Preset) error {
	if !p.HasEmbedding() {
		return ErrEmbeddingRequired
	}
	return m.UpsertPreset(ctx, p)
}

// UpsertPreset inserts or replaces a preset. A nil embedding keeps the stored one.
func (m *MemoryStore) UpsertPreset(_ context.Context, p domain.Preset) error {
	if p.HasEmbedding() {
		if err := validateEmbedding(p.Embedding, m.embeddingDim); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.OwnerID != "" {
		if _, ok := m.users[p.OwnerID]; !ok {
			return ErrInvalidReference
		}
	}
	if p.HasEmbedding() {
		p.Embedding = append([]float32(nil), p.Embedding...)
	} else if existing, ok := m.presets[p.ID]; ok {
		p.Embedding = existing.Embedding
	}
	m.presets[p.ID] = p
	return nil
}

func (m *MemoryStore) GetPreset(_ context.Context, id string) (domain.Preset, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.presets[id]
	if ok && p.Embedding != nil {
		p.Embedding = append([]float32(nil), p.Embedding...)
	}
	return p, ok, nil
}

func (m *MemoryStore) DeletePreset(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletePresetLocked(id)
	return nil
}

func (m *MemoryStore) deletePresetLocked(id string) {
	delete(m.presets, id)
	for pid, p := range m.posts {
		if p.PresetID == id {
			m.deletePostLocked(pid)
		}
	}
	for cid, c := range m.comments {
		if c.PresetID == id {
			delete(m.comments, cid)
		}
	}
}

func (m *MemoryStore) SetPresetEmbedding(_ context.Context, id string, embedding []float32) error {
	if err := validateEmbedding(embedding, m.embeddingDim); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presets[id]
	if !ok {
		return ErrNotFound
	}
	p.Embedding = append([]float32(nil), embedding...)
	m.presets[id] = p
	return nil
}

// ListPresetsMissingEmbedding returns presets without a vector, oldest first.
func (m *MemoryStore) ListPresetsMissingEmbedding(_ context.Context, limit int) ([]domain.Preset, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Preset, 0)
	for _, p := range m.presets {
		if !p.HasEmbedding() {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.Before(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// SearchPresets scans every visible preset and ranks by exact cosine distance.
func (m *MemoryStore) SearchPresets(_ context.Context, q SearchQuery) ([]domain.PresetMatch, error) {
	if q.Limit <= 0 {
		return []domain.PresetMatch{}, nil
	}
	if err := validateEmbedding(q.Embedding, m.embeddingDim); err != nil {
		return nil, err
	}
	m.mu.RLock()
	matches := make([]domain.PresetMatch, 0, len(m.presets))
	for _, p := range m.presets {
		if !p.HasEmbedding() || !p.VisibleTo(q.RequesterID) {
			continue
		}
		if len(p.Embedding) != len(q.Embedding) {
			continue
		}
		out := p
		out.Embedding = nil
		matches = append(matches, domain.PresetMatch{Preset: out, Distance: cosineDistance(q.Embedding, p.Embedding)})
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		if !a.Preset.CreatedAt.Equal(b.Preset.CreatedAt) {
			return a.Preset.CreatedAt.After(b.Preset.CreatedAt)
		}
		return a.Preset.ID < b.Preset.ID
	})
	if len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

// SavePost stores or replaces a post after checking its references.
func (m *MemoryStore) SavePost(_ context.Context, p domain.Post) error {
	if p.VoteCount < 0 {
		return ErrInvalidVoteCount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[p.OwnerID]; !ok {
		return ErrInvalidReference
	}
	if _, ok := m.presets[p.PresetID]; !ok {
		return ErrInvalidReference
	}
	m.posts[p.ID] = p
	return nil
}

func (m *MemoryStore) GetPost(_ context.Context, id string) (domain.Post, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.posts[id]
	return p, ok, nil
}

func (m *MemoryStore) DeletePost(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletePostLocked(id)
	return nil
}

func (m *MemoryStore) deletePostLocked(id string) {
	delete(m.posts, id)
	for cid, c := range m.comments {
		if c.PostID == id {
			delete(m.comments, cid)
		}
	}
}

// SaveComment stores or replaces a comment after checking its references.
func (m *MemoryStore) SaveComment(_ context.Context, c domain.Comment) error {
	if c.VoteCount < 0 {
		return ErrInvalidVoteCount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[c.OwnerID]; !ok {
		return ErrInvalidReference
	}
	if _, ok := m.posts[c.PostID]; !ok {
		return ErrInvalidReference
	}
	if _, ok := m.presets[c.PresetID]; !ok {
		return ErrInvalidReference
	}
	m.comments[c.ID] = c
	return nil
}

func (m *MemoryStore) GetComment(_ context.Context, id string) (domain.Comment, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.comments[id]
	return c, ok, nil
}

// cosineDistance matches pgvector's <=> operator: 1 - cos(a, b).
func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
