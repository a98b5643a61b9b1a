package domain

import "time"

// EmbeddingDim is the length of every preset and prompt embedding.
const EmbeddingDim = 384

type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityPrivate  Visibility = "private"
	VisibilityUnlisted Visibility = "unlisted"
)

// Valid reports whether v is a known visibility value.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityPrivate, VisibilityUnlisted:
		return true
	}
	return false
}

// PresetSource is the provenance tag of a preset.
type PresetSource string

const (
	SourceSeed      PresetSource = "seed"
	SourceGenerated PresetSource = "generated"
	SourceUpload    PresetSource = "upload"
)

type User struct {
	ID                    string    `json:"id"`
	Username              string    `json:"username"`
	Email                 string    `json:"email,omitempty"`
	PasswordHash          string    `json:"-"`
	GenerationPreferences string    `json:"generationPreferences,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
}

type Preset struct {
	ID               string            `json:"id"`
	OwnerID          string            `json:"ownerUserId,omitempty"`
	Title            string            `json:"title"`
	Visibility       Visibility        `json:"visibility"`
	PresetObjectKey  string            `json:"presetObjectKey"`
	PreviewObjectKey string            `json:"previewObjectKey,omitempty"`
	Embedding        []float32         `json:"-"`
	Source           PresetSource      `json:"source"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
}

// HasEmbedding reports whether the preset carries a vector.
func (p Preset) HasEmbedding() bool {
	return len(p.Embedding) > 0
}

// VisibleTo reports whether requesterID may see the preset in search results.
// An empty requesterID is an anonymous caller.
func (p Preset) VisibleTo(requesterID string) bool {
	if p.Visibility == VisibilityPublic {
		return true
	}
	return requesterID != "" && p.OwnerID == requesterID
}

type Post struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerUserId"`
	PresetID    string     `json:"presetId"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Visibility  Visibility `json:"visibility"`
	VoteCount   int64      `json:"voteCount"`
	SupabaseKey string     `json:"supabaseKey,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

type Comment struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"ownerUserId"`
	PostID     string     `json:"postId"`
	PresetID   string     `json:"presetId"`
	Body       string     `json:"body"`
	Visibility Visibility `json:"visibility"`
	VoteCount  int64      `json:"voteCount"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// PresetMatch is a preset returned by a similarity query with its cosine distance.
type PresetMatch struct {
	Preset   Preset
	Distance float64
}

// PresetRef is the projection handed to the presentation layer.
type PresetRef struct {
	ID               string  `json:"id"`
	Title            string  `json:"title"`
	PreviewObjectKey string  `json:"previewObjectKey"`
	OwnerUserID      string  `json:"ownerUserId"`
	Distance         float64 `json:"distance"`
	PreviewURL       string  `json:"previewUrl,omitempty"`
}
