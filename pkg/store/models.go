package store

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// GORM models used for persistence. Table names follow the shared schema.
type UserModel struct {
	ID                    string  `gorm:"type:uuid;primaryKey"`
	Username              string  `gorm:"uniqueIndex;not null"`
	Email                 *string `gorm:"uniqueIndex"`
	PasswordHash          *string
	GenerationPreferences *string   `gorm:"column:generation_prefrences;type:text"`
	CreatedAt             time.Time `gorm:"not null"`
}

func (UserModel) TableName() string { return "users" }

type PresetModel struct {
	ID               string           `gorm:"type:uuid;primaryKey"`
	UserID           *string          `gorm:"type:uuid;index"`
	Title            string           `gorm:"not null"`
	Visibility       string           `gorm:"not null;default:public;index"`
	PresetObjectKey  string           `gorm:"not null"`
	PreviewObjectKey *string
	Embedding        *pgvector.Vector `gorm:"type:vector(384)"`
	Source           string           `gorm:"not null;default:seed"`
	Metadata         datatypes.JSON   `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt        time.Time        `gorm:"not null;index"`
}

func (PresetModel) TableName() string { return "presets" }

type PostModel struct {
	ID          string    `gorm:"type:uuid;primaryKey"`
	UserID      string    `gorm:"type:uuid;not null;index"`
	PresetID    string    `gorm:"type:uuid;not null;index"`
	Title       string    `gorm:"not null"`
	Description string    `gorm:"type:text"`
	Visibility  string    `gorm:"not null;default:public"`
	VoteCount   int64     `gorm:"not null;default:0;check:vote_count >= 0"`
	SupabaseKey *string   `gorm:"column:supabase_key"`
	CreatedAt   time.Time `gorm:"not null;index"`
}

func (PostModel) TableName() string { return "posts" }

type CommentModel struct {
	ID         string    `gorm:"type:uuid;primaryKey"`
	UserID     string    `gorm:"type:uuid;not null;index"`
	PostID     string    `gorm:"type:uuid;not null;index"`
	PresetID   string    `gorm:"type:uuid;not null;index"`
	Body       string    `gorm:"type:text;not null"`
	Visibility string    `gorm:"not null;default:public"`
	VoteCount  int64     `gorm:"not null;default:0;check:vote_count >= 0"`
	CreatedAt  time.Time `gorm:"not null;index"`
}

func (CommentModel) TableName() string { return "comments" }

// presetMatchRow is the scan target of similarity queries.
type presetMatchRow struct {
	ID               string
	UserID           *string
	Title            string
	Visibility       string
	PresetObjectKey  string
	PreviewObjectKey *string
	Source           string
	Metadata         datatypes.JSON
	CreatedAt        time.Time
	Distance         float64
}
