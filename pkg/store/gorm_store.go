package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"synthgpt/pkg/domain"
)

const migrateLockID int64 = 38403840

type GormStoreOptions struct {
	EmbeddingDim int
	EfSearch     int
}

type GormStoreOption func(*GormStoreOptions)

// WithEmbeddingDim sets the canonical embedding dimension used by storage.
func WithEmbeddingDim(dim int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.EmbeddingDim = dim
	}
}

// WithEfSearch sets hnsw.ef_search for similarity queries. Zero keeps the server default.
func WithEfSearch(efSearch int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.EfSearch = efSearch
	}
}

// GormStore implements Store using GORM + Postgres + pgvector.
type GormStore struct {
	db           *gorm.DB
	embeddingDim int
	efSearch     int
}

// NewGormStore opens the DB and runs migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := NewGormStoreWithDB(db, options...)
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewGormStoreWithDB wraps an existing connection without migrating.
func NewGormStoreWithDB(db *gorm.DB, options ...GormStoreOption) *GormStore {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	dim := opts.EmbeddingDim
	if dim <= 0 {
		dim = domain.EmbeddingDim
	}
	return &GormStore{db: db, embeddingDim: dim, efSearch: opts.EfSearch}
}

// foreign keys ensured after AutoMigrate; every one cascades on delete.
var foreignKeys = []struct {
	table, column, refTable string
}{
	{"presets", "user_id", "users"},
	{"posts", "user_id", "users"},
	{"posts", "preset_id", "presets"},
	{"comments", "user_id", "users"},
	{"comments", "post_id", "posts"},
	{"comments", "preset_id", "presets"},
}

// Migrate creates the schema, cascading foreign keys, and vector indexes.
func (s *GormStore) Migrate() error {
	return withMigrationLock(s.db, func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		if err := tx.AutoMigrate(&UserModel{}, &PresetModel{}, &PostModel{}, &CommentModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(fmt.Sprintf(`ALTER TABLE presets ALTER COLUMN embedding TYPE vector(%d)`, s.embeddingDim)).Error; err != nil {
			return fmt.Errorf("alter preset embedding type: %w", err)
		}
		for _, fk := range foreignKeys {
			if err := tx.Exec(foreignKeySQL(fk.table, fk.column, fk.refTable)).Error; err != nil {
				return fmt.Errorf("ensure %s.%s foreign key: %w", fk.table, fk.column, err)
			}
		}
		for _, stmt := range []string{
			`CREATE INDEX IF NOT EXISTS presets_embedding_hnsw_idx ON presets USING hnsw (embedding vector_cosine_ops)`,
			`CREATE INDEX IF NOT EXISTS presets_public_embedding_hnsw_idx ON presets USING hnsw (embedding vector_cosine_ops) WHERE visibility = 'public'`,
			`CREATE INDEX IF NOT EXISTS presets_missing_embedding_idx ON presets (created_at) WHERE embedding IS NULL`,
		} {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("create preset index: %w", err)
			}
		}
		return nil
	})
}

// foreignKeySQL removes orphans and then adds the constraint if it is missing.
func foreignKeySQL(table, column, refTable string) string {
	name := fmt.Sprintf("%s_%s_fkey", table, column)
	return fmt.Sprintf(`
		DO $$
		BEGIN
			DELETE FROM %[1]s t
			WHERE t.%[2]s IS NOT NULL
			  AND NOT EXISTS (SELECT 1 FROM %[3]s r WHERE r.id = t.%[2]s);
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = '%[1]s'
				AND constraint_name = '%[4]s'
			) THEN
				ALTER TABLE %[1]s
				ADD CONSTRAINT %[4]s
				FOREIGN KEY (%[2]s) REFERENCES %[3]s(id) ON DELETE CASCADE;
			END IF;
		END $$;
	`, table, column, refTable, name)
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	return translate(s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "email", "password_hash", "generation_prefrences"}),
	}).Create(&model).Error)
}

// GetUser returns a user by ID.
func (s *GormStore) GetUser(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// DeleteUser removes a user; presets, posts, and comments go with it via FK cascade.
func (s *GormStore) DeleteUser(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&UserModel{}, "id = ?", id).Error
}

// CreatePreset inserts a preset that already carries its embedding.
func (s *GormStore) CreatePreset(ctx context.Context, p domain.Preset) error {
	if !p.HasEmbedding() {
		return ErrEmbeddingRequired
	}
	if err := validateEmbedding(p.Embedding, s.embeddingDim); err != nil {
		return err
	}
	model := presetToModel(p)
	return translate(s.db.WithContext(ctx).Create(&model).Error)
}

// UpsertPreset inserts or updates preset metadata. A nil embedding keeps the stored one.
func (s *GormStore) UpsertPreset(ctx context.Context, p domain.Preset) error {
	columns := []string{"user_id", "title", "visibility", "preset_object_key", "preview_object_key", "source", "metadata"}
	if p.HasEmbedding() {
		if err := validateEmbedding(p.Embedding, s.embeddingDim); err != nil {
			return err
		}
		columns = append(columns, "embedding")
	}
	model := presetToModel(p)
	return translate(s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(&model).Error)
}

// GetPreset returns a preset by ID, including its embedding.
func (s *GormStore) GetPreset(ctx context.Context, id string) (domain.Preset, bool, error) {
	var model PresetModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Preset{}, false, nil
		}
		return domain.Preset{}, false, err
	}
	return presetFromModel(model), true, nil
}

// DeletePreset removes a preset; posts and comments referencing it cascade.
func (s *GormStore) DeletePreset(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&PresetModel{}, "id = ?", id).Error
}

// SetPresetEmbedding updates the embedding vector for a preset.
func (s *GormStore) SetPresetEmbedding(ctx context.Context, id string, embedding []float32) error {
	if err := validateEmbedding(embedding, s.embeddingDim); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&PresetModel{}).Where("id = ?", id).
		Update("embedding", pgvector.NewVector(embedding))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPresetsMissingEmbedding returns the oldest presets that still need a vector.
func (s *GormStore) ListPresetsMissingEmbedding(ctx context.Context, limit int) ([]domain.Preset, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []PresetModel
	if err := s.db.WithContext(ctx).
		Where("embedding IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Preset, 0, len(models))
	for _, m := range models {
		res = append(res, presetFromModel(m))
	}
	return res, nil
}

const searchPresetsSQL = `SELECT id, user_id, title, visibility, preset_object_key, preview_object_key, source, metadata, created_at, embedding <=> ? AS distance
FROM presets
WHERE embedding IS NOT NULL AND %s
ORDER BY distance ASC, created_at DESC
LIMIT ?`

// SearchPresets finds the nearest visible presets by cosine distance.
// Ordering holds among returned rows; the HNSW index may miss true neighbors.
func (s *GormStore) SearchPresets(ctx context.Context, q SearchQuery) ([]domain.PresetMatch, error) {
	if q.Limit <= 0 {
		return []domain.PresetMatch{}, nil
	}
	if err := validateEmbedding(q.Embedding, s.embeddingDim); err != nil {
		return nil, err
	}
	vec := pgvector.NewVector(q.Embedding)
	filter := "visibility = 'public'"
	args := []any{vec}
	if requester := strings.TrimSpace(q.RequesterID); requester != "" {
		filter = "(visibility = 'public' OR user_id = ?)"
		args = append(args, requester)
	}
	args = append(args, q.Limit)
	query := fmt.Sprintf(searchPresetsSQL, filter)

	var rows []presetMatchRow
	run := func(tx *gorm.DB) error {
		return tx.Raw(query, args...).Scan(&rows).Error
	}
	var err error
	if s.efSearch > 0 {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec(fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", s.efSearch)).Error; err != nil {
				return err
			}
			return run(tx)
		})
	} else {
		err = run(s.db.WithContext(ctx))
	}
	if err != nil {
		return nil, err
	}
	matches := make([]domain.PresetMatch, 0, len(rows))
	for _, row := range rows {
		matches = append(matches, matchFromRow(row))
	}
	return matches, nil
}

// SavePost stores or updates a post.
func (s *GormStore) SavePost(ctx context.Context, p domain.Post) error {
	if p.VoteCount < 0 {
		return ErrInvalidVoteCount
	}
	model := postToModel(p)
	return translate(s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "description", "visibility", "vote_count", "supabase_key"}),
	}).Create(&model).Error)
}

// GetPost returns a post by ID.
func (s *GormStore) GetPost(ctx context.Context, id string) (domain.Post, bool, error) {
	var model PostModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Post{}, false, nil
		}
		return domain.Post{}, false, err
	}
	return postFromModel(model), true, nil
}

// DeletePost removes a post and, via cascade, its comments.
func (s *GormStore) DeletePost(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&PostModel{}, "id = ?", id).Error
}

// SaveComment stores or updates a comment.
func (s *GormStore) SaveComment(ctx context.Context, c domain.Comment) error {
	if c.VoteCount < 0 {
		return ErrInvalidVoteCount
	}
	model := commentToModel(c)
	return translate(s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"body", "visibility", "vote_count"}),
	}).Create(&model).Error)
}

// GetComment returns a comment by ID.
func (s *GormStore) GetComment(ctx context.Context, id string) (domain.Comment, bool, error) {
	var model CommentModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Comment{}, false, nil
		}
		return domain.Comment{}, false, err
	}
	return commentFromModel(model), true, nil
}

func translate(err error) error {
	switch {
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return fmt.Errorf("%w: %v", ErrInvalidReference, err)
	case errors.Is(err, gorm.ErrCheckConstraintViolated):
		return fmt.Errorf("%w: %v", ErrInvalidVoteCount, err)
	}
	return err
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:                    u.ID,
		Username:              u.Username,
		Email:                 optional(u.Email),
		PasswordHash:          optional(u.PasswordHash),
		GenerationPreferences: optional(u.GenerationPreferences),
		CreatedAt:             u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:                    m.ID,
		Username:              m.Username,
		Email:                 deref(m.Email),
		PasswordHash:          deref(m.PasswordHash),
		GenerationPreferences: deref(m.GenerationPreferences),
		CreatedAt:             m.CreatedAt,
	}
}

func presetToModel(p domain.Preset) PresetModel {
	model := PresetModel{
		ID:               p.ID,
		UserID:           optional(p.OwnerID),
		Title:            p.Title,
		Visibility:       string(p.Visibility),
		PresetObjectKey:  p.PresetObjectKey,
		PreviewObjectKey: optional(p.PreviewObjectKey),
		Source:           string(p.Source),
		CreatedAt:        p.CreatedAt,
	}
	if p.HasEmbedding() {
		vec := pgvector.NewVector(p.Embedding)
		model.Embedding = &vec
	}
	model.Metadata = datatypes.JSON("{}")
	if len(p.Metadata) > 0 {
		if raw, err := json.Marshal(p.Metadata); err == nil {
			model.Metadata = raw
		}
	}
	return model
}

func presetFromModel(m PresetModel) domain.Preset {
	p := domain.Preset{
		ID:               m.ID,
		OwnerID:          deref(m.UserID),
		Title:            m.Title,
		Visibility:       domain.Visibility(m.Visibility),
		PresetObjectKey:  m.PresetObjectKey,
		PreviewObjectKey: deref(m.PreviewObjectKey),
		Source:           domain.PresetSource(m.Source),
		Metadata:         decodeMetadata(m.Metadata),
		CreatedAt:        m.CreatedAt,
	}
	if m.Embedding != nil {
		p.Embedding = m.Embedding.Slice()
	}
	return p
}

func matchFromRow(row presetMatchRow) domain.PresetMatch {
	return domain.PresetMatch{
		Preset: domain.Preset{
			ID:               row.ID,
			OwnerID:          deref(row.UserID),
			Title:            row.Title,
			Visibility:       domain.Visibility(row.Visibility),
			PresetObjectKey:  row.PresetObjectKey,
			PreviewObjectKey: deref(row.PreviewObjectKey),
			Source:           domain.PresetSource(row.Source),
			Metadata:         decodeMetadata(row.Metadata),
			CreatedAt:        row.CreatedAt,
		},
		Distance: row.Distance,
	}
}

func decodeMetadata(raw []byte) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var meta map[string]string
	_ = json.Unmarshal(raw, &meta)
	return meta
}

func postToModel(p domain.Post) PostModel {
	return PostModel{
		ID:          p.ID,
		UserID:      p.OwnerID,
		PresetID:    p.PresetID,
		Title:       p.Title,
		Description: p.Description,
		Visibility:  string(p.Visibility),
		VoteCount:   p.VoteCount,
		SupabaseKey: optional(p.SupabaseKey),
		CreatedAt:   p.CreatedAt,
	}
}

func postFromModel(m PostModel) domain.Post {
	return domain.Post{
		ID:          m.ID,
		OwnerID:     m.UserID,
		PresetID:    m.PresetID,
		Title:       m.Title,
		Description: m.Description,
		Visibility:  domain.Visibility(m.Visibility),
		VoteCount:   m.VoteCount,
		SupabaseKey: deref(m.SupabaseKey),
		CreatedAt:   m.CreatedAt,
	}
}

func commentToModel(c domain.Comment) CommentModel {
	return CommentModel{
		ID:         c.ID,
		UserID:     c.OwnerID,
		PostID:     c.PostID,
		PresetID:   c.PresetID,
		Body:       c.Body,
		Visibility: string(c.Visibility),
		VoteCount:  c.VoteCount,
		CreatedAt:  c.CreatedAt,
	}
}

func commentFromModel(m CommentModel) domain.Comment {
	return domain.Comment{
		ID:         m.ID,
		OwnerID:    m.UserID,
		PostID:     m.PostID,
		PresetID:   m.PresetID,
		Body:       m.Body,
		Visibility: domain.Visibility(m.Visibility),
		VoteCount:  m.VoteCount,
		CreatedAt:  m.CreatedAt,
	}
}
