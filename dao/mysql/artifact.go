package mysql

import (
	"context"

	"github.com/jmoiron/sqlx"

	"genpipe/models"
)

// ArtifactStore 管理 artifacts 表。产物一旦写入不再修改。
type ArtifactStore struct {
	db *sqlx.DB
}

func NewArtifactStore(db *sqlx.DB) *ArtifactStore {
	return &ArtifactStore{db: db}
}

// Insert 写入一条产物记录
func (s *ArtifactStore) Insert(ctx context.Context, a *models.Artifact) error {
	query := `INSERT INTO artifacts
		(id, generation_id, media_type, remote_url, thumbnail_url, width, height, duration_ms, created_at)
		VALUES (:id, :generation_id, :media_type, :remote_url, :thumbnail_url, :width, :height, :duration_ms, :created_at)`
	_, err := s.db.NamedExecContext(ctx, query, a)
	return err
}

// ListByGeneration 查询某个 generation 的全部产物
func (s *ArtifactStore) ListByGeneration(ctx context.Context, generationID string) ([]*models.Artifact, error) {
	var out []*models.Artifact
	query := `SELECT id, generation_id, media_type, remote_url, thumbnail_url, width, height, duration_ms, created_at
		FROM artifacts WHERE generation_id = ? ORDER BY created_at ASC`
	err := s.db.SelectContext(ctx, &out, query, generationID)
	return out, err
}
