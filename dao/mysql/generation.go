package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"genpipe/models"
)

// GenerationStore 管理 generations 表
type GenerationStore struct {
	db *sqlx.DB
}

func NewGenerationStore(db *sqlx.DB) *GenerationStore {
	return &GenerationStore{db: db}
}

const generationColumns = `id, user_id, workspace_id, operation_type, provider_id, params, input_hash,
	status, parent_generation_id, retry_count, error_kind, error_message,
	created_at, started_at, completed_at`

// Insert 插入一条新的生成记录
func (s *GenerationStore) Insert(ctx context.Context, g *models.Generation) error {
	query := `INSERT INTO generations (` + generationColumns + `)
		VALUES (:id, :user_id, :workspace_id, :operation_type, :provider_id, :params, :input_hash,
			:status, :parent_generation_id, :retry_count, :error_kind, :error_message,
			:created_at, :started_at, :completed_at)`
	_, err := s.db.NamedExecContext(ctx, query, g)
	return err
}

// GetByID 按ID查询
func (s *GenerationStore) GetByID(ctx context.Context, id string) (*models.Generation, error) {
	g := &models.Generation{}
	query := `SELECT ` + generationColumns + ` FROM generations WHERE id = ?`
	err := s.db.GetContext(ctx, g, query, id)
	if err == sql.ErrNoRows {
		return nil, models.ErrGenerationNotFound
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

// FindReusableByHash 按指纹查找可复用的记录：completed 或仍在推进中的。
// failed/cancelled 永远不复用，保证失败的前序不会挡住后续请求。
func (s *GenerationStore) FindReusableByHash(ctx context.Context, hash string) (*models.Generation, error) {
	g := &models.Generation{}
	query := `SELECT ` + generationColumns + ` FROM generations
		WHERE input_hash = ? AND status NOT IN (?, ?)
		ORDER BY created_at DESC LIMIT 1`
	err := s.db.GetContext(ctx, g, query, hash, models.StatusFailed, models.StatusCancelled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Transition 受保护的状态迁移：仅当当前状态在 from 集合中时改为 to。
// 返回 false 表示有并发方已抢先迁移（例如重复投递），调用方据此跳过副作用。
func (s *GenerationStore) Transition(ctx context.Context, id string, from []string, to string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition to %s: empty from set", to)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	query := fmt.Sprintf(
		`UPDATE generations SET status = ?, started_at = IF(? = 'processing', NOW(), started_at)
		 WHERE id = ? AND status IN (%s)`, placeholders)
	args := []interface{}{to, to, id}
	for _, f := range from {
		args = append(args, f)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkCompleted 标记成功终态
func (s *GenerationStore) MarkCompleted(ctx context.Context, id string) (bool, error) {
	query := `UPDATE generations SET status = ?, completed_at = NOW()
		WHERE id = ? AND status NOT IN (?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		models.StatusCompleted, id, models.StatusCompleted, models.StatusFailed, models.StatusCancelled)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkFailed 标记失败终态并记录分类与原始错误信息
func (s *GenerationStore) MarkFailed(ctx context.Context, id, kind, message string) (bool, error) {
	query := `UPDATE generations SET status = ?, error_kind = ?, error_message = ?, completed_at = NOW()
		WHERE id = ? AND status NOT IN (?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		models.StatusFailed, kind, message, id,
		models.StatusCompleted, models.StatusFailed, models.StatusCancelled)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListInFlightOlderThan 列出已提交且超过最小轮询年龄的任务，供状态轮询器扫描
func (s *GenerationStore) ListInFlightOlderThan(ctx context.Context, age time.Duration, limit int) ([]*models.Generation, error) {
	var out []*models.Generation
	query := `SELECT ` + generationColumns + ` FROM generations
		WHERE status IN (?, ?) AND created_at < ?
		ORDER BY created_at ASC LIMIT ?`
	cutoff := time.Now().Add(-age)
	err := s.db.SelectContext(ctx, &out, query, models.StatusSubmitted, models.StatusPolling, cutoff, limit)
	return out, err
}

// ListProcessingStale 列出长时间停留在 processing 的任务
// （worker 在领取后、提交前崩溃，消息已被 ack），供退回队列
func (s *GenerationStore) ListProcessingStale(ctx context.Context, age time.Duration, limit int) ([]*models.Generation, error) {
	var out []*models.Generation
	query := `SELECT ` + generationColumns + ` FROM generations
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
		ORDER BY started_at ASC LIMIT ?`
	cutoff := time.Now().Add(-age)
	err := s.db.SelectContext(ctx, &out, query, models.StatusProcessing, cutoff, limit)
	return out, err
}

// ListQueuedStale 列出长时间停留在 queued 的任务（worker 崩溃、消息丢失），供重新入队
func (s *GenerationStore) ListQueuedStale(ctx context.Context, age time.Duration, limit int) ([]*models.Generation, error) {
	var out []*models.Generation
	query := `SELECT ` + generationColumns + ` FROM generations
		WHERE status = ? AND created_at < ?
		ORDER BY created_at ASC LIMIT ?`
	cutoff := time.Now().Add(-age)
	err := s.db.SelectContext(ctx, &out, query, models.StatusQueued, cutoff, limit)
	return out, err
}
