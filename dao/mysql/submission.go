package mysql

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"genpipe/models"
)

// ErrActiveSubmissionExists 同一 generation 已存在 active 提交
var ErrActiveSubmissionExists = errors.New("generation already has an active submission")

// SubmissionStore 管理 provider_submissions 表。
// 不变式：同一 generation 任何时刻至多一条 active 记录，
// 由 generations.status 的受保护迁移加上 Insert 前的 active 检查共同保证。
type SubmissionStore struct {
	db *sqlx.DB
}

func NewSubmissionStore(db *sqlx.DB) *SubmissionStore {
	return &SubmissionStore{db: db}
}

const submissionColumns = `id, generation_id, account_id, provider_job_id, state, submitted_at, last_polled_at, raw_response`

// Insert 记录一次 provider 提交；若该 generation 已有 active 记录则拒绝
func (s *SubmissionStore) Insert(ctx context.Context, sub *models.ProviderSubmission) error {
	query := `INSERT INTO provider_submissions (` + submissionColumns + `)
		SELECT :id, :generation_id, :account_id, :provider_job_id, :state, :submitted_at, :last_polled_at, :raw_response
		FROM dual WHERE NOT EXISTS (
			SELECT 1 FROM provider_submissions WHERE generation_id = :generation_id AND state = 'active'
		)`
	res, err := s.db.NamedExecContext(ctx, query, sub)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrActiveSubmissionExists
	}
	return nil
}

// ActiveByGeneration 查询当前 active 的提交记录，没有则返回 nil
func (s *SubmissionStore) ActiveByGeneration(ctx context.Context, generationID string) (*models.ProviderSubmission, error) {
	sub := &models.ProviderSubmission{}
	query := `SELECT ` + submissionColumns + ` FROM provider_submissions
		WHERE generation_id = ? AND state = ? LIMIT 1`
	err := s.db.GetContext(ctx, sub, query, generationID, models.SubmissionActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// MarkPolled 更新最后轮询时间
func (s *SubmissionStore) MarkPolled(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE provider_submissions SET last_polled_at = NOW() WHERE id = ?`, id)
	return err
}

// Close 将提交记录迁入终态（succeeded/failed/abandoned）
func (s *SubmissionStore) Close(ctx context.Context, id, state string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE provider_submissions SET state = ? WHERE id = ? AND state = ?`,
		state, id, models.SubmissionActive)
	return err
}
