package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"genpipe/models"
)

// AccountStore 管理 provider_accounts 表（额度与凭据）。
// 扣减和释放都是单条受保护 UPDATE，保证并发下不会超扣。
type AccountStore struct {
	db *sqlx.DB
}

func NewAccountStore(db *sqlx.DB) *AccountStore {
	return &AccountStore{db: db}
}

// SelectEligible 选出指定 provider 下额度充足的账号并原子扣减一个额度。
// 没有可用账号时返回 models.ErrAccountUnavailable。
func (s *AccountStore) SelectEligible(ctx context.Context, providerID string) (*models.ProviderAccount, error) {
	// 1. 找候选账号（额度最多的优先）
	acct := &models.ProviderAccount{}
	query := `SELECT id, provider_id, label, credits, disabled, created_at, updated_at
		FROM provider_accounts
		WHERE provider_id = ? AND disabled = 0 AND credits > 0
		ORDER BY credits DESC LIMIT 1`
	err := s.db.GetContext(ctx, acct, query, providerID)
	if err == sql.ErrNoRows {
		return nil, models.ErrAccountUnavailable
	}
	if err != nil {
		return nil, err
	}

	// 2. 乐观扣减：只有额度仍然为正才会成功
	res, err := s.db.ExecContext(ctx,
		`UPDATE provider_accounts SET credits = credits - 1, updated_at = NOW()
		 WHERE id = ? AND credits > 0`, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve credit: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// 并发下被别的 worker 抢走了最后一个额度
		return nil, models.ErrAccountUnavailable
	}
	acct.Credits--
	return acct, nil
}

// ReleaseCredit 归还一个额度（任务没有真正提交给 provider 时调用）
func (s *AccountStore) ReleaseCredit(ctx context.Context, accountID uint64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE provider_accounts SET credits = credits + 1, updated_at = NOW() WHERE id = ?`,
		accountID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errors.New("account not found")
	}
	return nil
}

// AddCredits 运营侧充值
func (s *AccountStore) AddCredits(ctx context.Context, accountID uint64, amount int64) error {
	if amount <= 0 {
		return errors.New("amount must be greater than 0")
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE provider_accounts SET credits = credits + ?, updated_at = NOW() WHERE id = ?`,
		amount, accountID)
	return err
}
