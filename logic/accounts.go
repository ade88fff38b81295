package logic

import (
	"context"

	"genpipe/dao/mysql"
	"genpipe/models"
)

// creditSelector 账号选择的默认实现：同一 provider 下的账号共享一套额度口径，
// 操作类型暂不参与筛选（边界上保留该参数）。
type creditSelector struct {
	accounts *mysql.AccountStore
}

func NewAccountSelector(accounts *mysql.AccountStore) AccountSelector {
	return &creditSelector{accounts: accounts}
}

func (s *creditSelector) SelectAccount(ctx context.Context, providerID, operationType string) (*models.ProviderAccount, error) {
	return s.accounts.SelectEligible(ctx, providerID)
}

func (s *creditSelector) Release(ctx context.Context, accountID uint64) error {
	return s.accounts.ReleaseCredit(ctx, accountID)
}
