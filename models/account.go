package models

import "time"

// ProviderAccount provider 侧的凭据/额度记录。
// 额度的原子扣减由账号选择方负责，流水线本身不直接改额度。
type ProviderAccount struct {
	ID         uint64    `db:"id" json:"id"`
	ProviderID string    `db:"provider_id" json:"provider_id"`
	Label      string    `db:"label" json:"label"`
	Credits    int64     `db:"credits" json:"credits"`
	Disabled   bool      `db:"disabled" json:"disabled"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}
