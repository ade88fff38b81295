package models

import "time"

// ProviderSubmission 状态常量。任何时刻一个 Generation 至多有一条 active 记录。
const (
	SubmissionActive    = "active"
	SubmissionSucceeded = "succeeded"
	SubmissionFailed    = "failed"
	SubmissionAbandoned = "abandoned" // 本地取消后放弃轮询
)

// ProviderSubmission 一次针对 provider 的执行尝试
type ProviderSubmission struct {
	ID            string     `db:"id" json:"id"`
	GenerationID  string     `db:"generation_id" json:"generation_id"`
	AccountID     uint64     `db:"account_id" json:"account_id"`
	ProviderJobID string     `db:"provider_job_id" json:"provider_job_id"` // provider 侧的任务ID，不透明字符串
	State         string     `db:"state" json:"state"`
	SubmittedAt   time.Time  `db:"submitted_at" json:"submitted_at"`
	LastPolledAt  *time.Time `db:"last_polled_at" json:"last_polled_at,omitempty"`
	RawResponse   string     `db:"raw_response" json:"raw_response,omitempty"` // 仅用于排查问题
}
