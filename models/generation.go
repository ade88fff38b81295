package models

import "time"

// 生成任务状态常量
const (
	StatusPending    = "pending"
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusSubmitted  = "submitted"
	StatusPolling    = "polling"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// 操作类型常量
const (
	OpTextToVideo  = "text_to_video"
	OpImageToVideo = "image_to_video"
	OpTextToImage  = "text_to_image"
	OpVideoToText  = "video_to_text"
)

// IsTerminalStatus 判断状态是否为终态（failed/cancelled/completed 之后不再有状态迁移）
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Generation 一次用户发起的内容生成请求，贯穿整条流水线
type Generation struct {
	ID          string `db:"id" json:"id"`
	UserID      uint64 `db:"user_id" json:"user_id"`
	WorkspaceID uint64 `db:"workspace_id" json:"workspace_id"`

	OperationType string `db:"operation_type" json:"operation_type"`
	ProviderID    string `db:"provider_id" json:"provider_id"`
	Params        string `db:"params" json:"params"`     // 规范化后的请求参数（JSON）
	InputHash     string `db:"input_hash" json:"input_hash"` // 去重指纹

	Status string `db:"status" json:"status"`

	// 自动重试链
	ParentGenerationID *string `db:"parent_generation_id" json:"parent_generation_id,omitempty"`
	RetryCount         int     `db:"retry_count" json:"retry_count"`

	ErrorKind    string `db:"error_kind" json:"error_kind,omitempty"`
	ErrorMessage string `db:"error_message" json:"error_message,omitempty"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Terminal 当前记录是否已进入终态
func (g *Generation) Terminal() bool {
	return IsTerminalStatus(g.Status)
}

// InFlight 是否已提交给 provider、等待轮询推进
func (g *Generation) InFlight() bool {
	return g.Status == StatusSubmitted || g.Status == StatusPolling
}
