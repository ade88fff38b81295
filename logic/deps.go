package logic

import (
	"context"
	"time"

	"genpipe/models"
)

// GenerationStore 生成记录的持久化接口（dao/mysql 实现）
type GenerationStore interface {
	Insert(ctx context.Context, g *models.Generation) error
	GetByID(ctx context.Context, id string) (*models.Generation, error)
	FindReusableByHash(ctx context.Context, hash string) (*models.Generation, error)
	Transition(ctx context.Context, id string, from []string, to string) (bool, error)
	MarkCompleted(ctx context.Context, id string) (bool, error)
	MarkFailed(ctx context.Context, id, kind, message string) (bool, error)
	ListInFlightOlderThan(ctx context.Context, age time.Duration, limit int) ([]*models.Generation, error)
	ListQueuedStale(ctx context.Context, age time.Duration, limit int) ([]*models.Generation, error)
	ListProcessingStale(ctx context.Context, age time.Duration, limit int) ([]*models.Generation, error)
}

// SubmissionStore provider 提交记录的持久化接口
type SubmissionStore interface {
	Insert(ctx context.Context, sub *models.ProviderSubmission) error
	ActiveByGeneration(ctx context.Context, generationID string) (*models.ProviderSubmission, error)
	MarkPolled(ctx context.Context, id string) error
	Close(ctx context.Context, id, state string) error
}

// CacheIndex 指纹去重索引（dao/store 实现）
type CacheIndex interface {
	Claim(ctx context.Context, hash, generationID string) (ok bool, existing string, err error)
	Lookup(ctx context.Context, hash string) (string, error)
	Release(ctx context.Context, hash string) error
}

// Publisher 工作队列的投递侧
type Publisher interface {
	Publish(generationID string) error
	PublishDelayed(generationID string, delay time.Duration) error
}

// ProviderSet 已注册 provider 的只读视图，入参校验用
type ProviderSet interface {
	Has(providerID string) bool
}

// AccountSelector 账号/额度协作方边界。
// 选号时由实现方原子扣减额度；流水线本身绝不直接碰额度。
type AccountSelector interface {
	SelectAccount(ctx context.Context, providerID, operationType string) (*models.ProviderAccount, error)
	Release(ctx context.Context, accountID uint64) error
}

// ArtifactSink 产物归档协作方边界（assets 实现）
type ArtifactSink interface {
	PersistArtifact(ctx context.Context, generationID string, a *models.Artifact) (*models.Artifact, error)
}

// Notifier 带外状态推送（pkg/sse 实现）
type Notifier interface {
	PublishTopic(topic string, msg []byte)
}
