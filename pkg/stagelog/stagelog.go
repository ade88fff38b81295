package stagelog

import (
	"time"

	"go.uber.org/zap"
)

// 阶段名称，闭合集合。外部观测系统按 stage 字段消费。
const (
	PipelineStart    = "pipeline:start"
	PipelineArtifact = "pipeline:artifact"
	PipelineComplete = "pipeline:complete"
	PipelineError    = "pipeline:error"
	ProviderSubmit   = "provider:submit"
	ProviderStatus   = "provider:status"
	ProviderComplete = "provider:complete"
	ProviderError    = "provider:error"
	ProviderTimeout  = "provider:timeout"
	RetryDecision    = "retry:decision"
	RetryScheduled   = "retry:scheduled"
	RetryExecuting   = "retry:executing"
)

// Logger 把每次状态迁移写成带固定字段的结构化事件。
// 固定字段：generation_id / operation_type / provider_id / stage，
// 可选字段通过 Option 追加。
type Logger struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Logger {
	return &Logger{log: log.Named("stage")}
}

type Option func(*[]zap.Field)

// WithError 附加错误信息
func WithError(err error) Option {
	return func(fs *[]zap.Field) {
		if err != nil {
			*fs = append(*fs, zap.String("error", err.Error()))
		}
	}
}

// WithErrorKind 附加失败分类
func WithErrorKind(kind string) Option {
	return func(fs *[]zap.Field) { *fs = append(*fs, zap.String("error_kind", kind)) }
}

// WithDuration 附加耗时（毫秒）
func WithDuration(d time.Duration) Option {
	return func(fs *[]zap.Field) { *fs = append(*fs, zap.Int64("duration_ms", d.Milliseconds())) }
}

// WithAttempt 附加重试序号
func WithAttempt(n int) Option {
	return func(fs *[]zap.Field) { *fs = append(*fs, zap.Int("attempt", n)) }
}

// WithProviderJobID 附加 provider 侧任务ID
func WithProviderJobID(id string) Option {
	return func(fs *[]zap.Field) { *fs = append(*fs, zap.String("provider_job_id", id)) }
}

// Emit 记录一次阶段事件
func (l *Logger) Emit(stage, generationID, operationType, providerID string, opts ...Option) {
	fields := make([]zap.Field, 0, 4+len(opts))
	fields = append(fields,
		zap.String("stage", stage),
		zap.String("generation_id", generationID),
		zap.String("operation_type", operationType),
		zap.String("provider_id", providerID),
	)
	for _, opt := range opts {
		opt(&fields)
	}
	l.log.Info(stage, fields...)
}
