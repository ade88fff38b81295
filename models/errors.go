package models

import (
	"errors"
	"fmt"
)

// 失败分类标签，写入 Generation.error_kind
const (
	ErrKindContentFilter = "content_filter" // 软性拦截，可自动重试
	ErrKindTransient     = "transient"      // 超时/限流等，可自动重试
	ErrKindFatal         = "fatal"          // 参数非法、额度不足等，不重试
)

// RetryableKind 判断某个分类是否允许自动重试
func RetryableKind(kind string) bool {
	return kind == ErrKindContentFilter || kind == ErrKindTransient
}

var (
	// ErrAccountUnavailable 没有可用账号，任务回到队列等待，不算失败
	ErrAccountUnavailable = errors.New("no eligible provider account available")
	// ErrGenerationNotFound 目标生成任务不存在
	ErrGenerationNotFound = errors.New("generation not found")
	// ErrNotCancellable 当前状态不允许取消
	ErrNotCancellable = errors.New("generation is not in a cancellable state")
	// ErrCreateConflict 相同指纹的创建正在进行中，稍后重试
	ErrCreateConflict = errors.New("identical request already in progress")
	// ErrUnknownProvider provider 未在注册表中
	ErrUnknownProvider = errors.New("unknown provider")
)

// ValidationError 请求在入库/计算指纹之前被同步拒绝
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// IsValidation 判断 err 是否为同步校验错误
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
