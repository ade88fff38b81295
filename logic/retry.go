package logic

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"genpipe/models"
	"genpipe/pkg/stagelog"
)

// classifyRule 失败信息 -> 分类的一条匹配规则，按声明顺序生效
type classifyRule struct {
	substr string
	kind   string
}

// 分类词表。内容拦截类先于瞬时类匹配，兜底为 fatal。
var classifyRules = []classifyRule{
	{"content filter", models.ErrKindContentFilter},
	{"content_filter", models.ErrKindContentFilter},
	{"filtered", models.ErrKindContentFilter},
	{"filter", models.ErrKindContentFilter},
	{"policy", models.ErrKindContentFilter},
	{"safety", models.ErrKindContentFilter},
	{"moderation", models.ErrKindContentFilter},
	{"nsfw", models.ErrKindContentFilter},
	{"flagged", models.ErrKindContentFilter},

	{"timeout", models.ErrKindTransient},
	{"timed out", models.ErrKindTransient},
	{"deadline exceeded", models.ErrKindTransient},
	{"rate limit", models.ErrKindTransient},
	{"rate_limit", models.ErrKindTransient},
	{"too many requests", models.ErrKindTransient},
	{"429", models.ErrKindTransient},
	{"unavailable", models.ErrKindTransient},
	{"server error", models.ErrKindTransient},
	{"internal error", models.ErrKindTransient},
	{"502", models.ErrKindTransient},
	{"503", models.ErrKindTransient},
	{"overloaded", models.ErrKindTransient},
	{"connection refused", models.ErrKindTransient},
	{"connection reset", models.ErrKindTransient},
	{"temporarily", models.ErrKindTransient},
}

// Classify 把失败信息归入 content_filter / transient / fatal。
// 大小写不敏感的子串匹配，匹配不到任何规则即 fatal。
func Classify(message string) string {
	lower := strings.ToLower(message)
	for _, r := range classifyRules {
		if strings.Contains(lower, r.substr) {
			return r.kind
		}
	}
	return models.ErrKindFatal
}

// RetryController 失败后的自动重试决策与执行
type RetryController struct {
	creation    *CreationService
	maxAttempts int
	enabled     bool
	stages      *stagelog.Logger
	log         *zap.Logger
}

func NewRetryController(creation *CreationService, maxAttempts int, enabled bool, stages *stagelog.Logger, log *zap.Logger) *RetryController {
	return &RetryController{
		creation:    creation,
		maxAttempts: maxAttempts,
		enabled:     enabled,
		stages:      stages,
		log:         log,
	}
}

// ShouldAutoRetry 纯决策：只有已失败、分类可重试、且整条链
// （原始+重试）仍未达到 max_attempts 的记录才触发。
// cancelled 记录绝不会从这里复活。
func (c *RetryController) ShouldAutoRetry(g *models.Generation) bool {
	if !c.enabled {
		return false
	}
	if g.Status != models.StatusFailed {
		return false
	}
	if !models.RetryableKind(g.ErrorKind) {
		return false
	}
	// 新记录的 retry_count 必须小于 max_attempts
	return g.RetryCount+1 < c.maxAttempts
}

// MaybeRetry 决策并执行自动重试，返回新建的重试记录（未触发时为 nil）
func (c *RetryController) MaybeRetry(ctx context.Context, g *models.Generation) (*models.Generation, error) {
	retry := c.ShouldAutoRetry(g)
	c.stages.Emit(stagelog.RetryDecision, g.ID, g.OperationType, g.ProviderID,
		stagelog.WithErrorKind(g.ErrorKind),
		stagelog.WithAttempt(g.RetryCount))
	if !retry {
		return nil, nil
	}

	c.stages.Emit(stagelog.RetryScheduled, g.ID, g.OperationType, g.ProviderID,
		stagelog.WithAttempt(g.RetryCount+1))

	child, err := c.creation.CreateRetry(ctx, g)
	if err != nil {
		c.log.Error("failed to spawn auto-retry",
			zap.String("generation_id", g.ID), zap.Error(err))
		return nil, err
	}

	c.stages.Emit(stagelog.RetryExecuting, child.ID, child.OperationType, child.ProviderID,
		stagelog.WithAttempt(child.RetryCount))
	return child, nil
}
