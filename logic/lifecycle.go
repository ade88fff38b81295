package logic

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"genpipe/models"
	"genpipe/pkg/stagelog"
)

// Lifecycle 封装 failed/completed/cancelled 的终态迁移：
// 状态落库、提交记录关闭、指纹索引清理、带外推送、自动重试，全部收在一处，
// worker 和轮询器只负责编排。
type Lifecycle struct {
	gens     GenerationStore
	subs     SubmissionStore
	cache    CacheIndex
	sink     ArtifactSink
	retry    *RetryController
	notifier Notifier
	stages   *stagelog.Logger
	log      *zap.Logger
}

func NewLifecycle(gens GenerationStore, subs SubmissionStore, cache CacheIndex, sink ArtifactSink, retry *RetryController, notifier Notifier, stages *stagelog.Logger, log *zap.Logger) *Lifecycle {
	return &Lifecycle{
		gens:     gens,
		subs:     subs,
		cache:    cache,
		sink:     sink,
		retry:    retry,
		notifier: notifier,
		stages:   stages,
		log:      log,
	}
}

// Complete 归档产物并迁入 completed。
// submissionID 为空表示同步完成（没有可轮询的提交记录）。
func (l *Lifecycle) Complete(ctx context.Context, g *models.Generation, artifacts []*models.Artifact, submissionID string) error {
	for _, a := range artifacts {
		persisted, err := l.sink.PersistArtifact(ctx, g.ID, a)
		if err != nil {
			// 产物没归档成功不能标记完成，留给下一轮扫描重试
			return err
		}
		l.stages.Emit(stagelog.PipelineArtifact, g.ID, g.OperationType, g.ProviderID,
			stagelog.WithProviderJobID(persisted.ID))
	}

	if submissionID != "" {
		if err := l.subs.Close(ctx, submissionID, models.SubmissionSucceeded); err != nil {
			l.log.Warn("failed to close submission", zap.String("submission_id", submissionID), zap.Error(err))
		}
	}

	ok, err := l.gens.MarkCompleted(ctx, g.ID)
	if err != nil {
		return err
	}
	if !ok {
		// 已被并发方迁到终态（例如取消），产物保留，状态不回滚
		l.log.Warn("generation no longer completable", zap.String("generation_id", g.ID))
		return nil
	}
	g.Status = models.StatusCompleted

	l.stages.Emit(stagelog.PipelineComplete, g.ID, g.OperationType, g.ProviderID,
		stagelog.WithAttempt(g.RetryCount))
	l.Notify(g, models.StatusCompleted, "", "")
	return nil
}

// Fail 分类失败信息并迁入 failed，随后触发自动重试决策。
// 已处于终态的记录上调用是幂等的。
func (l *Lifecycle) Fail(ctx context.Context, g *models.Generation, message string) error {
	kind := Classify(message)

	ok, err := l.gens.MarkFailed(ctx, g.ID, kind, message)
	if err != nil {
		return err
	}
	if !ok {
		return nil // 已终态，不重复处理
	}
	g.Status = models.StatusFailed
	g.ErrorKind = kind
	g.ErrorMessage = message

	// 关闭仍在 active 的提交记录
	if sub, err := l.subs.ActiveByGeneration(ctx, g.ID); err == nil && sub != nil {
		if err := l.subs.Close(ctx, sub.ID, models.SubmissionFailed); err != nil {
			l.log.Warn("failed to close submission", zap.String("submission_id", sub.ID), zap.Error(err))
		}
	}

	// 失败记录不允许继续被去重命中
	if err := l.cache.Release(ctx, g.InputHash); err != nil {
		l.log.Warn("failed to release dedup entry", zap.String("input_hash", g.InputHash), zap.Error(err))
	}

	l.stages.Emit(stagelog.PipelineError, g.ID, g.OperationType, g.ProviderID,
		stagelog.WithErrorKind(kind),
		stagelog.WithAttempt(g.RetryCount))
	l.Notify(g, models.StatusFailed, kind, message)

	if _, err := l.retry.MaybeRetry(ctx, g); err != nil {
		l.log.Error("auto-retry failed", zap.String("generation_id", g.ID), zap.Error(err))
	}
	return nil
}

// Cancel 用户主动取消。只允许从 pending/queued/processing/submitted/polling 迁出；
// 上游 provider 任务不做远程取消（尽力而为：停掉本地轮询，提交记录置为 abandoned）。
func (l *Lifecycle) Cancel(ctx context.Context, id string) (*models.Generation, error) {
	g, err := l.gens.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Terminal() {
		return nil, models.ErrNotCancellable
	}

	ok, err := l.gens.Transition(ctx, id, []string{
		models.StatusPending, models.StatusQueued, models.StatusProcessing,
		models.StatusSubmitted, models.StatusPolling,
	}, models.StatusCancelled)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrNotCancellable
	}
	g.Status = models.StatusCancelled

	if sub, err := l.subs.ActiveByGeneration(ctx, id); err == nil && sub != nil {
		if err := l.subs.Close(ctx, sub.ID, models.SubmissionAbandoned); err != nil {
			l.log.Warn("failed to abandon submission", zap.String("submission_id", sub.ID), zap.Error(err))
		}
	}
	if err := l.cache.Release(ctx, g.InputHash); err != nil {
		l.log.Warn("failed to release dedup entry", zap.String("input_hash", g.InputHash), zap.Error(err))
	}

	l.log.Info("generation cancelled", zap.String("generation_id", id))
	l.Notify(g, models.StatusCancelled, "", "")
	return g, nil
}

// Notify 把状态变更推给该用户的 SSE 订阅者
func (l *Lifecycle) Notify(g *models.Generation, status, kind, message string) {
	if l.notifier == nil {
		return
	}
	ev := models.StatusEvent{
		GenerationID:  g.ID,
		UserID:        g.UserID,
		OperationType: g.OperationType,
		ProviderID:    g.ProviderID,
		Status:        status,
		ErrorKind:     kind,
		ErrorMessage:  message,
		UpdatedAt:     time.Now().Unix(),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	l.notifier.PublishTopic(strconv.FormatUint(g.UserID, 10), b)
}
