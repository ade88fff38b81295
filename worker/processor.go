package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"genpipe/logic"
	"genpipe/models"
	"genpipe/pkg/stagelog"
	"genpipe/provider"
)

// Processor 从工作队列领取 generation 并推进到 submitted/completed/failed。
// worker 之间不共享内存状态，全部协调走持久化记录和队列投递语义。
type Processor struct {
	gens      logic.GenerationStore
	subs      logic.SubmissionStore
	registry  *provider.Registry
	selector  logic.AccountSelector
	lifecycle *logic.Lifecycle
	queue     logic.Publisher
	stages    *stagelog.Logger
	log       *zap.Logger

	providerTimeout time.Duration
	requeueDelay    time.Duration
}

func NewProcessor(
	gens logic.GenerationStore,
	subs logic.SubmissionStore,
	registry *provider.Registry,
	selector logic.AccountSelector,
	lifecycle *logic.Lifecycle,
	queue logic.Publisher,
	stages *stagelog.Logger,
	log *zap.Logger,
	providerTimeout, requeueDelay time.Duration,
) *Processor {
	return &Processor{
		gens:            gens,
		subs:            subs,
		registry:        registry,
		selector:        selector,
		lifecycle:       lifecycle,
		queue:           queue,
		stages:          stages,
		log:             log,
		providerTimeout: providerTimeout,
		requeueDelay:    requeueDelay,
	}
}

// Process 处理一条队列消息。返回 nil 表示消息可以 ack
// （包括"任务已失败并记录在案"的情况——失败走重试链，不走消息重投）。
func (p *Processor) Process(ctx context.Context, generationID string) error {
	g, err := p.gens.GetByID(ctx, generationID)
	if err != nil {
		if errors.Is(err, models.ErrGenerationNotFound) {
			p.log.Warn("queue message for unknown generation, dropping",
				zap.String("generation_id", generationID))
			return nil
		}
		return err // 读库失败，交给队列重投一次
	}

	// 重复投递的幂等保护：已终态的记录静默 ack，不产生任何副作用
	if g.Terminal() {
		p.log.Debug("redelivery for terminal generation, noop",
			zap.String("generation_id", g.ID), zap.String("status", g.Status))
		return nil
	}

	// 受保护迁移到 processing；失败说明并发方已抢先（另一个 worker 或取消）
	ok, err := p.gens.Transition(ctx, g.ID, []string{models.StatusPending, models.StatusQueued}, models.StatusProcessing)
	if err != nil {
		return err
	}
	if !ok {
		p.log.Debug("generation not claimable, skipping",
			zap.String("generation_id", g.ID), zap.String("status", g.Status))
		return nil
	}
	g.Status = models.StatusProcessing
	p.lifecycle.Notify(g, models.StatusProcessing, "", "")

	// 选号并由协作方原子扣减额度；无可用账号不算失败，延迟重入队
	acct, err := p.selector.SelectAccount(ctx, g.ProviderID, g.OperationType)
	if err != nil {
		if errors.Is(err, models.ErrAccountUnavailable) {
			return p.releaseToQueue(ctx, g)
		}
		return err
	}

	adapter, err := p.registry.Get(g.ProviderID)
	if err != nil {
		// 额度还没被消耗，归还
		if rerr := p.selector.Release(ctx, acct.ID); rerr != nil {
			p.log.Warn("failed to release credit", zap.Uint64("account_id", acct.ID), zap.Error(rerr))
		}
		return p.lifecycle.Fail(ctx, g, err.Error())
	}

	// 提交往返受单次调用超时约束；超时按 transient 处理，不挂死 worker
	cctx, cancel := context.WithTimeout(ctx, p.providerTimeout)
	start := time.Now()
	res, err := adapter.Submit(cctx, g)
	cancel()
	elapsed := time.Since(start)

	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded)
		if timedOut {
			p.stages.Emit(stagelog.ProviderTimeout, g.ID, g.OperationType, g.ProviderID,
				stagelog.WithDuration(elapsed))
			// 超时归类 transient；provider 侧可能已有任务，额度不归还
			return p.lifecycle.Fail(ctx, g, "provider submit timeout: "+err.Error())
		}
		p.stages.Emit(stagelog.ProviderError, g.ID, g.OperationType, g.ProviderID,
			stagelog.WithError(err), stagelog.WithDuration(elapsed))
		// 明确的提交失败：任务没有进入 provider，额度归还
		if rerr := p.selector.Release(ctx, acct.ID); rerr != nil {
			p.log.Warn("failed to release credit", zap.Uint64("account_id", acct.ID), zap.Error(rerr))
		}
		return p.lifecycle.Fail(ctx, g, err.Error())
	}

	p.stages.Emit(stagelog.ProviderSubmit, g.ID, g.OperationType, g.ProviderID,
		stagelog.WithProviderJobID(res.ProviderJobID), stagelog.WithDuration(elapsed))

	// 同步完成模型：提交即成品，直接归档
	if res.Completed {
		p.stages.Emit(stagelog.ProviderComplete, g.ID, g.OperationType, g.ProviderID,
			stagelog.WithDuration(elapsed))
		return p.lifecycle.Complete(ctx, g, res.Artifacts, "")
	}

	// 异步模型：落提交记录，转交状态轮询器推进
	sub := &models.ProviderSubmission{
		ID:            uuid.New().String(),
		GenerationID:  g.ID,
		AccountID:     acct.ID,
		ProviderJobID: res.ProviderJobID,
		State:         models.SubmissionActive,
		SubmittedAt:   time.Now(),
		RawResponse:   res.Raw,
	}
	if err := p.subs.Insert(ctx, sub); err != nil {
		// 已存在 active 提交说明不变式被并发路径守住了，这条新 provider 任务成为孤儿
		p.log.Error("failed to record submission",
			zap.String("generation_id", g.ID),
			zap.String("provider_job_id", res.ProviderJobID),
			zap.Error(err))
		return nil
	}

	ok, err = p.gens.Transition(ctx, g.ID, []string{models.StatusProcessing}, models.StatusSubmitted)
	if err != nil {
		return err
	}
	if !ok {
		// 提交窗口内被取消：放弃这条提交，停止本地跟进
		if cur, gerr := p.gens.GetByID(ctx, g.ID); gerr == nil && cur.Status == models.StatusCancelled {
			if cerr := p.subs.Close(ctx, sub.ID, models.SubmissionAbandoned); cerr != nil {
				p.log.Warn("failed to abandon submission", zap.String("submission_id", sub.ID), zap.Error(cerr))
			}
		}
		return nil
	}
	g.Status = models.StatusSubmitted
	p.lifecycle.Notify(g, models.StatusSubmitted, "", "")
	return nil
}

// releaseToQueue 账号不可用时把任务让回队列，带退避延迟，不计费不计失败
func (p *Processor) releaseToQueue(ctx context.Context, g *models.Generation) error {
	if _, err := p.gens.Transition(ctx, g.ID, []string{models.StatusProcessing}, models.StatusQueued); err != nil {
		return err
	}
	if err := p.queue.PublishDelayed(g.ID, p.requeueDelay); err != nil {
		// 延迟投递失败就交给轮询器的 stale 扫描兜底
		p.log.Warn("failed to requeue generation, poller will rescue it",
			zap.String("generation_id", g.ID), zap.Error(err))
	}
	p.log.Info("no eligible account, released back to queue",
		zap.String("generation_id", g.ID), zap.String("provider_id", g.ProviderID))
	return nil
}
