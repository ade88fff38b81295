package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"genpipe/logic"
	"genpipe/models"
	"genpipe/pkg/stagelog"
	"genpipe/provider"
)

const pollBatchSize = 100

// Poller 周期扫描在途任务：推进 submitted/polling 的提交状态，
// 并把滞留 queued 的任务重新投回队列。worker 崩溃后的任务靠它兜底。
type Poller struct {
	gens      logic.GenerationStore
	subs      logic.SubmissionStore
	registry  *provider.Registry
	lifecycle *logic.Lifecycle
	queue     logic.Publisher
	stages    *stagelog.Logger
	log       *zap.Logger

	interval             time.Duration
	minPollAge           time.Duration
	queuedStaleAfter     time.Duration
	processingStaleAfter time.Duration
	providerTimeout      time.Duration
}

func NewPoller(
	gens logic.GenerationStore,
	subs logic.SubmissionStore,
	registry *provider.Registry,
	lifecycle *logic.Lifecycle,
	queue logic.Publisher,
	stages *stagelog.Logger,
	log *zap.Logger,
	interval, minPollAge, queuedStaleAfter, processingStaleAfter, providerTimeout time.Duration,
) *Poller {
	return &Poller{
		gens:                 gens,
		subs:                 subs,
		registry:             registry,
		lifecycle:            lifecycle,
		queue:                queue,
		stages:               stages,
		log:                  log,
		interval:             interval,
		minPollAge:           minPollAge,
		queuedStaleAfter:     queuedStaleAfter,
		processingStaleAfter: processingStaleAfter,
		providerTimeout:      providerTimeout,
	}
}

func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep 单轮扫描。单条任务的错误只记日志不终止本轮，下一轮继续
func (p *Poller) Sweep(ctx context.Context) {
	p.pollInFlight(ctx)
	p.requeueStale(ctx)
	p.rescueProcessing(ctx)
}

func (p *Poller) pollInFlight(ctx context.Context) {
	gens, err := p.gens.ListInFlightOlderThan(ctx, p.minPollAge, pollBatchSize)
	if err != nil {
		p.log.Error("failed to list in-flight generations", zap.Error(err))
		return
	}
	for _, g := range gens {
		if err := p.pollOne(ctx, g); err != nil {
			p.log.Warn("poll failed, will retry next sweep",
				zap.String("generation_id", g.ID), zap.Error(err))
		}
	}
}

func (p *Poller) pollOne(ctx context.Context, g *models.Generation) error {
	sub, err := p.subs.ActiveByGeneration(ctx, g.ID)
	if err != nil {
		return err
	}
	if sub == nil {
		// 提交记录落库前 worker 崩溃会走到这里；没有 provider 任务号就无从轮询
		p.log.Warn("in-flight generation without active submission",
			zap.String("generation_id", g.ID), zap.String("status", g.Status))
		return nil
	}

	adapter, err := p.registry.Get(g.ProviderID)
	if err != nil {
		return p.lifecycle.Fail(ctx, g, err.Error())
	}

	cctx, cancel := context.WithTimeout(ctx, p.providerTimeout)
	start := time.Now()
	st, err := adapter.CheckStatus(cctx, sub)
	cancel()
	elapsed := time.Since(start)

	if err != nil {
		// 查询失败不等于任务失败：provider 端可能仍在跑，下一轮再查
		if errors.Is(err, context.DeadlineExceeded) {
			p.stages.Emit(stagelog.ProviderTimeout, g.ID, g.OperationType, g.ProviderID,
				stagelog.WithDuration(elapsed))
		} else {
			p.stages.Emit(stagelog.ProviderError, g.ID, g.OperationType, g.ProviderID,
				stagelog.WithError(err), stagelog.WithDuration(elapsed))
		}
		return err
	}

	switch st.State {
	case provider.StateRunning:
		if err := p.subs.MarkPolled(ctx, sub.ID); err != nil {
			p.log.Warn("failed to record poll time", zap.String("submission_id", sub.ID), zap.Error(err))
		}
		if _, err := p.gens.Transition(ctx, g.ID, []string{models.StatusSubmitted}, models.StatusPolling); err != nil {
			return err
		}
		p.stages.Emit(stagelog.ProviderStatus, g.ID, g.OperationType, g.ProviderID,
			stagelog.WithProviderJobID(sub.ProviderJobID), stagelog.WithDuration(elapsed))
		return nil

	case provider.StateCompleted:
		arts := st.Artifacts
		if len(arts) == 0 {
			arts, err = adapter.MaterializeAssets(ctx, sub)
			if err != nil {
				p.stages.Emit(stagelog.ProviderError, g.ID, g.OperationType, g.ProviderID,
					stagelog.WithError(err))
				return err
			}
		}
		p.stages.Emit(stagelog.ProviderComplete, g.ID, g.OperationType, g.ProviderID,
			stagelog.WithProviderJobID(sub.ProviderJobID), stagelog.WithDuration(elapsed))
		return p.lifecycle.Complete(ctx, g, arts, sub.ID)

	case provider.StateFailed:
		p.stages.Emit(stagelog.ProviderError, g.ID, g.OperationType, g.ProviderID,
			stagelog.WithProviderJobID(sub.ProviderJobID), stagelog.WithDuration(elapsed))
		reason := st.Reason
		if reason == "" {
			reason = "provider reported failure without detail"
		}
		return p.lifecycle.Fail(ctx, g, reason)

	default:
		p.log.Error("unknown provider state",
			zap.String("generation_id", g.ID), zap.String("state", st.State))
		return nil
	}
}

// requeueStale 把长期停在 queued 的任务重新投递（消息丢失/worker 全灭的兜底）
func (p *Poller) requeueStale(ctx context.Context) {
	gens, err := p.gens.ListQueuedStale(ctx, p.queuedStaleAfter, pollBatchSize)
	if err != nil {
		p.log.Error("failed to list stale queued generations", zap.Error(err))
		return
	}
	for _, g := range gens {
		if err := p.queue.Publish(g.ID); err != nil {
			p.log.Warn("failed to requeue stale generation",
				zap.String("generation_id", g.ID), zap.Error(err))
			continue
		}
		p.log.Info("requeued stale generation", zap.String("generation_id", g.ID))
	}
}

// rescueProcessing 把超龄停留在 processing 的任务退回 queued 并重投。
// 消息被 ack 之后 worker 才崩溃（领取后、提交前）的记录只有这里能救回来。
func (p *Poller) rescueProcessing(ctx context.Context) {
	gens, err := p.gens.ListProcessingStale(ctx, p.processingStaleAfter, pollBatchSize)
	if err != nil {
		p.log.Error("failed to list stale processing generations", zap.Error(err))
		return
	}
	for _, g := range gens {
		ok, err := p.gens.Transition(ctx, g.ID, []string{models.StatusProcessing}, models.StatusQueued)
		if err != nil {
			p.log.Warn("failed to release stuck generation",
				zap.String("generation_id", g.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue // 并发方已推进
		}
		if err := p.queue.Publish(g.ID); err != nil {
			p.log.Warn("failed to requeue stuck generation",
				zap.String("generation_id", g.ID), zap.Error(err))
			continue
		}
		p.log.Info("requeued stuck processing generation", zap.String("generation_id", g.ID))
	}
}
