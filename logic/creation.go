package logic

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"genpipe/models"
	"genpipe/pkg/fingerprint"
	"genpipe/pkg/stagelog"
)

// 支持的操作类型集合
var supportedOps = map[string]bool{
	models.OpTextToVideo:  true,
	models.OpImageToVideo: true,
	models.OpTextToImage:  true,
	models.OpVideoToText:  true,
}

// CreationService 流水线入口：校验、去重、落库、入队
type CreationService struct {
	gens      GenerationStore
	cache     CacheIndex
	queue     Publisher
	providers ProviderSet
	stages    *stagelog.Logger
	log       *zap.Logger
}

func NewCreationService(gens GenerationStore, cache CacheIndex, queue Publisher, providers ProviderSet, stages *stagelog.Logger, log *zap.Logger) *CreationService {
	return &CreationService{
		gens:      gens,
		cache:     cache,
		queue:     queue,
		providers: providers,
		stages:    stages,
		log:       log,
	}
}

// Create 幂等创建：同一指纹存在未失败/未取消的记录时直接返回该记录（reused=true），
// 否则落一条 pending 记录并投递恰好一条队列消息。
func (s *CreationService) Create(ctx context.Context, req *models.CreateGenerationRequest) (*models.Generation, bool, error) {
	return s.create(ctx, req, nil, 0, false)
}

// CreateRetry 自动重试入口：绕过去重（失败的前序不能挡住重试），
// 并把新记录挂到失败记录的重试链上。
func (s *CreationService) CreateRetry(ctx context.Context, parent *models.Generation) (*models.Generation, error) {
	// parent.Params 已经是规范化 JSON，直接透传，不再重算指纹
	req := &models.CreateGenerationRequest{
		UserID:        parent.UserID,
		WorkspaceID:   parent.WorkspaceID,
		OperationType: parent.OperationType,
		ProviderID:    parent.ProviderID,
	}
	parentID := parent.ID
	child, _, err := s.insertAndEnqueue(ctx, req, parent.Params, parent.InputHash, &parentID, parent.RetryCount+1, true)
	return child, err
}

func (s *CreationService) create(ctx context.Context, req *models.CreateGenerationRequest, parentID *string, retryCount int, bypassDedup bool) (*models.Generation, bool, error) {
	// 1. 同步校验，任何持久化/哈希之前完成
	if err := s.validate(req); err != nil {
		return nil, false, err
	}

	// 2. 规范化参数并计算指纹
	canonical, err := fingerprint.Canonicalize(req.Params)
	if err != nil {
		return nil, false, &models.ValidationError{Field: "params", Reason: err.Error()}
	}
	hash := fingerprint.Compute(req.OperationType, req.ProviderID, canonical)

	// 3. 去重：completed 或仍在推进中的记录直接复用
	if !bypassDedup {
		if existing, err := s.dedupLookup(ctx, hash); err != nil {
			return nil, false, err
		} else if existing != nil {
			s.log.Debug("dedup hit", zap.String("input_hash", hash), zap.String("generation_id", existing.ID))
			return existing, true, nil
		}
	}

	return s.insertAndEnqueue(ctx, req, canonical, hash, parentID, retryCount, bypassDedup)
}

func (s *CreationService) validate(req *models.CreateGenerationRequest) error {
	if req.UserID == 0 {
		return &models.ValidationError{Field: "user_id", Reason: "required"}
	}
	if req.Params == nil {
		return &models.ValidationError{Field: "params", Reason: "required"}
	}
	if !supportedOps[req.OperationType] {
		return &models.ValidationError{Field: "operation_type", Reason: "unsupported: " + req.OperationType}
	}
	if req.ProviderID == "" || !s.providers.Has(req.ProviderID) {
		return &models.ValidationError{Field: "provider_id", Reason: "unknown provider: " + req.ProviderID}
	}
	return nil
}

// dedupLookup 先查 MySQL 真值，再核对 redis 快路径；
// 指向失败/取消记录的脏缓存条目顺手清掉。
func (s *CreationService) dedupLookup(ctx context.Context, hash string) (*models.Generation, error) {
	g, err := s.gens.FindReusableByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if g != nil {
		return g, nil
	}
	cached, err := s.cache.Lookup(ctx, hash)
	if err != nil {
		s.log.Warn("cache lookup failed, falling through", zap.Error(err))
		return nil, nil
	}
	if cached == "" {
		return nil, nil
	}
	winner, takeover, err := s.resolveClaim(ctx, cached)
	if err != nil {
		return nil, err
	}
	if winner != nil {
		return winner, nil
	}
	if takeover {
		// 条目指向已终态的记录，清掉以便重新创建
		if err := s.cache.Release(ctx, hash); err != nil {
			s.log.Warn("failed to drop stale cache entry", zap.String("input_hash", hash), zap.Error(err))
		}
	}
	return nil, nil
}

const (
	claimLookupRetries = 3
	claimLookupDelay   = 50 * time.Millisecond
)

// resolveClaim 处理指纹已被并发方占用的情况。
// 占用者记录存在且未终态 -> 复用该记录；已终态 -> 允许接管；
// 记录查不到说明对方正处在 Claim 和 Insert 之间，短暂等待后按冲突处理，
// 绝不在此时接管（接管会造出同指纹的第二条在途记录）。
func (s *CreationService) resolveClaim(ctx context.Context, ownerID string) (*models.Generation, bool, error) {
	for attempt := 0; ; attempt++ {
		winner, err := s.gens.GetByID(ctx, ownerID)
		if err == nil {
			if winner.Status != models.StatusFailed && winner.Status != models.StatusCancelled {
				return winner, false, nil
			}
			return nil, true, nil
		}
		if !errors.Is(err, models.ErrGenerationNotFound) {
			return nil, false, err
		}
		if attempt >= claimLookupRetries {
			return nil, false, models.ErrCreateConflict
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(claimLookupDelay):
		}
	}
}

func (s *CreationService) insertAndEnqueue(ctx context.Context, req *models.CreateGenerationRequest, canonical, hash string, parentID *string, retryCount int, bypassDedup bool) (*models.Generation, bool, error) {
	g := &models.Generation{
		ID:                 uuid.New().String(),
		UserID:             req.UserID,
		WorkspaceID:        req.WorkspaceID,
		OperationType:      req.OperationType,
		ProviderID:         req.ProviderID,
		Params:             canonical,
		InputHash:          hash,
		Status:             models.StatusPending,
		ParentGenerationID: parentID,
		RetryCount:         retryCount,
		CreatedAt:          time.Now(),
	}

	// 用 SETNX 抢占指纹；抢不到说明并发方持有同指纹
	if !bypassDedup {
		ok, existing, err := s.cache.Claim(ctx, hash, g.ID)
		if err != nil {
			s.log.Warn("cache claim failed, proceeding on database truth", zap.Error(err))
		} else if !ok && existing != "" && existing != g.ID {
			winner, takeover, rerr := s.resolveClaim(ctx, existing)
			if rerr != nil {
				return nil, false, rerr
			}
			if winner != nil {
				return winner, true, nil
			}
			if takeover {
				// 占用者已终态，接管条目
				_ = s.cache.Release(ctx, hash)
				_, _, _ = s.cache.Claim(ctx, hash, g.ID)
			}
		}
	} else {
		// 重试记录接管指纹，让后续相同请求去重到重试上
		_, _, _ = s.cache.Claim(ctx, hash, g.ID)
	}

	if err := s.gens.Insert(ctx, g); err != nil {
		_ = s.cache.Release(ctx, hash)
		return nil, false, err
	}

	s.stages.Emit(stagelog.PipelineStart, g.ID, g.OperationType, g.ProviderID,
		stagelog.WithAttempt(g.RetryCount))

	// 恰好一条队列消息；投递失败时记录为失败而不是留下悬空 pending
	if err := s.queue.Publish(g.ID); err != nil {
		s.log.Error("failed to enqueue generation", zap.String("generation_id", g.ID), zap.Error(err))
		_, _ = s.gens.MarkFailed(ctx, g.ID, models.ErrKindTransient, "failed to enqueue: "+err.Error())
		_ = s.cache.Release(ctx, hash)
		return nil, false, err
	}
	if _, err := s.gens.Transition(ctx, g.ID, []string{models.StatusPending}, models.StatusQueued); err != nil {
		return nil, false, err
	}
	g.Status = models.StatusQueued
	return g, false, nil
}
