package logic

import (
	"context"
	"errors"
	"sync"
	"time"

	"genpipe/models"
)

var errActiveSubmission = errors.New("active submission already exists")

// 内存版 GenerationStore，只实现测试需要的语义（受保护迁移、终态守卫）
type memGenStore struct {
	mu   sync.Mutex
	gens map[string]*models.Generation
}

func newMemGenStore() *memGenStore {
	return &memGenStore{gens: map[string]*models.Generation{}}
}

func (s *memGenStore) Insert(_ context.Context, g *models.Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	s.gens[g.ID] = &cp
	return nil
}

func (s *memGenStore) GetByID(_ context.Context, id string) (*models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gens[id]
	if !ok {
		return nil, models.ErrGenerationNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *memGenStore) FindReusableByHash(_ context.Context, hash string) (*models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Generation
	for _, g := range s.gens {
		if g.InputHash != hash || g.Status == models.StatusFailed || g.Status == models.StatusCancelled {
			continue
		}
		if best == nil || g.CreatedAt.After(best.CreatedAt) {
			best = g
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *memGenStore) Transition(_ context.Context, id string, from []string, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gens[id]
	if !ok {
		return false, models.ErrGenerationNotFound
	}
	for _, f := range from {
		if g.Status == f {
			g.Status = to
			if to == models.StatusProcessing {
				now := time.Now()
				g.StartedAt = &now
			}
			return true, nil
		}
	}
	return false, nil
}

func (s *memGenStore) MarkCompleted(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gens[id]
	if !ok || g.Terminal() {
		return false, nil
	}
	g.Status = models.StatusCompleted
	now := time.Now()
	g.CompletedAt = &now
	return true, nil
}

func (s *memGenStore) MarkFailed(_ context.Context, id, kind, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gens[id]
	if !ok || g.Terminal() {
		return false, nil
	}
	g.Status = models.StatusFailed
	g.ErrorKind = kind
	g.ErrorMessage = message
	now := time.Now()
	g.CompletedAt = &now
	return true, nil
}

func (s *memGenStore) ListInFlightOlderThan(_ context.Context, age time.Duration, limit int) ([]*models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-age)
	var out []*models.Generation
	for _, g := range s.gens {
		if (g.Status == models.StatusSubmitted || g.Status == models.StatusPolling) && g.CreatedAt.Before(cutoff) {
			cp := *g
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memGenStore) ListQueuedStale(_ context.Context, age time.Duration, limit int) ([]*models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-age)
	var out []*models.Generation
	for _, g := range s.gens {
		if g.Status == models.StatusQueued && g.CreatedAt.Before(cutoff) {
			cp := *g
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memGenStore) ListProcessingStale(_ context.Context, age time.Duration, limit int) ([]*models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-age)
	var out []*models.Generation
	for _, g := range s.gens {
		if g.Status != models.StatusProcessing {
			continue
		}
		since := g.CreatedAt
		if g.StartedAt != nil {
			since = *g.StartedAt
		}
		if since.Before(cutoff) {
			cp := *g
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// 内存版 SubmissionStore，守住"每个 generation 至多一条 active"
type memSubStore struct {
	mu   sync.Mutex
	subs map[string]*models.ProviderSubmission
}

func newMemSubStore() *memSubStore {
	return &memSubStore{subs: map[string]*models.ProviderSubmission{}}
}

func (s *memSubStore) Insert(_ context.Context, sub *models.ProviderSubmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.subs {
		if existing.GenerationID == sub.GenerationID && existing.State == models.SubmissionActive {
			return errActiveSubmission
		}
	}
	cp := *sub
	s.subs[sub.ID] = &cp
	return nil
}

func (s *memSubStore) ActiveByGeneration(_ context.Context, generationID string) (*models.ProviderSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.GenerationID == generationID && sub.State == models.SubmissionActive {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memSubStore) MarkPolled(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok {
		now := time.Now()
		sub.LastPolledAt = &now
	}
	return nil
}

func (s *memSubStore) Close(_ context.Context, id, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok && sub.State == models.SubmissionActive {
		sub.State = state
	}
	return nil
}

// 内存版指纹索引
type memCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func newMemCache() *memCache {
	return &memCache{entries: map[string]string{}}
}

func (c *memCache) Claim(_ context.Context, hash, generationID string) (bool, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[hash]; ok {
		return false, existing, nil
	}
	c.entries[hash] = generationID
	return true, "", nil
}

func (c *memCache) Lookup(_ context.Context, hash string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[hash], nil
}

func (c *memCache) Release(_ context.Context, hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, hash)
	return nil
}

// 记录每条投递的假队列
type memQueue struct {
	mu        sync.Mutex
	published []string
	delayed   []string
	failNext  error
}

func (q *memQueue) Publish(generationID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failNext != nil {
		err := q.failNext
		q.failNext = nil
		return err
	}
	q.published = append(q.published, generationID)
	return nil
}

func (q *memQueue) PublishDelayed(generationID string, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed = append(q.delayed, generationID)
	return nil
}

func (q *memQueue) publishedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.published...)
}

type staticProviders map[string]bool

func (p staticProviders) Has(id string) bool { return p[id] }

// 丢弃产物内容，只登记归档次数
type memSink struct {
	mu        sync.Mutex
	persisted []*models.Artifact
}

func (s *memSink) PersistArtifact(_ context.Context, generationID string, a *models.Artifact) (*models.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	cp.GenerationID = generationID
	s.persisted = append(s.persisted, &cp)
	return &cp, nil
}

type memNotifier struct {
	mu     sync.Mutex
	topics []string
}

func (n *memNotifier) PublishTopic(topic string, _ []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.topics = append(n.topics, topic)
}
