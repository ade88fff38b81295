package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"genpipe/models"
	"genpipe/provider"
)

type memGenStore struct {
	mu   sync.Mutex
	gens map[string]*models.Generation
}

func newMemGenStore() *memGenStore {
	return &memGenStore{gens: map[string]*models.Generation{}}
}

func (s *memGenStore) put(g *models.Generation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	s.gens[g.ID] = &cp
}

func (s *memGenStore) Insert(_ context.Context, g *models.Generation) error {
	s.put(g)
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
	for _, g := range s.gens {
		if g.InputHash == hash && g.Status != models.StatusFailed && g.Status != models.StatusCancelled {
			cp := *g
			return &cp, nil
		}
	}
	return nil, nil
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

func (s *memGenStore) backdate(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gens[id]; ok {
		g.CreatedAt = at
		cp := at
		g.StartedAt = &cp
	}
}

func (s *memGenStore) status(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gens[id]; ok {
		return g.Status
	}
	return ""
}

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
			return errors.New("active submission already exists")
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

func (s *memSubStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

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

type memQueue struct {
	mu        sync.Mutex
	published []string
	delayed   []string
}

func (q *memQueue) Publish(generationID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
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

func (q *memQueue) delayedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.delayed...)
}

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

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.persisted)
}

// fakeSelector 记账的假账号选择器
type fakeSelector struct {
	mu          sync.Mutex
	unavailable bool
	selectErr   error
	selected    int
	released    int
}

func (s *fakeSelector) SelectAccount(_ context.Context, _, _ string) (*models.ProviderAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return nil, models.ErrAccountUnavailable
	}
	if s.selectErr != nil {
		return nil, s.selectErr
	}
	s.selected++
	return &models.ProviderAccount{ID: 42, ProviderID: "ark", Credits: 10}, nil
}

func (s *fakeSelector) Release(_ context.Context, _ uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	return nil
}

// fakeAdapter 可编程的 provider 替身
type fakeAdapter struct {
	mu          sync.Mutex
	id          string
	submitRes   *provider.SubmissionResult
	submitErr   error
	statusRes   *provider.StatusResult
	statusErr   error
	submitCalls int
	statusCalls int
}

func (a *fakeAdapter) ID() string { return a.id }

func (a *fakeAdapter) Submit(_ context.Context, _ *models.Generation) (*provider.SubmissionResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitCalls++
	if a.submitErr != nil {
		return nil, a.submitErr
	}
	return a.submitRes, nil
}

func (a *fakeAdapter) CheckStatus(_ context.Context, _ *models.ProviderSubmission) (*provider.StatusResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statusCalls++
	if a.statusErr != nil {
		return nil, a.statusErr
	}
	return a.statusRes, nil
}

func (a *fakeAdapter) MaterializeAssets(_ context.Context, _ *models.ProviderSubmission) ([]*models.Artifact, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.statusErr != nil {
		return nil, a.statusErr
	}
	return a.statusRes.Artifacts, nil
}

type staticProviders map[string]bool

func (p staticProviders) Has(id string) bool { return p[id] }
