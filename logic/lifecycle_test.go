package logic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"genpipe/models"
	"genpipe/pkg/stagelog"
)

type lifecycleFixture struct {
	lc       *Lifecycle
	gens     *memGenStore
	subs     *memSubStore
	cache    *memCache
	sink     *memSink
	queue    *memQueue
	notifier *memNotifier
}

func newLifecycleFixture(t *testing.T, maxAttempts int) *lifecycleFixture {
	t.Helper()
	gens := newMemGenStore()
	subs := newMemSubStore()
	cache := newMemCache()
	sink := &memSink{}
	queue := &memQueue{}
	notifier := &memNotifier{}
	stages := stagelog.New(zap.NewNop())
	creation := NewCreationService(gens, cache, queue, staticProviders{"ark": true}, stages, zap.NewNop())
	retry := NewRetryController(creation, maxAttempts, true, stages, zap.NewNop())
	lc := NewLifecycle(gens, subs, cache, sink, retry, notifier, stages, zap.NewNop())
	return &lifecycleFixture{lc: lc, gens: gens, subs: subs, cache: cache, sink: sink, queue: queue, notifier: notifier}
}

func (f *lifecycleFixture) seed(t *testing.T, status string) *models.Generation {
	t.Helper()
	g := &models.Generation{
		ID:            "gen-1",
		UserID:        7,
		OperationType: models.OpTextToVideo,
		ProviderID:    "ark",
		Params:        `{"prompt":"a cat"}`,
		InputHash:     "hash-1",
		Status:        status,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, f.gens.Insert(context.Background(), g))
	return g
}

func TestCompletePersistsArtifactsThenMarks(t *testing.T) {
	f := newLifecycleFixture(t, 10)
	g := f.seed(t, models.StatusPolling)
	sub := &models.ProviderSubmission{ID: "sub-1", GenerationID: g.ID, State: models.SubmissionActive}
	require.NoError(t, f.subs.Insert(context.Background(), sub))

	arts := []*models.Artifact{{MediaType: "video/mp4", RemoteURL: "https://cdn/v.mp4"}}
	require.NoError(t, f.lc.Complete(context.Background(), g, arts, sub.ID))

	stored, err := f.gens.GetByID(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Len(t, f.sink.persisted, 1)
	assert.Equal(t, g.ID, f.sink.persisted[0].GenerationID)

	closed, err := f.subs.ActiveByGeneration(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Nil(t, closed)
	assert.Equal(t, []string{"7"}, f.notifier.topics)
}

func TestFailClassifiesAndSpawnsRetry(t *testing.T) {
	f := newLifecycleFixture(t, 10)
	g := f.seed(t, models.StatusProcessing)

	require.NoError(t, f.lc.Fail(context.Background(), g, "429 too many requests"))

	stored, err := f.gens.GetByID(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, models.ErrKindTransient, stored.ErrorKind)

	// 自动重试生成了挂在失败记录上的子任务并已入队
	ids := f.queue.publishedIDs()
	require.Len(t, ids, 1)
	child, err := f.gens.GetByID(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, g.ID, *child.ParentGenerationID)
	assert.Equal(t, 1, child.RetryCount)
	assert.Equal(t, models.StatusQueued, child.Status)
}

func TestFailFatalNoRetry(t *testing.T) {
	f := newLifecycleFixture(t, 10)
	g := f.seed(t, models.StatusProcessing)

	require.NoError(t, f.lc.Fail(context.Background(), g, "invalid api key"))

	stored, _ := f.gens.GetByID(context.Background(), g.ID)
	assert.Equal(t, models.ErrKindFatal, stored.ErrorKind)
	assert.Empty(t, f.queue.publishedIDs())
}

func TestFailIdempotentOnTerminal(t *testing.T) {
	f := newLifecycleFixture(t, 10)
	g := f.seed(t, models.StatusProcessing)

	require.NoError(t, f.lc.Fail(context.Background(), g, "timeout"))
	before := len(f.queue.publishedIDs())

	// 第二次 Fail 不再改状态、不再触发重试
	require.NoError(t, f.lc.Fail(context.Background(), g, "timeout"))
	assert.Equal(t, before, len(f.queue.publishedIDs()))
}

func TestFailClosesActiveSubmission(t *testing.T) {
	f := newLifecycleFixture(t, 10)
	g := f.seed(t, models.StatusPolling)
	require.NoError(t, f.subs.Insert(context.Background(), &models.ProviderSubmission{
		ID: "sub-1", GenerationID: g.ID, State: models.SubmissionActive,
	}))

	require.NoError(t, f.lc.Fail(context.Background(), g, "internal error"))

	active, err := f.subs.ActiveByGeneration(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Nil(t, active)
	assert.Equal(t, models.SubmissionFailed, f.subs.subs["sub-1"].State)
}

func TestCancel(t *testing.T) {
	f := newLifecycleFixture(t, 10)
	g := f.seed(t, models.StatusSubmitted)
	require.NoError(t, f.subs.Insert(context.Background(), &models.ProviderSubmission{
		ID: "sub-1", GenerationID: g.ID, State: models.SubmissionActive,
	}))
	f.cache.entries[g.InputHash] = g.ID

	got, err := f.lc.Cancel(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, models.SubmissionAbandoned, f.subs.subs["sub-1"].State)

	// 指纹释放后同参数请求可以重新创建
	v, err := f.cache.Lookup(context.Background(), g.InputHash)
	require.NoError(t, err)
	assert.Empty(t, v)

	// 取消是终态，重复取消报错
	_, err = f.lc.Cancel(context.Background(), g.ID)
	assert.ErrorIs(t, err, models.ErrNotCancellable)
}

func TestCancelTerminalRejected(t *testing.T) {
	f := newLifecycleFixture(t, 10)
	g := f.seed(t, models.StatusCompleted)

	_, err := f.lc.Cancel(context.Background(), g.ID)
	assert.ErrorIs(t, err, models.ErrNotCancellable)
}
