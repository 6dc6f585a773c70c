package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/splatbox/backend/internal/models"
	"github.com/splatbox/backend/internal/processing"
	"github.com/splatbox/backend/internal/scenes"
	"github.com/splatbox/backend/pkg/queue"
	"github.com/splatbox/backend/pkg/storage"
)

const testVisibility = time.Minute

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type mockEngine struct{ mock.Mock }

func (m *mockEngine) Process(ctx context.Context, in processing.Input) (*processing.Result, error) {
	args := m.Called(ctx, in)
	res, _ := args.Get(0).(*processing.Result)
	return res, args.Error(1)
}

type fixture struct {
	clock  *fakeClock
	store  *scenes.MemoryRepository
	queue  *queue.MemoryQueue
	engine *mockEngine
	proc   *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:  &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		store:  scenes.NewMemoryRepository(),
		queue:  queue.NewMemoryQueue(),
		engine: &mockEngine{},
	}
	f.store.SetClock(f.clock.Now)
	f.queue.SetClock(f.clock.Now)
	f.proc = NewProcessor(f.store, f.queue, f.engine, ProcessorConfig{
		MaxAttempts:       3,
		VisibilityTimeout: testVisibility,
	}, nil)
	f.proc.SetClock(f.clock.Now)
	return f
}

// seed creates an UPLOADED scene and moves it to QUEUED with its job, the way the gateway does.
func (f *fixture) seed(t *testing.T) *models.SceneRecord {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	rec := &models.SceneRecord{
		ID:                 id,
		ContentFingerprint: "blake2b-256:00",
		OriginalFilename:   "scene.glb",
		DeclaredFormat:     models.FormatGLB,
		BlobKey:            storage.SceneKey(id.String(), "glb"),
		Status:             models.StatusUploaded,
	}
	require.NoError(t, f.store.Create(ctx, rec))
	queued, err := f.store.CompareAndSwapStatusTx(ctx, id, models.StatusUploaded, models.StatusQueued, scenes.Update{},
		func(ctx context.Context, r *models.SceneRecord) error {
			_, err := f.queue.Enqueue(ctx, r.ID)
			return err
		})
	require.NoError(t, err)
	return queued
}

func (f *fixture) get(t *testing.T, id uuid.UUID) *models.SceneRecord {
	t.Helper()
	rec, err := f.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (f *fixture) dequeue(t *testing.T) *queue.Job {
	t.Helper()
	job, err := f.queue.Dequeue(context.Background(), "w1", testVisibility)
	require.NoError(t, err)
	return job
}

// drain handles jobs until the ready list is empty.
func (f *fixture) drain(t *testing.T) int {
	t.Helper()
	handled := 0
	for i := 0; i < 20; i++ {
		job := f.dequeue(t)
		if job == nil {
			return handled
		}
		require.NoError(t, f.proc.Handle(context.Background(), job))
		handled++
	}
	t.Fatal("queue did not drain")
	return handled
}

func success(id uuid.UUID) *processing.Result {
	return &processing.Result{ArtifactKey: storage.ArtifactKey(id.String()), Summary: "ok"}
}

func TestProcessor_CompletesScene(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t)
	f.engine.On("Process", mock.Anything, processing.Input{SceneID: rec.ID, BlobKey: rec.BlobKey, Format: models.FormatGLB}).
		Return(success(rec.ID), nil).Once()

	assert.Equal(t, 1, f.drain(t))

	got := f.get(t, rec.ID)
	assert.Equal(t, models.StatusComplete, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.ArtifactKey)
	assert.Equal(t, storage.ArtifactKey(rec.ID.String()), *got.ArtifactKey)
	assert.Nil(t, got.LastError)

	ready, inFlight := f.queue.Len()
	assert.Zero(t, ready)
	assert.Zero(t, inFlight)
	f.engine.AssertExpectations(t)
}

func TestProcessor_IdempotentCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := f.seed(t)
	f.engine.On("Process", mock.Anything, mock.Anything).Return(success(rec.ID), nil).Once()
	f.drain(t)
	before := f.get(t, rec.ID)

	// Duplicate delivery of the same logical work.
	f.clock.Advance(time.Second)
	_, err := f.queue.Enqueue(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.drain(t))

	assert.Equal(t, before, f.get(t, rec.ID))
	f.engine.AssertNumberOfCalls(t, "Process", 1)
	_, inFlight := f.queue.Len()
	assert.Zero(t, inFlight)
}

func TestProcessor_PermanentFailureDoesNotRetry(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t)
	f.engine.On("Process", mock.Anything, mock.Anything).
		Return(nil, processing.PermanentError("invalid glb", errors.New("bad magic"))).Once()

	f.drain(t)

	got := f.get(t, rec.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "bad magic")
	assert.Len(t, f.queue.Enqueued(), 1)
	f.engine.AssertExpectations(t)
}

func TestProcessor_TransientTwiceThenSuccess(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t)
	f.engine.On("Process", mock.Anything, mock.Anything).
		Return(nil, processing.TransientError("read source blob", errors.New("timeout"))).Twice()
	f.engine.On("Process", mock.Anything, mock.Anything).Return(success(rec.ID), nil).Once()

	assert.Equal(t, 3, f.drain(t))

	got := f.get(t, rec.ID)
	assert.Equal(t, models.StatusComplete, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
	assert.Nil(t, got.LastError)
	// One job from the upload plus one per retry, and nothing left behind.
	assert.Len(t, f.queue.Enqueued(), 3)
	ready, inFlight := f.queue.Len()
	assert.Zero(t, ready+inFlight)
	f.engine.AssertExpectations(t)
}

func TestProcessor_BoundedRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := f.seed(t)
	f.engine.On("Process", mock.Anything, mock.Anything).Return(nil, errors.New("unclassified"))

	f.drain(t)

	got := f.get(t, rec.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "attempt 3/3")
	f.engine.AssertNumberOfCalls(t, "Process", 3)

	// FAILED stays FAILED on redelivery.
	_, err := f.queue.Enqueue(ctx, rec.ID)
	require.NoError(t, err)
	f.drain(t)
	assert.Equal(t, got, f.get(t, rec.ID))
	f.engine.AssertNumberOfCalls(t, "Process", 3)
}

func TestProcessor_QueuedWithSpentBudgetFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := uuid.New()
	require.NoError(t, f.store.Create(ctx, &models.SceneRecord{
		ID: id, DeclaredFormat: models.FormatSplat, BlobKey: "scenes/x/source.splat",
		Status: models.StatusQueued, AttemptCount: 3,
	}))
	_, err := f.queue.Enqueue(ctx, id)
	require.NoError(t, err)

	f.drain(t)

	got := f.get(t, id)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
	f.engine.AssertNotCalled(t, "Process", mock.Anything, mock.Anything)
}

func TestProcessor_CrashRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := f.seed(t)

	// A worker claims the scene and dies before acknowledging.
	lost := f.dequeue(t)
	require.NotNil(t, lost)
	_, err := f.store.CompareAndSwapStatus(ctx, rec.ID, models.StatusQueued, models.StatusProcessing, scenes.Update{IncrementAttempt: true})
	require.NoError(t, err)
	assert.Nil(t, f.dequeue(t), "delivery is invisible while in flight")

	f.clock.Advance(testVisibility + time.Second)
	f.engine.On("Process", mock.Anything, mock.Anything).Return(success(rec.ID), nil).Once()

	redelivered := f.dequeue(t)
	require.NotNil(t, redelivered)
	assert.Equal(t, lost.ID, redelivered.ID)
	assert.NotEqual(t, lost.DeliveryToken, redelivered.DeliveryToken)
	require.NoError(t, f.proc.Handle(ctx, redelivered))

	got := f.get(t, rec.ID)
	assert.Equal(t, models.StatusComplete, got.Status)
	assert.Equal(t, 2, got.AttemptCount)

	// The dead worker's token is gone.
	assert.ErrorIs(t, f.queue.Acknowledge(ctx, lost.DeliveryToken), queue.ErrUnknownToken)
}

func TestProcessor_CrashOnLastAttemptFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := uuid.New()
	require.NoError(t, f.store.Create(ctx, &models.SceneRecord{
		ID: id, DeclaredFormat: models.FormatGLB, BlobKey: "scenes/y/source.glb",
		Status: models.StatusProcessing, AttemptCount: 3,
	}))
	_, err := f.queue.Enqueue(ctx, id)
	require.NoError(t, err)
	f.clock.Advance(testVisibility + time.Second)

	f.drain(t)

	got := f.get(t, id)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
	f.engine.AssertNotCalled(t, "Process", mock.Anything, mock.Anything)
}

func TestProcessor_DefersSceneOwnedByAnotherWorker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := f.seed(t)
	claimed, err := f.store.CompareAndSwapStatus(ctx, rec.ID, models.StatusQueued, models.StatusProcessing, scenes.Update{IncrementAttempt: true})
	require.NoError(t, err)

	f.drain(t)

	got := f.get(t, rec.ID)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	f.engine.AssertNotCalled(t, "Process", mock.Anything, mock.Anything)
	ready, inFlight := f.queue.Len()
	assert.Zero(t, ready)
	assert.Equal(t, 1, inFlight, "duplicate kept until the owner finishes")

	// The owner completes; the held delivery is acknowledged on its next look.
	_, err = f.store.CompareAndSwapStatus(ctx, claimed.ID, models.StatusProcessing, models.StatusComplete, scenes.Update{})
	require.NoError(t, err)
	f.clock.Advance(testVisibility + 2*time.Second)
	assert.Equal(t, 1, f.drain(t))
	ready, inFlight = f.queue.Len()
	assert.Zero(t, ready+inFlight)
	f.engine.AssertNotCalled(t, "Process", mock.Anything, mock.Anything)
}

func TestProcessor_CrashRecoveryAtVisibilityDeadline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := f.seed(t)

	// The claim lands a little after the dequeue, then the worker dies.
	lost := f.dequeue(t)
	require.NotNil(t, lost)
	f.clock.Advance(200 * time.Millisecond)
	_, err := f.store.CompareAndSwapStatus(ctx, rec.ID, models.StatusQueued, models.StatusProcessing, scenes.Update{IncrementAttempt: true})
	require.NoError(t, err)

	// Redelivery right at the deadline still sees a fresh record.
	f.clock.Advance(testVisibility - 100*time.Millisecond)
	redelivered := f.dequeue(t)
	require.NotNil(t, redelivered)
	require.NoError(t, f.proc.Handle(ctx, redelivered))
	assert.Equal(t, models.StatusProcessing, f.get(t, rec.ID).Status)
	ready, inFlight := f.queue.Len()
	assert.Zero(t, ready)
	assert.Equal(t, 1, inFlight, "the only job must not be dropped")

	// No sweeper runs here: the held delivery alone finishes the scene.
	f.engine.On("Process", mock.Anything, mock.Anything).Return(success(rec.ID), nil).Once()
	f.clock.Advance(staleSlack + 100*time.Millisecond)
	assert.Equal(t, 1, f.drain(t))

	got := f.get(t, rec.ID)
	assert.Equal(t, models.StatusComplete, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	ready, inFlight = f.queue.Len()
	assert.Zero(t, ready+inFlight)
	f.engine.AssertExpectations(t)
}

func TestProcessor_RequeueFailureFallsBackToRedelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := f.seed(t)
	f.engine.On("Process", mock.Anything, mock.Anything).
		Return(nil, processing.TransientError("read source blob", errors.New("timeout"))).Once()
	f.engine.On("Process", mock.Anything, mock.Anything).Return(success(rec.ID), nil).Once()

	job := f.dequeue(t)
	f.queue.FailEnqueue = queue.ErrUnavailable
	require.NoError(t, f.proc.Handle(ctx, job))

	got := f.get(t, rec.ID)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Len(t, f.queue.Enqueued(), 1, "no second job")
	ready, inFlight := f.queue.Len()
	assert.Zero(t, ready)
	assert.Equal(t, 1, inFlight, "original delivery left to expire")

	f.queue.FailEnqueue = nil
	f.clock.Advance(testVisibility + time.Second)
	assert.Equal(t, 1, f.drain(t))

	got = f.get(t, rec.ID)
	assert.Equal(t, models.StatusComplete, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
}

func TestProcessor_DefersJobForUncommittedScene(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := uuid.New()
	require.NoError(t, f.store.Create(ctx, &models.SceneRecord{
		ID: id, DeclaredFormat: models.FormatGLTF, BlobKey: "scenes/z/source.gltf", Status: models.StatusUploaded,
	}))
	_, err := f.queue.Enqueue(ctx, id)
	require.NoError(t, err)

	require.NoError(t, f.proc.Handle(ctx, f.dequeue(t)))
	ready, inFlight := f.queue.Len()
	assert.Zero(t, ready)
	assert.Equal(t, 1, inFlight)
	assert.Nil(t, f.dequeue(t))

	f.clock.Advance(DefaultPendingDelay + time.Second)
	again := f.dequeue(t)
	require.NotNil(t, again)

	// Past a full visibility window the job is dropped and the sweeper takes over.
	f.clock.Advance(testVisibility)
	require.NoError(t, f.proc.Handle(ctx, again))
	ready, inFlight = f.queue.Len()
	assert.Zero(t, ready+inFlight)
	assert.Equal(t, models.StatusUploaded, f.get(t, id).Status)
	f.engine.AssertNotCalled(t, "Process", mock.Anything, mock.Anything)
}

func TestProcessor_UnknownSceneIsDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.queue.Enqueue(ctx, uuid.New())
	require.NoError(t, err)

	assert.Equal(t, 1, f.drain(t))
	ready, inFlight := f.queue.Len()
	assert.Zero(t, ready+inFlight)
}

func TestProcessor_StatusSequenceIsMonotonic(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t)
	notifier := scenes.NewLocalNotifier()
	var mu sync.Mutex
	var seen []models.Status
	cancel, err := notifier.Subscribe(context.Background(), rec.ID, func(e scenes.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.To)
	})
	require.NoError(t, err)
	defer cancel()
	f.proc.store = scenes.NewNotifyingStore(f.store, notifier, nil)

	f.engine.On("Process", mock.Anything, mock.Anything).
		Return(nil, processing.TransientError("timeout", nil)).Once()
	f.engine.On("Process", mock.Anything, mock.Anything).Return(success(rec.ID), nil).Once()

	f.drain(t)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.Status{
		models.StatusProcessing, models.StatusQueued, models.StatusProcessing, models.StatusComplete,
	}, seen)
	for i := 1; i < len(seen); i++ {
		assert.True(t, models.CanTransition(seen[i-1], seen[i]), "%s -> %s", seen[i-1], seen[i])
	}
}
