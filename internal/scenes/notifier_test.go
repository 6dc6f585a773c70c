package scenes

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/splatbox/backend/internal/models"
)

type failingNotifier struct{ calls int }

func (f *failingNotifier) Publish(context.Context, Event) error {
	f.calls++
	return errors.New("redis down")
}

func collect(t *testing.T, n *LocalNotifier, id uuid.UUID) *[]Event {
	t.Helper()
	var events []Event
	cancel, err := n.Subscribe(context.Background(), id, func(e Event) { events = append(events, e) })
	require.NoError(t, err)
	t.Cleanup(cancel)
	return &events
}

func TestNotifyingStore_PublishesTransitions(t *testing.T) {
	ctx := context.Background()
	notifier := NewLocalNotifier()
	store := NewNotifyingStore(NewMemoryRepository(), notifier, nil)
	rec := newRecord("fp", "scene.glb")
	events := collect(t, notifier, rec.ID)

	require.NoError(t, store.Create(ctx, rec))
	_, err := store.CompareAndSwapStatusTx(ctx, rec.ID, models.StatusUploaded, models.StatusQueued, Update{}, nil)
	require.NoError(t, err)
	_, err = store.CompareAndSwapStatus(ctx, rec.ID, models.StatusQueued, models.StatusProcessing, Update{IncrementAttempt: true})
	require.NoError(t, err)
	// Heartbeats do not change the status and are not published.
	_, err = store.CompareAndSwapStatus(ctx, rec.ID, models.StatusProcessing, models.StatusProcessing, Update{})
	require.NoError(t, err)
	reason := "bad magic"
	_, err = store.CompareAndSwapStatus(ctx, rec.ID, models.StatusProcessing, models.StatusFailed, Update{LastError: &reason})
	require.NoError(t, err)

	require.Len(t, *events, 4)
	got := *events
	assert.Equal(t, models.Status(""), got[0].From)
	assert.Equal(t, models.StatusUploaded, got[0].To)
	assert.Equal(t, models.StatusQueued, got[1].To)
	assert.Equal(t, models.StatusProcessing, got[2].To)
	assert.Equal(t, 1, got[2].AttemptCount)
	assert.Equal(t, models.StatusProcessing, got[3].From)
	assert.Equal(t, models.StatusFailed, got[3].To)
	assert.Equal(t, reason, got[3].LastError)
}

func TestNotifyingStore_PublishesResumedAttempt(t *testing.T) {
	ctx := context.Background()
	notifier := NewLocalNotifier()
	store := NewNotifyingStore(NewMemoryRepository(), notifier, nil)
	rec := newRecord("fp", "scene.glb")
	require.NoError(t, store.Create(ctx, rec))
	_, err := store.CompareAndSwapStatus(ctx, rec.ID, models.StatusUploaded, models.StatusQueued, Update{})
	require.NoError(t, err)
	_, err = store.CompareAndSwapStatus(ctx, rec.ID, models.StatusQueued, models.StatusProcessing, Update{IncrementAttempt: true})
	require.NoError(t, err)
	events := collect(t, notifier, rec.ID)

	// A crashed attempt is resumed in place.
	_, err = store.CompareAndSwapStatus(ctx, rec.ID, models.StatusProcessing, models.StatusProcessing, Update{IncrementAttempt: true})
	require.NoError(t, err)
	_, err = store.CompareAndSwapStatus(ctx, rec.ID, models.StatusProcessing, models.StatusProcessing, Update{})
	require.NoError(t, err)

	require.Len(t, *events, 1)
	got := (*events)[0]
	assert.Equal(t, models.StatusProcessing, got.From)
	assert.Equal(t, models.StatusProcessing, got.To)
	assert.Equal(t, 2, got.AttemptCount)
}

func TestNotifyingStore_NoEventOnFailedSwap(t *testing.T) {
	ctx := context.Background()
	notifier := NewLocalNotifier()
	store := NewNotifyingStore(NewMemoryRepository(), notifier, nil)
	rec := newRecord("fp", "scene.glb")
	require.NoError(t, store.Create(ctx, rec))
	events := collect(t, notifier, rec.ID)

	_, err := store.CompareAndSwapStatusTx(ctx, rec.ID, models.StatusUploaded, models.StatusQueued, Update{},
		func(context.Context, *models.SceneRecord) error { return errors.New("enqueue failed") })
	require.Error(t, err)
	_, err = store.CompareAndSwapStatus(ctx, rec.ID, models.StatusQueued, models.StatusProcessing, Update{})
	require.ErrorIs(t, err, models.ErrConflict)

	assert.Empty(t, *events)
}

func TestNotifyingStore_PublishErrorsAreSwallowed(t *testing.T) {
	ctx := context.Background()
	notifier := &failingNotifier{}
	store := NewNotifyingStore(NewMemoryRepository(), notifier, nil)
	rec := newRecord("fp", "scene.glb")

	require.NoError(t, store.Create(ctx, rec))
	_, err := store.CompareAndSwapStatus(ctx, rec.ID, models.StatusUploaded, models.StatusQueued, Update{})
	require.NoError(t, err)
	assert.Equal(t, 2, notifier.calls)
}

func TestLocalNotifier_Unsubscribe(t *testing.T) {
	ctx := context.Background()
	n := NewLocalNotifier()
	id := uuid.New()
	calls := 0
	cancel, err := n.Subscribe(ctx, id, func(Event) { calls++ })
	require.NoError(t, err)

	require.NoError(t, n.Publish(ctx, Event{SceneID: id, To: models.StatusQueued}))
	require.NoError(t, n.Publish(ctx, Event{SceneID: uuid.New(), To: models.StatusQueued}))
	cancel()
	require.NoError(t, n.Publish(ctx, Event{SceneID: id, To: models.StatusProcessing}))

	assert.Equal(t, 1, calls)
}

func TestRedisNotifier_RoundTrip(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION not set")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "docker.io/redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })
	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })

	n := NewRedisNotifier(client, nil)
	id := uuid.New()
	got := make(chan Event, 1)
	cancel, err := n.Subscribe(ctx, id, func(e Event) { got <- e })
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, n.Publish(ctx, Event{SceneID: id, From: models.StatusQueued, To: models.StatusProcessing, AttemptCount: 1}))
	select {
	case e := <-got:
		assert.Equal(t, id, e.SceneID)
		assert.Equal(t, models.StatusProcessing, e.To)
		assert.Equal(t, 1, e.AttemptCount)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}
