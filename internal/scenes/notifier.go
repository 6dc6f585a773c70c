package scenes

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/splatbox/backend/internal/models"
)

const (
	channelPrefix  = "scene:"
	publishTimeout = 5 * time.Second
)

// Event is a status change of one scene.
type Event struct {
	SceneID      uuid.UUID     `json:"scene_id"`
	From         models.Status `json:"from,omitempty"`
	To           models.Status `json:"to"`
	AttemptCount int           `json:"attempt_count"`
	LastError    string        `json:"last_error,omitempty"`
	At           time.Time     `json:"at"`
}

// Notifier publishes scene status changes.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber delivers status changes of one scene to handler until cancel is called.
type Subscriber interface {
	Subscribe(ctx context.Context, sceneID uuid.UUID, handler func(Event)) (cancel func(), err error)
}

// RedisNotifier fans status events out over Redis pub/sub so any API
// instance can stream them.
type RedisNotifier struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisNotifier creates a Redis pub/sub notifier.
func NewRedisNotifier(client *redis.Client, logger *zap.Logger) *RedisNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisNotifier{client: client, logger: logger}
}

func channelFor(id uuid.UUID) string { return channelPrefix + id.String() }

// Publish sends ev to the scene's channel.
func (n *RedisNotifier) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return n.client.Publish(ctx, channelFor(ev.SceneID), body).Err()
}

// Subscribe listens on the scene's channel in a goroutine.
func (n *RedisNotifier) Subscribe(ctx context.Context, sceneID uuid.UUID, handler func(Event)) (func(), error) {
	ctx, cancelCtx := context.WithCancel(ctx)
	pubsub := n.client.Subscribe(ctx, channelFor(sceneID))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					n.logger.Warn("invalid scene event", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				handler(ev)
			}
		}
	}()
	return cancelCtx, nil
}

// LocalNotifier delivers events to subscribers in the same process.
type LocalNotifier struct {
	mu   sync.Mutex
	next int
	subs map[uuid.UUID]map[int]func(Event)
}

// NewLocalNotifier creates an in-process notifier.
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[uuid.UUID]map[int]func(Event))}
}

func (n *LocalNotifier) Publish(_ context.Context, ev Event) error {
	n.mu.Lock()
	handlers := make([]func(Event), 0, len(n.subs[ev.SceneID]))
	for _, h := range n.subs[ev.SceneID] {
		handlers = append(handlers, h)
	}
	n.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
	return nil
}

func (n *LocalNotifier) Subscribe(_ context.Context, sceneID uuid.UUID, handler func(Event)) (func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs[sceneID] == nil {
		n.subs[sceneID] = make(map[int]func(Event))
	}
	id := n.next
	n.next++
	n.subs[sceneID][id] = handler
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs[sceneID], id)
		if len(n.subs[sceneID]) == 0 {
			delete(n.subs, sceneID)
		}
	}, nil
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, Event) error { return nil }

// NotifyingStore wraps a Store and publishes an Event after every committed
// create or status swap. Publish failures are logged, never returned: the
// stored status stays the source of truth.
type NotifyingStore struct {
	Store
	notifier Notifier
	logger   *zap.Logger
}

// NewNotifyingStore decorates store with notifier.
func NewNotifyingStore(store Store, notifier Notifier, logger *zap.Logger) *NotifyingStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &NotifyingStore{Store: store, notifier: notifier, logger: logger}
}

func (s *NotifyingStore) Create(ctx context.Context, rec *models.SceneRecord) error {
	if err := s.Store.Create(ctx, rec); err != nil {
		return err
	}
	s.publish(ctx, "", rec)
	return nil
}

func (s *NotifyingStore) CompareAndSwapStatus(ctx context.Context, id uuid.UUID, from, to models.Status, upd Update) (*models.SceneRecord, error) {
	rec, err := s.Store.CompareAndSwapStatus(ctx, id, from, to, upd)
	if err != nil {
		return nil, err
	}
	if visible(from, to, upd) {
		s.publish(ctx, from, rec)
	}
	return rec, nil
}

func (s *NotifyingStore) CompareAndSwapStatusTx(ctx context.Context, id uuid.UUID, from, to models.Status, upd Update, hook CommitHook) (*models.SceneRecord, error) {
	rec, err := s.Store.CompareAndSwapStatusTx(ctx, id, from, to, upd, hook)
	if err != nil {
		return nil, err
	}
	if visible(from, to, upd) {
		s.publish(ctx, from, rec)
	}
	return rec, nil
}

// visible reports whether a swap is worth an event: a status change or a new
// attempt. Plain heartbeats are not published.
func visible(from, to models.Status, upd Update) bool {
	return from != to || upd.IncrementAttempt
}

func (s *NotifyingStore) publish(ctx context.Context, from models.Status, rec *models.SceneRecord) {
	ev := Event{
		SceneID:      rec.ID,
		From:         from,
		To:           rec.Status,
		AttemptCount: rec.AttemptCount,
		At:           rec.UpdatedAt,
	}
	if rec.LastError != nil {
		ev.LastError = *rec.LastError
	}
	if err := s.notifier.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("publish scene event failed", zap.String("scene_id", rec.ID.String()), zap.Error(err))
	}
}
