package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultName is the Redis key prefix of the scene processing queue.
	DefaultName = "worker:scenes"
	// DefaultVisibilityTimeout hides a dequeued job from other consumers until acknowledged.
	DefaultVisibilityTimeout = 5 * time.Minute
	// RetryBackoff is the delay workers wait after an empty or failed dequeue.
	RetryBackoff = 2 * time.Second
	// requeueBatch bounds how many expired deliveries one dequeue returns to the ready list.
	requeueBatch = 100
)

var (
	// ErrUnknownToken is returned when a delivery token is not (or no longer) in flight.
	ErrUnknownToken = errors.New("unknown delivery token")
	// ErrUnavailable wraps transport failures talking to the queue backend.
	ErrUnavailable = errors.New("queue unavailable")
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeSceneProcess JobType = "scene.process"
)

// Job is the queue envelope. DeliveryToken is assigned per delivery and is not
// part of the stored payload.
type Job struct {
	ID            string    `json:"id"`
	Type          JobType   `json:"type"`
	SceneID       uuid.UUID `json:"scene_id"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	DeliveryToken string    `json:"-"`
}

// Handle identifies an enqueued job.
type Handle struct {
	JobID string
}

// Queue is an at-least-once job channel with visibility-timeout redelivery.
type Queue interface {
	Enqueue(ctx context.Context, sceneID uuid.UUID) (Handle, error)
	// Dequeue returns nil, nil when no job is available.
	Dequeue(ctx context.Context, workerID string, visibility time.Duration) (*Job, error)
	Acknowledge(ctx context.Context, token string) error
	ExtendVisibility(ctx context.Context, token string, d time.Duration) error
}

func newJob(sceneID uuid.UUID, now time.Time) Job {
	return Job{
		ID:         uuid.New().String(),
		Type:       JobTypeSceneProcess,
		SceneID:    sceneID,
		EnqueuedAt: now,
	}
}
