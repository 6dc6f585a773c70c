package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type inflight struct {
	job      Job
	deadline time.Time
}

// MemoryQueue is an in-process Queue with the same visibility semantics as
// RedisQueue. FailEnqueue / FailDequeue let tests simulate an unavailable backend.
type MemoryQueue struct {
	mu       sync.Mutex
	ready    []Job
	inflight map[string]inflight
	clock    func() time.Time

	FailEnqueue error
	FailDequeue error

	enqueued []Job
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{inflight: make(map[string]inflight), clock: time.Now}
}

// SetClock overrides the time source used for visibility deadlines.
func (q *MemoryQueue) SetClock(clock func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clock = clock
}

func (q *MemoryQueue) Enqueue(ctx context.Context, sceneID uuid.UUID) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.FailEnqueue != nil {
		return Handle{}, q.FailEnqueue
	}
	job := newJob(sceneID, q.clock())
	q.ready = append(q.ready, job)
	q.enqueued = append(q.enqueued, job)
	return Handle{JobID: job.ID}, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, workerID string, visibility time.Duration) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.FailDequeue != nil {
		return nil, q.FailDequeue
	}

	now := q.clock()
	q.requeueExpired(now)
	if len(q.ready) == 0 {
		return nil, nil
	}
	job := q.ready[0]
	q.ready = q.ready[1:]
	job.DeliveryToken = workerID + ":" + uuid.New().String()
	q.inflight[job.DeliveryToken] = inflight{job: job, deadline: now.Add(visibility)}
	return &job, nil
}

// requeueExpired moves deliveries past their deadline back to the head of the ready list.
func (q *MemoryQueue) requeueExpired(now time.Time) {
	var expired []inflight
	for tok, in := range q.inflight {
		if !in.deadline.After(now) {
			expired = append(expired, in)
			delete(q.inflight, tok)
		}
	}
	if len(expired) == 0 {
		return
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].deadline.Before(expired[j].deadline) })
	head := make([]Job, 0, len(expired)+len(q.ready))
	for _, in := range expired {
		job := in.job
		job.DeliveryToken = ""
		head = append(head, job)
	}
	q.ready = append(head, q.ready...)
}

func (q *MemoryQueue) Acknowledge(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[token]; !ok {
		return ErrUnknownToken
	}
	delete(q.inflight, token)
	return nil
}

func (q *MemoryQueue) ExtendVisibility(ctx context.Context, token string, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	in, ok := q.inflight[token]
	if !ok {
		return ErrUnknownToken
	}
	in.deadline = q.clock().Add(d)
	q.inflight[token] = in
	return nil
}

// Len returns the number of ready and in-flight jobs.
func (q *MemoryQueue) Len() (ready, inFlight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), len(q.inflight)
}

// Enqueued returns every job ever enqueued, in order.
func (q *MemoryQueue) Enqueued() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.enqueued...)
}
