// Package worker runs background jobs pulled from the scene queue.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/splatbox/backend/internal/metrics"
	"github.com/splatbox/backend/pkg/queue"
)

// Handler executes one job. Returning an error leaves the delivery unacknowledged.
type Handler interface {
	Handle(ctx context.Context, job *queue.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *queue.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *queue.Job) error { return f(ctx, job) }

// PoolConfig sizes the pool.
type PoolConfig struct {
	Concurrency       int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	// Name prefixes worker ids; a random one is used when empty.
	Name string
}

// Pool runs Concurrency independent dequeue loops against one queue and
// dispatches each job to the handler registered for its type.
type Pool struct {
	queue    queue.Queue
	cfg      PoolConfig
	handlers map[queue.JobType]Handler
	logger   *zap.Logger
}

// NewPool creates a worker pool. Register handlers before Run.
func NewPool(q queue.Queue, cfg PoolConfig, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = queue.DefaultVisibilityTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = queue.RetryBackoff
	}
	if cfg.Name == "" {
		cfg.Name = "worker-" + uuid.NewString()[:8]
	}
	return &Pool{queue: q, cfg: cfg, handlers: make(map[queue.JobType]Handler), logger: logger}
}

// Register binds a handler to a job type.
func (p *Pool) Register(t queue.JobType, h Handler) {
	p.handlers[t] = h
}

// Run blocks until ctx is cancelled and every in-flight job has finished.
// Jobs already dequeued run to completion on a context that outlives ctx.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		id := fmt.Sprintf("%s-%d", p.cfg.Name, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx, id)
		}()
	}
	p.logger.Info("worker pool started", zap.String("pool", p.cfg.Name), zap.Int("concurrency", p.cfg.Concurrency))
	wg.Wait()
	p.logger.Info("worker pool stopped", zap.String("pool", p.cfg.Name))
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	log := p.logger.With(zap.String("worker_id", workerID))
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.Dequeue(ctx, workerID, p.cfg.VisibilityTimeout)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("dequeue error", zap.Error(err))
			}
			p.wait(ctx)
			continue
		}
		if job == nil {
			p.wait(ctx)
			continue
		}

		p.dispatch(context.WithoutCancel(ctx), job, log)
	}
}

// dispatch hands a job to its handler. Unknown job types are acknowledged and dropped.
func (p *Pool) dispatch(ctx context.Context, job *queue.Job, log *zap.Logger) {
	log.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
	h, ok := p.handlers[job.Type]
	if !ok {
		log.Error("no handler for job type, dropping", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		metrics.JobsTotal.WithLabelValues("skipped").Inc()
		if err := p.queue.Acknowledge(ctx, job.DeliveryToken); err != nil {
			log.Warn("acknowledge unknown job", zap.Error(err))
		}
		return
	}
	if err := h.Handle(ctx, job); err != nil {
		log.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (p *Pool) wait(ctx context.Context) {
	t := time.NewTimer(p.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
