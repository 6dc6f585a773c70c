// Package reconcile re-issues jobs for scenes the pipeline lost track of.
//
// Three kinds of record are considered stuck:
//   - UPLOADED past the grace period: the gateway's enqueue failed.
//   - QUEUED with no delivery for longer than a visibility window: the job was lost.
//   - PROCESSING with no heartbeat for longer than a visibility window: the worker died.
//
// Re-issuing is always safe; workers fence duplicate jobs on the scene status.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/splatbox/backend/internal/metrics"
	"github.com/splatbox/backend/internal/models"
	"github.com/splatbox/backend/internal/scenes"
	"github.com/splatbox/backend/pkg/queue"
)

// Config controls when a record counts as stuck.
type Config struct {
	Interval          time.Duration
	GracePeriod       time.Duration
	VisibilityTimeout time.Duration
	SafetyMargin      time.Duration
	BatchSize         int
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 2 * time.Minute
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = queue.DefaultVisibilityTimeout
	}
	if c.SafetyMargin < 0 {
		c.SafetyMargin = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// Report summarizes one sweep.
type Report struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Uploaded   int           `json:"uploaded"`
	Queued     int           `json:"queued"`
	Processing int           `json:"processing"`
	Errors     int           `json:"errors"`
}

// Requeued returns the number of jobs issued by the sweep.
func (r Report) Requeued() int { return r.Uploaded + r.Queued + r.Processing }

// Sweeper periodically re-enqueues stuck scenes.
type Sweeper struct {
	store  scenes.Store
	queue  queue.Queue
	cfg    Config
	clock  func() time.Time
	logger *zap.Logger

	mu        sync.Mutex
	inProcess bool

	// lifecycle guards cancel and done; it is never held while a sweep runs.
	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSweeper creates a reconciliation sweeper.
func NewSweeper(store scenes.Store, q queue.Queue, cfg Config, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.setDefaults()
	return &Sweeper{store: store, queue: q, cfg: cfg, clock: time.Now, logger: logger.With(zap.String("component", "reconcile"))}
}

// SetClock overrides the time source used for age thresholds.
func (s *Sweeper) SetClock(clock func() time.Time) { s.clock = clock }

// Start runs the sweep every Interval until Stop or ctx is cancelled.
// Calling Start on a running sweeper does nothing.
func (s *Sweeper) Start(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	s.logger.Info("reconciliation started", zap.Duration("interval", s.cfg.Interval))
}

// Stop cancels the loop and waits for a running sweep to finish. It is safe
// to call from any goroutine and more than once.
func (s *Sweeper) Stop() {
	s.lifecycle.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.lifecycle.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("reconciliation stopped")
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep. It reports skipped=true without doing anything
// when another sweep is still running.
func (s *Sweeper) RunOnce(ctx context.Context) (report Report, skipped bool) {
	s.mu.Lock()
	if s.inProcess {
		s.mu.Unlock()
		s.logger.Warn("reconciliation already running, skipping")
		return Report{}, true
	}
	s.inProcess = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inProcess = false
		s.mu.Unlock()
	}()

	now := s.clock()
	report.StartedAt = now
	start := time.Now()
	stale := now.Add(-(s.cfg.VisibilityTimeout + s.cfg.SafetyMargin))

	report.Uploaded = s.sweep(ctx, models.StatusUploaded, now.Add(-s.cfg.GracePeriod), &report, s.requeueUploaded)
	report.Queued = s.sweep(ctx, models.StatusQueued, stale, &report, s.requeueQueued)
	report.Processing = s.sweep(ctx, models.StatusProcessing, stale, &report, s.requeueProcessing)
	report.Duration = time.Since(start)

	metrics.SweepRunsTotal.Inc()
	if report.Requeued() > 0 || report.Errors > 0 {
		s.logger.Info("reconciliation finished",
			zap.Int("uploaded", report.Uploaded),
			zap.Int("queued", report.Queued),
			zap.Int("processing", report.Processing),
			zap.Int("errors", report.Errors),
			zap.Duration("duration", report.Duration),
		)
	}
	return report, false
}

type requeueFunc func(ctx context.Context, rec *models.SceneRecord) error

func (s *Sweeper) sweep(ctx context.Context, status models.Status, olderThan time.Time, report *Report, fn requeueFunc) int {
	recs, err := s.store.ListStale(ctx, status, olderThan, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("list stuck scenes", zap.String("status", string(status)), zap.Error(err))
		report.Errors++
		return 0
	}
	n := 0
	for i := range recs {
		rec := &recs[i]
		err := fn(ctx, rec)
		switch {
		case err == nil:
			n++
			metrics.SweepRequeuesTotal.WithLabelValues(string(status)).Inc()
			s.logger.Debug("re-issued stuck scene", zap.String("scene_id", rec.ID.String()), zap.String("status", string(status)))
		case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrNotFound):
			// Moved on since it was listed.
		default:
			report.Errors++
			s.logger.Warn("re-issue stuck scene", zap.String("scene_id", rec.ID.String()), zap.String("status", string(status)), zap.Error(err))
		}
	}
	return n
}

func (s *Sweeper) enqueueHook(ctx context.Context, rec *models.SceneRecord) error {
	_, err := s.queue.Enqueue(ctx, rec.ID)
	return err
}

// requeueUploaded finishes the gateway's UPLOADED -> QUEUED step. The blob is
// already durable, so retrying the enqueue is safe.
func (s *Sweeper) requeueUploaded(ctx context.Context, rec *models.SceneRecord) error {
	if rec.BlobKey == "" {
		return errors.New("uploaded scene has no blob key")
	}
	_, err := s.store.CompareAndSwapStatusTx(ctx, rec.ID, models.StatusUploaded, models.StatusQueued, scenes.Update{}, s.enqueueHook)
	return err
}

// requeueQueued issues a replacement job and refreshes updated_at so the
// scene is not re-issued again before the new job has had a visibility window.
func (s *Sweeper) requeueQueued(ctx context.Context, rec *models.SceneRecord) error {
	_, err := s.store.CompareAndSwapStatusTx(ctx, rec.ID, models.StatusQueued, models.StatusQueued, scenes.Update{}, s.enqueueHook)
	return err
}

// requeueProcessing issues a job for a scene whose worker stopped heartbeating.
// The record is left untouched so the worker picking up the job sees it as
// abandoned and resumes it.
func (s *Sweeper) requeueProcessing(ctx context.Context, rec *models.SceneRecord) error {
	return s.enqueueHook(ctx, rec)
}
