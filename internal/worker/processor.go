package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/splatbox/backend/internal/metrics"
	"github.com/splatbox/backend/internal/models"
	"github.com/splatbox/backend/internal/processing"
	"github.com/splatbox/backend/internal/scenes"
	"github.com/splatbox/backend/pkg/queue"
)

const (
	// DefaultMaxAttempts bounds processing attempts per scene.
	DefaultMaxAttempts = 3
	// DefaultPendingDelay is how long a job for a not yet committed scene stays hidden before it is looked at again.
	DefaultPendingDelay = 5 * time.Second
	// staleSlack pushes a re-check of a live PROCESSING record just past the point it would go stale.
	staleSlack = time.Second
)

// ProcessorConfig tunes the per-job state machine.
type ProcessorConfig struct {
	MaxAttempts       int
	VisibilityTimeout time.Duration
	// Heartbeat is how often a running job extends its delivery and touches its record.
	Heartbeat    time.Duration
	PendingDelay time.Duration
}

func (c *ProcessorConfig) setDefaults() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = queue.DefaultVisibilityTimeout
	}
	if c.Heartbeat <= 0 || c.Heartbeat >= c.VisibilityTimeout {
		c.Heartbeat = c.VisibilityTimeout / 3
	}
	if c.PendingDelay <= 0 {
		c.PendingDelay = DefaultPendingDelay
	}
}

// Processor drives one scene through PROCESSING for each delivered job. The
// scene status is the fence against duplicate deliveries: only the worker that
// wins the QUEUED -> PROCESSING swap (or resumes a stale PROCESSING record)
// runs the engine.
type Processor struct {
	store  scenes.Store
	queue  queue.Queue
	engine processing.Engine
	cfg    ProcessorConfig
	clock  func() time.Time
	logger *zap.Logger
}

// NewProcessor creates a scene processing handler.
func NewProcessor(store scenes.Store, q queue.Queue, engine processing.Engine, cfg ProcessorConfig, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.setDefaults()
	return &Processor{store: store, queue: q, engine: engine, cfg: cfg, clock: time.Now, logger: logger}
}

// SetClock overrides the time source used to detect abandoned PROCESSING records.
func (p *Processor) SetClock(clock func() time.Time) { p.clock = clock }

// Handle executes one scene.process job. A returned error means the job was
// left unacknowledged and will be redelivered after its visibility timeout.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeSceneProcess {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	log := p.logger.With(zap.String("job_id", job.ID), zap.String("scene_id", job.SceneID.String()))

	rec, err := p.store.GetByID(ctx, job.SceneID)
	if errors.Is(err, models.ErrNotFound) {
		log.Warn("job references unknown scene, dropping")
		p.ack(ctx, job, log, "skipped")
		return nil
	}
	if err != nil {
		metrics.JobsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("load scene: %w", err)
	}

	switch rec.Status {
	case models.StatusComplete, models.StatusFailed:
		log.Debug("scene already terminal", zap.String("status", string(rec.Status)))
		p.ack(ctx, job, log, "skipped")
		return nil

	case models.StatusUploaded:
		return p.deferPending(ctx, job, log)

	case models.StatusQueued:
		if rec.AttemptCount >= p.cfg.MaxAttempts {
			// Attempts were used up by earlier runs; it still has to pass through PROCESSING.
			claimed, err := p.store.CompareAndSwapStatus(ctx, rec.ID, models.StatusQueued, models.StatusProcessing, scenes.Update{})
			if err != nil {
				return p.lostRace(ctx, job, log, err)
			}
			p.fail(ctx, job, claimed, fmt.Sprintf("retry budget exhausted after %d attempts", claimed.AttemptCount), log)
			return nil
		}
		claimed, err := p.store.CompareAndSwapStatus(ctx, rec.ID, models.StatusQueued, models.StatusProcessing, scenes.Update{IncrementAttempt: true})
		if err != nil {
			return p.lostRace(ctx, job, log, err)
		}
		p.run(ctx, job, claimed, log)
		return nil

	case models.StatusProcessing:
		if !p.abandoned(rec) {
			// This delivery may be the only job left for a worker that just died;
			// keep it until the record either finishes or goes stale.
			return p.deferOwned(ctx, job, rec, log)
		}
		if rec.AttemptCount >= p.cfg.MaxAttempts {
			p.fail(ctx, job, rec, fmt.Sprintf("worker lost during attempt %d", rec.AttemptCount), log)
			return nil
		}
		resumed, err := p.store.CompareAndSwapStatus(ctx, rec.ID, models.StatusProcessing, models.StatusProcessing, scenes.Update{IncrementAttempt: true})
		if err != nil {
			return p.lostRace(ctx, job, log, err)
		}
		log.Info("resuming abandoned scene", zap.Int("attempt", resumed.AttemptCount))
		metrics.JobsTotal.WithLabelValues("redelivered").Inc()
		p.run(ctx, job, resumed, log)
		return nil
	}

	log.Error("scene has unknown status", zap.String("status", string(rec.Status)))
	p.ack(ctx, job, log, "skipped")
	return nil
}

// abandoned reports whether a PROCESSING record has missed its heartbeats for
// longer than a delivery stays invisible.
func (p *Processor) abandoned(rec *models.SceneRecord) bool {
	return p.clock().Sub(rec.UpdatedAt) > p.cfg.VisibilityTimeout
}

// deferPending hides a job whose scene has not committed QUEUED yet. A job
// that keeps finding UPLOADED for a whole visibility window belongs to a
// rolled back swap and is dropped; the sweeper owns UPLOADED scenes.
func (p *Processor) deferPending(ctx context.Context, job *queue.Job, log *zap.Logger) error {
	if p.clock().Sub(job.EnqueuedAt) > p.cfg.VisibilityTimeout {
		log.Warn("dropping job for scene that never left UPLOADED")
		p.ack(ctx, job, log, "skipped")
		return nil
	}
	metrics.JobsTotal.WithLabelValues("deferred").Inc()
	if err := p.queue.ExtendVisibility(ctx, job.DeliveryToken, p.cfg.PendingDelay); err != nil {
		log.Warn("defer pending job", zap.Error(err))
	}
	return nil
}

// deferOwned hides a job whose scene is PROCESSING with a recent heartbeat
// until just after the record would count as abandoned. A live owner keeps
// pushing that point back; a dead one lets this delivery resume the scene.
func (p *Processor) deferOwned(ctx context.Context, job *queue.Job, rec *models.SceneRecord, log *zap.Logger) error {
	wait := p.cfg.VisibilityTimeout - p.clock().Sub(rec.UpdatedAt) + staleSlack
	log.Debug("scene is being processed by another worker", zap.Duration("recheck_in", wait))
	metrics.JobsTotal.WithLabelValues("deferred").Inc()
	if err := p.queue.ExtendVisibility(ctx, job.DeliveryToken, wait); err != nil {
		log.Warn("defer owned job", zap.Error(err))
	}
	return nil
}

// lostRace handles a failed claim. A conflict means another delivery owns the scene.
func (p *Processor) lostRace(ctx context.Context, job *queue.Job, log *zap.Logger, err error) error {
	if errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrNotFound) {
		log.Debug("claim lost", zap.Error(err))
		p.ack(ctx, job, log, "skipped")
		return nil
	}
	metrics.JobsTotal.WithLabelValues("error").Inc()
	return fmt.Errorf("claim scene: %w", err)
}

func (p *Processor) run(ctx context.Context, job *queue.Job, rec *models.SceneRecord, log *zap.Logger) {
	log = log.With(zap.Int("attempt", rec.AttemptCount))
	log.Info("processing scene", zap.String("blob_key", rec.BlobKey), zap.String("format", string(rec.DeclaredFormat)))

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.heartbeat(hbCtx, job, rec, log)
	}()

	start := time.Now()
	res, runErr := p.engine.Process(ctx, processing.Input{SceneID: rec.ID, BlobKey: rec.BlobKey, Format: rec.DeclaredFormat})
	stopHeartbeat()
	wg.Wait()
	metrics.ProcessingDuration.WithLabelValues(string(rec.DeclaredFormat)).Observe(time.Since(start).Seconds())

	switch {
	case runErr == nil:
		p.complete(ctx, job, rec, res, log)
	case processing.IsPermanent(runErr):
		p.fail(ctx, job, rec, runErr.Error(), log)
	case rec.AttemptCount >= p.cfg.MaxAttempts:
		p.fail(ctx, job, rec, fmt.Sprintf("attempt %d/%d: %v", rec.AttemptCount, p.cfg.MaxAttempts, runErr), log)
	default:
		p.retry(ctx, job, rec, runErr, log)
	}
}

// heartbeat keeps the delivery invisible and the record fresh while the engine runs.
func (p *Processor) heartbeat(ctx context.Context, job *queue.Job, rec *models.SceneRecord, log *zap.Logger) {
	ticker := time.NewTicker(p.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendVisibility(ctx, job.DeliveryToken, p.cfg.VisibilityTimeout); err != nil && ctx.Err() == nil {
				log.Warn("extend visibility", zap.Error(err))
			}
			if _, err := p.store.CompareAndSwapStatus(ctx, rec.ID, models.StatusProcessing, models.StatusProcessing, scenes.Update{}); err != nil && ctx.Err() == nil {
				log.Warn("heartbeat scene", zap.Error(err))
			}
		}
	}
}

func (p *Processor) complete(ctx context.Context, job *queue.Job, rec *models.SceneRecord, res *processing.Result, log *zap.Logger) {
	upd := scenes.Update{ClearError: true}
	if res != nil && res.ArtifactKey != "" {
		key := res.ArtifactKey
		upd.ArtifactKey = &key
	}
	if _, err := p.store.CompareAndSwapStatus(ctx, rec.ID, models.StatusProcessing, models.StatusComplete, upd); err != nil {
		if errors.Is(err, models.ErrConflict) {
			log.Warn("scene changed under running job", zap.Error(err))
			p.ack(ctx, job, log, "skipped")
			return
		}
		// Leave the delivery in flight; the engine run is safe to repeat.
		log.Error("mark scene complete", zap.Error(err))
		metrics.JobsTotal.WithLabelValues("error").Inc()
		return
	}
	summary := ""
	if res != nil {
		summary = res.Summary
	}
	log.Info("scene complete", zap.String("summary", summary))
	p.ack(ctx, job, log, "complete")
}

func (p *Processor) fail(ctx context.Context, job *queue.Job, rec *models.SceneRecord, reason string, log *zap.Logger) {
	if _, err := p.store.CompareAndSwapStatus(ctx, rec.ID, models.StatusProcessing, models.StatusFailed, scenes.Update{LastError: &reason}); err != nil {
		if errors.Is(err, models.ErrConflict) {
			p.ack(ctx, job, log, "skipped")
			return
		}
		log.Error("mark scene failed", zap.Error(err))
		metrics.JobsTotal.WithLabelValues("error").Inc()
		return
	}
	log.Warn("scene failed", zap.String("reason", reason), zap.Int("attempt", rec.AttemptCount))
	p.ack(ctx, job, log, "failed")
}

// retry re-queues the scene for a new attempt. Either a fresh job is enqueued
// and the current delivery acknowledged, or the current delivery is left to
// expire; never both.
func (p *Processor) retry(ctx context.Context, job *queue.Job, rec *models.SceneRecord, cause error, log *zap.Logger) {
	log.Warn("transient processing failure", zap.Error(cause))

	_, err := p.store.CompareAndSwapStatusTx(ctx, rec.ID, models.StatusProcessing, models.StatusQueued, scenes.Update{ClearError: true},
		func(ctx context.Context, next *models.SceneRecord) error {
			_, err := p.queue.Enqueue(ctx, next.ID)
			return err
		})
	if err == nil {
		p.ack(ctx, job, log, "requeued")
		return
	}
	if errors.Is(err, models.ErrConflict) {
		p.ack(ctx, job, log, "skipped")
		return
	}

	log.Warn("re-enqueue failed, waiting for redelivery", zap.Error(err))
	if _, err := p.store.CompareAndSwapStatus(ctx, rec.ID, models.StatusProcessing, models.StatusQueued, scenes.Update{ClearError: true}); err != nil {
		log.Error("release scene for redelivery", zap.Error(err))
	}
	metrics.JobsTotal.WithLabelValues("requeued").Inc()
}

func (p *Processor) ack(ctx context.Context, job *queue.Job, log *zap.Logger, outcome string) {
	metrics.JobsTotal.WithLabelValues(outcome).Inc()
	if err := p.queue.Acknowledge(ctx, job.DeliveryToken); err != nil {
		if errors.Is(err, queue.ErrUnknownToken) {
			log.Warn("delivery expired before acknowledgement", zap.String("outcome", outcome))
			return
		}
		log.Error("acknowledge job", zap.Error(err))
	}
}
