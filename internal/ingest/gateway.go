// Package ingest is the synchronous upload path: it stores a scene payload,
// records it, and hands it to the processing queue.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/splatbox/backend/internal/metrics"
	"github.com/splatbox/backend/internal/models"
	"github.com/splatbox/backend/internal/scenes"
	"github.com/splatbox/backend/pkg/queue"
	"github.com/splatbox/backend/pkg/storage"
	"github.com/splatbox/backend/pkg/utils"
)

// DefaultMaxUploadBytes caps a single upload.
const DefaultMaxUploadBytes = 512 << 20

// Config tunes the gateway.
type Config struct {
	MaxUploadBytes int64
	// Dedup returns an existing COMPLETE scene with the same content and filename instead of storing a copy.
	Dedup bool
}

// Submission is the outcome of a successful upload.
type Submission struct {
	SceneID   uuid.UUID     `json:"scene_id"`
	BlobKey   string        `json:"blob_key"`
	Status    models.Status `json:"status"`
	Duplicate bool          `json:"duplicate,omitempty"`
}

// Gateway accepts uploads. It is the only creator of scene records.
type Gateway struct {
	store  scenes.Store
	blobs  storage.BlobStore
	queue  queue.Queue
	cfg    Config
	newID  func() uuid.UUID
	logger *zap.Logger
}

// NewGateway creates the ingestion gateway.
func NewGateway(store scenes.Store, blobs storage.BlobStore, q queue.Queue, cfg Config, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Gateway{store: store, blobs: blobs, queue: q, cfg: cfg, newID: uuid.New, logger: logger}
}

// MaxUploadBytes returns the configured payload limit.
func (g *Gateway) MaxUploadBytes() int64 { return g.cfg.MaxUploadBytes }

// ResolveFormat returns the format named by the filename suffix, which must be
// on the allow-list. A non-empty hint must name the same format.
func ResolveFormat(filename, hint string) (models.Format, error) {
	format, err := models.FormatFromFilename(filename)
	if err != nil {
		return "", err
	}
	if hint == "" {
		return format, nil
	}
	declared, err := models.ParseFormat(hint)
	if err != nil {
		return "", err
	}
	if declared != format {
		return "", fmt.Errorf("%w: %q does not match suffix of %q", models.ErrUnsupportedFormat, hint, filename)
	}
	return format, nil
}

// Submit stores body as a new scene and queues it for processing.
//
// Nothing is written when the format is rejected or the blob write fails. If
// the enqueue fails the record stays UPLOADED and ErrQueueUnavailable is
// returned; the reconciliation sweep queues it later.
func (g *Gateway) Submit(ctx context.Context, filename, formatHint string, body io.Reader) (*Submission, error) {
	format, err := ResolveFormat(filename, formatHint)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	var buf bytes.Buffer
	fingerprint, n, err := utils.FingerprintReader(&buf, io.LimitReader(body, g.cfg.MaxUploadBytes+1))
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if n == 0 {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		return nil, models.ErrEmptyPayload
	}
	if n > g.cfg.MaxUploadBytes {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: limit is %d bytes", models.ErrPayloadTooLarge, g.cfg.MaxUploadBytes)
	}

	if g.cfg.Dedup {
		if dup := g.findDuplicate(ctx, fingerprint, filename); dup != nil {
			metrics.UploadsTotal.WithLabelValues("duplicate").Inc()
			g.logger.Info("duplicate upload", zap.String("scene_id", dup.ID.String()), zap.String("filename", filename))
			return &Submission{SceneID: dup.ID, BlobKey: dup.BlobKey, Status: dup.Status, Duplicate: true}, nil
		}
	}

	id := g.newID()
	blobKey := storage.SceneKey(id.String(), string(format))
	if err := g.blobs.Put(ctx, blobKey, format.ContentType(), buf.Bytes()); err != nil {
		metrics.UploadsTotal.WithLabelValues("unavailable").Inc()
		g.logger.Error("store scene blob", zap.String("scene_id", id.String()), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}

	rec := &models.SceneRecord{
		ID:                 id,
		ContentFingerprint: fingerprint,
		OriginalFilename:   filename,
		DeclaredFormat:     format,
		BlobKey:            blobKey,
		SizeBytes:          n,
		Status:             models.StatusUploaded,
	}
	if err := g.store.Create(ctx, rec); err != nil {
		metrics.UploadsTotal.WithLabelValues("unavailable").Inc()
		g.logger.Error("create scene record", zap.String("scene_id", id.String()), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}

	var enqueueErr error
	_, err = g.store.CompareAndSwapStatusTx(ctx, id, models.StatusUploaded, models.StatusQueued, scenes.Update{},
		func(ctx context.Context, r *models.SceneRecord) error {
			_, enqueueErr = g.queue.Enqueue(ctx, r.ID)
			return enqueueErr
		})
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("unavailable").Inc()
		g.logger.Warn("queue scene, left for reconciliation", zap.String("scene_id", id.String()), zap.Error(err))
		if enqueueErr != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrQueueUnavailable, enqueueErr)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}

	metrics.UploadsTotal.WithLabelValues("accepted").Inc()
	metrics.UploadBytes.Observe(float64(n))
	g.logger.Info("scene queued",
		zap.String("scene_id", id.String()),
		zap.String("format", string(format)),
		zap.Int64("size_bytes", n),
		zap.String("blob_key", blobKey),
	)
	return &Submission{SceneID: id, BlobKey: blobKey, Status: models.StatusQueued}, nil
}

// findDuplicate is advisory; lookup failures just disable dedup for this upload.
func (g *Gateway) findDuplicate(ctx context.Context, fingerprint, filename string) *models.SceneRecord {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	recs, err := g.store.FindByFingerprint(ctx, fingerprint)
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			g.logger.Warn("dedup lookup", zap.Error(err))
		}
		return nil
	}
	for i := range recs {
		if recs[i].Status == models.StatusComplete && recs[i].OriginalFilename == filename {
			return &recs[i]
		}
	}
	return nil
}
