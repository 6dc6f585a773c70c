package scenes

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/splatbox/backend/internal/models"
)

// Update describes the column changes applied together with a status swap.
type Update struct {
	IncrementAttempt bool
	LastError        *string
	ClearError       bool
	ArtifactKey      *string
}

// CommitHook runs inside the status swap, after the row has been updated but
// before it becomes visible to other readers. Returning an error rolls the swap back.
type CommitHook func(ctx context.Context, rec *models.SceneRecord) error

// Store is the scene record persistence boundary. Implementations own their
// connection and transaction scoping.
type Store interface {
	Create(ctx context.Context, rec *models.SceneRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SceneRecord, error)
	// CompareAndSwapStatus moves the scene from -> to only if its current status is from.
	// It returns models.ErrConflict when the status differs and models.ErrNotFound when absent.
	CompareAndSwapStatus(ctx context.Context, id uuid.UUID, from, to models.Status, upd Update) (*models.SceneRecord, error)
	// CompareAndSwapStatusTx is CompareAndSwapStatus with a hook run before commit.
	CompareAndSwapStatusTx(ctx context.Context, id uuid.UUID, from, to models.Status, upd Update, hook CommitHook) (*models.SceneRecord, error)
	// ListStale returns up to limit scenes in status whose updated_at is before olderThan.
	ListStale(ctx context.Context, status models.Status, olderThan time.Time, limit int) ([]models.SceneRecord, error)
	// FindByFingerprint returns scenes with the given content fingerprint, newest first.
	FindByFingerprint(ctx context.Context, fingerprint string) ([]models.SceneRecord, error)
}

func applyUpdate(rec *models.SceneRecord, to models.Status, upd Update, now time.Time) {
	rec.Status = to
	if upd.IncrementAttempt {
		rec.AttemptCount++
	}
	if upd.ClearError {
		rec.LastError = nil
	}
	if upd.LastError != nil {
		v := *upd.LastError
		rec.LastError = &v
	}
	if upd.ArtifactKey != nil {
		v := *upd.ArtifactKey
		rec.ArtifactKey = &v
	}
	if now.After(rec.UpdatedAt) {
		rec.UpdatedAt = now
	}
}
