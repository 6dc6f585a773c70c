package scenes

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splatbox/backend/internal/models"
)

// MemoryRepository is an in-process Store used by tests and local runs.
type MemoryRepository struct {
	mu    sync.RWMutex
	data  map[uuid.UUID]*models.SceneRecord
	clock func() time.Time
}

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		data:  make(map[uuid.UUID]*models.SceneRecord),
		clock: time.Now,
	}
}

// SetClock overrides the time source used for updated_at.
func (r *MemoryRepository) SetClock(clock func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
}

func (r *MemoryRepository) Create(ctx context.Context, rec *models.SceneRecord) error {
	if rec == nil || rec.ID == uuid.Nil {
		return models.ErrInvalidArgument
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.data[rec.ID]; exists {
		return models.ErrConflict
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.clock()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	r.data[rec.ID] = rec.Clone()
	return nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SceneRecord, error) {
	if id == uuid.Nil {
		return nil, models.ErrInvalidArgument
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.data[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *MemoryRepository) CompareAndSwapStatus(ctx context.Context, id uuid.UUID, from, to models.Status, upd Update) (*models.SceneRecord, error) {
	return r.CompareAndSwapStatusTx(ctx, id, from, to, upd, nil)
}

// CompareAndSwapStatusTx holds the write lock while hook runs, so readers never
// observe a swap whose hook later fails.
func (r *MemoryRepository) CompareAndSwapStatusTx(ctx context.Context, id uuid.UUID, from, to models.Status, upd Update, hook CommitHook) (*models.SceneRecord, error) {
	if err := models.ValidateTransition(from, to); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.data[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if cur.Status != from {
		return nil, models.ErrConflict
	}

	next := cur.Clone()
	applyUpdate(next, to, upd, r.clock())
	if hook != nil {
		if err := hook(ctx, next.Clone()); err != nil {
			return nil, err
		}
	}
	r.data[id] = next
	return next.Clone(), nil
}

func (r *MemoryRepository) ListStale(ctx context.Context, status models.Status, olderThan time.Time, limit int) ([]models.SceneRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.SceneRecord
	for _, rec := range r.data {
		if rec.Status == status && rec.UpdatedAt.Before(olderThan) {
			out = append(out, *rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) FindByFingerprint(ctx context.Context, fingerprint string) ([]models.SceneRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.SceneRecord
	for _, rec := range r.data {
		if rec.ContentFingerprint == fingerprint {
			out = append(out, *rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
