package scenes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splatbox/backend/internal/models"
)

const sceneColumns = `id, content_fingerprint, original_filename, declared_format, blob_key, size_bytes,
	status, attempt_count, last_error, artifact_key, created_at, updated_at`

// Repository handles scene persistence in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a scenes repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanScene(row pgx.Row) (*models.SceneRecord, error) {
	var rec models.SceneRecord
	err := row.Scan(&rec.ID, &rec.ContentFingerprint, &rec.OriginalFilename, &rec.DeclaredFormat, &rec.BlobKey, &rec.SizeBytes,
		&rec.Status, &rec.AttemptCount, &rec.LastError, &rec.ArtifactKey, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Create inserts a new scene row. created_at defaults to NOW() when unset.
func (r *Repository) Create(ctx context.Context, rec *models.SceneRecord) error {
	if rec == nil || rec.ID == uuid.Nil {
		return models.ErrInvalidArgument
	}
	var createdAt *time.Time
	if !rec.CreatedAt.IsZero() {
		createdAt = &rec.CreatedAt
	}
	const q = `INSERT INTO scenes (id, content_fingerprint, original_filename, declared_format, blob_key, size_bytes, status, attempt_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()), COALESCE($9, NOW()))
		RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, q, rec.ID, rec.ContentFingerprint, rec.OriginalFilename, rec.DeclaredFormat, rec.BlobKey, rec.SizeBytes,
		rec.Status, rec.AttemptCount, createdAt).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return models.ErrConflict
		}
		return fmt.Errorf("scene create: %w", err)
	}
	return nil
}

// GetByID returns a scene by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.SceneRecord, error) {
	if id == uuid.Nil {
		return nil, models.ErrInvalidArgument
	}
	q := `SELECT ` + sceneColumns + ` FROM scenes WHERE id = $1`
	rec, err := scanScene(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("scene get by id: %w", err)
	}
	return rec, nil
}

// CompareAndSwapStatus updates the row only while its status still equals from.
func (r *Repository) CompareAndSwapStatus(ctx context.Context, id uuid.UUID, from, to models.Status, upd Update) (*models.SceneRecord, error) {
	if err := models.ValidateTransition(from, to); err != nil {
		return nil, err
	}
	rec, err := r.swap(ctx, r.pool, id, from, to, upd)
	if err != nil {
		return nil, r.explainMiss(ctx, r.pool, id, err)
	}
	return rec, nil
}

// CompareAndSwapStatusTx runs hook while the updated row is still locked and
// uncommitted; a hook error rolls the swap back.
func (r *Repository) CompareAndSwapStatusTx(ctx context.Context, id uuid.UUID, from, to models.Status, upd Update, hook CommitHook) (*models.SceneRecord, error) {
	if err := models.ValidateTransition(from, to); err != nil {
		return nil, err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rec, err := r.swap(ctx, tx, id, from, to, upd)
	if err != nil {
		return nil, r.explainMiss(ctx, tx, id, err)
	}
	if hook != nil {
		if err := hook(ctx, rec.Clone()); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return rec, nil
}

func (r *Repository) swap(ctx context.Context, db queryRower, id uuid.UUID, from, to models.Status, upd Update) (*models.SceneRecord, error) {
	inc := 0
	if upd.IncrementAttempt {
		inc = 1
	}
	q := `UPDATE scenes SET
			status = $3,
			attempt_count = attempt_count + $4,
			last_error = CASE WHEN $5::text IS NOT NULL THEN $5 WHEN $6 THEN NULL ELSE last_error END,
			artifact_key = COALESCE($7, artifact_key),
			updated_at = GREATEST(updated_at, NOW())
		WHERE id = $1 AND status = $2
		RETURNING ` + sceneColumns
	return scanScene(db.QueryRow(ctx, q, id, from, to, inc, upd.LastError, upd.ClearError, upd.ArtifactKey))
}

// explainMiss turns an empty UPDATE into ErrNotFound or ErrConflict.
func (r *Repository) explainMiss(ctx context.Context, db queryRower, id uuid.UUID, err error) error {
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("scene compare and swap: %w", err)
	}
	var status models.Status
	if err := db.QueryRow(ctx, `SELECT status FROM scenes WHERE id = $1`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrNotFound
		}
		return fmt.Errorf("scene status lookup: %w", err)
	}
	return models.ErrConflict
}

// ListStale returns scenes stuck in status since before olderThan, oldest first.
func (r *Repository) ListStale(ctx context.Context, status models.Status, olderThan time.Time, limit int) ([]models.SceneRecord, error) {
	q := `SELECT ` + sceneColumns + ` FROM scenes
		WHERE status = $1 AND updated_at < $2 ORDER BY updated_at ASC LIMIT $3`
	rows, err := r.pool.Query(ctx, q, status, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("scene list stale: %w", err)
	}
	defer rows.Close()
	var list []models.SceneRecord
	for rows.Next() {
		rec, err := scanScene(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *rec)
	}
	return list, rows.Err()
}

// FindByFingerprint returns scenes with the given content fingerprint, newest first.
func (r *Repository) FindByFingerprint(ctx context.Context, fingerprint string) ([]models.SceneRecord, error) {
	q := `SELECT ` + sceneColumns + ` FROM scenes WHERE content_fingerprint = $1 ORDER BY created_at DESC LIMIT 20`
	rows, err := r.pool.Query(ctx, q, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("scene find by fingerprint: %w", err)
	}
	defer rows.Close()
	var list []models.SceneRecord
	for rows.Next() {
		rec, err := scanScene(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *rec)
	}
	return list, rows.Err()
}
