package scenes

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/splatbox/backend/internal/metrics"
	"github.com/splatbox/backend/internal/models"
)

// Reader is the read side used by the status query endpoint.
type Reader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.SceneRecord, error)
}

// TerminalCache serves status queries for COMPLETE and FAILED scenes from an
// in-process LRU. Terminal records never change, so entries need no invalidation.
type TerminalCache struct {
	next  Reader
	cache *expirable.LRU[uuid.UUID, *models.SceneRecord]
}

// NewTerminalCache wraps next with an LRU of maxSize entries living ttl each.
func NewTerminalCache(next Reader, maxSize int, ttl time.Duration) *TerminalCache {
	return &TerminalCache{
		next:  next,
		cache: expirable.NewLRU[uuid.UUID, *models.SceneRecord](maxSize, nil, ttl),
	}
}

func (c *TerminalCache) GetByID(ctx context.Context, id uuid.UUID) (*models.SceneRecord, error) {
	if rec, ok := c.cache.Get(id); ok {
		metrics.StatusCacheLookups.WithLabelValues("hit").Inc()
		return rec.Clone(), nil
	}
	metrics.StatusCacheLookups.WithLabelValues("miss").Inc()

	rec, err := c.next.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.IsTerminal() {
		c.cache.Add(id, rec.Clone())
	}
	return rec, nil
}

// Len returns the number of cached records.
func (c *TerminalCache) Len() int { return c.cache.Len() }
