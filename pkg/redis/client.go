package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const pingTimeout = 2 * time.Second

// Client is the shared Redis connection used by the job queue and the status notifier.
type Client struct {
	*redis.Client
	logger *zap.Logger
}

// NewClient connects to Redis and fails fast when the server is unreachable.
// Blocking reads are not used, so the default read timeout applies to every command.
func NewClient(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		Client: redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     password,
			DB:           db,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}),
		logger: logger,
	}
	if err := c.Check(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	logger.Info("redis connected", zap.String("addr", addr), zap.Int("db", db))
	return c, nil
}

// Check pings the server with a short deadline. Used by startup and /health.
func (c *Client) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
