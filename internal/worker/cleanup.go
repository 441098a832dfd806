package worker

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/noteloom/noteloom/internal/pipeline"
	"github.com/noteloom/noteloom/internal/store"
)

const cleanupLockKey = "noteloom:cleanup:lock"

// Cleaner periodically purges documents that have sat in failed state for
// longer than the configured TTL, reclaiming their files, vectors and rows.
type Cleaner struct {
	logger    *log.Logger
	store     *store.Store
	pipe      *pipeline.Pipeline
	rdb       *redis.Client
	expr      *cronexpr.Expression
	failedTTL time.Duration
}

// NewCleaner parses the cron spec and builds a Cleaner.
func NewCleaner(logger *log.Logger, st *store.Store, pipe *pipeline.Pipeline, rdb *redis.Client, cronSpec string, failedTTL time.Duration) (*Cleaner, error) {
	expr, err := cronexpr.Parse(cronSpec)
	if err != nil {
		return nil, err
	}
	return &Cleaner{logger: logger, store: st, pipe: pipe, rdb: rdb, expr: expr, failedTTL: failedTTL}, nil
}

// Start runs the sweep schedule until the context is cancelled.
func (c *Cleaner) Start(ctx context.Context) {
	next := c.expr.Next(time.Now())
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(next) {
				continue
			}
			next = c.expr.Next(now)
			c.Sweep(ctx)
		}
	}
}

// Sweep deletes stale failed documents. A Redis lock keeps concurrent
// worker replicas from sweeping the same rows.
func (c *Cleaner) Sweep(ctx context.Context) {
	if c.rdb != nil {
		ok, err := c.rdb.SetNX(ctx, cleanupLockKey, "1", 10*time.Minute).Result()
		if err != nil {
			c.logger.Printf("cleanup lock: %v", err)
			return
		}
		if !ok {
			return
		}
		defer c.rdb.Del(ctx, cleanupLockKey)
	}

	cutoff := time.Now().Add(-c.failedTTL)
	docs, err := c.store.ListStaleFailedDocuments(ctx, cutoff)
	if err != nil {
		c.logger.Printf("cleanup list: %v", err)
		return
	}
	for _, d := range docs {
		c.pipe.Purge(ctx, d)
		if _, err := c.store.DeleteDocument(ctx, d.ID, d.UserID); err != nil {
			c.logger.Printf("cleanup delete document=%s: %v", d.ID, err)
			continue
		}
		c.logger.Printf("cleanup removed failed document=%s age>%s", d.ID, c.failedTTL)
	}
	if len(docs) > 0 {
		c.logger.Printf("cleanup sweep removed %d documents", len(docs))
	}
}
