// Package stats computes per-project rollups over the test and issue
// population. Reads come from one store snapshot; an optional Redis
// cache in front trades freshness for load, never consistency.
package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sitesentry/qa-platform/internal/domain"
	"github.com/sitesentry/qa-platform/internal/teststore"
)

// Aggregator summarizes project state
type Aggregator struct {
	store  *teststore.Store
	cache  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New creates an Aggregator. cache may be nil, in which case every
// Summarize call hits the store.
func New(store *teststore.Store, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *Aggregator {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Aggregator{store: store, cache: cache, ttl: ttl, logger: logger}
}

// Summarize returns total tests, the newest test's creation time and
// the open critical issue count for one project. Cached values may be
// stale up to the configured TTL.
func (a *Aggregator) Summarize(ctx context.Context, projectID string) (*domain.ProjectStats, error) {
	if a.cache != nil {
		if stats := a.cached(ctx, projectID); stats != nil {
			return stats, nil
		}
	}

	stats, err := a.store.ProjectStats(projectID)
	if err != nil {
		return nil, err
	}

	if a.cache != nil {
		data, err := json.Marshal(stats)
		if err == nil {
			if err := a.cache.Set(ctx, cacheKey(projectID), data, a.ttl).Err(); err != nil {
				a.logger.Warn("stats cache write failed", "project_id", projectID, "error", err)
			}
		}
	}
	return stats, nil
}

// Invalidate drops the cached rollup for a project. Called after test
// transitions so the next read reflects them promptly.
func (a *Aggregator) Invalidate(ctx context.Context, projectID string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Del(ctx, cacheKey(projectID)).Err(); err != nil {
		a.logger.Warn("stats cache invalidation failed", "project_id", projectID, "error", err)
	}
}

func (a *Aggregator) cached(ctx context.Context, projectID string) *domain.ProjectStats {
	data, err := a.cache.Get(ctx, cacheKey(projectID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			a.logger.Warn("stats cache read failed", "project_id", projectID, "error", err)
		}
		return nil
	}

	var stats domain.ProjectStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil
	}
	return &stats
}

func cacheKey(projectID string) string {
	return "stats:" + projectID
}
