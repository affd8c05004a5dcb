// Package ratelimit enforces per-principal, per-axis sliding-window limits
// and records usage accounting.
//
// Enforcement and accounting are independent paths: a failure to write an
// accounting record never fails the request being limited.
package ratelimit

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/claudelens/claudelens/internal/apperr"
	"github.com/claudelens/claudelens/internal/storage"
	"github.com/claudelens/claudelens/internal/types"
)

// settingsTTL is how long a loaded settings snapshot stays fresh.
const settingsTTL = 60 * time.Second

// shardCount spreads in-memory counters across locks by principal hash.
const shardCount = 16

// Engine is the multi-axis limiter.
type Engine struct {
	store storage.Store
	log   *zap.Logger
	now   func() time.Time

	settingsMu sync.RWMutex
	settings   *types.LimitSettings
	loadedAt   time.Time

	shards [shardCount]*shard
}

type shard struct {
	mu      sync.Mutex
	rollups map[rollupKey]*types.UsageRollup
}

type rollupKey struct {
	userID string
	axis   types.LimitAxis
	bucket int64 // Unix seconds of the minute bucket
}

func NewEngine(store storage.Store, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		store: store,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for i := range e.shards {
		e.shards[i] = &shard{rollups: make(map[rollupKey]*types.UsageRollup)}
	}
	return e
}

// Check enforces the limit for one attempt. An allowed attempt consumes a
// slot (a record is appended); a denied one returns a rate_limited error
// whose decision carries Retry-After.
func (e *Engine) Check(ctx context.Context, p types.Principal, axis types.LimitAxis) (types.Decision, error) {
	settings, err := e.snapshot(ctx)
	if err != nil {
		// Enforcement must not turn a settings read failure into an outage.
		e.log.Warn("rate-limit settings load failed, allowing", zap.Error(err))
		return types.Decision{Allowed: true}, nil
	}

	limit := settings.Axes[axis]
	if !settings.GloballyEnabled || limit.Unlimited() {
		return types.Decision{Allowed: true, Remaining: -1}, nil
	}

	now := e.now()
	since := now.Add(-limit.Window)
	count, oldest, err := e.store.CountAttempts(ctx, p.UserID, axis, since)
	if err != nil {
		e.log.Warn("rate-limit count failed, allowing", zap.Error(err))
		return types.Decision{Allowed: true}, nil
	}

	if count >= int64(limit.Limit) {
		reset := limit.Window
		if !oldest.IsZero() {
			reset = oldest.Add(limit.Window).Sub(now)
			if reset < 0 {
				reset = 0
			}
		}
		d := types.Decision{Allowed: false, Limit: limit.Limit, Remaining: 0, ResetAfter: reset}
		e.observe(p.UserID, axis, now, false, float64(count)/float64(limit.Limit))
		return d, nil
	}

	if err := e.store.AddAttempt(ctx, storage.Attempt{UserID: p.UserID, Axis: axis, Timestamp: now}); err != nil {
		e.log.Warn("rate-limit attempt write failed", zap.Error(err))
	}
	e.observe(p.UserID, axis, now, true, float64(count+1)/float64(limit.Limit))
	return types.Decision{
		Allowed:   true,
		Limit:     limit.Limit,
		Remaining: limit.Limit - int(count) - 1,
	}, nil
}

// Deny wraps a denied decision in the boundary error the HTTP layer maps
// to 429 with Retry-After.
func Deny(axis types.LimitAxis, d types.Decision) error {
	return apperr.New(apperr.RateLimited, "rate_limited",
		fmt.Sprintf("%s rate limit exceeded", axis)).
		WithDetail("retry_after_seconds", int(d.ResetAfter.Seconds()+0.999)).
		WithDetail("limit", d.Limit)
}

// RecordTraffic adds latency and byte counters to the current minute
// bucket. Best-effort accounting for request middleware.
func (e *Engine) RecordTraffic(userID string, axis types.LimitAxis, latency time.Duration, bytesIn, bytesOut int64) {
	if userID == "" {
		return
	}
	r := e.bucketFor(userID, axis, e.now())
	sh := e.shardFor(userID)
	sh.mu.Lock()
	r.TotalLatencyMS += latency.Milliseconds()
	r.BytesIn += bytesIn
	r.BytesOut += bytesOut
	sh.mu.Unlock()
}

// observe bumps the in-memory rollup for one enforcement outcome.
func (e *Engine) observe(userID string, axis types.LimitAxis, now time.Time, allowed bool, ratio float64) {
	if userID == "" {
		return
	}
	r := e.bucketFor(userID, axis, now)
	sh := e.shardFor(userID)
	sh.mu.Lock()
	r.Requests++
	if allowed {
		r.Allowed++
	} else {
		r.Blocked++
	}
	if ratio > r.PeakRatio {
		r.PeakRatio = ratio
	}
	sh.mu.Unlock()
}

// bucketFor returns the live rollup for (user, axis, minute), creating it
// under the shard lock when absent.
func (e *Engine) bucketFor(userID string, axis types.LimitAxis, now time.Time) *types.UsageRollup {
	bucket := now.Truncate(time.Minute)
	key := rollupKey{userID: userID, axis: axis, bucket: bucket.Unix()}
	sh := e.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	r, ok := sh.rollups[key]
	if !ok {
		r = &types.UsageRollup{UserID: userID, Axis: axis, BucketStart: bucket}
		sh.rollups[key] = r
	}
	return r
}

func (e *Engine) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return e.shards[h.Sum32()%shardCount]
}

// Flush moves all in-memory rollups into durable storage. Called by the
// scheduler every 60 seconds and at shutdown.
func (e *Engine) Flush(ctx context.Context) error {
	var pending []*types.UsageRollup
	for _, sh := range e.shards {
		sh.mu.Lock()
		for k, r := range sh.rollups {
			pending = append(pending, r)
			delete(sh.rollups, k)
		}
		sh.mu.Unlock()
	}
	if len(pending) == 0 {
		return nil
	}
	if err := e.store.UpsertUsageRollups(ctx, pending); err != nil {
		return fmt.Errorf("usage flush failed: %w", err)
	}
	return nil
}

// snapshot returns the cached settings document, reloading after the TTL.
func (e *Engine) snapshot(ctx context.Context) (*types.LimitSettings, error) {
	e.settingsMu.RLock()
	fresh := e.settings != nil && e.now().Sub(e.loadedAt) < settingsTTL
	s := e.settings
	e.settingsMu.RUnlock()
	if fresh {
		return s, nil
	}

	loaded, err := e.store.GetLimitSettings(ctx)
	if err != nil {
		if s != nil {
			return s, nil
		}
		return nil, err
	}
	e.settingsMu.Lock()
	e.settings = loaded
	e.loadedAt = e.now()
	e.settingsMu.Unlock()
	return loaded, nil
}

// UpdateSettings persists new settings and publishes the snapshot
// immediately instead of waiting for the TTL.
func (e *Engine) UpdateSettings(ctx context.Context, s *types.LimitSettings) error {
	if err := e.store.SetLimitSettings(ctx, s); err != nil {
		return err
	}
	e.settingsMu.Lock()
	e.settings = s
	e.loadedAt = e.now()
	e.settingsMu.Unlock()
	return nil
}

// Prune deletes enforcement records older than attemptRetention and usage
// rollups older than rollupRetention. Returns total rows removed.
func (e *Engine) Prune(ctx context.Context, attemptRetention, rollupRetention time.Duration) (int64, error) {
	attempts, err := e.store.PruneAttempts(ctx, e.now().Add(-attemptRetention))
	if err != nil {
		return 0, err
	}
	rollups, err := e.store.PruneUsageRollups(ctx, e.now().Add(-rollupRetention))
	if err != nil {
		return attempts, err
	}
	return attempts + rollups, nil
}
