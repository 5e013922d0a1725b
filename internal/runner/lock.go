package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/couchcryptid/geowarn-engine/internal/cache"
	"github.com/couchcryptid/geowarn-engine/internal/domain"
)

// lockTTL is generous on purpose: staleness is decided by comparing
// HeartbeatAt against heartbeatTimeout, not by the cache entry expiring
// out from under a legitimate long-running process (spec §4.5).
const lockTTL = 30 * 24 * time.Hour

// acquireLock implements spec §4.5's single-flight acquisition: read the
// durable lock; if held and its heartbeat is fresh, reject with
// already_running; if held and stale, evict the prior holder and
// re-acquire; if absent, acquire outright.
func (c *Controller) acquireLock(ctx context.Context, requestID string, mode domain.RunMode) (domain.RunState, error) {
	existing, found, err := c.readState(ctx)
	if err != nil {
		return domain.RunState{}, fmt.Errorf("read run lock: %w", err)
	}

	if found && existing.Running {
		if c.clock.Now().Sub(existing.HeartbeatAt) <= c.heartbeatTimeout {
			return domain.RunState{}, domain.ErrAlreadyRunning
		}
		c.logger.Warn("evicting run lock with stale heartbeat", "prior_request_id", existing.RequestID, "heartbeat_age", c.clock.Now().Sub(existing.HeartbeatAt))
		existing.LastError = domain.ErrHeartbeatLost.Error()
	}

	if requestID == "" {
		requestID = uuid.NewString()
	}

	now := c.clock.Now()
	state := domain.RunState{
		RequestID:   requestID,
		StartedAt:   now,
		HeartbeatAt: now,
		Mode:        mode,
		Running:     true,
	}

	if err := c.persistState(ctx, state); err != nil {
		return domain.RunState{}, fmt.Errorf("persist run lock: %w", err)
	}
	return state, nil
}

func (c *Controller) readState(ctx context.Context) (domain.RunState, bool, error) {
	return cache.GetJSON[domain.RunState](ctx, c.cache, cache.RunLockKey)
}

func (c *Controller) persistState(ctx context.Context, state domain.RunState) error {
	return cache.SetJSON(ctx, c.cache, cache.RunLockKey, state, lockTTL)
}

// Status returns the current RunState snapshot (spec §6 status()).
func (c *Controller) Status(ctx context.Context) (domain.RunState, error) {
	state, found, err := c.readState(ctx)
	if err != nil {
		return domain.RunState{}, fmt.Errorf("read run state: %w", err)
	}
	if !found {
		return domain.RunState{}, nil
	}
	return state, nil
}

// Abort sets abort_requested on the active run (spec §6 abort()). If this
// process holds the lock, cancellation also propagates immediately to its
// in-flight I/O; the run still only exits at the next batch boundary or
// I/O suspension point (spec §5).
func (c *Controller) Abort(ctx context.Context) (domain.RunState, error) {
	c.mu.Lock()
	if c.active != nil {
		c.active.abort = true
		if c.active.cancel != nil {
			c.active.cancel()
		}
	}
	c.mu.Unlock()

	state, found, err := c.readState(ctx)
	if err != nil {
		return domain.RunState{}, fmt.Errorf("read run state: %w", err)
	}
	if !found || !state.Running {
		return state, domain.ErrNotRunning
	}

	state.AbortRequested = true
	if err := c.persistState(ctx, state); err != nil {
		return state, fmt.Errorf("persist abort request: %w", err)
	}
	return state, nil
}

// Reset idempotently force-releases the lock regardless of heartbeat
// freshness (spec §6 reset()).
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	if c.active != nil {
		c.active.abort = true
	}
	c.mu.Unlock()

	state, found, err := c.readState(ctx)
	if err != nil {
		return fmt.Errorf("read run state: %w", err)
	}
	if !found {
		return nil
	}
	state.Running = false
	state.AbortRequested = false
	state.LastError = domain.ErrManualAbort.Error()
	return c.persistState(ctx, state)
}

// ResetScraperRuntime clears per-domain cooldowns and rate-limit counters,
// and optionally flushes the cache (spec §6 reset_scraper_runtime).
func (c *Controller) ResetScraperRuntime(ctx context.Context, clearCache bool) error {
	c.guardrails.Reset()
	if !clearCache {
		return nil
	}
	return c.cache.ClearPrefix(ctx, "cache:")
}
