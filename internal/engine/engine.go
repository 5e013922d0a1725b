// Package engine exposes the control-operation surface an outer API layer
// (HTTP, CLI, scheduler) drives the warning run with (spec §6). It is a thin
// envelope-shaping wrapper over runner.Controller: no business logic lives
// here, only translating Controller results into the response shapes the
// spec names for each operation.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/couchcryptid/geowarn-engine/internal/domain"
	"github.com/couchcryptid/geowarn-engine/internal/runner"
)

// Engine wraps a runner.Controller with the external-facing operations.
type Engine struct {
	ctrl *runner.Controller
}

// New constructs an Engine over the given Controller.
func New(ctrl *runner.Controller) *Engine {
	return &Engine{ctrl: ctrl}
}

// TriggerResult is the envelope returned by TriggerAsync.
type TriggerResult struct {
	Accepted  bool       `json:"accepted"`
	Running   bool       `json:"running"`
	Message   string     `json:"message"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
}

// TriggerAsync starts a run in the background and returns immediately with
// acceptance status (spec §6 trigger_async).
func (e *Engine) TriggerAsync(ctx context.Context, requestID string, fastMode bool, regionLimit *int) TriggerResult {
	opts := runner.TriggerOptions{Mode: domain.ModeFull}
	if fastMode {
		opts.Mode = domain.ModeFast
	}
	if regionLimit != nil {
		opts.RegionLimit = *regionLimit
	}

	state, err := e.ctrl.TriggerAsync(ctx, requestID, opts)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyRunning) {
			return TriggerResult{Accepted: false, Running: true, Message: domain.ErrAlreadyRunning.Error()}
		}
		return TriggerResult{Accepted: false, Running: false, Message: err.Error()}
	}

	startedAt := state.StartedAt
	return TriggerResult{
		Accepted:  true,
		Running:   true,
		Message:   "run accepted",
		StartedAt: &startedAt,
		RequestID: state.RequestID,
	}
}

// TriggerSyncResult is the envelope returned by TriggerSync.
type TriggerSyncResult struct {
	Decisions []domain.Decision `json:"decisions"`
	State     domain.RunState   `json:"state"`
}

// TriggerSync runs to completion (or abort/timeout) and returns the full
// result set (spec §6 trigger_sync).
func (e *Engine) TriggerSync(ctx context.Context, requestID string, fastMode bool, regionLimit *int) (TriggerSyncResult, error) {
	opts := runner.TriggerOptions{Mode: domain.ModeFull}
	if fastMode {
		opts.Mode = domain.ModeFast
	}
	if regionLimit != nil {
		opts.RegionLimit = *regionLimit
	}

	decisions, state, err := e.ctrl.TriggerSync(ctx, requestID, opts)
	if err != nil {
		return TriggerSyncResult{}, err
	}
	return TriggerSyncResult{Decisions: decisions, State: state}, nil
}

// Status returns the current RunState projection (spec §6 status()).
func (e *Engine) Status(ctx context.Context) (domain.RunState, error) {
	return e.ctrl.Status(ctx)
}

// AbortResult is the envelope returned by Abort.
type AbortResult struct {
	OK        bool   `json:"ok"`
	Running   bool   `json:"running"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Abort requests cooperative cancellation of the active run (spec §6
// abort()).
func (e *Engine) Abort(ctx context.Context) AbortResult {
	state, err := e.ctrl.Abort(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotRunning) {
			return AbortResult{OK: false, Running: false, Message: domain.ErrNotRunning.Error()}
		}
		return AbortResult{OK: false, Running: state.Running, Message: err.Error()}
	}
	return AbortResult{OK: true, Running: state.Running, Message: "abort requested", RequestID: state.RequestID}
}

// Reset idempotently force-releases the lock (spec §6 reset()).
func (e *Engine) Reset(ctx context.Context) error {
	return e.ctrl.Reset(ctx)
}

// DebugLastCollection returns the most recent CollectionResults held in
// memory for introspection (spec §6 debug_last_collection()).
func (e *Engine) DebugLastCollection() []domain.CollectionResult {
	return e.ctrl.DebugLastCollection()
}

// DebugRandomize synthesizes plausible Decisions for every region and
// pushes them via the Delta Publisher without persisting (spec §6
// debug_randomize()).
func (e *Engine) DebugRandomize(ctx context.Context) ([]domain.Decision, error) {
	return e.ctrl.DebugRandomize(ctx)
}

// ResetScraperRuntime clears per-domain cooldowns and rate-limit counters,
// optionally flushing the cache (spec §6 reset_scraper_runtime()).
func (e *Engine) ResetScraperRuntime(ctx context.Context, clearCache bool) error {
	return e.ctrl.ResetScraperRuntime(ctx, clearCache)
}
