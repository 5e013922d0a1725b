// Package runner implements the Run Controller (C5): single-flight run
// lifecycle — lock acquisition, heartbeat, deterministic batch scheduling,
// cooperative abort, partial-timeout survival, and all-or-nothing batch
// commit (spec §4.5). It is the teacher's internal/pipeline.Pipeline
// control-loop shape (extract/transform/load -> collect/fuse/commit,
// ctx-driven, metrics-observed) generalized to a region-batch run instead
// of a continuous Kafka consumer loop.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/geowarn-engine/internal/cache"
	"github.com/couchcryptid/geowarn-engine/internal/collector"
	"github.com/couchcryptid/geowarn-engine/internal/domain"
	"github.com/couchcryptid/geowarn-engine/internal/fusion"
	"github.com/couchcryptid/geowarn-engine/internal/observability"
	"github.com/couchcryptid/geowarn-engine/internal/publish"
	"github.com/couchcryptid/geowarn-engine/internal/selector"
	"github.com/couchcryptid/geowarn-engine/internal/source"
	"github.com/couchcryptid/geowarn-engine/internal/store"
)

// debugCollectionLimit bounds the in-memory debug_last_collection buffer
// (spec §6: "held in memory, size-bounded").
const debugCollectionLimit = 500

// TriggerOptions are the per-call inputs to a run, independent of whatever
// the controller otherwise has configured.
type TriggerOptions struct {
	Mode        domain.RunMode
	RegionLimit int
	ForceLLM    bool
}

// Controller is the single process-wide Run Controller. At most one run
// may be in flight per process (the mu-guarded `active` run handle, which
// carries the run's cancel func), and the durable lock in Cache enforces at-most-one across
// processes (spec §4.5, §5 "Shared resources").
type Controller struct {
	store      *store.Store
	cache      *cache.Store
	registry   *source.Registry
	collector    *collector.Collector
	pipeline     *fusion.Pipeline
	publisher    *publish.Publisher
	guardrails   *source.ScraperGuardrails
	collisionMap *source.URLCollisionMap
	metrics      *observability.Metrics
	logger     *slog.Logger
	clock      clockwork.Clock

	heartbeatTimeout        time.Duration
	workflowMaxRuntime      time.Duration
	workflowMaxRuntimeSecs  int
	collectorMaxConcurrency int
	highRiskHeadSize        int
	defaultRegionLimit      int

	mu     sync.Mutex
	active *activeRun

	debugMu         sync.Mutex
	lastCollection  []domain.CollectionResult
}

// activeRun tracks the run this process is currently executing, so Abort
// can act immediately without waiting on a durable-storage round trip.
type activeRun struct {
	requestID string
	cancel    context.CancelFunc
	abort     bool
}

// Config bundles Controller's runtime tunables, sourced from
// internal/config (spec §6).
type Config struct {
	HeartbeatTimeout        time.Duration
	WorkflowMaxRuntimeSecs  int
	CollectorMaxConcurrency int
	HighRiskHeadSize        int
	DefaultRegionLimit      int
}

// New builds a Controller.
func New(st *store.Store, cacheStore *cache.Store, registry *source.Registry, col *collector.Collector, pipe *fusion.Pipeline, pub *publish.Publisher, guardrails *source.ScraperGuardrails, collisionMap *source.URLCollisionMap, metrics *observability.Metrics, logger *slog.Logger, clock clockwork.Clock, cfg Config) *Controller {
	return &Controller{
		store:                   st,
		cache:                   cacheStore,
		registry:                registry,
		collector:               col,
		pipeline:                pipe,
		publisher:               pub,
		guardrails:              guardrails,
		collisionMap:            collisionMap,
		metrics:                 metrics,
		logger:                  logger,
		clock:                   clock,
		heartbeatTimeout:        cfg.HeartbeatTimeout,
		workflowMaxRuntime:      time.Duration(cfg.WorkflowMaxRuntimeSecs) * time.Second,
		workflowMaxRuntimeSecs:  cfg.WorkflowMaxRuntimeSecs,
		collectorMaxConcurrency: cfg.CollectorMaxConcurrency,
		highRiskHeadSize:        cfg.HighRiskHeadSize,
		defaultRegionLimit:      cfg.DefaultRegionLimit,
	}
}

// TriggerAsync acquires the run lock and starts the run on a background
// goroutine, returning once the lock decision is known (spec §6
// trigger_async).
func (c *Controller) TriggerAsync(ctx context.Context, requestID string, opts TriggerOptions) (domain.RunState, error) {
	state, runCtx, cancel, err := c.start(ctx, requestID, opts)
	if err != nil {
		return state, err
	}

	go func() {
		defer cancel()
		c.execute(runCtx, state, opts)
	}()

	return state, nil
}

// TriggerSync acquires the run lock and runs synchronously, returning the
// full decision set once the run finalizes (spec §6 trigger_sync).
func (c *Controller) TriggerSync(ctx context.Context, requestID string, opts TriggerOptions) ([]domain.Decision, domain.RunState, error) {
	state, runCtx, cancel, err := c.start(ctx, requestID, opts)
	if err != nil {
		return nil, state, err
	}
	defer cancel()

	decisions, final := c.execute(runCtx, state, opts)
	return decisions, final, nil
}

// start acquires the lock and prepares a cancellable run context; shared
// by TriggerAsync and TriggerSync.
func (c *Controller) start(ctx context.Context, requestID string, opts TriggerOptions) (domain.RunState, context.Context, context.CancelFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return domain.RunState{}, nil, nil, domain.ErrAlreadyRunning
	}

	state, err := c.acquireLock(ctx, requestID, opts.Mode)
	if err != nil {
		return domain.RunState{}, nil, nil, err
	}

	if c.collisionMap != nil {
		c.collisionMap.Reset()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.active = &activeRun{requestID: state.RequestID, cancel: cancel}

	return state, runCtx, cancel, nil
}

// execute runs the full batch loop and finalizes the lock. It always
// returns, never panics the process on a run-level failure (spec §7:
// "never crash the process").
func (c *Controller) execute(ctx context.Context, state domain.RunState, opts TriggerOptions) ([]domain.Decision, domain.RunState) {
	defer func() {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
	}()

	c.metrics.RunsStarted.Inc()
	c.metrics.RunRunning.Set(1)
	defer c.metrics.RunRunning.Set(0)
	runStart := c.clock.Now()

	decisions, final := c.runLoop(ctx, state, opts)

	final.Running = false
	final.LastFinishedAt = c.clock.Now()
	if err := c.persistState(ctx, final); err != nil {
		c.logger.Error("failed to persist final run state", "request_id", final.RequestID, "error", err)
	}

	outcome := outcomeLabel(final.LastError)
	c.metrics.RunsCompleted.WithLabelValues(outcome).Inc()
	c.metrics.RunDuration.Observe(c.clock.Now().Sub(runStart).Seconds())
	c.metrics.RegionsProcessed.Add(float64(final.ProcessedRegions))

	c.logger.Info("run finalized", "request_id", final.RequestID, "processed_regions", final.ProcessedRegions, "selected_regions", final.SelectedRegions, "last_error", final.LastError)

	return decisions, final
}

func outcomeLabel(lastError string) string {
	switch {
	case lastError == "":
		return "success"
	case lastError == domain.ErrManualAbort.Error():
		return "manual_abort"
	case len(lastError) >= len("workflow_partial_timeout_after_") && lastError[:len("workflow_partial_timeout_after_")] == "workflow_partial_timeout_after_":
		return "partial_timeout"
	default:
		return "error"
	}
}

// runLoop drives spec §4.5's per-batch loop: abort check, deadline check,
// collect+fuse, commit, publish, heartbeat.
func (c *Controller) runLoop(ctx context.Context, state domain.RunState, opts TriggerOptions) ([]domain.Decision, domain.RunState) {
	regions, err := c.store.ListRegions(ctx)
	if err != nil {
		state.LastError = internalErrorTag("list_regions_failed")
		return nil, state
	}

	regionLimit := opts.RegionLimit
	if regionLimit <= 0 {
		regionLimit = c.defaultRegionLimit
	}

	sel := selector.Select(regions, selector.Options{
		Mode:             opts.Mode,
		RequestID:        state.RequestID,
		RegionLimit:      regionLimit,
		HighRiskHeadSize: c.highRiskHeadSize,
	})
	state.SelectedRegions = len(sel.Selected)
	state.TotalRegions = sel.TotalRegions
	if err := c.persistState(ctx, state); err != nil {
		c.logger.Warn("failed to persist selected region counts", "request_id", state.RequestID, "error", err)
	}

	batchSize := selector.ClampBatchSize(c.collectorMaxConcurrency)
	batches := selector.Batches(sel.Selected, batchSize)

	var allDecisions []domain.Decision

	for batchIndex, batch := range batches {
		if c.abortRequested() {
			state.AbortRequested = true
			state.LastError = domain.ErrManualAbort.Error()
			break
		}
		if c.clock.Now().Sub(state.StartedAt) > c.workflowMaxRuntime {
			state.LastError = fmt.Sprintf("workflow_partial_timeout_after_%d", c.workflowMaxRuntimeSecs)
			break
		}

		decisions, err := c.runBatch(ctx, state.RequestID, batchIndex, batch, opts)
		if err != nil {
			if ctx.Err() != nil {
				// Cooperative cancellation mid-batch: treat like abort/timeout,
				// whichever the caller already signalled.
				if state.AbortRequested || c.abortRequested() {
					state.LastError = domain.ErrManualAbort.Error()
				} else {
					state.LastError = fmt.Sprintf("workflow_partial_timeout_after_%d", c.workflowMaxRuntimeSecs)
				}
				break
			}
			c.logger.Error("batch failed", "request_id", state.RequestID, "batch_index", batchIndex, "error", err)
			state.LastError = internalErrorTag("batch_commit_failed")
			break
		}

		allDecisions = append(allDecisions, decisions...)
		state.ProcessedRegions += len(batch)
		state.HeartbeatAt = c.clock.Now()
		if err := c.persistState(ctx, state); err != nil {
			c.logger.Warn("failed to persist heartbeat", "request_id", state.RequestID, "error", err)
		}
	}

	return allDecisions, state
}

// runBatch runs collect+fuse, commits the batch in one transaction, and
// publishes its delta. Any returned error means nothing in this batch was
// committed (spec §4.5 step 4: "all-or-nothing").
func (c *Controller) runBatch(ctx context.Context, requestID string, batchIndex int, batch []domain.Region, opts TriggerOptions) ([]domain.Decision, error) {
	start := c.clock.Now()
	defer func() { c.metrics.BatchSize.Observe(float64(len(batch))); c.metrics.BatchDuration.Observe(c.clock.Now().Sub(start).Seconds()) }()

	inputs := toRegionInputs(batch)

	collected, err := c.collector.Collect(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("collect batch %d: %w", batchIndex, err)
	}
	c.recordLastCollection(collected)

	decisions := c.pipeline.Run(ctx, collected, c.reliabilityByName(), fusion.RunOptions{ForceLLM: opts.ForceLLM})

	meteorologyJSON, err := c.commitBatch(ctx, decisions)
	if err != nil {
		return nil, fmt.Errorf("commit batch %d: %w", batchIndex, err)
	}

	delta := publish.BuildDelta(requestID, batchIndex, c.clock.Now(), decisions, meteorologyJSON)
	c.publisher.Publish(ctx, delta)

	return decisions, nil
}

func (c *Controller) reliabilityByName() map[string]float64 {
	out := make(map[string]float64)
	for _, s := range c.registry.All() {
		out[s.Name] = s.Reliability
	}
	return out
}

func toRegionInputs(regions []domain.Region) []source.RegionInput {
	out := make([]source.RegionInput, len(regions))
	for i, r := range regions {
		out[i] = source.RegionInput{Code: r.Code, Name: r.Name, Lat: r.Lat, Lon: r.Lon}
	}
	return out
}

func (c *Controller) abortRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil && c.active.abort
}

func internalErrorTag(tag string) string {
	return "internal:" + tag
}

// recordLastCollection appends a batch's collection results to the
// size-bounded debug buffer (spec §6 debug_last_collection), evicting the
// oldest entries first.
func (c *Controller) recordLastCollection(results []domain.CollectionResult) {
	c.debugMu.Lock()
	defer c.debugMu.Unlock()

	c.lastCollection = append(c.lastCollection, results...)
	if over := len(c.lastCollection) - debugCollectionLimit; over > 0 {
		c.lastCollection = c.lastCollection[over:]
	}
}

// DebugLastCollection returns the most recent CollectionResults held in
// memory (spec §6).
func (c *Controller) DebugLastCollection() []domain.CollectionResult {
	c.debugMu.Lock()
	defer c.debugMu.Unlock()
	out := make([]domain.CollectionResult, len(c.lastCollection))
	copy(out, c.lastCollection)
	return out
}
