// Package stream runs the monitoring pipeline as an ordered sequence of
// stages, pushing progress and intermediate results to a ProgressSink as
// each stage finishes. The orchestrator owns sequencing, caching, token
// recovery, and partial-failure policy; the analysis itself lives in the
// followup, gps, and quality packages.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/fieldvisit-monitor/internal/cache"
	"github.com/ignite/fieldvisit-monitor/internal/domain"
	"github.com/ignite/fieldvisit-monitor/internal/followup"
	"github.com/ignite/fieldvisit-monitor/internal/gps"
	"github.com/ignite/fieldvisit-monitor/internal/pkg/logger"
	"github.com/ignite/fieldvisit-monitor/internal/quality"
	"github.com/ignite/fieldvisit-monitor/internal/upstream"
)

// Pipeline stages in execution order. Indices in progress events are
// 1-based.
var stageNames = []string{
	"fetch-visits",
	"fetch-worker-names",
	"gps-analysis",
	"fetch-registrations",
	"fetch-scores",
	"aggregate",
}

// VisitSource is the slice of the visit-submission connector the
// orchestrator needs.
type VisitSource interface {
	FetchVisitRecords(ctx context.Context, domainID string, dr domain.DateRange) ([]domain.VisitRecord, error)
	CountVisitRecords(ctx context.Context, domainID string, dr domain.DateRange) (int, error)
	FetchWorkerScores(ctx context.Context, domainID string) (map[string]domain.WorkerScore, error)
}

// CaseSource is the slice of the case-management connector the
// orchestrator needs.
type CaseSource interface {
	FetchRegistrations(ctx context.Context, domainID string) ([]domain.SubjectProfile, error)
	CountRegistrations(ctx context.Context, domainID string) (int, error)
	FetchWorkerNames(ctx context.Context, domainID string) (map[string]string, error)
}

// SnapshotSaver persists run results. status is RunInProgress or
// RunCompleted; the store decides what to strip per status.
type SnapshotSaver interface {
	Save(ctx context.Context, domainID, runID string, p *Payload, status string) error
}

// RunConfig carries the per-domain monitoring parameters resolved at
// startup from configuration.
type RunConfig struct {
	DomainID        string
	DomainName      string
	DateRangeDays   int
	GPSThresholdKm  float64
	GracePeriodDays int
	TrailingDays    int
	EligibleOnly    bool
}

// Orchestrator drives the monitoring pipeline for one domain. It holds no
// per-run state; concurrent Run calls are safe.
type Orchestrator struct {
	cfg       RunConfig
	visits    VisitSource
	cases     CaseSource
	engine    *followup.Engine
	cache     *cache.Manager // nil disables caching
	tokens    upstream.TokenSource
	snapshots SnapshotSaver // nil disables persistence

	now func() time.Time
}

// NewOrchestrator wires a pipeline for one domain. cache, tokens and
// snapshots may be nil; the corresponding behavior is skipped.
func NewOrchestrator(cfg RunConfig, visits VisitSource, cases CaseSource, engine *followup.Engine, cacheMgr *cache.Manager, tokens upstream.TokenSource, snapshots SnapshotSaver) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		visits:    visits,
		cases:     cases,
		engine:    engine,
		cache:     cacheMgr,
		tokens:    tokens,
		snapshots: snapshots,
		now:       time.Now,
	}
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// run holds the state of one pipeline execution.
type run struct {
	o         *Orchestrator
	runID     string
	sink      ProgressSink
	force     bool
	refreshed bool // token was already refreshed once this run

	fromCacheVisits bool
	fromCacheRegs   bool
}

// Run executes all stages, emitting events to sink as they complete, and
// returns the assembled payload. forceRefresh bypasses cache reads (fresh
// fetches still repopulate the cache). A context cancellation aborts the
// run between and within stages; no terminal event is emitted for it, the
// consumer is already gone.
func (o *Orchestrator) Run(ctx context.Context, runID string, sink ProgressSink, forceRefresh bool) (*Payload, error) {
	r := &run{o: o, runID: runID, sink: sink, force: forceRefresh}
	logger.Info("monitor run starting",
		"run_id", runID, "domain_id", o.cfg.DomainID, "force_refresh", forceRefresh)

	p, err := r.execute(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.Info("monitor run cancelled", "run_id", runID, "domain_id", o.cfg.DomainID)
			return nil, err
		}
		logger.Error("monitor run failed", "run_id", runID, "domain_id", o.cfg.DomainID, "error", err)
		_ = sink.Emit(Event{Type: EventError, Message: err.Error()})
		return nil, err
	}

	logger.Info("monitor run complete", "run_id", runID, "domain_id", o.cfg.DomainID, "from_cache", p.FromCache)
	return p, nil
}

func (r *run) execute(ctx context.Context) (*Payload, error) {
	now := r.o.now().UTC()
	dateRange := domain.LastNDays(now, r.o.cfg.DateRangeDays)

	// Stage 1: visit records. The backbone of every later stage; failure
	// is fatal.
	if err := r.progress(ctx, 1, "fetching visit records"); err != nil {
		return nil, err
	}
	var visits []domain.VisitRecord
	err := r.cached(ctx, "visits", rangeFingerprint(dateRange), &visits, &r.fromCacheVisits, func(ctx context.Context) (int, error) {
		return withTokenRetry(ctx, r, func(ctx context.Context) (int, error) {
			return r.o.visits.CountVisitRecords(ctx, r.o.cfg.DomainID, dateRange)
		})
	}, func(ctx context.Context) (any, int, error) {
		v, err := withTokenRetry(ctx, r, func(ctx context.Context) ([]domain.VisitRecord, error) {
			return r.o.visits.FetchVisitRecords(ctx, r.o.cfg.DomainID, dateRange)
		})
		return v, len(v), err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching visit records: %w", err)
	}

	// Stage 2: worker display names. Cosmetic; a failure degrades the
	// output but never aborts the run.
	if err := r.progress(ctx, 2, "fetching worker names"); err != nil {
		return nil, err
	}
	// The directory endpoint reports no total; the time rule alone decides.
	var names map[string]string
	err = r.cached(ctx, "worker-names", "all", &names, nil, nil, func(ctx context.Context) (any, int, error) {
		n, err := withTokenRetry(ctx, r, func(ctx context.Context) (map[string]string, error) {
			return r.o.cases.FetchWorkerNames(ctx, r.o.cfg.DomainID)
		})
		return n, len(n), err
	})
	if err != nil {
		if isCancel(ctx, err) {
			return nil, err
		}
		names = nil
		if err := r.partialFailure(ctx, 2, err); err != nil {
			return nil, err
		}
	}

	// Stage 3: GPS analysis over the already-fetched records.
	if err := r.progress(ctx, 3, "analyzing travel distances"); err != nil {
		return nil, err
	}
	analysis := gps.Analyze(visits, r.o.cfg.GPSThresholdKm, r.o.cfg.TrailingDays, now)
	if err := r.delta(ctx, 3, map[string]any{"gps_data": analysis}); err != nil {
		return nil, err
	}

	// Stage 4: registrations with embedded schedules. Fatal on failure;
	// without them nothing can be classified.
	if err := r.progress(ctx, 4, "fetching registrations"); err != nil {
		return nil, err
	}
	var profiles []domain.SubjectProfile
	err = r.cached(ctx, "registrations", "all", &profiles, &r.fromCacheRegs, func(ctx context.Context) (int, error) {
		return withTokenRetry(ctx, r, func(ctx context.Context) (int, error) {
			return r.o.cases.CountRegistrations(ctx, r.o.cfg.DomainID)
		})
	}, func(ctx context.Context) (any, int, error) {
		p, err := withTokenRetry(ctx, r, func(ctx context.Context) ([]domain.SubjectProfile, error) {
			return r.o.cases.FetchRegistrations(ctx, r.o.cfg.DomainID)
		})
		return p, len(p), err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching registrations: %w", err)
	}

	// Stage 5: worker performance scores. Optional feed; degrade on
	// failure.
	if err := r.progress(ctx, 5, "fetching worker scores"); err != nil {
		return nil, err
	}
	var scores map[string]domain.WorkerScore
	err = r.cached(ctx, "scores", "all", &scores, nil, nil, func(ctx context.Context) (any, int, error) {
		s, err := withTokenRetry(ctx, r, func(ctx context.Context) (map[string]domain.WorkerScore, error) {
			return r.o.visits.FetchWorkerScores(ctx, r.o.cfg.DomainID)
		})
		return s, len(s), err
	})
	if err != nil {
		if isCancel(ctx, err) {
			return nil, err
		}
		scores = nil
		if err := r.partialFailure(ctx, 5, err); err != nil {
			return nil, err
		}
	}

	// Stage 6: merge, classify, assemble, persist.
	if err := r.progress(ctx, 6, "classifying visits"); err != nil {
		return nil, err
	}
	merged := r.o.engine.Merge(profiles, visits, followup.Options{
		Now:             now,
		GracePeriodDays: r.o.cfg.GracePeriodDays,
		EligibleOnly:    r.o.cfg.EligibleOnly,
	})
	if err := r.delta(ctx, 6, map[string]any{"followup_data": merged}); err != nil {
		return nil, err
	}
	workerQuality := quality.Compute(profiles, visits)

	payload := assemblePayload(
		r.o.cfg.DomainID, r.o.cfg.DomainName, now,
		r.fromCacheVisits && r.fromCacheRegs,
		analysis, merged, workerQuality, scores, names, visits,
	)

	r.save(ctx, payload, RunInProgress)

	if err := r.sink.Emit(Event{
		Type:        EventComplete,
		Stage:       stageNames[5],
		StageIndex:  6,
		TotalStages: len(stageNames),
		Data:        payload,
	}); err != nil {
		return nil, err
	}

	// The consumer usually disconnects the moment the terminal event is
	// flushed, which cancels a request-scoped ctx. The completed snapshot
	// must land regardless.
	r.save(context.WithoutCancel(ctx), payload, RunCompleted)
	return payload, nil
}

// cached is the read-through path for one upstream source. count, when
// non-nil, establishes the upstream's current item total before the cache
// decision so the count and percentage rules can run; a count failure
// degrades to the time rule alone. fetch returns the value to cache plus
// its item count. On a valid cache hit the entry is decoded into dst and
// fromCache (when non-nil) is set; a decode failure falls through to a
// fresh fetch.
func (r *run) cached(ctx context.Context, source, fingerprint string, dst any, fromCache *bool, count func(context.Context) (int, error), fetch func(context.Context) (any, int, error)) error {
	if r.o.cache != nil && !r.force {
		requested := 0
		if count != nil {
			n, err := count(ctx)
			switch {
			case err == nil:
				requested = n
			case isCancel(ctx, err):
				return err
			default:
				logger.Warn("upstream count unavailable, using time rule only",
					"source", source, "error", err)
			}
		}
		if entry, ok := r.o.cache.Get(ctx, source, fingerprint, requested); ok {
			if err := entry.Decode(dst); err == nil {
				if fromCache != nil {
					*fromCache = true
				}
				return nil
			}
			logger.Warn("cached entry undecodable, refetching", "source", source, "fingerprint", fingerprint)
		}
	}

	value, itemCount, err := fetch(ctx)
	if err != nil {
		return err
	}
	if r.o.cache != nil {
		if err := r.o.cache.Put(ctx, source, fingerprint, value, itemCount); err != nil {
			logger.Warn("cache write failed", "source", source, "error", err)
		}
	}

	// Round-trip through the cache codec so hits and misses yield the
	// same representation.
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// withTokenRetry runs fn, and on an expired-token error refreshes the
// token and retries exactly once per run. A second expiry anywhere in the
// run is surfaced as-is.
func withTokenRetry[T any](ctx context.Context, r *run, fn func(context.Context) (T, error)) (T, error) {
	out, err := fn(ctx)
	if !errors.Is(err, upstream.ErrTokenExpired) {
		return out, err
	}
	if r.refreshed || r.o.tokens == nil {
		return out, err
	}
	r.refreshed = true
	logger.Info("upstream token expired, refreshing", "run_id", r.runID)
	if _, rerr := r.o.tokens.Refresh(ctx); rerr != nil {
		return out, fmt.Errorf("refreshing expired token: %w", rerr)
	}
	return fn(ctx)
}

func (r *run) progress(ctx context.Context, index int, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.sink.Emit(Event{
		Type:        EventProgress,
		Stage:       stageNames[index-1],
		StageIndex:  index,
		TotalStages: len(stageNames),
		Message:     message,
	})
}

func (r *run) delta(ctx context.Context, index int, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.sink.Emit(Event{
		Type:        EventDelta,
		Stage:       stageNames[index-1],
		StageIndex:  index,
		TotalStages: len(stageNames),
		Data:        data,
	})
}

// partialFailure reports a degraded stage and lets the run continue.
func (r *run) partialFailure(ctx context.Context, index int, cause error) error {
	logger.Warn("stage degraded, continuing",
		"run_id", r.runID, "stage", stageNames[index-1], "error", cause)
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.sink.Emit(Event{
		Type:        EventDelta,
		Stage:       stageNames[index-1],
		StageIndex:  index,
		TotalStages: len(stageNames),
		Message:     "partial failure: " + cause.Error(),
	})
}

// save persists the snapshot; persistence problems never fail a run that
// already produced a payload.
func (r *run) save(ctx context.Context, p *Payload, status string) {
	if r.o.snapshots == nil {
		return
	}
	if err := r.o.snapshots.Save(ctx, r.o.cfg.DomainID, r.runID, p, status); err != nil {
		logger.Warn("snapshot save failed", "run_id", r.runID, "status", status, "error", err)
	}
}

func rangeFingerprint(dr domain.DateRange) string {
	return dr.From.Format("20060102") + "-" + dr.To.Format("20060102")
}

func isCancel(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
