package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/fieldvisit-monitor/internal/pkg/distlock"
	"github.com/ignite/fieldvisit-monitor/internal/pkg/httputil"
	"github.com/ignite/fieldvisit-monitor/internal/snapshot"
	"github.com/ignite/fieldvisit-monitor/internal/stream"
	"github.com/ignite/fieldvisit-monitor/internal/upstream"
)

// Runner executes one monitoring run, emitting events to the sink.
type Runner interface {
	Run(ctx context.Context, runID string, sink stream.ProgressSink, forceRefresh bool) (*stream.Payload, error)
}

// SnapshotReader loads persisted run results.
type SnapshotReader interface {
	Load(ctx context.Context, domainID, runID string) (*snapshot.Record, error)
	LoadLatest(ctx context.Context, domainID string) (*snapshot.Record, error)
}

// LockFactory builds the per-domain lock serializing forced refreshes
// across replicas.
type LockFactory func(domainID string) distlock.Lock

// Handlers holds the per-domain pipelines and the snapshot reader.
type Handlers struct {
	runners   map[string]Runner
	snapshots SnapshotReader // nil when persistence is disabled
	locks     LockFactory    // nil disables refresh serialization
}

// NewHandlers builds the handler set. runners maps domain ID to its
// pipeline. snapshots and locks may be nil.
func NewHandlers(runners map[string]Runner, snapshots SnapshotReader, locks LockFactory) *Handlers {
	return &Handlers{runners: runners, snapshots: snapshots, locks: locks}
}

func (h *Handlers) runner(w http.ResponseWriter, r *http.Request) (Runner, string, bool) {
	domainID := chi.URLParam(r, "domainID")
	runner, ok := h.runners[domainID]
	if !ok {
		httputil.NotFound(w, "unknown domain: "+domainID)
		return nil, "", false
	}
	return runner, domainID, true
}

// HealthCheck reports process liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// snapshotResponse is the body of the snapshot read endpoint. The snapshot
// field is absent when none exists; has_snapshot makes the distinction
// explicit for clients.
type snapshotResponse struct {
	HasSnapshot bool             `json:"has_snapshot"`
	Snapshot    *snapshot.Record `json:"snapshot,omitempty"`
}

// GetSnapshot returns the latest persisted payload for a domain, or the
// payload of a specific run when run_id is given. A missing snapshot is a
// normal empty response, not an error.
func (h *Handlers) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	domainID := chi.URLParam(r, "domainID")
	if _, ok := h.runners[domainID]; !ok {
		httputil.NotFound(w, "unknown domain: "+domainID)
		return
	}
	if h.snapshots == nil {
		httputil.OK(w, snapshotResponse{})
		return
	}

	var rec *snapshot.Record
	var err error
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		rec, err = h.snapshots.Load(r.Context(), domainID, runID)
	} else {
		rec, err = h.snapshots.LoadLatest(r.Context(), domainID)
	}
	if errors.Is(err, snapshot.ErrNotFound) {
		httputil.OK(w, snapshotResponse{})
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, snapshotResponse{HasSnapshot: true, Snapshot: rec})
}

// ForceRefresh runs the pipeline synchronously with cache reads bypassed
// and returns the full payload. Progress events are discarded; this is the
// non-streaming trigger for scripted refreshes.
func (h *Handlers) ForceRefresh(w http.ResponseWriter, r *http.Request) {
	runner, domainID, ok := h.runner(w, r)
	if !ok {
		return
	}

	if h.locks != nil {
		lock := h.locks(domainID)
		acquired, err := lock.TryAcquire(r.Context())
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		if !acquired {
			httputil.Error(w, http.StatusConflict, "a refresh is already running for this domain")
			return
		}
		defer lock.Release(r.Context())
	}

	discard := stream.SinkFunc(func(stream.Event) error { return nil })
	payload, err := runner.Run(r.Context(), stream.NewRunID(), discard, true)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if errors.Is(err, upstream.ErrUnavailable) || errors.Is(err, upstream.ErrTokenExpired) {
			httputil.Error(w, http.StatusBadGateway, err.Error())
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, payload)
}
