package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/fieldvisit-monitor/internal/pkg/httputil"
	"github.com/ignite/fieldvisit-monitor/internal/pkg/logger"
	"github.com/ignite/fieldvisit-monitor/internal/stream"
)

// pingInterval keeps idle SSE connections alive through proxies.
const pingInterval = 15 * time.Second

// MonitorStream runs the pipeline and streams its events as server-sent
// events. The connection closes after the terminal event; a client
// disconnect cancels the run. ?refresh=true bypasses cache reads.
func (h *Handlers) MonitorStream(w http.ResponseWriter, r *http.Request) {
	runner, domainID, ok := h.runner(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ctx := r.Context()
	force := r.URL.Query().Get("refresh") == "true"
	runID := stream.NewRunID()

	// The run emits into a channel; this handler owns all writes to the
	// response so events and pings never interleave.
	events := make(chan stream.Event, 16)
	go func() {
		defer close(events)
		_, err := runner.Run(ctx, runID, stream.SinkFunc(func(e stream.Event) error {
			select {
			case events <- e:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}), force)
		if err != nil {
			logger.Warn("stream run ended with error", "domain_id", domainID, "run_id", runID, "error", err)
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()
			if e.Type == stream.EventComplete || e.Type == stream.EventError {
				return
			}
		case <-ping.C:
			fmt.Fprintf(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}
