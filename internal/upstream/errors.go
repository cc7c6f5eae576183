// Package upstream holds the error taxonomy and token plumbing shared by
// the feed connectors. Both upstream systems (the visit-submission API and
// the case-management forms API) authenticate with a bearer token issued
// by an external identity layer; connectors never mint tokens themselves.
package upstream

import "errors"

// Sentinel errors for the connector layer.
var (
	// ErrTokenExpired marks a 401 from an upstream feed. The orchestrator
	// reacts by requesting a refreshed token and retrying exactly once —
	// never by looping.
	ErrTokenExpired = errors.New("upstream token expired")

	// ErrUnavailable marks an upstream failure that survived the retry
	// budget (network errors, 5xx). Stages that do not depend on the
	// failed source continue; the stream reports a partial failure.
	ErrUnavailable = errors.New("upstream unavailable")
)
