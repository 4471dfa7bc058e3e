// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package call

import "google.golang.org/grpc/codes"

// setStatusLocked records a terminal status from source, unless that
// source has already reported one: every source reports at most once
// per call. It does not by itself decide whether the call is
// finished; finishIOReqOpLocked and the lifecycle code consult
// effectiveStatusLocked for that.
//
// A client call that has just learned it was CANCELLED, or a server
// call that has just learned its status is non-OK, will never deliver
// any buffered message to a caller that hasn't already consumed it —
// so the inbound queue is flushed right here, the moment the status
// that makes it moot is recorded.
func (c *Call) setStatusLocked(source statusSource, st Status) {
	if c.statusSet[source] {
		return
	}
	c.statusSet[source] = true
	c.statuses[source] = st

	if c.role == RoleClient && st.Code == codes.Canceled {
		c.flushInboundLocked()
	}
	if c.role == RoleServer && st.Code != codes.OK {
		c.flushInboundLocked()
	}
}

// effectiveStatusLocked aggregates the three status sources in
// priority order: an API override (the user explicitly finished the
// call with a status) always wins over a core-detected failure
// (cancellation, deadline, framing violation), which always wins over
// whatever status the wire itself reported. If nothing has reported
// yet, the default depends on role: a client that has heard nothing
// back genuinely doesn't know what happened (UNKNOWN); a server that
// hasn't been told otherwise is still healthy (OK).
func (c *Call) effectiveStatusLocked() Status {
	for src := statusSource(0); src < numStatusSources; src++ {
		if c.statusSet[src] {
			return c.statuses[src]
		}
	}
	if c.role == RoleClient {
		return Status{Code: codes.Unknown}
	}
	return Status{Code: codes.OK}
}

// flushInboundLocked discards everything buffered in the inbound
// queue and reports the freed bytes to the in-flight-bytes gauge in
// the same step, so the gauge never drifts from what Len()/Bytes()
// would report.
func (c *Call) flushInboundLocked() {
	freed := int64(c.inbound.Bytes())
	c.inbound.Flush()
	c.addInFlightBytesLocked(-freed)
}

// hasTerminalStatusLocked reports whether any source has reported.
func (c *Call) hasTerminalStatusLocked() bool {
	for src := statusSource(0); src < numStatusSources; src++ {
		if c.statusSet[src] {
			return true
		}
	}
	return false
}
