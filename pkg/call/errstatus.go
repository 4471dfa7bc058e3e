// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errStatus converts a transport-reported error into a Status,
// preserving its code when it already carries one (the transport
// returned a status error) and falling back to UNKNOWN otherwise.
func errStatus(err error) Status {
	if err == nil {
		return Status{Code: codes.OK}
	}
	if s, ok := status.FromError(err); ok {
		return Status{Code: s.Code(), Message: s.Message()}
	}
	return Status{Code: codes.Unknown, Message: err.Error()}
}

// errStatusAsError is the inverse of errStatus: it turns a Status
// back into a standard grpc status error for callers that need to
// fail an op with one.
func errStatusAsError(st Status) error {
	return status.Error(st.Code, st.Message)
}
