// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"strconv"

	"google.golang.org/grpc/codes"

	"github.com/chanrpc/callrt/pkg/mdctx"
)

const (
	statusCodeKey    = "grpc-status"
	statusMessageKey = "grpc-message"
	peerKey          = ":peer"
)

// routeInboundMetadataLocked classifies an incoming metadata batch as
// initial or trailing purely from the call's current read state: the
// first metadata batch a call ever sees is initial; every one after
// that is trailing. This mirrors the wire's own rule (headers precede
// the first message, trailers follow the last) without needing the
// transport to tag the batch itself.
func (c *Call) routeInboundMetadataLocked(b mdctx.Batch) {
	for i := range b.Elements {
		c.owned.Take(b.Elements[i])
	}

	if c.readState < ReadInitial {
		c.recvInitialMD = b
		if peer, ok := lookup(b, peerKey); ok {
			c.peer = peer
		}
		c.advanceReadStateLocked(ReadInitial)
		return
	}

	c.recvTrailingMD = b
	if st, ok := decodeStatus(b); ok {
		c.setStatusLocked(statusSourceWire, st)
	}
}

// buildOutboundInitialMDLocked returns the initial metadata batch to
// send, interning keys through the parent channel's shared table so
// repeated headers across many calls share one allocation.
func (c *Call) buildOutboundInitialMDLocked() mdctx.Batch {
	return c.internBatch(c.sendInitialMD)
}

// buildOutboundTrailingMDLocked appends the call's own effective
// status onto the trailing metadata the caller supplied, the way the
// server side of a stream announces its terminal status.
func (c *Call) buildOutboundTrailingMDLocked() mdctx.Batch {
	b := c.sendTrailingMD
	st := c.effectiveStatusLocked()
	b.Append(statusCodeKey, strconv.Itoa(int(st.Code)))
	if st.Message != "" {
		b.Append(statusMessageKey, st.Message)
	}
	return c.internBatch(b)
}

func (c *Call) internBatch(b mdctx.Batch) mdctx.Batch {
	if c.parent == nil || c.parent.mdInterning == nil {
		return b
	}
	out := mdctx.Batch{Deadline: b.Deadline}
	for _, el := range b.Elements {
		out.Append(c.parent.mdInterning.Intern(el.Key), el.Value)
	}
	return out
}

func lookup(b mdctx.Batch, key string) (string, bool) {
	for _, el := range b.Elements {
		if el.Key == key {
			return el.Value, true
		}
	}
	return "", false
}

// decodeStatus extracts a terminal status from a trailing metadata
// batch, memoizing the decoded code on the element so a batch that is
// inspected more than once during a single receive pass is parsed
// exactly once.
func decodeStatus(b mdctx.Batch) (Status, bool) {
	var st Status
	found := false
	for i := range b.Elements {
		el := &b.Elements[i]
		switch el.Key {
		case statusCodeKey:
			if code, ok := el.DecodedStatusCode(); ok {
				st.Code = code
			} else if n, err := strconv.Atoi(el.Value); err == nil {
				el.SetDecodedStatusCode(codes.Code(n))
				st.Code = codes.Code(n)
			} else {
				// Per spec §4.A/§8: parsing is lenient — a non-numeric
				// status-code value still yields a definite status, it
				// is just UNKNOWN rather than whatever the wire sent.
				el.SetDecodedStatusCode(codes.Unknown)
				st.Code = codes.Unknown
			}
			found = true
		case statusMessageKey:
			st.Message = el.Value
			found = true
		}
	}
	return st, found
}
