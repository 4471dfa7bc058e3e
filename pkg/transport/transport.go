// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the downward-facing interface the call
// runtime drives: a channel stack that accepts a single combined
// transport op per direction and reports completion asynchronously,
// plus the stream-op vocabulary (metadata / begin-message / slice)
// that travels across it. The wire encoding of these ops is
// deliberately unspecified here — that is the channel stack's concern,
// not the call's.
package transport

import (
	"context"

	"google.golang.org/grpc/codes"

	"github.com/chanrpc/callrt/pkg/mdctx"
)

// OpKind identifies the shape of one stream-level unit.
type OpKind int

const (
	// OpMetadata carries a metadata batch, initial or trailing.
	OpMetadata OpKind = iota
	// OpBeginMessage announces the declared length of the next message.
	OpBeginMessage
	// OpMessageSlice carries a chunk of the message announced by the
	// most recent OpBeginMessage.
	OpMessageSlice
)

// Op is one stream-level unit moving between the call and the
// transport, in either direction.
type Op struct {
	Kind     OpKind
	Metadata mdctx.Batch // OpMetadata
	Length   int         // OpBeginMessage
	Flags    uint32      // OpBeginMessage
	Bytes    []byte      // OpMessageSlice
}

// SendBatch is the set of ops the call wants written to the stream in
// a single transport op, plus the callback the transport invokes
// exactly once when the write resolves.
type SendBatch struct {
	Ops        []Op
	IsLastSend bool

	// OnDone is invoked exactly once, asynchronously, when the send
	// resolves. err is nil on success.
	OnDone func(err error)
}

// StreamState reports how far the transport has progressed in the
// receive direction.
type StreamState int

const (
	// StreamActive: more may arrive.
	StreamActive StreamState = iota
	// StreamRecvClosed: the peer half-closed; no more messages or
	// metadata, but the stream object itself is not yet torn down.
	StreamRecvClosed
	// StreamClosed: the stream is fully torn down in both directions.
	StreamClosed
)

// RecvBatch is a request for the transport to deliver whatever stream
// ops are next available. The transport fills Ops and StreamState
// before invoking OnDone.
type RecvBatch struct {
	Ops         []Op
	StreamState StreamState

	// OnDone is invoked exactly once, asynchronously, when the
	// receive resolves. success is false if the transport failed
	// (e.g. connection reset) rather than simply closing cleanly.
	OnDone func(success bool)
}

// TransportOp is the single combined unit dispatched to the top of
// the channel stack per call to StartTransportOp: at most one pending
// send, at most one pending receive, and/or a cancellation.
type TransportOp struct {
	Send *SendBatch
	Recv *RecvBatch

	HasCancel    bool
	CancelCode   codes.Code
	CancelDetail string
}

// Stack is the channel stack collaborator: a layered pipeline of
// filters terminating in a transport. StartTransportOp dispatches op
// by entering the top filter; completions are reported later via the
// callbacks embedded in op.Send and op.Recv. StartTransportOp itself
// may return an error only for synchronous dispatch failures (e.g. the
// stack has already been torn down); transport-level failures are
// reported through the callbacks.
type Stack interface {
	StartTransportOp(ctx context.Context, op *TransportOp) error
}
