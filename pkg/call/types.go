// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package call implements the Call object: the per-RPC state machine
// that sits between a user-facing batch API and a channel stack. It
// aggregates status from multiple sources, assembles framed inbound
// messages, routes metadata, and drives a single mutex-protected
// read/write state machine that turns submitted batches into
// transport ops and transport-op completions back into resolved
// batches.
package call

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/chanrpc/callrt/pkg/mdctx"
	"github.com/chanrpc/callrt/pkg/transport"
)

// Role distinguishes a call's side: a client call originates a
// request and terminates on a status; a server call receives a
// request and produces a status.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Op identifies one requestable unit of work in a batch. A batch is a
// bitmask of these.
type Op int

const (
	OpSendInitialMetadata Op = iota
	OpSendMessage
	OpSendCloseFromClient
	OpSendStatusFromServer
	OpRecvInitialMetadata
	OpRecvMessage
	OpRecvStatusOnClient
	OpRecvCloseOnServer
	numOps
)

// opMask is a bitmask over the Op enum: the "requested ops" set
// carried by a master.
type opMask uint16

func maskOf(op Op) opMask { return opMask(1) << uint(op) }

func (m opMask) has(op Op) bool { return m&maskOf(op) != 0 }

// ReadState is the monotonic receive-side state machine. The spec's
// READ_CLOSED and STREAM_CLOSED are collapsed into the single
// ReadClosed terminal state here: this runtime's transport reports
// StreamRecvClosed and StreamClosed as distinct RecvBatch outcomes
// (see transport.StreamState), but both already mean "nothing more
// will ever arrive" from the call's point of view, so carrying two
// terminal read states would never let the call distinguish any
// further action between them.
type ReadState int

const (
	ReadStart ReadState = iota
	ReadInitial
	ReadClosed
)

// WriteState is the monotonic send-side state machine.
type WriteState int

const (
	WriteInitial WriteState = iota
	WriteStarted
	WriteClosed
)

// statusSource ranks the three places a terminal status can come
// from. Lower index wins when more than one source has reported: an
// API override always beats a core-detected failure, which always
// beats whatever the wire itself said.
type statusSource int

const (
	statusSourceAPIOverride statusSource = iota
	statusSourceCore
	statusSourceWire
	numStatusSources
)

// slotKind tags an ioSlot with its current lifecycle phase, in place
// of sentinel values: a small sum type keeps "idle", "pending in a
// batch" and "permanently retired" apart without a magic value.
type slotKind int

const (
	slotAbsent slotKind = iota
	slotPending
	slotDone
)

// ioSlot is the call's per-op bookkeeping entry: while slotPending,
// group points at the master whose batch requested the op. Its zero
// value is slotAbsent: the op is idle and may be requested.
type ioSlot struct {
	kind  slotKind
	group *master
}

// master groups the ioreqs produced by a single StartBatch call: the
// set of ops requested, how many of them are still outstanding, and
// what to do when the last one finishes.
type master struct {
	tag        interface{}
	requested  opMask
	remaining  int
	firstError error

	// recvMsgOut/recvMsgOK/recvInitialOut/recvStatusOut point at the
	// caller's output locations for this master's receive ops, filled in by
	// the receive path before the op is marked done.
	recvMsgOut     *[]byte
	recvMsgOK      *bool
	recvInitialOut *mdctx.Batch
	recvStatusOut  *Status

	// recvCancelledOut is RECV_CLOSE_ON_SERVER's output: per spec
	// §4.I, it resolves RECV_STATUS with a "cancelled-bool" projection
	// of the final status rather than the status itself.
	recvCancelledOut *bool

	// pendingSendMessage holds the payload bytes for this master's
	// SEND_MESSAGE op, if it requested one. pendingSendMessageFlags
	// carries the caller's per-message flags (e.g. a compression
	// negotiation bit) through to the BEGIN_MESSAGE transport op the
	// Send Path builds for it.
	pendingSendMessage      []byte
	pendingSendMessageFlags uint32

	onComplete func(error)
}

// Status is the terminal status of a call: a code and an optional
// message.
type Status struct {
	Code    codes.Code
	Message string
}

// Settings configures a Channel: the per-connection knobs a caller
// supplies once (deadline defaults, telemetry) rather than at every
// call.
type Settings struct {
	Logger         *zap.Logger
	Tracer         trace.Tracer
	MeterProvider  MeterProvider
	DefaultTimeout time.Duration
	MaxMessageSize int
}

// CallArgs is what the Batch Adapter's constructor needs to bring a
// Call into existence: its role, the stack it will drive, and the
// ambient identifiers carried alongside it for diagnostics.
type CallArgs struct {
	Role        Role
	Stack       transport.Stack
	Parent      *Channel
	SpanContext trace.SpanContext
	Deadline    time.Time
}

// internal helpers shared by send.go/recv.go/ioreq.go without
// exposing package-level mutable state.
type completedEntry struct {
	m   *master
	err error
}
