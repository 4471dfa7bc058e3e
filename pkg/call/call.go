// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/chanrpc/callrt/pkg/alarm"
	"github.com/chanrpc/callrt/pkg/buffer"
	"github.com/chanrpc/callrt/pkg/cq"
	"github.com/chanrpc/callrt/pkg/mdctx"
	"github.com/chanrpc/callrt/pkg/transport"
)

// Call is the per-RPC state machine. A single mutex protects every
// field below; the only code that may run without holding it is the
// asynchronous transport callbacks, which immediately take the lock
// before touching anything.
type Call struct {
	mu sync.Mutex

	id     uuid.UUID
	role   Role
	parent *Channel
	stack  transport.Stack
	logger *zap.Logger
	tracer trace.Tracer
	span   trace.Span

	ctx       context.Context
	cancelCtx context.CancelFunc

	completionQueue *cq.Queue

	refs int32 // atomic; see lifecycle.go

	readState  ReadState
	writeState WriteState

	slots [numOps]ioSlot

	statuses  [numStatusSources]Status
	statusSet [numStatusSources]bool

	sendInitialMD  mdctx.Batch
	sendTrailingMD mdctx.Batch
	recvInitialMD  mdctx.Batch
	recvTrailingMD mdctx.Batch
	owned          mdctx.OwnedList
	peer           string

	scratch    buffer.Scratch
	inbound    buffer.InboundQueue
	framingErr error

	deadline   time.Time
	alarm      *alarm.Alarm
	alarmArmed bool

	sendInFlight bool
	recvInFlight bool

	destroyed bool

	pendingCompletions []completedEntry
	pendingSend        *transport.SendBatch
	pendingRecv        *transport.RecvBatch

	maxMessageSize int
}

// Role reports whether this Call originates (client) or answers
// (server) the request it carries.
func (c *Call) Role() Role { return c.role }

// ReadState reports the current receive-side state under lock.
func (c *Call) ReadState() ReadState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readState
}

// WriteState reports the current send-side state under lock.
func (c *Call) WriteState() WriteState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeState
}

// Peer returns the transport-reported peer string, populated from the
// first metadata batch the metadata router classifies as initial.
// Before that, it returns the empty string.
func (c *Call) Peer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// GetCompletionQueue returns the completion queue this call posts
// batch resolutions to.
func (c *Call) GetCompletionQueue() *cq.Queue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completionQueue
}

// SetCompletionQueue rebinds the call to a different completion
// queue. Callers must not do this while a batch is outstanding.
func (c *Call) SetCompletionQueue(q *cq.Queue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completionQueue = q
}

// ID returns the call's diagnostic identifier. It is never placed in
// wire data.
func (c *Call) ID() uuid.UUID { return c.id }

// addInFlightBytesLocked reports a change in buffered inbound message
// bytes to the parent channel's gauge, if this call has a parent
// wired up to telemetry (tests constructing a bare Call do not).
func (c *Call) addInFlightBytesLocked(delta int64) {
	if c.parent != nil {
		c.parent.addInFlightBytes(c.ctx, delta)
	}
}

func (c *Call) logFields() []zap.Field {
	return []zap.Field{
		zap.String("call_id", c.id.String()),
		zap.Int("role", int(c.role)),
	}
}
