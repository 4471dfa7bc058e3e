// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/chanrpc/callrt/pkg/alarm"
	"github.com/chanrpc/callrt/pkg/transport"
)

// NewCall brings a Call into existence against a channel: it arms the
// deadline alarm (for args.Deadline, or else the parent channel's
// DefaultTimeout from now, if either is set), opens a tracing span
// covering the call's lifetime, and leaves the call parked at
// ReadStart / WriteInitial awaiting its first StartBatch.
func NewCall(args CallArgs) (*Call, error) {
	settings := Settings{}
	if args.Parent != nil {
		settings = args.Parent.settings
	}

	deadline := args.Deadline
	if deadline.IsZero() && settings.DefaultTimeout > 0 {
		deadline = time.Now().Add(settings.DefaultTimeout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if !deadline.IsZero() {
		ctx, cancel = context.WithDeadline(ctx, deadline)
	}

	c := &Call{
		id:             uuid.New(),
		role:           args.Role,
		parent:         args.Parent,
		stack:          args.Stack,
		logger:         settings.Logger,
		tracer:         settings.Tracer,
		ctx:            ctx,
		cancelCtx:      cancel,
		deadline:       deadline,
		alarm:          alarm.New(),
		maxMessageSize: settings.MaxMessageSize,
		refs:           1,
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.tracer != nil {
		ctx, span := c.tracer.Start(ctx, "call.lifetime", trace.WithLinks(trace.Link{SpanContext: args.SpanContext}))
		c.ctx = ctx
		c.span = span
	}

	if args.Parent != nil {
		args.Parent.addInFlightCall(c.ctx, 1)
	}

	c.mu.Lock()
	if !deadline.IsZero() {
		c.armAlarmLocked(deadline)
	}
	// A server call has nothing queued to receive yet, but still needs
	// a recv in flight to ever learn about the request it exists to
	// answer — unlockAndDrain (rather than a plain unlock) is what lets
	// prepareRecvLocked notice that and issue it at birth.
	c.unlockAndDrain()

	return c, nil
}

func (c *Call) armAlarmLocked(deadline time.Time) {
	c.alarmArmed = true
	c.refAddLocked()
	c.alarm.Init(deadline, func(fired bool) {
		if !fired {
			return
		}
		c.onAlarm()
	})
}

// onAlarm fires when the deadline passes before the call finished; it
// cancels the call with DEADLINE_EXCEEDED exactly as an explicit
// Cancel would, reusing the same dispatch path.
func (c *Call) onAlarm() {
	c.mu.Lock()
	c.alarmArmed = false
	c.refReleaseLocked()
	c.cancelWithStatusLocked(codes.DeadlineExceeded, "deadline exceeded")
	c.unlockAndDrain()
}

func (c *Call) cancelAlarmIfArmedLocked() {
	if c.alarmArmed {
		c.alarmArmed = false
		c.alarm.Cancel()
		c.refReleaseLocked()
	}
}

// Cancel cancels the call with CANCELLED, the status a caller gets
// when it abandons a call without a more specific reason.
func (c *Call) Cancel() {
	c.mu.Lock()
	c.cancelWithStatusLocked(codes.Canceled, "")
	c.unlockAndDrain()
}

// CancelWithStatus cancels the call with a caller-chosen terminal
// status, reported as the API-override status source — the highest
// priority one, so it wins over anything the wire later reports.
func (c *Call) CancelWithStatus(code codes.Code, message string) {
	c.mu.Lock()
	c.cancelWithStatusLocked(code, message)
	c.unlockAndDrain()
}

func (c *Call) cancelWithStatusLocked(code codes.Code, message string) {
	if c.destroyed {
		return
	}
	c.setStatusLocked(statusSourceAPIOverride, Status{Code: code, Message: message})
	c.cancelAlarmIfArmedLocked()
	c.dispatchCancelLocked(code, message)
	c.failAllRecvOpsLocked(errStatusAsError(Status{Code: code, Message: message}))
	c.advanceWriteStateLocked(WriteClosed)
	for _, op := range []Op{OpSendInitialMetadata, OpSendMessage, OpSendCloseFromClient, OpSendStatusFromServer} {
		if c.slots[op].kind == slotPending {
			c.failIOReqOpLocked(op, errStatusAsError(Status{Code: code, Message: message}))
		}
	}
}

// dispatchCancelLocked tells the transport a cancellation happened,
// best-effort: the call's own state has already moved on regardless
// of whether the transport accepts it.
func (c *Call) dispatchCancelLocked(code codes.Code, message string) {
	if c.stack == nil {
		return
	}
	op := &transport.TransportOp{HasCancel: true, CancelCode: code, CancelDetail: message}
	_ = c.stack.StartTransportOp(c.ctx, op)
}

// refAddLocked increments the call's reference count; taken for each
// dispatched send, each dispatched receive, and the armed deadline
// alarm, so the call outlives its own asynchronous work.
func (c *Call) refAddLocked() {
	atomic.AddInt32(&c.refs, 1)
}

// refReleaseLocked releases a reference and destroys the call once
// the last one is gone.
func (c *Call) refReleaseLocked() {
	if atomic.AddInt32(&c.refs, -1) == 0 {
		c.destroyLocked()
	}
}

// Destroy releases the caller's own reference to the call. It is safe
// to call exactly once per Call returned by NewCall. Per spec §4.H, a
// caller dropping a call that never reached a terminal read state
// still owes the peer a cancellation — it does not simply let
// in-flight ioreqs dangle.
func (c *Call) Destroy() {
	c.mu.Lock()
	if !c.destroyed && c.readState != ReadClosed {
		c.cancelWithStatusLocked(codes.Canceled, "")
	}
	c.refReleaseLocked()
	c.unlockAndDrain()
}

func (c *Call) destroyLocked() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.cancelAlarmIfArmedLocked()
	if c.span != nil {
		st := c.effectiveStatusLocked()
		if st.Code != codes.OK {
			c.span.RecordError(errStatusAsError(st))
		}
		c.span.End()
	}
	if c.parent != nil {
		c.parent.addInFlightCall(c.ctx, -1)
	}
	if c.cancelCtx != nil {
		c.cancelCtx()
	}
	c.owned.ReleaseAll()
}

// advanceReadStateLocked moves readState forward, refusing to move it
// backward: the read state machine is monotonic by definition.
func (c *Call) advanceReadStateLocked(next ReadState) {
	if next > c.readState {
		c.readState = next
	}
}

// advanceWriteStateLocked moves writeState forward, refusing to move
// it backward, for the same reason.
func (c *Call) advanceWriteStateLocked(next WriteState) {
	if next > c.writeState {
		c.writeState = next
	}
}
