// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/chanrpc/callrt/pkg/transport"
)

// assembleOpLocked feeds one inbound stream op through the message
// assembler. A BEGIN_MESSAGE op starts a new message of the declared
// length; a SLICE op appends to whatever message is currently being
// assembled, finishing and enqueuing it once the declared length is
// reached. It returns ok=false if op violates framing — a SLICE with
// no message in progress, a SLICE that overruns the declared length,
// or a BEGIN_MESSAGE declaring more than the configured maximum — in
// which case the receive path treats the whole batch as failed rather
// than trying to resynchronize. On failure it records the reason on
// c.framingErr so the caller can cancel the call with it.
func (c *Call) assembleOpLocked(op transport.Op) (ok bool) {
	switch op.Kind {
	case transport.OpBeginMessage:
		if c.scratch.Reading() {
			c.framingErr = status.Error(codes.InvalidArgument,
				"Premature termination of message assembly: a new message began before the previous one finished")
			return false
		}
		if c.maxMessageSize > 0 && op.Length > c.maxMessageSize {
			c.framingErr = status.Errorf(codes.InvalidArgument,
				"Receiving message overflow: declared length %d exceeds the maximum of %d", op.Length, c.maxMessageSize)
			return false
		}
		c.scratch.Begin(op.Length)
		if op.Length == 0 {
			c.pushAssembledLocked(c.scratch.Finish())
		}
		return true

	case transport.OpMessageSlice:
		if !c.scratch.Reading() {
			c.framingErr = status.Error(codes.InvalidArgument,
				"Receiving message: slice arrived with no message in progress")
			return false
		}
		if len(op.Bytes) == 0 {
			return true
		}
		if c.scratch.Len()+len(op.Bytes) > c.scratch.Declared() {
			c.framingErr = status.Errorf(codes.InvalidArgument,
				"Receiving message overflow: accumulated %d bytes exceeds declared length %d",
				c.scratch.Len()+len(op.Bytes), c.scratch.Declared())
			return false
		}
		c.scratch.AppendSlice(op.Bytes)
		if c.scratch.Len() == c.scratch.Declared() {
			c.pushAssembledLocked(c.scratch.Finish())
		}
		return true

	default:
		return true
	}
}

// pushAssembledLocked enqueues a fully assembled inbound message and
// reports its size to the channel's in-flight-bytes gauge; the
// corresponding decrement happens wherever the message later leaves
// the queue, in deliverRecvMessageLocked or on a status-triggered
// flush.
func (c *Call) pushAssembledLocked(msg []byte) {
	c.inbound.Push(msg)
	c.addInFlightBytesLocked(int64(len(msg)))
}

// assemblerInProgressLocked reports whether a message is only
// partially received: a BEGIN_MESSAGE's declared bytes are still
// incomplete. The receive path does not call it; a stream that closes
// mid-message is not reported as a framing violation.
func (c *Call) assemblerInProgressLocked() bool {
	return c.scratch.Reading()
}

// assemblerFramingError returns the specific framing violation
// assembleOpLocked most recently recorded, falling back to a generic
// error if it is somehow asked for one when none was recorded.
func (c *Call) assemblerFramingError() error {
	if c.framingErr != nil {
		return c.framingErr
	}
	return fmt.Errorf("callrt: inbound message framing violation")
}
