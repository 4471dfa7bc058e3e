// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package call

import "github.com/chanrpc/callrt/pkg/transport"

// fillSendOpsLocked decides what, if anything, should be dispatched
// to the transport for the send direction right now, and advances
// writeState to match. It is idempotent: calling it when there is
// nothing new to send, or while a send is already in flight, is a
// no-op. It stores its result (if any) in c.pendingSend for the
// drain loop in lock.go to dispatch once the mutex is released.
func (c *Call) fillSendOpsLocked() {
	if c.sendInFlight || c.pendingSend != nil {
		return
	}

	var ops []transport.Op
	var lastSend bool

	switch c.writeState {
	case WriteInitial:
		if c.slots[OpSendInitialMetadata].kind != slotPending {
			return
		}
		ops = append(ops, transport.Op{
			Kind:     transport.OpMetadata,
			Metadata: c.buildOutboundInitialMDLocked(),
		})
		c.advanceWriteStateLocked(WriteStarted)
		fallthrough

	case WriteStarted:
		if c.slots[OpSendMessage].kind == slotPending {
			msg := c.outboundMessageLocked()
			ops = append(ops,
				transport.Op{Kind: transport.OpBeginMessage, Length: len(msg), Flags: c.outboundMessageFlagsLocked()},
				transport.Op{Kind: transport.OpMessageSlice, Bytes: msg},
			)
		}

		closeOp := OpSendCloseFromClient
		if c.role == RoleServer {
			closeOp = OpSendStatusFromServer
		}
		if c.slots[closeOp].kind == slotPending {
			if c.role == RoleServer {
				ops = append(ops, transport.Op{
					Kind:     transport.OpMetadata,
					Metadata: c.buildOutboundTrailingMDLocked(),
				})
			}
			lastSend = true
			c.advanceWriteStateLocked(WriteClosed)
		}
	}

	if len(ops) == 0 {
		return
	}

	c.sendInFlight = true
	c.refAddLocked()
	sb := &transport.SendBatch{Ops: ops, IsLastSend: lastSend}
	sb.OnDone = func(err error) { c.onDoneSend(err) }
	c.pendingSend = sb
}

// outboundMessageLocked is a hook point: in this runtime the payload
// bytes for SEND_MESSAGE are captured directly on the batch op at
// StartBatch time (see batch.go), so this simply returns them.
func (c *Call) outboundMessageLocked() []byte {
	if c.slots[OpSendMessage].group == nil {
		return nil
	}
	return c.slots[OpSendMessage].group.pendingSendMessage
}

// outboundMessageFlagsLocked returns the per-message flags (e.g. a
// compression negotiation bit) the caller attached to this master's
// SEND_MESSAGE op, so BEGIN_MESSAGE carries them to the transport.
func (c *Call) outboundMessageFlagsLocked() uint32 {
	if c.slots[OpSendMessage].group == nil {
		return 0
	}
	return c.slots[OpSendMessage].group.pendingSendMessageFlags
}

// onDoneSend is the transport callback for a dispatched send. It
// takes the lock, retires whichever ops that send batch represented,
// and re-enters the drain loop so that any work the retirement
// unblocked (e.g. a RECV op that was waiting on the write side
// closing) gets picked up.
func (c *Call) onDoneSend(err error) {
	c.mu.Lock()
	c.sendInFlight = false
	c.refReleaseLocked()

	closeOp := OpSendCloseFromClient
	if c.role == RoleServer {
		closeOp = OpSendStatusFromServer
	}

	if c.slots[OpSendInitialMetadata].kind == slotPending {
		c.finishIOReqOpLocked(OpSendInitialMetadata, err)
	}
	if c.slots[OpSendMessage].kind == slotPending {
		c.finishIOReqOpLocked(OpSendMessage, err)
	}
	if c.slots[closeOp].kind == slotPending {
		if err != nil {
			c.setStatusLocked(statusSourceCore, errStatus(err))
		}
		c.finishIOReqOpLocked(closeOp, err)
	}

	c.unlockAndDrain()
}
