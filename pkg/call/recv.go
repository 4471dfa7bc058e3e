// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"errors"

	"google.golang.org/grpc/codes"

	"github.com/chanrpc/callrt/pkg/transport"
)

var errStreamFailed = errors.New("callrt: transport reported receive failure")

// prepareRecvLocked decides whether a new receive should be issued to
// the transport: one is needed whenever some recv op is pending, or
// (for a server call that hasn't sent anything yet and whose read
// side isn't closed) simply to kick off initial-metadata arrival —
// a server call has nothing queued to receive at the moment it's
// created, but still needs a receive in flight to ever learn anything
// about the request it was given to answer. Idempotent, like
// fillSendOpsLocked.
func (c *Call) prepareRecvLocked() {
	if c.recvInFlight || c.pendingRecv != nil {
		return
	}
	if c.readState == ReadClosed {
		return
	}
	needMore := c.anyRecvPendingLocked()
	if !needMore && c.role == RoleServer && c.writeState == WriteInitial {
		needMore = true
	}
	if !needMore {
		return
	}

	rb := &transport.RecvBatch{}
	rb.OnDone = func(success bool) { c.onDoneRecv(rb, success) }
	c.recvInFlight = true
	c.refAddLocked()
	c.pendingRecv = rb
}

func (c *Call) anyRecvPendingLocked() bool {
	for _, op := range []Op{OpRecvInitialMetadata, OpRecvMessage, OpRecvStatusOnClient, OpRecvCloseOnServer} {
		if c.slots[op].kind == slotPending {
			return true
		}
	}
	return false
}

// onDoneRecv is the transport callback for a dispatched receive. A
// framing violation mid-batch (assembleOpLocked returning false)
// abandons the rest of the batch and cancels the call with the
// violation's status, rather than trying to resynchronize with a
// corrupted stream; a transport-reported failure only resolves the
// pending recv ops through failAllRecvOpsLocked.
func (c *Call) onDoneRecv(rb *transport.RecvBatch, success bool) {
	c.mu.Lock()

	c.recvInFlight = false
	c.refReleaseLocked()

	if !success {
		c.failAllRecvOpsLocked(errStreamFailed)
		c.unlockAndDrain()
		return
	}

	for _, op := range rb.Ops {
		var ok bool
		if op.Kind == transport.OpMetadata {
			c.routeInboundMetadataLocked(op.Metadata)
			ok = true
		} else {
			ok = c.assembleOpLocked(op)
		}
		if !ok {
			// Per spec §4.B/§4.H, a framing violation cancels the call
			// rather than just failing local ioreqs: cancelWithStatusLocked
			// is what actually dispatches the cancel op down the
			// transport stack (dispatchCancelLocked), telling the peer,
			// not just this process, that the stream is dead.
			st := errStatus(c.assemblerFramingError())
			c.cancelWithStatusLocked(st.Code, st.Message)
			c.unlockAndDrain()
			return
		}
	}

	if rb.StreamState == transport.StreamRecvClosed || rb.StreamState == transport.StreamClosed {
		c.advanceReadStateLocked(ReadClosed)
	}

	c.finishReadOpsLocked()
	c.earlyOutWriteOpsLocked()
	c.unlockAndDrain()
}

// failAllRecvOpsLocked resolves every pending recv op and marks the
// read side closed: once the transport has failed (or the call has
// been cancelled out from under it), nothing further will ever arrive
// for this call.
//
// RECV_STATUS_ON_CLIENT and RECV_CLOSE_ON_SERVER are not "failed" by
// this: their entire purpose is reporting whatever terminal status
// resulted, so they resolve successfully with that status filled in —
// matching the Finish-Read-Ops commit actions they'd otherwise only
// get on the happy path. RECV_MESSAGE and RECV_INITIAL_METADATA have
// nothing left to deliver, so those genuinely fail with err.
func (c *Call) failAllRecvOpsLocked(err error) {
	c.setStatusLocked(statusSourceCore, errStatus(err))
	c.advanceReadStateLocked(ReadClosed)

	if c.slots[OpRecvStatusOnClient].kind == slotPending {
		m := c.slots[OpRecvStatusOnClient].group
		if m.recvStatusOut != nil {
			*m.recvStatusOut = c.effectiveStatusLocked()
		}
		c.finishIOReqOpLocked(OpRecvStatusOnClient, nil)
	}
	if c.slots[OpRecvCloseOnServer].kind == slotPending {
		m := c.slots[OpRecvCloseOnServer].group
		if m.recvCancelledOut != nil {
			*m.recvCancelledOut = c.effectiveStatusLocked().Code != codes.OK
		}
		c.finishIOReqOpLocked(OpRecvCloseOnServer, nil)
	}
	for _, op := range []Op{OpRecvInitialMetadata, OpRecvMessage} {
		if c.slots[op].kind == slotPending {
			c.failIOReqOpLocked(op, err)
		}
	}
}

// failIOReqOpLocked is failAllRecvOpsLocked's and earlyOutWriteOpsLocked's
// entry point into the shared ioreq retirement funnel; kept distinct
// from finishIOReqOpLocked's success-path callers purely for
// readability at call sites that are always on a failure path.
func (c *Call) failIOReqOpLocked(op Op, err error) {
	c.finishIOReqOpLocked(op, err)
}

// finishReadOpsLocked resolves whatever recv ops can now be satisfied
// given the call's current state. Each condition is checked
// independently rather than as mutually exclusive switch cases: a
// fully closed stream satisfies both the "initial metadata available"
// and "status available" conditions at once.
func (c *Call) finishReadOpsLocked() {
	if c.slots[OpRecvInitialMetadata].kind == slotPending && c.readState >= ReadInitial {
		m := c.slots[OpRecvInitialMetadata].group
		if m.recvInitialOut != nil {
			*m.recvInitialOut = c.recvInitialMD
		}
		c.finishIOReqOpLocked(OpRecvInitialMetadata, nil)
	}

	if c.slots[OpRecvMessage].kind == slotPending {
		c.deliverRecvMessageLocked()
	}

	if c.slots[OpRecvStatusOnClient].kind == slotPending && c.readState == ReadClosed {
		m := c.slots[OpRecvStatusOnClient].group
		st := c.effectiveStatusLocked()
		if m.recvStatusOut != nil {
			*m.recvStatusOut = st
		}
		c.finishIOReqOpLocked(OpRecvStatusOnClient, nil)
	}

	if c.slots[OpRecvCloseOnServer].kind == slotPending && c.readState == ReadClosed {
		m := c.slots[OpRecvCloseOnServer].group
		if m.recvCancelledOut != nil {
			*m.recvCancelledOut = c.effectiveStatusLocked().Code != codes.OK
		}
		c.finishIOReqOpLocked(OpRecvCloseOnServer, nil)
	}
}

// deliverRecvMessageLocked hands the oldest assembled message to the
// master currently holding RECV_MESSAGE, or — once the read side is
// known to have no more messages coming — resolves it with "no
// message" rather than leaving it pending forever.
func (c *Call) deliverRecvMessageLocked() {
	m := c.slots[OpRecvMessage].group

	if msg, ok := c.inbound.Pop(); ok {
		c.addInFlightBytesLocked(-int64(len(msg)))
		if m.recvMsgOut != nil {
			*m.recvMsgOut = msg
		}
		if m.recvMsgOK != nil {
			*m.recvMsgOK = true
		}
		c.finishIOReqOpLocked(OpRecvMessage, nil)
		return
	}

	if c.readState == ReadClosed {
		if m.recvMsgOut != nil {
			*m.recvMsgOut = nil
		}
		if m.recvMsgOK != nil {
			*m.recvMsgOK = false
		}
		c.finishIOReqOpLocked(OpRecvMessage, nil)
	}
}

// earlyOutWriteOpsLocked fails pending send ops as soon as the call
// has learned, from the receive direction, that the peer is gone: a
// non-OK terminal status means further sends can only ever time out,
// so there is no reason to wait for the send path's own failure.
func (c *Call) earlyOutWriteOpsLocked() {
	if !c.hasTerminalStatusLocked() {
		return
	}
	st := c.effectiveStatusLocked()
	if st.Code == codes.OK {
		return
	}
	for _, op := range []Op{OpSendInitialMetadata, OpSendMessage, OpSendCloseFromClient, OpSendStatusFromServer} {
		if c.slots[op].kind == slotPending {
			c.failIOReqOpLocked(op, errStatusAsError(st))
		}
	}
}
