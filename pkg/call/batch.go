// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"errors"

	"github.com/chanrpc/callrt/pkg/mdctx"
)

// ErrCallDestroyed is returned by StartBatch once the call has been
// destroyed.
var ErrCallDestroyed = errors.New("callrt: call already destroyed")

// ErrNotOnServer is returned when a batch requests an op that spec
// §4.I's table restricts to client calls (SEND_CLOSE_FROM_CLIENT,
// RECV_INITIAL_METADATA, RECV_STATUS_ON_CLIENT) against a server call.
var ErrNotOnServer = errors.New("callrt: op not available on the server")

// ErrNotOnClient is returned when a batch requests an op that spec
// §4.I's table restricts to server calls (SEND_STATUS_FROM_SERVER)
// against a client call.
var ErrNotOnClient = errors.New("callrt: op not available on the client")

// validateBatchRole checks op against spec §4.I's per-op role column,
// returning the matching error if this call's role can never satisfy
// it. Checked for every op before any slot is touched, so a
// role-mismatched batch is rejected atomically — nothing from it is
// left live, exactly like a slot clash caught by startIOReqLocked.
func validateBatchRole(role Role, op Op) error {
	switch op {
	case OpSendCloseFromClient, OpRecvInitialMetadata, OpRecvStatusOnClient:
		if role != RoleClient {
			return ErrNotOnServer
		}
	case OpSendStatusFromServer:
		if role != RoleServer {
			return ErrNotOnClient
		}
	}
	return nil
}

// BatchOp is one requested unit of work within a StartBatch call,
// carrying whichever of the send-side payload fields or receive-side
// output pointers are relevant to its Op.
type BatchOp struct {
	Op Op

	// Send-side inputs.
	SendInitialMetadata  []mdctx.Pair
	SendMessage          []byte
	SendMessageFlags     uint32
	SendStatus           Status
	SendTrailingMetadata []mdctx.Pair

	// Receive-side outputs: the caller supplies pointers that the
	// engine fills in once the op resolves.
	RecvInitialMetadata *mdctx.Batch
	RecvMessage         *[]byte
	RecvMessageOK       *bool
	RecvStatus          *Status

	// Cancelled is RECV_CLOSE_ON_SERVER's output: written as
	// (final_status != OK), per spec §4.I.
	Cancelled *bool
}

// StartBatch is the external entry point every batch API binding
// funnels through: it validates and commits the requested ops as one
// atomic unit, arranges for the transport to be driven as far as the
// new state allows, and reports the batch's resolution exactly once
// through onComplete (typically a closure that posts to a cq.Queue
// keyed by tag). onComplete may run before StartBatch returns, as it
// always does for an empty batch.
func (c *Call) StartBatch(ops []BatchOp, tag interface{}, onComplete func(error)) error {
	// Per spec §4.I/§8: a batch with no ops at all isn't a submission
	// error — it completes immediately against the completion queue
	// with OK, the same as any other batch whose ops all happened to
	// already be satisfied.
	if len(ops) == 0 {
		if c.completionQueue != nil {
			c.completionQueue.BeginOp()
			c.completionQueue.EndOp(tag, nil)
		}
		if onComplete != nil {
			onComplete(nil)
		}
		return nil
	}

	for _, bo := range ops {
		if err := validateBatchRole(c.role, bo.Op); err != nil {
			return err
		}
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrCallDestroyed
	}

	m := &master{tag: tag, onComplete: onComplete}
	var sendInitialMD, sendTrailingMD mdctx.Batch
	var sendStatus Status
	for _, bo := range ops {
		m.requested |= maskOf(bo.Op)
		switch bo.Op {
		case OpSendInitialMetadata:
			sendInitialMD = mdctx.FromPairs(bo.SendInitialMetadata)
		case OpSendMessage:
			m.pendingSendMessage = bo.SendMessage
			m.pendingSendMessageFlags = bo.SendMessageFlags
		case OpSendStatusFromServer:
			sendStatus = bo.SendStatus
			sendTrailingMD = mdctx.FromPairs(bo.SendTrailingMetadata)
		case OpRecvInitialMetadata:
			m.recvInitialOut = bo.RecvInitialMetadata
		case OpRecvMessage:
			m.recvMsgOut = bo.RecvMessage
			m.recvMsgOK = bo.RecvMessageOK
		case OpRecvStatusOnClient:
			m.recvStatusOut = bo.RecvStatus
		case OpRecvCloseOnServer:
			m.recvCancelledOut = bo.Cancelled
		}
	}

	if err := c.startIOReqLocked(m); err != nil {
		c.mu.Unlock()
		return err
	}
	// Call-level send state is recorded only once the batch is accepted,
	// so a rejected batch leaves no trace on the call.
	if m.requested.has(OpSendInitialMetadata) {
		c.sendInitialMD = sendInitialMD
	}
	if m.requested.has(OpSendStatusFromServer) {
		c.setStatusLocked(statusSourceAPIOverride, sendStatus)
		c.sendTrailingMD = sendTrailingMD
	}

	if c.completionQueue != nil {
		c.completionQueue.BeginOp()
		userOnComplete := m.onComplete
		m.onComplete = func(err error) {
			c.completionQueue.EndOp(tag, err)
			if userOnComplete != nil {
				userOnComplete(err)
			}
		}
	}

	c.unlockAndDrain()
	return nil
}
