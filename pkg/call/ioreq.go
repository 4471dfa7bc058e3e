// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package call

import "errors"

// ErrAlreadyInvoked is returned when a batch requests an op whose slot
// has already been permanently retired (DONE) by an earlier batch —
// e.g. a second SEND_INITIAL_METADATA after the first has completed.
var ErrAlreadyInvoked = errors.New("callrt: op already invoked and retired")

// ErrTooManyOperations is returned when a batch requests an op that a
// still-outstanding batch currently owns (its slot is pending, not
// retired) — e.g. two overlapping SEND_MESSAGEs.
var ErrTooManyOperations = errors.New("callrt: op already has a pending batch")

// startIOReqLocked validates and commits the ops in a new batch one
// at a time, in Op order: an op is validated against the
// current slot state and, only if valid, immediately mutated before
// the next op in the same batch is considered. This interleaving
// matters because two ops in the same batch can interact — e.g. a
// batch cannot be rejected for double-booking RecvMessage against
// itself, but it also must not be allowed to leave some of its ops
// committed and others rejected silently. On the first invalid op,
// every slot this call already mutated is rolled back and the error
// is returned; nothing from a rejected batch is left live.
//
// Per spec §4.D, a clash is one of two distinct errors depending on
// why the slot isn't free: ErrTooManyOperations if another batch's op
// is still outstanding (slotPending — e.g. two overlapping
// SEND_MESSAGEs), ErrAlreadyInvoked if the op was already performed
// and retired for good (slotDone — e.g. a second SEND_INITIAL_METADATA
// after the first has completed).
func (c *Call) startIOReqLocked(m *master) error {
	mutated := make([]Op, 0, numOps)

	rollback := func() {
		for _, op := range mutated {
			c.slots[op] = ioSlot{}
		}
	}

	for op := Op(0); op < numOps; op++ {
		if !m.requested.has(op) {
			continue
		}
		switch c.slots[op].kind {
		case slotPending:
			rollback()
			return ErrTooManyOperations
		case slotDone:
			rollback()
			return ErrAlreadyInvoked
		}
		if err := c.validateOpAgainstStateLocked(op); err != nil {
			rollback()
			return err
		}
		c.slots[op] = ioSlot{kind: slotPending, group: m}
		m.remaining++
		mutated = append(mutated, op)
	}

	return nil
}

// validateOpAgainstStateLocked rejects send-side ops that can never be
// satisfied given the call's current write state — e.g. requesting
// SEND_MESSAGE after the send side has already closed. Receive-side
// ops are never rejected here.
func (c *Call) validateOpAgainstStateLocked(op Op) error {
	switch op {
	case OpSendInitialMetadata, OpSendMessage, OpSendCloseFromClient, OpSendStatusFromServer:
		if c.writeState == WriteClosed {
			return errWriteClosed
		}
	case OpRecvInitialMetadata, OpRecvMessage, OpRecvStatusOnClient, OpRecvCloseOnServer:
		if c.readState == ReadClosed && c.inbound.Len() == 0 {
			if op == OpRecvMessage {
				return nil // a RECV_MESSAGE after close legitimately resolves to "no message"
			}
		}
	}
	return nil
}

var errWriteClosed = errors.New("callrt: send side already closed")

// finishIOReqOpLocked marks op as resolved for whichever master
// currently owns it, folds err into that master's first-seen error,
// and — once every op the master requested has resolved — queues its
// completion callback, which unlockAndDrain runs outside the lock. It
// is the single funnel both the send path and
// the receive path use to retire ops.
//
// Per spec §4.D, what happens to the slot itself depends on op: for
// SEND_MESSAGE/RECV_MESSAGE, success returns the slot to EMPTY (the op
// is reusable by a later batch, the normal case for a streaming call)
// while failure retires it permanently to DONE and force-closes the
// write side, since a failed message means nothing further on this
// stream can succeed either. Every other op always retires to DONE —
// it may never be requested again on this call (e.g. a second
// SEND_INITIAL_METADATA after the first has completed must be
// rejected with ErrAlreadyInvoked, not silently re-accepted).
func (c *Call) finishIOReqOpLocked(op Op, err error) {
	slot := c.slots[op]
	if slot.kind != slotPending {
		return
	}
	m := slot.group

	switch op {
	case OpSendMessage, OpRecvMessage:
		if err == nil {
			c.slots[op] = ioSlot{}
		} else {
			c.slots[op] = ioSlot{kind: slotDone}
			c.advanceWriteStateLocked(WriteClosed)
		}
	default:
		c.slots[op] = ioSlot{kind: slotDone}
	}

	if err != nil && m.firstError == nil {
		m.firstError = err
	}
	m.remaining--
	if m.remaining > 0 {
		return
	}

	cb := m.onComplete
	result := m.firstError
	if cb != nil {
		c.queueCompletionLocked(completedEntry{m: m, err: result})
	}
}
