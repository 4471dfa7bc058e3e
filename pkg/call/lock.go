// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package call

import "github.com/chanrpc/callrt/pkg/transport"

// planWorkLocked asks the send and receive paths whether there is
// anything new to dispatch to the transport given the call's current
// state, stashing the result on the call for unlockAndDrain to pick
// up once the mutex is released.
func (c *Call) planWorkLocked() {
	if c.destroyed {
		return
	}
	c.fillSendOpsLocked()
	c.prepareRecvLocked()
}

// queueCompletionLocked records that a master has fully resolved;
// its callback runs later, outside the lock, from unlockAndDrain.
func (c *Call) queueCompletionLocked(e completedEntry) {
	c.pendingCompletions = append(c.pendingCompletions, e)
}

// unlockAndDrain is the call's only path back to an unlocked state
// after any function that may have changed what work is outstanding.
// It is an explicit loop rather than recursion so that a long chain
// of send/receive completions triggering further sends/receives
// cannot grow the stack: each iteration plans work, releases the
// lock, runs whatever was planned (completions and/or a single
// dispatch in each direction), then re-acquires the lock to see
// whether that work produced more.
//
// Must be called with c.mu held; returns with it released.
func (c *Call) unlockAndDrain() {
	for {
		c.planWorkLocked()

		completions := c.pendingCompletions
		c.pendingCompletions = nil

		send := c.pendingSend
		c.pendingSend = nil
		recv := c.pendingRecv
		c.pendingRecv = nil

		if len(completions) == 0 && send == nil && recv == nil {
			c.mu.Unlock()
			return
		}

		c.mu.Unlock()

		for _, ce := range completions {
			c.deliverCompletion(ce)
		}
		if send != nil {
			c.dispatchSend(send)
		}
		if recv != nil {
			c.dispatchRecv(recv)
		}

		c.mu.Lock()
	}
}

func (c *Call) deliverCompletion(ce completedEntry) {
	if ce.m.onComplete != nil {
		ce.m.onComplete(ce.err)
	}
}

func (c *Call) dispatchSend(sb *transport.SendBatch) {
	op := &transport.TransportOp{Send: sb}
	if err := c.stack.StartTransportOp(c.ctx, op); err != nil {
		sb.OnDone(err)
	}
}

func (c *Call) dispatchRecv(rb *transport.RecvBatch) {
	op := &transport.TransportOp{Recv: rb}
	if err := c.stack.StartTransportOp(c.ctx, op); err != nil {
		rb.OnDone(false)
	}
}
