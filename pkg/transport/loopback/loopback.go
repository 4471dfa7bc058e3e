// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package loopback is an in-process transport.Stack grounded in the
// paired-goroutine, channel-backed plumbing an in-process gRPC channel
// uses in place of a real socket (the same shape as
// inprocgrpc's client/server stream adapters): two Peers share a link,
// and whatever one side sends arrives as the other side's next receive.
// It is used by this package's own tests and by cmd/callecho instead of
// a mock transport.Stack.
package loopback

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"

	"github.com/chanrpc/callrt/pkg/transport"
)

// frame is one transport-level send, queued on the recipient's inbox
// until a matching receive is requested. A frame with err set
// represents a cancellation or reset rather than ordinary stream ops.
type frame struct {
	ops  []transport.Op
	last bool
	err  error
}

// link is the channel-pair shared by one Pair of Peers: aInbox holds
// frames written by B awaiting A's next receive, and vice versa.
type link struct {
	mu     sync.Mutex
	cond   sync.Cond
	aInbox []frame
	bInbox []frame
}

func newLink() *link {
	l := &link{}
	l.cond.L = &l.mu
	return l
}

// Pair returns two connected Peers: ops one side sends arrive, in
// order, as the other side's next receive.
func Pair() (a, b *Peer) {
	l := newLink()
	return &Peer{link: l, isA: true}, &Peer{link: l, isA: false}
}

// Peer implements transport.Stack over one end of a link.
type Peer struct {
	link *link
	isA  bool
}

var _ transport.Stack = (*Peer)(nil)

// StartTransportOp enqueues any send ops for the other Peer's next
// receive and/or arranges to satisfy a pending receive of its own.
// Dispatch is asynchronous throughout, matching a real transport: the
// call only learns the outcome through the op's OnDone callback.
func (p *Peer) StartTransportOp(ctx context.Context, op *transport.TransportOp) error {
	if op.HasCancel {
		p.link.mu.Lock()
		p.pushLocked(frame{err: cancelErr{op.CancelCode, op.CancelDetail}})
		p.link.mu.Unlock()
	}
	if op.Send != nil {
		sb := op.Send
		p.link.mu.Lock()
		p.pushLocked(frame{ops: sb.Ops, last: sb.IsLastSend})
		p.link.mu.Unlock()
		go sb.OnDone(nil)
	}
	if op.Recv != nil {
		go p.serveRecv(ctx, op.Recv)
	}
	return nil
}

type cancelErr struct {
	code   codes.Code
	detail string
}

func (cancelErr) Error() string { return "callrt/loopback: peer cancelled" }

// pushLocked enqueues f for the peer on the other end of the link.
// Caller holds link.mu.
func (p *Peer) pushLocked(f frame) {
	if p.isA {
		p.link.bInbox = append(p.link.bInbox, f)
	} else {
		p.link.aInbox = append(p.link.aInbox, f)
	}
	p.link.cond.Broadcast()
}

func (p *Peer) ownInboxLocked() []frame {
	if p.isA {
		return p.link.aInbox
	}
	return p.link.bInbox
}

func (p *Peer) setOwnInboxLocked(fs []frame) {
	if p.isA {
		p.link.aInbox = fs
	} else {
		p.link.bInbox = fs
	}
}

// serveRecv blocks until a frame addressed to this Peer is available
// or ctx is done, then resolves rb accordingly. A background watcher
// wakes the condition variable on ctx cancellation since sync.Cond has
// no native context support.
func (p *Peer) serveRecv(ctx context.Context, rb *transport.RecvBatch) {
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			p.link.mu.Lock()
			p.link.cond.Broadcast()
			p.link.mu.Unlock()
		case <-stopWatch:
		}
	}()

	p.link.mu.Lock()
	for len(p.ownInboxLocked()) == 0 {
		if ctx.Err() != nil {
			p.link.mu.Unlock()
			rb.OnDone(false)
			return
		}
		p.link.cond.Wait()
	}
	fs := p.ownInboxLocked()
	f := fs[0]
	p.setOwnInboxLocked(fs[1:])
	p.link.mu.Unlock()

	if f.err != nil {
		rb.OnDone(false)
		return
	}
	rb.Ops = f.ops
	if f.last {
		rb.StreamState = transport.StreamRecvClosed
	} else {
		rb.StreamState = transport.StreamActive
	}
	rb.OnDone(true)
}
