// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/chanrpc/callrt/pkg/cq"
	"github.com/chanrpc/callrt/pkg/mdctx"
	"github.com/chanrpc/callrt/pkg/transport"
)

// fakeStack is a deterministic, synchronously-driven transport.Stack:
// it records every dispatched op so a test can inspect exactly what
// the send path produced, and lets the test decide when (and with
// what result) each op resolves.
type fakeStack struct {
	mu    sync.Mutex
	sends []*transport.SendBatch
	recvs []*transport.RecvBatch
}

func (f *fakeStack) StartTransportOp(_ context.Context, op *transport.TransportOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if op.Send != nil {
		f.sends = append(f.sends, op.Send)
	}
	if op.Recv != nil {
		f.recvs = append(f.recvs, op.Recv)
	}
	return nil
}

func (f *fakeStack) popSend() *transport.SendBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sends) == 0 {
		return nil
	}
	sb := f.sends[0]
	f.sends = f.sends[1:]
	return sb
}

func (f *fakeStack) popRecv() *transport.RecvBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.recvs) == 0 {
		return nil
	}
	rb := f.recvs[0]
	f.recvs = f.recvs[1:]
	return rb
}

func newTestCall(t *testing.T, role Role) (*Call, *fakeStack, *cq.Queue) {
	t.Helper()
	stack := &fakeStack{}
	q := cq.New()
	c, err := NewCall(CallArgs{Role: role, Stack: stack, Deadline: time.Time{}})
	require.NoError(t, err)
	c.SetCompletionQueue(q)
	return c, stack, q
}

func mustNextEvent(t *testing.T, q *cq.Queue) cq.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := q.Next(ctx)
	require.NoError(t, err)
	return ev
}

// Scenario 1 from spec.md §8: client unary OK.
func TestClientUnaryOK(t *testing.T) {
	c, stack, q := newTestCall(t, RoleClient)
	defer c.Destroy()

	var recvMD mdctx.Batch
	var recvMsg []byte
	var recvOK bool
	var status Status

	err := c.StartBatch([]BatchOp{
		{Op: OpSendInitialMetadata},
		{Op: OpSendMessage, SendMessage: []byte("hi")},
		{Op: OpSendCloseFromClient},
		{Op: OpRecvInitialMetadata, RecvInitialMetadata: &recvMD},
		{Op: OpRecvMessage, RecvMessage: &recvMsg, RecvMessageOK: &recvOK},
		{Op: OpRecvStatusOnClient, RecvStatus: &status},
	}, "tag-1", nil)
	require.NoError(t, err)

	sb := stack.popSend()
	require.NotNil(t, sb, "expected the batch to produce exactly one send-side transport op")
	require.True(t, sb.IsLastSend)
	sb.OnDone(nil)

	rb := stack.popRecv()
	require.NotNil(t, rb, "expected a recv-side transport op to have been issued")
	rb.Ops = []transport.Op{
		{Kind: transport.OpMetadata},
		{Kind: transport.OpBeginMessage, Length: 5},
		{Kind: transport.OpMessageSlice, Bytes: []byte("world")},
		{Kind: transport.OpMetadata, Metadata: mdctx.Batch{Elements: []mdctx.Element{
			{Key: statusCodeKey, Value: "0"},
		}}},
	}
	rb.StreamState = transport.StreamRecvClosed
	rb.OnDone(true)

	ev := mustNextEvent(t, q)
	require.Equal(t, "tag-1", ev.Tag)
	require.NoError(t, ev.Err)

	require.Equal(t, []byte("world"), recvMsg)
	require.True(t, recvOK)
	require.Equal(t, codes.OK, status.Code)
}

// Scenario 2 from spec.md §8: server rejects with status 9.
func TestServerRejectsWithStatus(t *testing.T) {
	c, stack, q := newTestCall(t, RoleServer)
	defer c.Destroy()

	err := c.StartBatch([]BatchOp{
		{Op: OpSendInitialMetadata},
		{
			Op:                   OpSendStatusFromServer,
			SendStatus:           Status{Code: codes.FailedPrecondition, Message: "nope"},
			SendTrailingMetadata: nil,
		},
	}, "tag-2", nil)
	require.NoError(t, err)

	sb := stack.popSend()
	require.NotNil(t, sb)
	require.True(t, sb.IsLastSend)

	var gotStatusKey, gotMsgKey bool
	for _, op := range sb.Ops {
		if op.Kind != transport.OpMetadata {
			continue
		}
		for _, el := range op.Metadata.Elements {
			if el.Key == statusCodeKey && el.Value == "9" {
				gotStatusKey = true
			}
			if el.Key == statusMessageKey && el.Value == "nope" {
				gotMsgKey = true
			}
		}
	}
	require.True(t, gotStatusKey, "trailing metadata must carry grpc-status: 9")
	require.True(t, gotMsgKey, "trailing metadata must carry grpc-message: nope")

	sb.OnDone(nil)

	ev := mustNextEvent(t, q)
	require.Equal(t, "tag-2", ev.Tag)
	require.NoError(t, ev.Err)
}

// Scenario 3 from spec.md §8: message overflow cancels the call.
func TestMessageOverflowCancels(t *testing.T) {
	c, stack, q := newTestCall(t, RoleClient)
	defer c.Destroy()

	var recvMsg []byte
	var recvOK bool
	err := c.StartBatch([]BatchOp{
		{Op: OpRecvMessage, RecvMessage: &recvMsg, RecvMessageOK: &recvOK},
	}, "tag-3", nil)
	require.NoError(t, err)

	rb := stack.popRecv()
	require.NotNil(t, rb)
	rb.Ops = []transport.Op{
		{Kind: transport.OpBeginMessage, Length: 3},
		{Kind: transport.OpMessageSlice, Bytes: []byte("abcd")},
	}
	rb.OnDone(true)

	ev := mustNextEvent(t, q)
	require.Equal(t, "tag-3", ev.Tag)
	require.Error(t, ev.Err)
	require.Equal(t, codes.InvalidArgument, errStatus(ev.Err).Code)

	c.mu.Lock()
	finalStatus := c.effectiveStatusLocked()
	queueLen := c.inbound.Len()
	c.mu.Unlock()
	require.Equal(t, codes.InvalidArgument, finalStatus.Code)
	require.Equal(t, 0, queueLen, "the inbound queue must be flushed on framing failure")
}

// Scenario 5 from spec.md §8: two overlapping SEND_MESSAGEs.
func TestTooManyOperations(t *testing.T) {
	c, _, _ := newTestCall(t, RoleClient)
	defer c.Destroy()

	err := c.StartBatch([]BatchOp{{Op: OpSendInitialMetadata}}, "a", nil)
	require.NoError(t, err)

	err = c.StartBatch([]BatchOp{
		{Op: OpSendMessage, SendMessage: []byte("x")},
	}, "b", nil)
	require.NoError(t, err)

	err = c.StartBatch([]BatchOp{
		{Op: OpSendMessage, SendMessage: []byte("y")},
	}, "c", nil)
	require.ErrorIs(t, err, ErrTooManyOperations)
}

// Scenario 6 from spec.md §8: a second SEND_INITIAL_METADATA after the
// first has already been invoked returns ALREADY_INVOKED.
func TestAlreadyInvoked(t *testing.T) {
	c, stack, _ := newTestCall(t, RoleClient)
	defer c.Destroy()

	err := c.StartBatch([]BatchOp{{Op: OpSendInitialMetadata}}, "a", nil)
	require.NoError(t, err)

	sb := stack.popSend()
	require.NotNil(t, sb)
	sb.OnDone(nil)

	err = c.StartBatch([]BatchOp{{Op: OpSendInitialMetadata}}, "b", nil)
	require.ErrorIs(t, err, ErrAlreadyInvoked)
}

// Empty batches complete immediately with OK per spec.md §8's boundary
// behavior, rather than being rejected as a submission error.
func TestEmptyBatchCompletesImmediately(t *testing.T) {
	c, _, _ := newTestCall(t, RoleClient)
	defer c.Destroy()

	var gotErr error
	called := false
	err := c.StartBatch(nil, "tag", func(e error) {
		called = true
		gotErr = e
	})
	require.NoError(t, err)
	require.True(t, called)
	require.NoError(t, gotErr)
}

// Client default status is UNKNOWN, server default is OK, per spec.md
// §4.A/§8.
func TestDefaultStatusByRole(t *testing.T) {
	client, _, _ := newTestCall(t, RoleClient)
	defer client.Destroy()
	client.mu.Lock()
	cst := client.effectiveStatusLocked()
	client.mu.Unlock()
	require.Equal(t, codes.Unknown, cst.Code)

	server, _, _ := newTestCall(t, RoleServer)
	defer server.Destroy()
	server.mu.Lock()
	sst := server.effectiveStatusLocked()
	server.mu.Unlock()
	require.Equal(t, codes.OK, sst.Code)
}

// Scenario 4 from spec.md §8: a deadline that passes before any reply
// cancels the call with DEADLINE_EXCEEDED.
func TestDeadlineExceeded(t *testing.T) {
	stack := &fakeStack{}
	q := cq.New()
	c, err := NewCall(CallArgs{
		Role:     RoleClient,
		Stack:    stack,
		Deadline: time.Now().Add(15 * time.Millisecond),
	})
	require.NoError(t, err)
	defer c.Destroy()
	c.SetCompletionQueue(q)

	var status Status
	err = c.StartBatch([]BatchOp{
		{Op: OpRecvStatusOnClient, RecvStatus: &status},
	}, "deadline", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := q.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "deadline", ev.Tag)
	require.Equal(t, codes.DeadlineExceeded, status.Code)
}

// Status aggregation: lowest-indexed source wins regardless of order.
func TestStatusAggregatorPriority(t *testing.T) {
	c, _, _ := newTestCall(t, RoleClient)
	defer c.Destroy()

	c.mu.Lock()
	c.setStatusLocked(statusSourceWire, Status{Code: codes.NotFound})
	c.setStatusLocked(statusSourceCore, Status{Code: codes.Unavailable})
	c.setStatusLocked(statusSourceAPIOverride, Status{Code: codes.Canceled})
	got := c.effectiveStatusLocked()
	c.mu.Unlock()

	require.Equal(t, codes.Canceled, got.Code)
}

// A source's status is idempotent: the first set per source wins.
func TestStatusSourceIdempotent(t *testing.T) {
	c, _, _ := newTestCall(t, RoleClient)
	defer c.Destroy()

	c.mu.Lock()
	c.setStatusLocked(statusSourceAPIOverride, Status{Code: codes.Canceled})
	c.setStatusLocked(statusSourceAPIOverride, Status{Code: codes.Internal})
	got := c.effectiveStatusLocked()
	c.mu.Unlock()

	require.Equal(t, codes.Canceled, got.Code)
}
