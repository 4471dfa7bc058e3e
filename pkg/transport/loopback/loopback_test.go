// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package loopback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/chanrpc/callrt/pkg/transport"
)

func TestSendArrivesAsPeerRecv(t *testing.T) {
	a, b := Pair()

	sendDone := make(chan error, 1)
	sb := &transport.SendBatch{
		Ops:        []transport.Op{{Kind: transport.OpMessageSlice, Bytes: []byte("hi")}},
		IsLastSend: true,
		OnDone:     func(err error) { sendDone <- err },
	}
	require.NoError(t, a.StartTransportOp(context.Background(), &transport.TransportOp{Send: sb}))

	select {
	case err := <-sendDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("send never completed")
	}

	recvDone := make(chan bool, 1)
	rb := &transport.RecvBatch{OnDone: func(ok bool) { recvDone <- ok }}
	require.NoError(t, b.StartTransportOp(context.Background(), &transport.TransportOp{Recv: rb}))

	select {
	case ok := <-recvDone:
		require.True(t, ok)
		require.Len(t, rb.Ops, 1)
		require.Equal(t, []byte("hi"), rb.Ops[0].Bytes)
		require.Equal(t, transport.StreamRecvClosed, rb.StreamState)
	case <-time.After(time.Second):
		t.Fatal("recv never completed")
	}
}

func TestRecvBeforeSendStillDelivers(t *testing.T) {
	a, b := Pair()

	recvDone := make(chan bool, 1)
	rb := &transport.RecvBatch{OnDone: func(ok bool) { recvDone <- ok }}
	require.NoError(t, b.StartTransportOp(context.Background(), &transport.TransportOp{Recv: rb}))

	sb := &transport.SendBatch{
		Ops:    []transport.Op{{Kind: transport.OpMessageSlice, Bytes: []byte("late")}},
		OnDone: func(error) {},
	}
	require.NoError(t, a.StartTransportOp(context.Background(), &transport.TransportOp{Send: sb}))

	select {
	case ok := <-recvDone:
		require.True(t, ok)
		require.Equal(t, []byte("late"), rb.Ops[0].Bytes)
	case <-time.After(time.Second):
		t.Fatal("recv never completed")
	}
}

func TestRecvCancelledByContext(t *testing.T) {
	a, _ := Pair()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	recvDone := make(chan bool, 1)
	rb := &transport.RecvBatch{OnDone: func(ok bool) { recvDone <- ok }}
	require.NoError(t, a.StartTransportOp(ctx, &transport.TransportOp{Recv: rb}))

	select {
	case ok := <-recvDone:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("recv never unblocked on context cancellation")
	}
}

func TestCancelPropagatesAsRecvFailure(t *testing.T) {
	a, b := Pair()

	recvDone := make(chan bool, 1)
	rb := &transport.RecvBatch{OnDone: func(ok bool) { recvDone <- ok }}
	require.NoError(t, b.StartTransportOp(context.Background(), &transport.TransportOp{Recv: rb}))

	require.NoError(t, a.StartTransportOp(context.Background(), &transport.TransportOp{
		HasCancel:  true,
		CancelCode: codes.Canceled,
	}))

	select {
	case ok := <-recvDone:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("recv never observed the cancellation")
	}
}
