// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package grpcstack adapts a real google.golang.org/grpc bidirectional
// stream — grpc.ClientStream on the client side, grpc.ServerStream on
// the server side, the same interfaces the teacher's
// AnyStreamClient/anyStreamServer helpers name — into the
// transport.Stack interface the call engine drives. Unlike
// pkg/transport/loopback, frames here actually cross a socket.
//
// Message bytes travel through grpc's codec machinery as a rawMessage
// wrapping the already-framed bytes the call engine assembled, so the
// engine never needs to know about protobuf: it owns framing (BEGIN_
// MESSAGE/SLICE), grpc owns the HTTP/2 wire format underneath that.
package grpcstack

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/chanrpc/callrt/pkg/mdctx"
	"github.com/chanrpc/callrt/pkg/transport"
)

// rawMessage carries already-framed message bytes through grpc's
// Marshal/Unmarshal machinery unchanged.
type rawMessage struct{ data []byte }

// rawCodec is registered under its own content-subtype so a stream
// using it never invokes protobuf: this is the same trick a
// pass-through proxy uses to forward opaque payloads without decoding
// them.
type rawCodec struct{}

const codecName = "callrt-raw"

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(*rawMessage)
	if !ok {
		return nil, fmt.Errorf("callrt/grpcstack: unexpected message type %T", v)
	}
	return m.data, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf("callrt/grpcstack: unexpected message type %T", v)
	}
	m.data = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// CallContentSubtype is the grpc.CallOption a client dialing a method
// driven by this package's ClientStack must pass, so the stream is
// negotiated with rawCodec instead of the channel's default codec.
func CallContentSubtype() grpc.CallOption {
	return grpc.CallContentSubtype(codecName)
}

// ClientStack adapts a grpc.ClientStream obtained from a streaming
// method (dialed with CallContentSubtype()) into transport.Stack.
type ClientStack struct {
	stream grpc.ClientStream
}

// NewClientStack wraps an already-established client stream.
func NewClientStack(stream grpc.ClientStream) *ClientStack {
	return &ClientStack{stream: stream}
}

var _ transport.Stack = (*ClientStack)(nil)

// StartTransportOp dispatches exactly what the call engine asked for:
// at most one send, at most one receive, in either order, matching
// the single combined TransportOp dispatched per call into the
// channel stack (§6 of the Call spec this package services).
func (s *ClientStack) StartTransportOp(ctx context.Context, op *transport.TransportOp) error {
	if op.HasCancel {
		return nil // the caller's ctx cancellation is what actually tears the stream down
	}
	if op.Send != nil {
		go s.doSend(op.Send)
	}
	if op.Recv != nil {
		go s.doRecv(op.Recv)
	}
	return nil
}

func (s *ClientStack) doSend(sb *transport.SendBatch) {
	msg, err := opsToMessage(sb.Ops)
	if err == nil && msg != nil {
		err = s.stream.SendMsg(msg)
	}
	if err == nil && sb.IsLastSend {
		err = s.stream.CloseSend()
	}
	sb.OnDone(err)
}

func (s *ClientStack) doRecv(rb *transport.RecvBatch) {
	var msg rawMessage
	err := s.stream.RecvMsg(&msg)
	if err == io.EOF {
		rb.StreamState = transport.StreamClosed
		rb.OnDone(true)
		return
	}
	if err != nil {
		rb.StreamState = transport.StreamClosed
		rb.OnDone(false)
		return
	}
	rb.Ops = []transport.Op{
		{Kind: transport.OpBeginMessage, Length: len(msg.data)},
		{Kind: transport.OpMessageSlice, Bytes: msg.data},
	}
	rb.StreamState = transport.StreamActive
	rb.OnDone(true)
}

// ServerStack adapts a grpc.ServerStream handed to a streaming service
// method's handler into transport.Stack.
type ServerStack struct {
	stream grpc.ServerStream
}

// NewServerStack wraps the stream a generated streaming handler
// receives. The handler should register rawCodec as its method's
// content-subtype the same way a client dials with CallContentSubtype.
func NewServerStack(stream grpc.ServerStream) *ServerStack {
	return &ServerStack{stream: stream}
}

var _ transport.Stack = (*ServerStack)(nil)

func (s *ServerStack) StartTransportOp(ctx context.Context, op *transport.TransportOp) error {
	if op.HasCancel {
		return nil
	}
	if op.Send != nil {
		go s.doSend(op.Send)
	}
	if op.Recv != nil {
		go s.doRecv(op.Recv)
	}
	return nil
}

func (s *ServerStack) doSend(sb *transport.SendBatch) {
	var trailingMD mdctx.Batch
	haveMD := false
	for _, o := range sb.Ops {
		if o.Kind == transport.OpMetadata {
			trailingMD = o.Metadata
			haveMD = true
		}
	}
	msg, err := opsToMessage(sb.Ops)
	if err == nil && msg != nil {
		err = s.stream.SendMsg(msg)
	}
	if err == nil && haveMD {
		s.stream.SetTrailer(mdctx.ToMD(trailingMD))
	}
	sb.OnDone(err)
}

func (s *ServerStack) doRecv(rb *transport.RecvBatch) {
	var msg rawMessage
	err := s.stream.RecvMsg(&msg)
	if err == io.EOF {
		rb.StreamState = transport.StreamClosed
		rb.OnDone(true)
		return
	}
	if err != nil {
		rb.StreamState = transport.StreamClosed
		rb.OnDone(false)
		return
	}
	rb.Ops = []transport.Op{
		{Kind: transport.OpBeginMessage, Length: len(msg.data)},
		{Kind: transport.OpMessageSlice, Bytes: msg.data},
	}
	rb.StreamState = transport.StreamActive
	rb.OnDone(true)
}

// opsToMessage concatenates the message-shaped ops in a SendBatch (a
// BEGIN_MESSAGE's declared length plus the slices that follow it) into
// one rawMessage, or returns nil if the batch carried no message (only
// metadata and/or a close).
func opsToMessage(ops []transport.Op) (*rawMessage, error) {
	var data []byte
	var want int
	reading := false
	for _, o := range ops {
		switch o.Kind {
		case transport.OpBeginMessage:
			reading = true
			want = o.Length
			data = make([]byte, 0, o.Length)
		case transport.OpMessageSlice:
			if !reading {
				return nil, status.Error(codes.Internal, "callrt/grpcstack: slice with no begin-message")
			}
			data = append(data, o.Bytes...)
		}
	}
	if !reading {
		return nil, nil
	}
	if len(data) != want {
		return nil, status.Errorf(codes.Internal, "callrt/grpcstack: assembled %d bytes, declared %d", len(data), want)
	}
	return &rawMessage{data: data}, nil
}

// MetadataFromIncomingContext mirrors the teacher's own pattern of
// pulling request metadata off a context at the top of a stream
// handler, for callers building a Call's CallArgs from one.
func MetadataFromIncomingContext(ctx context.Context) mdctx.Batch {
	md, _ := metadata.FromIncomingContext(ctx)
	return mdctx.FromMD(md)
}
