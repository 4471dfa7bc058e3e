// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package buffer implements the small, transport-agnostic containers
// the call runtime builds messages from: a FIFO of fully assembled
// inbound messages, and the scratch space a message is assembled into
// while its slices are still arriving.
package buffer

import "bytes"

// InboundQueue is a FIFO of fully assembled inbound messages, awaiting
// a RECV_MESSAGE ioreq to consume them.
type InboundQueue struct {
	items [][]byte
}

// Push enqueues a completed message. A nil slice is a valid entry: it
// represents a zero-length message, distinct from "no message".
func (q *InboundQueue) Push(msg []byte) {
	if msg == nil {
		msg = []byte{}
	}
	q.items = append(q.items, msg)
}

// Pop removes and returns the oldest message, if any.
func (q *InboundQueue) Pop() ([]byte, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// Len reports the number of buffered messages.
func (q *InboundQueue) Len() int { return len(q.items) }

// Bytes reports the total size of every message currently buffered,
// for callers that report an in-flight-bytes gauge alongside message
// counts.
func (q *InboundQueue) Bytes() int {
	n := 0
	for _, msg := range q.items {
		n += len(msg)
	}
	return n
}

// Flush discards all buffered messages, returning how many were
// dropped — used when a non-OK status retires the rest of the stream.
func (q *InboundQueue) Flush() int {
	n := len(q.items)
	q.items = nil
	return n
}

// Scratch accumulates the slices of one in-flight message while it is
// being assembled from a BEGIN_MESSAGE/SLICE/SLICE/... sequence.
type Scratch struct {
	reading   bool
	declared  int
	buf       bytes.Buffer
}

// Begin starts assembling a message of the declared length.
func (s *Scratch) Begin(length int) {
	s.reading = true
	s.declared = length
	s.buf.Reset()
}

// Reading reports whether a message is currently being assembled.
func (s *Scratch) Reading() bool { return s.reading }

// Declared returns the length announced by BEGIN_MESSAGE.
func (s *Scratch) Declared() int { return s.declared }

// AppendSlice appends bytes received for the in-progress message.
func (s *Scratch) AppendSlice(b []byte) {
	s.buf.Write(b)
}

// Len reports how many bytes have been accumulated so far.
func (s *Scratch) Len() int { return s.buf.Len() }

// Finish completes assembly, returning the assembled message and
// resetting the scratch space for the next one.
func (s *Scratch) Finish() []byte {
	msg := make([]byte, s.buf.Len())
	copy(msg, s.buf.Bytes())
	s.Reset()
	return msg
}

// Reset clears the scratch space without returning a message, used
// both after Finish and when a framing violation cancels assembly.
func (s *Scratch) Reset() {
	s.reading = false
	s.declared = 0
	s.buf.Reset()
}
