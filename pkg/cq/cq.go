// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package cq implements the completion queue collaborator: the
// thread-safe FIFO by which a caller learns that a batch it submitted
// has resolved.
package cq

import (
	"context"
	"sync"
)

// Event is one posted completion: the tag the caller supplied to
// StartBatch, and the batch's terminal error (nil on success).
type Event struct {
	Tag interface{}
	Err error
}

// Queue is an unbounded, thread-safe completion queue. The zero value is
// not usable; construct with New.
type Queue struct {
	mu      sync.Mutex
	cond    sync.Cond
	events  []Event
	pending int
	closed  bool
}

// New returns an empty queue.
func New() *Queue {
	q := &Queue{}
	q.cond.L = &q.mu
	return q
}

// BeginOp reserves a slot for a completion that will eventually be
// posted via EndOp. Every accepted batch calls BeginOp exactly once
// before any of its ioreqs can resolve.
func (q *Queue) BeginOp() {
	q.mu.Lock()
	q.pending++
	q.mu.Unlock()
}

// EndOp posts a completion for tag. It must be called exactly once
// for each prior BeginOp.
func (q *Queue) EndOp(tag interface{}, err error) {
	q.mu.Lock()
	q.pending--
	q.events = append(q.events, Event{Tag: tag, Err: err})
	q.cond.Signal()
	q.mu.Unlock()
}

// Next blocks until a completion is available, ctx is done, or the
// queue is shut down.
func (q *Queue) Next(ctx context.Context) (Event, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.events) == 0 {
		if q.closed {
			return Event{}, context.Canceled
		}
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		q.cond.Wait()
	}
	ev := q.events[0]
	q.events = q.events[1:]
	return ev, nil
}

// Shutdown wakes any blocked Next calls. After it, Next still returns
// events already queued, and returns context.Canceled once the queue
// is empty instead of blocking.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Pending reports the number of begun-but-not-yet-ended operations.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}
