// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package mdctx provides the metadata-context collaborator named in the
// call runtime's external interfaces: key interning, element ownership,
// and the batch container metadata travels in. It intentionally knows
// nothing about read/write state, ioreqs, or transport — those live in
// package call.
package mdctx

import (
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
)

// Pair is a user-supplied key/value metadata element, as accepted from
// the batch API before it is interned and appended to a Batch.
type Pair struct {
	Key   string
	Value string
}

// Element is one metadata entry the call has received from the wire.
// It caches its decoded status code (if ever decoded) so a key that is
// re-read multiple times during a single receive pass is parsed once.
//
// The cache is offset by one: zero means "not yet decoded", matching
// the rule that a real status code value of zero must never be
// confused with an unset cache slot.
type Element struct {
	Key   string
	Value string

	cachedCode int
}

// DecodedStatusCode returns the memoized decode of Value as a status
// code, if one has been computed.
func (e *Element) DecodedStatusCode() (codes.Code, bool) {
	if e.cachedCode == 0 {
		return 0, false
	}
	return codes.Code(e.cachedCode - 1), true
}

// SetDecodedStatusCode memoizes the decode of Value.
func (e *Element) SetDecodedStatusCode(c codes.Code) {
	e.cachedCode = int(c) + 1
}

// Batch is an ordered list of metadata elements traveling together,
// optionally carrying a deadline (only meaningful for an initial
// metadata batch). The zero value is an empty batch with no deadline.
type Batch struct {
	Elements []Element
	Deadline time.Time
}

// Append adds a key/value pair to the batch, growing the backing array
// geometrically rather than relying on append's own growth curve, so
// that the amortized cost of a long-running stream's metadata buffer
// is predictable.
func (b *Batch) Append(key, value string) {
	b.grow()
	b.Elements = append(b.Elements, Element{Key: key, Value: value})
}

func (b *Batch) grow() {
	if len(b.Elements) < cap(b.Elements) {
		return
	}
	newCap := cap(b.Elements) * 2
	if floor := cap(b.Elements) + 8; newCap < floor {
		newCap = floor
	}
	grown := make([]Element, len(b.Elements), newCap)
	copy(grown, b.Elements)
	b.Elements = grown
}

// FromPairs builds a Batch from caller-supplied pairs, used by the
// batch adapter to turn user metadata into the shape the send path
// expects.
func FromPairs(pairs []Pair) Batch {
	var b Batch
	for _, p := range pairs {
		b.Append(p.Key, p.Value)
	}
	return b
}

// FromMD converts a real grpc metadata.MD (as handed to a stream
// handler by grpc itself) into a Batch, the shape the call engine's
// send and receive paths deal in.
func FromMD(md metadata.MD) Batch {
	var b Batch
	for k, vs := range md {
		for _, v := range vs {
			b.Append(k, v)
		}
	}
	return b
}

// ToMD converts a Batch back into a grpc metadata.MD, for handing
// outbound trailers/headers to a real grpc.ServerStream or
// grpc.ClientStream.
func ToMD(b Batch) metadata.MD {
	md := metadata.MD{}
	for _, el := range b.Elements {
		md.Append(el.Key, el.Value)
	}
	return md
}

// Context interns metadata keys so that repeated headers across many
// calls on the same channel share one string allocation. It has no
// other state; a channel owns exactly one Context for its lifetime.
type Context struct {
	mu       sync.Mutex
	interned map[string]string
}

// NewContext returns a ready-to-use, empty interning context.
func NewContext() *Context {
	return &Context{interned: make(map[string]string)}
}

// Intern returns the canonical copy of key, recording it on first use.
func (c *Context) Intern(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.interned[key]; ok {
		return v
	}
	c.interned[key] = key
	return key
}

// OwnedList accumulates metadata elements the call has taken ownership
// of on receipt. ReleaseAll hands them back (and clears the list) at
// call destruction; in a garbage-collected runtime this is bookkeeping
// rather than manual memory release, but it keeps the ownership
// invariant visible and checkable.
type OwnedList struct {
	elems []Element
}

// Take records that the call now owns el.
func (o *OwnedList) Take(el Element) {
	o.elems = append(o.elems, el)
}

// Len reports how many elements are currently owned.
func (o *OwnedList) Len() int { return len(o.elems) }

// ReleaseAll clears the owned list, returning what had been held.
func (o *OwnedList) ReleaseAll() []Element {
	released := o.elems
	o.elems = nil
	return released
}
