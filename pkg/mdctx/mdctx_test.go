// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package mdctx

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestBatchAppendGrowsGeometrically(t *testing.T) {
	var b Batch
	for i := 0; i < 20; i++ {
		b.Append("k", "v")
	}
	require.Equal(t, 20, len(b.Elements))
	require.GreaterOrEqual(t, cap(b.Elements), 20)
}

func TestFromPairs(t *testing.T) {
	b := FromPairs([]Pair{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}})
	require.Len(t, b.Elements, 2)
	require.Equal(t, "a", b.Elements[0].Key)
	require.Equal(t, "2", b.Elements[1].Value)
}

func TestElementDecodedStatusCodeRoundTrip(t *testing.T) {
	var e Element
	_, ok := e.DecodedStatusCode()
	require.False(t, ok, "a fresh element has no cached decode")

	e.SetDecodedStatusCode(codes.OK) // zero-valued code must still be distinguishable from "unset"
	got, ok := e.DecodedStatusCode()
	require.True(t, ok)
	require.Equal(t, codes.OK, got)

	e.SetDecodedStatusCode(codes.NotFound)
	got, ok = e.DecodedStatusCode()
	require.True(t, ok)
	require.Equal(t, codes.NotFound, got)
}

func TestContextInterning(t *testing.T) {
	ctx := NewContext()
	a := ctx.Intern("grpc-status")
	b := ctx.Intern("grpc-status")
	require.Equal(t, a, b)
}

func TestOwnedListReleaseAll(t *testing.T) {
	var o OwnedList
	o.Take(Element{Key: "a", Value: "1"})
	o.Take(Element{Key: "b", Value: "2"})
	require.Equal(t, 2, o.Len())

	released := o.ReleaseAll()
	require.Len(t, released, 2)
	require.Equal(t, 0, o.Len())
}
