// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package cq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBeginEndOpRoundTrip(t *testing.T) {
	q := New()
	q.BeginOp()
	require.Equal(t, 1, q.Pending())

	q.EndOp("tag", nil)
	require.Equal(t, 0, q.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := q.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "tag", ev.Tag)
	require.NoError(t, ev.Err)
}

func TestNextPreservesOrder(t *testing.T) {
	q := New()
	q.BeginOp()
	q.BeginOp()
	q.EndOp("first", nil)
	q.EndOp("second", errors.New("boom"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev1, err := q.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", ev1.Tag)

	ev2, err := q.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "second", ev2.Tag)
	require.Error(t, ev2.Err)
}

func TestNextRespectsContextCancellation(t *testing.T) {
	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Next(ctx)
	require.Error(t, err)
}

func TestShutdownWakesBlockedNext(t *testing.T) {
	q := New()
	done := make(chan error, 1)
	go func() {
		_, err := q.Next(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Shutdown()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Next never returned after Shutdown")
	}
}
