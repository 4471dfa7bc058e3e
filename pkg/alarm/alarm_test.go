// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package alarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAlarmFires(t *testing.T) {
	a := New()
	fired := make(chan bool, 1)
	a.Init(time.Now().Add(10*time.Millisecond), func(f bool) { fired <- f })

	select {
	case f := <-fired:
		require.True(t, f)
	case <-time.After(time.Second):
		t.Fatal("alarm never fired")
	}
}

func TestAlarmCancelBeforeFire(t *testing.T) {
	a := New()
	fired := make(chan bool, 1)
	a.Init(time.Now().Add(time.Hour), func(f bool) { fired <- f })
	a.Cancel()

	select {
	case f := <-fired:
		require.False(t, f)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("cancel callback never ran")
	}
}

func TestAlarmCancelAfterFireIsNoOp(t *testing.T) {
	a := New()
	calls := make(chan bool, 2)
	a.Init(time.Now().Add(5*time.Millisecond), func(f bool) { calls <- f })

	select {
	case f := <-calls:
		require.True(t, f)
	case <-time.After(time.Second):
		t.Fatal("alarm never fired")
	}

	a.Cancel() // must not invoke the callback a second time

	select {
	case <-calls:
		t.Fatal("callback ran twice")
	case <-time.After(50 * time.Millisecond):
	}
}
