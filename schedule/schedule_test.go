/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOrdering(t *testing.T) {
	q := NewQueue()
	now := time.Now()
	q.Set(`c`, now.Add(3*time.Second))
	q.Set(`a`, now.Add(time.Second))
	q.Set(`b`, now.Add(2*time.Second))

	require.Equal(t, 3, q.Len())
	require.Equal(t, []string{`a`, `b`}, q.Expired(now.Add(2*time.Second)))
	require.Equal(t, []string{`c`}, q.Expired(now.Add(time.Hour)))
	require.Nil(t, q.Expired(now.Add(time.Hour)))
}

func TestReplace(t *testing.T) {
	q := NewQueue()
	now := time.Now()
	q.Set(`scan`, now.Add(3*time.Hour))
	q.Set(`scan`, now.Add(time.Minute))
	require.Equal(t, 1, q.Len())
	require.Equal(t, []string{`scan`}, q.Expired(now.Add(2*time.Minute)))
}

func TestCancel(t *testing.T) {
	q := NewQueue()
	q.SetIn(`stats`, time.Minute)
	require.True(t, q.Cancel(`stats`))
	require.False(t, q.Cancel(`stats`))
	require.Equal(t, 0, q.Len())
}

func TestTimeout(t *testing.T) {
	q := NewQueue()
	require.Equal(t, time.Minute, q.Timeout(time.Minute))

	q.Set(`x`, time.Now().Add(100*time.Millisecond))
	to := q.Timeout(time.Minute)
	require.True(t, to <= 100*time.Millisecond && to >= 0)

	q.Set(`x`, time.Now().Add(-time.Second))
	require.Equal(t, time.Duration(0), q.Timeout(time.Minute))
}
