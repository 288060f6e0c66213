/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package uploader

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravwell/activityd/journal"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	output  string
	err     error
	calls   int
	seen    []string //snapshot row id ranges observed, per call
	inspect func(path string) string
}

func (f *fakeSubmitter) Submit(path string) (string, error) {
	f.calls++
	if f.inspect != nil {
		f.seen = append(f.seen, f.inspect(path))
	}
	return f.output, f.err
}

func testSetup(t *testing.T, sub Submitter) (*Uploader, *journal.Store, *State) {
	t.Helper()
	journal.ResetRegistry()
	dir := t.TempDir()
	st, err := journal.Open(filepath.Join(dir, `access.db`))
	require.NoError(t, err)
	require.NoError(t, journal.CreateAccessSchema(st))
	t.Cleanup(func() { st.Close() })
	journal.Register(st, `log`, true)

	state, err := OpenState(filepath.Join(dir, `upload.db`))
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })

	u := New(state, &Conditions{}, sub, dir, nil)
	return u, st, state
}

func fillRows(t *testing.T, st *journal.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, st.Exec(`INSERT INTO log (uid, time, size_plus_one) VALUES (?, ?, ?)`, 1, i, i))
	}
}

// snapshotRange reads the copied row id span out of a snapshot store.
func snapshotRange(path string) string {
	db, err := sql.Open(`sqlite3`, path)
	if err != nil {
		return err.Error()
	}
	defer db.Close()
	var lo, hi sql.NullInt64
	if err = db.QueryRow(`SELECT MIN(src_rowid), MAX(src_rowid) FROM access_log`).Scan(&lo, &hi); err != nil {
		return err.Error()
	}
	if !lo.Valid {
		return `empty`
	}
	return fmt.Sprintf(`%d-%d`, lo.Int64, hi.Int64)
}

func TestUploadSuccessAdvancesAndDeletes(t *testing.T) {
	sub := &fakeSubmitter{output: `+OK stored`, inspect: snapshotRange}
	u, st, state := testSetup(t, sub)
	fillRows(t, st, 5)

	require.NoError(t, u.Upload())
	require.Equal(t, 1, sub.calls)
	require.Equal(t, []string{`1-5`}, sub.seen)

	through, err := state.Through(`access.db/log`)
	require.NoError(t, err)
	require.EqualValues(t, 5, through)

	//delete-on-ack removed the acknowledged rows
	var cnt int64
	require.NoError(t, st.QueryRow(`SELECT COUNT(*) FROM log`).Scan(&cnt))
	require.EqualValues(t, 0, cnt)

	//and ids keep climbing afterwards, watermarks never regress
	fillRows(t, st, 2)
	max, err := st.MaxRowID(`log`)
	require.NoError(t, err)
	require.EqualValues(t, 7, max)
}

func TestUploadFailureLeavesEverything(t *testing.T) {
	sub := &fakeSubmitter{output: `-ERR rejected`}
	u, st, state := testSetup(t, sub)
	fillRows(t, st, 3)

	require.Error(t, u.Upload())
	through, err := state.Through(`access.db/log`)
	require.NoError(t, err)
	require.EqualValues(t, 0, through)
	var cnt int64
	require.NoError(t, st.QueryRow(`SELECT COUNT(*) FROM log`).Scan(&cnt))
	require.EqualValues(t, 3, cnt)

	//only the attempt row was recorded
	last, err := state.LastFailure()
	require.NoError(t, err)
	require.False(t, last.IsZero())
	succ, err := state.LastSuccess()
	require.NoError(t, err)
	require.True(t, succ.IsZero())
}

func TestCrashResumeResendsSameRange(t *testing.T) {
	//an upload dies before the acknowledgement token: the next upload
	//must re-send the same rowid range (at least once delivery)
	sub := &fakeSubmitter{output: ``, err: errors.New(`connection torn down`), inspect: snapshotRange}
	u, st, _ := testSetup(t, sub)
	fillRows(t, st, 4)

	require.Error(t, u.Upload())
	sub.output, sub.err = `+OK stored`, nil
	require.NoError(t, u.Upload())
	require.Equal(t, []string{`1-4`, `1-4`}, sub.seen)
}

func TestWatermarkMonotone(t *testing.T) {
	sub := &fakeSubmitter{output: `+OK`, inspect: snapshotRange}
	u, st, state := testSetup(t, sub)
	var prev int64
	for round := 0; round < 3; round++ {
		fillRows(t, st, 3)
		require.NoError(t, u.Upload())
		through, err := state.Through(`access.db/log`)
		require.NoError(t, err)
		require.Greater(t, through, prev)
		prev = through
	}
	require.EqualValues(t, 9, prev)
}

func TestSetThroughNeverRegresses(t *testing.T) {
	state, err := OpenState(filepath.Join(t.TempDir(), `upload.db`))
	require.NoError(t, err)
	defer state.Close()
	require.NoError(t, state.SetThrough(`k`, 10))
	require.NoError(t, state.SetThrough(`k`, 5))
	v, err := state.Through(`k`)
	require.NoError(t, err)
	require.EqualValues(t, 10, v)
}

func TestPredicateGating(t *testing.T) {
	sub := &fakeSubmitter{output: `+OK`}
	u, _, _ := testSetup(t, sub)
	now := time.Now()

	//metered medium, idle long enough: must not upload
	u.conds.SetMedium(`cellular`, now.Add(-10*time.Minute))
	u.conds.SetIdle(true, now.Add(-125*time.Second))
	require.False(t, u.Ready(now))

	//WLAN but only briefly: still gated
	u.conds.SetMedium(`wifi`, now.Add(-125*time.Second))
	require.False(t, u.Ready(now))

	//WLAN for over five minutes with the user still idle: go
	u.conds.SetMedium(``, now)
	u.conds.SetMedium(`wifi`, now.Add(-301*time.Second))
	require.True(t, u.Ready(now))
}

func TestPredicateWindows(t *testing.T) {
	sub := &fakeSubmitter{output: `+OK`}
	u, _, state := testSetup(t, sub)
	now := time.Now()
	u.conds.SetMedium(`ethernet`, now.Add(-time.Hour))
	u.conds.SetIdle(true, now.Add(-time.Hour))
	require.True(t, u.Ready(now))

	//a recent success blocks until the window passes
	require.NoError(t, state.LogAttempt(now.Add(-time.Hour), true, `+OK`))
	require.False(t, u.Ready(now))
	require.True(t, u.Ready(now.Add(24*time.Hour)))

	//a recent failure blocks for the failure window only
	require.NoError(t, state.LogAttempt(now.Add(25*time.Hour), false, `-ERR`))
	require.False(t, u.Ready(now.Add(25*time.Hour).Add(time.Hour)))
	require.True(t, u.Ready(now.Add(25*time.Hour).Add(failureWindow).Add(time.Second)))
}

func TestInFlightGuard(t *testing.T) {
	sub := &fakeSubmitter{output: `+OK`}
	u, _, _ := testSetup(t, sub)
	u.mtx.Lock()
	u.inFlight = true
	u.mtx.Unlock()
	require.False(t, u.Ready(time.Now()))
	require.Equal(t, ErrUploadInFlight, u.Upload())
}

func TestAttemptRowRecorded(t *testing.T) {
	sub := &fakeSubmitter{output: `+OK done`}
	u, st, state := testSetup(t, sub)
	fillRows(t, st, 1)
	require.NoError(t, u.Upload())
	last, err := state.LastSuccess()
	require.NoError(t, err)
	require.False(t, last.IsZero())
}
