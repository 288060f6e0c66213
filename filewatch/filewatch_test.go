/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package filewatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravwell/activityd/journal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func testJournal(t *testing.T) (*journal.Store, *journal.SQLBuffer) {
	t.Helper()
	st, err := journal.Open(filepath.Join(t.TempDir(), `access.db`))
	require.NoError(t, err)
	require.NoError(t, journal.CreateAccessSchema(st))
	t.Cleanup(func() { st.Close() })
	return st, journal.NewSQLBuffer(st, 0, nil)
}

func TestCoalesceMerge(t *testing.T) {
	st, buf := testJournal(t)
	c := NewCoalescer(st, buf, time.Hour, nil) //epoch never fires on its own

	early := time.Now()
	late := early.Add(time.Second)
	c.Note(`/tmp/x`, unix.IN_OPEN, late)
	c.Note(`/tmp/x`, unix.IN_CLOSE_WRITE, early)
	c.Note(`/tmp/y`, unix.IN_DELETE, late)

	got := c.pending()
	require.Len(t, got, 2)
	require.Equal(t, uint32(unix.IN_OPEN|unix.IN_CLOSE_WRITE), got[`/tmp/x`].mask)
	require.Equal(t, early, got[`/tmp/x`].first)
}

func TestCoalesceFlushOncePerPath(t *testing.T) {
	st, buf := testJournal(t)
	c := NewCoalescer(st, buf, time.Hour, nil)

	dir := t.TempDir()
	p := filepath.Join(dir, `a.txt`)
	require.NoError(t, os.WriteFile(p, []byte(`data`), 0644))

	now := time.Now()
	c.Note(p, unix.IN_OPEN, now)
	c.Note(p, unix.IN_CLOSE_WRITE, now.Add(time.Millisecond))
	c.flushEpoch()

	var cnt, spo int64
	require.NoError(t, st.QueryRow(`SELECT COUNT(*) FROM log`).Scan(&cnt))
	require.EqualValues(t, 1, cnt)
	require.NoError(t, st.QueryRow(`SELECT size_plus_one FROM log`).Scan(&spo))
	require.EqualValues(t, 5, spo) //4 bytes of data, plus one

	//same path in a later epoch gets the same uid
	c.Note(p, unix.IN_OPEN, now.Add(time.Second))
	c.flushEpoch()
	var uids int64
	require.NoError(t, st.QueryRow(`SELECT COUNT(DISTINCT uid) FROM log`).Scan(&uids))
	require.EqualValues(t, 1, uids)
	require.NoError(t, st.QueryRow(`SELECT COUNT(*) FROM log`).Scan(&cnt))
	require.EqualValues(t, 2, cnt)
}

func TestCoalesceDeletedPath(t *testing.T) {
	st, buf := testJournal(t)
	c := NewCoalescer(st, buf, time.Hour, nil)

	c.Note(filepath.Join(t.TempDir(), `gone.txt`), unix.IN_DELETE, time.Now())
	c.flushEpoch()
	var spo int64
	require.NoError(t, st.QueryRow(`SELECT size_plus_one FROM log`).Scan(&spo))
	require.EqualValues(t, 0, spo)
}

func TestWatcherCreateThenDelete(t *testing.T) {
	st, buf := testJournal(t)
	c := NewCoalescer(st, buf, 200*time.Millisecond, nil)
	c.Start()
	defer c.Stop()

	base := t.TempDir()
	wm, err := NewWatchManager(base, filepath.Join(base, `.state`), c, nil)
	require.NoError(t, err)
	require.NoError(t, wm.Start())
	defer wm.Close()

	//give the scan worker a beat to install the base watch
	require.Eventually(t, func() bool { return wm.WatchCount() > 0 }, 5*time.Second, 10*time.Millisecond)

	p := filepath.Join(base, `a.txt`)
	require.NoError(t, os.WriteFile(p, []byte(`data`), 0644))
	//first epoch must record the file with its size
	require.Eventually(t, func() bool {
		var cnt int64
		if err := st.QueryRow(`SELECT COUNT(*) FROM log WHERE size_plus_one = 5`).Scan(&cnt); err != nil {
			return false
		}
		return cnt == 1
	}, 6*time.Second, 50*time.Millisecond)

	require.NoError(t, os.Remove(p))
	//a later epoch must record the deletion with size_plus_one = 0
	require.Eventually(t, func() bool {
		var cnt int64
		if err := st.QueryRow(`SELECT COUNT(*) FROM log WHERE size_plus_one = 0`).Scan(&cnt); err != nil {
			return false
		}
		return cnt == 1
	}, 6*time.Second, 50*time.Millisecond)

	//both rows reference the same file id, in order
	rows, err := st.Query(`SELECT uid, size_plus_one FROM log ORDER BY id ASC`)
	require.NoError(t, err)
	defer rows.Close()
	var uids []int64
	var sizes []int64
	for rows.Next() {
		var u, s int64
		require.NoError(t, rows.Scan(&u, &s))
		uids = append(uids, u)
		sizes = append(sizes, s)
	}
	require.NoError(t, rows.Err())
	require.Len(t, uids, 2)
	require.Equal(t, uids[0], uids[1])
	require.Equal(t, []int64{5, 0}, sizes)
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	st, buf := testJournal(t)
	c := NewCoalescer(st, buf, 200*time.Millisecond, nil)
	c.Start()
	defer c.Stop()

	base := t.TempDir()
	wm, err := NewWatchManager(base, filepath.Join(base, `.state`), c, nil)
	require.NoError(t, err)
	require.NoError(t, wm.Start())
	defer wm.Close()
	require.Eventually(t, func() bool { return wm.WatchCount() > 0 }, 5*time.Second, 10*time.Millisecond)

	sub := filepath.Join(base, `sub`)
	require.NoError(t, os.Mkdir(sub, 0755))
	//the new directory gets its own watch
	require.Eventually(t, func() bool { return wm.WatchCount() >= 2 }, 5*time.Second, 10*time.Millisecond)

	p := filepath.Join(sub, `nested.txt`)
	require.NoError(t, os.WriteFile(p, []byte(`xy`), 0644))
	require.Eventually(t, func() bool {
		var cnt int64
		if err := st.QueryRow(`SELECT COUNT(*) FROM files WHERE filename = ?`, p).Scan(&cnt); err != nil {
			return false
		}
		return cnt == 1
	}, 6*time.Second, 50*time.Millisecond)
}

func TestWatcherExcludesStateDir(t *testing.T) {
	st, buf := testJournal(t)
	c := NewCoalescer(st, buf, 200*time.Millisecond, nil)
	c.Start()
	defer c.Stop()

	base := t.TempDir()
	state := filepath.Join(base, `.state`)
	require.NoError(t, os.Mkdir(state, 0755))

	wm, err := NewWatchManager(base, state, c, nil)
	require.NoError(t, err)
	require.NoError(t, wm.Start())
	defer wm.Close()
	require.Eventually(t, func() bool { return wm.WatchCount() > 0 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, wm.WatchCount()) //only the base, never the state dir

	require.NoError(t, os.WriteFile(filepath.Join(state, `upload.db`), []byte(`x`), 0644))
	time.Sleep(500 * time.Millisecond)
	var cnt int64
	require.NoError(t, st.QueryRow(`SELECT COUNT(*) FROM files`).Scan(&cnt))
	require.EqualValues(t, 0, cnt)
}
