/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package power

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gravwell/activityd/journal"
	"github.com/stretchr/testify/require"
)

func testBatteryStore(t *testing.T) (*journal.Store, *journal.SQLBuffer) {
	t.Helper()
	st, err := journal.Open(filepath.Join(t.TempDir(), `battery.db`))
	require.NoError(t, err)
	require.NoError(t, journal.CreateBatterySchema(st))
	t.Cleanup(func() { st.Close() })
	return st, journal.NewSQLBuffer(st, 0, nil)
}

func TestAppendSample(t *testing.T) {
	st, buf := testBatteryStore(t)
	ts := time.Date(2025, 3, 1, 10, 20, 30, 0, time.Local)
	s := Sample{
		Charging:  true,
		VoltageMv: 3700,
		Reporting: 41000,
		LastFull:  52000,
	}
	require.NoError(t, AppendSample(buf, 7, s, ts))
	require.NoError(t, buf.Flush())

	var id, year, yday, chg, dis, mv, rep, lf int64
	row := st.QueryRow(`SELECT id, year, yday, is_charging, is_discharging, voltage, reporting, last_full FROM battery_log`)
	require.NoError(t, row.Scan(&id, &year, &yday, &chg, &dis, &mv, &rep, &lf))
	require.EqualValues(t, 7, id)
	require.EqualValues(t, 2025, year)
	require.EqualValues(t, 60, yday)
	require.EqualValues(t, 1, chg)
	require.EqualValues(t, 0, dis)
	require.EqualValues(t, 3700, mv)
	require.EqualValues(t, 41000, rep)
	require.EqualValues(t, 52000, lf)
}

func TestAppendSampleMissingProps(t *testing.T) {
	st, buf := testBatteryStore(t)
	s := Sample{
		VoltageMv: Missing,
		Reporting: Missing,
		LastFull:  Missing,
	}
	require.NoError(t, AppendSample(buf, 1, s, time.Now()))
	require.NoError(t, buf.Flush())

	var mv, rep, lf int64
	row := st.QueryRow(`SELECT voltage, reporting, last_full FROM battery_log`)
	require.NoError(t, row.Scan(&mv, &rep, &lf))
	require.EqualValues(t, -1, mv)
	require.EqualValues(t, -1, rep)
	require.EqualValues(t, -1, lf)
}
