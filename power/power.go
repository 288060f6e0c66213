/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package power journals battery state.  It enumerates battery devices over
// the system bus, creates one batteries row per device, subscribes to
// property change notifications, and appends a timestamped sample row on
// every notification.  Properties the platform does not expose are stored
// as -1.
package power

import (
	"errors"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/gravwell/activityd/journal"
	"github.com/gravwell/gravwell/v3/ingest/log"
)

const (
	upowerDest   = `org.freedesktop.UPower`
	upowerPath   = dbus.ObjectPath(`/org/freedesktop/UPower`)
	deviceIface  = `org.freedesktop.UPower.Device`
	propsIface   = `org.freedesktop.DBus.Properties`
	deviceTypeBattery = 2
	batteryState      = 1 //charging
	batteryStateDis   = 2 //discharging
)

var (
	ErrNotStarted = errors.New("power monitor not started")
)

// Missing marks a property the platform does not expose.
const Missing = -1

// Sample is one battery observation tuple.
type Sample struct {
	Charging    bool
	Discharging bool
	VoltageMv   int64
	Reporting   int64
	LastFull    int64
}

// busConn is the slice of *dbus.Conn the monitor needs.
type busConn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	Signal(ch chan<- *dbus.Signal)
	AddMatchSignal(opts ...dbus.MatchOption) error
	Close() error
}

// Monitor implements the collector contract for battery state.
type Monitor struct {
	conn busConn
	st   *journal.Store
	buf  *journal.SQLBuffer
	lg   *log.Logger
	sigs chan *dbus.Signal
	devs map[dbus.ObjectPath]int64 //device path -> batteries rowid
}

// New binds a monitor to the battery journal; the bus connection is dialed
// at Start.
func New(st *journal.Store, buf *journal.SQLBuffer, lg *log.Logger) *Monitor {
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	return &Monitor{
		st:   st,
		buf:  buf,
		lg:   lg,
		devs: map[dbus.ObjectPath]int64{},
	}
}

// Start dials the system bus, enumerates batteries, and subscribes to
// property change notifications.
func (m *Monitor) Start() error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return err
	}
	return m.startWith(conn)
}

func (m *Monitor) startWith(conn busConn) error {
	m.conn = conn
	var devices []dbus.ObjectPath
	if err := m.conn.Object(upowerDest, upowerPath).Call(upowerDest+`.EnumerateDevices`, 0).Store(&devices); err != nil {
		m.conn.Close()
		return err
	}
	for _, dp := range devices {
		if m.deviceType(dp) != deviceTypeBattery {
			continue
		}
		id, err := m.registerBattery(dp)
		if err != nil {
			m.lg.Error("failed to register battery", log.KV("device", string(dp)), log.KVErr(err))
			continue
		}
		m.devs[dp] = id
	}
	if err := m.conn.AddMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember(`PropertiesChanged`),
	); err != nil {
		m.conn.Close()
		return err
	}
	m.sigs = make(chan *dbus.Signal, 64)
	m.conn.Signal(m.sigs)
	m.lg.Info("power monitor started", log.KV("batteries", len(m.devs)))
	return nil
}

// Tick services at most one dispatch slice, blocking up to timeout.
func (m *Monitor) Tick(timeout time.Duration) error {
	if m.sigs == nil {
		return ErrNotStarted
	}
	select {
	case sig, ok := <-m.sigs:
		if !ok {
			return ErrNotStarted
		}
		m.handleSignal(sig)
		//drain whatever else is ready
		for {
			select {
			case sig, ok = <-m.sigs:
				if !ok {
					return nil
				}
				m.handleSignal(sig)
			default:
				return nil
			}
		}
	case <-time.After(timeout):
	}
	return nil
}

// Flush forces buffered battery rows to disk.
func (m *Monitor) Flush() {
	if err := m.buf.Flush(); err != nil {
		m.lg.Error("battery journal flush failed", log.KVErr(err))
	}
}

// Stop closes the bus connection and flushes.
func (m *Monitor) Stop() {
	if m.conn != nil {
		m.conn.Close()
	}
	m.Flush()
}

func (m *Monitor) handleSignal(sig *dbus.Signal) {
	id, ok := m.devs[sig.Path]
	if !ok {
		return
	}
	s := m.readSample(sig.Path)
	if err := AppendSample(m.buf, id, s, time.Now()); err != nil {
		m.lg.Error("failed to journal battery sample", log.KV("device", string(sig.Path)), log.KVErr(err))
	}
}

func (m *Monitor) deviceType(dp dbus.ObjectPath) int {
	v, err := m.conn.Object(upowerDest, dp).GetProperty(deviceIface + `.Type`)
	if err != nil {
		return Missing
	}
	if t, ok := v.Value().(uint32); ok {
		return int(t)
	}
	return Missing
}

func (m *Monitor) intProp(dp dbus.ObjectPath, prop string, scale float64) int64 {
	v, err := m.conn.Object(upowerDest, dp).GetProperty(deviceIface + `.` + prop)
	if err != nil {
		return Missing
	}
	switch t := v.Value().(type) {
	case float64:
		return int64(t * scale)
	case uint32:
		return int64(t)
	case int32:
		return int64(t)
	case uint64:
		return int64(t)
	}
	return Missing
}

// registerBattery inserts the batteries row for dp if it is not already
// present and returns its rowid.
func (m *Monitor) registerBattery(dp dbus.ObjectPath) (int64, error) {
	var id int64
	err := m.st.QueryRow(`SELECT id FROM batteries WHERE device = ?`, string(dp)).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err = m.st.Exec(`INSERT INTO batteries (device, voltage_design, voltage_unit, reporting_design, reporting_unit)
		VALUES (?, ?, ?, ?, ?)`,
		string(dp), Missing, `mV`, m.intProp(dp, `EnergyFullDesign`, 1000), `mWh`); err != nil {
		return 0, err
	}
	err = m.st.QueryRow(`SELECT id FROM batteries WHERE device = ?`, string(dp)).Scan(&id)
	return id, err
}

// readSample re-reads the full battery tuple from the platform.
func (m *Monitor) readSample(dp dbus.ObjectPath) (s Sample) {
	st := m.intProp(dp, `State`, 1)
	s.Charging = st == batteryState
	s.Discharging = st == batteryStateDis
	s.VoltageMv = m.intProp(dp, `Voltage`, 1000)
	s.Reporting = m.intProp(dp, `Energy`, 1000)
	s.LastFull = m.intProp(dp, `EnergyFull`, 1000)
	return
}

func boolCol(v bool) int {
	if v {
		return 1
	}
	return 0
}

// AppendSample journals one battery_log row for battery id at time ts.
func AppendSample(buf *journal.SQLBuffer, id int64, s Sample, ts time.Time) error {
	year, yday, hour, min, sec := journal.TimeCols(ts)
	return buf.Append(`INSERT INTO battery_log (id, year, yday, hour, min, sec, is_charging, is_discharging, voltage, reporting, last_full)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, false,
		id, year, yday, hour, min, sec,
		boolCol(s.Charging), boolCol(s.Discharging), s.VoltageMv, s.Reporting, s.LastFull)
}
