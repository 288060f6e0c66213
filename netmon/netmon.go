/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package netmon journals connection lifecycle, periodic statistics, and
// scan results.  A state machine per connection is driven by platform
// connectivity signals; periodic work is driven by a deadline queue whose
// soonest entry bounds the bus dispatch timeout.
package netmon

import (
	"errors"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/gravwell/activityd/journal"
	"github.com/gravwell/activityd/schedule"
	"github.com/gravwell/gravwell/v3/ingest/log"
)

// ConnState is one of the five logical connection states.
type ConnState string

const (
	StateConnecting    ConnState = `connecting`
	StateConnected     ConnState = `connected`
	StateDisconnecting ConnState = `disconnecting`
	StateLimited       ConnState = `limited`
	StateDisconnected  ConnState = `disconnected`
)

const (
	statsInterval = 5 * time.Minute
	scanInterval  = 3 * time.Hour
	flushMaxAge   = 60 * time.Second
	flushMaxIdle  = 2 * time.Second

	DefaultDisconnectStatsTimeout = 500 * time.Millisecond

	connmanDest      = `net.connman`
	connmanManager   = dbus.ObjectPath(`/`)
	connmanSvcIface  = `net.connman.Service`
	connmanMgrIface  = `net.connman.Manager`
	connmanTechIface = `net.connman.Technology`

	tmrStats = `stats`
	tmrScan  = `scan`
	tmrFlush = `flush`
)

var (
	ErrNotStarted = errors.New("network monitor not started")
)

// Stats is one connection statistics sample.
type Stats struct {
	TimeActive     int64
	SignalStrength int64
	Sent           int64
	Received       int64
}

// ScanRow is one station observed during an active scan.
type ScanRow struct {
	Status           string
	LastSeen         int64
	ServiceTriple    string
	ServiceName      string
	ServicePriority  int64
	NetworkTriple    string
	NetworkName      string
	NetworkPriority  int64
	SignalStrength   int64
	SignalStrengthDb int64
	StationID        string
}

type connection struct {
	service     string //service triple
	network     string //network triple
	state       ConnState
	connectedAt time.Time
	last        Stats
}

// MediumFunc is notified when the default connection medium changes; the
// uploader predicate feeds on it.
type MediumFunc func(medium string, since time.Time)

type busConn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	Signal(ch chan<- *dbus.Signal)
	AddMatchSignal(opts ...dbus.MatchOption) error
	Close() error
}

// Monitor implements the collector contract for connectivity.
type Monitor struct {
	conn  busConn
	st    *journal.Store
	buf   *journal.SQLBuffer
	lg    *log.Logger
	sched *schedule.Queue
	sigs  chan *dbus.Signal

	conns map[string]*connection

	scanOutstanding bool
	onMedium        MediumFunc

	// DisconnectStatsTimeout bounds the synchronous statistics request
	// issued when a connection starts tearing down; past it the final
	// counters are forfeit.
	DisconnectStatsTimeout time.Duration

	// statsFn and scanFn fetch platform data; the defaults go through
	// the bus, tests substitute their own
	statsFn func(service string) (Stats, error)
	scanFn  func() ([]ScanRow, error)
}

func New(st *journal.Store, buf *journal.SQLBuffer, lg *log.Logger, onMedium MediumFunc) *Monitor {
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	m := &Monitor{
		st:                     st,
		buf:                    buf,
		lg:                     lg,
		sched:                  schedule.NewQueue(),
		conns:                  map[string]*connection{},
		onMedium:               onMedium,
		DisconnectStatsTimeout: DefaultDisconnectStatsTimeout,
	}
	m.statsFn = m.busStats
	m.scanFn = m.busScan
	return m
}

// Start dials the system bus and subscribes to connectivity signals.
func (m *Monitor) Start() error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return err
	}
	return m.startWith(conn)
}

func (m *Monitor) startWith(conn busConn) error {
	m.conn = conn
	if err := m.conn.AddMatchSignal(
		dbus.WithMatchInterface(connmanSvcIface),
		dbus.WithMatchMember(`PropertyChanged`),
	); err != nil {
		m.conn.Close()
		return err
	}
	m.sigs = make(chan *dbus.Signal, 128)
	m.conn.Signal(m.sigs)
	m.sched.SetIn(tmrScan, scanInterval)
	m.sched.SetIn(tmrFlush, flushMaxIdle)
	m.lg.Info("network monitor started")
	return nil
}

// Tick services one dispatch slice: it blocks on the bus stream no longer
// than the soonest pending deadline, then performs whatever periodic work
// expired.
func (m *Monitor) Tick(timeout time.Duration) error {
	if m.sigs == nil {
		return ErrNotStarted
	}
	wait := m.sched.Timeout(timeout)
	select {
	case sig, ok := <-m.sigs:
		if !ok {
			return ErrNotStarted
		}
		m.handleSignal(sig)
	case <-time.After(wait):
	}
	m.runExpired(time.Now())
	return nil
}

func (m *Monitor) runExpired(now time.Time) {
	for _, name := range m.sched.Expired(now) {
		switch name {
		case tmrStats:
			m.pollStats(now)
		case tmrScan:
			m.startScan(now)
			m.sched.SetIn(tmrScan, scanInterval)
		case tmrFlush:
			m.maybeFlush()
			m.sched.SetIn(tmrFlush, flushMaxIdle)
		}
	}
}

// maybeFlush forces the buffer out when data has been sitting for more
// than a minute, or the stream has gone idle for a couple of seconds.
func (m *Monitor) maybeFlush() {
	if m.buf.Len() == 0 {
		return
	}
	if m.buf.Age() >= flushMaxAge || m.buf.Idle() >= flushMaxIdle {
		m.Flush()
	}
}

// Flush forces buffered rows to disk.
func (m *Monitor) Flush() {
	if err := m.buf.Flush(); err != nil {
		m.lg.Error("network journal flush failed", log.KVErr(err))
	}
}

// Stop handles the platform shutdown: an immediate flush and teardown.
func (m *Monitor) Stop() {
	if m.conn != nil {
		m.conn.Close()
	}
	m.Flush()
}

func (m *Monitor) handleSignal(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	prop, ok := sig.Body[0].(string)
	if !ok || prop != `State` {
		return
	}
	vr, ok := sig.Body[1].(dbus.Variant)
	if !ok {
		return
	}
	raw, ok := vr.Value().(string)
	if !ok {
		return
	}
	service := string(sig.Path)
	m.SetState(service, service, mapPlatformState(raw), time.Now())
}

// mapPlatformState folds the platform service states onto the five logical
// states.
func mapPlatformState(s string) ConnState {
	switch s {
	case `association`, `configuration`:
		return StateConnecting
	case `ready`:
		return StateLimited
	case `online`:
		return StateConnected
	case `disconnect`:
		return StateDisconnecting
	}
	return StateDisconnected
}

// SetState drives the per connection state machine.  Every transition is
// journalled; entering disconnecting first issues a synchronous statistics
// request so final byte counters are captured before teardown.
func (m *Monitor) SetState(service, network string, state ConnState, now time.Time) {
	c, ok := m.conns[service]
	if !ok {
		c = &connection{service: service, network: network, state: StateDisconnected}
		m.conns[service] = c
	}
	if c.state == state {
		return
	}
	if state == StateDisconnecting {
		//the teardown window is short; bound the final counter fetch and
		//forfeit it on timeout
		ch := make(chan Stats, 1)
		go func() {
			if s, err := m.statsFn(service); err == nil {
				ch <- s
			}
		}()
		select {
		case s := <-ch:
			c.last = s
		case <-time.After(m.DisconnectStatsTimeout):
		}
	}
	prev := c.state
	c.state = state
	switch state {
	case StateConnected:
		c.connectedAt = now
		m.sched.SetIn(tmrStats, statsInterval)
		if m.onMedium != nil {
			m.onMedium(mediumOf(service), now)
		}
	case StateDisconnected:
		if prev != StateDisconnected && !m.anyConnected() {
			m.sched.Cancel(tmrStats)
			if m.onMedium != nil {
				m.onMedium(``, now)
			}
		}
	}
	year, yday, hour, min, sec := journal.TimeCols(now)
	if err := m.buf.Append(`INSERT INTO connection_log (year, yday, hour, min, sec, service_triple, network_triple, status, rx, tx)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, false,
		year, yday, hour, min, sec, c.service, c.network, string(state), c.last.Received, c.last.Sent); err != nil {
		m.lg.Error("failed to journal connection transition", log.KV("service", service), log.KVErr(err))
	}
}

func (m *Monitor) anyConnected() bool {
	for _, c := range m.conns {
		if c.state == StateConnected || c.state == StateLimited {
			return true
		}
	}
	return false
}

// pollStats samples statistics for every connected service.
func (m *Monitor) pollStats(now time.Time) {
	var again bool
	for svc, c := range m.conns {
		if c.state != StateConnected && c.state != StateLimited {
			continue
		}
		again = true
		s, err := m.statsFn(svc)
		if err != nil {
			m.lg.Warn("statistics poll failed", log.KV("service", svc), log.KVErr(err))
			continue
		}
		c.last = s
		m.appendStats(c, s, now)
	}
	if again {
		m.sched.SetIn(tmrStats, statsInterval)
	}
}

func (m *Monitor) appendStats(c *connection, s Stats, now time.Time) {
	year, yday, hour, min, sec := journal.TimeCols(now)
	if err := m.buf.Append(`INSERT INTO stats_log (year, yday, hour, min, sec, service_triple, network_triple, time_active, signal_strength, sent, received)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, false,
		year, yday, hour, min, sec, c.service, c.network,
		s.TimeActive, s.SignalStrength, s.Sent, s.Received); err != nil {
		m.lg.Error("failed to journal statistics", log.KV("service", c.service), log.KVErr(err))
	}
}

// startScan kicks an active scan unless one is already outstanding.  Scan
// rows carry the session identifier issued at scan start.
func (m *Monitor) startScan(now time.Time) {
	if m.scanOutstanding {
		return
	}
	m.scanOutstanding = true
	defer func() {
		m.scanOutstanding = false
	}()
	year, yday, hour, min, sec := journal.TimeCols(now)
	if err := m.st.Exec(`INSERT INTO scans (year, yday, hour, min, sec) VALUES (?, ?, ?, ?, ?)`,
		year, yday, hour, min, sec); err != nil {
		m.lg.Error("failed to journal scan session", log.KVErr(err))
		return
	}
	session, err := m.st.MaxRowID(`scans`)
	if err != nil {
		m.lg.Error("failed to resolve scan session id", log.KVErr(err))
		return
	}
	rows, err := m.scanFn()
	if err != nil {
		m.lg.Warn("active scan failed", log.KVErr(err))
		return
	}
	for _, r := range rows {
		if err = m.buf.Append(`INSERT INTO scan_log (id, status, last_seen, service_triple, service_name, service_priority, network_triple, network_name, network_priority, signal_strength, signal_strength_db, station_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, false,
			session, r.Status, r.LastSeen, r.ServiceTriple, r.ServiceName, r.ServicePriority,
			r.NetworkTriple, r.NetworkName, r.NetworkPriority,
			r.SignalStrength, r.SignalStrengthDb, r.StationID); err != nil {
			m.lg.Error("failed to journal scan row", log.KVErr(err))
		}
	}
}

// mediumOf extracts the bearer from a platform service identifier of the
// form .../service/<medium>_<mac>_<ssid>...
func mediumOf(service string) string {
	base := service
	if i := lastSlash(service); i >= 0 {
		base = service[i+1:]
	}
	for i := 0; i < len(base); i++ {
		if base[i] == '_' {
			return base[:i]
		}
	}
	return base
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

// busStats pulls counters for a service over the bus; a disconnecting
// service gets at most DisconnectStatsTimeout.
func (m *Monitor) busStats(service string) (s Stats, err error) {
	if m.conn == nil {
		err = ErrNotStarted
		return
	}
	obj := m.conn.Object(connmanDest, dbus.ObjectPath(service))
	var props map[string]dbus.Variant
	call := obj.Call(connmanSvcIface+`.GetProperties`, 0)
	if call.Err != nil {
		err = call.Err
		return
	}
	if err = call.Store(&props); err != nil {
		return
	}
	s.TimeActive = variantInt(props, `TimeActive`)
	s.SignalStrength = variantInt(props, `Strength`)
	s.Sent = variantInt(props, `TX.Bytes`)
	s.Received = variantInt(props, `RX.Bytes`)
	return
}

// busScan asks the wireless technology for an active scan and reads back
// the visible services.
func (m *Monitor) busScan() ([]ScanRow, error) {
	if m.conn == nil {
		return nil, ErrNotStarted
	}
	tech := m.conn.Object(connmanDest, dbus.ObjectPath(`/net/connman/technology/wifi`))
	if call := tech.Call(connmanTechIface+`.Scan`, 0); call.Err != nil {
		return nil, call.Err
	}
	mgr := m.conn.Object(connmanDest, connmanManager)
	var raw [][]interface{}
	if err := mgr.Call(connmanMgrIface+`.GetServices`, 0).Store(&raw); err != nil {
		return nil, err
	}
	var out []ScanRow
	for _, svc := range raw {
		if len(svc) != 2 {
			continue
		}
		path, _ := svc[0].(dbus.ObjectPath)
		props, _ := svc[1].(map[string]dbus.Variant)
		r := ScanRow{
			ServiceTriple:  string(path),
			NetworkTriple:  string(path),
			SignalStrength: variantInt(props, `Strength`),
		}
		if v, ok := props[`Name`]; ok {
			r.NetworkName, _ = v.Value().(string)
		}
		if v, ok := props[`State`]; ok {
			r.Status, _ = v.Value().(string)
		}
		out = append(out, r)
	}
	return out, nil
}

func variantInt(props map[string]dbus.Variant, key string) int64 {
	v, ok := props[key]
	if !ok {
		return -1
	}
	switch t := v.Value().(type) {
	case uint8:
		return int64(t)
	case int32:
		return int64(t)
	case uint32:
		return int64(t)
	case int64:
		return t
	case uint64:
		return int64(t)
	}
	return -1
}
