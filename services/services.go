/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package services maps bus name ownership to processes and drives the
// tracer attach lifecycle: the first name a process acquires requests an
// attach, the last name it releases requests a detach.  The started row is
// only journalled once the tracer confirms the attach.
package services

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/gravwell/activityd/journal"
	"github.com/gravwell/gravwell/v3/ingest/log"
	"github.com/shirou/gopsutil/process"
)

const (
	statusAcquired    = `acquired`
	statusReleased    = `released`
	statusSystemStart = `system_start`
)

var (
	ErrNotStarted = errors.New("service monitor not started")

	// defaultDeny covers system services that own bus names but must
	// never be traced; a config provided list replaces it.
	defaultDeny = []string{
		`dbus-daemon`,
		`systemd`,
		`pulseaudio`,
		`Xorg`,
		`gnome-shell`,
	}
)

// Tracer is the attach surface the monitor drives.
type Tracer interface {
	Trace(pid int) error
	Untrace(pid int) error
}

type procRecord struct {
	pid   int
	exe   string
	names map[string]int //multiset of owned bus names, name -> count; unordered
}

func (r *procRecord) total() (n int) {
	for _, c := range r.names {
		n += c
	}
	return
}

type busConn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	Signal(ch chan<- *dbus.Signal)
	AddMatchSignal(opts ...dbus.MatchOption) error
	Close() error
}

// Monitor implements the collector contract for service ownership.
type Monitor struct {
	conn   busConn
	buf    *journal.SQLBuffer
	lg     *log.Logger
	tracer Tracer
	deny   map[string]bool

	byPid  map[int]*procRecord
	byName map[string]*procRecord

	sigs chan *dbus.Signal

	// exeFn resolves a pid to its executable path; the default goes
	// through /proc, tests substitute their own
	exeFn func(pid int) (string, error)
	// pidFn resolves a bus unique name to a pid
	pidFn func(owner string) (int, error)
}

// New builds a monitor wired to the given tracer.  deny entries are
// executable basenames; an empty list selects the built in defaults.
func New(buf *journal.SQLBuffer, tracer Tracer, deny []string, lg *log.Logger) *Monitor {
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	if len(deny) == 0 {
		deny = defaultDeny
	}
	m := &Monitor{
		buf:    buf,
		lg:     lg,
		tracer: tracer,
		deny:   map[string]bool{},
		byPid:  map[int]*procRecord{},
		byName: map[string]*procRecord{},
	}
	for _, d := range deny {
		m.deny[filepath.Base(d)] = true
	}
	m.exeFn = procExe
	m.pidFn = m.busPid
	return m
}

// Start dials the session bus, subscribes to name ownership changes, and
// journals the system_start marker.
func (m *Monitor) Start() error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return err
	}
	return m.startWith(conn)
}

func (m *Monitor) startWith(conn busConn) error {
	m.conn = conn
	if err := m.conn.AddMatchSignal(
		dbus.WithMatchInterface(`org.freedesktop.DBus`),
		dbus.WithMatchMember(`NameOwnerChanged`),
	); err != nil {
		m.conn.Close()
		return err
	}
	m.sigs = make(chan *dbus.Signal, 128)
	m.conn.Signal(m.sigs)
	m.appendRow(``, statusSystemStart, time.Now())
	m.lg.Info("service monitor started")
	return nil
}

// Tick services one dispatch slice.
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
	case <-time.After(timeout):
	}
	return nil
}

// Flush forces buffered rows to disk.
func (m *Monitor) Flush() {
	if err := m.buf.Flush(); err != nil {
		m.lg.Error("process journal flush failed", log.KVErr(err))
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
	if len(sig.Body) != 3 {
		return
	}
	name, _ := sig.Body[0].(string)
	oldOwner, _ := sig.Body[1].(string)
	newOwner, _ := sig.Body[2].(string)
	//unique connection names churn constantly and are not services
	if strings.HasPrefix(name, `:`) {
		return
	}
	now := time.Now()
	if oldOwner != `` {
		m.NameReleased(name, now)
	}
	if newOwner != `` {
		pid, err := m.pidFn(newOwner)
		if err != nil {
			m.lg.Warn("failed to resolve bus name owner", log.KV("name", name), log.KVErr(err))
			return
		}
		m.NameAcquired(name, pid, now)
	}
}

// NameAcquired records that pid now owns name.  The first name a pid
// acquires triggers a tracer attach; the acquired row is only written once
// the attach confirms.
func (m *Monitor) NameAcquired(name string, pid int, now time.Time) {
	rec, ok := m.byPid[pid]
	if !ok {
		exe, err := m.exeFn(pid)
		if err != nil {
			//the process may already be gone; nothing to trace
			m.lg.Warn("failed to resolve service executable", log.KV("pid", pid), log.KVErr(err))
			return
		}
		if m.deny[filepath.Base(exe)] {
			return
		}
		rec = &procRecord{pid: pid, exe: exe, names: map[string]int{}}
	}
	first := rec.total() == 0
	if first {
		if err := m.tracer.Trace(pid); err != nil {
			m.lg.Error("tracer attach failed", log.KV("pid", pid), log.KV("name", name), log.KVErr(err))
			return
		}
		m.byPid[pid] = rec
	}
	rec.names[name]++
	m.byName[name] = rec
	if rec.names[name] == 1 {
		m.appendRow(name, statusAcquired, now)
	}
}

// NameReleased records that the current owner of name dropped it.  The
// last name released requests a tracer detach.
func (m *Monitor) NameReleased(name string, now time.Time) {
	rec, ok := m.byName[name]
	if !ok {
		return
	}
	if rec.names[name]--; rec.names[name] <= 0 {
		delete(rec.names, name)
		delete(m.byName, name)
		m.appendRow(name, statusReleased, now)
	}
	if rec.total() == 0 {
		if err := m.tracer.Untrace(rec.pid); err != nil {
			m.lg.Warn("tracer detach failed", log.KV("pid", rec.pid), log.KVErr(err))
		}
		delete(m.byPid, rec.pid)
	}
}

// OwnedNames returns the multiset (name -> count) of names pid currently
// owns, as a map; no ordering of the names is kept.
func (m *Monitor) OwnedNames(pid int) map[string]int {
	rec, ok := m.byPid[pid]
	if !ok {
		return nil
	}
	out := make(map[string]int, len(rec.names))
	for k, v := range rec.names {
		out[k] = v
	}
	return out
}

func (m *Monitor) appendRow(name, status string, now time.Time) {
	year, yday, hour, min, sec := journal.TimeCols(now)
	if err := m.buf.Append(`INSERT INTO process_log (year, yday, hour, min, sec, name, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, false,
		year, yday, hour, min, sec, name, status); err != nil {
		m.lg.Error("failed to journal service row", log.KV("name", name), log.KVErr(err))
	}
}

func (m *Monitor) busPid(owner string) (int, error) {
	if m.conn == nil {
		return 0, ErrNotStarted
	}
	var pid uint32
	err := m.conn.Object(`org.freedesktop.DBus`, `/org/freedesktop/DBus`).
		Call(`org.freedesktop.DBus.GetConnectionUnixProcessID`, 0, owner).Store(&pid)
	return int(pid), err
}

func procExe(pid int) (string, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return ``, err
	}
	return p.Exe()
}
