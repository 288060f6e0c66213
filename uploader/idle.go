/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package uploader

import (
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/gravwell/gravwell/v3/ingest/log"
)

const (
	login1Dest     = `org.freedesktop.login1`
	login1Path     = dbus.ObjectPath(`/org/freedesktop/login1`)
	login1Manager  = `org.freedesktop.login1.Manager`
	idlePollPeriod = 30 * time.Second
)

// IdleWatcher polls the session manager's idle hint into the upload
// conditions.
type IdleWatcher struct {
	conn  *dbus.Conn
	conds *Conditions
	lg    *log.Logger
	quit  chan struct{}
	done  chan struct{}
}

func NewIdleWatcher(conds *Conditions, lg *log.Logger) (*IdleWatcher, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	return &IdleWatcher{
		conn:  conn,
		conds: conds,
		lg:    lg,
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}, nil
}

func (w *IdleWatcher) Start() {
	go w.run()
}

func (w *IdleWatcher) Stop() {
	close(w.quit)
	<-w.done
	w.conn.Close()
}

func (w *IdleWatcher) run() {
	defer close(w.done)
	tkr := time.NewTicker(idlePollPeriod)
	defer tkr.Stop()
	w.poll()
	for {
		select {
		case <-tkr.C:
			w.poll()
		case <-w.quit:
			return
		}
	}
}

func (w *IdleWatcher) poll() {
	obj := w.conn.Object(login1Dest, login1Path)
	hint, err := obj.GetProperty(login1Manager + `.IdleHint`)
	if err != nil {
		return
	}
	idle, _ := hint.Value().(bool)
	since := time.Now()
	if v, err := obj.GetProperty(login1Manager + `.IdleSinceHint`); err == nil {
		if usec, ok := v.Value().(uint64); ok && usec > 0 {
			since = time.UnixMicro(int64(usec))
		}
	}
	w.conds.SetIdle(idle, since)
}
