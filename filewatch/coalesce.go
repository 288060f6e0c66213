/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package filewatch

import (
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/gravwell/activityd/journal"
	"github.com/gravwell/gravwell/v3/ingest/log"
	"golang.org/x/sys/unix"
)

const (
	DefaultEpoch = 5 * time.Second
)

type notice struct {
	mask  uint32
	first time.Time
}

// Coalescer aggregates bursts of per path events.  Producers merge into the
// current map; every epoch the consumer swaps the maps and journals one
// access row per path carrying the earliest observation time and the file
// size at flush (plus one; zero means the path was already gone).
type Coalescer struct {
	mtx   sync.Mutex
	cur   map[string]*notice
	other map[string]*notice

	store *journal.Store
	buf   *journal.SQLBuffer
	lg    *log.Logger
	epoch time.Duration

	ids map[string]int64 //filename -> files.uid cache

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewCoalescer(store *journal.Store, buf *journal.SQLBuffer, epoch time.Duration, lg *log.Logger) *Coalescer {
	if epoch <= 0 {
		epoch = DefaultEpoch
	}
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	c := &Coalescer{
		cur:   map[string]*notice{},
		other: map[string]*notice{},
		store: store,
		buf:   buf,
		lg:    lg,
		epoch: epoch,
		ids:   map[string]int64{},
		quit:  make(chan struct{}),
	}
	return c
}

// Note merges one observation into the current epoch.  The mask is ORed and
// the earliest observation time kept.
func (c *Coalescer) Note(path string, mask uint32, when time.Time) {
	c.mtx.Lock()
	if n, ok := c.cur[path]; ok {
		n.mask |= mask
		if when.Before(n.first) {
			n.first = when
		}
	} else {
		c.cur[path] = &notice{mask: mask, first: when}
	}
	c.mtx.Unlock()
}

// Start launches the epoch consumer.
func (c *Coalescer) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop flushes any pending epoch and stops the consumer.
func (c *Coalescer) Stop() {
	close(c.quit)
	c.wg.Wait()
	c.flushEpoch()
}

func (c *Coalescer) run() {
	defer c.wg.Done()
	tkr := time.NewTicker(c.epoch)
	defer tkr.Stop()
	for {
		select {
		case <-tkr.C:
			c.flushEpoch()
		case <-c.quit:
			return
		}
	}
}

// flushEpoch swaps current and other under the lock, then journals the
// swapped out epoch without holding it.
func (c *Coalescer) flushEpoch() {
	c.mtx.Lock()
	if len(c.cur) == 0 {
		c.mtx.Unlock()
		return
	}
	c.cur, c.other = c.other, c.cur
	batch := c.other
	c.mtx.Unlock()

	paths := make([]string, 0, len(batch))
	for p := range batch {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		n := batch[p]
		c.emit(p, n)
		delete(batch, p)
	}
	if err := c.buf.Flush(); err != nil {
		c.lg.Error("coalescer flush failed", log.KVErr(err))
	}
}

func (c *Coalescer) emit(path string, n *notice) {
	uid, err := c.fileID(path)
	if err != nil {
		c.lg.Error("failed to resolve file id", log.KV("path", path), log.KVErr(err))
		return
	}
	var sizePlusOne int64
	var st unix.Stat_t
	if err = unix.Stat(path, &st); err == nil {
		sizePlusOne = st.Size + 1
	}
	//a failed stat leaves zero: deleted at observation time
	if err = c.buf.Append(`INSERT INTO log (uid, time, size_plus_one) VALUES (?, ?, ?)`,
		false, uid, n.first.Unix(), sizePlusOne); err != nil {
		c.lg.Error("failed to journal access row", log.KV("path", path), log.KVErr(err))
	}
}

// fileID resolves a path to its stable numeric identifier, inserting a new
// files row the first time a path is seen.
func (c *Coalescer) fileID(path string) (int64, error) {
	if uid, ok := c.ids[path]; ok {
		return uid, nil
	}
	var uid int64
	err := c.store.QueryRow(`SELECT uid FROM files WHERE filename = ?`, path).Scan(&uid)
	if err == sql.ErrNoRows {
		if err = c.store.Exec(`INSERT INTO files (filename) VALUES (?)`, path); err != nil {
			return 0, err
		}
		if err = c.store.QueryRow(`SELECT uid FROM files WHERE filename = ?`, path).Scan(&uid); err != nil {
			return 0, err
		}
	} else if err != nil {
		return 0, err
	}
	c.ids[path] = uid
	return uid, nil
}

// pending returns a snapshot of the current epoch; tests use it.
func (c *Coalescer) pending() map[string]notice {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	r := make(map[string]notice, len(c.cur))
	for k, v := range c.cur {
		r[k] = *v
	}
	return r
}
