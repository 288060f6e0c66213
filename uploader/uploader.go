/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package uploader ships accumulated journal rows to the collector.  Tables
// register with the journal at startup; when the predicate holds (friendly
// connection, idle user, windows since the last attempts) the uploader
// snapshots every table under a watermark, posts the snapshot, and on
// acknowledgment advances the watermark and deletes acknowledged rows.
// Delivery is at least once: the collector deduplicates on
// (uuid, table, rowid).
package uploader

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gravwell/activityd/journal"
	"github.com/gravwell/gravwell/v3/ingest/log"
	_ "github.com/mattn/go-sqlite3"
)

const (
	successWindow = 24 * time.Hour
	// retry after failure at 5% of the success window
	failureWindow = successWindow / 20
	mediumHold    = 5 * time.Minute
	idleHold      = 2 * time.Minute

	checkInterval = 30 * time.Second

	// DefaultAckToken is the collector acknowledgement marker looked for
	// in the response body.
	DefaultAckToken = `+OK`

	snapshotName = `upload-snapshot.db`
)

var (
	ErrUploadInFlight = errors.New("an upload is already in progress")

	// allowed media for uploads: wired ethernet and WLAN only, never
	// metered bearers
	allowedMedia = map[string]bool{
		`ethernet`: true,
		`wired`:    true,
		`wifi`:     true,
		`wlan`:     true,
	}
)

// Conditions aggregates the externally observed state the predicate feeds
// on; the network monitor and the idle watcher keep it current.
type Conditions struct {
	mtx         sync.Mutex
	medium      string
	mediumSince time.Time
	idle        bool
	idleSince   time.Time
}

func (c *Conditions) SetMedium(medium string, since time.Time) {
	c.mtx.Lock()
	if c.medium != medium {
		c.medium = medium
		c.mediumSince = since
	}
	c.mtx.Unlock()
}

func (c *Conditions) SetIdle(idle bool, since time.Time) {
	c.mtx.Lock()
	if c.idle != idle {
		c.idle = idle
		c.idleSince = since
	}
	c.mtx.Unlock()
}

func (c *Conditions) snapshot() (medium string, mediumSince time.Time, idle bool, idleSince time.Time) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.medium, c.mediumSince, c.idle, c.idleSince
}

type stakeRec struct {
	reg   journal.TableReg
	key   string
	from  int64 //through at snapshot time
	stake int64
}

// Uploader owns the upload ledger and the snapshot/post/advance cycle.
type Uploader struct {
	mtx      sync.Mutex
	state    *State
	conds    *Conditions
	sub      Submitter
	ackToken string
	dir      string //state directory for the snapshot store
	lg       *log.Logger
	inFlight bool

	clock func() time.Time
	quit  chan struct{}
	wg    sync.WaitGroup
}

func New(state *State, conds *Conditions, sub Submitter, dir string, lg *log.Logger) *Uploader {
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	return &Uploader{
		state:    state,
		conds:    conds,
		sub:      sub,
		ackToken: DefaultAckToken,
		dir:      dir,
		lg:       lg,
		clock:    time.Now,
		quit:     make(chan struct{}),
	}
}

// SetAckToken overrides the collector acknowledgement marker.
func (u *Uploader) SetAckToken(tok string) {
	u.ackToken = tok
}

// Start launches the predicate loop.
func (u *Uploader) Start() {
	u.wg.Add(1)
	go u.run()
}

// Stop terminates the predicate loop; an in flight upload finishes first.
func (u *Uploader) Stop() {
	close(u.quit)
	u.wg.Wait()
}

func (u *Uploader) run() {
	defer u.wg.Done()
	tkr := time.NewTicker(checkInterval)
	defer tkr.Stop()
	for {
		select {
		case <-tkr.C:
			if u.Ready(u.clock()) {
				if err := u.Upload(); err != nil && err != ErrUploadInFlight {
					u.lg.Warn("upload attempt failed", log.KVErr(err))
				}
			}
		case <-u.quit:
			return
		}
	}
}

// Ready evaluates the upload predicate; every clause must hold.
func (u *Uploader) Ready(now time.Time) bool {
	u.mtx.Lock()
	inFlight := u.inFlight
	u.mtx.Unlock()
	if inFlight {
		return false
	}
	medium, mediumSince, idle, idleSince := u.conds.snapshot()
	if !allowedMedia[medium] {
		return false
	}
	if mediumSince.IsZero() || now.Sub(mediumSince) < mediumHold {
		return false
	}
	if !idle || idleSince.IsZero() || now.Sub(idleSince) < idleHold {
		return false
	}
	if last, err := u.state.LastSuccess(); err != nil {
		return false
	} else if !last.IsZero() && now.Sub(last) < successWindow {
		return false
	}
	if last, err := u.state.LastFailure(); err != nil {
		return false
	} else if !last.IsZero() && now.Sub(last) < failureWindow {
		return false
	}
	return true
}

// cursorKey identifies a table across stores.
func cursorKey(reg journal.TableReg) string {
	return filepath.Base(reg.Store.Path()) + `/` + reg.Table
}

// Upload runs one snapshot/post/advance cycle over every registered table.
func (u *Uploader) Upload() error {
	u.mtx.Lock()
	if u.inFlight {
		u.mtx.Unlock()
		return ErrUploadInFlight
	}
	u.inFlight = true
	u.mtx.Unlock()
	defer func() {
		u.mtx.Lock()
		u.inFlight = false
		u.mtx.Unlock()
	}()

	now := u.clock()
	snapPath := filepath.Join(u.dir, snapshotName)
	stakes, err := u.buildSnapshot(snapPath)
	if err != nil {
		return err
	}
	defer os.Remove(snapPath)

	output, serr := u.sub.Submit(snapPath)
	success := serr == nil && strings.Contains(output, u.ackToken)
	if serr != nil {
		output = fmt.Sprintf(`%s: %v`, output, serr)
	}
	if err = u.state.LogAttempt(now, success, output); err != nil {
		u.lg.Error("failed to record upload attempt", log.KVErr(err))
	}
	if !success {
		u.lg.Warn("collector did not acknowledge upload", log.KV("output", output))
		return fmt.Errorf("upload not acknowledged: %s", output)
	}
	for _, sr := range stakes {
		if err = u.advance(sr); err != nil {
			u.lg.Error("failed to advance watermark", log.KV("table", sr.key), log.KVErr(err))
		}
	}
	u.lg.Info("upload acknowledged", log.KV("tables", len(stakes)))
	return nil
}

// buildSnapshot creates a fresh snapshot store and copies, for every
// registered table, the rows above the watermark up to the stake into a
// deterministically named snapshot table.
func (u *Uploader) buildSnapshot(snapPath string) ([]stakeRec, error) {
	os.Remove(snapPath)
	snap, err := sql.Open(`sqlite3`, snapPath)
	if err != nil {
		return nil, err
	}
	defer snap.Close()
	//ATTACH is per connection state, keep everything on one
	snap.SetMaxOpenConns(1)

	var stakes []stakeRec
	for _, reg := range journal.Registered() {
		key := cursorKey(reg)
		through, err := u.state.Through(key)
		if err != nil {
			return nil, err
		}
		stake, err := reg.Store.MaxRowID(reg.Table)
		if err != nil {
			return nil, err
		}
		if _, err = snap.Exec(`ATTACH DATABASE ? AS src`, reg.Store.Path()); err != nil {
			return nil, err
		}
		snapTbl := strings.TrimSuffix(filepath.Base(reg.Store.Path()), `.db`) + `_` + reg.Table
		_, err = snap.Exec(fmt.Sprintf(
			`CREATE TABLE main.%s AS SELECT rowid AS src_rowid, * FROM src.%s WHERE rowid > ? AND rowid <= ?`,
			snapTbl, reg.Table), through, stake)
		if derr := func() error { _, e := snap.Exec(`DETACH DATABASE src`); return e }(); err == nil {
			err = derr
		}
		if err != nil {
			return nil, err
		}
		stakes = append(stakes, stakeRec{reg: reg, key: key, from: through, stake: stake})
	}
	return stakes, nil
}

// advance deletes acknowledged rows (when registered delete-on-ack) and
// moves the watermark to the stake.
func (u *Uploader) advance(sr stakeRec) error {
	if sr.reg.DeleteOnAck && sr.stake > sr.from {
		if err := sr.reg.Store.Exec(fmt.Sprintf(`DELETE FROM %s WHERE rowid <= ?`, sr.reg.Table), sr.stake); err != nil {
			return err
		}
	}
	return u.state.SetThrough(sr.key, sr.stake)
}
