/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package journal

import (
	"time"

	"github.com/gravwell/gravwell/v3/ingest/log"
)

const (
	DefaultBufferSize = 64 * 1024
)

type bufStmt struct {
	q    string
	args []interface{}
}

// SQLBuffer is a bounded buffer of SQL statements bound to a single store.
// Buffered statements execute in insertion order inside one transaction per
// flush.  A statement larger than the whole buffer is executed standalone.
type SQLBuffer struct {
	store *Store
	lg    *log.Logger

	stmts []bufStmt
	size  int //accounted bytes, statement text plus a NUL each
	max   int

	delay       time.Duration
	timer       *time.Timer
	firstAppend time.Time
	lastAppend  time.Time
}

// NewSQLBuffer binds a buffer of max bytes to st.  A nil logger is replaced
// with a discard logger.
func NewSQLBuffer(st *Store, max int, lg *log.Logger) *SQLBuffer {
	if max <= 0 {
		max = DefaultBufferSize
	}
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	return &SQLBuffer{
		store: st,
		lg:    lg,
		max:   max,
	}
}

// SetFlushDelay arranges for a flush to happen at most d after the first
// buffered append.  A zero duration disables the delayed flush.
func (b *SQLBuffer) SetFlushDelay(d time.Duration) {
	b.store.mtx.Lock()
	defer b.store.mtx.Unlock()
	b.delay = d
	if d == 0 && b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// Append adds a statement to the buffer, flushing first when it would not
// fit.  With forceFlush set the buffer (including the new statement) is
// flushed before returning.
func (b *SQLBuffer) Append(q string, forceFlush bool, args ...interface{}) error {
	b.store.mtx.Lock()
	defer b.store.mtx.Unlock()
	if b.store.closed {
		return ErrStoreClosed
	}
	need := len(q) + 1
	if need > b.max {
		// oversize statement: drain what we have, then run it standalone
		if err := b.flushLocked(); err != nil {
			return err
		}
		_, err := b.store.db.Exec(q, args...)
		if err != nil {
			b.lg.Error("oversize journal statement failed", log.KV("store", b.store.path), log.KVErr(err))
		}
		return err
	}
	if b.size+need > b.max {
		if err := b.flushLocked(); err != nil {
			return err
		}
	}
	if len(b.stmts) == 0 {
		b.firstAppend = time.Now()
		if b.delay > 0 {
			b.armTimer()
		}
	}
	b.stmts = append(b.stmts, bufStmt{q: q, args: args})
	b.size += need
	b.lastAppend = time.Now()
	if forceFlush {
		return b.flushLocked()
	}
	return nil
}

// Flush executes and clears the buffer.
func (b *SQLBuffer) Flush() error {
	b.store.mtx.Lock()
	defer b.store.mtx.Unlock()
	return b.flushLocked()
}

// Age returns how long data has been buffered, zero when empty.
func (b *SQLBuffer) Age() time.Duration {
	b.store.mtx.Lock()
	defer b.store.mtx.Unlock()
	if len(b.stmts) == 0 {
		return 0
	}
	return time.Since(b.firstAppend)
}

// Idle returns how long since the last append, zero when empty.
func (b *SQLBuffer) Idle() time.Duration {
	b.store.mtx.Lock()
	defer b.store.mtx.Unlock()
	if len(b.stmts) == 0 {
		return 0
	}
	return time.Since(b.lastAppend)
}

// Len returns the number of buffered statements.
func (b *SQLBuffer) Len() int {
	b.store.mtx.Lock()
	defer b.store.mtx.Unlock()
	return len(b.stmts)
}

func (b *SQLBuffer) armTimer() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.delay, func() {
		if err := b.Flush(); err != nil && err != ErrStoreClosed {
			b.lg.Error("delayed journal flush failed", log.KV("store", b.store.path), log.KVErr(err))
		}
	})
}

// flushLocked executes the buffered statements inside one transaction.  On
// transaction error the batch is discarded and a diagnostic emitted; the
// error is returned so callers can react.  If a transaction is already
// active on the handle the statements run plain, without nesting.
func (b *SQLBuffer) flushLocked() error {
	if len(b.stmts) == 0 {
		return nil
	}
	stmts := b.stmts
	b.stmts = nil
	b.size = 0
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	tx, err := b.store.beginTxn()
	if err != nil {
		b.lg.Error("journal transaction begin failed", log.KV("store", b.store.path), log.KVErr(err))
		return err
	}
	if tx == nil {
		// already inside a transaction, execute plain
		for _, st := range stmts {
			if _, err = b.store.db.Exec(st.q, st.args...); err != nil {
				b.lg.Error("journal statement failed", log.KV("store", b.store.path),
					log.KV("statement", st.q), log.KVErr(err))
				return err
			}
		}
		return nil
	}
	defer b.store.endTxn()
	for _, st := range stmts {
		if _, err = tx.Exec(st.q, st.args...); err != nil {
			tx.Rollback()
			b.lg.Error("journal batch discarded", log.KV("store", b.store.path),
				log.KV("statement", st.q), log.KVErr(err))
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		b.lg.Error("journal batch commit failed", log.KV("store", b.store.path), log.KVErr(err))
		return err
	}
	return nil
}
