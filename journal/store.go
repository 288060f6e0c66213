/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package journal owns the on disk event journals.  Each event stream gets
// its own sqlite store beneath the state directory; every journalled table
// carries an autoincrementing rowid that doubles as the upload cursor.
// Writers go through the SQLBuffer so that bursts of events land in a single
// transaction.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// concurrent attach of the same file is allowed; sqlite serializes
	// writers with this per-process busy timeout
	busyTimeoutMs = 10000
)

var (
	ErrStoreClosed   = errors.New("journal store is closed")
	ErrEmptyPath     = errors.New("empty store path")
	ErrNotRegistered = errors.New("table was never registered")
)

// Store is one sqlite backed journal file.
type Store struct {
	mtx    sync.Mutex
	db     *sql.DB
	path   string
	id     uuid.UUID
	closed bool
	// inTxn tracks whether an explicit transaction is active on this
	// handle, so the buffer can fall back to plain execution instead of
	// attempting to nest.
	inTxn int32
}

// Open opens (creating if needed) the store at path, applies the busy
// timeout, and stamps the store with a uuid on first open.
func Open(path string) (*Store, error) {
	if path == `` {
		return nil, ErrEmptyPath
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d", path, busyTimeoutMs)
	db, err := sql.Open(`sqlite3`, dsn)
	if err != nil {
		return nil, err
	}
	// each store has exactly one writer thread; keep the pool honest
	db.SetMaxOpenConns(1)
	s := &Store{
		db:   db,
		path: path,
	}
	if err = s.initUUID(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initUUID() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS uuid (uuid TEXT PRIMARY KEY)`); err != nil {
		return err
	}
	var v string
	err := s.db.QueryRow(`SELECT uuid FROM uuid LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		id := uuid.New()
		if _, err = s.db.Exec(`INSERT INTO uuid (uuid) VALUES (?)`, id.String()); err != nil {
			return err
		}
		s.id = id
		return nil
	} else if err != nil {
		return err
	}
	if s.id, err = uuid.Parse(v); err != nil {
		return err
	}
	return nil
}

// UUID returns the store identity written at first open.
func (s *Store) UUID() uuid.UUID {
	return s.id
}

// Path returns the on disk location of the store.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the underlying handle; the uploader uses it for snapshot
// attach work.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Exec(q string, args ...interface{}) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := s.db.Exec(q, args...)
	return err
}

// QueryRow proxies to the underlying handle.
func (s *Store) QueryRow(q string, args ...interface{}) *sql.Row {
	return s.db.QueryRow(q, args...)
}

// Query proxies to the underlying handle.
func (s *Store) Query(q string, args ...interface{}) (*sql.Rows, error) {
	return s.db.Query(q, args...)
}

// MaxRowID returns the current high rowid of tbl, zero when empty.
func (s *Store) MaxRowID(tbl string) (id int64, err error) {
	var v sql.NullInt64
	if err = s.db.QueryRow(fmt.Sprintf(`SELECT MAX(rowid) FROM %s`, tbl)).Scan(&v); err != nil {
		return
	}
	if v.Valid {
		id = v.Int64
	}
	return
}

func (s *Store) beginTxn() (*sql.Tx, error) {
	if !atomic.CompareAndSwapInt32(&s.inTxn, 0, 1) {
		// a transaction is already active on this handle, the caller
		// must execute statements plain instead of nesting
		return nil, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		atomic.StoreInt32(&s.inTxn, 0)
		return nil, err
	}
	return tx, nil
}

func (s *Store) endTxn() {
	atomic.StoreInt32(&s.inTxn, 0)
}

func (s *Store) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.closed = true
	return s.db.Close()
}

// TableReg describes one journalled table to the uploader.
type TableReg struct {
	Store       *Store
	Table       string
	DeleteOnAck bool
}

type registry struct {
	mtx  sync.Mutex
	regs []TableReg
}

var tableRegistry registry

// Register announces a journalled table for upload.  Components call this
// once at startup, after creating their schema.
func Register(st *Store, table string, deleteOnAck bool) {
	tableRegistry.mtx.Lock()
	defer tableRegistry.mtx.Unlock()
	tableRegistry.regs = append(tableRegistry.regs, TableReg{
		Store:       st,
		Table:       table,
		DeleteOnAck: deleteOnAck,
	})
}

// Registered returns a copy of the current table registrations.
func Registered() []TableReg {
	tableRegistry.mtx.Lock()
	defer tableRegistry.mtx.Unlock()
	r := make([]TableReg, len(tableRegistry.regs))
	copy(r, tableRegistry.regs)
	return r
}

// ResetRegistry drops all registrations; tests use this between cases.
func ResetRegistry() {
	tableRegistry.mtx.Lock()
	defer tableRegistry.mtx.Unlock()
	tableRegistry.regs = nil
}
