/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package uploader

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// State is the durable upload ledger: per table watermarks plus one row per
// attempt.
type State struct {
	db *sql.DB
}

func OpenState(path string) (*State, error) {
	db, err := sql.Open(`sqlite3`, fmt.Sprintf(`file:%s?_busy_timeout=10000`, path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	for _, q := range []string{
		`CREATE TABLE IF NOT EXISTS uploads (tbl TEXT PRIMARY KEY, through INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS upload_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			success INTEGER NOT NULL,
			output TEXT)`,
	} {
		if _, err = db.Exec(q); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &State{db: db}, nil
}

func (s *State) Close() error {
	return s.db.Close()
}

// Through returns the highest row id known to be durably uploaded for key.
func (s *State) Through(key string) (int64, error) {
	var v int64
	err := s.db.QueryRow(`SELECT through FROM uploads WHERE tbl = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}

// SetThrough advances the watermark for key; watermarks never regress.
func (s *State) SetThrough(key string, v int64) error {
	cur, err := s.Through(key)
	if err != nil {
		return err
	}
	if v <= cur {
		return nil
	}
	_, err = s.db.Exec(`INSERT INTO uploads (tbl, through) VALUES (?, ?)
		ON CONFLICT(tbl) DO UPDATE SET through = excluded.through`, key, v)
	return err
}

// LogAttempt records one upload attempt with the collector output.
func (s *State) LogAttempt(ts time.Time, success bool, output string) error {
	v := 0
	if success {
		v = 1
	}
	_, err := s.db.Exec(`INSERT INTO upload_log (timestamp, success, output) VALUES (?, ?, ?)`,
		ts.Unix(), v, output)
	return err
}

// lastAttempt returns the most recent attempt time with the given outcome,
// zero when none.
func (s *State) lastAttempt(success bool) (time.Time, error) {
	v := 0
	if success {
		v = 1
	}
	var ts sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(timestamp) FROM upload_log WHERE success = ?`, v).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0), nil
}

func (s *State) LastSuccess() (time.Time, error) { return s.lastAttempt(true) }
func (s *State) LastFailure() (time.Time, error) { return s.lastAttempt(false) }
