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
)

// Store filenames beneath the state directory.
const (
	AccessDB  = `access.db`
	BatteryDB = `battery.db`
	NetworkDB = `network.db`
	ProcessDB = `process.db`
	UUIDDB    = `uuid.db`
	SSLDB     = `ssl.db`
	LogDB     = `log.db`
	UploadDB  = `upload.db`
)

// schemas per event stream; every table's implicit rowid is the upload
// cursor, AUTOINCREMENT keeps ids monotone even across deletes
var accessSchema = []string{
	`CREATE TABLE IF NOT EXISTS files (
		uid INTEGER PRIMARY KEY AUTOINCREMENT,
		filename TEXT UNIQUE NOT NULL,
		application TEXT,
		file_group TEXT)`,
	`CREATE TABLE IF NOT EXISTS log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uid INTEGER NOT NULL,
		time INTEGER NOT NULL,
		size_plus_one INTEGER NOT NULL)`,
}

var batterySchema = []string{
	`CREATE TABLE IF NOT EXISTS batteries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device TEXT UNIQUE NOT NULL,
		voltage_design INTEGER,
		voltage_unit TEXT,
		reporting_design INTEGER,
		reporting_unit TEXT)`,
	`CREATE TABLE IF NOT EXISTS battery_log (
		rid INTEGER PRIMARY KEY AUTOINCREMENT,
		id INTEGER NOT NULL,
		year INTEGER, yday INTEGER, hour INTEGER, min INTEGER, sec INTEGER,
		is_charging INTEGER,
		is_discharging INTEGER,
		voltage INTEGER,
		reporting INTEGER,
		last_full INTEGER)`,
}

var networkSchema = []string{
	`CREATE TABLE IF NOT EXISTS connection_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		year INTEGER, yday INTEGER, hour INTEGER, min INTEGER, sec INTEGER,
		service_triple TEXT,
		network_triple TEXT,
		status TEXT,
		rx INTEGER,
		tx INTEGER)`,
	`CREATE TABLE IF NOT EXISTS stats_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		year INTEGER, yday INTEGER, hour INTEGER, min INTEGER, sec INTEGER,
		service_triple TEXT,
		network_triple TEXT,
		time_active INTEGER,
		signal_strength INTEGER,
		sent INTEGER,
		received INTEGER)`,
	`CREATE TABLE IF NOT EXISTS scans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		year INTEGER, yday INTEGER, hour INTEGER, min INTEGER, sec INTEGER)`,
	`CREATE TABLE IF NOT EXISTS scan_log (
		rid INTEGER PRIMARY KEY AUTOINCREMENT,
		id INTEGER NOT NULL,
		status TEXT,
		last_seen INTEGER,
		service_triple TEXT,
		service_name TEXT,
		service_priority INTEGER,
		network_triple TEXT,
		network_name TEXT,
		network_priority INTEGER,
		signal_strength INTEGER,
		signal_strength_db INTEGER,
		station_id TEXT)`,
}

var processSchema = []string{
	`CREATE TABLE IF NOT EXISTS process_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		year INTEGER, yday INTEGER, hour INTEGER, min INTEGER, sec INTEGER,
		name TEXT,
		status TEXT)`,
	`CREATE TABLE IF NOT EXISTS patch_scan (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		year INTEGER, yday INTEGER, hour INTEGER, min INTEGER, sec INTEGER,
		library TEXT,
		matches INTEGER,
		candidates INTEGER)`,
}

var sslSchema = []string{
	`CREATE TABLE IF NOT EXISTS ssl_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		year INTEGER, yday INTEGER, hour INTEGER, min INTEGER, sec INTEGER,
		host TEXT,
		fingerprint TEXT)`,
}

var logSchema = []string{
	`CREATE TABLE IF NOT EXISTS log_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		time INTEGER NOT NULL,
		entry TEXT NOT NULL)`,
}

func applySchema(s *Store, stmts []string) error {
	for _, q := range stmts {
		if err := s.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func CreateAccessSchema(s *Store) error  { return applySchema(s, accessSchema) }
func CreateBatterySchema(s *Store) error { return applySchema(s, batterySchema) }
func CreateNetworkSchema(s *Store) error { return applySchema(s, networkSchema) }
func CreateProcessSchema(s *Store) error { return applySchema(s, processSchema) }
func CreateSSLSchema(s *Store) error     { return applySchema(s, sslSchema) }
func CreateLogSchema(s *Store) error     { return applySchema(s, logSchema) }

// WriteLog lets a Store serve as a relay sink for the process logger; rows
// land in log.db and ride along on the next upload.
func (s *Store) WriteLog(ts time.Time, b []byte) error {
	return s.Exec(`INSERT INTO log_entries (time, entry) VALUES (?, ?)`, ts.Unix(), string(b))
}

// TimeCols explodes a timestamp into the (year, yday, hour, min, sec)
// column values the journal schema uses.
func TimeCols(t time.Time) (year, yday, hour, min, sec int) {
	year = t.Year()
	yday = t.YearDay()
	hour = t.Hour()
	min = t.Minute()
	sec = t.Second()
	return
}
