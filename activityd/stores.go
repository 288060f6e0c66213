/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"github.com/gravwell/activityd/journal"
	"github.com/gravwell/gravwell/v3/ingest/log"
)

// storeSet holds one relational store per event stream, all beneath the
// state directory.
type storeSet struct {
	access  *journal.Store
	battery *journal.Store
	network *journal.Store
	process *journal.Store
	uuid    *journal.Store
	ssl     *journal.Store
	logs    *journal.Store
}

// openStores opens every journal, applies schemas, and registers the
// uploadable tables.  The files table is registered without delete-on-ack:
// its rows anchor the stable file identifiers the access log references.
func openStores(cfg *cfgType) *storeSet {
	open := func(name string, schema func(*journal.Store) error) *journal.Store {
		st, err := journal.Open(cfg.StatePath(name))
		if err != nil {
			lg.FatalCode(1, "failed to open journal store", log.KV("store", name), log.KVErr(err))
		}
		if schema != nil {
			if err = schema(st); err != nil {
				lg.FatalCode(1, "failed to apply journal schema", log.KV("store", name), log.KVErr(err))
			}
		}
		return st
	}
	s := &storeSet{
		access:  open(journal.AccessDB, journal.CreateAccessSchema),
		battery: open(journal.BatteryDB, journal.CreateBatterySchema),
		network: open(journal.NetworkDB, journal.CreateNetworkSchema),
		process: open(journal.ProcessDB, journal.CreateProcessSchema),
		uuid:    open(journal.UUIDDB, nil),
		ssl:     open(journal.SSLDB, journal.CreateSSLSchema),
		logs:    open(journal.LogDB, journal.CreateLogSchema),
	}

	journal.Register(s.access, `files`, false)
	journal.Register(s.access, `log`, true)
	journal.Register(s.battery, `batteries`, false)
	journal.Register(s.battery, `battery_log`, true)
	journal.Register(s.network, `connection_log`, true)
	journal.Register(s.network, `stats_log`, true)
	journal.Register(s.network, `scans`, true)
	journal.Register(s.network, `scan_log`, true)
	journal.Register(s.process, `process_log`, true)
	journal.Register(s.process, `patch_scan`, true)
	journal.Register(s.ssl, `ssl_log`, true)
	journal.Register(s.logs, `log_entries`, true)
	return s
}

func closeStores(s *storeSet) {
	for _, st := range []*journal.Store{s.access, s.battery, s.network, s.process, s.uuid, s.ssl, s.logs} {
		if st != nil {
			st.Close()
		}
	}
}
