/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gravwell/activityd/filewatch"
	"github.com/gravwell/activityd/journal"
	"github.com/gravwell/activityd/netmon"
	"github.com/gravwell/activityd/power"
	"github.com/gravwell/activityd/ptracer"
	"github.com/gravwell/activityd/services"
	"github.com/gravwell/activityd/signals"
	"github.com/gravwell/activityd/uploader"
	"github.com/gravwell/activityd/version"
	"github.com/gravwell/gravwell/v3/ingest/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const (
	appName          = `activityd`
	defaultConfigLoc = `/etc/activityd/activityd.conf`
)

var (
	confLoc = flag.String("config-file", defaultConfigLoc, "Location for configuration file")
	verbose = flag.Bool("v", false, "Display verbose status updates to stdout")
	ver     = flag.Bool("version", false, "Print the version information and exit")
	noFork  = flag.Bool("no-fork", false, "Stay in the foreground")

	v  bool
	lg *log.Logger
)

// collector is the contract every bus driven monitor satisfies; their
// events all land in the shared journal.
type collector interface {
	Tick(timeout time.Duration) error
	Flush()
	Stop()
}

func init() {
	//the signal proxy child re-executes this binary; divert it before
	//anything else spins up
	if os.Getenv(ptracer.ProxyEnv) != `` {
		ptracer.RunProxy()
	}
}

func main() {
	flag.Parse()
	if *ver {
		version.PrintVersion(os.Stdout)
		os.Exit(0)
	}
	lg = log.New(os.Stderr)
	lg.SetAppname(appName)
	v = *verbose

	cfg, err := GetConfig(*confLoc)
	if err != nil {
		lg.FatalCode(1, "failed to get configuration", log.KV("path", *confLoc), log.KVErr(err))
	}
	if len(cfg.Log_File) > 0 {
		fout, err := os.OpenFile(cfg.Log_File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err != nil {
			lg.FatalCode(1, "failed to open log file", log.KV("path", cfg.Log_File), log.KVErr(err))
		}
		if err = lg.AddWriter(fout); err != nil {
			lg.Fatal("failed to add a writer", log.KVErr(err))
		}
	}
	if len(cfg.Log_Level) > 0 {
		if err = lg.SetLevelString(cfg.Log_Level); err != nil {
			lg.FatalCode(1, "invalid Log Level", log.KV("loglevel", cfg.Log_Level), log.KVErr(err))
		}
	}
	if !*noFork {
		debugout("daemonization is handled by the service manager, continuing in the foreground\n")
	}

	//initial resource acquisition: state dir, pidfile, journals.  Failure
	//here is fatal with exit code 1.
	if err = os.MkdirAll(cfg.State_Directory, 0700); err != nil {
		lg.FatalCode(1, "failed to create state directory", log.KV("path", cfg.State_Directory), log.KVErr(err))
	}
	pf, err := AcquirePidFile(cfg.StatePath(`pid`))
	if err != nil {
		lg.FatalCode(1, "failed to acquire pidfile", log.KVErr(err))
	}
	defer pf.Release()

	stores := openStores(cfg)
	defer closeStores(stores)
	//daemon log rows ride along with the journals on upload
	lg.AddRelay(stores.logs)

	debugout("state directory %s\n", cfg.State_Directory)
	debugout("watching %s\n", cfg.Base_Directory)

	//signal fan-out
	fan := signals.NewFanout()
	defer fan.Close()
	quitCh := make(chan signals.Info, 2)
	if err = fan.Subscribe(quitCh, signals.QuitSignals...); err != nil {
		lg.FatalCode(1, "failed to subscribe to quit signals", log.KVErr(err))
	}

	//upload conditions feed from the network monitor and the idle watcher
	conds := &uploader.Conditions{}

	//process tracer
	var cache *ptracer.PatchCache
	if !cfg.Tracer.Disable_Patch_Cache {
		if cache, err = ptracer.OpenPatchCache(cfg.StatePath(`patch.cache`)); err != nil {
			lg.Warn("patch cache unavailable, scans will repeat", log.KVErr(err))
			cache = nil
		} else {
			defer cache.Close()
		}
	}
	base := cfg.Base_Directory + string(os.PathSeparator)
	tracer := ptracer.New(ptracer.Config{
		Allow: func(path string) bool {
			return strings.HasPrefix(path, base) && !strings.HasPrefix(path, cfg.State_Directory)
		},
		Cache:  cache,
		Logger: lg,
		ScanReport: func(library string, matches, candidates int) {
			year, yday, hour, min, sec := journal.TimeCols(time.Now())
			stores.process.Exec(`INSERT INTO patch_scan (year, yday, hour, min, sec, library, matches, candidates)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, year, yday, hour, min, sec, library, matches, candidates)
		},
	})
	if err = tracer.Start(); err != nil {
		lg.FatalCode(1, "failed to start process tracer", log.KVErr(err))
	}

	//filesystem watcher and coalescer
	accessBuf := journal.NewSQLBuffer(stores.access, cfg.Max_Buffer_Size, lg)
	coal := filewatch.NewCoalescer(stores.access, accessBuf, filewatch.DefaultEpoch, lg)
	coal.Start()
	wm, err := filewatch.NewWatchManager(cfg.Base_Directory, cfg.State_Directory, coal, lg)
	if err != nil {
		lg.FatalCode(1, "failed to initialize the filesystem watcher", log.KVErr(err))
	}
	if err = wm.Start(); err != nil {
		lg.FatalCode(1, "failed to start the filesystem watcher", log.KVErr(err))
	}

	//tracer events feed the same access journal through the coalescer
	go consumeTracerEvents(tracer, coal)

	//bus driven monitors; a platform without the bus still journals
	//filesystem activity, so these are soft failures
	ctx, cancel := context.WithCancel(context.Background())
	var workers errgroup.Group
	var monitors []collector

	pwr := power.New(stores.battery, journal.NewSQLBuffer(stores.battery, cfg.Max_Buffer_Size, lg), lg)
	if err = pwr.Start(); err != nil {
		lg.Warn("power monitor unavailable", log.KVErr(err))
	} else {
		monitors = append(monitors, pwr)
	}

	nm := netmon.New(stores.network, journal.NewSQLBuffer(stores.network, cfg.Max_Buffer_Size, lg), lg, conds.SetMedium)
	if d := cfg.DisconnectStatsTimeout(); d > 0 {
		nm.DisconnectStatsTimeout = d
	}
	if err = nm.Start(); err != nil {
		lg.Warn("network monitor unavailable", log.KVErr(err))
	} else {
		monitors = append(monitors, nm)
	}

	svc := services.New(journal.NewSQLBuffer(stores.process, cfg.Max_Buffer_Size, lg), tracer, cfg.Services.Deny_Executable, lg)
	if err = svc.Start(); err != nil {
		lg.Warn("service monitor unavailable", log.KVErr(err))
	} else {
		monitors = append(monitors, svc)
	}

	for i := range monitors {
		m := monitors[i]
		workers.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				default:
				}
				if err := m.Tick(time.Second); err != nil {
					return err
				}
			}
		})
	}

	//uploader
	var upl *uploader.Uploader
	var idle *uploader.IdleWatcher
	if !cfg.Upload.Disable {
		state, err := uploader.OpenState(cfg.StatePath(journal.UploadDB))
		if err != nil {
			lg.FatalCode(1, "failed to open upload state", log.KVErr(err))
		}
		defer state.Close()
		sub, err := buildSubmitter(cfg, stores)
		if err != nil {
			lg.FatalCode(1, "failed to build collector submitter", log.KVErr(err))
		}
		upl = uploader.New(state, conds, sub, cfg.State_Directory, lg)
		if tok := cfg.Upload.Ack_Token; tok != `` {
			upl.SetAckToken(tok)
		}
		upl.Start()
		if idle, err = uploader.NewIdleWatcher(conds, lg); err != nil {
			lg.Warn("idle watcher unavailable, uploads gated on manual idle state", log.KVErr(err))
		} else {
			idle.Start()
		}
	}

	lg.Info("activityd running", log.KV("version", version.GetVersion()))

	//park until a quit signal or a fatal watcher error
	rc := 0
	select {
	case nfo := <-quitCh:
		lg.Info("quit signal received", log.KV("signal", nfo.Sig))
	case err = <-wm.Fatal():
		lg.Error("watcher fatal error, exiting", log.KVErr(err))
		rc = 2
	}

	//orderly drain: stop producers, flush journals, revert patches
	cancel()
	if err = tracer.Quit(); err != nil {
		lg.Warn("tracer shutdown", log.KVErr(err))
	}
	for _, m := range monitors {
		m.Flush()
		m.Stop()
	}
	workers.Wait()
	wm.Close()
	coal.Stop()
	if idle != nil {
		idle.Stop()
	}
	if upl != nil {
		upl.Stop()
	}
	lg.Info("activityd exiting")
	os.Exit(rc)
}

// consumeTracerEvents journals tracer file events through the coalescer so
// heavy work never runs on the tracer thread.
func consumeTracerEvents(tr *ptracer.Tracer, coal *filewatch.Coalescer) {
	for ev := range tr.Events() {
		switch ev.Kind {
		case ptracer.EventOpen:
			coal.Note(ev.Path, unix.IN_OPEN, ev.When)
		case ptracer.EventClose:
			coal.Note(ev.Path, unix.IN_CLOSE_WRITE, ev.When)
		case ptracer.EventUnlink:
			coal.Note(ev.Path, unix.IN_DELETE, ev.When)
		case ptracer.EventRename:
			coal.Note(ev.Path, unix.IN_DELETE, ev.When)
			coal.Note(ev.Dest, unix.IN_CREATE, ev.When)
		}
	}
}

func buildSubmitter(cfg *cfgType, stores *storeSet) (uploader.Submitter, error) {
	if len(cfg.Upload.Submitter_Command) > 0 {
		return &uploader.ExecSubmitter{Command: cfg.Upload.Submitter_Command}, nil
	}
	var pinned []byte
	if cfg.Upload.Collector_Cert_File != `` {
		var err error
		if pinned, err = os.ReadFile(cfg.Upload.Collector_Cert_File); err != nil {
			return nil, err
		}
	}
	url := strings.TrimRight(cfg.Upload.Collector_URL, `/`) + `/` + stores.uuid.UUID().String()
	return uploader.NewHTTPSubmitter(url, pinned)
}

func debugout(format string, args ...interface{}) {
	if !v {
		return
	}
	fmt.Printf(format, args...)
}
