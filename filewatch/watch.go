/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package filewatch recursively monitors a directory tree with inotify and
// coalesces per file event bursts into journal rows.  fsnotify cannot serve
// here: the access journal needs IN_OPEN and IN_CLOSE_* which the portable
// event set does not expose, so the kernel interface is driven directly.
package filewatch

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/gravwell/gravwell/v3/ingest/log"
	"golang.org/x/sys/unix"
)

const (
	// per directory subscription; ONLYDIR keeps races with file creation
	// from installing bogus watches
	dirMask = unix.IN_CREATE | unix.IN_DELETE | unix.IN_DELETE_SELF |
		unix.IN_OPEN | unix.IN_CLOSE_WRITE | unix.IN_CLOSE_NOWRITE | unix.IN_ONLYDIR

	readBufSize = 64 * 1024
)

var (
	ErrAlreadyStarted = errors.New("watch manager already started")
	ErrNotStarted     = errors.New("watch manager not started")
	ErrWatchExhausted = errors.New("kernel watch table exhausted")
)

// WatchManager owns the inotify descriptor, the watch map, and the two
// workers: a scanner that installs watches across subtrees and a reader that
// drains the kernel event stream into the coalescer.
type WatchManager struct {
	mtx     sync.Mutex
	fd      int
	wakeR   int //pipe used to pop the reader out of its poll on Close
	wakeW   int
	base    string
	exclude string
	watches map[int]string //wd -> path relative to base
	coal    *Coalescer
	lg      *log.Logger

	scanMtx  sync.Mutex
	scanCond *sync.Cond
	scanQ    []string
	started  bool
	dying    bool

	fatal chan error
	wg    sync.WaitGroup
}

// NewWatchManager prepares a manager rooted at base.  exclude names a
// subtree (the daemon's own state directory) that is never watched.
func NewWatchManager(base, exclude string, coal *Coalescer, lg *log.Logger) (*WatchManager, error) {
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	fi, err := os.Stat(base)
	if err != nil {
		return nil, err
	} else if !fi.IsDir() {
		return nil, errors.New("watch base is not a directory")
	}
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, err
	}
	var pp [2]int
	if err = unix.Pipe2(pp[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(fd)
		return nil, err
	}
	wm := &WatchManager{
		fd:      fd,
		wakeR:   pp[0],
		wakeW:   pp[1],
		base:    filepath.Clean(base),
		exclude: filepath.Clean(exclude),
		watches: map[int]string{},
		coal:    coal,
		lg:      lg,
		fatal:   make(chan error, 1),
	}
	wm.scanCond = sync.NewCond(&wm.scanMtx)
	return wm, nil
}

// Fatal reports unrecoverable watcher errors; resource exhaustion on the
// kernel watch table lands here and the daemon is expected to exit.
func (wm *WatchManager) Fatal() <-chan error {
	return wm.fatal
}

// Start kicks off the scan worker and the event reader and enqueues the
// base directory for recursive watch installation.
func (wm *WatchManager) Start() error {
	wm.mtx.Lock()
	defer wm.mtx.Unlock()
	if wm.started {
		return ErrAlreadyStarted
	}
	wm.started = true
	wm.wg.Add(2)
	go wm.scanWorker()
	go wm.readLoop()
	wm.enqueueScan(wm.base)
	return nil
}

// Close tears down both workers and the inotify descriptor.
func (wm *WatchManager) Close() error {
	wm.mtx.Lock()
	if !wm.started {
		wm.mtx.Unlock()
		return ErrNotStarted
	}
	wm.mtx.Unlock()

	wm.scanMtx.Lock()
	wm.dying = true
	wm.scanCond.Broadcast()
	wm.scanMtx.Unlock()

	//pop the reader out of its poll, then tear the descriptors down
	unix.Write(wm.wakeW, []byte{0})
	wm.wg.Wait()
	unix.Close(wm.fd)
	unix.Close(wm.wakeR)
	unix.Close(wm.wakeW)
	return nil
}

func (wm *WatchManager) enqueueScan(dir string) {
	wm.scanMtx.Lock()
	wm.scanQ = append(wm.scanQ, dir)
	wm.scanCond.Signal()
	wm.scanMtx.Unlock()
}

func (wm *WatchManager) scanWorker() {
	defer wm.wg.Done()
	for {
		wm.scanMtx.Lock()
		for len(wm.scanQ) == 0 && !wm.dying {
			wm.scanCond.Wait()
		}
		if wm.dying {
			wm.scanMtx.Unlock()
			return
		}
		dir := wm.scanQ[0]
		wm.scanQ = wm.scanQ[1:]
		wm.scanMtx.Unlock()

		if err := wm.scanTree(dir); err != nil {
			wm.dieOn(err)
			return
		}
	}
}

// scanTree walks dir depth first following physical links only, installing
// one watch per directory.  Permission and vanished-entry errors are
// expected churn and ignored.
func (wm *WatchManager) scanTree(dir string) error {
	stack := []string{dir}
	for len(stack) > 0 {
		d := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if d == wm.exclude {
			continue
		}
		if err := wm.addWatch(d); err != nil {
			if err == ErrWatchExhausted {
				return err
			}
			continue
		}
		ents, err := os.ReadDir(d)
		if err != nil {
			continue
		}
		for _, ent := range ents {
			//symlinks and non-directories are skipped; ReadDir types
			//come from the dirent so no extra stat is paid
			if ent.Type()&os.ModeSymlink != 0 || !ent.IsDir() {
				continue
			}
			stack = append(stack, filepath.Join(d, ent.Name()))
		}
	}
	return nil
}

func (wm *WatchManager) addWatch(dir string) error {
	wd, err := unix.InotifyAddWatch(wm.fd, dir, dirMask)
	if err != nil {
		switch err {
		case unix.EACCES, unix.ENOENT, unix.EPERM:
			return err
		case unix.ENOSPC:
			return ErrWatchExhausted
		}
		return err
	}
	rel, err := filepath.Rel(wm.base, dir)
	if err != nil {
		rel = dir
	}
	wm.mtx.Lock()
	wm.watches[wd] = rel
	wm.mtx.Unlock()
	return nil
}

func (wm *WatchManager) rmWatch(wd int) {
	wm.mtx.Lock()
	_, ok := wm.watches[wd]
	wm.mtx.Unlock()
	if ok {
		unix.InotifyRmWatch(wm.fd, uint32(wd))
	}
}

func (wm *WatchManager) dropWatch(wd int) {
	wm.mtx.Lock()
	delete(wm.watches, wd)
	wm.mtx.Unlock()
}

func (wm *WatchManager) lookupWatch(wd int) (string, bool) {
	wm.mtx.Lock()
	rel, ok := wm.watches[wd]
	wm.mtx.Unlock()
	return rel, ok
}

// WatchCount returns the number of live directory watches.
func (wm *WatchManager) WatchCount() int {
	wm.mtx.Lock()
	defer wm.mtx.Unlock()
	return len(wm.watches)
}

func (wm *WatchManager) dieOn(err error) {
	wm.lg.Error("filesystem watcher entering terminal state", log.KVErr(err))
	select {
	case wm.fatal <- err:
	default:
	}
}

// readLoop blocks on the kernel event stream, resolves each event to an
// absolute path, and feeds non directory events to the coalescer.  A wake
// pipe rides along in the poll set: a blocked inotify read is not woken by
// closing the descriptor.
func (wm *WatchManager) readLoop() {
	defer wm.wg.Done()
	buf := make([]byte, readBufSize)
	for {
		fds := []unix.PollFd{
			{Fd: int32(wm.fd), Events: unix.POLLIN},
			{Fd: int32(wm.wakeR), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if fds[1].Revents != 0 {
			return
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}
		n, err := unix.Read(wm.fd, buf)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return
		}
		if n < unix.SizeofInotifyEvent {
			continue
		}
		now := time.Now()
		var off uint32
		for off <= uint32(n-unix.SizeofInotifyEvent) {
			raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[off]))
			mask := raw.Mask
			var name string
			if raw.Len > 0 {
				bb := (*[unix.PathMax]byte)(unsafe.Pointer(&buf[off+unix.SizeofInotifyEvent]))
				name = strings.TrimRight(string(bb[0:raw.Len]), "\x00")
			}
			wm.handleEvent(int(raw.Wd), mask, name, now)
			off += unix.SizeofInotifyEvent + raw.Len
		}
	}
}

func (wm *WatchManager) handleEvent(wd int, mask uint32, name string, now time.Time) {
	if mask&unix.IN_Q_OVERFLOW != 0 {
		wm.lg.Warn("inotify queue overflow, events lost")
		return
	}
	if mask&unix.IN_IGNORED != 0 {
		wm.dropWatch(wd)
		return
	}
	rel, ok := wm.lookupWatch(wd)
	if !ok {
		return
	}
	if mask&unix.IN_DELETE_SELF != 0 {
		wm.rmWatch(wd)
		return
	}
	path := filepath.Join(wm.base, rel, name)
	if mask&unix.IN_ISDIR != 0 {
		if mask&unix.IN_CREATE != 0 && path != wm.exclude {
			wm.enqueueScan(path)
		}
		return
	}
	if mask&(unix.IN_OPEN|unix.IN_CLOSE_WRITE|unix.IN_CLOSE_NOWRITE|unix.IN_CREATE|unix.IN_DELETE) != 0 && wm.coal != nil {
		wm.coal.Note(path, mask, now)
	}
}
