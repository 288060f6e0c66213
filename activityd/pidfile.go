/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dchest/safefile"
	"github.com/gofrs/flock"
)

var (
	ErrAlreadyRunning = errors.New("another instance owns the pidfile")
)

// PidFile is the singleton guard: the file holds "pid\nexe\n" and a process
// matching both is considered a live owner.
type PidFile struct {
	path string
	lk   *flock.Flock
}

// AcquirePidFile takes the lock, checks for a live owner, and writes our
// identity atomically.
func AcquirePidFile(path string) (*PidFile, error) {
	lk := flock.New(path + `.lock`)
	ok, err := lk.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}
	if owner, live := livePidfileOwner(path); live {
		lk.Unlock()
		return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, owner)
	}
	exe, err := os.Readlink(`/proc/self/exe`)
	if err != nil {
		lk.Unlock()
		return nil, err
	}
	fout, err := safefile.Create(path, 0644)
	if err != nil {
		lk.Unlock()
		return nil, err
	}
	if _, err = fmt.Fprintf(fout, "%d\n%s\n", os.Getpid(), exe); err != nil {
		fout.File.Close()
		lk.Unlock()
		return nil, err
	}
	if err = fout.Commit(); err != nil {
		fout.File.Close()
		lk.Unlock()
		return nil, err
	}
	return &PidFile{path: path, lk: lk}, nil
}

// livePidfileOwner parses an existing pidfile and reports whether the
// recorded pid still runs the recorded executable.
func livePidfileOwner(path string) (int, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	lines := strings.SplitN(string(raw), "\n", 3)
	if len(lines) < 2 {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return 0, false
	}
	exe, err := os.Readlink(fmt.Sprintf(`/proc/%d/exe`, pid))
	if err != nil {
		return 0, false //stale: pid is gone
	}
	if exe != strings.TrimSpace(lines[1]) {
		return 0, false //pid recycled by something else
	}
	return pid, true
}

// Release drops the pidfile and its lock.
func (p *PidFile) Release() {
	os.Remove(p.path)
	p.lk.Unlock()
	os.Remove(p.path + `.lock`)
}
