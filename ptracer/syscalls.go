/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ptracer

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

type statBuf = unix.Stat_t

const maxPathRead = 4096

// handleSyscallStop toggles the thread between syscall entry and exit.  The
// outstanding syscall is -1 exactly when the thread is not between an entry
// and its matching exit.
func (t *Tracer) handleSyscallStop(tcb *TCB) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tcb.tid, &regs); err != nil {
		//target vanished between stop and inspection
		t.removeTCB(tcb)
		return
	}
	if tcb.syscall == -1 {
		tcb.syscall = regSysno(&regs)
		t.syscallEntry(tcb, &regs)
	} else {
		t.syscallExit(tcb, &regs)
		tcb.syscall = -1
	}
}

// syscallEntry captures state that is only available before the call runs:
// the source path and stat of unlink and rename victims, and the path a
// descriptor resolves to before close tears it down.
func (t *Tracer) syscallEntry(tcb *TCB, regs *unix.PtraceRegs) {
	tcb.savedPath = ``
	tcb.savedStat = nil
	switch tcb.syscall {
	case unix.SYS_UNLINK, unix.SYS_RMDIR, unix.SYS_RENAME:
		path, err := t.readString(tcb.pcb, regArg(regs, 0))
		if err != nil {
			return
		}
		t.saveSource(tcb, unix.AT_FDCWD, path)
	case unix.SYS_UNLINKAT, unix.SYS_RENAMEAT:
		path, err := t.readString(tcb.pcb, regArg(regs, 1))
		if err != nil {
			return
		}
		t.saveSource(tcb, int(int32(regArg(regs, 0))), path)
	case unix.SYS_CLOSE:
		fd := int(int32(regArg(regs, 0)))
		if p, err := os.Readlink(fmt.Sprintf(`/proc/%d/fd/%d`, tcb.tid, fd)); err == nil {
			tcb.savedPath = p
		}
	}
}

func (t *Tracer) saveSource(tcb *TCB, dirfd int, path string) {
	full := resolvePath(tcb.tid, dirfd, path)
	tcb.savedPath = full
	var st statBuf
	if err := unix.Stat(full, &st); err == nil {
		tcb.savedStat = &st
	}
}

// syscallExit reports the file relevant calls that completed successfully.
func (t *Tracer) syscallExit(tcb *TCB, regs *unix.PtraceRegs) {
	r := regRet(regs)
	p := tcb.pcb
	now := time.Now()
	switch tcb.syscall {
	case unix.SYS_OPEN:
		t.openExit(tcb, int(regArg(regs, 1)), r, now)
	case unix.SYS_OPENAT:
		t.openExit(tcb, int(regArg(regs, 2)), r, now)
	case unix.SYS_CLOSE:
		fd := int(int32(regArg(regs, 0)))
		if lib, ok := p.libFds[fd]; ok {
			delete(p.libFds, fd)
			if li := p.libs[lib]; li != nil && li.fd == fd {
				li.fd = -1
			}
		}
		if r >= 0 && tcb.savedPath != `` {
			tcb.interesting++
			t.emit(FileEvent{
				Kind: EventClose, RootPid: p.root().pid, Pid: p.pid,
				Path: tcb.savedPath, When: now,
			})
		}
	case unix.SYS_UNLINK, unix.SYS_UNLINKAT, unix.SYS_RMDIR:
		if r >= 0 && tcb.savedPath != `` {
			tcb.interesting++
			t.emit(FileEvent{
				Kind: EventUnlink, RootPid: p.root().pid, Pid: p.pid,
				Path: tcb.savedPath, Stat: tcb.savedStat, When: now,
			})
		}
	case unix.SYS_RENAME:
		if r >= 0 && tcb.savedPath != `` {
			if dest, err := t.readString(p, regArg(regs, 1)); err == nil {
				tcb.interesting++
				t.emit(FileEvent{
					Kind: EventRename, RootPid: p.root().pid, Pid: p.pid,
					Path: tcb.savedPath, Dest: resolvePath(tcb.tid, unix.AT_FDCWD, dest),
					Stat: tcb.savedStat, When: now,
				})
			}
		}
	case unix.SYS_RENAMEAT:
		if r >= 0 && tcb.savedPath != `` {
			if dest, err := t.readString(p, regArg(regs, 3)); err == nil {
				tcb.interesting++
				t.emit(FileEvent{
					Kind: EventRename, RootPid: p.root().pid, Pid: p.pid,
					Path: tcb.savedPath, Dest: resolvePath(tcb.tid, int(int32(regArg(regs, 2))), dest),
					Stat: tcb.savedStat, When: now,
				})
			}
		}
	case unix.SYS_CLONE:
		// with the trace-clone option unsupported the new thread must be
		// attached by hand
		if tcb.opts == optUnsupported && r > 0 {
			child := int(r)
			if _, ok := t.tcbs[child]; !ok {
				if err := unix.PtraceAttach(child); err == nil {
					t.tcbs[child] = newTCB(child, p)
				}
			}
		}
	case unix.SYS_MMAP:
		fd := int(int32(regArg(regs, 4)))
		prot := regArg(regs, 2)
		if _, ok := p.libFds[fd]; ok && prot&unix.PROT_EXEC != 0 && r >= 0 {
			t.scanLibraries(p)
		}
	}
}

// openExit resolves the fresh descriptor, consults the allowlist, and
// journals the open.  A descriptor naming a tracked library is remembered
// so its mapping can trigger patching.
func (t *Tracer) openExit(tcb *TCB, flags int, r int64, now time.Time) {
	if r < 0 {
		return
	}
	p := tcb.pcb
	path, err := os.Readlink(fmt.Sprintf(`/proc/%d/fd/%d`, tcb.tid, r))
	if err != nil {
		return
	}
	if trackedLibrary(path) {
		p.libFds[int(r)] = path
		if li := p.libs[path]; li != nil {
			li.fd = int(r)
		}
	}
	if t.allow != nil && !t.allow(path) {
		return
	}
	tcb.interesting++
	ev := FileEvent{
		Kind: EventOpen, RootPid: p.root().pid, Pid: p.pid,
		Path: path, Flags: flags, When: now,
	}
	var st statBuf
	if err = unix.Stat(path, &st); err == nil {
		ev.Stat = &st
	}
	t.emit(ev)
}

// readString pulls a NUL terminated string out of the traced process.
func (t *Tracer) readString(p *PCB, addr uint64) (string, error) {
	mem, err := t.memHandle(p)
	if err != nil {
		return ``, err
	}
	var out []byte
	buf := make([]byte, 256)
	for len(out) < maxPathRead {
		n, err := mem.ReadAt(buf, int64(addr)+int64(len(out)))
		if n <= 0 && err != nil {
			return ``, err
		}
		for i := 0; i < n; i++ {
			if buf[i] == 0 {
				return string(append(out, buf[:i]...)), nil
			}
		}
		out = append(out, buf[:n]...)
	}
	return string(out), nil
}

// resolvePath canonicalizes path against the thread's cwd or an at
// descriptor via /proc substitution.
func resolvePath(tid, dirfd int, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	var base string
	if dirfd == unix.AT_FDCWD {
		base, _ = os.Readlink(fmt.Sprintf(`/proc/%d/cwd`, tid))
	} else {
		base, _ = os.Readlink(fmt.Sprintf(`/proc/%d/fd/%d`, tid, dirfd))
	}
	if base == `` {
		return filepath.Clean(path)
	}
	return filepath.Join(base, path)
}
