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
	"sort"
	"strings"
	"time"
)

// memSoftLimit and memHardLimit bound the global count of open process
// memory handles; crossing the soft limit closes least recently used
// handles, crossing the hard limit prunes aggressively.
const (
	memSoftLimit = 96
	memHardLimit = 128
)

type optState int

const (
	optUnset optState = iota
	optSet
	optUnsupported
)

// PCB is one traced process (thread group).  The graph forms a forest:
// children hold a weak back pointer to their parent; user registered roots
// carry topLevel and survive as zombies while descendants remain.
type PCB struct {
	pid  int
	exe  string
	args [2]string

	topLevel bool
	parent   *PCB
	children map[int]*PCB

	tcbs map[int]*TCB

	mem     *os.File
	memUsed time.Time

	libFds map[int]string       //tracked descriptors to library images
	libs   map[string]*libImage //by mapped filename

	// fullIntercept keeps every thread of this process on syscall stops,
	// set when patch verification rejects an image
	fullIntercept bool
	patched       bool
}

func newPCB(pid int) *PCB {
	p := &PCB{
		pid:      pid,
		children: map[int]*PCB{},
		tcbs:     map[int]*TCB{},
		libFds:   map[int]string{},
		libs:     map[string]*libImage{},
	}
	p.refreshIdentity()
	return p
}

// refreshIdentity re-reads exe and the first two command line arguments;
// exec events call it again because the image has been replaced.
func (p *PCB) refreshIdentity() {
	if exe, err := os.Readlink(fmt.Sprintf(`/proc/%d/exe`, p.pid)); err == nil {
		p.exe = exe
	}
	if raw, err := os.ReadFile(fmt.Sprintf(`/proc/%d/cmdline`, p.pid)); err == nil {
		parts := strings.SplitN(string(raw), "\x00", 3)
		if len(parts) > 0 {
			p.args[0] = parts[0]
		}
		if len(parts) > 1 {
			p.args[1] = parts[1]
		}
	}
}

// root resolves the nearest user registered ancestor; events from the whole
// subtree are attributed to it.
func (p *PCB) root() *PCB {
	c := p
	for c.parent != nil && !c.topLevel {
		c = c.parent
	}
	return c
}

// allPatched reports whether every tracked image with a patch set took its
// traps.
func (p *PCB) allPatched() bool {
	if p.fullIntercept || len(p.libs) == 0 {
		return false
	}
	for _, li := range p.libs {
		if li.set != nil && len(li.set.Patches) > 0 && !li.patched {
			return false
		}
	}
	return true
}

// clearImages drops all library state after an exec replaced the address
// space.
func (p *PCB) clearImages() {
	p.libs = map[string]*libImage{}
	p.libFds = map[int]string{}
	p.patched = false
}

// TCB is one traced kernel thread.
type TCB struct {
	tid int
	pcb *PCB

	// sysno of the outstanding syscall; -1 between syscalls
	syscall int64

	// saved entry state for two phase syscalls
	savedPath string
	savedStat *statBuf

	opts        optState
	inited      bool
	stopTracing bool
	suspended   bool

	ring        loadRing
	interesting int64
}

func newTCB(tid int, p *PCB) *TCB {
	t := &TCB{
		tid:     tid,
		pcb:     p,
		syscall: -1,
	}
	p.tcbs[tid] = t
	return t
}

// memHandle returns the cached process memory handle for p, opening it on
// first use and pruning the global cache past its limits.
func (t *Tracer) memHandle(p *PCB) (*os.File, error) {
	if p.mem != nil {
		p.memUsed = time.Now()
		return p.mem, nil
	}
	f, err := os.OpenFile(fmt.Sprintf(`/proc/%d/mem`, p.pid), os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	p.mem = f
	p.memUsed = time.Now()
	t.memCount++
	t.pruneMemHandles()
	return f, nil
}

func (t *Tracer) dropMemHandle(p *PCB) {
	if p.mem != nil {
		p.mem.Close()
		p.mem = nil
		t.memCount--
	}
}

// pruneMemHandles enforces the handle budget by closing least recently
// used handles; past the hard limit it prunes down to half the soft limit.
func (t *Tracer) pruneMemHandles() {
	if t.memCount <= memSoftLimit {
		return
	}
	target := memSoftLimit - 16
	if t.memCount > memHardLimit {
		target = memSoftLimit / 2
	}
	open := make([]*PCB, 0, t.memCount)
	for _, p := range t.procs {
		if p.mem != nil {
			open = append(open, p)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].memUsed.Before(open[j].memUsed) })
	for _, p := range open {
		if t.memCount <= target {
			break
		}
		t.dropMemHandle(p)
	}
}

// removeTCB drops a thread from its process and the global index.  When the
// last thread of a process exits the process is freed unless it must linger
// as a zombie root for its children.
func (t *Tracer) removeTCB(tcb *TCB) {
	delete(t.tcbs, tcb.tid)
	delete(tcb.pcb.tcbs, tcb.tid)
	delete(t.suspendedTids, tcb.tid)
	if len(tcb.pcb.tcbs) == 0 {
		t.maybeFreePCB(tcb.pcb)
	}
}

// maybeFreePCB frees a drained process.  A user registered root with live
// children stays as a zombie so attribution keeps working; when the last
// child drains the zombie goes too.  Freed intermediate processes promote
// their children to the grandparent, preserving the forest.
func (t *Tracer) maybeFreePCB(p *PCB) {
	if len(p.tcbs) != 0 {
		return
	}
	if p.topLevel && len(p.children) > 0 {
		return //zombie root
	}
	if !p.topLevel && len(p.children) > 0 {
		for _, c := range p.children {
			c.parent = p.parent
			if p.parent != nil {
				p.parent.children[c.pid] = c
			}
		}
		p.children = map[int]*PCB{}
	}
	for _, li := range p.libs {
		t.revertImage(p, li)
	}
	t.dropMemHandle(p)
	delete(t.procs, p.pid)
	if p.parent != nil {
		delete(p.parent.children, p.pid)
		t.maybeFreePCB(p.parent)
	}
	if p.topLevel {
		t.emit(FileEvent{Kind: EventExit, RootPid: p.pid, Pid: p.pid, When: time.Now()})
	}
}
