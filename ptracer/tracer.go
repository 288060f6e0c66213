/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package ptracer supervises process trees with ptrace and reports their
// file relevant syscalls.  Instead of stopping on every syscall it patches
// trap instructions over the interesting syscall sites of the dynamic
// loader, the C runtime, and the thread library in the target's address
// space; threads run free until they hit an instrumented site.
//
// The tracer goroutine is the sole issuer of ptrace calls.  All external
// requests go through a command queue and are signalled by stopping a
// dedicated signal proxy child, which makes the tracer's wait return
// promptly.
package ptracer

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gravwell/gravwell/v3/ingest/log"
	"golang.org/x/sys/unix"
)

// ProxyEnv marks a child process as the signal proxy; main checks it
// before anything else and calls RunProxy.
const ProxyEnv = `ACTIVITYD_SIGNAL_PROXY`

const syscallTrap = unix.SIGTRAP | 0x80

var (
	ErrNotRunning = errors.New("tracer is not running")
	ErrNotTraced  = errors.New("process is not traced")
	ErrShutdown   = errors.New("tracer is shutting down")
)

type cmdOp int

const (
	opTrace cmdOp = iota
	opUntrace
	opQuit
)

type command struct {
	op   cmdOp
	pid  int
	done chan error
}

// Config for a Tracer.
type Config struct {
	// Allow filters open events by path; nil accepts everything.
	Allow func(path string) bool
	// Cache persists library scan results across restarts; optional.
	Cache *PatchCache
	// ScanReport receives per scan match/candidate counts; optional.
	ScanReport func(library string, matches, candidates int)
	Logger     *log.Logger
}

// Tracer is the ptrace supervisor.  All fields below the mutex-guarded
// command queue are confined to the tracer goroutine.
type Tracer struct {
	mtx      sync.Mutex
	cmds     []command
	running  bool
	proxyPid int

	procs map[int]*PCB //by thread group leader
	tcbs  map[int]*TCB //global thread index

	// children that stopped before their clone event arrived
	unclaimed     map[int]bool
	suspendedTids map[int]bool

	memCount int

	allow      func(string) bool
	cache      *PatchCache
	scanReport func(string, int, int)
	out        chan FileEvent
	lg         *log.Logger

	shed     *shedder
	shutdown bool
	done     chan struct{}
}

func New(cfg Config) *Tracer {
	lg := cfg.Logger
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	return &Tracer{
		procs:         map[int]*PCB{},
		tcbs:          map[int]*TCB{},
		unclaimed:     map[int]bool{},
		suspendedTids: map[int]bool{},
		allow:         cfg.Allow,
		cache:         cfg.Cache,
		scanReport:    cfg.ScanReport,
		out:           make(chan FileEvent, 1024),
		lg:            lg,
		shed:          newShedder(),
		done:          make(chan struct{}),
	}
}

// Events is the stream of file events; the consumer drains it on its own
// goroutine so journal work never runs on the tracer thread.
func (t *Tracer) Events() <-chan FileEvent {
	return t.out
}

// RunProxy is the body of the signal proxy child: it dies with its parent
// and otherwise just exists so the tracer's wait always has a child to
// report.
func RunProxy() {
	unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0)
	select {}
}

// Start launches the tracer goroutine.
func (t *Tracer) Start() error {
	cmd := exec.Command(`/proc/self/exe`)
	cmd.Env = append(os.Environ(), ProxyEnv+`=1`)
	if err := cmd.Start(); err != nil {
		return err
	}
	t.mtx.Lock()
	t.proxyPid = cmd.Process.Pid
	t.running = true
	t.mtx.Unlock()
	go t.run()
	return nil
}

// Trace attaches to pid's whole thread group and marks it a top level
// process: everything its tree does is attributed to it.  The call returns
// once the attach is confirmed.
func (t *Tracer) Trace(pid int) error {
	return t.submit(opTrace, pid)
}

// Untrace detaches the subtree rooted at pid at each thread's next stop,
// reverting patches on the last thread out.
func (t *Tracer) Untrace(pid int) error {
	return t.submit(opUntrace, pid)
}

// Quit stops every traced thread, drains them, and shuts the tracer down.
func (t *Tracer) Quit() error {
	if err := t.submit(opQuit, 0); err != nil {
		return err
	}
	<-t.done
	return nil
}

func (t *Tracer) submit(op cmdOp, pid int) error {
	t.mtx.Lock()
	if !t.running {
		t.mtx.Unlock()
		return ErrNotRunning
	}
	c := command{op: op, pid: pid, done: make(chan error, 1)}
	t.cmds = append(t.cmds, c)
	proxy := t.proxyPid
	t.mtx.Unlock()
	//stopping the proxy pops the tracer out of its wait
	unix.Kill(proxy, unix.SIGSTOP)
	return <-c.done
}

func (t *Tracer) drainCommands() {
	for {
		t.mtx.Lock()
		if len(t.cmds) == 0 {
			t.mtx.Unlock()
			return
		}
		c := t.cmds[0]
		t.cmds = t.cmds[1:]
		t.mtx.Unlock()
		switch c.op {
		case opTrace:
			c.done <- t.cmdTrace(c.pid)
		case opUntrace:
			c.done <- t.cmdUntrace(c.pid)
		case opQuit:
			t.cmdQuit()
			c.done <- nil
		}
	}
}

// run is the tracer main loop; it is the only goroutine allowed to issue
// ptrace calls, so it stays locked to its OS thread for its whole life.
func (t *Tracer) run() {
	runtime.LockOSThread()
	defer close(t.done)
	for {
		t.drainCommands()
		if t.shutdown && len(t.tcbs) == 0 {
			break
		}
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WALL|unix.WUNTRACED, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.ECHILD {
				//nothing left to wait for; the proxy must have died
				if t.shutdown {
					break
				}
				time.Sleep(100 * time.Millisecond)
				continue
			}
			t.lg.Error("tracer wait failed", log.KVErr(err))
			break
		}
		if pid == t.proxyPid {
			if ws.Stopped() {
				unix.Kill(pid, unix.SIGCONT)
			}
			continue
		}
		t.handleWait(pid, ws)
	}
	//shutdown: the proxy goes down with us
	t.mtx.Lock()
	t.running = false
	proxy := t.proxyPid
	t.mtx.Unlock()
	if proxy > 0 {
		unix.Kill(proxy, unix.SIGKILL)
		unix.Wait4(proxy, nil, 0, nil)
	}
	close(t.out)
}

// groupLeader resolves a pid to its thread group leader through /proc.
func groupLeader(pid int) (int, error) {
	raw, err := os.ReadFile(fmt.Sprintf(`/proc/%d/status`, pid))
	if err != nil {
		return 0, err
	}
	for _, ln := range strings.Split(string(raw), "\n") {
		if strings.HasPrefix(ln, `Tgid:`) {
			return strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(ln, `Tgid:`)))
		}
	}
	return 0, fmt.Errorf("no Tgid for pid %d", pid)
}

// cmdTrace implements TRACE(pid): resolve the group leader, build the PCB,
// and attach.  The user's root request marks the PCB top level and clears
// its parent link.
func (t *Tracer) cmdTrace(pid int) error {
	if t.shutdown {
		return ErrShutdown
	}
	leader, err := groupLeader(pid)
	if err != nil {
		return err
	}
	p := t.procs[leader]
	if p == nil {
		p = newPCB(leader)
		t.procs[leader] = p
	}
	p.topLevel = true
	if p.parent != nil {
		delete(p.parent.children, p.pid)
		p.parent = nil
	}
	if _, ok := t.tcbs[leader]; ok {
		return nil //already attached
	}
	if err = unix.PtraceAttach(leader); err != nil {
		if len(p.tcbs) == 0 && len(p.children) == 0 {
			delete(t.procs, leader)
		}
		return err
	}
	//attach implies a stop; the init path picks the thread up there
	tcb := newTCB(leader, p)
	t.tcbs[leader] = tcb
	t.lg.Info("tracing process", log.KV("pid", leader), log.KV("exe", p.exe))
	return nil
}

// cmdUntrace marks every thread in pid's subtree for detach at its next
// stop and pokes them so that stop comes soon.
func (t *Tracer) cmdUntrace(pid int) error {
	leader, err := groupLeader(pid)
	if err != nil {
		leader = pid //already gone; try the raw pid as key
	}
	p := t.procs[leader]
	if p == nil {
		return ErrNotTraced
	}
	p.topLevel = false
	t.markStop(p)
	return nil
}

func (t *Tracer) markStop(p *PCB) {
	for tid, tcb := range p.tcbs {
		tcb.stopTracing = true
		unix.Tgkill(p.pid, tid, unix.SIGSTOP)
	}
	for _, c := range p.children {
		t.markStop(c)
	}
}

// cmdQuit stops every thread (or force removes those that cannot be
// signalled) and lets the drain in the main loop finish them off.
func (t *Tracer) cmdQuit() {
	t.shutdown = true
	for tid, tcb := range t.tcbs {
		tcb.stopTracing = true
		if err := unix.Tgkill(tcb.pcb.pid, tid, unix.SIGSTOP); err != nil {
			//cannot reach it anymore, synthesize the untrace
			t.removeTCB(tcb)
		}
	}
}

func (t *Tracer) handleWait(pid int, ws unix.WaitStatus) {
	tcb := t.tcbs[pid]
	if tcb == nil {
		if ws.Stopped() {
			//a clone child whose creation event has not arrived yet;
			//leave it stopped until the parent's event claims it
			t.unclaimed[pid] = true
		}
		return
	}
	if ws.Exited() || ws.Signaled() {
		t.removeTCB(tcb)
		return
	}
	if !ws.Stopped() {
		return
	}
	now := time.Now().Unix()
	over := t.shed.note(now)
	tcb.ring.note(now)

	if !tcb.inited {
		t.initTCB(tcb)
	}
	if tcb.stopTracing || t.shutdown {
		t.detach(tcb)
		return
	}
	if over && t.shed.shouldSuspend(tcb, now) {
		tcb.suspended = true
		t.suspendedTids[tcb.tid] = true
		t.lg.Warn("suspending noisy thread", log.KV("tid", tcb.tid), log.KV("pid", tcb.pcb.pid))
		t.detach(tcb)
		return
	}

	sig := ws.StopSignal()
	cause := ws.TrapCause()
	switch {
	case sig == syscallTrap:
		t.handleSyscallStop(tcb)
		t.resume(tcb, 0)
	case sig == unix.SIGTRAP && (cause == unix.PTRACE_EVENT_CLONE ||
		cause == unix.PTRACE_EVENT_FORK || cause == unix.PTRACE_EVENT_VFORK):
		if msg, err := unix.PtraceGetEventMsg(pid); err == nil {
			t.handleClone(tcb, int(msg), cause != unix.PTRACE_EVENT_CLONE)
		}
		t.resume(tcb, 0)
	case sig == unix.SIGTRAP && cause == unix.PTRACE_EVENT_EXEC:
		//the image is gone: identity and library state restart from
		//scratch, and the thread runs in syscall mode until re-patched
		tcb.pcb.refreshIdentity()
		tcb.pcb.clearImages()
		tcb.syscall = -1
		unix.PtraceSyscall(tcb.tid, 0)
	case sig == unix.SIGTRAP:
		if !t.handleTrap(tcb) {
			if tcb.opts != optSet {
				//no SYSGOOD marking available: plain traps are syscall
				//stops on this kernel
				t.handleSyscallStop(tcb)
				t.resume(tcb, 0)
			} else {
				t.resume(tcb, int(sig))
			}
		}
	case sig == unix.SIGSTOP:
		//attach or interrupt stop; swallow it
		t.resume(tcb, 0)
	default:
		//real signal traffic is none of our business, deliver it
		t.resume(tcb, int(sig))
	}
}

// initTCB performs first clean stop work: tracing options, sibling
// discovery, and library patching.
func (t *Tracer) initTCB(tcb *TCB) {
	tcb.inited = true
	if tcb.opts == optUnset {
		flags := unix.PTRACE_O_TRACESYSGOOD | unix.PTRACE_O_TRACECLONE |
			unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACEVFORK | unix.PTRACE_O_TRACEEXEC
		if err := unix.PtraceSetOptions(tcb.tid, flags); err != nil {
			tcb.opts = optUnsupported
		} else {
			tcb.opts = optSet
		}
	}
	t.discoverSiblings(tcb.pcb)
	t.scanLibraries(tcb.pcb)
}

// discoverSiblings attaches to every thread of the group we have not seen,
// looping until a full pass finds nothing new: a sibling may be spawning
// more threads while we attach.
func (t *Tracer) discoverSiblings(p *PCB) {
	for {
		added := false
		ents, err := os.ReadDir(fmt.Sprintf(`/proc/%d/task`, p.pid))
		if err != nil {
			return
		}
		for _, e := range ents {
			tid, err := strconv.Atoi(e.Name())
			if err != nil {
				continue
			}
			if _, ok := t.tcbs[tid]; ok {
				continue
			}
			if err = unix.PtraceAttach(tid); err != nil {
				continue
			}
			ntcb := newTCB(tid, p)
			t.tcbs[tid] = ntcb
			added = true
		}
		if !added {
			return
		}
	}
}

// handleClone installs a TCB for a freshly created child.  Forks get their
// own PCB parented under the creator and inherit its library bases, the
// image being a copy; plain clones join the creator's thread list.  Either
// way the tracing options state is inherited.
func (t *Tracer) handleClone(parent *TCB, child int, isFork bool) {
	var ctcb *TCB
	if isFork {
		cp := t.procs[child]
		if cp == nil {
			cp = newPCB(child)
			t.procs[child] = cp
		}
		cp.parent = parent.pcb
		parent.pcb.children[child] = cp
		for name, li := range parent.pcb.libs {
			cp.libs[name] = &libImage{
				path:    li.path,
				set:     li.set,
				start:   li.start,
				end:     li.end,
				fileOff: li.fileOff,
				patched: li.patched,
				fd:      -1,
			}
		}
		cp.patched = parent.pcb.patched
		ctcb = newTCB(child, cp)
	} else {
		ctcb = newTCB(child, parent.pcb)
	}
	t.tcbs[child] = ctcb
	ctcb.opts = parent.opts
	ctcb.inited = true
	if t.unclaimed[child] {
		//its first stop already happened, release it now
		delete(t.unclaimed, child)
		t.resume(ctcb, 0)
	}
}

// handleTrap checks whether the trap landed on one of our patched sites.
// If so the displaced number load is emulated: the instruction pointer is
// advanced past the site and the syscall number materialized in the number
// register, then the thread resumes in syscall mode so the imminent
// interesting call produces its entry and exit stops.
func (t *Tracer) handleTrap(tcb *TCB) bool {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tcb.tid, &regs); err != nil {
		t.removeTCB(tcb)
		return true
	}
	site := regIP(&regs) - 1 //the trap instruction already executed
	li, pt := tcb.pcb.sitePatch(site)
	if li == nil {
		return false
	}
	setIP(&regs, site+movInsnLen)
	setNum(&regs, uint64(pt.Sysno))
	if err := unix.PtraceSetRegs(tcb.tid, &regs); err != nil {
		t.removeTCB(tcb)
		return true
	}
	unix.PtraceSyscall(tcb.tid, 0)
	return true
}

// resume releases a stopped thread, optionally delivering sig.  Threads of
// a fully patched process run free; everything else stays on syscall
// stops.
func (t *Tracer) resume(tcb *TCB, sig int) {
	var err error
	if tcb.pcb.patched && tcb.syscall == -1 {
		err = unix.PtraceCont(tcb.tid, sig)
	} else {
		err = unix.PtraceSyscall(tcb.tid, sig)
	}
	if err == unix.ESRCH {
		t.removeTCB(tcb)
	}
}

// detach reverts patches when the last thread leaves and lets the thread
// go.
func (t *Tracer) detach(tcb *TCB) {
	p := tcb.pcb
	if len(p.tcbs) == 1 {
		for _, li := range p.libs {
			t.revertImage(p, li)
		}
	}
	unix.PtraceDetach(tcb.tid)
	t.removeTCB(tcb)
}

// emit queues an event for the consumer; the tracer never blocks on a slow
// consumer, it sheds instead.
func (t *Tracer) emit(ev FileEvent) {
	select {
	case t.out <- ev:
	default:
		t.lg.Warn("event queue full, dropping event", log.KV("kind", ev.Kind.String()))
	}
}

// reportScan surfaces scan precision counters so rewritten or exotic libc
// builds are detectable.
func (t *Tracer) reportScan(ps *PatchSet) {
	if t.scanReport != nil {
		t.scanReport(ps.Library, ps.Matches, ps.Candidates)
	}
	t.lg.Info("library scanned", log.KV("library", ps.Library),
		log.KV("matches", ps.Matches), log.KV("candidates", ps.Candidates))
}
