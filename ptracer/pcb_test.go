/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ptracer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testTracer() *Tracer {
	return New(Config{})
}

// link builds the fixture tree without touching /proc.
func link(t *Tracer, parent *PCB, pid int, top bool) *PCB {
	p := &PCB{
		pid:      pid,
		children: map[int]*PCB{},
		tcbs:     map[int]*TCB{},
		libFds:   map[int]string{},
		libs:     map[string]*libImage{},
		topLevel: top,
	}
	if parent != nil {
		p.parent = parent
		parent.children[pid] = p
	}
	t.procs[pid] = p
	return p
}

func addThread(t *Tracer, p *PCB, tid int) *TCB {
	tcb := newTCB(tid, p)
	t.tcbs[tid] = tcb
	return tcb
}

func TestRootAttribution(t *testing.T) {
	tr := testTracer()
	root := link(tr, nil, 100, true)
	mid := link(tr, root, 200, false)
	leaf := link(tr, mid, 300, false)
	require.Equal(t, 100, leaf.root().pid)
	require.Equal(t, 100, mid.root().pid)
	require.Equal(t, 100, root.root().pid)
}

func TestZombieRootSurvivesChildren(t *testing.T) {
	tr := testTracer()
	root := link(tr, nil, 100, true)
	child := link(tr, root, 200, false)
	rootT := addThread(tr, root, 100)
	childT := addThread(tr, child, 200)

	//the root's own threads drain but the child lives: zombie
	tr.removeTCB(rootT)
	require.Contains(t, tr.procs, 100)
	require.Equal(t, 100, child.root().pid)

	//last child drains: the zombie goes too
	tr.removeTCB(childT)
	require.NotContains(t, tr.procs, 200)
	require.NotContains(t, tr.procs, 100)
}

func TestIntermediateDeathPromotesGrandchildren(t *testing.T) {
	tr := testTracer()
	root := link(tr, nil, 100, true)
	addThread(tr, root, 100)
	mid := link(tr, root, 200, false)
	grand := link(tr, mid, 300, false)
	midT := addThread(tr, mid, 200)
	addThread(tr, grand, 300)

	tr.removeTCB(midT)
	require.NotContains(t, tr.procs, 200)
	//grandchild now hangs off the root, forest preserved
	require.Equal(t, root, grand.parent)
	require.Contains(t, root.children, 300)
	require.Equal(t, 100, grand.root().pid)
}

func TestExitEventOnRootDrain(t *testing.T) {
	tr := testTracer()
	root := link(tr, nil, 100, true)
	rt := addThread(tr, root, 100)
	tr.removeTCB(rt)
	select {
	case ev := <-tr.Events():
		require.Equal(t, EventExit, ev.Kind)
		require.Equal(t, 100, ev.RootPid)
	default:
		t.Fatal("expected an exit event")
	}
}

func TestOutstandingSyscallInvariant(t *testing.T) {
	p := newPCB(0)
	tcb := newTCB(1, p)
	require.EqualValues(t, -1, tcb.syscall, "fresh thread is between syscalls")
}

func TestTCBIndexesAgree(t *testing.T) {
	tr := testTracer()
	p := link(tr, nil, 100, true)
	tcb := addThread(tr, p, 101)
	require.Contains(t, p.tcbs, 101)
	require.Contains(t, tr.tcbs, 101)
	tr.removeTCB(tcb)
	require.NotContains(t, p.tcbs, 101)
	require.NotContains(t, tr.tcbs, 101)
}

func TestLoadRing(t *testing.T) {
	var r loadRing
	now := time.Now().Unix()
	for i := 0; i < 5; i++ {
		r.note(now)
	}
	r.note(now + 1)
	require.EqualValues(t, 6, r.total(now+1))
	//events age out of the window
	require.EqualValues(t, 0, r.total(now+ringBuckets+2))
}

func TestShedderSuspendDecision(t *testing.T) {
	s := newShedder()
	now := time.Now().Unix()
	p := newPCB(0)
	hog := newTCB(1, p)
	quiet := newTCB(2, p)

	for i := 0; i < 100; i++ {
		s.ring.note(now)
		hog.ring.note(now)
	}
	s.ring.note(now)
	quiet.ring.note(now)

	require.True(t, s.shouldSuspend(hog, now), "a hog with no interesting events gets suspended")
	require.False(t, s.shouldSuspend(quiet, now), "a thread under the share threshold survives")

	hog.interesting = 1
	require.False(t, s.shouldSuspend(hog, now), "threads producing events are never shed")
}
