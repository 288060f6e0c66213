/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

//go:build linux

package ptracer

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestResolvePath(t *testing.T) {
	self := os.Getpid()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.Equal(t, `/etc/passwd`, resolvePath(self, unix.AT_FDCWD, `/etc/passwd`))
	require.Equal(t, `/etc/passwd`, resolvePath(self, unix.AT_FDCWD, `/etc//passwd`))
	//relative paths resolve against the thread's cwd
	require.Equal(t, cwd+`/x`, resolvePath(self, unix.AT_FDCWD, `x`))

	//at-descriptor resolution via /proc substitution
	d, err := os.Open(`/etc`)
	require.NoError(t, err)
	defer d.Close()
	require.Equal(t, `/etc/passwd`, resolvePath(self, int(d.Fd()), `passwd`))
}

func TestGroupLeaderSelf(t *testing.T) {
	leader, err := groupLeader(os.Getpid())
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), leader)
}

// TestTraceLifecycle attaches to a live child, confirms the command
// protocol round trips, and drains through QUIT.  Environments that forbid
// ptrace skip.
func TestTraceLifecycle(t *testing.T) {
	child := exec.Command(`sleep`, `30`)
	require.NoError(t, child.Start())
	defer func() {
		child.Process.Kill()
		child.Wait()
	}()

	tr := New(Config{})
	require.NoError(t, tr.Start())

	if err := tr.Trace(child.Process.Pid); err != nil {
		tr.Quit()
		t.Skipf("ptrace unavailable in this environment: %v", err)
	}

	//the attach must have registered the PCB as a top level root;
	//detach must come back clean as well
	require.NoError(t, tr.Untrace(child.Process.Pid))

	//the child must still be alive and schedulable after detach
	require.NoError(t, child.Process.Signal(unix.Signal(0)))

	require.NoError(t, tr.Quit())
}

func TestUntraceUnknown(t *testing.T) {
	tr := New(Config{})
	require.NoError(t, tr.Start())
	defer tr.Quit()
	require.Equal(t, ErrNotTraced, tr.Untrace(999999999))
}

func TestCommandsRejectedWhenNeverRun(t *testing.T) {
	tr := New(Config{})
	require.Equal(t, ErrNotRunning, tr.Trace(1))
	require.Equal(t, ErrNotRunning, tr.Quit())
}

func TestEventQueueNonBlocking(t *testing.T) {
	tr := New(Config{})
	//stuff the queue well past its depth; the tracer must never block
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5000; i++ {
			tr.emit(FileEvent{Kind: EventOpen, Path: `/tmp/x`})
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("emit blocked on a full event queue")
	}
}
