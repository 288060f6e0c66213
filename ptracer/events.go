/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ptracer

import (
	"time"

	"golang.org/x/sys/unix"
)

// EventKind discriminates file events surfaced by the tracer.
type EventKind int

const (
	EventOpen EventKind = iota
	EventClose
	EventUnlink
	EventRename
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return `open`
	case EventClose:
		return `close`
	case EventUnlink:
		return `unlink`
	case EventRename:
		return `rename`
	case EventExit:
		return `exit`
	}
	return `unknown`
}

// FileEvent is one observation from a traced process tree.  RootPid is the
// nearest user registered ancestor; consumers attribute everything a tree
// does to it.  Events are queued out of the tracer thread and delivered on
// the consumer's own goroutine so heavy work never blocks traced threads.
type FileEvent struct {
	Kind    EventKind
	RootPid int
	Pid     int
	Path    string
	Dest    string //rename destination
	Flags   int    //open flags
	Stat    *unix.Stat_t
	When    time.Time
}
