/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ptracer

import (
	"golang.org/x/time/rate"
)

// Load shedding: each thread and the tracer as a whole account stop events
// in per second ring buckets.  When the aggregate rate blows the budget, a
// thread hogging more than its share while producing nothing interesting
// is suspended and detached at its next stop.
const (
	shedRateTarget = 3000 //stops per second across all traced threads
	shedShare      = 0.20 //a single thread's tolerated fraction
	ringBuckets    = 8
)

type loadRing struct {
	buckets [ringBuckets]int64
	sec     int64
}

// note accounts one event in the bucket for the given unix second.
func (r *loadRing) note(now int64) {
	if now != r.sec {
		// zero the buckets we skipped over
		gap := now - r.sec
		if gap > ringBuckets {
			gap = ringBuckets
		}
		for i := int64(1); i <= gap; i++ {
			r.buckets[(r.sec+i)%ringBuckets] = 0
		}
		r.sec = now
	}
	r.buckets[now%ringBuckets]++
}

// total sums the ring for events within the window ending at now.
func (r *loadRing) total(now int64) (n int64) {
	if now-r.sec >= ringBuckets {
		return 0
	}
	for i := int64(0); i < ringBuckets; i++ {
		s := now - i
		if s < 0 || r.sec-s >= ringBuckets || s > r.sec {
			continue
		}
		n += r.buckets[s%ringBuckets]
	}
	return
}

type shedder struct {
	ring loadRing
	lim  *rate.Limiter
}

func newShedder() *shedder {
	return &shedder{
		lim: rate.NewLimiter(rate.Limit(shedRateTarget), shedRateTarget),
	}
}

// note accounts one tracer stop and reports whether the aggregate rate is
// over budget.
func (s *shedder) note(now int64) bool {
	s.ring.note(now)
	return !s.lim.Allow()
}

// shouldSuspend decides whether a thread has earned suspension: the thread's
// share of the window is at or above the threshold and it has produced no
// interesting events.  The budget check is not made here; callers combine
// this with the result of note.
func (s *shedder) shouldSuspend(tcb *TCB, now int64) bool {
	agg := s.ring.total(now)
	if agg <= 0 {
		return false
	}
	mine := tcb.ring.total(now)
	if float64(mine) < shedShare*float64(agg) {
		return false
	}
	return tcb.interesting == 0
}
