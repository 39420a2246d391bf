// Package reclaim implements the epoch/watermark tracker that lets Free
// hand a segment back to the Go allocator only once no in-flight
// transaction could still dereference it through a stale read. TL2 as
// specified defers all deallocation to region destruction; this package is
// the quiescence scheme the spec's design notes call out as the missing
// piece of a production implementation.
//
// The shape of the tracker — a min-heap of active timestamps, a low
// watermark recalculated on every begin/done event, and an actor goroutine
// serializing access over a channel — mirrors the commit-visibility
// watermark used elsewhere in this codebase for tracking in-flight
// transactions; here it tracks read versions instead of commit versions.
package reclaim

import (
	"container/heap"
	"sync/atomic"
)

type eventKind int

const (
	beginEvent eventKind = iota
	doneEvent
	releaseEvent
)

type event struct {
	kind eventKind
	rv   uint64
	seg  pendingSegment
}

type pendingSegment struct {
	wv      uint64
	release func()
}

// rvHeap is a min-heap of active read versions, one entry per distinct rv
// with at least one live transaction.
type rvHeap []uint64

func (h rvHeap) Len() int            { return len(h) }
func (h rvHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h rvHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *rvHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *rvHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Tracker records every in-flight transaction's read version and releases
// freed segments once the low watermark has advanced past the write
// version at which they were unlinked.
type Tracker struct {
	eventCh chan event
	stopCh  chan struct{}

	heap        rvHeap
	activeCount map[uint64]int
	pending     []pendingSegment
	watermark   atomic.Uint64
}

// New starts a Tracker's background actor and returns it.
func New() *Tracker {
	t := &Tracker{
		eventCh:     make(chan event),
		stopCh:      make(chan struct{}),
		activeCount: make(map[uint64]int),
	}
	heap.Init(&t.heap)
	go t.run()
	return t
}

// Begin registers a transaction's read version as active.
func (t *Tracker) Begin(rv uint64) {
	t.eventCh <- event{kind: beginEvent, rv: rv}
}

// Done retires a transaction's read version.
func (t *Tracker) Done(rv uint64) {
	t.eventCh <- event{kind: doneEvent, rv: rv}
}

// ScheduleRelease hands release to the tracker to be invoked once no
// active transaction's rv could still be at or before wv, the write
// version at which the segment was unlinked from the region.
func (t *Tracker) ScheduleRelease(wv uint64, release func()) {
	t.eventCh <- event{kind: releaseEvent, seg: pendingSegment{wv: wv, release: release}}
}

// Watermark returns the last computed low watermark: every active
// transaction's rv is >= this value.
func (t *Tracker) Watermark() uint64 {
	return t.watermark.Load()
}

// Stop halts the tracker's actor goroutine. Any segments still pending
// release at that point are released immediately.
func (t *Tracker) Stop() {
	close(t.stopCh)
}

func (t *Tracker) run() {
	for {
		select {
		case e := <-t.eventCh:
			switch e.kind {
			case beginEvent:
				t.addBegin(e.rv)
			case doneEvent:
				t.addDone(e.rv)
				t.recalculate()
				t.drainPending()
			case releaseEvent:
				t.pending = append(t.pending, e.seg)
				t.recalculate()
				t.drainPending()
			}
		case <-t.stopCh:
			for _, p := range t.pending {
				p.release()
			}
			t.pending = nil
			return
		}
	}
}

func (t *Tracker) addBegin(rv uint64) {
	if _, ok := t.activeCount[rv]; !ok {
		heap.Push(&t.heap, rv)
	}
	t.activeCount[rv]++
}

func (t *Tracker) addDone(rv uint64) {
	if _, ok := t.activeCount[rv]; !ok {
		heap.Push(&t.heap, rv)
	}
	t.activeCount[rv]--
}

func (t *Tracker) recalculate() {
	for len(t.heap) > 0 {
		lowest := t.heap[0]
		if t.activeCount[lowest] > 0 {
			break
		}
		heap.Pop(&t.heap)
		delete(t.activeCount, lowest)
		t.watermark.Store(lowest)
	}
}

// releasable reports whether a segment freed at write version wv can
// safely be released right now: every still-active read version must be
// strictly greater than wv, since a reader at rv == wv could still be
// mid-flight against it. This is checked against the live heap directly
// rather than against watermark, which only ever advances when an entry
// is fully retired and so would otherwise stay pinned at a stale (or
// zero) value whenever the heap empties out without anything left to pop
// -- exactly the case of "no transaction has ever begun" or "the last
// active transaction at the lowest rv already retired in an earlier
// round" -- wrongly blocking a release that is in fact safe.
func (t *Tracker) releasable(wv uint64) bool {
	if len(t.heap) == 0 {
		return true
	}
	return wv < t.heap[0]
}

func (t *Tracker) drainPending() {
	remaining := t.pending[:0]
	for _, p := range t.pending {
		if t.releasable(p.wv) {
			p.release()
		} else {
			remaining = append(remaining, p)
		}
	}
	t.pending = remaining
}
