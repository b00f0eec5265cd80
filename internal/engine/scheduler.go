package engine

import (
	"container/heap"
	"time"
)

// tickEntry is one subscription's next scheduled tick, ordered in a
// min-heap by nextTick so the engine never runs one OS timer per
// subscription (spec design note: a single cooperative scheduler instead).
type tickEntry struct {
	subscriptionID uint32
	nextTick       time.Time
	interval       time.Duration
	index          int // heap.Interface bookkeeping
}

type tickHeap []*tickEntry

func (h tickHeap) Len() int { return len(h) }

func (h tickHeap) Less(i, j int) bool { return h[i].nextTick.Before(h[j].nextTick) }

func (h tickHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *tickHeap) Push(x interface{}) {
	e := x.(*tickEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *tickHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// scheduler tracks the next-tick time for every live subscription in a
// min-heap keyed by nextTick, re-inserting each entry as it fires.
type scheduler struct {
	heap    tickHeap
	entries map[uint32]*tickEntry
}

func newScheduler() *scheduler {
	return &scheduler{entries: make(map[uint32]*tickEntry)}
}

// Register installs (or replaces) a recurring tick for id at interval,
// aligned to registerTime.
func (s *scheduler) Register(id uint32, interval time.Duration, registerTime time.Time) {
	s.Unregister(id)
	e := &tickEntry{subscriptionID: id, interval: interval, nextTick: registerTime.Add(interval)}
	s.entries[id] = e
	heap.Push(&s.heap, e)
}

// Unregister cancels id's schedule, if any.
func (s *scheduler) Unregister(id uint32) {
	e, ok := s.entries[id]
	if !ok {
		return
	}
	if e.index >= 0 && e.index < len(s.heap) {
		heap.Remove(&s.heap, e.index)
	}
	delete(s.entries, id)
}

// DueBefore pops every subscription id whose nextTick is at or before now,
// re-scheduling each for its next interval.
func (s *scheduler) DueBefore(now time.Time) []uint32 {
	var due []uint32
	for s.heap.Len() > 0 && !s.heap[0].nextTick.After(now) {
		e := heap.Pop(&s.heap).(*tickEntry)
		due = append(due, e.subscriptionID)
		e.nextTick = e.nextTick.Add(e.interval)
		heap.Push(&s.heap, e)
	}
	return due
}

// Len reports how many subscriptions are currently scheduled.
func (s *scheduler) Len() int { return len(s.entries) }
