// Package queue implements the bounded FIFO of pending PublishRequests that
// the engine hands out to whichever subscription next needs one.
package queue

import (
	"time"

	"github.com/gopcua/opcua/ua"
)

// Entry is one pending PublishRequest together with the bookkeeping the
// engine needs to expire or displace it. Deliver is called exactly once,
// with either resp or fault set, to hand the eventual outcome back to the
// transport that submitted the request.
type Entry struct {
	Request     *ua.PublishRequest
	ArrivalTime time.Time
	TimeoutHint time.Duration
	Deliver     func(resp *ua.PublishResponse, fault *ua.ServiceFault)
}

// RequestHandle returns the request's handle, or 0 if the request carries no
// header (should not happen on the wire, but keeps callers simple).
func (e *Entry) RequestHandle() uint32 {
	if e.Request == nil || e.Request.RequestHeader == nil {
		return 0
	}
	return e.Request.RequestHeader.RequestHandle
}

// Expired reports whether the entry's timeout hint has elapsed as of now.
// A zero TimeoutHint never expires.
func (e *Entry) Expired(now time.Time) bool {
	if e.TimeoutHint <= 0 {
		return false
	}
	return now.Sub(e.ArrivalTime) >= e.TimeoutHint
}

// Queue is a bounded FIFO. It is not safe for concurrent use; the publish
// engine owns it exclusively from its single run loop.
type Queue struct {
	entries []*Entry
	max     int
}

// New creates a Queue bounded at max entries. max must be positive.
func New(max int) *Queue {
	return &Queue{max: max}
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	return len(q.entries)
}

// Full reports whether the queue is at capacity.
func (q *Queue) Full() bool {
	return len(q.entries) >= q.max
}

// Push appends an entry at the back of the queue without any capacity check.
// Callers must evict via PopOldest first when Full().
func (q *Queue) Push(e *Entry) {
	q.entries = append(q.entries, e)
}

// PopOldest removes and returns the front (oldest) entry, if any.
func (q *Queue) PopOldest() (*Entry, bool) {
	if len(q.entries) == 0 {
		return nil, false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e, true
}

// PopExpired removes and returns every entry whose timeout hint has elapsed
// as of now, preserving arrival order, leaving the rest of the queue intact.
func (q *Queue) PopExpired(now time.Time) []*Entry {
	if len(q.entries) == 0 {
		return nil
	}
	var expired []*Entry
	kept := q.entries[:0:0]
	for _, e := range q.entries {
		if e.Expired(now) {
			expired = append(expired, e)
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return expired
}
