// Package queue implements per-model admission queues with a priority class
// that is always served before the normal class.
package queue

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// Ticket identifies one request in a queue. Non-positive tickets belong to
// the priority class, positive tickets to the normal class.
type Ticket int64

// Priority reports whether the ticket belongs to the priority class.
func (t Ticket) Priority() bool { return t <= 0 }

// ErrTicketDeleted is returned by AwaitAdmission when the ticket was removed
// from the queue before it could be admitted.
var ErrTicketDeleted = errors.New("queue ticket deleted")

// Queue is the admission queue of a single model. All methods are safe for
// concurrent use.
type Queue struct {
	name string

	mu            sync.Mutex
	maxConcurrent int
	// waiting lists keep service order: prio holds 0, -1, -2 ... and normal
	// holds 1, 2, 3 ... Counters only grow while a class has live tickets, so
	// appending keeps both lists sorted.
	prio       []Ticket
	normal     []Ticket
	processing map[Ticket]struct{}
	nextPrio   int64
	nextNormal int64

	tps *float64
	fts *float64

	// changed is closed and replaced on every state change.
	changed chan struct{}
}

// New creates a queue. maxConcurrent below 1 is treated as 1.
func New(name string, maxConcurrent int) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Queue{
		name:          name,
		maxConcurrent: maxConcurrent,
		processing:    make(map[Ticket]struct{}),
		changed:       make(chan struct{}),
	}
}

// Name returns the model name the queue belongs to.
func (q *Queue) Name() string { return q.name }

// SetMaxConcurrent updates the capacity. Tickets already processing are not
// evicted when the capacity shrinks.
func (q *Queue) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	q.maxConcurrent = n
	q.admitLocked()
	q.mu.Unlock()
}

// CreateTicket allocates the next ticket of the requested class and puts it
// in the waiting set.
func (q *Queue) CreateTicket(priority bool) Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()
	var t Ticket
	if priority {
		t = Ticket(-q.nextPrio)
		q.nextPrio++
		q.prio = append(q.prio, t)
	} else {
		q.nextNormal++
		t = Ticket(q.nextNormal)
		q.normal = append(q.normal, t)
	}
	q.publishLocked()
	return t
}

// Delete removes the ticket from every state. Unknown tickets are ignored.
func (q *Queue) Delete(t Ticket) {
	q.mu.Lock()
	defer q.mu.Unlock()
	found := false
	if _, ok := q.processing[t]; ok {
		delete(q.processing, t)
		found = true
	}
	if t.Priority() {
		q.prio, found = removeTicket(q.prio, t, found)
	} else {
		q.normal, found = removeTicket(q.normal, t, found)
	}
	if !found {
		return
	}
	q.resetCountersLocked()
	q.admitLocked()
	q.publishLocked()
}

// Admit promotes waiting tickets while capacity allows.
func (q *Queue) Admit() {
	q.mu.Lock()
	q.admitLocked()
	q.mu.Unlock()
}

// AwaitAdmission blocks until the ticket is processing, the ticket is
// deleted, or ctx is done.
func (q *Queue) AwaitAdmission(ctx context.Context, t Ticket) error {
	for {
		q.mu.Lock()
		q.admitLocked()
		if _, ok := q.processing[t]; ok {
			q.mu.Unlock()
			return nil
		}
		if !q.waitingLocked(t) {
			q.mu.Unlock()
			return ErrTicketDeleted
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// UsersAhead returns 0 for a processing ticket, -1 for an unknown ticket and
// otherwise the number of waiting tickets that will be admitted first.
func (q *Queue) UsersAhead(t Ticket) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.processing[t]; ok {
		return 0
	}
	if t.Priority() {
		for i, w := range q.prio {
			if w == t {
				return i
			}
		}
		return -1
	}
	for i, w := range q.normal {
		if w == t {
			return len(q.prio) + i
		}
	}
	return -1
}

// Processing reports whether the ticket is currently admitted.
func (q *Queue) Processing(t Ticket) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.processing[t]
	return ok
}

// ObserveFirstToken folds a time-to-first-event sample into the latency EMA.
func (q *Queue) ObserveFirstToken(d time.Duration) {
	sample := d.Seconds()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fts != nil {
		sample = (*q.fts + sample) / 2
	}
	v := round3(sample)
	q.fts = &v
}

// ObserveInterval folds a turn's averaged inter-event interval (seconds) into
// the throughput EMA. Non-positive intervals are ignored.
func (q *Queue) ObserveInterval(interval float64) {
	if interval <= 0 || math.IsNaN(interval) || math.IsInf(interval, 0) {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tps != nil && *q.tps > 0 {
		prev := *q.tps
		interval = (1/prev + interval) / 2
	}
	v := round3(1 / interval)
	q.tps = &v
}

// Stats is a point-in-time view of a queue.
type Stats struct {
	Waiting           int
	Processing        int
	MaxConcurrent     int
	TokensPerSecond   *float64
	FirstTokenSeconds *float64
}

// Stats returns a snapshot of the queue state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Waiting:           len(q.prio) + len(q.normal),
		Processing:        len(q.processing),
		MaxConcurrent:     q.maxConcurrent,
		TokensPerSecond:   copyFloat(q.tps),
		FirstTokenSeconds: copyFloat(q.fts),
	}
}

func (q *Queue) admitLocked() {
	promoted := false
	for len(q.processing) < q.maxConcurrent {
		var t Ticket
		switch {
		case len(q.prio) > 0:
			t, q.prio = q.prio[0], q.prio[1:]
		case len(q.normal) > 0:
			t, q.normal = q.normal[0], q.normal[1:]
		default:
			if promoted {
				q.publishLocked()
			}
			return
		}
		q.processing[t] = struct{}{}
		promoted = true
	}
	if promoted {
		q.publishLocked()
	}
}

func (q *Queue) waitingLocked(t Ticket) bool {
	list := q.normal
	if t.Priority() {
		list = q.prio
	}
	for _, w := range list {
		if w == t {
			return true
		}
	}
	return false
}

// resetCountersLocked restarts a class counter once the class has no live
// tickets, bounding ticket magnitudes under sustained load.
func (q *Queue) resetCountersLocked() {
	livePrio, liveNormal := len(q.prio) > 0, len(q.normal) > 0
	for t := range q.processing {
		if t.Priority() {
			livePrio = true
		} else {
			liveNormal = true
		}
	}
	if !livePrio {
		q.nextPrio = 0
	}
	if !liveNormal {
		q.nextNormal = 0
	}
}

func (q *Queue) publishLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
	observeQueue(q.name, len(q.prio)+len(q.normal), len(q.processing))
}

func removeTicket(list []Ticket, t Ticket, found bool) ([]Ticket, bool) {
	for i, w := range list {
		if w == t {
			return append(list[:i], list[i+1:]...), true
		}
	}
	return list, found
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
