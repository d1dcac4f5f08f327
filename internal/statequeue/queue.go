// Package statequeue implements the sequence-numbered history of states one side of a session
// has held.
package statequeue

import (
	"errors"

	"github.com/chronostruct/wmosh/internal/state"
)

// ErrPruned is returned by Get when the requested sequence number has already been dropped.
var ErrPruned = errors.New("statequeue: sequence number has been pruned")

// Entry is one (num, timestamp, state) record.
type Entry struct {
	Num       uint64
	Timestamp int64 // Unix milliseconds (local clock) at creation
	State     state.Bytes
}

// Queue holds an ordered set of Entries keyed by strictly increasing sequence numbers.
//
// A side that generates its own states (the local input queue) numbers them densely via
// NewState. A side that only ever records states another peer assigned (the remote/received
// queue) may see gaps -- a run of lost datagrams can make the remote queue jump from num=k
// straight to num=k+6, with nothing stored in between -- so AppendAt accepts an explicit,
// peer-assigned Num instead of generating one.
type Queue struct {
	order   []uint64 // Nums in ascending order
	entries map[uint64]Entry
	nextNum uint64 // next Num NewState will assign
}

// New constructs a Queue seeded with the canonical initial state at num 0.
func New(now int64) *Queue {
	q := &Queue{entries: make(map[uint64]Entry)}
	q.appendLocked(Entry{Num: 0, Timestamp: now, State: state.Initial()})
	q.nextNum = 1
	return q
}

func (q *Queue) appendLocked(e Entry) {
	q.order = append(q.order, e.Num)
	q.entries[e.Num] = e
}

// NewState appends s as the next densely-numbered sequence number, unless s is identical to the
// current tail, in which case the append is coalesced away. Returns the resulting tail entry's
// Num either way. Used by the local (self-generated) queue only.
func (q *Queue) NewState(now int64, s state.Bytes) uint64 {
	tail := q.Latest()
	if tail.State.Equal(s) {
		return tail.Num
	}
	num := q.nextNum
	q.nextNum++
	q.appendLocked(Entry{Num: num, Timestamp: now, State: s})
	return num
}

// AppendAt records s at an explicit, peer-assigned sequence number num, which must be strictly
// greater than the current tail's Num. Used by the remote (received) queue, whose numbering is
// controlled by the peer rather than generated locally.
func (q *Queue) AppendAt(num uint64, now int64, s state.Bytes) {
	q.appendLocked(Entry{Num: num, Timestamp: now, State: s})
	if num+1 > q.nextNum {
		q.nextNum = num + 1
	}
}

// Latest returns the most recent entry.
func (q *Queue) Latest() Entry {
	return q.entries[q.order[len(q.order)-1]]
}

// Get looks up the entry at num, or ErrPruned if it has already been dropped or was never held.
func (q *Queue) Get(num uint64) (Entry, error) {
	e, ok := q.entries[num]
	if !ok {
		return Entry{}, ErrPruned
	}
	return e, nil
}

// Oldest returns the oldest entry still retained.
func (q *Queue) Oldest() Entry {
	return q.entries[q.order[0]]
}

// Prune drops all entries with Num < floor, where floor = min(throwawayNum+1, lastAckedNum),
// always keeping at least the last-acknowledged entry as a diff basis.
func (q *Queue) Prune(throwawayNum, lastAckedNum uint64) {
	floor := throwawayNum + 1
	if lastAckedNum < floor {
		floor = lastAckedNum
	}
	keep := q.order[:0:0]
	for _, n := range q.order {
		if n >= floor {
			keep = append(keep, n)
		} else {
			delete(q.entries, n)
		}
	}
	q.order = keep
}

// Len reports the number of retained entries.
func (q *Queue) Len() int { return len(q.order) }
