// Package ring implements the fixed-size, time-stamped append-only
// buffer shared by the console and log helpers (and by the engine's
// own diagnostic log).
package ring

import (
	"container/ring"
	"sync"
	"time"
)

// entry is the zero value for a slot that has never been written.
// Its Time is the zero time, which sorts before any real timestamp,
// so an untouched slot never satisfies a since-t query.
type entry struct {
	when time.Time
	line string
}

// Ring is a fixed-slot circular buffer of (timestamp, payload) pairs.
// Append overwrites the oldest slot once the buffer is full.
//
// size is kept alongside the container/ring.Ring: slot arithmetic is
// always modulo the configured size, not modulo whatever
// container/ring reports for
// the underlying ring's length. The two agree for every Ring built
// through NewRing, but keeping size explicit documents the invariant
// at the one place (Since) that would silently do the wrong thing if
// the two ever diverged, e.g. after a future change shares a ring's
// storage between buffers of different nominal sizes.
type Ring struct {
	size int

	mu  sync.Mutex
	cur *ring.Ring // points at the most recently written slot
}

// New returns a Ring that holds at most size entries.
func New(size int) *Ring {
	if size <= 0 {
		size = 1024
	}
	r := ring.New(size)
	for i := 0; i < size; i++ {
		r.Value = entry{}
		r = r.Next()
	}
	return &Ring{size: size, cur: r}
}

// Append records payload as having occurred at when, overwriting the
// oldest entry if the ring is full.
func (b *Ring) Append(when time.Time, payload string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cur = b.cur.Next()
	b.cur.Value = entry{when: when, line: payload}
}

// Since returns every entry strictly newer than t, oldest first. The
// walk runs backward from the most recently written slot and stops
// after size steps, so at most size entries are ever returned and no
// slot is read twice.
func (b *Ring) Since(t time.Time) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var rev []string

	p := b.cur
	for i := 0; i < b.size; i++ {
		e, _ := p.Value.(entry)
		if e.line == "" && e.when.IsZero() {
			break // uninitialized slot: nothing older was ever written
		}
		if !e.when.After(t) {
			break
		}
		rev = append(rev, e.line)
		p = p.Prev()
	}

	// rev is newest-first; callers want ascending timestamp order.
	out := make([]string, len(rev))
	for i, v := range rev {
		out[len(rev)-1-i] = v
	}
	return out
}
