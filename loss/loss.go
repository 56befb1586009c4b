// Package loss implements the source-loss tracker: a set of termination
// sets, each with its own grace timer, that groups simultaneous source
// losses into one coordinated notification instead of a spray of
// individual ones.
package loss

import (
	"time"

	"github.com/openlumen/sacn/cid"
)

// DefaultGraceTimer is the grace period a new termination set runs before
// its membership is reported lost.
const DefaultGraceTimer = 1 * time.Second

// member is one source inside a termination set.
type member struct {
	handle     cid.Handle
	terminated bool // true iff marked offline by the Stream-Terminated option bit, not by timeout
}

// set is one termination set: a group of sources whose loss will be
// reported together once the grace timer expires.
type set struct {
	members map[cid.Handle]*member
	expiry  time.Time
}

func (s *set) expired(now time.Time) bool { return !now.Before(s.expiry) }

// LostEvent is the per-source membership of one expired termination set.
type LostEvent struct {
	Handle     cid.Handle
	Terminated bool
}

// Tracker maintains the termination sets for one receiver. Not
// goroutine-safe; callers serialize access under the coarse lock.
type Tracker struct {
	graceTimer time.Duration
	sets       []*set
	now        func() time.Time
}

func New(graceTimer time.Duration) *Tracker {
	if graceTimer <= 0 {
		graceTimer = DefaultGraceTimer
	}
	return &Tracker{graceTimer: graceTimer, now: time.Now}
}

// MarkOffline adds sources to a termination set: if an open (non-expiring-
// this-instant) set already exists, the sources join it; otherwise a new
// set is created with a fresh grace timer. Sets whose membership overlaps
// (share a handle with a to-be-created singleton) are merged.
func (t *Tracker) MarkOffline(handles []cid.Handle, terminated []bool) {
	if len(handles) == 0 {
		return
	}

	now := t.now()
	target := t.openSet(now)
	if target == nil {
		target = &set{members: make(map[cid.Handle]*member), expiry: now.Add(t.graceTimer)}
		t.sets = append(t.sets, target)
	}

	for i, h := range handles {
		term := false
		if i < len(terminated) {
			term = terminated[i]
		}
		if existing, ok := target.members[h]; ok {
			if term {
				existing.terminated = true
			}
			continue
		}
		t.absorbFromOtherSets(target, h)
		target.members[h] = &member{handle: h, terminated: term}
	}
}

// absorbFromOtherSets merges any other set containing h into target,
// mirroring the reference tracker's overlap-merge rule.
func (t *Tracker) absorbFromOtherSets(target *set, h cid.Handle) {
	kept := t.sets[:0]
	for _, s := range t.sets {
		if s == target {
			kept = append(kept, s)
			continue
		}
		if _, ok := s.members[h]; ok {
			for hh, mm := range s.members {
				if _, exists := target.members[hh]; !exists {
					target.members[hh] = mm
				}
			}
			continue // drop the absorbed set; its members now live in target
		}
		kept = append(kept, s)
	}
	t.sets = kept
}

// openSet returns a set whose grace timer has not yet elapsed, if any.
func (t *Tracker) openSet(now time.Time) *set {
	for _, s := range t.sets {
		if !s.expired(now) {
			return s
		}
	}
	return nil
}

// MarkOnline removes handles from every termination set, freeing any set
// that becomes empty as a result. A source that comes back online before
// its set's grace timer expires is never reported lost.
func (t *Tracker) MarkOnline(handles []cid.Handle) {
	if len(handles) == 0 || len(t.sets) == 0 {
		return
	}
	kept := t.sets[:0]
	for _, s := range t.sets {
		for _, h := range handles {
			delete(s.members, h)
		}
		if len(s.members) > 0 {
			kept = append(kept, s)
		}
	}
	t.sets = kept
}

// Tick checks every set's grace timer and returns one LostEvent slice per
// set whose timer has just expired, removing those sets from the tracker.
func (t *Tracker) Tick() [][]LostEvent {
	if len(t.sets) == 0 {
		return nil
	}
	now := t.now()
	var out [][]LostEvent
	kept := t.sets[:0]
	for _, s := range t.sets {
		if s.expired(now) {
			ev := make([]LostEvent, 0, len(s.members))
			for _, m := range s.members {
				ev = append(ev, LostEvent{Handle: m.handle, Terminated: m.terminated})
			}
			out = append(out, ev)
			continue
		}
		kept = append(kept, s)
	}
	t.sets = kept
	return out
}

// Pending reports the number of sources currently inside open termination
// sets, for diagnostics.
func (t *Tracker) Pending() int {
	n := 0
	for _, s := range t.sets {
		n += len(s.members)
	}
	return n
}
