package loss

import (
	"testing"
	"time"

	"github.com/openlumen/sacn/cid"
)

// fakeClock lets tests advance Tracker's notion of "now" deterministically,
// the way the teacher's stats package tests fake its own tick source.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time  { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestTracker(grace time.Duration) (*Tracker, *fakeClock) {
	fc := &fakeClock{t: time.Unix(0, 0)}
	tr := New(grace)
	tr.now = fc.now
	return tr, fc
}

func TestGroupedLossReportsBothMembersTogether(t *testing.T) {
	// spec.md §8 scenario 5: two sources go silent within 10ms of each
	// other; expect exactly one sources-lost event, 1s later, containing
	// both.
	tr, fc := newTestTracker(1 * time.Second)
	a, b := cid.Handle(1), cid.Handle(2)

	tr.MarkOffline([]cid.Handle{a}, []bool{false})
	fc.advance(10 * time.Millisecond)
	tr.MarkOffline([]cid.Handle{b}, []bool{false})

	fc.advance(980 * time.Millisecond) // total elapsed since a: 990ms
	if groups := tr.Tick(); len(groups) != 0 {
		t.Fatalf("expected no expiry yet, got %v", groups)
	}

	fc.advance(20 * time.Millisecond)
	groups := tr.Tick()
	if len(groups) != 1 {
		t.Fatalf("expected exactly one lost-event group, got %d", len(groups))
	}
	if len(groups[0]) != 2 {
		t.Fatalf("expected both sources in the one group, got %d members", len(groups[0]))
	}
}

func TestMarkOnlineBeforeGraceExpiryCancelsLoss(t *testing.T) {
	tr, fc := newTestTracker(1 * time.Second)
	h := cid.Handle(1)
	tr.MarkOffline([]cid.Handle{h}, []bool{false})
	fc.advance(500 * time.Millisecond)
	tr.MarkOnline([]cid.Handle{h})

	fc.advance(600 * time.Millisecond)
	if groups := tr.Tick(); len(groups) != 0 {
		t.Fatalf("expected no lost event for a source that came back online, got %v", groups)
	}
	if tr.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", tr.Pending())
	}
}

func TestTerminatedFlagIsPreservedPerMember(t *testing.T) {
	tr, fc := newTestTracker(1 * time.Second)
	a, b := cid.Handle(1), cid.Handle(2)
	tr.MarkOffline([]cid.Handle{a, b}, []bool{true, false})

	fc.advance(1 * time.Second)
	groups := tr.Tick()
	if len(groups) != 1 || len(groups[0]) != 2 {
		t.Fatalf("expected one group of two, got %v", groups)
	}
	seen := make(map[cid.Handle]bool)
	for _, ev := range groups[0] {
		seen[ev.Handle] = ev.Terminated
	}
	if !seen[a] {
		t.Errorf("source a should be marked Terminated")
	}
	if seen[b] {
		t.Errorf("source b should not be marked Terminated")
	}
}

func TestNonOverlappingLossesOpenSeparateSets(t *testing.T) {
	tr, fc := newTestTracker(1 * time.Second)
	a, b := cid.Handle(1), cid.Handle(2)

	tr.MarkOffline([]cid.Handle{a}, []bool{false})
	fc.advance(1100 * time.Millisecond) // a's set has already expired
	tr.MarkOffline([]cid.Handle{b}, []bool{false})

	groups := tr.Tick() // a's set is due; b's set just opened
	if len(groups) != 1 || len(groups[0]) != 1 || groups[0][0].Handle != a {
		t.Fatalf("expected only a's group to have expired, got %v", groups)
	}

	fc.advance(1 * time.Second)
	groups = tr.Tick()
	if len(groups) != 1 || len(groups[0]) != 1 || groups[0][0].Handle != b {
		t.Fatalf("expected only b's group to have expired, got %v", groups)
	}
}
