package discovery

import (
	"testing"
	"time"

	"github.com/openlumen/sacn/cid"
	"github.com/openlumen/sacn/wire"
)

type recorder struct {
	lists   []UniverseListNotification
	expired []cid.Handle
}

func (r *recorder) UniverseList(n UniverseListNotification) { r.lists = append(r.lists, n) }
func (r *recorder) SourceExpired(h cid.Handle)              { r.expired = append(r.expired, h) }

func mkCID(b byte) cid.CID {
	var c cid.CID
	c[0] = b
	return c
}

func TestReassemblesPagedAdvertisement(t *testing.T) {
	reg := cid.NewRegistry()
	rec := &recorder{}
	d, err := New(reg, 800*time.Millisecond, rec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c := mkCID(1)

	if err := d.Dispatch(c, &wire.DiscoveryPage{Page: 0, LastPage: 1, Universes: []uint16{1, 2}}); err != nil {
		t.Fatalf("Dispatch page 0: %v", err)
	}
	if len(rec.lists) != 0 {
		t.Fatalf("expected no notification before the last page arrives")
	}
	if err := d.Dispatch(c, &wire.DiscoveryPage{Page: 1, LastPage: 1, Universes: []uint16{5, 3}}); err != nil {
		t.Fatalf("Dispatch page 1: %v", err)
	}
	if len(rec.lists) != 1 {
		t.Fatalf("expected one notification once reassembly completes, got %d", len(rec.lists))
	}
	want := []uint16{1, 2, 3, 5}
	got := rec.lists[0].Universes
	if len(got) != len(want) {
		t.Fatalf("Universes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Universes = %v, want %v", got, want)
		}
	}
}

func TestLowerLastPageRestartsReassembly(t *testing.T) {
	reg := cid.NewRegistry()
	rec := &recorder{}
	d, _ := New(reg, 800*time.Millisecond, rec)
	c := mkCID(1)

	d.Dispatch(c, &wire.DiscoveryPage{Page: 0, LastPage: 2, Universes: []uint16{1}})
	d.Dispatch(c, &wire.DiscoveryPage{Page: 1, LastPage: 2, Universes: []uint16{2}})
	// source restarted enumeration with fewer pages before page 2 arrived
	d.Dispatch(c, &wire.DiscoveryPage{Page: 0, LastPage: 0, Universes: []uint16{9}})

	if len(rec.lists) != 1 {
		t.Fatalf("expected exactly one notification (from the restarted single-page round), got %d", len(rec.lists))
	}
	if len(rec.lists[0].Universes) != 1 || rec.lists[0].Universes[0] != 9 {
		t.Fatalf("Universes = %v, want [9]", rec.lists[0].Universes)
	}
}

func TestSourceExpiresAfterTwoKeepAliveIntervals(t *testing.T) {
	reg := cid.NewRegistry()
	rec := &recorder{}
	d, _ := New(reg, 10*time.Millisecond, rec)
	c := mkCID(1)

	fixed := time.Unix(0, 0)
	d.now = func() time.Time { return fixed }
	d.Dispatch(c, &wire.DiscoveryPage{Page: 0, LastPage: 0, Universes: []uint16{1}})

	d.Tick()
	if len(rec.expired) != 0 {
		t.Fatalf("expected no expiration immediately after the page arrived")
	}

	fixed = fixed.Add(21 * time.Millisecond) // just past 2*10ms
	d.Tick()
	if len(rec.expired) != 1 {
		t.Fatalf("expected one SourceExpired notification, got %d", len(rec.expired))
	}
	if d.Tracked() != 0 {
		t.Fatalf("expected the expired source to be dropped, %d still tracked", d.Tracked())
	}
}
