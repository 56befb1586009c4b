package wire

import (
	"bytes"
	"testing"

	"github.com/openlumen/sacn/cid"
)

func mkCID(b byte) cid.CID {
	var c cid.CID
	for i := range c {
		c[i] = b
	}
	return c
}

func TestPackParseDataRoundTrip(t *testing.T) {
	slots := make([]byte, 512)
	for i := range slots {
		slots[i] = byte(i)
	}
	c := mkCID(0xAB)
	buf := make([]byte, PackedDataLen(len(slots)))
	n := PackData(buf, c, "console", 1, 100, 7, Options{Preview: true}, 0, StartCodeDMX, slots)
	if n != len(buf) {
		t.Fatalf("PackData wrote %d bytes, want %d", n, len(buf))
	}

	d, disc, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if disc != nil {
		t.Fatalf("expected a Data view, got a DiscoveryPage")
	}
	if d.Kind != KindData {
		t.Fatalf("Kind = %v, want KindData", d.Kind)
	}
	if d.CID != c {
		t.Fatalf("CID = %v, want %v", d.CID, c)
	}
	if d.SourceName != "console" {
		t.Fatalf("SourceName = %q, want %q", d.SourceName, "console")
	}
	if d.Universe != 1 {
		t.Fatalf("Universe = %d, want 1", d.Universe)
	}
	if d.Priority != 100 {
		t.Fatalf("Priority = %d, want 100", d.Priority)
	}
	if d.Sequence != 7 {
		t.Fatalf("Sequence = %d, want 7", d.Sequence)
	}
	if !d.Options.Preview || d.Options.Terminated || d.Options.ForceSync {
		t.Fatalf("Options = %+v, want only Preview set", d.Options)
	}
	if d.StartCode != StartCodeDMX {
		t.Fatalf("StartCode = %#x, want %#x", d.StartCode, StartCodeDMX)
	}
	if !bytes.Equal(d.Slots, slots) {
		t.Fatalf("Slots round-trip mismatch")
	}
}

func TestPackParseDiscoveryPageRoundTrip(t *testing.T) {
	c := mkCID(0x11)
	page := &DiscoveryPage{Page: 0, LastPage: 1, Universes: []uint16{1, 2, 3, 9999}}
	buf := make([]byte, PackedDiscoveryLen(len(page.Universes)))
	n := PackDiscoveryPage(buf, c, "console", page)
	if n != len(buf) {
		t.Fatalf("PackDiscoveryPage wrote %d bytes, want %d", n, len(buf))
	}

	d, disc, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d != nil {
		t.Fatalf("expected a DiscoveryPage, got a Data view")
	}
	if disc.CID != c {
		t.Fatalf("CID = %v, want %v", disc.CID, c)
	}
	if disc.Page != 0 || disc.LastPage != 1 {
		t.Fatalf("Page/LastPage = %d/%d, want 0/1", disc.Page, disc.LastPage)
	}
	if len(disc.Universes) != 4 || disc.Universes[3] != 9999 {
		t.Fatalf("Universes = %v, want [1 2 3 9999]", disc.Universes)
	}
}

func TestParseRejectsShortPacket(t *testing.T) {
	_, _, err := Parse(make([]byte, 4))
	if err == nil {
		t.Fatalf("expected an error for a too-short packet")
	}
	if _, ok := err.(*ErrMalformed); !ok {
		t.Fatalf("expected *ErrMalformed, got %T", err)
	}
}

func TestParseRejectsBadPreambleMagic(t *testing.T) {
	buf := make([]byte, PackedDataLen(1))
	PackData(buf, mkCID(1), "x", 1, 100, 0, Options{}, 0, StartCodeDMX, []byte{0})
	buf[4] ^= 0xFF // corrupt the ACN packet identifier
	if _, _, err := Parse(buf); err == nil {
		t.Fatalf("expected an error for a corrupted preamble")
	}
}

func TestParseRejectsUniverseOutOfRange(t *testing.T) {
	buf := make([]byte, PackedDataLen(1))
	PackData(buf, mkCID(1), "x", 64000, 100, 0, Options{}, 0, StartCodeDMX, []byte{0})
	if _, _, err := Parse(buf); err == nil {
		t.Fatalf("expected an error for universe 64000 (out of the 1..63999 range)")
	}
}

func TestParseRejectsZeroSlotCount(t *testing.T) {
	// DMP "count" field includes the start code byte, so n=0 slots means a
	// DMP count of 1 (start code only); a DMP count of 0 is what spec.md §8
	// calls out as rejected as invalid.
	buf := make([]byte, PackedDataLen(0))
	PackData(buf, mkCID(1), "x", 1, 100, 0, Options{}, 0, StartCodeDMX, nil)
	dmp := buf[preambleLen+22+77:]
	// zero out the DMP count field to simulate the rejected n=0 case
	dmp[8], dmp[9] = 0, 0
	if _, _, err := Parse(buf); err == nil {
		t.Fatalf("expected an error for a zero DMP count")
	}
}

func TestParseAcceptsFullFootprint(t *testing.T) {
	slots := make([]byte, MaxSlots)
	buf := make([]byte, PackedDataLen(len(slots)))
	PackData(buf, mkCID(1), "x", 1, 100, 0, Options{}, 0, StartCodeDMX, slots)
	d, _, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(d.Slots) != MaxSlots {
		t.Fatalf("Slots length = %d, want %d", len(d.Slots), MaxSlots)
	}
}
