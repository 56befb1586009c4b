package socket

import (
	"net"
	"testing"

	"github.com/openlumen/sacn/config"
)

func TestMulticast4Address(t *testing.T) {
	cases := []struct {
		universe uint16
		want     string
	}{
		{1, "239.255.0.1"},
		{63999, "239.255.249.255"},
		{256, "239.255.1.0"},
	}
	for _, tc := range cases {
		got := Multicast4(tc.universe).String()
		if got != tc.want {
			t.Errorf("Multicast4(%d) = %s, want %s", tc.universe, got, tc.want)
		}
	}
}

func TestMulticast6Address(t *testing.T) {
	got := Multicast6(1)
	want := net.ParseIP("ff18::8300:1")
	if !got.Equal(want) {
		t.Errorf("Multicast6(1) = %s, want %s", got, want)
	}
}

func TestMulticast4IsDistinctPerUniverse(t *testing.T) {
	a := Multicast4(1)
	b := Multicast4(2)
	if a.Equal(b) {
		t.Errorf("distinct universes must map to distinct IPv4 groups")
	}
}

// TestJoinOnNonexistentInterfaceFailsAllFamilies exercises spec.md §4.6's
// no-netints failure path: a pool bound only to an interface that cannot
// actually receive multicast must fail ApplyPending for a new universe.
func TestJoinOnNonexistentInterfaceFailsAllFamilies(t *testing.T) {
	fake := net.Interface{Index: 99999, Name: "sacn-test-nonexistent0", Flags: net.FlagUp | net.FlagMulticast}
	p, err := New(config.Default(), []net.Interface{fake})
	if err != nil {
		t.Skip("environment could not open a test socket at all:", err)
	}
	defer p.Close()

	p.Join(1)
	if err := p.ApplyPending(); err == nil {
		t.Errorf("expected ApplyPending to fail joining universe 1 on a nonexistent interface")
	}
}
