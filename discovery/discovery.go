// Package discovery implements the universe-discovery source detector:
// the passive listener that reassembles paged universe-advertisement PDUs
// per source CID and reports sources that stop advertising, per
// SPEC_FULL.md §4.9 (ported from
// original_source/src/sacn/mem/source_detector/universe_discovery_source.c's
// per-source page/expiration-timer bookkeeping, a component the distilled
// spec names but never details).
package discovery

import (
	"sort"
	"time"

	"github.com/openlumen/sacn/apierr"
	"github.com/openlumen/sacn/cid"
	"github.com/openlumen/sacn/internal/xdebug"
	"github.com/openlumen/sacn/wire"
)

// expirationFactor mirrors the original's universe_discovery_source.c, which
// restarts each source's expiration timer at
// SACN_UNIVERSE_DISCOVERY_INTERVAL * 2: a source is expired after this many
// multiples of the configured keep-alive interval without a fresh page.
const expirationFactor = 2

// UniverseListNotification is delivered once a source's paged
// advertisement has been fully reassembled (page == last_page seen).
type UniverseListNotification struct {
	Handle    cid.Handle
	Universes []uint16 // sorted ascending, de-duplicated across pages
}

// Callbacks is the detector's application-facing capability interface.
type Callbacks interface {
	// UniverseList delivers a reassembled universe list for one source.
	UniverseList(n UniverseListNotification)
	// SourceExpired fires when a source stops sending discovery pages for
	// longer than 2 * keep-alive-interval.
	SourceExpired(h cid.Handle)
}

// reassembly is one source's in-progress page collection.
type reassembly struct {
	handle     cid.Handle
	lastPage   uint8
	haveLastPg bool
	pages      map[uint8][]uint16
	lastSeen   time.Time
}

// Detector listens for universe-discovery pages and reassembles them per
// source, independent of and not feeding the merger, per SPEC_FULL.md §4.9.
// Like Receiver, it is driven by a periodic Tick, but it takes no lock of
// its own, so callers serialize access to it; it owns no socket itself, by design, so it can share the same
// socket.Pool the raw/merge receivers use.
type Detector struct {
	cb                Callbacks
	registry          *cid.Registry
	keepAliveInterval time.Duration

	sources map[cid.Handle]*reassembly
	now     func() time.Time
}

// New creates a Detector. keepAliveInterval must be positive; it governs
// the expiration deadline (2x this interval).
func New(reg *cid.Registry, keepAliveInterval time.Duration, cb Callbacks) (*Detector, error) {
	if cb == nil {
		return nil, apierr.New(apierr.KindInvalid, "callbacks must not be nil")
	}
	if keepAliveInterval <= 0 {
		return nil, apierr.New(apierr.KindInvalid, "keep-alive interval must be positive")
	}
	return &Detector{
		cb:                cb,
		registry:          reg,
		keepAliveInterval: keepAliveInterval,
		sources:           make(map[cid.Handle]*reassembly),
		now:               time.Now,
	}, nil
}

// Dispatch processes one parsed universe-discovery page.
func (d *Detector) Dispatch(c cid.CID, page *wire.DiscoveryPage) error {
	h, err := d.registry.Acquire(c)
	if err != nil {
		return err
	}

	now := d.now()
	r, ok := d.sources[h]
	if !ok {
		r = &reassembly{handle: h, pages: make(map[uint8][]uint16)}
		d.sources[h] = r
	} else {
		d.registry.Release(h) // Dispatch's Acquire above added a redundant ref; drop it, the tracked entry already holds one
	}

	// A page with a lower last-page than previously observed means the
	// source restarted its own enumeration; discard any partial pages from
	// the prior round.
	if r.haveLastPg && page.LastPage < r.lastPage {
		r.pages = make(map[uint8][]uint16)
	}
	r.lastPage = page.LastPage
	r.haveLastPg = true
	r.lastSeen = now
	r.pages[page.Page] = page.Universes

	if page.Page != page.LastPage {
		return nil
	}

	// every page from 0..last_page must be present to reassemble
	for p := uint8(0); ; p++ {
		if _, ok := r.pages[p]; !ok {
			return nil
		}
		if p == page.LastPage {
			break
		}
	}

	seen := make(map[uint16]bool)
	var all []uint16
	for p := uint8(0); ; p++ {
		for _, u := range r.pages[p] {
			if !seen[u] {
				seen[u] = true
				all = append(all, u)
			}
		}
		if p == page.LastPage {
			break
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	d.cb.UniverseList(UniverseListNotification{Handle: h, Universes: all})
	return nil
}

// Tick expires sources that have gone silent for longer than
// 2*keepAliveInterval.
func (d *Detector) Tick() {
	now := d.now()
	deadline := expirationFactor * d.keepAliveInterval
	for h, r := range d.sources {
		xdebug.Assert(r.handle == h, "reassembly handle must match its own map key")
		if now.Sub(r.lastSeen) > deadline {
			delete(d.sources, h)
			d.registry.Release(h)
			d.cb.SourceExpired(h)
		}
	}
}

// Tracked reports how many sources currently have an in-progress or
// completed reassembly.
func (d *Detector) Tracked() int { return len(d.sources) }
