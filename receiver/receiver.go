// Package receiver implements the per-universe tracked-source state
// machine and periodic housekeeping described for the raw (non-merging)
// sACN receiver: sequence-number acceptance, sampling-period gating,
// per-source liveness/PAP timers, and termination-set delivery. The
// merge-receiver in package mergereceiver embeds a Receiver and adds the
// merger seam on top of the same dispatch/tick contract.
package receiver

import (
	"sync"
	"time"

	"github.com/openlumen/sacn/apierr"
	"github.com/openlumen/sacn/cid"
	"github.com/openlumen/sacn/config"
	"github.com/openlumen/sacn/internal/xdebug"
	"github.com/openlumen/sacn/loss"
	"github.com/openlumen/sacn/metrics"
	"github.com/openlumen/sacn/wire"
)

const (
	dataLivenessTimeout = 2500 * time.Millisecond
	papLivenessTimeout  = 2500 * time.Millisecond
	samplingTimerWindow = 1500 * time.Millisecond
	defaultSamplingLen  = 1500 * time.Millisecond
	tickInterval        = 120 * time.Millisecond
)

// State is the tracked-source state machine's current phase.
type State int

const (
	StateWaitingForDMX State = iota
	StateWaitingForPAP
	StateHaveDMXOnly
	StateEstablished
)

// Callbacks is the application's capability interface; the engine invokes
// methods on it rather than passing C-style function pointers, per the
// callback redesign. Every method is invoked on the receiver's owning
// goroutine and callbacks for one receiver are never interleaved.
type Callbacks interface {
	// UniverseData delivers one accepted DMX (0x00) or non-DMX payload for a raw receiver.
	UniverseData(src cid.Handle, d *wire.Data)
	// SourcesLost delivers one coordinated group-loss event.
	SourcesLost(events []loss.LostEvent)
	// PAPLost fires when a source's PAP liveness timer expires.
	PAPLost(src cid.Handle)
	// SamplingPeriodEnded fires at the end of each sampling period: the one
	// begun by New and any restarted by ChangeUniverse or ResetNetworking.
	SamplingPeriodEnded()
	// SourceLimitExceeded fires once per excursion above the configured source cap.
	SourceLimitExceeded()
}

// trackedSource is the per-CID bookkeeping described in spec.md §3/§4.4.
type trackedSource struct {
	handle       cid.Handle
	state        State
	lastSeq      uint8
	haveSeq      bool
	dataDeadline time.Time
	papDeadline  time.Time
	waitDeadline time.Time // 1.5s wait for the complementary start code, outside sampling
	terminated   bool
	offline      bool // already handed to the loss tracker

	// pendingData holds a data packet received before its first PAP arrived
	// (state waiting-for-pap), so it can be delivered after the PAP
	// notification once the pair completes, per the pap-before-data
	// ordering invariant.
	pendingData *wire.Data
}

func (ts *trackedSource) dataAlive(now time.Time) bool { return now.Before(ts.dataDeadline) }
func (ts *trackedSource) papAlive(now time.Time) bool  { return !ts.papDeadline.IsZero() && now.Before(ts.papDeadline) }

// Receiver tracks one universe's sources and drives the state machine and
// termination-set grouping. Every exported method takes lock for its whole
// body, and Callbacks are invoked while it is held. A bare Receiver can use
// its own private lock; mergereceiver shares one lock with its embedded
// Receiver, so its Merger is only touched from callbacks running under it.
// The cid.Registry and the socket pool take no lock of their own.
type Receiver struct {
	lock *sync.Mutex

	cfg      config.Config
	cb       Callbacks
	registry *cid.Registry

	universe uint16
	footprint struct {
		start, count int
	}

	sources map[cid.Handle]*trackedSource
	lost    *loss.Tracker

	sampling         bool
	samplingDeadline time.Time
	samplingSawData  bool

	limitExceededNotified bool

	closed bool
	now    func() time.Time

	// metrics is nil unless SetMetrics is called; every call site guards
	// through the Set's own nil-safe methods so a bare Receiver needs no
	// special-casing.
	metrics *metrics.Set
}

// SetMetrics attaches a metrics.Set this receiver updates as it tracks,
// drops, and loses sources. Optional; a Receiver with no Set attached
// behaves identically, just without the Prometheus side effects.
func (r *Receiver) SetMetrics(m *metrics.Set) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.metrics = m
}

// New creates a Receiver bound to universe u, sharing registry reg for
// CID-to-handle resolution. cb must be non-nil. lock is the coarse mutex
// this receiver's methods take; pass a fresh &sync.Mutex{} (or nil, which
// gets one) for a standalone receiver, or share one with an embedding
// mergereceiver.
func New(cfg config.Config, reg *cid.Registry, universe uint16, cb Callbacks, lock *sync.Mutex) (*Receiver, error) {
	if cb == nil {
		return nil, apierr.New(apierr.KindInvalid, "callbacks must not be nil")
	}
	if universe < 1 || universe > 63999 {
		return nil, apierr.New(apierr.KindInvalid, "universe %d out of range", universe)
	}
	if lock == nil {
		lock = &sync.Mutex{}
	}
	r := &Receiver{
		lock:     lock,
		cfg:      cfg,
		cb:       cb,
		registry: reg,
		universe: universe,
		sources:  make(map[cid.Handle]*trackedSource),
		lost:     loss.New(cfg.ExpiredWait),
		now:      time.Now,
	}
	r.footprint.start, r.footprint.count = 1, 512
	r.beginSampling()
	return r, nil
}

func (r *Receiver) beginSampling() {
	r.sampling = true
	r.samplingSawData = false
	r.samplingDeadline = r.now().Add(defaultSamplingLen)
}

// Universe reports the universe this receiver is bound to.
func (r *Receiver) Universe() uint16 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.universe
}

// ChangeUniverse rebinds the receiver to a new universe and restarts the
// sampling period, since the prior universe's source set is no longer
// relevant.
func (r *Receiver) ChangeUniverse(u uint16) error {
	if u < 1 || u > 63999 {
		return apierr.New(apierr.KindInvalid, "universe %d out of range", u)
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return apierr.New(apierr.KindNotInitialized, "receiver is closed")
	}
	r.universe = u
	for h := range r.sources {
		r.registry.Release(h)
	}
	r.sources = make(map[cid.Handle]*trackedSource)
	r.beginSampling()
	return nil
}

// ChangeFootprint sets this receiver's footprint [start, start+count). Only
// the whole universe (start 1, count 512) is supported; any other in-range
// footprint returns KindNotImplemented.
func (r *Receiver) ChangeFootprint(start, count int) error {
	if start < 1 || count < 1 || start+count-1 > 512 {
		return apierr.New(apierr.KindInvalid, "footprint [%d,%d) out of range", start, start+count)
	}
	if start != 1 || count != 512 {
		return apierr.New(apierr.KindNotImplemented, "custom footprint [%d,%d)", start, start+count)
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	r.footprint.start, r.footprint.count = start, count
	return nil
}

// ResetNetworking restarts the sampling period, used after interfaces are
// added or removed from underneath the receiver.
func (r *Receiver) ResetNetworking() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.beginSampling()
}

// Close detaches the receiver, synchronously releasing every tracked
// source's handle. Destruction is synchronous: once Close returns, no
// further callbacks will fire for this receiver.
func (r *Receiver) Close() {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return
	}
	for h := range r.sources {
		r.registry.Release(h)
	}
	r.sources = nil
	r.closed = true
}

// Dispatch processes one parsed data packet addressed to this receiver's
// universe. It is the receive-thread entry point described in spec.md
// §4.7's dispatch contract.
func (r *Receiver) Dispatch(c cid.CID, d *wire.Data) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return apierr.New(apierr.KindNotInitialized, "receiver is closed")
	}
	if r.cfg.FilterPreview && d.Options.Preview {
		r.metrics.Dropped(metrics.ReasonFiltered)
		return nil
	}

	ts, isNew := r.lookupOrTrack(c)
	if ts == nil {
		return apierr.New(apierr.KindNoMem, "source limit reached")
	}

	now := r.now()
	if d.StartCode == wire.StartCodePAP {
		r.dispatchPAP(ts, d, now, isNew)
	} else if d.StartCode == wire.StartCodeDMX {
		r.dispatchData(ts, d, now, isNew)
	} else {
		r.refreshSequence(ts, d, now)
		r.cb.UniverseData(ts.handle, d)
	}
	return nil
}

func (r *Receiver) lookupOrTrack(c cid.CID) (ts *trackedSource, isNew bool) {
	h, ok := r.registry.LookupHandle(c)
	if ok {
		if existing, tracked := r.sources[h]; tracked {
			return existing, false
		}
	}
	if r.cfg.SourceCountMax != config.SourceCountInfinite && len(r.sources) >= r.cfg.SourceCountMax {
		if !r.limitExceededNotified {
			r.limitExceededNotified = true
			r.cb.SourceLimitExceeded()
		}
		return nil, false
	}
	h, err := r.registry.Acquire(c)
	if err != nil {
		return nil, false
	}
	ts = &trackedSource{handle: h}
	r.sources[h] = ts
	return ts, true
}

// refreshSequence applies the mod-256 "newer" rule. It always refreshes
// the data liveness timer on packets that feed the state machine; the rule
// itself only governs whether the payload is accepted.
func (r *Receiver) refreshSequence(ts *trackedSource, d *wire.Data, now time.Time) (accepted bool) {
	if !ts.haveSeq {
		ts.haveSeq = true
		ts.lastSeq = d.Sequence
		ts.dataDeadline = now.Add(dataLivenessTimeout)
		return true
	}
	xdebug.Assert(ts.haveSeq, "refreshSequence: source must already have a baseline sequence number")
	delta := uint8(d.Sequence - ts.lastSeq)
	ts.dataDeadline = now.Add(dataLivenessTimeout)
	if delta >= 1 && delta <= 127 {
		ts.lastSeq = d.Sequence
		return true
	}
	return false
}

// dispatchData handles an accepted 0x00 packet. Outside sampling, a first
// data packet (state waiting-for-pap) is held until its PAP arrives so the
// two notifications can be delivered PAP-first; inside sampling both start
// codes are delivered immediately without the 1.5s wait, per spec.md §4.4.
func (r *Receiver) dispatchData(ts *trackedSource, d *wire.Data, now time.Time, isNew bool) {
	if d.Options.Terminated {
		ts.terminated = true
		ts.offline = true
		r.lost.MarkOffline([]cid.Handle{ts.handle}, []bool{true})
	}
	if !r.refreshSequence(ts, d, now) {
		r.metrics.Dropped(metrics.ReasonSequence)
		return
	}
	if isNew {
		ts.state = StateWaitingForPAP
		ts.waitDeadline = now.Add(samplingTimerWindow)
	}

	if r.sampling {
		r.samplingSawData = true
		switch ts.state {
		case StateWaitingForDMX:
			ts.state = StateEstablished
		case StateWaitingForPAP:
			ts.state = StateHaveDMXOnly
		}
		r.cb.UniverseData(ts.handle, d)
		return
	}

	switch ts.state {
	case StateWaitingForPAP:
		// hold until the complementary PAP arrives or the wait timer expires
		ts.pendingData = d
	case StateHaveDMXOnly, StateEstablished:
		r.cb.UniverseData(ts.handle, d)
	case StateWaitingForDMX:
		ts.state = StateEstablished
		r.cb.UniverseData(ts.handle, d)
	}
}

// dispatchPAP handles an accepted 0xDD packet, applying the same
// PAP-before-data ordering rule as dispatchData.
func (r *Receiver) dispatchPAP(ts *trackedSource, d *wire.Data, now time.Time, isNew bool) {
	ts.papDeadline = now.Add(papLivenessTimeout)
	if !r.refreshSequence(ts, d, now) {
		r.metrics.Dropped(metrics.ReasonSequence)
		return
	}
	if isNew {
		ts.state = StateWaitingForDMX
		ts.waitDeadline = now.Add(samplingTimerWindow)
	}

	if r.sampling {
		r.samplingSawData = true
		if ts.state == StateWaitingForPAP {
			ts.state = StateEstablished
		}
		r.cb.UniverseData(ts.handle, d)
		return
	}

	switch ts.state {
	case StateWaitingForPAP, StateHaveDMXOnly:
		ts.state = StateEstablished
		r.cb.UniverseData(ts.handle, d)
		if pending := ts.pendingData; pending != nil {
			ts.pendingData = nil
			r.cb.UniverseData(ts.handle, pending)
		}
	case StateWaitingForDMX, StateEstablished:
		r.cb.UniverseData(ts.handle, d)
	}
}

// Tick runs the periodic housekeeping cycle: termination-set expiry,
// per-source liveness expiry, the 1.5s wait-timer, and sampling-period
// end. It must be invoked roughly every 120ms by the owning receive
// thread, per spec.md §4.7.
func (r *Receiver) Tick() {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return
	}
	now := r.now()

	var newlyOffline []cid.Handle
	var newlyTerminated []bool
	for h, ts := range r.sources {
		if !ts.dataAlive(now) && ts.haveSeq {
			if !ts.offline {
				ts.offline = true
				newlyOffline = append(newlyOffline, h)
				newlyTerminated = append(newlyTerminated, ts.terminated)
			}
			continue
		}
		if ts.state == StateWaitingForPAP && !ts.waitDeadline.IsZero() && !now.Before(ts.waitDeadline) {
			ts.state = StateHaveDMXOnly
			ts.waitDeadline = time.Time{}
			if pending := ts.pendingData; pending != nil {
				ts.pendingData = nil
				r.cb.UniverseData(h, pending)
			}
		}
		if !ts.papDeadline.IsZero() && !ts.papAlive(now) {
			ts.papDeadline = time.Time{}
			r.cb.PAPLost(h)
		}
	}
	if len(newlyOffline) > 0 {
		r.lost.MarkOffline(newlyOffline, newlyTerminated)
	}

	for _, group := range r.lost.Tick() {
		for _, ev := range group {
			if ts, ok := r.sources[ev.Handle]; ok {
				xdebug.Assert(ts.handle == ev.Handle, "tracked source handle must match its own map key")
				delete(r.sources, ev.Handle)
				r.registry.Release(ts.handle)
			}
		}
		r.metrics.LostSources(len(group))
		r.cb.SourcesLost(group)
	}
	if r.cfg.SourceCountMax != config.SourceCountInfinite && len(r.sources) < r.cfg.SourceCountMax {
		r.limitExceededNotified = false
	}

	if r.sampling && !now.Before(r.samplingDeadline) {
		r.sampling = false
		r.cb.SamplingPeriodEnded()
	}

	r.metrics.SetSourcesTracked(len(r.sources))
}

// Sampling reports whether the receiver is inside a sampling period.
func (r *Receiver) Sampling() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.sampling
}

// SamplingSawTraffic reports whether any source delivered data during the
// current or most recent sampling period.
func (r *Receiver) SamplingSawTraffic() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.samplingSawData
}

// Lock/Unlock expose the receiver's coarse lock. Every other exported
// method takes the same lock, so none of them may be called while it is
// held this way.
func (r *Receiver) Lock()   { r.lock.Lock() }
func (r *Receiver) Unlock() { r.lock.Unlock() }

// TickInterval is the cadence at which Tick should be invoked.
func TickInterval() time.Duration { return tickInterval }
