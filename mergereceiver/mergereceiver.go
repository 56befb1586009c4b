// Package mergereceiver composes a receiver.Receiver with a merge.Merger,
// gating merged output by the receiver's sampling period and forwarding
// non-DMX start codes untouched, per spec.md §4.8.
package mergereceiver

import (
	"sync"

	"github.com/openlumen/sacn/apierr"
	"github.com/openlumen/sacn/cid"
	"github.com/openlumen/sacn/config"
	"github.com/openlumen/sacn/loss"
	"github.com/openlumen/sacn/internal/xdebug"
	"github.com/openlumen/sacn/merge"
	"github.com/openlumen/sacn/metrics"
	"github.com/openlumen/sacn/receiver"
	"github.com/openlumen/sacn/wire"
)

// Callbacks is the merge-receiver's application-facing capability
// interface, mirroring receiver.Callbacks but replacing raw universe data
// with merged output and non-DMX passthrough.
type Callbacks interface {
	// MergedData delivers the merger's current aggregate output.
	MergedData(out *merge.Output)
	// NonDMX forwards a non-DMX-non-PAP start code untouched; it never
	// reaches the merger.
	NonDMX(src cid.Handle, d *wire.Data)
	SourcesLost(events []loss.LostEvent)
	PAPLost(src cid.Handle)
	SourceLimitExceeded()
}

// MergeReceiver wraps a receiver.Receiver and a merge.Merger under one
// shared coarse lock.
type MergeReceiver struct {
	lock   *sync.Mutex
	recv   *receiver.Receiver
	m      *merge.Merger
	cb     Callbacks
	usePAP bool

	haveMergerSource map[cid.Handle]bool

	// sampling and sawTraffic shadow the receiver's own sampling bookkeeping
	// so UniverseData and SamplingPeriodEnded (both invoked by the receiver
	// while its lock is already held) never re-enter the receiver's locking
	// methods.
	sampling   bool
	sawTraffic bool
}

// New creates a MergeReceiver bound to universe u.
func New(cfg config.Config, reg *cid.Registry, universe uint16, cb Callbacks, usePAP bool) (*MergeReceiver, error) {
	if cb == nil {
		return nil, apierr.New(apierr.KindInvalid, "callbacks must not be nil")
	}
	lock := &sync.Mutex{}
	mr := &MergeReceiver{
		lock:             lock,
		m:                merge.New(),
		cb:               cb,
		usePAP:           usePAP,
		haveMergerSource: make(map[cid.Handle]bool),
		sampling:         true,
	}
	r, err := receiver.New(cfg, reg, universe, mr, lock)
	if err != nil {
		return nil, err
	}
	mr.recv = r
	return mr, nil
}

// Universe, ChangeUniverse, ChangeFootprint, ResetNetworking, Close, Tick
// and Dispatch forward to the embedded receiver, which takes the shared
// lock; ChangeUniverse and ResetNetworking then take it again briefly to
// restart the sampling shadow state.
// SetMetrics attaches a metrics.Set to the embedded receiver; see
// receiver.Receiver.SetMetrics.
func (mr *MergeReceiver) SetMetrics(m *metrics.Set) { mr.recv.SetMetrics(m) }

func (mr *MergeReceiver) Universe() uint16 { return mr.recv.Universe() }

func (mr *MergeReceiver) ChangeUniverse(u uint16) error {
	err := mr.recv.ChangeUniverse(u)
	if err == nil {
		mr.lock.Lock()
		mr.sampling = true
		mr.lock.Unlock()
	}
	return err
}

func (mr *MergeReceiver) ChangeFootprint(s, c int) error { return mr.recv.ChangeFootprint(s, c) }

func (mr *MergeReceiver) ResetNetworking() {
	mr.recv.ResetNetworking()
	mr.lock.Lock()
	mr.sampling = true
	mr.lock.Unlock()
}

func (mr *MergeReceiver) Dispatch(c cid.CID, d *wire.Data) error {
	return mr.recv.Dispatch(c, d)
}

func (mr *MergeReceiver) Close() {
	mr.recv.Close()
}

// Tick drives the receiver's periodic housekeeping; the end-of-sampling
// merged-data notification itself is delivered from SamplingPeriodEnded,
// invoked synchronously by the receiver while its lock is held.
func (mr *MergeReceiver) Tick() {
	mr.recv.Tick()
}

// UniverseData implements receiver.Callbacks; it is only ever invoked by
// the embedded receiver while mr.lock is held by the caller of Dispatch/Tick.
func (mr *MergeReceiver) UniverseData(h cid.Handle, d *wire.Data) {
	switch d.StartCode {
	case wire.StartCodeDMX:
		mr.ensureMergerSource(h)
		if err := mr.m.UpdateUniversePriority(h, d.Priority); err != nil {
			return
		}
		if err := mr.m.UpdateLevels(h, d.Slots); err != nil {
			return
		}
		mr.afterMerge()
	case wire.StartCodePAP:
		if !mr.usePAP {
			return
		}
		mr.ensureMergerSource(h)
		if err := mr.m.UpdatePAP(h, d.Slots); err != nil {
			return
		}
		mr.afterMerge()
	default:
		mr.cb.NonDMX(h, d)
	}
}

// afterMerge delivers a merged-data notification immediately when outside
// the sampling period, or records that traffic arrived during sampling so
// SamplingPeriodEnded knows whether to fire at all.
func (mr *MergeReceiver) afterMerge() {
	if mr.sampling {
		mr.sawTraffic = true
		return
	}
	mr.cb.MergedData(mr.m.Output())
}

func (mr *MergeReceiver) ensureMergerSource(h cid.Handle) {
	if mr.haveMergerSource[h] {
		return
	}
	if err := mr.m.AddSource(h); err == nil {
		mr.haveMergerSource[h] = true
	}
}

// SourcesLost implements receiver.Callbacks: remove the corresponding
// merger sources first, then notify, per spec.md §4.8.
func (mr *MergeReceiver) SourcesLost(events []loss.LostEvent) {
	for _, ev := range events {
		if mr.haveMergerSource[ev.Handle] {
			xdebug.AssertNoErr(mr.m.RemoveSource(ev.Handle))
			delete(mr.haveMergerSource, ev.Handle)
		}
	}
	mr.cb.SourcesLost(events)
}

func (mr *MergeReceiver) PAPLost(h cid.Handle) { mr.cb.PAPLost(h) }
func (mr *MergeReceiver) SourceLimitExceeded() { mr.cb.SourceLimitExceeded() }

// SamplingPeriodEnded implements receiver.Callbacks; like UniverseData it is
// only ever invoked by the embedded receiver while mr.lock is already held.
// It delivers one merged-data notification for the period just ended, but
// only if some source actually reported data or PAP during it.
func (mr *MergeReceiver) SamplingPeriodEnded() {
	mr.sampling = false
	if mr.sawTraffic {
		mr.sawTraffic = false
		mr.cb.MergedData(mr.m.Output())
	}
}
