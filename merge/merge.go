// Package merge implements the highest-takes-precedence (HTP) per-address
// merger: given several concurrent sources each contributing up to 512
// levels and per-slot priorities, it maintains one winning level, owner,
// and priority per slot, recomputed incrementally as each source updates.
//
// The algorithm is a direct port of the reference merger's per-slot
// recalculation rules: a single-source fast path that just copies, and a
// multi-source path that merges one slot at a time and only falls back to
// a full candidate scan when the current winner's contribution weakens.
package merge

import (
	"github.com/openlumen/sacn/apierr"
	"github.com/openlumen/sacn/cid"
	"github.com/openlumen/sacn/internal/xdebug"
)

const NumSlots = 512

// sourceState is the merger's private per-source bookkeeping: the levels
// and per-slot priorities last reported by the source, how many of the 512
// slots are valid (beyond that, the source contributes nothing), its
// scalar universe priority, and whether PAP is currently active for it.
type sourceState struct {
	handle            cid.Handle
	levels            [NumSlots]uint8
	addressPriority   [NumSlots]uint8
	validLevelCount   int
	universePriority  uint8
	usingUniversePrio bool // true iff no PAP packet received yet; mirrors using_universe_priority
	universePrioInit  bool
}

func (s *sourceState) papActive() bool { return !s.usingUniversePrio }

// calcPAP returns the slot's effective per-address priority: 0 if the slot
// is beyond the source's valid level count.
func (s *sourceState) calcPAP(slot int) uint8 {
	if slot < s.validLevelCount {
		return s.addressPriority[slot]
	}
	return 0
}

// Output is the merger's current aggregate result. Levels, Priorities, and
// Owners are owned by the Merger and must not be retained past the next
// mutating call.
type Output struct {
	Levels           [NumSlots]uint8
	Priorities       [NumSlots]uint8
	Owners           [NumSlots]cid.Handle
	UniversePriority uint8
	PAPActive        bool
}

// Merger holds the HTP merge state for one universe's worth of sources.
// Not goroutine-safe; callers serialize access under the coarse lock.
type Merger struct {
	sources map[cid.Handle]*sourceState
	out     Output
}

func New() *Merger {
	m := &Merger{sources: make(map[cid.Handle]*sourceState)}
	for i := range m.out.Owners {
		m.out.Owners[i] = cid.NoHandle
	}
	return m
}

// AddSource begins tracking h. It is an error to add a handle already present.
func (m *Merger) AddSource(h cid.Handle) error {
	if _, ok := m.sources[h]; ok {
		return apierr.New(apierr.KindExists, "source %d already added to merger", h)
	}
	m.sources[h] = &sourceState{handle: h, usingUniversePrio: true}
	return nil
}

// GetSource reports whether h is currently tracked by the merger.
func (m *Merger) GetSource(h cid.Handle) (exists bool) {
	_, ok := m.sources[h]
	return ok
}

// Output returns the merger's current aggregate result.
func (m *Merger) Output() *Output { return &m.out }

// RemoveSource stops tracking h, reverting its contribution to every slot
// it had won before removal, then recomputing the aggregate outputs.
func (m *Merger) RemoveSource(h cid.Handle) error {
	src, ok := m.sources[h]
	if !ok {
		return apierr.New(apierr.KindNotFound, "source %d not tracked by this merger", h)
	}

	for i := range src.addressPriority {
		src.addressPriority[i] = 0
	}
	src.validLevelCount = NumSlots // force merge_new_priority to consider every slot, mirroring DMX_ADDRESS_COUNT loop
	for slot := 0; slot < NumSlots; slot++ {
		m.mergeNewPriority(src, slot)
	}

	wasPAPActive := src.papActive()
	src.usingUniversePrio = true
	if m.out.PAPActive && wasPAPActive {
		m.recalcPAPActive()
	}

	if src.universePriority >= m.out.UniversePriority {
		src.universePriority = 0
		m.recalcUniversePriority()
	}

	delete(m.sources, h)
	return nil
}

// UpdateLevels replaces h's levels [0,len(levels)) with the supplied slice;
// slots at or beyond len(levels) are treated as having no contribution.
// len(levels) must be in [1,512].
func (m *Merger) UpdateLevels(h cid.Handle, levels []byte) error {
	src, ok := m.sources[h]
	if !ok {
		return apierr.New(apierr.KindNotFound, "source %d not tracked by this merger", h)
	}
	n := len(levels)
	if n < 1 || n > NumSlots {
		return apierr.New(apierr.KindInvalid, "level count %d out of range [1,%d]", n, NumSlots)
	}

	oldCount := src.validLevelCount
	unchanged := oldCount == n && bytesEqual(src.levels[:n], levels)
	src.validLevelCount = n
	if unchanged {
		return nil
	}

	if len(m.sources) == 1 {
		m.updateLevelsSingleSource(src, levels, oldCount, n)
	} else {
		m.updateLevelsMultiSource(src, levels, oldCount, n)
	}
	return nil
}

func bytesEqual(a []byte, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (m *Merger) updateLevelsSingleSource(src *sourceState, newLevels []byte, oldCount, newCount int) {
	copy(src.levels[:newCount], newLevels)
	for i := newCount; i < oldCount; i++ {
		src.levels[i] = 0
	}

	for i := 0; i < newCount; i++ {
		if src.addressPriority[i] > 0 {
			m.out.Levels[i] = src.levels[i]
		}
	}
	if newCount > oldCount {
		for i := oldCount; i < newCount; i++ {
			if src.addressPriority[i] > 0 {
				m.out.Priorities[i] = src.addressPriority[i]
				m.out.Owners[i] = src.handle
			}
		}
	}
	if oldCount > newCount {
		for i := newCount; i < oldCount; i++ {
			m.out.Levels[i] = 0
			m.out.Priorities[i] = 0
			m.out.Owners[i] = cid.NoHandle
		}
	}
}

func (m *Merger) updateLevelsMultiSource(src *sourceState, newLevels []byte, oldCount, newCount int) {
	copy(src.levels[:newCount], newLevels)
	for i := newCount; i < oldCount; i++ {
		src.levels[i] = 0
	}

	if newCount > oldCount {
		for i := 0; i < oldCount; i++ {
			m.mergeNewLevel(src, i)
		}
		for i := oldCount; i < newCount; i++ {
			m.mergeNewPriority(src, i)
		}
	}
	if oldCount >= newCount {
		for i := 0; i < newCount; i++ {
			m.mergeNewLevel(src, i)
		}
		for i := newCount; i < oldCount; i++ {
			m.mergeNewPriority(src, i)
		}
	}
}

// UpdatePAP replaces h's per-address priorities [0,len(pap)) and activates
// PAP mode for h. len(pap) must be in [1,512].
func (m *Merger) UpdatePAP(h cid.Handle, pap []byte) error {
	src, ok := m.sources[h]
	if !ok {
		return apierr.New(apierr.KindNotFound, "source %d not tracked by this merger", h)
	}
	n := len(pap)
	if n < 1 || n > NumSlots {
		return apierr.New(apierr.KindInvalid, "PAP count %d out of range [1,%d]", n, NumSlots)
	}

	oldCount := src.validLevelCount // old pap count tracked identically to level count in the reference source
	unchanged := oldCount == n && bytesEqual(src.addressPriority[:n], pap)
	if unchanged {
		return nil
	}

	src.usingUniversePrio = false
	m.out.PAPActive = true
	if len(m.sources) == 1 {
		m.updatePAPSingleSource(src, pap, oldCount, n)
	} else {
		m.updatePAPMultiSource(src, pap, oldCount, n)
	}
	return nil
}

func (m *Merger) updatePAPSingleSource(src *sourceState, pap []byte, oldCount, newCount int) {
	copy(src.addressPriority[:newCount], pap)
	for i := newCount; i < oldCount; i++ {
		src.addressPriority[i] = 0
	}

	copy(m.out.Priorities[:src.validLevelCount], src.addressPriority[:src.validLevelCount])
	for i := 0; i < src.validLevelCount; i++ {
		if src.addressPriority[i] == 0 {
			m.out.Levels[i] = 0
			m.out.Owners[i] = cid.NoHandle
		} else {
			m.out.Levels[i] = src.levels[i]
			m.out.Owners[i] = src.handle
		}
	}
}

func (m *Merger) updatePAPMultiSource(src *sourceState, pap []byte, oldCount, newCount int) {
	copy(src.addressPriority[:newCount], pap)
	for i := newCount; i < oldCount; i++ {
		src.addressPriority[i] = 0
	}
	for i := 0; i < src.validLevelCount; i++ {
		m.mergeNewPriority(src, i)
	}
}

// UpdateUniversePriority sets h's scalar universe priority (used as a
// fallback when PAP is inactive, and always as the aggregate output input).
func (m *Merger) UpdateUniversePriority(h cid.Handle, priority uint8) error {
	src, ok := m.sources[h]
	if !ok {
		return apierr.New(apierr.KindNotFound, "source %d not tracked by this merger", h)
	}
	if priority > 200 {
		return apierr.New(apierr.KindInvalid, "universe priority %d out of range [0,200]", priority)
	}

	if priority == src.universePriority && src.universePrioInit {
		return nil
	}
	src.universePrioInit = true

	wasMax := src.universePriority >= m.out.UniversePriority
	singleSource := len(m.sources) == 1
	src.universePriority = priority

	if src.usingUniversePrio {
		pap := priority
		if pap == 0 {
			pap = 1
		}
		if singleSource {
			m.updateUniversePrioritySingleSource(src, pap)
		} else {
			m.updateUniversePriorityMultiSource(src, pap)
		}
	}

	if singleSource || priority >= m.out.UniversePriority {
		m.out.UniversePriority = priority
	} else if wasMax {
		m.recalcUniversePriority()
	}
	return nil
}

func (m *Merger) updateUniversePrioritySingleSource(src *sourceState, pap uint8) {
	for i := range src.addressPriority {
		src.addressPriority[i] = pap
	}
	for i := 0; i < src.validLevelCount; i++ {
		m.out.Priorities[i] = pap
		m.out.Owners[i] = src.handle
	}
	copy(m.out.Levels[:src.validLevelCount], src.levels[:src.validLevelCount])
}

func (m *Merger) updateUniversePriorityMultiSource(src *sourceState, pap uint8) {
	for i := range src.addressPriority {
		src.addressPriority[i] = pap
	}
	for i := 0; i < src.validLevelCount; i++ {
		m.mergeNewPriority(src, i)
	}
}

// RemovePAP deactivates PAP mode for h; its slot priorities revert to its
// universe priority converted to a per-slot scalar (0 maps to 1).
func (m *Merger) RemovePAP(h cid.Handle) error {
	src, ok := m.sources[h]
	if !ok {
		return apierr.New(apierr.KindNotFound, "source %d not tracked by this merger", h)
	}

	wasActive := src.papActive()
	src.usingUniversePrio = true

	pap := src.universePriority
	if pap == 0 {
		pap = 1
	}
	for i := range src.addressPriority {
		src.addressPriority[i] = pap
	}
	for i := 0; i < src.validLevelCount; i++ {
		m.mergeNewPriority(src, i)
	}

	if wasActive {
		m.recalcPAPActive()
	}
	return nil
}

// mergeNewLevel merges a source's new level on a slot, assuming its
// priority has not changed since the last merge.
func (m *Merger) mergeNewLevel(src *sourceState, slot int) {
	xdebug.Assert(slot < NumSlots, "slot out of range")

	if src.addressPriority[slot] > 0 && src.addressPriority[slot] == m.out.Priorities[slot] {
		if src.levels[slot] > m.out.Levels[slot] {
			m.out.Levels[slot] = src.levels[slot]
			m.out.Owners[slot] = src.handle
		} else if src.handle == m.out.Owners[slot] && src.levels[slot] < m.out.Levels[slot] {
			m.recalcWinningLevel(src, slot)
		}
	}
}

// mergeNewPriority merges a source's new priority on a slot, assuming its
// level has not changed since the last merge.
func (m *Merger) mergeNewPriority(src *sourceState, slot int) {
	xdebug.Assert(slot < NumSlots, "slot out of range")

	srcPAP := src.calcPAP(slot)
	switch {
	case srcPAP > m.out.Priorities[slot]:
		m.out.Levels[slot] = src.levels[slot]
		m.out.Owners[slot] = src.handle
		m.out.Priorities[slot] = srcPAP
	case src.handle != m.out.Owners[slot]:
		if srcPAP > 0 && srcPAP == m.out.Priorities[slot] && src.levels[slot] > m.out.Levels[slot] {
			m.out.Levels[slot] = src.levels[slot]
			m.out.Owners[slot] = src.handle
		}
	case srcPAP < m.out.Priorities[slot]:
		m.recalcWinningPriority(src, slot)
	}
}

// recalcWinningLevel recomputes the winning level for a slot after its
// current owner's level dropped, assuming priority did not change.
func (m *Merger) recalcWinningLevel(src *sourceState, slot int) {
	m.out.Levels[slot] = src.levels[slot]
	for h, candidate := range m.sources {
		if h == src.handle {
			continue
		}
		level := candidate.levels[slot]
		if candidate.addressPriority[slot] == m.out.Priorities[slot] && level > m.out.Levels[slot] {
			m.out.Levels[slot] = level
			m.out.Owners[slot] = h
		}
	}
}

// recalcWinningPriority recomputes the winning priority (and level, owner)
// for a slot after its current owner's priority dropped.
func (m *Merger) recalcWinningPriority(src *sourceState, slot int) {
	m.out.Priorities[slot] = src.calcPAP(slot)
	if m.out.Priorities[slot] == 0 {
		m.out.Levels[slot] = 0
		m.out.Owners[slot] = cid.NoHandle
	}

	for h, candidate := range m.sources {
		if h == src.handle {
			continue
		}
		candPAP := candidate.calcPAP(slot)
		if candPAP > m.out.Priorities[slot] ||
			(candPAP > 0 && candPAP == m.out.Priorities[slot] && candidate.levels[slot] > m.out.Levels[slot]) {
			m.out.Levels[slot] = candidate.levels[slot]
			m.out.Owners[slot] = h
			m.out.Priorities[slot] = candPAP
		}
	}
}

func (m *Merger) recalcPAPActive() {
	active := false
	for _, src := range m.sources {
		if src.papActive() {
			active = true
			break
		}
	}
	m.out.PAPActive = active
}

func (m *Merger) recalcUniversePriority() {
	var max uint8
	for _, src := range m.sources {
		if src.universePriority > max {
			max = src.universePriority
		}
	}
	m.out.UniversePriority = max
}
