// Package cid provides the source-identity type (a 128-bit CID, per the
// wire format's root-layer sender UUID) and the dense handle registry that
// the rest of the module uses to refer to sources by a small validated
// integer instead of passing the 16-byte CID around everywhere.
package cid

import (
	"encoding/hex"

	"github.com/OneOfOne/xxhash"

	"github.com/openlumen/sacn/apierr"
)

// CID is a source's 128-bit identifier, taken verbatim from the root-layer
// sender-UUID field of every PDU it transmits.
type CID [16]byte

func (c CID) String() string {
	var buf [36]byte
	hex.Encode(buf[0:8], c[0:4])
	buf[8] = '-'
	hex.Encode(buf[9:13], c[4:6])
	buf[13] = '-'
	hex.Encode(buf[14:18], c[6:8])
	buf[18] = '-'
	hex.Encode(buf[19:23], c[8:10])
	buf[23] = '-'
	hex.Encode(buf[24:36], c[10:16])
	return string(buf[:])
}

func (c CID) fingerprint() uint64 {
	return xxhash.Checksum64(c[:])
}

// Handle is a dense, small identifier a caller uses in place of a CID once a
// source has been registered. NoHandle never denotes a live source; it is
// the sentinel an owners buffer uses for "slot has no current winner".
type Handle uint16

const NoHandle Handle = 0xFFFF

// maxLive caps live handles one below the sentinel value.
const maxLive = int(NoHandle)

type entry struct {
	cid    CID
	refcnt uint32
}

// Registry maps CIDs to dense handles and back, refcounted so that the same
// source discovered by two listeners (e.g. a raw receiver and a discovery
// detector sharing one coarse lock) shares one handle. Registry is not
// itself goroutine-safe; callers serialize access under the coarse lock
// described in the receiver/merge-receiver concurrency model.
type Registry struct {
	byHandle map[Handle]*entry
	byCID    map[CID]Handle
	// fingerprints buckets handles by xxhash fingerprint. Every CID lookup
	// scans the matching bucket and compares full CIDs through byHandle, so
	// two CIDs sharing a fingerprint still resolve to their own handles.
	// byCID is kept in step with the buckets but lookups do not consult it.
	fingerprints map[uint64][]Handle
	free         []Handle
	next         uint32 // next handle to mint before wraparound begins reusing `free`
}

func NewRegistry() *Registry {
	return &Registry{
		byHandle:     make(map[Handle]*entry),
		byCID:        make(map[CID]Handle),
		fingerprints: make(map[uint64][]Handle),
	}
}

// Acquire returns the handle for cid, registering it and setting refcnt=1 if
// this is the first time cid has been seen; otherwise it increments refcnt
// and returns the existing handle. Returns apierr.NoMem if the registry
// already holds the maximum number of live handles.
func (r *Registry) Acquire(c CID) (Handle, error) {
	if h, ok := r.lookupFast(c); ok {
		r.byHandle[h].refcnt++
		return h, nil
	}

	h, err := r.alloc()
	if err != nil {
		return NoHandle, err
	}
	r.byHandle[h] = &entry{cid: c, refcnt: 1}
	r.byCID[c] = h
	fp := c.fingerprint()
	r.fingerprints[fp] = append(r.fingerprints[fp], h)
	return h, nil
}

func (r *Registry) lookupFast(c CID) (Handle, bool) {
	fp := c.fingerprint()
	for _, h := range r.fingerprints[fp] {
		if e, ok := r.byHandle[h]; ok && e.cid == c {
			return h, true
		}
	}
	return NoHandle, false
}

func (r *Registry) alloc() (Handle, error) {
	if n := len(r.free); n > 0 {
		h := r.free[n-1]
		r.free = r.free[:n-1]
		return h, nil
	}
	if int(r.next) >= maxLive {
		return NoHandle, apierr.New(apierr.KindNoMem, "handle registry exhausted at %d live handles", maxLive)
	}
	h := Handle(r.next)
	r.next++
	return h, nil
}

// Release decrements cid's refcount and frees its handle for reuse once the
// count reaches zero. Releasing an unknown handle is a no-op (total API).
func (r *Registry) Release(h Handle) {
	e, ok := r.byHandle[h]
	if !ok {
		return
	}
	e.refcnt--
	if e.refcnt > 0 {
		return
	}
	delete(r.byHandle, h)
	delete(r.byCID, e.cid)
	fp := e.cid.fingerprint()
	bucket := r.fingerprints[fp]
	for i, bh := range bucket {
		if bh == h {
			bucket[i] = bucket[len(bucket)-1]
			r.fingerprints[fp] = bucket[:len(bucket)-1]
			break
		}
	}
	if len(r.fingerprints[fp]) == 0 {
		delete(r.fingerprints, fp)
	}
	r.free = append(r.free, h)
}

// LookupHandle returns the handle already registered for cid, if any.
func (r *Registry) LookupHandle(c CID) (Handle, bool) {
	return r.lookupFast(c)
}

// LookupCID returns the CID behind a handle, if still live.
func (r *Registry) LookupCID(h Handle) (CID, bool) {
	e, ok := r.byHandle[h]
	if !ok {
		return CID{}, false
	}
	return e.cid, true
}

// Len reports the number of distinct live CIDs currently registered.
func (r *Registry) Len() int {
	return len(r.byHandle)
}
