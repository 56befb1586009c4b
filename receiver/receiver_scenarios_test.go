package receiver

import (
	"sync"
	"time"

	"github.com/openlumen/sacn/cid"
	"github.com/openlumen/sacn/config"
	"github.com/openlumen/sacn/loss"
	"github.com/openlumen/sacn/wire"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// recorder implements Callbacks and records every notification it receives,
// in arrival order, for scenario assertions.
type recorder struct {
	universeData  []*wire.Data
	sourcesLost   [][]loss.LostEvent
	papLost       []cid.Handle
	samplingEnded int
	limitExceeded int
}

func (r *recorder) UniverseData(_ cid.Handle, d *wire.Data) { r.universeData = append(r.universeData, d) }
func (r *recorder) SourcesLost(ev []loss.LostEvent)         { r.sourcesLost = append(r.sourcesLost, ev) }
func (r *recorder) PAPLost(h cid.Handle)                    { r.papLost = append(r.papLost, h) }
func (r *recorder) SamplingPeriodEnded()                    { r.samplingEnded++ }
func (r *recorder) SourceLimitExceeded()                    { r.limitExceeded++ }

func dataPacket(seq uint8, code uint8) *wire.Data {
	return &wire.Data{StartCode: code, Sequence: seq, Slots: []byte{1, 2, 3}}
}

var _ = Describe("Receiver concrete scenarios", func() {
	var (
		r   *Receiver
		cb  *recorder
		reg *cid.Registry
		t   time.Time
	)

	BeforeEach(func() {
		cb = &recorder{}
		reg = cid.NewRegistry()
		t = time.Unix(0, 0)
		cfg := config.Default()
		var err error
		r, err = New(cfg, reg, 1, cb, &sync.Mutex{})
		Expect(err).NotTo(HaveOccurred())
		r.now = func() time.Time { return t }
		r.beginSampling() // recompute samplingDeadline against the fake clock
	})

	It("scenario 4: sampling gating delivers exactly one merged-data-equivalent notification at deadline crossing", func() {
		var x cid.CID
		x[0] = 1

		Expect(r.Dispatch(x, dataPacket(10, wire.StartCodeDMX))).To(Succeed())
		Expect(r.Dispatch(x, dataPacket(11, wire.StartCodePAP))).To(Succeed())
		// inside sampling, both notifications fire immediately
		Expect(cb.universeData).To(HaveLen(2))
		Expect(cb.samplingEnded).To(Equal(0))

		t = t.Add(1600 * time.Millisecond) // past the 1.5s sampling window
		r.Tick()

		Expect(cb.samplingEnded).To(Equal(1), "expected exactly one sampling-period-ended notification")
		Expect(r.Sampling()).To(BeFalse())
		Expect(r.SamplingSawTraffic()).To(BeTrue())
	})

	It("scenario 6: a wrapping sequence run is accepted in order", func() {
		var x cid.CID
		x[0] = 2
		seqs := []uint8{254, 255, 0, 1, 2}
		for _, seq := range seqs {
			Expect(r.Dispatch(x, dataPacket(seq, wire.StartCodeDMX))).To(Succeed())
		}
		h, ok := reg.LookupHandle(x)
		Expect(ok).To(BeTrue())
		ts := r.sources[h]
		Expect(ts.haveSeq).To(BeTrue())
		Expect(ts.lastSeq).To(Equal(uint8(2)))
	})

	It("delivers PAP before data when both arrive outside sampling for a new source", func() {
		t = t.Add(2 * time.Second) // clear sampling so the hold-for-PAP path is exercised
		r.beginSampling()
		t = t.Add(2 * time.Second)
		r.Tick() // end sampling

		var x cid.CID
		x[0] = 3
		Expect(r.Dispatch(x, dataPacket(1, wire.StartCodeDMX))).To(Succeed())
		Expect(cb.universeData).To(BeEmpty(), "data should be held pending the complementary PAP")

		Expect(r.Dispatch(x, dataPacket(2, wire.StartCodePAP))).To(Succeed())
		Expect(cb.universeData).To(HaveLen(2))
		Expect(cb.universeData[0].StartCode).To(Equal(uint8(wire.StartCodePAP)))
		Expect(cb.universeData[1].StartCode).To(Equal(uint8(wire.StartCodeDMX)))
	})

	It("scenario 5 analogue: grouped silent sources are reported together one grace period after expiry", func() {
		t = t.Add(2 * time.Second)
		r.beginSampling()
		t = t.Add(2 * time.Second)
		r.Tick()

		var a, b cid.CID
		a[0], b[0] = 4, 5
		Expect(r.Dispatch(a, dataPacket(1, wire.StartCodeDMX))).To(Succeed())
		Expect(r.Dispatch(b, dataPacket(1, wire.StartCodeDMX))).To(Succeed())

		t = t.Add(2600 * time.Millisecond) // past the 2.5s data liveness timeout
		r.Tick()                           // opens the termination set
		Expect(cb.sourcesLost).To(BeEmpty())

		t = t.Add(1100 * time.Millisecond) // past the 1s grace timer
		r.Tick()
		Expect(cb.sourcesLost).To(HaveLen(1))
		Expect(cb.sourcesLost[0]).To(HaveLen(2))
	})
})
