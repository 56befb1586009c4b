package merge_test

import (
	"github.com/openlumen/sacn/cid"
	"github.com/openlumen/sacn/merge"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func levelsAll(v byte) []byte {
	l := make([]byte, merge.NumSlots)
	for i := range l {
		l[i] = v
	}
	return l
}

func papAll(v byte) []byte { return levelsAll(v) }

var _ = Describe("HTP merger concrete scenarios", func() {
	var (
		m    *merge.Merger
		a, b cid.Handle
	)

	BeforeEach(func() {
		m = merge.New()
		a, b = cid.Handle(1), cid.Handle(2)
		Expect(m.AddSource(a)).To(Succeed())
		Expect(m.AddSource(b)).To(Succeed())
	})

	It("scenario 1: HTP tie on equal PAP picks the higher level per slot", func() {
		Expect(m.UpdatePAP(a, papAll(100))).To(Succeed())
		Expect(m.UpdatePAP(b, papAll(100))).To(Succeed())

		aLevels := levelsAll(0)
		aLevels[0] = 255
		bLevels := levelsAll(0)
		bLevels[0], bLevels[1] = 128, 255

		Expect(m.UpdateLevels(a, aLevels)).To(Succeed())
		Expect(m.UpdateLevels(b, bLevels)).To(Succeed())

		out := m.Output()
		Expect(out.Levels[0]).To(Equal(byte(255)))
		Expect(out.Owners[0]).To(Equal(a))
		Expect(out.Levels[1]).To(Equal(byte(255)))
		Expect(out.Owners[1]).To(Equal(b))
		Expect(out.Priorities[0]).To(Equal(byte(100)))
		Expect(out.Priorities[1]).To(Equal(byte(100)))
	})

	It("scenario 2: priority override on one slot reassigns only that slot", func() {
		Expect(m.UpdatePAP(a, papAll(100))).To(Succeed())
		Expect(m.UpdatePAP(b, papAll(100))).To(Succeed())
		aLevels := levelsAll(0)
		aLevels[0] = 255
		bLevels := levelsAll(0)
		bLevels[0], bLevels[1] = 128, 255
		Expect(m.UpdateLevels(a, aLevels)).To(Succeed())
		Expect(m.UpdateLevels(b, bLevels)).To(Succeed())

		bPAP := papAll(100)
		bPAP[0] = 150
		Expect(m.UpdatePAP(b, bPAP)).To(Succeed())

		out := m.Output()
		Expect(out.Levels[0]).To(Equal(byte(128)))
		Expect(out.Owners[0]).To(Equal(b))
		Expect(out.Priorities[0]).To(Equal(byte(150)))
		// slot 1 is unaffected by b's PAP update, which only touched slot 0
		Expect(out.Levels[1]).To(Equal(byte(255)))
		Expect(out.Owners[1]).To(Equal(b))
	})

	It("scenario 3: a universe-priority-only source converts priority 0 to 1", func() {
		c := cid.Handle(3)
		Expect(m.AddSource(c)).To(Succeed())
		Expect(m.UpdateUniversePriority(c, 0)).To(Succeed())
		Expect(m.UpdateLevels(c, levelsAll(42))).To(Succeed())

		out := m.Output()
		// c has no competing source on any slot besides a/b (which haven't
		// set levels in this scenario), so its effective priority-1
		// contribution wins everywhere it's the only contributor.
		Expect(out.Priorities[0]).To(Equal(byte(1)))
		Expect(out.Owners[0]).To(Equal(c))
		Expect(out.Levels[0]).To(Equal(byte(42)))
	})
})
