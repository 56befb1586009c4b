// Package wire implements the ANSI E1.31 (sACN) packet codec: a validating
// parser that rejects malformed packets without allocation, and a packer
// for the outbound PDU shapes the rest of the module needs to exercise in
// tests. Parsing never copies the slot payload; it returns a view into the
// caller-owned buffer.
package wire

import (
	"encoding/binary"

	"github.com/openlumen/sacn/cid"
)

// Kind tags the parsed PDU's root-layer framing vector.
type Kind int

const (
	KindData Kind = iota
	KindSync
	KindDiscovery
)

const (
	vectorRootData = 0x00000004
	vectorRootExt  = 0x00000008 // extended root, used by sync + discovery

	vectorFramingData      = 0x00000002
	vectorFramingSync      = 0x00000001
	vectorFramingDiscovery = 0x00000008

	vectorDiscoveryUniverseList = 0x00000001

	vectorDMPSetProperty = 0x02
	addressDataType      = 0xA1

	optPreview    = 0x80
	optTerminated = 0x40
	optForceSync  = 0x20

	StartCodeDMX = 0x00
	StartCodePAP = 0xDD

	MaxSlots = 512

	sourceNameLen = 64
	preambleLen   = 16
)

var preambleMagic = [12]byte{'A', 'S', 'C', '-', 'E', '1', '.', '1', '7', 0, 0, 0}

// Options carries the framing-layer option bits.
type Options struct {
	Preview    bool
	Terminated bool
	ForceSync  bool
}

// Data is a zero-copy view of a parsed data/sync PDU. Slots aliases the
// input buffer and is only valid as long as that buffer is not reused.
type Data struct {
	Kind         Kind
	CID          cid.CID
	SourceName   string
	Universe     uint16
	Priority     uint8
	Sequence     uint8
	Options      Options
	SyncUniverse uint16
	StartCode    uint8
	Slots        []byte
}

// DiscoveryPage is one parsed universe-discovery PDU page. Universes is a
// freshly decoded slice and does not alias the input buffer.
type DiscoveryPage struct {
	CID       cid.CID
	Page      uint8
	LastPage  uint8
	Universes []uint16
}

// ErrMalformed is returned by Parse for any structurally invalid packet.
// Per the receive-path contract, callers drop the packet silently rather
// than surfacing this to application callbacks; it exists so internal
// metrics/logging can still distinguish "malformed" from other drop reasons.
type ErrMalformed struct{ Reason string }

func (e *ErrMalformed) Error() string { return "sacn wire: malformed packet: " + e.Reason }

func malformed(reason string) error { return &ErrMalformed{Reason: reason} }

func flagsLength(b []byte) (length int) {
	return int(binary.BigEndian.Uint16(b)) & 0x0FFF
}

func putFlagsLength(b []byte, length int) {
	binary.BigEndian.PutUint16(b, uint16(0x7000|(length&0x0FFF)))
}

// Parse validates and parses buf, returning either a Data view (for data
// and sync-universe PDUs) or a DiscoveryPage (for universe-discovery
// PDUs). Exactly one of the two return values is non-nil on success.
func Parse(buf []byte) (*Data, *DiscoveryPage, error) {
	if len(buf) < preambleLen+22 {
		return nil, nil, malformed("short packet")
	}
	if binary.BigEndian.Uint16(buf[0:2]) != 0x0010 {
		return nil, nil, malformed("bad preamble size")
	}
	if binary.BigEndian.Uint16(buf[2:4]) != 0x0000 {
		return nil, nil, malformed("bad postamble size")
	}
	if [12]byte(buf[4:16]) != preambleMagic {
		return nil, nil, malformed("bad ACN packet identifier")
	}

	root := buf[preambleLen:]
	if len(root) < 22 {
		return nil, nil, malformed("short root layer")
	}
	rootVector := binary.BigEndian.Uint32(root[2:6])
	var c cid.CID
	copy(c[:], root[6:22])
	framing := root[22:]

	switch rootVector {
	case vectorRootData:
		return parseDataFraming(c, framing)
	case vectorRootExt:
		return parseExtFraming(c, framing)
	default:
		return nil, nil, malformed("unrecognized root vector")
	}
}

func parseDataFraming(c cid.CID, framing []byte) (*Data, *DiscoveryPage, error) {
	if len(framing) < 77 {
		return nil, nil, malformed("short framing layer")
	}
	vec := binary.BigEndian.Uint32(framing[2:6])
	var kind Kind
	switch vec {
	case vectorFramingData:
		kind = KindData
	default:
		return nil, nil, malformed("unrecognized framing vector")
	}

	name := nulTerminated(framing[6 : 6+sourceNameLen])
	p := framing[6+sourceNameLen:]
	priority := p[0]
	syncUniverse := binary.BigEndian.Uint16(p[1:3])
	sequence := p[3]
	opts := p[4]
	universe := binary.BigEndian.Uint16(p[5:7])
	dmp := p[7:]

	d, err := parseDMP(dmp)
	if err != nil {
		return nil, nil, err
	}
	d.Kind = kind
	d.CID = c
	d.SourceName = name
	d.Universe = universe
	d.Priority = priority
	d.Sequence = sequence
	d.SyncUniverse = syncUniverse
	d.Options = Options{
		Preview:    opts&optPreview != 0,
		Terminated: opts&optTerminated != 0,
		ForceSync:  opts&optForceSync != 0,
	}
	if universe < 1 || universe > 63999 {
		return nil, nil, malformed("universe out of range")
	}
	return d, nil, nil
}

func parseDMP(dmp []byte) (*Data, error) {
	if len(dmp) < 10 {
		return nil, malformed("short DMP layer")
	}
	if dmp[2] != vectorDMPSetProperty {
		return nil, malformed("unrecognized DMP vector")
	}
	if dmp[3] != addressDataType {
		return nil, malformed("unrecognized address-data type")
	}
	firstAddr := binary.BigEndian.Uint16(dmp[4:6])
	increment := binary.BigEndian.Uint16(dmp[6:8])
	if firstAddr != 0 || increment != 1 {
		return nil, malformed("unsupported DMP addressing")
	}
	count := int(binary.BigEndian.Uint16(dmp[8:10]))
	if count < 1 || count > MaxSlots+1 {
		return nil, malformed("DMP count out of range")
	}
	rest := dmp[10:]
	if len(rest) < count {
		return nil, malformed("slot data truncated")
	}
	return &Data{
		StartCode: rest[0],
		Slots:     rest[1:count],
	}, nil
}

func parseExtFraming(c cid.CID, framing []byte) (*Data, *DiscoveryPage, error) {
	if len(framing) < 6 {
		return nil, nil, malformed("short extended framing layer")
	}
	vec := binary.BigEndian.Uint32(framing[2:6])
	switch vec {
	case vectorFramingSync:
		return parseSync(c, framing)
	case vectorFramingDiscovery:
		return parseDiscovery(c, framing)
	default:
		return nil, nil, malformed("unrecognized extended framing vector")
	}
}

func parseSync(c cid.CID, framing []byte) (*Data, *DiscoveryPage, error) {
	if len(framing) < 9 {
		return nil, nil, malformed("short sync framing layer")
	}
	syncUniverse := binary.BigEndian.Uint16(framing[6:8])
	return &Data{
		Kind:         KindSync,
		CID:          c,
		SyncUniverse: syncUniverse,
	}, nil, nil
}

func parseDiscovery(c cid.CID, framing []byte) (*Data, *DiscoveryPage, error) {
	// framing: flags+len(2) vector(4) source-name(64) reserved(4) then one
	// discovery-layer PDU: flags+len(2) vector(4)=0x00000001 page(1) last-page(1)
	// followed by a list of 2-byte universes.
	if len(framing) < 6+sourceNameLen+4+8 {
		return nil, nil, malformed("short discovery framing layer")
	}
	disc := framing[6+sourceNameLen+4:]
	page := disc[6]
	lastPage := disc[7]
	universeBytes := disc[8:]
	if len(universeBytes)%2 != 0 {
		return nil, nil, malformed("truncated universe list")
	}
	n := len(universeBytes) / 2
	universes := make([]uint16, n)
	for i := 0; i < n; i++ {
		universes[i] = binary.BigEndian.Uint16(universeBytes[i*2 : i*2+2])
	}
	return nil, &DiscoveryPage{CID: c, Page: page, LastPage: lastPage, Universes: universes}, nil
}

func nulTerminated(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// PackData fills buf (which must be at least PackedDataLen(len(slots))
// bytes) with a complete data PDU and returns the number of bytes
// written. Lengths and flags are written last, once the payload size is
// known, matching the teacher's pack-then-backfill convention.
func PackData(buf []byte, c cid.CID, sourceName string, universe uint16, priority, sequence uint8, opts Options, syncUniverse uint16, startCode uint8, slots []byte) int {
	n := PackedDataLen(len(slots))
	_ = buf[:n]

	binary.BigEndian.PutUint16(buf[0:2], 0x0010)
	binary.BigEndian.PutUint16(buf[2:4], 0x0000)
	copy(buf[4:16], preambleMagic[:])

	root := buf[preambleLen:]
	binary.BigEndian.PutUint32(root[2:6], vectorRootData)
	copy(root[6:22], c[:])

	framing := root[22:]
	binary.BigEndian.PutUint32(framing[2:6], vectorFramingData)
	copy(framing[6:6+sourceNameLen], []byte(sourceName))
	for i := len(sourceName); i < sourceNameLen; i++ {
		framing[6+i] = 0
	}
	p := framing[6+sourceNameLen:]
	p[0] = priority
	binary.BigEndian.PutUint16(p[1:3], syncUniverse)
	p[3] = sequence
	var optByte uint8
	if opts.Preview {
		optByte |= optPreview
	}
	if opts.Terminated {
		optByte |= optTerminated
	}
	if opts.ForceSync {
		optByte |= optForceSync
	}
	p[4] = optByte
	binary.BigEndian.PutUint16(p[5:7], universe)

	dmp := p[7:]
	dmp[2] = vectorDMPSetProperty
	dmp[3] = addressDataType
	binary.BigEndian.PutUint16(dmp[4:6], 0)
	binary.BigEndian.PutUint16(dmp[6:8], 1)
	binary.BigEndian.PutUint16(dmp[8:10], uint16(1+len(slots)))
	dmp[10] = startCode
	copy(dmp[11:], slots)

	putFlagsLength(root[0:2], n-preambleLen)
	putFlagsLength(framing[0:2], n-preambleLen-22)
	putFlagsLength(dmp[0:2], 10+len(slots))

	return n
}

// PackedDataLen returns the total packet size for a data PDU carrying
// nslots slots.
func PackedDataLen(nslots int) int {
	return preambleLen + 22 + 77 + 11 + nslots
}

// PackDiscoveryPage fills buf with a single universe-discovery page PDU and
// returns the number of bytes written.
func PackDiscoveryPage(buf []byte, c cid.CID, sourceName string, page *DiscoveryPage) int {
	n := PackedDiscoveryLen(len(page.Universes))
	_ = buf[:n]

	binary.BigEndian.PutUint16(buf[0:2], 0x0010)
	binary.BigEndian.PutUint16(buf[2:4], 0x0000)
	copy(buf[4:16], preambleMagic[:])

	root := buf[preambleLen:]
	binary.BigEndian.PutUint32(root[2:6], vectorRootExt)
	copy(root[6:22], c[:])

	framing := root[22:]
	binary.BigEndian.PutUint32(framing[2:6], vectorFramingDiscovery)
	copy(framing[6:6+sourceNameLen], []byte(sourceName))
	for i := len(sourceName); i < sourceNameLen; i++ {
		framing[6+i] = 0
	}
	reserved := framing[6+sourceNameLen : 6+sourceNameLen+4]
	for i := range reserved {
		reserved[i] = 0
	}

	disc := framing[6+sourceNameLen+4:]
	binary.BigEndian.PutUint32(disc[2:6], vectorDiscoveryUniverseList)
	disc[6] = page.Page
	disc[7] = page.LastPage
	ulist := disc[8:]
	for i, u := range page.Universes {
		binary.BigEndian.PutUint16(ulist[i*2:i*2+2], u)
	}

	putFlagsLength(root[0:2], n-preambleLen)
	putFlagsLength(framing[0:2], n-preambleLen-22)
	putFlagsLength(disc[0:2], 8+len(page.Universes)*2)

	return n
}

// PackedDiscoveryLen returns the total packet size for a discovery page
// carrying nuniverses universe entries.
func PackedDiscoveryLen(nuniverses int) int {
	return preambleLen + 22 + 6 + sourceNameLen + 4 + 8 + nuniverses*2
}
