// Package socket is the module's multicast UDP transport: it owns the
// IPv4/IPv6 PacketConns, joins and leaves universe multicast groups on
// request, and hands back datagrams along with the interface they arrived
// on, per spec.md §4.6.
//
// A Pool is driven entirely from one goroutine (the owning receive thread,
// per spec.md §4.7): Poll, ReadFrom, and ApplyPending must never be called
// concurrently with each other on the same Pool. Join/Leave may be called
// from any goroutine under the shared coarse lock; they only enqueue work,
// applied at the top of the next receive cycle by ApplyPending.
package socket

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/openlumen/sacn/apierr"
	"github.com/openlumen/sacn/config"
	"github.com/openlumen/sacn/internal/nlog"
)

// MulticastPort is the UDP port sACN sources and receivers use, per ANSI
// E1.31.
const MulticastPort = 5568

// PollTimeout bounds how long one Poll call blocks before returning control
// to the receive loop so it can apply pending subscription changes and run
// its periodic tick, per spec.md §4.7 ("poll with a short timeout, default
// <=100ms").
const PollTimeout = 100 * time.Millisecond

// Packet is one received datagram, including the interface it arrived on so
// the receiver can attribute it to the right subscription.
type Packet struct {
	Payload []byte
	Src     net.Addr
	IfIndex int // 0 if unknown (platform didn't supply packet-info)
}

// Multicast4 returns the IPv4 multicast group address for a universe, per
// ANSI E1.31: 239.255.<universe-hi>.<universe-lo>.
func Multicast4(universe uint16) net.IP {
	return net.IPv4(239, 255, byte(universe>>8), byte(universe))
}

// Multicast6 returns the IPv6 multicast group address for a universe:
// ff18::8300:<universe>, the E1.31 IPv6 assignment.
func Multicast6(universe uint16) net.IP {
	ip := make(net.IP, net.IPv6len)
	ip[0], ip[1] = 0xff, 0x18
	ip[12] = 0x83
	ip[14] = byte(universe >> 8)
	ip[15] = byte(universe)
	return ip
}

// pendingOp is one queued subscription change, applied at the top of the
// next receive cycle rather than immediately, since Join/Leave may be
// called from an API goroutine that does not own the socket.
type pendingOp struct {
	join     bool
	universe uint16
}

// socket4 wraps one IPv4 PacketConn and the universes currently joined on
// it, so the pool can enforce config.MaxUniversesPerSocket before opening
// another one.
type socket4 struct {
	pc        *ipv4.PacketConn
	universes map[uint16]bool
}

type socket6 struct {
	pc        *ipv6.PacketConn
	universes map[uint16]bool
}

// Pool manages the set of IPv4/IPv6 sockets backing one receive thread. It
// pools subscriptions up to cfg.MaxUniversesPerSocket per socket, opening
// new sockets only once the current ones are full, per spec.md §4.6.
type Pool struct {
	cfg    config.Config
	ifaces []net.Interface

	v4 []*socket4
	v6 []*socket6

	pending []pendingOp
	owners  map[uint16]struct{ v4idx, v6idx int } // -1 when that family isn't joined

	buf []byte
}

// New creates a Pool bound to ifaces (all multicast-capable interfaces if
// ifaces is empty) per cfg.IPSupport. It returns KindNoNetints if ifaces is
// empty and no up, multicast-capable interface exists, or if no socket can
// be opened for any requested address family. Whether the interfaces can
// join a group is not checked here; ApplyPending reports that.
func New(cfg config.Config, ifaces []net.Interface) (*Pool, error) {
	if len(ifaces) == 0 {
		all, err := net.Interfaces()
		if err != nil {
			return nil, apierr.New(apierr.KindSys, "enumerating interfaces: %v", err)
		}
		for _, ifi := range all {
			if ifi.Flags&net.FlagMulticast != 0 && ifi.Flags&net.FlagUp != 0 {
				ifaces = append(ifaces, ifi)
			}
		}
	}
	if len(ifaces) == 0 {
		return nil, apierr.New(apierr.KindNoNetints, "no multicast-capable interfaces")
	}

	p := &Pool{
		cfg:    cfg,
		ifaces: ifaces,
		owners: make(map[uint16]struct{ v4idx, v6idx int }),
		buf:    make([]byte, 1500),
	}

	var v4ok, v6ok bool
	if cfg.IPSupport != config.IPv6Only {
		if s, err := p.openV4(); err == nil {
			p.v4 = append(p.v4, s)
			v4ok = true
		}
	}
	if cfg.IPSupport != config.IPv4Only {
		if s, err := p.openV6(); err == nil {
			p.v6 = append(p.v6, s)
			v6ok = true
		}
	}
	if !v4ok && !v6ok {
		return nil, apierr.New(apierr.KindNoNetints, "bind failed for every requested interface")
	}
	return p, nil
}

func (p *Pool) openV4() (*socket4, error) {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", MulticastPort))
	if err != nil {
		return nil, apierr.New(apierr.KindSys, "listen udp4: %v", err)
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv4.FlagInterface|ipv4.FlagDst, true); err != nil {
		conn.Close()
		return nil, apierr.New(apierr.KindSys, "set control message: %v", err)
	}
	return &socket4{pc: pc, universes: make(map[uint16]bool)}, nil
}

func (p *Pool) openV6() (*socket6, error) {
	conn, err := net.ListenPacket("udp6", fmt.Sprintf(":%d", MulticastPort))
	if err != nil {
		return nil, apierr.New(apierr.KindSys, "listen udp6: %v", err)
	}
	pc := ipv6.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv6.FlagInterface|ipv6.FlagDst, true); err != nil {
		conn.Close()
		return nil, apierr.New(apierr.KindSys, "set control message: %v", err)
	}
	return &socket6{pc: pc, universes: make(map[uint16]bool)}, nil
}

// Join enqueues a request to subscribe to universe's multicast group on
// every configured interface; the subscription is actually made on the next
// ApplyPending call.
func (p *Pool) Join(universe uint16) {
	p.pending = append(p.pending, pendingOp{join: true, universe: universe})
}

// Leave enqueues a request to unsubscribe from universe's multicast group.
func (p *Pool) Leave(universe uint16) {
	p.pending = append(p.pending, pendingOp{join: false, universe: universe})
}

// ApplyPending applies every queued Join/Leave since the last call, opening
// a new socket within a family once the current one holds
// cfg.MaxUniversesPerSocket universes, and closing sockets left with no
// subscriptions ("dead sockets"), per spec.md §4.6. Must be called from the
// receive thread, at the top of each poll cycle.
func (p *Pool) ApplyPending() error {
	ops := p.pending
	p.pending = nil

	var firstErr error
	for _, op := range ops {
		var err error
		if op.join {
			err = p.applyJoin(op.universe)
		} else {
			p.applyLeave(op.universe)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.closeDeadSockets()
	return firstErr
}

func (p *Pool) applyJoin(universe uint16) error {
	if _, already := p.owners[universe]; already {
		return nil
	}
	owner := struct{ v4idx, v6idx int }{-1, -1}

	if p.cfg.IPSupport != config.IPv6Only {
		idx, err := p.joinV4(universe)
		if err == nil {
			owner.v4idx = idx
		} else if p.cfg.IPSupport == config.IPv4Only {
			return err
		}
	}
	if p.cfg.IPSupport != config.IPv4Only {
		idx, err := p.joinV6(universe)
		if err == nil {
			owner.v6idx = idx
		} else if p.cfg.IPSupport == config.IPv6Only {
			return err
		}
	}
	if owner.v4idx < 0 && owner.v6idx < 0 {
		return apierr.New(apierr.KindNoNetints, "universe %d: no family joined on any interface", universe)
	}
	p.owners[universe] = owner
	return nil
}

func (p *Pool) joinV4(universe uint16) (int, error) {
	idx := p.socketForJoin4()
	if idx < 0 {
		return 0, apierr.New(apierr.KindNoNetints, "universe %d (ipv4): no socket open", universe)
	}
	s := p.v4[idx]
	group := &net.UDPAddr{IP: Multicast4(universe)}
	joined := 0
	var lastErr error
	for _, ifi := range p.ifaces {
		ifi := ifi
		if err := s.pc.JoinGroup(&ifi, group); err != nil {
			lastErr = err
			continue
		}
		joined++
	}
	if joined == 0 {
		return 0, apierr.New(apierr.KindNoNetints, "universe %d (ipv4): %v", universe, lastErr)
	}
	s.universes[universe] = true
	return idx, nil
}

func (p *Pool) joinV6(universe uint16) (int, error) {
	idx := p.socketForJoin6()
	if idx < 0 {
		return 0, apierr.New(apierr.KindNoNetints, "universe %d (ipv6): no socket open", universe)
	}
	s := p.v6[idx]
	group := &net.UDPAddr{IP: Multicast6(universe)}
	joined := 0
	var lastErr error
	for _, ifi := range p.ifaces {
		ifi := ifi
		if err := s.pc.JoinGroup(&ifi, group); err != nil {
			lastErr = err
			continue
		}
		joined++
	}
	if joined == 0 {
		return 0, apierr.New(apierr.KindNoNetints, "universe %d (ipv6): %v", universe, lastErr)
	}
	s.universes[universe] = true
	return idx, nil
}

// socketForJoin4 returns the index of an IPv4 socket with room for another
// universe, opening a new one if every existing socket is at
// cfg.MaxUniversesPerSocket. If that open fails it returns the last
// (full) socket, or -1 when the family has no socket at all.
func (p *Pool) socketForJoin4() int {
	for i, s := range p.v4 {
		if len(s.universes) < p.cfg.MaxUniversesPerSocket {
			return i
		}
	}
	if s, err := p.openV4(); err == nil {
		p.v4 = append(p.v4, s)
		return len(p.v4) - 1
	}
	return len(p.v4) - 1
}

func (p *Pool) socketForJoin6() int {
	for i, s := range p.v6 {
		if len(s.universes) < p.cfg.MaxUniversesPerSocket {
			return i
		}
	}
	if s, err := p.openV6(); err == nil {
		p.v6 = append(p.v6, s)
		return len(p.v6) - 1
	}
	return len(p.v6) - 1
}

func (p *Pool) applyLeave(universe uint16) {
	owner, ok := p.owners[universe]
	if !ok {
		return
	}
	if owner.v4idx >= 0 && owner.v4idx < len(p.v4) {
		s := p.v4[owner.v4idx]
		group := &net.UDPAddr{IP: Multicast4(universe)}
		for _, ifi := range p.ifaces {
			ifi := ifi
			_ = s.pc.LeaveGroup(&ifi, group)
		}
		delete(s.universes, universe)
	}
	if owner.v6idx >= 0 && owner.v6idx < len(p.v6) {
		s := p.v6[owner.v6idx]
		group := &net.UDPAddr{IP: Multicast6(universe)}
		for _, ifi := range p.ifaces {
			ifi := ifi
			_ = s.pc.LeaveGroup(&ifi, group)
		}
		delete(s.universes, universe)
	}
	delete(p.owners, universe)
}

// closeDeadSockets closes and drops every socket left with zero
// subscriptions, except the first of each family (some platforms require at
// least one bound socket per address family to keep receiving multicast at
// all, per spec.md §4.6's "on some platforms the stack must bind only one
// socket per address family").
func (p *Pool) closeDeadSockets() {
	keep4 := p.v4[:0]
	for i, s := range p.v4 {
		if i > 0 && len(s.universes) == 0 {
			s.pc.Close()
			continue
		}
		keep4 = append(keep4, s)
	}
	p.v4 = keep4

	keep6 := p.v6[:0]
	for i, s := range p.v6 {
		if i > 0 && len(s.universes) == 0 {
			s.pc.Close()
			continue
		}
		keep6 = append(keep6, s)
	}
	p.v6 = keep6
}

// Poll blocks up to PollTimeout waiting for any socket to become readable,
// then returns every packet currently available without blocking further.
// It never blocks indefinitely, so destruction can always make progress
// promptly, per spec.md §5.
func (p *Pool) Poll() []Packet {
	deadline := time.Now().Add(PollTimeout)
	var out []Packet
	for _, s := range p.v4 {
		s.pc.SetReadDeadline(deadline)
		out = append(out, p.drain4(s)...)
	}
	for _, s := range p.v6 {
		s.pc.SetReadDeadline(deadline)
		out = append(out, p.drain6(s)...)
	}
	return out
}

func (p *Pool) drain4(s *socket4) []Packet {
	var out []Packet
	for {
		n, cm, src, err := s.pc.ReadFrom(p.buf)
		if err != nil {
			if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
				nlog.Warnf("sacn: transient recv error (udp4): %v", err)
			}
			return out
		}
		payload := make([]byte, n)
		copy(payload, p.buf[:n])
		pkt := Packet{Payload: payload, Src: src}
		if cm != nil {
			pkt.IfIndex = cm.IfIndex
		}
		out = append(out, pkt)
	}
}

func (p *Pool) drain6(s *socket6) []Packet {
	var out []Packet
	for {
		n, cm, src, err := s.pc.ReadFrom(p.buf)
		if err != nil {
			if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
				nlog.Warnf("sacn: transient recv error (udp6): %v", err)
			}
			return out
		}
		payload := make([]byte, n)
		copy(payload, p.buf[:n])
		pkt := Packet{Payload: payload, Src: src}
		if cm != nil {
			pkt.IfIndex = cm.IfIndex
		}
		out = append(out, pkt)
	}
}

// Close tears down every socket in the pool.
func (p *Pool) Close() {
	for _, s := range p.v4 {
		s.pc.Close()
	}
	for _, s := range p.v6 {
		s.pc.Close()
	}
	p.v4 = nil
	p.v6 = nil
}
