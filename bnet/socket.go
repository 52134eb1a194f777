package bnet

import "sync"
import "time"

import "github.com/kestrelos/kestrel/defs"
import "github.com/kestrelos/kestrel/inet"

const (
	udp_qcap = 64
	udp_eph  = 32768
)

type udpdgram_t struct {
	data  []uint8
	sip   inet.Ip_t
	sport uint16
}

type Socket_t struct {
	sync.Mutex
	cond *sync.Cond
	Id   int
	typ  int
	st   *Socktbl_t

	bound bool
	lport uint16

	// datagram state: bounded arrival-order queue, drop-oldest
	rcvq     []udpdgram_t
	Ndropped int
	peerset  bool
	peerip   inet.Ip_t
	peerport uint16

	// stream state
	tcb *Tcb_t
	lst *Tcplistener_t

	closed bool
}

// the BSD surface: socket ids to endpoint state across both transports
type Socktbl_t struct {
	sync.Mutex
	ns       *Netstack_t
	socks    map[int]*Socket_t
	udpports map[uint16]*Socket_t
	nextid   int
	udpeph   uint16
}

func mksocktbl(ns *Netstack_t) *Socktbl_t {
	return &Socktbl_t{ns: ns, socks: make(map[int]*Socket_t),
		udpports: make(map[uint16]*Socket_t), nextid: 1,
		udpeph: udp_eph}
}

func (st *Socktbl_t) Socket(domain, typ int) (int, defs.Err_t) {
	if domain != defs.AF_INET {
		return 0, -defs.EINVAL
	}
	if typ != defs.SOCK_STREAM && typ != defs.SOCK_DGRAM {
		return 0, -defs.EINVAL
	}
	st.Lock()
	defer st.Unlock()
	if len(st.socks) >= defs.Syslimit.Socks {
		return 0, -defs.ETOOMANY
	}
	s := &Socket_t{Id: st.nextid, typ: typ, st: st}
	s.cond = sync.NewCond(s)
	st.nextid++
	st.socks[s.Id] = s
	return s.Id, 0
}

func (st *Socktbl_t) lookup(id int) (*Socket_t, defs.Err_t) {
	st.Lock()
	defer st.Unlock()
	s, ok := st.socks[id]
	if !ok {
		return nil, -defs.EBADF
	}
	return s, 0
}

func (st *Socktbl_t) Bind(id int, ip inet.Ip_t, port uint16) defs.Err_t {
	s, err := st.lookup(id)
	if err != 0 {
		return err
	}
	if ip != 0 && ip != st.ns.Ip() {
		return -defs.EINVAL
	}
	s.Lock()
	defer s.Unlock()
	if s.bound {
		return -defs.EINUSE
	}
	if s.typ == defs.SOCK_DGRAM {
		st.Lock()
		if _, ok := st.udpports[port]; ok {
			st.Unlock()
			return -defs.EINUSE
		}
		st.udpports[port] = s
		st.Unlock()
	} else {
		st.ns.tcps.Lock()
		_, ok := st.ns.tcps.listeners[port]
		st.ns.tcps.Unlock()
		if ok {
			return -defs.EINUSE
		}
	}
	s.bound = true
	s.lport = port
	return 0
}

// UDP: records the default peer. TCP: runs the three-way handshake.
func (st *Socktbl_t) Connect(id int, ip inet.Ip_t, port uint16,
	deadline time.Time) defs.Err_t {
	s, err := st.lookup(id)
	if err != 0 {
		return err
	}
	if s.typ == defs.SOCK_DGRAM {
		s.Lock()
		s.peerset = true
		s.peerip = ip
		s.peerport = port
		s.Unlock()
		return 0
	}
	s.Lock()
	if s.tcb != nil || s.lst != nil {
		s.Unlock()
		return -defs.EBADSTATE
	}
	s.Unlock()
	tcb, err := st.ns.tcps.connect(ip, port, deadline)
	if err != 0 {
		return err
	}
	s.Lock()
	s.tcb = tcb
	s.Unlock()
	return 0
}

func (st *Socktbl_t) Listen(id int, backlog int) defs.Err_t {
	s, err := st.lookup(id)
	if err != 0 {
		return err
	}
	s.Lock()
	defer s.Unlock()
	if s.typ != defs.SOCK_STREAM || !s.bound || s.tcb != nil ||
		s.lst != nil {
		return -defs.EBADSTATE
	}
	lst, err := st.ns.tcps.listen(s.lport, backlog)
	if err != 0 {
		return err
	}
	s.lst = lst
	return 0
}

// wraps an established child connection in a fresh socket
func (st *Socktbl_t) Accept(id int, deadline time.Time) (int, defs.Err_t) {
	s, err := st.lookup(id)
	if err != 0 {
		return 0, err
	}
	s.Lock()
	lst := s.lst
	s.Unlock()
	if lst == nil {
		return 0, -defs.EBADSTATE
	}
	tcb, err := lst.Accept(deadline)
	if err != 0 {
		return 0, err
	}
	st.Lock()
	defer st.Unlock()
	if len(st.socks) >= defs.Syslimit.Socks {
		tcb.Close()
		return 0, -defs.ETOOMANY
	}
	child := &Socket_t{Id: st.nextid, typ: defs.SOCK_STREAM, st: st,
		tcb: tcb, bound: true, lport: tcb.key.lport}
	child.cond = sync.NewCond(child)
	st.nextid++
	st.socks[child.Id] = child
	return child.Id, 0
}

func (st *Socktbl_t) Send(id int, data []uint8,
	deadline time.Time) (int, defs.Err_t) {
	s, err := st.lookup(id)
	if err != 0 {
		return 0, err
	}
	if s.typ == defs.SOCK_DGRAM {
		s.Lock()
		if !s.peerset {
			s.Unlock()
			return 0, -defs.ENOTCONN
		}
		ip, port := s.peerip, s.peerport
		s.Unlock()
		return st.sendto(s, data, ip, port, deadline)
	}
	s.Lock()
	tcb := s.tcb
	s.Unlock()
	if tcb == nil {
		return 0, -defs.ENOTCONN
	}
	return tcb.Send(data, deadline)
}

func (st *Socktbl_t) Sendto(id int, data []uint8, ip inet.Ip_t,
	port uint16, deadline time.Time) (int, defs.Err_t) {
	s, err := st.lookup(id)
	if err != 0 {
		return 0, err
	}
	if s.typ != defs.SOCK_DGRAM {
		return 0, -defs.EINVAL
	}
	return st.sendto(s, data, ip, port, deadline)
}

func (st *Socktbl_t) sendto(s *Socket_t, data []uint8, ip inet.Ip_t,
	port uint16, deadline time.Time) (int, defs.Err_t) {
	if len(data) > inet.MTU-inet.IP4_HDRLEN-inet.UDP_HDRLEN {
		return 0, -defs.EMSGSIZE
	}
	s.Lock()
	if !s.bound {
		// implicit bind to an ephemeral port
		st.Lock()
		for {
			p := st.udpeph
			st.udpeph++
			if st.udpeph == 0 {
				st.udpeph = udp_eph
			}
			if _, ok := st.udpports[p]; !ok {
				st.udpports[p] = s
				s.bound = true
				s.lport = p
				break
			}
		}
		st.Unlock()
	}
	lport := s.lport
	s.Unlock()

	uh := &inet.Udphdr_t{Sport: lport, Dport: port}
	hdr := uh.Bytes(st.ns.Ip(), ip, data)
	pkt := append(hdr, data...)
	if err := st.ns.tx_ip_resolve(ip, inet.IP_UDP, pkt,
		deadline); err != 0 {
		return 0, err
	}
	return len(data), 0
}

func (st *Socktbl_t) Recv(id int, buf []uint8,
	deadline time.Time) (int, defs.Err_t) {
	n, _, _, err := st.Recvfrom(id, buf, deadline)
	return n, err
}

func (st *Socktbl_t) Recvfrom(id int, buf []uint8,
	deadline time.Time) (int, inet.Ip_t, uint16, defs.Err_t) {
	s, err := st.lookup(id)
	if err != 0 {
		return 0, 0, 0, err
	}
	if s.typ == defs.SOCK_STREAM {
		s.Lock()
		tcb := s.tcb
		s.Unlock()
		if tcb == nil {
			return 0, 0, 0, -defs.ENOTCONN
		}
		n, err := tcb.Recv(buf, deadline)
		return n, tcb.key.rip, tcb.key.rport, err
	}
	s.Lock()
	defer s.Unlock()
	for len(s.rcvq) == 0 {
		if s.closed {
			return 0, 0, 0, -defs.EBADF
		}
		if deadline.IsZero() {
			return 0, 0, 0, -defs.EWOULDBLOCK
		}
		if condexpired(s.cond, deadline) && len(s.rcvq) == 0 {
			return 0, 0, 0, -defs.ETIMEDOUT
		}
	}
	dg := s.rcvq[0]
	s.rcvq = s.rcvq[1:]
	n := copy(buf, dg.data)
	return n, dg.sip, dg.sport, 0
}

func (st *Socktbl_t) Close(id int) defs.Err_t {
	st.Lock()
	s, ok := st.socks[id]
	if !ok {
		st.Unlock()
		return -defs.EBADF
	}
	delete(st.socks, id)
	st.Unlock()

	s.Lock()
	s.closed = true
	if s.typ == defs.SOCK_DGRAM && s.bound {
		st.Lock()
		delete(st.udpports, s.lport)
		st.Unlock()
	}
	tcb := s.tcb
	lst := s.lst
	s.Unlock()
	s.cond.Broadcast()

	if lst != nil {
		lst.Close()
	}
	if tcb != nil {
		return tcb.Close()
	}
	return 0
}

// datagram demux by destination port; a connected socket only sees its
// peer. full queues drop the oldest datagram.
func (st *Socktbl_t) rx_udp(eh *inet.Etherhdr_t, ih *inet.Ip4hdr_t,
	d []uint8) {
	var uh inet.Udphdr_t
	if err := uh.Parse(d, ih.Src, ih.Dst); err != 0 {
		st.ns.drop()
		return
	}
	st.Lock()
	s, ok := st.udpports[uh.Dport]
	st.Unlock()
	if !ok {
		st.ns.drop()
		return
	}
	s.Lock()
	defer s.Unlock()
	if s.peerset && (ih.Src != s.peerip || uh.Sport != s.peerport) {
		st.ns.drop()
		return
	}
	payload := d[inet.UDP_HDRLEN:uh.Len]
	cp := make([]uint8, len(payload))
	copy(cp, payload)
	if len(s.rcvq) >= udp_qcap {
		s.rcvq = s.rcvq[1:]
		s.Ndropped++
	}
	s.rcvq = append(s.rcvq, udpdgram_t{data: cp, sip: ih.Src,
		sport: uh.Sport})
	s.cond.Broadcast()
}

// test and diagnostic access to the underlying connection
func (st *Socktbl_t) Tcb(id int) *Tcb_t {
	s, err := st.lookup(id)
	if err != 0 {
		return nil
	}
	s.Lock()
	defer s.Unlock()
	return s.tcb
}
