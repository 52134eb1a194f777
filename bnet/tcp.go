package bnet

import "fmt"
import "sync"
import "time"

import "github.com/kestrelos/kestrel/defs"
import "github.com/kestrelos/kestrel/inet"

var tcp_debug = false

type Tcpstate_t int

const (
	CLOSED Tcpstate_t = iota
	LISTEN
	SYNSENT
	SYNRECEIVED
	ESTABLISHED
	FINWAIT1
	FINWAIT2
	CLOSING
	TIMEWAIT
	CLOSEWAIT
	LASTACK
)

var statestr = map[Tcpstate_t]string{
	CLOSED: "closed", LISTEN: "listen", SYNSENT: "synsent",
	SYNRECEIVED: "synreceived", ESTABLISHED: "established",
	FINWAIT1: "finwait1", FINWAIT2: "finwait2", CLOSING: "closing",
	TIMEWAIT: "timewait", CLOSEWAIT: "closewait", LASTACK: "lastack",
}

func (s Tcpstate_t) String() string {
	return statestr[s]
}

const (
	tcp_mss        = 1460
	tcp_rcvcap     = 32 * 1024
	tcp_sndcap     = 32 * 1024
	rxmit_ticks    = 3
	synrcv_giveup  = 3
	timewait_ticks = 10
	eph_first      = 32768
)

// x in (a, b] mod 2^32
func seqbetween(a, x, b uint32) bool {
	return x-a-1 < b-a
}

func seqdiff(a, b uint32) int {
	return int(int32(a - b))
}

type tcpkey_t struct {
	lip   inet.Ip_t
	rip   inet.Ip_t
	lport uint16
	rport uint16
}

type tcpstate_t struct {
	sync.Mutex
	ns        *Netstack_t
	conns     map[tcpkey_t]*Tcb_t
	listeners map[uint16]*Tcplistener_t
	iss       uint32
	eph       uint16
}

func mktcpstate(ns *Netstack_t) *tcpstate_t {
	return &tcpstate_t{ns: ns, conns: make(map[tcpkey_t]*Tcb_t),
		listeners: make(map[uint16]*Tcplistener_t), iss: 0x1000,
		eph: eph_first}
}

func (ts *tcpstate_t) nextiss() uint32 {
	ts.iss += 64 * 1024
	return ts.iss
}

// finds a free ephemeral local port for (rip, rport)
func (ts *tcpstate_t) ephemeral(rip inet.Ip_t,
	rport uint16) (uint16, defs.Err_t) {
	for i := 0; i < 1<<15; i++ {
		p := ts.eph
		ts.eph++
		if ts.eph == 0 {
			ts.eph = eph_first
		}
		k := tcpkey_t{ts.ns.Ip(), rip, p, rport}
		if _, ok := ts.conns[k]; !ok {
			if _, lst := ts.listeners[p]; !lst {
				return p, 0
			}
		}
	}
	return 0, -defs.ETOOMANY
}

type Tcplistener_t struct {
	sync.Mutex
	cond    *sync.Cond
	ts      *tcpstate_t
	lport   uint16
	backlog int
	// established children waiting for accept
	rcons   []*Tcb_t
	nsynrcv int
	closed  bool
}

type Tcb_t struct {
	sync.Mutex
	cond *sync.Cond
	ts   *tcpstate_t
	key  tcpkey_t
	rmac inet.Mac_t

	state   Tcpstate_t
	snd_nxt uint32
	snd_una uint32
	rcv_nxt uint32
	peerwin uint16
	mss     int

	// bytes sent but unacked, then bytes waiting for window
	sndbuf []uint8
	unsent []uint8
	rcvbuf []uint8
	ooo    map[uint32][]uint8

	finsent  bool
	finseq   uint32
	finacked bool
	rcvdfin  bool
	err      defs.Err_t
	lst      *Tcplistener_t
	rxticks  int
	twticks  int
	Nrxmit   int
}

func (ts *tcpstate_t) mktcb(k tcpkey_t, state Tcpstate_t) *Tcb_t {
	tcb := &Tcb_t{ts: ts, key: k, state: state, mss: tcp_mss,
		ooo: make(map[uint32][]uint8)}
	tcb.cond = sync.NewCond(tcb)
	return tcb
}

func (tcb *Tcb_t) State() Tcpstate_t {
	tcb.Lock()
	defer tcb.Unlock()
	return tcb.state
}

func (tcb *Tcb_t) Sndnxt() uint32 {
	tcb.Lock()
	defer tcb.Unlock()
	return tcb.snd_nxt
}

func (tcb *Tcb_t) Rcvnxt() uint32 {
	tcb.Lock()
	defer tcb.Unlock()
	return tcb.rcv_nxt
}

// free receive buffer bytes, advertised as the window
func (tcb *Tcb_t) window() uint16 {
	left := tcp_rcvcap - len(tcb.rcvbuf)
	if left < 0 {
		left = 0
	}
	if left > 0xffff {
		left = 0xffff
	}
	return uint16(left)
}

// callers hold tcb's lock
func (tcb *Tcb_t) xmit(flags uint8, seq uint32, mss uint16,
	payload []uint8) {
	th := &inet.Tcphdr_t{Sport: tcb.key.lport, Dport: tcb.key.rport,
		Seq: seq, Flags: flags, Win: tcb.window(), Mss: mss}
	if flags&inet.TCP_ACK != 0 {
		th.Ack = tcb.rcv_nxt
	}
	hdr := th.Bytes(tcb.key.lip, tcb.key.rip, payload)
	pkt := append(hdr, payload...)
	tcb.ts.ns.tx_ip(tcb.rmac, tcb.key.rip, inet.IP_TCP, pkt)
}

// a RST for a segment that arrived at a port with no connection or
// listener
func (ts *tcpstate_t) send_rst(eh *inet.Etherhdr_t, ih *inet.Ip4hdr_t,
	th *inet.Tcphdr_t, paylen int) {
	if th.Isrst() {
		return
	}
	rst := &inet.Tcphdr_t{Sport: th.Dport, Dport: th.Sport,
		Flags: inet.TCP_RST | inet.TCP_ACK}
	if th.Isack() {
		rst.Seq = th.Ack
	}
	rst.Ack = th.Seq + uint32(paylen)
	if th.Issyn() {
		rst.Ack++
	}
	hdr := rst.Bytes(ih.Dst, ih.Src, nil)
	ts.ns.tx_ip(eh.Src, ih.Src, inet.IP_TCP, hdr)
}

func (ts *tcpstate_t) rx(eh *inet.Etherhdr_t, ih *inet.Ip4hdr_t,
	d []uint8) {
	var th inet.Tcphdr_t
	hlen, err := th.Parse(d, ih.Src, ih.Dst)
	if err != 0 {
		ts.ns.drop()
		return
	}
	payload := d[hlen:]
	k := tcpkey_t{ih.Dst, ih.Src, th.Dport, th.Sport}

	ts.Lock()
	tcb, ok := ts.conns[k]
	if !ok {
		lst, lok := ts.listeners[th.Dport]
		ts.Unlock()
		if lok && th.Issyn() && !th.Isack() {
			lst.incoming(eh, k, &th)
			return
		}
		ts.send_rst(eh, ih, &th, len(payload))
		return
	}
	ts.Unlock()
	tcb.input(eh, &th, payload)
}

// handshake step one on the listener: create a SYNRECEIVED child and reply
// SYN+ACK. SYNs over the backlog are dropped.
func (lst *Tcplistener_t) incoming(eh *inet.Etherhdr_t, k tcpkey_t,
	th *inet.Tcphdr_t) {
	lst.Lock()
	if lst.closed || lst.nsynrcv+len(lst.rcons) >= lst.backlog {
		lst.Unlock()
		return
	}
	lst.nsynrcv++
	lst.Unlock()

	ts := lst.ts
	ts.Lock()
	iss := ts.nextiss()
	tcb := ts.mktcb(k, SYNRECEIVED)
	ts.conns[k] = tcb
	ts.Unlock()

	tcb.Lock()
	tcb.lst = lst
	tcb.rmac = eh.Src
	tcb.rcv_nxt = th.Seq + 1
	tcb.snd_una = iss
	tcb.snd_nxt = iss + 1
	tcb.peerwin = th.Win
	if th.Mss != 0 && int(th.Mss) < tcb.mss {
		tcb.mss = int(th.Mss)
	}
	tcb.xmit(inet.TCP_SYN|inet.TCP_ACK, iss, uint16(tcb.mss), nil)
	tcb.Unlock()
}

// active open: allocate a port, send SYN, wait for the handshake
func (ts *tcpstate_t) connect(rip inet.Ip_t, rport uint16,
	deadline time.Time) (*Tcb_t, defs.Err_t) {
	// the handshake always blocks; a zero deadline would hang forever
	if deadline.IsZero() {
		return nil, -defs.EWOULDBLOCK
	}
	dmac, err := ts.ns.arpc.Resolve(rip, deadline)
	if err != 0 {
		return nil, -defs.EUNREACH
	}
	ts.Lock()
	lport, err := ts.ephemeral(rip, rport)
	if err != 0 {
		ts.Unlock()
		return nil, err
	}
	k := tcpkey_t{ts.ns.Ip(), rip, lport, rport}
	iss := ts.nextiss()
	tcb := ts.mktcb(k, SYNSENT)
	ts.conns[k] = tcb
	ts.Unlock()

	tcb.Lock()
	tcb.rmac = dmac
	tcb.snd_una = iss
	tcb.snd_nxt = iss + 1
	tcb.xmit(inet.TCP_SYN, iss, uint16(tcb.mss), nil)
	for tcb.state == SYNSENT {
		if condexpired(tcb.cond, deadline) &&
			tcb.state == SYNSENT {
			tcb.Unlock()
			ts.teardown(tcb)
			return nil, -defs.ETIMEDOUT
		}
	}
	if tcb.state != ESTABLISHED {
		e := tcb.err
		tcb.Unlock()
		ts.teardown(tcb)
		if e == 0 {
			e = -defs.ECONNREFUSED
		}
		return nil, e
	}
	tcb.Unlock()
	return tcb, 0
}

func (ts *tcpstate_t) teardown(tcb *Tcb_t) {
	ts.Lock()
	delete(ts.conns, tcb.key)
	ts.Unlock()
}

// per-segment processing for an existing connection
func (tcb *Tcb_t) input(eh *inet.Etherhdr_t, th *inet.Tcphdr_t,
	payload []uint8) {
	tcb.Lock()
	defer tcb.Unlock()
	tcb.rmac = eh.Src

	if th.Isrst() {
		if tcb.state == SYNSENT {
			tcb.err = -defs.ECONNREFUSED
		} else {
			tcb.err = -defs.ENOTCONN
		}
		tcb.toclosed()
		return
	}

	switch tcb.state {
	case SYNSENT:
		if !th.Issyn() || !th.Isack() || th.Ack != tcb.snd_nxt {
			return
		}
		tcb.rcv_nxt = th.Seq + 1
		tcb.snd_una = th.Ack
		tcb.peerwin = th.Win
		if th.Mss != 0 && int(th.Mss) < tcb.mss {
			tcb.mss = int(th.Mss)
		}
		tcb.state = ESTABLISHED
		tcb.xmit(inet.TCP_ACK, tcb.snd_nxt, 0, nil)
		tcb.cond.Broadcast()
		return
	case SYNRECEIVED:
		if !th.Isack() || th.Ack != tcb.snd_nxt {
			return
		}
		tcb.snd_una = th.Ack
		tcb.peerwin = th.Win
		tcb.state = ESTABLISHED
		if lst := tcb.lst; lst != nil {
			lst.Lock()
			lst.nsynrcv--
			lst.rcons = append(lst.rcons, tcb)
			lst.Unlock()
			lst.cond.Broadcast()
		}
		// the ACK may carry data; fall through to the normal path
	case CLOSED:
		return
	}

	tcb.handle_ack(th)
	tcb.handle_data(th, payload)
	tcb.push()
}

func (tcb *Tcb_t) toclosed() {
	// a half-open child holds a backlog slot until it is established
	if tcb.state == SYNRECEIVED && tcb.lst != nil {
		lst := tcb.lst
		lst.Lock()
		lst.nsynrcv--
		lst.Unlock()
	}
	tcb.state = CLOSED
	tcb.ts.teardown(tcb)
	tcb.cond.Broadcast()
}

func (tcb *Tcb_t) handle_ack(th *inet.Tcphdr_t) {
	if !th.Isack() {
		return
	}
	tcb.peerwin = th.Win
	ack := th.Ack
	if !seqbetween(tcb.snd_una, ack, tcb.snd_nxt) {
		return
	}
	n := seqdiff(ack, tcb.snd_una)
	if tcb.finsent && !tcb.finacked && seqdiff(ack, tcb.finseq) > 0 {
		// the FIN occupies the last sequence
		n--
		tcb.finacked = true
	}
	if n > 0 {
		tcb.sndbuf = tcb.sndbuf[n:]
	}
	tcb.snd_una = ack
	tcb.rxticks = 0
	tcb.cond.Broadcast()

	if tcb.finacked {
		switch tcb.state {
		case FINWAIT1:
			tcb.state = FINWAIT2
		case CLOSING:
			tcb.state = TIMEWAIT
		case LASTACK:
			tcb.toclosed()
		}
	}
}

// receiver side: rcv_nxt advances only on contiguous in-order bytes;
// later segments wait in the out-of-order store.
func (tcb *Tcb_t) handle_data(th *inet.Tcphdr_t, payload []uint8) {
	seq := th.Seq
	dirty := false
	if len(payload) > 0 {
		switch {
		case seq == tcb.rcv_nxt:
			tcb.deliver(payload)
			tcb.drain_ooo()
			dirty = true
		case seqbetween(tcb.rcv_nxt, seq, tcb.rcv_nxt+0xffff):
			cp := make([]uint8, len(payload))
			copy(cp, payload)
			tcb.ooo[seq] = cp
			dirty = true
		default:
			// old retransmission
			dirty = true
		}
	}
	if th.Isfin() {
		finseq := seq + uint32(len(payload))
		if finseq == tcb.rcv_nxt {
			tcb.rcv_nxt++
			tcb.rcvdfin = true
			dirty = true
			switch tcb.state {
			case ESTABLISHED:
				tcb.state = CLOSEWAIT
			case FINWAIT1:
				if tcb.finacked {
					tcb.state = TIMEWAIT
				} else {
					tcb.state = CLOSING
				}
			case FINWAIT2:
				tcb.state = TIMEWAIT
			}
			tcb.cond.Broadcast()
		}
	}
	if dirty {
		tcb.xmit(inet.TCP_ACK, tcb.snd_nxt, 0, nil)
	}
}

func (tcb *Tcb_t) deliver(payload []uint8) {
	space := tcp_rcvcap - len(tcb.rcvbuf)
	n := len(payload)
	if n > space {
		// the peer overran our advertised window
		n = space
	}
	tcb.rcvbuf = append(tcb.rcvbuf, payload[:n]...)
	tcb.rcv_nxt += uint32(n)
	tcb.cond.Broadcast()
}

func (tcb *Tcb_t) drain_ooo() {
	for {
		seg, ok := tcb.ooo[tcb.rcv_nxt]
		if !ok {
			return
		}
		delete(tcb.ooo, tcb.rcv_nxt)
		tcb.deliver(seg)
	}
}

// transmits unsent bytes while the peer's window has room. callers hold
// tcb's lock.
func (tcb *Tcb_t) push() {
	for len(tcb.unsent) > 0 {
		inflight := seqdiff(tcb.snd_nxt, tcb.snd_una)
		room := int(tcb.peerwin) - inflight
		if room <= 0 {
			return
		}
		n := len(tcb.unsent)
		if n > room {
			n = room
		}
		if n > tcb.mss {
			n = tcb.mss
		}
		seg := tcb.unsent[:n]
		tcb.xmit(inet.TCP_ACK|inet.TCP_PSH, tcb.snd_nxt, 0, seg)
		tcb.sndbuf = append(tcb.sndbuf, seg...)
		tcb.unsent = tcb.unsent[n:]
		tcb.snd_nxt += uint32(n)
	}
	if tcb.finsent && !tcb.finacked && tcb.snd_nxt == tcb.finseq {
		tcb.xmit(inet.TCP_ACK|inet.TCP_FIN, tcb.finseq, 0, nil)
		tcb.snd_nxt = tcb.finseq + 1
	}
}

// queues data for transmission. blocks while the send buffer is full.
func (tcb *Tcb_t) Send(data []uint8, deadline time.Time) (int,
	defs.Err_t) {
	tcb.Lock()
	defer tcb.Unlock()
	if tcb.state != ESTABLISHED && tcb.state != CLOSEWAIT {
		return 0, -defs.ENOTCONN
	}
	for len(tcb.sndbuf)+len(tcb.unsent) >= tcp_sndcap {
		if tcb.state != ESTABLISHED && tcb.state != CLOSEWAIT {
			return 0, -defs.ENOTCONN
		}
		if deadline.IsZero() {
			return 0, -defs.EWOULDBLOCK
		}
		if condexpired(tcb.cond, deadline) &&
			len(tcb.sndbuf)+len(tcb.unsent) >= tcp_sndcap {
			return 0, -defs.ETIMEDOUT
		}
	}
	room := tcp_sndcap - len(tcb.sndbuf) - len(tcb.unsent)
	n := len(data)
	if n > room {
		n = room
	}
	tcb.unsent = append(tcb.unsent, data[:n]...)
	tcb.push()
	return n, 0
}

// copies received bytes out in order. returns 0 bytes at EOF.
func (tcb *Tcb_t) Recv(buf []uint8, deadline time.Time) (int, defs.Err_t) {
	tcb.Lock()
	defer tcb.Unlock()
	for len(tcb.rcvbuf) == 0 {
		if tcb.rcvdfin || tcb.state == CLOSED {
			return 0, 0
		}
		if tcb.state != ESTABLISHED && tcb.state != FINWAIT1 &&
			tcb.state != FINWAIT2 {
			return 0, -defs.ENOTCONN
		}
		if deadline.IsZero() {
			return 0, -defs.EWOULDBLOCK
		}
		if condexpired(tcb.cond, deadline) &&
			len(tcb.rcvbuf) == 0 {
			return 0, -defs.ETIMEDOUT
		}
	}
	n := copy(buf, tcb.rcvbuf)
	tcb.rcvbuf = tcb.rcvbuf[n:]
	return n, 0
}

// initiates close: the active side walks FinWait1 -> FinWait2 -> TimeWait,
// the passive side LastAck -> Closed.
func (tcb *Tcb_t) Close() defs.Err_t {
	tcb.Lock()
	defer tcb.Unlock()
	switch tcb.state {
	case ESTABLISHED:
		tcb.state = FINWAIT1
	case CLOSEWAIT:
		tcb.state = LASTACK
	case SYNSENT, SYNRECEIVED:
		tcb.toclosed()
		return 0
	case CLOSED:
		return 0
	default:
		return -defs.EBADSTATE
	}
	tcb.finsent = true
	tcb.finseq = tcb.snd_nxt + uint32(len(tcb.unsent))
	tcb.push()
	return 0
}

// retransmit and time-wait bookkeeping, driven by the stack tick
func (ts *tcpstate_t) tick() {
	ts.Lock()
	tcbs := make([]*Tcb_t, 0, len(ts.conns))
	for _, tcb := range ts.conns {
		tcbs = append(tcbs, tcb)
	}
	ts.Unlock()

	for _, tcb := range tcbs {
		tcb.Lock()
		if tcb.state == TIMEWAIT {
			tcb.twticks++
			if tcb.twticks >= timewait_ticks {
				tcb.toclosed()
			}
			tcb.Unlock()
			continue
		}
		// abandoned handshakes release their backlog slot
		if tcb.state == SYNRECEIVED && tcb.Nrxmit >= synrcv_giveup {
			tcb.toclosed()
			tcb.Unlock()
			continue
		}
		unacked := seqdiff(tcb.snd_nxt, tcb.snd_una) > 0
		if !unacked {
			tcb.rxticks = 0
			tcb.Unlock()
			continue
		}
		tcb.rxticks++
		if tcb.rxticks >= rxmit_ticks {
			tcb.rxticks = 0
			tcb.retransmit()
		}
		tcb.Unlock()
	}
}

// resends the first unacked segment from snd_una
func (tcb *Tcb_t) retransmit() {
	tcb.Nrxmit++
	switch tcb.state {
	case SYNSENT:
		tcb.xmit(inet.TCP_SYN, tcb.snd_una, uint16(tcb.mss), nil)
		return
	case SYNRECEIVED:
		tcb.xmit(inet.TCP_SYN|inet.TCP_ACK, tcb.snd_una,
			uint16(tcb.mss), nil)
		return
	}
	if len(tcb.sndbuf) > 0 {
		n := len(tcb.sndbuf)
		if n > tcb.mss {
			n = tcb.mss
		}
		tcb.xmit(inet.TCP_ACK|inet.TCP_PSH, tcb.snd_una, 0,
			tcb.sndbuf[:n])
	} else if tcb.finsent && !tcb.finacked {
		tcb.xmit(inet.TCP_ACK|inet.TCP_FIN, tcb.finseq, 0, nil)
	}
	if tcp_debug {
		fmt.Printf("tcp: rxmit %v seq %v\n", tcb.key.rport,
			tcb.snd_una)
	}
}

// listener surface

func (ts *tcpstate_t) listen(lport uint16, backlog int) (*Tcplistener_t,
	defs.Err_t) {
	if backlog <= 0 {
		backlog = 1
	}
	ts.Lock()
	defer ts.Unlock()
	if _, ok := ts.listeners[lport]; ok {
		return nil, -defs.EINUSE
	}
	lst := &Tcplistener_t{ts: ts, lport: lport, backlog: backlog}
	lst.cond = sync.NewCond(lst)
	ts.listeners[lport] = lst
	return lst, 0
}

// pops an established child; EWOULDBLOCK with a zero deadline and an empty
// queue
func (lst *Tcplistener_t) Accept(deadline time.Time) (*Tcb_t, defs.Err_t) {
	lst.Lock()
	defer lst.Unlock()
	for len(lst.rcons) == 0 {
		if lst.closed {
			return nil, -defs.EBADSTATE
		}
		if deadline.IsZero() {
			return nil, -defs.EWOULDBLOCK
		}
		if condexpired(lst.cond, deadline) && len(lst.rcons) == 0 {
			return nil, -defs.ETIMEDOUT
		}
	}
	tcb := lst.rcons[0]
	lst.rcons = lst.rcons[1:]
	return tcb, 0
}

func (lst *Tcplistener_t) Close() {
	lst.Lock()
	lst.closed = true
	rcons := lst.rcons
	lst.rcons = nil
	lst.Unlock()
	lst.cond.Broadcast()

	lst.ts.Lock()
	delete(lst.ts.listeners, lst.lport)
	lst.ts.Unlock()
	for _, tcb := range rcons {
		tcb.Close()
	}
}

// waits on c with an optional deadline; reports expiry. the caller holds
// c's locker and re-checks its predicate.
func condexpired(c *sync.Cond, deadline time.Time) bool {
	if deadline.IsZero() {
		c.Wait()
		return false
	}
	now := time.Now()
	if !now.Before(deadline) {
		return true
	}
	t := time.AfterFunc(deadline.Sub(now), func() { c.Broadcast() })
	c.Wait()
	t.Stop()
	return !time.Now().Before(deadline)
}
