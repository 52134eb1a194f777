package bnet

import "fmt"
import "sync"
import "time"

import "github.com/kestrelos/kestrel/defs"
import "github.com/kestrelos/kestrel/inet"

var net_debug = false

// transmit side of a network interface. the real driver rings a doorbell;
// tests capture the frames.
type Nic_i interface {
	Lladdr() inet.Mac_t
	Tx_raw(frame []uint8) defs.Err_t
}

type Nstats_t struct {
	Rxframes uint64
	Rxdrops  uint64
	Txframes uint64
	Badsums  uint64
}

// one interface's stack: ARP, ICMP echo, UDP demux, TCP, and the socket
// table above them.
type Netstack_t struct {
	sync.Mutex
	nic   Nic_i
	ip    inet.Ip_t
	arpc  *Arpcache_t
	tcps  *tcpstate_t
	socks *Socktbl_t
	now   func() time.Time
	stats Nstats_t
}

func Mknetstack(nic Nic_i, ip inet.Ip_t) *Netstack_t {
	ns := &Netstack_t{nic: nic, ip: ip, now: time.Now}
	ns.arpc = mkarpcache(ns)
	ns.tcps = mktcpstate(ns)
	ns.socks = mksocktbl(ns)
	return ns
}

// tests inject a fake clock
func (ns *Netstack_t) Set_now(f func() time.Time) {
	ns.now = f
	ns.arpc.now = f
}

func (ns *Netstack_t) Ip() inet.Ip_t {
	return ns.ip
}

func (ns *Netstack_t) Mac() inet.Mac_t {
	return ns.nic.Lladdr()
}

func (ns *Netstack_t) Socks() *Socktbl_t {
	return ns.socks
}

func (ns *Netstack_t) Stats() Nstats_t {
	ns.Lock()
	defer ns.Unlock()
	return ns.stats
}

func (ns *Netstack_t) drop() {
	ns.Lock()
	ns.stats.Rxdrops++
	ns.Unlock()
}

// entry point for every received frame
func (ns *Netstack_t) Rx_frame(frame []uint8) {
	ns.Lock()
	ns.stats.Rxframes++
	ns.Unlock()

	var eh inet.Etherhdr_t
	if err := eh.Parse(frame); err != 0 {
		ns.drop()
		return
	}
	if eh.Dst != ns.Mac() && !eh.Dst.Isbcast() {
		ns.drop()
		return
	}
	payload := frame[inet.ETHERLEN:]
	switch eh.Etype {
	case inet.ETH_ARP:
		ns.arpc.rx(&eh, payload)
	case inet.ETH_IP4:
		ns.rx_ip(&eh, payload)
	default:
		ns.drop()
	}
}

func (ns *Netstack_t) rx_ip(eh *inet.Etherhdr_t, d []uint8) {
	var ih inet.Ip4hdr_t
	hlen, err := ih.Parse(d)
	if err != 0 {
		if err == -defs.EBADCKSUM {
			ns.Lock()
			ns.stats.Badsums++
			ns.Unlock()
		}
		ns.drop()
		return
	}
	if ih.Dst != ns.ip {
		// not a router
		ns.drop()
		return
	}
	payload := d[hlen:ih.Tlen]
	switch ih.Proto {
	case inet.IP_ICMP:
		ns.rx_icmp(eh, &ih, payload)
	case inet.IP_UDP:
		ns.socks.rx_udp(eh, &ih, payload)
	case inet.IP_TCP:
		ns.tcps.rx(eh, &ih, payload)
	default:
		ns.drop()
	}
}

// echo requests to the interface IP get a reply with the same identifier,
// sequence, and payload. the reply reuses the request's source MAC.
func (ns *Netstack_t) rx_icmp(eh *inet.Etherhdr_t, ih *inet.Ip4hdr_t,
	d []uint8) {
	var ic inet.Icmp_t
	if err := ic.Parse(d); err != 0 {
		ns.drop()
		return
	}
	if ic.Typ != inet.ICMP_ECHOREQ || ic.Code != 0 {
		ns.drop()
		return
	}
	rep := &inet.Icmp_t{Typ: inet.ICMP_ECHOREP, Ident: ic.Ident,
		Seq: ic.Seq, Data: ic.Data}
	if net_debug {
		fmt.Printf("net: echo %v id %v seq %v\n", ih.Src, ic.Ident,
			ic.Seq)
	}
	ns.tx_ip(eh.Src, ih.Src, inet.IP_ICMP, rep.Bytes())
}

// builds and transmits ethernet+IPv4 around the payload
func (ns *Netstack_t) tx_ip(dmac inet.Mac_t, dst inet.Ip_t, proto uint8,
	payload []uint8) defs.Err_t {
	eh := &inet.Etherhdr_t{Dst: dmac, Src: ns.Mac(), Etype: inet.ETH_IP4}
	ih := inet.Mkip4hdr(proto, ns.ip, dst, len(payload))
	frame := append(eh.Bytes(), ih.Bytes()...)
	frame = append(frame, payload...)
	ns.Lock()
	ns.stats.Txframes++
	ns.Unlock()
	return ns.nic.Tx_raw(frame)
}

// resolves dst to a MAC, blocking on an outstanding ARP request up to the
// deadline
func (ns *Netstack_t) tx_ip_resolve(dst inet.Ip_t, proto uint8,
	payload []uint8, deadline time.Time) defs.Err_t {
	mac, err := ns.arpc.Resolve(dst, deadline)
	if err != 0 {
		return err
	}
	return ns.tx_ip(mac, dst, proto, payload)
}

// periodic work: TCP retransmit and time-wait reaping
func (ns *Netstack_t) Tick() {
	ns.tcps.tick()
}
