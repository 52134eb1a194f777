package inet

import "fmt"

import "github.com/kestrelos/kestrel/defs"

type Mac_t [6]uint8

type Ip_t uint32

const (
	ETHERLEN = 14
	MTU      = 1500

	ETH_IP4 = 0x0800
	ETH_ARP = 0x0806

	IP4_HDRLEN = 20
	IP_ICMP    = 1
	IP_TCP     = 6
	IP_UDP     = 17

	ARPLEN = 28

	ICMP_ECHOREP = 0
	ICMP_ECHOREQ = 8

	UDP_HDRLEN = 8
	TCP_HDRLEN = 20
)

var Bcastmac = Mac_t{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (m Mac_t) Isbcast() bool {
	return m == Bcastmac
}

func (m Mac_t) Ismcast() bool {
	return m[0]&1 == 1
}

func (m Mac_t) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2],
		m[3], m[4], m[5])
}

func Mkip(a, b, c, d uint8) Ip_t {
	return Ip_t(a)<<24 | Ip_t(b)<<16 | Ip_t(c)<<8 | Ip_t(d)
}

func (ip Ip_t) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", uint8(ip>>24), uint8(ip>>16),
		uint8(ip>>8), uint8(ip))
}

func be16(v uint16, d []uint8) {
	d[0] = uint8(v >> 8)
	d[1] = uint8(v)
}

func be32(v uint32, d []uint8) {
	d[0] = uint8(v >> 24)
	d[1] = uint8(v >> 16)
	d[2] = uint8(v >> 8)
	d[3] = uint8(v)
}

func rd16(d []uint8) uint16 {
	return uint16(d[0])<<8 | uint16(d[1])
}

func rd32(d []uint8) uint32 {
	return uint32(d[0])<<24 | uint32(d[1])<<16 | uint32(d[2])<<8 |
		uint32(d[3])
}

// one's-complement sum of 16-bit words, odd trailing byte zero-padded
func cksum(bufs ...[]uint8) uint16 {
	var sum uint32
	var left uint8
	odd := false
	for _, b := range bufs {
		if odd && len(b) > 0 {
			sum += uint32(left)<<8 | uint32(b[0])
			b = b[1:]
			odd = false
		}
		for len(b) >= 2 {
			sum += uint32(rd16(b))
			b = b[2:]
		}
		if len(b) == 1 {
			left = b[0]
			odd = true
		}
	}
	if odd {
		sum += uint32(left) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

type Etherhdr_t struct {
	Dst   Mac_t
	Src   Mac_t
	Etype uint16
}

func (eh *Etherhdr_t) Bytes() []uint8 {
	d := make([]uint8, ETHERLEN)
	copy(d[0:], eh.Dst[:])
	copy(d[6:], eh.Src[:])
	be16(eh.Etype, d[12:])
	return d
}

func (eh *Etherhdr_t) Parse(d []uint8) defs.Err_t {
	if len(d) < ETHERLEN {
		return -defs.ETRUNC
	}
	copy(eh.Dst[:], d[0:6])
	copy(eh.Src[:], d[6:12])
	eh.Etype = rd16(d[12:])
	return 0
}

const (
	ARP_REQUEST = 1
	ARP_REPLY   = 2
)

type Arp_t struct {
	Op  uint16
	Sha Mac_t
	Spa Ip_t
	Tha Mac_t
	Tpa Ip_t
}

func (ar *Arp_t) Bytes() []uint8 {
	d := make([]uint8, ARPLEN)
	be16(1, d[0:]) // ethernet
	be16(ETH_IP4, d[2:])
	d[4] = 6
	d[5] = 4
	be16(ar.Op, d[6:])
	copy(d[8:], ar.Sha[:])
	be32(uint32(ar.Spa), d[14:])
	copy(d[18:], ar.Tha[:])
	be32(uint32(ar.Tpa), d[24:])
	return d
}

func (ar *Arp_t) Parse(d []uint8) defs.Err_t {
	if len(d) < ARPLEN {
		return -defs.ETRUNC
	}
	if rd16(d[0:]) != 1 || rd16(d[2:]) != ETH_IP4 || d[4] != 6 ||
		d[5] != 4 {
		return -defs.EINVAL
	}
	ar.Op = rd16(d[6:])
	copy(ar.Sha[:], d[8:14])
	ar.Spa = Ip_t(rd32(d[14:]))
	copy(ar.Tha[:], d[18:24])
	ar.Tpa = Ip_t(rd32(d[24:]))
	return 0
}

type Ip4hdr_t struct {
	Tos   uint8
	Tlen  uint16
	Ident uint16
	Frag  uint16
	Ttl   uint8
	Proto uint8
	Src   Ip_t
	Dst   Ip_t
}

func (ih *Ip4hdr_t) Bytes() []uint8 {
	d := make([]uint8, IP4_HDRLEN)
	d[0] = 0x45
	d[1] = ih.Tos
	be16(ih.Tlen, d[2:])
	be16(ih.Ident, d[4:])
	be16(ih.Frag, d[6:])
	d[8] = ih.Ttl
	d[9] = ih.Proto
	be32(uint32(ih.Src), d[12:])
	be32(uint32(ih.Dst), d[16:])
	be16(cksum(d), d[10:])
	return d
}

// validates version, IHL, total length against the payload, and the header
// checksum. hlen is the parsed header length in bytes.
func (ih *Ip4hdr_t) Parse(d []uint8) (int, defs.Err_t) {
	if len(d) < IP4_HDRLEN {
		return 0, -defs.ETRUNC
	}
	if d[0]>>4 != 4 {
		return 0, -defs.EINVAL
	}
	hlen := int(d[0]&0xf) * 4
	if hlen < IP4_HDRLEN {
		return 0, -defs.EINVAL
	}
	if len(d) < hlen {
		return 0, -defs.ETRUNC
	}
	if cksum(d[:hlen]) != 0 {
		return 0, -defs.EBADCKSUM
	}
	ih.Tos = d[1]
	ih.Tlen = rd16(d[2:])
	if int(ih.Tlen) > len(d) || int(ih.Tlen) < hlen {
		return 0, -defs.ETRUNC
	}
	ih.Ident = rd16(d[4:])
	ih.Frag = rd16(d[6:])
	ih.Ttl = d[8]
	ih.Proto = d[9]
	ih.Src = Ip_t(rd32(d[12:]))
	ih.Dst = Ip_t(rd32(d[16:]))
	return hlen, 0
}

func Mkip4hdr(proto uint8, src, dst Ip_t, paylen int) *Ip4hdr_t {
	return &Ip4hdr_t{Tlen: uint16(IP4_HDRLEN + paylen), Ttl: 64,
		Proto: proto, Src: src, Dst: dst}
}

type Icmp_t struct {
	Typ   uint8
	Code  uint8
	Ident uint16
	Seq   uint16
	Data  []uint8
}

// checksum is over type+code+rest, one's complement
func (ic *Icmp_t) Bytes() []uint8 {
	d := make([]uint8, 8+len(ic.Data))
	d[0] = ic.Typ
	d[1] = ic.Code
	be16(ic.Ident, d[4:])
	be16(ic.Seq, d[6:])
	copy(d[8:], ic.Data)
	be16(cksum(d), d[2:])
	return d
}

func (ic *Icmp_t) Parse(d []uint8) defs.Err_t {
	if len(d) < 8 {
		return -defs.ETRUNC
	}
	if cksum(d) != 0 {
		return -defs.EBADCKSUM
	}
	ic.Typ = d[0]
	ic.Code = d[1]
	ic.Ident = rd16(d[4:])
	ic.Seq = rd16(d[6:])
	ic.Data = d[8:]
	return 0
}

// the UDP/TCP pseudo-header: src, dst, zero, proto, length
func pseudohdr(src, dst Ip_t, proto uint8, l int) []uint8 {
	d := make([]uint8, 12)
	be32(uint32(src), d[0:])
	be32(uint32(dst), d[4:])
	d[9] = proto
	be16(uint16(l), d[10:])
	return d
}

type Udphdr_t struct {
	Sport uint16
	Dport uint16
	Len   uint16
}

func (uh *Udphdr_t) Bytes(src, dst Ip_t, payload []uint8) []uint8 {
	uh.Len = uint16(UDP_HDRLEN + len(payload))
	d := make([]uint8, UDP_HDRLEN)
	be16(uh.Sport, d[0:])
	be16(uh.Dport, d[2:])
	be16(uh.Len, d[4:])
	ph := pseudohdr(src, dst, IP_UDP, int(uh.Len))
	be16(cksum(ph, d, payload), d[6:])
	return d
}

func (uh *Udphdr_t) Parse(d []uint8, src, dst Ip_t) defs.Err_t {
	if len(d) < UDP_HDRLEN {
		return -defs.ETRUNC
	}
	uh.Sport = rd16(d[0:])
	uh.Dport = rd16(d[2:])
	uh.Len = rd16(d[4:])
	if int(uh.Len) > len(d) || uh.Len < UDP_HDRLEN {
		return -defs.ETRUNC
	}
	// an all-zero checksum means the sender skipped it
	if rd16(d[6:]) != 0 {
		ph := pseudohdr(src, dst, IP_UDP, int(uh.Len))
		if cksum(ph, d[:uh.Len]) != 0 {
			return -defs.EBADCKSUM
		}
	}
	return 0
}

const (
	TCP_FIN = 1 << 0
	TCP_SYN = 1 << 1
	TCP_RST = 1 << 2
	TCP_PSH = 1 << 3
	TCP_ACK = 1 << 4
)

type Tcphdr_t struct {
	Sport uint16
	Dport uint16
	Seq   uint32
	Ack   uint32
	Flags uint8
	Win   uint16
	// MSS is the only option emitted or understood; 0 means absent
	Mss uint16
}

func (th *Tcphdr_t) Issyn() bool { return th.Flags&TCP_SYN != 0 }
func (th *Tcphdr_t) Isack() bool { return th.Flags&TCP_ACK != 0 }
func (th *Tcphdr_t) Isrst() bool { return th.Flags&TCP_RST != 0 }
func (th *Tcphdr_t) Isfin() bool { return th.Flags&TCP_FIN != 0 }

func (th *Tcphdr_t) hdrlen() int {
	if th.Mss != 0 {
		return TCP_HDRLEN + 4
	}
	return TCP_HDRLEN
}

func (th *Tcphdr_t) Bytes(src, dst Ip_t, payload []uint8) []uint8 {
	hl := th.hdrlen()
	d := make([]uint8, hl)
	be16(th.Sport, d[0:])
	be16(th.Dport, d[2:])
	be32(th.Seq, d[4:])
	be32(th.Ack, d[8:])
	d[12] = uint8(hl/4) << 4
	d[13] = th.Flags
	be16(th.Win, d[14:])
	if th.Mss != 0 {
		d[20] = 2
		d[21] = 4
		be16(th.Mss, d[22:])
	}
	ph := pseudohdr(src, dst, IP_TCP, hl+len(payload))
	be16(cksum(ph, d, payload), d[16:])
	return d
}

// hlen is the parsed header length including options
func (th *Tcphdr_t) Parse(d []uint8, src, dst Ip_t) (int, defs.Err_t) {
	if len(d) < TCP_HDRLEN {
		return 0, -defs.ETRUNC
	}
	hl := int(d[12]>>4) * 4
	if hl < TCP_HDRLEN || hl > len(d) {
		return 0, -defs.ETRUNC
	}
	ph := pseudohdr(src, dst, IP_TCP, len(d))
	if cksum(ph, d) != 0 {
		return 0, -defs.EBADCKSUM
	}
	th.Sport = rd16(d[0:])
	th.Dport = rd16(d[2:])
	th.Seq = rd32(d[4:])
	th.Ack = rd32(d[8:])
	th.Flags = d[13]
	th.Win = rd16(d[14:])
	th.Mss = 0
	opts := d[TCP_HDRLEN:hl]
	for len(opts) > 0 {
		switch opts[0] {
		case 0:
			opts = nil
		case 1:
			opts = opts[1:]
		case 2:
			if len(opts) < 4 || opts[1] != 4 {
				return 0, -defs.EINVAL
			}
			th.Mss = rd16(opts[2:])
			opts = opts[4:]
		default:
			if len(opts) < 2 || int(opts[1]) < 2 ||
				int(opts[1]) > len(opts) {
				return 0, -defs.EINVAL
			}
			opts = opts[opts[1]:]
		}
	}
	return hl, 0
}
