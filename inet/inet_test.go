package inet

import "bytes"
import "testing"

import "github.com/kestrelos/kestrel/defs"

var srcip = Mkip(10, 0, 0, 2)
var dstip = Mkip(10, 0, 0, 1)

func TestMacPredicates(t *testing.T) {
	if !Bcastmac.Isbcast() {
		t.Fatalf("broadcast not recognized")
	}
	m := Mac_t{0x01, 0x00, 0x5e, 1, 2, 3}
	if !m.Ismcast() {
		t.Fatalf("multicast not recognized")
	}
	u := Mac_t{0x52, 0x54, 0, 1, 2, 3}
	if u.Isbcast() || u.Ismcast() {
		t.Fatalf("unicast misclassified")
	}
}

func TestEtherRoundtrip(t *testing.T) {
	eh := &Etherhdr_t{Dst: Mac_t{1, 2, 3, 4, 5, 6},
		Src: Mac_t{7, 8, 9, 10, 11, 12}, Etype: ETH_IP4}
	d := eh.Bytes()
	if len(d) != ETHERLEN {
		t.Fatalf("header length %v", len(d))
	}
	var got Etherhdr_t
	if err := got.Parse(d); err != 0 {
		t.Fatalf("parse: %v", err)
	}
	if got != *eh {
		t.Fatalf("roundtrip: %+v != %+v", got, *eh)
	}
	if !bytes.Equal(got.Bytes(), d) {
		t.Fatalf("reserialize differs")
	}
}

func TestArpRoundtrip(t *testing.T) {
	ar := &Arp_t{Op: ARP_REQUEST, Sha: Mac_t{1, 2, 3, 4, 5, 6},
		Spa: srcip, Tha: Mac_t{}, Tpa: dstip}
	d := ar.Bytes()
	if len(d) != ARPLEN {
		t.Fatalf("arp length %v", len(d))
	}
	var got Arp_t
	if err := got.Parse(d); err != 0 {
		t.Fatalf("parse: %v", err)
	}
	if got != *ar {
		t.Fatalf("roundtrip: %+v != %+v", got, *ar)
	}
	if !bytes.Equal(got.Bytes(), d) {
		t.Fatalf("reserialize differs")
	}
	// wrong hardware type rejected
	d[0] = 0
	d[1] = 2
	if err := got.Parse(d); err != -defs.EINVAL {
		t.Fatalf("bad htype accepted: %v", err)
	}
}

func TestIp4Roundtrip(t *testing.T) {
	ih := Mkip4hdr(IP_ICMP, srcip, dstip, 12)
	d := ih.Bytes()
	if cksum(d) != 0 {
		t.Fatalf("header checksum does not verify")
	}
	var got Ip4hdr_t
	hlen, err := got.Parse(append(d, make([]uint8, 12)...))
	if err != 0 {
		t.Fatalf("parse: %v", err)
	}
	if hlen != IP4_HDRLEN {
		t.Fatalf("hlen %v", hlen)
	}
	if got.Src != srcip || got.Dst != dstip || got.Proto != IP_ICMP {
		t.Fatalf("fields: %+v", got)
	}
	if !bytes.Equal(got.Bytes(), d) {
		t.Fatalf("reserialize differs")
	}
}

func TestIp4Validation(t *testing.T) {
	ih := Mkip4hdr(IP_UDP, srcip, dstip, 0)
	d := ih.Bytes()
	var got Ip4hdr_t

	bad := make([]uint8, len(d))
	copy(bad, d)
	bad[0] = 0x65 // version 6
	if _, err := got.Parse(bad); err != -defs.EINVAL {
		t.Fatalf("version: %v", err)
	}
	copy(bad, d)
	bad[0] = 0x44 // IHL 4
	if _, err := got.Parse(bad); err != -defs.EINVAL {
		t.Fatalf("ihl: %v", err)
	}
	copy(bad, d)
	bad[8] ^= 0xff // corrupt without fixing the checksum
	if _, err := got.Parse(bad); err != -defs.EBADCKSUM {
		t.Fatalf("checksum: %v", err)
	}
	copy(bad, d)
	if _, err := got.Parse(bad[:10]); err != -defs.ETRUNC {
		t.Fatalf("short: %v", err)
	}
}

func TestIcmpRoundtrip(t *testing.T) {
	ic := &Icmp_t{Typ: ICMP_ECHOREQ, Ident: 1, Seq: 1,
		Data: []uint8{'A', 'B', 'C', 'D'}}
	d := ic.Bytes()
	if cksum(d) != 0 {
		t.Fatalf("icmp checksum does not verify")
	}
	var got Icmp_t
	if err := got.Parse(d); err != 0 {
		t.Fatalf("parse: %v", err)
	}
	if got.Typ != ICMP_ECHOREQ || got.Ident != 1 || got.Seq != 1 {
		t.Fatalf("fields: %+v", got)
	}
	if !bytes.Equal(got.Data, ic.Data) {
		t.Fatalf("payload differs")
	}
	if !bytes.Equal(got.Bytes(), d) {
		t.Fatalf("reserialize differs")
	}
	d[5] ^= 1
	if err := got.Parse(d); err != -defs.EBADCKSUM {
		t.Fatalf("corrupt icmp accepted: %v", err)
	}
}

func TestUdpRoundtrip(t *testing.T) {
	payload := []uint8("hello udp")
	uh := &Udphdr_t{Sport: 5353, Dport: 53}
	d := uh.Bytes(srcip, dstip, payload)
	pkt := append(d, payload...)
	var got Udphdr_t
	if err := got.Parse(pkt, srcip, dstip); err != 0 {
		t.Fatalf("parse: %v", err)
	}
	if got.Sport != 5353 || got.Dport != 53 ||
		int(got.Len) != UDP_HDRLEN+len(payload) {
		t.Fatalf("fields: %+v", got)
	}
	// pseudo-header mismatch fails the checksum
	if err := got.Parse(pkt, srcip, Mkip(10, 0, 0, 9)); err !=
		-defs.EBADCKSUM {
		t.Fatalf("wrong dst accepted: %v", err)
	}
}

func TestTcpRoundtrip(t *testing.T) {
	payload := []uint8("tcp bytes")
	th := &Tcphdr_t{Sport: 43210, Dport: 80, Seq: 0x1000, Ack: 0x2000,
		Flags: TCP_ACK | TCP_PSH, Win: 4096}
	d := th.Bytes(srcip, dstip, payload)
	if len(d) != TCP_HDRLEN {
		t.Fatalf("optionless header length %v", len(d))
	}
	pkt := append(d, payload...)
	var got Tcphdr_t
	hlen, err := got.Parse(pkt, srcip, dstip)
	if err != 0 {
		t.Fatalf("parse: %v", err)
	}
	if hlen != TCP_HDRLEN {
		t.Fatalf("hlen %v", hlen)
	}
	if got.Seq != 0x1000 || got.Ack != 0x2000 || !got.Isack() {
		t.Fatalf("fields: %+v", got)
	}
	pkt[20] ^= 0xff
	if _, err := got.Parse(pkt, srcip, dstip); err != -defs.EBADCKSUM {
		t.Fatalf("corrupt tcp accepted: %v", err)
	}
}

func TestTcpMssOption(t *testing.T) {
	th := &Tcphdr_t{Sport: 1, Dport: 2, Seq: 7, Flags: TCP_SYN,
		Win: 1024, Mss: 1460}
	d := th.Bytes(srcip, dstip, nil)
	if len(d) != TCP_HDRLEN+4 {
		t.Fatalf("mss header length %v", len(d))
	}
	var got Tcphdr_t
	hlen, err := got.Parse(d, srcip, dstip)
	if err != 0 {
		t.Fatalf("parse: %v", err)
	}
	if hlen != TCP_HDRLEN+4 || got.Mss != 1460 || !got.Issyn() {
		t.Fatalf("mss not parsed: %+v hlen %v", got, hlen)
	}
}

func TestCksumOddLength(t *testing.T) {
	// odd payloads pad with a zero byte
	ic := &Icmp_t{Typ: ICMP_ECHOREQ, Ident: 3, Seq: 9,
		Data: []uint8{1, 2, 3}}
	d := ic.Bytes()
	if cksum(d) != 0 {
		t.Fatalf("odd-length checksum does not verify")
	}
	// split buffers sum like a single buffer
	whole := []uint8{1, 2, 3, 4, 5}
	if cksum(whole) != cksum(whole[:3], whole[3:]) {
		t.Fatalf("split checksum differs")
	}
}
