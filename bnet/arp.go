package bnet

import "fmt"
import "sync"
import "time"

import "github.com/kestrelos/kestrel/defs"
import "github.com/kestrelos/kestrel/inet"

// entries older than this are expired on insert and lookup
const ARP_EXPIRE = 5 * time.Minute

type arpent_t struct {
	mac   inet.Mac_t
	added time.Time
}

type Arpcache_t struct {
	sync.Mutex
	ns      *Netstack_t
	ents    map[inet.Ip_t]arpent_t
	waiters map[inet.Ip_t][]chan inet.Mac_t
	now     func() time.Time
}

func mkarpcache(ns *Netstack_t) *Arpcache_t {
	return &Arpcache_t{ns: ns, ents: make(map[inet.Ip_t]arpent_t),
		waiters: make(map[inet.Ip_t][]chan inet.Mac_t),
		now:     time.Now}
}

// callers hold the lock
func (ac *Arpcache_t) expire1() {
	cutoff := ac.now().Add(-ARP_EXPIRE)
	for ip, e := range ac.ents {
		if e.added.Before(cutoff) {
			delete(ac.ents, ip)
		}
	}
}

// inserts (ip, mac) and wakes any resolver waiting for it. a full cache
// drops its oldest entry.
func (ac *Arpcache_t) Add(ip inet.Ip_t, mac inet.Mac_t) {
	ac.Lock()
	ac.expire1()
	if _, ok := ac.ents[ip]; !ok {
		for len(ac.ents) >= defs.Syslimit.Arpents {
			var oip inet.Ip_t
			var oldest time.Time
			first := true
			for eip, e := range ac.ents {
				if first || e.added.Before(oldest) {
					oip = eip
					oldest = e.added
					first = false
				}
			}
			delete(ac.ents, oip)
		}
	}
	ac.ents[ip] = arpent_t{mac: mac, added: ac.now()}
	ws := ac.waiters[ip]
	delete(ac.waiters, ip)
	ac.Unlock()
	for _, w := range ws {
		w <- mac
	}
	if net_debug {
		fmt.Printf("arp: %v is %v\n", ip, mac)
	}
}

func (ac *Arpcache_t) Lookup(ip inet.Ip_t) (inet.Mac_t, bool) {
	ac.Lock()
	defer ac.Unlock()
	e, ok := ac.ents[ip]
	if !ok {
		return inet.Mac_t{}, false
	}
	if e.added.Before(ac.now().Add(-ARP_EXPIRE)) {
		delete(ac.ents, ip)
		return inet.Mac_t{}, false
	}
	return e.mac, true
}

func (ac *Arpcache_t) Len() int {
	ac.Lock()
	defer ac.Unlock()
	return len(ac.ents)
}

// resolves ip, broadcasting an ARP request and waiting for the reply when
// the cache misses. a zero deadline does not block.
func (ac *Arpcache_t) Resolve(ip inet.Ip_t,
	deadline time.Time) (inet.Mac_t, defs.Err_t) {
	if mac, ok := ac.Lookup(ip); ok {
		return mac, 0
	}
	ch := make(chan inet.Mac_t, 1)
	ac.Lock()
	ac.waiters[ip] = append(ac.waiters[ip], ch)
	ac.Unlock()

	req := &inet.Arp_t{Op: inet.ARP_REQUEST, Sha: ac.ns.Mac(),
		Spa: ac.ns.Ip(), Tpa: ip}
	eh := &inet.Etherhdr_t{Dst: inet.Bcastmac, Src: ac.ns.Mac(),
		Etype: inet.ETH_ARP}
	ac.ns.nic.Tx_raw(append(eh.Bytes(), req.Bytes()...))

	if deadline.IsZero() {
		select {
		case mac := <-ch:
			return mac, 0
		default:
			ac.unwait(ip, ch)
			return inet.Mac_t{}, -defs.EWOULDBLOCK
		}
	}
	select {
	case mac := <-ch:
		return mac, 0
	case <-time.After(time.Until(deadline)):
		ac.unwait(ip, ch)
		return inet.Mac_t{}, -defs.EUNREACH
	}
}

func (ac *Arpcache_t) unwait(ip inet.Ip_t, ch chan inet.Mac_t) {
	ac.Lock()
	defer ac.Unlock()
	ws := ac.waiters[ip]
	for i, w := range ws {
		if w == ch {
			ac.waiters[ip] = append(ws[:i], ws[i+1:]...)
			return
		}
	}
}

// any ARP packet teaches us the sender; requests for our IP get a reply
func (ac *Arpcache_t) rx(eh *inet.Etherhdr_t, d []uint8) {
	var ar inet.Arp_t
	if err := ar.Parse(d); err != 0 {
		ac.ns.drop()
		return
	}
	ac.Add(ar.Spa, ar.Sha)
	if ar.Op == inet.ARP_REQUEST && ar.Tpa == ac.ns.Ip() {
		rep := &inet.Arp_t{Op: inet.ARP_REPLY, Sha: ac.ns.Mac(),
			Spa: ac.ns.Ip(), Tha: ar.Sha, Tpa: ar.Spa}
		reh := &inet.Etherhdr_t{Dst: ar.Sha, Src: ac.ns.Mac(),
			Etype: inet.ETH_ARP}
		ac.ns.nic.Tx_raw(append(reh.Bytes(), rep.Bytes()...))
	}
}
