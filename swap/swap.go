package swap

import "fmt"
import "sync"

import "github.com/kestrelos/kestrel/bdev"
import "github.com/kestrelos/kestrel/defs"
import "github.com/kestrelos/kestrel/mem"
import "github.com/kestrelos/kestrel/vm"

var swap_debug = false

// free frames below this make the tick start reclaiming
const FREE_THRESHOLD = 100

const swapns = 1

type skey_t struct {
	pid defs.Pid_t
	va  uintptr
}

// LRU tracking node. the list runs head (coldest) to tail (hottest);
// an access moves the node to the tail.
type pagent_t struct {
	key   skey_t
	clean bool
	prev  *pagent_t
	next  *pagent_t
}

// the swap daemon: owns the swap index {page -> disk offset}, the offset
// allocator, and the page LRU used for victim selection. offsets are 4 KiB
// aligned, assigned monotonically, and reused after swap-in.
type Swapd_t struct {
	sync.Mutex
	pm      *mem.Physmem_t
	disk    bdev.Disk_i
	idx     map[skey_t]uint64
	nextoff uint64
	freeoff []uint64
	lru     map[skey_t]*pagent_t
	head    *pagent_t
	tail    *pagent_t
	aspaces map[defs.Pid_t]*vm.Aspace_t
	thresh  int

	Nswapout int
	Nswapin  int
	Ndropped int
}

func Mkswapd(pm *mem.Physmem_t, disk bdev.Disk_i) *Swapd_t {
	return &Swapd_t{pm: pm, disk: disk, idx: make(map[skey_t]uint64),
		lru:     make(map[skey_t]*pagent_t),
		aspaces: make(map[defs.Pid_t]*vm.Aspace_t),
		thresh:  FREE_THRESHOLD}
}

func (sd *Swapd_t) Set_threshold(n int) {
	sd.Lock()
	sd.thresh = n
	sd.Unlock()
}

// makes pid's pages eligible for replacement
func (sd *Swapd_t) Register(pid defs.Pid_t, as *vm.Aspace_t) {
	sd.Lock()
	sd.aspaces[pid] = as
	sd.Unlock()
}

// forgets pid: drops its LRU entries and releases its swap offsets
func (sd *Swapd_t) Unregister(pid defs.Pid_t) {
	sd.Lock()
	defer sd.Unlock()
	delete(sd.aspaces, pid)
	for k, pe := range sd.lru {
		if k.pid == pid {
			sd.unlink(pe)
			delete(sd.lru, k)
		}
	}
	for k, off := range sd.idx {
		if k.pid == pid {
			delete(sd.idx, k)
			sd.freeoff = append(sd.freeoff, off)
		}
	}
}

func (sd *Swapd_t) unlink(pe *pagent_t) {
	if pe.prev != nil {
		pe.prev.next = pe.next
	} else {
		sd.head = pe.next
	}
	if pe.next != nil {
		pe.next.prev = pe.prev
	} else {
		sd.tail = pe.prev
	}
	pe.prev = nil
	pe.next = nil
}

func (sd *Swapd_t) totail(pe *pagent_t) {
	pe.prev = sd.tail
	pe.next = nil
	if sd.tail != nil {
		sd.tail.next = pe
	} else {
		sd.head = pe
	}
	sd.tail = pe
}

// records an access to (pid, va): inserts or moves the page to the LRU tail
func (sd *Swapd_t) Track(pid defs.Pid_t, va uintptr) {
	sd.Lock()
	defer sd.Unlock()
	k := skey_t{pid, va}
	if pe, ok := sd.lru[k]; ok {
		sd.unlink(pe)
		sd.totail(pe)
		return
	}
	pe := &pagent_t{key: k}
	sd.lru[k] = pe
	sd.totail(pe)
}

// like Track but marks the page clean and file-backed, so eviction drops
// it instead of writing it to swap
func (sd *Swapd_t) Track_clean(pid defs.Pid_t, va uintptr) {
	sd.Lock()
	defer sd.Unlock()
	k := skey_t{pid, va}
	pe, ok := sd.lru[k]
	if !ok {
		pe = &pagent_t{key: k}
		sd.lru[k] = pe
	} else {
		sd.unlink(pe)
	}
	pe.clean = true
	sd.totail(pe)
}

func (sd *Swapd_t) allocoff() uint64 {
	if n := len(sd.freeoff); n > 0 {
		off := sd.freeoff[n-1]
		sd.freeoff = sd.freeoff[:n-1]
		return off
	}
	off := sd.nextoff
	sd.nextoff += uint64(mem.PGSIZE)
	return off
}

func lbaof(off uint64) uint64 {
	return off / uint64(defs.SECTSIZE)
}

// writes va's frame to the backing store, unmaps the page, and records the
// swap entry. the unmap drops the frame reference.
func (sd *Swapd_t) Swap_out(as *vm.Aspace_t, va uintptr) defs.Err_t {
	pa, _, err := as.Translate(va)
	if err != 0 {
		return err
	}
	pg := sd.pm.Dmap(pa)

	sd.Lock()
	k := skey_t{as.Pid, va}
	if _, ok := sd.idx[k]; ok {
		sd.Unlock()
		return -defs.EEXIST
	}
	off := sd.allocoff()
	sd.Unlock()

	if err := sd.disk.Write_blocks(swapns, lbaof(off), defs.BLOCKSECTS,
		pg[:]); err != 0 {
		sd.Lock()
		sd.freeoff = append(sd.freeoff, off)
		sd.Unlock()
		return err
	}
	if err := as.Unmap(va); err != 0 {
		sd.Lock()
		sd.freeoff = append(sd.freeoff, off)
		sd.Unlock()
		return err
	}

	sd.Lock()
	sd.idx[k] = off
	if pe, ok := sd.lru[k]; ok {
		sd.unlink(pe)
		delete(sd.lru, k)
	}
	sd.Nswapout++
	sd.Unlock()
	if swap_debug {
		fmt.Printf("swap: out pid %v va %#x off %#x\n", as.Pid, va, off)
	}
	return 0
}

// vm.Swap_i: fills dst from the backing store and releases the swap entry.
// ok is false when (pid, va) was never swapped out.
func (sd *Swapd_t) Swapin(pid defs.Pid_t, va uintptr,
	dst *mem.Bytepg_t) (bool, defs.Err_t) {
	sd.Lock()
	k := skey_t{pid, va}
	off, ok := sd.idx[k]
	sd.Unlock()
	if !ok {
		return false, 0
	}
	if err := sd.disk.Read_blocks(swapns, lbaof(off), defs.BLOCKSECTS,
		dst[:]); err != 0 {
		return true, err
	}
	sd.Lock()
	delete(sd.idx, k)
	sd.freeoff = append(sd.freeoff, off)
	sd.Nswapin++
	sd.Unlock()
	if swap_debug {
		fmt.Printf("swap: in pid %v va %#x off %#x\n", pid, va, off)
	}
	return true, 0
}

// vm.Swap_i: gives child its own copy of each of parent's swap entries so
// pages swapped out before a fork remain faultable on both sides.
func (sd *Swapd_t) Fork(parent, child defs.Pid_t) defs.Err_t {
	sd.Lock()
	offs := make(map[uintptr]uint64)
	for k, off := range sd.idx {
		if k.pid == parent {
			offs[k.va] = off
		}
	}
	sd.Unlock()

	var buf mem.Bytepg_t
	for va, off := range offs {
		if err := sd.disk.Read_blocks(swapns, lbaof(off),
			defs.BLOCKSECTS, buf[:]); err != 0 {
			sd.Unregister(child)
			return err
		}
		sd.Lock()
		noff := sd.allocoff()
		sd.Unlock()
		if err := sd.disk.Write_blocks(swapns, lbaof(noff),
			defs.BLOCKSECTS, buf[:]); err != 0 {
			sd.Lock()
			sd.freeoff = append(sd.freeoff, noff)
			sd.Unlock()
			sd.Unregister(child)
			return err
		}
		sd.Lock()
		sd.idx[skey_t{child, va}] = noff
		sd.Unlock()
		if swap_debug {
			fmt.Printf("swap: fork pid %v va %#x off %#x -> "+
				"pid %v off %#x\n", parent, va, off, child,
				noff)
		}
	}
	return 0
}

// one reclaim pass: while free frames are under the threshold, evict from
// the LRU head. dirty anonymous pages go to swap; clean pages are dropped.
func (sd *Swapd_t) Tick() {
	for sd.pm.Freepgs() < sd.thresh {
		sd.Lock()
		pe := sd.head
		if pe == nil {
			sd.Unlock()
			return
		}
		sd.unlink(pe)
		delete(sd.lru, pe.key)
		as := sd.aspaces[pe.key.pid]
		sd.Unlock()

		if as == nil {
			continue
		}
		if pe.clean {
			as.Unmap(pe.key.va)
			sd.Lock()
			sd.Ndropped++
			sd.Unlock()
			continue
		}
		if err := sd.Swap_out(as, pe.key.va); err != 0 &&
			swap_debug {
			fmt.Printf("swap: evict %#x failed: %v\n",
				pe.key.va, err)
		}
	}
}

func (sd *Swapd_t) Stats() string {
	sd.Lock()
	defer sd.Unlock()
	return fmt.Sprintf("swap: %v out %v in %v dropped %v entries\n",
		sd.Nswapout, sd.Nswapin, sd.Ndropped, len(sd.idx))
}
