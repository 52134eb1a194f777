package mem

import "fmt"
import "sync"

import "github.com/kestrelos/kestrel/defs"

const PGSIZE int = defs.PGSIZE
const PGSHIFT uint = defs.PGSHIFT

// physical address of a 4KiB-aligned frame
type Pa_t uint64

type Bytepg_t [PGSIZE]uint8

const PGOFF Pa_t = Pa_t(PGSIZE - 1)

// largest buddy order; an order-10 block is 4MiB
const MAXORDER = 10

type Kind_t int

const (
	Usable Kind_t = iota
	Reserved
	AcpiReclaim
)

// one entry of the boot loader's physical memory map
type Memreg_t struct {
	Base Pa_t
	Len  uint64
	Kind Kind_t
}

type Bootinfo_t struct {
	Memmap []Memreg_t
	Rsdp   uintptr
	// optional framebuffer; all zero when the loader found none
	Fbbase   uintptr
	Fbwidth  int
	Fbheight int
	Fbpitch  int
	Fbbpp    int
}

type physpg_t struct {
	refcnt int32
	// order of the buddy block this page heads while free; -1 when the
	// page is not the head of a free block
	order int8
	free  bool
}

// a contiguous usable region of the RAM map. the frame contents live in
// arena so that mapped pages are backed by real bytes.
type region_t struct {
	base  Pa_t
	npgs  int
	arena []uint8
	pgs   []physpg_t
	// free lists of block head page indexes, one per order
	flist [MAXORDER + 1][]int
}

func (r *region_t) contains(pa Pa_t) bool {
	return pa >= r.base && pa < r.base+Pa_t(r.npgs*PGSIZE)
}

func (r *region_t) pgn(pa Pa_t) int {
	return int((pa - r.base) >> PGSHIFT)
}

func (r *region_t) pa(pgn int) Pa_t {
	return r.base + Pa_t(pgn<<PGSHIFT)
}

func (r *region_t) init() {
	for i := range r.pgs {
		r.pgs[i].order = -1
	}
	// carve the region into maximal aligned buddy blocks
	i := 0
	for i < r.npgs {
		o := MAXORDER
		for o > 0 && (i&((1<<uint(o))-1) != 0 || i+(1<<uint(o)) > r.npgs) {
			o--
		}
		r.pgs[i].free = true
		r.pgs[i].order = int8(o)
		r.flist[o] = append(r.flist[o], i)
		i += 1 << uint(o)
	}
}

// removes and returns a block head of exactly order o, or -1
func (r *region_t) take(o int) int {
	l := r.flist[o]
	if len(l) == 0 {
		return -1
	}
	head := l[len(l)-1]
	r.flist[o] = l[:len(l)-1]
	return head
}

func (r *region_t) alloc(order int) (int, bool) {
	o := order
	for o <= MAXORDER && len(r.flist[o]) == 0 {
		o++
	}
	if o > MAXORDER {
		return 0, false
	}
	head := r.take(o)
	// split down to the requested order
	for o > order {
		o--
		bud := head + (1 << uint(o))
		r.pgs[bud].free = true
		r.pgs[bud].order = int8(o)
		r.flist[o] = append(r.flist[o], bud)
	}
	r.pgs[head].free = false
	r.pgs[head].order = int8(order)
	return head, true
}

func (r *region_t) release(head, order int) {
	o := order
	for o < MAXORDER {
		bud := head ^ (1 << uint(o))
		if bud+(1<<uint(o)) > r.npgs || !r.pgs[bud].free ||
			r.pgs[bud].order != int8(o) {
			break
		}
		// unlink the buddy and coalesce
		l := r.flist[o]
		for i := range l {
			if l[i] == bud {
				l[i] = l[len(l)-1]
				r.flist[o] = l[:len(l)-1]
				break
			}
		}
		r.pgs[bud].free = false
		r.pgs[bud].order = -1
		if bud < head {
			head = bud
		}
		o++
	}
	r.pgs[head].free = true
	r.pgs[head].order = int8(o)
	r.flist[o] = append(r.flist[o], head)
}

type Physmem_t struct {
	sync.Mutex
	regions []*region_t
	freepgs int
	totpgs  int
}

// builds the frame allocator from the boot loader's memory map. only Usable
// regions supply frames; the allocator never zeroes them -- the address-space
// manager zeroes on first user touch.
func Phys_init(memmap []Memreg_t) *Physmem_t {
	pm := &Physmem_t{}
	for _, mr := range memmap {
		if mr.Kind != Usable {
			continue
		}
		base := (mr.Base + PGOFF) &^ PGOFF
		end := (mr.Base + Pa_t(mr.Len)) &^ PGOFF
		if end <= base {
			continue
		}
		npgs := int((end - base) >> PGSHIFT)
		r := &region_t{base: base, npgs: npgs}
		r.arena = make([]uint8, npgs*PGSIZE)
		r.pgs = make([]physpg_t, npgs)
		r.init()
		pm.regions = append(pm.regions, r)
		pm.freepgs += npgs
		pm.totpgs += npgs
	}
	if pm.totpgs == 0 {
		panic("no usable RAM")
	}
	fmt.Printf("phys: %v pages (%vMB) in %v regions\n", pm.totpgs,
		pm.totpgs>>8, len(pm.regions))
	return pm
}

func (pm *Physmem_t) region(pa Pa_t) *region_t {
	for _, r := range pm.regions {
		if r.contains(pa) {
			return r
		}
	}
	return nil
}

// allocates one frame with reference count 1. the contents are whatever the
// previous owner left behind.
func (pm *Physmem_t) Pg_new() (*Bytepg_t, Pa_t, defs.Err_t) {
	pm.Lock()
	defer pm.Unlock()
	for _, r := range pm.regions {
		head, ok := r.alloc(0)
		if !ok {
			continue
		}
		r.pgs[head].refcnt = 1
		pm.freepgs--
		pa := r.pa(head)
		return pm.dmap1(r, head), pa, 0
	}
	return nil, 0, -defs.ENOFRAME
}

// allocates one zero-filled frame with reference count 1
func (pm *Physmem_t) Zpg_new() (*Bytepg_t, Pa_t, defs.Err_t) {
	pg, pa, err := pm.Pg_new()
	if err != 0 {
		return nil, 0, err
	}
	for i := range pg {
		pg[i] = 0
	}
	return pg, pa, 0
}

// allocates 2^order contiguous frames with reference count 1 on the head.
// used for the AP trampoline and per-CPU stacks.
func (pm *Physmem_t) Pgs_new(order int) (Pa_t, defs.Err_t) {
	if order < 0 || order > MAXORDER {
		panic("bad order")
	}
	pm.Lock()
	defer pm.Unlock()
	for _, r := range pm.regions {
		head, ok := r.alloc(order)
		if !ok {
			continue
		}
		r.pgs[head].refcnt = 1
		pm.freepgs -= 1 << uint(order)
		return r.pa(head), 0
	}
	return 0, -defs.ENOFRAME
}

func (pm *Physmem_t) dmap1(r *region_t, pgn int) *Bytepg_t {
	off := pgn << PGSHIFT
	return (*Bytepg_t)(r.arena[off : off+PGSIZE : off+PGSIZE])
}

// returns the bytes backing the frame at pa
func (pm *Physmem_t) Dmap(pa Pa_t) *Bytepg_t {
	r := pm.region(pa &^ PGOFF)
	if r == nil {
		panic(fmt.Sprintf("dmap of bad pa %#x", pa))
	}
	return pm.dmap1(r, r.pgn(pa&^PGOFF))
}

// reads entry idx of the page-table page at pa
func (pm *Physmem_t) Pte_get(pa Pa_t, idx int) Pa_t {
	if idx < 0 || idx >= 512 {
		panic("bad pte index")
	}
	b := pm.Dmap(pa)
	var v Pa_t
	for j := 0; j < 8; j++ {
		v |= Pa_t(b[idx*8+j]) << (8 * uint(j))
	}
	return v
}

// writes entry idx of the page-table page at pa
func (pm *Physmem_t) Pte_set(pa Pa_t, idx int, pte Pa_t) {
	if idx < 0 || idx >= 512 {
		panic("bad pte index")
	}
	b := pm.Dmap(pa)
	for j := 0; j < 8; j++ {
		b[idx*8+j] = uint8(pte >> (8 * uint(j)))
	}
}

func (pm *Physmem_t) Refcnt(pa Pa_t) int {
	pm.Lock()
	defer pm.Unlock()
	r := pm.region(pa &^ PGOFF)
	if r == nil {
		return -1
	}
	return int(r.pgs[r.pgn(pa&^PGOFF)].refcnt)
}

func (pm *Physmem_t) Refup(pa Pa_t) {
	pm.Lock()
	defer pm.Unlock()
	r := pm.region(pa &^ PGOFF)
	if r == nil {
		panic("refup of bad pa")
	}
	p := &r.pgs[r.pgn(pa&^PGOFF)]
	if p.refcnt <= 0 {
		panic("refup of free frame")
	}
	p.refcnt++
}

// drops one reference; frees the frame when the last reference drops.
// returns true if the frame was freed.
func (pm *Physmem_t) Refdown(pa Pa_t) bool {
	pm.Lock()
	defer pm.Unlock()
	r := pm.region(pa &^ PGOFF)
	if r == nil {
		panic("refdown of bad pa")
	}
	pgn := r.pgn(pa &^ PGOFF)
	p := &r.pgs[pgn]
	if p.refcnt <= 0 {
		panic("refdown of free frame")
	}
	p.refcnt--
	if p.refcnt == 0 {
		r.release(pgn, int(p.order))
		pm.freepgs++
		return true
	}
	return false
}

// frees a frame regardless of references. a frame already held by the
// allocator is an invalid free.
func (pm *Physmem_t) Free(pa Pa_t) defs.Err_t {
	pm.Lock()
	defer pm.Unlock()
	r := pm.region(pa &^ PGOFF)
	if r == nil {
		return -defs.EBADFREE
	}
	pgn := r.pgn(pa &^ PGOFF)
	p := &r.pgs[pgn]
	if p.refcnt <= 0 || p.free {
		return -defs.EBADFREE
	}
	p.refcnt = 0
	r.release(pgn, 0)
	pm.freepgs++
	return 0
}

func (pm *Physmem_t) Freepgs() int {
	pm.Lock()
	defer pm.Unlock()
	return pm.freepgs
}

func (pm *Physmem_t) Totalpgs() int {
	return pm.totpgs
}
