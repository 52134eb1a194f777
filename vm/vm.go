package vm

import "fmt"
import "sync"

import "github.com/kestrelos/kestrel/defs"
import "github.com/kestrelos/kestrel/mem"

var vm_debug = false

// page table entry bits. COW and WASCOW live in the avail bits.
const (
	PTE_P      mem.Pa_t = 1 << 0
	PTE_W      mem.Pa_t = 1 << 1
	PTE_U      mem.Pa_t = 1 << 2
	PTE_COW    mem.Pa_t = 1 << 9
	PTE_WASCOW mem.Pa_t = 1 << 10
	PTE_NX     mem.Pa_t = 1 << 63
)

const PTE_FLAGS mem.Pa_t = PTE_P | PTE_W | PTE_U | PTE_COW | PTE_WASCOW |
	PTE_NX
const PTE_ADDR mem.Pa_t = ^PTE_FLAGS & ^mem.Pa_t(0xfff)

// permission bits accepted by Map and friends
const PERM_MASK mem.Pa_t = PTE_W | PTE_U | PTE_NX

type Clonemode_t int

const (
	Share Clonemode_t = iota
	Copyonwrite
)

// the swap daemon's view from a page fault. Swapin fills dst from the
// backing store and removes the swap entry; ok is false when (pid, va) has
// no swap entry. Track records a page access for replacement ordering.
// Fork duplicates parent's swap entries for child so a forked process can
// fault in pages that were swapped out before the fork.
type Swap_i interface {
	Swapin(pid defs.Pid_t, va uintptr, dst *mem.Bytepg_t) (bool, defs.Err_t)
	Track(pid defs.Pid_t, va uintptr)
	Fork(parent, child defs.Pid_t) defs.Err_t
}

type lazy_t struct {
	perms mem.Pa_t
}

// one process's address space: a 4-level page-table tree whose pages live in
// allocator frames, plus the registered lazy mappings.
type Aspace_t struct {
	sync.Mutex
	pm     *mem.Physmem_t
	Pid    defs.Pid_t
	p_root mem.Pa_t
	lazy   map[uintptr]lazy_t
	swap   Swap_i
}

func Mkaspace(pm *mem.Physmem_t, pid defs.Pid_t) (*Aspace_t, defs.Err_t) {
	_, root, err := pm.Zpg_new()
	if err != 0 {
		return nil, err
	}
	as := &Aspace_t{pm: pm, Pid: pid, p_root: root,
		lazy: make(map[uintptr]lazy_t)}
	return as, 0
}

func (as *Aspace_t) Set_swap(s Swap_i) {
	as.Lock()
	as.swap = s
	as.Unlock()
}

func (as *Aspace_t) P_root() mem.Pa_t {
	return as.p_root
}

func pgalign(va uintptr) bool {
	return va&uintptr(mem.PGOFF) == 0
}

func pgdown(va uintptr) uintptr {
	return va &^ uintptr(mem.PGOFF)
}

func ptidx(va uintptr, level int) int {
	return int(va>>uint(12+9*level)) & 0x1ff
}

// walks to the PTE slot for va. when create is set, missing interior pages
// are allocated and zeroed. returns the page-table page and slot index of
// the final level, or !ok.
func (as *Aspace_t) walk(va uintptr, create bool) (mem.Pa_t, int, bool) {
	pt := as.p_root
	for lvl := 3; lvl > 0; lvl-- {
		idx := ptidx(va, lvl)
		pte := as.pm.Pte_get(pt, idx)
		if pte&PTE_P == 0 {
			if !create {
				return 0, 0, false
			}
			_, npt, err := as.pm.Zpg_new()
			if err != 0 {
				return 0, 0, false
			}
			pte = npt | PTE_P | PTE_W | PTE_U
			as.pm.Pte_set(pt, idx, pte)
		}
		pt = pte & PTE_ADDR
	}
	return pt, ptidx(va, 0), true
}

// installs va -> pa. the mapping takes over the caller's frame reference.
// fails with AlreadyMapped when the virtual page holds a mapping or a lazy
// registration; callers must unmap first.
func (as *Aspace_t) Map(va uintptr, pa mem.Pa_t, perms mem.Pa_t) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	return as.map1(va, pa, perms)
}

func (as *Aspace_t) map1(va uintptr, pa mem.Pa_t, perms mem.Pa_t) defs.Err_t {
	if !pgalign(va) || pa&mem.PGOFF != 0 || perms&^PERM_MASK != 0 {
		return -defs.EINVAL
	}
	if _, ok := as.lazy[va]; ok {
		return -defs.EEXIST
	}
	pt, idx, ok := as.walk(va, true)
	if !ok {
		return -defs.ENOMEM
	}
	if as.pm.Pte_get(pt, idx)&PTE_P != 0 {
		return -defs.EEXIST
	}
	as.pm.Pte_set(pt, idx, pa|perms|PTE_P)
	if as.swap != nil {
		as.swap.Track(as.Pid, va)
	}
	return 0
}

// removes the mapping or lazy registration for va and drops the frame
// reference held by the mapping.
func (as *Aspace_t) Unmap(va uintptr) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	return as.unmap1(va)
}

func (as *Aspace_t) unmap1(va uintptr) defs.Err_t {
	if !pgalign(va) {
		return -defs.EINVAL
	}
	if _, ok := as.lazy[va]; ok {
		delete(as.lazy, va)
		return 0
	}
	pt, idx, ok := as.walk(va, false)
	if !ok {
		return -defs.ENOTMAPPED
	}
	pte := as.pm.Pte_get(pt, idx)
	if pte&PTE_P == 0 {
		return -defs.ENOTMAPPED
	}
	as.pm.Pte_set(pt, idx, 0)
	as.pm.Refdown(pte & PTE_ADDR)
	return 0
}

// rewrites the permission bits of an existing mapping
func (as *Aspace_t) Protect(va uintptr, perms mem.Pa_t) defs.Err_t {
	if !pgalign(va) || perms&^PERM_MASK != 0 {
		return -defs.EINVAL
	}
	as.Lock()
	defer as.Unlock()
	pt, idx, ok := as.walk(va, false)
	if !ok {
		return -defs.ENOTMAPPED
	}
	pte := as.pm.Pte_get(pt, idx)
	if pte&PTE_P == 0 {
		return -defs.ENOTMAPPED
	}
	as.pm.Pte_set(pt, idx, (pte&PTE_ADDR)|perms|PTE_P)
	return 0
}

// returns the frame and flag bits backing va
func (as *Aspace_t) Translate(va uintptr) (mem.Pa_t, mem.Pa_t, defs.Err_t) {
	as.Lock()
	defer as.Unlock()
	return as.translate1(va)
}

func (as *Aspace_t) translate1(va uintptr) (mem.Pa_t, mem.Pa_t, defs.Err_t) {
	pt, idx, ok := as.walk(pgdown(va), false)
	if !ok {
		return 0, 0, -defs.ENOTMAPPED
	}
	pte := as.pm.Pte_get(pt, idx)
	if pte&PTE_P == 0 {
		return 0, 0, -defs.ENOTMAPPED
	}
	return pte & PTE_ADDR, pte & PTE_FLAGS, 0
}

// registers npgs lazy pages at va; frames materialize on first fault
func (as *Aspace_t) Map_lazy(va uintptr, npgs int, perms mem.Pa_t) defs.Err_t {
	if !pgalign(va) || npgs <= 0 || perms&^PERM_MASK != 0 {
		return -defs.EINVAL
	}
	as.Lock()
	defer as.Unlock()
	for i := 0; i < npgs; i++ {
		p := va + uintptr(i*mem.PGSIZE)
		if _, ok := as.lazy[p]; ok {
			return -defs.EEXIST
		}
		if _, _, err := as.translate1(p); err == 0 {
			return -defs.EEXIST
		}
	}
	for i := 0; i < npgs; i++ {
		as.lazy[va+uintptr(i*mem.PGSIZE)] = lazy_t{perms: perms}
	}
	return 0
}

// page-fault policy, applied in strict order: lazy materialization, CoW
// copy, CoW claim, swap-in, then fatal segfault.
func (as *Aspace_t) Pagefault(va uintptr, ecode int) defs.Err_t {
	as.Lock()
	defer as.Unlock()

	pg := pgdown(va)
	iswrite := ecode&defs.PF_WRITE != 0

	if lz, ok := as.lazy[pg]; ok {
		_, pa, err := as.pm.Zpg_new()
		if err != 0 {
			return err
		}
		delete(as.lazy, pg)
		if err := as.map1(pg, pa, lz.perms); err != 0 {
			as.pm.Refdown(pa)
			return err
		}
		if vm_debug {
			fmt.Printf("vm: lazy fill %#x pid %v\n", pg, as.Pid)
		}
		return 0
	}

	pt, idx, ok := as.walk(pg, false)
	if ok {
		pte := as.pm.Pte_get(pt, idx)
		if pte&PTE_P != 0 {
			if !iswrite || pte&PTE_W != 0 {
				// spurious fault
				return 0
			}
			if pte&PTE_COW == 0 {
				return -defs.ESEGFAULT
			}
			opa := pte & PTE_ADDR
			perms := (pte & PTE_FLAGS &^ (PTE_COW | PTE_P)) |
				PTE_W | PTE_WASCOW
			if as.pm.Refcnt(opa) > 1 {
				npg, npa, err := as.pm.Pg_new()
				if err != 0 {
					return err
				}
				*npg = *as.pm.Dmap(opa)
				as.pm.Pte_set(pt, idx, npa|perms|PTE_P)
				as.pm.Refdown(opa)
			} else {
				// sole owner: claim the frame in place
				as.pm.Pte_set(pt, idx, opa|perms|PTE_P)
			}
			if as.swap != nil {
				as.swap.Track(as.Pid, pg)
			}
			return 0
		}
	}

	if as.swap != nil {
		npg, npa, err := as.pm.Pg_new()
		if err != 0 {
			return err
		}
		found, serr := as.swap.Swapin(as.Pid, pg, npg)
		if serr != 0 {
			as.pm.Refdown(npa)
			return serr
		}
		if found {
			if err := as.map1(pg, npa, PTE_W|PTE_U); err != 0 {
				as.pm.Refdown(npa)
				return err
			}
			return 0
		}
		as.pm.Refdown(npa)
	}

	return -defs.ESEGFAULT
}

// duplicates the address space. Share aliases every frame writable in both;
// Copyonwrite demotes writable mappings to read-only CoW shares in source
// and destination.
func (as *Aspace_t) Clone(pid defs.Pid_t, mode Clonemode_t) (*Aspace_t,
	defs.Err_t) {
	as.Lock()
	defer as.Unlock()

	nas, err := Mkaspace(as.pm, pid)
	if err != 0 {
		return nil, err
	}
	nas.swap = as.swap
	for va, lz := range as.lazy {
		nas.lazy[va] = lz
	}
	if err := as.clonewalk(nas, as.p_root, 0, 3, mode); err != 0 {
		nas.free1()
		return nil, err
	}
	// swapped-out pages have no pte and no lazy entry; the backing
	// store entries must follow the fork too
	if as.swap != nil {
		if err := as.swap.Fork(as.Pid, pid); err != 0 {
			nas.free1()
			return nil, err
		}
	}
	return nas, 0
}

func (as *Aspace_t) clonewalk(nas *Aspace_t, pt mem.Pa_t, base uintptr,
	lvl int, mode Clonemode_t) defs.Err_t {
	for i := 0; i < 512; i++ {
		pte := as.pm.Pte_get(pt, i)
		if pte&PTE_P == 0 {
			continue
		}
		va := base | uintptr(i)<<uint(12+9*lvl)
		if lvl > 0 {
			if err := as.clonewalk(nas, pte&PTE_ADDR, va, lvl-1,
				mode); err != 0 {
				return err
			}
			continue
		}
		npte := pte
		if mode == Copyonwrite && pte&PTE_W != 0 {
			npte = (pte &^ PTE_W) | PTE_COW
			as.pm.Pte_set(pt, i, npte)
		}
		npt, nidx, ok := nas.walk(va, true)
		if !ok {
			return -defs.ENOMEM
		}
		nas.pm.Pte_set(npt, nidx, npte)
		as.pm.Refup(pte & PTE_ADDR)
	}
	return 0
}

// releases every data frame and page-table frame of the address space
func (as *Aspace_t) Free() {
	as.Lock()
	defer as.Unlock()
	as.free1()
}

func (as *Aspace_t) free1() {
	as.freewalk(as.p_root, 3)
	as.lazy = make(map[uintptr]lazy_t)
	as.p_root = 0
}

func (as *Aspace_t) freewalk(pt mem.Pa_t, lvl int) {
	for i := 0; i < 512; i++ {
		pte := as.pm.Pte_get(pt, i)
		if pte&PTE_P == 0 {
			continue
		}
		if lvl > 0 {
			as.freewalk(pte&PTE_ADDR, lvl-1)
		} else {
			as.pm.Refdown(pte & PTE_ADDR)
		}
	}
	as.pm.Refdown(pt)
}

// verifies that [va, va+n) is user-accessible, materializing nothing
func (as *Aspace_t) Userok(va uintptr, n int, write bool) defs.Err_t {
	if n < 0 {
		return -defs.EINVAL
	}
	as.Lock()
	defer as.Unlock()
	for p := pgdown(va); p < va+uintptr(n); p += uintptr(mem.PGSIZE) {
		if lz, ok := as.lazy[p]; ok {
			if lz.perms&PTE_U == 0 ||
				(write && lz.perms&PTE_W == 0) {
				return -defs.EACCES
			}
			continue
		}
		_, flags, err := as.translate1(p)
		if err != 0 {
			return err
		}
		if flags&PTE_U == 0 {
			return -defs.EACCES
		}
		if write && flags&PTE_W == 0 && flags&PTE_COW == 0 {
			return -defs.EACCES
		}
	}
	return 0
}

// copies src into the address space at va, faulting in lazy and CoW pages
func (as *Aspace_t) Copyout(va uintptr, src []uint8) defs.Err_t {
	for len(src) > 0 {
		pg := pgdown(va)
		off := int(va - pg)
		n := mem.PGSIZE - off
		if n > len(src) {
			n = len(src)
		}
		pa, flags, err := as.Translate(va)
		if err != 0 || flags&PTE_W == 0 {
			if ferr := as.Pagefault(va,
				defs.PF_WRITE); ferr != 0 {
				return ferr
			}
			pa, _, err = as.Translate(va)
			if err != 0 {
				return err
			}
		}
		copy(as.pm.Dmap(pa)[off:off+n], src[:n])
		src = src[n:]
		va += uintptr(n)
	}
	return 0
}

// copies bytes at va out of the address space into dst
func (as *Aspace_t) Copyin(va uintptr, dst []uint8) defs.Err_t {
	for len(dst) > 0 {
		pg := pgdown(va)
		off := int(va - pg)
		n := mem.PGSIZE - off
		if n > len(dst) {
			n = len(dst)
		}
		pa, _, err := as.Translate(va)
		if err != 0 {
			if ferr := as.Pagefault(va, 0); ferr != 0 {
				return ferr
			}
			pa, _, err = as.Translate(va)
			if err != 0 {
				return err
			}
		}
		copy(dst[:n], as.pm.Dmap(pa)[off:off+n])
		dst = dst[n:]
		va += uintptr(n)
	}
	return 0
}
