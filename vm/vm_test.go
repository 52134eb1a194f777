package vm

import "testing"

import "github.com/kestrelos/kestrel/defs"
import "github.com/kestrelos/kestrel/mem"

func mkas(t *testing.T, npgs int) (*mem.Physmem_t, *Aspace_t) {
	pm := mem.Phys_init([]mem.Memreg_t{
		{Base: 0x100000, Len: uint64(npgs * mem.PGSIZE),
			Kind: mem.Usable},
	})
	as, err := Mkaspace(pm, 1)
	if err != 0 {
		t.Fatalf("mkaspace: %v", err)
	}
	return pm, as
}

func mappg(t *testing.T, pm *mem.Physmem_t, as *Aspace_t, va uintptr,
	perms mem.Pa_t) mem.Pa_t {
	_, pa, err := pm.Zpg_new()
	if err != 0 {
		t.Fatalf("zpg_new: %v", err)
	}
	if err := as.Map(va, pa, perms); err != 0 {
		t.Fatalf("map %#x: %v", va, err)
	}
	return pa
}

const uva uintptr = 0x8000000

func TestMapTranslateUnmap(t *testing.T) {
	pm, as := mkas(t, 64)
	pa := mappg(t, pm, as, uva, PTE_W|PTE_U)
	gpa, flags, err := as.Translate(uva)
	if err != 0 {
		t.Fatalf("translate: %v", err)
	}
	if gpa != pa {
		t.Fatalf("translate: got %#x want %#x", gpa, pa)
	}
	if flags&PTE_W == 0 || flags&PTE_U == 0 {
		t.Fatalf("bad flags %#x", flags)
	}
	if err := as.Unmap(uva); err != 0 {
		t.Fatalf("unmap: %v", err)
	}
	if _, _, err := as.Translate(uva); err != -defs.ENOTMAPPED {
		t.Fatalf("expected ENOTMAPPED, got %v", err)
	}
	if c := pm.Refcnt(pa); c != -1 && c != 0 {
		t.Fatalf("frame still referenced after unmap: %v", c)
	}
}

func TestMapAlreadyMapped(t *testing.T) {
	pm, as := mkas(t, 64)
	mappg(t, pm, as, uva, PTE_W|PTE_U)
	_, pa2, err := pm.Zpg_new()
	if err != 0 {
		t.Fatalf("zpg_new: %v", err)
	}
	if err := as.Map(uva, pa2, PTE_W|PTE_U); err != -defs.EEXIST {
		t.Fatalf("expected EEXIST, got %v", err)
	}
}

func TestProtect(t *testing.T) {
	pm, as := mkas(t, 64)
	mappg(t, pm, as, uva, PTE_W|PTE_U)
	if err := as.Protect(uva, PTE_U); err != 0 {
		t.Fatalf("protect: %v", err)
	}
	_, flags, err := as.Translate(uva)
	if err != 0 || flags&PTE_W != 0 {
		t.Fatalf("write bit survived protect: %#x err %v", flags, err)
	}
	if err := as.Protect(uva+0x5000, PTE_U); err != -defs.ENOTMAPPED {
		t.Fatalf("expected ENOTMAPPED, got %v", err)
	}
}

func TestLazyFill(t *testing.T) {
	pm, as := mkas(t, 64)
	if err := as.Map_lazy(uva, 2, PTE_W|PTE_U); err != 0 {
		t.Fatalf("map_lazy: %v", err)
	}
	if _, _, err := as.Translate(uva); err != -defs.ENOTMAPPED {
		t.Fatalf("lazy page materialized early")
	}
	if err := as.Pagefault(uva+0x10, defs.PF_WRITE|defs.PF_USER); err != 0 {
		t.Fatalf("lazy fault: %v", err)
	}
	pa, flags, err := as.Translate(uva)
	if err != 0 || flags&PTE_W == 0 {
		t.Fatalf("lazy page not installed writable: %#x %v", flags, err)
	}
	for i, b := range pm.Dmap(pa) {
		if b != 0 {
			t.Fatalf("lazy page not zeroed at %v", i)
		}
	}
	// second lazy registration over a live mapping must fail
	if err := as.Map_lazy(uva, 1, PTE_U); err != -defs.EEXIST {
		t.Fatalf("expected EEXIST, got %v", err)
	}
}

func TestCowFork(t *testing.T) {
	pm, as := mkas(t, 64)
	pa := mappg(t, pm, as, uva, PTE_W|PTE_U)
	pm.Dmap(pa)[0] = 0xaa

	child, err := as.Clone(2, Copyonwrite)
	if err != 0 {
		t.Fatalf("clone: %v", err)
	}
	// both demoted to read-only CoW shares on one frame
	ppa, pflags, _ := as.Translate(uva)
	cpa, cflags, _ := child.Translate(uva)
	if ppa != cpa {
		t.Fatalf("parent and child frames differ before write")
	}
	if pflags&PTE_W != 0 || cflags&PTE_W != 0 {
		t.Fatalf("CoW share left writable")
	}
	if pflags&PTE_COW == 0 || cflags&PTE_COW == 0 {
		t.Fatalf("CoW bit missing")
	}
	if c := pm.Refcnt(pa); c != 2 {
		t.Fatalf("expected refcnt 2, got %v", c)
	}

	// child reads the parent's byte
	var b [1]uint8
	if err := child.Copyin(uva, b[:]); err != 0 {
		t.Fatalf("child copyin: %v", err)
	}
	if b[0] != 0xaa {
		t.Fatalf("child read %#x, want 0xaa", b[0])
	}

	// child write copies; parent unaffected
	if err := child.Pagefault(uva, defs.PF_WRITE|defs.PF_PRESENT|
		defs.PF_USER); err != 0 {
		t.Fatalf("child write fault: %v", err)
	}
	cpa2, cflags2, _ := child.Translate(uva)
	if cpa2 == pa {
		t.Fatalf("child still shares the frame after write fault")
	}
	if cflags2&PTE_W == 0 || cflags2&PTE_WASCOW == 0 {
		t.Fatalf("copied page flags wrong: %#x", cflags2)
	}
	pm.Dmap(cpa2)[0] = 0x55
	if pm.Dmap(pa)[0] != 0xaa {
		t.Fatalf("parent byte changed by child write")
	}

	// parent is now the sole owner: its write fault claims in place
	if err := as.Pagefault(uva, defs.PF_WRITE|defs.PF_PRESENT|
		defs.PF_USER); err != 0 {
		t.Fatalf("parent write fault: %v", err)
	}
	ppa2, pflags2, _ := as.Translate(uva)
	if ppa2 != pa {
		t.Fatalf("sole owner copied instead of claiming")
	}
	if pflags2&PTE_W == 0 {
		t.Fatalf("claim did not restore the write bit")
	}
	if pm.Dmap(pa)[0] != 0xaa {
		t.Fatalf("parent byte lost")
	}
}

func TestForkExitChildLeavesParentIntact(t *testing.T) {
	pm, as := mkas(t, 64)
	pa := mappg(t, pm, as, uva, PTE_W|PTE_U)
	for i := range pm.Dmap(pa) {
		pm.Dmap(pa)[i] = uint8(i)
	}
	before := *pm.Dmap(pa)

	child, err := as.Clone(2, Copyonwrite)
	if err != 0 {
		t.Fatalf("clone: %v", err)
	}
	child.Free()

	if *pm.Dmap(pa) != before {
		t.Fatalf("parent page bytes changed across fork/exit")
	}
	if c := pm.Refcnt(pa); c != 1 {
		t.Fatalf("expected refcnt 1 after child exit, got %v", c)
	}
}

func TestShareClone(t *testing.T) {
	pm, as := mkas(t, 64)
	pa := mappg(t, pm, as, uva, PTE_W|PTE_U)

	peer, err := as.Clone(2, Share)
	if err != 0 {
		t.Fatalf("clone: %v", err)
	}
	ppa, pflags, _ := peer.Translate(uva)
	if ppa != pa || pflags&PTE_W == 0 {
		t.Fatalf("share clone did not alias writable")
	}
	pm.Dmap(ppa)[7] = 0x42
	if pm.Dmap(pa)[7] != 0x42 {
		t.Fatalf("shared write not visible")
	}
}

func TestSegfault(t *testing.T) {
	_, as := mkas(t, 64)
	if err := as.Pagefault(0xdead0000, defs.PF_USER); err !=
		-defs.ESEGFAULT {
		t.Fatalf("expected ESEGFAULT, got %v", err)
	}
}

func TestWriteToReadOnly(t *testing.T) {
	pm, as := mkas(t, 64)
	mappg(t, pm, as, uva, PTE_U)
	err := as.Pagefault(uva, defs.PF_WRITE|defs.PF_PRESENT|defs.PF_USER)
	if err != -defs.ESEGFAULT {
		t.Fatalf("expected ESEGFAULT, got %v", err)
	}
}

func TestUserok(t *testing.T) {
	pm, as := mkas(t, 64)
	mappg(t, pm, as, uva, PTE_W|PTE_U)
	if err := as.Userok(uva+16, 32, true); err != 0 {
		t.Fatalf("userok: %v", err)
	}
	if err := as.Userok(uva, 2*mem.PGSIZE, false); err !=
		-defs.ENOTMAPPED {
		t.Fatalf("expected ENOTMAPPED, got %v", err)
	}
	// kernel-only page is not user accessible
	mappg(t, pm, as, uva+0x10000, PTE_W)
	if err := as.Userok(uva+0x10000, 8, false); err != -defs.EACCES {
		t.Fatalf("expected EACCES, got %v", err)
	}
}

func TestCopyinCopyoutCrossPage(t *testing.T) {
	pm, as := mkas(t, 64)
	mappg(t, pm, as, uva, PTE_W|PTE_U)
	mappg(t, pm, as, uva+uintptr(mem.PGSIZE), PTE_W|PTE_U)

	msg := make([]uint8, 100)
	for i := range msg {
		msg[i] = uint8(i + 1)
	}
	start := uva + uintptr(mem.PGSIZE) - 50
	if err := as.Copyout(start, msg); err != 0 {
		t.Fatalf("copyout: %v", err)
	}
	got := make([]uint8, 100)
	if err := as.Copyin(start, got); err != 0 {
		t.Fatalf("copyin: %v", err)
	}
	for i := range msg {
		if got[i] != msg[i] {
			t.Fatalf("byte %v: got %#x want %#x", i, got[i], msg[i])
		}
	}
}
