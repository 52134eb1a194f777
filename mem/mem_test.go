package mem

import "testing"

import "github.com/kestrelos/kestrel/defs"

func mkphys(npgs int) *Physmem_t {
	mm := []Memreg_t{
		{Base: 0x100000, Len: uint64(npgs * PGSIZE), Kind: Usable},
	}
	return Phys_init(mm)
}

func TestAllocFree(t *testing.T) {
	pm := mkphys(64)
	if pm.Freepgs() != 64 {
		t.Fatalf("expected 64 free, got %v", pm.Freepgs())
	}
	pg, pa, err := pm.Pg_new()
	if err != 0 {
		t.Fatalf("alloc failed: %v", err)
	}
	if pa&PGOFF != 0 {
		t.Fatalf("unaligned frame %#x", pa)
	}
	if pm.Freepgs() != 63 {
		t.Fatalf("expected 63 free, got %v", pm.Freepgs())
	}
	pg[0] = 0x5a
	if pm.Dmap(pa)[0] != 0x5a {
		t.Fatalf("dmap does not alias the frame")
	}
	if !pm.Refdown(pa) {
		t.Fatalf("last refdown did not free")
	}
	if pm.Freepgs() != 64 {
		t.Fatalf("expected 64 free after free, got %v", pm.Freepgs())
	}
}

func TestExhaustion(t *testing.T) {
	pm := mkphys(8)
	pas := make([]Pa_t, 0, 8)
	for {
		_, pa, err := pm.Pg_new()
		if err != 0 {
			if err != -defs.ENOFRAME {
				t.Fatalf("expected ENOFRAME, got %v", err)
			}
			break
		}
		pas = append(pas, pa)
	}
	if len(pas) != 8 {
		t.Fatalf("expected 8 frames, got %v", len(pas))
	}
	// distinct frames
	seen := make(map[Pa_t]bool)
	for _, pa := range pas {
		if seen[pa] {
			t.Fatalf("frame %#x handed out twice", pa)
		}
		seen[pa] = true
	}
	pm.Refdown(pas[3])
	if _, _, err := pm.Pg_new(); err != 0 {
		t.Fatalf("alloc after free failed: %v", err)
	}
}

func TestDoubleFree(t *testing.T) {
	pm := mkphys(16)
	_, pa, err := pm.Pg_new()
	if err != 0 {
		t.Fatalf("alloc failed: %v", err)
	}
	if err := pm.Free(pa); err != 0 {
		t.Fatalf("free failed: %v", err)
	}
	if err := pm.Free(pa); err != -defs.EBADFREE {
		t.Fatalf("expected EBADFREE, got %v", err)
	}
	if err := pm.Free(0xdead000); err != -defs.EBADFREE {
		t.Fatalf("free of bogus pa: expected EBADFREE, got %v", err)
	}
}

func TestRefcounts(t *testing.T) {
	pm := mkphys(16)
	_, pa, err := pm.Pg_new()
	if err != 0 {
		t.Fatalf("alloc failed: %v", err)
	}
	if c := pm.Refcnt(pa); c != 1 {
		t.Fatalf("expected refcnt 1, got %v", c)
	}
	pm.Refup(pa)
	pm.Refup(pa)
	if c := pm.Refcnt(pa); c != 3 {
		t.Fatalf("expected refcnt 3, got %v", c)
	}
	if pm.Refdown(pa) {
		t.Fatalf("freed with live references")
	}
	if pm.Refdown(pa) {
		t.Fatalf("freed with live references")
	}
	free := pm.Freepgs()
	if !pm.Refdown(pa) {
		t.Fatalf("last refdown did not free")
	}
	if pm.Freepgs() != free+1 {
		t.Fatalf("free count did not grow")
	}
}

func TestBuddyCoalesce(t *testing.T) {
	pm := mkphys(1 << MAXORDER)
	for round := 0; round < 3; round++ {
		pas := make([]Pa_t, 0)
		for {
			_, pa, err := pm.Pg_new()
			if err != 0 {
				break
			}
			pas = append(pas, pa)
		}
		if round == 1 {
			for _, pa := range pas {
				pm.Free(pa)
			}
		} else {
			for _, pa := range pas {
				pm.Refdown(pa)
			}
		}
		// everything coalesced back: a max-order block must be
		// allocatable every round, not just the first
		pa, err := pm.Pgs_new(MAXORDER)
		if err != 0 {
			t.Fatalf("round %v: max order alloc after churn failed: %v",
				round, err)
		}
		pm.Refdown(pa)
	}
}

func TestContiguousOrders(t *testing.T) {
	pm := mkphys(64)
	pa, err := pm.Pgs_new(3)
	if err != 0 {
		t.Fatalf("order 3 alloc failed: %v", err)
	}
	if pa&Pa_t(8*PGSIZE-1) != 0 {
		t.Fatalf("order 3 block not naturally aligned: %#x", pa)
	}
	if pm.Freepgs() != 64-8 {
		t.Fatalf("expected 56 free, got %v", pm.Freepgs())
	}
}

func TestPteRoundtrip(t *testing.T) {
	pm := mkphys(16)
	_, pa, err := pm.Zpg_new()
	if err != 0 {
		t.Fatalf("alloc failed: %v", err)
	}
	want := Pa_t(0x200000) | 0x7
	pm.Pte_set(pa, 511, want)
	if got := pm.Pte_get(pa, 511); got != want {
		t.Fatalf("pte roundtrip: got %#x want %#x", got, want)
	}
	if got := pm.Pte_get(pa, 0); got != 0 {
		t.Fatalf("zero page pte not zero: %#x", got)
	}
}

func TestSkipsNonUsable(t *testing.T) {
	mm := []Memreg_t{
		{Base: 0, Len: uint64(4 * PGSIZE), Kind: Reserved},
		{Base: 0x100000, Len: uint64(4 * PGSIZE), Kind: Usable},
		{Base: 0x200000, Len: uint64(4 * PGSIZE), Kind: AcpiReclaim},
	}
	pm := Phys_init(mm)
	if pm.Totalpgs() != 4 {
		t.Fatalf("expected 4 usable pages, got %v", pm.Totalpgs())
	}
}
