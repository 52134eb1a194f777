package bdev

import "testing"

import "github.com/kestrelos/kestrel/defs"

func fill(v uint8) []uint8 {
	d := make([]uint8, BSIZE)
	for i := range d {
		d[i] = v
	}
	return d
}

func TestWriteReadRoundtrip(t *testing.T) {
	bc := Mkbcache(Mkmemdisk(), 0, 8)
	want := fill(0x37)
	if err := bc.Write_block(5, want); err != 0 {
		t.Fatalf("write: %v", err)
	}
	got, err := bc.Read_block(5)
	if err != 0 {
		t.Fatalf("read: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %v: %#x", i, got[i])
		}
	}
}

func TestRoundtripSurvivesEvictionAndFlush(t *testing.T) {
	md := Mkmemdisk()
	bc := Mkbcache(md, 0, 4)
	want := fill(0x21)
	bc.Write_block(1, want)
	if _, err := bc.Flush_block(1); err != 0 {
		t.Fatalf("flush: %v", err)
	}
	if _, err := bc.Flush_block(1); err != -defs.ENOENT {
		t.Fatalf("double flush of clean block: %v", err)
	}
	// write the flushed bytes out and churn the cache past capacity
	md.Write_blocks(0, lba(1), defs.BLOCKSECTS, want)
	for n := 10; n < 20; n++ {
		bc.Write_block(n, fill(uint8(n)))
		bc.Flush_block(n)
	}
	if bc.Contains(1) {
		t.Fatalf("block 1 not evicted")
	}
	got, err := bc.Read_block(1)
	if err != 0 {
		t.Fatalf("read after eviction: %v", err)
	}
	if got[0] != 0x21 {
		t.Fatalf("lost bytes across eviction: %#x", got[0])
	}
}

func TestEvictCleanFirst(t *testing.T) {
	bc := Mkbcache(Mkmemdisk(), 0, 3)
	bc.Write_block(1, fill(1))
	bc.Write_block(2, fill(2))
	bc.Flush_block(2)
	bc.Write_block(3, fill(3))
	// 2 is the only clean entry; inserting a 4th must evict it even
	// though 1 is older
	bc.Write_block(4, fill(4))
	if bc.Contains(2) {
		t.Fatalf("clean entry survived over dirty ones")
	}
	if !bc.Contains(1) || !bc.Contains(3) {
		t.Fatalf("dirty entry evicted while a clean one existed")
	}
}

func TestForcedFlushWhenAllDirty(t *testing.T) {
	md := Mkmemdisk()
	bc := Mkbcache(md, 0, 2)
	bc.Write_block(1, fill(1))
	bc.Write_block(2, fill(2))
	bc.Write_block(3, fill(3))
	if bc.Len() != 2 {
		t.Fatalf("over capacity: %v", bc.Len())
	}
	st := bc.Stats()
	if st.Forced != 1 {
		t.Fatalf("expected 1 forced flush, got %v", st.Forced)
	}
	// the victim's bytes reached the device before eviction
	buf := make([]uint8, BSIZE)
	if err := md.Read_blocks(0, lba(1), defs.BLOCKSECTS, buf); err != 0 {
		t.Fatalf("device read: %v", err)
	}
	if buf[0] != 1 {
		t.Fatalf("evicted dirty bytes lost")
	}
}

func TestForcedFlushFailureKeepsWrite(t *testing.T) {
	md := Mkmemdisk()
	bc := Mkbcache(md, 0, 1)
	bc.Write_block(1, fill(0x11))
	md.Fail_next(1)
	if err := bc.Write_block(2, fill(0x22)); err != 0 {
		t.Fatalf("write: %v", err)
	}
	got, err := bc.Read_block(2)
	if err != 0 {
		t.Fatalf("read: %v", err)
	}
	if got[0] != 0x22 {
		t.Fatalf("write lost when the forced flush failed: %#x", got[0])
	}
	// the unflushable victim stays dirty for a later cycle
	if bc.Ndirty() != 2 {
		t.Fatalf("expected 2 dirty, got %v", bc.Ndirty())
	}
	if got, err := bc.Read_block(1); err != 0 || got[0] != 0x11 {
		t.Fatalf("victim entry lost: %v %#x", err, got[0])
	}
}

// disk whose next read triggers a cache write to block 7 before returning,
// modeling a writer racing a miss fill
type racedisk_t struct {
	*Memdisk_t
	bc    *Bcache_t
	armed bool
}

func (rd *racedisk_t) Read_blocks(ns int, lba uint64, count int,
	buf []uint8) defs.Err_t {
	if rd.armed {
		rd.armed = false
		rd.bc.Write_block(7, fill(0x66))
	}
	return rd.Memdisk_t.Read_blocks(ns, lba, count, buf)
}

func TestMissFillKeepsRacingWrite(t *testing.T) {
	md := Mkmemdisk()
	rd := &racedisk_t{Memdisk_t: md}
	bc := Mkbcache(rd, 0, 8)
	rd.bc = bc
	md.Write_blocks(0, lba(7), defs.BLOCKSECTS, fill(0x55))
	rd.armed = true
	got, err := bc.Read_block(7)
	if err != 0 {
		t.Fatalf("read: %v", err)
	}
	if got[0] != 0x66 {
		t.Fatalf("device bytes clobbered the racing write: %#x", got[0])
	}
	if bc.Ndirty() != 1 {
		t.Fatalf("racing write no longer dirty: %v", bc.Ndirty())
	}
	got, _ = bc.Read_block(7)
	if got[0] != 0x66 {
		t.Fatalf("cached entry lost the racing write: %#x", got[0])
	}
}

func TestSequentialPrefetch(t *testing.T) {
	md := Mkmemdisk()
	bc := Mkbcache(md, 0, 64)
	ra := Mkreadahead(bc)
	for _, n := range []int{10, 11, 12} {
		if _, err := bc.Read_block(n); err != 0 {
			t.Fatalf("read %v: %v", n, err)
		}
		ra.On_read(0, n)
	}
	for n := 13; n <= 16; n++ {
		if !bc.Contains(n) {
			t.Fatalf("block %v not prefetched", n)
		}
	}
	st := bc.Stats()
	if st.Prefetched < 4 {
		t.Fatalf("prefetched %v blocks", st.Prefetched)
	}
	// a prefetched block read counts as a prefetch hit
	bc.Read_block(13)
	if st = bc.Stats(); st.Prefhits != 1 {
		t.Fatalf("prefetch hits: %v", st.Prefhits)
	}
	if st.Hitrate() <= 0 {
		t.Fatalf("hit rate not updated")
	}
}

func TestSeekResetsWindow(t *testing.T) {
	bc := Mkbcache(Mkmemdisk(), 0, 256)
	ra := Mkreadahead(bc)
	// long sequential run doubles the window
	for n := 0; n < 24; n++ {
		ra.On_read(7, n)
	}
	if w := ra.Window(7); w <= ra_minwin {
		t.Fatalf("window never grew: %v", w)
	}
	ra.On_read(7, 1000)
	if w := ra.Window(7); w != ra_minwin {
		t.Fatalf("seek did not reset the window: %v", w)
	}
}

func TestWindowCap(t *testing.T) {
	bc := Mkbcache(Mkmemdisk(), 0, 1024)
	ra := Mkreadahead(bc)
	for n := 0; n < 200; n++ {
		ra.On_read(1, n)
	}
	if w := ra.Window(1); w > ra_maxwin {
		t.Fatalf("window exceeded the cap: %v", w)
	}
}

func TestWritebackThreshold(t *testing.T) {
	md := Mkmemdisk()
	bc := Mkbcache(md, 0, 256)
	w := Mkwbd(bc, md, 0, WriteBack, 0, 100)
	for n := 0; n < 101; n++ {
		if err := bc.Write_block(n, fill(uint8(n))); err != 0 {
			t.Fatalf("write %v: %v", n, err)
		}
	}
	if w.Nflushes < 1 {
		t.Fatalf("threshold crossing did not flush")
	}
	if nd := bc.Ndirty(); nd > 100 {
		t.Fatalf("dirty count %v over the bound", nd)
	}
}

func TestWritebackInterval(t *testing.T) {
	md := Mkmemdisk()
	bc := Mkbcache(md, 0, 64)
	w := Mkwbd(bc, md, 0, WriteBack, 5, 1<<30)
	bc.Write_block(3, fill(3))
	for i := 0; i < 4; i++ {
		w.Tick()
	}
	if w.Nflushes != 0 {
		t.Fatalf("flushed before the interval")
	}
	w.Tick()
	if w.Nflushes != 1 || bc.Ndirty() != 0 {
		t.Fatalf("interval flush missing: %v %v", w.Nflushes,
			bc.Ndirty())
	}
	buf := make([]uint8, BSIZE)
	md.Read_blocks(0, lba(3), defs.BLOCKSECTS, buf)
	if buf[0] != 3 {
		t.Fatalf("bytes never reached the device")
	}
}

func TestWriteThrough(t *testing.T) {
	md := Mkmemdisk()
	bc := Mkbcache(md, 0, 64)
	Mkwbd(bc, md, 0, WriteThrough, 0, 0)
	bc.Write_block(9, fill(9))
	if bc.Ndirty() != 0 {
		t.Fatalf("write-through left a dirty block")
	}
	buf := make([]uint8, BSIZE)
	md.Read_blocks(0, lba(9), defs.BLOCKSECTS, buf)
	if buf[0] != 9 {
		t.Fatalf("write-through bytes missing from the device")
	}
}

// ordered mode writes metadata blocks before data blocks
type orderdisk_t struct {
	*Memdisk_t
	order []uint64
}

func (od *orderdisk_t) Write_blocks(ns int, lba uint64, count int,
	data []uint8) defs.Err_t {
	od.order = append(od.order, lba)
	return od.Memdisk_t.Write_blocks(ns, lba, count, data)
}

func TestWriteOrdered(t *testing.T) {
	od := &orderdisk_t{Memdisk_t: Mkmemdisk()}
	bc := Mkbcache(od, 0, 64)
	w := Mkwbd(bc, od, 0, WriteOrdered, 0, 1<<30)
	bc.Write_block(5, fill(5))
	bc.Write_block(2|MetaBit, fill(2))
	bc.Write_block(3, fill(3))
	w.Flush()
	if len(od.order) == 0 {
		t.Fatalf("no writes issued")
	}
	if od.order[0] != lba(2|MetaBit) {
		t.Fatalf("metadata did not flush first: %v", od.order)
	}
}

func TestCoalescedRuns(t *testing.T) {
	od := &orderdisk_t{Memdisk_t: Mkmemdisk()}
	bc := Mkbcache(od, 0, 64)
	w := Mkwbd(bc, od, 0, WriteBack, 0, 1<<30)
	// 7,8,9 coalesce into one transfer; 20 is its own
	for _, n := range []int{9, 7, 20, 8} {
		bc.Write_block(n, fill(uint8(n)))
	}
	if done := w.Flush(); done != 4 {
		t.Fatalf("flushed %v blocks", done)
	}
	if len(od.order) != 2 {
		t.Fatalf("expected 2 transfers, got %v: %v", len(od.order),
			od.order)
	}
	if od.order[0] != lba(7) || od.order[1] != lba(20) {
		t.Fatalf("bad transfer order: %v", od.order)
	}
}

func TestEioRetainsDirty(t *testing.T) {
	md := Mkmemdisk()
	bc := Mkbcache(md, 0, 64)
	w := Mkwbd(bc, md, 0, WriteBack, 0, 1<<30)
	bc.Write_block(4, fill(4))
	md.Fail_next(1)
	w.Flush()
	if bc.Ndirty() != 1 {
		t.Fatalf("failed write lost the dirty entry: %v", bc.Ndirty())
	}
	if w.Nretries != 1 {
		t.Fatalf("retry not counted")
	}
	// next cycle succeeds
	w.Flush()
	if bc.Ndirty() != 0 {
		t.Fatalf("retry cycle did not flush")
	}
	buf := make([]uint8, BSIZE)
	md.Read_blocks(0, lba(4), defs.BLOCKSECTS, buf)
	if buf[0] != 4 {
		t.Fatalf("bytes lost across the retry")
	}
}
