package bdev

import "fmt"
import "sync"

import "github.com/kestrelos/kestrel/defs"

var bdev_debug = false

// block numbers with this bit are metadata; WriteOrdered flushes them
// before data blocks of the same epoch.
const MetaBit = 1 << 40

type Block_t struct {
	Block int
	Data  [BSIZE]uint8
	dirty bool
	// last-access stamp for LRU eviction
	access     uint64
	prefetched bool
}

type Bstats_t struct {
	Hits       uint64
	Misses     uint64
	Prefetched uint64
	Prefhits   uint64
	Evictions  uint64
	Forced     uint64
}

func (st *Bstats_t) Hitrate() float64 {
	tot := st.Hits + st.Misses
	if tot == 0 {
		return 0
	}
	return float64(st.Hits) / float64(tot)
}

// keyed block cache over a Disk_i. entries are evicted LRU, clean entries
// first; a full cache of dirty entries forces one flush.
type Bcache_t struct {
	sync.Mutex
	disk   Disk_i
	ns     int
	cap    int
	blocks map[int]*Block_t
	seq    uint64
	ndirty int
	stats  Bstats_t
	// the write-back daemon's dirty-count trigger
	dirty_notify func(int)
}

func Mkbcache(disk Disk_i, ns, capacity int) *Bcache_t {
	if capacity <= 0 {
		panic("bad cache capacity")
	}
	return &Bcache_t{disk: disk, ns: ns, cap: capacity,
		blocks: make(map[int]*Block_t)}
}

func (bc *Bcache_t) Set_dirty_notify(f func(int)) {
	bc.Lock()
	bc.dirty_notify = f
	bc.Unlock()
}

func lba(block int) uint64 {
	return uint64(block&^MetaBit) * uint64(defs.BLOCKSECTS)
}

// fetches block n, filling from the device on a miss. the returned copy is
// the caller's.
func (bc *Bcache_t) Read_block(n int) ([]uint8, defs.Err_t) {
	bc.Lock()
	if b, ok := bc.blocks[n]; ok {
		bc.seq++
		b.access = bc.seq
		bc.stats.Hits++
		if b.prefetched {
			b.prefetched = false
			bc.stats.Prefhits++
		}
		ret := make([]uint8, BSIZE)
		copy(ret, b.Data[:])
		bc.Unlock()
		return ret, 0
	}
	bc.stats.Misses++
	bc.Unlock()

	b := &Block_t{Block: n}
	if err := bc.disk.Read_blocks(bc.ns, lba(n), defs.BLOCKSECTS,
		b.Data[:]); err != 0 {
		return nil, err
	}
	bc.Lock()
	// a writer may have installed n while the fetch ran without the
	// lock; its bytes win over the ones just read from the device.
	if cur, ok := bc.blocks[n]; ok {
		b = cur
	} else {
		bc.insert(b)
	}
	ret := make([]uint8, BSIZE)
	copy(ret, b.Data[:])
	bc.Unlock()
	return ret, 0
}

// installs dirty bytes for block n
func (bc *Bcache_t) Write_block(n int, data []uint8) defs.Err_t {
	if len(data) > BSIZE {
		return -defs.EINVAL
	}
	bc.Lock()
	b, ok := bc.blocks[n]
	if !ok {
		b = &Block_t{Block: n}
		bc.insert(b)
	}
	copy(b.Data[:], data)
	for i := len(data); i < BSIZE; i++ {
		b.Data[i] = 0
	}
	if !b.dirty {
		b.dirty = true
		bc.ndirty++
	}
	bc.seq++
	b.access = bc.seq
	nd := bc.ndirty
	notify := bc.dirty_notify
	bc.Unlock()
	if notify != nil {
		notify(nd)
	}
	return 0
}

// marks a freshly fetched block so a later hit counts as a prefetch hit.
// no-op when n is already cached.
func (bc *Bcache_t) Prefetch(n int) defs.Err_t {
	bc.Lock()
	if _, ok := bc.blocks[n]; ok {
		bc.Unlock()
		return 0
	}
	bc.Unlock()
	b := &Block_t{Block: n, prefetched: true}
	if err := bc.disk.Read_blocks(bc.ns, lba(n), defs.BLOCKSECTS,
		b.Data[:]); err != 0 {
		return err
	}
	bc.Lock()
	if _, ok := bc.blocks[n]; !ok {
		bc.insert(b)
		bc.stats.Prefetched++
	}
	bc.Unlock()
	return 0
}

func (bc *Bcache_t) Contains(n int) bool {
	bc.Lock()
	defer bc.Unlock()
	_, ok := bc.blocks[n]
	return ok
}

// callers hold the lock. evicts when over capacity: the LRU clean entry
// goes first; an all-dirty cache flushes its LRU dirty entry to the device
// and then evicts it.
func (bc *Bcache_t) insert(b *Block_t) {
	for len(bc.blocks) >= bc.cap {
		var clean, dirty *Block_t
		for _, e := range bc.blocks {
			if !e.dirty {
				if clean == nil || e.access < clean.access {
					clean = e
				}
			} else {
				if dirty == nil || e.access < dirty.access {
					dirty = e
				}
			}
		}
		victim := clean
		if victim == nil {
			victim = dirty
			if err := bc.disk.Write_blocks(bc.ns,
				lba(victim.Block), defs.BLOCKSECTS,
				victim.Data[:]); err != 0 {
				// cannot evict what cannot be cleaned;
				// install the new entry over capacity and
				// leave the dirty victim for a later flush
				if bdev_debug {
					fmt.Printf("bcache: forced flush of "+
						"%v failed: %v\n",
						victim.Block, err)
				}
				break
			}
			victim.dirty = false
			bc.ndirty--
			bc.stats.Forced++
		}
		delete(bc.blocks, victim.Block)
		bc.stats.Evictions++
	}
	bc.seq++
	b.access = bc.seq
	bc.blocks[b.Block] = b
}

// returns block n's bytes and clears its dirty flag; the entry stays
// cached. fails with ENOENT when n is absent or clean.
func (bc *Bcache_t) Flush_block(n int) ([]uint8, defs.Err_t) {
	bc.Lock()
	defer bc.Unlock()
	b, ok := bc.blocks[n]
	if !ok || !b.dirty {
		return nil, -defs.ENOENT
	}
	b.dirty = false
	bc.ndirty--
	ret := make([]uint8, BSIZE)
	copy(ret, b.Data[:])
	return ret, 0
}

// yields every dirty entry once, clearing the dirty flags
func (bc *Bcache_t) Flush_all() map[int][]uint8 {
	bc.Lock()
	defer bc.Unlock()
	ret := make(map[int][]uint8)
	for n, b := range bc.blocks {
		if !b.dirty {
			continue
		}
		b.dirty = false
		bc.ndirty--
		d := make([]uint8, BSIZE)
		copy(d, b.Data[:])
		ret[n] = d
	}
	return ret
}

// re-marks block n dirty, for write-back retry after an I/O error
func (bc *Bcache_t) Redirty(n int, data []uint8) {
	bc.Write_block(n, data)
}

func (bc *Bcache_t) Ndirty() int {
	bc.Lock()
	defer bc.Unlock()
	return bc.ndirty
}

func (bc *Bcache_t) Len() int {
	bc.Lock()
	defer bc.Unlock()
	return len(bc.blocks)
}

func (bc *Bcache_t) Stats() Bstats_t {
	bc.Lock()
	defer bc.Unlock()
	return bc.stats
}
