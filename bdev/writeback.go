package bdev

import "fmt"
import "sort"
import "sync"

import "github.com/kestrelos/kestrel/defs"

type Wbmode_t int

const (
	WriteBack Wbmode_t = iota
	WriteThrough
	WriteOrdered
)

// flushes dirty cache blocks to the device, either every flush_interval
// ticks or when the dirty count crosses max_dirty. failed writes re-dirty
// the block for the next cycle.
type Wbd_t struct {
	sync.Mutex
	bc       *Bcache_t
	disk     Disk_i
	ns       int
	mode     Wbmode_t
	interval int
	maxdirty int
	ticks    int
	flushing bool
	Nflushes int
	Nblocks  int
	Nretries int
}

func Mkwbd(bc *Bcache_t, disk Disk_i, ns int, mode Wbmode_t, interval,
	maxdirty int) *Wbd_t {
	w := &Wbd_t{bc: bc, disk: disk, ns: ns, mode: mode,
		interval: interval, maxdirty: maxdirty}
	bc.Set_dirty_notify(w.dirtied)
	return w
}

// the cache's dirty-count trigger
func (w *Wbd_t) dirtied(ndirty int) {
	switch w.mode {
	case WriteThrough:
		w.Flush()
	case WriteBack, WriteOrdered:
		if ndirty > w.maxdirty {
			w.Flush()
		}
	}
}

// the periodic trigger
func (w *Wbd_t) Tick() {
	w.Lock()
	w.ticks++
	due := w.interval > 0 && w.ticks >= w.interval
	if due {
		w.ticks = 0
	}
	w.Unlock()
	if due {
		w.Flush()
	}
}

type wbent_t struct {
	block int
	data  []uint8
}

// pulls every dirty block and hands them to the device in ascending block
// order, adjacent runs coalesced into single transfers. under WriteOrdered
// the metadata blocks of the epoch go first.
func (w *Wbd_t) Flush() int {
	w.Lock()
	if w.flushing {
		w.Unlock()
		return 0
	}
	w.flushing = true
	w.Unlock()
	defer func() {
		w.Lock()
		w.flushing = false
		w.Unlock()
	}()

	dirty := w.bc.Flush_all()
	if len(dirty) == 0 {
		return 0
	}
	ents := make([]wbent_t, 0, len(dirty))
	for n, d := range dirty {
		ents = append(ents, wbent_t{n, d})
	}
	sort.Slice(ents, func(i, j int) bool {
		return ents[i].block < ents[j].block
	})

	done := 0
	if w.mode == WriteOrdered {
		var meta, data []wbent_t
		for _, e := range ents {
			if e.block&MetaBit != 0 {
				meta = append(meta, e)
			} else {
				data = append(data, e)
			}
		}
		done += w.writerun(meta)
		done += w.writerun(data)
	} else {
		done += w.writerun(ents)
	}

	w.Lock()
	w.Nflushes++
	w.Nblocks += done
	w.Unlock()
	return done
}

// writes ents in order, coalescing adjacent on-disk blocks into one
// transfer. a failed transfer re-dirties its blocks.
func (w *Wbd_t) writerun(ents []wbent_t) int {
	done := 0
	for i := 0; i < len(ents); {
		j := i + 1
		for j < len(ents) &&
			lba(ents[j].block) == lba(ents[j-1].block)+
				uint64(defs.BLOCKSECTS) {
			j++
		}
		run := ents[i:j]
		buf := make([]uint8, len(run)*BSIZE)
		for k, e := range run {
			copy(buf[k*BSIZE:], e.data)
		}
		err := w.disk.Write_blocks(w.ns, lba(run[0].block),
			len(run)*defs.BLOCKSECTS, buf)
		if err != 0 {
			// keep the bytes dirty for the next cycle
			for _, e := range run {
				w.bc.Redirty(e.block, e.data)
			}
			w.Lock()
			w.Nretries += len(run)
			w.Unlock()
			if bdev_debug {
				fmt.Printf("wbd: run at %v failed: %v\n",
					run[0].block, err)
			}
		} else {
			done += len(run)
		}
		i = j
	}
	return done
}
