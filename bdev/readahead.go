package bdev

import "sync"

// read-ahead window bounds; the window doubles after enough consecutive
// sequential reads and resets on any seek.
const (
	ra_minwin   = 4
	ra_maxwin   = 32
	ra_doubleat = 10
	ra_prefat   = 2
)

type ractx_t struct {
	last   int
	seqcnt int
	window int
}

// per-stream sequential-access detector that prefetches through the block
// cache. keys identify a device or open file.
type Readahead_t struct {
	sync.Mutex
	bc   *Bcache_t
	ctxs map[int]*ractx_t
}

func Mkreadahead(bc *Bcache_t) *Readahead_t {
	return &Readahead_t{bc: bc, ctxs: make(map[int]*ractx_t)}
}

// records that block n of stream key was read and prefetches ahead when
// the stream looks sequential.
func (ra *Readahead_t) On_read(key, n int) {
	ra.Lock()
	ctx, ok := ra.ctxs[key]
	if !ok {
		ctx = &ractx_t{last: -2, window: ra_minwin}
		ra.ctxs[key] = ctx
	}
	if n == ctx.last+1 {
		ctx.seqcnt++
		if ctx.seqcnt > ra_doubleat && ctx.window < ra_maxwin {
			ctx.window *= 2
			ctx.seqcnt = ra_prefat
		}
	} else {
		ctx.seqcnt = 0
		ctx.window = ra_minwin
	}
	ctx.last = n
	seq := ctx.seqcnt
	win := ctx.window
	ra.Unlock()

	if seq < ra_prefat {
		return
	}
	for b := n + 1; b <= n+win; b++ {
		ra.bc.Prefetch(b)
	}
}

func (ra *Readahead_t) Window(key int) int {
	ra.Lock()
	defer ra.Unlock()
	if ctx, ok := ra.ctxs[key]; ok {
		return ctx.window
	}
	return ra_minwin
}
