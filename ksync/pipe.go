package ksync

import "sync"
import "time"

import "github.com/kestrelos/kestrel/defs"

// fixed-capacity byte ring between one writer and one reader. readers see
// EOF after the write side closes and the ring drains.
type Pipe_t struct {
	sync.Mutex
	rcond   *sync.Cond
	wcond   *sync.Cond
	buf     []uint8
	head    int
	tail    int
	closed  bool
	rclosed bool
}

func Mkpipe(capacity int) *Pipe_t {
	if capacity <= 0 {
		panic("bad pipe capacity")
	}
	p := &Pipe_t{buf: make([]uint8, capacity+1)}
	p.rcond = sync.NewCond(p)
	p.wcond = sync.NewCond(p)
	return p
}

func (p *Pipe_t) used() int {
	return (p.head - p.tail + len(p.buf)) % len(p.buf)
}

func (p *Pipe_t) left() int {
	return len(p.buf) - 1 - p.used()
}

// writes as much of src as fits, blocking while the ring is full. a closed
// read side fails with EPIPE.
func (p *Pipe_t) Write(src []uint8, deadline time.Time) (int, defs.Err_t) {
	p.Lock()
	defer p.Unlock()
	if p.closed {
		return 0, -defs.EBADSTATE
	}
	did := 0
	for len(src) > 0 {
		if p.rclosed {
			return did, -defs.EPIPE
		}
		if p.left() == 0 {
			if did > 0 {
				break
			}
			if expired(p.wcond, deadline) && p.left() == 0 {
				return 0, -defs.ETIMEDOUT
			}
			continue
		}
		n := p.left()
		if n > len(src) {
			n = len(src)
		}
		for i := 0; i < n; i++ {
			p.buf[p.head] = src[i]
			p.head = (p.head + 1) % len(p.buf)
		}
		src = src[n:]
		did += n
		p.rcond.Broadcast()
	}
	return did, 0
}

// reads up to len(dst) bytes, blocking while the ring is empty. returns
// 0 bytes and no error at EOF.
func (p *Pipe_t) Read(dst []uint8, deadline time.Time) (int, defs.Err_t) {
	p.Lock()
	defer p.Unlock()
	for p.used() == 0 {
		if p.closed {
			return 0, 0
		}
		if expired(p.rcond, deadline) && p.used() == 0 && !p.closed {
			return 0, -defs.ETIMEDOUT
		}
	}
	n := p.used()
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = p.buf[p.tail]
		p.tail = (p.tail + 1) % len(p.buf)
	}
	p.wcond.Broadcast()
	return n, 0
}

func (p *Pipe_t) Close_write() {
	p.Lock()
	p.closed = true
	p.Unlock()
	p.rcond.Broadcast()
}

func (p *Pipe_t) Close_read() {
	p.Lock()
	p.rclosed = true
	p.Unlock()
	p.wcond.Broadcast()
}
