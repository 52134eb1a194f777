package kernel

import "fmt"
import "sync"
import "time"

import "github.com/kestrelos/kestrel/defs"
import "github.com/kestrelos/kestrel/ksync"
import "github.com/kestrelos/kestrel/proc"

// the console device behind descriptors 0-2. writes go to the kernel
// log; reads block on input fed by the keyboard interrupt.
type Console_t struct {
	sync.Mutex
	cond  *sync.Cond
	inbuf []uint8
}

func Mkconsole() *Console_t {
	c := &Console_t{}
	c.cond = sync.NewCond(c)
	return c
}

// the keyboard interrupt's half: append bytes and wake readers
func (c *Console_t) Feed(b []uint8) {
	c.Lock()
	c.inbuf = append(c.inbuf, b...)
	c.Unlock()
	c.cond.Broadcast()
}

func (c *Console_t) Read(dst []uint8) (int, defs.Err_t) {
	c.Lock()
	defer c.Unlock()
	for len(c.inbuf) == 0 {
		c.cond.Wait()
	}
	n := copy(dst, c.inbuf)
	c.inbuf = c.inbuf[n:]
	return n, 0
}

func (c *Console_t) Write(src []uint8) (int, defs.Err_t) {
	fmt.Printf("%s", src)
	return len(src), 0
}

func (c *Console_t) Close() defs.Err_t {
	return 0
}

// descriptor halves over a byte ring. each half closes its own side so a
// reader sees EOF once the writer is gone.

type piperd_t struct {
	p *ksync.Pipe_t
}

func (pr *piperd_t) Read(dst []uint8) (int, defs.Err_t) {
	return pr.p.Read(dst, time.Time{})
}

func (pr *piperd_t) Write(src []uint8) (int, defs.Err_t) {
	return 0, -defs.EBADF
}

func (pr *piperd_t) Close() defs.Err_t {
	pr.p.Close_read()
	return 0
}

type pipewr_t struct {
	p *ksync.Pipe_t
}

func (pw *pipewr_t) Read(dst []uint8) (int, defs.Err_t) {
	return 0, -defs.EBADF
}

func (pw *pipewr_t) Write(src []uint8) (int, defs.Err_t) {
	return pw.p.Write(src, time.Time{})
}

func (pw *pipewr_t) Close() defs.Err_t {
	pw.p.Close_write()
	return 0
}

// builds the two descriptor ends of a fresh pipe
func Mkpipefds(capacity int) (proc.Fdops_i, proc.Fdops_i) {
	p := ksync.Mkpipe(capacity)
	return &piperd_t{p: p}, &pipewr_t{p: p}
}
