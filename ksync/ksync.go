package ksync

import "sync"
import "time"

import "github.com/kestrelos/kestrel/defs"

// counting semaphore with an upper bound
type Sem_t struct {
	sync.Mutex
	cond *sync.Cond
	cnt  int
	max  int
}

func Mksem(value, max int) *Sem_t {
	if max <= 0 || value < 0 || value > max {
		panic("bad sem bounds")
	}
	s := &Sem_t{cnt: value, max: max}
	s.cond = sync.NewCond(s)
	return s
}

// non-blocking acquire
func (s *Sem_t) Trywait() defs.Err_t {
	s.Lock()
	defer s.Unlock()
	if s.cnt == 0 {
		return -defs.EWOULDBLOCK
	}
	s.cnt--
	return 0
}

func (s *Sem_t) Wait() {
	s.Lock()
	for s.cnt == 0 {
		s.cond.Wait()
	}
	s.cnt--
	s.Unlock()
}

func (s *Sem_t) Post() defs.Err_t {
	s.Lock()
	defer s.Unlock()
	if s.cnt == s.max {
		return -defs.EOVERFLOW
	}
	s.cnt++
	s.cond.Signal()
	return 0
}

// mutex with a recorded owner; unlock by a non-owner fails
type Kmutex_t struct {
	sync.Mutex
	cond  *sync.Cond
	owner defs.Tid_t
	held  bool
}

func Mkmutex() *Kmutex_t {
	m := &Kmutex_t{}
	m.cond = sync.NewCond(m)
	return m
}

func (m *Kmutex_t) Acquire(tid defs.Tid_t) {
	m.Lock()
	for m.held {
		m.cond.Wait()
	}
	m.held = true
	m.owner = tid
	m.Unlock()
}

func (m *Kmutex_t) Tryacquire(tid defs.Tid_t) defs.Err_t {
	m.Lock()
	defer m.Unlock()
	if m.held {
		return -defs.EWOULDBLOCK
	}
	m.held = true
	m.owner = tid
	return 0
}

func (m *Kmutex_t) Release(tid defs.Tid_t) defs.Err_t {
	m.Lock()
	defer m.Unlock()
	if !m.held || m.owner != tid {
		return -defs.EACCES
	}
	m.held = false
	m.cond.Signal()
	return 0
}

// condition variable over a Kmutex_t
type Kcond_t struct {
	sync.Mutex
	cond    *sync.Cond
	waiters int
	wakes   int
	bcast   int
}

func Mkcond() *Kcond_t {
	c := &Kcond_t{}
	c.cond = sync.NewCond(c)
	return c
}

// atomically releases km and blocks; reacquires km before returning
func (c *Kcond_t) Wait(km *Kmutex_t, tid defs.Tid_t) defs.Err_t {
	c.Lock()
	g := c.bcast
	if err := km.Release(tid); err != 0 {
		c.Unlock()
		return err
	}
	c.waiters++
	for c.wakes == 0 && c.bcast == g {
		c.cond.Wait()
	}
	if c.bcast == g {
		c.wakes--
	}
	c.waiters--
	c.Unlock()
	km.Acquire(tid)
	return 0
}

// wakes one waiter; a signal with no waiter is lost
func (c *Kcond_t) Signal() {
	c.Lock()
	if c.waiters > c.wakes {
		c.wakes++
		c.cond.Broadcast()
	}
	c.Unlock()
}

func (c *Kcond_t) Broadcast() {
	c.Lock()
	c.bcast++
	c.wakes = 0
	c.Unlock()
	c.cond.Broadcast()
}

// N-party barrier; the Nth waiter releases everyone
type Barrier_t struct {
	sync.Mutex
	cond  *sync.Cond
	total int
	cnt   int
	gen   int
}

func Mkbarrier(total int) *Barrier_t {
	if total <= 0 {
		panic("bad barrier size")
	}
	b := &Barrier_t{total: total}
	b.cond = sync.NewCond(b)
	return b
}

// returns true to exactly one caller per generation
func (b *Barrier_t) Wait() bool {
	b.Lock()
	defer b.Unlock()
	g := b.gen
	b.cnt++
	if b.cnt == b.total {
		b.cnt = 0
		b.gen++
		b.cond.Broadcast()
		return true
	}
	for b.gen == g {
		b.cond.Wait()
	}
	return false
}

const MQ_MAXPRIO = 31

type msg_t struct {
	data []uint8
	prio int
}

// priority message queue: strictly decreasing priority, FIFO within a
// priority. bounded by message count and message size.
type Mqueue_t struct {
	sync.Mutex
	ncond   *sync.Cond
	fcond   *sync.Cond
	msgs    []msg_t
	maxmsgs int
	maxsz   int
}

func Mkmqueue(maxmsgs, maxsz int) *Mqueue_t {
	if maxmsgs <= 0 || maxsz <= 0 {
		panic("bad mqueue bounds")
	}
	q := &Mqueue_t{maxmsgs: maxmsgs, maxsz: maxsz}
	q.ncond = sync.NewCond(q)
	q.fcond = sync.NewCond(q)
	return q
}

func (q *Mqueue_t) insert(m msg_t) {
	// first slot whose priority is strictly lower keeps FIFO within
	// equal priorities
	at := len(q.msgs)
	for i, e := range q.msgs {
		if e.prio < m.prio {
			at = i
			break
		}
	}
	q.msgs = append(q.msgs, msg_t{})
	copy(q.msgs[at+1:], q.msgs[at:])
	q.msgs[at] = m
}

// deadline is zero for blocking forever; expiry leaves the queue unchanged
func (q *Mqueue_t) Send(data []uint8, prio int,
	deadline time.Time) defs.Err_t {
	if prio < 0 || prio > MQ_MAXPRIO {
		return -defs.EINVAL
	}
	if len(data) > q.maxsz {
		return -defs.EMSGSIZE
	}
	q.Lock()
	defer q.Unlock()
	for len(q.msgs) == q.maxmsgs {
		if expired(q.fcond, deadline) && len(q.msgs) == q.maxmsgs {
			return -defs.ETIMEDOUT
		}
	}
	d := make([]uint8, len(data))
	copy(d, data)
	q.insert(msg_t{data: d, prio: prio})
	q.ncond.Signal()
	return 0
}

func (q *Mqueue_t) Trysend(data []uint8, prio int) defs.Err_t {
	if prio < 0 || prio > MQ_MAXPRIO {
		return -defs.EINVAL
	}
	if len(data) > q.maxsz {
		return -defs.EMSGSIZE
	}
	q.Lock()
	defer q.Unlock()
	if len(q.msgs) == q.maxmsgs {
		return -defs.EQFULL
	}
	d := make([]uint8, len(data))
	copy(d, data)
	q.insert(msg_t{data: d, prio: prio})
	q.ncond.Signal()
	return 0
}

// pops the oldest highest-priority message
func (q *Mqueue_t) Recv(deadline time.Time) ([]uint8, int, defs.Err_t) {
	q.Lock()
	defer q.Unlock()
	for len(q.msgs) == 0 {
		if expired(q.ncond, deadline) && len(q.msgs) == 0 {
			return nil, 0, -defs.ETIMEDOUT
		}
	}
	m := q.msgs[0]
	copy(q.msgs, q.msgs[1:])
	q.msgs = q.msgs[:len(q.msgs)-1]
	q.fcond.Signal()
	return m.data, m.prio, 0
}

func (q *Mqueue_t) Tryrecv() ([]uint8, int, defs.Err_t) {
	q.Lock()
	defer q.Unlock()
	if len(q.msgs) == 0 {
		return nil, 0, -defs.EWOULDBLOCK
	}
	m := q.msgs[0]
	copy(q.msgs, q.msgs[1:])
	q.msgs = q.msgs[:len(q.msgs)-1]
	q.fcond.Signal()
	return m.data, m.prio, 0
}

func (q *Mqueue_t) Len() int {
	q.Lock()
	defer q.Unlock()
	return len(q.msgs)
}

// waits on c with an optional deadline. returns true when the deadline has
// passed. the caller must hold c's locker and re-check its predicate.
func expired(c *sync.Cond, deadline time.Time) bool {
	if deadline.IsZero() {
		c.Wait()
		return false
	}
	now := time.Now()
	if !now.Before(deadline) {
		return true
	}
	t := time.AfterFunc(deadline.Sub(now), func() { c.Broadcast() })
	c.Wait()
	t.Stop()
	return !time.Now().Before(deadline)
}
