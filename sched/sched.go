package sched

import "fmt"
import "sync"

import "github.com/kestrelos/kestrel/defs"
import "github.com/kestrelos/kestrel/mem"

var sched_debug = false

// default priority weight; vruntime accrues as delta*DEFWEIGHT/weight
const DEFWEIGHT = 1024

type State_t int

const (
	Ready State_t = iota
	Running
	Blocked
	Terminated
)

func (s State_t) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	}
	return "wut"
}

type Thread_t struct {
	Tid      defs.Tid_t
	Pid      defs.Pid_t
	State    State_t
	Tf       [defs.TFSIZE]uintptr
	P_cr3    mem.Pa_t
	weight   int
	vruntime uint64
	cputime  uint64
	cpu      int
}

func (t *Thread_t) Vruntime() uint64 {
	return t.vruntime
}

func (t *Thread_t) Cputime() uint64 {
	return t.cputime
}

// one per-CPU record: LAPIC id, the current thread, and the runqueue.
// each record is written only by its owning CPU except at registration.
type Cpu_t struct {
	sync.Mutex
	Num     int
	Lapicid int
	current *Thread_t
	rq      []*Thread_t
}

func (c *Cpu_t) Current() *Thread_t {
	c.Lock()
	defer c.Unlock()
	return c.current
}

// minimum vruntime among the CPU's ready threads; callers hold c's lock.
// ok is false on an empty runqueue.
func (c *Cpu_t) minvr() (uint64, bool) {
	if len(c.rq) == 0 {
		return 0, false
	}
	min := c.rq[0].vruntime
	for _, t := range c.rq[1:] {
		if t.vruntime < min {
			min = t.vruntime
		}
	}
	return min, true
}

func (c *Cpu_t) takemin() *Thread_t {
	at := -1
	for i, t := range c.rq {
		if at == -1 || t.vruntime < c.rq[at].vruntime {
			at = i
		}
	}
	if at == -1 {
		return nil
	}
	t := c.rq[at]
	c.rq = append(c.rq[:at], c.rq[at+1:]...)
	return t
}

type Sched_t struct {
	sync.Mutex
	cpus    []*Cpu_t
	threads map[defs.Tid_t]*Thread_t
	nexttid defs.Tid_t
}

// creates the scheduler with the boot CPU registered as CPU 0
func Mksched(bootlapicid int) *Sched_t {
	s := &Sched_t{threads: make(map[defs.Tid_t]*Thread_t), nexttid: 1}
	s.cpus = append(s.cpus, &Cpu_t{Num: 0, Lapicid: bootlapicid})
	return s
}

// registers a started AP and returns its CPU record
func (s *Sched_t) Register_cpu(lapicid int) *Cpu_t {
	s.Lock()
	defer s.Unlock()
	c := &Cpu_t{Num: len(s.cpus), Lapicid: lapicid}
	s.cpus = append(s.cpus, c)
	return c
}

func (s *Sched_t) Ncpu() int {
	s.Lock()
	defer s.Unlock()
	return len(s.cpus)
}

func (s *Sched_t) Cpu(n int) *Cpu_t {
	s.Lock()
	defer s.Unlock()
	if n < 0 || n >= len(s.cpus) {
		panic("bad cpu")
	}
	return s.cpus[n]
}

// creates a Ready thread on the least loaded CPU
func (s *Sched_t) Newthread(pid defs.Pid_t, weight int) *Thread_t {
	if weight <= 0 {
		weight = DEFWEIGHT
	}
	s.Lock()
	t := &Thread_t{Tid: s.nexttid, Pid: pid, State: Ready,
		weight: weight}
	s.nexttid++
	s.threads[t.Tid] = t
	tgt := s.cpus[0]
	for _, c := range s.cpus[1:] {
		if len(c.rq) < len(tgt.rq) {
			tgt = c
		}
	}
	s.Unlock()

	tgt.Lock()
	t.cpu = tgt.Num
	tgt.rq = append(tgt.rq, t)
	tgt.Unlock()
	if sched_debug {
		fmt.Printf("sched: new tid %v pid %v on cpu %v\n", t.Tid, pid,
			tgt.Num)
	}
	return t
}

func (s *Sched_t) Lookup(tid defs.Tid_t) *Thread_t {
	s.Lock()
	defer s.Unlock()
	return s.threads[tid]
}

// accounts delta ticks to cpun's running thread. returns true when a ready
// thread now has a smaller vruntime, i.e. the tick is a preemption point.
func (s *Sched_t) Tick(cpun int, delta uint64) bool {
	c := s.Cpu(cpun)
	c.Lock()
	defer c.Unlock()
	t := c.current
	if t == nil {
		return len(c.rq) > 0
	}
	t.cputime += delta
	t.vruntime += delta * DEFWEIGHT / uint64(t.weight)
	if min, ok := c.minvr(); ok && min < t.vruntime {
		return true
	}
	return false
}

// picks the minimum-vruntime ready thread on cpun. the previously running
// thread, if any, goes back Ready with its updated vruntime. returns nil
// when the runqueue is empty (idle).
func (s *Sched_t) Schedule(cpun int) *Thread_t {
	c := s.Cpu(cpun)
	c.Lock()
	defer c.Unlock()
	if old := c.current; old != nil && old.State == Running {
		old.State = Ready
		c.rq = append(c.rq, old)
	}
	c.current = nil
	t := c.takemin()
	if t == nil {
		return nil
	}
	t.State = Running
	t.cpu = cpun
	c.current = t
	return t
}

// moves the thread from Running or Ready to Blocked
func (s *Sched_t) Block(t *Thread_t) {
	c := s.Cpu(t.cpu)
	c.Lock()
	defer c.Unlock()
	switch t.State {
	case Running:
		if c.current == t {
			c.current = nil
		}
	case Ready:
		c.unqueue(t)
	default:
		panic("block of " + t.State.String())
	}
	t.State = Blocked
}

func (c *Cpu_t) unqueue(t *Thread_t) {
	for i, q := range c.rq {
		if q == t {
			c.rq = append(c.rq[:i], c.rq[i+1:]...)
			return
		}
	}
	panic("thread not on runqueue")
}

// makes a Blocked thread Ready again. the woken thread's vruntime is
// floored to the runqueue minimum so a long sleep cannot bank unfair
// CPU time.
func (s *Sched_t) Wake(t *Thread_t) {
	c := s.Cpu(t.cpu)
	c.Lock()
	defer c.Unlock()
	if t.State != Blocked {
		panic("wake of " + t.State.String())
	}
	if min, ok := c.minvr(); ok && t.vruntime < min {
		t.vruntime = min
	} else if c.current != nil && t.vruntime < c.current.vruntime {
		t.vruntime = c.current.vruntime
	}
	t.State = Ready
	c.rq = append(c.rq, t)
}

// Terminated is absorbing: the thread leaves every scheduler structure
func (s *Sched_t) Exit(t *Thread_t) {
	c := s.Cpu(t.cpu)
	c.Lock()
	switch t.State {
	case Running:
		if c.current == t {
			c.current = nil
		}
	case Ready:
		c.unqueue(t)
	}
	t.State = Terminated
	c.Unlock()

	s.Lock()
	delete(s.threads, t.Tid)
	s.Unlock()
}
