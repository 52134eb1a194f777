package proc

import "fmt"
import "sync"

import "github.com/kestrelos/kestrel/defs"
import "github.com/kestrelos/kestrel/mem"
import "github.com/kestrelos/kestrel/sched"
import "github.com/kestrelos/kestrel/vm"

var proc_debug = false

// user stack: 8 lazy pages just under the canonical hole
const (
	USERSTACK_TOP uintptr = 0x7fffffff0000
	USERSTACK_PGS         = 8
)

// what a file descriptor can do. indices 0-2 are reserved for the
// console descriptors installed at process creation.
type Fdops_i interface {
	Read(dst []uint8) (int, defs.Err_t)
	Write(src []uint8) (int, defs.Err_t)
	Close() defs.Err_t
}

type Fd_t struct {
	Path   string
	Mode   int
	Offset int
	Ops    Fdops_i
}

type deadchild_t struct {
	pid    defs.Pid_t
	status int
}

type Proc_t struct {
	sync.Mutex
	Pid      defs.Pid_t
	Name     string
	As       *vm.Aspace_t
	fds      []*Fd_t
	threads  map[defs.Tid_t]*sched.Thread_t
	parent   *Proc_t
	children map[defs.Pid_t]*Proc_t
	dead     []deadchild_t
	waitc    *sync.Cond
	doomed   bool
}

// process registry and factory. hooks let the kernel attach the swap
// daemon without this package depending on it.
type Pmgr_t struct {
	sync.Mutex
	pm       *mem.Physmem_t
	sd       *sched.Sched_t
	procs    map[defs.Pid_t]*Proc_t
	nextpid  defs.Pid_t
	On_newas func(defs.Pid_t, *vm.Aspace_t)
	On_exit  func(defs.Pid_t)
}

func Mkpmgr(pm *mem.Physmem_t, sd *sched.Sched_t) *Pmgr_t {
	return &Pmgr_t{pm: pm, sd: sd, procs: make(map[defs.Pid_t]*Proc_t),
		nextpid: 1}
}

func (pg *Pmgr_t) Lookup(pid defs.Pid_t) *Proc_t {
	pg.Lock()
	defer pg.Unlock()
	return pg.procs[pid]
}

func (pg *Pmgr_t) Nprocs() int {
	pg.Lock()
	defer pg.Unlock()
	return len(pg.procs)
}

func (pg *Pmgr_t) mkempty(name string, parent *Proc_t) (*Proc_t,
	defs.Err_t) {
	pg.Lock()
	if len(pg.procs) >= defs.Syslimit.Procs {
		pg.Unlock()
		return nil, -defs.ETOOMANY
	}
	pid := pg.nextpid
	pg.nextpid++
	pg.Unlock()

	as, err := vm.Mkaspace(pg.pm, pid)
	if err != 0 {
		return nil, err
	}
	p := &Proc_t{Pid: pid, Name: name, As: as, parent: parent,
		threads:  make(map[defs.Tid_t]*sched.Thread_t),
		children: make(map[defs.Pid_t]*Proc_t)}
	p.waitc = sync.NewCond(p)
	p.fds = make([]*Fd_t, 3)
	if pg.On_newas != nil {
		pg.On_newas(pid, as)
	}
	pg.Lock()
	pg.procs[pid] = p
	pg.Unlock()
	if parent != nil {
		parent.Lock()
		parent.children[pid] = p
		parent.Unlock()
	}
	return p, 0
}

// builds a process with an initial thread whose context starts at entry,
// and a lazy user stack.
func (pg *Pmgr_t) Create_process(name string, entry uintptr,
	weight int) (*Proc_t, defs.Err_t) {
	p, err := pg.mkempty(name, nil)
	if err != 0 {
		return nil, err
	}
	sbot := USERSTACK_TOP - uintptr(USERSTACK_PGS*mem.PGSIZE)
	if err := p.As.Map_lazy(sbot, USERSTACK_PGS,
		vm.PTE_W|vm.PTE_U|vm.PTE_NX); err != 0 {
		pg.teardown(p)
		return nil, err
	}
	t := pg.sd.Newthread(p.Pid, weight)
	t.Tf[defs.TF_RIP] = entry
	t.Tf[defs.TF_RSP] = USERSTACK_TOP
	t.P_cr3 = p.As.P_root()
	p.threads[t.Tid] = t
	if proc_debug {
		fmt.Printf("proc: %v pid %v entry %#x\n", name, p.Pid, entry)
	}
	return p, 0
}

// clones the caller: CoW address space, duplicated descriptor table, and a
// new thread that resumes from tf with a zero return value.
func (pg *Pmgr_t) Fork(parent *Proc_t, tf *[defs.TFSIZE]uintptr) (*Proc_t,
	defs.Err_t) {
	pg.Lock()
	if len(pg.procs) >= defs.Syslimit.Procs {
		pg.Unlock()
		return nil, -defs.ETOOMANY
	}
	pid := pg.nextpid
	pg.nextpid++
	pg.Unlock()

	nas, err := parent.As.Clone(pid, vm.Copyonwrite)
	if err != 0 {
		return nil, err
	}
	child := &Proc_t{Pid: pid, Name: parent.Name, As: nas,
		parent:   parent,
		threads:  make(map[defs.Tid_t]*sched.Thread_t),
		children: make(map[defs.Pid_t]*Proc_t)}
	child.waitc = sync.NewCond(child)

	parent.Lock()
	child.fds = make([]*Fd_t, len(parent.fds))
	for i, fd := range parent.fds {
		if fd != nil {
			nfd := *fd
			child.fds[i] = &nfd
		}
	}
	parent.children[pid] = child
	parent.Unlock()

	if pg.On_newas != nil {
		pg.On_newas(pid, nas)
	}
	pg.Lock()
	pg.procs[pid] = child
	pg.Unlock()

	t := pg.sd.Newthread(pid, sched.DEFWEIGHT)
	t.Tf = *tf
	t.Tf[defs.TF_RAX] = 0
	t.P_cr3 = nas.P_root()
	child.threads[t.Tid] = t
	return child, 0
}

func (pg *Pmgr_t) teardown(p *Proc_t) {
	p.As.Free()
	pg.Lock()
	delete(pg.procs, p.Pid)
	pg.Unlock()
}

// terminates every thread, releases the address space and descriptors, and
// queues the exit status for the parent's wait.
func (pg *Pmgr_t) Exit(p *Proc_t, status int) {
	p.Lock()
	if p.doomed {
		p.Unlock()
		return
	}
	p.doomed = true
	ths := make([]*sched.Thread_t, 0, len(p.threads))
	for _, t := range p.threads {
		ths = append(ths, t)
	}
	fds := p.fds
	p.fds = nil
	// orphans lose their parent
	for _, c := range p.children {
		c.Lock()
		c.parent = nil
		c.Unlock()
	}
	p.Unlock()

	for _, t := range ths {
		pg.sd.Exit(t)
	}
	for _, fd := range fds {
		if fd != nil && fd.Ops != nil {
			fd.Ops.Close()
		}
	}
	if pg.On_exit != nil {
		pg.On_exit(p.Pid)
	}
	p.As.Free()

	pg.Lock()
	delete(pg.procs, p.Pid)
	pg.Unlock()

	if par := p.parent; par != nil {
		par.Lock()
		delete(par.children, p.Pid)
		par.dead = append(par.dead, deadchild_t{p.Pid, status})
		par.Unlock()
		par.waitc.Broadcast()
	}
	if proc_debug {
		fmt.Printf("proc: pid %v exit %v\n", p.Pid, status)
	}
}

// reaps one dead child, blocking until one exists. fails with ENOENT when
// the process has no children left to wait for.
func (p *Proc_t) Wait() (defs.Pid_t, int, defs.Err_t) {
	p.Lock()
	defer p.Unlock()
	for {
		if len(p.dead) > 0 {
			dc := p.dead[0]
			p.dead = p.dead[1:]
			return dc.pid, dc.status, 0
		}
		if len(p.children) == 0 {
			return 0, 0, -defs.ENOENT
		}
		p.waitc.Wait()
	}
}

// installs ops at the lowest free slot at or above 3. the table grows by
// doubling, bounded by the descriptor limit.
const fd_max = 1024

func (p *Proc_t) Fd_insert(fd *Fd_t) (int, defs.Err_t) {
	p.Lock()
	defer p.Unlock()
	for i := 3; i < len(p.fds); i++ {
		if p.fds[i] == nil {
			p.fds[i] = fd
			return i, 0
		}
	}
	if len(p.fds) >= fd_max {
		return 0, -defs.ETOOMANY
	}
	n := len(p.fds) * 2
	if n > fd_max {
		n = fd_max
	}
	nfds := make([]*Fd_t, n)
	copy(nfds, p.fds)
	at := len(p.fds)
	p.fds = nfds
	p.fds[at] = fd
	return at, 0
}

func (p *Proc_t) Fd_get(fdn int) (*Fd_t, defs.Err_t) {
	p.Lock()
	defer p.Unlock()
	if fdn < 0 || fdn >= len(p.fds) || p.fds[fdn] == nil {
		return nil, -defs.EBADF
	}
	return p.fds[fdn], 0
}

func (p *Proc_t) Fd_del(fdn int) (*Fd_t, defs.Err_t) {
	p.Lock()
	defer p.Unlock()
	// 0-2 are the reserved console descriptors
	if fdn < 3 || fdn >= len(p.fds) || p.fds[fdn] == nil {
		return nil, -defs.EBADF
	}
	fd := p.fds[fdn]
	p.fds[fdn] = nil
	return fd, 0
}

// installs the reserved console descriptors
func (p *Proc_t) Set_console(ops Fdops_i) {
	p.Lock()
	defer p.Unlock()
	for i := 0; i < 3; i++ {
		p.fds[i] = &Fd_t{Path: "console", Mode: defs.O_RDWR, Ops: ops}
	}
}

func (p *Proc_t) Thread0() *sched.Thread_t {
	p.Lock()
	defer p.Unlock()
	for _, t := range p.threads {
		return t
	}
	return nil
}
