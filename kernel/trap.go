package kernel

import "fmt"

import "github.com/kestrelos/kestrel/defs"
import "github.com/kestrelos/kestrel/proc"
import "github.com/kestrelos/kestrel/sched"

// every vectored entry into the kernel lands here: timer ticks, CPU
// exceptions, and the syscall gate. handlers never suspend; blocking work
// happens on the calling thread after dispatch.
func (k *Kernel_t) Trap(cpun, vector int, user bool, cr2 uintptr,
	ecode int, tf *[defs.TFSIZE]uintptr) {
	switch vector {
	case defs.TRAP_TIMER:
		k.lapic.Eoi()
		if cpun == 0 {
			k.tick_daemons()
		}
		if k.Sd.Tick(cpun, 1) {
			k.Sd.Schedule(cpun)
		}
	case defs.TRAP_TLBSHOOT:
		k.lapic.Eoi()
	case defs.TRAP_SYSCALL:
		t, p := k.current(cpun)
		if p == nil {
			panic("syscall with no process")
		}
		k.Syscall(p, t, tf)
	case defs.TRAP_PGFAULT:
		k.pgfault(cpun, user, cr2, ecode)
	case defs.TRAP_DIVZERO:
		k.exception(cpun, vector, user, -defs.EGPFAULT)
	case defs.TRAP_GPFAULT:
		k.exception(cpun, vector, user, -defs.EGPFAULT)
	case defs.TRAP_DBLFAULT:
		k.exception(cpun, vector, user, -defs.EDBLFAULT)
	default:
		panic(fmt.Sprintf("unexpected vector %v", vector))
	}
}

func (k *Kernel_t) current(cpun int) (*sched.Thread_t, *proc.Proc_t) {
	c := k.Sd.Cpu(cpun)
	if c == nil {
		return nil, nil
	}
	t := c.Current()
	if t == nil {
		return nil, nil
	}
	return t, k.Pg.Lookup(t.Pid)
}

// demand paging first; an unresolvable fault from user mode kills the
// process, from kernel mode it is a kernel bug.
func (k *Kernel_t) pgfault(cpun int, user bool, cr2 uintptr, ecode int) {
	_, p := k.current(cpun)
	if p == nil {
		panic(fmt.Sprintf("page fault at %#x with no process", cr2))
	}
	err := p.As.Pagefault(cr2, ecode)
	if err == 0 {
		return
	}
	if !user {
		panic(fmt.Sprintf("kernel page fault at %#x: %v", cr2, err))
	}
	fmt.Printf("pid %v: fault at %#x: %v\n", p.Pid, cr2, err)
	k.Pg.Exit(p, 128+defs.TRAP_PGFAULT)
	k.Sd.Schedule(cpun)
}

func (k *Kernel_t) exception(cpun, vector int, user bool, err defs.Err_t) {
	_, p := k.current(cpun)
	if !user || p == nil {
		panic(fmt.Sprintf("kernel exception %v: %v", vector, err))
	}
	fmt.Printf("pid %v: exception %v: %v\n", p.Pid, vector, err)
	k.Pg.Exit(p, 128+vector)
	k.Sd.Schedule(cpun)
}
