package defs

type Tid_t int
type Pid_t int

const PGSIZE int = 1 << 12
const PGSHIFT uint = 12
const PGOFFSET int = PGSIZE - 1
const PGMASK int = ^PGOFFSET

// sectors per cache block on the underlying 512-byte sector device
const SECTSIZE int = 512
const SECTSHIFT uint = 9
const BLOCKSECTS int = PGSIZE / SECTSIZE

// trapframe layout for the fast syscall convention: syscall number in RAX,
// up to six arguments, return value written back to RAX.
const TFSIZE = 24

const (
	TF_RAX    = 0
	TF_RDI    = 1
	TF_RSI    = 2
	TF_RDX    = 3
	TF_RCX    = 4
	TF_R8     = 5
	TF_R9     = 6
	TF_RSP    = 7
	TF_RIP    = 8
	TF_RFLAGS = 9
	TF_CR3    = 10
	TF_ERROR  = 11
)

// vector numbers delivered to the trap entry
const (
	TRAP_DIVZERO  = 0
	TRAP_GPFAULT  = 13
	TRAP_PGFAULT  = 14
	TRAP_DBLFAULT = 8
	TRAP_TIMER    = 32
	TRAP_SYSCALL  = 64
	TRAP_TLBSHOOT = 70
)

// page fault error code bits
const (
	PF_PRESENT = 1 << 0
	PF_WRITE   = 1 << 1
	PF_USER    = 1 << 2
)
