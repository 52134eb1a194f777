package defs

// kernel error values. syscalls return them negated in the accumulator;
// in-kernel code returns them by value and never unwinds.
type Err_t int

const (
	// resource
	ENOMEM   Err_t = 1
	ENOFRAME Err_t = 2
	EQFULL   Err_t = 3
	ETOOMANY Err_t = 4

	// lookup
	ENOENT     Err_t = 5
	ENOTMAPPED Err_t = 6
	ENOTCONN   Err_t = 7

	// state
	EBADSTATE Err_t = 8
	EEXIST    Err_t = 9
	EINUSE    Err_t = 10
	EINVAL    Err_t = 11

	// access
	EACCES Err_t = 12

	// i/o
	EIO       Err_t = 13
	EBADCKSUM Err_t = 14
	ETRUNC    Err_t = 15

	// timing
	EWOULDBLOCK Err_t = 16
	ETIMEDOUT   Err_t = 17

	// fatal. a fatal error from user mode terminates the process; from
	// kernel mode it is a panic.
	ESEGFAULT Err_t = 18
	EGPFAULT  Err_t = 19
	EDBLFAULT Err_t = 20

	ENOSYS       Err_t = 21
	EBADF        Err_t = 22
	EUNREACH     Err_t = 23
	ECONNREFUSED Err_t = 24
	EMSGSIZE     Err_t = 25
	EOVERFLOW    Err_t = 26
	EBADFREE     Err_t = 27
	EPIPE        Err_t = 28
)

var errstr = map[Err_t]string{
	ENOMEM:       "out of memory",
	ENOFRAME:     "out of physical frames",
	EQFULL:       "queue full",
	ETOOMANY:     "too many objects",
	ENOENT:       "not found",
	ENOTMAPPED:   "address not mapped",
	ENOTCONN:     "not connected",
	EBADSTATE:    "bad state",
	EEXIST:       "already exists",
	EINUSE:       "in use",
	EINVAL:       "bad argument",
	EACCES:       "permission denied",
	EIO:          "i/o error",
	EBADCKSUM:    "checksum mismatch",
	ETRUNC:       "truncated",
	EWOULDBLOCK:  "would block",
	ETIMEDOUT:    "timed out",
	ESEGFAULT:    "segmentation fault",
	EGPFAULT:     "general protection fault",
	EDBLFAULT:    "double fault",
	ENOSYS:       "invalid syscall",
	EBADF:        "bad descriptor",
	EUNREACH:     "unreachable",
	ECONNREFUSED: "connection refused",
	EMSGSIZE:     "message too large",
	EOVERFLOW:    "overflow",
	EBADFREE:     "invalid free",
	EPIPE:        "broken pipe",
}

func (e Err_t) String() string {
	if s, ok := errstr[e]; ok {
		return s
	}
	if s, ok := errstr[-e]; ok {
		return s
	}
	return "unknown error"
}

func (e Err_t) Fatal() bool {
	if e < 0 {
		e = -e
	}
	return e == ESEGFAULT || e == EGPFAULT || e == EDBLFAULT
}
