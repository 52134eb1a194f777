package kernel

import "fmt"
import "time"

import "github.com/kestrelos/kestrel/defs"
import "github.com/kestrelos/kestrel/inet"
import "github.com/kestrelos/kestrel/proc"
import "github.com/kestrelos/kestrel/sched"
import "github.com/kestrelos/kestrel/util"

var sys_debug = false

// per-call transfer bound; larger user buffers take multiple calls
const maxio = 1 << 20

const maxpath = 256

// converts a relative timeout in milliseconds to the deadline the blocking
// layers take. zero stays the zero time, whose meaning the callee defines.
func deadline(ms int) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(ms) * time.Millisecond)
}

// reads a NUL-terminated string out of the caller's address space, one
// byte at a time so a fault past the terminator cannot fail a valid path.
func copyinstr(p *proc.Proc_t, va uintptr) (string, defs.Err_t) {
	buf := make([]uint8, 0, 32)
	var b [1]uint8
	for i := 0; i < maxpath; i++ {
		if err := p.As.Copyin(va+uintptr(i), b[:]); err != 0 {
			return "", err
		}
		if b[0] == 0 {
			return string(buf), 0
		}
		buf = append(buf, b[0])
	}
	return "", -defs.EINVAL
}

// the numbered entry from user mode. arguments arrive in the trapframe's
// argument registers; the result replaces the accumulator.
func (k *Kernel_t) Syscall(p *proc.Proc_t, t *sched.Thread_t,
	tf *[defs.TFSIZE]uintptr) {
	num := int(tf[defs.TF_RAX])
	a1 := tf[defs.TF_RDI]
	a2 := tf[defs.TF_RSI]
	a3 := tf[defs.TF_RDX]
	a4 := tf[defs.TF_RCX]
	a5 := tf[defs.TF_R8]
	a6 := tf[defs.TF_R9]

	var ret int
	switch num {
	case defs.SYS_EXIT:
		k.Pg.Exit(p, int(a1))
	case defs.SYS_FORK:
		ret = k.sys_fork(p, tf)
	case defs.SYS_READ:
		ret = k.sys_read(p, int(a1), a2, int(a3))
	case defs.SYS_WRITE:
		ret = k.sys_write(p, int(a1), a2, int(a3))
	case defs.SYS_OPEN:
		ret = k.sys_open(p, a1, int(a2))
	case defs.SYS_CLOSE:
		ret = k.sys_close(p, int(a1))
	case defs.SYS_EXEC:
		ret = k.sys_exec(p, a1, a2, int(a3))
	case defs.SYS_WAIT:
		ret = k.sys_wait(p, a1)
	case defs.SYS_GETPID:
		ret = int(p.Pid)
	case defs.SYS_SYNC:
		k.Wbd.Flush()
	case defs.SYS_MQSEND:
		ret = k.sys_mqsend(p, int(a1), a2, int(a3), int(a4), int(a5))
	case defs.SYS_MQRECV:
		ret = k.sys_mqrecv(p, int(a1), a2, int(a3), a4, int(a5))
	case defs.SYS_SEMWAIT:
		ret = k.sys_semwait(int(a1), int(a2))
	case defs.SYS_SEMPOST:
		ret = k.sys_sempost(int(a1))
	case defs.SYS_SOCKET:
		ret = k.sys_socket(int(a1), int(a2))
	case defs.SYS_BIND:
		ret = int(k.Ns.Socks().Bind(int(a1), inet.Ip_t(a2),
			uint16(a3)))
	case defs.SYS_CONNECT:
		ret = int(k.Ns.Socks().Connect(int(a1), inet.Ip_t(a2),
			uint16(a3), deadline(int(a4))))
	case defs.SYS_LISTEN:
		ret = int(k.Ns.Socks().Listen(int(a1), int(a2)))
	case defs.SYS_ACCEPT:
		ret = k.sys_accept(int(a1), int(a2))
	case defs.SYS_SEND:
		ret = k.sys_send(p, int(a1), a2, int(a3), int(a4))
	case defs.SYS_RECV:
		ret = k.sys_recv(p, int(a1), a2, int(a3), int(a4))
	case defs.SYS_SENDTO:
		ret = k.sys_sendto(p, int(a1), a2, int(a3), inet.Ip_t(a4),
			uint16(a5), int(a6))
	case defs.SYS_RECVFROM:
		ret = k.sys_recvfrom(p, int(a1), a2, int(a3), a4, int(a5))
	case defs.SYS_SOCKCLOSE:
		ret = int(k.Ns.Socks().Close(int(a1)))
	default:
		ret = int(-defs.ENOSYS)
	}
	if sys_debug {
		fmt.Printf("sys: pid %v num %v ret %v\n", p.Pid, num, ret)
	}
	tf[defs.TF_RAX] = uintptr(ret)
}

func (k *Kernel_t) sys_fork(p *proc.Proc_t, tf *[defs.TFSIZE]uintptr) int {
	child, err := k.Pg.Fork(p, tf)
	if err != 0 {
		return int(err)
	}
	return int(child.Pid)
}

func iobound(n int) (int, defs.Err_t) {
	if n < 0 {
		return 0, -defs.EINVAL
	}
	if n > maxio {
		n = maxio
	}
	return n, 0
}

func (k *Kernel_t) sys_read(p *proc.Proc_t, fdn int, bufva uintptr,
	n int) int {
	fd, err := p.Fd_get(fdn)
	if err != 0 {
		return int(err)
	}
	n, err = iobound(n)
	if err != 0 {
		return int(err)
	}
	if err := p.As.Userok(bufva, n, true); err != 0 {
		return int(err)
	}
	buf := make([]uint8, n)
	m, err := fd.Ops.Read(buf)
	if err != 0 {
		return int(err)
	}
	if err := p.As.Copyout(bufva, buf[:m]); err != 0 {
		return int(err)
	}
	return m
}

func (k *Kernel_t) sys_write(p *proc.Proc_t, fdn int, bufva uintptr,
	n int) int {
	fd, err := p.Fd_get(fdn)
	if err != 0 {
		return int(err)
	}
	n, err = iobound(n)
	if err != 0 {
		return int(err)
	}
	buf := make([]uint8, n)
	if err := p.As.Copyin(bufva, buf); err != 0 {
		return int(err)
	}
	m, err := fd.Ops.Write(buf)
	if err != 0 {
		return int(err)
	}
	return m
}

func (k *Kernel_t) sys_open(p *proc.Proc_t, pathva uintptr, mode int) int {
	path, err := copyinstr(p, pathva)
	if err != 0 {
		return int(err)
	}
	k.Lock()
	mk, ok := k.devs[path]
	k.Unlock()
	if !ok {
		return int(-defs.ENOENT)
	}
	fd := &proc.Fd_t{Path: path, Mode: mode, Ops: mk()}
	fdn, err := p.Fd_insert(fd)
	if err != 0 {
		return int(err)
	}
	return fdn
}

func (k *Kernel_t) sys_close(p *proc.Proc_t, fdn int) int {
	fd, err := p.Fd_del(fdn)
	if err != 0 {
		return int(err)
	}
	return int(fd.Ops.Close())
}

// replaces the caller's image with the ELF the caller hands us. the image
// itself comes from user memory; there is no file system path to it.
func (k *Kernel_t) sys_exec(p *proc.Proc_t, pathva, imgva uintptr,
	imglen int) int {
	name, err := copyinstr(p, pathva)
	if err != 0 {
		return int(err)
	}
	if imglen <= 0 || imglen > maxio {
		return int(-defs.EINVAL)
	}
	img := make([]uint8, imglen)
	if err := p.As.Copyin(imgva, img); err != 0 {
		return int(err)
	}
	if err := k.Pg.Exec(p, name, img); err != 0 {
		return int(err)
	}
	return 0
}

func (k *Kernel_t) sys_wait(p *proc.Proc_t, statusva uintptr) int {
	pid, status, err := p.Wait()
	if err != 0 {
		return int(err)
	}
	if statusva != 0 {
		var b [8]uint8
		util.Writen(b[:], 8, 0, status)
		if err := p.As.Copyout(statusva, b[:]); err != 0 {
			return int(err)
		}
	}
	return int(pid)
}

// a negative timeout selects the try variant; zero blocks indefinitely
func (k *Kernel_t) sys_mqsend(p *proc.Proc_t, mqid int, bufva uintptr,
	n, prio, tmoms int) int {
	q, err := k.mq(mqid)
	if err != 0 {
		return int(err)
	}
	n, err = iobound(n)
	if err != 0 {
		return int(err)
	}
	buf := make([]uint8, n)
	if err := p.As.Copyin(bufva, buf); err != 0 {
		return int(err)
	}
	if tmoms < 0 {
		return int(q.Trysend(buf, prio))
	}
	return int(q.Send(buf, prio, deadline(tmoms)))
}

func (k *Kernel_t) sys_mqrecv(p *proc.Proc_t, mqid int, bufva uintptr,
	buflen int, priova uintptr, tmoms int) int {
	q, err := k.mq(mqid)
	if err != 0 {
		return int(err)
	}
	var data []uint8
	var prio int
	if tmoms < 0 {
		data, prio, err = q.Tryrecv()
	} else {
		data, prio, err = q.Recv(deadline(tmoms))
	}
	if err != 0 {
		return int(err)
	}
	if len(data) > buflen {
		data = data[:buflen]
	}
	if err := p.As.Copyout(bufva, data); err != 0 {
		return int(err)
	}
	if priova != 0 {
		var b [8]uint8
		util.Writen(b[:], 8, 0, prio)
		if err := p.As.Copyout(priova, b[:]); err != 0 {
			return int(err)
		}
	}
	return len(data)
}

func (k *Kernel_t) sys_semwait(semid, tmoms int) int {
	s, err := k.sem(semid)
	if err != 0 {
		return int(err)
	}
	if tmoms < 0 {
		return int(s.Trywait())
	}
	s.Wait()
	return 0
}

func (k *Kernel_t) sys_sempost(semid int) int {
	s, err := k.sem(semid)
	if err != 0 {
		return int(err)
	}
	return int(s.Post())
}

func (k *Kernel_t) sys_socket(domain, typ int) int {
	id, err := k.Ns.Socks().Socket(domain, typ)
	if err != 0 {
		return int(err)
	}
	return id
}

func (k *Kernel_t) sys_accept(id, tmoms int) int {
	nid, err := k.Ns.Socks().Accept(id, deadline(tmoms))
	if err != 0 {
		return int(err)
	}
	return nid
}

func (k *Kernel_t) sys_send(p *proc.Proc_t, id int, bufva uintptr,
	n, tmoms int) int {
	n, err := iobound(n)
	if err != 0 {
		return int(err)
	}
	buf := make([]uint8, n)
	if err := p.As.Copyin(bufva, buf); err != 0 {
		return int(err)
	}
	m, err := k.Ns.Socks().Send(id, buf, deadline(tmoms))
	if err != 0 {
		return int(err)
	}
	return m
}

func (k *Kernel_t) sys_recv(p *proc.Proc_t, id int, bufva uintptr,
	n, tmoms int) int {
	n, err := iobound(n)
	if err != 0 {
		return int(err)
	}
	if err := p.As.Userok(bufva, n, true); err != 0 {
		return int(err)
	}
	buf := make([]uint8, n)
	m, err := k.Ns.Socks().Recv(id, buf, deadline(tmoms))
	if err != 0 {
		return int(err)
	}
	if err := p.As.Copyout(bufva, buf[:m]); err != 0 {
		return int(err)
	}
	return m
}

func (k *Kernel_t) sys_sendto(p *proc.Proc_t, id int, bufva uintptr,
	n int, ip inet.Ip_t, port uint16, tmoms int) int {
	n, err := iobound(n)
	if err != 0 {
		return int(err)
	}
	buf := make([]uint8, n)
	if err := p.As.Copyin(bufva, buf); err != 0 {
		return int(err)
	}
	m, err := k.Ns.Socks().Sendto(id, buf, ip, port, deadline(tmoms))
	if err != 0 {
		return int(err)
	}
	return m
}

// the source address, when asked for, lands in an 8-byte record: the IPv4
// address in the low doubleword and the port above it.
func (k *Kernel_t) sys_recvfrom(p *proc.Proc_t, id int, bufva uintptr,
	n int, srcva uintptr, tmoms int) int {
	n, err := iobound(n)
	if err != 0 {
		return int(err)
	}
	if err := p.As.Userok(bufva, n, true); err != 0 {
		return int(err)
	}
	buf := make([]uint8, n)
	m, sip, sport, err := k.Ns.Socks().Recvfrom(id, buf,
		deadline(tmoms))
	if err != 0 {
		return int(err)
	}
	if err := p.As.Copyout(bufva, buf[:m]); err != 0 {
		return int(err)
	}
	if srcva != 0 {
		var b [8]uint8
		util.Writen(b[:], 4, 0, int(sip))
		util.Writen(b[:], 2, 4, int(sport))
		if err := p.As.Copyout(srcva, b[:]); err != 0 {
			return int(err)
		}
	}
	return m
}
