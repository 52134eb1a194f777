package kernel

import "fmt"
import "sync"
import "time"

import "github.com/kestrelos/kestrel/bdev"
import "github.com/kestrelos/kestrel/bnet"
import "github.com/kestrelos/kestrel/defs"
import "github.com/kestrelos/kestrel/inet"
import "github.com/kestrelos/kestrel/ksync"
import "github.com/kestrelos/kestrel/mem"
import "github.com/kestrelos/kestrel/proc"
import "github.com/kestrelos/kestrel/sched"
import "github.com/kestrelos/kestrel/swap"
import "github.com/kestrelos/kestrel/vm"

var kern_debug = false

// device namespaces on the block device: the cache and the swap store
// address separate regions through the same Disk_i.
const (
	NS_CACHE = 0
	NS_SWAP  = 1
)

const (
	bcache_blocks = 1024
	wb_interval   = 8
	wb_maxdirty   = 256

	// daemon dividers off the boot CPU's timer
	net_every  = 8
	swap_every = 32
)

// the assembled machine: every core service plus the kernel object tables
// syscalls operate on.
type Kernel_t struct {
	Pm    *mem.Physmem_t
	Sd    *sched.Sched_t
	Pg    *proc.Pmgr_t
	Swapd *swap.Swapd_t
	Bc    *bdev.Bcache_t
	Ra    *bdev.Readahead_t
	Wbd   *bdev.Wbd_t
	Ns    *bnet.Netstack_t

	lapic   sched.Lapic_i
	cons    *Console_t
	p_kroot mem.Pa_t
	ticks   uint64

	sync.Mutex
	sems    map[int]*ksync.Sem_t
	mqs     map[int]*ksync.Mqueue_t
	devs    map[string]func() proc.Fdops_i
	nextobj int
}

// wires the services together: the swap daemon attaches to every new
// address space through the process manager's hooks, and the write-back
// daemon installs itself as the cache's dirty trigger.
func Mkkernel(bi *mem.Bootinfo_t, disk bdev.Disk_i, nic bnet.Nic_i,
	lapic sched.Lapic_i, ip inet.Ip_t) (*Kernel_t, defs.Err_t) {
	pm := mem.Phys_init(bi.Memmap)
	_, kroot, err := pm.Zpg_new()
	if err != 0 {
		return nil, err
	}
	k := &Kernel_t{Pm: pm, lapic: lapic, p_kroot: kroot,
		sems:    make(map[int]*ksync.Sem_t),
		mqs:     make(map[int]*ksync.Mqueue_t),
		devs:    make(map[string]func() proc.Fdops_i),
		nextobj: 1}
	k.Sd = sched.Mksched(lapic.Id())
	k.Swapd = swap.Mkswapd(pm, disk)
	k.Pg = proc.Mkpmgr(pm, k.Sd)
	k.Pg.On_newas = func(pid defs.Pid_t, as *vm.Aspace_t) {
		as.Set_swap(k.Swapd)
		k.Swapd.Register(pid, as)
	}
	k.Pg.On_exit = k.Swapd.Unregister

	k.Bc = bdev.Mkbcache(disk, NS_CACHE, bcache_blocks)
	k.Ra = bdev.Mkreadahead(k.Bc)
	k.Wbd = bdev.Mkwbd(k.Bc, disk, NS_CACHE, bdev.WriteBack,
		wb_interval, wb_maxdirty)
	k.Ns = bnet.Mknetstack(nic, ip)

	k.cons = Mkconsole()
	k.Register_dev("console", func() proc.Fdops_i { return k.cons })
	fmt.Printf("kernel: %v frames, %v cache blocks\n", pm.Totalpgs(),
		bcache_blocks)
	return k, 0
}

func (k *Kernel_t) Console() *Console_t {
	return k.cons
}

// makes a named device openable via the open syscall
func (k *Kernel_t) Register_dev(name string, mk func() proc.Fdops_i) {
	k.Lock()
	k.devs[name] = mk
	k.Unlock()
}

// creates the first user process with the console on descriptors 0-2
func (k *Kernel_t) Create_init(name string, entry uintptr) (*proc.Proc_t,
	defs.Err_t) {
	p, err := k.Pg.Create_process(name, entry, sched.DEFWEIGHT)
	if err != 0 {
		return nil, err
	}
	p.Set_console(k.cons)
	return p, 0
}

// copies the trampoline to low memory and runs the INIT/SIPI sequence for
// each reported AP. returns how many came up.
func (k *Kernel_t) Start_aps(tramp []uint8, apids []int,
	pause func(time.Duration)) (int, defs.Err_t) {
	tpa, _, err := sched.Tramp_setup(k.Pm, tramp, k.p_kroot, 0)
	if err != nil {
		fmt.Printf("kernel: %v\n", err)
		return 0, -defs.ENOMEM
	}
	return k.Sd.Start_aps(k.lapic, apids, tpa, pause), 0
}

// the boot CPU's timer also drives the service daemons, on dividers so a
// slow device never backs up the scheduler tick.
func (k *Kernel_t) tick_daemons() {
	k.ticks++
	k.Wbd.Tick()
	if k.ticks%net_every == 0 {
		k.Ns.Tick()
	}
	if k.ticks%swap_every == 0 {
		k.Swapd.Tick()
	}
}

// kernel object tables. ids share one namespace so a semaphore id passed
// to a queue op fails instead of aliasing.

func (k *Kernel_t) Mksem(value, max int) int {
	k.Lock()
	defer k.Unlock()
	id := k.nextobj
	k.nextobj++
	k.sems[id] = ksync.Mksem(value, max)
	return id
}

func (k *Kernel_t) Mkmq(maxmsgs, maxsz int) int {
	k.Lock()
	defer k.Unlock()
	id := k.nextobj
	k.nextobj++
	k.mqs[id] = ksync.Mkmqueue(maxmsgs, maxsz)
	return id
}

func (k *Kernel_t) sem(id int) (*ksync.Sem_t, defs.Err_t) {
	k.Lock()
	defer k.Unlock()
	s, ok := k.sems[id]
	if !ok {
		return nil, -defs.EBADF
	}
	return s, 0
}

func (k *Kernel_t) mq(id int) (*ksync.Mqueue_t, defs.Err_t) {
	k.Lock()
	defer k.Unlock()
	q, ok := k.mqs[id]
	if !ok {
		return nil, -defs.EBADF
	}
	return q, 0
}
