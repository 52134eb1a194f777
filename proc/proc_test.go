package proc

import "testing"

import "github.com/kestrelos/kestrel/defs"
import "github.com/kestrelos/kestrel/mem"
import "github.com/kestrelos/kestrel/sched"
import "github.com/kestrelos/kestrel/util"
import "github.com/kestrelos/kestrel/vm"

func mkmgr(t *testing.T) (*mem.Physmem_t, *Pmgr_t) {
	pm := mem.Phys_init([]mem.Memreg_t{
		{Base: 0x100000, Len: uint64(256 * mem.PGSIZE),
			Kind: mem.Usable},
	})
	return pm, Mkpmgr(pm, sched.Mksched(0))
}

func TestCreateProcess(t *testing.T) {
	_, pg := mkmgr(t)
	p, err := pg.Create_process("init", 0x400000, 0)
	if err != 0 {
		t.Fatalf("create: %v", err)
	}
	if p.Pid != 1 {
		t.Fatalf("first pid: %v", p.Pid)
	}
	th := p.Thread0()
	if th == nil {
		t.Fatalf("no initial thread")
	}
	if th.Tf[defs.TF_RIP] != 0x400000 ||
		th.Tf[defs.TF_RSP] != USERSTACK_TOP {
		t.Fatalf("bad initial context")
	}
	if th.P_cr3 != p.As.P_root() {
		t.Fatalf("cr3 does not match the address-space root")
	}
	// the stack is lazy: first touch materializes
	sp := USERSTACK_TOP - 8
	var b [8]uint8
	if err := p.As.Copyin(sp, b[:]); err != 0 {
		t.Fatalf("stack touch: %v", err)
	}
}

func TestForkCow(t *testing.T) {
	pm, pg := mkmgr(t)
	p, err := pg.Create_process("a", 0x400000, 0)
	if err != 0 {
		t.Fatalf("create: %v", err)
	}
	const va = uintptr(0x600000)
	_, pa, merr := pm.Zpg_new()
	if merr != 0 {
		t.Fatalf("frame: %v", merr)
	}
	if merr := p.As.Map(va, pa, vm.PTE_W|vm.PTE_U); merr != 0 {
		t.Fatalf("map: %v", merr)
	}
	p.As.Copyout(va, []uint8{0xaa})

	tf := p.Thread0().Tf
	tf[defs.TF_RAX] = 99
	child, err := pg.Fork(p, &tf)
	if err != 0 {
		t.Fatalf("fork: %v", err)
	}
	if child.Pid == p.Pid {
		t.Fatalf("child got the parent pid")
	}
	ct := child.Thread0()
	if ct.Tf[defs.TF_RAX] != 0 {
		t.Fatalf("child return value: %v", ct.Tf[defs.TF_RAX])
	}
	var b [1]uint8
	child.As.Copyin(va, b[:])
	if b[0] != 0xaa {
		t.Fatalf("child does not see parent bytes")
	}
	child.As.Copyout(va, []uint8{0x55})
	p.As.Copyin(va, b[:])
	if b[0] != 0xaa {
		t.Fatalf("child write leaked into the parent")
	}
}

func TestProcTableBounded(t *testing.T) {
	_, pg := mkmgr(t)
	old := defs.Syslimit.Procs
	defs.Syslimit.Procs = 2
	defer func() { defs.Syslimit.Procs = old }()

	p, err := pg.Create_process("a", 0x400000, 0)
	if err != 0 {
		t.Fatalf("create: %v", err)
	}
	tf := p.Thread0().Tf
	child, err := pg.Fork(p, &tf)
	if err != 0 {
		t.Fatalf("fork at bound: %v", err)
	}
	if _, err := pg.Create_process("b", 0x400000, 0); err != -defs.ETOOMANY {
		t.Fatalf("create over bound: %v", err)
	}
	if _, err := pg.Fork(p, &tf); err != -defs.ETOOMANY {
		t.Fatalf("fork over bound: %v", err)
	}

	// an exit frees the slot
	pg.Exit(child, 0)
	if _, _, err := p.Wait(); err != 0 {
		t.Fatalf("wait: %v", err)
	}
	if _, err := pg.Create_process("b", 0x400000, 0); err != 0 {
		t.Fatalf("create after exit: %v", err)
	}
}

func TestFdTable(t *testing.T) {
	_, pg := mkmgr(t)
	p, _ := pg.Create_process("a", 0x400000, 0)
	fd := &Fd_t{Path: "x"}
	n, err := p.Fd_insert(fd)
	if err != 0 {
		t.Fatalf("insert: %v", err)
	}
	if n != 3 {
		t.Fatalf("first free descriptor is %v, want 3", n)
	}
	if _, err := p.Fd_get(0); err != -defs.EBADF {
		t.Fatalf("empty console slot readable")
	}
	if _, err := p.Fd_del(0); err != -defs.EBADF {
		t.Fatalf("reserved descriptor deletable")
	}
	got, err := p.Fd_get(n)
	if err != 0 || got != fd {
		t.Fatalf("get: %v %v", got, err)
	}
	if _, err := p.Fd_del(n); err != 0 {
		t.Fatalf("del: %v", err)
	}
	if _, err := p.Fd_get(n); err != -defs.EBADF {
		t.Fatalf("deleted descriptor still readable")
	}
	// table doubles as needed
	for i := 0; i < 20; i++ {
		if _, err := p.Fd_insert(&Fd_t{}); err != 0 {
			t.Fatalf("insert %v: %v", i, err)
		}
	}
}

func TestExitWait(t *testing.T) {
	_, pg := mkmgr(t)
	p, _ := pg.Create_process("parent", 0x400000, 0)
	tf := p.Thread0().Tf
	child, err := pg.Fork(p, &tf)
	if err != 0 {
		t.Fatalf("fork: %v", err)
	}
	pg.Exit(child, 42)
	pid, status, werr := p.Wait()
	if werr != 0 {
		t.Fatalf("wait: %v", werr)
	}
	if pid != child.Pid || status != 42 {
		t.Fatalf("reaped %v/%v, want %v/42", pid, status, child.Pid)
	}
	if _, _, werr := p.Wait(); werr != -defs.ENOENT {
		t.Fatalf("wait with no children: %v", werr)
	}
	if pg.Lookup(child.Pid) != nil {
		t.Fatalf("exited child still registered")
	}
}

// builds a minimal ELF64 image: one PT_LOAD segment
func mkelf(vaddr uintptr, payload []uint8, flags int,
	mangle func([]uint8)) []uint8 {
	const phoff = 64
	img := make([]uint8, 64+56+len(payload))
	img[0], img[1], img[2], img[3] = 0x7f, 'E', 'L', 'F'
	img[elf_class] = elfclass64
	img[elf_data] = elfdata2lsb
	util.Writen(img, 2, elf_type, et_exec)
	util.Writen(img, 2, elf_machine, em_x86_64)
	util.Writen(img, 8, elf_entry, int(vaddr))
	util.Writen(img, 8, elf_phoff, phoff)
	util.Writen(img, 2, elf_phentsz, 56)
	util.Writen(img, 2, elf_phnum, 1)
	ph := img[phoff:]
	util.Writen(ph, 4, phdr_type, pt_load)
	util.Writen(ph, 4, phdr_flags, flags)
	util.Writen(ph, 8, phdr_offset, phoff+56)
	util.Writen(ph, 8, phdr_vaddr, int(vaddr))
	util.Writen(ph, 8, phdr_filesz, len(payload))
	util.Writen(ph, 8, phdr_memsz, len(payload)+128)
	copy(img[phoff+56:], payload)
	if mangle != nil {
		mangle(img)
	}
	return img
}

func TestExecLoads(t *testing.T) {
	_, pg := mkmgr(t)
	p, _ := pg.Create_process("a", 0x400000, 0)
	payload := []uint8{0x90, 0x90, 0xc3}
	img := mkelf(0x401000, payload, pf_r|pf_x, nil)
	if err := pg.Exec(p, "prog", img); err != 0 {
		t.Fatalf("exec: %v", err)
	}
	var b [3]uint8
	if err := p.As.Copyin(0x401000, b[:]); err != 0 {
		t.Fatalf("copyin: %v", err)
	}
	if b != [3]uint8{0x90, 0x90, 0xc3} {
		t.Fatalf("segment bytes wrong: %v", b)
	}
	// text is read-only and executable
	_, flags, err := p.As.Translate(0x401000)
	if err != 0 {
		t.Fatalf("translate: %v", err)
	}
	if flags&vm.PTE_W != 0 || flags&vm.PTE_NX != 0 {
		t.Fatalf("text perms wrong: %#x", flags)
	}
	th := p.Thread0()
	if th.Tf[defs.TF_RIP] != 0x401000 {
		t.Fatalf("entry not installed: %#x", th.Tf[defs.TF_RIP])
	}
	if p.Name != "prog" {
		t.Fatalf("name not replaced")
	}
}

func TestExecValidation(t *testing.T) {
	_, pg := mkmgr(t)
	p, _ := pg.Create_process("a", 0x400000, 0)
	payload := []uint8{0xc3}
	cases := []struct {
		name   string
		mangle func([]uint8)
		want   defs.Err_t
	}{
		{"magic", func(b []uint8) { b[0] = 0x7e }, -defs.EINVAL},
		{"class", func(b []uint8) { b[elf_class] = 1 }, -defs.EINVAL},
		{"endian", func(b []uint8) { b[elf_data] = 2 }, -defs.EINVAL},
		{"machine", func(b []uint8) {
			util.Writen(b, 2, elf_machine, 0x28)
		}, -defs.EINVAL},
		{"type", func(b []uint8) {
			util.Writen(b, 2, elf_type, 1)
		}, -defs.EINVAL},
		{"truncated", func(b []uint8) {
			util.Writen(b, 8, elf_phoff, len(b))
		}, -defs.ETRUNC},
	}
	for _, c := range cases {
		img := mkelf(0x401000, payload, pf_r|pf_x, c.mangle)
		if err := pg.Exec(p, "bad", img); err != c.want {
			t.Fatalf("%v: got %v want %v", c.name, err, c.want)
		}
	}
	// a DYN image is accepted
	img := mkelf(0x401000, payload, pf_r|pf_x, func(b []uint8) {
		util.Writen(b, 2, elf_type, et_dyn)
	})
	if err := pg.Exec(p, "so", img); err != 0 {
		t.Fatalf("dyn exec: %v", err)
	}
}
