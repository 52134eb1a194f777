package proc

import "github.com/kestrelos/kestrel/defs"
import "github.com/kestrelos/kestrel/mem"
import "github.com/kestrelos/kestrel/util"
import "github.com/kestrelos/kestrel/vm"

// ELF64 header fields this loader cares about
const (
	elf_class   = 4
	elf_data    = 5
	elf_type    = 16
	elf_machine = 18
	elf_entry   = 24
	elf_phoff   = 32
	elf_phentsz = 54
	elf_phnum   = 56
	elf_hdrsz   = 64

	elfclass64  = 2
	elfdata2lsb = 1
	et_exec     = 2
	et_dyn      = 3
	em_x86_64   = 0x3e

	pt_load = 1
	pf_x    = 1
	pf_w    = 2
	pf_r    = 4

	phdr_type   = 0
	phdr_flags  = 4
	phdr_offset = 8
	phdr_vaddr  = 16
	phdr_filesz = 32
	phdr_memsz  = 40
)

type elfseg_t struct {
	vaddr  uintptr
	filesz int
	memsz  int
	off    int
	perms  mem.Pa_t
}

// validates the image: magic, 64-bit, little-endian, x86-64, executable or
// shared object. returns the entry point and loadable segments.
func elf_parse(img []uint8) (uintptr, []elfseg_t, defs.Err_t) {
	if len(img) < elf_hdrsz {
		return 0, nil, -defs.ETRUNC
	}
	if img[0] != 0x7f || img[1] != 'E' || img[2] != 'L' || img[3] != 'F' {
		return 0, nil, -defs.EINVAL
	}
	if img[elf_class] != elfclass64 || img[elf_data] != elfdata2lsb {
		return 0, nil, -defs.EINVAL
	}
	if t := util.Readn(img, 2, elf_type); t != et_exec && t != et_dyn {
		return 0, nil, -defs.EINVAL
	}
	if util.Readn(img, 2, elf_machine) != em_x86_64 {
		return 0, nil, -defs.EINVAL
	}
	entry := uintptr(util.Readn(img, 8, elf_entry))
	phoff := util.Readn(img, 8, elf_phoff)
	phsz := util.Readn(img, 2, elf_phentsz)
	phnum := util.Readn(img, 2, elf_phnum)
	if phsz < 56 || phoff+phnum*phsz > len(img) {
		return 0, nil, -defs.ETRUNC
	}

	var segs []elfseg_t
	for i := 0; i < phnum; i++ {
		ph := img[phoff+i*phsz:]
		if util.Readn(ph, 4, phdr_type) != pt_load {
			continue
		}
		flags := util.Readn(ph, 4, phdr_flags)
		seg := elfseg_t{
			vaddr:  uintptr(util.Readn(ph, 8, phdr_vaddr)),
			off:    util.Readn(ph, 8, phdr_offset),
			filesz: util.Readn(ph, 8, phdr_filesz),
			memsz:  util.Readn(ph, 8, phdr_memsz),
			perms:  vm.PTE_U,
		}
		if flags&pf_w != 0 {
			seg.perms |= vm.PTE_W
		}
		if flags&pf_x == 0 {
			seg.perms |= vm.PTE_NX
		}
		if seg.filesz > seg.memsz ||
			seg.off+seg.filesz > len(img) {
			return 0, nil, -defs.ETRUNC
		}
		segs = append(segs, seg)
	}
	if len(segs) == 0 {
		return 0, nil, -defs.EINVAL
	}
	return entry, segs, 0
}

// replaces p's address space with the segments of the ELF image and resets
// the initial thread's context to the image entry. the old address space
// survives any load failure.
func (pg *Pmgr_t) Exec(p *Proc_t, name string, img []uint8) defs.Err_t {
	entry, segs, err := elf_parse(img)
	if err != 0 {
		return err
	}
	nas, err := vm.Mkaspace(pg.pm, p.Pid)
	if err != 0 {
		return err
	}
	abort := func(e defs.Err_t) defs.Err_t {
		nas.Free()
		return e
	}
	for _, seg := range segs {
		start := seg.vaddr &^ uintptr(mem.PGOFF)
		end := seg.vaddr + uintptr(seg.memsz)
		for va := start; va < end; va += uintptr(mem.PGSIZE) {
			_, pa, merr := pg.pm.Zpg_new()
			if merr != 0 {
				return abort(merr)
			}
			// load with write enabled, then drop to segment perms
			if merr := nas.Map(va, pa,
				vm.PTE_W|vm.PTE_U); merr != 0 {
				pg.pm.Refdown(pa)
				if merr != -defs.EEXIST {
					return abort(merr)
				}
			}
		}
		if seg.filesz > 0 {
			if merr := nas.Copyout(seg.vaddr,
				img[seg.off:seg.off+seg.filesz]); merr != 0 {
				return abort(merr)
			}
		}
	}
	for _, seg := range segs {
		start := seg.vaddr &^ uintptr(mem.PGOFF)
		end := seg.vaddr + uintptr(seg.memsz)
		for va := start; va < end; va += uintptr(mem.PGSIZE) {
			if merr := nas.Protect(va, seg.perms); merr != 0 {
				return abort(merr)
			}
		}
	}
	sbot := USERSTACK_TOP - uintptr(USERSTACK_PGS*mem.PGSIZE)
	if merr := nas.Map_lazy(sbot, USERSTACK_PGS,
		vm.PTE_W|vm.PTE_U|vm.PTE_NX); merr != 0 {
		return abort(merr)
	}

	p.Lock()
	oas := p.As
	p.As = nas
	p.Name = name
	p.Unlock()
	if pg.On_newas != nil {
		pg.On_newas(p.Pid, nas)
	}
	oas.Free()

	if t := p.Thread0(); t != nil {
		t.Tf = [defs.TFSIZE]uintptr{}
		t.Tf[defs.TF_RIP] = entry
		t.Tf[defs.TF_RSP] = USERSTACK_TOP
		t.P_cr3 = nas.P_root()
	}
	return 0
}
