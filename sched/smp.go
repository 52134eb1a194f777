package sched

import "fmt"
import "time"

import "github.com/kestrelos/kestrel/mem"
import "github.com/kestrelos/kestrel/util"

// the local APIC operations the bring-up sequence needs. the real
// implementation pokes MMIO registers; tests substitute a recorder.
type Lapic_i interface {
	Id() int
	Clear_errors()
	Send_init(apicid int)
	Send_sipi(apicid int, vector int)
	Eoi()
}

// trampoline patch slots. the first 8 bytes are the real-mode entry stub;
// the three quadwords after it are filled in before the first SIPI.
const (
	TRAMP_CR3   = 8
	TRAMP_STACK = 16
	TRAMP_ENTRY = 24
	TRAMP_SIZE  = 32
)

const ap_stack_order = 2

// copies the trampoline to a low page-aligned frame and patches it with the
// kernel CR3, a fresh AP stack top, and the AP entry address. returns the
// trampoline frame.
func Tramp_setup(pm *mem.Physmem_t, code []uint8, cr3 mem.Pa_t,
	entry uintptr) (mem.Pa_t, mem.Pa_t, error) {
	if len(code) > mem.PGSIZE {
		return 0, 0, fmt.Errorf("trampoline too big: %v", len(code))
	}
	_, tpa, err := pm.Zpg_new()
	if err != 0 {
		return 0, 0, fmt.Errorf("no frame for trampoline")
	}
	stack, err := pm.Pgs_new(ap_stack_order)
	if err != 0 {
		pm.Refdown(tpa)
		return 0, 0, fmt.Errorf("no frames for AP stack")
	}
	stacktop := uintptr(stack) + uintptr((1<<ap_stack_order)*mem.PGSIZE)

	pg := pm.Dmap(tpa)
	copy(pg[:], code)
	util.Writen(pg[:], 8, TRAMP_CR3, int(cr3))
	util.Writen(pg[:], 8, TRAMP_STACK, int(stacktop))
	util.Writen(pg[:], 8, TRAMP_ENTRY, int(entry))
	return tpa, stack, nil
}

// INIT/SIPI sequencing per the MP spec: clear LAPIC errors, INIT, ~10ms,
// SIPI with vector = trampoline frame >> 12, ~200us. pause is injectable
// so tests run without real delays. returns the number of APs that
// registered with the scheduler before the per-AP timeout.
func (s *Sched_t) Start_aps(lapic Lapic_i, apids []int, tramp mem.Pa_t,
	pause func(time.Duration)) int {
	if tramp&mem.PGOFF != 0 {
		panic("trampoline not page aligned")
	}
	vector := int(tramp >> 12)
	started := 0
	for _, id := range apids {
		if id == lapic.Id() {
			continue
		}
		before := s.Ncpu()
		lapic.Clear_errors()
		lapic.Send_init(id)
		pause(10 * time.Millisecond)
		lapic.Send_sipi(id, vector)
		pause(200 * time.Microsecond)
		for i := 0; i < 100 && s.Ncpu() == before; i++ {
			pause(time.Millisecond)
		}
		if s.Ncpu() > before {
			started++
		} else {
			fmt.Printf("smp: AP %v did not start\n", id)
		}
	}
	fmt.Printf("smp: %v CPUs\n", s.Ncpu())
	return started
}

// the AP lands here after the trampoline: install the per-CPU record and
// join the scheduler.
func (s *Sched_t) Ap_entry(lapicid int) *Cpu_t {
	return s.Register_cpu(lapicid)
}
