package arm64

import (
	"fmt"
	"unsafe"

	"github.com/bullhh/arm-vcpu/internal/debug"
	"github.com/bullhh/arm-vcpu/internal/hv"
	"github.com/bullhh/arm-vcpu/internal/timeslice"
)

var (
	tsVCpuRestore = timeslice.RegisterKind("arm64_vcpu_restore_sysregs", timeslice.SliceFlagGuestTime)
	tsVCpuGuest   = timeslice.RegisterKind("arm64_vcpu_guest", timeslice.SliceFlagGuestTime)
	tsVCpuStore   = timeslice.RegisterKind("arm64_vcpu_store_sysregs", 0)
	tsVCpuDecode  = timeslice.RegisterKind("arm64_vcpu_decode", 0)
)

// vcpuTrace is this package's hot-path tracer: it writes nothing unless the
// process has called debug.OpenFile/debug.Open, in which case every Run
// call leaves a binary record behind. The trace message is formatted on
// every call either way. Reserved for the per-exit loop; the fatal paths
// in decode.go and cpufeatures.go log through log/slog instead.
var vcpuTrace = debug.WithSource("arm64.vcpu")

type vcpuState int

const (
	vcpuStateReady vcpuState = iota
	vcpuStateRunning
)

func (s vcpuState) String() string {
	if s == vcpuStateRunning {
		return "Running"
	}
	return "Ready"
}

// trapCapture is the syndrome and classification data the vector table
// records alongside the TrapFrame, immediately after control reaches EL2
// and before anything restores the host stack. ESR/FAR/HPFAR are not
// banked by hardware across the host/guest boundary the way GPRs are, so
// they must be captured here rather than re-read once Go code resumes on
// the host stack.
type trapCapture struct {
	ESR, FAR, HPFAR uint64
	Kind            uint64 // TrapKind, widened: asm stores via a plain MOVD
	Source          uint64 // TrapSource, widened
}

const trapCaptureWords = 5

// VCpu is the per-virtual-CPU orchestrator (spec.md §4.6): the guest
// context frame, the host stack-pointer mailbox, the captured trap
// syndrome, and the banked system-register set, plus the bookkeeping a
// scheduler needs (state, entry point, a timeslice recorder for the
// run loop's phases).
//
// The first three fields' layout is ABI-visible to vectors_arm64.s and
// sysregs_arm64.s; see the offset assertions in init() below. Do not
// reorder them, and do not insert a field between ctx and sysregs without
// updating both the assertions and the assembly.
type VCpu struct {
	ctx          TrapFrame
	hostStackTop uint64
	trap         trapCapture
	sysregs      GuestSystemRegisters

	id    int
	state vcpuState
	irq   irqVectorSource
	ts    *timeslice.Recorder
}

func init() {
	if unsafe.Offsetof(VCpu{}.hostStackTop) != trapFrameWords*8 {
		panic("arm64: VCpu.hostStackTop is not at the ABI-mandated offset")
	}
	if unsafe.Offsetof(VCpu{}.trap) != (trapFrameWords+1)*8 {
		panic("arm64: VCpu.trap is not at the ABI-mandated offset")
	}
	if unsafe.Offsetof(VCpu{}.sysregs) != (trapFrameWords+1+trapCaptureWords)*8 {
		panic("arm64: VCpu.sysregs is not at the ABI-mandated offset")
	}
}

// New constructs a VCpu identified by id (the value VMPIDR_EL2.Aff0 is
// seeded with — spec.md §4.6's vmpidr_el2 invariant). The returned VCpu is
// in the Ready state with an all-zero guest context; call Setup before the
// first Run.
func New(id int) *VCpu {
	return &VCpu{id: id, ts: timeslice.NewRecorder()}
}

// ID returns the index this VCpu was constructed with.
func (vc *VCpu) ID() int { return vc.id }

// State reports whether the VCpu is currently executing the guest
// (Running) or waiting to be scheduled (Ready).
func (vc *VCpu) State() vcpuState { return vc.state }

// SetIRQSource attaches the collaborator Run asks for the pending GIC
// vector whenever a guest exit is an IRQ trap. A nil source (the default)
// makes every IRQ exit report the stub vector documented in decode.go.
func (vc *VCpu) SetIRQSource(src irqVectorSource) { vc.irq = src }

// Setup programs the fixed, non-guest-controlled portion of the system
// register bank: the EL1 configuration a freshly reset core needs before
// its first ERET, and the EL2 stage-2 configuration describing a 4KiB-
// granule, 39-bit input address space. Grounded on
// original_source/src/vcpu.rs's init_hv/init_vm_context.
func (vc *VCpu) Setup() {
	vc.sysregs.VmpidrEl2 = vmpidrAff0Bit | uint64(vc.id)
	vc.sysregs.SctlrEl1 = sctlrEL1ResetValue
	vc.sysregs.CntkctlEl1 = 0 // guest-owned; the guest programs its own EL1 timer controls
	vc.sysregs.CntvoffEl2 = 0
	vc.sysregs.PmcrEl0 = 0
	vc.sysregs.SpsrEl1 = spsrEL1h | spsrMaskDAIF
	vc.sysregs.VtcrEl2 = vtcrEL2Default
	vc.sysregs.HcrEl2 = hcrEL2VMBit | hcrEL2RWBit

	setCnthctlEL2(cnthctlEL2EL1PCEN | cnthctlEL2EL1PCTEN)
}

// SetEntry sets the guest program counter a subsequent Run resumes at.
func (vc *VCpu) SetEntry(pc uint64) { vc.ctx.SetExceptionPC(pc) }

// SetEptRoot installs the stage-2 translation table base (VTTBR_EL2) —
// the guest-physical address space this VCpu's MMIO/translation faults
// are reported against.
func (vc *VCpu) SetEptRoot(vttbr uint64) { vc.sysregs.VttbrEl2 = vttbr }

// SetGpr writes guest GPR i (0..=30), used both to seed initial register
// state before the first Run and to deliver the result of an emulated
// MmioRead before the next Run resumes the guest past the faulting
// instruction.
func (vc *VCpu) SetGpr(i int, v uint64) { vc.ctx.SetGPR(i, v) }

// Gpr reads guest GPR i. Exposed mainly for tests and for a scheduler
// that wants to inspect guest state without going through an ExitReason.
func (vc *VCpu) Gpr(i int) uint64 { return vc.ctx.GPRValue(i) }

// Run executes one host/guest round trip: program hardware from the
// cached system-register bank, enter the guest via ERET, block until it
// traps back out, re-read the system-register bank, and decode the exit.
//
// Run must be called on the physical core a PerCpu.Enable was already
// called on; it does not itself touch VBAR_EL2 or HCR_EL2.VM.
func (vc *VCpu) Run() (hv.ExitReason, error) {
	vc.state = vcpuStateRunning

	restoreGuestSysRegs(&vc.sysregs)
	vc.ts.Record(tsVCpuRestore)

	runGuest(vc)
	vc.ts.Record(tsVCpuGuest)

	vc.state = vcpuStateReady

	storeGuestSysRegs(&vc.sysregs)
	vc.ts.Record(tsVCpuStore)

	reason, err := vc.decodeExit()
	vc.ts.Record(tsVCpuDecode)
	vcpuTrace.Writef("vcpu %d exit: %s err=%v", vc.id, reason, err)
	return reason, err
}

func (vc *VCpu) decodeExit() (hv.ExitReason, error) {
	kind := TrapKind(vc.trap.Kind)
	src := TrapSource(vc.trap.Source)
	if src != TrapSourceLowerAArch64 {
		invalidException(&vc.ctx, kind, src)
	}
	return decodeTrap(&vc.ctx, kind, vc, &vc.sysregs, vc.irq)
}

// ESR, FAR, HPFAR make *VCpu satisfy SyndromeSource directly from the
// values the vector table captured for the trap currently being decoded.
func (vc *VCpu) ESR() uint64   { return vc.trap.ESR }
func (vc *VCpu) FAR() uint64   { return vc.trap.FAR }
func (vc *VCpu) HPFAR() uint64 { return vc.trap.HPFAR }

func (vc *VCpu) String() string {
	return fmt.Sprintf("VCpu{id=%d state=%s pc=0x%x}", vc.id, vc.state, vc.ctx.ExceptionPC())
}

// Fixed system-register reset values, grounded on
// original_source/src/vcpu.rs::init_hv/init_vm_context:
//   - sctlrEL1ResetValue matches the Rust constant's 0x30C5_0830 exactly
//     (reserved-as-one bits plus MMU/caches/alignment-check disabled).
//   - vmpidrAff0Bit is VMPIDR_EL2 bit 31, architecturally RES1.
//   - cnthctlEL2EL1PCEN/EL1PCTEN let the guest access the EL1 physical
//     timer without trapping to EL2 (CNTHCTL_EL2.EL1PCEN/EL1PCTEN); unlike
//     the rest of this block these bits are written directly to CNTHCTL_EL2
//     via setCnthctlEL2, not cached in GuestSystemRegisters.
//   - spsrEL1h/spsrMaskDAIF select EL1h with all four DAIF bits masked,
//     the state ERET enters the guest in on its very first run.
//   - vtcrEL2Default encodes PS=40-bit PA, 4KiB granule, inner-shareable,
//     write-back/read-allocate/write-allocate cacheable, start level 1,
//     T0SZ=64-39=25 (39-bit input address space).
//   - hcrEL2VMBit/hcrEL2RWBit enable stage-2 translation and mark the
//     guest's EL1 as AArch64-only.
const (
	sctlrEL1ResetValue = 0x30C50830

	vmpidrAff0Bit = 1 << 31

	cnthctlEL2EL1PCEN  = 1 << 1
	cnthctlEL2EL1PCTEN = 1 << 0

	spsrEL1h     = 0b0101
	spsrMaskDAIF = 0xF << 6

	vtcrPS40Bit        = 0b010 << 16
	vtcrTG0Granule4KB  = 0b00 << 14
	vtcrSH0Inner       = 0b11 << 12
	vtcrORGN0WBRAWA    = 0b01 << 10
	vtcrIRGN0WBRAWA    = 0b01 << 8
	vtcrSL0Level1Start = 0b01 << 6
	vtcrT0SZ25         = 64 - 39
	vtcrEL2Default     = vtcrPS40Bit | vtcrTG0Granule4KB | vtcrSH0Inner |
		vtcrORGN0WBRAWA | vtcrIRGN0WBRAWA | vtcrSL0Level1Start | vtcrT0SZ25

	hcrEL2VMBit = 1 << 0
	hcrEL2RWBit = 1 << 31
)
