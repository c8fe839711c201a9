// Package arm64 implements the per-CPU virtualization engine of an
// AArch64 Type-1 hypervisor: EL2 vector table and context-switch
// trampolines, guest/host system-register save-restore, and the
// ESR_EL2-driven exit decoder. See SPEC_FULL.md for the full component
// breakdown; this file holds the guest context frame (spec.md §3/§4.2).
package arm64

import "unsafe"

// TrapFrame is the guest CPU snapshot taken on every exception: 31
// general-purpose registers, a stack pointer, the exception link register,
// and the saved program status. SP here is always SP_EL0: the vector code saves SP_EL0 into it at trap time
// and contextVMEntry restores SP_EL0 from it. The system-register bank
// (sysregs.go) separately holds both SP_EL0 and SP_EL1.
//
// Layout is stable and ABI-visible: vectors_arm64.s indexes this struct
// by byte offset (trapCommon / contextVMEntry in vectors_arm64.s), and
// VCpu embeds it as its first field so that
// host_stack_top lands at byte offset 34*8 from the VCpu base (see
// vcpu.go). Do not reorder or add fields without updating both the
// offset assertions below and the assembly.
type TrapFrame struct {
	GPR  [31]uint64 // x0..x30
	SP   uint64     // SP_EL0 of the trapped context (general mailbox, not a bank register)
	ELR  uint64     // ELR_EL2: guest PC at the exception boundary
	SPSR uint64     // SPSR_EL2: saved guest PSTATE
}

// trapFrameWords is the number of 8-byte machine words in TrapFrame,
// matching spec.md's "34 machine words" invariant exactly (31 GPRs + SP +
// ELR + SPSR).
const trapFrameWords = 34

func init() {
	if unsafe.Sizeof(TrapFrame{}) != trapFrameWords*8 {
		panic("arm64: TrapFrame size does not match the 34-word ABI layout")
	}
	if unsafe.Offsetof(TrapFrame{}.SP) != 31*8 {
		panic("arm64: TrapFrame.SP is not at the ABI-mandated offset")
	}
	if unsafe.Offsetof(TrapFrame{}.ELR) != 32*8 {
		panic("arm64: TrapFrame.ELR is not at the ABI-mandated offset")
	}
	if unsafe.Offsetof(TrapFrame{}.SPSR) != 33*8 {
		panic("arm64: TrapFrame.SPSR is not at the ABI-mandated offset")
	}
}

// GPRValue returns the value of guest general-purpose register i (0..=30).
// It panics on an out-of-range index: callers are expected to have already
// validated the index against the 0..=31 range the syndrome decoder
// guarantees (data_abort_access_reg never returns more than 31, and 31
// conventionally means the zero register — see SetGPR).
func (tf *TrapFrame) GPRValue(i int) uint64 {
	if i == 31 {
		return 0 // XZR reads as zero and is never actually saved
	}
	return tf.GPR[i]
}

// SetGPR injects a value into guest GPR i, used by the scheduler to return
// an MMIO read result (or any other emulated register write) before
// resuming the guest via VCpu.Run. Writes to index 31 (XZR) are silently
// discarded, matching hardware semantics.
func (tf *TrapFrame) SetGPR(i int, v uint64) {
	if i == 31 {
		return
	}
	tf.GPR[i] = v
}

// ExceptionPC returns ELR_EL2 as captured in this frame: the guest PC at
// the instruction boundary where the exception was raised.
func (tf *TrapFrame) ExceptionPC() uint64 { return tf.ELR }

// SetExceptionPC mutates ELR so that ERET resumes the guest at a different
// address — used to step past an emulated instruction (spec.md's
// next_instruction_step) or to set the initial entry point (VCpu.SetEntry).
func (tf *TrapFrame) SetExceptionPC(pc uint64) { tf.ELR = pc }
