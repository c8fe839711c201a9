package arm64

import "unsafe"

// GuestSystemRegisters is the bank of EL1/EL0 system registers that must be
// banked across a VM entry/exit boundary in addition to the TrapFrame
// (spec.md §3/§4.3). Field order is ABI-visible: sysregs_arm64.s walks this
// struct by byte offset performing bulk MRS/MSR sequences, grounded on the
// op0/op1/crn/crm/op2 encodings the teacher's register-ID tables use for
// the same register set (kvm_arm64.go's arm64SysReg helper and
// arm64OptionalSysRegIDs map).
//
// Two registers in this bank are stage-2 configuration rather than banked
// guest state (vttbr_el2, vtcr_el2) and two are this vCPU's own identity
// (vmpidr_el2, vpidr_el2); they still round-trip through Store/Restore so
// that a single bulk MSR sequence reprograms the whole EL2 translation
// regime on every guest entry.
type GuestSystemRegisters struct {
	SpEl0      uint64
	SpEl1      uint64
	ElrEl1     uint64
	SpsrEl1    uint64
	SctlrEl1   uint64
	CpacrEl1   uint64
	Ttbr0El1   uint64
	Ttbr1El1   uint64
	TcrEl1     uint64
	EsrEl1     uint64
	FarEl1     uint64
	ParEl1     uint64
	MairEl1    uint64
	AmairEl1   uint64
	VbarEl1    uint64
	ContextidrEl1 uint64
	TpidrEl0   uint64
	TpidrEl1   uint64
	TpidrroEl0 uint64
	CntkctlEl1 uint64
	CntvoffEl2 uint64
	CntvCvalEl0 uint64
	CntvCtlEl0 uint64
	PmcrEl0    uint64

	VmpidrEl2 uint64
	VpidrEl2  uint64
	HcrEl2    uint64
	VtcrEl2   uint64
	VttbrEl2  uint64
}

// guestSysRegWords is the number of 8-byte fields in GuestSystemRegisters.
// sysregs_arm64.s indexes the struct by word count from its base pointer;
// this assertion catches an accidental field add/remove that wasn't
// mirrored into the assembly.
const guestSysRegWords = 29

func init() {
	if unsafe.Sizeof(GuestSystemRegisters{}) != guestSysRegWords*8 {
		panic("arm64: GuestSystemRegisters size does not match the assembly's word layout")
	}
	if unsafe.Offsetof(GuestSystemRegisters{}.VmpidrEl2) != 24*8 {
		panic("arm64: GuestSystemRegisters.VmpidrEl2 is not at the ABI-mandated offset")
	}
	if unsafe.Offsetof(GuestSystemRegisters{}.VttbrEl2) != 28*8 {
		panic("arm64: GuestSystemRegisters.VttbrEl2 is not at the ABI-mandated offset")
	}
}

func (r *GuestSystemRegisters) sctlrEL1() uint64 { return r.SctlrEl1 }
func (r *GuestSystemRegisters) vttbrEL2() uint64 { return r.VttbrEl2 }
func (r *GuestSystemRegisters) vtcrEL2() uint64  { return r.VtcrEl2 }
func (r *GuestSystemRegisters) hcrEL2() uint64   { return r.HcrEl2 }

// storeGuestSysRegs reads the live EL1/EL0 bank and the stage-2 EL2
// registers from hardware into r. Implemented in sysregs_arm64.s as a
// sequence of MRS instructions; called once per VM exit, before the
// decoder runs, so decode.go's diagnosticRegisters accessors above observe
// consistent state.
//
//go:noescape
func storeGuestSysRegs(r *GuestSystemRegisters)

// restoreGuestSysRegs programs hardware from r. Implemented in
// sysregs_arm64.s as a sequence of MSR instructions followed by the
// context-synchronization barrier (isb) the architecture requires after
// writing any of these; called once per VM entry, before ERET.
//
//go:noescape
func restoreGuestSysRegs(r *GuestSystemRegisters)
