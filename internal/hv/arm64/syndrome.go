package arm64

import "github.com/bullhh/arm-vcpu/internal/hv"

// SyndromeSource is the collaborator spec.md §9 asks for: the raw fault
// registers behind a small interface so the decode functions below can be
// unit tested against fixtures instead of live EL2 state. The production
// implementation is *VCpu itself (see vcpu.go's ESR/FAR/HPFAR methods),
// which reports the values the vector table captured into vc.trap for the
// exit currently being decoded; tests substitute a fakeSyndromeSource.
type SyndromeSource interface {
	ESR() uint64
	FAR() uint64
	HPFAR() uint64
}

// ExceptionClass is the 6-bit EC field of ESR_EL2 (bits 31:26).
type ExceptionClass uint8

const (
	ecDataAbortLowerEL ExceptionClass = 0x24
	ecHVC64            ExceptionClass = 0x16
)

const (
	esrECShift    = 26
	esrECMask     = 0x3F
	esrILBit      = 25
	esrISVBit     = 24
	esrSASShift   = 22
	esrSASMask    = 0x3
	esrSSEBit     = 21
	esrSRTShift   = 16
	esrSRTMask    = 0x1F
	esrSFBit      = 15
	esrWnRBit     = 6
	esrDFSCMask   = 0x3F
	hpfarFIPAMask = 0xFFFFFFFFF0 // bits [39:4]
	farIPAOffMask = 0xFFF        // bits [11:0]
)

// DFSC (Data Fault Status Code, ESR.DFSC bits 5:0) values this decoder
// distinguishes. Only the ranges spec.md names are enumerated; any other
// code is neither a translate nor a permission fault and is fatal.
const (
	dfscTranslateFaultLevel0 = 0x04
	dfscTranslateFaultLevel3 = 0x07
	dfscPermissionFaultLvl1  = 0x0D
	dfscPermissionFaultLvl3  = 0x0F
)

// exceptionClass returns ESR_EL2.EC and whether it is one this decoder
// recognizes (spec.md: "None if unrecognized").
func exceptionClass(s SyndromeSource) (ExceptionClass, bool) {
	ec := ExceptionClass((s.ESR() >> esrECShift) & esrECMask)
	switch ec {
	case ecDataAbortLowerEL, ecHVC64:
		return ec, true
	default:
		return ec, false
	}
}

// exceptionClassValue returns the raw EC value regardless of whether it is
// recognized, for use in fatal diagnostic dumps.
func exceptionClassValue(s SyndromeSource) uint8 {
	return uint8((s.ESR() >> esrECShift) & esrECMask)
}

// faultIPA reconstructs the guest intermediate-physical address of a
// stage-2 abort from HPFAR_EL2[39:4] (shifted back into the address's
// page-aligned high bits) OR'd with FAR_EL2[11:0] (the low, page-offset
// bits, which stage-2 faults do not invalidate). Only meaningful when the
// active trap is a stage-2 data abort.
func faultIPA(s SyndromeSource) uint64 {
	high := (s.HPFAR() & hpfarFIPAMask) << 8
	low := s.FAR() & farIPAOffMask
	return high | low
}

// dataAbortAccessWidth returns the byte width of the faulting access, from
// ESR.SAS. Returns (WidthInvalid, false) for an SAS encoding that isn't one
// of the four architected widths — SAS is only two bits so in practice
// this never fails, but the decoder stays honest about it per spec.md §7's
// "bad input at the boundary" category.
func dataAbortAccessWidth(s SyndromeSource) (hv.AccessWidth, bool) {
	sas := (s.ESR() >> esrSASShift) & esrSASMask
	switch sas {
	case 0:
		return hv.Width1, true
	case 1:
		return hv.Width2, true
	case 2:
		return hv.Width4, true
	case 3:
		return hv.Width8, true
	default:
		return hv.WidthInvalid, false
	}
}

// dataAbortAccessIsWrite reports ESR.WnR: true if the faulting access was
// a write.
func dataAbortAccessIsWrite(s SyndromeSource) bool {
	return (s.ESR()>>esrWnRBit)&1 != 0
}

// dataAbortAccessReg returns ESR.SRT, the guest GPR index (0..=31) that is
// the source (write) or destination (read) of the faulting access.
func dataAbortAccessReg(s SyndromeSource) int {
	return int((s.ESR() >> esrSRTShift) & esrSRTMask)
}

// dataAbortAccessRegWidth returns the width of the GPR named by SRT, from
// ESR.SF: 8 bytes if the 64-bit form of the register was used, else 4.
func dataAbortAccessRegWidth(s SyndromeSource) hv.AccessWidth {
	if (s.ESR()>>esrSFBit)&1 != 0 {
		return hv.Width8
	}
	return hv.Width4
}

// dataAbortHandleable reports ESR.ISV: whether the syndrome fully
// describes the access (false means the hypervisor cannot emulate it and
// must treat the abort as fatal).
func dataAbortHandleable(s SyndromeSource) bool {
	return (s.ESR()>>esrISVBit)&1 != 0
}

// dataAbortIsTranslateFault reports whether ESR.DFSC names a stage-2
// translation fault (any of the four table levels).
func dataAbortIsTranslateFault(s SyndromeSource) bool {
	dfsc := s.ESR() & esrDFSCMask
	return dfsc >= dfscTranslateFaultLevel0 && dfsc <= dfscTranslateFaultLevel3
}

// dataAbortIsPermissionFault reports whether ESR.DFSC names a stage-2
// permission fault (table levels 1-3; level 0 permission faults are not
// architecturally defined).
func dataAbortIsPermissionFault(s SyndromeSource) bool {
	dfsc := s.ESR() & esrDFSCMask
	return dfsc >= dfscPermissionFaultLvl1 && dfsc <= dfscPermissionFaultLvl3
}

// nextInstructionStep returns how far to advance ELR past the emulated
// instruction: 2 for a 16-bit (Thumb-class... here: compressed A64 is N/A,
// this covers the ISV=1 narrow encoding) instruction when ESR.IL is clear,
// else 4.
func nextInstructionStep(s SyndromeSource) uint64 {
	if (s.ESR()>>esrILBit)&1 == 0 {
		return 2
	}
	return 4
}
