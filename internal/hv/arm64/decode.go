package arm64

import (
	"fmt"
	"log/slog"

	"github.com/bullhh/arm-vcpu/internal/hv"
)

// TrapKind identifies which of the four synchronous/asynchronous trap
// classes the vector table caught. The numeric values are part of the ABI
// between vectors_arm64.s and decodeTrap: the vector stub loads one of
// these four constants into R9 before branching to trapCommon, which stores
// it in vc.trap.Kind for VCpu.decodeExit (see vectors_arm64.s).
type TrapKind uint8

const (
	TrapSynchronous TrapKind = 0
	TrapIRQ         TrapKind = 1
	TrapFIQ         TrapKind = 2
	TrapSError      TrapKind = 3
)

func (k TrapKind) String() string {
	switch k {
	case TrapSynchronous:
		return "Synchronous"
	case TrapIRQ:
		return "IRQ"
	case TrapFIQ:
		return "FIQ"
	case TrapSError:
		return "SError"
	default:
		return fmt.Sprintf("TrapKind(%d)", uint8(k))
	}
}

// TrapSource identifies which of the sixteen vector-table slots the trap
// was taken through (spec.md §4.2's four groups of four). Only used for
// the invalid-exception diagnostic.
type TrapSource uint8

const (
	TrapSourceCurrentSpEl0   TrapSource = 0
	TrapSourceCurrentSpElx   TrapSource = 1
	TrapSourceLowerAArch64   TrapSource = 2
	TrapSourceLowerAArch32   TrapSource = 3
)

func (s TrapSource) String() string {
	switch s {
	case TrapSourceCurrentSpEl0:
		return "CurrentSpEl0"
	case TrapSourceCurrentSpElx:
		return "CurrentSpElx"
	case TrapSourceLowerAArch64:
		return "LowerAArch64"
	case TrapSourceLowerAArch32:
		return "LowerAArch32"
	default:
		return fmt.Sprintf("TrapSource(%d)", uint8(s))
	}
}

// diagnosticRegisters is the extra system-register state the fatal dump
// prints beyond the trap frame and syndrome (spec.md §6). VCpu passes its
// cached GuestSystemRegisters bank, which implements it.
type diagnosticRegisters interface {
	sctlrEL1() uint64
	vttbrEL2() uint64
	vtcrEL2() uint64
	hcrEL2() uint64
}

// irqVectorSource supplies the interrupt-controller vector number for an
// IRQ exit. spec.md §9 (Open Question) flags the hard-coded vector 33 as
// stub behavior pending GIC integration; this interface is the seam an
// implementer wires a real GIC collaborator into. stubIRQVectorSource is
// the default used when a VCpu has no GIC collaborator attached, and it
// reproduces the documented stub value exactly.
type irqVectorSource interface {
	pendingIRQVector() uint32
}

type stubIRQVectorSource struct{}

func (stubIRQVectorSource) pendingIRQVector() uint32 { return 33 }

// decodeTrap is the exit decoder (spec.md §4.4): given the trap kind that
// fired and the live syndrome/diagnostic state, it returns a structured
// ExitReason, an ErrInvalidInput, or never returns at all (a fatal
// condition panics with a full register dump).
//
// ctx.ELR is mutated in place for data aborts, per spec.md's invariant
// that the hypervisor advances ELR past the emulated instruction before
// constructing the MmioRead/MmioWrite reason.
func decodeTrap(
	ctx *TrapFrame,
	kind TrapKind,
	source SyndromeSource,
	diag diagnosticRegisters,
	irq irqVectorSource,
) (hv.ExitReason, error) {
	switch kind {
	case TrapSynchronous:
		return decodeSynchronous(ctx, source, diag)
	case TrapIRQ:
		if irq == nil {
			irq = stubIRQVectorSource{}
		}
		return hv.ExitReason{Kind: hv.ExitExternalInterrupt, Vector: irq.pendingIRQVector()}, nil
	case TrapFIQ:
		fatalTrap(ctx, source, diag, "unhandled FIQ")
	case TrapSError:
		fatalTrap(ctx, source, diag, "unhandled SError")
	}
	panic("unreachable")
}

func decodeSynchronous(
	ctx *TrapFrame,
	source SyndromeSource,
	diag diagnosticRegisters,
) (hv.ExitReason, error) {
	ec, known := exceptionClass(source)
	if !known {
		fatalTrap(ctx, source, diag, "handler not present for exception class")
	}

	switch ec {
	case ecDataAbortLowerEL:
		return decodeDataAbort(ctx, source, diag)
	case ecHVC64:
		return decodeHVC(ctx, source), nil
	default:
		fatalTrap(ctx, source, diag, "handler not present for exception class")
		panic("unreachable")
	}
}

func decodeDataAbort(
	ctx *TrapFrame,
	source SyndromeSource,
	diag diagnosticRegisters,
) (hv.ExitReason, error) {
	if !dataAbortHandleable(source) {
		fatalTrap(ctx, source, diag, "data abort not handleable (ISV=0)")
	}

	if !dataAbortIsTranslateFault(source) {
		if dataAbortIsPermissionFault(source) {
			return hv.ExitReason{Kind: hv.ExitUnsupported}, nil
		}
		fatalTrap(ctx, source, diag, "data abort is not a translate fault")
	}

	ctx.SetExceptionPC(ctx.ExceptionPC() + nextInstructionStep(source))

	addr := faultIPA(source)
	width, ok := dataAbortAccessWidth(source)
	if !ok {
		return hv.ExitReason{}, hv.ErrInvalidInput
	}
	isWrite := dataAbortAccessIsWrite(source)
	reg := dataAbortAccessReg(source)
	regWidth := dataAbortAccessRegWidth(source)

	if isWrite {
		return hv.ExitReason{
			Kind:  hv.ExitMmioWrite,
			Addr:  addr,
			Width: width,
			Data:  ctx.GPRValue(reg),
		}, nil
	}
	return hv.ExitReason{
		Kind:     hv.ExitMmioRead,
		Addr:     addr,
		Width:    width,
		Reg:      reg,
		RegWidth: regWidth,
	}, nil
}

// PSCI function-identifier ranges and offsets (spec.md §4.4). A call is a
// PSCI call iff gpr[0] falls in one of these two inclusive ranges, using
// either the 32-bit or 64-bit PSCI calling convention.
const (
	psciRange32Start uint64 = 0x8400_0000
	psciRange32End   uint64 = 0x8400_001F
	psciRange64Start uint64 = 0xC400_0000
	psciRange64End   uint64 = 0xC400_001F

	psciFnSystemOff uint64 = 0x8
)

// decodePSCI returns (reason, true) if gpr[0] is a PSCI function
// identifier; (zero, false) if the HVC is not a PSCI call at all, in which
// case the caller falls through to the generic hypercall path.
func decodePSCI(fn uint64) (hv.ExitReason, bool) {
	var offset uint64
	switch {
	case fn >= psciRange32Start && fn <= psciRange32End:
		offset = fn - psciRange32Start
	case fn >= psciRange64Start && fn <= psciRange64End:
		offset = fn - psciRange64Start
	default:
		return hv.ExitReason{}, false
	}

	switch offset {
	case psciFnSystemOff:
		return hv.ExitReason{Kind: hv.ExitSystemDown}, true
	default:
		return hv.ExitReason{Kind: hv.ExitUnsupported}, true
	}
}

func decodeHVC(ctx *TrapFrame, source SyndromeSource) hv.ExitReason {
	fn := ctx.GPRValue(0)
	if reason, ok := decodePSCI(fn); ok {
		return reason
	}

	// Generic hypercall ABI: x0 is the call number, x1..x6 are arguments
	// (linux.git Documentation/virt/kvm/arm/hyp-abi.rst's HVC convention).
	return hv.ExitReason{
		Kind: hv.ExitHypercall,
		Nr:   fn,
		Args: [6]uint64{
			ctx.GPRValue(1), ctx.GPRValue(2), ctx.GPRValue(3),
			ctx.GPRValue(4), ctx.GPRValue(5), ctx.GPRValue(6),
		},
	}
}

// fatalTrap logs the full diagnostic dump spec.md §6 requires and panics.
// It never returns. Go cannot express a function that provably never
// returns, so a caller that needs a terminating statement after the call
// follows it with an explicit panic("unreachable").
func fatalTrap(ctx *TrapFrame, source SyndromeSource, diag diagnosticRegisters, reason string) {
	// faultIPA is pure bit arithmetic over whatever FAR/HPFAR currently
	// hold; safe to compute even when the trap wasn't a data abort, and
	// useful context regardless.
	ipa := faultIPA(source)

	slog.Error("arm64 hypervisor: fatal trap",
		"reason", reason,
		"ec", fmt.Sprintf("0x%x", exceptionClassValue(source)),
		"fault_ipa", fmt.Sprintf("0x%x", ipa),
		"pc", fmt.Sprintf("0x%x", ctx.ExceptionPC()),
		"esr", fmt.Sprintf("0x%x", source.ESR()),
		"sctlr_el1", fmt.Sprintf("0x%x", diag.sctlrEL1()),
		"vttbr_el2", fmt.Sprintf("0x%x", diag.vttbrEL2()),
		"vtcr_el2", fmt.Sprintf("0x%x", diag.vtcrEL2()),
		"hcr_el2", fmt.Sprintf("0x%x", diag.hcrEL2()),
		"ctx", fmt.Sprintf("%+v", ctx),
	)
	panic(fmt.Sprintf("arm64 hypervisor: %s: ec=0x%x pc=0x%x esr=0x%x ctx=%+v",
		reason, exceptionClassValue(source), ctx.ExceptionPC(), source.ESR(), ctx))
}

// invalidException is called by VCpu.decodeExit for a trap taken through
// any of the twelve currently-unhandled vector slots (everything but the
// lower-AArch64 group). spec.md §9 leaves open whether any CurrentSpElx exception should
// ever be tolerated instead of treated as fatal; we resolve that question
// here by always halting (see DESIGN.md).
func invalidException(ctx *TrapFrame, kind TrapKind, src TrapSource) {
	slog.Error("arm64 hypervisor: invalid exception",
		"kind", kind.String(), "source", src.String(), "ctx", fmt.Sprintf("%+v", ctx))
	panic(fmt.Sprintf("arm64 hypervisor: invalid exception %s from %s: %+v", kind, src, ctx))
}
