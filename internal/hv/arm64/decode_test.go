package arm64

import (
	"testing"

	"github.com/bullhh/arm-vcpu/internal/hv"
)

type fakeDiagnostics struct{}

func (fakeDiagnostics) sctlrEL1() uint64 { return 0 }
func (fakeDiagnostics) vttbrEL2() uint64 { return 0 }
func (fakeDiagnostics) vtcrEL2() uint64  { return 0 }
func (fakeDiagnostics) hcrEL2() uint64   { return 0 }

type fakeIRQSource struct{ vector uint32 }

func (f fakeIRQSource) pendingIRQVector() uint32 { return f.vector }

// TestDecodeDataAbortWorkedExample reproduces spec.md §8 scenario 1: a
// 4-byte (SAS=2) write (WnR=1) of gpr[5]=0xDEAD_BEEF through the 32-bit
// form of the register (SF=0), IL=1 (4-byte instruction, so ELR advances
// by 4). The fault IPA follows faultIPA's formula (see
// TestFaultIPAWorkedExample).
func TestDecodeDataAbortWorkedExample(t *testing.T) {
	esr := uint64(ecDataAbortLowerEL)<<esrECShift |
		1<<esrISVBit |
		2<<esrSASShift |
		5<<esrSRTShift |
		1<<esrWnRBit |
		1<<esrILBit |
		dfscTranslateFaultLevel3

	src := fakeSyndromeSource{esr: esr, hpfar: 0x0000_0010_0000, far: 0x0ABC}

	ctx := &TrapFrame{}
	ctx.SetExceptionPC(0x1000)
	ctx.SetGPR(5, 0xDEAD_BEEF)

	reason, err := decodeDataAbort(ctx, src, fakeDiagnostics{})
	if err != nil {
		t.Fatalf("decodeDataAbort() error = %v, want nil", err)
	}
	want := hv.ExitReason{
		Kind:  hv.ExitMmioWrite,
		Addr:  0x1000_0ABC,
		Width: hv.Width4,
		Data:  0xDEAD_BEEF,
	}
	if reason != want {
		t.Fatalf("decodeDataAbort() = %+v, want %+v", reason, want)
	}
	if got := ctx.ExceptionPC(); got != 0x1004 {
		t.Fatalf("ctx.ExceptionPC() after decode = 0x%x, want 0x1004", got)
	}
}

func TestDecodeDataAbortRead(t *testing.T) {
	esr := uint64(ecDataAbortLowerEL)<<esrECShift |
		1<<esrISVBit |
		3<<esrSASShift | // 8-byte access
		2<<esrSRTShift |
		1<<esrSFBit | // 64-bit register form
		1<<esrILBit |
		dfscTranslateFaultLevel0

	src := fakeSyndromeSource{esr: esr, hpfar: 0, far: 0x40}
	ctx := &TrapFrame{}

	reason, err := decodeDataAbort(ctx, src, fakeDiagnostics{})
	if err != nil {
		t.Fatalf("decodeDataAbort() error = %v, want nil", err)
	}
	want := hv.ExitReason{
		Kind:     hv.ExitMmioRead,
		Addr:     0x40,
		Width:    hv.Width8,
		Reg:      2,
		RegWidth: hv.Width8,
	}
	if reason != want {
		t.Fatalf("decodeDataAbort() = %+v, want %+v", reason, want)
	}
}

func TestDecodeDataAbortPermissionFaultIsUnsupported(t *testing.T) {
	esr := uint64(ecDataAbortLowerEL)<<esrECShift | 1<<esrISVBit | dfscPermissionFaultLvl3
	src := fakeSyndromeSource{esr: esr}
	ctx := &TrapFrame{}

	reason, err := decodeDataAbort(ctx, src, fakeDiagnostics{})
	if err != nil {
		t.Fatalf("decodeDataAbort() error = %v, want nil", err)
	}
	if reason.Kind != hv.ExitUnsupported {
		t.Fatalf("decodeDataAbort() kind = %s, want Unsupported", reason.Kind)
	}
}

func TestDecodePSCISystemOff(t *testing.T) {
	reason, ok := decodePSCI(0x8400_0008)
	if !ok {
		t.Fatalf("decodePSCI(SYSTEM_OFF) ok = false, want true")
	}
	if reason.Kind != hv.ExitSystemDown {
		t.Fatalf("decodePSCI(SYSTEM_OFF) kind = %s, want SystemDown", reason.Kind)
	}

	reason64, ok := decodePSCI(0xC400_0008)
	if !ok || reason64.Kind != hv.ExitSystemDown {
		t.Fatalf("decodePSCI(SYSTEM_OFF, 64-bit) = (%+v, %v), want SystemDown", reason64, ok)
	}
}

func TestDecodePSCIOtherFunctionIsUnsupported(t *testing.T) {
	reason, ok := decodePSCI(0x8400_0000) // PSCI_VERSION
	if !ok {
		t.Fatalf("decodePSCI(PSCI_VERSION) ok = false, want true")
	}
	if reason.Kind != hv.ExitUnsupported {
		t.Fatalf("decodePSCI(PSCI_VERSION) kind = %s, want Unsupported", reason.Kind)
	}
}

func TestDecodePSCIOutOfRangeIsNotPSCI(t *testing.T) {
	if _, ok := decodePSCI(0x1234); ok {
		t.Fatalf("decodePSCI(0x1234) ok = true, want false (not a PSCI function id)")
	}
}

func TestDecodeHVCGenericHypercall(t *testing.T) {
	ctx := &TrapFrame{}
	ctx.SetGPR(0, 0x1234)
	ctx.SetGPR(1, 1)
	ctx.SetGPR(2, 2)

	reason := decodeHVC(ctx, fakeSyndromeSource{})
	if reason.Kind != hv.ExitHypercall || reason.Nr != 0x1234 {
		t.Fatalf("decodeHVC() = %+v, want Hypercall{nr=0x1234}", reason)
	}
	if reason.Args[0] != 1 || reason.Args[1] != 2 {
		t.Fatalf("decodeHVC() args = %v, want [1 2 0 0 0 0]", reason.Args)
	}
}

func TestDecodeTrapIRQUsesAttachedSource(t *testing.T) {
	ctx := &TrapFrame{}
	reason, err := decodeTrap(ctx, TrapIRQ, fakeSyndromeSource{}, fakeDiagnostics{}, fakeIRQSource{vector: 42})
	if err != nil {
		t.Fatalf("decodeTrap(IRQ) error = %v, want nil", err)
	}
	if reason.Kind != hv.ExitExternalInterrupt || reason.Vector != 42 {
		t.Fatalf("decodeTrap(IRQ) = %+v, want ExternalInterrupt{vector=42}", reason)
	}
}

func TestDecodeTrapIRQDefaultsToStubVector(t *testing.T) {
	ctx := &TrapFrame{}
	reason, err := decodeTrap(ctx, TrapIRQ, fakeSyndromeSource{}, fakeDiagnostics{}, nil)
	if err != nil {
		t.Fatalf("decodeTrap(IRQ) error = %v, want nil", err)
	}
	if reason.Vector != 33 {
		t.Fatalf("decodeTrap(IRQ) vector = %d, want 33 (documented stub value)", reason.Vector)
	}
}
