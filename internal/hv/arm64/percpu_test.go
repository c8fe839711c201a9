package arm64

import (
	"sync"
	"testing"
)

type fakeEL2Regs struct {
	vbar uint64
	hcr  uint64
}

func (r *fakeEL2Regs) VbarEL2() uint64     { return r.vbar }
func (r *fakeEL2Regs) SetVbarEL2(v uint64) { r.vbar = v }
func (r *fakeEL2Regs) HcrEL2() uint64      { return r.hcr }
func (r *fakeEL2Regs) SetHcrEL2(v uint64)  { r.hcr = v }

func newTestPerCpu(regs *fakeEL2Regs) *PerCpu {
	return &PerCpu{index: 0, vbar: regs, hcr: regs}
}

func TestPerCpuEnableDisableRoundTrip(t *testing.T) {
	// The real hardware probe executes MRS CurrentEL, which is UNDEFINED at
	// EL0; substitute a fake so this test can run as an ordinary process.
	hardwareSupportOnce = sync.Once{}
	hardwareSupportProbe = func() bool { return true }
	t.Cleanup(func() { hardwareSupportOnce = sync.Once{} })

	regs := &fakeEL2Regs{vbar: 0xDEAD_0000, hcr: 0}
	p := newTestPerCpu(regs)

	if p.IsEnabled() {
		t.Fatalf("IsEnabled() before Enable = true, want false")
	}

	p.Enable()
	if !p.IsEnabled() {
		t.Fatalf("IsEnabled() after Enable = false, want true")
	}
	if regs.vbar == 0xDEAD_0000 {
		t.Fatalf("VBAR_EL2 unchanged after Enable, want it pointed at the vector table")
	}

	p.Disable()
	if p.IsEnabled() {
		t.Fatalf("IsEnabled() after Disable = true, want false")
	}
	if regs.vbar != 0xDEAD_0000 {
		t.Fatalf("VBAR_EL2 = 0x%x after Disable, want the original 0xDEAD0000 restored", regs.vbar)
	}
}

func TestPerCpuBindUnbind(t *testing.T) {
	p := newTestPerCpu(&fakeEL2Regs{})
	if p.Active() != nil {
		t.Fatalf("Active() on fresh PerCpu = %v, want nil", p.Active())
	}

	vc := New(0)
	p.Bind(vc)
	if p.Active() != vc {
		t.Fatalf("Active() after Bind = %v, want %v", p.Active(), vc)
	}

	p.Unbind()
	if p.Active() != nil {
		t.Fatalf("Active() after Unbind = %v, want nil", p.Active())
	}
}

func TestPerCpuIndex(t *testing.T) {
	p := NewPerCpu(7)
	if p.Index() != 7 {
		t.Fatalf("Index() = %d, want 7", p.Index())
	}
}
