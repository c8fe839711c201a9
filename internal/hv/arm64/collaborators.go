package arm64

// vbarAccessor reads and writes VBAR_EL2, the register PerCpu.Enable/Disable
// swap to install and restore the vector table (spec.md §4.5). Abstracted
// behind an interface, as SyndromeSource is, so percpu_test.go can verify
// the enable/disable round-trip without touching real EL2 state.
type vbarAccessor interface {
	VbarEL2() uint64
	SetVbarEL2(uint64)
}

// hcrAccessor reads and writes HCR_EL2.VM, the bit that actually turns
// stage-2 translation (and therefore the virtualization trap regime) on
// and off. Grounded on original_source/src/pcpu.rs's hardware_enable,
// which pairs the VBAR_EL2 swap with exactly this bit.
type hcrAccessor interface {
	HcrEL2() uint64
	SetHcrEL2(uint64)
}

// hcrVMBit is HCR_EL2.VM (bit 0): when set, stage-2 translation applies to
// every EL0/EL1 access, which is what actually makes a CPU "a CPU running
// a guest" as opposed to "a CPU with a vector table pointed somewhere
// unusual".
const hcrVMBit = 1 << 0

// *VCpu is the production SyndromeSource (see vcpu.go's ESR/FAR/HPFAR
// methods): the vector table captures these three registers into the
// VCpu's trapCapture at trap time, since the architecture does not bank
// them across the host/guest boundary the way it banks GPRs. Tests
// substitute fakeSyndromeSource instead.
