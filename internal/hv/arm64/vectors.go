package arm64

// liveEL2Regs is the production vbarAccessor/hcrAccessor: thin Go wrappers
// around the MRS/MSR pairs in vectors_arm64.s. A zero-size struct, like
// the teacher's device handles that carry no state of their own and exist
// only to hang methods off of.
type liveEL2Regs struct{}

func (liveEL2Regs) VbarEL2() uint64     { return vbarEL2() }
func (liveEL2Regs) SetVbarEL2(v uint64) { setVbarEL2(v) }
func (liveEL2Regs) HcrEL2() uint64      { return hcrEL2() }
func (liveEL2Regs) SetHcrEL2(v uint64)  { setHcrEL2(v) }

//go:noescape
func vbarEL2() uint64

//go:noescape
func setVbarEL2(v uint64)

//go:noescape
func hcrEL2() uint64

//go:noescape
func setHcrEL2(v uint64)

// setCnthctlEL2 programs CNTHCTL_EL2, the EL2 timer-trap configuration
// register. It is not part of GuestSystemRegisters: unlike that bank it is
// not guest-bankable per-VCpu state, so it is written once (VCpu.Setup)
// rather than restored on every VM entry.
//
//go:noescape
func setCnthctlEL2(v uint64)

// exceptionVectorBaseAddr returns the runtime address of
// exceptionVectorBaseVCpu, the 2KiB-aligned, 16-entry EL2 vector table
// defined in vectors_arm64.s (spec.md §4.2). PerCpu.Enable writes this
// value into VBAR_EL2.
//
//go:noescape
func exceptionVectorBaseAddr() uint64

// runGuest is the asm entry point that saves the current (host) callee-
// saved registers (R19-R30) on the host stack, stashes the host stack pointer in
// vc.hostStackTop, points TPIDR_EL2 at vc so the vector table can find it,
// restores the guest's TrapFrame GPRs, and executes ERET into the guest at
// ctx.ELR under ctx.SPSR.
//
// It does not return via a normal epilogue: the guest runs until some
// exception retakes EL2, at which point the matching vector stub saves the
// trapping GPRs/ELR/SPSR into vc.ctx, captures ESR/FAR/HPFAR and the trap
// classification into vc.trap, restores the host's saved registers and
// stack pointer, and returns — from the caller's point of view this call
// to runGuest simply takes a long time and comes back once. vc.sysregs is
// NOT refreshed from hardware by the time it returns; VCpu.Run does that
// next.
//
// vc must be the same *VCpu whose Setup/SetEntry/SetGpr calls produced the
// state currently in vc.ctx; the function trusts the ABI offsets
// TrapFrame, trapCapture and GuestSystemRegisters assert in their init()s
// and does not re-validate them.
//
//go:noescape
func runGuest(vc *VCpu)
