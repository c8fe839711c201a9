package arm64

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// currentExceptionLevel reads CurrentEL.EL (bits 3:2) via the MRS in
// vectors_arm64.s. EL2 is the only level this package can usefully run at:
// the vector table it installs is an EL2 vector table, and VBAR_EL2/
// HCR_EL2 are UNDEFINED instructions below EL2.
//
//go:noescape
func currentExceptionLevel() uint8

// probeHardwareSupport backs HasHardwareSupport (percpu.go). Grounded on
// original_source/src/lib.rs's has_hardware_support, generalized from an
// unconditional `true` (the original crate assumes it was already placed
// at EL2 by its boot loader) into an actual CurrentEL check, since this
// module has no such external guarantee.
//
// golang.org/x/sys/unix.Getauxval surfaces HWCAP/HWCAP2 purely as
// diagnostic context attached to a failed probe; AT_HWCAP does not itself
// report EL2/virtualization support (that is an EL1-visible summary of
// EL0-usable features), so it cannot replace the CurrentEL check, only
// accompany it in the log line a caller sees when the check fails.
func probeHardwareSupport() bool {
	el := (currentExceptionLevel() >> 2) & 0x3
	if el != 2 {
		slog.Error("arm64 hypervisor: not running at EL2",
			"current_el", el,
			"hwcap", unix.Getauxval(unix.AT_HWCAP),
			"hwcap2", unix.Getauxval(unix.AT_HWCAP2),
		)
		return false
	}
	return true
}
