// Package hv declares the vocabulary shared between a hypervisor's
// architecture-specific per-CPU engine (see internal/hv/arm64) and its
// upstream scheduler: exit reasons, access widths, and the small set of
// sentinel errors that cross that boundary.
package hv

import (
	"errors"
	"fmt"
)

// ErrInvalidInput is returned when a trap's syndrome does not decode to a
// well-formed operand (spec: "bad input at the boundary"). The guest's ELR
// has already been advanced past the faulting instruction by the time this
// is returned; the scheduler typically treats it as fatal to the guest.
var ErrInvalidInput = errors.New("hv: trap syndrome decoded to invalid input")

// AccessWidth is the byte width of a memory or register access, as decoded
// from ESR_EL2.SAS / ESR_EL2.SF.
type AccessWidth uint8

const (
	WidthInvalid AccessWidth = 0
	Width1       AccessWidth = 1
	Width2       AccessWidth = 2
	Width4       AccessWidth = 4
	Width8       AccessWidth = 8
)

func (w AccessWidth) String() string {
	switch w {
	case Width1:
		return "byte"
	case Width2:
		return "halfword"
	case Width4:
		return "word"
	case Width8:
		return "doubleword"
	default:
		return fmt.Sprintf("AccessWidth(%d)", uint8(w))
	}
}

// ExitKind discriminates the variants of ExitReason. The zero value,
// ExitInvalid, is never returned by a well-formed decode; its presence
// makes a forgotten case in a switch over Kind visibly wrong rather than
// silently matching the first variant.
type ExitKind int

const (
	ExitInvalid ExitKind = iota
	ExitMmioRead
	ExitMmioWrite
	ExitHypercall
	ExitExternalInterrupt
	ExitSystemDown
	ExitUnsupported
)

func (k ExitKind) String() string {
	switch k {
	case ExitMmioRead:
		return "MmioRead"
	case ExitMmioWrite:
		return "MmioWrite"
	case ExitHypercall:
		return "Hypercall"
	case ExitExternalInterrupt:
		return "ExternalInterrupt"
	case ExitSystemDown:
		return "SystemDown"
	case ExitUnsupported:
		return "Unsupported"
	default:
		return "Invalid"
	}
}

// ExitReason is the structured result of a guest exit, surfaced to the
// upstream scheduler. It is a closed Go sum type realized as a
// kind-discriminated struct (the idiom this module follows for ABI-facing
// variants, rather than an interface with a type switch) so the scheduler
// can both type-switch on Kind and, when it already knows the kind,
// address the payload fields directly without an assertion.
//
// Only the fields relevant to Kind are meaningful; the rest are zero.
type ExitReason struct {
	Kind ExitKind

	// MmioRead, MmioWrite
	Addr     uint64
	Width    AccessWidth
	Reg      int         // destination/source GPR index, 0..=31 (31 is XZR)
	RegWidth AccessWidth // MmioRead only: width to sign/zero-extend into
	Data     uint64      // MmioWrite only: value read from the source GPR

	// Hypercall
	Nr   uint64
	Args [6]uint64

	// ExternalInterrupt
	Vector uint32
}

func (r ExitReason) String() string {
	switch r.Kind {
	case ExitMmioRead:
		return fmt.Sprintf("MmioRead{addr=0x%x width=%s reg=x%d reg_width=%s}",
			r.Addr, r.Width, r.Reg, r.RegWidth)
	case ExitMmioWrite:
		return fmt.Sprintf("MmioWrite{addr=0x%x width=%s data=0x%x}", r.Addr, r.Width, r.Data)
	case ExitHypercall:
		return fmt.Sprintf("Hypercall{nr=0x%x args=%x}", r.Nr, r.Args)
	case ExitExternalInterrupt:
		return fmt.Sprintf("ExternalInterrupt{vector=%d}", r.Vector)
	case ExitSystemDown:
		return "SystemDown"
	case ExitUnsupported:
		return "Unsupported"
	default:
		return "Invalid"
	}
}
