package lock

import "github.com/cockroachdb/errors"

// Mode represents a multigranularity lock mode.
type Mode int

const (
	// ModeNL means no lock is held.
	ModeNL Mode = iota
	// ModeIS signals intended shared access below this resource.
	ModeIS
	// ModeIX signals intended exclusive access below this resource.
	ModeIX
	// ModeS allows reading this resource and everything under it.
	ModeS
	// ModeSIX combines a shared lock here with intent-exclusive below.
	ModeSIX
	// ModeX allows reading and writing this resource and everything under it.
	ModeX
)

func (m Mode) String() string {
	switch m {
	case ModeNL:
		return "NL"
	case ModeIS:
		return "IS"
	case ModeIX:
		return "IX"
	case ModeS:
		return "S"
	case ModeSIX:
		return "SIX"
	case ModeX:
		return "X"
	default:
		panic(errors.AssertionFailedf("unknown lock mode %d", int(m)))
	}
}

// Compatible reports whether a lock of mode a held by one transaction can
// coexist with a lock of mode b held by another transaction on the same
// resource. The relation is symmetric.
func Compatible(a, b Mode) bool {
	if a == ModeNL || b == ModeNL {
		return true
	}
	switch a {
	case ModeIS:
		return b == ModeIS || b == ModeIX || b == ModeS
	case ModeIX:
		return b == ModeIS || b == ModeIX
	case ModeS:
		return b == ModeIS || b == ModeS
	case ModeSIX:
		return b == ModeSIX
	case ModeX:
		return false
	default:
		panic(errors.AssertionFailedf("unknown lock mode %d", int(a)))
	}
}

// ParentMode returns the least permissive mode that must be held on the
// parent resource for a lock of mode m to be granted on a child.
func ParentMode(m Mode) Mode {
	switch m {
	case ModeS, ModeIS:
		return ModeIS
	case ModeX, ModeIX:
		return ModeIX
	case ModeSIX, ModeNL:
		return ModeNL
	default:
		panic(errors.AssertionFailedf("unknown lock mode %d", int(m)))
	}
}

// Substitutable reports whether a lock of mode have can stand in for a
// requirement of mode need: everything need permits, have permits too.
func Substitutable(have, need Mode) bool {
	switch need {
	case ModeNL:
		return have == ModeNL
	case ModeIS:
		return have == ModeIS || have == ModeIX
	case ModeIX:
		return have == ModeIX || have == ModeSIX
	case ModeS:
		return have == ModeS || have == ModeSIX || have == ModeX
	case ModeSIX:
		return have == ModeSIX
	case ModeX:
		return have == ModeX
	default:
		panic(errors.AssertionFailedf("unknown lock mode %d", int(need)))
	}
}
