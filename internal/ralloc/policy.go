package ralloc

import "log/slog"

// DefaultMaxFrameBytes bounds the spill area when Policy.MaxFrameBytes is
// zero.
const DefaultMaxFrameBytes = 1 << 20

// SpillWeights scale the terms of the spill score:
//
//	Distance*(last-current) - Writes*(w+rw) + Reads*r + Memory*(mr+mw+mrw)
//
// The zero value weighs every term with 1.
type SpillWeights struct {
	Distance int `yaml:"distance"`
	Writes   int `yaml:"writes"`
	Reads    int `yaml:"reads"`
	Memory   int `yaml:"memory"`
}

func (w SpillWeights) orDefault() SpillWeights {
	if w == (SpillWeights{}) {
		return SpillWeights{Distance: 1, Writes: 1, Reads: 1, Memory: 1}
	}
	return w
}

// Policy holds the tunable allocation decisions.
type Policy struct {
	// PreferPreserved scans callee-saved registers before the
	// call-clobbered ones. Functions that call a lot keep values across
	// calls that way, at the cost of prolog saves.
	PreferPreserved bool
	// OmitFramePointer makes RBP allocatable. Conventions that do not
	// promise an aligned stack at entry always keep the frame pointer.
	OmitFramePointer bool
	// ReuseSlots hands spill slots of dead variables to later ones.
	ReuseSlots bool

	SpillWeights  SpillWeights
	MaxFrameBytes int
}

// DefaultPolicy returns the policy used by the command line tool.
func DefaultPolicy() Policy {
	return Policy{ReuseSlots: true}
}

type Options struct {
	Policy Policy
	// Logger receives allocation decisions at debug level. Nil discards.
	Logger *slog.Logger
}
