package ir

import (
	"fmt"
	"strings"

	"github.com/tinyrange/ralloc/internal/asm"
)

// Kind is the value type of a virtual variable. It fixes the register bank
// and the width of the memory home.
type Kind uint8

const (
	Int32 Kind = iota
	Int64
	MM
	XMM
	XMMSS
	XMMSD
	XMMPS
	XMMPD

	numKinds
)

var kindNames = [numKinds]string{
	Int32: "i32",
	Int64: "i64",
	MM:    "mm",
	XMM:   "xmm",
	XMMSS: "f32",
	XMMSD: "f64",
	XMMPS: "f32x4",
	XMMPD: "f64x2",
}

func (k Kind) String() string {
	if k >= numKinds {
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
	return kindNames[k]
}

func (k Kind) Valid() bool {
	return k < numKinds
}

// Bank returns the register file holding values of this kind.
func (k Kind) Bank() asm.Bank {
	switch k {
	case Int32, Int64:
		return asm.GP
	case MM:
		return asm.MM
	default:
		return asm.XMM
	}
}

// Size returns the width of the value in bytes.
func (k Kind) Size() int {
	switch k {
	case Int32, XMMSS:
		return 4
	case Int64, MM, XMMSD:
		return 8
	default:
		return 16
	}
}

// ParseKind accepts the names printed by String.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(s)
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown kind %q", s)
}
