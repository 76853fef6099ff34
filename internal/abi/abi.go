// Package abi holds the calling-convention tables the allocator consumes:
// argument and return registers, callee-saved sets, stack argument layout
// and the stack alignment contract at function entry.
package abi

import (
	"fmt"
	"math/bits"

	"github.com/tinyrange/ralloc/internal/asm"
)

// Convention describes one calling convention. Register lists hold
// hardware indices in argument order.
type Convention struct {
	Name string

	GPArgs  []uint8
	XMMArgs []uint8

	// Positional conventions consume one argument slot per parameter
	// regardless of its bank (Microsoft x64).
	Positional bool

	// ShadowSpace is reserved by the caller below the stack arguments.
	ShadowSpace int
	StackAlign  int

	// AlignedOnEntry reports whether RSP+8 is StackAlign aligned when the
	// callee starts executing.
	AlignedOnEntry bool
	CalleePops     bool

	GPReturn  []uint8
	XMMReturn []uint8

	// Preserved holds the callee-saved registers per bank as bitmasks.
	Preserved [asm.NumBanks]uint32
}

// Arg describes one parameter or result for layout purposes.
type Arg struct {
	Bank asm.Bank
	Size int
}

// Location is where an argument travels. Reg is meaningful when InReg is
// set; otherwise Offset is the byte offset from RSP at the call.
type Location struct {
	Bank   asm.Bank
	InReg  bool
	Reg    uint8
	Offset int
}

func (l Location) String() string {
	if l.InReg {
		return asm.BankReg(l.Bank, int(l.Reg)).String()
	}
	return fmt.Sprintf("[rsp+%d]", l.Offset)
}

// Layout is the result of assigning a prototype to a convention.
type Layout struct {
	Params  []Location
	Results []Location
	// StackBytes is the outgoing area including shadow space, rounded up to
	// the slot size.
	StackBytes int
}

func mask(regs []uint8) uint32 {
	var m uint32
	for _, r := range regs {
		m |= 1 << r
	}
	return m
}

// ArgMask returns the argument registers of the bank.
func (c *Convention) ArgMask(bank asm.Bank) uint32 {
	switch bank {
	case asm.GP:
		return mask(c.GPArgs)
	case asm.XMM:
		return mask(c.XMMArgs)
	}
	return 0
}

// ReturnMask returns the result registers of the bank.
func (c *Convention) ReturnMask(bank asm.Bank) uint32 {
	switch bank {
	case asm.GP:
		return mask(c.GPReturn)
	case asm.XMM:
		return mask(c.XMMReturn)
	}
	return 0
}

// Clobbered returns the caller-saved registers of the bank. RSP is never
// reported.
func (c *Convention) Clobbered(bank asm.Bank) uint32 {
	all := uint32(1)<<bank.Count() - 1
	m := all &^ c.Preserved[bank]
	if bank == asm.GP {
		m &^= 1 << asm.RSP
	}
	return m
}

// IsPreserved reports whether the register survives a call.
func (c *Convention) IsPreserved(bank asm.Bank, index int) bool {
	return c.Preserved[bank]&(1<<index) != 0
}

// Layout assigns parameters and results. MM values always travel on the
// stack; results are limited to two per bank.
func (c *Convention) Layout(params, results []Arg) (Layout, error) {
	var out Layout
	gp, xmm := 0, 0
	offset := c.ShadowSpace
	for i, p := range params {
		if p.Size <= 0 {
			return Layout{}, fmt.Errorf("%s: parameter %d has size %d", c.Name, i, p.Size)
		}
		loc := Location{Bank: p.Bank}
		slot := i
		switch p.Bank {
		case asm.GP:
			if !c.Positional {
				slot = gp
			}
			if slot < len(c.GPArgs) {
				loc.InReg, loc.Reg = true, c.GPArgs[slot]
				gp++
			}
		case asm.XMM:
			if !c.Positional {
				slot = xmm
			}
			if slot < len(c.XMMArgs) {
				loc.InReg, loc.Reg = true, c.XMMArgs[slot]
				xmm++
			}
		case asm.MM:
		default:
			return Layout{}, fmt.Errorf("%s: parameter %d has unknown bank %s", c.Name, i, p.Bank)
		}
		if !loc.InReg {
			loc.Offset = offset
			offset += (p.Size + 7) &^ 7
		}
		out.Params = append(out.Params, loc)
	}
	out.StackBytes = offset

	var gpRet, xmmRet int
	for i, r := range results {
		loc := Location{Bank: r.Bank, InReg: true}
		switch r.Bank {
		case asm.GP:
			if gpRet >= len(c.GPReturn) {
				return Layout{}, fmt.Errorf("%s: too many integer results", c.Name)
			}
			loc.Reg = c.GPReturn[gpRet]
			gpRet++
		case asm.XMM:
			if xmmRet >= len(c.XMMReturn) {
				return Layout{}, fmt.Errorf("%s: too many vector results", c.Name)
			}
			loc.Reg = c.XMMReturn[xmmRet]
			xmmRet++
		default:
			return Layout{}, fmt.Errorf("%s: result %d cannot be returned in bank %s", c.Name, i, r.Bank)
		}
		out.Results = append(out.Results, loc)
	}
	return out, nil
}

// Validate checks the tables for out-of-range or conflicting registers.
func (c *Convention) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("convention has no name")
	}
	check := func(what string, bank asm.Bank, regs []uint8) error {
		seen := uint32(0)
		for _, r := range regs {
			if int(r) >= bank.Count() {
				return fmt.Errorf("%s: %s register %d out of range", c.Name, what, r)
			}
			if bank == asm.GP && r == asm.RSP {
				return fmt.Errorf("%s: rsp cannot be a %s register", c.Name, what)
			}
			if seen&(1<<r) != 0 {
				return fmt.Errorf("%s: %s register %s listed twice", c.Name, what, asm.BankReg(bank, int(r)))
			}
			seen |= 1 << r
		}
		return nil
	}
	if err := check("argument", asm.GP, c.GPArgs); err != nil {
		return err
	}
	if err := check("argument", asm.XMM, c.XMMArgs); err != nil {
		return err
	}
	if err := check("return", asm.GP, c.GPReturn); err != nil {
		return err
	}
	if err := check("return", asm.XMM, c.XMMReturn); err != nil {
		return err
	}
	if len(c.GPReturn) == 0 {
		return fmt.Errorf("%s: no integer return register", c.Name)
	}
	if c.Preserved[asm.GP]&(mask(c.GPArgs)|mask(c.GPReturn)) != 0 {
		return fmt.Errorf("%s: argument or return register marked preserved", c.Name)
	}
	if c.StackAlign != 0 && bits.OnesCount(uint(c.StackAlign)) != 1 {
		return fmt.Errorf("%s: stack alignment %d is not a power of two", c.Name, c.StackAlign)
	}
	if c.ShadowSpace%8 != 0 || c.ShadowSpace < 0 {
		return fmt.Errorf("%s: shadow space %d is not a multiple of 8", c.Name, c.ShadowSpace)
	}
	return nil
}

func regs(indices ...int) []uint8 {
	out := make([]uint8, len(indices))
	for i, r := range indices {
		out[i] = uint8(r)
	}
	return out
}

func set(indices ...int) uint32 {
	var m uint32
	for _, r := range indices {
		m |= 1 << r
	}
	return m
}

// SysV is the System V AMD64 convention.
var SysV = Convention{
	Name:           "sysv",
	GPArgs:         regs(asm.RDI, asm.RSI, asm.RDX, asm.RCX, asm.R8, asm.R9),
	XMMArgs:        regs(0, 1, 2, 3, 4, 5, 6, 7),
	StackAlign:     16,
	AlignedOnEntry: true,
	GPReturn:       regs(asm.RAX, asm.RDX),
	XMMReturn:      regs(0, 1),
	Preserved: [asm.NumBanks]uint32{
		asm.GP: set(asm.RBX, asm.RBP, asm.R12, asm.R13, asm.R14, asm.R15),
	},
}

// Win64 is the Microsoft x64 convention.
var Win64 = Convention{
	Name:           "win64",
	GPArgs:         regs(asm.RCX, asm.RDX, asm.R8, asm.R9),
	XMMArgs:        regs(0, 1, 2, 3),
	Positional:     true,
	ShadowSpace:    32,
	StackAlign:     16,
	AlignedOnEntry: true,
	GPReturn:       regs(asm.RAX),
	XMMReturn:      regs(0),
	Preserved: [asm.NumBanks]uint32{
		asm.GP:  set(asm.RBX, asm.RBP, asm.RDI, asm.RSI, asm.R12, asm.R13, asm.R14, asm.R15),
		asm.XMM: set(6, 7, 8, 9, 10, 11, 12, 13, 14, 15),
	},
}

// Fast2 passes two integer arguments in RCX and RDX, the rest on the
// stack, and the callee releases the stack arguments. It makes no stack
// alignment promise at entry.
var Fast2 = Convention{
	Name:       "fast2",
	GPArgs:     regs(asm.RCX, asm.RDX),
	StackAlign: 16,
	CalleePops: true,
	GPReturn:   regs(asm.RAX, asm.RDX),
	XMMReturn:  regs(0),
	Preserved: [asm.NumBanks]uint32{
		asm.GP: set(asm.RBX, asm.RBP, asm.RSI, asm.RDI, asm.R12, asm.R13, asm.R14, asm.R15),
	},
}
