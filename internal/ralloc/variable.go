package ralloc

import (
	"fmt"

	"github.com/tinyrange/ralloc/internal/asm"
	"github.com/tinyrange/ralloc/internal/ir"
)

// Placement is where a variable's current value lives.
type Placement uint8

const (
	Unused Placement = iota
	InRegister
	InMemory
)

func (p Placement) String() string {
	switch p {
	case Unused:
		return "unused"
	case InRegister:
		return "register"
	case InMemory:
		return "memory"
	default:
		return fmt.Sprintf("placement(%d)", uint8(p))
	}
}

// VarData is the allocator's record of one virtual variable.
type VarData struct {
	ID       ir.VarID
	Name     string
	Kind     ir.Kind
	Priority int
	// Hint is the preferred register index, or -1.
	Hint int
	// Mask restricts the registers of the bank; zero allows all.
	Mask uint32

	State Placement
	// Reg is the register index while State is InRegister, otherwise -1.
	Reg int
	// Home is the register the variable last occupied, or -1.
	Home  int
	Dirty bool

	// Slot is the spill slot, or -1 before the first spill. It stays
	// assigned after the variable dies so late reconciliation code still
	// finds it.
	Slot      int32
	slotFreed bool
	// ArgOffset locates a stack-passed parameter in the incoming argument
	// area, or -1.
	ArgOffset int

	// First and Last bound the live range in node offsets, -1 when the
	// variable is never referenced.
	First int
	Last  int
	// WorkOffset is the offset of the node currently using the variable.
	WorkOffset int

	RegRead, RegWrite, RegRW int
	MemRead, MemWrite, MemRW int
}

func newVarData(v *ir.Var) VarData {
	return VarData{
		ID:         v.ID,
		Name:       v.Name,
		Kind:       v.Kind,
		Priority:   v.Priority,
		Hint:       v.Hint,
		Mask:       v.Mask,
		Reg:        -1,
		Home:       -1,
		Slot:       -1,
		ArgOffset:  -1,
		First:      -1,
		Last:       -1,
		WorkOffset: -1,
	}
}

func (v *VarData) Bank() asm.Bank {
	return v.Kind.Bank()
}

// HasHome reports whether the variable owns memory it can be reloaded
// from.
func (v *VarData) HasHome() bool {
	return v.Slot >= 0 || v.ArgOffset >= 0
}

// allows reports whether register index is permitted by the mask.
func (v *VarData) allows(index int) bool {
	return v.Mask == 0 || v.Mask&(1<<index) != 0
}

// touch extends the live range to offset.
func (v *VarData) touch(offset int) {
	if v.First < 0 || offset < v.First {
		v.First = offset
	}
	if offset > v.Last {
		v.Last = offset
	}
}

func (v *VarData) countReg(a asm.Access) {
	switch a {
	case asm.Read:
		v.RegRead++
	case asm.Write:
		v.RegWrite++
	case asm.ReadWrite:
		v.RegRW++
	}
}

func (v *VarData) countMem(a asm.Access) {
	switch a {
	case asm.Read:
		v.MemRead++
	case asm.Write:
		v.MemWrite++
	case asm.ReadWrite:
		v.MemRW++
	}
}

// natural returns the register operand of the variable at its own width.
func (v *VarData) natural() asm.Reg {
	return v.sized(0)
}

func (v *VarData) sized(size uint8) asm.Reg {
	r := asm.BankReg(v.Bank(), v.Reg)
	switch {
	case size != 0 && v.Bank() == asm.GP:
		r.Size = size
	case v.Bank() == asm.GP:
		r.Size = uint8(v.Kind.Size())
	}
	return r
}

func (v *VarData) String() string {
	switch v.State {
	case InRegister:
		return fmt.Sprintf("%s(%s)", v.Name, v.natural())
	case InMemory:
		return fmt.Sprintf("%s(mem)", v.Name)
	}
	return v.Name
}
