package ir

import (
	"fmt"
	"strings"
)

// VarID names a virtual variable within one Function. Zero is never a
// valid variable.
type VarID uint32

// LabelID names a branch target within one Function.
type LabelID uint32

// Operand is an argument of an abstract instruction.
type Operand interface {
	isOperand()
}

// VarRef uses a variable's value in a register. Size narrows the access;
// zero means the natural width of the variable's kind.
type VarRef struct {
	ID   VarID
	Size uint8
}

// VarMem addresses a variable's memory home directly.
type VarMem struct {
	ID   VarID
	Size uint8
}

// Mem is a memory reference whose base and index are variables.
type Mem struct {
	Base  VarID
	Index VarID
	Scale uint8
	Disp  int32
	Size  uint8
}

type Imm int64

// LabelRef is a label used as an operand (a call target).
type LabelRef LabelID

func (VarRef) isOperand()   {}
func (VarMem) isOperand()   {}
func (Mem) isOperand()      {}
func (Imm) isOperand()      {}
func (LabelRef) isOperand() {}

var (
	_ Operand = VarRef{}
	_ Operand = VarMem{}
	_ Operand = Mem{}
	_ Operand = Imm(0)
	_ Operand = LabelRef(0)
)

// V is shorthand for a full-width register use of id.
func V(id VarID) VarRef {
	return VarRef{ID: id}
}

// Vars calls fn for every variable the operand mentions.
func Vars(o Operand, fn func(VarID)) {
	switch o := o.(type) {
	case VarRef:
		fn(o.ID)
	case VarMem:
		fn(o.ID)
	case Mem:
		if o.Base != 0 {
			fn(o.Base)
		}
		if o.Index != 0 {
			fn(o.Index)
		}
	}
}

func (f *Function) formatOperand(o Operand) string {
	name := func(id VarID) string {
		if v := f.Var(id); v != nil {
			return v.Name
		}
		return fmt.Sprintf("v%d", id)
	}
	prefix := func(size uint8) string {
		for word, n := range sizePrefixes {
			if n == size {
				return word + " "
			}
		}
		return ""
	}
	switch o := o.(type) {
	case VarRef:
		return prefix(o.Size) + name(o.ID)
	case VarMem:
		return prefix(o.Size) + "[" + name(o.ID) + "]"
	case Mem:
		var b strings.Builder
		b.WriteString(prefix(o.Size))
		b.WriteString("[")
		if o.Base != 0 {
			b.WriteString(name(o.Base))
		}
		if o.Index != 0 {
			if o.Base != 0 {
				b.WriteString("+")
			}
			fmt.Fprintf(&b, "%s*%d", name(o.Index), o.Scale)
		}
		if o.Disp != 0 || (o.Base == 0 && o.Index == 0) {
			fmt.Fprintf(&b, "%+d", o.Disp)
		}
		b.WriteString("]")
		return b.String()
	case Imm:
		return fmt.Sprintf("%d", int64(o))
	case LabelRef:
		return f.LabelName(LabelID(o))
	}
	return fmt.Sprintf("%v", o)
}
