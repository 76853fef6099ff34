package asm

import (
	"fmt"
	"sort"
)

// Emitter is the encoder collaborator. Instructions are appended in order;
// labels may be referenced before they are bound.
type Emitter interface {
	Emit(op Op, operands ...Operand) error
	Bind(label Label) error
	NewLabel() Label
}

// Operand is one argument of an instruction: Reg, Mem, Slot, Imm or Label.
type Operand interface {
	isOperand()
}

type Imm int64

var (
	_ Operand = Imm(0)
)

func (Imm) isOperand() {}

// Label identifies a position in an instruction stream. The zero value is
// never handed out.
type Label uint32

var (
	_ Operand = Label(0)
)

func (Label) isOperand() {}

// Bank is a physical register file.
type Bank uint8

const (
	GP Bank = iota
	MM
	XMM

	NumBanks
)

var bankCounts = [NumBanks]int{16, 8, 16}

// Count returns the number of registers in the bank.
func (b Bank) Count() int {
	if b >= NumBanks {
		return 0
	}
	return bankCounts[b]
}

func (b Bank) String() string {
	switch b {
	case GP:
		return "gp"
	case MM:
		return "mm"
	case XMM:
		return "xmm"
	default:
		return fmt.Sprintf("bank(%d)", uint8(b))
	}
}

// General purpose register indices in hardware encoding order.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// Reg is a physical register viewed at a given width in bytes.
type Reg struct {
	Bank  Bank
	Index uint8
	Size  uint8
}

var (
	_ Operand = Reg{}
)

func (Reg) isOperand() {}

func R64(index int) Reg { return Reg{Bank: GP, Index: uint8(index), Size: 8} }
func R32(index int) Reg { return Reg{Bank: GP, Index: uint8(index), Size: 4} }
func R16(index int) Reg { return Reg{Bank: GP, Index: uint8(index), Size: 2} }
func R8B(index int) Reg { return Reg{Bank: GP, Index: uint8(index), Size: 1} }

func MMReg(index int) Reg  { return Reg{Bank: MM, Index: uint8(index), Size: 8} }
func XMMReg(index int) Reg { return Reg{Bank: XMM, Index: uint8(index), Size: 16} }

// BankReg returns the natural-width register of the bank.
func BankReg(bank Bank, index int) Reg {
	switch bank {
	case MM:
		return MMReg(index)
	case XMM:
		return XMMReg(index)
	default:
		return R64(index)
	}
}

// Sized returns the same register viewed at a different width.
func (r Reg) Sized(size uint8) Reg {
	r.Size = size
	return r
}

// Mem is a base + index*scale + disp memory reference. Size is the access
// width in bytes; zero means it follows the register operand.
type Mem struct {
	Base     Reg
	Index    Reg
	Scale    uint8
	Disp     int32
	Size     uint8
	HasBase  bool
	HasIndex bool
}

var (
	_ Operand = Mem{}
)

func (Mem) isOperand() {}

// MemAt returns [base+disp].
func MemAt(base Reg, disp int32, size uint8) Mem {
	return Mem{Base: base.Sized(8), Disp: disp, Size: size, HasBase: true}
}

// MemIndex returns [base+index*scale+disp].
func MemIndex(base, index Reg, scale uint8, disp int32, size uint8) Mem {
	return Mem{
		Base:     base.Sized(8),
		Index:    index.Sized(8),
		Scale:    scale,
		Disp:     disp,
		Size:     size,
		HasBase:  true,
		HasIndex: true,
	}
}

// Validate checks the register banks and scale of the reference.
func (m Mem) Validate() error {
	if m.HasBase && m.Base.Bank != GP {
		return fmt.Errorf("memory base must be a general purpose register")
	}
	if m.HasIndex {
		if m.Index.Bank != GP {
			return fmt.Errorf("memory index must be a general purpose register")
		}
		if m.Index.Index == RSP {
			return fmt.Errorf("rsp cannot be used as an index register")
		}
		switch m.Scale {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("invalid scale %d", m.Scale)
		}
	}
	return nil
}

// Area names the frame region a Slot lives in.
type Area uint8

const (
	// SpillArea holds variable memory homes handed out by the slot pool.
	SpillArea Area = iota
	// ArgArea is the caller-owned incoming stack argument area.
	ArgArea
)

// Slot is a frame reference whose final address is only known once the
// frame has been laid out. ID is a pool slot for SpillArea and a byte
// offset for ArgArea.
type Slot struct {
	Area Area
	ID   int32
	Disp int32
	Size uint8
}

var (
	_ Operand = Slot{}
)

func (Slot) isOperand() {}

// Program is a finished, label-resolved machine code buffer.
type Program struct {
	code   []byte
	labels map[Label]int
}

func NewProgram(code []byte, labels map[Label]int) Program {
	p := Program{code: append([]byte(nil), code...)}
	if len(labels) > 0 {
		p.labels = make(map[Label]int, len(labels))
		for l, off := range labels {
			p.labels[l] = off
		}
	}
	return p
}

func (p Program) Bytes() []byte {
	return p.code
}

func (p Program) Len() int {
	return len(p.code)
}

// LabelOffset returns the byte offset a label was bound to.
func (p Program) LabelOffset(l Label) (int, bool) {
	off, ok := p.labels[l]
	return off, ok
}

// Labels returns the bound labels ordered by offset.
func (p Program) Labels() []Label {
	out := make([]Label, 0, len(p.labels))
	for l := range p.labels {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if p.labels[out[i]] == p.labels[out[j]] {
			return out[i] < out[j]
		}
		return p.labels[out[i]] < p.labels[out[j]]
	})
	return out
}

func (p Program) Clone() Program {
	return NewProgram(p.code, p.labels)
}
