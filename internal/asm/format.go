package asm

import (
	"fmt"
	"strconv"
	"strings"
)

var (
	gpNames = [4][16]string{
		{"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil", "r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b"},
		{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di", "r8w", "r9w", "r10w", "r11w", "r12w", "r13w", "r14w", "r15w"},
		{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi", "r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d"},
		{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi", "r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"},
	}
	sizeNames = map[uint8]string{1: "byte", 2: "word", 4: "dword", 8: "qword", 16: "xmmword"}
)

func sizeRow(size uint8) int {
	switch size {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	default:
		return 3
	}
}

func (r Reg) String() string {
	switch r.Bank {
	case GP:
		if int(r.Index) < 16 {
			return gpNames[sizeRow(r.Size)][r.Index]
		}
	case MM:
		return "mm" + strconv.Itoa(int(r.Index))
	case XMM:
		return "xmm" + strconv.Itoa(int(r.Index))
	}
	return fmt.Sprintf("%s%d", r.Bank, r.Index)
}

func (i Imm) String() string {
	if i < 0 || i > 9 {
		if i < 0 {
			return "-0x" + strconv.FormatUint(uint64(-i), 16)
		}
		return "0x" + strconv.FormatUint(uint64(i), 16)
	}
	return strconv.FormatInt(int64(i), 10)
}

func (l Label) String() string {
	return "L" + strconv.FormatUint(uint64(l), 10)
}

func formatDisp(b *strings.Builder, disp int32, first bool) {
	switch {
	case disp < 0:
		fmt.Fprintf(b, "-0x%x", -int64(disp))
	case disp > 0 || first:
		if !first {
			b.WriteString("+")
		}
		fmt.Fprintf(b, "0x%x", disp)
	}
}

func (m Mem) String() string {
	var b strings.Builder
	if name, ok := sizeNames[m.Size]; ok {
		b.WriteString(name)
		b.WriteString(" ")
	}
	b.WriteString("[")
	first := true
	if m.HasBase {
		b.WriteString(m.Base.Sized(8).String())
		first = false
	}
	if m.HasIndex {
		if !first {
			b.WriteString("+")
		}
		b.WriteString(m.Index.Sized(8).String())
		if m.Scale > 1 {
			fmt.Fprintf(&b, "*%d", m.Scale)
		}
		first = false
	}
	formatDisp(&b, m.Disp, first)
	b.WriteString("]")
	return b.String()
}

func (s Slot) String() string {
	var b strings.Builder
	if name, ok := sizeNames[s.Size]; ok {
		b.WriteString(name)
		b.WriteString(" ")
	}
	switch s.Area {
	case ArgArea:
		fmt.Fprintf(&b, "[arg+0x%x", s.ID)
	default:
		fmt.Fprintf(&b, "[spill%d", s.ID)
	}
	formatDisp(&b, s.Disp, false)
	b.WriteString("]")
	return b.String()
}

// FormatOperand renders a single operand in Intel syntax.
func FormatOperand(o Operand) string {
	if s, ok := o.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", o)
}

// Format renders an instruction in Intel syntax. Label binds render as
// "L<n>:".
func Format(inst Inst) string {
	if inst.Op == BIND && len(inst.Operands) == 1 {
		return FormatOperand(inst.Operands[0]) + ":"
	}
	if len(inst.Operands) == 0 {
		return inst.Op.String()
	}
	parts := make([]string, len(inst.Operands))
	for i, o := range inst.Operands {
		parts[i] = FormatOperand(o)
	}
	return inst.Op.String() + " " + strings.Join(parts, ", ")
}

// ParseReg parses a register name such as rax, r10d, mm3 or xmm12.
func ParseReg(name string) (Reg, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for row, names := range gpNames {
		for idx, n := range names {
			if n == name {
				return Reg{Bank: GP, Index: uint8(idx), Size: uint8(1 << row)}, nil
			}
		}
	}
	for _, prefix := range []struct {
		name string
		bank Bank
	}{{"xmm", XMM}, {"mm", MM}} {
		if rest, ok := strings.CutPrefix(name, prefix.name); ok {
			idx, err := strconv.Atoi(rest)
			if err != nil || idx < 0 || idx >= prefix.bank.Count() {
				break
			}
			return BankReg(prefix.bank, idx), nil
		}
	}
	return Reg{}, fmt.Errorf("unknown register %q", name)
}
