package amd64

import (
	"fmt"

	"github.com/tinyrange/ralloc/internal/asm"
)

// ALU opcode extensions (ModRM.reg of the 0x80/0x81/0x83 group).
var aluExt = map[asm.Op]byte{
	asm.ADD: 0,
	asm.OR:  1,
	asm.ADC: 2,
	asm.SBB: 3,
	asm.AND: 4,
	asm.SUB: 5,
	asm.XOR: 6,
	asm.CMP: 7,
}

var shiftExt = map[asm.Op]byte{
	asm.ROL: 0,
	asm.ROR: 1,
	asm.SHL: 4,
	asm.SHR: 5,
	asm.SAR: 7,
}

// F7 group (F6 for byte operands) and FF group (FE for byte operands).
var unaryExt = map[asm.Op]struct {
	opcode, ext byte
}{
	asm.NOT:   {0xF7, 2},
	asm.NEG:   {0xF7, 3},
	asm.MUL:   {0xF7, 4},
	asm.IMUL3: {0xF7, 5},
	asm.DIV:   {0xF7, 6},
	asm.IDIV:  {0xF7, 7},
	asm.INC:   {0xFF, 0},
	asm.DEC:   {0xFF, 1},
}

var condCodes = map[asm.Op]byte{
	asm.JB:  0x2,
	asm.JAE: 0x3,
	asm.JE:  0x4,
	asm.JNE: 0x5,
	asm.JBE: 0x6,
	asm.JA:  0x7,
	asm.JS:  0x8,
	asm.JNS: 0x9,
	asm.JL:  0xC,
	asm.JGE: 0xD,
	asm.JLE: 0xE,
	asm.JG:  0xF,
}

type sseArith struct {
	prefix byte
	opcode byte
	mmx    bool
}

var sseArithOps = map[asm.Op]sseArith{
	asm.ADDSS:    {0xF3, 0x58, false},
	asm.ADDSD:    {0xF2, 0x58, false},
	asm.SUBSS:    {0xF3, 0x5C, false},
	asm.SUBSD:    {0xF2, 0x5C, false},
	asm.MULSS:    {0xF3, 0x59, false},
	asm.MULSD:    {0xF2, 0x59, false},
	asm.DIVSS:    {0xF3, 0x5E, false},
	asm.DIVSD:    {0xF2, 0x5E, false},
	asm.SQRTSS:   {0xF3, 0x51, false},
	asm.SQRTSD:   {0xF2, 0x51, false},
	asm.ADDPS:    {0x00, 0x58, false},
	asm.ADDPD:    {0x66, 0x58, false},
	asm.SUBPS:    {0x00, 0x5C, false},
	asm.SUBPD:    {0x66, 0x5C, false},
	asm.MULPS:    {0x00, 0x59, false},
	asm.MULPD:    {0x66, 0x59, false},
	asm.ANDPS:    {0x00, 0x54, false},
	asm.ANDPD:    {0x66, 0x54, false},
	asm.XORPS:    {0x00, 0x57, false},
	asm.XORPD:    {0x66, 0x57, false},
	asm.UCOMISS:  {0x00, 0x2E, false},
	asm.UCOMISD:  {0x66, 0x2E, false},
	asm.COMISD:   {0x66, 0x2F, false},
	asm.CVTSS2SD: {0xF3, 0x5A, false},
	asm.CVTSD2SS: {0xF2, 0x5A, false},
	asm.PXOR:     {0x66, 0xEF, true},
	asm.PAND:     {0x66, 0xDB, true},
	asm.PANDN:    {0x66, 0xDF, true},
	asm.POR:      {0x66, 0xEB, true},
	asm.PADDD:    {0x66, 0xFE, true},
	asm.PADDQ:    {0x66, 0xD4, true},
	asm.PSUBD:    {0x66, 0xFA, true},
	asm.PSUBQ:    {0x66, 0xFB, true},
	asm.PCMPEQB:  {0x66, 0x74, true},
	asm.PCMPEQD:  {0x66, 0x76, true},
	asm.PCMPGTB:  {0x66, 0x64, true},
	asm.PCMPGTD:  {0x66, 0x66, true},
}

type sseMove struct {
	prefix      byte
	load, store byte
}

var sseMoveOps = map[asm.Op]sseMove{
	asm.MOVSS:  {0xF3, 0x10, 0x11},
	asm.MOVSD:  {0xF2, 0x10, 0x11},
	asm.MOVAPS: {0x00, 0x28, 0x29},
	asm.MOVAPD: {0x66, 0x28, 0x29},
	asm.MOVUPS: {0x00, 0x10, 0x11},
	asm.MOVDQA: {0x66, 0x6F, 0x7F},
	asm.MOVDQU: {0xF3, 0x6F, 0x7F},
}

// encode returns the machine code for a non-branch instruction.
func encode(op asm.Op, ops []asm.Operand) ([]byte, error) {
	if ext, ok := aluExt[op]; ok {
		return encodeALU(ext, ops[0], ops[1])
	}
	if ext, ok := shiftExt[op]; ok {
		return encodeShift(ext, ops[0], ops[1])
	}
	if u, ok := unaryExt[op]; ok {
		return encodeUnary(op, u.opcode, u.ext, ops)
	}
	if a, ok := sseArithOps[op]; ok {
		return encodeSSEArith(a, ops[0], ops[1])
	}
	if m, ok := sseMoveOps[op]; ok {
		return encodeSSEMove(m, ops[0], ops[1])
	}

	switch op {
	case asm.MOV:
		return encodeMov(ops[0], ops[1])
	case asm.MOVZX, asm.MOVSX:
		return encodeExtend(op, ops[0], ops[1])
	case asm.MOVSXD:
		dst, ok := gpReg(ops[0])
		if !ok || dst.Size != 8 || !isRM(ops[1], asm.GP) {
			return nil, fmt.Errorf("movsxd needs a 64-bit destination and a 32-bit source")
		}
		f, err := regForm(0, true, dst, 0x63)
		if err != nil {
			return nil, err
		}
		return f.encode(ops[1], nil)
	case asm.LEA:
		dst, ok := gpReg(ops[0])
		mem, isMem := ops[1].(asm.Mem)
		if !ok || !isMem || dst.Size < 4 {
			return nil, fmt.Errorf("lea needs a 32- or 64-bit register and a memory operand")
		}
		f, err := regForm(0, dst.Size == 8, dst, 0x8D)
		if err != nil {
			return nil, err
		}
		return f.encode(mem, nil)
	case asm.XCHG:
		return encodeXchg(ops[0], ops[1])
	case asm.TEST:
		return encodeTest(ops[0], ops[1])
	case asm.IMUL:
		return encodeImul(ops)
	case asm.CQO, asm.CDQ:
		if err := expectRegs(op, ops, asm.RDX, asm.RAX); err != nil {
			return nil, err
		}
		if op == asm.CQO {
			return []byte{0x48, 0x99}, nil
		}
		return []byte{0x99}, nil
	case asm.CBW:
		if err := expectRegs(op, ops, asm.RAX); err != nil {
			return nil, err
		}
		return []byte{0x66, 0x98}, nil
	case asm.CWDE:
		if err := expectRegs(op, ops, asm.RAX); err != nil {
			return nil, err
		}
		return []byte{0x98}, nil
	case asm.CDQE:
		if err := expectRegs(op, ops, asm.RAX); err != nil {
			return nil, err
		}
		return []byte{0x48, 0x98}, nil
	case asm.BSWAP:
		r, ok := gpReg(ops[0])
		if !ok || r.Size < 4 {
			return nil, fmt.Errorf("bswap needs a 32- or 64-bit register")
		}
		return opcodeReg(0, r.Size == 8, r, nil, 0x0F, 0xC8)
	case asm.CMPXCHG:
		if err := expectReg(op, ops[2], asm.RAX); err != nil {
			return nil, err
		}
		src, ok := gpReg(ops[1])
		if !ok {
			return nil, fmt.Errorf("cmpxchg source must be a register")
		}
		pfx, w, err := sizePrefix(src.Size)
		if err != nil {
			return nil, err
		}
		opcode := byte(0xB1)
		if src.Size == 1 {
			opcode = 0xB0
		}
		f, err := regForm(pfx, w, src, 0x0F, opcode)
		if err != nil {
			return nil, err
		}
		return f.encode(ops[0], nil)
	case asm.REP_MOVSB:
		if err := expectRegs(op, ops, asm.RDI, asm.RSI, asm.RCX); err != nil {
			return nil, err
		}
		return []byte{0xF3, 0xA4}, nil
	case asm.REP_STOSB:
		if err := expectRegs(op, ops, asm.RDI, asm.RAX, asm.RCX); err != nil {
			return nil, err
		}
		return []byte{0xF3, 0xAA}, nil
	case asm.PUSH:
		return encodePush(ops[0])
	case asm.POP:
		r, ok := gpReg(ops[0])
		if !ok {
			if mem, isMem := ops[0].(asm.Mem); isMem {
				return extForm(0, false, 0, 0x8F).encode(mem, nil)
			}
			return nil, fmt.Errorf("pop needs a register or memory operand")
		}
		return opcodeReg(0, false, r.Sized(8), nil, 0x58)
	case asm.RET:
		if len(ops) == 0 {
			return []byte{0xC3}, nil
		}
		n, ok := ops[0].(asm.Imm)
		if !ok || n < 0 || n > 0xFFFF {
			return nil, fmt.Errorf("ret operand must be a 16-bit immediate")
		}
		if n == 0 {
			return []byte{0xC3}, nil
		}
		return append([]byte{0xC2}, le16(int64(n))...), nil
	case asm.CALL:
		return extForm(0, false, 2, 0xFF).encode(ops[0], nil)
	case asm.JMP:
		return extForm(0, false, 4, 0xFF).encode(ops[0], nil)
	case asm.MOVD, asm.MOVQ:
		return encodeMovDQ(op == asm.MOVQ, ops[0], ops[1])
	case asm.CVTSI2SD:
		dst, ok := ops[0].(asm.Reg)
		if !ok || dst.Bank != asm.XMM || !isRM(ops[1], asm.GP) {
			return nil, fmt.Errorf("cvtsi2sd needs an xmm destination and an integer source")
		}
		size, err := operandSize(ops[1], nil)
		if err != nil {
			return nil, err
		}
		f, err := regForm(0xF2, size == 8, dst, 0x0F, 0x2A)
		if err != nil {
			return nil, err
		}
		return f.encode(ops[1], nil)
	case asm.CVTTSD2SI:
		dst, ok := gpReg(ops[0])
		if !ok || dst.Size < 4 || !isRM(ops[1], asm.XMM) {
			return nil, fmt.Errorf("cvttsd2si needs an integer destination and an xmm source")
		}
		f, err := regForm(0xF2, dst.Size == 8, dst, 0x0F, 0x2C)
		if err != nil {
			return nil, err
		}
		return f.encode(ops[1], nil)
	case asm.EMMS:
		return []byte{0x0F, 0x77}, nil
	}
	return nil, fmt.Errorf("no encoding for %s", op)
}

func expectReg(op asm.Op, o asm.Operand, index int) error {
	r, ok := gpReg(o)
	if !ok || int(r.Index) != index {
		return fmt.Errorf("%s requires %s, got %s", op, asm.R64(index), asm.FormatOperand(o))
	}
	return nil
}

func expectRegs(op asm.Op, ops []asm.Operand, indices ...int) error {
	for i, idx := range indices {
		if err := expectReg(op, ops[i], idx); err != nil {
			return err
		}
	}
	return nil
}

func encodeMov(dst, src asm.Operand) ([]byte, error) {
	size, err := operandSize(dst, src)
	if err != nil {
		return nil, err
	}
	pfx, w, err := sizePrefix(size)
	if err != nil {
		return nil, err
	}

	if d, ok := dst.(asm.Reg); ok && d.Bank != asm.GP {
		return nil, fmt.Errorf("mov cannot target %s", d)
	}

	switch s := src.(type) {
	case asm.Reg:
		if s.Bank != asm.GP {
			return nil, fmt.Errorf("mov cannot read %s", s)
		}
		if d, ok := dst.(asm.Reg); ok && d.Size != s.Size {
			return nil, fmt.Errorf("mismatched register widths: %d vs %d", d.Size, s.Size)
		}
		opcode := byte(0x89)
		if size == 1 {
			opcode = 0x88
		}
		f, err := regForm(pfx, w, s, opcode)
		if err != nil {
			return nil, err
		}
		return f.encode(dst, nil)
	case asm.Mem:
		d, ok := gpReg(dst)
		if !ok {
			return nil, fmt.Errorf("mov from memory needs a register destination")
		}
		opcode := byte(0x8B)
		if size == 1 {
			opcode = 0x8A
		}
		f, err := regForm(pfx, w, d, opcode)
		if err != nil {
			return nil, err
		}
		return f.encode(s, nil)
	case asm.Imm:
		v := int64(s)
		if d, ok := dst.(asm.Reg); ok {
			switch size {
			case 8:
				if fitsInt32(v) {
					return extForm(0, true, 0, 0xC7).encode(d, le32(v))
				}
				return opcodeReg(0, true, d, le64(v), 0xB8)
			case 4:
				return opcodeReg(0, false, d, le32(v), 0xB8)
			case 2:
				return opcodeReg(0x66, false, d, le16(v), 0xB8)
			default:
				return opcodeReg(0, false, d, []byte{byte(v)}, 0xB0)
			}
		}
		if !fitsInt32(v) {
			return nil, fmt.Errorf("immediate %d does not fit a memory store", v)
		}
		switch size {
		case 1:
			return extForm(0, false, 0, 0xC6).encode(dst, []byte{byte(v)})
		case 2:
			return extForm(0x66, false, 0, 0xC7).encode(dst, le16(v))
		default:
			return extForm(0, w, 0, 0xC7).encode(dst, le32(v))
		}
	case asm.Slot:
		return nil, fmt.Errorf("unresolved frame slot %s", s)
	}
	return nil, fmt.Errorf("unsupported mov source %s", asm.FormatOperand(src))
}

func encodeExtend(op asm.Op, dst, src asm.Operand) ([]byte, error) {
	d, ok := gpReg(dst)
	if !ok || d.Size < 2 {
		return nil, fmt.Errorf("%s needs a 16-, 32- or 64-bit destination", op)
	}
	var srcSize uint8
	switch s := src.(type) {
	case asm.Reg:
		srcSize = s.Size
	case asm.Mem:
		srcSize = s.Size
	}
	if srcSize != 1 && srcSize != 2 {
		return nil, fmt.Errorf("%s supports 8- or 16-bit sources, got %d bytes", op, srcSize)
	}
	pfx, w, err := sizePrefix(d.Size)
	if err != nil {
		return nil, err
	}
	second := byte(0xB6)
	if op == asm.MOVSX {
		second = 0xBE
	}
	if srcSize == 2 {
		second++
	}
	f, err := regForm(pfx, w, d, 0x0F, second)
	if err != nil {
		return nil, err
	}
	return f.encode(src, nil)
}

func encodeALU(ext byte, dst, src asm.Operand) ([]byte, error) {
	size, err := operandSize(dst, src)
	if err != nil {
		return nil, err
	}
	pfx, w, err := sizePrefix(size)
	if err != nil {
		return nil, err
	}

	switch s := src.(type) {
	case asm.Reg:
		if s.Bank != asm.GP {
			return nil, fmt.Errorf("alu source %s is not a general purpose register", s)
		}
		opcode := ext*8 + 1
		if size == 1 {
			opcode = ext * 8
		}
		f, err := regForm(pfx, w, s, opcode)
		if err != nil {
			return nil, err
		}
		return f.encode(dst, nil)
	case asm.Mem:
		d, ok := gpReg(dst)
		if !ok {
			return nil, fmt.Errorf("alu with a memory source needs a register destination")
		}
		opcode := ext*8 + 3
		if size == 1 {
			opcode = ext*8 + 2
		}
		f, err := regForm(pfx, w, d, opcode)
		if err != nil {
			return nil, err
		}
		return f.encode(s, nil)
	case asm.Imm:
		v := int64(s)
		if !fitsInt32(v) {
			return nil, fmt.Errorf("immediate %d does not fit 32 bits", v)
		}
		switch {
		case size == 1:
			return extForm(pfx, w, ext, 0x80).encode(dst, []byte{byte(v)})
		case fitsInt8(v):
			return extForm(pfx, w, ext, 0x83).encode(dst, []byte{byte(v)})
		case size == 2:
			return extForm(pfx, w, ext, 0x81).encode(dst, le16(v))
		default:
			return extForm(pfx, w, ext, 0x81).encode(dst, le32(v))
		}
	}
	return nil, fmt.Errorf("unsupported alu source %s", asm.FormatOperand(src))
}

func encodeTest(dst, src asm.Operand) ([]byte, error) {
	if _, isMem := src.(asm.Mem); isMem {
		dst, src = src, dst
	}
	size, err := operandSize(dst, src)
	if err != nil {
		return nil, err
	}
	pfx, w, err := sizePrefix(size)
	if err != nil {
		return nil, err
	}
	switch s := src.(type) {
	case asm.Reg:
		opcode := byte(0x85)
		if size == 1 {
			opcode = 0x84
		}
		f, err := regForm(pfx, w, s, opcode)
		if err != nil {
			return nil, err
		}
		return f.encode(dst, nil)
	case asm.Imm:
		v := int64(s)
		switch size {
		case 1:
			return extForm(pfx, w, 0, 0xF6).encode(dst, []byte{byte(v)})
		case 2:
			return extForm(pfx, w, 0, 0xF7).encode(dst, le16(v))
		default:
			if !fitsInt32(v) {
				return nil, fmt.Errorf("immediate %d does not fit 32 bits", v)
			}
			return extForm(pfx, w, 0, 0xF7).encode(dst, le32(v))
		}
	}
	return nil, fmt.Errorf("unsupported test operand %s", asm.FormatOperand(src))
}

func encodeXchg(a, b asm.Operand) ([]byte, error) {
	if _, isMem := b.(asm.Mem); isMem {
		a, b = b, a
	}
	r, ok := gpReg(b)
	if !ok {
		return nil, fmt.Errorf("xchg needs a general purpose register operand")
	}
	if ar, isReg := a.(asm.Reg); isReg && ar.Size != r.Size {
		return nil, fmt.Errorf("mismatched register widths: %d vs %d", ar.Size, r.Size)
	}
	pfx, w, err := sizePrefix(r.Size)
	if err != nil {
		return nil, err
	}
	opcode := byte(0x87)
	if r.Size == 1 {
		opcode = 0x86
	}
	f, err := regForm(pfx, w, r, opcode)
	if err != nil {
		return nil, err
	}
	return f.encode(a, nil)
}

func encodeUnary(op asm.Op, opcode, ext byte, ops []asm.Operand) ([]byte, error) {
	target := ops[len(ops)-1]
	if op == asm.MUL || op == asm.IMUL3 || op == asm.DIV || op == asm.IDIV {
		if err := expectRegs(op, ops, asm.RDX, asm.RAX); err != nil {
			return nil, err
		}
		if _, isImm := target.(asm.Imm); isImm {
			return nil, fmt.Errorf("%s source cannot be an immediate", op)
		}
	}
	size, err := operandSize(target, nil)
	if err != nil {
		return nil, err
	}
	pfx, w, err := sizePrefix(size)
	if err != nil {
		return nil, err
	}
	if size == 1 {
		opcode--
	}
	return extForm(pfx, w, ext, opcode).encode(target, nil)
}

func encodeImul(ops []asm.Operand) ([]byte, error) {
	dst, ok := gpReg(ops[0])
	if !ok || dst.Size < 2 {
		return nil, fmt.Errorf("imul needs a 16-, 32- or 64-bit register destination")
	}
	pfx, w, err := sizePrefix(dst.Size)
	if err != nil {
		return nil, err
	}
	if len(ops) == 2 {
		if imm, isImm := ops[1].(asm.Imm); isImm {
			ops = []asm.Operand{dst, dst, imm}
		} else {
			f, err := regForm(pfx, w, dst, 0x0F, 0xAF)
			if err != nil {
				return nil, err
			}
			return f.encode(ops[1], nil)
		}
	}
	imm, ok := ops[2].(asm.Imm)
	if !ok || !fitsInt32(int64(imm)) {
		return nil, fmt.Errorf("imul third operand must be a 32-bit immediate")
	}
	v := int64(imm)
	if fitsInt8(v) {
		f, err := regForm(pfx, w, dst, 0x6B)
		if err != nil {
			return nil, err
		}
		return f.encode(ops[1], []byte{byte(v)})
	}
	f, err := regForm(pfx, w, dst, 0x69)
	if err != nil {
		return nil, err
	}
	if dst.Size == 2 {
		return f.encode(ops[1], le16(v))
	}
	return f.encode(ops[1], le32(v))
}

func encodeShift(ext byte, dst, count asm.Operand) ([]byte, error) {
	size, err := operandSize(dst, nil)
	if err != nil {
		return nil, err
	}
	pfx, w, err := sizePrefix(size)
	if err != nil {
		return nil, err
	}
	byteOp := byte(0)
	if size == 1 {
		byteOp = 1
	}
	switch c := count.(type) {
	case asm.Imm:
		if c < 0 || c > 63 {
			return nil, fmt.Errorf("shift count %d out of range", c)
		}
		if c == 1 {
			return extForm(pfx, w, ext, 0xD1-byteOp).encode(dst, nil)
		}
		return extForm(pfx, w, ext, 0xC1-byteOp).encode(dst, []byte{byte(c)})
	case asm.Reg:
		if c.Bank != asm.GP || c.Index != asm.RCX {
			return nil, fmt.Errorf("shift count register must be cl, got %s", c)
		}
		return extForm(pfx, w, ext, 0xD3-byteOp).encode(dst, nil)
	}
	return nil, fmt.Errorf("unsupported shift count %s", asm.FormatOperand(count))
}

func encodePush(o asm.Operand) ([]byte, error) {
	switch v := o.(type) {
	case asm.Reg:
		if v.Bank != asm.GP {
			return nil, fmt.Errorf("push needs a general purpose register")
		}
		return opcodeReg(0, false, v.Sized(8), nil, 0x50)
	case asm.Imm:
		if fitsInt8(int64(v)) {
			return []byte{0x6A, byte(v)}, nil
		}
		if !fitsInt32(int64(v)) {
			return nil, fmt.Errorf("push immediate %d does not fit 32 bits", v)
		}
		return append([]byte{0x68}, le32(int64(v))...), nil
	case asm.Mem:
		return extForm(0, false, 6, 0xFF).encode(v, nil)
	}
	return nil, fmt.Errorf("unsupported push operand %s", asm.FormatOperand(o))
}

func encodeSSEArith(a sseArith, dst, src asm.Operand) ([]byte, error) {
	d, ok := dst.(asm.Reg)
	if !ok {
		return nil, fmt.Errorf("destination must be a register")
	}
	prefix := a.prefix
	switch {
	case d.Bank == asm.XMM:
	case d.Bank == asm.MM && a.mmx:
		prefix = 0
	default:
		return nil, fmt.Errorf("destination %s is not a vector register", d)
	}
	if !isRM(src, d.Bank) {
		return nil, fmt.Errorf("source %s does not match %s", asm.FormatOperand(src), d)
	}
	f, err := regForm(prefix, false, d, 0x0F, a.opcode)
	if err != nil {
		return nil, err
	}
	return f.encode(src, nil)
}

func encodeSSEMove(m sseMove, dst, src asm.Operand) ([]byte, error) {
	if d, ok := dst.(asm.Reg); ok {
		if d.Bank != asm.XMM || !isRM(src, asm.XMM) {
			return nil, fmt.Errorf("operands must be xmm registers or memory")
		}
		f, err := regForm(m.prefix, false, d, 0x0F, m.load)
		if err != nil {
			return nil, err
		}
		return f.encode(src, nil)
	}
	s, ok := src.(asm.Reg)
	if !ok || s.Bank != asm.XMM {
		return nil, fmt.Errorf("store source must be an xmm register")
	}
	f, err := regForm(m.prefix, false, s, 0x0F, m.store)
	if err != nil {
		return nil, err
	}
	return f.encode(dst, nil)
}

// encodeMovDQ covers the movd/movq forms between general purpose, mm and
// xmm registers and memory.
func encodeMovDQ(quad bool, dst, src asm.Operand) ([]byte, error) {
	d, dReg := dst.(asm.Reg)
	s, sReg := src.(asm.Reg)

	vec := func(r asm.Reg) bool { return r.Bank == asm.MM || r.Bank == asm.XMM }
	sse := func(r asm.Reg) byte {
		if r.Bank == asm.XMM {
			return 0x66
		}
		return 0
	}

	switch {
	case dReg && vec(d) && sReg && s.Bank == asm.GP:
		f, err := regForm(sse(d), quad, d, 0x0F, 0x6E)
		if err != nil {
			return nil, err
		}
		return f.encode(s, nil)
	case dReg && d.Bank == asm.GP && sReg && vec(s):
		f, err := regForm(sse(s), quad, s, 0x0F, 0x7E)
		if err != nil {
			return nil, err
		}
		return f.encode(d, nil)
	case quad && dReg && d.Bank == asm.XMM && isRM(src, asm.XMM):
		f, err := regForm(0xF3, false, d, 0x0F, 0x7E)
		if err != nil {
			return nil, err
		}
		return f.encode(src, nil)
	case quad && dReg && d.Bank == asm.MM && isRM(src, asm.MM):
		f, err := regForm(0, false, d, 0x0F, 0x6F)
		if err != nil {
			return nil, err
		}
		return f.encode(src, nil)
	case quad && !dReg && sReg && s.Bank == asm.XMM:
		f, err := regForm(0x66, false, s, 0x0F, 0xD6)
		if err != nil {
			return nil, err
		}
		return f.encode(dst, nil)
	case quad && !dReg && sReg && s.Bank == asm.MM:
		f, err := regForm(0, false, s, 0x0F, 0x7F)
		if err != nil {
			return nil, err
		}
		return f.encode(dst, nil)
	case !quad && dReg && vec(d):
		f, err := regForm(sse(d), false, d, 0x0F, 0x6E)
		if err != nil {
			return nil, err
		}
		return f.encode(src, nil)
	case !quad && !dReg && sReg && vec(s):
		f, err := regForm(sse(s), false, s, 0x0F, 0x7E)
		if err != nil {
			return nil, err
		}
		return f.encode(dst, nil)
	}
	return nil, fmt.Errorf("unsupported movd/movq form %s, %s", asm.FormatOperand(dst), asm.FormatOperand(src))
}
