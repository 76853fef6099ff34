package interp

import (
	"fmt"
	"math/bits"

	"github.com/tinyrange/ralloc/internal/asm"
)

func sizeMask(size uint8) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(uint(size)*8) - 1
}

func signBit(size uint8) uint64 {
	return 1 << (uint(size)*8 - 1)
}

func sext(v uint64, size uint8) int64 {
	shift := 64 - uint(size)*8
	return int64(v<<shift) >> shift
}

func operandSize(o asm.Operand) uint8 {
	switch o := o.(type) {
	case asm.Reg:
		return o.Size
	case asm.Mem:
		return o.Size
	}
	return 0
}

// widthOf picks the access width of an instruction from its operands.
func widthOf(ops ...asm.Operand) (uint8, error) {
	for _, o := range ops {
		if s := operandSize(o); s != 0 {
			return s, nil
		}
	}
	return 0, fmt.Errorf("operand width unknown")
}

func (m *Machine) readInt(o asm.Operand, size uint8) (uint64, error) {
	switch o := o.(type) {
	case asm.Reg:
		if o.Bank != asm.GP {
			return 0, fmt.Errorf("%s is not a general purpose register", o)
		}
		return m.GP[o.Index] & sizeMask(size), nil
	case asm.Imm:
		return uint64(o) & sizeMask(size), nil
	case asm.Mem:
		return m.load(m.Address(o), size)
	case asm.Slot:
		return 0, fmt.Errorf("unresolved frame slot %s", o)
	}
	return 0, fmt.Errorf("cannot read %s", asm.FormatOperand(o))
}

func (m *Machine) writeInt(o asm.Operand, size uint8, v uint64) error {
	switch o := o.(type) {
	case asm.Reg:
		if o.Bank != asm.GP {
			return fmt.Errorf("%s is not a general purpose register", o)
		}
		switch size {
		case 8:
			m.GP[o.Index] = v
		case 4:
			m.GP[o.Index] = v & 0xffffffff
		default:
			mask := sizeMask(size)
			m.GP[o.Index] = m.GP[o.Index]&^mask | v&mask
		}
		return nil
	case asm.Mem:
		return m.store(m.Address(o), size, v)
	case asm.Slot:
		return fmt.Errorf("unresolved frame slot %s", o)
	}
	return fmt.Errorf("cannot write %s", asm.FormatOperand(o))
}

func (m *Machine) setResultFlags(r uint64, size uint8) {
	r &= sizeMask(size)
	m.ZF = r == 0
	m.SF = r&signBit(size) != 0
}

func (m *Machine) add(a, b, c uint64, size uint8) uint64 {
	mask := sizeMask(size)
	var r uint64
	if size == 8 {
		var carry uint64
		r, carry = bits.Add64(a, b, c)
		m.CF = carry != 0
	} else {
		sum := a + b + c
		r = sum & mask
		m.CF = sum > mask
	}
	m.OF = (a^r)&(b^r)&signBit(size) != 0
	m.setResultFlags(r, size)
	return r
}

func (m *Machine) sub(a, b, c uint64, size uint8) uint64 {
	mask := sizeMask(size)
	var r uint64
	if size == 8 {
		var borrow uint64
		r, borrow = bits.Sub64(a, b, c)
		m.CF = borrow != 0
	} else {
		r = (a - b - c) & mask
		m.CF = a < b+c
	}
	m.OF = (a^b)&(a^r)&signBit(size) != 0
	m.setResultFlags(r, size)
	return r
}

func (m *Machine) logic(r uint64, size uint8) uint64 {
	m.CF, m.OF = false, false
	m.setResultFlags(r, size)
	return r & sizeMask(size)
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (m *Machine) step(inst asm.Inst) (bool, error) {
	ops := inst.Operands
	switch inst.Op {
	case asm.JMP:
		return false, m.jumpTo(ops[0])
	case asm.JE, asm.JNE, asm.JL, asm.JLE, asm.JG, asm.JGE, asm.JB, asm.JBE, asm.JA, asm.JAE, asm.JS, asm.JNS:
		if m.condition(inst.Op) {
			return false, m.jumpTo(ops[0])
		}
		return false, nil
	case asm.CALL:
		return false, m.call(ops[0])
	case asm.RET:
		return m.ret(ops)
	case asm.PUSH:
		v, err := m.readInt(ops[0], 8)
		if err != nil {
			return false, err
		}
		if imm, ok := ops[0].(asm.Imm); ok {
			v = uint64(int64(imm))
		}
		return false, m.push(v)
	case asm.POP:
		v, err := m.pop()
		if err != nil {
			return false, err
		}
		return false, m.writeInt(ops[0], 8, v)
	case asm.EMMS:
		return false, nil
	}

	if inst.Op >= asm.MOVD {
		return false, m.vector(inst.Op, ops)
	}
	return false, m.integer(inst.Op, ops)
}

func (m *Machine) integer(op asm.Op, ops []asm.Operand) error {
	switch op {
	case asm.MOV:
		size, err := widthOf(ops...)
		if err != nil {
			return err
		}
		v, err := m.readInt(ops[1], size)
		if err != nil {
			return err
		}
		return m.writeInt(ops[0], size, v)
	case asm.MOVZX, asm.MOVSX, asm.MOVSXD:
		dst := operandSize(ops[0])
		src := operandSize(ops[1])
		if op == asm.MOVSXD && src == 0 {
			src = 4
		}
		v, err := m.readInt(ops[1], src)
		if err != nil {
			return err
		}
		if op != asm.MOVZX {
			v = uint64(sext(v, src))
		}
		return m.writeInt(ops[0], dst, v&sizeMask(dst))
	case asm.LEA:
		mem, ok := ops[1].(asm.Mem)
		if !ok {
			return fmt.Errorf("lea needs a memory operand")
		}
		size := operandSize(ops[0])
		return m.writeInt(ops[0], size, m.Address(mem)&sizeMask(size))
	case asm.XCHG:
		size, err := widthOf(ops...)
		if err != nil {
			return err
		}
		a, err := m.readInt(ops[0], size)
		if err != nil {
			return err
		}
		b, err := m.readInt(ops[1], size)
		if err != nil {
			return err
		}
		if err := m.writeInt(ops[0], size, b); err != nil {
			return err
		}
		return m.writeInt(ops[1], size, a)
	case asm.ADD, asm.ADC, asm.SUB, asm.SBB, asm.AND, asm.OR, asm.XOR, asm.CMP, asm.TEST:
		return m.binary(op, ops)
	case asm.NEG, asm.NOT, asm.INC, asm.DEC, asm.BSWAP:
		return m.unary(op, ops[0])
	case asm.IMUL:
		return m.imul(ops)
	case asm.MUL, asm.IMUL3, asm.DIV, asm.IDIV:
		return m.wide(op, ops)
	case asm.CQO:
		m.GP[asm.RDX] = uint64(int64(m.GP[asm.RAX]) >> 63)
		return nil
	case asm.CDQ:
		m.GP[asm.RDX] = uint64(uint32(int32(uint32(m.GP[asm.RAX])) >> 31))
		return nil
	case asm.CBW:
		return m.writeInt(asm.R16(asm.RAX), 2, uint64(sext(m.GP[asm.RAX], 1)))
	case asm.CWDE:
		return m.writeInt(asm.R32(asm.RAX), 4, uint64(sext(m.GP[asm.RAX], 2)))
	case asm.CDQE:
		m.GP[asm.RAX] = uint64(sext(m.GP[asm.RAX], 4))
		return nil
	case asm.SHL, asm.SHR, asm.SAR, asm.ROL, asm.ROR:
		return m.shift(op, ops)
	case asm.CMPXCHG:
		size, err := widthOf(ops[1], ops[0])
		if err != nil {
			return err
		}
		cur, err := m.readInt(ops[0], size)
		if err != nil {
			return err
		}
		acc := m.GP[asm.RAX] & sizeMask(size)
		m.sub(acc, cur, 0, size)
		if acc == cur {
			src, err := m.readInt(ops[1], size)
			if err != nil {
				return err
			}
			return m.writeInt(ops[0], size, src)
		}
		return m.writeInt(asm.Reg{Bank: asm.GP, Index: asm.RAX, Size: size}, size, cur)
	case asm.REP_MOVSB:
		n := m.GP[asm.RCX]
		if n > 0 {
			src, err := m.ReadBytes(m.GP[asm.RSI], int(n))
			if err != nil {
				return err
			}
			tmp := append([]byte(nil), src...)
			if err := m.WriteBytes(m.GP[asm.RDI], tmp); err != nil {
				return err
			}
		}
		m.GP[asm.RSI] += n
		m.GP[asm.RDI] += n
		m.GP[asm.RCX] = 0
		return nil
	case asm.REP_STOSB:
		n := m.GP[asm.RCX]
		if n > 0 {
			buf := make([]byte, n)
			for i := range buf {
				buf[i] = byte(m.GP[asm.RAX])
			}
			if err := m.WriteBytes(m.GP[asm.RDI], buf); err != nil {
				return err
			}
		}
		m.GP[asm.RDI] += n
		m.GP[asm.RCX] = 0
		return nil
	}
	return fmt.Errorf("unsupported instruction %s", op)
}

func (m *Machine) binary(op asm.Op, ops []asm.Operand) error {
	size, err := widthOf(ops...)
	if err != nil {
		return err
	}
	a, err := m.readInt(ops[0], size)
	if err != nil {
		return err
	}
	b, err := m.readInt(ops[1], size)
	if err != nil {
		return err
	}
	var r uint64
	switch op {
	case asm.ADD:
		r = m.add(a, b, 0, size)
	case asm.ADC:
		r = m.add(a, b, boolBit(m.CF), size)
	case asm.SUB, asm.CMP:
		r = m.sub(a, b, 0, size)
	case asm.SBB:
		r = m.sub(a, b, boolBit(m.CF), size)
	case asm.AND, asm.TEST:
		r = m.logic(a&b, size)
	case asm.OR:
		r = m.logic(a|b, size)
	case asm.XOR:
		r = m.logic(a^b, size)
	}
	if op == asm.CMP || op == asm.TEST {
		return nil
	}
	return m.writeInt(ops[0], size, r)
}

func (m *Machine) unary(op asm.Op, o asm.Operand) error {
	size, err := widthOf(o)
	if err != nil {
		return err
	}
	v, err := m.readInt(o, size)
	if err != nil {
		return err
	}
	cf := m.CF
	switch op {
	case asm.NEG:
		v = m.sub(0, v, 0, size)
	case asm.NOT:
		v = ^v & sizeMask(size)
	case asm.INC:
		v = m.add(v, 1, 0, size)
		m.CF = cf
	case asm.DEC:
		v = m.sub(v, 1, 0, size)
		m.CF = cf
	case asm.BSWAP:
		switch size {
		case 8:
			v = bits.ReverseBytes64(v)
		case 4:
			v = uint64(bits.ReverseBytes32(uint32(v)))
		default:
			return fmt.Errorf("bswap of %d bytes", size)
		}
	}
	return m.writeInt(o, size, v)
}

func (m *Machine) imul(ops []asm.Operand) error {
	size := operandSize(ops[0])
	a, b := ops[0], ops[1]
	if len(ops) == 3 {
		a, b = ops[1], ops[2]
	}
	x, err := m.readInt(a, size)
	if err != nil {
		return err
	}
	y, err := m.readInt(b, size)
	if err != nil {
		return err
	}
	sx, sy := sext(x, size), sext(y, size)
	hi, lo := mulSigned(sx, sy)
	r := lo & sizeMask(size)
	var overflow bool
	if size == 8 {
		overflow = hi != uint64(int64(lo)>>63)
	} else {
		overflow = sext(r, size) != sx*sy
	}
	m.CF, m.OF = overflow, overflow
	m.setResultFlags(r, size)
	return m.writeInt(ops[0], size, r)
}

func mulSigned(a, b int64) (hi, lo uint64) {
	hi, lo = bits.Mul64(uint64(a), uint64(b))
	if a < 0 {
		hi -= uint64(b)
	}
	if b < 0 {
		hi -= uint64(a)
	}
	return hi, lo
}

func neg128(hi, lo uint64) (uint64, uint64) {
	lo = ^lo + 1
	hi = ^hi
	if lo == 0 {
		hi++
	}
	return hi, lo
}

// wide covers the rdx:rax forms: mul, imul3, div and idiv.
func (m *Machine) wide(op asm.Op, ops []asm.Operand) error {
	size, err := widthOf(ops[2], ops[0])
	if err != nil {
		return err
	}
	if size != 4 && size != 8 {
		return fmt.Errorf("%s of %d bytes is not supported", op, size)
	}
	src, err := m.readInt(ops[2], size)
	if err != nil {
		return err
	}
	mask := sizeMask(size)
	rax := m.GP[asm.RAX] & mask
	rdx := m.GP[asm.RDX] & mask

	var hi, lo uint64
	switch op {
	case asm.MUL:
		if size == 8 {
			hi, lo = bits.Mul64(rax, src)
		} else {
			p := rax * src
			hi, lo = p>>32, p&mask
		}
		m.CF, m.OF = hi != 0, hi != 0
	case asm.IMUL3:
		if size == 8 {
			hi, lo = mulSigned(int64(rax), int64(src))
			m.CF = hi != uint64(int64(lo)>>63)
		} else {
			p := sext(rax, 4) * sext(src, 4)
			hi, lo = uint64(p>>32)&mask, uint64(p)&mask
			m.CF = p != int64(int32(p))
		}
		m.OF = m.CF
	case asm.DIV:
		if src == 0 || rdx >= src {
			return ErrDivide
		}
		if size == 8 {
			lo, hi = bits.Div64(rdx, rax, src)
		} else {
			n := rdx<<32 | rax
			lo, hi = n/src, n%src
		}
	case asm.IDIV:
		if src == 0 {
			return ErrDivide
		}
		if size == 8 {
			q, r, err := idiv128(rdx, rax, int64(src))
			if err != nil {
				return err
			}
			lo, hi = uint64(q), uint64(r)
		} else {
			n := int64(rdx<<32 | rax)
			d := sext(src, 4)
			q := n / d
			if q != int64(int32(q)) {
				return ErrDivide
			}
			lo, hi = uint64(q)&mask, uint64(n%d)&mask
		}
	}
	if size == 4 {
		m.GP[asm.RAX] = lo & mask
		m.GP[asm.RDX] = hi & mask
	} else {
		m.GP[asm.RAX] = lo
		m.GP[asm.RDX] = hi
	}
	return nil
}

func idiv128(hi, lo uint64, d int64) (int64, int64, error) {
	neg := int64(hi) < 0
	if neg {
		hi, lo = neg128(hi, lo)
	}
	ud := uint64(d)
	if d < 0 {
		ud = -ud
	}
	if hi >= ud {
		return 0, 0, ErrDivide
	}
	q, r := bits.Div64(hi, lo, ud)
	if neg != (d < 0) {
		if q > 1<<63 {
			return 0, 0, ErrDivide
		}
		q = -q
	} else if q > 1<<63-1 {
		return 0, 0, ErrDivide
	}
	if neg {
		r = -r
	}
	return int64(q), int64(r), nil
}

func (m *Machine) shift(op asm.Op, ops []asm.Operand) error {
	size, err := widthOf(ops[0])
	if err != nil {
		return err
	}
	count, err := m.readInt(ops[1], 1)
	if err != nil {
		return err
	}
	if size == 8 {
		count &= 63
	} else {
		count &= 31
	}
	if count == 0 {
		return nil
	}
	v, err := m.readInt(ops[0], size)
	if err != nil {
		return err
	}
	width := uint64(size) * 8
	mask := sizeMask(size)
	var r uint64
	switch op {
	case asm.SHL:
		r = (v << count) & mask
		if count <= width {
			m.CF = (v>>(width-count))&1 != 0
		}
	case asm.SHR:
		r = v >> count
		m.CF = (v>>(count-1))&1 != 0
	case asm.SAR:
		s := sext(v, size)
		r = uint64(s>>count) & mask
		m.CF = (s>>(count-1))&1 != 0
	case asm.ROL:
		c := count % width
		r = (v<<c | v>>(width-c)) & mask
		m.CF = r&1 != 0
		return m.writeInt(ops[0], size, r)
	case asm.ROR:
		c := count % width
		r = (v>>c | v<<(width-c)) & mask
		m.CF = r&signBit(size) != 0
		return m.writeInt(ops[0], size, r)
	}
	m.OF = false
	m.setResultFlags(r, size)
	return m.writeInt(ops[0], size, r)
}
