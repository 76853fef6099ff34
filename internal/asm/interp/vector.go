package interp

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/ralloc/internal/asm"
)

type vec = [2]uint64

func (m *Machine) readVec(o asm.Operand, size uint8, aligned bool) (vec, error) {
	switch o := o.(type) {
	case asm.Reg:
		switch o.Bank {
		case asm.XMM:
			return m.XMM[o.Index], nil
		case asm.MM:
			return vec{m.MM[o.Index]}, nil
		case asm.GP:
			return vec{m.GP[o.Index] & sizeMask(size)}, nil
		}
	case asm.Mem:
		addr := m.Address(o)
		if aligned && addr%16 != 0 {
			return vec{}, fmt.Errorf("load at 0x%x: %w", addr, ErrMisaligned)
		}
		if size == 16 {
			b, err := m.ReadBytes(addr, 16)
			if err != nil {
				return vec{}, err
			}
			return vec{binary.LittleEndian.Uint64(b), binary.LittleEndian.Uint64(b[8:])}, nil
		}
		v, err := m.load(addr, size)
		return vec{v}, err
	case asm.Slot:
		return vec{}, fmt.Errorf("unresolved frame slot %s", o)
	}
	return vec{}, fmt.Errorf("cannot read %s as a vector", asm.FormatOperand(o))
}

// writeVec stores the low size bytes of v. A register destination keeps
// its upper bits when merge is set and clears them otherwise.
func (m *Machine) writeVec(o asm.Operand, size uint8, v vec, merge, aligned bool) error {
	switch o := o.(type) {
	case asm.Reg:
		switch o.Bank {
		case asm.XMM:
			if size == 16 {
				m.XMM[o.Index] = v
				return nil
			}
			mask := sizeMask(size)
			if merge {
				m.XMM[o.Index][0] = m.XMM[o.Index][0]&^mask | v[0]&mask
			} else {
				m.XMM[o.Index] = vec{v[0] & mask}
			}
			return nil
		case asm.MM:
			m.MM[o.Index] = v[0] & sizeMask(size)
			return nil
		case asm.GP:
			return m.writeInt(o, size, v[0])
		}
	case asm.Mem:
		addr := m.Address(o)
		if aligned && addr%16 != 0 {
			return fmt.Errorf("store at 0x%x: %w", addr, ErrMisaligned)
		}
		if size == 16 {
			var b [16]byte
			binary.LittleEndian.PutUint64(b[:], v[0])
			binary.LittleEndian.PutUint64(b[8:], v[1])
			return m.WriteBytes(addr, b[:])
		}
		return m.store(addr, size, v[0])
	case asm.Slot:
		return fmt.Errorf("unresolved frame slot %s", o)
	}
	return fmt.Errorf("cannot write %s as a vector", asm.FormatOperand(o))
}

func isReg(o asm.Operand) bool {
	_, ok := o.(asm.Reg)
	return ok
}

func regWidth(o asm.Operand) uint8 {
	if r, ok := o.(asm.Reg); ok {
		switch r.Bank {
		case asm.XMM:
			return 16
		case asm.MM:
			return 8
		}
		return r.Size
	}
	return 0
}

func (m *Machine) vector(op asm.Op, ops []asm.Operand) error {
	switch op {
	case asm.MOVD, asm.MOVQ:
		size := uint8(4)
		if op == asm.MOVQ {
			size = 8
		}
		v, err := m.readVec(ops[1], size, false)
		if err != nil {
			return err
		}
		v[0] &= sizeMask(size)
		v[1] = 0
		return m.writeVec(ops[0], size, v, false, false)
	case asm.MOVSS, asm.MOVSD:
		size := uint8(4)
		if op == asm.MOVSD {
			size = 8
		}
		v, err := m.readVec(ops[1], size, false)
		if err != nil {
			return err
		}
		return m.writeVec(ops[0], size, v, isReg(ops[0]) && isReg(ops[1]), false)
	case asm.MOVAPS, asm.MOVAPD, asm.MOVDQA, asm.MOVUPS, asm.MOVDQU:
		aligned := op == asm.MOVAPS || op == asm.MOVAPD || op == asm.MOVDQA
		v, err := m.readVec(ops[1], 16, aligned)
		if err != nil {
			return err
		}
		return m.writeVec(ops[0], 16, v, false, aligned)
	case asm.ADDSS, asm.SUBSS, asm.MULSS, asm.DIVSS, asm.SQRTSS:
		return m.scalar32(op, ops)
	case asm.ADDSD, asm.SUBSD, asm.MULSD, asm.DIVSD, asm.SQRTSD:
		return m.scalar64(op, ops)
	case asm.UCOMISS, asm.UCOMISD, asm.COMISD:
		return m.compareFloat(op, ops)
	case asm.CVTSI2SD:
		size, err := widthOf(ops[1])
		if err != nil {
			return err
		}
		v, err := m.readInt(ops[1], size)
		if err != nil {
			return err
		}
		f := float64(sext(v, size))
		return m.writeVec(ops[0], 8, vec{math.Float64bits(f)}, true, false)
	case asm.CVTTSD2SI:
		v, err := m.readVec(ops[1], 8, false)
		if err != nil {
			return err
		}
		size := operandSize(ops[0])
		f := math.Trunc(math.Float64frombits(v[0]))
		limit := math.Ldexp(1, int(size)*8-1)
		var r uint64
		if math.IsNaN(f) || f >= limit || f < -limit {
			r = signBit(size)
		} else {
			r = uint64(int64(f)) & sizeMask(size)
		}
		return m.writeInt(ops[0], size, r)
	case asm.CVTSS2SD:
		v, err := m.readVec(ops[1], 4, false)
		if err != nil {
			return err
		}
		f := float64(math.Float32frombits(uint32(v[0])))
		return m.writeVec(ops[0], 8, vec{math.Float64bits(f)}, true, false)
	case asm.CVTSD2SS:
		v, err := m.readVec(ops[1], 8, false)
		if err != nil {
			return err
		}
		f := float32(math.Float64frombits(v[0]))
		return m.writeVec(ops[0], 4, vec{uint64(math.Float32bits(f))}, true, false)
	}
	return m.packed(op, ops)
}

func (m *Machine) scalar32(op asm.Op, ops []asm.Operand) error {
	a, err := m.readVec(ops[0], 16, false)
	if err != nil {
		return err
	}
	b, err := m.readVec(ops[1], 4, false)
	if err != nil {
		return err
	}
	x := math.Float32frombits(uint32(a[0]))
	y := math.Float32frombits(uint32(b[0]))
	var r float32
	switch op {
	case asm.ADDSS:
		r = x + y
	case asm.SUBSS:
		r = x - y
	case asm.MULSS:
		r = x * y
	case asm.DIVSS:
		r = x / y
	case asm.SQRTSS:
		r = float32(math.Sqrt(float64(y)))
	}
	return m.writeVec(ops[0], 4, vec{uint64(math.Float32bits(r))}, true, false)
}

func (m *Machine) scalar64(op asm.Op, ops []asm.Operand) error {
	a, err := m.readVec(ops[0], 16, false)
	if err != nil {
		return err
	}
	b, err := m.readVec(ops[1], 8, false)
	if err != nil {
		return err
	}
	x := math.Float64frombits(a[0])
	y := math.Float64frombits(b[0])
	var r float64
	switch op {
	case asm.ADDSD:
		r = x + y
	case asm.SUBSD:
		r = x - y
	case asm.MULSD:
		r = x * y
	case asm.DIVSD:
		r = x / y
	case asm.SQRTSD:
		r = math.Sqrt(y)
	}
	return m.writeVec(ops[0], 8, vec{math.Float64bits(r)}, true, false)
}

func (m *Machine) compareFloat(op asm.Op, ops []asm.Operand) error {
	size := uint8(8)
	if op == asm.UCOMISS {
		size = 4
	}
	a, err := m.readVec(ops[0], size, false)
	if err != nil {
		return err
	}
	b, err := m.readVec(ops[1], size, false)
	if err != nil {
		return err
	}
	var x, y float64
	if size == 4 {
		x = float64(math.Float32frombits(uint32(a[0])))
		y = float64(math.Float32frombits(uint32(b[0])))
	} else {
		x, y = math.Float64frombits(a[0]), math.Float64frombits(b[0])
	}
	m.OF, m.SF = false, false
	switch {
	case math.IsNaN(x) || math.IsNaN(y):
		m.ZF, m.CF = true, true
	case x < y:
		m.ZF, m.CF = false, true
	case x == y:
		m.ZF, m.CF = true, false
	default:
		m.ZF, m.CF = false, false
	}
	return nil
}

func toBytes(v vec) [16]byte {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:], v[0])
	binary.LittleEndian.PutUint64(b[8:], v[1])
	return b
}

func fromBytes(b [16]byte) vec {
	return vec{binary.LittleEndian.Uint64(b[:]), binary.LittleEndian.Uint64(b[8:])}
}

// packed covers the lane-wise operations on mm (8 bytes) and xmm (16
// bytes) registers.
func (m *Machine) packed(op asm.Op, ops []asm.Operand) error {
	width := regWidth(ops[0])
	if width != 8 && width != 16 {
		return fmt.Errorf("%s needs a vector destination", op)
	}
	a, err := m.readVec(ops[0], width, false)
	if err != nil {
		return err
	}
	b, err := m.readVec(ops[1], width, width == 16)
	if err != nil {
		return err
	}

	var r vec
	switch op {
	case asm.ANDPS, asm.ANDPD, asm.PAND:
		r = vec{a[0] & b[0], a[1] & b[1]}
	case asm.XORPS, asm.XORPD, asm.PXOR:
		r = vec{a[0] ^ b[0], a[1] ^ b[1]}
	case asm.POR:
		r = vec{a[0] | b[0], a[1] | b[1]}
	case asm.PANDN:
		r = vec{^a[0] & b[0], ^a[1] & b[1]}
	case asm.PADDQ:
		r = vec{a[0] + b[0], a[1] + b[1]}
	case asm.PSUBQ:
		r = vec{a[0] - b[0], a[1] - b[1]}
	case asm.ADDPD, asm.SUBPD, asm.MULPD:
		for i := 0; i < 2; i++ {
			x, y := math.Float64frombits(a[i]), math.Float64frombits(b[i])
			switch op {
			case asm.ADDPD:
				r[i] = math.Float64bits(x + y)
			case asm.SUBPD:
				r[i] = math.Float64bits(x - y)
			default:
				r[i] = math.Float64bits(x * y)
			}
		}
	default:
		ab, bb := toBytes(a), toBytes(b)
		var out [16]byte
		if err := lanes(op, ab[:width], bb[:width], out[:width]); err != nil {
			return err
		}
		r = fromBytes(out)
	}
	if width == 8 {
		r[1] = 0
	}
	return m.writeVec(ops[0], width, r, false, false)
}

func lanes(op asm.Op, a, b, out []byte) error {
	switch op {
	case asm.PCMPEQB, asm.PCMPGTB:
		for i := range a {
			hit := a[i] == b[i]
			if op == asm.PCMPGTB {
				hit = int8(a[i]) > int8(b[i])
			}
			if hit {
				out[i] = 0xff
			}
		}
		return nil
	}
	for i := 0; i+4 <= len(a); i += 4 {
		x := binary.LittleEndian.Uint32(a[i:])
		y := binary.LittleEndian.Uint32(b[i:])
		var r uint32
		switch op {
		case asm.PADDD:
			r = x + y
		case asm.PSUBD:
			r = x - y
		case asm.PCMPEQD:
			if x == y {
				r = 0xffffffff
			}
		case asm.PCMPGTD:
			if int32(x) > int32(y) {
				r = 0xffffffff
			}
		case asm.ADDPS, asm.SUBPS, asm.MULPS:
			fx, fy := math.Float32frombits(x), math.Float32frombits(y)
			switch op {
			case asm.ADDPS:
				r = math.Float32bits(fx + fy)
			case asm.SUBPS:
				r = math.Float32bits(fx - fy)
			default:
				r = math.Float32bits(fx * fy)
			}
		default:
			return fmt.Errorf("unsupported instruction %s", op)
		}
		binary.LittleEndian.PutUint32(out[i:], r)
	}
	return nil
}
