package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/ralloc/internal/asm"
)

type rexState struct {
	w     bool
	r     bool
	x     bool
	b     bool
	force bool
}

func (r rexState) prefix() byte {
	if !r.w && !r.r && !r.x && !r.b && !r.force {
		return 0
	}
	p := byte(0x40)
	if r.w {
		p |= 0x08
	}
	if r.r {
		p |= 0x04
	}
	if r.x {
		p |= 0x02
	}
	if r.b {
		p |= 0x01
	}
	return p
}

type registerCode struct {
	code byte
	high bool
}

func regInfo(r asm.Reg) (registerCode, error) {
	if int(r.Index) >= r.Bank.Count() {
		return registerCode{}, fmt.Errorf("unsupported register %s%d", r.Bank, r.Index)
	}
	if r.Bank == asm.MM {
		return registerCode{code: r.Index}, nil
	}
	return registerCode{code: r.Index & 7, high: r.Index >= 8}, nil
}

// needsByteREX reports whether an 8-bit view of r needs a REX prefix to
// select spl/bpl/sil/dil instead of ah/ch/dh/bh.
func needsByteREX(r asm.Reg) bool {
	return r.Bank == asm.GP && r.Size == 1 && r.Index >= asm.RSP && r.Index <= asm.RDI
}

func scaleBits(scale uint8) (byte, error) {
	switch scale {
	case 0, 1:
		return 0, nil
	case 2:
		return 1, nil
	case 4:
		return 2, nil
	case 8:
		return 3, nil
	default:
		return 0, fmt.Errorf("invalid scale %d", scale)
	}
}

func le16(v int64) []byte {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], uint16(v))
	return buf[:]
}

func le32(v int64) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return buf[:]
}

func le64(v int64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return buf[:]
}

func fitsInt8(v int64) bool  { return v >= math.MinInt8 && v <= math.MaxInt8 }
func fitsInt32(v int64) bool { return v >= math.MinInt32 && v <= math.MaxInt32 }

type memEncoding struct {
	modrm byte
	sib   []byte
	disp  []byte
	rex   rexState
}

func encodeMemoryOperand(mem asm.Mem) (memEncoding, error) {
	if err := mem.Validate(); err != nil {
		return memEncoding{}, err
	}

	var enc memEncoding

	indexCode := byte(4)
	scale := byte(0)
	if mem.HasIndex {
		info, err := regInfo(mem.Index)
		if err != nil {
			return memEncoding{}, err
		}
		indexCode = info.code
		enc.rex.x = info.high
		if scale, err = scaleBits(mem.Scale); err != nil {
			return memEncoding{}, err
		}
	}

	if !mem.HasBase {
		// mod=00 rm=101 is rip-relative in long mode, so an absolute
		// address goes through a SIB byte with no base.
		enc.modrm = 0x04
		enc.sib = []byte{scale<<6 | indexCode<<3 | 5}
		enc.disp = le32(int64(mem.Disp))
		return enc, nil
	}

	base, err := regInfo(mem.Base)
	if err != nil {
		return memEncoding{}, err
	}
	enc.rex.b = base.high

	disp := int64(mem.Disp)
	switch {
	case disp == 0 && base.code != 5:
		// [rbp] and [r13] have no disp-less form.
		enc.modrm = 0x00
	case fitsInt8(disp):
		enc.modrm = 0x40
		enc.disp = []byte{byte(disp)}
	default:
		enc.modrm = 0x80
		enc.disp = le32(disp)
	}

	if mem.HasIndex || base.code == 4 {
		enc.modrm |= 4
		enc.sib = []byte{scale<<6 | indexCode<<3 | base.code}
	} else {
		enc.modrm |= base.code
	}
	return enc, nil
}

// modrmForm is an instruction with a ModRM byte. reg is the ModRM.reg
// field: a register code or an opcode extension.
type modrmForm struct {
	prefix  byte
	w       bool
	opcode  []byte
	reg     byte
	regHigh bool
	force   bool
}

func regForm(prefix byte, w bool, reg asm.Reg, opcode ...byte) (modrmForm, error) {
	info, err := regInfo(reg)
	if err != nil {
		return modrmForm{}, err
	}
	return modrmForm{
		prefix:  prefix,
		w:       w,
		opcode:  opcode,
		reg:     info.code,
		regHigh: info.high,
		force:   needsByteREX(reg),
	}, nil
}

func extForm(prefix byte, w bool, ext byte, opcode ...byte) modrmForm {
	return modrmForm{prefix: prefix, w: w, opcode: opcode, reg: ext}
}

func (f modrmForm) encode(rm asm.Operand, imm []byte) ([]byte, error) {
	rex := rexState{w: f.w, r: f.regHigh, force: f.force}

	var modrm byte
	var tail []byte
	switch rm := rm.(type) {
	case asm.Reg:
		info, err := regInfo(rm)
		if err != nil {
			return nil, err
		}
		rex.b = info.high
		rex.force = rex.force || needsByteREX(rm)
		modrm = 0xC0 | (f.reg&7)<<3 | info.code
	case asm.Mem:
		enc, err := encodeMemoryOperand(rm)
		if err != nil {
			return nil, err
		}
		rex.x = enc.rex.x
		rex.b = enc.rex.b
		modrm = enc.modrm | (f.reg&7)<<3
		tail = append(append(tail, enc.sib...), enc.disp...)
	case asm.Slot:
		return nil, fmt.Errorf("unresolved frame slot %s", rm)
	default:
		return nil, fmt.Errorf("operand %s cannot be encoded as r/m", asm.FormatOperand(rm))
	}

	out := make([]byte, 0, 16)
	if f.prefix != 0 {
		out = append(out, f.prefix)
	}
	if p := rex.prefix(); p != 0 {
		out = append(out, p)
	}
	out = append(out, f.opcode...)
	out = append(out, modrm)
	out = append(out, tail...)
	out = append(out, imm...)
	return out, nil
}

// opcodeReg encodes the short forms that add the register code to the
// opcode byte (push, pop, bswap, mov reg, imm).
func opcodeReg(prefix byte, w bool, reg asm.Reg, imm []byte, opcode ...byte) ([]byte, error) {
	info, err := regInfo(reg)
	if err != nil {
		return nil, err
	}
	rex := rexState{w: w, b: info.high, force: needsByteREX(reg)}
	out := make([]byte, 0, 12)
	if prefix != 0 {
		out = append(out, prefix)
	}
	if p := rex.prefix(); p != 0 {
		out = append(out, p)
	}
	last := len(opcode) - 1
	out = append(out, opcode[:last]...)
	out = append(out, opcode[last]+info.code)
	out = append(out, imm...)
	return out, nil
}

// operandSize returns the width of the first operand, falling back to the
// register on the other side of a memory operand with no explicit size.
func operandSize(dst, src asm.Operand) (uint8, error) {
	switch d := dst.(type) {
	case asm.Reg:
		return d.Size, nil
	case asm.Mem:
		if d.Size != 0 {
			return d.Size, nil
		}
		if r, ok := src.(asm.Reg); ok {
			return r.Size, nil
		}
		return 0, fmt.Errorf("memory operand needs an explicit size")
	default:
		return 0, fmt.Errorf("operand %s has no size", asm.FormatOperand(dst))
	}
}

func sizePrefix(size uint8) (byte, bool, error) {
	switch size {
	case 1, 4:
		return 0, false, nil
	case 2:
		return 0x66, false, nil
	case 8:
		return 0, true, nil
	default:
		return 0, false, fmt.Errorf("unsupported operand width %d", size)
	}
}

func gpReg(o asm.Operand) (asm.Reg, bool) {
	r, ok := o.(asm.Reg)
	return r, ok && r.Bank == asm.GP
}

func isRM(o asm.Operand, bank asm.Bank) bool {
	switch o := o.(type) {
	case asm.Reg:
		return o.Bank == bank
	case asm.Mem:
		return true
	}
	return false
}
