package asm

import (
	"fmt"
	"strings"
)

// Op is an instruction mnemonic.
type Op uint16

const (
	OpInvalid Op = iota

	// BIND is the pseudo instruction a Recorder stores for a label binding.
	BIND

	MOV
	MOVZX
	MOVSX
	MOVSXD
	LEA
	XCHG

	ADD
	ADC
	SUB
	SBB
	AND
	OR
	XOR
	CMP
	TEST
	NEG
	NOT
	INC
	DEC

	IMUL
	IMUL3
	MUL
	DIV
	IDIV
	CQO
	CDQ
	CBW
	CWDE
	CDQE

	SHL
	SHR
	SAR
	ROL
	ROR
	BSWAP
	CMPXCHG
	REP_MOVSB
	REP_STOSB

	PUSH
	POP
	CALL
	RET
	JMP
	JE
	JNE
	JL
	JLE
	JG
	JGE
	JB
	JBE
	JA
	JAE
	JS
	JNS

	MOVD
	MOVQ
	MOVSS
	MOVSD
	MOVAPS
	MOVAPD
	MOVUPS
	MOVDQA
	MOVDQU

	ADDSS
	ADDSD
	SUBSS
	SUBSD
	MULSS
	MULSD
	DIVSS
	DIVSD
	SQRTSS
	SQRTSD
	ADDPS
	ADDPD
	SUBPS
	SUBPD
	MULPS
	MULPD
	ANDPS
	ANDPD
	XORPS
	XORPD

	PXOR
	PAND
	PANDN
	POR
	PADDD
	PADDQ
	PSUBD
	PSUBQ
	PCMPEQB
	PCMPEQD
	PCMPGTB
	PCMPGTD

	UCOMISS
	UCOMISD
	COMISD
	CVTSI2SD
	CVTTSD2SI
	CVTSS2SD
	CVTSD2SS
	EMMS

	numOps
)

// Access is how an instruction uses one of its operands.
type Access uint8

const (
	Read Access = 1 << iota
	Write

	ReadWrite = Read | Write
)

func (a Access) String() string {
	switch a {
	case Read:
		return "r"
	case Write:
		return "w"
	case ReadWrite:
		return "rw"
	default:
		return "-"
	}
}

// Fixed pins an operand to a general purpose register.
type Fixed struct {
	Operand int
	Reg     int
	Access  Access
	// Required operands must name a variable; the others are only pinned
	// when they do (a shift count may also be an immediate).
	Required bool
}

type class uint8

const (
	classALU     class = iota // operand 0 read-write, the rest read
	classMove                 // operand 0 written, the rest read
	classCompare              // every operand read
	classUnary                // single read-write operand
	classBranch               // label or address target
	classFixed                // accesses come from the fixed table
	classNone                 // no operands
)

type desc struct {
	name     string
	class    class
	min, max int
	// clear marks operations whose result ignores the destination when
	// both operands are the same register.
	clear bool
	fixed []Fixed
}

var descs = [numOps]desc{
	BIND: {name: "bind", class: classBranch, min: 1, max: 1},

	MOV:    {name: "mov", class: classMove, min: 2, max: 2},
	MOVZX:  {name: "movzx", class: classMove, min: 2, max: 2},
	MOVSX:  {name: "movsx", class: classMove, min: 2, max: 2},
	MOVSXD: {name: "movsxd", class: classMove, min: 2, max: 2},
	LEA:    {name: "lea", class: classMove, min: 2, max: 2},
	XCHG:   {name: "xchg", class: classFixed, min: 2, max: 2},

	ADD:  {name: "add", class: classALU, min: 2, max: 2},
	ADC:  {name: "adc", class: classALU, min: 2, max: 2},
	SUB:  {name: "sub", class: classALU, min: 2, max: 2, clear: true},
	SBB:  {name: "sbb", class: classALU, min: 2, max: 2},
	AND:  {name: "and", class: classALU, min: 2, max: 2},
	OR:   {name: "or", class: classALU, min: 2, max: 2},
	XOR:  {name: "xor", class: classALU, min: 2, max: 2, clear: true},
	CMP:  {name: "cmp", class: classCompare, min: 2, max: 2},
	TEST: {name: "test", class: classCompare, min: 2, max: 2},
	NEG:  {name: "neg", class: classUnary, min: 1, max: 1},
	NOT:  {name: "not", class: classUnary, min: 1, max: 1},
	INC:  {name: "inc", class: classUnary, min: 1, max: 1},
	DEC:  {name: "dec", class: classUnary, min: 1, max: 1},

	IMUL: {name: "imul", class: classALU, min: 2, max: 3},
	IMUL3: {name: "imul", class: classFixed, min: 3, max: 3, fixed: []Fixed{
		{Operand: 0, Reg: RDX, Access: ReadWrite, Required: true},
		{Operand: 1, Reg: RAX, Access: ReadWrite, Required: true},
	}},
	MUL: {name: "mul", class: classFixed, min: 3, max: 3, fixed: []Fixed{
		{Operand: 0, Reg: RDX, Access: ReadWrite, Required: true},
		{Operand: 1, Reg: RAX, Access: ReadWrite, Required: true},
	}},
	DIV: {name: "div", class: classFixed, min: 3, max: 3, fixed: []Fixed{
		{Operand: 0, Reg: RDX, Access: ReadWrite, Required: true},
		{Operand: 1, Reg: RAX, Access: ReadWrite, Required: true},
	}},
	IDIV: {name: "idiv", class: classFixed, min: 3, max: 3, fixed: []Fixed{
		{Operand: 0, Reg: RDX, Access: ReadWrite, Required: true},
		{Operand: 1, Reg: RAX, Access: ReadWrite, Required: true},
	}},
	CQO: {name: "cqo", class: classFixed, min: 2, max: 2, fixed: []Fixed{
		{Operand: 0, Reg: RDX, Access: Write, Required: true},
		{Operand: 1, Reg: RAX, Access: Read, Required: true},
	}},
	CDQ: {name: "cdq", class: classFixed, min: 2, max: 2, fixed: []Fixed{
		{Operand: 0, Reg: RDX, Access: Write, Required: true},
		{Operand: 1, Reg: RAX, Access: Read, Required: true},
	}},
	CBW:  {name: "cbw", class: classFixed, min: 1, max: 1, fixed: accumulator},
	CWDE: {name: "cwde", class: classFixed, min: 1, max: 1, fixed: accumulator},
	CDQE: {name: "cdqe", class: classFixed, min: 1, max: 1, fixed: accumulator},

	SHL: {name: "shl", class: classALU, min: 2, max: 2, fixed: shiftCount},
	SHR: {name: "shr", class: classALU, min: 2, max: 2, fixed: shiftCount},
	SAR: {name: "sar", class: classALU, min: 2, max: 2, fixed: shiftCount},
	ROL: {name: "rol", class: classALU, min: 2, max: 2, fixed: shiftCount},
	ROR: {name: "ror", class: classALU, min: 2, max: 2, fixed: shiftCount},

	BSWAP: {name: "bswap", class: classUnary, min: 1, max: 1},
	CMPXCHG: {name: "cmpxchg", class: classFixed, min: 3, max: 3, fixed: []Fixed{
		{Operand: 2, Reg: RAX, Access: ReadWrite, Required: true},
	}},
	REP_MOVSB: {name: "rep movsb", class: classFixed, min: 3, max: 3, fixed: []Fixed{
		{Operand: 0, Reg: RDI, Access: ReadWrite, Required: true},
		{Operand: 1, Reg: RSI, Access: ReadWrite, Required: true},
		{Operand: 2, Reg: RCX, Access: ReadWrite, Required: true},
	}},
	REP_STOSB: {name: "rep stosb", class: classFixed, min: 3, max: 3, fixed: []Fixed{
		{Operand: 0, Reg: RDI, Access: ReadWrite, Required: true},
		{Operand: 1, Reg: RAX, Access: Read, Required: true},
		{Operand: 2, Reg: RCX, Access: ReadWrite, Required: true},
	}},

	PUSH: {name: "push", class: classCompare, min: 1, max: 1},
	POP:  {name: "pop", class: classMove, min: 1, max: 1},
	CALL: {name: "call", class: classBranch, min: 1, max: 1},
	RET:  {name: "ret", class: classCompare, min: 0, max: 1},
	JMP:  {name: "jmp", class: classBranch, min: 1, max: 1},
	JE:   {name: "je", class: classBranch, min: 1, max: 1},
	JNE:  {name: "jne", class: classBranch, min: 1, max: 1},
	JL:   {name: "jl", class: classBranch, min: 1, max: 1},
	JLE:  {name: "jle", class: classBranch, min: 1, max: 1},
	JG:   {name: "jg", class: classBranch, min: 1, max: 1},
	JGE:  {name: "jge", class: classBranch, min: 1, max: 1},
	JB:   {name: "jb", class: classBranch, min: 1, max: 1},
	JBE:  {name: "jbe", class: classBranch, min: 1, max: 1},
	JA:   {name: "ja", class: classBranch, min: 1, max: 1},
	JAE:  {name: "jae", class: classBranch, min: 1, max: 1},
	JS:   {name: "js", class: classBranch, min: 1, max: 1},
	JNS:  {name: "jns", class: classBranch, min: 1, max: 1},

	MOVD:   {name: "movd", class: classMove, min: 2, max: 2},
	MOVQ:   {name: "movq", class: classMove, min: 2, max: 2},
	MOVSS:  {name: "movss", class: classMove, min: 2, max: 2},
	MOVSD:  {name: "movsd", class: classMove, min: 2, max: 2},
	MOVAPS: {name: "movaps", class: classMove, min: 2, max: 2},
	MOVAPD: {name: "movapd", class: classMove, min: 2, max: 2},
	MOVUPS: {name: "movups", class: classMove, min: 2, max: 2},
	MOVDQA: {name: "movdqa", class: classMove, min: 2, max: 2},
	MOVDQU: {name: "movdqu", class: classMove, min: 2, max: 2},

	ADDSS:  {name: "addss", class: classALU, min: 2, max: 2},
	ADDSD:  {name: "addsd", class: classALU, min: 2, max: 2},
	SUBSS:  {name: "subss", class: classALU, min: 2, max: 2},
	SUBSD:  {name: "subsd", class: classALU, min: 2, max: 2},
	MULSS:  {name: "mulss", class: classALU, min: 2, max: 2},
	MULSD:  {name: "mulsd", class: classALU, min: 2, max: 2},
	DIVSS:  {name: "divss", class: classALU, min: 2, max: 2},
	DIVSD:  {name: "divsd", class: classALU, min: 2, max: 2},
	SQRTSS: {name: "sqrtss", class: classMove, min: 2, max: 2},
	SQRTSD: {name: "sqrtsd", class: classMove, min: 2, max: 2},
	ADDPS:  {name: "addps", class: classALU, min: 2, max: 2},
	ADDPD:  {name: "addpd", class: classALU, min: 2, max: 2},
	SUBPS:  {name: "subps", class: classALU, min: 2, max: 2},
	SUBPD:  {name: "subpd", class: classALU, min: 2, max: 2},
	MULPS:  {name: "mulps", class: classALU, min: 2, max: 2},
	MULPD:  {name: "mulpd", class: classALU, min: 2, max: 2},
	ANDPS:  {name: "andps", class: classALU, min: 2, max: 2},
	ANDPD:  {name: "andpd", class: classALU, min: 2, max: 2},
	XORPS:  {name: "xorps", class: classALU, min: 2, max: 2, clear: true},
	XORPD:  {name: "xorpd", class: classALU, min: 2, max: 2, clear: true},

	PXOR:    {name: "pxor", class: classALU, min: 2, max: 2, clear: true},
	PAND:    {name: "pand", class: classALU, min: 2, max: 2},
	PANDN:   {name: "pandn", class: classALU, min: 2, max: 2, clear: true},
	POR:     {name: "por", class: classALU, min: 2, max: 2},
	PADDD:   {name: "paddd", class: classALU, min: 2, max: 2},
	PADDQ:   {name: "paddq", class: classALU, min: 2, max: 2},
	PSUBD:   {name: "psubd", class: classALU, min: 2, max: 2, clear: true},
	PSUBQ:   {name: "psubq", class: classALU, min: 2, max: 2, clear: true},
	PCMPEQB: {name: "pcmpeqb", class: classALU, min: 2, max: 2, clear: true},
	PCMPEQD: {name: "pcmpeqd", class: classALU, min: 2, max: 2, clear: true},
	PCMPGTB: {name: "pcmpgtb", class: classALU, min: 2, max: 2, clear: true},
	PCMPGTD: {name: "pcmpgtd", class: classALU, min: 2, max: 2, clear: true},

	UCOMISS:   {name: "ucomiss", class: classCompare, min: 2, max: 2},
	UCOMISD:   {name: "ucomisd", class: classCompare, min: 2, max: 2},
	COMISD:    {name: "comisd", class: classCompare, min: 2, max: 2},
	CVTSI2SD:  {name: "cvtsi2sd", class: classMove, min: 2, max: 2},
	CVTTSD2SI: {name: "cvttsd2si", class: classMove, min: 2, max: 2},
	CVTSS2SD:  {name: "cvtss2sd", class: classMove, min: 2, max: 2},
	CVTSD2SS:  {name: "cvtsd2ss", class: classMove, min: 2, max: 2},
	EMMS:      {name: "emms", class: classNone},
}

var (
	accumulator = []Fixed{{Operand: 0, Reg: RAX, Access: ReadWrite, Required: true}}
	shiftCount  = []Fixed{{Operand: 1, Reg: RCX, Access: Read}}
)

var opsByName = func() map[string]Op {
	m := make(map[string]Op, numOps)
	for op := Op(1); op < numOps; op++ {
		if op == BIND {
			continue
		}
		name := descs[op].name
		if op == IMUL3 {
			name = "imul3"
		}
		m[strings.ReplaceAll(name, " ", "_")] = op
	}
	return m
}()

// ParseOp looks an instruction up by mnemonic. Prefixed string operations
// are spelled with an underscore (rep_movsb); the one-operand multiply is
// imul3.
func ParseOp(name string) (Op, error) {
	op, ok := opsByName[strings.ToLower(name)]
	if !ok {
		return OpInvalid, fmt.Errorf("unknown instruction %q", name)
	}
	return op, nil
}

func (op Op) Valid() bool {
	return op > BIND && op < numOps
}

func (op Op) String() string {
	if op >= numOps || descs[op].name == "" {
		return fmt.Sprintf("op(%d)", uint16(op))
	}
	return descs[op].name
}

// Operands returns the accepted operand count range.
func (op Op) Operands() (min, max int) {
	if op >= numOps {
		return 0, 0
	}
	return descs[op].min, descs[op].max
}

// CheckOperands reports whether n operands are accepted.
func (op Op) CheckOperands(n int) error {
	if !op.Valid() {
		return fmt.Errorf("invalid instruction %s", op)
	}
	d := descs[op]
	if n < d.min || n > d.max {
		if d.min == d.max {
			return fmt.Errorf("%s takes %d operands, got %d", op, d.min, n)
		}
		return fmt.Errorf("%s takes %d to %d operands, got %d", op, d.min, d.max, n)
	}
	return nil
}

// Access classifies operand i of an n-operand instruction.
func (op Op) Access(i, n int) Access {
	if op >= numOps {
		return ReadWrite
	}
	d := descs[op]
	for _, f := range d.fixed {
		if f.Operand == i {
			return f.Access
		}
	}
	switch d.class {
	case classMove:
		if i == 0 {
			return Write
		}
		return Read
	case classCompare, classBranch:
		return Read
	case classUnary:
		return ReadWrite
	case classFixed:
		if op == XCHG {
			return ReadWrite
		}
		if op == CMPXCHG && i == 0 {
			return ReadWrite
		}
		return Read
	default:
		if i == 0 {
			if op == IMUL && n == 3 {
				return Write
			}
			return ReadWrite
		}
		return Read
	}
}

// Constraints returns the fixed register operands of op. The returned
// slice is shared and must not be modified.
func Constraints(op Op) []Fixed {
	if op >= numOps {
		return nil
	}
	return descs[op].fixed
}

// ClearsWithSelf reports whether op applied to the same register twice
// produces a value independent of that register.
func (op Op) ClearsWithSelf() bool {
	return op < numOps && descs[op].clear
}

func (op Op) IsMove() bool {
	return op < numOps && descs[op].class == classMove
}

func (op Op) IsCompare() bool {
	return op < numOps && descs[op].class == classCompare
}

// IsJump reports whether op is JMP or a conditional jump.
func (op Op) IsJump() bool {
	return op >= JMP && op <= JNS
}

func (op Op) IsConditional() bool {
	return op > JMP && op <= JNS
}
