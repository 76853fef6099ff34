package asm

import (
	"strings"
	"testing"
)

func TestOperandAccess(t *testing.T) {
	cases := []struct {
		op   Op
		n, i int
		want Access
	}{
		{MOV, 2, 0, Write},
		{MOV, 2, 1, Read},
		{ADD, 2, 0, ReadWrite},
		{ADD, 2, 1, Read},
		{CMP, 2, 0, Read},
		{TEST, 2, 1, Read},
		{NEG, 1, 0, ReadWrite},
		{IMUL, 3, 0, Write},
		{DIV, 3, 0, ReadWrite},
		{DIV, 3, 1, ReadWrite},
		{DIV, 3, 2, Read},
		{CQO, 2, 0, Write},
		{CQO, 2, 1, Read},
		{SHL, 2, 1, Read},
		{REP_STOSB, 3, 1, Read},
		{CMPXCHG, 3, 0, ReadWrite},
		{CMPXCHG, 3, 1, Read},
		{XCHG, 2, 1, ReadWrite},
		{MOVSD, 2, 0, Write},
		{UCOMISD, 2, 0, Read},
	}
	for _, tc := range cases {
		if got := tc.op.Access(tc.i, tc.n); got != tc.want {
			t.Fatalf("%s operand %d access=%s, want %s", tc.op, tc.i, got, tc.want)
		}
	}
}

func TestConstraints(t *testing.T) {
	fixed := Constraints(IDIV)
	if len(fixed) != 2 || fixed[0].Reg != RDX || fixed[1].Reg != RAX {
		t.Fatalf("idiv constraints=%+v", fixed)
	}
	if got := Constraints(SAR); len(got) != 1 || got[0].Reg != RCX || got[0].Required {
		t.Fatalf("sar constraints=%+v", got)
	}
	if got := Constraints(ADD); len(got) != 0 {
		t.Fatalf("add constraints=%+v, want none", got)
	}
	for _, op := range []Op{XOR, SUB, PXOR, XORPS, PANDN, PCMPEQD, PCMPGTB} {
		if !op.ClearsWithSelf() {
			t.Fatalf("%s should clear with itself", op)
		}
	}
	if AND.ClearsWithSelf() {
		t.Fatalf("and should not clear with itself")
	}
}

func TestParseOp(t *testing.T) {
	for _, name := range []string{"mov", "ADD", "rep_movsb", "imul3", "cvttsd2si"} {
		op, err := ParseOp(name)
		if err != nil {
			t.Fatalf("ParseOp(%q): %v", name, err)
		}
		if !op.Valid() {
			t.Fatalf("ParseOp(%q) returned invalid op", name)
		}
	}
	if op, _ := ParseOp("imul"); op != IMUL {
		t.Fatalf("imul parsed as %s", op)
	}
	if _, err := ParseOp("bind"); err == nil {
		t.Fatalf("bind should not parse as an instruction")
	}
	if _, err := ParseOp("frobnicate"); err == nil {
		t.Fatalf("expected error for unknown mnemonic")
	}
}

func TestJumpClassification(t *testing.T) {
	if !JMP.IsJump() || JMP.IsConditional() {
		t.Fatalf("jmp misclassified")
	}
	if !JNS.IsJump() || !JNS.IsConditional() {
		t.Fatalf("jns misclassified")
	}
	if CALL.IsJump() {
		t.Fatalf("call classified as jump")
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	l := r.NewLabel()
	if err := r.Emit(MOV, R64(RAX), Imm(1)); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := r.Bind(l); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := r.Bind(l); err == nil {
		t.Fatalf("expected error binding a label twice")
	}
	if err := r.Emit(JNE, l); err != nil {
		t.Fatalf("Emit jne: %v", err)
	}
	if err := r.Emit(ADD, R64(RAX)); err == nil {
		t.Fatalf("expected operand count error")
	}
	if pos, ok := r.Position(l); !ok || pos != 1 {
		t.Fatalf("Position=%d,%v, want 1,true", pos, ok)
	}
	if got := r.Len(); got != 2 {
		t.Fatalf("Len=%d, want 2", got)
	}

	replay := NewRecorder()
	if err := r.Replay(replay); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if replay.Listing() != r.Listing() {
		t.Fatalf("replayed listing differs:\n%s\n%s", replay.Listing(), r.Listing())
	}
	if next := replay.NewLabel(); next <= l {
		t.Fatalf("NewLabel after replay=%d, want > %d", next, l)
	}
}

func TestFormat(t *testing.T) {
	cases := []struct {
		inst Inst
		want string
	}{
		{Inst{Op: MOV, Operands: []Operand{R64(RAX), R64(R10)}}, "mov rax, r10"},
		{Inst{Op: ADD, Operands: []Operand{R32(RSI), Imm(-8)}}, "add esi, -0x8"},
		{Inst{Op: MOV, Operands: []Operand{MemAt(R64(RSP), 16, 8), R64(RBX)}}, "mov qword [rsp+0x10], rbx"},
		{Inst{Op: LEA, Operands: []Operand{R64(RAX), MemIndex(R64(RBX), R64(RCX), 8, -4, 0)}}, "lea rax, [rbx+rcx*8-0x4]"},
		{Inst{Op: MOVSD, Operands: []Operand{XMMReg(3), Slot{Area: SpillArea, ID: 2, Size: 8}}}, "movsd xmm3, qword [spill2]"},
		{Inst{Op: BIND, Operands: []Operand{Label(4)}}, "L4:"},
		{Inst{Op: MOVQ, Operands: []Operand{MMReg(1), R64(R8)}}, "movq mm1, r8"},
		{Inst{Op: SHL, Operands: []Operand{R8B(RSI), R8B(RCX)}}, "shl sil, cl"},
	}
	for _, tc := range cases {
		if got := Format(tc.inst); got != tc.want {
			t.Fatalf("Format=%q, want %q", got, tc.want)
		}
	}
}

func TestParseReg(t *testing.T) {
	cases := map[string]Reg{
		"rax":   R64(RAX),
		"R12D":  R32(R12),
		"dil":   R8B(RDI),
		"r8b":   R8B(R8),
		"r8":    R64(R8),
		"mm7":   MMReg(7),
		"xmm15": XMMReg(15),
	}
	for name, want := range cases {
		got, err := ParseReg(name)
		if err != nil {
			t.Fatalf("ParseReg(%q): %v", name, err)
		}
		if got != want {
			t.Fatalf("ParseReg(%q)=%v, want %v", name, got, want)
		}
	}
	for _, bad := range []string{"mm8", "xmm16", "rfoo", ""} {
		if _, err := ParseReg(bad); err == nil || !strings.Contains(err.Error(), "unknown register") {
			t.Fatalf("ParseReg(%q) err=%v, want unknown register", bad, err)
		}
	}
}

func TestMemValidate(t *testing.T) {
	if err := MemIndex(R64(RAX), R64(RSP), 2, 0, 8).Validate(); err == nil {
		t.Fatalf("expected rsp index to be rejected")
	}
	if err := MemIndex(R64(RAX), R64(RCX), 3, 0, 8).Validate(); err == nil {
		t.Fatalf("expected scale 3 to be rejected")
	}
	if err := MemAt(R64(RBP), -8, 8).Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
