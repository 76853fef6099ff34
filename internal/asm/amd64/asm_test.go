package amd64

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/tinyrange/ralloc/internal/asm"
)

func expectPrefix(t *testing.T, code []byte, prefixHex string) {
	t.Helper()
	expect, err := hex.DecodeString(prefixHex)
	if err != nil {
		t.Fatalf("decode expected prefix: %v", err)
	}
	if !bytes.HasPrefix(code, expect) {
		n := len(expect)
		if n > len(code) {
			n = len(code)
		}
		t.Fatalf("unexpected instruction prefix:\n got: %x\nwant: %x", code[:n], expect)
	}
}

func encodeOne(t *testing.T, op asm.Op, operands ...asm.Operand) []byte {
	t.Helper()
	a := New()
	if err := a.Emit(op, operands...); err != nil {
		t.Fatalf("Emit(%s): %v", op, err)
	}
	prog, err := a.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return prog.Bytes()
}

func TestEncodeGeneralPurpose(t *testing.T) {
	cases := []struct {
		name string
		op   asm.Op
		ops  []asm.Operand
		want string
	}{
		{"mov_reg", asm.MOV, []asm.Operand{asm.R64(asm.RAX), asm.R64(asm.R10)}, "4c89d0"},
		{"mov_imm32", asm.MOV, []asm.Operand{asm.R64(asm.RAX), asm.Imm(1)}, "48c7c001000000"},
		{"mov_imm64", asm.MOV, []asm.Operand{asm.R64(asm.RAX), asm.Imm(0x1122334455667788)}, "48b88877665544332211"},
		{"mov_r32_imm", asm.MOV, []asm.Operand{asm.R32(asm.RAX), asm.Imm(5)}, "b805000000"},
		{"mov_store_rsp", asm.MOV, []asm.Operand{asm.MemAt(asm.R64(asm.RSP), 0x10, 8), asm.R64(asm.RBX)}, "48895c2410"},
		{"mov_load_rbp", asm.MOV, []asm.Operand{asm.R64(asm.RAX), asm.MemAt(asm.R64(asm.RBP), -8, 8)}, "488b45f8"},
		{"mov_load_r13", asm.MOV, []asm.Operand{asm.R64(asm.RAX), asm.MemAt(asm.R64(asm.R13), 0, 8)}, "498b4500"},
		{"mov_load_r12", asm.MOV, []asm.Operand{asm.R64(asm.RAX), asm.MemAt(asm.R64(asm.R12), 0, 8)}, "498b0424"},
		{"mov_byte_sil", asm.MOV, []asm.Operand{asm.R8B(asm.RSI), asm.R8B(asm.RAX)}, "4088c6"},
		{"lea_sib", asm.LEA, []asm.Operand{asm.R64(asm.RAX), asm.MemIndex(asm.R64(asm.RBX), asm.R64(asm.RCX), 8, -4, 0)}, "488d44cbfc"},
		{"add_imm8", asm.ADD, []asm.Operand{asm.R64(asm.RAX), asm.Imm(0x21)}, "4883c021"},
		{"add_high_regs", asm.ADD, []asm.Operand{asm.R64(asm.R14), asm.R64(asm.R15)}, "4d01fe"},
		{"sub_imm32", asm.SUB, []asm.Operand{asm.R32(asm.RSI), asm.Imm(0x1000)}, "81ee00100000"},
		{"cmp_r9", asm.CMP, []asm.Operand{asm.R64(asm.R9), asm.Imm(0x44)}, "4983f944"},
		{"and_rsp_align", asm.AND, []asm.Operand{asm.R64(asm.RSP), asm.Imm(-16)}, "4883e4f0"},
		{"xchg", asm.XCHG, []asm.Operand{asm.R64(asm.RAX), asm.R64(asm.RCX)}, "4887c8"},
		{"idiv", asm.IDIV, []asm.Operand{asm.R64(asm.RDX), asm.R64(asm.RAX), asm.R64(asm.RCX)}, "48f7f9"},
		{"cqo", asm.CQO, []asm.Operand{asm.R64(asm.RDX), asm.R64(asm.RAX)}, "4899"},
		{"shl_imm", asm.SHL, []asm.Operand{asm.R64(asm.RCX), asm.Imm(3)}, "48c1e103"},
		{"shr_one", asm.SHR, []asm.Operand{asm.R64(asm.RDX), asm.Imm(1)}, "48d1ea"},
		{"sar_cl", asm.SAR, []asm.Operand{asm.R64(asm.RAX), asm.R8B(asm.RCX)}, "48d3f8"},
		{"movzx_mem", asm.MOVZX, []asm.Operand{asm.R32(asm.RAX), asm.MemAt(asm.R64(asm.RDI), 0x10, 1)}, "0fb64710"},
		{"imul_imm", asm.IMUL, []asm.Operand{asm.R64(asm.RAX), asm.R64(asm.RCX), asm.Imm(3)}, "486bc103"},
		{"imul_reg", asm.IMUL, []asm.Operand{asm.R64(asm.RAX), asm.R64(asm.RCX)}, "480fafc1"},
		{"push_rbp", asm.PUSH, []asm.Operand{asm.R64(asm.RBP)}, "55"},
		{"push_r12", asm.PUSH, []asm.Operand{asm.R64(asm.R12)}, "4154"},
		{"pop_r15", asm.POP, []asm.Operand{asm.R64(asm.R15)}, "415f"},
		{"ret", asm.RET, nil, "c3"},
		{"ret_imm", asm.RET, []asm.Operand{asm.Imm(8)}, "c20800"},
		{"call_reg", asm.CALL, []asm.Operand{asm.R64(asm.R11)}, "41ffd3"},
		{"call_mem", asm.CALL, []asm.Operand{asm.MemAt(asm.R64(asm.RSP), 8, 8)}, "ff542408"},
		{"rep_movsb", asm.REP_MOVSB, []asm.Operand{asm.R64(asm.RDI), asm.R64(asm.RSI), asm.R64(asm.RCX)}, "f3a4"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code := encodeOne(t, tc.op, tc.ops...)
			expectPrefix(t, code, tc.want)
			if got := hex.EncodeToString(code); got != tc.want {
				t.Fatalf("encoding=%s, want %s", got, tc.want)
			}
		})
	}
}

func TestEncodeVector(t *testing.T) {
	cases := []struct {
		name string
		op   asm.Op
		ops  []asm.Operand
		want string
	}{
		{"movsd_load", asm.MOVSD, []asm.Operand{asm.XMMReg(1), asm.MemAt(asm.R64(asm.RSP), 8, 8)}, "f20f104c2408"},
		{"movsd_store_high", asm.MOVSD, []asm.Operand{asm.MemAt(asm.R64(asm.RSP), 0, 8), asm.XMMReg(9)}, "f2440f110c24"},
		{"addsd", asm.ADDSD, []asm.Operand{asm.XMMReg(0), asm.XMMReg(1)}, "f20f58c1"},
		{"xorps", asm.XORPS, []asm.Operand{asm.XMMReg(2), asm.XMMReg(2)}, "0f57d2"},
		{"pxor_mm", asm.PXOR, []asm.Operand{asm.MMReg(1), asm.MMReg(2)}, "0fefca"},
		{"pxor_xmm", asm.PXOR, []asm.Operand{asm.XMMReg(1), asm.XMMReg(2)}, "660fefca"},
		{"movq_mm_gp", asm.MOVQ, []asm.Operand{asm.MMReg(0), asm.R64(asm.RAX)}, "480f6ec0"},
		{"movq_gp_xmm", asm.MOVQ, []asm.Operand{asm.R64(asm.RAX), asm.XMMReg(0)}, "66480f7ec0"},
		{"movq_xmm_xmm", asm.MOVQ, []asm.Operand{asm.XMMReg(1), asm.XMMReg(2)}, "f30f7eca"},
		{"movdqa_store", asm.MOVDQA, []asm.Operand{asm.MemAt(asm.R64(asm.RSP), 0x20, 16), asm.XMMReg(6)}, "660f7f742420"},
		{"movaps_high", asm.MOVAPS, []asm.Operand{asm.XMMReg(8), asm.XMMReg(1)}, "440f28c1"},
		{"cvtsi2sd", asm.CVTSI2SD, []asm.Operand{asm.XMMReg(0), asm.R64(asm.RAX)}, "f2480f2ac0"},
		{"cvttsd2si", asm.CVTTSD2SI, []asm.Operand{asm.R64(asm.RAX), asm.XMMReg(1)}, "f2480f2cc1"},
		{"emms", asm.EMMS, nil, "0f77"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code := encodeOne(t, tc.op, tc.ops...)
			if got := hex.EncodeToString(code); got != tc.want {
				t.Fatalf("encoding=%s, want %s", got, tc.want)
			}
		})
	}
}

func TestLabelPatching(t *testing.T) {
	a := New()
	top := a.NewLabel()
	done := a.NewLabel()
	if err := a.Bind(top); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	steps := []struct {
		op  asm.Op
		ops []asm.Operand
	}{
		{asm.MOV, []asm.Operand{asm.R32(asm.RAX), asm.Imm(5)}},
		{asm.JNE, []asm.Operand{top}},
		{asm.JMP, []asm.Operand{done}},
	}
	for _, s := range steps {
		if err := a.Emit(s.op, s.ops...); err != nil {
			t.Fatalf("Emit(%s): %v", s.op, err)
		}
	}
	if err := a.Bind(done); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	prog, err := a.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	want := "b805000000" + "0f85f5ffffff" + "e900000000"
	if got := hex.EncodeToString(prog.Bytes()); got != want {
		t.Fatalf("code=%s, want %s", got, want)
	}
	if off, ok := prog.LabelOffset(done); !ok || off != 16 {
		t.Fatalf("LabelOffset(done)=%d,%v, want 16,true", off, ok)
	}
}

func TestEncodeErrors(t *testing.T) {
	a := New()
	if err := a.Emit(asm.MOV, asm.R64(asm.RAX), asm.Slot{Area: asm.SpillArea, ID: 1, Size: 8}); err == nil || !strings.Contains(err.Error(), "unresolved frame slot") {
		t.Fatalf("slot operand err=%v, want unresolved frame slot", err)
	}
	if err := a.Emit(asm.IDIV, asm.R64(asm.RBX), asm.R64(asm.RAX), asm.R64(asm.RCX)); err == nil {
		t.Fatalf("expected idiv with a non-rdx high operand to fail")
	}
	if err := a.Emit(asm.MOV, asm.R64(asm.RAX), asm.R32(asm.RCX)); err == nil {
		t.Fatalf("expected width mismatch to fail")
	}
	if err := a.Emit(asm.JE, asm.R64(asm.RAX)); err == nil {
		t.Fatalf("expected conditional jump through a register to fail")
	}
	missing := a.NewLabel()
	if err := a.Emit(asm.JMP, missing); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if _, err := a.Finish(); err == nil {
		t.Fatalf("expected undefined label error")
	}
}
