package ir

import (
	"strings"
	"testing"

	"github.com/tinyrange/ralloc/internal/abi"
	"github.com/tinyrange/ralloc/internal/asm"
)

const loopSource = `
# sum of 1..n
func sum(n i64) i64 @sysv
	var acc i64 prio 2
	var p i64 hint rbx
	xor acc, acc
loop:
	add acc, n
	mov qword [p+n*8-16], acc
	dec n
	jne loop likely
	call helper(acc, 7) -> acc @win64
	ret acc
helper:
	ret
end
`

func TestParseFunction(t *testing.T) {
	funcs, err := ParseString("loop.ir", loopSource)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(funcs) != 1 {
		t.Fatalf("got %d functions, want 1", len(funcs))
	}
	fn := funcs[0]
	if fn.Name != "sum" || fn.Conv != &abi.SysV {
		t.Fatalf("header parsed as %s @%s", fn.Name, fn.Conv.Name)
	}
	if len(fn.Params) != 1 || len(fn.Results) != 1 || fn.Results[0] != Int64 {
		t.Fatalf("signature params=%v results=%v", fn.Params, fn.Results)
	}

	acc, _ := fn.LookupVar("acc")
	if v := fn.Var(acc); v.Priority != 2 || v.Param != -1 {
		t.Fatalf("acc=%+v", v)
	}
	p, _ := fn.LookupVar("p")
	if v := fn.Var(p); v.Hint != asm.RBX {
		t.Fatalf("p hint=%d, want rbx", v.Hint)
	}

	var kinds []string
	for id := fn.First(); id != 0; id = fn.Node(id).Next {
		switch pl := fn.Node(id).Payload.(type) {
		case *FunctionEntry:
			kinds = append(kinds, "entry")
		case *Instruction:
			kinds = append(kinds, pl.Op.String())
		case *Target:
			kinds = append(kinds, "target")
		case *Jump:
			if !pl.Likely || fn.LabelName(pl.Target) != "loop" {
				t.Fatalf("jump=%+v", pl)
			}
			kinds = append(kinds, "jump")
		case *Call:
			if pl.Proto.Convention != &abi.Win64 {
				t.Fatalf("call convention=%s", pl.Proto.Convention.Name)
			}
			if _, ok := pl.Target.(LabelRef); !ok {
				t.Fatalf("call target=%T, want LabelRef", pl.Target)
			}
			if len(pl.Args) != 2 || pl.Args[1] != Imm(7) || len(pl.Returns) != 1 {
				t.Fatalf("call=%+v", pl)
			}
			kinds = append(kinds, "call")
		case *Return:
			kinds = append(kinds, "ret")
		}
	}
	want := "entry xor target add mov dec jump call ret target ret"
	if got := strings.Join(kinds, " "); got != want {
		t.Fatalf("nodes=%q, want %q", got, want)
	}

	store := fn.Node(fn.First())
	for i := 0; i < 4; i++ {
		store = fn.Node(store.Next)
	}
	mem := store.Payload.(*Instruction).Operands[0].(Mem)
	if mem.Base != p || mem.Index != 1 || mem.Scale != 8 || mem.Disp != -16 || mem.Size != 8 {
		t.Fatalf("memory operand=%+v", mem)
	}
}

func TestFormatReparses(t *testing.T) {
	funcs, err := ParseString("loop.ir", loopSource)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	text := funcs[0].String()
	again, err := ParseString("formatted.ir", text)
	if err != nil {
		t.Fatalf("reparse: %v\n%s", err, text)
	}
	if got := again[0].String(); got != text {
		t.Fatalf("formatted text changed:\n%s\n---\n%s", text, got)
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		src  string
		want string
	}{
		{"func f() i64\n\tmov x, 1\nend\n", "bad.ir:2: unknown variable"},
		{"func f()\n\tfrob a\nend\n", "bad.ir:2: unknown instruction"},
		{"func f(a i128)\nend\n", "bad.ir:1: parameter a"},
		{"func f(a i64)\n\tadd a\nend\n", "bad.ir:2: add takes 2 operands"},
		{"func f() @nope\nend\n", "bad.ir:1: abi: no convention"},
		{"func f(a i64)\n\tmov a, [a+a+a]\nend\n", "too many registers"},
		{"func f()\n\tret\n", "missing end"},
	}
	for _, tc := range cases {
		_, err := ParseString("bad.ir", tc.src)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("Parse(%q) err=%v, want %q", tc.src, err, tc.want)
		}
	}
}

func TestParseConvDefault(t *testing.T) {
	funcs, err := ParseConv("conv.ir", strings.NewReader("func a()\nend\nfunc b() @sysv\nend\n"), &abi.Fast2)
	if err != nil {
		t.Fatalf("ParseConv: %v", err)
	}
	if funcs[0].Conv != &abi.Fast2 {
		t.Fatalf("got=%s, want fast2", funcs[0].Conv.Name)
	}
	if funcs[1].Conv.Name != "sysv" {
		t.Fatalf("got=%s, want sysv", funcs[1].Conv.Name)
	}
}

func TestListEditing(t *testing.T) {
	fn := NewFunction("edit", &abi.SysV)
	a := fn.NewParam(Int64, "a")
	first := fn.Inst(asm.INC, V(a))
	last := fn.Ret(V(a))
	mid := fn.InsertAfter(first, &Instruction{Op: asm.NEG, Operands: []Operand{V(a)}})

	if fn.Node(first).Next != mid || fn.Node(last).Prev != mid {
		t.Fatalf("InsertAfter did not link the node")
	}
	fn.Remove(first)
	if fn.Node(fn.First()).Next != mid {
		t.Fatalf("Remove did not unlink the node")
	}
	fn.Remove(last)
	if fn.Last() != mid {
		t.Fatalf("Last=%d, want %d", fn.Last(), mid)
	}
}

func TestKinds(t *testing.T) {
	cases := []struct {
		kind Kind
		bank asm.Bank
		size int
	}{
		{Int32, asm.GP, 4},
		{Int64, asm.GP, 8},
		{MM, asm.MM, 8},
		{XMMSS, asm.XMM, 4},
		{XMMSD, asm.XMM, 8},
		{XMMPD, asm.XMM, 16},
	}
	for _, tc := range cases {
		if tc.kind.Bank() != tc.bank || tc.kind.Size() != tc.size {
			t.Fatalf("%s: bank=%s size=%d", tc.kind, tc.kind.Bank(), tc.kind.Size())
		}
		if k, err := ParseKind(tc.kind.String()); err != nil || k != tc.kind {
			t.Fatalf("ParseKind(%q)=%v,%v", tc.kind, k, err)
		}
	}
}
