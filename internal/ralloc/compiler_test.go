package ralloc

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/tinyrange/ralloc/internal/abi"
	"github.com/tinyrange/ralloc/internal/asm"
	"github.com/tinyrange/ralloc/internal/asm/amd64"
	"github.com/tinyrange/ralloc/internal/asm/interp"
	"github.com/tinyrange/ralloc/internal/asm/testutil"
	"github.com/tinyrange/ralloc/internal/ir"
)

func TestAddFast2(t *testing.T) {
	fn := parseOne(t, `
func add(a i64, b i64) i64 @fast2
	add a, b
	ret a
end
`)
	c, err := New(fn, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.PrepareAll(); err != nil {
		t.Fatalf("PrepareAll: %v", err)
	}
	a, _ := fn.LookupVar("a")
	b, _ := fn.LookupVar("b")

	entry := fn.First()
	next, err := c.Translate(entry)
	if err != nil {
		t.Fatalf("Translate(entry): %v", err)
	}
	if got := c.Var(a).Reg; got != asm.RCX {
		t.Fatalf("a in %d, want rcx", got)
	}
	if got := c.Var(b).Reg; got != asm.RDX {
		t.Fatalf("b in %d, want rdx", got)
	}
	if _, err := c.Translate(next); err != nil {
		t.Fatalf("Translate(add): %v", err)
	}
	testutil.VerifyStream(t, c.Body().Insts, []testutil.Expectation{
		{Name: "add", Op: asm.ADD, Contains: []string{"rcx", "rdx"}},
	})
	if got := c.Var(b).State; got != Unused {
		t.Fatalf("b is %s after its last use, want unused", got)
	}

	out := asm.NewRecorder()
	c, err = Compile(parseOne(t, `
func add(a i64, b i64) i64 @fast2
	add a, b
	ret a
end
`), out, Options{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got := c.Body().Count(asm.ADD); got != 1 {
		t.Fatalf("body has %d adds, want 1", got)
	}
	for _, id := range []ir.VarID{a, b} {
		if got := c.Var(id).State; got != Unused {
			t.Fatalf("%s is %s after compile, want unused", c.Var(id).Name, got)
		}
	}
	m := execute(t, out, &abi.Fast2, run{args: map[int]uint64{asm.RCX: 30, asm.RDX: 12}})
	if got := m.GP[asm.RAX]; got != 42 {
		t.Fatalf("rax=%d, want 42", got)
	}
	if _, err := amd64.Assemble(out); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
}

func TestSwappedArgumentsUseExchange(t *testing.T) {
	c, out := compileSource(t, `
func swap(a i64, b i64) i64 @fast2
	var r i64
	call 0x4000(b, a) -> r @fast2
	ret r
end
`, Options{})
	if got := c.Body().Count(asm.XCHG); got != 1 {
		t.Fatalf("body has %d xchg, want 1\n%s", got, c.Body().Listing())
	}
	if got := c.Stats().Stores; got != 0 {
		t.Fatalf("stores=%d, want 0\n%s", got, c.Body().Listing())
	}
	m := execute(t, out, &abi.Fast2, run{
		args: map[int]uint64{asm.RCX: 3, asm.RDX: 4},
		externs: map[uint64]interp.Extern{
			externAddr: externFor(&abi.Fast2, 0, func(m *interp.Machine) error {
				m.GP[asm.RAX] = m.GP[asm.RCX]*10 + m.GP[asm.RDX]
				return nil
			}),
		},
	})
	if got := m.GP[asm.RAX]; got != 43 {
		t.Fatalf("rax=%d, want 43", got)
	}
}

func pressureSource(n int) string {
	var b strings.Builder
	b.WriteString("func pressure(x i64) i64 @sysv\n\tvar r i64\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "\tvar a%d i64\n", i)
	}
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "\tmov a%d, x\n\tadd a%d, %d\n", i, i, i+1)
	}
	b.WriteString("\txor r, r\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "\tadd r, a%d\n", i)
	}
	b.WriteString("\tret r\nend\n")
	return b.String()
}

func TestPressureRoundTrip(t *testing.T) {
	const n = 20
	for _, policy := range []Policy{
		{},
		{ReuseSlots: true},
		{ReuseSlots: true, PreferPreserved: true},
		{OmitFramePointer: true},
	} {
		t.Run(fmt.Sprintf("%+v", policy), func(t *testing.T) {
			c, out := compileSource(t, pressureSource(n), Options{Policy: policy})
			if c.Stats().Stores == 0 {
				t.Fatalf("no spills with %d live values", n)
			}
			m := execute(t, out, &abi.SysV, run{args: map[int]uint64{asm.RDI: 5}})
			want := uint64(n*5 + n*(n+1)/2)
			if got := m.GP[asm.RAX]; got != want {
				t.Fatalf("rax=%d, want %d\n%s", got, want, out.Listing())
			}
			if _, err := amd64.Assemble(out); err != nil {
				t.Fatalf("Assemble: %v", err)
			}
		})
	}
}

func TestLoopRoundTrip(t *testing.T) {
	c, out := compileSource(t, `
func sum(n i64) i64 @sysv
	var acc i64
	xor acc, acc
loop:
	add acc, n
	dec n
	jne loop
	ret acc
end
`, Options{})
	if got := c.Stats().Trailers; got != 0 {
		t.Fatalf("trailers=%d, want 0\n%s", got, out.Listing())
	}
	m := execute(t, out, &abi.SysV, run{args: map[int]uint64{asm.RDI: 10}})
	if got := m.GP[asm.RAX]; got != 55 {
		t.Fatalf("rax=%d, want 55", got)
	}
}

func TestIfElseRoundTrip(t *testing.T) {
	_, out := compileSource(t, `
func max(a i64, b i64) i64 @sysv
	var r i64
	cmp a, b
	jl less
	mov r, a
	jmp done
less:
	mov r, b
done:
	ret r
end
`, Options{})
	for _, tc := range []struct{ a, b, want uint64 }{
		{3, 9, 9},
		{9, 3, 9},
		{4, 4, 4},
	} {
		m := execute(t, out, &abi.SysV, run{args: map[int]uint64{asm.RDI: tc.a, asm.RSI: tc.b}})
		if got := m.GP[asm.RAX]; got != tc.want {
			t.Fatalf("max(%d, %d)=%d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestCallKeepsLiveValue(t *testing.T) {
	c, out := compileSource(t, `
func f(x i64) i64 @sysv
	var y i64
	var r i64
	mov y, x
	add y, 5
	call 0x4000(x) -> r
	add r, y
	ret r
end
`, Options{})
	ext := externFor(&abi.SysV, 0, func(m *interp.Machine) error {
		m.GP[asm.RAX] = m.GP[asm.RDI] * 100
		return nil
	})
	m := execute(t, out, &abi.SysV, run{
		args:    map[int]uint64{asm.RDI: 2},
		externs: map[uint64]interp.Extern{externAddr: ext},
	})
	if got := m.GP[asm.RAX]; got != 207 {
		t.Fatalf("rax=%d, want 207\n%s", got, out.Listing())
	}
	if f := c.Frame(); (8+f.PushBytes()+f.Size)%16 != 0 {
		t.Fatalf("frame %+v leaves rsp misaligned at calls", f)
	}
}

func TestForwardJumpTrailer(t *testing.T) {
	c, out := compileSource(t, `
func f(a i64) i64 @sysv
	var t i64
	var r i64
	mov t, a
	add t, 1
	cmp a, 10
	jg skip
	call 0x4000(a) -> r
	add t, r
skip:
	ret t
end
`, Options{})
	if got := c.Stats().Trailers; got != 1 {
		t.Fatalf("trailers=%d, want 1\n%s", got, out.Listing())
	}
	ext := externFor(&abi.SysV, 0, func(m *interp.Machine) error {
		m.GP[asm.RAX] = m.GP[asm.RDI] * 100
		return nil
	})
	for _, tc := range []struct{ a, want uint64 }{
		{20, 21},
		{2, 203},
	} {
		m := execute(t, out, &abi.SysV, run{
			args:    map[int]uint64{asm.RDI: tc.a},
			externs: map[uint64]interp.Extern{externAddr: ext},
		})
		if got := m.GP[asm.RAX]; got != tc.want {
			t.Fatalf("f(%d)=%d, want %d\n%s", tc.a, got, tc.want, out.Listing())
		}
	}
}

func TestDivideUsesFixedRegisters(t *testing.T) {
	_, out := compileSource(t, `
func divmod(a i64, b i64) i64 @sysv
	var hi i64
	var lo i64
	mov lo, a
	cqo hi, lo
	idiv hi, lo, b
	add lo, hi
	ret lo
end
`, Options{})
	for _, tc := range []struct{ a, b, want int64 }{
		{100, 7, 16},
		{-17, 5, -5},
	} {
		m := execute(t, out, &abi.SysV, run{args: map[int]uint64{asm.RDI: uint64(tc.a), asm.RSI: uint64(tc.b)}})
		if got := int64(m.GP[asm.RAX]); got != tc.want {
			t.Fatalf("divmod(%d, %d)=%d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestShiftCountInRCX(t *testing.T) {
	c, out := compileSource(t, `
func shl(x i64, n i64) i64 @sysv
	shl x, n
	ret x
end
`, Options{})
	testutil.VerifyStream(t, c.Body().Insts, []testutil.Expectation{
		{Name: "count", Op: asm.MOV, Contains: []string{"rcx", "rsi"}},
		{Name: "shift", Op: asm.SHL, Contains: []string{"rdi", "rcx"}},
	})
	m := execute(t, out, &abi.SysV, run{args: map[int]uint64{asm.RDI: 3, asm.RSI: 4}})
	if got := m.GP[asm.RAX]; got != 48 {
		t.Fatalf("rax=%d, want 48", got)
	}
}

func TestScalarDouble(t *testing.T) {
	_, out := compileSource(t, `
func fma(x f64, y f64) f64 @sysv
	mulsd x, y
	addsd x, y
	ret x
end
`, Options{})
	m := interp.New(0)
	if err := m.Load(out); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.XMM[0] = [2]uint64{math.Float64bits(1.5)}
	m.XMM[1] = [2]uint64{math.Float64bits(4)}
	if err := m.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := math.Float64frombits(m.XMM[0][0]); got != 10 {
		t.Fatalf("xmm0=%v, want 10", got)
	}
}

func TestIncomingStackArguments(t *testing.T) {
	_, out := compileSource(t, `
func sum8(a i64, b i64, c i64, d i64, e i64, f i64, g i64, h i64) i64 @sysv
	add a, b
	add a, c
	add a, d
	add a, e
	add a, f
	add a, g
	add a, h
	ret a
end
`, Options{})
	args := map[int]uint64{asm.RDI: 1, asm.RSI: 2, asm.RDX: 3, asm.RCX: 4, asm.R8: 5, asm.R9: 6}
	m := execute(t, out, &abi.SysV, run{args: args, stack: []uint64{7, 8}})
	if got := m.GP[asm.RAX]; got != 36 {
		t.Fatalf("rax=%d, want 36\n%s", got, out.Listing())
	}
}

func TestCalleePopsFunction(t *testing.T) {
	c, out := compileSource(t, `
func f3(a i64, b i64, c i64) i64 @fast2
	add a, b
	add a, c
	ret a
end
`, Options{})
	if got := c.Frame().ArgPops; got != 8 {
		t.Fatalf("ArgPops=%d, want 8", got)
	}
	m := execute(t, out, &abi.Fast2, run{args: map[int]uint64{asm.RCX: 1, asm.RDX: 2}, stack: []uint64{3}})
	if got := m.GP[asm.RAX]; got != 6 {
		t.Fatalf("rax=%d, want 6", got)
	}
}

func TestOutgoingStackArguments(t *testing.T) {
	_, out := compileSource(t, `
func caller(x i64) i64 @sysv
	var y i64
	var r i64
	mov y, x
	add y, 1
	call 0x4000(x, y, 100, y) -> r @fast2
	ret r
end
`, Options{})
	ext := externFor(&abi.Fast2, 16, func(m *interp.Machine) error {
		m.GP[asm.RAX] = m.GP[asm.RCX] + 10*m.GP[asm.RDX] + 100*stackArg(t, m, 0) + 1000*stackArg(t, m, 8)
		return nil
	})
	m := execute(t, out, &abi.SysV, run{
		args:    map[int]uint64{asm.RDI: 2},
		externs: map[uint64]interp.Extern{externAddr: ext},
	})
	if got := m.GP[asm.RAX]; got != 13032 {
		t.Fatalf("rax=%d, want 13032\n%s", got, out.Listing())
	}
}

func TestLabelCallTarget(t *testing.T) {
	c, _ := compileSource(t, `
func outer(x i64) i64 @sysv
	var r i64
	call helper(x) -> r
	add r, x
	ret r
helper:
	ret 5
end
`, Options{})
	var calls []asm.Inst
	for _, inst := range c.Body().Insts {
		if inst.Op == asm.CALL {
			calls = append(calls, inst)
		}
	}
	if len(calls) != 1 {
		t.Fatalf("body has %d calls, want 1\n%s", len(calls), c.Body().Listing())
	}
	if _, ok := calls[0].Operands[0].(asm.Label); !ok {
		t.Fatalf("call target %s, want a label", asm.FormatOperand(calls[0].Operands[0]))
	}
	// x lives across the call in a clobbered register.
	if got := c.Stats().Stores; got != 1 {
		t.Fatalf("stores=%d, want 1\n%s", got, c.Body().Listing())
	}
}
