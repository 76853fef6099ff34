package ralloc

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/tinyrange/ralloc/internal/abi"
	"github.com/tinyrange/ralloc/internal/asm"
	"github.com/tinyrange/ralloc/internal/ir"
)

// newBare returns a context over a function with n temporaries that
// starts translating at offset 5.
func newBare(t *testing.T, conv *abi.Convention, policy Policy, n int) (*Context, []ir.VarID) {
	t.Helper()
	fn := ir.NewFunction("bare", conv)
	ids := make([]ir.VarID, n)
	for i := range ids {
		ids[i] = fn.NewVar(ir.Int64, fmt.Sprintf("t%d", i))
	}
	c, err := New(fn, Options{Policy: policy})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.offset = 5
	for _, id := range ids {
		v := c.Var(id)
		v.First, v.Last = 0, 10
	}
	return c, ids
}

// fillGP puts one variable in every allocatable GP register, in index
// order, and returns them by register.
func fillGP(t *testing.T, c *Context, ids []ir.VarID) map[int]*VarData {
	t.Helper()
	byReg := make(map[int]*VarData)
	next := 0
	for i := 0; i < asm.GP.Count(); i++ {
		if c.disabled[asm.GP]&(1<<i) != 0 {
			continue
		}
		v := c.Var(ids[next])
		next++
		c.assign(v, i, false)
		byReg[i] = v
	}
	return byReg
}

func TestFindFreeOrder(t *testing.T) {
	c, ids := newBare(t, &abi.SysV, Policy{}, 4)
	v := c.Var(ids[0])

	if got := c.findFree(v, -1); got != asm.RCX {
		t.Fatalf("first scan pick=%d, want rcx", got)
	}
	v.Hint = asm.R12
	if got := c.findFree(v, -1); got != asm.R12 {
		t.Fatalf("with hint pick=%d, want r12", got)
	}
	v.Home = asm.R8
	if got := c.findFree(v, -1); got != asm.R12 {
		t.Fatalf("hint loses to home: pick=%d", got)
	}
	c.assign(c.Var(ids[1]), asm.R12, false)
	if got := c.findFree(v, -1); got != asm.R8 {
		t.Fatalf("busy hint pick=%d, want home r8", got)
	}
	c.reserved[asm.GP] = 1 << asm.RDX
	if got := c.findFree(v, asm.RDX); got != asm.RDX {
		t.Fatalf("reserved preferred pick=%d, want rdx", got)
	}
	c.reserved[asm.GP] = 1 << asm.R8
	if got := c.findFree(v, -1); got == asm.R8 {
		t.Fatalf("reserved home was returned")
	}

	p, ids := newBare(t, &abi.SysV, Policy{PreferPreserved: true}, 1)
	if got := p.findFree(p.Var(ids[0]), -1); got != asm.RBX {
		t.Fatalf("prefer preserved pick=%d, want rbx", got)
	}
}

func TestSpillPicksHighestScore(t *testing.T) {
	for _, dirty := range []bool{false, true} {
		c, ids := newBare(t, &abi.SysV, Policy{OmitFramePointer: true}, 17)
		byReg := fillGP(t, c, ids)
		victim := byReg[asm.R9]
		victim.Last = 40
		if dirty {
			c.markDirty(victim)
		}
		next := c.Var(ids[16])
		next.First, next.Last = 5, 6

		if got := c.SelectSpillCandidate(asm.GP); got != victim {
			t.Fatalf("candidate=%v, want %v", got, victim)
		}
		if err := c.AllocVar(next, -1, asm.Write); err != nil {
			t.Fatalf("AllocVar: %v", err)
		}
		if next.Reg != asm.R9 {
			t.Fatalf("new variable in %d, want the victim's r9", next.Reg)
		}
		wantStores := 0
		wantState := Unused
		if dirty {
			wantStores, wantState = 1, InMemory
		}
		if got := c.Stats().Stores; got != wantStores {
			t.Fatalf("dirty=%v: stores=%d, want %d", dirty, got, wantStores)
		}
		if victim.State != wantState {
			t.Fatalf("dirty=%v: victim is %s, want %s", dirty, victim.State, wantState)
		}
	}
}

func TestSpillRespectsPriorityAndCurrentUse(t *testing.T) {
	c, ids := newBare(t, &abi.SysV, Policy{OmitFramePointer: true}, 16)
	byReg := fillGP(t, c, ids)
	far := byReg[asm.R15]
	far.Last = 90
	low := byReg[asm.RCX]
	low.Priority = 3
	if got := c.SelectSpillCandidate(asm.GP); got != low {
		t.Fatalf("candidate=%v, want the high priority %v", got, low)
	}
	low.WorkOffset = c.offset
	if got := c.SelectSpillCandidate(asm.GP); got != far {
		t.Fatalf("candidate=%v, want %v once %v is in use", got, far, low)
	}
	c.reserved[asm.GP] = 1 << asm.R15
	if got := c.SelectSpillCandidate(asm.GP); got == far {
		t.Fatalf("reserved register chosen")
	}
}

func TestSpillScoreWeights(t *testing.T) {
	c, ids := newBare(t, &abi.SysV, Policy{}, 2)
	reader, writer := c.Var(ids[0]), c.Var(ids[1])
	reader.RegRead, writer.RegWrite = 4, 4
	if c.spillScore(reader) <= c.spillScore(writer) {
		t.Fatalf("reads score %d, writes %d: reads should be cheaper to spill", c.spillScore(reader), c.spillScore(writer))
	}
	c.weights = SpillWeights{Distance: 10, Writes: 1, Reads: 1, Memory: 1}
	writer.Last = 30
	if c.spillScore(writer) <= c.spillScore(reader) {
		t.Fatalf("distance weight ignored: writer=%d reader=%d", c.spillScore(writer), c.spillScore(reader))
	}
}

func TestRestoreMovesWithoutStore(t *testing.T) {
	c, ids := newBare(t, &abi.SysV, Policy{OmitFramePointer: true}, 1)
	x := c.Var(ids[0])
	c.assign(x, 5, true)

	var to StateData
	to.set(asm.GP, 3, x.ID, true)
	if c.compatible(&c.state, &to, 6) {
		t.Fatalf("states with x in different registers reported compatible")
	}
	if err := c.RestoreState(&c.state, &to, 6); err != nil {
		t.Fatalf("RestoreState: %v", err)
	}
	if got := c.Body().Count(asm.MOV); got != 1 {
		t.Fatalf("emitted %d moves, want 1\n%s", got, c.Body().Listing())
	}
	if got := c.Stats().Stores; got != 0 {
		t.Fatalf("stores=%d, want 0", got)
	}
	if x.Reg != 3 || !x.Dirty {
		t.Fatalf("x=%v dirty=%v, want rbx and dirty", x, x.Dirty)
	}
	if !c.state.Equal(&to) {
		t.Fatalf("state=%s, want %s", c.state.String(), to.String())
	}
}

func TestRestoreDropsDeadAndSpillsLive(t *testing.T) {
	c, ids := newBare(t, &abi.SysV, Policy{}, 3)
	dead, live, clean := c.Var(ids[0]), c.Var(ids[1]), c.Var(ids[2])
	dead.Last = 5
	c.assign(dead, asm.RCX, true)
	c.assign(live, asm.RDX, true)
	c.assign(clean, asm.RSI, false)

	var to StateData
	to.set(asm.GP, asm.RSI, clean.ID, true)
	if err := c.RestoreState(&c.state, &to, 8); err != nil {
		t.Fatalf("RestoreState: %v", err)
	}
	if got := c.Stats().Stores; got != 1 {
		t.Fatalf("stores=%d, want 1 for the live dirty value", got)
	}
	if dead.State == InRegister || live.State != InMemory {
		t.Fatalf("dead=%s live=%s", dead.State, live.State)
	}
	if !clean.Dirty {
		t.Fatalf("clean variable not marked dirty by the target state")
	}
}

func TestCompatible(t *testing.T) {
	c, ids := newBare(t, &abi.SysV, Policy{}, 2)
	x := c.Var(ids[0])
	x.Last = 20

	var from, to StateData
	from.set(asm.GP, asm.RCX, x.ID, false)
	if !c.compatible(&from, &to, 10) {
		t.Fatalf("clean extra register should be compatible")
	}
	from.set(asm.GP, asm.RCX, x.ID, true)
	if c.compatible(&from, &to, 10) {
		t.Fatalf("dirty live value dropped at target")
	}
	if !c.compatible(&from, &to, 30) {
		t.Fatalf("dirty value dead at target should be compatible")
	}
	to.set(asm.GP, asm.RCX, x.ID, false)
	if c.compatible(&from, &to, 10) {
		t.Fatalf("dirty source into clean target")
	}
	to.set(asm.GP, asm.RCX, x.ID, true)
	if !c.compatible(&from, &to, 10) {
		t.Fatalf("identical states")
	}
}

func TestAssignStateSnapshot(t *testing.T) {
	c, ids := newBare(t, &abi.SysV, Policy{}, 2)
	a, b := c.Var(ids[0]), c.Var(ids[1])
	c.assign(a, asm.RCX, true)
	snap := c.SaveState()

	if _, err := c.home(b, 0); err != nil {
		t.Fatalf("home: %v", err)
	}
	c.assign(b, asm.RDX, false)
	c.UnuseVar(a, Unused)

	c.AssignState(snap)
	if a.State != InRegister || a.Reg != asm.RCX || !a.Dirty {
		t.Fatalf("a=%v dirty=%v after AssignState", a, a.Dirty)
	}
	if b.State != InMemory || b.Reg != -1 {
		t.Fatalf("b=%s reg=%d, want memory", b.State, b.Reg)
	}
}

func TestDebugLogging(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	_, out := compileSource(t, pressureSource(18), Options{Logger: log})
	if out.Len() == 0 {
		t.Fatalf("nothing emitted")
	}
	for _, msg := range []string{"msg=alloc", "msg=spill", "msg=translated", "func=pressure"} {
		if !strings.Contains(buf.String(), msg) {
			t.Fatalf("log is missing %q", msg)
		}
	}
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		opts Options
		edit func(fn *ir.Function)
		want error
	}{
		{
			name: "unbound label",
			src:  "func f() @sysv\n\tjmp nowhere\nend\n",
			want: ErrUnresolvedJump,
		},
		{
			name: "stack instruction",
			src:  "func f(x i64) @sysv\n\tpush x\n\tret\nend\n",
			want: ErrInvalidInstruction,
		},
		{
			name: "vector in fixed register",
			src:  "func f(x f64, y f64) @sysv\n\tcqo x, y\n\tret\nend\n",
			want: ErrUnsupportedKind,
		},
		{
			name: "vector immediate result",
			src:  "func f() f64 @sysv\n\tret 1\nend\n",
			want: ErrUnsupportedKind,
		},
		{
			name: "wrong result count",
			src:  "func f(x i64) i64 @sysv\n\tret\nend\n",
			want: ErrInvalidInstruction,
		},
		{
			name: "register and memory use",
			src:  "func f(x i64) @sysv\n\tadd x, [x]\n\tret\nend\n",
			want: ErrInvalidInstruction,
		},
		{
			name: "spill area limit",
			src:  pressureSource(20),
			opts: Options{Policy: Policy{MaxFrameBytes: 8}},
			want: ErrOutOfMemory,
		},
		{
			name: "no register left",
			src:  "func f(a i64, b i64, d i64) @sysv\n\tdiv a, b, d\n\tret\nend\n",
			edit: func(fn *ir.Function) {
				id, _ := fn.LookupVar("d")
				fn.Var(id).Mask = 1 << asm.RAX
			},
			want: ErrRegistersOverlap,
		},
		{
			name: "invalid kind",
			src:  "func f() @sysv\n\tret\nend\n",
			edit: func(fn *ir.Function) {
				fn.NewVar(ir.Kind(99), "bad")
			},
			want: ErrUnsupportedKind,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn := parseOne(t, tt.src)
			if tt.edit != nil {
				tt.edit(fn)
			}
			out := asm.NewRecorder()
			_, err := Compile(fn, out, tt.opts)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err=%v, want %v", err, tt.want)
			}
			if len(out.Insts) != 0 {
				t.Fatalf("failed compile emitted %d instructions", len(out.Insts))
			}
		})
	}
}
