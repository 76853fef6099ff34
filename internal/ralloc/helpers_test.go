package ralloc

import (
	"testing"

	"github.com/tinyrange/ralloc/internal/abi"
	"github.com/tinyrange/ralloc/internal/asm"
	"github.com/tinyrange/ralloc/internal/asm/interp"
	"github.com/tinyrange/ralloc/internal/ir"
)

const externAddr = 0x4000

func parseOne(t *testing.T, src string) *ir.Function {
	t.Helper()
	funcs, err := ir.ParseString(t.Name()+".ir", src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(funcs) != 1 {
		t.Fatalf("got %d functions, want 1", len(funcs))
	}
	return funcs[0]
}

func compileSource(t *testing.T, src string, opts Options) (*Context, *asm.Recorder) {
	t.Helper()
	fn := parseOne(t, src)
	out := asm.NewRecorder()
	c, err := Compile(fn, out, opts)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return c, out
}

// sentinels are loaded into every callee-saved register before a run and
// checked afterwards.
var sentinels = map[int]uint64{
	asm.RBX: 0x1111,
	asm.RBP: 0x2222,
	asm.R12: 0x3333,
	asm.R13: 0x4444,
	asm.R14: 0x5555,
	asm.R15: 0x6666,
}

type run struct {
	args    map[int]uint64
	stack   []uint64
	externs map[uint64]interp.Extern
}

func execute(t *testing.T, prog *asm.Recorder, conv *abi.Convention, r run) *interp.Machine {
	t.Helper()
	m := interp.New(0)
	m.MaxSteps = 100000
	if err := m.Load(prog); err != nil {
		t.Fatalf("Load: %v", err)
	}
	for addr, e := range r.externs {
		m.Extern(addr, e)
	}
	for reg, v := range sentinels {
		m.GP[reg] = v
	}
	for reg, v := range r.args {
		m.GP[reg] = v
	}
	if err := m.Run(r.stack...); err != nil {
		t.Fatalf("Run: %v\n%s", err, prog.Listing())
	}
	for reg, v := range sentinels {
		if conv.IsPreserved(asm.GP, reg) && m.GP[reg] != v {
			t.Fatalf("%s=0x%x after return, want 0x%x\n%s", asm.R64(reg), m.GP[reg], v, prog.Listing())
		}
	}
	pops := 0
	if conv.CalleePops {
		pops = 8 * len(r.stack)
	}
	if got, want := m.GP[asm.RSP], m.EntryRSP+uint64(pops); got != want {
		t.Fatalf("rsp=0x%x after return, want 0x%x", got, want)
	}
	return m
}

// externFor models a callee following conv: every caller-saved register
// except the result registers is poisoned after fn.
func externFor(conv *abi.Convention, pops int, fn interp.ExternFunc) interp.Extern {
	var clobber [asm.NumBanks]uint32
	for bank := asm.Bank(0); bank < asm.NumBanks; bank++ {
		clobber[bank] = conv.Clobbered(bank) &^ conv.ReturnMask(bank)
	}
	return interp.Extern{Fn: fn, Clobber: clobber, Pops: pops}
}

// stackArg reads the quadword at offset of the outgoing argument area from
// inside an extern, where RSP points at the return address.
func stackArg(t *testing.T, m *interp.Machine, offset int) uint64 {
	t.Helper()
	v, err := m.Read64(m.GP[asm.RSP] + 8 + uint64(offset))
	if err != nil {
		t.Fatalf("Read64: %v", err)
	}
	return v
}
