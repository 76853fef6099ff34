package main

import (
	"fmt"

	"github.com/tinyrange/ralloc/internal/asm"
	"github.com/tinyrange/ralloc/internal/asm/amd64"
	"github.com/tinyrange/ralloc/internal/ir"
	"github.com/tinyrange/ralloc/internal/ralloc"
	"github.com/tinyrange/ralloc/internal/timeslice"
)

// compiled is one function after every pass.
type compiled struct {
	ctx  *ralloc.Context
	out  *asm.Recorder
	prog asm.Program
}

// compile runs the allocator passes and the encoder one at a time so each
// phase lands in the timeslice totals and profile.
func compile(fn *ir.Function, opts ralloc.Options) (compiled, error) {
	rec := timeslice.NewRecorder()
	c, err := ralloc.New(fn, opts)
	if err != nil {
		return compiled{}, err
	}
	if err := c.PrepareAll(); err != nil {
		return compiled{}, err
	}
	rec.Record(tsPrepare)
	if err := c.TranslateAll(); err != nil {
		return compiled{}, err
	}
	rec.Record(tsTranslate)
	out := asm.NewRecorder()
	if err := c.Emit(out); err != nil {
		return compiled{}, err
	}
	rec.Record(tsEmit)
	prog, err := amd64.Assemble(out)
	if err != nil {
		return compiled{}, fmt.Errorf("%s: %w", fn.Name, err)
	}
	rec.Record(tsAssemble)
	return compiled{ctx: c, out: out, prog: prog}, nil
}
