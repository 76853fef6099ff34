package ralloc

import (
	"fmt"

	"github.com/tinyrange/ralloc/internal/asm"
	"github.com/tinyrange/ralloc/internal/ir"
)

// FrameLayout describes the stack frame of a compiled function. Offsets
// are relative to RSP after the prolog.
type FrameLayout struct {
	FramePointer bool
	// Realign is set when the prolog aligns RSP with AND because the
	// convention does not promise an aligned stack on entry.
	Realign bool

	// Pushes are the callee-saved GP registers pushed after RBP, in push
	// order.
	Pushes   []int
	XMMSaves []int
	MMSaves  []int

	CallBytes  int
	SpillBase  int
	SpillBytes int
	XMMBase    int
	MMBase     int

	// Size is subtracted from RSP after the pushes.
	Size int
	// ArgPops is released by RET for callee-pops conventions.
	ArgPops int
}

// PushBytes is the stack used by pushes, including the frame pointer.
func (f FrameLayout) PushBytes() int {
	n := 8 * len(f.Pushes)
	if f.FramePointer {
		n += 8
	}
	return n
}

func alignTo(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

func (c *Context) prepareEntry(n *ir.Node) error {
	for i, id := range c.fn.Params {
		v, err := c.lookup(id)
		if err != nil {
			return err
		}
		loc := c.params.Params[i]
		if !loc.InReg {
			v.ArgOffset = loc.Offset
		}
		v.countReg(asm.Write)
		v.touch(n.Offset)
	}
	return nil
}

func (c *Context) translateEntry(n *ir.Node) error {
	for i, id := range c.fn.Params {
		v := c.Var(id)
		loc := c.params.Params[i]
		if loc.InReg {
			c.assign(v, int(loc.Reg), true)
		} else {
			v.State = InMemory
		}
	}
	for _, id := range c.fn.Params {
		if v := c.Var(id); v.Last <= n.Offset {
			c.release(v)
		}
	}
	return nil
}

func (c *Context) prepareReturn(n *ir.Node, r *ir.Return) error {
	if len(r.Values) != len(c.fn.Results) {
		return fmt.Errorf("offset %d: return of %d values from %s with %d results: %w", n.Offset, len(r.Values), c.fn.Name, len(c.fn.Results), ErrInvalidInstruction)
	}
	for i, o := range r.Values {
		k := c.fn.Results[i]
		switch o := o.(type) {
		case ir.VarRef:
			v, err := c.lookup(o.ID)
			if err != nil {
				return err
			}
			if v.Bank() != k.Bank() {
				return fmt.Errorf("offset %d: returning %s as %s: %w", n.Offset, v.Kind, k, ErrUnsupportedKind)
			}
			v.countReg(asm.Read)
			v.touch(n.Offset)
		case ir.Imm:
			if k.Bank() != asm.GP {
				return fmt.Errorf("offset %d: immediate %s result: %w", n.Offset, k, ErrUnsupportedKind)
			}
		default:
			return fmt.Errorf("offset %d: return value %T: %w", n.Offset, o, ErrInvalidInstruction)
		}
	}
	return nil
}

func (c *Context) translateReturn(n *ir.Node, r *ir.Return) error {
	defer func() { c.reserved = [asm.NumBanks]uint32{} }()
	keep := make(map[ir.VarID]bool)
	for _, o := range r.Values {
		if ref, ok := o.(ir.VarRef); ok {
			keep[ref.ID] = true
			c.Var(ref.ID).WorkOffset = n.Offset
		}
	}
	// Nothing but the results is read after this point on this path.
	for bank := asm.Bank(0); bank < asm.NumBanks; bank++ {
		for i := 0; i < bank.Count(); i++ {
			if id := c.state.Regs[bank][i]; id != 0 && !keep[id] {
				c.UnuseVar(c.Var(id), InMemory)
			}
		}
	}

	values := make([]regValue, len(r.Values))
	for i, o := range r.Values {
		loc := c.params.Results[i]
		values[i] = regValue{bank: loc.Bank, reg: int(loc.Reg), src: o}
	}
	if err := c.place(values); err != nil {
		return err
	}
	for id := range keep {
		if v := c.Var(id); v.Last == n.Offset {
			c.release(v)
		}
	}
	if n.Next != 0 {
		if err := c.emit(asm.JMP, c.exit); err != nil {
			return err
		}
	}
	c.unreachable = true
	return nil
}

// layoutFrame fixes the frame once translation has recorded the modified
// registers, the outgoing argument area and the spill slots.
func (c *Context) layoutFrame() FrameLayout {
	f := FrameLayout{FramePointer: c.framePointer, CallBytes: c.callBytes}
	saved := func(bank asm.Bank) []int {
		var regs []int
		for i := 0; i < bank.Count(); i++ {
			if c.modified[bank]&c.conv.Preserved[bank]&(1<<i) != 0 {
				regs = append(regs, i)
			}
		}
		return regs
	}
	for _, r := range saved(asm.GP) {
		if r == asm.RSP || (r == asm.RBP && f.FramePointer) {
			continue
		}
		f.Pushes = append(f.Pushes, r)
	}
	f.XMMSaves = saved(asm.XMM)
	f.MMSaves = saved(asm.MM)

	f.SpillBase = alignTo(c.callBytes, 16)
	f.SpillBytes = c.slots.Layout()
	f.XMMBase = alignTo(f.SpillBase+f.SpillBytes, 16)
	f.MMBase = f.XMMBase + 16*len(f.XMMSaves)
	end := f.MMBase + 8*len(f.MMSaves)

	needAlign := c.isCaller || len(f.XMMSaves) > 0 || c.slots.HasVector()
	switch {
	case !needAlign:
		f.Size = alignTo(end, 8)
	case c.conv.AlignedOnEntry:
		f.Size = alignTo(end, 8)
		if (8+f.PushBytes()+f.Size)%16 != 0 {
			f.Size += 8
		}
	default:
		f.Realign = true
		f.Size = alignTo(end, 16)
	}
	if c.conv.CalleePops {
		if pops := c.params.StackBytes - c.conv.ShadowSpace; pops > 0 {
			f.ArgPops = pops
		}
	}
	return f
}

// slotMem resolves a frame slot against the final layout.
func (c *Context) slotMem(s asm.Slot, f FrameLayout) asm.Mem {
	if s.Area == asm.ArgArea {
		if f.FramePointer {
			return asm.MemAt(asm.R64(asm.RBP), 16+s.ID+s.Disp, s.Size)
		}
		return asm.MemAt(asm.R64(asm.RSP), int32(f.Size+f.PushBytes()+8)+s.ID+s.Disp, s.Size)
	}
	return asm.MemAt(asm.R64(asm.RSP), int32(f.SpillBase+c.slots.Offset(s.ID))+s.Disp, s.Size)
}

func emitAll(e asm.Emitter, insts ...asm.Inst) error {
	for _, inst := range insts {
		if err := e.Emit(inst.Op, inst.Operands...); err != nil {
			return fmt.Errorf("%s: %w", asm.Format(inst), err)
		}
	}
	return nil
}

func inst(op asm.Op, operands ...asm.Operand) asm.Inst {
	return asm.Inst{Op: op, Operands: operands}
}

func (f FrameLayout) prolog() []asm.Inst {
	rsp := asm.R64(asm.RSP)
	var out []asm.Inst
	if f.FramePointer {
		out = append(out, inst(asm.PUSH, asm.R64(asm.RBP)), inst(asm.MOV, asm.R64(asm.RBP), rsp))
	}
	for _, r := range f.Pushes {
		out = append(out, inst(asm.PUSH, asm.R64(r)))
	}
	if f.Size > 0 {
		out = append(out, inst(asm.SUB, rsp, asm.Imm(f.Size)))
	}
	if f.Realign {
		out = append(out, inst(asm.AND, rsp, asm.Imm(-16)))
	}
	for i, x := range f.XMMSaves {
		out = append(out, inst(asm.MOVDQA, asm.MemAt(rsp, int32(f.XMMBase+16*i), 16), asm.XMMReg(x)))
	}
	for i, m := range f.MMSaves {
		out = append(out, inst(asm.MOVQ, asm.MemAt(rsp, int32(f.MMBase+8*i), 8), asm.MMReg(m)))
	}
	return out
}

func (f FrameLayout) epilog() []asm.Inst {
	rsp := asm.R64(asm.RSP)
	var out []asm.Inst
	for i, x := range f.XMMSaves {
		out = append(out, inst(asm.MOVDQA, asm.XMMReg(x), asm.MemAt(rsp, int32(f.XMMBase+16*i), 16)))
	}
	for i, m := range f.MMSaves {
		out = append(out, inst(asm.MOVQ, asm.MMReg(m), asm.MemAt(rsp, int32(f.MMBase+8*i), 8)))
	}
	switch {
	case f.Realign:
		out = append(out, inst(asm.LEA, rsp, asm.MemAt(asm.R64(asm.RBP), int32(-8*len(f.Pushes)), 8)))
	case f.Size > 0:
		out = append(out, inst(asm.ADD, rsp, asm.Imm(f.Size)))
	}
	for i := len(f.Pushes) - 1; i >= 0; i-- {
		out = append(out, inst(asm.POP, asm.R64(f.Pushes[i])))
	}
	if f.FramePointer {
		out = append(out, inst(asm.POP, asm.R64(asm.RBP)))
	}
	if f.ArgPops > 0 {
		return append(out, inst(asm.RET, asm.Imm(f.ArgPops)))
	}
	return append(out, inst(asm.RET))
}
