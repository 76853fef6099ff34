package ralloc

import (
	"fmt"
	"math"

	"github.com/tinyrange/ralloc/internal/abi"
	"github.com/tinyrange/ralloc/internal/asm"
	"github.com/tinyrange/ralloc/internal/ir"
)

type callInfo struct {
	conv   *abi.Convention
	layout abi.Layout
}

// callRecord collects what one variable contributes to a call.
type callRecord struct {
	v       *VarData
	regArgs int
	stack   []int
	target  bool
	result  bool
}

func (c *Context) prepareCall(n *ir.Node, call *ir.Call) error {
	o := n.Offset
	proto := call.Proto
	if len(call.Args) != len(proto.Params) {
		return fmt.Errorf("offset %d: call passes %d arguments to %d parameters: %w", o, len(call.Args), len(proto.Params), ErrInvalidInstruction)
	}
	if len(call.Returns) > len(proto.Results) {
		return fmt.Errorf("offset %d: call binds %d of %d results: %w", o, len(call.Returns), len(proto.Results), ErrInvalidInstruction)
	}

	var params, results []abi.Arg
	for i, k := range proto.Params {
		if !k.Valid() {
			return fmt.Errorf("offset %d: parameter %d: %w", o, i, ErrUnsupportedKind)
		}
		params = append(params, abi.Arg{Bank: k.Bank(), Size: k.Size()})
		switch a := call.Args[i].(type) {
		case ir.VarRef:
			v, err := c.lookup(a.ID)
			if err != nil {
				return err
			}
			if v.Bank() != k.Bank() {
				return fmt.Errorf("offset %d: argument %d is %s, parameter is %s: %w", o, i, v.Kind, k, ErrUnsupportedKind)
			}
			v.countReg(asm.Read)
			v.touch(o)
		case ir.Imm:
			if k.Bank() == asm.XMM {
				return fmt.Errorf("offset %d: immediate argument %d for %s: %w", o, i, k, ErrUnsupportedKind)
			}
		default:
			return fmt.Errorf("offset %d: argument %d has type %T: %w", o, i, a, ErrInvalidInstruction)
		}
	}
	for _, k := range proto.Results {
		results = append(results, abi.Arg{Bank: k.Bank(), Size: k.Size()})
	}
	for i, id := range call.Returns {
		v, err := c.lookup(id)
		if err != nil {
			return err
		}
		if v.Bank() != proto.Results[i].Bank() {
			return fmt.Errorf("offset %d: result %d is %s, bound to %s: %w", o, i, proto.Results[i], v.Kind, ErrUnsupportedKind)
		}
		v.countReg(asm.Write)
		v.touch(o)
	}

	switch t := call.Target.(type) {
	case ir.VarRef:
		v, err := c.lookup(t.ID)
		if err != nil {
			return err
		}
		if v.Bank() != asm.GP {
			return fmt.Errorf("offset %d: call through %s: %w", o, v.Kind, ErrUnsupportedKind)
		}
		v.countReg(asm.Read)
		v.touch(o)
	case ir.VarMem:
		v, err := c.lookup(t.ID)
		if err != nil {
			return err
		}
		v.countMem(asm.Read)
		v.touch(o)
	case ir.Mem:
		for _, id := range []ir.VarID{t.Base, t.Index} {
			if id == 0 {
				continue
			}
			v, err := c.lookup(id)
			if err != nil {
				return err
			}
			if v.Bank() != asm.GP {
				return fmt.Errorf("offset %d: address register %s: %w", o, v.Name, ErrUnsupportedKind)
			}
			v.countReg(asm.Read)
			v.touch(o)
		}
	case ir.LabelRef:
		c.target(ir.LabelID(t))
	case ir.Imm:
	default:
		return fmt.Errorf("offset %d: call target %T: %w", o, call.Target, ErrInvalidInstruction)
	}

	conv := proto.Conv()
	layout, err := conv.Layout(params, results)
	if err != nil {
		return fmt.Errorf("offset %d: %v: %w", o, err, ErrUnsupportedKind)
	}
	c.calls[n.ID] = &callInfo{conv: conv, layout: layout}
	c.ReserveCallStack(layout.StackBytes)
	c.isCaller = true
	return nil
}

// freeSafe returns a free register of v's bank that survives a call under
// conv and is not in avoid, or -1.
func (c *Context) freeSafe(v *VarData, conv *abi.Convention, avoid uint32) int {
	bank := v.Bank()
	for i := 0; i < bank.Count(); i++ {
		bit := uint32(1) << i
		if c.state.Regs[bank][i] != 0 || (c.disabled[bank]|c.reserved[bank]|avoid)&bit != 0 {
			continue
		}
		if conv.IsPreserved(bank, i) && v.allows(i) {
			return i
		}
	}
	return -1
}

// scratchRegister picks a register for intermediate values of a call:
// free caller-saved registers first, then any free one, then the spill
// candidate. The result is reserved.
func (c *Context) scratchRegister(bank asm.Bank, conv *abi.Convention, avoid uint32) (int, error) {
	blocked := c.disabled[bank] | c.reserved[bank] | avoid
	pick := -1
	for _, wantClobbered := range []bool{true, false} {
		for i := 0; i < bank.Count() && pick < 0; i++ {
			if c.state.Regs[bank][i] == 0 && blocked&(1<<i) == 0 && conv.IsPreserved(bank, i) != wantClobbered {
				pick = i
			}
		}
	}
	if pick < 0 {
		all := uint32(1)<<bank.Count() - 1
		victim := c.selectSpill(bank, all&^blocked)
		if victim == nil {
			return -1, fmt.Errorf("no %s scratch register at offset %d: %w", bank, c.offset, ErrRegistersOverlap)
		}
		pick = victim.Reg
		if err := c.SpillVar(victim); err != nil {
			return -1, err
		}
	}
	c.reserved[bank] |= 1 << pick
	c.modified[bank] |= 1 << pick
	return pick, nil
}

// pin puts v into index regardless of its register mask. The register
// must be free unless v is already resident, in which case the occupant
// is swapped.
func (c *Context) pin(v *VarData, index int) error {
	if v.State == InRegister {
		if v.Reg == index {
			return nil
		}
		return c.exchange(v, index)
	}
	if owner := c.state.Owner(v.Bank(), index); owner != 0 {
		return fmt.Errorf("%s: %s is held by %s: %w", v.Name, asm.BankReg(v.Bank(), index), c.Var(owner).Name, ErrRegistersOverlap)
	}
	if v.State == InMemory {
		if err := c.load(v, index); err != nil {
			return err
		}
	}
	c.assign(v, index, false)
	return nil
}

// regValue is a value that must end up in a fixed register.
type regValue struct {
	bank asm.Bank
	reg  int
	src  ir.Operand
}

// place fills the registers of values. Variables are moved or loaded
// into free destinations first and exchanged when the occupant wants the
// source register; remaining cycles are broken by swaps and blocked
// destinations are evicted. Duplicated variables and immediates go last.
// Destinations stay reserved until the caller clears them.
func (c *Context) place(values []regValue) error {
	for _, t := range values {
		c.reserved[t.bank] |= 1 << t.reg
	}
	first := make(map[ir.VarID]int)
	var pending, late []int
	for i, t := range values {
		ref, ok := t.src.(ir.VarRef)
		if !ok {
			late = append(late, i)
			continue
		}
		if _, dup := first[ref.ID]; dup {
			late = append(late, i)
			continue
		}
		first[ref.ID] = i
		pending = append(pending, i)
	}
	wants := func(id ir.VarID, bank asm.Bank) int {
		if i, ok := first[id]; ok && values[i].bank == bank {
			return values[i].reg
		}
		return -1
	}
	varOf := func(i int) *VarData { return c.Var(values[i].src.(ir.VarRef).ID) }

	for len(pending) > 0 {
		progress := false
		var rest []int
		for _, i := range pending {
			t, v := values[i], varOf(i)
			if v.State == InRegister && v.Reg == t.reg {
				continue
			}
			owner := c.state.Owner(t.bank, t.reg)
			if owner == 0 || (v.State == InRegister && wants(owner, t.bank) == v.Reg) {
				if err := c.pin(v, t.reg); err != nil {
					return err
				}
				progress = true
				continue
			}
			rest = append(rest, i)
		}
		pending = rest
		if progress || len(pending) == 0 {
			continue
		}

		swapped := false
		for _, i := range pending {
			t, v := values[i], varOf(i)
			if owner := c.state.Owner(t.bank, t.reg); v.State == InRegister && wants(owner, t.bank) >= 0 {
				if err := c.pin(v, t.reg); err != nil {
					return err
				}
				swapped = true
				break
			}
		}
		if swapped {
			continue
		}
		t := values[pending[0]]
		if err := c.evict(c.Var(c.state.Owner(t.bank, t.reg))); err != nil {
			return err
		}
	}

	for _, i := range late {
		t := values[i]
		if owner := c.state.Owner(t.bank, t.reg); owner != 0 {
			if err := c.evict(c.Var(owner)); err != nil {
				return err
			}
		}
		switch src := t.src.(type) {
		case ir.VarRef:
			v := varOf(first[src.ID])
			if err := c.emitMove(t.bank, t.reg, v.Reg); err != nil {
				return err
			}
		case ir.Imm:
			if t.bank != asm.GP {
				return fmt.Errorf("immediate in %s: %w", asm.BankReg(t.bank, t.reg), ErrUnsupportedKind)
			}
			if err := c.emit(asm.MOV, asm.R64(t.reg), asm.Imm(src)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("register value %T: %w", src, ErrInvalidInstruction)
		}
		c.modified[t.bank] |= 1 << t.reg
	}
	return nil
}

func outgoing(offset int, size uint8) asm.Mem {
	return asm.MemAt(asm.R64(asm.RSP), int32(offset), size)
}

func (c *Context) translateCall(n *ir.Node, call *ir.Call) error {
	info := c.calls[n.ID]
	conv, layout := info.conv, info.layout
	o := n.Offset
	defer func() { c.reserved = [asm.NumBanks]uint32{} }()

	records := make(map[ir.VarID]*callRecord)
	record := func(id ir.VarID) *callRecord {
		r := records[id]
		if r == nil {
			r = &callRecord{v: c.Var(id)}
			r.v.WorkOffset = o
			records[id] = r
		}
		return r
	}
	var argMask [asm.NumBanks]uint32
	for i, loc := range layout.Params {
		if loc.InReg {
			argMask[loc.Bank] |= 1 << loc.Reg
		}
		if ref, ok := call.Args[i].(ir.VarRef); ok {
			r := record(ref.ID)
			if loc.InReg {
				r.regArgs++
			} else {
				r.stack = append(r.stack, i)
			}
		}
	}
	ir.Vars(call.Target, func(id ir.VarID) { record(id).target = true })
	for _, id := range call.Returns {
		record(id).result = true
	}

	// Unrelated variables leave the registers the call clobbers or
	// needs for arguments.
	for bank := asm.Bank(0); bank < asm.NumBanks; bank++ {
		for i := 0; i < bank.Count(); i++ {
			id := c.state.Regs[bank][i]
			if id == 0 || records[id] != nil {
				continue
			}
			if (conv.Clobbered(bank)|argMask[bank])&(1<<i) == 0 {
				continue
			}
			v := c.Var(id)
			if v.Last < o {
				c.release(v)
				continue
			}
			if index := c.freeSafe(v, conv, argMask[bank]); index >= 0 {
				if err := c.AllocVar(v, index, 0); err != nil {
					return err
				}
				continue
			}
			if err := c.SpillVar(v); err != nil {
				return err
			}
		}
	}

	// Stack arguments already in registers.
	done := make([]bool, len(call.Args))
	for i, loc := range layout.Params {
		ref, ok := call.Args[i].(ir.VarRef)
		if loc.InReg || !ok {
			continue
		}
		v := c.Var(ref.ID)
		if v.State != InRegister {
			continue
		}
		size := uint8(v.Kind.Size())
		if err := c.emit(memOp(v.Kind, false), outgoing(loc.Offset, size), regAt(v, v.Reg)); err != nil {
			return err
		}
		done[i] = true
	}
	for _, r := range records {
		if r.regArgs > 0 || r.target || r.result || len(r.stack) == 0 || r.v.Last != o {
			continue
		}
		all := true
		for _, i := range r.stack {
			all = all && done[i]
		}
		if all {
			c.release(r.v)
		}
	}

	scratch := [asm.NumBanks]int{-1, -1, -1}
	getScratch := func(bank asm.Bank) (int, error) {
		if scratch[bank] >= 0 {
			return scratch[bank], nil
		}
		index, err := c.scratchRegister(bank, conv, argMask[bank])
		if err != nil {
			return -1, err
		}
		scratch[bank] = index
		return index, nil
	}

	// Remaining stack arguments come from immediates or memory homes.
	for i, loc := range layout.Params {
		if loc.InReg || done[i] {
			continue
		}
		kind := call.Proto.Params[i]
		switch a := call.Args[i].(type) {
		case ir.Imm:
			size := uint8(8)
			if kind.Size() < 8 {
				size = 4
			}
			if a >= math.MinInt32 && a <= math.MaxInt32 {
				if err := c.emit(asm.MOV, outgoing(loc.Offset, size), asm.Imm(a)); err != nil {
					return err
				}
				continue
			}
			s, err := getScratch(asm.GP)
			if err != nil {
				return err
			}
			if err := c.emit(asm.MOV, asm.R64(s), asm.Imm(a)); err != nil {
				return err
			}
			if err := c.emit(asm.MOV, outgoing(loc.Offset, 8), asm.R64(s)); err != nil {
				return err
			}
		case ir.VarRef:
			v := c.Var(a.ID)
			if v.State != InMemory {
				continue
			}
			home, err := c.home(v, 0)
			if err != nil {
				return err
			}
			size := uint8(v.Kind.Size())
			if size == 16 {
				s, err := getScratch(asm.XMM)
				if err != nil {
					return err
				}
				if err := c.emit(memOp(v.Kind, home.Area == asm.SpillArea), asm.XMMReg(s), home); err != nil {
					return err
				}
				if err := c.emit(asm.MOVDQU, outgoing(loc.Offset, 16), asm.XMMReg(s)); err != nil {
					return err
				}
				continue
			}
			s, err := getScratch(asm.GP)
			if err != nil {
				return err
			}
			reg := asm.R64(s).Sized(size)
			if err := c.emit(asm.MOV, reg, home); err != nil {
				return err
			}
			if err := c.emit(asm.MOV, outgoing(loc.Offset, size), reg); err != nil {
				return err
			}
		}
	}

	var values []regValue
	for i, loc := range layout.Params {
		if loc.InReg {
			values = append(values, regValue{bank: loc.Bank, reg: int(loc.Reg), src: call.Args[i]})
		}
	}
	if err := c.place(values); err != nil {
		return err
	}

	var target asm.Operand
	switch t := call.Target.(type) {
	case ir.LabelRef:
		op, err := c.physical(t)
		if err != nil {
			return err
		}
		target = op
	case ir.Imm:
		s, err := getScratch(asm.GP)
		if err != nil {
			return err
		}
		if err := c.emit(asm.MOV, asm.R64(s), asm.Imm(t)); err != nil {
			return err
		}
		target = asm.R64(s)
	case ir.VarRef:
		v := c.Var(t.ID)
		if err := c.AllocVar(v, -1, asm.Read); err != nil {
			return err
		}
		target = asm.R64(v.Reg)
	case ir.VarMem:
		v := c.Var(t.ID)
		if err := c.touchHome(v, asm.Read); err != nil {
			return err
		}
		home, err := c.home(v, 8)
		if err != nil {
			return err
		}
		target = home
	case ir.Mem:
		for _, id := range []ir.VarID{t.Base, t.Index} {
			if id != 0 {
				if err := c.AllocVar(c.Var(id), -1, asm.Read); err != nil {
					return err
				}
			}
		}
		op, err := c.physical(t)
		if err != nil {
			return err
		}
		target = op
	}

	// The old values of result variables die here. Register copies
	// stay physically intact until the call executes.
	for _, id := range call.Returns {
		c.UnuseVar(c.Var(id), Unused)
	}
	for bank := asm.Bank(0); bank < asm.NumBanks; bank++ {
		clobbered := conv.Clobbered(bank)
		for i := 0; i < bank.Count(); i++ {
			id := c.state.Regs[bank][i]
			if id == 0 || clobbered&(1<<i) == 0 {
				continue
			}
			v := c.Var(id)
			if v.Last <= o {
				c.release(v)
				continue
			}
			if err := c.SpillVar(v); err != nil {
				return err
			}
		}
	}
	for _, r := range records {
		if !r.result && r.v.Last == o {
			c.release(r.v)
		}
	}

	if err := c.emit(asm.CALL, target); err != nil {
		return err
	}
	if pops := layout.StackBytes - conv.ShadowSpace; conv.CalleePops && pops > 0 {
		if err := c.emit(asm.SUB, asm.R64(asm.RSP), asm.Imm(pops)); err != nil {
			return err
		}
	}

	for i, id := range call.Returns {
		v := c.Var(id)
		loc := layout.Results[i]
		if owner := c.state.Owner(loc.Bank, int(loc.Reg)); owner != 0 {
			c.UnuseVar(c.Var(owner), InMemory)
		}
		c.assign(v, int(loc.Reg), true)
		if v.Last == o {
			c.release(v)
		}
	}
	c.log.Debug("call", "offset", o, "args", len(call.Args), "stack", layout.StackBytes)
	return nil
}
