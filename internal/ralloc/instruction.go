package ralloc

import (
	"fmt"

	"github.com/tinyrange/ralloc/internal/asm"
	"github.com/tinyrange/ralloc/internal/ir"
)

// varUse is one distinct variable referenced by an instruction.
type varUse struct {
	v *VarData
	// access is the register access, mem the access to the memory home.
	access asm.Access
	mem    asm.Access
	// fixed is the register the instruction requires, or -1.
	fixed int
}

func sameVar(a, b ir.Operand) bool {
	x, ok := a.(ir.VarRef)
	if !ok {
		return false
	}
	y, ok := b.(ir.VarRef)
	return ok && x.ID == y.ID
}

// allowedInBody rejects instructions that move the stack pointer or
// transfer control; those are expressed as Call, Jump and Return nodes.
func allowedInBody(op asm.Op) bool {
	switch op {
	case asm.PUSH, asm.POP, asm.CALL, asm.RET, asm.BIND:
		return false
	}
	return !op.IsJump()
}

func (c *Context) prepareInstruction(n *ir.Node, inst *ir.Instruction) error {
	op := inst.Op
	count := len(inst.Operands)
	if err := op.CheckOperands(count); err != nil {
		return fmt.Errorf("offset %d: %v: %w", n.Offset, err, ErrInvalidInstruction)
	}
	if !allowedInBody(op) {
		return fmt.Errorf("offset %d: %s is not an instruction node: %w", n.Offset, op, ErrInvalidInstruction)
	}

	var uses []varUse
	use := func(id ir.VarID) (*varUse, error) {
		for i := range uses {
			if uses[i].v.ID == id {
				return &uses[i], nil
			}
		}
		v, err := c.lookup(id)
		if err != nil {
			return nil, err
		}
		uses = append(uses, varUse{v: v, fixed: -1})
		return &uses[len(uses)-1], nil
	}
	constraint := func(i int) (asm.Fixed, bool) {
		for _, f := range asm.Constraints(op) {
			if f.Operand == i {
				return f, true
			}
		}
		return asm.Fixed{}, false
	}

	clearSelf := count == 2 && op.ClearsWithSelf() && sameVar(inst.Operands[0], inst.Operands[1])
	for i, o := range inst.Operands {
		access := op.Access(i, count)
		if clearSelf {
			if i > 0 {
				continue
			}
			access = asm.Write
		}
		fixed, isFixed := constraint(i)
		if _, isVar := o.(ir.VarRef); isFixed && fixed.Required && !isVar {
			return fmt.Errorf("offset %d: %s operand %d must be a variable: %w", n.Offset, op, i, ErrInvalidInstruction)
		}

		switch o := o.(type) {
		case ir.VarRef:
			u, err := use(o.ID)
			if err != nil {
				return err
			}
			u.access |= access
			u.v.countReg(access)
			if !isFixed {
				continue
			}
			if u.v.Bank() != asm.GP {
				return fmt.Errorf("offset %d: %s needs %s in a general purpose register: %w", n.Offset, op, u.v.Name, ErrUnsupportedKind)
			}
			if u.fixed >= 0 && u.fixed != fixed.Reg {
				return fmt.Errorf("offset %d: %s wants %s in two registers: %w", n.Offset, op, u.v.Name, ErrInvalidInstruction)
			}
			u.fixed = fixed.Reg
		case ir.VarMem:
			u, err := use(o.ID)
			if err != nil {
				return err
			}
			u.mem |= access
			u.v.countMem(access)
		case ir.Mem:
			for _, id := range []ir.VarID{o.Base, o.Index} {
				if id == 0 {
					continue
				}
				u, err := use(id)
				if err != nil {
					return err
				}
				if u.v.Bank() != asm.GP {
					return fmt.Errorf("offset %d: address register %s: %w", n.Offset, u.v.Name, ErrUnsupportedKind)
				}
				u.access |= asm.Read
				u.v.countReg(asm.Read)
			}
		case ir.Imm:
		default:
			return fmt.Errorf("offset %d: %s operand %d has type %T: %w", n.Offset, op, i, o, ErrInvalidInstruction)
		}
	}

	for i := range uses {
		u := &uses[i]
		if u.access != 0 && u.mem != 0 {
			return fmt.Errorf("offset %d: %s used both in a register and in memory: %w", n.Offset, u.v.Name, ErrInvalidInstruction)
		}
		u.v.touch(n.Offset)
	}
	c.insts[n.ID] = uses
	return nil
}

// evict moves w out of its register, to a free register outside the
// reserved set when there is one and to memory otherwise.
func (c *Context) evict(w *VarData) error {
	if w.Last < c.offset {
		c.release(w)
		return nil
	}
	if index := c.findFree(w, -1); index >= 0 {
		return c.AllocVar(w, index, 0)
	}
	return c.SpillVar(w)
}

// allocFixed places v in the register an instruction requires.
func (c *Context) allocFixed(v *VarData, reg int, mode asm.Access) error {
	if v.State != InRegister {
		if owner := c.state.Owner(asm.GP, reg); owner != 0 {
			if err := c.evict(c.Var(owner)); err != nil {
				return err
			}
		}
	}
	if err := c.AllocVar(v, reg, mode); err != nil {
		return err
	}
	if v.Reg != reg {
		return fmt.Errorf("%s cannot be placed in %s: %w", v.Name, asm.R64(reg), ErrRegistersOverlap)
	}
	return nil
}

// touchHome prepares an access to the memory home of v: memory must be
// current before a read, and after a write the register copy is stale.
func (c *Context) touchHome(v *VarData, mode asm.Access) error {
	if v.State == InRegister && v.Dirty && mode&asm.Read != 0 {
		if err := c.store(v); err != nil {
			return err
		}
	}
	if _, err := c.home(v, 0); err != nil {
		return err
	}
	if mode&asm.Write != 0 {
		c.UnuseVar(v, InMemory)
	}
	return nil
}

func (c *Context) physical(o ir.Operand) (asm.Operand, error) {
	reg := func(id ir.VarID) (asm.Reg, error) {
		v, err := c.lookup(id)
		if err != nil {
			return asm.Reg{}, err
		}
		if v.State != InRegister {
			return asm.Reg{}, fmt.Errorf("%s is not in a register at offset %d: %w", v.Name, c.offset, ErrInvalidVariable)
		}
		return asm.R64(v.Reg), nil
	}
	switch o := o.(type) {
	case ir.VarRef:
		v, err := c.lookup(o.ID)
		if err != nil {
			return nil, err
		}
		if v.State != InRegister {
			return nil, fmt.Errorf("%s is not in a register at offset %d: %w", v.Name, c.offset, ErrInvalidVariable)
		}
		return v.sized(o.Size), nil
	case ir.VarMem:
		v, err := c.lookup(o.ID)
		if err != nil {
			return nil, err
		}
		return c.home(v, o.Size)
	case ir.Mem:
		m := asm.Mem{Scale: o.Scale, Disp: o.Disp, Size: o.Size}
		if o.Base != 0 {
			r, err := reg(o.Base)
			if err != nil {
				return nil, err
			}
			m.Base, m.HasBase = r, true
		}
		if o.Index != 0 {
			r, err := reg(o.Index)
			if err != nil {
				return nil, err
			}
			m.Index, m.HasIndex = r, true
			if m.Scale == 0 {
				m.Scale = 1
			}
		}
		return m, nil
	case ir.Imm:
		return asm.Imm(o), nil
	case ir.LabelRef:
		t := c.targets[ir.LabelID(o)]
		if t == nil {
			return nil, fmt.Errorf("label %s: %w", c.fn.LabelName(ir.LabelID(o)), ErrUnresolvedJump)
		}
		return t.label, nil
	}
	return nil, fmt.Errorf("operand %T: %w", o, ErrInvalidInstruction)
}

func (c *Context) translateInstruction(n *ir.Node, inst *ir.Instruction) error {
	uses := c.insts[n.ID]
	defer func() { c.reserved = [asm.NumBanks]uint32{} }()
	for _, u := range uses {
		u.v.WorkOffset = n.Offset
		if u.fixed >= 0 {
			c.reserved[asm.GP] |= 1 << u.fixed
		}
	}

	for _, u := range uses {
		if u.fixed >= 0 {
			if err := c.allocFixed(u.v, u.fixed, u.access); err != nil {
				return fmt.Errorf("%s: %w", inst.Op, err)
			}
		}
	}
	for _, u := range uses {
		if u.fixed < 0 && u.access != 0 {
			if err := c.AllocVar(u.v, -1, u.access); err != nil {
				return fmt.Errorf("%s: %w", inst.Op, err)
			}
		}
	}
	for _, u := range uses {
		if u.mem != 0 {
			if err := c.touchHome(u.v, u.mem); err != nil {
				return err
			}
		}
	}

	ops := make([]asm.Operand, len(inst.Operands))
	for i, o := range inst.Operands {
		p, err := c.physical(o)
		if err != nil {
			return err
		}
		ops[i] = p
	}
	if err := c.emit(inst.Op, ops...); err != nil {
		return err
	}

	for _, u := range uses {
		if u.v.Last == n.Offset {
			c.release(u.v)
		}
	}
	return nil
}
