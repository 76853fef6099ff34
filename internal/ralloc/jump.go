package ralloc

import (
	"fmt"

	"github.com/tinyrange/ralloc/internal/asm"
	"github.com/tinyrange/ralloc/internal/ir"
)

// target is the allocator side of a label. state is the register state
// at the label once the Target node has been translated.
type target struct {
	label    asm.Label
	node     ir.NodeID
	offset   int
	prepared bool
	state    *StateData
}

// forwardJump is a jump translated before its target. The emitted
// instruction at index of the body is retargeted to a trailer block when
// the states disagree.
type forwardJump struct {
	node   ir.NodeID
	label  ir.LabelID
	offset int
	index  int
	state  *StateData
	done   bool
}

func (c *Context) target(id ir.LabelID) *target {
	t := c.targets[id]
	if t == nil {
		t = &target{label: c.newLabel()}
		c.targets[id] = t
	}
	return t
}

func (c *Context) prepareTarget(n *ir.Node, tg *ir.Target) error {
	t := c.target(tg.Label)
	if t.node != 0 {
		return fmt.Errorf("label %s bound twice: %w", c.fn.LabelName(tg.Label), ErrInvalidInstruction)
	}
	t.node = n.ID
	t.offset = n.Offset
	t.prepared = true
	return nil
}

// prepareJump extends the live ranges of variables that are live around
// a loop back edge, so they survive until the jump.
func (c *Context) prepareJump(n *ir.Node, j *ir.Jump) error {
	if !j.Op.IsJump() {
		return fmt.Errorf("offset %d: %s is not a jump: %w", n.Offset, j.Op, ErrInvalidInstruction)
	}
	t := c.target(j.Target)
	if !t.prepared {
		return nil
	}
	for i := range c.vars {
		v := &c.vars[i]
		if v.First >= 0 && v.First < t.offset && v.Last >= t.offset && v.Last < n.Offset {
			v.Last = n.Offset
		}
	}
	return nil
}

// releaseThrough releases register residents whose range ends at or
// before offset.
func (c *Context) releaseThrough(offset int) {
	c.releaseDead(offset + 1)
}

// emitTrailer writes a block to the trailer that turns from into to and
// jumps to dest. It returns the block's label. The current context is
// left untouched.
func (c *Context) emitTrailer(from, to *StateData, targetOffset int, dest asm.Label) (asm.Label, error) {
	saved := c.saveContext()
	defer c.restoreContext(saved)

	c.out = c.trailer
	l := c.newLabel()
	if err := c.trailer.Bind(l); err != nil {
		return 0, err
	}
	if err := c.RestoreState(from, to, targetOffset); err != nil {
		return 0, err
	}
	if err := c.emit(asm.JMP, dest); err != nil {
		return 0, err
	}
	c.stats.Trailers++
	return l, nil
}

func (c *Context) translateJump(n *ir.Node, j *ir.Jump) error {
	t := c.targets[j.Target]
	o := n.Offset
	unconditional := j.Op == asm.JMP

	if t.state != nil {
		switch {
		case unconditional || j.Likely:
			if err := c.RestoreState(&c.state, t.state, t.offset); err != nil {
				return err
			}
			if err := c.emit(j.Op, t.label); err != nil {
				return err
			}
		case c.compatible(&c.state, t.state, t.offset):
			if err := c.emit(j.Op, t.label); err != nil {
				return err
			}
		default:
			l, err := c.emitTrailer(&c.state, t.state, t.offset, t.label)
			if err != nil {
				return err
			}
			if err := c.emit(j.Op, l); err != nil {
				return err
			}
		}
		c.releaseThrough(o)
	} else {
		c.releaseThrough(o)
		c.pending = append(c.pending, &forwardJump{
			node:   n.ID,
			label:  j.Target,
			offset: o,
			index:  len(c.body.Insts),
			state:  c.SaveState(),
		})
		if err := c.emit(j.Op, t.label); err != nil {
			return err
		}
	}
	if unconditional {
		c.unreachable = true
	}
	return nil
}

// translateTarget binds the label and records the state every jump to it
// must establish. Code after an unconditional jump starts from the state
// of the first forward jump here, or from memory when there is none.
func (c *Context) translateTarget(n *ir.Node, tg *ir.Target) error {
	t := c.targets[tg.Label]
	if c.unreachable {
		var entry *StateData
		for _, p := range c.pending {
			if p.label == tg.Label && !p.done {
				entry = p.state
				break
			}
		}
		if entry == nil {
			if err := c.enterFromMemory(n.Offset); err != nil {
				return err
			}
		} else {
			c.AssignState(entry)
		}
		c.unreachable = false
	}
	c.releaseDead(n.Offset)
	t.state = c.SaveState()
	return c.out.Bind(t.label)
}

// enterFromMemory starts a block only reached by later jumps with every
// register empty. Variables live into the block get their home now, so
// the jumps that reconcile to this state store them where the block
// loads them from.
func (c *Context) enterFromMemory(offset int) error {
	c.AssignState(&StateData{})
	for i := range c.vars {
		v := &c.vars[i]
		if v.First < 0 || v.First >= offset || v.Last < offset {
			continue
		}
		if _, err := c.home(v, 0); err != nil {
			return err
		}
		v.State = InMemory
	}
	return nil
}

// drain resolves the forward jumps in the order they were emitted.
func (c *Context) drain() error {
	for _, p := range c.pending {
		t := c.targets[p.label]
		if t.state == nil {
			continue
		}
		c.offset = p.offset
		if !c.compatible(p.state, t.state, t.offset) {
			l, err := c.emitTrailer(p.state, t.state, t.offset, t.label)
			if err != nil {
				return err
			}
			c.body.Insts[p.index].Operands = []asm.Operand{l}
		}
		p.done = true
	}
	for _, p := range c.pending {
		if !p.done {
			return fmt.Errorf("jump to %s at offset %d: %w", c.fn.LabelName(p.label), p.offset, ErrUnresolvedJump)
		}
	}
	c.pending = nil
	return nil
}
