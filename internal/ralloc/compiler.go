package ralloc

import (
	"errors"
	"fmt"

	"github.com/tinyrange/ralloc/internal/asm"
	"github.com/tinyrange/ralloc/internal/ir"
)

// Compile allocates registers for fn and writes the finished function,
// prolog and epilog included, to e. Nothing reaches e when allocation
// fails.
func Compile(fn *ir.Function, e asm.Emitter, opts Options) (*Context, error) {
	c, err := New(fn, opts)
	if err != nil {
		return nil, err
	}
	if err := c.PrepareAll(); err != nil {
		return c, err
	}
	if err := c.TranslateAll(); err != nil {
		return c, err
	}
	if err := c.Emit(e); err != nil {
		return c, err
	}
	return c, nil
}

// PrepareAll assigns node offsets and computes live ranges, usage counts
// and call layouts.
func (c *Context) PrepareAll() error {
	if c.prepared {
		return errors.New("ralloc: function already prepared")
	}
	if _, ok := c.fn.Node(c.fn.First()).Payload.(*ir.FunctionEntry); !ok {
		return fmt.Errorf("%s does not start with its entry node: %w", c.fn.Name, ErrInvalidInstruction)
	}
	offset := 0
	for id := c.fn.First(); id != 0; id = c.fn.Node(id).Next {
		c.fn.Node(id).Offset = offset
		c.offset = offset
		if err := c.Prepare(id); err != nil {
			return fmt.Errorf("%s: %w", c.fn.Name, err)
		}
		offset++
	}
	for label, t := range c.targets {
		if t.node == 0 {
			return fmt.Errorf("%s: label %s is never bound: %w", c.fn.Name, c.fn.LabelName(label), ErrUnresolvedJump)
		}
	}
	c.prepared = true
	return nil
}

// Prepare runs the analysis of one node. Offsets must already be set.
func (c *Context) Prepare(id ir.NodeID) error {
	n := c.fn.Node(id)
	switch p := n.Payload.(type) {
	case *ir.FunctionEntry:
		return c.prepareEntry(n)
	case *ir.Instruction:
		return c.prepareInstruction(n, p)
	case *ir.Call:
		return c.prepareCall(n, p)
	case *ir.Jump:
		return c.prepareJump(n, p)
	case *ir.Target:
		return c.prepareTarget(n, p)
	case *ir.Return:
		return c.prepareReturn(n, p)
	}
	return fmt.Errorf("node %d has payload %T: %w", id, n.Payload, ErrInvalidInstruction)
}

// TranslateAll translates every node in order, resolves forward jumps and
// lays out the frame.
func (c *Context) TranslateAll() error {
	if !c.prepared {
		return errors.New("ralloc: translate before prepare")
	}
	if c.translated {
		return errors.New("ralloc: function already translated")
	}
	for id := c.fn.First(); id != 0; {
		next, err := c.Translate(id)
		if err != nil {
			return fmt.Errorf("%s: %w", c.fn.Name, err)
		}
		id = next
	}
	return c.finish()
}

// finish resolves the forward jumps and lays out the frame once every node
// is translated.
func (c *Context) finish() error {
	if err := c.drain(); err != nil {
		return fmt.Errorf("%s: %w", c.fn.Name, err)
	}
	c.frame = c.layoutFrame()
	c.translated = true
	c.log.Debug("translated",
		"loads", c.stats.Loads,
		"stores", c.stats.Stores,
		"moves", c.stats.Moves,
		"swaps", c.stats.Swaps,
		"trailers", c.stats.Trailers,
		"frame", c.frame.Size)
	return nil
}

// Translate emits the code of one node and returns the node to continue
// with. Nodes that cannot be reached are skipped until the next label.
func (c *Context) Translate(id ir.NodeID) (ir.NodeID, error) {
	n := c.fn.Node(id)
	c.offset = n.Offset
	if _, isTarget := n.Payload.(*ir.Target); c.unreachable && !isTarget {
		return n.Next, nil
	}
	var err error
	switch p := n.Payload.(type) {
	case *ir.FunctionEntry:
		err = c.translateEntry(n)
	case *ir.Instruction:
		err = c.translateInstruction(n, p)
	case *ir.Call:
		err = c.translateCall(n, p)
	case *ir.Jump:
		err = c.translateJump(n, p)
	case *ir.Target:
		err = c.translateTarget(n, p)
	case *ir.Return:
		err = c.translateReturn(n, p)
	default:
		err = fmt.Errorf("node %d has payload %T: %w", id, n.Payload, ErrInvalidInstruction)
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", c.fn.FormatNode(id), err)
	}
	return n.Next, nil
}

// Frame returns the frame layout. It is valid after TranslateAll.
func (c *Context) Frame() FrameLayout { return c.frame }

// Emit writes prolog, body, epilog and trailer to e, resolving frame
// slots against the final layout.
func (c *Context) Emit(e asm.Emitter) error {
	if !c.translated {
		return errors.New("ralloc: emit before translate")
	}
	f := c.frame
	labels := make(map[asm.Label]asm.Label)
	label := func(l asm.Label) asm.Label {
		m, ok := labels[l]
		if !ok {
			m = e.NewLabel()
			labels[l] = m
		}
		return m
	}
	resolve := func(o asm.Operand) asm.Operand {
		switch o := o.(type) {
		case asm.Slot:
			return c.slotMem(o, f)
		case asm.Label:
			return label(o)
		}
		return o
	}
	replay := func(insts []asm.Inst) error {
		for _, inst := range insts {
			if inst.Op == asm.BIND {
				if err := e.Bind(label(inst.Operands[0].(asm.Label))); err != nil {
					return err
				}
				continue
			}
			ops := make([]asm.Operand, len(inst.Operands))
			for i, o := range inst.Operands {
				ops[i] = resolve(o)
			}
			if err := e.Emit(inst.Op, ops...); err != nil {
				return fmt.Errorf("%s: %w", asm.Format(asm.Inst{Op: inst.Op, Operands: ops}), err)
			}
		}
		return nil
	}

	if err := emitAll(e, f.prolog()...); err != nil {
		return err
	}
	if err := replay(c.body.Insts); err != nil {
		return err
	}
	if err := e.Bind(label(c.exit)); err != nil {
		return err
	}
	if err := emitAll(e, f.epilog()...); err != nil {
		return err
	}
	return replay(c.trailer.Insts)
}
