package asm

import (
	"fmt"
	"strings"
)

// Inst is one recorded instruction. A BIND instruction carries the bound
// label as its only operand.
type Inst struct {
	Op       Op
	Operands []Operand
}

// Recorder is an Emitter that keeps the instruction stream in memory so it
// can be inspected, patched, interpreted or replayed into another Emitter.
type Recorder struct {
	Insts []Inst

	labels map[Label]int
	next   Label
}

var (
	_ Emitter = &Recorder{}
)

func NewRecorder() *Recorder {
	return &Recorder{labels: make(map[Label]int)}
}

func (r *Recorder) NewLabel() Label {
	r.next++
	return r.next
}

func (r *Recorder) Emit(op Op, operands ...Operand) error {
	if err := op.CheckOperands(len(operands)); err != nil {
		return err
	}
	if op.IsJump() || op == CALL {
		if l, ok := operands[0].(Label); ok && l == 0 {
			return fmt.Errorf("%s to the zero label", op)
		}
	}
	r.Insts = append(r.Insts, Inst{Op: op, Operands: operands})
	return nil
}

func (r *Recorder) Bind(label Label) error {
	if label == 0 {
		return fmt.Errorf("bind of the zero label")
	}
	if r.labels == nil {
		r.labels = make(map[Label]int)
	}
	if _, exists := r.labels[label]; exists {
		return fmt.Errorf("label L%d already defined", label)
	}
	r.labels[label] = len(r.Insts)
	r.Insts = append(r.Insts, Inst{Op: BIND, Operands: []Operand{label}})
	if label > r.next {
		r.next = label
	}
	return nil
}

// Position returns the index of the BIND instruction for label.
func (r *Recorder) Position(label Label) (int, bool) {
	pos, ok := r.labels[label]
	return pos, ok
}

// Len returns the number of recorded instructions, excluding label binds.
func (r *Recorder) Len() int {
	n := 0
	for _, inst := range r.Insts {
		if inst.Op != BIND {
			n++
		}
	}
	return n
}

// Count returns how many times op was recorded.
func (r *Recorder) Count(op Op) int {
	n := 0
	for _, inst := range r.Insts {
		if inst.Op == op {
			n++
		}
	}
	return n
}

// Replay feeds the recorded stream into e.
func (r *Recorder) Replay(e Emitter) error {
	for i, inst := range r.Insts {
		if inst.Op == BIND {
			if err := e.Bind(inst.Operands[0].(Label)); err != nil {
				return fmt.Errorf("replay %d: %w", i, err)
			}
			continue
		}
		if err := e.Emit(inst.Op, inst.Operands...); err != nil {
			return fmt.Errorf("replay %d (%s): %w", i, Format(inst), err)
		}
	}
	return nil
}

// Listing renders the stream one instruction per line.
func (r *Recorder) Listing() string {
	var b strings.Builder
	for _, inst := range r.Insts {
		if inst.Op != BIND {
			b.WriteString("\t")
		}
		b.WriteString(Format(inst))
		b.WriteString("\n")
	}
	return b.String()
}
