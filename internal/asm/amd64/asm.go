package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/ralloc/internal/asm"
)

type labelPatch struct {
	label asm.Label
	pos   int
	op    asm.Op
}

// Assembler encodes instructions to amd64 machine code. Branches to labels
// always use the rel32 forms; their displacements are patched in Finish.
type Assembler struct {
	text    []byte
	labels  map[asm.Label]int
	patches []labelPatch
	next    asm.Label
}

var (
	_ asm.Emitter = &Assembler{}
)

func New() *Assembler {
	return &Assembler{labels: make(map[asm.Label]int)}
}

func (a *Assembler) NewLabel() asm.Label {
	a.next++
	return a.next
}

func (a *Assembler) Bind(label asm.Label) error {
	if label == 0 {
		return fmt.Errorf("bind of the zero label")
	}
	if _, exists := a.labels[label]; exists {
		return fmt.Errorf("label %s already defined", label)
	}
	a.labels[label] = len(a.text)
	if label > a.next {
		a.next = label
	}
	return nil
}

func (a *Assembler) Emit(op asm.Op, operands ...asm.Operand) error {
	if err := op.CheckOperands(len(operands)); err != nil {
		return err
	}

	if op.IsJump() || op == asm.CALL {
		if l, ok := operands[0].(asm.Label); ok {
			return a.emitBranch(op, l)
		}
		if op != asm.CALL && op != asm.JMP {
			return fmt.Errorf("%s needs a label target", op)
		}
	}

	code, err := encode(op, operands)
	if err != nil {
		return fmt.Errorf("encode %s: %w", asm.Format(asm.Inst{Op: op, Operands: operands}), err)
	}
	a.text = append(a.text, code...)
	return nil
}

func (a *Assembler) emitBranch(op asm.Op, label asm.Label) error {
	if label == 0 {
		return fmt.Errorf("%s to the zero label", op)
	}
	switch op {
	case asm.JMP:
		a.text = append(a.text, 0xE9)
	case asm.CALL:
		a.text = append(a.text, 0xE8)
	default:
		a.text = append(a.text, 0x0F, 0x80|condCodes[op])
	}
	a.patches = append(a.patches, labelPatch{label: label, pos: len(a.text), op: op})
	a.text = append(a.text, 0, 0, 0, 0)
	return nil
}

// Len returns the number of bytes emitted so far.
func (a *Assembler) Len() int {
	return len(a.text)
}

// Finish resolves label references and returns the finished program.
func (a *Assembler) Finish() (asm.Program, error) {
	for _, p := range a.patches {
		target, ok := a.labels[p.label]
		if !ok {
			return asm.Program{}, fmt.Errorf("%s to undefined label %s", p.op, p.label)
		}
		rel := target - (p.pos + 4)
		if rel < math.MinInt32 || rel > math.MaxInt32 {
			return asm.Program{}, fmt.Errorf("%s to label %s out of range", p.op, p.label)
		}
		binary.LittleEndian.PutUint32(a.text[p.pos:p.pos+4], uint32(int32(rel)))
	}
	return asm.NewProgram(a.text, a.labels), nil
}

// Assemble encodes a recorded stream in one step.
func Assemble(r *asm.Recorder) (asm.Program, error) {
	a := New()
	if err := r.Replay(a); err != nil {
		return asm.Program{}, err
	}
	return a.Finish()
}
