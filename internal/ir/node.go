package ir

import (
	"github.com/tinyrange/ralloc/internal/abi"
	"github.com/tinyrange/ralloc/internal/asm"
)

// NodeID indexes the Function's node arena. Zero terminates a list.
type NodeID uint32

// Node is one operation in the function's doubly linked list. Offset is
// assigned by the allocator's Prepare pass.
type Node struct {
	ID     NodeID
	Prev   NodeID
	Next   NodeID
	Offset int

	Payload Payload
}

// Payload is one of Instruction, Call, Jump, Target, Return or
// FunctionEntry.
type Payload interface {
	isPayload()
}

// Instruction is a machine instruction over virtual operands.
type Instruction struct {
	Op       asm.Op
	Operands []Operand
}

// Prototype is the signature of a call.
type Prototype struct {
	Convention *abi.Convention
	Params     []Kind
	Results    []Kind
}

// Conv returns the prototype's convention, falling back to the host's.
func (p Prototype) Conv() *abi.Convention {
	if p.Convention != nil {
		return p.Convention
	}
	return abi.Default()
}

// Call invokes Target. Args are VarRef or Imm operands; Returns bind the
// results in order.
type Call struct {
	Target  Operand
	Proto   Prototype
	Args    []Operand
	Returns []VarID
}

// Jump is a conditional or unconditional branch. Likely marks a branch
// expected to be taken, so reconciliation code is placed inline.
type Jump struct {
	Op     asm.Op
	Target LabelID
	Likely bool
}

// Target binds a label at this point of the list.
type Target struct {
	Label LabelID
}

// Return places its values in the convention's result registers and
// leaves the function.
type Return struct {
	Values []Operand
}

// FunctionEntry is the first node of every function.
type FunctionEntry struct{}

func (*Instruction) isPayload()   {}
func (*Call) isPayload()          {}
func (*Jump) isPayload()          {}
func (*Target) isPayload()        {}
func (*Return) isPayload()        {}
func (*FunctionEntry) isPayload() {}
