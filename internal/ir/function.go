package ir

import (
	"fmt"
	"strings"

	"github.com/tinyrange/ralloc/internal/abi"
	"github.com/tinyrange/ralloc/internal/asm"
)

// Var is the identity of a virtual variable. Placement and liveness are
// tracked by the allocator, not here.
type Var struct {
	ID   VarID
	Kind Kind
	Name string

	// Param is the parameter position, or -1.
	Param int
	// Priority biases spill selection: among candidates the highest
	// priority is evicted first.
	Priority int
	// Hint is the preferred register index, or -1.
	Hint int
	// Mask restricts the registers the variable may occupy. Zero allows
	// every register of the bank.
	Mask uint32
}

// Function is a list of operation nodes plus its variables and labels.
type Function struct {
	Name    string
	Conv    *abi.Convention
	Params  []VarID
	Results []Kind

	vars   []Var
	nodes  []Node
	first  NodeID
	last   NodeID
	labels []string
	byName map[string]LabelID
}

// NewFunction returns a function whose list holds only its entry node.
// A nil convention selects the host's.
func NewFunction(name string, conv *abi.Convention) *Function {
	if conv == nil {
		conv = abi.Default()
	}
	f := &Function{
		Name:   name,
		Conv:   conv,
		byName: make(map[string]LabelID),
	}
	f.Append(&FunctionEntry{})
	return f
}

// NewVar creates a temporary. Names are only used for diagnostics.
func (f *Function) NewVar(kind Kind, name string) VarID {
	id := VarID(len(f.vars) + 1)
	if name == "" {
		name = fmt.Sprintf("v%d", id)
	}
	f.vars = append(f.vars, Var{ID: id, Kind: kind, Name: name, Param: -1, Hint: -1})
	return id
}

// NewParam creates the next parameter.
func (f *Function) NewParam(kind Kind, name string) VarID {
	id := f.NewVar(kind, name)
	f.vars[id-1].Param = len(f.Params)
	f.Params = append(f.Params, id)
	return id
}

// Var returns the variable or nil when id is out of range.
func (f *Function) Var(id VarID) *Var {
	if id == 0 || int(id) > len(f.vars) {
		return nil
	}
	return &f.vars[id-1]
}

func (f *Function) NumVars() int {
	return len(f.vars)
}

// LookupVar finds a variable by name.
func (f *Function) LookupVar(name string) (VarID, bool) {
	for _, v := range f.vars {
		if v.Name == name {
			return v.ID, true
		}
	}
	return 0, false
}

// Prototype returns the signature callers use.
func (f *Function) Prototype() Prototype {
	p := Prototype{Convention: f.Conv, Results: f.Results}
	for _, id := range f.Params {
		p.Params = append(p.Params, f.Var(id).Kind)
	}
	return p
}

// NewLabel creates a label. An empty name gets a generated one.
func (f *Function) NewLabel(name string) LabelID {
	id := LabelID(len(f.labels) + 1)
	if name == "" {
		name = fmt.Sprintf(".L%d", id)
	}
	f.labels = append(f.labels, name)
	f.byName[name] = id
	return id
}

// Label returns the label with the given name, creating it on first use.
func (f *Function) Label(name string) LabelID {
	if id, ok := f.byName[name]; ok {
		return id
	}
	return f.NewLabel(name)
}

func (f *Function) LabelName(id LabelID) string {
	if id == 0 || int(id) > len(f.labels) {
		return fmt.Sprintf(".L?%d", id)
	}
	return f.labels[id-1]
}

func (f *Function) NumLabels() int {
	return len(f.labels)
}

func (f *Function) Node(id NodeID) *Node {
	if id == 0 || int(id) > len(f.nodes) {
		return nil
	}
	return &f.nodes[id-1]
}

func (f *Function) First() NodeID { return f.first }
func (f *Function) Last() NodeID  { return f.last }

func (f *Function) alloc(p Payload) NodeID {
	id := NodeID(len(f.nodes) + 1)
	f.nodes = append(f.nodes, Node{ID: id, Payload: p})
	return id
}

// Append adds p at the end of the list.
func (f *Function) Append(p Payload) NodeID {
	id := f.alloc(p)
	n := f.Node(id)
	n.Prev = f.last
	if f.last != 0 {
		f.Node(f.last).Next = id
	} else {
		f.first = id
	}
	f.last = id
	return id
}

// InsertAfter links p directly after the node at.
func (f *Function) InsertAfter(at NodeID, p Payload) NodeID {
	if at == 0 || at == f.last {
		return f.Append(p)
	}
	id := f.alloc(p)
	prev := f.Node(at)
	next := prev.Next
	n := f.Node(id)
	n.Prev, n.Next = at, next
	prev.Next = id
	f.Node(next).Prev = id
	return id
}

// Remove unlinks a node. Its arena slot is not reused.
func (f *Function) Remove(id NodeID) {
	n := f.Node(id)
	if n == nil {
		return
	}
	if n.Prev != 0 {
		f.Node(n.Prev).Next = n.Next
	} else {
		f.first = n.Next
	}
	if n.Next != 0 {
		f.Node(n.Next).Prev = n.Prev
	} else {
		f.last = n.Prev
	}
	n.Prev, n.Next = 0, 0
}

func (f *Function) Inst(op asm.Op, operands ...Operand) NodeID {
	return f.Append(&Instruction{Op: op, Operands: operands})
}

func (f *Function) Bind(l LabelID) NodeID {
	return f.Append(&Target{Label: l})
}

func (f *Function) Jump(op asm.Op, l LabelID, likely bool) NodeID {
	return f.Append(&Jump{Op: op, Target: l, Likely: likely})
}

func (f *Function) Call(target Operand, proto Prototype, args []Operand, returns ...VarID) NodeID {
	return f.Append(&Call{Target: target, Proto: proto, Args: args, Returns: returns})
}

func (f *Function) Ret(values ...Operand) NodeID {
	return f.Append(&Return{Values: values})
}

// String renders the function in the textual form accepted by Parse.
func (f *Function) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "func %s(", f.Name)
	for i, id := range f.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		v := f.Var(id)
		fmt.Fprintf(&b, "%s %s", v.Name, v.Kind)
	}
	b.WriteString(")")
	for i, k := range f.Results {
		if i == 0 {
			b.WriteString(" ")
		} else {
			b.WriteString(", ")
		}
		b.WriteString(k.String())
	}
	fmt.Fprintf(&b, " @%s\n", f.Conv.Name)
	for _, v := range f.vars {
		if v.Param >= 0 {
			continue
		}
		fmt.Fprintf(&b, "\tvar %s %s", v.Name, v.Kind)
		if v.Priority != 0 {
			fmt.Fprintf(&b, " prio %d", v.Priority)
		}
		if v.Hint >= 0 {
			fmt.Fprintf(&b, " hint %s", asm.BankReg(v.Kind.Bank(), v.Hint))
		}
		b.WriteString("\n")
	}
	for id := f.first; id != 0; id = f.Node(id).Next {
		line := f.FormatNode(id)
		if line == "" {
			continue
		}
		if _, ok := f.Node(id).Payload.(*Target); !ok {
			b.WriteString("\t")
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("end\n")
	return b.String()
}

// FormatNode renders one node. The entry node renders as an empty string.
func (f *Function) FormatNode(id NodeID) string {
	n := f.Node(id)
	if n == nil {
		return ""
	}
	ops := func(list []Operand) string {
		parts := make([]string, len(list))
		for i, o := range list {
			parts[i] = f.formatOperand(o)
		}
		return strings.Join(parts, ", ")
	}
	switch p := n.Payload.(type) {
	case *Instruction:
		name := strings.ReplaceAll(p.Op.String(), " ", "_")
		if p.Op == asm.IMUL3 {
			name = "imul3"
		}
		if len(p.Operands) == 0 {
			return name
		}
		return name + " " + ops(p.Operands)
	case *Call:
		s := fmt.Sprintf("call %s(%s)", f.formatOperand(p.Target), ops(p.Args))
		if len(p.Returns) > 0 {
			names := make([]string, len(p.Returns))
			for i, r := range p.Returns {
				names[i] = f.formatOperand(V(r))
			}
			s += " -> " + strings.Join(names, ", ")
		}
		if p.Proto.Convention != nil && p.Proto.Convention != f.Conv {
			s += " @" + p.Proto.Convention.Name
		}
		return s
	case *Jump:
		s := p.Op.String() + " " + f.LabelName(p.Target)
		if p.Likely {
			s += " likely"
		}
		return s
	case *Target:
		return f.LabelName(p.Label) + ":"
	case *Return:
		if len(p.Values) == 0 {
			return "ret"
		}
		return "ret " + ops(p.Values)
	}
	return ""
}
