package ir

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tinyrange/ralloc/internal/abi"
	"github.com/tinyrange/ralloc/internal/asm"
)

var sizePrefixes = map[string]uint8{
	"byte":    1,
	"word":    2,
	"dword":   4,
	"qword":   8,
	"xmmword": 16,
}

type parser struct {
	fn    *Function
	funcs []*Function
	conv  *abi.Convention
}

// Parse reads functions in the textual listing format:
//
//	func sum(a i64, b i64) i64 @sysv
//		var t i64 prio 1
//		mov t, a
//		add t, b
//		ret t
//	end
//
// Errors carry the file name and line. Functions without a convention
// use the host default.
func Parse(name string, r io.Reader) ([]*Function, error) {
	return ParseConv(name, r, abi.Default())
}

// ParseConv is Parse with conv as the convention of functions whose header
// names none.
func ParseConv(name string, r io.Reader, conv *abi.Convention) ([]*Function, error) {
	p := &parser{conv: conv}
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.IndexAny(line, "#;"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := p.line(line); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if p.fn != nil {
		return nil, fmt.Errorf("%s:%d: function %s is missing end", name, lineNo, p.fn.Name)
	}
	return p.funcs, nil
}

// ParseString is Parse over a string.
func ParseString(name, src string) ([]*Function, error) {
	return Parse(name, strings.NewReader(src))
}

func splitWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}

func (p *parser) line(line string) error {
	word, rest := splitWord(line)
	if p.fn == nil {
		if word != "func" {
			return fmt.Errorf("expected func, got %q", word)
		}
		return p.header(rest)
	}

	switch {
	case word == "end" && rest == "":
		p.funcs = append(p.funcs, p.fn)
		p.fn = nil
		return nil
	case word == "func":
		return fmt.Errorf("nested func inside %s", p.fn.Name)
	case word == "var":
		return p.declare(rest)
	case strings.HasSuffix(line, ":") && !strings.ContainsAny(line, " \t"):
		p.fn.Bind(p.fn.Label(strings.TrimSuffix(line, ":")))
		return nil
	case word == "ret":
		ops, err := p.operands(rest)
		if err != nil {
			return err
		}
		p.fn.Ret(ops...)
		return nil
	case word == "call":
		return p.call(rest)
	}

	op, err := asm.ParseOp(word)
	if err != nil {
		return err
	}
	if op.IsJump() {
		target, mod := splitWord(rest)
		if target == "" {
			return fmt.Errorf("%s needs a label", op)
		}
		likely := false
		switch mod {
		case "":
		case "likely":
			likely = true
		default:
			return fmt.Errorf("unexpected %q after jump target", mod)
		}
		p.fn.Jump(op, p.fn.Label(target), likely)
		return nil
	}
	if op == asm.CALL || op == asm.RET {
		return fmt.Errorf("%s is written as a call or ret statement", op)
	}
	ops, err := p.operands(rest)
	if err != nil {
		return err
	}
	if err := op.CheckOperands(len(ops)); err != nil {
		return err
	}
	p.fn.Inst(op, ops...)
	return nil
}

func (p *parser) header(rest string) error {
	open := strings.Index(rest, "(")
	closing := strings.LastIndex(rest, ")")
	if open <= 0 || closing < open {
		return fmt.Errorf("malformed function header %q", rest)
	}
	name := strings.TrimSpace(rest[:open])
	tail := strings.TrimSpace(rest[closing+1:])

	conv := p.conv
	if i := strings.Index(tail, "@"); i >= 0 {
		c, err := abi.Lookup(strings.TrimSpace(tail[i+1:]))
		if err != nil {
			return err
		}
		conv = c
		tail = strings.TrimSpace(tail[:i])
	}

	fn := NewFunction(name, conv)
	if params := strings.TrimSpace(rest[open+1 : closing]); params != "" {
		for _, decl := range strings.Split(params, ",") {
			pname, kindName := splitWord(decl)
			kind, err := ParseKind(kindName)
			if err != nil {
				return fmt.Errorf("parameter %s: %w", pname, err)
			}
			fn.NewParam(kind, pname)
		}
	}
	if tail != "" {
		for _, r := range strings.Split(tail, ",") {
			kind, err := ParseKind(strings.TrimSpace(r))
			if err != nil {
				return fmt.Errorf("result: %w", err)
			}
			fn.Results = append(fn.Results, kind)
		}
	}
	p.fn = fn
	return nil
}

func (p *parser) declare(rest string) error {
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return fmt.Errorf("var needs a name and a kind")
	}
	if _, exists := p.fn.LookupVar(fields[0]); exists {
		return fmt.Errorf("variable %s already declared", fields[0])
	}
	kind, err := ParseKind(fields[1])
	if err != nil {
		return err
	}
	id := p.fn.NewVar(kind, fields[0])
	v := p.fn.Var(id)
	for i := 2; i < len(fields); i += 2 {
		if i+1 >= len(fields) {
			return fmt.Errorf("%s needs a value", fields[i])
		}
		switch fields[i] {
		case "prio":
			n, err := strconv.Atoi(fields[i+1])
			if err != nil {
				return fmt.Errorf("prio: %w", err)
			}
			v.Priority = n
		case "hint":
			r, err := asm.ParseReg(fields[i+1])
			if err != nil {
				return err
			}
			if r.Bank != kind.Bank() {
				return fmt.Errorf("hint %s is not in the %s bank", fields[i+1], kind.Bank())
			}
			v.Hint = int(r.Index)
		default:
			return fmt.Errorf("unknown var option %q", fields[i])
		}
	}
	return nil
}

func (p *parser) call(rest string) error {
	open := strings.Index(rest, "(")
	closing := strings.LastIndex(rest, ")")
	if open <= 0 || closing < open {
		return fmt.Errorf("malformed call %q", rest)
	}
	target, err := p.callTarget(strings.TrimSpace(rest[:open]))
	if err != nil {
		return err
	}
	args, err := p.operands(rest[open+1 : closing])
	if err != nil {
		return err
	}

	proto := Prototype{Convention: p.fn.Conv}
	for i, a := range args {
		switch a := a.(type) {
		case VarRef:
			proto.Params = append(proto.Params, p.fn.Var(a.ID).Kind)
		case Imm:
			proto.Params = append(proto.Params, Int64)
		default:
			return fmt.Errorf("call argument %d must be a variable or an immediate", i)
		}
	}

	tail := strings.TrimSpace(rest[closing+1:])
	if i := strings.Index(tail, "@"); i >= 0 {
		c, err := abi.Lookup(strings.TrimSpace(tail[i+1:]))
		if err != nil {
			return err
		}
		proto.Convention = c
		tail = strings.TrimSpace(tail[:i])
	}
	var returns []VarID
	if tail != "" {
		if !strings.HasPrefix(tail, "->") {
			return fmt.Errorf("unexpected %q after call arguments", tail)
		}
		for _, name := range strings.Split(tail[2:], ",") {
			id, err := p.variable(strings.TrimSpace(name))
			if err != nil {
				return err
			}
			returns = append(returns, id)
			proto.Results = append(proto.Results, p.fn.Var(id).Kind)
		}
	}
	p.fn.Call(target, proto, args, returns...)
	return nil
}

func (p *parser) callTarget(s string) (Operand, error) {
	if s == "" {
		return nil, fmt.Errorf("call needs a target")
	}
	if strings.HasPrefix(s, "[") || isNumber(s) {
		return p.operand(s)
	}
	if id, ok := p.fn.LookupVar(s); ok {
		return V(id), nil
	}
	return LabelRef(p.fn.Label(s)), nil
}

func (p *parser) variable(name string) (VarID, error) {
	id, ok := p.fn.LookupVar(name)
	if !ok {
		return 0, fmt.Errorf("unknown variable %q", name)
	}
	return id, nil
}

func (p *parser) operands(s string) ([]Operand, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []Operand
	for _, part := range strings.Split(s, ",") {
		o, err := p.operand(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func isNumber(s string) bool {
	if s == "" {
		return false
	}
	c := s[0]
	return c == '-' || c == '+' || (c >= '0' && c <= '9')
}

func parseNumber(s string) (int64, error) {
	if v, err := strconv.ParseInt(s, 0, 64); err == nil {
		return v, nil
	}
	u, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return int64(u), nil
}

func (p *parser) operand(s string) (Operand, error) {
	var size uint8
	if word, rest := splitWord(s); rest != "" {
		if n, ok := sizePrefixes[strings.ToLower(word)]; ok {
			size, s = n, rest
		} else if !strings.HasPrefix(s, "[") {
			return nil, fmt.Errorf("bad operand %q", s)
		}
	}

	switch {
	case strings.HasPrefix(s, "["):
		if !strings.HasSuffix(s, "]") {
			return nil, fmt.Errorf("unterminated memory operand %q", s)
		}
		return p.memory(strings.TrimSpace(s[1:len(s)-1]), size)
	case isNumber(s):
		if size != 0 {
			return nil, fmt.Errorf("size prefix on immediate %q", s)
		}
		v, err := parseNumber(s)
		if err != nil {
			return nil, err
		}
		return Imm(v), nil
	}
	id, err := p.variable(s)
	if err != nil {
		return nil, err
	}
	return VarRef{ID: id, Size: size}, nil
}

func (p *parser) memory(s string, size uint8) (Operand, error) {
	if id, ok := p.fn.LookupVar(s); ok {
		return VarMem{ID: id, Size: size}, nil
	}

	m := Mem{Size: size}
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "-", "+-")
	for _, term := range strings.Split(s, "+") {
		if term == "" {
			continue
		}
		if isNumber(term) {
			v, err := parseNumber(term)
			if err != nil {
				return nil, err
			}
			m.Disp += int32(v)
			continue
		}
		name, scale := term, uint8(1)
		if i := strings.Index(term, "*"); i >= 0 {
			n, err := strconv.Atoi(term[i+1:])
			if err != nil {
				return nil, fmt.Errorf("bad scale in %q", term)
			}
			name, scale = term[:i], uint8(n)
		}
		id, err := p.variable(name)
		if err != nil {
			return nil, err
		}
		switch {
		case m.Base == 0 && scale == 1:
			m.Base = id
		case m.Index == 0:
			m.Index, m.Scale = id, scale
		default:
			return nil, fmt.Errorf("too many registers in [%s]", s)
		}
	}
	if m.Index != 0 {
		switch m.Scale {
		case 1, 2, 4, 8:
		default:
			return nil, fmt.Errorf("invalid scale %d", m.Scale)
		}
	}
	return m, nil
}
