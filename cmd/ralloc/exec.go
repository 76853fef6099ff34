package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tinyrange/ralloc/internal/abi"
	"github.com/tinyrange/ralloc/internal/asm"
	"github.com/tinyrange/ralloc/internal/asm/interp"
	"github.com/tinyrange/ralloc/internal/ir"
)

const maxSteps = 10_000_000

// execute runs the compiled function in the interpreter with the arguments
// placed by its convention and formats the results.
func execute(fn *ir.Function, prog *asm.Recorder, argList string) (string, error) {
	values, err := splitArgs(fn, argList)
	if err != nil {
		return "", err
	}

	var params, results []abi.Arg
	for _, id := range fn.Params {
		k := fn.Var(id).Kind
		params = append(params, abi.Arg{Bank: k.Bank(), Size: k.Size()})
	}
	for _, k := range fn.Results {
		results = append(results, abi.Arg{Bank: k.Bank(), Size: k.Size()})
	}
	layout, err := fn.Conv.Layout(params, results)
	if err != nil {
		return "", err
	}

	m := interp.New(0)
	m.MaxSteps = maxSteps
	if err := m.Load(prog); err != nil {
		return "", err
	}
	stack := make([]uint64, layout.StackBytes/8)
	for i, s := range values {
		bits, err := parseValue(fn.Var(fn.Params[i]).Kind, s)
		if err != nil {
			return "", fmt.Errorf("argument %d: %w", i, err)
		}
		loc := layout.Params[i]
		switch {
		case !loc.InReg:
			stack[loc.Offset/8] = bits
		case loc.Bank == asm.GP:
			m.GP[loc.Reg] = bits
		case loc.Bank == asm.MM:
			m.MM[loc.Reg] = bits
		default:
			m.XMM[loc.Reg] = [2]uint64{bits, 0}
		}
	}
	if err := m.Run(stack...); err != nil {
		return "", err
	}

	var out []string
	for i, k := range fn.Results {
		loc := layout.Results[i]
		switch loc.Bank {
		case asm.GP:
			out = append(out, strconv.FormatInt(int64(m.GP[loc.Reg]), 10))
		case asm.MM:
			out = append(out, fmt.Sprintf("0x%x", m.MM[loc.Reg]))
		default:
			out = append(out, formatVector(k, m.XMM[loc.Reg]))
		}
	}
	if len(out) == 0 {
		return "()", nil
	}
	return strings.Join(out, ", "), nil
}

func splitArgs(fn *ir.Function, argList string) ([]string, error) {
	var values []string
	for _, s := range strings.Split(argList, ",") {
		if s = strings.TrimSpace(s); s != "" {
			values = append(values, s)
		}
	}
	if len(values) != len(fn.Params) {
		return nil, fmt.Errorf("got %d arguments, want %d", len(values), len(fn.Params))
	}
	return values, nil
}

func parseValue(k ir.Kind, s string) (uint64, error) {
	switch k {
	case ir.XMMSD:
		f, err := strconv.ParseFloat(s, 64)
		return math.Float64bits(f), err
	case ir.XMMSS:
		f, err := strconv.ParseFloat(s, 32)
		return uint64(math.Float32bits(float32(f))), err
	}
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		u, uerr := strconv.ParseUint(s, 0, 64)
		if uerr != nil {
			return 0, err
		}
		return u, nil
	}
	return uint64(v), nil
}

func formatVector(k ir.Kind, v [2]uint64) string {
	switch k {
	case ir.XMMSD:
		return strconv.FormatFloat(math.Float64frombits(v[0]), 'g', -1, 64)
	case ir.XMMSS:
		return strconv.FormatFloat(float64(math.Float32frombits(uint32(v[0]))), 'g', -1, 32)
	}
	return fmt.Sprintf("0x%016x%016x", v[1], v[0])
}
