//go:build linux && amd64

package main

import (
	"fmt"
	"strconv"

	"github.com/tinyrange/ralloc/internal/abi"
	"github.com/tinyrange/ralloc/internal/asm"
	"github.com/tinyrange/ralloc/internal/asm/amd64"
	"github.com/tinyrange/ralloc/internal/ir"
)

const maxNativeArgs = 6

// nativeCheck reports why fn cannot be entered from Go: the host call
// goes through the System V registers and returns RAX only.
func nativeCheck(fn *ir.Function) error {
	if fn.Conv.Name != abi.SysV.Name {
		return fmt.Errorf("native execution needs the %s convention, not %s", abi.SysV.Name, fn.Conv.Name)
	}
	if len(fn.Params) > maxNativeArgs {
		return fmt.Errorf("native execution takes at most %d arguments", maxNativeArgs)
	}
	for _, id := range fn.Params {
		if v := fn.Var(id); v.Kind.Bank() != asm.GP {
			return fmt.Errorf("native execution: parameter %s is %s", v.Name, v.Kind)
		}
	}
	if len(fn.Results) > 1 || (len(fn.Results) == 1 && fn.Results[0].Bank() != asm.GP) {
		return fmt.Errorf("native execution returns a single integer")
	}
	for id := fn.First(); id != 0; id = fn.Node(id).Next {
		if _, ok := fn.Node(id).Payload.(*ir.Call); ok {
			return fmt.Errorf("native execution: %s makes calls", fn.Name)
		}
	}
	return nil
}

// executeNative maps prog and calls it on the host CPU.
func executeNative(fn *ir.Function, prog asm.Program, argList string) (string, error) {
	if err := nativeCheck(fn); err != nil {
		return "", err
	}
	values, err := splitArgs(fn, argList)
	if err != nil {
		return "", err
	}
	args := make([]uint64, len(values))
	for i, s := range values {
		if args[i], err = parseValue(fn.Var(fn.Params[i]).Kind, s); err != nil {
			return "", fmt.Errorf("argument %d: %w", i, err)
		}
	}

	f, err := amd64.Map(prog)
	if err != nil {
		return "", err
	}
	defer f.Close()

	r := f.Call(args...)
	if len(fn.Results) == 0 {
		return "()", nil
	}
	return strconv.FormatInt(int64(r), 10), nil
}
