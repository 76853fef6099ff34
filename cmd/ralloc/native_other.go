//go:build !(linux && amd64)

package main

import (
	"errors"

	"github.com/tinyrange/ralloc/internal/asm"
	"github.com/tinyrange/ralloc/internal/ir"
)

func executeNative(*ir.Function, asm.Program, string) (string, error) {
	return "", errors.New("native execution needs linux/amd64")
}
