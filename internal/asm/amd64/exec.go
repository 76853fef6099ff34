//go:build linux && amd64

package amd64

import (
	"fmt"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/tinyrange/ralloc/internal/asm"
	"golang.org/x/sys/unix"
)

// Func is a program mapped into executable memory. It follows the host
// System V calling convention.
type Func struct {
	mem   []byte
	entry uintptr
	prog  asm.Program
}

var (
	_ asm.NativeFunc = &Func{}
)

const maxArguments = 9

// Call executes the function with integer arguments and returns RAX.
func (fn *Func) Call(args ...uint64) uint64 {
	if fn.entry == 0 {
		panic("amd64.Func: call on unmapped function")
	}
	if len(args) > maxArguments {
		panic(fmt.Sprintf("native call accepts at most %d arguments, got %d", maxArguments, len(args)))
	}
	buf := make([]uintptr, len(args))
	for i, a := range args {
		buf[i] = uintptr(a)
	}
	r1, _, _ := purego.SyscallN(fn.entry, buf...)
	return uint64(r1)
}

func (fn *Func) Entry() uintptr {
	return fn.entry
}

func (fn *Func) Program() asm.Program {
	return fn.prog.Clone()
}

func (fn *Func) Close() error {
	if fn.mem == nil {
		return nil
	}
	err := unix.Munmap(fn.mem)
	fn.mem = nil
	fn.entry = 0
	return err
}

// Map copies a program into fresh pages and makes them executable. The
// entry point is offset zero.
func Map(prog asm.Program) (*Func, error) {
	code := prog.Bytes()
	if len(code) == 0 {
		return nil, fmt.Errorf("empty code")
	}

	pageSize := unix.Getpagesize()
	allocSize := ((len(code) + pageSize - 1) / pageSize) * pageSize

	mem, err := unix.Mmap(-1, 0, allocSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap code region: %w", err)
	}
	copy(mem, code)

	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("mprotect code region: %w", err)
	}

	return &Func{
		mem:   mem,
		entry: uintptr(unsafe.Pointer(&mem[0])),
		prog:  prog.Clone(),
	}, nil
}
