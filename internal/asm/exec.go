package asm

// NativeFunc represents a compiled function mapped into executable memory.
// This interface is implemented by architecture-specific Func types.
type NativeFunc interface {
	// Call executes the function with up to nine integer arguments passed
	// according to the host C calling convention and returns RAX.
	Call(args ...uint64) uint64

	// Entry returns the entrypoint address of the mapped code.
	Entry() uintptr

	// Program returns a deep copy of the Program backing the function.
	Program() Program

	// Close unmaps the code.
	Close() error
}
