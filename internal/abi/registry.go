package abi

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
)

var (
	conventionsMu sync.RWMutex
	conventions   = make(map[string]*Convention)
)

func init() {
	MustRegister(&SysV)
	MustRegister(&Win64)
	MustRegister(&Fast2)
}

// Register adds a convention to the process-wide table.
func Register(c *Convention) error {
	if c == nil {
		return fmt.Errorf("abi: convention must be non-nil")
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("abi: %w", err)
	}

	conventionsMu.Lock()
	defer conventionsMu.Unlock()

	if _, exists := conventions[c.Name]; exists {
		return fmt.Errorf("abi: convention %q already registered", c.Name)
	}
	conventions[c.Name] = c
	return nil
}

// MustRegister is Register for init-time tables. It panics on error so
// mistakes are caught early.
func MustRegister(c *Convention) {
	if err := Register(c); err != nil {
		panic(err)
	}
}

// Lookup returns the named convention. The result is shared and must not
// be modified.
func Lookup(name string) (*Convention, error) {
	conventionsMu.RLock()
	defer conventionsMu.RUnlock()

	if c, ok := conventions[name]; ok {
		return c, nil
	}
	if name == "" {
		return nil, fmt.Errorf("abi: convention name must be specified")
	}
	return nil, fmt.Errorf("abi: no convention registered for %q", name)
}

// Default returns the host's native convention.
func Default() *Convention {
	if runtime.GOOS == "windows" {
		return &Win64
	}
	return &SysV
}

// Names lists the registered conventions in sorted order.
func Names() []string {
	conventionsMu.RLock()
	defer conventionsMu.RUnlock()

	out := make([]string, 0, len(conventions))
	for name := range conventions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
