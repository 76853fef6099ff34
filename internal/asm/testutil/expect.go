package testutil

import (
	"fmt"
	"strings"
	"testing"

	"github.com/tinyrange/ralloc/internal/asm"
)

// Expectation describes a single instruction that should appear in a
// recorded stream.
type Expectation struct {
	Name     string
	Op       asm.Op
	Contains []string
}

func (e Expectation) match(inst asm.Inst) error {
	if e.Op != asm.OpInvalid && inst.Op != e.Op {
		return fmt.Errorf("op=%s, want %s", inst.Op, e.Op)
	}
	text := asm.Format(inst)
	for _, needle := range e.Contains {
		if !strings.Contains(text, needle) {
			return fmt.Errorf("missing %q in %q", needle, text)
		}
	}
	return nil
}

// VerifyStream walks the recorded instructions and ensures each expectation
// is satisfied in order. Label binds are skipped unless an expectation asks
// for asm.BIND.
func VerifyStream(t *testing.T, insts []asm.Inst, expect []Expectation) {
	t.Helper()
	idx := 0
	for _, exp := range expect {
		for idx < len(insts) && insts[idx].Op == asm.BIND && exp.Op != asm.BIND {
			idx++
		}
		if idx >= len(insts) {
			t.Fatalf("stream ended before %q\n%s", exp.Name, listing(insts))
		}
		if err := exp.match(insts[idx]); err != nil {
			t.Fatalf("instruction %q mismatch at %d: %v\n%s", exp.Name, idx, err, listing(insts))
		}
		idx++
	}
}

// ContainsSequence reports whether the ops appear contiguously, ignoring
// label binds.
func ContainsSequence(insts []asm.Inst, ops ...asm.Op) bool {
	var seq []asm.Op
	for _, inst := range insts {
		if inst.Op != asm.BIND {
			seq = append(seq, inst.Op)
		}
	}
	for start := 0; start+len(ops) <= len(seq); start++ {
		match := true
		for i, op := range ops {
			if seq[start+i] != op {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func listing(insts []asm.Inst) string {
	var b strings.Builder
	for i, inst := range insts {
		fmt.Fprintf(&b, "%4d  %s\n", i, asm.Format(inst))
	}
	return b.String()
}
