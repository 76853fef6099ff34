package ralloc

import (
	"fmt"
	"strings"

	"github.com/tinyrange/ralloc/internal/asm"
	"github.com/tinyrange/ralloc/internal/ir"
)

// StateData records which variable owns each register. Changed mirrors the
// dirty flag of the owners. Snapshots are plain values and compare by
// content.
type StateData struct {
	Regs    [asm.NumBanks][16]ir.VarID
	Used    [asm.NumBanks]uint32
	Changed [asm.NumBanks]uint32
}

// Owner returns the variable in the register, or zero.
func (s *StateData) Owner(bank asm.Bank, index int) ir.VarID {
	return s.Regs[bank][index]
}

func (s *StateData) set(bank asm.Bank, index int, id ir.VarID, dirty bool) {
	s.Regs[bank][index] = id
	s.Used[bank] |= 1 << index
	if dirty {
		s.Changed[bank] |= 1 << index
	} else {
		s.Changed[bank] &^= 1 << index
	}
}

func (s *StateData) clear(bank asm.Bank, index int) {
	s.Regs[bank][index] = 0
	s.Used[bank] &^= 1 << index
	s.Changed[bank] &^= 1 << index
}

func (s *StateData) dirty(bank asm.Bank, index int) bool {
	return s.Changed[bank]&(1<<index) != 0
}

// Find returns the register holding id, or -1.
func (s *StateData) Find(bank asm.Bank, id ir.VarID) int {
	for i := 0; i < bank.Count(); i++ {
		if s.Regs[bank][i] == id {
			return i
		}
	}
	return -1
}

// Clone returns an independent copy.
func (s *StateData) Clone() *StateData {
	out := *s
	return &out
}

// Equal compares two snapshots by content.
func (s *StateData) Equal(o *StateData) bool {
	return *s == *o
}

func (s *StateData) String() string {
	var b strings.Builder
	for bank := asm.Bank(0); bank < asm.NumBanks; bank++ {
		for i := 0; i < bank.Count(); i++ {
			id := s.Regs[bank][i]
			if id == 0 {
				continue
			}
			if b.Len() > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%s=v%d", asm.BankReg(bank, i), id)
			if s.dirty(bank, i) {
				b.WriteString("*")
			}
		}
	}
	return "{" + b.String() + "}"
}
