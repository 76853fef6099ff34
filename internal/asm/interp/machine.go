// Package interp executes recorded amd64 instruction streams on a software
// model of the register files, flags and a flat memory. It is the oracle
// the allocator tests run generated code against.
package interp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/ralloc/internal/asm"
)

const (
	// MemBase is the lowest mapped address. Lower addresses fault so a
	// zero pointer is never silently readable.
	MemBase        = 0x10000
	DefaultMemSize = 1 << 20

	// Poison is written into clobbered registers after an external call.
	Poison = 0xbadc0ffee0ddf00d

	haltAddr = 0xdead0000dead0000
	codeTag  = 0x7ffe000000000000
	tagMask  = 0xffff000000000000
)

var (
	ErrStepLimit   = errors.New("step limit exceeded")
	ErrDivide      = errors.New("divide error")
	ErrMisaligned  = errors.New("misaligned access")
	ErrMemoryFault = errors.New("memory fault")
)

// ExternFunc implements a function the program calls by address. It reads
// its arguments from the machine and writes its results back.
type ExternFunc func(m *Machine) error

// Extern describes a callable outside the program. Registers in Clobber are
// poisoned after Fn returns; Pops bytes of stack arguments are released by
// the callee.
type Extern struct {
	Fn      ExternFunc
	Clobber [asm.NumBanks]uint32
	Pops    int
}

type Machine struct {
	GP  [16]uint64
	MM  [8]uint64
	XMM [16][2]uint64

	ZF, SF, CF, OF bool

	Mem []byte

	// MaxSteps bounds execution; zero means unlimited.
	MaxSteps int
	Steps    int

	// EntryRSP is the stack pointer before the return address was pushed.
	EntryRSP uint64

	// CheckCallAlignment makes every CALL fail unless RSP is 16-byte
	// aligned at the call instruction.
	CheckCallAlignment bool

	insts   []asm.Inst
	labels  map[asm.Label]int
	externs map[uint64]Extern
	heap    uint64
	pc      int
}

// New returns a machine with memSize bytes of memory. Zero selects
// DefaultMemSize.
func New(memSize int) *Machine {
	if memSize <= 0 {
		memSize = DefaultMemSize
	}
	return &Machine{
		Mem:                make([]byte, memSize),
		CheckCallAlignment: true,
		externs:            make(map[uint64]Extern),
		heap:               MemBase,
	}
}

// Load installs the program. Labels resolve to the position of their BIND.
func (m *Machine) Load(r *asm.Recorder) error {
	m.insts = r.Insts
	m.labels = make(map[asm.Label]int)
	for i, inst := range r.Insts {
		if inst.Op != asm.BIND {
			continue
		}
		m.labels[inst.Operands[0].(asm.Label)] = i
	}
	return nil
}

// Extern registers a callable at addr.
func (m *Machine) Extern(addr uint64, e Extern) {
	m.externs[addr] = e
}

// Alloc reserves size bytes of zeroed memory below the stack and returns
// its address. Blocks are 16-byte aligned.
func (m *Machine) Alloc(size int) (uint64, error) {
	addr := (m.heap + 15) &^ 15
	end := addr + uint64(size)
	if end > MemBase+uint64(len(m.Mem))/2 {
		return 0, fmt.Errorf("alloc %d bytes: %w", size, ErrMemoryFault)
	}
	m.heap = end
	return addr, nil
}

// Run executes from the first instruction as if called. stack holds the
// quadwords at [rsp], [rsp+8], ... at the call site; the function starts
// with RSP%16 == 8.
func (m *Machine) Run(stack ...uint64) error {
	top := (uint64(MemBase+len(m.Mem)) - 64) &^ 15
	frame := (uint64(len(stack))*8 + 15) &^ 15
	m.GP[asm.RSP] = top - frame
	for i, v := range stack {
		if err := m.Write64(m.GP[asm.RSP]+uint64(i)*8, v); err != nil {
			return err
		}
	}
	m.EntryRSP = m.GP[asm.RSP]
	if err := m.push(haltAddr); err != nil {
		return err
	}

	m.pc = 0
	m.Steps = 0
	for {
		if m.pc < 0 || m.pc >= len(m.insts) {
			return fmt.Errorf("pc %d outside the program", m.pc)
		}
		inst := m.insts[m.pc]
		m.pc++
		if inst.Op == asm.BIND {
			continue
		}
		m.Steps++
		if m.MaxSteps > 0 && m.Steps > m.MaxSteps {
			return ErrStepLimit
		}
		halted, err := m.step(inst)
		if err != nil {
			return fmt.Errorf("%d: %s: %w", m.pc-1, asm.Format(inst), err)
		}
		if halted {
			return nil
		}
	}
}

func (m *Machine) translate(addr uint64, size int) (int, error) {
	if addr < MemBase || addr+uint64(size) > MemBase+uint64(len(m.Mem)) || addr+uint64(size) < addr {
		return 0, fmt.Errorf("%w at 0x%x", ErrMemoryFault, addr)
	}
	return int(addr - MemBase), nil
}

func (m *Machine) ReadBytes(addr uint64, n int) ([]byte, error) {
	off, err := m.translate(addr, n)
	if err != nil {
		return nil, err
	}
	return m.Mem[off : off+n], nil
}

func (m *Machine) WriteBytes(addr uint64, data []byte) error {
	off, err := m.translate(addr, len(data))
	if err != nil {
		return err
	}
	copy(m.Mem[off:], data)
	return nil
}

func (m *Machine) load(addr uint64, size uint8) (uint64, error) {
	b, err := m.ReadBytes(addr, int(size))
	if err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	case 8:
		return binary.LittleEndian.Uint64(b), nil
	}
	return 0, fmt.Errorf("unsupported access width %d", size)
}

func (m *Machine) store(addr uint64, size uint8, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	switch size {
	case 1, 2, 4, 8:
		return m.WriteBytes(addr, buf[:size])
	}
	return fmt.Errorf("unsupported access width %d", size)
}

func (m *Machine) Read64(addr uint64) (uint64, error) {
	return m.load(addr, 8)
}

func (m *Machine) Write64(addr uint64, v uint64) error {
	return m.store(addr, 8, v)
}

func (m *Machine) push(v uint64) error {
	m.GP[asm.RSP] -= 8
	return m.Write64(m.GP[asm.RSP], v)
}

func (m *Machine) pop() (uint64, error) {
	v, err := m.Read64(m.GP[asm.RSP])
	if err != nil {
		return 0, err
	}
	m.GP[asm.RSP] += 8
	return v, nil
}

// Address computes the effective address of a memory operand.
func (m *Machine) Address(mem asm.Mem) uint64 {
	addr := uint64(int64(mem.Disp))
	if mem.HasBase {
		addr += m.GP[mem.Base.Index]
	}
	if mem.HasIndex {
		scale := uint64(mem.Scale)
		if scale == 0 {
			scale = 1
		}
		addr += m.GP[mem.Index.Index] * scale
	}
	return addr
}

func (m *Machine) poison(clobber [asm.NumBanks]uint32) {
	for i := range m.GP {
		if i != asm.RSP && clobber[asm.GP]&(1<<i) != 0 {
			m.GP[i] = Poison
		}
	}
	for i := range m.MM {
		if clobber[asm.MM]&(1<<i) != 0 {
			m.MM[i] = Poison
		}
	}
	for i := range m.XMM {
		if clobber[asm.XMM]&(1<<i) != 0 {
			m.XMM[i] = [2]uint64{Poison, Poison}
		}
	}
}

func (m *Machine) jumpTo(target asm.Operand) error {
	l, ok := target.(asm.Label)
	if !ok {
		return fmt.Errorf("indirect jumps are not supported")
	}
	pos, ok := m.labels[l]
	if !ok {
		return fmt.Errorf("undefined label %s", l)
	}
	m.pc = pos
	return nil
}

func (m *Machine) call(target asm.Operand) error {
	if m.CheckCallAlignment && m.GP[asm.RSP]%16 != 0 {
		return fmt.Errorf("call with rsp=0x%x: %w", m.GP[asm.RSP], ErrMisaligned)
	}
	if l, ok := target.(asm.Label); ok {
		if err := m.push(codeTag | uint64(m.pc)); err != nil {
			return err
		}
		return m.jumpTo(l)
	}

	addr, err := m.readInt(target, 8)
	if err != nil {
		return err
	}
	e, ok := m.externs[addr]
	if !ok {
		return fmt.Errorf("call to unknown address 0x%x", addr)
	}
	if err := m.push(codeTag | uint64(m.pc)); err != nil {
		return err
	}
	if err := e.Fn(m); err != nil {
		return fmt.Errorf("extern 0x%x: %w", addr, err)
	}
	m.poison(e.Clobber)
	ret, err := m.pop()
	if err != nil {
		return err
	}
	m.GP[asm.RSP] += uint64(e.Pops)
	m.pc = int(ret &^ codeTag)
	return nil
}

func (m *Machine) ret(operands []asm.Operand) (bool, error) {
	addr, err := m.pop()
	if err != nil {
		return false, err
	}
	if len(operands) == 1 {
		n, ok := operands[0].(asm.Imm)
		if !ok {
			return false, fmt.Errorf("ret operand must be an immediate")
		}
		m.GP[asm.RSP] += uint64(n)
	}
	if addr == haltAddr {
		return true, nil
	}
	if addr&tagMask != codeTag {
		return false, fmt.Errorf("return to corrupt address 0x%x", addr)
	}
	m.pc = int(addr &^ codeTag)
	return false, nil
}

func (m *Machine) condition(op asm.Op) bool {
	switch op {
	case asm.JE:
		return m.ZF
	case asm.JNE:
		return !m.ZF
	case asm.JL:
		return m.SF != m.OF
	case asm.JLE:
		return m.ZF || m.SF != m.OF
	case asm.JG:
		return !m.ZF && m.SF == m.OF
	case asm.JGE:
		return m.SF == m.OF
	case asm.JB:
		return m.CF
	case asm.JBE:
		return m.CF || m.ZF
	case asm.JA:
		return !m.CF && !m.ZF
	case asm.JAE:
		return !m.CF
	case asm.JS:
		return m.SF
	case asm.JNS:
		return !m.SF
	}
	return true
}
