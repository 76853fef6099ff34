package ralloc

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/ralloc/internal/abi"
	"github.com/tinyrange/ralloc/internal/asm"
	"github.com/tinyrange/ralloc/internal/ir"
)

// Stats counts the code the allocator added on top of the program's own
// instructions.
type Stats struct {
	Loads    int
	Stores   int
	Moves    int
	Swaps    int
	Trailers int
}

// Context allocates registers for one function. It owns the current
// register state, the spill slot pool and the forward jump worklist.
type Context struct {
	fn      *ir.Function
	conv    *abi.Convention
	policy  Policy
	weights SpillWeights
	log     *slog.Logger

	vars  []VarData
	state StateData
	slots *SlotPool

	// Translate writes the function body and the reconciliation trailer to
	// separate streams; out is the one currently written.
	body      *asm.Recorder
	trailer   *asm.Recorder
	out       *asm.Recorder
	nextLabel asm.Label
	exit      asm.Label

	offset   int
	reserved [asm.NumBanks]uint32
	disabled [asm.NumBanks]uint32
	modified [asm.NumBanks]uint32

	framePointer bool
	isCaller     bool
	callBytes    int

	params      abi.Layout
	insts       map[ir.NodeID][]varUse
	calls       map[ir.NodeID]*callInfo
	targets     map[ir.LabelID]*target
	pending     []*forwardJump
	unreachable bool

	prepared   bool
	translated bool
	frame      FrameLayout
	stats      Stats
}

// New creates the allocation context for fn.
func New(fn *ir.Function, opts Options) (*Context, error) {
	conv := fn.Conv
	if conv == nil {
		conv = abi.Default()
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	c := &Context{
		fn:      fn,
		conv:    conv,
		policy:  opts.Policy,
		weights: opts.Policy.SpillWeights.orDefault(),
		log:     log.With("func", fn.Name),
		slots:   NewSlotPool(opts.Policy.MaxFrameBytes),
		body:    asm.NewRecorder(),
		trailer: asm.NewRecorder(),
		insts:   make(map[ir.NodeID][]varUse),
		calls:   make(map[ir.NodeID]*callInfo),
		targets: make(map[ir.LabelID]*target),
	}
	c.out = c.body
	c.framePointer = !opts.Policy.OmitFramePointer || !conv.AlignedOnEntry
	c.disabled[asm.GP] = 1 << asm.RSP
	if c.framePointer {
		c.disabled[asm.GP] |= 1 << asm.RBP
	}

	c.vars = make([]VarData, fn.NumVars())
	for i := range c.vars {
		v := fn.Var(ir.VarID(i + 1))
		if !v.Kind.Valid() {
			return nil, fmt.Errorf("%s: %w", v.Name, ErrUnsupportedKind)
		}
		if v.Hint >= v.Kind.Bank().Count() {
			return nil, fmt.Errorf("%s: hint %d out of range: %w", v.Name, v.Hint, ErrInvalidVariable)
		}
		c.vars[i] = newVarData(v)
	}

	var params, results []abi.Arg
	for _, id := range fn.Params {
		v := fn.Var(id)
		if v == nil {
			return nil, fmt.Errorf("parameter v%d: %w", id, ErrInvalidVariable)
		}
		params = append(params, abi.Arg{Bank: v.Kind.Bank(), Size: v.Kind.Size()})
	}
	for _, k := range fn.Results {
		results = append(results, abi.Arg{Bank: k.Bank(), Size: k.Size()})
	}
	layout, err := conv.Layout(params, results)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", fn.Name, err, ErrUnsupportedKind)
	}
	c.params = layout
	c.exit = c.newLabel()
	return c, nil
}

func (c *Context) newLabel() asm.Label {
	c.nextLabel++
	return c.nextLabel
}

func (c *Context) Function() *ir.Function       { return c.fn }
func (c *Context) Convention() *abi.Convention { return c.conv }

// State returns the current register state. It is owned by the context.
func (c *Context) State() *StateData { return &c.state }

// Body returns the translated function body with unresolved frame slots.
func (c *Context) Body() *asm.Recorder { return c.body }

// Trailer returns the reconciliation blocks placed after the epilog.
func (c *Context) Trailer() *asm.Recorder { return c.trailer }

func (c *Context) Slots() *SlotPool { return c.slots }
func (c *Context) Stats() Stats     { return c.stats }

// Var returns the allocator record of id, or nil.
func (c *Context) Var(id ir.VarID) *VarData {
	if id == 0 || int(id) > len(c.vars) {
		return nil
	}
	return &c.vars[id-1]
}

func (c *Context) lookup(id ir.VarID) (*VarData, error) {
	v := c.Var(id)
	if v == nil {
		return nil, fmt.Errorf("v%d at offset %d: %w", id, c.offset, ErrInvalidVariable)
	}
	return v, nil
}

// ReserveCallStack records the outgoing argument area a call needs. The
// frame reserves the largest one.
func (c *Context) ReserveCallStack(bytes int) {
	if bytes > c.callBytes {
		c.callBytes = bytes
	}
}

func (c *Context) emit(op asm.Op, operands ...asm.Operand) error {
	if err := c.out.Emit(op, operands...); err != nil {
		return fmt.Errorf("offset %d: %v: %w", c.offset, err, ErrInvalidInstruction)
	}
	return nil
}

// memOp returns the instruction moving a value of kind between a register
// and memory. Only spill slots are known to be 16-byte aligned.
func memOp(kind ir.Kind, aligned bool) asm.Op {
	switch kind {
	case ir.Int32, ir.Int64:
		return asm.MOV
	case ir.MM:
		return asm.MOVQ
	case ir.XMMSS:
		return asm.MOVSS
	case ir.XMMSD:
		return asm.MOVSD
	case ir.XMMPS:
		if aligned {
			return asm.MOVAPS
		}
		return asm.MOVUPS
	case ir.XMMPD:
		if aligned {
			return asm.MOVAPD
		}
		return asm.MOVUPS
	default:
		if aligned {
			return asm.MOVDQA
		}
		return asm.MOVDQU
	}
}

// home returns the memory home of v, allocating a spill slot on first use.
func (c *Context) home(v *VarData, size uint8) (asm.Slot, error) {
	if size == 0 {
		size = uint8(v.Kind.Size())
	}
	if v.ArgOffset >= 0 {
		return asm.Slot{Area: asm.ArgArea, ID: int32(v.ArgOffset), Size: size}, nil
	}
	if v.Slot < 0 {
		first := v.First
		if first < 0 {
			first = c.offset
		}
		id, err := c.slots.Alloc(v.Kind.Size(), first)
		if err != nil {
			return asm.Slot{}, fmt.Errorf("%s: %w", v.Name, err)
		}
		v.Slot = id
		v.slotFreed = false
	}
	return asm.Slot{Area: asm.SpillArea, ID: v.Slot, Size: size}, nil
}

func regAt(v *VarData, index int) asm.Reg {
	r := asm.BankReg(v.Bank(), index)
	if v.Bank() == asm.GP {
		r.Size = uint8(v.Kind.Size())
	}
	return r
}

func (c *Context) load(v *VarData, index int) error {
	slot, err := c.home(v, 0)
	if err != nil {
		return err
	}
	c.stats.Loads++
	return c.emit(memOp(v.Kind, slot.Area == asm.SpillArea), regAt(v, index), slot)
}

// store writes the register copy of v to its home and marks it clean.
func (c *Context) store(v *VarData) error {
	slot, err := c.home(v, 0)
	if err != nil {
		return err
	}
	c.stats.Stores++
	if err := c.emit(memOp(v.Kind, slot.Area == asm.SpillArea), slot, regAt(v, v.Reg)); err != nil {
		return err
	}
	v.Dirty = false
	c.state.Changed[v.Bank()] &^= 1 << v.Reg
	return nil
}

func (c *Context) assign(v *VarData, index int, dirty bool) {
	bank := v.Bank()
	c.state.set(bank, index, v.ID, dirty)
	v.State = InRegister
	v.Reg = index
	v.Home = index
	v.Dirty = dirty
	c.modified[bank] |= 1 << index
}

func (c *Context) markDirty(v *VarData) {
	v.Dirty = true
	c.state.Changed[v.Bank()] |= 1 << v.Reg
}

func (c *Context) emitMove(bank asm.Bank, dst, src int) error {
	c.stats.Moves++
	switch bank {
	case asm.GP:
		return c.emit(asm.MOV, asm.R64(dst), asm.R64(src))
	case asm.MM:
		return c.emit(asm.MOVQ, asm.MMReg(dst), asm.MMReg(src))
	default:
		return c.emit(asm.MOVAPS, asm.XMMReg(dst), asm.XMMReg(src))
	}
}

// emitSwap exchanges two registers without touching the flags.
func (c *Context) emitSwap(bank asm.Bank, a, b int) error {
	c.stats.Swaps++
	if bank == asm.GP {
		return c.emit(asm.XCHG, asm.R64(a), asm.R64(b))
	}
	op, x, y := asm.XORPS, asm.XMMReg(a), asm.XMMReg(b)
	if bank == asm.MM {
		op, x, y = asm.PXOR, asm.MMReg(a), asm.MMReg(b)
	}
	for _, pair := range [][2]asm.Reg{{x, y}, {y, x}, {x, y}} {
		if err := c.emit(op, pair[0], pair[1]); err != nil {
			return err
		}
	}
	return nil
}

// exchange moves a register resident v to dst, swapping with the occupant
// of dst if there is one.
func (c *Context) exchange(v *VarData, dst int) error {
	bank := v.Bank()
	src := v.Reg
	owner := c.state.Owner(bank, dst)
	if owner == 0 {
		if err := c.emitMove(bank, dst, src); err != nil {
			return err
		}
		dirty := v.Dirty
		c.state.clear(bank, src)
		c.assign(v, dst, dirty)
		c.log.Debug("move", "var", v.Name, "from", asm.BankReg(bank, src).String(), "to", asm.BankReg(bank, dst).String())
		return nil
	}
	w := c.Var(owner)
	if err := c.emitSwap(bank, src, dst); err != nil {
		return err
	}
	vd, wd := v.Dirty, w.Dirty
	c.assign(v, dst, vd)
	c.assign(w, src, wd)
	c.log.Debug("swap", "var", v.Name, "with", w.Name, "offset", c.offset)
	return nil
}

// findFree implements the register search order: the preferred index, the
// hint, the home register, a scan from index 1 in policy order, and
// finally index 0. Reserved registers are only returned when explicitly
// preferred.
func (c *Context) findFree(v *VarData, preferred int) int {
	bank := v.Bank()
	n := bank.Count()
	usable := func(i int) bool {
		return c.state.Regs[bank][i] == 0 && c.disabled[bank]&(1<<i) == 0 && v.allows(i)
	}
	open := func(i int) bool {
		return usable(i) && c.reserved[bank]&(1<<i) == 0
	}
	if preferred >= 0 && preferred < n && usable(preferred) {
		return preferred
	}
	if v.Hint >= 0 && open(v.Hint) {
		return v.Hint
	}
	if v.Home >= 0 && open(v.Home) {
		return v.Home
	}
	for pass := 0; pass < 2; pass++ {
		wantPreserved := c.policy.PreferPreserved == (pass == 0)
		for i := 1; i < n; i++ {
			if c.conv.IsPreserved(bank, i) == wantPreserved && open(i) {
				return i
			}
		}
	}
	if open(0) {
		return 0
	}
	return -1
}

func (c *Context) spillScore(v *VarData) int {
	w := c.weights
	dist := 0
	if v.Last >= c.offset {
		dist = v.Last - c.offset
	}
	return w.Distance*dist -
		w.Writes*(v.RegWrite+v.RegRW) +
		w.Reads*v.RegRead +
		w.Memory*(v.MemRead+v.MemWrite+v.MemRW)
}

// SelectSpillCandidate returns the occupant of bank with the highest
// (priority, score), skipping variables used by the current node. Ties go
// to the lowest register index.
func (c *Context) SelectSpillCandidate(bank asm.Bank) *VarData {
	return c.selectSpill(bank, 0)
}

func (c *Context) selectSpill(bank asm.Bank, mask uint32) *VarData {
	var best *VarData
	bestScore := 0
	for i := 0; i < bank.Count(); i++ {
		id := c.state.Regs[bank][i]
		if id == 0 || (mask != 0 && mask&(1<<i) == 0) || c.reserved[bank]&(1<<i) != 0 {
			continue
		}
		v := c.Var(id)
		if v.WorkOffset == c.offset {
			continue
		}
		score := c.spillScore(v)
		if best == nil || v.Priority > best.Priority || (v.Priority == best.Priority && score > bestScore) {
			best, bestScore = v, score
		}
	}
	return best
}

// AllocVar places v in a register. With a preferred index an already
// resident variable is moved or swapped there. A read of a variable in
// memory loads it; a write marks it dirty.
func (c *Context) AllocVar(v *VarData, preferred int, mode asm.Access) error {
	bank := v.Bank()
	if v.State == InRegister {
		// Swaps and parameter registers can leave v outside its mask.
		if preferred < 0 && !v.allows(v.Reg) {
			preferred = c.findFree(v, -1)
			if preferred < 0 {
				victim := c.selectSpill(bank, v.Mask)
				if victim == nil {
					return fmt.Errorf("%s at offset %d: %w", v.Name, c.offset, ErrRegistersOverlap)
				}
				preferred = victim.Reg
				if err := c.SpillVar(victim); err != nil {
					return err
				}
			}
		}
		if preferred >= 0 && preferred != v.Reg {
			if err := c.exchange(v, preferred); err != nil {
				return err
			}
		}
		if mode&asm.Write != 0 {
			c.markDirty(v)
		}
		return nil
	}

	index := c.findFree(v, preferred)
	if index < 0 {
		victim := c.selectSpill(bank, v.Mask)
		if victim == nil {
			return fmt.Errorf("%s at offset %d: %w", v.Name, c.offset, ErrRegistersOverlap)
		}
		index = victim.Reg
		if err := c.SpillVar(victim); err != nil {
			return err
		}
	}
	if mode&asm.Read != 0 && v.State == InMemory {
		if err := c.load(v, index); err != nil {
			return err
		}
	}
	c.assign(v, index, mode&asm.Write != 0)
	c.log.Debug("alloc", "var", v.Name, "reg", asm.BankReg(bank, index).String(), "offset", c.offset)
	return nil
}

// SpillVar frees the register of v, storing it first when dirty.
func (c *Context) SpillVar(v *VarData) error {
	if v.State != InRegister {
		return nil
	}
	if v.Dirty {
		if err := c.store(v); err != nil {
			return err
		}
	}
	c.log.Debug("spill", "var", v.Name, "reg", v.natural().String(), "offset", c.offset)
	c.state.clear(v.Bank(), v.Reg)
	v.Reg = -1
	v.Dirty = false
	if v.HasHome() {
		v.State = InMemory
	} else {
		v.State = Unused
	}
	return nil
}

// UnuseVar drops the register copy of v without storing it.
func (c *Context) UnuseVar(v *VarData, to Placement) {
	if v.State == InRegister {
		c.state.clear(v.Bank(), v.Reg)
		v.Reg = -1
	}
	v.Dirty = false
	if to == InMemory && !v.HasHome() {
		to = Unused
	}
	v.State = to
}

// release ends the live range of v.
func (c *Context) release(v *VarData) {
	c.UnuseVar(v, Unused)
	if c.policy.ReuseSlots && v.Slot >= 0 && !v.slotFreed {
		c.slots.Free(v.Slot, v.Last)
		v.slotFreed = true
	}
}

// releaseDead releases every register resident variable whose live range
// ended before offset.
func (c *Context) releaseDead(offset int) {
	for bank := asm.Bank(0); bank < asm.NumBanks; bank++ {
		for i := 0; i < bank.Count(); i++ {
			if id := c.state.Regs[bank][i]; id != 0 {
				if v := c.Var(id); v.Last < offset {
					c.release(v)
				}
			}
		}
	}
}

// SaveState returns a snapshot of the current register state.
func (c *Context) SaveState() *StateData {
	return c.state.Clone()
}

// AssignState makes s the current state. Variables outside its registers
// are in memory when they have a home.
func (c *Context) AssignState(s *StateData) {
	c.state = *s
	for i := range c.vars {
		v := &c.vars[i]
		v.Reg = -1
		v.Dirty = false
		if v.HasHome() {
			v.State = InMemory
		} else {
			v.State = Unused
		}
	}
	for bank := asm.Bank(0); bank < asm.NumBanks; bank++ {
		for i := 0; i < bank.Count(); i++ {
			if id := s.Regs[bank][i]; id != 0 {
				v := c.Var(id)
				v.State = InRegister
				v.Reg = i
				v.Home = i
				v.Dirty = s.dirty(bank, i)
			}
		}
	}
}

// compatible reports whether control can pass from state from to a point
// expecting to without any code.
func (c *Context) compatible(from, to *StateData, target int) bool {
	for bank := asm.Bank(0); bank < asm.NumBanks; bank++ {
		for i := 0; i < bank.Count(); i++ {
			f, t := from.Regs[bank][i], to.Regs[bank][i]
			switch {
			case t != 0 && f != t:
				return false
			case f == 0:
			case f == t && from.dirty(bank, i) && !to.dirty(bank, i):
				return false
			case t == 0 && from.dirty(bank, i) && c.Var(f).Last >= target:
				return false
			}
		}
	}
	return true
}

// RestoreState turns from into to. Occupants that differ are dropped when
// dead at target and spilled otherwise, unless to keeps them in another
// register. Then every register of to is filled, moving resident
// variables before loading the others, and dirty flags are reconciled.
func (c *Context) RestoreState(from, to *StateData, target int) error {
	if from != &c.state {
		c.AssignState(from)
	}
	for bank := asm.Bank(0); bank < asm.NumBanks; bank++ {
		for i := 0; i < bank.Count(); i++ {
			id := c.state.Regs[bank][i]
			if id == 0 || id == to.Regs[bank][i] {
				continue
			}
			v := c.Var(id)
			switch {
			case v.Last < target:
				c.UnuseVar(v, InMemory)
			case to.Find(bank, id) >= 0:
			default:
				if err := c.SpillVar(v); err != nil {
					return err
				}
			}
		}
	}
	for _, resident := range []bool{true, false} {
		for bank := asm.Bank(0); bank < asm.NumBanks; bank++ {
			for i := 0; i < bank.Count(); i++ {
				id := to.Regs[bank][i]
				if id == 0 || c.state.Regs[bank][i] == id {
					continue
				}
				v := c.Var(id)
				if (v.State == InRegister) != resident {
					continue
				}
				if err := c.AllocVar(v, i, asm.Read); err != nil {
					return err
				}
				if v.Reg != i {
					return fmt.Errorf("restore %s to %s: %w", v.Name, asm.BankReg(bank, i), ErrRegistersOverlap)
				}
			}
		}
	}
	for bank := asm.Bank(0); bank < asm.NumBanks; bank++ {
		for i := 0; i < bank.Count(); i++ {
			id := to.Regs[bank][i]
			if id == 0 {
				continue
			}
			v := c.Var(id)
			want := to.dirty(bank, i)
			switch {
			case v.Dirty && !want:
				if err := c.store(v); err != nil {
					return err
				}
			case !v.Dirty && want:
				c.markDirty(v)
			}
		}
	}
	c.log.Debug("restore", "to", to.String(), "offset", c.offset)
	return nil
}

// placement is the part of a variable record that reconciliation code
// changes.
type placement struct {
	state Placement
	reg   int
	home  int
	dirty bool
}

type savedContext struct {
	state StateData
	vars  []placement
	out   *asm.Recorder
}

func (c *Context) saveContext() savedContext {
	s := savedContext{state: c.state, vars: make([]placement, len(c.vars)), out: c.out}
	for i := range c.vars {
		v := &c.vars[i]
		s.vars[i] = placement{state: v.State, reg: v.Reg, home: v.Home, dirty: v.Dirty}
	}
	return s
}

func (c *Context) restoreContext(s savedContext) {
	c.state = s.state
	for i := range c.vars {
		v := &c.vars[i]
		p := s.vars[i]
		v.State, v.Reg, v.Home, v.Dirty = p.state, p.reg, p.home, p.dirty
	}
	c.out = s.out
}
