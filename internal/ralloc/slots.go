package ralloc

import (
	"fmt"
	"sort"
)

type slotInfo struct {
	size   int
	offset int
	// end is the last live offset of the most recent owner once the slot
	// has been returned.
	end  int
	free bool
}

// SlotPool hands out spill slots. Sizes round to the 4, 8 and 16 byte
// buckets; larger blocks round up to a multiple of 16. A returned slot is
// only given to a variable whose live range starts after the previous
// owner's ended.
type SlotPool struct {
	slots []slotInfo
	free  map[int][]int32
	max   int
	total int
	laid  bool
}

func NewSlotPool(maxBytes int) *SlotPool {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	return &SlotPool{free: make(map[int][]int32), max: maxBytes}
}

// SlotSize returns the bucket a request of size bytes is served from.
func SlotSize(size int) int {
	switch {
	case size <= 4:
		return 4
	case size <= 8:
		return 8
	default:
		return (size + 15) &^ 15
	}
}

// Alloc returns a slot of at least size bytes for a variable whose live
// range starts at first.
func (p *SlotPool) Alloc(size, first int) (int32, error) {
	if p.laid {
		return -1, fmt.Errorf("slot pool already laid out")
	}
	size = SlotSize(size)
	list := p.free[size]
	for i, id := range list {
		s := &p.slots[id]
		if s.end < first {
			p.free[size] = append(list[:i:i], list[i+1:]...)
			s.free = false
			return id, nil
		}
	}
	if p.total+size > p.max {
		return -1, fmt.Errorf("spill area of %d bytes exceeds %d: %w", p.total+size, p.max, ErrOutOfMemory)
	}
	id := int32(len(p.slots))
	p.slots = append(p.slots, slotInfo{size: size, end: -1})
	p.total += size
	return id, nil
}

// Free returns a slot whose owner's live range ended at end.
func (p *SlotPool) Free(id int32, end int) {
	s := &p.slots[id]
	if s.free {
		return
	}
	s.free = true
	s.end = end
	p.free[s.size] = append(p.free[s.size], id)
}

// Layout assigns offsets: blocks of 16 bytes and more first, then the 8
// and 4 byte slots, so each slot is aligned to min(size, 16) when the area
// starts 16-byte aligned. It returns the area size.
func (p *SlotPool) Layout() int {
	order := make([]int, len(p.slots))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := p.slots[order[i]].size, p.slots[order[j]].size
		if a >= 16 && b >= 16 {
			return false
		}
		return a > b
	})
	off := 0
	for _, i := range order {
		p.slots[i].offset = off
		off += p.slots[i].size
	}
	p.laid = true
	return off
}

// Offset returns the byte offset of the slot inside the spill area. It is
// only meaningful after Layout.
func (p *SlotPool) Offset(id int32) int {
	return p.slots[id].offset
}

func (p *SlotPool) Size(id int32) int {
	return p.slots[id].size
}

// Total returns the sum of all slot sizes.
func (p *SlotPool) Total() int {
	return p.total
}

// Len returns the number of distinct slots.
func (p *SlotPool) Len() int {
	return len(p.slots)
}

// HasVector reports whether any slot needs 16-byte alignment.
func (p *SlotPool) HasVector() bool {
	for _, s := range p.slots {
		if s.size >= 16 {
			return true
		}
	}
	return false
}
