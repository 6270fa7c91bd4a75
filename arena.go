package reactor

// HandleID is a stable identifier for a handle, unique for the lifetime of
// its loop. It combines an arena slot index with a generation, so an ID kept
// after the handle closes never resolves to a later handle reusing the slot.
// The zero value is never issued.
type HandleID uint64

func makeHandleID(index, gen uint32) HandleID {
	return HandleID(uint64(gen)<<32 | uint64(index))
}

func (id HandleID) index() uint32 { return uint32(id) }

func (id HandleID) gen() uint32 { return uint32(id >> 32) }

type arenaSlot struct {
	handle Handle
	gen    uint32
}

// arena owns the handle records of a loop.
type arena struct {
	slots []arenaSlot
	free  []uint32
	live  int
}

func (a *arena) insert(h Handle) HandleID {
	var index uint32
	if n := len(a.free); n != 0 {
		index = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		index = uint32(len(a.slots))
		a.slots = append(a.slots, arenaSlot{})
	}
	slot := &a.slots[index]
	slot.gen++
	if slot.gen == 0 {
		slot.gen = 1
	}
	slot.handle = h
	a.live++
	return makeHandleID(index, slot.gen)
}

func (a *arena) get(id HandleID) Handle {
	index := id.index()
	if int(index) >= len(a.slots) {
		return nil
	}
	slot := &a.slots[index]
	if slot.gen != id.gen() {
		return nil
	}
	return slot.handle
}

func (a *arena) remove(id HandleID) {
	index := id.index()
	if int(index) >= len(a.slots) {
		return
	}
	slot := &a.slots[index]
	if slot.gen != id.gen() || slot.handle == nil {
		return
	}
	slot.handle = nil
	a.free = append(a.free, index)
	a.live--
}

// snapshot appends every live handle to dst, in slot order.
func (a *arena) snapshot(dst []Handle) []Handle {
	for i := range a.slots {
		if h := a.slots[i].handle; h != nil {
			dst = append(dst, h)
		}
	}
	return dst
}
