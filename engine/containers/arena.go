package containers

import "sync"

// Handle identifies an Arena slot. The low 32 bits hold the slot index plus
// one, the high 32 bits the slot generation. The zero Handle is never issued.
type Handle uint64

func makeHandle(index, generation uint32) Handle {
	return Handle(uint64(generation)<<32 | uint64(index+1))
}

func (h Handle) index() (uint32, bool) {
	low := uint32(h)
	if low == 0 {
		return 0, false
	}
	return low - 1, true
}

func (h Handle) generation() uint32 {
	return uint32(h >> 32)
}

type slot[T any] struct {
	value      T
	generation uint32
	occupied   bool
}

// Arena owns values and hands out generation-checked handles to them.
// Released slots are reused; a stale handle never resolves to the new
// occupant because the generation is bumped on release.
type Arena[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	free  []uint32
	count int
}

func NewArena[T any](capacity int) *Arena[T] {
	return &Arena[T]{
		slots: make([]slot[T], 0, capacity),
	}
}

// Insert takes ownership of value and returns its handle.
func (a *Arena[T]) Insert(value T) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	var index uint32
	if n := len(a.free); n > 0 {
		// Existing free spot. Take it.
		index = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot[T]{})
		index = uint32(len(a.slots) - 1)
	}
	s := &a.slots[index]
	s.value = value
	s.occupied = true
	a.count++
	return makeHandle(index, s.generation)
}

// Get resolves a handle. The second return is false for stale or null handles.
func (a *Arena[T]) Get(h Handle) (T, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s, ok := a.lookup(h)
	if !ok {
		var zero T
		return zero, false
	}
	return s.value, true
}

// Set replaces the value behind a live handle.
func (a *Arena[T]) Set(h Handle, value T) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.lookup(h)
	if !ok {
		return false
	}
	s.value = value
	return true
}

// Remove releases the slot and returns the value it held.
func (a *Arena[T]) Remove(h Handle) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var zero T
	s, ok := a.lookup(h)
	if !ok {
		return zero, false
	}
	value := s.value
	s.value = zero
	s.occupied = false
	s.generation++
	index, _ := h.index()
	a.free = append(a.free, index)
	a.count--
	return value, true
}

func (a *Arena[T]) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.count
}

// Each visits every live value. The arena must not be mutated from fn.
func (a *Arena[T]) Each(fn func(h Handle, value T)) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for i := range a.slots {
		s := &a.slots[i]
		if s.occupied {
			fn(makeHandle(uint32(i), s.generation), s.value)
		}
	}
}

func (a *Arena[T]) lookup(h Handle) (*slot[T], bool) {
	index, ok := h.index()
	if !ok || int(index) >= len(a.slots) {
		return nil, false
	}
	s := &a.slots[index]
	if !s.occupied || s.generation != h.generation() {
		return nil, false
	}
	return s, true
}
