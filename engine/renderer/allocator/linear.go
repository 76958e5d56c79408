// Package allocator implements per-virtual-frame linear sub-allocators over a
// single block of device memory.
package allocator

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

var ErrOutOfMemory = errors.New("linear allocator out of memory")

func AlignUp[T constraints.Unsigned](v, alignment T) T {
	if alignment <= 1 {
		return v
	}
	return (v + alignment - 1) / alignment * alignment
}

func AlignDown[T constraints.Unsigned](v, alignment T) T {
	if alignment <= 1 {
		return v
	}
	return v / alignment * alignment
}

type Stats struct {
	Allocations uint64
	// Requested is the sum of the sizes asked for, Used the aligned sum.
	Requested uint64
	Used      uint64
	Failed    uint64
}

// linear is the cursor bookkeeping shared by buffer and image allocators.
// The block is split into frameCount regions of frameSize bytes each and
// allocations never cross a region boundary.
type linear struct {
	name       string
	frameSize  uint64
	frameCount uint32
	frame      uint32
	offsetEnd  []uint64
	stats      []Stats
}

func newLinear(name string, frameSize uint64, frameCount uint32) linear {
	return linear{
		name:       name,
		frameSize:  frameSize,
		frameCount: frameCount,
		offsetEnd:  make([]uint64, frameCount),
		stats:      make([]Stats, frameCount),
	}
}

// allocate returns a block-absolute offset. On failure the cursor is left
// untouched.
func (l *linear) allocate(size, alignment uint64) (uint64, error) {
	if size == 0 {
		return 0, errors.Newf("%s: zero sized allocation", l.name)
	}
	// align the block-absolute offset, frame regions need not be aligned
	base := uint64(l.frame) * l.frameSize
	start := AlignUp(base+l.offsetEnd[l.frame], alignment) - base
	end := start + AlignUp(size, alignment)
	if end > l.frameSize {
		l.stats[l.frame].Failed++
		return 0, errors.Wrapf(ErrOutOfMemory, "%s: %d bytes requested in frame %d, %d of %d in use",
			l.name, size, l.frame, l.offsetEnd[l.frame], l.frameSize)
	}
	st := &l.stats[l.frame]
	st.Allocations++
	st.Requested += size
	st.Used += end - l.offsetEnd[l.frame]
	l.offsetEnd[l.frame] = end
	return base + start, nil
}

// Free marks the current frame region as reusable.
func (l *linear) Free() {
	l.offsetEnd[l.frame] = 0
	l.stats[l.frame] = Stats{}
}

// Swap advances to the next frame region.
func (l *linear) Swap() {
	l.frame = (l.frame + 1) % l.frameCount
}

func (l *linear) SetFrame(frame uint32) {
	l.frame = frame % l.frameCount
}

func (l *linear) Frame() uint32 {
	return l.frame
}

// Used is the number of bytes taken in the current frame region.
func (l *linear) Used() uint64 {
	return l.offsetEnd[l.frame]
}

// Capacity is the size of one frame region.
func (l *linear) Capacity() uint64 {
	return l.frameSize
}

func (l *linear) FrameCount() uint32 {
	return l.frameCount
}

func (l *linear) Stats() Stats {
	return l.stats[l.frame]
}

func (l *linear) Name() string {
	return l.name
}
