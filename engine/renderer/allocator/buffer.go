package allocator

import (
	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/core"
	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
)

type BufferSettings struct {
	Name             string
	Size             uint64
	FrameCount       uint32
	Usage            vk.BufferUsageFlags
	MemoryProperties vk.MemoryPropertyFlags
	// Alignment overrides the alignment derived from the device limits.
	Alignment uint64
}

// BufferAllocator sub-allocates one buffer. Host visible allocators map the
// whole block once at creation and keep it mapped until Destroy.
type BufferAllocator struct {
	linear

	device    driver.Device
	settings  BufferSettings
	alignment uint64
	buffer    driver.Buffer
	memory    driver.Memory
	mapped    []byte
}

func NewBufferAllocator(device driver.Device, settings BufferSettings) (*BufferAllocator, error) {
	if settings.FrameCount == 0 {
		settings.FrameCount = 1
	}
	alignment := settings.Alignment
	if alignment == 0 {
		alignment = defaultBufferAlignment(device.Limits(), settings.Usage)
	}
	frameSize := AlignDown(settings.Size/uint64(settings.FrameCount), alignment)
	if frameSize == 0 {
		err := errors.Newf("%s: %d bytes cannot be split into %d frames aligned to %d",
			settings.Name, settings.Size, settings.FrameCount, alignment)
		core.LogError("%s", err.Error())
		return nil, err
	}

	a := &BufferAllocator{
		linear:    newLinear(settings.Name, frameSize, settings.FrameCount),
		device:    device,
		settings:  settings,
		alignment: alignment,
	}

	total := frameSize * uint64(settings.FrameCount)
	buf, err := device.CreateBuffer(driver.BufferDesc{Size: total, Usage: settings.Usage})
	if err != nil {
		return nil, errors.Wrapf(err, "%s: creating buffer", settings.Name)
	}
	a.buffer = buf

	reqs := device.BufferRequirements(buf)
	memType, err := device.MemoryType(reqs.TypeBits, settings.MemoryProperties)
	if err != nil {
		device.DestroyBuffer(buf)
		return nil, errors.Wrapf(err, "%s: no memory type for properties %#x", settings.Name, settings.MemoryProperties)
	}
	mem, err := device.AllocateMemory(reqs.Size, memType)
	if err != nil {
		device.DestroyBuffer(buf)
		return nil, errors.Wrapf(err, "%s: allocating %d bytes", settings.Name, reqs.Size)
	}
	a.memory = mem
	if err := device.BindBufferMemory(buf, mem, 0); err != nil {
		a.Destroy()
		return nil, errors.Wrapf(err, "%s: binding memory", settings.Name)
	}

	if settings.MemoryProperties&vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit) != 0 {
		mapped, err := device.MapMemory(mem, 0, total)
		if err != nil {
			a.Destroy()
			return nil, errors.Wrapf(err, "%s: mapping memory", settings.Name)
		}
		a.mapped = mapped
	}

	core.LogDebug("%s: %d frames of %d bytes, alignment %d", settings.Name, settings.FrameCount, frameSize, alignment)
	return a, nil
}

func defaultBufferAlignment(limits driver.Limits, usage vk.BufferUsageFlags) uint64 {
	var alignment uint64 = 1
	if usage&vk.BufferUsageFlags(vk.BufferUsageUniformBufferBit) != 0 {
		alignment = max(alignment, limits.MinUniformBufferOffsetAlignment)
	}
	if usage&vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit) != 0 {
		alignment = max(alignment, limits.MinStorageBufferOffsetAlignment)
	}
	if alignment == 1 {
		alignment = max(limits.MinUniformBufferOffsetAlignment, 16)
	}
	return alignment
}

// Allocate reserves n bytes in the current frame region and returns the
// buffer offset. ErrOutOfMemory is logged and returned when the region is
// exhausted.
func (a *BufferAllocator) Allocate(n uint64) (uint64, error) {
	offset, err := a.linear.allocate(n, a.alignment)
	if err != nil {
		core.LogError("%s", err.Error())
		return 0, err
	}
	return offset, nil
}

// Bytes returns the host view of [offset, offset+size). It is nil for
// allocators that are not host visible.
func (a *BufferAllocator) Bytes(offset, size uint64) []byte {
	if a.mapped == nil || offset+size > uint64(len(a.mapped)) {
		return nil
	}
	return a.mapped[offset : offset+size : offset+size]
}

// Map returns the host view of the current frame region.
func (a *BufferAllocator) Map() []byte {
	if a.mapped == nil {
		return nil
	}
	start := uint64(a.frame) * a.frameSize
	return a.mapped[start : start+a.frameSize : start+a.frameSize]
}

func (a *BufferAllocator) HostVisible() bool {
	return a.mapped != nil
}

func (a *BufferAllocator) Buffer() driver.Buffer {
	return a.buffer
}

func (a *BufferAllocator) Alignment() uint64 {
	return a.alignment
}

func (a *BufferAllocator) Destroy() {
	if a.mapped != nil {
		a.device.UnmapMemory(a.memory)
		a.mapped = nil
	}
	if a.buffer != 0 {
		a.device.DestroyBuffer(a.buffer)
		a.buffer = 0
	}
	if a.memory != 0 {
		a.device.FreeMemory(a.memory)
		a.memory = 0
	}
}
