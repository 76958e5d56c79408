package allocator

import (
	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/core"
	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
)

var ErrIncompatibleMemory = errors.New("image cannot live in this allocator's memory type")

type ImageSettings struct {
	Name             string
	Size             uint64
	FrameCount       uint32
	MemoryProperties vk.MemoryPropertyFlags
}

// ImageAllocator hands out device memory ranges for images. It owns no
// images itself; BindImage places an image into the current frame region.
type ImageAllocator struct {
	linear

	device      driver.Device
	granularity uint64
	memoryType  uint32
	memory      driver.Memory
}

func NewImageAllocator(device driver.Device, settings ImageSettings) (*ImageAllocator, error) {
	if settings.FrameCount == 0 {
		settings.FrameCount = 1
	}
	granularity := max(device.Limits().BufferImageGranularity, 1)
	frameSize := AlignDown(settings.Size/uint64(settings.FrameCount), granularity)
	if frameSize == 0 {
		return nil, errors.Newf("%s: %d bytes cannot be split into %d frames", settings.Name, settings.Size, settings.FrameCount)
	}
	memType, err := device.MemoryType(^uint32(0), settings.MemoryProperties)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: no memory type for properties %#x", settings.Name, settings.MemoryProperties)
	}
	mem, err := device.AllocateMemory(frameSize*uint64(settings.FrameCount), memType)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: allocating image memory", settings.Name)
	}
	core.LogDebug("%s: %d frames of %d bytes, memory type %d", settings.Name, settings.FrameCount, frameSize, memType)
	return &ImageAllocator{
		linear:      newLinear(settings.Name, frameSize, settings.FrameCount),
		device:      device,
		granularity: granularity,
		memoryType:  memType,
		memory:      mem,
	}, nil
}

// Allocate reserves a range satisfying reqs, aligned to both the image
// alignment and the buffer-image granularity.
func (a *ImageAllocator) Allocate(reqs driver.MemoryRequirements) (uint64, error) {
	if reqs.TypeBits&(1<<a.memoryType) == 0 {
		err := errors.Wrapf(ErrIncompatibleMemory, "%s: type bits %#b exclude memory type %d", a.name, reqs.TypeBits, a.memoryType)
		core.LogError("%s", err.Error())
		return 0, err
	}
	alignment := max(reqs.Alignment, a.granularity)
	offset, err := a.linear.allocate(reqs.Size, alignment)
	if err != nil {
		core.LogError("%s", err.Error())
		return 0, err
	}
	return offset, nil
}

// BindImage allocates memory for img and binds it.
func (a *ImageAllocator) BindImage(img driver.Image) (uint64, error) {
	offset, err := a.Allocate(a.device.ImageRequirements(img))
	if err != nil {
		return 0, err
	}
	if err := a.device.BindImageMemory(img, a.memory, offset); err != nil {
		return 0, errors.Wrapf(err, "%s: binding image", a.name)
	}
	return offset, nil
}

func (a *ImageAllocator) Memory() driver.Memory {
	return a.memory
}

func (a *ImageAllocator) Destroy() {
	if a.memory != 0 {
		a.device.FreeMemory(a.memory)
		a.memory = 0
	}
}
