package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
)

func (d *Device) CreateBuffer(desc driver.BufferDesc) (driver.Buffer, error) {
	info := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(desc.Size),
		Usage:       desc.Usage,
		SharingMode: vk.SharingModeExclusive,
	}
	var buf vk.Buffer
	if res := vk.CreateBuffer(d.logical, &info, nil, &buf); res != vk.Success {
		return 0, resultError("vkCreateBuffer", res)
	}
	return driver.Buffer(put(d.buffers, buf)), nil
}

func (d *Device) DestroyBuffer(b driver.Buffer) {
	if buf, ok := take(d.buffers, uint64(b)); ok {
		vk.DestroyBuffer(d.logical, buf, nil)
	}
}

func (d *Device) BufferRequirements(b driver.Buffer) driver.MemoryRequirements {
	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.logical, get(d.buffers, uint64(b)), &reqs)
	reqs.Deref()
	return driver.MemoryRequirements{
		Size:      uint64(reqs.Size),
		Alignment: uint64(reqs.Alignment),
		TypeBits:  reqs.MemoryTypeBits,
	}
}

func (d *Device) CreateImage(desc driver.ImageDesc) (driver.Image, error) {
	info := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    desc.Format,
		Extent: vk.Extent3D{
			Width:  desc.Width,
			Height: desc.Height,
			Depth:  max(desc.Depth, 1),
		},
		MipLevels:     max(desc.MipLevels, 1),
		ArrayLayers:   max(desc.ArrayLayers, 1),
		Samples:       desc.Samples,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         desc.Usage,
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}
	if info.Samples == 0 {
		info.Samples = vk.SampleCount1Bit
	}
	if desc.Depth > 1 {
		info.ImageType = vk.ImageType3d
	}
	var img vk.Image
	if res := vk.CreateImage(d.logical, &info, nil, &img); res != vk.Success {
		return 0, resultError("vkCreateImage", res)
	}
	return driver.Image(put(d.images, img)), nil
}

func (d *Device) DestroyImage(i driver.Image) {
	if d.swapchainImages[uint64(i)] {
		return
	}
	if img, ok := take(d.images, uint64(i)); ok {
		vk.DestroyImage(d.logical, img, nil)
	}
}

func (d *Device) ImageRequirements(i driver.Image) driver.MemoryRequirements {
	var reqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.logical, get(d.images, uint64(i)), &reqs)
	reqs.Deref()
	return driver.MemoryRequirements{
		Size:      uint64(reqs.Size),
		Alignment: uint64(reqs.Alignment),
		TypeBits:  reqs.MemoryTypeBits,
	}
}

func (d *Device) CreateImageView(desc driver.ImageViewDesc) (driver.ImageView, error) {
	viewType := desc.ViewType
	if viewType == 0 {
		viewType = vk.ImageViewType2d
	}
	info := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    get(d.images, uint64(desc.Image)),
		ViewType: viewType,
		Format:   desc.Format,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: desc.Aspect,
			LevelCount: max(desc.MipLevels, 1),
			LayerCount: max(desc.Layers, 1),
		},
	}
	var view vk.ImageView
	if res := vk.CreateImageView(d.logical, &info, nil, &view); res != vk.Success {
		return 0, resultError("vkCreateImageView", res)
	}
	return driver.ImageView(put(d.views, view)), nil
}

func (d *Device) DestroyImageView(v driver.ImageView) {
	if view, ok := take(d.views, uint64(v)); ok {
		vk.DestroyImageView(d.logical, view, nil)
	}
}

func (d *Device) CreateSampler(desc driver.SamplerDesc) (driver.Sampler, error) {
	info := vk.SamplerCreateInfo{
		SType:                   vk.StructureTypeSamplerCreateInfo,
		MagFilter:               desc.MagFilter,
		MinFilter:               desc.MinFilter,
		MipmapMode:              desc.MipmapMode,
		AddressModeU:            desc.AddressModeU,
		AddressModeV:            desc.AddressModeV,
		AddressModeW:            desc.AddressModeW,
		AnisotropyEnable:        vk.True,
		MaxAnisotropy:           16,
		CompareOp:               vk.CompareOpAlways,
		MaxLod:                  desc.MaxLod,
		BorderColor:             vk.BorderColorIntOpaqueBlack,
		UnnormalizedCoordinates: vk.False,
	}
	var sampler vk.Sampler
	if res := vk.CreateSampler(d.logical, &info, nil, &sampler); res != vk.Success {
		return 0, resultError("vkCreateSampler", res)
	}
	return driver.Sampler(put(d.samplers, sampler)), nil
}

func (d *Device) DestroySampler(s driver.Sampler) {
	if sampler, ok := take(d.samplers, uint64(s)); ok {
		vk.DestroySampler(d.logical, sampler, nil)
	}
}

func (d *Device) AllocateMemory(size uint64, memoryType uint32) (driver.Memory, error) {
	info := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  vk.DeviceSize(size),
		MemoryTypeIndex: memoryType,
	}
	var mem vk.DeviceMemory
	err := d.locks.SafeCall(MemoryManagement, func() error {
		if res := vk.AllocateMemory(d.logical, &info, nil, &mem); res != vk.Success {
			return resultError("vkAllocateMemory", res)
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "allocating %d bytes of memory type %d", size, memoryType)
	}
	return driver.Memory(put(d.objects.memory, &memoryBlock{handle: mem, size: size})), nil
}

func (d *Device) FreeMemory(m driver.Memory) {
	block, ok := take(d.objects.memory, uint64(m))
	if !ok {
		return
	}
	if block.mapped != nil {
		vk.UnmapMemory(d.logical, block.handle)
	}
	_ = d.locks.SafeCall(MemoryManagement, func() error {
		vk.FreeMemory(d.logical, block.handle, nil)
		return nil
	})
}

// MapMemory maps the whole block once and returns slices of that mapping.
func (d *Device) MapMemory(m driver.Memory, offset, size uint64) ([]byte, error) {
	block := get(d.objects.memory, uint64(m))
	if block == nil {
		return nil, driver.ErrInvalidHandle
	}
	if offset+size > block.size {
		return nil, errors.Newf("mapping [%d, %d) outside a block of %d bytes", offset, offset+size, block.size)
	}
	if block.mapped == nil {
		var p unsafe.Pointer
		if res := vk.MapMemory(d.logical, block.handle, 0, vk.DeviceSize(vk.WholeSize), 0, &p); res != vk.Success {
			return nil, resultError("vkMapMemory", res)
		}
		block.mapped = p
	}
	all := unsafe.Slice((*byte)(block.mapped), block.size)
	return all[offset : offset+size : offset+size], nil
}

func (d *Device) UnmapMemory(m driver.Memory) {
	block := get(d.objects.memory, uint64(m))
	if block == nil || block.mapped == nil {
		return
	}
	vk.UnmapMemory(d.logical, block.handle)
	block.mapped = nil
}

func (d *Device) BindBufferMemory(b driver.Buffer, m driver.Memory, offset uint64) error {
	block := get(d.objects.memory, uint64(m))
	if block == nil {
		return driver.ErrInvalidHandle
	}
	if res := vk.BindBufferMemory(d.logical, get(d.buffers, uint64(b)), block.handle, vk.DeviceSize(offset)); res != vk.Success {
		return resultError("vkBindBufferMemory", res)
	}
	return nil
}

func (d *Device) BindImageMemory(i driver.Image, m driver.Memory, offset uint64) error {
	block := get(d.objects.memory, uint64(m))
	if block == nil {
		return driver.ErrInvalidHandle
	}
	if res := vk.BindImageMemory(d.logical, get(d.images, uint64(i)), block.handle, vk.DeviceSize(offset)); res != vk.Success {
		return resultError("vkBindImageMemory", res)
	}
	return nil
}
