package vulkan

import (
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/containers"
	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
)

// CreateCommandPool creates a resettable pool on the queue family serving
// the given queue kind.
func (d *Device) CreateCommandPool(kind driver.QueueKind) (driver.CommandPool, error) {
	info := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: d.queues[kind].family,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	var pool vk.CommandPool
	err := d.locks.SafeCall(CommandPoolManagement, func() error {
		if res := vk.CreateCommandPool(d.logical, &info, nil, &pool); res != vk.Success {
			return resultError("vkCreateCommandPool", res)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return driver.CommandPool(put(d.commandPools, pool)), nil
}

func (d *Device) ResetCommandPool(p driver.CommandPool) error {
	pool := get(d.commandPools, uint64(p))
	if pool == vk.NullCommandPool {
		return driver.ErrInvalidHandle
	}
	return d.locks.SafeCall(CommandPoolManagement, func() error {
		if res := vk.ResetCommandPool(d.logical, pool, 0); res != vk.Success {
			return resultError("vkResetCommandPool", res)
		}
		return nil
	})
}

func (d *Device) DestroyCommandPool(p driver.CommandPool) {
	pool, ok := take(d.commandPools, uint64(p))
	if !ok {
		return
	}
	var owned []containers.Handle
	d.commandBuffers.Each(func(h containers.Handle, cb commandBuffer) {
		if cb.pool == pool {
			owned = append(owned, h)
		}
	})
	for _, h := range owned {
		d.commandBuffers.Remove(h)
	}
	_ = d.locks.SafeCall(CommandPoolManagement, func() error {
		vk.DestroyCommandPool(d.logical, pool, nil)
		return nil
	})
}

func (d *Device) AllocateCommandBuffer(p driver.CommandPool) (driver.CommandBuffer, error) {
	pool := get(d.commandPools, uint64(p))
	info := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		CommandBufferCount: 1,
		Level:              vk.CommandBufferLevelPrimary,
	}
	buffers := make([]vk.CommandBuffer, 1)
	err := d.locks.SafeCall(CommandPoolManagement, func() error {
		if res := vk.AllocateCommandBuffers(d.logical, &info, buffers); res != vk.Success {
			return resultError("vkAllocateCommandBuffers", res)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return driver.CommandBuffer(put(d.commandBuffers, commandBuffer{handle: buffers[0], pool: pool})), nil
}

func (d *Device) FreeCommandBuffers(p driver.CommandPool, buffers []driver.CommandBuffer) {
	pool := get(d.commandPools, uint64(p))
	handles := make([]vk.CommandBuffer, 0, len(buffers))
	for _, b := range buffers {
		if cb, ok := take(d.commandBuffers, uint64(b)); ok {
			handles = append(handles, cb.handle)
		}
	}
	if len(handles) == 0 {
		return
	}
	_ = d.locks.SafeCall(CommandPoolManagement, func() error {
		vk.FreeCommandBuffers(d.logical, pool, uint32(len(handles)), handles)
		return nil
	})
}

func (d *Device) cmd(cb driver.CommandBuffer) vk.CommandBuffer {
	return get(d.commandBuffers, uint64(cb)).handle
}

func (d *Device) BeginCommandBuffer(cb driver.CommandBuffer, oneTimeSubmit bool) error {
	info := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
	}
	if oneTimeSubmit {
		info.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit)
	}
	if res := vk.BeginCommandBuffer(d.cmd(cb), &info); res != vk.Success {
		return resultError("vkBeginCommandBuffer", res)
	}
	return nil
}

func (d *Device) EndCommandBuffer(cb driver.CommandBuffer) error {
	if res := vk.EndCommandBuffer(d.cmd(cb)); res != vk.Success {
		return resultError("vkEndCommandBuffer", res)
	}
	return nil
}

func (d *Device) CmdSetViewport(cb driver.CommandBuffer, vp driver.Viewport) {
	vk.CmdSetViewport(d.cmd(cb), 0, 1, []vk.Viewport{{
		X:        vp.X,
		Y:        vp.Y,
		Width:    vp.Width,
		Height:   vp.Height,
		MinDepth: vp.MinDepth,
		MaxDepth: vp.MaxDepth,
	}})
}

func rect2D(r driver.Rect) vk.Rect2D {
	return vk.Rect2D{
		Offset: vk.Offset2D{X: r.X, Y: r.Y},
		Extent: vk.Extent2D{Width: r.Width, Height: r.Height},
	}
}

func (d *Device) CmdSetScissor(cb driver.CommandBuffer, r driver.Rect) {
	vk.CmdSetScissor(d.cmd(cb), 0, 1, []vk.Rect2D{rect2D(r)})
}

func (d *Device) CmdBeginRenderPass(cb driver.CommandBuffer, begin driver.RenderPassBegin) {
	clearValues := make([]vk.ClearValue, len(begin.Clear))
	for i, c := range begin.Clear {
		if c.DepthStencil {
			clearValues[i].SetDepthStencil(c.Depth, c.Stencil)
		} else {
			clearValues[i].SetColor(c.Color[:])
		}
	}
	info := vk.RenderPassBeginInfo{
		SType:           vk.StructureTypeRenderPassBeginInfo,
		RenderPass:      get(d.renderPasses, uint64(begin.RenderPass)),
		Framebuffer:     get(d.framebuffers, uint64(begin.Framebuffer)),
		RenderArea:      rect2D(begin.Area),
		ClearValueCount: uint32(len(clearValues)),
		PClearValues:    clearValues,
	}
	vk.CmdBeginRenderPass(d.cmd(cb), &info, vk.SubpassContentsInline)
}

func (d *Device) CmdEndRenderPass(cb driver.CommandBuffer) {
	vk.CmdEndRenderPass(d.cmd(cb))
}

func (d *Device) CmdBindPipeline(cb driver.CommandBuffer, point vk.PipelineBindPoint, p driver.Pipeline) {
	vk.CmdBindPipeline(d.cmd(cb), point, get(d.pipelines, uint64(p)))
}

func (d *Device) CmdBindDescriptorSets(cb driver.CommandBuffer, point vk.PipelineBindPoint, layout driver.PipelineLayout, firstSet uint32, sets []driver.DescriptorSet, dynamicOffsets []uint32) {
	vkSets := make([]vk.DescriptorSet, len(sets))
	for i, s := range sets {
		vkSets[i] = get(d.descriptorSets, uint64(s))
	}
	vk.CmdBindDescriptorSets(d.cmd(cb), point, get(d.pipelineLayouts, uint64(layout)),
		firstSet, uint32(len(vkSets)), vkSets, uint32(len(dynamicOffsets)), dynamicOffsets)
}

func (d *Device) CmdBindVertexBuffers(cb driver.CommandBuffer, first uint32, buffers []driver.Buffer, offsets []uint64) {
	vkBuffers := make([]vk.Buffer, len(buffers))
	vkOffsets := make([]vk.DeviceSize, len(buffers))
	for i, b := range buffers {
		vkBuffers[i] = get(d.buffers, uint64(b))
		if i < len(offsets) {
			vkOffsets[i] = vk.DeviceSize(offsets[i])
		}
	}
	vk.CmdBindVertexBuffers(d.cmd(cb), first, uint32(len(vkBuffers)), vkBuffers, vkOffsets)
}

func (d *Device) CmdBindIndexBuffer(cb driver.CommandBuffer, b driver.Buffer, offset uint64, indexType vk.IndexType) {
	vk.CmdBindIndexBuffer(d.cmd(cb), get(d.buffers, uint64(b)), vk.DeviceSize(offset), indexType)
}

func (d *Device) CmdPushConstants(cb driver.CommandBuffer, layout driver.PipelineLayout, stages vk.ShaderStageFlags, offset uint32, data []byte) {
	if len(data) == 0 {
		return
	}
	vk.CmdPushConstants(d.cmd(cb), get(d.pipelineLayouts, uint64(layout)), stages, offset, uint32(len(data)), unsafe.Pointer(&data[0]))
}

func (d *Device) CmdDraw(cb driver.CommandBuffer, vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	vk.CmdDraw(d.cmd(cb), vertexCount, instanceCount, firstVertex, firstInstance)
}

func (d *Device) CmdDrawIndexed(cb driver.CommandBuffer, indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) {
	vk.CmdDrawIndexed(d.cmd(cb), indexCount, instanceCount, firstIndex, vertexOffset, firstInstance)
}

func (d *Device) CmdDispatch(cb driver.CommandBuffer, x, y, z uint32) {
	vk.CmdDispatch(d.cmd(cb), x, y, z)
}

func (d *Device) CmdPipelineBarrier(cb driver.CommandBuffer, barrier driver.BarrierDesc) {
	var memory []vk.MemoryBarrier
	if barrier.SrcAccess != 0 || barrier.DstAccess != 0 {
		memory = []vk.MemoryBarrier{{
			SType:         vk.StructureTypeMemoryBarrier,
			SrcAccessMask: barrier.SrcAccess,
			DstAccessMask: barrier.DstAccess,
		}}
	}
	buffers := make([]vk.BufferMemoryBarrier, len(barrier.Buffers))
	for i, b := range barrier.Buffers {
		size := vk.DeviceSize(b.Size)
		if size == 0 {
			size = vk.DeviceSize(vk.WholeSize)
		}
		buffers[i] = vk.BufferMemoryBarrier{
			SType:               vk.StructureTypeBufferMemoryBarrier,
			SrcAccessMask:       b.SrcAccess,
			DstAccessMask:       b.DstAccess,
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Buffer:              get(d.buffers, uint64(b.Buffer)),
			Offset:              vk.DeviceSize(b.Offset),
			Size:                size,
		}
	}
	images := make([]vk.ImageMemoryBarrier, len(barrier.Images))
	for i, img := range barrier.Images {
		images[i] = vk.ImageMemoryBarrier{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       img.SrcAccess,
			DstAccessMask:       img.DstAccess,
			OldLayout:           img.OldLayout,
			NewLayout:           img.NewLayout,
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image:               get(d.images, uint64(img.Image)),
			SubresourceRange: vk.ImageSubresourceRange{
				AspectMask: img.Aspect,
				LevelCount: vk.RemainingMipLevels,
				LayerCount: vk.RemainingArrayLayers,
			},
		}
	}
	vk.CmdPipelineBarrier(d.cmd(cb), barrier.SrcStage, barrier.DstStage, 0,
		uint32(len(memory)), memory,
		uint32(len(buffers)), buffers,
		uint32(len(images)), images)
}

func (d *Device) CmdCopyBuffer(cb driver.CommandBuffer, src, dst driver.Buffer, regions []driver.BufferCopy) {
	copies := make([]vk.BufferCopy, len(regions))
	for i, r := range regions {
		copies[i] = vk.BufferCopy{
			SrcOffset: vk.DeviceSize(r.SrcOffset),
			DstOffset: vk.DeviceSize(r.DstOffset),
			Size:      vk.DeviceSize(r.Size),
		}
	}
	vk.CmdCopyBuffer(d.cmd(cb), get(d.buffers, uint64(src)), get(d.buffers, uint64(dst)), uint32(len(copies)), copies)
}

func (d *Device) CmdCopyBufferToImage(cb driver.CommandBuffer, src driver.Buffer, dst driver.Image, layout vk.ImageLayout, regions []driver.BufferImageCopy) {
	copies := make([]vk.BufferImageCopy, len(regions))
	for i, r := range regions {
		copies[i] = vk.BufferImageCopy{
			BufferOffset: vk.DeviceSize(r.BufferOffset),
			ImageSubresource: vk.ImageSubresourceLayers{
				AspectMask: r.Aspect,
				LayerCount: 1,
			},
			ImageExtent: vk.Extent3D{
				Width:  r.Width,
				Height: r.Height,
				Depth:  max(r.Depth, 1),
			},
		}
	}
	vk.CmdCopyBufferToImage(d.cmd(cb), get(d.buffers, uint64(src)), get(d.images, uint64(dst)), layout, uint32(len(copies)), copies)
}
