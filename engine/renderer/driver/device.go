// Package driver describes the narrow set of GPU operations the rendering core
// relies on. The Vulkan backend implements Device on real hardware; the
// drivertest package implements it in memory.
package driver

import (
	"time"

	vk "github.com/goki/vulkan"
)

type Device interface {
	Limits() Limits
	Properties() Properties

	CreateBuffer(desc BufferDesc) (Buffer, error)
	DestroyBuffer(b Buffer)
	BufferRequirements(b Buffer) MemoryRequirements
	CreateImage(desc ImageDesc) (Image, error)
	DestroyImage(i Image)
	ImageRequirements(i Image) MemoryRequirements
	CreateImageView(desc ImageViewDesc) (ImageView, error)
	DestroyImageView(v ImageView)
	CreateSampler(desc SamplerDesc) (Sampler, error)
	DestroySampler(s Sampler)

	// MemoryType returns the index of a memory type allowed by typeBits that
	// has all the requested properties, or ErrNoMemoryType.
	MemoryType(typeBits uint32, props vk.MemoryPropertyFlags) (uint32, error)
	AllocateMemory(size uint64, memoryType uint32) (Memory, error)
	FreeMemory(m Memory)
	// MapMemory returns a slice aliasing the mapped range.
	MapMemory(m Memory, offset, size uint64) ([]byte, error)
	UnmapMemory(m Memory)
	BindBufferMemory(b Buffer, m Memory, offset uint64) error
	BindImageMemory(i Image, m Memory, offset uint64) error

	CreateShaderModule(code []uint32) (ShaderModule, error)
	DestroyShaderModule(m ShaderModule)
	CreateDescriptorSetLayout(bindings []DescriptorBinding) (DescriptorSetLayout, error)
	DestroyDescriptorSetLayout(l DescriptorSetLayout)
	CreatePipelineLayout(sets []DescriptorSetLayout, push []PushConstantRange) (PipelineLayout, error)
	DestroyPipelineLayout(l PipelineLayout)

	CreatePipelineCache(initial []byte) (PipelineCache, error)
	PipelineCacheData(c PipelineCache) ([]byte, error)
	DestroyPipelineCache(c PipelineCache)
	CreateGraphicsPipeline(cache PipelineCache, desc GraphicsPipelineDesc) (Pipeline, error)
	CreateComputePipeline(cache PipelineCache, desc ComputePipelineDesc) (Pipeline, error)
	DestroyPipeline(p Pipeline)

	CreateDescriptorPool(desc DescriptorPoolDesc) (DescriptorPool, error)
	ResetDescriptorPool(p DescriptorPool) error
	DestroyDescriptorPool(p DescriptorPool)
	// AllocateDescriptorSet returns ErrOutOfPoolMemory when the pool cannot
	// hold the set.
	AllocateDescriptorSet(p DescriptorPool, layout DescriptorSetLayout) (DescriptorSet, error)
	UpdateDescriptorSet(s DescriptorSet, writes []DescriptorWrite)

	CreateCommandPool(queue QueueKind) (CommandPool, error)
	ResetCommandPool(p CommandPool) error
	DestroyCommandPool(p CommandPool)
	AllocateCommandBuffer(p CommandPool) (CommandBuffer, error)
	FreeCommandBuffers(p CommandPool, buffers []CommandBuffer)
	BeginCommandBuffer(cb CommandBuffer, oneTimeSubmit bool) error
	EndCommandBuffer(cb CommandBuffer) error

	CreateFence(signaled bool) (Fence, error)
	// WaitForFence returns ErrTimeout when the fence is still unsignaled
	// after timeout.
	WaitForFence(f Fence, timeout time.Duration) error
	ResetFence(f Fence) error
	DestroyFence(f Fence)
	CreateSemaphore() (Semaphore, error)
	DestroySemaphore(s Semaphore)

	CreateRenderPass(desc RenderPassDesc) (RenderPass, error)
	DestroyRenderPass(rp RenderPass)
	CreateFramebuffer(desc FramebufferDesc) (Framebuffer, error)
	DestroyFramebuffer(fb Framebuffer)

	// Submit serializes on the queue's mutex. The fence, when non-null, is
	// signaled once every batch has completed; an empty batch list only
	// signals the fence.
	Submit(queue QueueKind, batches []SubmitInfo, fence Fence) error
	WaitIdle() error

	CmdSetViewport(cb CommandBuffer, vp Viewport)
	CmdSetScissor(cb CommandBuffer, r Rect)
	CmdBeginRenderPass(cb CommandBuffer, begin RenderPassBegin)
	CmdEndRenderPass(cb CommandBuffer)
	CmdBindPipeline(cb CommandBuffer, point vk.PipelineBindPoint, p Pipeline)
	CmdBindDescriptorSets(cb CommandBuffer, point vk.PipelineBindPoint, layout PipelineLayout, firstSet uint32, sets []DescriptorSet, dynamicOffsets []uint32)
	CmdBindVertexBuffers(cb CommandBuffer, first uint32, buffers []Buffer, offsets []uint64)
	CmdBindIndexBuffer(cb CommandBuffer, b Buffer, offset uint64, indexType vk.IndexType)
	CmdPushConstants(cb CommandBuffer, layout PipelineLayout, stages vk.ShaderStageFlags, offset uint32, data []byte)
	CmdDraw(cb CommandBuffer, vertexCount, instanceCount, firstVertex, firstInstance uint32)
	CmdDrawIndexed(cb CommandBuffer, indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32)
	CmdDispatch(cb CommandBuffer, x, y, z uint32)
	CmdPipelineBarrier(cb CommandBuffer, barrier BarrierDesc)
	CmdCopyBuffer(cb CommandBuffer, src, dst Buffer, regions []BufferCopy)
	CmdCopyBufferToImage(cb CommandBuffer, src Buffer, dst Image, layout vk.ImageLayout, regions []BufferImageCopy)

	Destroy()
}

// Swapchain is the presentation collaborator. Index values returned by
// AcquireNextImage address Image and ImageView.
type Swapchain interface {
	ImageCount() uint32
	Image(index uint32) Image
	ImageView(index uint32) ImageView
	Extent() (width, height uint32)
	Format() vk.Format
	DepthFormat() vk.Format
	// AcquireNextImage blocks until an image is available and arranges for
	// signal to be signaled when it can be rendered to. An out of date
	// swapchain is reported as core.ErrSwapchainBooting.
	AcquireNextImage(signal Semaphore) (uint32, error)
	Present(index uint32, wait []Semaphore) error
	Recreate(width, height uint32) error
	Destroy()
}
