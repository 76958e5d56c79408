package vulkan

import (
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/containers"
)

type memoryBlock struct {
	handle vk.DeviceMemory
	size   uint64
	mapped unsafe.Pointer
}

type commandBuffer struct {
	handle vk.CommandBuffer
	pool   vk.CommandPool
}

// objects owns every Vulkan object created through a Device. Handles given
// out to callers are arena handles; a stale handle resolves to nothing.
type objects struct {
	buffers         *containers.Arena[vk.Buffer]
	images          *containers.Arena[vk.Image]
	views           *containers.Arena[vk.ImageView]
	samplers        *containers.Arena[vk.Sampler]
	memory          *containers.Arena[*memoryBlock]
	shaderModules   *containers.Arena[vk.ShaderModule]
	setLayouts      *containers.Arena[vk.DescriptorSetLayout]
	pipelineLayouts *containers.Arena[vk.PipelineLayout]
	pipelineCaches  *containers.Arena[vk.PipelineCache]
	pipelines       *containers.Arena[vk.Pipeline]
	descriptorPools *containers.Arena[vk.DescriptorPool]
	descriptorSets  *containers.Arena[vk.DescriptorSet]
	commandPools    *containers.Arena[vk.CommandPool]
	commandBuffers  *containers.Arena[commandBuffer]
	fences          *containers.Arena[vk.Fence]
	semaphores      *containers.Arena[vk.Semaphore]
	renderPasses    *containers.Arena[vk.RenderPass]
	framebuffers    *containers.Arena[vk.Framebuffer]
	poolSets        map[uint64][]uint64
	// images owned by a swapchain, never destroyed through DestroyImage
	swapchainImages map[uint64]bool
}

func newObjects() objects {
	return objects{
		buffers:         containers.NewArena[vk.Buffer](64),
		images:          containers.NewArena[vk.Image](64),
		views:           containers.NewArena[vk.ImageView](64),
		samplers:        containers.NewArena[vk.Sampler](16),
		memory:          containers.NewArena[*memoryBlock](16),
		shaderModules:   containers.NewArena[vk.ShaderModule](32),
		setLayouts:      containers.NewArena[vk.DescriptorSetLayout](32),
		pipelineLayouts: containers.NewArena[vk.PipelineLayout](32),
		pipelineCaches:  containers.NewArena[vk.PipelineCache](1),
		pipelines:       containers.NewArena[vk.Pipeline](64),
		descriptorPools: containers.NewArena[vk.DescriptorPool](16),
		descriptorSets:  containers.NewArena[vk.DescriptorSet](256),
		commandPools:    containers.NewArena[vk.CommandPool](8),
		commandBuffers:  containers.NewArena[commandBuffer](32),
		fences:          containers.NewArena[vk.Fence](8),
		semaphores:      containers.NewArena[vk.Semaphore](16),
		renderPasses:    containers.NewArena[vk.RenderPass](4),
		framebuffers:    containers.NewArena[vk.Framebuffer](8),
		poolSets:        make(map[uint64][]uint64),
		swapchainImages: make(map[uint64]bool),
	}
}

func put[T any](a *containers.Arena[T], v T) uint64 {
	return uint64(a.Insert(v))
}

// get resolves h, returning the zero value for the null or a stale handle.
func get[T any](a *containers.Arena[T], h uint64) T {
	v, _ := a.Get(containers.Handle(h))
	return v
}

func take[T any](a *containers.Arena[T], h uint64) (T, bool) {
	return a.Remove(containers.Handle(h))
}
