package vulkan

import (
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/google/uuid"

	"github.com/spaghettifunk/sketchvk/engine/containers"
	"github.com/spaghettifunk/sketchvk/engine/core"
	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
)

type queue struct {
	handle vk.Queue
	family uint32
}

// Device implements driver.Device on goki/vulkan.
type Device struct {
	settings Settings

	instance vk.Instance
	debug    vk.DebugReportCallback
	surface  vk.Surface
	physical vk.PhysicalDevice
	logical  vk.Device

	queues [driver.QueueKindCount]queue
	locks  *lockPool
	objects

	memProps    vk.PhysicalDeviceMemoryProperties
	limits      driver.Limits
	props       driver.Properties
	support     swapchainSupport
	depthFormat vk.Format
}

var _ driver.Device = (*Device)(nil)

type physicalDeviceRequirements struct {
	Graphics             bool
	Present              bool
	Compute              bool
	Transfer             bool
	DeviceExtensionNames []string
	SamplerAnisotropy    bool
	DiscreteGPU          bool
}

type queueFamilies struct {
	graphics, present, compute, transfer int
}

func (q queueFamilies) complete(r physicalDeviceRequirements) bool {
	return (!r.Graphics || q.graphics >= 0) &&
		(!r.Present || q.present >= 0) &&
		(!r.Compute || q.compute >= 0) &&
		(!r.Transfer || q.transfer >= 0)
}

func (d *Device) selectPhysicalDevice() error {
	var count uint32
	if res := vk.EnumeratePhysicalDevices(d.instance, &count, nil); res != vk.Success {
		return errors.Newf("enumerating physical devices: %s", VulkanResultString(res, false))
	}
	if count == 0 {
		return errors.New("no devices which support Vulkan were found")
	}
	devices := make([]vk.PhysicalDevice, count)
	if res := vk.EnumeratePhysicalDevices(d.instance, &count, devices); res != vk.Success {
		return errors.Newf("enumerating physical devices: %s", VulkanResultString(res, false))
	}

	requirements := physicalDeviceRequirements{
		Graphics:             true,
		Present:              true,
		Compute:              true,
		Transfer:             true,
		SamplerAnisotropy:    true,
		DiscreteGPU:          runtime.GOOS != "darwin",
		DeviceExtensionNames: []string{vk.KhrSwapchainExtensionName},
	}
	// Fall back to any suitable device when no discrete GPU qualifies.
	for _, discrete := range []bool{requirements.DiscreteGPU, false} {
		requirements.DiscreteGPU = discrete
		for _, pd := range devices {
			var properties vk.PhysicalDeviceProperties
			vk.GetPhysicalDeviceProperties(pd, &properties)
			properties.Deref()
			var features vk.PhysicalDeviceFeatures
			vk.GetPhysicalDeviceFeatures(pd, &features)
			features.Deref()

			families, ok := d.meetsRequirements(pd, &properties, &features, requirements)
			if !ok {
				continue
			}
			d.adopt(pd, properties, families)
			return nil
		}
	}
	return errors.New("no physical devices were found which meet the requirements")
}

func (d *Device) adopt(pd vk.PhysicalDevice, properties vk.PhysicalDeviceProperties, families queueFamilies) {
	d.physical = pd
	vk.GetPhysicalDeviceMemoryProperties(pd, &d.memProps)
	d.memProps.Deref()
	properties.Limits.Deref()

	name := vk.ToString(properties.DeviceName[:])
	core.LogInfo("Selected device: '%s'.", name)
	switch properties.DeviceType {
	case vk.PhysicalDeviceTypeIntegratedGpu:
		core.LogInfo("GPU type is Integrated.")
	case vk.PhysicalDeviceTypeDiscreteGpu:
		core.LogInfo("GPU type is Discrete.")
	case vk.PhysicalDeviceTypeVirtualGpu:
		core.LogInfo("GPU type is Virtual.")
	case vk.PhysicalDeviceTypeCpu:
		core.LogInfo("GPU type is CPU.")
	default:
		core.LogInfo("GPU type is Unknown.")
	}
	core.LogInfo("Vulkan API version: %d.%d.%d",
		vk.Version(properties.ApiVersion).Major(),
		vk.Version(properties.ApiVersion).Minor(),
		vk.Version(properties.ApiVersion).Patch())
	for i := uint32(0); i < d.memProps.MemoryHeapCount; i++ {
		heap := d.memProps.MemoryHeaps[i]
		heap.Deref()
		gib := float64(heap.Size) / (1 << 30)
		if vk.MemoryHeapFlagBits(heap.Flags)&vk.MemoryHeapDeviceLocalBit != 0 {
			core.LogInfo("Local GPU memory: %.2f GiB", gib)
		} else {
			core.LogInfo("Shared System memory: %.2f GiB", gib)
		}
	}

	limits := properties.Limits
	d.limits = driver.Limits{
		MinUniformBufferOffsetAlignment: uint64(limits.MinUniformBufferOffsetAlignment),
		MinStorageBufferOffsetAlignment: uint64(limits.MinStorageBufferOffsetAlignment),
		BufferImageGranularity:          uint64(limits.BufferImageGranularity),
		NonCoherentAtomSize:             uint64(limits.NonCoherentAtomSize),
		MaxBoundDescriptorSets:          limits.MaxBoundDescriptorSets,
		MaxPushConstantsSize:            limits.MaxPushConstantsSize,
	}
	d.props = driver.Properties{
		VendorID:          properties.VendorID,
		DeviceID:          properties.DeviceID,
		DeviceName:        name,
		PipelineCacheUUID: uuid.UUID(properties.PipelineCacheUUID),
	}
	d.queues[driver.QueueGraphics].family = uint32(families.graphics)
	d.queues[driver.QueuePresent].family = uint32(families.present)
	d.queues[driver.QueueCompute].family = uint32(families.compute)
	d.queues[driver.QueueTransfer].family = uint32(families.transfer)
	d.depthFormat = d.detectDepthFormat()
}

func (d *Device) meetsRequirements(pd vk.PhysicalDevice, properties *vk.PhysicalDeviceProperties, features *vk.PhysicalDeviceFeatures, req physicalDeviceRequirements) (queueFamilies, bool) {
	families := queueFamilies{graphics: -1, present: -1, compute: -1, transfer: -1}
	if req.DiscreteGPU && properties.DeviceType != vk.PhysicalDeviceTypeDiscreteGpu {
		return families, false
	}

	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, nil)
	props := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, props)

	minTransferScore := 255
	for i := range props {
		props[i].Deref()
		flags := vk.QueueFlagBits(props[i].QueueFlags)
		score := 0
		if flags&vk.QueueGraphicsBit != 0 {
			if families.graphics < 0 {
				families.graphics = i
			}
			score++
		}
		if flags&vk.QueueComputeBit != 0 {
			// prefer the graphics family so compute and draws share one queue
			if families.compute < 0 || i == families.graphics {
				families.compute = i
			}
			score++
		}
		// The lowest scoring transfer family is most likely a dedicated one.
		if flags&vk.QueueTransferBit != 0 && score <= minTransferScore {
			minTransferScore = score
			families.transfer = i
		}
		var supportsPresent vk.Bool32
		if res := vk.GetPhysicalDeviceSurfaceSupport(pd, uint32(i), d.surface, &supportsPresent); res != vk.Success {
			return families, false
		}
		if supportsPresent == vk.True && (families.present < 0 || i == families.graphics) {
			families.present = i
		}
	}
	if !families.complete(req) {
		return families, false
	}
	core.LogDebug("Graphics %d | Present %d | Compute %d | Transfer %d",
		families.graphics, families.present, families.compute, families.transfer)

	support, err := querySwapchainSupport(pd, d.surface)
	if err != nil || len(support.formats) == 0 || len(support.presentModes) == 0 {
		core.LogInfo("Required swapchain support not present, skipping device.")
		return families, false
	}
	d.support = support

	available, err := deviceExtensions(pd)
	if err != nil {
		return families, false
	}
	for _, name := range req.DeviceExtensionNames {
		if _, ok := available[name]; !ok {
			core.LogInfo("Required extension not found: '%s', skipping device.", name)
			return families, false
		}
	}
	if req.SamplerAnisotropy && features.SamplerAnisotropy == vk.False {
		core.LogInfo("Device does not support samplerAnisotropy, skipping.")
		return families, false
	}
	return families, true
}

func deviceExtensions(pd vk.PhysicalDevice) (map[string]struct{}, error) {
	var count uint32
	if res := vk.EnumerateDeviceExtensionProperties(pd, "", &count, nil); res != vk.Success {
		return nil, errors.Newf("enumerating device extensions: %s", VulkanResultString(res, false))
	}
	exts := make([]vk.ExtensionProperties, count)
	if res := vk.EnumerateDeviceExtensionProperties(pd, "", &count, exts); res != vk.Success {
		return nil, errors.Newf("enumerating device extensions: %s", VulkanResultString(res, false))
	}
	names := make(map[string]struct{}, count)
	for i := range exts {
		exts[i].Deref()
		names[vk.ToString(exts[i].ExtensionName[:])] = struct{}{}
	}
	return names, nil
}

func (d *Device) createLogicalDevice() error {
	core.LogInfo("Creating logical device...")
	// one queue per distinct family
	var families []uint32
	seen := map[uint32]bool{}
	for _, q := range d.queues {
		if !seen[q.family] {
			seen[q.family] = true
			families = append(families, q.family)
		}
	}
	queueInfos := make([]vk.DeviceQueueCreateInfo, len(families))
	for i, family := range families {
		queueInfos[i] = vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: family,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		}
	}

	extensions := []string{vk.KhrSwapchainExtensionName}
	if available, err := deviceExtensions(d.physical); err == nil {
		if _, ok := available["VK_KHR_portability_subset"]; ok {
			core.LogInfo("Adding required extension 'VK_KHR_portability_subset'.")
			extensions = append(extensions, "VK_KHR_portability_subset")
		}
	}
	features := vk.PhysicalDeviceFeatures{SamplerAnisotropy: vk.True}
	createInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PQueueCreateInfos:       queueInfos,
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{features},
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: VulkanSafeStrings(extensions),
	}
	var logical vk.Device
	if res := vk.CreateDevice(d.physical, &createInfo, nil, &logical); res != vk.Success {
		return errors.Newf("creating logical device: %s", VulkanResultString(res, true))
	}
	d.logical = logical
	for kind := range d.queues {
		vk.GetDeviceQueue(d.logical, d.queues[kind].family, 0, &d.queues[kind].handle)
	}
	core.LogInfo("Logical device created, queues obtained.")
	return nil
}

func (d *Device) detectDepthFormat() vk.Format {
	candidates := []vk.Format{
		vk.FormatD32Sfloat,
		vk.FormatD32SfloatS8Uint,
		vk.FormatD24UnormS8Uint,
	}
	flags := vk.FormatFeatureFlags(vk.FormatFeatureDepthStencilAttachmentBit)
	for _, format := range candidates {
		var properties vk.FormatProperties
		vk.GetPhysicalDeviceFormatProperties(d.physical, format, &properties)
		properties.Deref()
		if properties.OptimalTilingFeatures&flags == flags || properties.LinearTilingFeatures&flags == flags {
			return format
		}
	}
	core.LogFatal("Failed to find a supported depth format!")
	return vk.FormatUndefined
}

func (d *Device) Limits() driver.Limits {
	return d.limits
}

func (d *Device) Properties() driver.Properties {
	return d.props
}

// DepthFormat is the best depth attachment format the device supports.
func (d *Device) DepthFormat() vk.Format {
	return d.depthFormat
}

func (d *Device) MemoryType(typeBits uint32, props vk.MemoryPropertyFlags) (uint32, error) {
	for i := uint32(0); i < d.memProps.MemoryTypeCount; i++ {
		t := d.memProps.MemoryTypes[i]
		t.Deref()
		if typeBits&(1<<i) != 0 && t.PropertyFlags&props == props {
			return i, nil
		}
	}
	return 0, driver.ErrNoMemoryType
}

func (d *Device) WaitIdle() error {
	if res := vk.DeviceWaitIdle(d.logical); res != vk.Success {
		return resultError("vkDeviceWaitIdle", res)
	}
	return nil
}

func timeoutNanos(timeout time.Duration) uint64 {
	if timeout < 0 {
		return ^uint64(0)
	}
	return uint64(timeout.Nanoseconds())
}

// Destroy releases every object still alive, then the device and instance.
func (d *Device) Destroy() {
	if d.logical == nil {
		return
	}
	vk.DeviceWaitIdle(d.logical)
	dev := d.logical
	d.framebuffers.Each(func(_ containers.Handle, fb vk.Framebuffer) { vk.DestroyFramebuffer(dev, fb, nil) })
	d.renderPasses.Each(func(_ containers.Handle, rp vk.RenderPass) { vk.DestroyRenderPass(dev, rp, nil) })
	d.pipelines.Each(func(_ containers.Handle, p vk.Pipeline) { vk.DestroyPipeline(dev, p, nil) })
	d.pipelineCaches.Each(func(_ containers.Handle, c vk.PipelineCache) { vk.DestroyPipelineCache(dev, c, nil) })
	d.pipelineLayouts.Each(func(_ containers.Handle, l vk.PipelineLayout) { vk.DestroyPipelineLayout(dev, l, nil) })
	d.setLayouts.Each(func(_ containers.Handle, l vk.DescriptorSetLayout) { vk.DestroyDescriptorSetLayout(dev, l, nil) })
	d.descriptorPools.Each(func(_ containers.Handle, p vk.DescriptorPool) { vk.DestroyDescriptorPool(dev, p, nil) })
	d.shaderModules.Each(func(_ containers.Handle, m vk.ShaderModule) { vk.DestroyShaderModule(dev, m, nil) })
	d.commandPools.Each(func(_ containers.Handle, p vk.CommandPool) { vk.DestroyCommandPool(dev, p, nil) })
	d.fences.Each(func(_ containers.Handle, f vk.Fence) { vk.DestroyFence(dev, f, nil) })
	d.semaphores.Each(func(_ containers.Handle, s vk.Semaphore) { vk.DestroySemaphore(dev, s, nil) })
	d.samplers.Each(func(_ containers.Handle, s vk.Sampler) { vk.DestroySampler(dev, s, nil) })
	d.views.Each(func(_ containers.Handle, v vk.ImageView) { vk.DestroyImageView(dev, v, nil) })
	d.buffers.Each(func(_ containers.Handle, b vk.Buffer) { vk.DestroyBuffer(dev, b, nil) })
	d.images.Each(func(h containers.Handle, i vk.Image) {
		if !d.swapchainImages[uint64(h)] {
			vk.DestroyImage(dev, i, nil)
		}
	})
	d.objects.memory.Each(func(_ containers.Handle, m *memoryBlock) {
		if m.mapped != nil {
			vk.UnmapMemory(dev, m.handle)
		}
		vk.FreeMemory(dev, m.handle, nil)
	})

	vk.DestroyDevice(d.logical, nil)
	d.logical = nil
	d.destroyInstance()
	core.LogInfo("Vulkan device destroyed.")
}
