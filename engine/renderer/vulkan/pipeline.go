package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/core"
	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
)

func (d *Device) CreatePipelineCache(initial []byte) (driver.PipelineCache, error) {
	info := vk.PipelineCacheCreateInfo{
		SType: vk.StructureTypePipelineCacheCreateInfo,
	}
	if len(initial) > 0 {
		info.InitialDataSize = uint(len(initial))
		info.PInitialData = unsafe.Pointer(&initial[0])
	}
	var cache vk.PipelineCache
	err := d.locks.SafeCall(PipelineManagement, func() error {
		if res := vk.CreatePipelineCache(d.logical, &info, nil, &cache); res != vk.Success {
			return resultError("vkCreatePipelineCache", res)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return driver.PipelineCache(put(d.pipelineCaches, cache)), nil
}

func (d *Device) PipelineCacheData(c driver.PipelineCache) ([]byte, error) {
	cache := get(d.pipelineCaches, uint64(c))
	if cache == vk.NullPipelineCache {
		return nil, driver.ErrInvalidHandle
	}
	var data []byte
	err := d.locks.SafeCall(PipelineManagement, func() error {
		var size uint
		if res := vk.GetPipelineCacheData(d.logical, cache, &size, nil); res != vk.Success {
			return resultError("vkGetPipelineCacheData", res)
		}
		if size == 0 {
			return nil
		}
		data = make([]byte, size)
		if res := vk.GetPipelineCacheData(d.logical, cache, &size, unsafe.Pointer(&data[0])); res != vk.Success {
			return resultError("vkGetPipelineCacheData", res)
		}
		data = data[:size]
		return nil
	})
	return data, err
}

func (d *Device) DestroyPipelineCache(c driver.PipelineCache) {
	if cache, ok := take(d.pipelineCaches, uint64(c)); ok {
		vk.DestroyPipelineCache(d.logical, cache, nil)
	}
}

func (d *Device) shaderStage(s driver.ShaderStage) vk.PipelineShaderStageCreateInfo {
	entry := s.Entry
	if entry == "" {
		entry = "main"
	}
	return vk.PipelineShaderStageCreateInfo{
		SType:  vk.StructureTypePipelineShaderStageCreateInfo,
		Stage:  s.Stage,
		Module: get(d.shaderModules, uint64(s.Module)),
		PName:  VulkanSafeString(entry),
	}
}

func vkBool(b bool) vk.Bool32 {
	if b {
		return vk.True
	}
	return vk.False
}

// CreateGraphicsPipeline builds a pipeline with dynamic viewport and scissor.
// A non-null Base makes it a derivative of that pipeline.
func (d *Device) CreateGraphicsPipeline(cache driver.PipelineCache, desc driver.GraphicsPipelineDesc) (driver.Pipeline, error) {
	stages := make([]vk.PipelineShaderStageCreateInfo, len(desc.Stages))
	for i, s := range desc.Stages {
		stages[i] = d.shaderStage(s)
	}

	bindings := make([]vk.VertexInputBindingDescription, len(desc.VertexBindings))
	for i, b := range desc.VertexBindings {
		bindings[i] = vk.VertexInputBindingDescription{
			Binding:   b.Binding,
			Stride:    b.Stride,
			InputRate: vk.VertexInputRateVertex,
		}
	}
	attributes := make([]vk.VertexInputAttributeDescription, len(desc.VertexAttributes))
	for i, a := range desc.VertexAttributes {
		attributes[i] = vk.VertexInputAttributeDescription{
			Location: a.Location,
			Binding:  a.Binding,
			Format:   a.Format,
			Offset:   a.Offset,
		}
	}
	vertexInputInfo := vk.PipelineVertexInputStateCreateInfo{
		SType:                           vk.StructureTypePipelineVertexInputStateCreateInfo,
		VertexBindingDescriptionCount:   uint32(len(bindings)),
		PVertexBindingDescriptions:      bindings,
		VertexAttributeDescriptionCount: uint32(len(attributes)),
		PVertexAttributeDescriptions:    attributes,
	}

	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:                  vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology:               desc.Topology,
		PrimitiveRestartEnable: vkBool(desc.PrimitiveRestart),
	}

	// Viewport and scissor are set per draw.
	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		ScissorCount:  1,
	}

	lineWidth := desc.LineWidth
	if lineWidth == 0 {
		lineWidth = 1.0
	}
	rasterizerCreateInfo := vk.PipelineRasterizationStateCreateInfo{
		SType:                   vk.StructureTypePipelineRasterizationStateCreateInfo,
		DepthClampEnable:        vk.False,
		RasterizerDiscardEnable: vk.False,
		PolygonMode:             desc.PolygonMode,
		CullMode:                desc.CullMode,
		FrontFace:               desc.FrontFace,
		LineWidth:               lineWidth,
		DepthBiasEnable:         vk.False,
	}

	samples := desc.Samples
	if samples == 0 {
		samples = vk.SampleCount1Bit
	}
	multisamplingCreateInfo := vk.PipelineMultisampleStateCreateInfo{
		SType:                 vk.StructureTypePipelineMultisampleStateCreateInfo,
		SampleShadingEnable:   vk.False,
		RasterizationSamples:  samples,
		MinSampleShading:      1.0,
		AlphaToCoverageEnable: vk.False,
		AlphaToOneEnable:      vk.False,
	}

	depthStencil := vk.PipelineDepthStencilStateCreateInfo{
		SType:                 vk.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthTestEnable:       vkBool(desc.DepthTest),
		DepthWriteEnable:      vkBool(desc.DepthWrite),
		DepthCompareOp:        desc.DepthCompare,
		DepthBoundsTestEnable: vk.False,
		StencilTestEnable:     vkBool(desc.StencilTest),
		MaxDepthBounds:        1.0,
	}

	blendAttachments := make([]vk.PipelineColorBlendAttachmentState, len(desc.Blend))
	for i, b := range desc.Blend {
		mask := b.ColorWriteMask
		if mask == 0 {
			mask = vk.ColorComponentFlags(vk.ColorComponentRBit | vk.ColorComponentGBit | vk.ColorComponentBBit | vk.ColorComponentABit)
		}
		blendAttachments[i] = vk.PipelineColorBlendAttachmentState{
			BlendEnable:         vkBool(b.Enable),
			SrcColorBlendFactor: b.SrcColor,
			DstColorBlendFactor: b.DstColor,
			ColorBlendOp:        b.ColorOp,
			SrcAlphaBlendFactor: b.SrcAlpha,
			DstAlphaBlendFactor: b.DstAlpha,
			AlphaBlendOp:        b.AlphaOp,
			ColorWriteMask:      mask,
		}
	}
	colorBlendStateCreateInfo := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		LogicOpEnable:   vk.False,
		LogicOp:         vk.LogicOpCopy,
		AttachmentCount: uint32(len(blendAttachments)),
		PAttachments:    blendAttachments,
	}

	dynamicStates := []vk.DynamicState{
		vk.DynamicStateViewport,
		vk.DynamicStateScissor,
	}
	dynamicStateCreateInfo := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynamicStates)),
		PDynamicStates:    dynamicStates,
	}

	pipelineCreateInfo := vk.GraphicsPipelineCreateInfo{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(stages)),
		PStages:             stages,
		PVertexInputState:   &vertexInputInfo,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterizerCreateInfo,
		PMultisampleState:   &multisamplingCreateInfo,
		PDepthStencilState:  &depthStencil,
		PColorBlendState:    &colorBlendStateCreateInfo,
		PDynamicState:       &dynamicStateCreateInfo,
		Layout:              get(d.pipelineLayouts, uint64(desc.Layout)),
		RenderPass:          get(d.renderPasses, uint64(desc.RenderPass)),
		Subpass:             desc.Subpass,
		BasePipelineHandle:  vk.NullPipeline,
		BasePipelineIndex:   -1,
	}
	if desc.AllowDerivatives {
		pipelineCreateInfo.Flags |= vk.PipelineCreateFlags(vk.PipelineCreateAllowDerivativesBit)
	}
	if base := get(d.pipelines, uint64(desc.Base)); base != vk.NullPipeline {
		pipelineCreateInfo.Flags |= vk.PipelineCreateFlags(vk.PipelineCreateDerivativeBit)
		pipelineCreateInfo.BasePipelineHandle = base
	}

	pipelines := make([]vk.Pipeline, 1)
	err := d.locks.SafeCall(PipelineManagement, func() error {
		res := vk.CreateGraphicsPipelines(
			d.logical,
			get(d.pipelineCaches, uint64(cache)),
			1,
			[]vk.GraphicsPipelineCreateInfo{pipelineCreateInfo},
			nil,
			pipelines)
		if res != vk.Success {
			return resultError("vkCreateGraphicsPipelines", res)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if pipelines[0] == vk.NullPipeline {
		return 0, errors.New("vulkan pipeline handle is nil")
	}
	core.LogDebug("Graphics pipeline created!")
	return driver.Pipeline(put(d.pipelines, pipelines[0])), nil
}

func (d *Device) CreateComputePipeline(cache driver.PipelineCache, desc driver.ComputePipelineDesc) (driver.Pipeline, error) {
	info := vk.ComputePipelineCreateInfo{
		SType:              vk.StructureTypeComputePipelineCreateInfo,
		Stage:              d.shaderStage(desc.Stage),
		Layout:             get(d.pipelineLayouts, uint64(desc.Layout)),
		BasePipelineHandle: vk.NullPipeline,
		BasePipelineIndex:  -1,
	}
	pipelines := make([]vk.Pipeline, 1)
	err := d.locks.SafeCall(PipelineManagement, func() error {
		res := vk.CreateComputePipelines(
			d.logical,
			get(d.pipelineCaches, uint64(cache)),
			1,
			[]vk.ComputePipelineCreateInfo{info},
			nil,
			pipelines)
		if res != vk.Success {
			return resultError("vkCreateComputePipelines", res)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	core.LogDebug("Compute pipeline created!")
	return driver.Pipeline(put(d.pipelines, pipelines[0])), nil
}

func (d *Device) DestroyPipeline(p driver.Pipeline) {
	pipeline, ok := take(d.pipelines, uint64(p))
	if !ok {
		return
	}
	_ = d.locks.SafeCall(PipelineManagement, func() error {
		vk.DestroyPipeline(d.logical, pipeline, nil)
		return nil
	})
}
