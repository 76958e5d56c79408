package vulkan

import (
	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
)

func (d *Device) CreateShaderModule(code []uint32) (driver.ShaderModule, error) {
	if len(code) == 0 {
		return 0, errors.New("empty SPIR-V module")
	}
	info := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code) * 4),
		PCode:    code,
	}
	var module vk.ShaderModule
	err := d.locks.SafeCall(ShaderManagement, func() error {
		if res := vk.CreateShaderModule(d.logical, &info, nil, &module); res != vk.Success {
			return resultError("vkCreateShaderModule", res)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return driver.ShaderModule(put(d.shaderModules, module)), nil
}

func (d *Device) DestroyShaderModule(m driver.ShaderModule) {
	if module, ok := take(d.shaderModules, uint64(m)); ok {
		vk.DestroyShaderModule(d.logical, module, nil)
	}
}

func (d *Device) CreateDescriptorSetLayout(bindings []driver.DescriptorBinding) (driver.DescriptorSetLayout, error) {
	vkBindings := make([]vk.DescriptorSetLayoutBinding, len(bindings))
	for i, b := range bindings {
		vkBindings[i] = vk.DescriptorSetLayoutBinding{
			Binding:         b.Binding,
			DescriptorType:  b.Type,
			DescriptorCount: max(b.Count, 1),
			StageFlags:      b.Stages,
		}
	}
	info := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(vkBindings)),
		PBindings:    vkBindings,
	}
	var layout vk.DescriptorSetLayout
	if res := vk.CreateDescriptorSetLayout(d.logical, &info, nil, &layout); res != vk.Success {
		return 0, resultError("vkCreateDescriptorSetLayout", res)
	}
	return driver.DescriptorSetLayout(put(d.setLayouts, layout)), nil
}

func (d *Device) DestroyDescriptorSetLayout(l driver.DescriptorSetLayout) {
	if layout, ok := take(d.setLayouts, uint64(l)); ok {
		vk.DestroyDescriptorSetLayout(d.logical, layout, nil)
	}
}

func (d *Device) CreatePipelineLayout(sets []driver.DescriptorSetLayout, push []driver.PushConstantRange) (driver.PipelineLayout, error) {
	if limit := d.limits.MaxPushConstantsSize; limit > 0 {
		for _, r := range push {
			if r.Offset+r.Size > limit {
				return 0, errors.Newf("push constant range [%d, %d) exceeds the device limit of %d bytes", r.Offset, r.Offset+r.Size, limit)
			}
		}
	}
	layouts := make([]vk.DescriptorSetLayout, len(sets))
	for i, s := range sets {
		layouts[i] = get(d.setLayouts, uint64(s))
	}
	ranges := make([]vk.PushConstantRange, len(push))
	for i, r := range push {
		ranges[i] = vk.PushConstantRange{
			StageFlags: r.Stages,
			Offset:     r.Offset,
			Size:       r.Size,
		}
	}
	info := vk.PipelineLayoutCreateInfo{
		SType:                  vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount:         uint32(len(layouts)),
		PSetLayouts:            layouts,
		PushConstantRangeCount: uint32(len(ranges)),
		PPushConstantRanges:    ranges,
	}
	var layout vk.PipelineLayout
	if res := vk.CreatePipelineLayout(d.logical, &info, nil, &layout); res != vk.Success {
		return 0, resultError("vkCreatePipelineLayout", res)
	}
	return driver.PipelineLayout(put(d.pipelineLayouts, layout)), nil
}

func (d *Device) DestroyPipelineLayout(l driver.PipelineLayout) {
	if layout, ok := take(d.pipelineLayouts, uint64(l)); ok {
		vk.DestroyPipelineLayout(d.logical, layout, nil)
	}
}
