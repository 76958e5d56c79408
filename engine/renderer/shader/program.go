package shader

import (
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
)

// UniformLocation addresses a member of a uniform or storage block.
type UniformLocation struct {
	Block   string
	Set     uint32
	Binding uint32
	Offset  uint64
	Size    uint64
}

// Binding is one descriptor slot of a compiled shader.
type Binding struct {
	Name     string
	Set      uint32
	Binding  uint32
	Type     vk.DescriptorType
	Count    uint32
	Size     uint64
	InfoHash uint64
	Stages   vk.ShaderStageFlags
}

func (b Binding) IsDynamic() bool {
	return b.Type == vk.DescriptorTypeUniformBufferDynamic || b.Type == vk.DescriptorTypeStorageBufferDynamic
}

func (b Binding) IsBuffer() bool {
	switch b.Type {
	case vk.DescriptorTypeUniformBuffer, vk.DescriptorTypeUniformBufferDynamic,
		vk.DescriptorTypeStorageBuffer, vk.DescriptorTypeStorageBufferDynamic:
		return true
	}
	return false
}

type StageModule struct {
	Stage    vk.ShaderStageFlagBits
	Module   driver.ShaderModule
	Entry    string
	CodeHash uint64
}

// Program is an immutable snapshot of a compiled shader. A recompile
// publishes a new Program; holders of the old one keep a consistent view.
type Program struct {
	Name     string
	Stages   []StageModule
	CodeHash uint64

	// SetKeys[i] is the SetLayoutMeta hash of descriptor set i.
	SetKeys           []uint64
	SetLayouts        []driver.DescriptorSetLayout
	Sets              [][]Binding
	PipelineLayout    driver.PipelineLayout
	PipelineLayoutKey uint64

	Inputs        []VertexInput
	PushConstants []driver.PushConstantRange
	LocalSize     [3]uint32

	uniforms    map[string]UniformLocation
	resources   map[string]Binding
	pushMembers map[string]MemberRange

	owner *Shader
}

// Current returns the program the shader that built p publishes now. It
// returns p for programs built outside a Shader or after Destroy.
func (p *Program) Current() *Program {
	if p == nil || p.owner == nil {
		return p
	}
	if cur := p.owner.Program(); cur != nil {
		return cur
	}
	return p
}

// Uniform looks up a block member by "Block.member", "instance.member" or,
// when unambiguous, by the bare member name.
func (p *Program) Uniform(name string) (UniformLocation, bool) {
	u, ok := p.uniforms[name]
	return u, ok
}

// Resource looks up a binding by variable or block type name.
func (p *Program) Resource(name string) (Binding, bool) {
	b, ok := p.resources[name]
	return b, ok
}

func (p *Program) PushConstant(name string) (MemberRange, bool) {
	r, ok := p.pushMembers[name]
	return r, ok
}

func (p *Program) Input(name string) (VertexInput, bool) {
	for _, in := range p.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return VertexInput{}, false
}

func (p *Program) InputAt(location uint32) (VertexInput, bool) {
	for _, in := range p.Inputs {
		if in.Location == location {
			return in, true
		}
	}
	return VertexInput{}, false
}

// Uniforms returns every lookup name of the uniform table.
func (p *Program) Uniforms() []string {
	names := make([]string, 0, len(p.uniforms))
	for n := range p.uniforms {
		names = append(names, n)
	}
	return names
}

// Resources returns every lookup name of the resource table.
func (p *Program) Resources() []string {
	names := make([]string, 0, len(p.resources))
	for n := range p.resources {
		names = append(names, n)
	}
	return names
}

func (p *Program) PushConstantNames() []string {
	names := make([]string, 0, len(p.pushMembers))
	for n := range p.pushMembers {
		names = append(names, n)
	}
	return names
}

func (p *Program) IsCompute() bool {
	return len(p.Stages) == 1 && p.Stages[0].Stage == vk.ShaderStageComputeBit
}

func (p *Program) BindPoint() vk.PipelineBindPoint {
	if p.IsCompute() {
		return vk.PipelineBindPointCompute
	}
	return vk.PipelineBindPointGraphics
}

func (p *Program) PushConstantStages() vk.ShaderStageFlags {
	var stages vk.ShaderStageFlags
	for _, r := range p.PushConstants {
		stages |= r.Stages
	}
	return stages
}

func (p *Program) PushConstantSize() uint32 {
	var size uint32
	for _, r := range p.PushConstants {
		size = max(size, r.Offset+r.Size)
	}
	return size
}

// DriverStages lists the pipeline stages for pipeline creation.
func (p *Program) DriverStages() []driver.ShaderStage {
	stages := make([]driver.ShaderStage, len(p.Stages))
	for i, s := range p.Stages {
		stages[i] = driver.ShaderStage{Stage: s.Stage, Module: s.Module, Entry: s.Entry}
	}
	return stages
}
