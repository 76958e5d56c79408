package shader

import (
	"sort"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
)

// MemberRange locates a uniform block member inside its block.
type MemberRange struct {
	Offset uint64
	Range  uint64
}

func (r MemberRange) end() uint64 { return r.Offset + r.Range }

func (r MemberRange) overlaps(o MemberRange) bool {
	return r.Offset < o.end() && o.Offset < r.end()
}

// Resource is one descriptor binding declared by a shader stage.
type Resource struct {
	// Name of the variable, or of the block type for anonymous blocks.
	Name string
	// TypeName is the block type name for buffers, empty otherwise.
	TypeName   string
	Set        uint32
	Binding    uint32
	HasSet     bool
	HasBinding bool
	Type       vk.DescriptorType
	Count      uint32
	Size       uint64
	Members    map[string]MemberRange
	Stages     vk.ShaderStageFlags
}

// InfoName is the name the registry knows this resource by.
func (r *Resource) InfoName() string {
	if r.TypeName != "" {
		return r.TypeName
	}
	return r.Name
}

type VertexInput struct {
	Name       string
	Location   uint32
	Format     vk.Format
	Components uint32
	// Size in bytes of one element.
	Size uint32
}

type PushConstantBlock struct {
	Name    string
	Size    uint32
	Members map[string]MemberRange
}

// Reflection is what one entry point of a SPIR-V module exposes.
type Reflection struct {
	Stage         vk.ShaderStageFlagBits
	EntryPoint    string
	Resources     []Resource
	Inputs        []VertexInput
	PushConstants *PushConstantBlock
	LocalSize     [3]uint32
}

func executionModel(stage vk.ShaderStageFlagBits) (uint32, bool) {
	switch stage {
	case vk.ShaderStageVertexBit:
		return modelVertex, true
	case vk.ShaderStageFragmentBit:
		return modelFragment, true
	case vk.ShaderStageComputeBit:
		return modelCompute, true
	}
	return 0, false
}

// Reflect parses a SPIR-V binary and reflects the entry point of the given
// stage. An empty entry selects the first entry point of that stage.
func Reflect(code []uint32, stage vk.ShaderStageFlagBits, entry string) (*Reflection, error) {
	m, err := parseModule(code)
	if err != nil {
		return nil, err
	}
	return m.reflect(stage, entry)
}

func (m *module) reflect(stage vk.ShaderStageFlagBits, entry string) (*Reflection, error) {
	model, ok := executionModel(stage)
	if !ok {
		return nil, errors.Newf("spirv: unsupported shader stage %#x", stage)
	}
	var ep *spvEntryPoint
	for i := range m.entryPoints {
		e := &m.entryPoints[i]
		if e.model == model && (entry == "" || e.name == entry) {
			ep = e
			break
		}
	}
	if ep == nil {
		return nil, errors.Newf("spirv: no entry point %q for stage %#x", entry, stage)
	}

	r := &Reflection{
		Stage:      stage,
		EntryPoint: ep.name,
		LocalSize:  ep.localSize,
	}
	iface := map[uint32]bool{}
	for _, id := range ep.interfaces {
		iface[id] = true
	}

	for _, v := range m.variables {
		switch v.storage {
		case storageUniform, storageStorageBuffer, storageUniformConstant:
			if res, ok := m.reflectResource(v, stage); ok {
				r.Resources = append(r.Resources, res)
			}
		case storagePushConstant:
			r.PushConstants = m.reflectPushConstants(v)
		case storageInput:
			if stage != vk.ShaderStageVertexBit || !iface[v.id] {
				continue
			}
			if in, ok := m.reflectInput(v); ok {
				r.Inputs = append(r.Inputs, in)
			}
		}
	}

	sort.Slice(r.Resources, func(i, j int) bool {
		a, b := r.Resources[i], r.Resources[j]
		if a.Set != b.Set {
			return a.Set < b.Set
		}
		return a.Binding < b.Binding
	})
	sort.Slice(r.Inputs, func(i, j int) bool { return r.Inputs[i].Location < r.Inputs[j].Location })
	return r, nil
}

func (m *module) reflectResource(v spvVariable, stage vk.ShaderStageFlagBits) (Resource, bool) {
	count, typeID := m.arrayLength(m.pointee(v.typeID))
	t, ok := m.types[typeID]
	if !ok {
		return Resource{}, false
	}
	res := Resource{
		Name:   m.names[v.id],
		Count:  count,
		Stages: vk.ShaderStageFlags(stage),
	}
	res.Set, res.HasSet = m.decoration(v.id, decorationDescriptorSet)
	res.Binding, res.HasBinding = m.decoration(v.id, decorationBinding)

	switch t.op {
	case opTypeStruct:
		switch {
		case v.storage == storageStorageBuffer || m.hasDecoration(typeID, decorationBufferBlock):
			res.Type = vk.DescriptorTypeStorageBuffer
		case m.hasDecoration(typeID, decorationBlock):
			res.Type = vk.DescriptorTypeUniformBufferDynamic
		default:
			return Resource{}, false
		}
		res.TypeName = m.names[typeID]
		if res.Name == "" {
			res.Name = res.TypeName
		}
		res.Size = m.sizeOf(typeID, 0)
		members, referenced := m.referencedMembers(v.id, typeID)
		if !referenced {
			return Resource{}, false
		}
		res.Members = members
	case opTypeSampledImage:
		res.Type = vk.DescriptorTypeCombinedImageSampler
	case opTypeImage:
		// operand 5 is Sampled: 1 for sampling, 2 for storage
		if len(t.operands) > 5 && t.operands[5] == 2 {
			res.Type = vk.DescriptorTypeStorageImage
		} else {
			res.Type = vk.DescriptorTypeSampledImage
		}
	case opTypeSampler:
		res.Type = vk.DescriptorTypeSampler
	default:
		return Resource{}, false
	}
	return res, true
}

// referencedMembers lists the members of a block reached by the shader. The
// second return is false when the block is never used.
func (m *module) referencedMembers(varID, structID uint32) (map[string]MemberRange, bool) {
	all := m.usedWhole[varID]
	accessed := m.accessed[varID]
	if !all && len(accessed) == 0 {
		return nil, false
	}
	members := map[string]MemberRange{}
	t := m.types[structID]
	for i, memberType := range t.operands {
		if !all && !accessed[uint32(i)] {
			continue
		}
		m.addMember(members, "", structID, uint32(i), memberType, 0)
	}
	return members, true
}

// addMember records a member and, for nested structs, its own members under
// a dotted name.
func (m *module) addMember(members map[string]MemberRange, prefix string, structID, index, memberType uint32, base uint64) {
	name := m.memberNames[structID][index]
	if name == "" {
		return
	}
	offset, _ := m.memberDecoration(structID, index, decorationOffset)
	stride, _ := m.memberDecoration(structID, index, decorationMatrixStride)
	r := MemberRange{Offset: base + uint64(offset), Range: m.sizeOf(memberType, stride)}
	full := prefix + name
	members[full] = r

	if nested, ok := m.types[memberType]; ok && nested.op == opTypeStruct {
		for j, t := range nested.operands {
			m.addMember(members, full+".", memberType, uint32(j), t, r.Offset)
		}
	}
}

func (m *module) reflectPushConstants(v spvVariable) *PushConstantBlock {
	typeID := m.pointee(v.typeID)
	t, ok := m.types[typeID]
	if !ok || t.op != opTypeStruct {
		return nil
	}
	name := m.names[typeID]
	if name == "" {
		name = m.names[v.id]
	}
	pc := &PushConstantBlock{
		Name:    name,
		Size:    uint32(m.sizeOf(typeID, 0)),
		Members: map[string]MemberRange{},
	}
	for i, memberType := range t.operands {
		m.addMember(pc.Members, "", typeID, uint32(i), memberType, 0)
	}
	return pc
}

func (m *module) reflectInput(v spvVariable) (VertexInput, bool) {
	if m.hasDecoration(v.id, decorationBuiltIn) {
		return VertexInput{}, false
	}
	location, ok := m.decoration(v.id, decorationLocation)
	if !ok {
		return VertexInput{}, false
	}
	scalar, n := m.components(m.pointee(v.typeID))
	format := inputFormat(scalar, n)
	if format == vk.FormatUndefined {
		return VertexInput{}, false
	}
	return VertexInput{
		Name:       m.names[v.id],
		Location:   location,
		Format:     format,
		Components: n,
		Size:       n * 4,
	}, true
}

// inputFormat maps a 32 bit scalar or vector type to a vertex format.
func inputFormat(scalar spvType, n uint32) vk.Format {
	if len(scalar.operands) == 0 || scalar.operands[0] != 32 {
		return vk.FormatUndefined
	}
	var formats [4]vk.Format
	switch {
	case scalar.op == opTypeFloat:
		formats = [4]vk.Format{vk.FormatR32Sfloat, vk.FormatR32g32Sfloat, vk.FormatR32g32b32Sfloat, vk.FormatR32g32b32a32Sfloat}
	case scalar.op == opTypeInt && len(scalar.operands) > 1 && scalar.operands[1] == 1:
		formats = [4]vk.Format{vk.FormatR32Sint, vk.FormatR32g32Sint, vk.FormatR32g32b32Sint, vk.FormatR32g32b32a32Sint}
	case scalar.op == opTypeInt:
		formats = [4]vk.Format{vk.FormatR32Uint, vk.FormatR32g32Uint, vk.FormatR32g32b32Uint, vk.FormatR32g32b32a32Uint}
	default:
		return vk.FormatUndefined
	}
	if n < 1 || n > 4 {
		return vk.FormatUndefined
	}
	return formats[n-1]
}
