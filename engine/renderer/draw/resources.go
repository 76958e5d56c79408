package draw

import (
	"encoding/binary"
	"hash/fnv"
	"math"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/core"
	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
	"github.com/spaghettifunk/sketchvk/engine/renderer/shader"
)

// SetResolver turns descriptor set contents into a GPU set. The render
// context implements it with a per frame cache.
type SetResolver interface {
	GetDescriptorSet(data *SetData) (driver.DescriptorSet, error)
}

// BindingData is one binding of a set together with what is assigned to it.
type BindingData struct {
	shader.Binding

	// staging holds the CPU copy of a dynamic uniform block.
	staging []byte
	// Buffer is the committed uniform region or the assigned storage buffer.
	Buffer        BufferRegion
	DynamicOffset uint32
	Texture       Texture
	assigned      bool
}

// SetData is the content of one descriptor set of a command.
type SetData struct {
	Set       uint32
	Layout    driver.DescriptorSetLayout
	LayoutKey uint64
	Bindings  []BindingData
}

// Hash identifies the descriptor writes of the set. Dynamic offsets are not
// part of it, so a set is reused while only uniform values change.
func (s *SetData) Hash() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	put(s.LayoutKey)
	for i := range s.Bindings {
		b := &s.Bindings[i]
		put(uint64(b.Binding.Binding)<<32 | uint64(b.Type))
		put(uint64(b.Buffer.Buffer))
		if !b.IsDynamic() {
			put(b.Buffer.Offset)
		}
		put(b.Buffer.Size)
		put(uint64(b.Texture.View))
		put(uint64(b.Texture.Sampler))
		put(uint64(b.Texture.Layout))
	}
	return h.Sum64()
}

// Writes lists the descriptor writes that fill a fresh set.
func (s *SetData) Writes() []driver.DescriptorWrite {
	writes := make([]driver.DescriptorWrite, 0, len(s.Bindings))
	for i := range s.Bindings {
		b := &s.Bindings[i]
		w := driver.DescriptorWrite{Binding: b.Binding.Binding, Type: b.Type}
		switch {
		case b.IsDynamic():
			w.Buffer = driver.BufferInfo{Buffer: b.Buffer.Buffer, Offset: 0, Range: b.Size}
		case b.IsBuffer():
			w.Buffer = driver.BufferInfo{Buffer: b.Buffer.Buffer, Offset: b.Buffer.Offset, Range: b.Buffer.Size}
		default:
			w.Image = driver.ImageInfo{Sampler: b.Texture.Sampler, View: b.Texture.View, Layout: b.Texture.Layout}
		}
		writes = append(writes, w)
	}
	return writes
}

// DynamicOffsets returns the offsets of the dynamic bindings in binding
// order.
func (s *SetData) DynamicOffsets() []uint32 {
	var offsets []uint32
	for i := range s.Bindings {
		if s.Bindings[i].IsDynamic() {
			offsets = append(offsets, s.Bindings[i].DynamicOffset)
		}
	}
	return offsets
}

// Binding returns the binding data for a binding number.
func (s *SetData) Binding(binding uint32) *BindingData {
	for i := range s.Bindings {
		if s.Bindings[i].Binding.Binding == binding {
			return &s.Bindings[i]
		}
	}
	return nil
}

// resources is the descriptor and push constant state shared by draw and
// compute commands.
type resources struct {
	program *shader.Program
	sets    []SetData
	push    []byte
}

func (r *resources) setup(p *shader.Program) {
	r.program = p
	r.sets = make([]SetData, len(p.Sets))
	for i, bindings := range p.Sets {
		sd := SetData{
			Set:       uint32(i),
			Layout:    p.SetLayouts[i],
			LayoutKey: p.SetKeys[i],
			Bindings:  make([]BindingData, len(bindings)),
		}
		for j, b := range bindings {
			sd.Bindings[j] = BindingData{Binding: b}
			if b.IsDynamic() {
				sd.Bindings[j].staging = make([]byte, b.Size)
			}
		}
		r.sets[i] = sd
	}
	r.push = make([]byte, p.PushConstantSize())
}

// rebase sets r up for p and carries staged uniforms, assigned resources
// and push constants over by name. Values whose name or shape changed are
// dropped.
func (r *resources) rebase(p *shader.Program) {
	old := *r
	r.setup(p)
	if old.program == nil {
		return
	}
	for _, name := range old.program.Uniforms() {
		u, _ := old.program.Uniform(name)
		b := old.binding(u.Set, u.Binding)
		if b == nil || b.staging == nil {
			continue
		}
		_ = r.setUniformBytes(name, b.staging[u.Offset:u.Offset+u.Size])
	}
	for _, name := range old.program.Resources() {
		res, _ := old.program.Resource(name)
		from := old.binding(res.Set, res.Binding)
		if from == nil || !from.assigned || res.IsDynamic() {
			continue
		}
		next, ok := p.Resource(name)
		if !ok || next.Type != res.Type {
			continue
		}
		if to := r.binding(next.Set, next.Binding); to != nil {
			to.Buffer = from.Buffer
			to.Texture = from.Texture
			to.assigned = true
		}
	}
	for _, name := range old.program.PushConstantNames() {
		from, _ := old.program.PushConstant(name)
		to, ok := p.PushConstant(name)
		if !ok || to.Range != from.Range {
			continue
		}
		copy(r.push[to.Offset:to.Offset+to.Range], old.push[from.Offset:from.Offset+from.Range])
	}
}

func (r *resources) binding(set, binding uint32) *BindingData {
	if int(set) >= len(r.sets) {
		return nil
	}
	return r.sets[set].Binding(binding)
}

func (r *resources) setUniformBytes(name string, data []byte) error {
	if r.program == nil {
		return ErrNotSetUp
	}
	u, ok := r.program.Uniform(name)
	if !ok {
		return errors.Wrapf(ErrUniformNotFound, "%s in shader %s", name, r.program.Name)
	}
	if uint64(len(data)) != u.Size {
		return errors.Wrapf(ErrUniformSize, "%s is %d bytes, got %d", name, u.Size, len(data))
	}
	b := r.binding(u.Set, u.Binding)
	if b == nil || b.staging == nil {
		return errors.Wrapf(ErrResourceType, "%s is not in a uniform block", name)
	}
	copy(b.staging[u.Offset:u.Offset+u.Size], data)
	return nil
}

func (r *resources) resource(name string, want ...vk.DescriptorType) (*BindingData, error) {
	if r.program == nil {
		return nil, ErrNotSetUp
	}
	res, ok := r.program.Resource(name)
	if !ok {
		return nil, errors.Wrapf(ErrResourceNotFound, "%s in shader %s", name, r.program.Name)
	}
	for _, t := range want {
		if res.Type == t {
			return r.binding(res.Set, res.Binding), nil
		}
	}
	return nil, errors.Wrapf(ErrResourceType, "%s", name)
}

func (r *resources) setTexture(name string, tex Texture) error {
	b, err := r.resource(name, vk.DescriptorTypeCombinedImageSampler, vk.DescriptorTypeSampledImage,
		vk.DescriptorTypeStorageImage, vk.DescriptorTypeSampler)
	if err != nil {
		return err
	}
	if tex.Layout == vk.ImageLayoutUndefined {
		tex.Layout = vk.ImageLayoutShaderReadOnlyOptimal
		if b.Type == vk.DescriptorTypeStorageImage {
			tex.Layout = vk.ImageLayoutGeneral
		}
	}
	b.Texture = tex
	b.assigned = true
	return nil
}

func (r *resources) setStorageBuffer(name string, region BufferRegion) error {
	b, err := r.resource(name, vk.DescriptorTypeStorageBuffer)
	if err != nil {
		return err
	}
	b.Buffer = region
	b.assigned = true
	return nil
}

func (r *resources) setPushConstantBytes(name string, data []byte) error {
	if r.program == nil {
		return ErrNotSetUp
	}
	rng, ok := r.program.PushConstant(name)
	if !ok {
		return errors.Wrapf(ErrUniformNotFound, "push constant %s in shader %s", name, r.program.Name)
	}
	if uint64(len(data)) != rng.Range {
		return errors.Wrapf(ErrUniformSize, "push constant %s is %d bytes, got %d", name, rng.Range, len(data))
	}
	copy(r.push[rng.Offset:rng.Offset+rng.Range], data)
	return nil
}

// commitUniforms copies every staged uniform block into alloc. A failing
// block is logged and skipped; the first error is returned.
func (r *resources) commitUniforms(alloc Allocator) error {
	if r.program == nil {
		return ErrNotSetUp
	}
	var first error
	fail := func(err error) {
		core.LogError("%s", err.Error())
		if first == nil {
			first = err
		}
	}
	for s := range r.sets {
		for i := range r.sets[s].Bindings {
			b := &r.sets[s].Bindings[i]
			switch {
			case b.IsDynamic():
				offset, err := alloc.Allocate(uint64(len(b.staging)))
				if err != nil {
					fail(errors.Wrapf(err, "uniform block %s", b.Name))
					continue
				}
				if offset > math.MaxUint32 {
					fail(errors.Wrapf(ErrOffsetRange, "uniform block %s at %d", b.Name, offset))
					continue
				}
				dst := alloc.Bytes(offset, uint64(len(b.staging)))
				if dst == nil {
					fail(errors.Newf("uniform block %s: allocator is not host visible", b.Name))
					continue
				}
				copy(dst, b.staging)
				b.Buffer = BufferRegion{Buffer: alloc.Buffer(), Offset: 0, Size: uint64(len(b.staging))}
				b.DynamicOffset = uint32(offset)
			case !b.assigned:
				fail(errors.Wrapf(ErrUnbound, "%s (set %d binding %d) in shader %s", b.Name, b.Set, b.Binding.Binding, r.program.Name))
			}
		}
	}
	return first
}

func (r *resources) clone() resources {
	c := resources{program: r.program, push: append([]byte(nil), r.push...)}
	c.sets = make([]SetData, len(r.sets))
	for s := range r.sets {
		c.sets[s] = r.sets[s]
		c.sets[s].Bindings = append([]BindingData(nil), r.sets[s].Bindings...)
		for i := range c.sets[s].Bindings {
			if st := c.sets[s].Bindings[i].staging; st != nil {
				c.sets[s].Bindings[i].staging = append([]byte(nil), st...)
			}
		}
	}
	return c
}

// bind resolves every set through resolver and binds them with their
// dynamic offsets, then pushes the push constant block.
func (r *resources) bind(device driver.Device, cb driver.CommandBuffer, resolver SetResolver) error {
	if len(r.sets) > 0 {
		sets := make([]driver.DescriptorSet, len(r.sets))
		var offsets []uint32
		for i := range r.sets {
			set, err := resolver.GetDescriptorSet(&r.sets[i])
			if err != nil {
				return errors.Wrapf(err, "descriptor set %d", i)
			}
			sets[i] = set
			offsets = append(offsets, r.sets[i].DynamicOffsets()...)
		}
		device.CmdBindDescriptorSets(cb, r.program.BindPoint(), r.program.PipelineLayout, 0, sets, offsets)
	}
	if len(r.push) > 0 {
		device.CmdPushConstants(cb, r.program.PipelineLayout, r.program.PushConstantStages(), 0, r.push)
	}
	return nil
}
