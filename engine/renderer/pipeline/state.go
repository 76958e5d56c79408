// Package pipeline describes fixed function pipeline state, hashes it and
// keeps the GPU pipelines built from it.
package pipeline

import (
	"encoding/binary"
	"hash/fnv"
	"math"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
	"github.com/spaghettifunk/sketchvk/engine/renderer/shader"
)

// State is anything the cache can build a pipeline from.
type State interface {
	Hash() uint64
	// Parent names the cached pipeline to derive from, zero for none.
	Parent() uint64
	// Derivable reports whether pipelines built from the state may serve
	// as a parent.
	Derivable() bool
	Create(device driver.Device, cache driver.PipelineCache, base driver.Pipeline) (driver.Pipeline, error)
}

// GraphicsState is a plain value: copy it, change a field, and the hash
// follows.
type GraphicsState struct {
	Shader *shader.Program

	Topology         vk.PrimitiveTopology
	PrimitiveRestart bool
	PolygonMode      vk.PolygonMode
	CullMode         vk.CullModeFlags
	FrontFace        vk.FrontFace
	LineWidth        float32

	DepthTest    bool
	DepthWrite   bool
	DepthCompare vk.CompareOp
	StencilTest  bool

	// One entry per color attachment of the subpass.
	Blend   []driver.BlendAttachment
	Samples vk.SampleCountFlagBits

	RenderPass driver.RenderPass
	Subpass    uint32

	// AllowDerivatives lets other states name this one as their parent.
	AllowDerivatives bool
	// ParentHash selects a cached pipeline to use as the base. It does not
	// take part in the hash: a derived pipeline is interchangeable with a
	// freshly built one.
	ParentHash uint64
}

// AlphaBlend is the usual straight alpha blend on one attachment.
var AlphaBlend = driver.BlendAttachment{
	Enable:         true,
	SrcColor:       vk.BlendFactorSrcAlpha,
	DstColor:       vk.BlendFactorOneMinusSrcAlpha,
	ColorOp:        vk.BlendOpAdd,
	SrcAlpha:       vk.BlendFactorOne,
	DstAlpha:       vk.BlendFactorOneMinusSrcAlpha,
	AlphaOp:        vk.BlendOpAdd,
	ColorWriteMask: allColorComponents,
}

var Opaque = driver.BlendAttachment{ColorWriteMask: allColorComponents}

const allColorComponents = vk.ColorComponentFlags(vk.ColorComponentRBit | vk.ColorComponentGBit | vk.ColorComponentBBit | vk.ColorComponentABit)

// NewGraphicsState returns filled triangles with back face culling, depth
// testing and alpha blending on a single attachment.
func NewGraphicsState(program *shader.Program, renderPass driver.RenderPass) GraphicsState {
	return GraphicsState{
		Shader:       program,
		Topology:     vk.PrimitiveTopologyTriangleList,
		PolygonMode:  vk.PolygonModeFill,
		CullMode:     vk.CullModeFlags(vk.CullModeBackBit),
		FrontFace:    vk.FrontFaceCounterClockwise,
		LineWidth:    1,
		DepthTest:    true,
		DepthWrite:   true,
		DepthCompare: vk.CompareOpLessOrEqual,
		Blend:        []driver.BlendAttachment{AlphaBlend},
		Samples:      vk.SampleCount1Bit,
		RenderPass:   renderPass,
	}
}

func (s *GraphicsState) Parent() uint64 {
	return s.ParentHash
}

func (s *GraphicsState) Derivable() bool {
	return s.AllowDerivatives
}

// rasterBytes is the little endian image of every fixed function field.
func (s *GraphicsState) rasterBytes() []byte {
	b := make([]byte, 0, 64+len(s.Blend)*32)
	u32 := func(v uint32) { b = binary.LittleEndian.AppendUint32(b, v) }
	flag := func(v bool) {
		if v {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	}
	u32(uint32(s.Topology))
	flag(s.PrimitiveRestart)
	u32(uint32(s.PolygonMode))
	u32(uint32(s.CullMode))
	u32(uint32(s.FrontFace))
	u32(math.Float32bits(s.LineWidth))
	flag(s.DepthTest)
	flag(s.DepthWrite)
	u32(uint32(s.DepthCompare))
	flag(s.StencilTest)
	flag(s.AllowDerivatives)
	u32(uint32(s.Samples))
	u32(uint32(len(s.Blend)))
	for _, a := range s.Blend {
		flag(a.Enable)
		u32(uint32(a.SrcColor))
		u32(uint32(a.DstColor))
		u32(uint32(a.ColorOp))
		u32(uint32(a.SrcAlpha))
		u32(uint32(a.DstAlpha))
		u32(uint32(a.AlphaOp))
		u32(uint32(a.ColorWriteMask))
	}
	return b
}

// Hash covers the shader's set layout keys, the fixed function state
// including AllowDerivatives, the shader code hash, the render pass and the
// subpass.
func (s *GraphicsState) Hash() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	if s.Shader != nil {
		for _, k := range s.Shader.SetKeys {
			binary.LittleEndian.PutUint64(buf[:], k)
			h.Write(buf[:])
		}
	}
	h.Write(s.rasterBytes())
	if s.Shader != nil {
		binary.LittleEndian.PutUint64(buf[:], s.Shader.CodeHash)
		h.Write(buf[:])
	}
	binary.LittleEndian.PutUint64(buf[:], uint64(s.RenderPass))
	h.Write(buf[:])
	binary.LittleEndian.PutUint32(buf[:4], s.Subpass)
	h.Write(buf[:4])
	return h.Sum64()
}

// VertexInput lays out the shader's inputs as one tightly packed stream per
// location, binding index equal to the location.
func VertexInput(p *shader.Program) ([]driver.VertexBinding, []driver.VertexAttribute) {
	bindings := make([]driver.VertexBinding, len(p.Inputs))
	attributes := make([]driver.VertexAttribute, len(p.Inputs))
	for i, in := range p.Inputs {
		bindings[i] = driver.VertexBinding{Binding: in.Location, Stride: in.Size}
		attributes[i] = driver.VertexAttribute{Location: in.Location, Binding: in.Location, Format: in.Format}
	}
	return bindings, attributes
}

func (s *GraphicsState) Desc(base driver.Pipeline) driver.GraphicsPipelineDesc {
	bindings, attributes := VertexInput(s.Shader)
	return driver.GraphicsPipelineDesc{
		Layout:           s.Shader.PipelineLayout,
		Stages:           s.Shader.DriverStages(),
		VertexBindings:   bindings,
		VertexAttributes: attributes,
		Topology:         s.Topology,
		PrimitiveRestart: s.PrimitiveRestart,
		PolygonMode:      s.PolygonMode,
		CullMode:         s.CullMode,
		FrontFace:        s.FrontFace,
		LineWidth:        s.LineWidth,
		DepthTest:        s.DepthTest,
		DepthWrite:       s.DepthWrite,
		DepthCompare:     s.DepthCompare,
		StencilTest:      s.StencilTest,
		Blend:            s.Blend,
		Samples:          s.Samples,
		RenderPass:       s.RenderPass,
		Subpass:          s.Subpass,
		AllowDerivatives: s.AllowDerivatives,
		Base:             base,
	}
}

func (s *GraphicsState) Create(device driver.Device, cache driver.PipelineCache, base driver.Pipeline) (driver.Pipeline, error) {
	if s.Shader == nil {
		return 0, errors.New("graphics state has no shader")
	}
	if s.Shader.IsCompute() {
		return 0, errors.Newf("shader %s is a compute shader", s.Shader.Name)
	}
	p, err := device.CreateGraphicsPipeline(cache, s.Desc(base))
	if err != nil {
		return 0, errors.Wrapf(err, "creating pipeline for %s", s.Shader.Name)
	}
	return p, nil
}

type ComputeState struct {
	Shader *shader.Program
}

func (s *ComputeState) Parent() uint64 {
	return 0
}

func (s *ComputeState) Derivable() bool {
	return false
}

func (s *ComputeState) Hash() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, k := range s.Shader.SetKeys {
		binary.LittleEndian.PutUint64(buf[:], k)
		h.Write(buf[:])
	}
	binary.LittleEndian.PutUint64(buf[:], s.Shader.CodeHash)
	h.Write(buf[:])
	h.Write([]byte("compute"))
	return h.Sum64()
}

func (s *ComputeState) Create(device driver.Device, cache driver.PipelineCache, _ driver.Pipeline) (driver.Pipeline, error) {
	if s.Shader == nil || !s.Shader.IsCompute() {
		return 0, errors.New("compute state needs a compute shader")
	}
	st := s.Shader.Stages[0]
	p, err := device.CreateComputePipeline(cache, driver.ComputePipelineDesc{
		Layout: s.Shader.PipelineLayout,
		Stage:  driver.ShaderStage{Stage: st.Stage, Module: st.Module, Entry: st.Entry},
	})
	if err != nil {
		return 0, errors.Wrapf(err, "creating compute pipeline for %s", s.Shader.Name)
	}
	return p, nil
}
