package driver

import (
	vk "github.com/goki/vulkan"
	"github.com/google/uuid"
)

type Limits struct {
	MinUniformBufferOffsetAlignment uint64
	MinStorageBufferOffsetAlignment uint64
	BufferImageGranularity          uint64
	NonCoherentAtomSize             uint64
	MaxBoundDescriptorSets          uint32
	MaxPushConstantsSize            uint32
}

type Properties struct {
	VendorID          uint32
	DeviceID          uint32
	DeviceName        string
	PipelineCacheUUID uuid.UUID
}

type BufferDesc struct {
	Size  uint64
	Usage vk.BufferUsageFlags
}

type MemoryRequirements struct {
	Size      uint64
	Alignment uint64
	// Bit i is set when memory type i can back the resource.
	TypeBits uint32
}

type ImageDesc struct {
	Width, Height uint32
	Depth         uint32
	MipLevels     uint32
	ArrayLayers   uint32
	Format        vk.Format
	Usage         vk.ImageUsageFlags
	Samples       vk.SampleCountFlagBits
}

type ImageViewDesc struct {
	Image  Image
	Format vk.Format
	Aspect vk.ImageAspectFlags
	// Defaults to a 2D view when zero.
	ViewType  vk.ImageViewType
	MipLevels uint32
	Layers    uint32
}

type SamplerDesc struct {
	MagFilter    vk.Filter
	MinFilter    vk.Filter
	MipmapMode   vk.SamplerMipmapMode
	AddressModeU vk.SamplerAddressMode
	AddressModeV vk.SamplerAddressMode
	AddressModeW vk.SamplerAddressMode
	MaxLod       float32
}

type DescriptorBinding struct {
	Binding uint32
	Type    vk.DescriptorType
	Count   uint32
	Stages  vk.ShaderStageFlags
}

type PushConstantRange struct {
	Stages vk.ShaderStageFlags
	Offset uint32
	Size   uint32
}

type ShaderStage struct {
	Stage  vk.ShaderStageFlagBits
	Module ShaderModule
	Entry  string
}

type VertexBinding struct {
	Binding uint32
	Stride  uint32
}

type VertexAttribute struct {
	Location uint32
	Binding  uint32
	Format   vk.Format
	Offset   uint32
}

type BlendAttachment struct {
	Enable         bool
	SrcColor       vk.BlendFactor
	DstColor       vk.BlendFactor
	ColorOp        vk.BlendOp
	SrcAlpha       vk.BlendFactor
	DstAlpha       vk.BlendFactor
	AlphaOp        vk.BlendOp
	ColorWriteMask vk.ColorComponentFlags
}

type GraphicsPipelineDesc struct {
	Layout           PipelineLayout
	Stages           []ShaderStage
	VertexBindings   []VertexBinding
	VertexAttributes []VertexAttribute

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

	Blend   []BlendAttachment
	Samples vk.SampleCountFlagBits

	RenderPass RenderPass
	Subpass    uint32

	AllowDerivatives bool
	// Base is the parent pipeline when non-null.
	Base Pipeline
}

type ComputePipelineDesc struct {
	Layout PipelineLayout
	Stage  ShaderStage
}

type PoolSize struct {
	Type  vk.DescriptorType
	Count uint32
}

type DescriptorPoolDesc struct {
	MaxSets uint32
	Sizes   []PoolSize
}

type BufferInfo struct {
	Buffer Buffer
	Offset uint64
	Range  uint64
}

type ImageInfo struct {
	Sampler Sampler
	View    ImageView
	Layout  vk.ImageLayout
}

type DescriptorWrite struct {
	Binding uint32
	Type    vk.DescriptorType
	Buffer  BufferInfo
	Image   ImageInfo
}

type BufferBarrier struct {
	Buffer    Buffer
	Offset    uint64
	Size      uint64
	SrcAccess vk.AccessFlags
	DstAccess vk.AccessFlags
}

type ImageBarrier struct {
	Image     Image
	Aspect    vk.ImageAspectFlags
	OldLayout vk.ImageLayout
	NewLayout vk.ImageLayout
	SrcAccess vk.AccessFlags
	DstAccess vk.AccessFlags
}

type BarrierDesc struct {
	SrcStage vk.PipelineStageFlags
	DstStage vk.PipelineStageFlags
	// SrcAccess and DstAccess describe a global memory barrier when either
	// is set.
	SrcAccess vk.AccessFlags
	DstAccess vk.AccessFlags
	Buffers   []BufferBarrier
	Images    []ImageBarrier
}

type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

type BufferImageCopy struct {
	BufferOffset uint64
	Aspect       vk.ImageAspectFlags
	Width        uint32
	Height       uint32
	Depth        uint32
}

type Rect struct {
	X, Y          int32
	Width, Height uint32
}

type Viewport struct {
	X, Y, Width, Height float32
	MinDepth, MaxDepth  float32
}

type ClearValue struct {
	Color        [4]float32
	Depth        float32
	Stencil      uint32
	DepthStencil bool
}

type RenderPassBegin struct {
	RenderPass  RenderPass
	Framebuffer Framebuffer
	Area        Rect
	Clear       []ClearValue
}

type SubmitInfo struct {
	CommandBuffers []CommandBuffer
	Wait           []Semaphore
	WaitStages     []vk.PipelineStageFlags
	Signal         []Semaphore
}

type AttachmentDesc struct {
	Format         vk.Format
	Samples        vk.SampleCountFlagBits
	LoadOp         vk.AttachmentLoadOp
	StoreOp        vk.AttachmentStoreOp
	Initial        vk.ImageLayout
	Final          vk.ImageLayout
	DepthOrStencil bool
}

type RenderPassDesc struct {
	Attachments []AttachmentDesc
}

type FramebufferDesc struct {
	RenderPass  RenderPass
	Attachments []ImageView
	Width       uint32
	Height      uint32
}
