package driver

// Handles are opaque indices issued by a Device. The zero value of every
// handle type is the null handle.
type (
	Buffer              uint64
	Image               uint64
	ImageView           uint64
	Sampler             uint64
	Memory              uint64
	ShaderModule        uint64
	DescriptorSetLayout uint64
	PipelineLayout      uint64
	PipelineCache       uint64
	Pipeline            uint64
	DescriptorPool      uint64
	DescriptorSet       uint64
	CommandPool         uint64
	CommandBuffer       uint64
	Fence               uint64
	Semaphore           uint64
	RenderPass          uint64
	Framebuffer         uint64
)

type QueueKind uint8

const (
	QueueGraphics QueueKind = iota
	QueueCompute
	QueueTransfer
	QueuePresent
	queueKindCount
)

// QueueKindCount is the number of distinct logical queues a Device exposes.
const QueueKindCount = int(queueKindCount)

func (q QueueKind) String() string {
	switch q {
	case QueueGraphics:
		return "graphics"
	case QueueCompute:
		return "compute"
	case QueueTransfer:
		return "transfer"
	case QueuePresent:
		return "present"
	}
	return "unknown"
}
