package renderer

import (
	"time"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/google/uuid"

	"github.com/spaghettifunk/sketchvk/engine/containers"
	"github.com/spaghettifunk/sketchvk/engine/core"
	"github.com/spaghettifunk/sketchvk/engine/renderer/allocator"
	"github.com/spaghettifunk/sketchvk/engine/renderer/draw"
	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
	"github.com/spaghettifunk/sketchvk/engine/renderer/pipeline"
	"github.com/spaghettifunk/sketchvk/engine/renderer/shader"
)

var (
	ErrNotBegun     = errors.New("render context has not begun a frame")
	ErrAlreadyBegun = errors.New("render context already began a frame")
)

const (
	DefaultFenceTimeout = 100 * time.Millisecond
	// maxVirtualFrames bounds the per frame dirty bitfield.
	maxVirtualFrames = 64
)

// DefaultPoolSizes is the descriptor capacity of a fresh virtual frame.
func DefaultPoolSizes() []driver.PoolSize {
	return []driver.PoolSize{
		{Type: vk.DescriptorTypeUniformBufferDynamic, Count: 64},
		{Type: vk.DescriptorTypeStorageBuffer, Count: 16},
		{Type: vk.DescriptorTypeCombinedImageSampler, Count: 64},
		{Type: vk.DescriptorTypeSampledImage, Count: 16},
		{Type: vk.DescriptorTypeStorageImage, Count: 8},
		{Type: vk.DescriptorTypeSampler, Count: 8},
	}
}

type ContextSettings struct {
	Name          string
	VirtualFrames uint32
	// TransientMemory is the size of the per context host visible block,
	// split evenly across virtual frames.
	TransientMemory uint64
	RenderPass      driver.RenderPass
	// Framebuffers are selected with SetTarget, usually one per swapchain
	// image.
	Framebuffers []driver.Framebuffer
	RenderArea   driver.Rect
	ClearValues  []driver.ClearValue
	Queue        driver.QueueKind
	FenceTimeout time.Duration
	PoolSizes    []driver.PoolSize
	PoolMaxSets  uint32
	// Pipelines is shared between contexts. A context creates its own when
	// it is nil.
	Pipelines *pipeline.Cache
}

func (s *ContextSettings) applyDefaults() {
	if s.Name == "" {
		s.Name = "context"
	}
	if s.VirtualFrames == 0 {
		s.VirtualFrames = 2
	}
	if s.TransientMemory == 0 {
		s.TransientMemory = 16 << 20
	}
	if s.FenceTimeout == 0 {
		s.FenceTimeout = DefaultFenceTimeout
	}
	if len(s.PoolSizes) == 0 {
		s.PoolSizes = DefaultPoolSizes()
	}
	if s.PoolMaxSets == 0 {
		s.PoolMaxSets = 64
	}
}

type descriptorPool struct {
	handle   driver.DescriptorPool
	maxSets  uint32
	sets     uint32
	capacity map[vk.DescriptorType]uint32
	used     map[vk.DescriptorType]uint32
}

func (p *descriptorPool) remaining(t vk.DescriptorType) uint32 {
	return p.capacity[t] - p.used[t]
}

func (p *descriptorPool) fits(need map[vk.DescriptorType]uint32) bool {
	if p.sets >= p.maxSets {
		return false
	}
	for t, n := range need {
		if p.remaining(t) < n {
			return false
		}
	}
	return true
}

func (p *descriptorPool) reset() {
	p.sets = 0
	clear(p.used)
}

// VirtualFrame is one slot of the frame ring.
type VirtualFrame struct {
	commandPool    driver.CommandPool
	commandBuffers []driver.CommandBuffer
	// submitted keeps Submit order until End hands them to the queue.
	submitted      []driver.CommandBuffer
	pools          []*descriptorPool
	sets           map[uint64]driver.DescriptorSet
	fence          driver.Fence
	imageAcquired  driver.Semaphore
	renderComplete driver.Semaphore
	waitAcquired   bool
	signalComplete bool
}

type retiredKind uint8

const (
	retiredPipeline retiredKind = iota
	retiredShaderModule
	retiredBuffer
	retiredImage
	retiredImageView
	retiredSampler
)

type retired struct {
	frame  uint64
	kind   retiredKind
	handle uint64
}

type ContextStats struct {
	Frames        uint64
	FenceTimeouts uint64
	SetCacheHits  uint64
	SetsAllocated uint64
	PoolsGrown    uint64
	PoolsRebuilt  uint64
	Submissions   uint64
	Retired       uint64
	Destroyed     uint64
}

// RenderContext owns the per virtual frame resources of one recording
// thread. It is not safe for concurrent use.
type RenderContext struct {
	id       uuid.UUID
	device   driver.Device
	settings ContextSettings

	frames     []*VirtualFrame
	frameIndex uint32
	// frameNumber counts Begin calls; 0 before the first one.
	frameNumber uint64
	recording   bool
	target      int

	transient  *allocator.BufferAllocator
	pipelines  *pipeline.Cache
	ownsCache  bool
	poolTotals map[vk.DescriptorType]uint32
	poolSets   uint32
	dirty      uint64
	deletions  *containers.RingQueue[retired]

	stats ContextStats
}

func NewRenderContext(device driver.Device, settings ContextSettings) (*RenderContext, error) {
	settings.applyDefaults()
	if settings.VirtualFrames > maxVirtualFrames {
		return nil, errors.Newf("%s: %d virtual frames, at most %d are supported", settings.Name, settings.VirtualFrames, maxVirtualFrames)
	}
	c := &RenderContext{
		id:         uuid.New(),
		device:     device,
		settings:   settings,
		frameIndex: settings.VirtualFrames - 1,
		pipelines:  settings.Pipelines,
		poolTotals: map[vk.DescriptorType]uint32{},
		poolSets:   settings.PoolMaxSets,
		deletions:  containers.NewGrowableRingQueue[retired](64),
	}
	for _, s := range settings.PoolSizes {
		c.poolTotals[s.Type] += s.Count
	}

	transient, err := allocator.NewBufferAllocator(device, allocator.BufferSettings{
		Name:       settings.Name + " transient",
		Size:       settings.TransientMemory,
		FrameCount: settings.VirtualFrames,
		Usage: vk.BufferUsageFlags(vk.BufferUsageUniformBufferBit | vk.BufferUsageStorageBufferBit |
			vk.BufferUsageVertexBufferBit | vk.BufferUsageIndexBufferBit | vk.BufferUsageTransferSrcBit),
		MemoryProperties: vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit),
	})
	if err != nil {
		return nil, err
	}
	c.transient = transient

	if c.pipelines == nil {
		c.pipelines, err = pipeline.NewCache(device, nil)
		if err != nil {
			c.Destroy()
			return nil, err
		}
		c.ownsCache = true
	}

	for i := uint32(0); i < settings.VirtualFrames; i++ {
		f, err := c.createFrame()
		if err != nil {
			c.Destroy()
			return nil, errors.Wrapf(err, "%s: virtual frame %d", settings.Name, i)
		}
		c.frames = append(c.frames, f)
	}
	core.LogDebug("render context %s (%s) created with %d virtual frames", settings.Name, c.id, settings.VirtualFrames)
	return c, nil
}

func (c *RenderContext) createFrame() (*VirtualFrame, error) {
	var err error
	f := &VirtualFrame{sets: map[uint64]driver.DescriptorSet{}}
	if f.commandPool, err = c.device.CreateCommandPool(c.settings.Queue); err != nil {
		return nil, errors.Wrap(err, "command pool")
	}
	// Signaled so the first Begin on this slot does not wait.
	if f.fence, err = c.device.CreateFence(true); err != nil {
		return nil, errors.Wrap(err, "fence")
	}
	if f.imageAcquired, err = c.device.CreateSemaphore(); err != nil {
		return nil, errors.Wrap(err, "image acquired semaphore")
	}
	if f.renderComplete, err = c.device.CreateSemaphore(); err != nil {
		return nil, errors.Wrap(err, "render complete semaphore")
	}
	pool, err := c.createPool(c.poolSets, c.poolTotals)
	if err != nil {
		return nil, err
	}
	f.pools = []*descriptorPool{pool}
	return f, nil
}

func (c *RenderContext) createPool(maxSets uint32, sizes map[vk.DescriptorType]uint32) (*descriptorPool, error) {
	desc := driver.DescriptorPoolDesc{MaxSets: maxSets}
	capacity := make(map[vk.DescriptorType]uint32, len(sizes))
	for t, n := range sizes {
		if n == 0 {
			continue
		}
		desc.Sizes = append(desc.Sizes, driver.PoolSize{Type: t, Count: n})
		capacity[t] = n
	}
	handle, err := c.device.CreateDescriptorPool(desc)
	if err != nil {
		return nil, errors.Wrap(err, "descriptor pool")
	}
	return &descriptorPool{
		handle:   handle,
		maxSets:  maxSets,
		capacity: capacity,
		used:     map[vk.DescriptorType]uint32{},
	}, nil
}

func (c *RenderContext) ID() uuid.UUID {
	return c.id
}

func (c *RenderContext) Name() string {
	return c.settings.Name
}

func (c *RenderContext) Device() driver.Device {
	return c.device
}

func (c *RenderContext) Settings() ContextSettings {
	return c.settings
}

func (c *RenderContext) Pipelines() *pipeline.Cache {
	return c.pipelines
}

func (c *RenderContext) CurrentFrameIndex() uint32 {
	return c.frameIndex
}

// FrameNumber counts the frames begun so far.
func (c *RenderContext) FrameNumber() uint64 {
	return c.frameNumber
}

func (c *RenderContext) TransientAllocator() *allocator.BufferAllocator {
	return c.transient
}

func (c *RenderContext) Stats() ContextStats {
	return c.stats
}

func (c *RenderContext) current() *VirtualFrame {
	return c.frames[c.frameIndex]
}

// Begin moves to the next virtual frame and makes its resources reusable.
// The steps run in a fixed order: wait on the next slot's fence, advance to
// it, reset the fence, free the slot's command buffers, reset its command
// pool, reset the transient allocator region, then rebuild or reset
// descriptor pools. A failed wait leaves the frame index and number as they
// were.
func (c *RenderContext) Begin() error {
	if c.recording {
		return ErrAlreadyBegun
	}
	next := (c.frameIndex + 1) % c.settings.VirtualFrames
	f := c.frames[next]

	err := c.device.WaitForFence(f.fence, c.settings.FenceTimeout)
	if err != nil && !errors.Is(err, driver.ErrTimeout) {
		return errors.Wrapf(err, "%s: waiting for frame %d", c.settings.Name, next)
	}
	c.frameIndex = next
	c.frameNumber++
	if err != nil {
		c.stats.FenceTimeouts++
		core.LogError("%s (%s): fence of frame %d not signaled after %s, continuing",
			c.settings.Name, c.id, c.frameIndex, c.settings.FenceTimeout)
	}
	if err := c.device.ResetFence(f.fence); err != nil {
		return errors.Wrap(err, "resetting fence")
	}
	if len(f.commandBuffers) > 0 {
		c.device.FreeCommandBuffers(f.commandPool, f.commandBuffers)
		f.commandBuffers = f.commandBuffers[:0]
	}
	f.submitted = f.submitted[:0]
	if err := c.device.ResetCommandPool(f.commandPool); err != nil {
		return errors.Wrap(err, "resetting command pool")
	}
	c.transient.SetFrame(c.frameIndex)
	c.transient.Free()
	if err := c.updateDescriptorPool(f); err != nil {
		return err
	}
	clear(f.sets)
	f.waitAcquired, f.signalComplete = false, false

	c.flushRetired()
	c.pipelines.SetFrame(c.frameNumber)
	c.recording = true
	c.stats.Frames++
	return nil
}

// updateDescriptorPool replaces the frame's pools by one sized to the
// running totals when the frame is marked dirty, and resets them otherwise.
func (c *RenderContext) updateDescriptorPool(f *VirtualFrame) error {
	bit := uint64(1) << c.frameIndex
	if c.dirty&bit == 0 {
		for _, p := range f.pools {
			if err := c.device.ResetDescriptorPool(p.handle); err != nil {
				return errors.Wrap(err, "resetting descriptor pool")
			}
			p.reset()
		}
		return nil
	}
	for _, p := range f.pools {
		c.device.DestroyDescriptorPool(p.handle)
	}
	f.pools = f.pools[:0]
	pool, err := c.createPool(c.poolSets, c.poolTotals)
	if err != nil {
		return err
	}
	f.pools = append(f.pools, pool)
	c.dirty &^= bit
	c.stats.PoolsRebuilt++
	core.LogDebug("%s: descriptor pool of frame %d rebuilt for %d sets", c.settings.Name, c.frameIndex, c.poolSets)
	return nil
}

// GetDescriptorSet returns a set holding data's bindings. Sets are cached
// per frame by content hash, so identical requests within a frame share one
// set. When the frame's pools cannot hold the set an extra pool is created
// and every frame is marked for a resize on its next Begin.
func (c *RenderContext) GetDescriptorSet(data *draw.SetData) (driver.DescriptorSet, error) {
	if !c.recording {
		return 0, ErrNotBegun
	}
	f := c.current()
	key := data.Hash()
	if set, ok := f.sets[key]; ok {
		c.stats.SetCacheHits++
		return set, nil
	}

	need := map[vk.DescriptorType]uint32{}
	for _, b := range data.Bindings {
		need[b.Type] += max(b.Count, 1)
	}

	var set driver.DescriptorSet
	allocated := false
	for _, p := range f.pools {
		if !p.fits(need) {
			continue
		}
		s, err := c.allocateSet(p, data.Layout, need)
		if err == nil {
			set, allocated = s, true
			break
		}
		if !errors.Is(err, driver.ErrOutOfPoolMemory) {
			return 0, err
		}
	}
	if !allocated {
		pool, err := c.growPools(f, need)
		if err != nil {
			return 0, err
		}
		set, err = c.allocateSet(pool, data.Layout, need)
		if err != nil {
			return 0, errors.Wrapf(err, "%s: allocating set %d after growing the pool", c.settings.Name, data.Set)
		}
	}

	c.device.UpdateDescriptorSet(set, data.Writes())
	f.sets[key] = set
	c.stats.SetsAllocated++
	return set, nil
}

func (c *RenderContext) allocateSet(p *descriptorPool, layout driver.DescriptorSetLayout, need map[vk.DescriptorType]uint32) (driver.DescriptorSet, error) {
	set, err := c.device.AllocateDescriptorSet(p.handle, layout)
	if err != nil {
		return 0, err
	}
	p.sets++
	for t, n := range need {
		p.used[t] += n
	}
	return set, nil
}

// growPools adds a pool to the current frame sized per type to the larger
// of need and the initial pool sizes. The running totals grow by what the
// last pool lacked, so a rebuilt pool fits this frame's whole load.
func (c *RenderContext) growPools(f *VirtualFrame, need map[vk.DescriptorType]uint32) (*descriptorPool, error) {
	last := f.pools[len(f.pools)-1]
	for t, n := range need {
		if rem := last.remaining(t); rem < n {
			c.poolTotals[t] += n - rem
		}
	}
	if last.sets >= last.maxSets {
		c.poolSets++
	}
	sizes := make(map[vk.DescriptorType]uint32, len(c.settings.PoolSizes)+len(need))
	for _, s := range c.settings.PoolSizes {
		sizes[s.Type] += s.Count
	}
	for t, n := range need {
		sizes[t] = max(sizes[t], n)
	}
	pool, err := c.createPool(max(c.settings.PoolMaxSets, 1), sizes)
	if err != nil {
		return nil, err
	}
	f.pools = append(f.pools, pool)
	c.dirty = 1<<c.settings.VirtualFrames - 1
	c.stats.PoolsGrown++
	core.LogDebug("%s: descriptor pools of frame %d grown, totals now %v", c.settings.Name, c.frameIndex, c.poolTotals)
	return pool, nil
}

// AllocateCommandBuffer returns a command buffer of the current frame in
// the recording state. It is freed on the slot's next Begin.
func (c *RenderContext) AllocateCommandBuffer() (driver.CommandBuffer, error) {
	if !c.recording {
		return 0, ErrNotBegun
	}
	f := c.current()
	cb, err := c.device.AllocateCommandBuffer(f.commandPool)
	if err != nil {
		return 0, errors.Wrap(err, "allocating command buffer")
	}
	if err := c.device.BeginCommandBuffer(cb, true); err != nil {
		return 0, errors.Wrap(err, "beginning command buffer")
	}
	f.commandBuffers = append(f.commandBuffers, cb)
	return cb, nil
}

// Submit ends cb and queues it for End. Buffers execute in Submit order.
func (c *RenderContext) Submit(cb driver.CommandBuffer) error {
	if !c.recording {
		return ErrNotBegun
	}
	if err := c.device.EndCommandBuffer(cb); err != nil {
		return errors.Wrap(err, "ending command buffer")
	}
	f := c.current()
	f.submitted = append(f.submitted, cb)
	return nil
}

// ImageAcquiredSemaphore is the semaphore to pass to the swapchain's
// acquire. The frame's submission waits on it.
func (c *RenderContext) ImageAcquiredSemaphore() driver.Semaphore {
	f := c.current()
	f.waitAcquired = true
	return f.imageAcquired
}

// RenderCompleteSemaphore is signaled by the frame's submission; present
// waits on it.
func (c *RenderContext) RenderCompleteSemaphore() driver.Semaphore {
	f := c.current()
	f.signalComplete = true
	return f.renderComplete
}

// SetTarget selects the framebuffer batches render into.
func (c *RenderContext) SetTarget(index int) {
	c.target = index
}

func (c *RenderContext) Framebuffer() driver.Framebuffer {
	if c.target < 0 || c.target >= len(c.settings.Framebuffers) {
		return 0
	}
	return c.settings.Framebuffers[c.target]
}

// SetFramebuffers replaces the framebuffers and render area, after a
// swapchain resize.
func (c *RenderContext) SetFramebuffers(framebuffers []driver.Framebuffer, area driver.Rect) {
	c.settings.Framebuffers = framebuffers
	c.settings.RenderArea = area
}

// End submits every command buffer of the frame in one queue submission
// that signals the frame's fence. A frame without command buffers still
// submits so the fence is signaled.
func (c *RenderContext) End() error {
	if !c.recording {
		return ErrNotBegun
	}
	c.recording = false
	f := c.current()

	var batches []driver.SubmitInfo
	if len(f.submitted) > 0 || f.waitAcquired || f.signalComplete {
		batch := driver.SubmitInfo{CommandBuffers: append([]driver.CommandBuffer(nil), f.submitted...)}
		if f.waitAcquired {
			batch.Wait = []driver.Semaphore{f.imageAcquired}
			batch.WaitStages = []vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)}
		}
		if f.signalComplete {
			batch.Signal = []driver.Semaphore{f.renderComplete}
		}
		batches = append(batches, batch)
	}
	if err := c.device.Submit(c.settings.Queue, batches, f.fence); err != nil {
		err = errors.Wrapf(err, "%s: submitting frame %d", c.settings.Name, c.frameIndex)
		core.LogError("%s", err.Error())
		return err
	}
	c.stats.Submissions++
	return nil
}

// RetirePipeline destroys p once no frame in flight can use it.
func (c *RenderContext) RetirePipeline(p driver.Pipeline) {
	c.retire(retiredPipeline, uint64(p))
}

// RetireProgram destroys the shader modules of a replaced program once no
// frame in flight can use them.
func (c *RenderContext) RetireProgram(p *shader.Program) {
	seen := map[driver.ShaderModule]bool{}
	for _, st := range p.Stages {
		if st.Module != 0 && !seen[st.Module] {
			seen[st.Module] = true
			c.retire(retiredShaderModule, uint64(st.Module))
		}
	}
}

func (c *RenderContext) RetireBuffer(b driver.Buffer) {
	c.retire(retiredBuffer, uint64(b))
}

// RetireTexture destroys the view, the sampler and the image of t.
func (c *RenderContext) RetireTexture(t draw.Texture) {
	if t.View != 0 {
		c.retire(retiredImageView, uint64(t.View))
	}
	if t.Sampler != 0 {
		c.retire(retiredSampler, uint64(t.Sampler))
	}
	if t.Image != 0 {
		c.retire(retiredImage, uint64(t.Image))
	}
}

func (c *RenderContext) retire(kind retiredKind, handle uint64) {
	// Enqueue only fails on a fixed size queue.
	_ = c.deletions.Enqueue(retired{frame: c.frameNumber, kind: kind, handle: handle})
	c.stats.Retired++
}

// flushRetired destroys objects retired at least VirtualFrames frames ago;
// the fence waits of the frames since then guarantee the GPU is done.
func (c *RenderContext) flushRetired() {
	for !c.deletions.IsEmpty() {
		r, _ := c.deletions.Peek()
		if r.frame+uint64(c.settings.VirtualFrames) > c.frameNumber {
			return
		}
		_, _ = c.deletions.Dequeue()
		c.destroyRetired(r)
	}
}

func (c *RenderContext) destroyRetired(r retired) {
	switch r.kind {
	case retiredPipeline:
		c.device.DestroyPipeline(driver.Pipeline(r.handle))
	case retiredShaderModule:
		c.device.DestroyShaderModule(driver.ShaderModule(r.handle))
	case retiredBuffer:
		c.device.DestroyBuffer(driver.Buffer(r.handle))
	case retiredImage:
		c.device.DestroyImage(driver.Image(r.handle))
	case retiredImageView:
		c.device.DestroyImageView(driver.ImageView(r.handle))
	case retiredSampler:
		c.device.DestroySampler(driver.Sampler(r.handle))
	}
	c.stats.Destroyed++
}

// Destroy waits for every frame and releases all context resources. The
// device must be idle or about to be waited on.
func (c *RenderContext) Destroy() {
	for _, f := range c.frames {
		if err := c.device.WaitForFence(f.fence, c.settings.FenceTimeout); err != nil {
			core.LogWarn("%s: destroying with frame still in flight: %s", c.settings.Name, err.Error())
		}
	}
	for !c.deletions.IsEmpty() {
		r, _ := c.deletions.Dequeue()
		c.destroyRetired(r)
	}
	for _, f := range c.frames {
		for _, p := range f.pools {
			c.device.DestroyDescriptorPool(p.handle)
		}
		c.device.DestroyCommandPool(f.commandPool)
		c.device.DestroyFence(f.fence)
		c.device.DestroySemaphore(f.imageAcquired)
		c.device.DestroySemaphore(f.renderComplete)
	}
	c.frames = nil
	if c.ownsCache && c.pipelines != nil {
		c.pipelines.Destroy()
		c.pipelines = nil
	}
	if c.transient != nil {
		c.transient.Destroy()
		c.transient = nil
	}
}
