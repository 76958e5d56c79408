// Package drivertest provides an in-memory driver.Device for GPU-free tests.
// Memory is backed by real byte slices, buffer copies are executed at submit
// time and every recorded command is kept so tests can assert on them.
package drivertest

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/google/uuid"

	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
)

// Command is one recorded Cmd* call. Only the fields relevant to Op are set.
type Command struct {
	Op             string
	Pipeline       driver.Pipeline
	Layout         driver.PipelineLayout
	Sets           []driver.DescriptorSet
	DynamicOffsets []uint32
	Buffers        []driver.Buffer
	Offsets        []uint64
	Image          driver.Image
	Copies         []driver.BufferCopy
	ImageCopies    []driver.BufferImageCopy
	Barrier        driver.BarrierDesc
	Counts         [3]uint32
	Data           []byte
}

// Event is an entry of the ordered log of synchronization related calls.
type Event struct {
	Op     string
	Handle uint64
}

type Submission struct {
	Queue    driver.QueueKind
	Batches  []driver.SubmitInfo
	Fence    driver.Fence
	Commands map[driver.CommandBuffer][]Command
}

type buffer struct {
	desc   driver.BufferDesc
	memory driver.Memory
	offset uint64
}

type image struct {
	desc   driver.ImageDesc
	memory driver.Memory
	offset uint64
}

type pool struct {
	desc    driver.DescriptorPoolDesc
	sets    uint32
	used    map[vk.DescriptorType]uint32
	handles []driver.DescriptorSet
}

type commandBuffer struct {
	pool      driver.CommandPool
	recording bool
	commands  []Command
}

type Device struct {
	mu sync.Mutex

	limits      driver.Limits
	props       driver.Properties
	memoryTypes []vk.MemoryPropertyFlags

	next uint64

	memory         map[driver.Memory][]byte
	buffers        map[driver.Buffer]*buffer
	images         map[driver.Image]*image
	views          map[driver.ImageView]driver.ImageViewDesc
	samplers       map[driver.Sampler]struct{}
	modules        map[driver.ShaderModule][]uint32
	setLayouts     map[driver.DescriptorSetLayout][]driver.DescriptorBinding
	layouts        map[driver.PipelineLayout][]driver.DescriptorSetLayout
	caches         map[driver.PipelineCache][]byte
	pipelines      map[driver.Pipeline]any
	pools          map[driver.DescriptorPool]*pool
	sets           map[driver.DescriptorSet][]driver.DescriptorWrite
	commandPools   map[driver.CommandPool][]driver.CommandBuffer
	commandBuffers map[driver.CommandBuffer]*commandBuffer
	fences         map[driver.Fence]bool
	semaphores     map[driver.Semaphore]struct{}
	renderPasses   map[driver.RenderPass]driver.RenderPassDesc
	framebuffers   map[driver.Framebuffer]driver.FramebufferDesc

	// ImageAlignment is the alignment ImageRequirements reports and
	// BindImageMemory enforces.
	ImageAlignment uint64

	// HoldFences keeps submitted fences unsignaled until Complete is called.
	HoldFences bool
	pending    []driver.Fence

	failures map[string]error

	events      []Event
	submissions []Submission

	PipelinesCreated     int
	DerivedPipelines     int
	PoolsCreated         int
	SetsAllocated        int
	SetLayoutsCreated    int
	PipelineLayoutsMade  int
	ShaderModulesCreated int
}

func DefaultLimits() driver.Limits {
	return driver.Limits{
		MinUniformBufferOffsetAlignment: 256,
		MinStorageBufferOffsetAlignment: 64,
		BufferImageGranularity:          1024,
		NonCoherentAtomSize:             64,
		MaxBoundDescriptorSets:          8,
		MaxPushConstantsSize:            128,
	}
}

func DefaultProperties() driver.Properties {
	return driver.Properties{
		VendorID:          0x10DE,
		DeviceID:          0x2204,
		DeviceName:        "drivertest",
		PipelineCacheUUID: uuid.MustParse("6f1c1f4e-8a57-4a8c-9d0e-3f3b7b0a2c11"),
	}
}

func NewDevice() *Device {
	return NewDeviceWithLimits(DefaultLimits())
}

func NewDeviceWithLimits(limits driver.Limits) *Device {
	return &Device{
		limits:         limits,
		props:          DefaultProperties(),
		ImageAlignment: 512,
		memoryTypes: []vk.MemoryPropertyFlags{
			vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit),
			vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit),
		},
		memory:         map[driver.Memory][]byte{},
		buffers:        map[driver.Buffer]*buffer{},
		images:         map[driver.Image]*image{},
		views:          map[driver.ImageView]driver.ImageViewDesc{},
		samplers:       map[driver.Sampler]struct{}{},
		modules:        map[driver.ShaderModule][]uint32{},
		setLayouts:     map[driver.DescriptorSetLayout][]driver.DescriptorBinding{},
		layouts:        map[driver.PipelineLayout][]driver.DescriptorSetLayout{},
		caches:         map[driver.PipelineCache][]byte{},
		pipelines:      map[driver.Pipeline]any{},
		pools:          map[driver.DescriptorPool]*pool{},
		sets:           map[driver.DescriptorSet][]driver.DescriptorWrite{},
		commandPools:   map[driver.CommandPool][]driver.CommandBuffer{},
		commandBuffers: map[driver.CommandBuffer]*commandBuffer{},
		fences:         map[driver.Fence]bool{},
		semaphores:     map[driver.Semaphore]struct{}{},
		renderPasses:   map[driver.RenderPass]driver.RenderPassDesc{},
		framebuffers:   map[driver.Framebuffer]driver.FramebufferDesc{},
	}
}

func (d *Device) handle() uint64 {
	d.next++
	return d.next
}

func (d *Device) event(op string, h uint64) {
	d.events = append(d.events, Event{Op: op, Handle: h})
}

// FailNext makes the next call of the named device method return err.
// AllocateCommandBuffer and WaitForFence honor it.
func (d *Device) FailNext(method string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures == nil {
		d.failures = map[string]error{}
	}
	d.failures[method] = err
}

func (d *Device) injected(method string) error {
	err, ok := d.failures[method]
	if ok {
		delete(d.failures, method)
	}
	return err
}

func (d *Device) Limits() driver.Limits { return d.limits }
func (d *Device) Properties() driver.Properties { return d.props }

func (d *Device) CreateBuffer(desc driver.BufferDesc) (driver.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if desc.Size == 0 {
		return 0, errors.New("buffer size must be greater than zero")
	}
	h := driver.Buffer(d.handle())
	d.buffers[h] = &buffer{desc: desc}
	return h, nil
}

func (d *Device) DestroyBuffer(b driver.Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffers, b)
}

func (d *Device) BufferRequirements(b driver.Buffer) driver.MemoryRequirements {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[b]
	if !ok {
		return driver.MemoryRequirements{}
	}
	return driver.MemoryRequirements{
		Size:      buf.desc.Size,
		Alignment: d.limits.MinUniformBufferOffsetAlignment,
		TypeBits:  1<<uint(len(d.memoryTypes)) - 1,
	}
}

func (d *Device) CreateImage(desc driver.ImageDesc) (driver.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if desc.Width == 0 || desc.Height == 0 {
		return 0, errors.New("image extent must be greater than zero")
	}
	h := driver.Image(d.handle())
	d.images[h] = &image{desc: desc}
	return h, nil
}

func (d *Device) DestroyImage(i driver.Image) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.images, i)
}

// ImageRequirements reports 4 bytes per texel, aligned to ImageAlignment and
// restricted to device local memory.
func (d *Device) ImageRequirements(i driver.Image) driver.MemoryRequirements {
	d.mu.Lock()
	defer d.mu.Unlock()
	img, ok := d.images[i]
	if !ok {
		return driver.MemoryRequirements{}
	}
	depth := uint64(max(img.desc.Depth, 1))
	return driver.MemoryRequirements{
		Size:      uint64(img.desc.Width) * uint64(img.desc.Height) * depth * 4,
		Alignment: d.ImageAlignment,
		TypeBits:  1,
	}
}

func (d *Device) CreateImageView(desc driver.ImageViewDesc) (driver.ImageView, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.images[desc.Image]; !ok {
		return 0, driver.ErrInvalidHandle
	}
	h := driver.ImageView(d.handle())
	d.views[h] = desc
	return h, nil
}

func (d *Device) DestroyImageView(v driver.ImageView) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.views, v)
}

func (d *Device) CreateSampler(desc driver.SamplerDesc) (driver.Sampler, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := driver.Sampler(d.handle())
	d.samplers[h] = struct{}{}
	return h, nil
}

func (d *Device) DestroySampler(s driver.Sampler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.samplers, s)
}

func (d *Device) MemoryType(typeBits uint32, props vk.MemoryPropertyFlags) (uint32, error) {
	for i, flags := range d.memoryTypes {
		if typeBits&(1<<uint(i)) != 0 && flags&props == props {
			return uint32(i), nil
		}
	}
	return 0, driver.ErrNoMemoryType
}

func (d *Device) AllocateMemory(size uint64, memoryType uint32) (driver.Memory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(memoryType) >= len(d.memoryTypes) {
		return 0, driver.ErrNoMemoryType
	}
	h := driver.Memory(d.handle())
	d.memory[h] = make([]byte, size)
	return h, nil
}

func (d *Device) FreeMemory(m driver.Memory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.memory, m)
}

func (d *Device) MapMemory(m driver.Memory, offset, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mem, ok := d.memory[m]
	if !ok {
		return nil, driver.ErrInvalidHandle
	}
	if offset+size > uint64(len(mem)) {
		return nil, errors.Newf("map range [%d, %d) exceeds allocation of %d bytes", offset, offset+size, len(mem))
	}
	return mem[offset : offset+size], nil
}

func (d *Device) UnmapMemory(m driver.Memory) {}

func (d *Device) BindBufferMemory(b driver.Buffer, m driver.Memory, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[b]
	if !ok {
		return driver.ErrInvalidHandle
	}
	mem, ok := d.memory[m]
	if !ok {
		return driver.ErrInvalidHandle
	}
	if offset+buf.desc.Size > uint64(len(mem)) {
		return errors.Newf("buffer of %d bytes does not fit at offset %d", buf.desc.Size, offset)
	}
	buf.memory, buf.offset = m, offset
	return nil
}

func (d *Device) BindImageMemory(i driver.Image, m driver.Memory, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	img, ok := d.images[i]
	if !ok {
		return driver.ErrInvalidHandle
	}
	if _, ok := d.memory[m]; !ok {
		return driver.ErrInvalidHandle
	}
	if d.ImageAlignment > 1 && offset%d.ImageAlignment != 0 {
		return errors.Newf("image offset %d is not aligned to %d", offset, d.ImageAlignment)
	}
	img.memory, img.offset = m, offset
	return nil
}

func (d *Device) CreateShaderModule(code []uint32) (driver.ShaderModule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(code) == 0 {
		return 0, errors.New("empty shader module")
	}
	h := driver.ShaderModule(d.handle())
	d.modules[h] = append([]uint32(nil), code...)
	d.ShaderModulesCreated++
	return h, nil
}

func (d *Device) DestroyShaderModule(m driver.ShaderModule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.modules, m)
	d.event("destroyShaderModule", uint64(m))
}

func (d *Device) CreateDescriptorSetLayout(bindings []driver.DescriptorBinding) (driver.DescriptorSetLayout, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := driver.DescriptorSetLayout(d.handle())
	d.setLayouts[h] = append([]driver.DescriptorBinding(nil), bindings...)
	d.SetLayoutsCreated++
	return h, nil
}

func (d *Device) DestroyDescriptorSetLayout(l driver.DescriptorSetLayout) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.setLayouts, l)
}

func (d *Device) CreatePipelineLayout(sets []driver.DescriptorSetLayout, push []driver.PushConstantRange) (driver.PipelineLayout, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range sets {
		if _, ok := d.setLayouts[s]; !ok {
			return 0, driver.ErrInvalidHandle
		}
	}
	h := driver.PipelineLayout(d.handle())
	d.layouts[h] = append([]driver.DescriptorSetLayout(nil), sets...)
	d.PipelineLayoutsMade++
	return h, nil
}

func (d *Device) DestroyPipelineLayout(l driver.PipelineLayout) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.layouts, l)
}

func (d *Device) CreatePipelineCache(initial []byte) (driver.PipelineCache, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := driver.PipelineCache(d.handle())
	d.caches[h] = append([]byte(nil), initial...)
	return h, nil
}

// PipelineCacheData returns a blob with a well formed header for this device
// followed by one byte per pipeline created so far.
func (d *Device) PipelineCacheData(c driver.PipelineCache) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.caches[c]; !ok {
		return nil, driver.ErrInvalidHandle
	}
	return CacheBlob(d.props, make([]byte, d.PipelinesCreated)), nil
}

// CacheBlob builds a pipeline cache blob with a version one header.
func CacheBlob(props driver.Properties, payload []byte) []byte {
	blob := make([]byte, 32, 32+len(payload))
	binary.LittleEndian.PutUint32(blob[0:], 32)
	binary.LittleEndian.PutUint32(blob[4:], 1)
	binary.LittleEndian.PutUint32(blob[8:], props.VendorID)
	binary.LittleEndian.PutUint32(blob[12:], props.DeviceID)
	copy(blob[16:32], props.PipelineCacheUUID[:])
	return append(blob, payload...)
}

func (d *Device) DestroyPipelineCache(c driver.PipelineCache) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.caches, c)
}

func (d *Device) CreateGraphicsPipeline(cache driver.PipelineCache, desc driver.GraphicsPipelineDesc) (driver.Pipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.layouts[desc.Layout]; !ok {
		return 0, errors.Wrap(driver.ErrInvalidHandle, "pipeline layout")
	}
	for _, st := range desc.Stages {
		if _, ok := d.modules[st.Module]; !ok {
			return 0, errors.Wrapf(driver.ErrInvalidHandle, "shader module for stage %d", st.Stage)
		}
	}
	if desc.Base != 0 {
		if _, ok := d.pipelines[desc.Base]; !ok {
			return 0, errors.Wrap(driver.ErrInvalidHandle, "base pipeline")
		}
		d.DerivedPipelines++
	}
	h := driver.Pipeline(d.handle())
	d.pipelines[h] = desc
	d.PipelinesCreated++
	return h, nil
}

func (d *Device) CreateComputePipeline(cache driver.PipelineCache, desc driver.ComputePipelineDesc) (driver.Pipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.layouts[desc.Layout]; !ok {
		return 0, errors.Wrap(driver.ErrInvalidHandle, "pipeline layout")
	}
	if _, ok := d.modules[desc.Stage.Module]; !ok {
		return 0, errors.Wrap(driver.ErrInvalidHandle, "compute shader module")
	}
	h := driver.Pipeline(d.handle())
	d.pipelines[h] = desc
	d.PipelinesCreated++
	return h, nil
}

func (d *Device) DestroyPipeline(p driver.Pipeline) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pipelines, p)
	d.event("destroyPipeline", uint64(p))
}

func (d *Device) CreateDescriptorPool(desc driver.DescriptorPoolDesc) (driver.DescriptorPool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := driver.DescriptorPool(d.handle())
	d.pools[h] = &pool{
		desc: driver.DescriptorPoolDesc{
			MaxSets: desc.MaxSets,
			Sizes:   append([]driver.PoolSize(nil), desc.Sizes...),
		},
		used: map[vk.DescriptorType]uint32{},
	}
	d.PoolsCreated++
	d.event("createDescriptorPool", uint64(h))
	return h, nil
}

func (d *Device) ResetDescriptorPool(p driver.DescriptorPool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	pl, ok := d.pools[p]
	if !ok {
		return driver.ErrInvalidHandle
	}
	for _, s := range pl.handles {
		delete(d.sets, s)
	}
	pl.handles = nil
	pl.sets = 0
	pl.used = map[vk.DescriptorType]uint32{}
	d.event("resetDescriptorPool", uint64(p))
	return nil
}

func (d *Device) DestroyDescriptorPool(p driver.DescriptorPool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pl, ok := d.pools[p]; ok {
		for _, s := range pl.handles {
			delete(d.sets, s)
		}
	}
	delete(d.pools, p)
	d.event("destroyDescriptorPool", uint64(p))
}

func (d *Device) AllocateDescriptorSet(p driver.DescriptorPool, layout driver.DescriptorSetLayout) (driver.DescriptorSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pl, ok := d.pools[p]
	if !ok {
		return 0, driver.ErrInvalidHandle
	}
	bindings, ok := d.setLayouts[layout]
	if !ok {
		return 0, driver.ErrInvalidHandle
	}
	if pl.sets+1 > pl.desc.MaxSets {
		return 0, driver.ErrOutOfPoolMemory
	}
	need := map[vk.DescriptorType]uint32{}
	for _, b := range bindings {
		need[b.Type] += max(b.Count, 1)
	}
	for t, n := range need {
		if pl.used[t]+n > poolCapacity(pl.desc, t) {
			return 0, driver.ErrOutOfPoolMemory
		}
	}
	for t, n := range need {
		pl.used[t] += n
	}
	pl.sets++
	h := driver.DescriptorSet(d.handle())
	pl.handles = append(pl.handles, h)
	d.sets[h] = nil
	d.SetsAllocated++
	return h, nil
}

func poolCapacity(desc driver.DescriptorPoolDesc, t vk.DescriptorType) uint32 {
	var n uint32
	for _, s := range desc.Sizes {
		if s.Type == t {
			n += s.Count
		}
	}
	return n
}

func (d *Device) UpdateDescriptorSet(s driver.DescriptorSet, writes []driver.DescriptorWrite) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sets[s]; !ok {
		return
	}
	d.sets[s] = append(d.sets[s], writes...)
}

func (d *Device) CreateCommandPool(queue driver.QueueKind) (driver.CommandPool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := driver.CommandPool(d.handle())
	d.commandPools[h] = nil
	return h, nil
}

func (d *Device) ResetCommandPool(p driver.CommandPool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cbs, ok := d.commandPools[p]
	if !ok {
		return driver.ErrInvalidHandle
	}
	for _, cb := range cbs {
		if c, ok := d.commandBuffers[cb]; ok {
			c.commands = nil
			c.recording = false
		}
	}
	d.event("resetCommandPool", uint64(p))
	return nil
}

func (d *Device) DestroyCommandPool(p driver.CommandPool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cb := range d.commandPools[p] {
		delete(d.commandBuffers, cb)
	}
	delete(d.commandPools, p)
}

func (d *Device) AllocateCommandBuffer(p driver.CommandPool) (driver.CommandBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.commandPools[p]; !ok {
		return 0, driver.ErrInvalidHandle
	}
	if err := d.injected("AllocateCommandBuffer"); err != nil {
		return 0, err
	}
	h := driver.CommandBuffer(d.handle())
	d.commandBuffers[h] = &commandBuffer{pool: p}
	d.commandPools[p] = append(d.commandPools[p], h)
	return h, nil
}

func (d *Device) FreeCommandBuffers(p driver.CommandPool, buffers []driver.CommandBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	freed := map[driver.CommandBuffer]bool{}
	for _, cb := range buffers {
		delete(d.commandBuffers, cb)
		freed[cb] = true
	}
	kept := d.commandPools[p][:0]
	for _, cb := range d.commandPools[p] {
		if !freed[cb] {
			kept = append(kept, cb)
		}
	}
	d.commandPools[p] = kept
	d.event("freeCommandBuffers", uint64(p))
}

func (d *Device) BeginCommandBuffer(cb driver.CommandBuffer, oneTimeSubmit bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.commandBuffers[cb]
	if !ok {
		return driver.ErrInvalidHandle
	}
	if c.recording {
		return errors.New("command buffer is already recording")
	}
	c.recording = true
	c.commands = nil
	return nil
}

func (d *Device) EndCommandBuffer(cb driver.CommandBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.commandBuffers[cb]
	if !ok {
		return driver.ErrInvalidHandle
	}
	if !c.recording {
		return errors.New("command buffer is not recording")
	}
	c.recording = false
	return nil
}

func (d *Device) CreateFence(signaled bool) (driver.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := driver.Fence(d.handle())
	d.fences[h] = signaled
	return h, nil
}

func (d *Device) WaitForFence(f driver.Fence, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	signaled, ok := d.fences[f]
	if !ok {
		return driver.ErrInvalidHandle
	}
	if err := d.injected("WaitForFence"); err != nil {
		return err
	}
	if !signaled {
		d.event("waitFenceTimeout", uint64(f))
		return driver.ErrTimeout
	}
	d.event("waitFence", uint64(f))
	return nil
}

func (d *Device) ResetFence(f driver.Fence) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.fences[f]; !ok {
		return driver.ErrInvalidHandle
	}
	d.fences[f] = false
	d.event("resetFence", uint64(f))
	return nil
}

func (d *Device) DestroyFence(f driver.Fence) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.fences, f)
}

func (d *Device) CreateSemaphore() (driver.Semaphore, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := driver.Semaphore(d.handle())
	d.semaphores[h] = struct{}{}
	return h, nil
}

func (d *Device) DestroySemaphore(s driver.Semaphore) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.semaphores, s)
}

func (d *Device) CreateRenderPass(desc driver.RenderPassDesc) (driver.RenderPass, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := driver.RenderPass(d.handle())
	d.renderPasses[h] = desc
	return h, nil
}

func (d *Device) DestroyRenderPass(rp driver.RenderPass) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.renderPasses, rp)
}

func (d *Device) CreateFramebuffer(desc driver.FramebufferDesc) (driver.Framebuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.renderPasses[desc.RenderPass]; !ok {
		return 0, driver.ErrInvalidHandle
	}
	h := driver.Framebuffer(d.handle())
	d.framebuffers[h] = desc
	return h, nil
}

func (d *Device) DestroyFramebuffer(fb driver.Framebuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.framebuffers, fb)
}

// Submit executes the recorded buffer copies immediately and signals the
// fence unless HoldFences is set.
func (d *Device) Submit(queue driver.QueueKind, batches []driver.SubmitInfo, fence driver.Fence) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub := Submission{
		Queue:    queue,
		Batches:  batches,
		Fence:    fence,
		Commands: map[driver.CommandBuffer][]Command{},
	}
	for _, b := range batches {
		for _, cb := range b.CommandBuffers {
			c, ok := d.commandBuffers[cb]
			if !ok {
				return errors.Wrapf(driver.ErrInvalidHandle, "command buffer %d", cb)
			}
			if c.recording {
				return errors.Newf("command buffer %d submitted while recording", cb)
			}
			sub.Commands[cb] = append([]Command(nil), c.commands...)
			for _, cmd := range c.commands {
				if cmd.Op == "copyBuffer" {
					d.copyBuffer(cmd)
				}
			}
		}
	}
	d.submissions = append(d.submissions, sub)
	d.event("submit", uint64(fence))
	if fence != 0 {
		if d.HoldFences {
			d.pending = append(d.pending, fence)
		} else {
			d.fences[fence] = true
		}
	}
	return nil
}

func (d *Device) copyBuffer(cmd Command) {
	src, dst := d.buffers[cmd.Buffers[0]], d.buffers[cmd.Buffers[1]]
	if src == nil || dst == nil {
		return
	}
	srcMem, dstMem := d.memory[src.memory], d.memory[dst.memory]
	for _, r := range cmd.Copies {
		copy(dstMem[dst.offset+r.DstOffset:dst.offset+r.DstOffset+r.Size],
			srcMem[src.offset+r.SrcOffset:src.offset+r.SrcOffset+r.Size])
	}
}

// Complete signals every fence held back by HoldFences.
func (d *Device) Complete() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.pending {
		d.fences[f] = true
		d.event("signalFence", uint64(f))
	}
	d.pending = nil
}

func (d *Device) WaitIdle() error {
	d.Complete()
	return nil
}

func (d *Device) record(cb driver.CommandBuffer, cmd Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.commandBuffers[cb]
	if !ok || !c.recording {
		return
	}
	c.commands = append(c.commands, cmd)
}

func (d *Device) CmdSetViewport(cb driver.CommandBuffer, vp driver.Viewport) {
	d.record(cb, Command{Op: "setViewport"})
}

func (d *Device) CmdSetScissor(cb driver.CommandBuffer, r driver.Rect) {
	d.record(cb, Command{Op: "setScissor"})
}

func (d *Device) CmdBeginRenderPass(cb driver.CommandBuffer, begin driver.RenderPassBegin) {
	d.record(cb, Command{Op: "beginRenderPass"})
}

func (d *Device) CmdEndRenderPass(cb driver.CommandBuffer) {
	d.record(cb, Command{Op: "endRenderPass"})
}

func (d *Device) CmdBindPipeline(cb driver.CommandBuffer, point vk.PipelineBindPoint, p driver.Pipeline) {
	d.record(cb, Command{Op: "bindPipeline", Pipeline: p})
}

func (d *Device) CmdBindDescriptorSets(cb driver.CommandBuffer, point vk.PipelineBindPoint, layout driver.PipelineLayout, firstSet uint32, sets []driver.DescriptorSet, dynamicOffsets []uint32) {
	d.record(cb, Command{
		Op:             "bindDescriptorSets",
		Layout:         layout,
		Sets:           append([]driver.DescriptorSet(nil), sets...),
		DynamicOffsets: append([]uint32(nil), dynamicOffsets...),
		Counts:         [3]uint32{firstSet},
	})
}

func (d *Device) CmdBindVertexBuffers(cb driver.CommandBuffer, first uint32, buffers []driver.Buffer, offsets []uint64) {
	d.record(cb, Command{
		Op:      "bindVertexBuffers",
		Buffers: append([]driver.Buffer(nil), buffers...),
		Offsets: append([]uint64(nil), offsets...),
		Counts:  [3]uint32{first},
	})
}

func (d *Device) CmdBindIndexBuffer(cb driver.CommandBuffer, b driver.Buffer, offset uint64, indexType vk.IndexType) {
	d.record(cb, Command{Op: "bindIndexBuffer", Buffers: []driver.Buffer{b}, Offsets: []uint64{offset}})
}

func (d *Device) CmdPushConstants(cb driver.CommandBuffer, layout driver.PipelineLayout, stages vk.ShaderStageFlags, offset uint32, data []byte) {
	d.record(cb, Command{Op: "pushConstants", Layout: layout, Data: append([]byte(nil), data...), Counts: [3]uint32{offset}})
}

func (d *Device) CmdDraw(cb driver.CommandBuffer, vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	d.record(cb, Command{Op: "draw", Counts: [3]uint32{vertexCount, instanceCount, firstVertex}})
}

func (d *Device) CmdDrawIndexed(cb driver.CommandBuffer, indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) {
	d.record(cb, Command{Op: "drawIndexed", Counts: [3]uint32{indexCount, instanceCount, firstIndex}})
}

func (d *Device) CmdDispatch(cb driver.CommandBuffer, x, y, z uint32) {
	d.record(cb, Command{Op: "dispatch", Counts: [3]uint32{x, y, z}})
}

func (d *Device) CmdPipelineBarrier(cb driver.CommandBuffer, barrier driver.BarrierDesc) {
	d.record(cb, Command{Op: "pipelineBarrier", Barrier: barrier})
}

func (d *Device) CmdCopyBuffer(cb driver.CommandBuffer, src, dst driver.Buffer, regions []driver.BufferCopy) {
	d.record(cb, Command{
		Op:      "copyBuffer",
		Buffers: []driver.Buffer{src, dst},
		Copies:  append([]driver.BufferCopy(nil), regions...),
	})
}

func (d *Device) CmdCopyBufferToImage(cb driver.CommandBuffer, src driver.Buffer, dst driver.Image, layout vk.ImageLayout, regions []driver.BufferImageCopy) {
	d.record(cb, Command{
		Op:          "copyBufferToImage",
		Buffers:     []driver.Buffer{src},
		Image:       dst,
		ImageCopies: append([]driver.BufferImageCopy(nil), regions...),
	})
}

func (d *Device) Destroy() {}

// Events returns a copy of the synchronization event log.
func (d *Device) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.events...)
}

func (d *Device) ClearEvents() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = nil
}

func (d *Device) Submissions() []Submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Submission(nil), d.submissions...)
}

// Commands returns the commands currently recorded in cb.
func (d *Device) Commands(cb driver.CommandBuffer) []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.commandBuffers[cb]; ok {
		return append([]Command(nil), c.commands...)
	}
	return nil
}

// SubmittedCommands flattens every submitted command buffer, in submission
// order, and keeps those whose Op matches op (all when op is empty).
func (d *Device) SubmittedCommands(op string) []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Command
	for _, s := range d.submissions {
		for _, b := range s.Batches {
			for _, cb := range b.CommandBuffers {
				for _, c := range s.Commands[cb] {
					if op == "" || c.Op == op {
						out = append(out, c)
					}
				}
			}
		}
	}
	return out
}

func (d *Device) FenceSignaled(f driver.Fence) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fences[f]
}

// BufferBytes returns the bytes backing a bound buffer.
func (d *Device) BufferBytes(b driver.Buffer) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[b]
	if !ok || buf.memory == 0 {
		return nil
	}
	return d.memory[buf.memory][buf.offset : buf.offset+buf.desc.Size]
}

func (d *Device) DescriptorWrites(s driver.DescriptorSet) []driver.DescriptorWrite {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]driver.DescriptorWrite(nil), d.sets[s]...)
}

// PoolCapacity reports the descriptor count a pool was created with for t.
func (d *Device) PoolCapacity(p driver.DescriptorPool, t vk.DescriptorType) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pl, ok := d.pools[p]; ok {
		return poolCapacity(pl.desc, t)
	}
	return 0
}

func (d *Device) LivePools() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pools)
}

// LiveImages counts images, views and samplers not yet destroyed.
func (d *Device) LiveImages() (images, views, samplers int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.images), len(d.views), len(d.samplers)
}

func (d *Device) LiveCommandBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.commandBuffers)
}

var _ driver.Device = (*Device)(nil)
