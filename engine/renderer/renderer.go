package renderer

import (
	"time"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/core"
	"github.com/spaghettifunk/sketchvk/engine/renderer/allocator"
	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
	"github.com/spaghettifunk/sketchvk/engine/renderer/pipeline"
	"github.com/spaghettifunk/sketchvk/engine/renderer/shader"
	"github.com/spaghettifunk/sketchvk/engine/renderer/vulkan"
)

var ErrFrameInProgress = errors.New("a frame is already being rendered")

// Window is the windowing collaborator the renderer presents into.
type Window = vulkan.Window

type depthTarget struct {
	memory *allocator.ImageAllocator
	image  driver.Image
	view   driver.ImageView
}

// Renderer owns the device, the swapchain and everything shared between
// render contexts. Each instance is independent; nothing is global.
type Renderer struct {
	cfg       core.Config
	window    Window
	device    driver.Device
	swapchain driver.Swapchain
	ownDevice bool

	registry  *shader.Registry
	pipelines *pipeline.Cache
	watcher   *shader.Watcher
	shaders   []*shader.Shader

	static *allocator.BufferAllocator
	images *allocator.ImageAllocator

	renderPass   driver.RenderPass
	depth        depthTarget
	framebuffers []driver.Framebuffer
	ctx          *RenderContext

	imageIndex uint32
	inFrame    bool
	resized    bool

	clock   *core.Clock
	metrics *core.Metrics
}

// New creates the Vulkan device and swapchain for window and sets up the
// renderer on them.
func New(cfg core.Config, window Window) (*Renderer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dev, err := vulkan.New(vulkan.Settings{
		AppName:    cfg.Window.Title,
		Validation: cfg.Renderer.Validation,
	}, window)
	if err != nil {
		core.LogError("failed to create the vulkan device: %s", err.Error())
		return nil, err
	}
	width, height := window.SurfaceSize()
	sc, err := vulkan.NewSwapchain(dev, width, height, cfg.Renderer.PresentMode)
	if err != nil {
		dev.Destroy()
		return nil, err
	}
	r, err := NewWithDevice(cfg, dev, sc)
	if err != nil {
		sc.Destroy()
		dev.Destroy()
		return nil, err
	}
	r.window = window
	r.ownDevice = true
	return r, nil
}

// NewWithDevice sets the renderer up on an existing device and swapchain.
// The caller keeps ownership of both.
func NewWithDevice(cfg core.Config, device driver.Device, swapchain driver.Swapchain) (*Renderer, error) {
	rc := cfg.Renderer
	r := &Renderer{
		cfg:       cfg,
		device:    device,
		swapchain: swapchain,
		registry:  shader.NewRegistry(device),
		clock:     core.NewClock(),
		metrics:   core.NewMetrics(),
	}
	r.registry.StrictMerge = cfg.Shaders.StrictMerge

	var blob []byte
	if rc.PipelineCachePath != "" {
		var err error
		if blob, err = pipeline.LoadBlob(rc.PipelineCachePath, device.Properties()); err != nil {
			core.LogWarn("pipeline cache %s not loaded: %s", rc.PipelineCachePath, err.Error())
		}
	}
	var err error
	if r.pipelines, err = pipeline.NewCache(device, blob); err != nil {
		return nil, err
	}

	r.static, err = allocator.NewBufferAllocator(device, allocator.BufferSettings{
		Name:       "static",
		Size:       uint64(rc.StaticMemoryMB) << 20,
		FrameCount: 1,
		Usage: vk.BufferUsageFlags(vk.BufferUsageVertexBufferBit | vk.BufferUsageIndexBufferBit |
			vk.BufferUsageStorageBufferBit | vk.BufferUsageUniformBufferBit | vk.BufferUsageTransferDstBit),
		MemoryProperties: vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit),
	})
	if err != nil {
		r.Shutdown()
		return nil, err
	}
	r.images, err = allocator.NewImageAllocator(device, allocator.ImageSettings{
		Name:             "images",
		Size:             uint64(rc.ImageMemoryMB) << 20,
		FrameCount:       1,
		MemoryProperties: vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit),
	})
	if err != nil {
		r.Shutdown()
		return nil, err
	}

	r.renderPass, err = device.CreateRenderPass(driver.RenderPassDesc{Attachments: []driver.AttachmentDesc{
		{
			Format:  swapchain.Format(),
			Samples: vk.SampleCount1Bit,
			LoadOp:  vk.AttachmentLoadOpClear,
			StoreOp: vk.AttachmentStoreOpStore,
			Initial: vk.ImageLayoutUndefined,
			Final:   vk.ImageLayoutPresentSrc,
		},
		{
			Format:         swapchain.DepthFormat(),
			Samples:        vk.SampleCount1Bit,
			LoadOp:         vk.AttachmentLoadOpClear,
			StoreOp:        vk.AttachmentStoreOpDontCare,
			Initial:        vk.ImageLayoutUndefined,
			Final:          vk.ImageLayoutDepthStencilAttachmentOptimal,
			DepthOrStencil: true,
		},
	}})
	if err != nil {
		r.Shutdown()
		return nil, errors.Wrap(err, "creating the main render pass")
	}
	if err := r.createTargets(); err != nil {
		r.Shutdown()
		return nil, err
	}

	r.ctx, err = NewRenderContext(device, ContextSettings{
		Name:            "default",
		VirtualFrames:   rc.VirtualFrames,
		TransientMemory: uint64(rc.TransientMemoryMB) << 20,
		RenderPass:      r.renderPass,
		Framebuffers:    r.framebuffers,
		RenderArea:      r.renderArea(),
		ClearValues: []driver.ClearValue{
			{Color: rc.ClearColor},
			{Depth: rc.ClearDepth, DepthStencil: true},
		},
		Queue:        driver.QueueGraphics,
		FenceTimeout: time.Duration(rc.FenceTimeoutMS) * time.Millisecond,
		Pipelines:    r.pipelines,
	})
	if err != nil {
		r.Shutdown()
		return nil, err
	}

	if cfg.Shaders.HotReload {
		if r.watcher, err = shader.NewWatcher(); err != nil {
			core.LogWarn("shader hot reload disabled: %s", err.Error())
			r.watcher = nil
		}
	}
	core.LogInfo("renderer ready: %d swapchain images, %d virtual frames", swapchain.ImageCount(), rc.VirtualFrames)
	return r, nil
}

func (r *Renderer) renderArea() driver.Rect {
	w, h := r.swapchain.Extent()
	return driver.Rect{Width: w, Height: h}
}

// createTargets builds the depth attachment and one framebuffer per
// swapchain image.
func (r *Renderer) createTargets() error {
	width, height := r.swapchain.Extent()
	img, err := r.device.CreateImage(driver.ImageDesc{
		Width: width, Height: height, Depth: 1,
		MipLevels: 1, ArrayLayers: 1,
		Format:  r.swapchain.DepthFormat(),
		Usage:   vk.ImageUsageFlags(vk.ImageUsageDepthStencilAttachmentBit),
		Samples: vk.SampleCount1Bit,
	})
	if err != nil {
		return errors.Wrap(err, "creating depth image")
	}
	reqs := r.device.ImageRequirements(img)
	need := allocator.AlignUp(reqs.Size, max(reqs.Alignment, r.device.Limits().BufferImageGranularity, 1))
	if r.depth.memory == nil || r.depth.memory.Capacity() < need {
		if r.depth.memory != nil {
			r.depth.memory.Destroy()
		}
		r.depth.memory, err = allocator.NewImageAllocator(r.device, allocator.ImageSettings{
			Name:             "depth",
			Size:             need,
			FrameCount:       1,
			MemoryProperties: vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit),
		})
		if err != nil {
			r.device.DestroyImage(img)
			return err
		}
	}
	r.depth.memory.Free()
	if _, err := r.depth.memory.BindImage(img); err != nil {
		r.device.DestroyImage(img)
		return err
	}
	r.depth.image = img
	r.depth.view, err = r.device.CreateImageView(driver.ImageViewDesc{
		Image:  img,
		Format: r.swapchain.DepthFormat(),
		Aspect: vk.ImageAspectFlags(vk.ImageAspectDepthBit),
	})
	if err != nil {
		return errors.Wrap(err, "creating depth view")
	}

	r.framebuffers = make([]driver.Framebuffer, r.swapchain.ImageCount())
	for i := range r.framebuffers {
		fb, err := r.device.CreateFramebuffer(driver.FramebufferDesc{
			RenderPass:  r.renderPass,
			Attachments: []driver.ImageView{r.swapchain.ImageView(uint32(i)), r.depth.view},
			Width:       width,
			Height:      height,
		})
		if err != nil {
			return errors.Wrapf(err, "creating framebuffer %d", i)
		}
		r.framebuffers[i] = fb
	}
	return nil
}

func (r *Renderer) destroyTargets() {
	for _, fb := range r.framebuffers {
		r.device.DestroyFramebuffer(fb)
	}
	r.framebuffers = nil
	if r.depth.view != 0 {
		r.device.DestroyImageView(r.depth.view)
		r.depth.view = 0
	}
	if r.depth.image != 0 {
		r.device.DestroyImage(r.depth.image)
		r.depth.image = 0
	}
}

// recreateSwapchain waits for the device and rebuilds the swapchain sized
// targets.
func (r *Renderer) recreateSwapchain() error {
	if err := r.device.WaitIdle(); err != nil {
		return err
	}
	width, height := r.swapchain.Extent()
	if r.window != nil {
		width, height = r.window.SurfaceSize()
	}
	if width == 0 || height == 0 {
		// minimized; try again next frame
		r.resized = true
		return core.ErrSwapchainBooting
	}
	if err := r.swapchain.Recreate(width, height); err != nil {
		return errors.Wrap(err, "recreating swapchain")
	}
	r.destroyTargets()
	if err := r.createTargets(); err != nil {
		return err
	}
	r.ctx.SetFramebuffers(r.framebuffers, r.renderArea())
	r.resized = false
	core.LogInfo("swapchain recreated at %dx%d", width, height)
	return nil
}

// Resized asks for the swapchain to be rebuilt before the next frame.
func (r *Renderer) Resized() {
	r.resized = true
}

func (r *Renderer) Device() driver.Device {
	return r.device
}

func (r *Renderer) DefaultContext() *RenderContext {
	return r.ctx
}

func (r *Renderer) RenderPass() driver.RenderPass {
	return r.renderPass
}

// SwapchainImageView is the view of swapchain image index. ImageIndex is
// the image acquired for the current frame.
func (r *Renderer) SwapchainImageView(index uint32) driver.ImageView {
	return r.swapchain.ImageView(index)
}

func (r *Renderer) ImageIndex() uint32 {
	return r.imageIndex
}

func (r *Renderer) Registry() *shader.Registry {
	return r.registry
}

func (r *Renderer) Pipelines() *pipeline.Cache {
	return r.pipelines
}

func (r *Renderer) StaticAllocator() *allocator.BufferAllocator {
	return r.static
}

func (r *Renderer) ImageAllocator() *allocator.ImageAllocator {
	return r.images
}

func (r *Renderer) Metrics() *core.Metrics {
	return r.metrics
}

// LoadShader compiles a shader and, with hot reload on, watches its files.
// Programs replaced by a reload are released once no frame uses them.
func (r *Renderer) LoadShader(settings shader.Settings) (*shader.Shader, error) {
	if settings.CacheDir == "" {
		settings.CacheDir = r.cfg.Shaders.CacheDir
	}
	s := shader.New(r.device, r.registry, settings)
	s.OnRetire(r.ctx.RetireProgram)
	if _, err := s.Compile(); err != nil {
		return nil, err
	}
	if r.watcher != nil {
		if err := r.watcher.Watch(s); err != nil {
			core.LogWarn("not watching shader %s: %s", s.Name(), err.Error())
		}
	}
	r.shaders = append(r.shaders, s)
	return s, nil
}

// MustLoadShader is LoadShader for shaders the program cannot run without.
func (r *Renderer) MustLoadShader(settings shader.Settings) *shader.Shader {
	s, err := r.LoadShader(settings)
	if err != nil {
		core.LogFatal("loading shader: %s", err.Error())
	}
	return s
}

// StartRender begins a frame on the default context and acquires the next
// swapchain image. core.ErrSwapchainBooting means the frame was dropped
// because the swapchain had to be rebuilt.
func (r *Renderer) StartRender() error {
	if r.inFrame {
		return ErrFrameInProgress
	}
	r.clock.Start()
	if r.watcher != nil {
		for _, s := range r.watcher.Pending() {
			// failures keep the previous program and are logged by Compile
			_, _ = s.Compile()
		}
	}
	if r.resized {
		if err := r.recreateSwapchain(); err != nil {
			return err
		}
	}
	if err := r.ctx.Begin(); err != nil {
		return err
	}
	index, err := r.swapchain.AcquireNextImage(r.ctx.ImageAcquiredSemaphore())
	if err != nil {
		r.ctx.current().waitAcquired = false
		if endErr := r.ctx.End(); endErr != nil {
			core.LogError("%s", endErr.Error())
		}
		if errors.Is(err, core.ErrSwapchainBooting) {
			if rerr := r.recreateSwapchain(); rerr != nil && !errors.Is(rerr, core.ErrSwapchainBooting) {
				return rerr
			}
			return core.ErrSwapchainBooting
		}
		return errors.Wrap(err, "acquiring swapchain image")
	}
	r.imageIndex = index
	r.ctx.SetTarget(int(index))
	r.inFrame = true
	return nil
}

// FinishRender submits the frame, presents the image and retires pipelines
// that went unused for too long.
func (r *Renderer) FinishRender() error {
	if !r.inFrame {
		return ErrNotBegun
	}
	r.inFrame = false
	wait := r.ctx.RenderCompleteSemaphore()
	if err := r.ctx.End(); err != nil {
		return err
	}
	if err := r.swapchain.Present(r.imageIndex, []driver.Semaphore{wait}); err != nil {
		if !errors.Is(err, core.ErrSwapchainBooting) {
			return errors.Wrap(err, "presenting")
		}
		r.resized = true
	}
	for _, p := range r.pipelines.Collect(r.cfg.Renderer.PipelineMaxAge) {
		r.ctx.RetirePipeline(p)
	}
	r.clock.Update()
	r.metrics.Update(r.clock.Elapsed())
	return nil
}

// Shutdown waits for the device, saves the pipeline cache and releases
// everything in reverse creation order.
func (r *Renderer) Shutdown() {
	if err := r.device.WaitIdle(); err != nil {
		core.LogError("waiting for device idle: %s", err.Error())
	}
	if r.watcher != nil {
		r.watcher.Close()
		r.watcher = nil
	}
	if r.pipelines != nil && r.cfg.Renderer.PipelineCachePath != "" {
		if data, err := r.pipelines.Data(); err != nil {
			core.LogWarn("reading pipeline cache: %s", err.Error())
		} else if err := pipeline.SaveBlob(r.cfg.Renderer.PipelineCachePath, data); err != nil {
			core.LogWarn("saving pipeline cache: %s", err.Error())
		}
	}
	for _, s := range r.shaders {
		s.Destroy()
	}
	r.shaders = nil
	if r.ctx != nil {
		r.ctx.Destroy()
		r.ctx = nil
	}
	if r.pipelines != nil {
		r.pipelines.Destroy()
		r.pipelines = nil
	}
	r.destroyTargets()
	if r.depth.memory != nil {
		r.depth.memory.Destroy()
		r.depth.memory = nil
	}
	if r.renderPass != 0 {
		r.device.DestroyRenderPass(r.renderPass)
		r.renderPass = 0
	}
	if r.images != nil {
		r.images.Destroy()
		r.images = nil
	}
	if r.static != nil {
		r.static.Destroy()
		r.static = nil
	}
	r.registry.Destroy()
	if r.ownDevice {
		r.swapchain.Destroy()
		r.device.Destroy()
	}
	core.LogInfo("renderer shut down")
}
