package platform

import (
	"runtime"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/core"
)

var startTime float64 = 0

func init() {
	// GLFW event handling must run on the main OS thread
	runtime.LockOSThread()
}

// Platform is a GLFW window without a client API, presented into by the
// Vulkan renderer.
type Platform struct {
	Window *glfw.Window

	onResize func(width, height uint32)
	onKey    func(key glfw.Key, action glfw.Action)
}

func New() (*Platform, error) {
	return &Platform{
		Window: nil,
	}, nil
}

func (p *Platform) Startup(cfg core.WindowConfig) error {
	if err := glfw.Init(); err != nil {
		core.LogError("failed to initialize glfw: %s", err)
		return errors.Wrap(err, "initializing glfw")
	}
	if !glfw.VulkanSupported() {
		glfw.Terminate()
		return errors.New("glfw reports no vulkan loader")
	}

	glfw.WindowHint(glfw.Visible, glfw.False)
	glfw.WindowHint(glfw.Resizable, glfw.True)
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI) // Required for Vulkan.

	window, err := glfw.CreateWindow(int(cfg.Width), int(cfg.Height), cfg.Title, nil, nil)
	if err != nil {
		core.LogError("failed to create window: %s", err)
		glfw.Terminate()
		return errors.Wrap(err, "creating window")
	}
	p.Window = window

	p.Window.SetKeyCallback(p.keyCallback)
	p.Window.SetFramebufferSizeCallback(p.framebufferSizeCallback)
	p.Window.SetPos(int(cfg.PosX), int(cfg.PosY))
	p.Window.Show()

	startTime = glfw.GetTime()

	return nil
}

func (p *Platform) Shutdown() error {
	if p.Window != nil {
		p.Window.Destroy()
		p.Window = nil
	}
	glfw.Terminate()
	return nil
}

// PumpMessages processes pending window events and reports whether the
// window is still open.
func (p *Platform) PumpMessages() bool {
	glfw.PollEvents()
	return !p.Window.ShouldClose()
}

// WaitMessages blocks until an event arrives. Used while minimized.
func (p *Platform) WaitMessages() {
	glfw.WaitEvents()
}

// GetAbsoluteTime returns seconds since Startup.
func (p *Platform) GetAbsoluteTime() float64 {
	return glfw.GetTime() - startTime
}

func (p *Platform) SetTitle(title string) {
	p.Window.SetTitle(title)
}

func (p *Platform) OnResize(fn func(width, height uint32)) {
	p.onResize = fn
}

func (p *Platform) OnKey(fn func(key glfw.Key, action glfw.Action)) {
	p.onKey = fn
}

func (p *Platform) SurfaceSize() (uint32, uint32) {
	w, h := p.Window.GetFramebufferSize()
	return uint32(w), uint32(h)
}

func (p *Platform) RequiredInstanceExtensions() []string {
	return p.Window.GetRequiredInstanceExtensions()
}

func (p *Platform) CreateSurface(instance vk.Instance) (vk.Surface, error) {
	ptr, err := p.Window.CreateWindowSurface(instance, nil)
	if err != nil {
		return vk.NullSurface, errors.Wrap(err, "vkCreateWindowSurface")
	}
	return vk.SurfaceFromPointer(ptr), nil
}

func (p *Platform) keyCallback(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
	if key == glfw.KeyEscape && action == glfw.Press {
		w.SetShouldClose(true)
		return
	}
	if p.onKey != nil {
		p.onKey(key, action)
	}
}

func (p *Platform) framebufferSizeCallback(w *glfw.Window, width, height int) {
	if p.onResize != nil {
		p.onResize(uint32(width), uint32(height))
	}
}
