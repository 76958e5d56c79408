package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/sketchvk/engine/assets"
	"github.com/spaghettifunk/sketchvk/engine/core"
	"github.com/spaghettifunk/sketchvk/engine/platform"
	"github.com/spaghettifunk/sketchvk/engine/renderer"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

type Engine struct {
	currentStage Stage
	gameInstance *Game
	config       core.Config
	stopRequest  atomic.Bool
	isSuspended  bool
	platform     *platform.Platform
	assetManager *assets.AssetManager
	renderer     *renderer.Renderer
	width        uint32
	height       uint32
	clock        *core.Clock
	lastTime     float64
	lastTitle    float64
}

func New(g *Game) (*Engine, error) {
	if g.ApplicationConfig == nil {
		g.ApplicationConfig = DefaultApplicationConfig()
	}
	appCfg := g.ApplicationConfig

	cfg := appCfg.Config
	if appCfg.ConfigPath != "" {
		loaded, err := core.LoadConfig(appCfg.ConfigPath)
		if err != nil {
			core.LogError("%s", err.Error())
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		core.LogError("%s", err.Error())
		return nil, err
	}
	core.SetLogLevel(cfg.Log.Level)

	p, err := platform.New()
	if err != nil {
		return nil, err
	}

	am, err := assets.NewAssetManager(max(1, appCfg.AssetWorkers))
	if err != nil {
		core.LogError("%s", err.Error())
		return nil, err
	}

	return &Engine{
		currentStage: EngineStageUninitialized,
		gameInstance: g,
		config:       cfg,
		clock:        core.NewClock(),
		platform:     p,
		assetManager: am,
		width:        cfg.Window.Width,
		height:       cfg.Window.Height,
	}, nil
}

func (e *Engine) Initialize() error {
	if e.currentStage != EngineStageUninitialized {
		return errors.Newf("engine initialized twice (stage %d)", e.currentStage)
	}
	e.currentStage = EngineStageInitializing

	if err := e.platform.Startup(e.config.Window); err != nil {
		return err
	}
	e.platform.OnResize(e.onResized)
	if e.gameInstance.FnOnKey != nil {
		e.platform.OnKey(e.gameInstance.FnOnKey)
	}

	if dir := e.gameInstance.ApplicationConfig.AssetsDir; dir != "" {
		if err := e.assetManager.Initialize(dir); err != nil {
			return errors.Wrapf(err, "indexing assets in %s", dir)
		}
	}

	r, err := renderer.New(e.config, e.platform)
	if err != nil {
		core.LogError("failed to create the renderer: %s", err.Error())
		return err
	}
	e.renderer = r
	e.gameInstance.Renderer = r
	e.gameInstance.Assets = e.assetManager
	e.width, e.height = e.platform.SurfaceSize()

	if e.gameInstance.FnSetup != nil {
		if err := e.gameInstance.FnSetup(); err != nil {
			return err
		}
	}
	if e.gameInstance.FnOnResize != nil {
		if err := e.gameInstance.FnOnResize(e.width, e.height); err != nil {
			return err
		}
	}
	e.currentStage = EngineStageInitialized
	return nil
}

// Stop asks Run to return after the current frame. Safe from any goroutine.
func (e *Engine) Stop() {
	e.stopRequest.Store(true)
}

// Run drives frames until the window closes or Stop is called. It must run
// on the main goroutine.
func (e *Engine) Run() error {
	if e.currentStage != EngineStageInitialized {
		return errors.New("engine is not initialized")
	}
	e.currentStage = EngineStageRunning

	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()

	targetFrameSeconds := e.gameInstance.ApplicationConfig.TargetFrameSeconds

	for !e.stopRequest.Load() {
		if !e.platform.PumpMessages() {
			break
		}
		if e.isSuspended {
			e.platform.WaitMessages()
			continue
		}

		// Update clock and get delta time.
		e.clock.Update()
		currentTime := e.clock.Elapsed()
		delta := currentTime - e.lastTime
		frameStartTime := e.platform.GetAbsoluteTime()

		e.assetManager.Update()

		if e.gameInstance.FnUpdate != nil {
			if err := e.gameInstance.FnUpdate(delta); err != nil {
				core.LogError("game update failed, shutting down: %s", err.Error())
				return err
			}
		}

		if err := e.drawFrame(delta); err != nil {
			core.LogError("frame failed, shutting down: %s", err.Error())
			return err
		}

		// If there is time left, give it back to the OS.
		frameElapsedTime := e.platform.GetAbsoluteTime() - frameStartTime
		if remaining := targetFrameSeconds - frameElapsedTime; remaining > 0 {
			time.Sleep(time.Duration(remaining * float64(time.Second)))
		}

		if currentTime-e.lastTitle >= 1 {
			fps, ms := e.renderer.Metrics().Frame()
			e.platform.SetTitle(fmt.Sprintf("%s - %.0f fps (%.2f ms)", e.config.Window.Title, fps, ms))
			e.lastTitle = currentTime
		}

		// Update last time
		e.lastTime = currentTime
	}
	return nil
}

func (e *Engine) drawFrame(delta float64) error {
	if err := e.renderer.StartRender(); err != nil {
		if errors.Is(err, core.ErrSwapchainBooting) {
			// the swapchain was rebuilt, the frame is dropped
			return nil
		}
		return err
	}
	if e.gameInstance.FnDraw != nil {
		if err := e.gameInstance.FnDraw(delta); err != nil {
			// close the frame so the context stays consistent
			if ferr := e.renderer.FinishRender(); ferr != nil {
				core.LogError("%s", ferr.Error())
			}
			return err
		}
	}
	return e.renderer.FinishRender()
}

func (e *Engine) Shutdown() error {
	if e.currentStage == EngineStageShuttingDown {
		return nil
	}
	e.currentStage = EngineStageShuttingDown

	var errs error
	if e.gameInstance.FnExit != nil {
		if err := e.gameInstance.FnExit(); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	if e.renderer != nil {
		e.renderer.Shutdown()
		e.renderer = nil
	}
	if err := e.assetManager.Close(); err != nil && !errors.Is(err, assets.ErrClosed) {
		errs = errors.CombineErrors(errs, err)
	}
	if err := e.platform.Shutdown(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	return errs
}

// GetFramebufferSize returns the width and height (in this order) of the
// window framebuffer.
func (e *Engine) GetFramebufferSize() (uint32, uint32) {
	return e.width, e.height
}

func (e *Engine) onResized(width, height uint32) {
	if width == e.width && height == e.height {
		return
	}
	e.width = width
	e.height = height

	core.LogDebug("Window resize: %d, %d", width, height)

	// Handle minimization
	if width == 0 || height == 0 {
		core.LogInfo("Window minimized, suspending application.")
		e.isSuspended = true
		return
	}
	if e.isSuspended {
		core.LogInfo("Window restored, resuming application.")
		e.isSuspended = false
	}
	if e.renderer != nil {
		e.renderer.Resized()
	}
	if e.gameInstance.FnOnResize != nil {
		if err := e.gameInstance.FnOnResize(width, height); err != nil {
			core.LogError("%s", err.Error())
		}
	}
}
