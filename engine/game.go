package engine

import (
	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/spaghettifunk/sketchvk/engine/assets"
	"github.com/spaghettifunk/sketchvk/engine/renderer"
)

// Game is the set of callbacks a sketch provides. Renderer and Assets are
// filled in by Engine.Initialize before FnSetup runs.
type Game struct {
	ApplicationConfig *ApplicationConfig
	Renderer          *renderer.Renderer
	Assets            *assets.AssetManager
	State             any
	FnSetup           Setup
	FnUpdate          Update
	FnDraw            Draw
	FnOnResize        OnResize
	FnOnKey           OnKey
	FnExit            Exit
}

type Setup func() error
type Update func(deltaTime float64) error

// Draw records the frame. It runs between Renderer.StartRender and
// Renderer.FinishRender.
type Draw func(deltaTime float64) error
type OnResize func(width uint32, height uint32) error
type Exit func() error

// OnKey receives key presses, repeats and releases. Escape is handled by the
// platform and never reaches it.
type OnKey func(key glfw.Key, action glfw.Action)
