package testbed

import (
	stdmath "math"
	"math/rand/v2"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl32"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine"
	"github.com/spaghettifunk/sketchvk/engine/assets/loaders"
	"github.com/spaghettifunk/sketchvk/engine/core"
	"github.com/spaghettifunk/sketchvk/engine/math"
	"github.com/spaghettifunk/sketchvk/engine/renderer"
	"github.com/spaghettifunk/sketchvk/engine/renderer/draw"
	"github.com/spaghettifunk/sketchvk/engine/renderer/pipeline"
	"github.com/spaghettifunk/sketchvk/engine/renderer/shader"
)

const (
	particleCount = 4096
	moveStep      = 0.25
	turnStep      = 0.05
	texturePath   = "textures/checker.png"
	modelPath     = "models/cube.obj"
)

type TestGame struct {
	*engine.Game
}

type gameState struct {
	camera     *math.Camera
	quad       *math.Transform
	cube       *math.Transform
	projection mgl32.Mat4
	elapsed    float64

	meshShader     *shader.Shader
	particleShader *shader.Shader
	simulateShader *shader.Shader
	batch          *renderer.RenderBatch

	quadMesh *draw.SimpleMesh

	// uploaded on the first frame after they are loaded
	pendingImage *loaders.ImageData
	pendingModel *draw.SimpleMesh
	seeded       bool

	texture      draw.Texture
	modelBuffers []draw.BufferRegion
	modelIndices uint32
	particles    draw.BufferRegion
}

func NewTestGame(cfg *engine.ApplicationConfig) *TestGame {
	tg := &TestGame{
		Game: &engine.Game{
			ApplicationConfig: cfg,
			State: &gameState{
				camera: math.NewCamera(),
				quad:   math.TransformFromPosition(mgl32.Vec3{-1.2, 0, 0}),
				cube:   math.TransformFromPosition(mgl32.Vec3{1.2, 0, 0}),
				quadMesh: &draw.SimpleMesh{
					Vertices: []mgl32.Vec3{{-0.5, -0.5, 0}, {0.5, -0.5, 0}, {0.5, 0.5, 0}, {-0.5, 0.5, 0}},
					UV:       []mgl32.Vec2{{0, 1}, {1, 1}, {1, 0}, {0, 0}},
					Index:    []uint32{0, 1, 2, 0, 2, 3},
				},
			},
		},
	}

	tg.FnSetup = tg.Setup
	tg.FnUpdate = tg.Update
	tg.FnDraw = tg.Draw
	tg.FnOnResize = tg.OnResize
	tg.FnOnKey = tg.OnKey
	tg.FnExit = tg.Exit

	return tg
}

func (g *TestGame) state() *gameState {
	return g.State.(*gameState)
}

func (g *TestGame) loadShader(name string) (*shader.Shader, error) {
	settings, err := g.Assets.ShaderSettings(name)
	if err != nil {
		return nil, err
	}
	return g.Renderer.LoadShader(settings)
}

func (g *TestGame) Setup() error {
	core.LogInfo("setting up the testbed sketch...")
	s := g.state()

	var err error
	if s.meshShader, err = g.loadShader("mesh"); err != nil {
		return errors.Wrap(err, "mesh shader")
	}
	if s.particleShader, err = g.loadShader("particles"); err != nil {
		return errors.Wrap(err, "particle shader")
	}
	if s.simulateShader, err = g.loadShader("simulate"); err != nil {
		return errors.Wrap(err, "simulation shader")
	}
	s.batch = renderer.NewRenderBatch(g.Renderer.DefaultContext())

	s.camera.SetPosition(mgl32.Vec3{0, 1.5, 6})
	s.camera.Pitch(-0.2)

	g.loadTexture()

	res, err := g.Assets.LoadAsset(modelPath, nil)
	if err != nil {
		return err
	}
	s.pendingModel = res.Data.(*draw.SimpleMesh)
	return nil
}

func (g *TestGame) loadTexture() {
	s := g.state()
	g.Assets.LoadAssetAsync(texturePath, &loaders.ImageParams{MaxSize: 2048},
		func(res *loaders.Resource) {
			s.pendingImage = res.Data.(*loaders.ImageData)
		},
		func(err error) {
			core.LogWarn("texture unavailable, using a generated one: %s", err.Error())
			s.pendingImage = checkerboard(64, 8)
		})
}

func (g *TestGame) Update(deltaTime float64) error {
	s := g.state()
	s.elapsed += deltaTime

	// reload the texture when it changes on disk
	texture := filepath.Join(g.ApplicationConfig.AssetsDir, texturePath)
	for drained := false; !drained; {
		select {
		case path := <-g.Assets.Changes():
			if path == texture {
				core.LogInfo("texture %s changed, reloading", path)
				g.loadTexture()
			}
		default:
			drained = true
		}
	}

	spin := float32(0.8 * deltaTime)
	s.quad.RotateAxis(spin, mgl32.Vec3{0, 1, 0})
	s.cube.RotateAxis(spin, mgl32.Vec3{1, 1, 0}.Normalize())
	return nil
}

// upload pushes everything loaded since the last frame to the GPU.
func (g *TestGame) upload(ctx *renderer.RenderContext) error {
	s := g.state()
	if s.pendingImage != nil {
		img := s.pendingImage
		s.pendingImage = nil
		tex, err := ctx.StoreImageCmd(g.Renderer.ImageAllocator(), renderer.ImageData{
			Width:  img.Width,
			Height: img.Height,
			Pixels: img.Pixels,
		})
		if err != nil {
			return errors.Wrap(err, "uploading texture")
		}
		if s.texture.Image != 0 {
			ctx.RetireTexture(s.texture)
		}
		s.texture = tex
	}

	if s.pendingModel != nil {
		m := s.pendingModel
		s.pendingModel = nil
		if !m.UsesTexCoords() {
			m.UV = make([]mgl32.Vec2, len(m.Vertices))
		}
		positions, err := draw.Bytes(m.Vertices)
		if err != nil {
			return err
		}
		uvs, err := draw.Bytes(m.UV)
		if err != nil {
			return err
		}
		indices, err := draw.Bytes(m.Index)
		if err != nil {
			return err
		}
		regions, err := ctx.StoreBufferDataCmd(g.Renderer.StaticAllocator(), positions, uvs, indices)
		if err != nil {
			return errors.Wrap(err, "uploading model")
		}
		s.modelBuffers = regions
		s.modelIndices = uint32(len(m.Index))
	}

	if !s.seeded {
		seed, err := draw.Bytes(seedParticles(particleCount))
		if err != nil {
			return err
		}
		regions, err := ctx.StoreBufferDataCmd(g.Renderer.StaticAllocator(), seed)
		if err != nil {
			return errors.Wrap(err, "uploading particles")
		}
		s.particles = regions[0]
		s.seeded = true
	}
	return nil
}

func (g *TestGame) Draw(deltaTime float64) error {
	s := g.state()
	ctx := g.Renderer.DefaultContext()
	if err := g.upload(ctx); err != nil {
		return err
	}

	simulate := draw.NewComputeCommand(pipeline.ComputeState{Shader: s.simulateShader.Program()}).
		SetStorageBuffer("particles", s.particles).
		SetUniform("dt", float32(min(deltaTime, 0.05))).
		SetUniform("time", float32(s.elapsed)).
		SetUniform("count", uint32(particleCount)).
		SetInvocations(particleCount, 1, 1)
	if err := ctx.Dispatch(simulate); err != nil {
		return err
	}

	viewProj := s.projection.Mul4(s.camera.View())
	rp := g.Renderer.RenderPass()

	s.batch.Begin()
	if s.texture.Image != 0 {
		state := pipeline.NewGraphicsState(s.meshShader.Program(), rp)
		state.CullMode = vk.CullModeFlags(vk.CullModeNone)

		s.batch.Draw(draw.NewDrawCommand(state).
			SetMesh(s.quadMesh).
			SetUniform("mvp", viewProj.Mul4(s.quad.World())).
			SetUniform("tint", mgl32.Vec4{1, 1, 1, 1}).
			SetTexture("albedo", s.texture).
			SetTexture("albedoSampler", s.texture))

		if len(s.modelBuffers) == 3 {
			s.batch.Draw(draw.NewDrawCommand(state).
				SetAttribute(0, s.modelBuffers[0]).
				SetAttribute(3, s.modelBuffers[1]).
				SetIndices(s.modelBuffers[2], vk.IndexTypeUint32).
				SetNumIndices(s.modelIndices).
				SetUniform("mvp", viewProj.Mul4(s.cube.World())).
				SetUniform("tint", mgl32.Vec4{1, 0.8, 0.6, 1}).
				SetTexture("albedo", s.texture).
				SetTexture("albedoSampler", s.texture))
		}
	}

	particles := pipeline.NewGraphicsState(s.particleShader.Program(), rp)
	particles.CullMode = vk.CullModeFlags(vk.CullModeNone)
	particles.DepthWrite = false
	s.batch.Draw(draw.NewDrawCommand(particles).
		SetNumVertices(6).
		SetInstanceCount(particleCount).
		SetStorageBuffer("particles", s.particles).
		SetUniform("viewProj", viewProj).
		SetUniform("size", float32(0.01)))
	s.batch.End()

	if err := s.batch.Submit(); err != nil {
		return err
	}
	if st := s.batch.Stats(); st.Skipped > 0 {
		core.LogDebug("batch skipped %d of %d draws", st.Skipped, st.Draws+st.Skipped)
	}
	return nil
}

func (g *TestGame) OnResize(width uint32, height uint32) error {
	if width == 0 || height == 0 {
		return nil
	}
	g.state().projection = math.Perspective(mgl32.DegToRad(60), float32(width)/float32(height), 0.1, 100)
	return nil
}

// OnKey flies the camera: WASD moves, Q and E go down and up, the arrows
// turn and R puts it back.
func (g *TestGame) OnKey(key glfw.Key, action glfw.Action) {
	if action == glfw.Release {
		return
	}
	c := g.state().camera
	switch key {
	case glfw.KeyW:
		c.MoveForward(moveStep)
	case glfw.KeyS:
		c.MoveBackward(moveStep)
	case glfw.KeyA:
		c.MoveLeft(moveStep)
	case glfw.KeyD:
		c.MoveRight(moveStep)
	case glfw.KeyE:
		c.MoveUp(moveStep)
	case glfw.KeyQ:
		c.MoveDown(moveStep)
	case glfw.KeyLeft:
		c.Yaw(turnStep)
	case glfw.KeyRight:
		c.Yaw(-turnStep)
	case glfw.KeyUp:
		c.Pitch(turnStep)
	case glfw.KeyDown:
		c.Pitch(-turnStep)
	case glfw.KeyR:
		c.Reset()
		c.SetPosition(mgl32.Vec3{0, 1.5, 6})
		c.Pitch(-0.2)
	}
}

func (g *TestGame) Exit() error {
	s := g.state()
	stats := g.Renderer.DefaultContext().Stats()
	core.LogInfo("testbed done after %.1fs: %d descriptor pools grown, %d set cache hits",
		s.elapsed, stats.PoolsGrown, stats.SetCacheHits)
	return nil
}

// seedParticles places particles on a ring with a tangential velocity. The
// w component of each position is a per particle shade.
func seedParticles(n int) []mgl32.Vec4 {
	out := make([]mgl32.Vec4, 0, 2*n)
	for i := 0; i < n; i++ {
		angle := 2 * stdmath.Pi * float64(i) / float64(n)
		radius := 1.5 + 0.5*rand.Float64()
		x, z := float32(radius*stdmath.Cos(angle)), float32(radius*stdmath.Sin(angle))
		y := float32(rand.Float64()-0.5) * 0.3
		out = append(out,
			mgl32.Vec4{x, y, z, rand.Float32()},
			mgl32.Vec4{-z, 0, x, 0},
		)
	}
	return out
}

func checkerboard(size, cell int) *loaders.ImageData {
	img := &loaders.ImageData{Width: uint32(size), Height: uint32(size), Pixels: make([]byte, size*size*4)}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := byte(40)
			if (x/cell+y/cell)%2 == 0 {
				v = 230
			}
			p := img.Pixels[(y*size+x)*4:]
			p[0], p[1], p[2], p[3] = v, v, v, 255
		}
	}
	return img
}
