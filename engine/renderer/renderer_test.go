package renderer

import (
	"bytes"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/core"
	"github.com/spaghettifunk/sketchvk/engine/renderer/allocator"
	"github.com/spaghettifunk/sketchvk/engine/renderer/draw"
	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
	"github.com/spaghettifunk/sketchvk/engine/renderer/driver/drivertest"
	"github.com/spaghettifunk/sketchvk/engine/renderer/pipeline"
	"github.com/spaghettifunk/sketchvk/engine/renderer/shader"
	"github.com/spaghettifunk/sketchvk/engine/renderer/shader/shadertest"
)

func graphicsProgram(t *testing.T, dev *drivertest.Device, stages func() ([]uint32, []uint32)) *shader.Program {
	t.Helper()
	vertex, fragment := stages()
	s := shader.New(dev, shader.NewRegistry(dev), shader.Settings{
		Name: t.Name(),
		Sources: []shader.Source{
			{Stage: vk.ShaderStageVertexBit, SPIRV: vertex},
			{Stage: vk.ShaderStageFragmentBit, SPIRV: fragment},
		},
	})
	if _, err := s.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return s.Program()
}

func uniformSet(n int) func() ([]uint32, []uint32) {
	return func() ([]uint32, []uint32) { return shadertest.UniformSet(n) }
}

func newContext(t *testing.T, dev *drivertest.Device, settings ContextSettings) *RenderContext {
	t.Helper()
	if settings.TransientMemory == 0 {
		settings.TransientMemory = 1 << 20
	}
	ctx, err := NewRenderContext(dev, settings)
	if err != nil {
		t.Fatalf("NewRenderContext: %v", err)
	}
	t.Cleanup(ctx.Destroy)
	return ctx
}

// target builds a color only render pass with one framebuffer.
func target(t *testing.T, dev *drivertest.Device) (driver.RenderPass, driver.Framebuffer) {
	t.Helper()
	rp, err := dev.CreateRenderPass(driver.RenderPassDesc{Attachments: []driver.AttachmentDesc{{
		Format:  vk.FormatB8g8r8a8Unorm,
		LoadOp:  vk.AttachmentLoadOpClear,
		StoreOp: vk.AttachmentStoreOpStore,
		Final:   vk.ImageLayoutPresentSrc,
	}}})
	if err != nil {
		t.Fatal(err)
	}
	fb, err := dev.CreateFramebuffer(driver.FramebufferDesc{RenderPass: rp, Width: 64, Height: 64})
	if err != nil {
		t.Fatal(err)
	}
	return rp, fb
}

// frame runs fn between Begin and End.
func frame(t *testing.T, ctx *RenderContext, fn func()) {
	t.Helper()
	if err := ctx.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if fn != nil {
		fn()
	}
	if err := ctx.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
}

func eventOps(events []drivertest.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Op
	}
	return out
}

func sameOps(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestBeginOrder(t *testing.T) {
	dev := drivertest.NewDevice()
	ctx := newContext(t, dev, ContextSettings{VirtualFrames: 2})

	for i := 0; i < 2; i++ {
		frame(t, ctx, func() {
			cb, err := ctx.AllocateCommandBuffer()
			if err != nil {
				t.Fatal(err)
			}
			if err := ctx.Submit(cb); err != nil {
				t.Fatal(err)
			}
		})
	}
	dev.ClearEvents()

	if err := ctx.Begin(); err != nil {
		t.Fatal(err)
	}
	f := ctx.frames[0]
	got := dev.Events()
	want := []drivertest.Event{
		{Op: "waitFence", Handle: uint64(f.fence)},
		{Op: "resetFence", Handle: uint64(f.fence)},
		{Op: "freeCommandBuffers", Handle: uint64(f.commandPool)},
		{Op: "resetCommandPool", Handle: uint64(f.commandPool)},
		{Op: "resetDescriptorPool", Handle: uint64(f.pools[0].handle)},
	}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", eventOps(got), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if ctx.CurrentFrameIndex() != 0 || ctx.FrameNumber() != 3 {
		t.Errorf("frame index %d number %d", ctx.CurrentFrameIndex(), ctx.FrameNumber())
	}
}

func TestBeginEndMisuse(t *testing.T) {
	dev := drivertest.NewDevice()
	ctx := newContext(t, dev, ContextSettings{})

	if err := ctx.End(); !errors.Is(err, ErrNotBegun) {
		t.Errorf("End before Begin = %v", err)
	}
	if _, err := ctx.AllocateCommandBuffer(); !errors.Is(err, ErrNotBegun) {
		t.Errorf("AllocateCommandBuffer before Begin = %v", err)
	}
	if err := ctx.Begin(); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Begin(); !errors.Is(err, ErrAlreadyBegun) {
		t.Errorf("second Begin = %v", err)
	}
	if err := ctx.End(); err != nil {
		t.Fatal(err)
	}
	// an empty frame still signals its fence
	if subs := dev.Submissions(); len(subs) != 1 || !dev.FenceSignaled(subs[0].Fence) {
		t.Errorf("submissions = %+v", subs)
	}
}

func TestTooManyVirtualFrames(t *testing.T) {
	dev := drivertest.NewDevice()
	if _, err := NewRenderContext(dev, ContextSettings{VirtualFrames: maxVirtualFrames + 1}); err == nil {
		t.Fatal("expected an error")
	}
}

func TestFenceTimeoutContinues(t *testing.T) {
	dev := drivertest.NewDevice()
	dev.HoldFences = true
	ctx := newContext(t, dev, ContextSettings{VirtualFrames: 1})

	frame(t, ctx, nil)
	dev.ClearEvents()
	if err := ctx.Begin(); err != nil {
		t.Fatalf("Begin after timeout: %v", err)
	}
	if got := eventOps(dev.Events()); len(got) == 0 || got[0] != "waitFenceTimeout" {
		t.Errorf("events = %v", got)
	}
	if s := ctx.Stats(); s.FenceTimeouts != 1 || s.Frames != 2 {
		t.Errorf("stats = %+v", s)
	}
	if _, err := ctx.AllocateCommandBuffer(); err != nil {
		t.Errorf("recording after timeout: %v", err)
	}
	if err := ctx.End(); err != nil {
		t.Fatal(err)
	}
	dev.Complete()
}

func TestFailedFenceWaitKeepsFrame(t *testing.T) {
	dev := drivertest.NewDevice()
	ctx := newContext(t, dev, ContextSettings{VirtualFrames: 2})
	frame(t, ctx, nil)
	index, number := ctx.CurrentFrameIndex(), ctx.FrameNumber()

	dev.FailNext("WaitForFence", driver.ErrDeviceLost)
	if err := ctx.Begin(); !errors.Is(err, driver.ErrDeviceLost) {
		t.Fatalf("Begin = %v, want ErrDeviceLost", err)
	}
	if ctx.CurrentFrameIndex() != index || ctx.FrameNumber() != number {
		t.Errorf("failed Begin moved to frame %d number %d", ctx.CurrentFrameIndex(), ctx.FrameNumber())
	}
	if _, err := ctx.AllocateCommandBuffer(); !errors.Is(err, ErrNotBegun) {
		t.Errorf("recording after failed Begin = %v", err)
	}

	frame(t, ctx, nil)
	if ctx.CurrentFrameIndex() != (index+1)%2 || ctx.FrameNumber() != number+1 {
		t.Errorf("retry moved to frame %d number %d", ctx.CurrentFrameIndex(), ctx.FrameNumber())
	}
}

func TestDescriptorSetCache(t *testing.T) {
	dev := drivertest.NewDevice()
	p := graphicsProgram(t, dev, shadertest.ModelMatrix)
	ctx := newContext(t, dev, ContextSettings{})

	if err := ctx.Begin(); err != nil {
		t.Fatal(err)
	}
	commit := func(scale float32) *draw.SetData {
		cmd := draw.NewDrawCommand(pipeline.NewGraphicsState(p, 1))
		m := [16]float32{scale, 0, 0, 0, 0, scale, 0, 0, 0, 0, scale, 0, 0, 0, 0, 1}
		cmd.SetUniform("modelMatrix", m)
		if err := cmd.CommitUniforms(ctx.TransientAllocator()); err != nil {
			t.Fatal(err)
		}
		return &cmd.Sets()[0]
	}

	data := commit(1)
	first, err := ctx.GetDescriptorSet(data)
	if err != nil {
		t.Fatal(err)
	}
	again, err := ctx.GetDescriptorSet(data)
	if err != nil {
		t.Fatal(err)
	}
	if first != again {
		t.Errorf("identical set data resolved to %d and %d", first, again)
	}
	if s := ctx.Stats(); s.SetCacheHits != 1 || s.SetsAllocated != 1 {
		t.Errorf("stats = %+v", s)
	}
	if w := dev.DescriptorWrites(first); len(w) != 1 || w[0].Type != vk.DescriptorTypeUniformBufferDynamic {
		t.Errorf("writes = %+v", w)
	}
	if err := ctx.End(); err != nil {
		t.Fatal(err)
	}

	// the cache does not outlive its frame
	frame(t, ctx, nil)
	frame(t, ctx, func() {
		if _, err := ctx.GetDescriptorSet(data); err != nil {
			t.Fatal(err)
		}
	})
	if s := ctx.Stats(); s.SetsAllocated != 2 {
		t.Errorf("sets allocated = %d after the slot came round", s.SetsAllocated)
	}
}

func TestDescriptorPoolGrowth(t *testing.T) {
	dev := drivertest.NewDevice()
	p := graphicsProgram(t, dev, uniformSet(5))
	ctx := newContext(t, dev, ContextSettings{
		VirtualFrames: 2,
		PoolSizes: []driver.PoolSize{
			{Type: vk.DescriptorTypeUniformBufferDynamic, Count: 3},
			{Type: vk.DescriptorTypeCombinedImageSampler, Count: 4},
		},
		PoolMaxSets: 8,
	})

	request := func() {
		cmd := draw.NewDrawCommand(pipeline.NewGraphicsState(p, 1))
		for i := 0; i < 5; i++ {
			cmd.SetUniform("value"+string(rune('0'+i)), float32(i))
		}
		if err := cmd.CommitUniforms(ctx.TransientAllocator()); err != nil {
			t.Fatal(err)
		}
		if _, err := ctx.GetDescriptorSet(&cmd.Sets()[0]); err != nil {
			t.Fatalf("GetDescriptorSet: %v", err)
		}
	}

	frame(t, ctx, request)
	if s := ctx.Stats(); s.PoolsGrown != 1 {
		t.Fatalf("pools grown = %d", s.PoolsGrown)
	}
	if ctx.dirty != 0b11 {
		t.Errorf("dirty = %b, want every frame", ctx.dirty)
	}
	if n := len(ctx.frames[0].pools); n != 2 {
		t.Fatalf("frame 0 has %d pools", n)
	}
	grown := ctx.frames[0].pools[1]
	capacities := []struct {
		typ  vk.DescriptorType
		want uint32
	}{
		{vk.DescriptorTypeUniformBufferDynamic, 5},
		{vk.DescriptorTypeCombinedImageSampler, 4},
	}
	for _, c := range capacities {
		if got := dev.PoolCapacity(grown.handle, c.typ); got != c.want {
			t.Errorf("grown pool capacity of type %d = %d, want %d", c.typ, got, c.want)
		}
	}
	if grown.maxSets != 8 {
		t.Errorf("grown pool max sets = %d, want 8", grown.maxSets)
	}

	frame(t, ctx, request)
	frame(t, ctx, request)
	for i, f := range ctx.frames {
		if len(f.pools) != 1 {
			t.Fatalf("frame %d has %d pools after rebuild", i, len(f.pools))
		}
		if c := dev.PoolCapacity(f.pools[0].handle, vk.DescriptorTypeUniformBufferDynamic); c != 5 {
			t.Errorf("frame %d pool capacity = %d, want 5", i, c)
		}
	}
	s := ctx.Stats()
	if s.PoolsRebuilt != 2 || s.PoolsGrown != 1 || ctx.dirty != 0 {
		t.Errorf("stats = %+v dirty = %b", s, ctx.dirty)
	}
}

func TestBatchReusesPipeline(t *testing.T) {
	dev := drivertest.NewDevice()
	rp, fb := target(t, dev)
	p := graphicsProgram(t, dev, uniformSet(1))
	ctx := newContext(t, dev, ContextSettings{
		RenderPass:   rp,
		Framebuffers: []driver.Framebuffer{fb},
		RenderArea:   driver.Rect{Width: 64, Height: 64},
	})

	cmd := draw.NewDrawCommand(pipeline.NewGraphicsState(p, 0))
	cmd.SetUniform("value0", float32(0.5)).SetNumVertices(3)

	var stats BatchStats
	frame(t, ctx, func() {
		batch := NewRenderBatch(ctx).Begin()
		batch.Draw(cmd).Draw(cmd).End()
		if batch.Len() != 2 {
			t.Fatalf("batch holds %d draws", batch.Len())
		}
		if err := batch.Submit(); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		stats = batch.Stats()
	})

	if stats.Draws != 2 || stats.PipelinesCreated != 1 || stats.PipelinesBound != 1 {
		t.Errorf("batch stats = %+v", stats)
	}
	if dev.PipelinesCreated != 1 {
		t.Errorf("device created %d pipelines", dev.PipelinesCreated)
	}
	if n := len(dev.SubmittedCommands("bindPipeline")); n != 1 {
		t.Errorf("%d pipeline binds", n)
	}
	got := dev.SubmittedCommands("")
	var seq []string
	for _, c := range got {
		seq = append(seq, c.Op)
	}
	if !sameOps(seq, "setViewport", "setScissor", "beginRenderPass", "bindPipeline",
		"bindDescriptorSets", "draw", "bindDescriptorSets", "draw", "endRenderPass") {
		t.Errorf("recorded = %v", seq)
	}
	// hashes ignore dynamic offsets, so both draws share one set
	if s := ctx.Stats(); s.SetsAllocated != 1 || s.SetCacheHits != 1 {
		t.Errorf("context stats = %+v", s)
	}
}

func TestBatchSkipsFailedCommit(t *testing.T) {
	dev := drivertest.NewDevice()
	rp, fb := target(t, dev)
	p := graphicsProgram(t, dev, shadertest.Textured)
	ctx := newContext(t, dev, ContextSettings{RenderPass: rp, Framebuffers: []driver.Framebuffer{fb}})

	frame(t, ctx, func() {
		// albedo is never bound
		batch := NewRenderBatch(ctx).Begin()
		batch.Draw(draw.NewDrawCommand(pipeline.NewGraphicsState(p, 0)))
		if batch.Len() != 0 || batch.Stats().Skipped != 1 {
			t.Errorf("len %d stats %+v", batch.Len(), batch.Stats())
		}
		if err := batch.Submit(); err != nil {
			t.Fatal(err)
		}
	})
	if n := len(dev.SubmittedCommands("draw")); n != 0 {
		t.Errorf("%d draws recorded", n)
	}
}

func TestBatchDrawNeedsRecordingContext(t *testing.T) {
	dev := drivertest.NewDevice()
	rp, fb := target(t, dev)
	p := graphicsProgram(t, dev, uniformSet(1))
	ctx := newContext(t, dev, ContextSettings{RenderPass: rp, Framebuffers: []driver.Framebuffer{fb}})

	cmd := draw.NewDrawCommand(pipeline.NewGraphicsState(p, 0))
	cmd.SetUniform("value0", float32(1)).SetNumVertices(3)

	tests := []struct {
		name    string
		begin   bool
		len     int
		skipped int
	}{
		{"context not begun", false, 0, 1},
		{"context recording", true, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.begin {
				if err := ctx.Begin(); err != nil {
					t.Fatal(err)
				}
				defer func() {
					if err := ctx.End(); err != nil {
						t.Fatal(err)
					}
				}()
			}
			before := ctx.TransientAllocator().Stats().Allocations
			batch := NewRenderBatch(ctx).Begin().Draw(cmd).End()
			if batch.Len() != tt.len || batch.Stats().Skipped != tt.skipped {
				t.Errorf("len %d stats %+v", batch.Len(), batch.Stats())
			}
			if !tt.begin && ctx.TransientAllocator().Stats().Allocations != before {
				t.Error("draw outside the frame committed uniforms")
			}
		})
	}
}

func TestStoreBufferDataCmd(t *testing.T) {
	dev := drivertest.NewDevice()
	ctx := newContext(t, dev, ContextSettings{})
	static, err := allocator.NewBufferAllocator(dev, allocator.BufferSettings{
		Name:             "static",
		Size:             1 << 16,
		FrameCount:       1,
		Usage:            vk.BufferUsageFlags(vk.BufferUsageVertexBufferBit | vk.BufferUsageTransferDstBit),
		MemoryProperties: vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer static.Destroy()

	blobs := [][]byte{[]byte("vertices"), bytes.Repeat([]byte{7}, 100)}
	var regions []draw.BufferRegion
	frame(t, ctx, func() {
		regions, err = ctx.StoreBufferDataCmd(static, blobs...)
		if err != nil {
			t.Fatalf("StoreBufferDataCmd: %v", err)
		}
	})

	if len(regions) != 2 {
		t.Fatalf("regions = %+v", regions)
	}
	mem := dev.BufferBytes(static.Buffer())
	for i, r := range regions {
		if r.Buffer != static.Buffer() {
			t.Errorf("region %d lives in buffer %d", i, r.Buffer)
		}
		if got := mem[r.Offset : r.Offset+r.Size]; !bytes.Equal(got, blobs[i]) {
			t.Errorf("region %d holds %q", i, got)
		}
	}
	if n := len(dev.SubmittedCommands("pipelineBarrier")); n != 2 {
		t.Errorf("%d barriers around the copy", n)
	}
}

func TestStoreImageCmd(t *testing.T) {
	dev := drivertest.NewDevice()
	ctx := newContext(t, dev, ContextSettings{})
	images, err := allocator.NewImageAllocator(dev, allocator.ImageSettings{
		Name:             "images",
		Size:             1 << 20,
		FrameCount:       1,
		MemoryProperties: vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer images.Destroy()

	var tex draw.Texture
	frame(t, ctx, func() {
		if _, err := ctx.StoreImageCmd(images, ImageData{Width: 4, Height: 4, Pixels: make([]byte, 10)}); err == nil {
			t.Error("short pixel data accepted")
		}
		tex, err = ctx.StoreImageCmd(images, ImageData{Width: 4, Height: 4, Pixels: make([]byte, 64)})
		if err != nil {
			t.Fatalf("StoreImageCmd: %v", err)
		}
	})

	if tex.Image == 0 || tex.View == 0 || tex.Sampler == 0 || tex.Layout != vk.ImageLayoutShaderReadOnlyOptimal {
		t.Errorf("texture = %+v", tex)
	}
	copies := dev.SubmittedCommands("copyBufferToImage")
	if len(copies) != 1 || copies[0].Image != tex.Image || copies[0].ImageCopies[0].Width != 4 {
		t.Fatalf("copies = %+v", copies)
	}
	barriers := dev.SubmittedCommands("pipelineBarrier")
	if len(barriers) != 2 {
		t.Fatalf("%d barriers", len(barriers))
	}
	tests := []struct {
		name     string
		barrier  driver.BarrierDesc
		old, new vk.ImageLayout
	}{
		{"before copy", barriers[0].Barrier, vk.ImageLayoutUndefined, vk.ImageLayoutTransferDstOptimal},
		{"after copy", barriers[1].Barrier, vk.ImageLayoutTransferDstOptimal, vk.ImageLayoutShaderReadOnlyOptimal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if len(tt.barrier.Images) != 1 {
				t.Fatalf("image barriers = %+v", tt.barrier.Images)
			}
			b := tt.barrier.Images[0]
			if b.OldLayout != tt.old || b.NewLayout != tt.new {
				t.Errorf("layouts %v -> %v, want %v -> %v", b.OldLayout, b.NewLayout, tt.old, tt.new)
			}
		})
	}
}

func TestStoreImageReleasesOnCommandBufferFailure(t *testing.T) {
	dev := drivertest.NewDevice()
	ctx := newContext(t, dev, ContextSettings{})
	images, err := allocator.NewImageAllocator(dev, allocator.ImageSettings{
		Name:             "images",
		Size:             1 << 20,
		FrameCount:       1,
		MemoryProperties: vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer images.Destroy()

	frame(t, ctx, func() {
		imgs, views, samplers := dev.LiveImages()
		dev.FailNext("AllocateCommandBuffer", driver.ErrDeviceLost)
		if _, err := ctx.StoreImageCmd(images, ImageData{Width: 4, Height: 4, Pixels: make([]byte, 64)}); !errors.Is(err, driver.ErrDeviceLost) {
			t.Fatalf("StoreImageCmd = %v, want ErrDeviceLost", err)
		}
		if i, v, s := dev.LiveImages(); i != imgs || v != views || s != samplers {
			t.Errorf("live images %d views %d samplers %d, want %d %d %d", i, v, s, imgs, views, samplers)
		}
	})
}

func TestStoreImageConvertsSubImages(t *testing.T) {
	dev := drivertest.NewDevice()
	ctx := newContext(t, dev, ContextSettings{})
	images, err := allocator.NewImageAllocator(dev, allocator.ImageSettings{
		Name:             "images",
		Size:             1 << 20,
		FrameCount:       1,
		MemoryProperties: vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer images.Destroy()

	src := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			src.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), A: 255})
		}
	}
	sub := src.SubImage(image.Rect(2, 2, 5, 6))

	var tex draw.Texture
	frame(t, ctx, func() {
		tex, err = ctx.StoreImage(images, sub)
		if err != nil {
			t.Fatalf("StoreImage: %v", err)
		}
	})
	if tex.Width != 3 || tex.Height != 4 {
		t.Errorf("texture is %dx%d, want 3x4", tex.Width, tex.Height)
	}
	copies := dev.SubmittedCommands("copyBufferToImage")
	if len(copies) != 1 || copies[0].ImageCopies[0].Width != 3 || copies[0].ImageCopies[0].Height != 4 {
		t.Fatalf("copies = %+v", copies)
	}
}

func TestDispatch(t *testing.T) {
	dev := drivertest.NewDevice()
	s := shader.New(dev, shader.NewRegistry(dev), shader.Settings{
		Name:    "particles",
		Sources: []shader.Source{{Stage: vk.ShaderStageComputeBit, SPIRV: shadertest.Particles()}},
	})
	if _, err := s.Compile(); err != nil {
		t.Fatal(err)
	}
	ctx := newContext(t, dev, ContextSettings{})

	frame(t, ctx, func() {
		particles, err := ctx.StageBufferData(make([]byte, 1024))
		if err != nil {
			t.Fatal(err)
		}
		cmd := draw.NewComputeCommand(pipeline.ComputeState{Shader: s.Program()})
		cmd.SetStorageBuffer("particles", particles).
			SetTexture("target", draw.Texture{View: 1}).
			SetUniform("dt", float32(0.016)).
			SetInvocations(64, 1, 1)
		if err := ctx.Dispatch(cmd); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	})

	var seq []string
	for _, c := range dev.SubmittedCommands("") {
		seq = append(seq, c.Op)
	}
	if !sameOps(seq, "bindPipeline", "bindDescriptorSets", "dispatch", "pipelineBarrier") {
		t.Errorf("recorded = %v", seq)
	}
	if d := dev.SubmittedCommands("dispatch"); d[0].Counts != [3]uint32{8, 1, 1} {
		t.Errorf("dispatch = %v", d[0].Counts)
	}
}

func TestRetiredObjectsOutliveFramesInFlight(t *testing.T) {
	dev := drivertest.NewDevice()
	ctx := newContext(t, dev, ContextSettings{VirtualFrames: 3})

	frame(t, ctx, func() { ctx.RetirePipeline(42) })
	for i := 0; i < 2; i++ {
		frame(t, ctx, nil)
	}
	for _, e := range dev.Events() {
		if e.Op == "destroyPipeline" {
			t.Fatalf("pipeline destroyed after %d frames", ctx.FrameNumber())
		}
	}

	dev.ClearEvents()
	frame(t, ctx, nil)
	destroyed := 0
	for _, e := range dev.Events() {
		if e.Op == "destroyPipeline" && e.Handle == 42 {
			destroyed++
		}
	}
	if destroyed != 1 {
		t.Errorf("pipeline destroyed %d times on frame %d", destroyed, ctx.FrameNumber())
	}
	if s := ctx.Stats(); s.Retired != 1 || s.Destroyed != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func testConfig(t *testing.T) core.Config {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Renderer.TransientMemoryMB = 1
	cfg.Renderer.StaticMemoryMB = 1
	cfg.Renderer.ImageMemoryMB = 1
	cfg.Renderer.PipelineCachePath = filepath.Join(t.TempDir(), "pipelines.bin")
	cfg.Shaders.HotReload = false
	cfg.Shaders.CacheDir = t.TempDir()
	return cfg
}

func newRenderer(t *testing.T) (*Renderer, *drivertest.Device, *drivertest.Swapchain) {
	t.Helper()
	dev := drivertest.NewDevice()
	sc := drivertest.NewSwapchain(dev, 3, 640, 480)
	r, err := NewWithDevice(testConfig(t), dev, sc)
	if err != nil {
		t.Fatalf("NewWithDevice: %v", err)
	}
	return r, dev, sc
}

func TestRendererPresentsEveryFrame(t *testing.T) {
	r, dev, sc := newRenderer(t)

	vertex, fragment := shadertest.UniformSet(1)
	s, err := r.LoadShader(shader.Settings{Name: "flat", Sources: []shader.Source{
		{Stage: vk.ShaderStageVertexBit, SPIRV: vertex},
		{Stage: vk.ShaderStageFragmentBit, SPIRV: fragment},
	}})
	if err != nil {
		t.Fatalf("LoadShader: %v", err)
	}

	for i := 0; i < 4; i++ {
		if err := r.StartRender(); err != nil {
			t.Fatalf("StartRender %d: %v", i, err)
		}
		cmd := draw.NewDrawCommand(pipeline.NewGraphicsState(s.Program(), r.RenderPass()))
		cmd.SetUniform("value0", float32(i)).SetNumVertices(3)
		if err := NewRenderBatch(r.DefaultContext()).Begin().Draw(cmd).End().Submit(); err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
		if err := r.FinishRender(); err != nil {
			t.Fatalf("FinishRender %d: %v", i, err)
		}
	}

	if want := []uint32{0, 1, 2, 0}; len(sc.Presented) != len(want) {
		t.Fatalf("presented = %v", sc.Presented)
	} else {
		for i := range want {
			if sc.Presented[i] != want[i] {
				t.Errorf("presented = %v, want %v", sc.Presented, want)
				break
			}
		}
	}
	for i, sub := range dev.Submissions() {
		b := sub.Batches[0]
		if len(b.Wait) != 1 || len(b.Signal) != 1 {
			t.Errorf("submission %d waits on %v and signals %v", i, b.Wait, b.Signal)
		}
	}
	if dev.PipelinesCreated != 1 {
		t.Errorf("%d pipelines created", dev.PipelinesCreated)
	}

	r.Shutdown()
	if _, err := os.Stat(r.cfg.Renderer.PipelineCachePath); err != nil {
		t.Errorf("pipeline cache not saved: %v", err)
	}
}

func TestRendererRecreatesOutOfDateSwapchain(t *testing.T) {
	r, dev, sc := newRenderer(t)
	defer r.Shutdown()

	sc.OutOfDate = true
	if err := r.StartRender(); !errors.Is(err, core.ErrSwapchainBooting) {
		t.Fatalf("StartRender = %v, want ErrSwapchainBooting", err)
	}
	if sc.Recreated != 1 {
		t.Errorf("recreated %d times", sc.Recreated)
	}
	// the dropped frame still signaled its fence
	subs := dev.Submissions()
	if len(subs) != 1 || !dev.FenceSignaled(subs[0].Fence) {
		t.Errorf("submissions = %+v", subs)
	}

	if err := r.StartRender(); err != nil {
		t.Fatalf("StartRender after recreate: %v", err)
	}
	if err := r.FinishRender(); err != nil {
		t.Fatal(err)
	}
	if len(sc.Presented) != 1 || sc.Presented[0] != 0 {
		t.Errorf("presented = %v", sc.Presented)
	}
}

func TestRendererFrameMisuse(t *testing.T) {
	r, _, _ := newRenderer(t)
	defer r.Shutdown()

	if err := r.FinishRender(); !errors.Is(err, ErrNotBegun) {
		t.Errorf("FinishRender without a frame = %v", err)
	}
	if err := r.StartRender(); err != nil {
		t.Fatal(err)
	}
	if err := r.StartRender(); !errors.Is(err, ErrFrameInProgress) {
		t.Errorf("second StartRender = %v", err)
	}
	if err := r.FinishRender(); err != nil {
		t.Fatal(err)
	}
}

func TestRendererResize(t *testing.T) {
	r, _, sc := newRenderer(t)
	defer r.Shutdown()

	before := r.framebuffers[0]
	r.Resized()
	if err := r.StartRender(); err != nil {
		t.Fatal(err)
	}
	if err := r.FinishRender(); err != nil {
		t.Fatal(err)
	}
	if sc.Recreated != 1 || r.framebuffers[0] == before {
		t.Errorf("recreated %d, framebuffer %d -> %d", sc.Recreated, before, r.framebuffers[0])
	}
	if fb := r.DefaultContext().Framebuffer(); fb != r.framebuffers[0] {
		t.Errorf("context targets %d, want %d", fb, r.framebuffers[0])
	}
}
