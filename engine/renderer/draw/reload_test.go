package draw

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/renderer/driver/drivertest"
	"github.com/spaghettifunk/sketchvk/engine/renderer/pipeline"
	"github.com/spaghettifunk/sketchvk/engine/renderer/shader"
	"github.com/spaghettifunk/sketchvk/engine/renderer/shader/shadertest"
)

func writeSPIRV(t *testing.T, path string, words []uint32) {
	t.Helper()
	if err := os.WriteFile(path, shader.BytesFromWords(words), 0o644); err != nil {
		t.Fatal(err)
	}
}

// reloadable compiles a shader from files and destroys retired programs
// right away, the way a frame loop does once their frame slot comes back.
func reloadable(t *testing.T, dev *drivertest.Device, sources ...shader.Source) *shader.Shader {
	t.Helper()
	s := shader.New(dev, shader.NewRegistry(dev), shader.Settings{Name: t.Name(), Sources: sources})
	s.OnRetire(func(p *shader.Program) { shader.DestroyModules(dev, p) })
	if _, err := s.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return s
}

func TestTemplateFollowsReloadAfterEviction(t *testing.T) {
	dev := drivertest.NewDevice()
	dir := t.TempDir()
	vertPath := filepath.Join(dir, "model.vert.spv")
	fragPath := filepath.Join(dir, "model.frag.spv")
	vertex, fragment := shadertest.ModelMatrix()
	writeSPIRV(t, vertPath, vertex)
	writeSPIRV(t, fragPath, fragment)
	s := reloadable(t, dev,
		shader.Source{Stage: vk.ShaderStageVertexBit, Path: vertPath},
		shader.Source{Stage: vk.ShaderStageFragmentBit, Path: fragPath},
	)
	alloc := transient(t, dev)
	cache, err := pipeline.NewCache(dev, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Destroy()

	model := mgl32.Translate3D(1, 2, 3)
	positions := BufferRegion{Buffer: alloc.Buffer(), Offset: 0, Size: 36}
	cmd := NewDrawCommand(pipeline.NewGraphicsState(s.Program(), 1))
	cmd.SetUniform("modelMatrix", model).SetAttribute(0, positions).SetNumVertices(3)
	if err := cmd.Commit(alloc); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, _, err := cache.GetOrCreate(cmd.State()); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	oldHash := cmd.State().Hash()

	// the new vertex stage keeps Transform and adds two inputs
	textured, _ := shadertest.Textured()
	writeSPIRV(t, vertPath, textured)
	changed, err := s.Compile()
	if err != nil || !changed {
		t.Fatalf("recompile = %v, %v", changed, err)
	}
	if p, ok := cache.Evict(oldHash); ok {
		dev.DestroyPipeline(p)
	} else {
		t.Fatal("old pipeline not cached")
	}

	if err := cmd.Commit(alloc); err != nil {
		t.Fatalf("Commit after reload: %v", err)
	}
	if cmd.Program() != s.Program() || cmd.State().Shader != s.Program() {
		t.Fatal("template still holds the retired program")
	}
	want, _ := Bytes(model)
	if got, ok := cmd.Uniform("modelMatrix"); !ok || !bytes.Equal(got, want) {
		t.Errorf("modelMatrix after reload = %v, want the staged value", got)
	}
	vbs := cmd.VertexBuffers()
	if len(vbs) != 3 || vbs[0] != positions {
		t.Errorf("vertex buffers after reload = %+v", vbs)
	}
	if cmd.State().Hash() == oldHash {
		t.Error("state hash did not change with the program")
	}
	if _, created, err := cache.GetOrCreate(cmd.State()); err != nil || !created {
		t.Fatalf("GetOrCreate after reload = %v, %v", created, err)
	}

	cmd.SetAttribute(1, positions).SetAttribute(2, positions)
	if err := cmd.Record(dev, recordingBuffer(t, dev), &fakeResolver{}); err != nil {
		t.Errorf("Record after reload: %v", err)
	}
}

func TestComputeTemplateFollowsReload(t *testing.T) {
	dev := drivertest.NewDevice()
	path := filepath.Join(t.TempDir(), "particles.comp.spv")
	writeSPIRV(t, path, shadertest.Particles())
	s := reloadable(t, dev, shader.Source{Stage: vk.ShaderStageComputeBit, Path: path})
	alloc := transient(t, dev)
	cache, err := pipeline.NewCache(dev, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Destroy()

	particles := BufferRegion{Buffer: alloc.Buffer(), Offset: 0, Size: 1024}
	cmd := NewComputeCommand(pipeline.ComputeState{Shader: s.Program()})
	cmd.SetStorageBuffer("particles", particles).
		SetTexture("target", Texture{View: 7}).
		SetUniform("dt", float32(0.5))
	if err := cmd.CommitUniforms(alloc); err != nil {
		t.Fatalf("CommitUniforms: %v", err)
	}
	if _, _, err := cache.GetOrCreate(cmd.State()); err != nil {
		t.Fatal(err)
	}
	oldHash := cmd.State().Hash()

	b := shadertest.NewBuilder()
	b.LocalSize(16, 16, 1)
	b.StorageBlock("Particles", "particles", 0, 0, []shadertest.Member{
		{Name: "data", Type: b.Array(b.VecF(4), 64, 16), Offset: 0},
	})
	b.UniformBlock("Params", "params", 0, 1, []shadertest.Member{
		{Name: "dt", Type: b.Float(), Offset: 0},
		{Name: "count", Type: b.Float(), Offset: 4},
	}, 0, 1)
	b.StorageImage("target", 0, 2)
	writeSPIRV(t, path, b.Build(shadertest.Compute, "main"))
	if changed, err := s.Compile(); err != nil || !changed {
		t.Fatalf("recompile = %v, %v", changed, err)
	}
	if p, ok := cache.Evict(oldHash); ok {
		dev.DestroyPipeline(p)
	}

	if err := cmd.CommitUniforms(alloc); err != nil {
		t.Fatalf("CommitUniforms after reload: %v", err)
	}
	if cmd.program != s.Program() || cmd.State().Shader != s.Program() {
		t.Fatal("template still holds the retired program")
	}
	tests := []struct {
		name string
		set  uint32
		bind uint32
		ok   func(*BindingData) bool
	}{
		{"storage buffer", 0, 0, func(b *BindingData) bool { return b.assigned && b.Buffer == particles }},
		{"uniform", 0, 1, func(b *BindingData) bool { return bytes.Equal(b.staging[:4], mustBytes(t, float32(0.5))) }},
		{"storage image", 0, 2, func(b *BindingData) bool { return b.assigned && b.Texture.View == 7 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := cmd.binding(tt.set, tt.bind)
			if b == nil || !tt.ok(b) {
				t.Errorf("binding %d.%d not carried over: %+v", tt.set, tt.bind, b)
			}
		})
	}
	if err := cmd.Record(dev, recordingBuffer(t, dev), cache, &fakeResolver{}); err != nil {
		t.Errorf("Record after reload: %v", err)
	}
}

func TestRefreshAfterDestroyKeepsProgram(t *testing.T) {
	dev := drivertest.NewDevice()
	s := shader.New(dev, shader.NewRegistry(dev), shader.Settings{Name: "inline", Sources: []shader.Source{
		{Stage: vk.ShaderStageComputeBit, SPIRV: shadertest.Particles()},
	}})
	if _, err := s.Compile(); err != nil {
		t.Fatal(err)
	}
	p := s.Program()
	cmd := NewComputeCommand(pipeline.ComputeState{Shader: p})
	s.Destroy()
	if cmd.Refresh() || cmd.program != p {
		t.Error("refresh after Destroy replaced the program")
	}
}

func mustBytes(t *testing.T, v any) []byte {
	t.Helper()
	b, err := Bytes(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
