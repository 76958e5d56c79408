package shader

import (
	"os"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/renderer/driver/drivertest"
	"github.com/spaghettifunk/sketchvk/engine/renderer/shader/shadertest"
)

func graphicsShader(dev *drivertest.Device, reg *Registry, name string, vertex, fragment []uint32) *Shader {
	return New(dev, reg, Settings{
		Name: name,
		Sources: []Source{
			{Stage: vk.ShaderStageVertexBit, SPIRV: vertex},
			{Stage: vk.ShaderStageFragmentBit, SPIRV: fragment},
		},
	})
}

// globalsStage declares Globals { mat4 mvp; vec4 tint; } at set 0 binding 0
// and reads the member at index used.
func globalsStage(model shadertest.ExecutionModel, binding int, used int) []uint32 {
	b := shadertest.NewBuilder()
	b.UniformBlock("Globals", "globals", 0, binding, []shadertest.Member{
		{Name: "mvp", Type: b.Mat4(), Offset: 0},
		{Name: "tint", Type: b.VecF(4), Offset: 64},
	}, used)
	if model == shadertest.Fragment {
		b.Texture("albedo", 1, 0)
	}
	return b.Build(model, "main")
}

func TestCompileMergesStages(t *testing.T) {
	dev := drivertest.NewDevice()
	reg := NewRegistry(dev)
	s := graphicsShader(dev, reg, "globals",
		globalsStage(shadertest.Vertex, 0, 0),
		globalsStage(shadertest.Fragment, 0, 1))

	changed, err := s.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !changed {
		t.Error("first compile reported no change")
	}
	p := s.Program()
	if p == nil {
		t.Fatal("no program")
	}

	tests := []struct {
		name string
		want UniformLocation
	}{
		{"Globals.mvp", UniformLocation{Block: "Globals", Set: 0, Binding: 0, Offset: 0, Size: 64}},
		{"globals.tint", UniformLocation{Block: "Globals", Set: 0, Binding: 0, Offset: 64, Size: 16}},
		{"tint", UniformLocation{Block: "Globals", Set: 0, Binding: 0, Offset: 64, Size: 16}},
	}
	for _, tt := range tests {
		got, ok := p.Uniform(tt.name)
		if !ok {
			t.Errorf("uniform %s missing", tt.name)
			continue
		}
		if got != tt.want {
			t.Errorf("uniform %s = %+v, want %+v", tt.name, got, tt.want)
		}
	}

	if len(p.Sets) != 2 || len(p.SetLayouts) != 2 {
		t.Fatalf("sets = %+v", p.Sets)
	}
	globals := p.Sets[0][0]
	if globals.Stages != vk.ShaderStageFlags(vk.ShaderStageVertexBit|vk.ShaderStageFragmentBit) {
		t.Errorf("globals stages = %#x", globals.Stages)
	}
	albedo, ok := p.Resource("albedo")
	if !ok || albedo.Set != 1 || albedo.Type != vk.DescriptorTypeCombinedImageSampler {
		t.Errorf("albedo = %+v", albedo)
	}
	if dev.SetLayoutsCreated != 2 || dev.PipelineLayoutsMade != 1 || dev.ShaderModulesCreated != 2 {
		t.Errorf("created %d set layouts, %d pipeline layouts, %d modules",
			dev.SetLayoutsCreated, dev.PipelineLayoutsMade, dev.ShaderModulesCreated)
	}
	if p.IsCompute() || p.BindPoint() != vk.PipelineBindPointGraphics {
		t.Error("graphics program reported as compute")
	}
}

func TestCompileIsIdempotent(t *testing.T) {
	dev := drivertest.NewDevice()
	reg := NewRegistry(dev)
	vertex, fragment := shadertest.ModelMatrix()
	s := graphicsShader(dev, reg, "model", vertex, fragment)

	if _, err := s.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	first := s.Program()
	stats := reg.Stats()

	changed, err := s.Compile()
	if err != nil {
		t.Fatalf("second Compile: %v", err)
	}
	if changed {
		t.Error("unchanged source reported a change")
	}
	if s.Program() != first {
		t.Error("program replaced on an unchanged compile")
	}
	if reg.Stats() != stats {
		t.Errorf("registry changed: %+v -> %+v", stats, reg.Stats())
	}
	if dev.ShaderModulesCreated != 2 {
		t.Errorf("modules created = %d", dev.ShaderModulesCreated)
	}

	// a second shader with the same layout shares the registry entries
	other := graphicsShader(dev, reg, "model copy", vertex, fragment)
	if _, err := other.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if other.Program().PipelineLayout != first.PipelineLayout {
		t.Error("identical layouts produced two pipeline layouts")
	}
	if other.Program().CodeHash != first.CodeHash {
		t.Error("identical code produced different hashes")
	}
}

func TestCompileOverlapWarnsAndMerges(t *testing.T) {
	dev := drivertest.NewDevice()
	reg := NewRegistry(dev)

	vb := shadertest.NewBuilder()
	vb.UniformBlock("Globals", "globals", 0, 0, []shadertest.Member{
		{Name: "mvp", Type: vb.Mat4(), Offset: 0},
		{Name: "tint", Type: vb.VecF(4), Offset: 64},
	}, 0)
	fb := shadertest.NewBuilder()
	fb.UniformBlock("Globals", "globals", 0, 0, []shadertest.Member{
		{Name: "color", Type: fb.VecF(4), Offset: 0},
		{Name: "pad", Type: fb.Mat4(), Offset: 16},
	}, 0)
	vertex := vb.Build(shadertest.Vertex, "main")
	fragment := fb.Build(shadertest.Fragment, "main")

	s := graphicsShader(dev, reg, "overlap", vertex, fragment)
	if _, err := s.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	p := s.Program()
	for _, name := range []string{"mvp", "color"} {
		if _, ok := p.Uniform(name); !ok {
			t.Errorf("%s dropped by the merge", name)
		}
	}

	t.Run("strict", func(t *testing.T) {
		dev := drivertest.NewDevice()
		reg := NewRegistry(dev)
		reg.StrictMerge = true
		s := graphicsShader(dev, reg, "overlap", vertex, fragment)
		_, err := s.Compile()
		if !errors.Is(err, ErrMergeConflict) {
			t.Fatalf("err = %v, want ErrMergeConflict", err)
		}
		if s.Program() != nil {
			t.Error("failed compile published a program")
		}
	})
}

func TestCompileInconsistentBinding(t *testing.T) {
	tests := []struct {
		name     string
		fragment func() []uint32
	}{
		{"same block at another binding", func() []uint32 {
			return globalsStage(shadertest.Fragment, 1, 1)
		}},
		{"another block at the same binding", func() []uint32 {
			b := shadertest.NewBuilder()
			b.UniformBlock("Lights", "lights", 0, 0, []shadertest.Member{
				{Name: "count", Type: b.Float(), Offset: 0},
			}, 0)
			return b.Build(shadertest.Fragment, "main")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := drivertest.NewDevice()
			s := graphicsShader(dev, NewRegistry(dev), "bad", globalsStage(shadertest.Vertex, 0, 0), tt.fragment())
			_, err := s.Compile()
			if !errors.Is(err, ErrInconsistentBinding) {
				t.Fatalf("err = %v, want ErrInconsistentBinding", err)
			}
			if dev.SetLayoutsCreated != 0 {
				t.Errorf("set layouts created after a failed check: %d", dev.SetLayoutsCreated)
			}
		})
	}
}

func TestCompileMissingDecorationsDefaultToZero(t *testing.T) {
	b := shadertest.NewBuilder()
	b.UniformBlock("Loose", "loose", shadertest.NoDecoration, shadertest.NoDecoration, []shadertest.Member{
		{Name: "value", Type: b.Float(), Offset: 0},
	}, 0)
	dev := drivertest.NewDevice()
	s := graphicsShader(dev, NewRegistry(dev), "loose", b.Build(shadertest.Vertex, "main"), shadertest.NewBuilder().Build(shadertest.Fragment, "main"))
	if _, err := s.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	u, ok := s.Program().Uniform("value")
	if !ok || u.Set != 0 || u.Binding != 0 {
		t.Errorf("value = %+v, %v", u, ok)
	}
}

func TestUniformBareNameCollision(t *testing.T) {
	b := shadertest.NewBuilder()
	b.UniformBlock("A", "a", 0, 0, []shadertest.Member{{Name: "color", Type: b.VecF(4), Offset: 0}}, 0)
	b.UniformBlock("B", "b", 0, 1, []shadertest.Member{{Name: "color", Type: b.VecF(4), Offset: 0}}, 0)
	dev := drivertest.NewDevice()
	s := graphicsShader(dev, NewRegistry(dev), "collide", b.Build(shadertest.Vertex, "main"), shadertest.NewBuilder().Build(shadertest.Fragment, "main"))
	if _, err := s.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	p := s.Program()
	if u, _ := p.Uniform("color"); u.Binding != 0 {
		t.Errorf("bare name resolved to binding %d, want the first block", u.Binding)
	}
	if u, _ := p.Uniform("B.color"); u.Binding != 1 {
		t.Errorf("B.color = %+v", u)
	}
}

func TestCompilePushConstantsAndCompute(t *testing.T) {
	dev := drivertest.NewDevice()
	reg := NewRegistry(dev)

	b := shadertest.NewBuilder()
	b.Input("inPos", 0, 3)
	b.PushConstants("Push", []shadertest.Member{{Name: "model", Type: b.Mat4(), Offset: 0}})
	s := graphicsShader(dev, reg, "push", b.Build(shadertest.Vertex, "main"), shadertest.NewBuilder().Build(shadertest.Fragment, "main"))
	if _, err := s.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	p := s.Program()
	if len(p.PushConstants) != 1 || p.PushConstantSize() != 64 || p.PushConstantStages() != vk.ShaderStageFlags(vk.ShaderStageVertexBit) {
		t.Errorf("push constants = %+v", p.PushConstants)
	}
	if r, ok := p.PushConstant("model"); !ok || r.Range != 64 {
		t.Errorf("model = %+v", r)
	}

	c := New(dev, reg, Settings{Name: "particles", Sources: []Source{{Stage: vk.ShaderStageComputeBit, SPIRV: shadertest.Particles()}}})
	if _, err := c.Compile(); err != nil {
		t.Fatalf("Compile compute: %v", err)
	}
	cp := c.Program()
	if !cp.IsCompute() || cp.BindPoint() != vk.PipelineBindPointCompute {
		t.Error("compute program not recognised")
	}
	if cp.LocalSize != [3]uint32{8, 8, 1} {
		t.Errorf("local size = %v", cp.LocalSize)
	}
	if u, ok := cp.Uniform("Params.dt"); !ok || u.Binding != 1 {
		t.Errorf("Params.dt = %+v", u)
	}
}

func writeWords(t *testing.T, path string, words []uint32) {
	t.Helper()
	if err := os.WriteFile(path, BytesFromWords(words), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRecompileKeepsPreviousOnFailure(t *testing.T) {
	dir := t.TempDir()
	vertPath := filepath.Join(dir, "model.vert.spv")
	fragPath := filepath.Join(dir, "model.frag.spv")
	vertex, fragment := shadertest.ModelMatrix()
	writeWords(t, vertPath, vertex)
	writeWords(t, fragPath, fragment)

	dev := drivertest.NewDevice()
	s := New(dev, NewRegistry(dev), Settings{
		Name: "model",
		Sources: []Source{
			{Stage: vk.ShaderStageVertexBit, Path: vertPath},
			{Stage: vk.ShaderStageFragmentBit, Path: fragPath},
		},
	})
	var retired []*Program
	s.OnRetire(func(p *Program) { retired = append(retired, p) })

	if _, err := s.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	first := s.Program()

	writeWords(t, vertPath, []uint32{1, 2, 3, 4, 5, 6})
	if _, err := s.Compile(); err == nil {
		t.Fatal("broken binary compiled")
	}
	if s.Program() != first {
		t.Error("failed recompile replaced the program")
	}

	textured, _ := shadertest.Textured()
	writeWords(t, vertPath, textured)
	changed, err := s.Compile()
	if err != nil || !changed {
		t.Fatalf("Compile = %v, %v", changed, err)
	}
	if s.Program() == first || s.Program().CodeHash == first.CodeHash {
		t.Error("program not replaced")
	}
	if len(retired) != 1 || retired[0] != first {
		t.Errorf("retired = %v", retired)
	}
	if _, ok := s.Program().Input("inUV"); !ok {
		t.Error("new program misses inUV")
	}
}

func TestCompileMissingFile(t *testing.T) {
	dev := drivertest.NewDevice()
	s := New(dev, NewRegistry(dev), Settings{Sources: []Source{
		{Stage: vk.ShaderStageVertexBit, Path: filepath.Join(t.TempDir(), "missing.spv")},
	}})
	_, err := s.Compile()
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDestroyReleasesModules(t *testing.T) {
	dev := drivertest.NewDevice()
	vertex, fragment := shadertest.ModelMatrix()
	s := graphicsShader(dev, NewRegistry(dev), "model", vertex, fragment)
	if _, err := s.Compile(); err != nil {
		t.Fatal(err)
	}
	s.Destroy()
	n := 0
	for _, e := range dev.Events() {
		if e.Op == "destroyShaderModule" {
			n++
		}
	}
	if n != 2 {
		t.Errorf("destroyed %d modules, want 2", n)
	}
	if s.Program() != nil {
		t.Error("program survived Destroy")
	}
}

func TestCompileWGSLUsesCache(t *testing.T) {
	dir := t.TempDir()
	source := "this is not wgsl; the cached binary is used instead"
	vertex, _ := shadertest.ModelMatrix()

	// seed the cache entry CompileWGSL would have written
	writeWords(t, wgslCachePath(source, dir), vertex)
	words, err := CompileWGSL(source, dir)
	if err != nil {
		t.Fatalf("CompileWGSL: %v", err)
	}
	if len(words) != len(vertex) || words[0] != vertex[0] {
		t.Error("cached binary not returned")
	}
}

func TestWordsFromBytes(t *testing.T) {
	if _, err := WordsFromBytes([]byte{1, 2, 3}); err == nil {
		t.Error("odd length accepted")
	}
	words := []uint32{0x07230203, 0xdeadbeef}
	back, err := WordsFromBytes(BytesFromWords(words))
	if err != nil || back[1] != 0xdeadbeef {
		t.Errorf("round trip = %v, %v", back, err)
	}
}

func TestWatcherReportsChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.vert.spv")
	vertex, _ := shadertest.ModelMatrix()
	writeWords(t, path, vertex)

	dev := drivertest.NewDevice()
	s := New(dev, NewRegistry(dev), Settings{Name: "model", Sources: []Source{{Stage: vk.ShaderStageVertexBit, Path: path}}})

	w, err := NewWatcher()
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()
	if err := w.Watch(s); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeWords(t, path, vertex)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if pending := w.Pending(); len(pending) > 0 {
			if pending[0] != s {
				t.Errorf("pending = %v", pending)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no change reported")
}

func TestConcurrentCompileSharesRegistry(t *testing.T) {
	tests := []struct {
		name   string
		stages func() ([]uint32, []uint32)
		sets   int
	}{
		{"model matrix", shadertest.ModelMatrix, 1},
		{"textured", shadertest.Textured, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := drivertest.NewDevice()
			reg := NewRegistry(dev)
			vertex, fragment := tt.stages()

			const workers = 8
			shaders := make([]*Shader, workers)
			errs := make([]error, workers)
			var wg sync.WaitGroup
			for i := range shaders {
				shaders[i] = graphicsShader(dev, reg, fmt.Sprintf("%s %d", tt.name, i), vertex, fragment)
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = shaders[i].Compile()
				}(i)
			}
			wg.Wait()

			first := shaders[0].Program()
			for i, s := range shaders {
				if errs[i] != nil {
					t.Fatalf("Compile %d: %v", i, errs[i])
				}
				if s.Program().PipelineLayout != first.PipelineLayout {
					t.Errorf("shader %d got its own pipeline layout", i)
				}
			}
			st := reg.Stats()
			if st.SetLayoutsCreated != tt.sets || st.PipelineLayoutsCreated != 1 {
				t.Errorf("registry stats = %+v, want %d set layouts and one pipeline layout", st, tt.sets)
			}
		})
	}
}

func TestConcurrentRegisterMergesMembers(t *testing.T) {
	reg := NewRegistry(drivertest.NewDevice())
	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info := NewDescriptorInfo("Globals", vk.DescriptorTypeUniformBufferDynamic, workers*4, 1, map[string]MemberRange{
				fmt.Sprintf("m%d", i): {Offset: uint64(i) * 4, Range: 4},
			})
			if _, conflicts, err := reg.RegisterDescriptorInfo(info); err != nil || len(conflicts) > 0 {
				t.Errorf("register %d: %v %v", i, conflicts, err)
			}
		}(i)
	}
	wg.Wait()

	info := NewDescriptorInfo("Globals", vk.DescriptorTypeUniformBufferDynamic, workers*4, 1, nil)
	got, ok := reg.DescriptorInfo(info.Hash())
	if !ok {
		t.Fatal("block not registered")
	}
	if len(got.Members) != workers {
		t.Errorf("merged %d members, want %d", len(got.Members), workers)
	}
	if reg.Stats().DescriptorInfos != 1 {
		t.Errorf("stats = %+v", reg.Stats())
	}
}
