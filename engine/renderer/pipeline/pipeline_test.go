package pipeline

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/google/uuid"

	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
	"github.com/spaghettifunk/sketchvk/engine/renderer/driver/drivertest"
	"github.com/spaghettifunk/sketchvk/engine/renderer/shader"
	"github.com/spaghettifunk/sketchvk/engine/renderer/shader/shadertest"
)

func program(t *testing.T, dev *drivertest.Device, stages func() ([]uint32, []uint32)) *shader.Program {
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

func TestGraphicsStateHash(t *testing.T) {
	dev := drivertest.NewDevice()
	p := program(t, dev, shadertest.Textured)
	base := NewGraphicsState(p, 7)

	if base.Hash() != base.Hash() {
		t.Fatal("hash is not stable")
	}
	copied := base
	if copied.Hash() != base.Hash() {
		t.Error("copy hashes differently")
	}

	tests := []struct {
		name   string
		mutate func(s *GraphicsState)
		same   bool
	}{
		{"parent hash", func(s *GraphicsState) { s.ParentHash = 42 }, true},
		{"allow derivatives", func(s *GraphicsState) { s.AllowDerivatives = true }, false},
		{"cull mode", func(s *GraphicsState) { s.CullMode = vk.CullModeFlags(vk.CullModeNone) }, false},
		{"wireframe", func(s *GraphicsState) { s.PolygonMode = vk.PolygonModeLine }, false},
		{"blend", func(s *GraphicsState) { s.Blend = []driver.BlendAttachment{Opaque} }, false},
		{"depth write", func(s *GraphicsState) { s.DepthWrite = false }, false},
		{"render pass", func(s *GraphicsState) { s.RenderPass = 8 }, false},
		{"subpass", func(s *GraphicsState) { s.Subpass = 1 }, false},
		{"line width", func(s *GraphicsState) { s.LineWidth = 2 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			s.Blend = append([]driver.BlendAttachment(nil), base.Blend...)
			tt.mutate(&s)
			if got := s.Hash() == base.Hash(); got != tt.same {
				t.Errorf("same hash = %v, want %v", got, tt.same)
			}
		})
	}

	other := program(t, dev, shadertest.ModelMatrix)
	if NewGraphicsState(other, 7).Hash() == base.Hash() {
		t.Error("different shaders share a hash")
	}
}

func TestVertexInputOneStreamPerLocation(t *testing.T) {
	dev := drivertest.NewDevice()
	p := program(t, dev, shadertest.Textured)
	bindings, attributes := VertexInput(p)
	if len(bindings) != 3 || len(attributes) != 3 {
		t.Fatalf("bindings = %+v", bindings)
	}
	strides := []uint32{12, 16, 8}
	for i := range bindings {
		if bindings[i].Binding != uint32(i) || bindings[i].Stride != strides[i] {
			t.Errorf("binding %d = %+v", i, bindings[i])
		}
		if attributes[i].Binding != attributes[i].Location || attributes[i].Offset != 0 {
			t.Errorf("attribute %d = %+v", i, attributes[i])
		}
	}
}

func TestCacheReusesPipelines(t *testing.T) {
	dev := drivertest.NewDevice()
	p := program(t, dev, shadertest.Textured)
	cache, err := NewCache(dev, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Destroy()

	a := NewGraphicsState(p, 1)
	b := NewGraphicsState(p, 1)
	pa, created, err := cache.GetOrCreate(&a)
	if err != nil || !created {
		t.Fatalf("first GetOrCreate = %v, %v", created, err)
	}
	pb, created, err := cache.GetOrCreate(&b)
	if err != nil || created {
		t.Fatalf("second GetOrCreate = %v, %v", created, err)
	}
	if pa != pb {
		t.Error("identical states got different pipelines")
	}
	if dev.PipelinesCreated != 1 {
		t.Errorf("pipelines created = %d", dev.PipelinesCreated)
	}
	if s := cache.Stats(); s.Hits != 1 || s.Misses != 1 || s.Live != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestCacheDerivesFromParent(t *testing.T) {
	dev := drivertest.NewDevice()
	p := program(t, dev, shadertest.Textured)
	cache, _ := NewCache(dev, nil)

	parent := NewGraphicsState(p, 1)
	parent.AllowDerivatives = true
	if _, _, err := cache.GetOrCreate(&parent); err != nil {
		t.Fatal(err)
	}

	child := parent
	child.PolygonMode = vk.PolygonModeLine
	child.ParentHash = parent.Hash()
	if _, _, err := cache.GetOrCreate(&child); err != nil {
		t.Fatal(err)
	}
	if dev.DerivedPipelines != 1 || cache.Stats().Derived != 1 {
		t.Errorf("derived = %d / %d", dev.DerivedPipelines, cache.Stats().Derived)
	}

	orphan := parent
	orphan.CullMode = vk.CullModeFlags(vk.CullModeNone)
	orphan.ParentHash = 12345
	if _, created, err := cache.GetOrCreate(&orphan); err != nil || !created {
		t.Fatalf("orphan = %v, %v", created, err)
	}
	if dev.DerivedPipelines != 1 {
		t.Error("missing parent still produced a derivative")
	}
}

func TestCacheRefusesNonDerivableParent(t *testing.T) {
	dev := drivertest.NewDevice()
	p := program(t, dev, shadertest.Textured)
	cache, _ := NewCache(dev, nil)

	plain := NewGraphicsState(p, 1)
	if _, _, err := cache.GetOrCreate(&plain); err != nil {
		t.Fatal(err)
	}
	derivable := plain
	derivable.AllowDerivatives = true
	if _, created, err := cache.GetOrCreate(&derivable); err != nil || !created {
		t.Fatalf("derivable twin = %v, %v; it must not share the plain entry", created, err)
	}

	tests := []struct {
		name    string
		parent  uint64
		derived int
	}{
		{"plain parent", plain.Hash(), 0},
		{"derivable parent", derivable.Hash(), 1},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			child := plain
			child.LineWidth = float32(2 + i)
			child.ParentHash = tt.parent
			before := dev.DerivedPipelines
			if _, created, err := cache.GetOrCreate(&child); err != nil || !created {
				t.Fatalf("child = %v, %v", created, err)
			}
			if got := dev.DerivedPipelines - before; got != tt.derived {
				t.Errorf("derived pipelines = %d, want %d", got, tt.derived)
			}
		})
	}
}

func TestCacheEvictAndCollect(t *testing.T) {
	dev := drivertest.NewDevice()
	p := program(t, dev, shadertest.Textured)
	cache, _ := NewCache(dev, nil)

	old := NewGraphicsState(p, 1)
	fresh := NewGraphicsState(p, 2)
	cache.SetFrame(1)
	oldPipeline, _, _ := cache.GetOrCreate(&old)
	cache.SetFrame(100)
	freshPipeline, _, _ := cache.GetOrCreate(&fresh)

	retired := cache.Collect(50)
	if len(retired) != 1 || retired[0] != oldPipeline {
		t.Errorf("collected %v, want [%d]", retired, oldPipeline)
	}
	if _, ok := cache.Get(old.Hash()); ok {
		t.Error("collected entry still cached")
	}
	got, ok := cache.Evict(fresh.Hash())
	if !ok || got != freshPipeline {
		t.Errorf("Evict = %d, %v", got, ok)
	}
	if _, ok := cache.Evict(fresh.Hash()); ok {
		t.Error("second Evict succeeded")
	}
	if s := cache.Stats(); s.Evicted != 2 || s.Live != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestComputeState(t *testing.T) {
	dev := drivertest.NewDevice()
	s := shader.New(dev, shader.NewRegistry(dev), shader.Settings{
		Name:    "particles",
		Sources: []shader.Source{{Stage: vk.ShaderStageComputeBit, SPIRV: shadertest.Particles()}},
	})
	if _, err := s.Compile(); err != nil {
		t.Fatal(err)
	}
	cache, _ := NewCache(dev, nil)
	state := &ComputeState{Shader: s.Program()}
	if _, _, err := cache.GetOrCreate(state); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	g := NewGraphicsState(s.Program(), 1)
	if _, err := g.Create(dev, 0, 0); err == nil {
		t.Error("graphics state accepted a compute shader")
	}
}

func TestBlobRoundTrip(t *testing.T) {
	props := drivertest.DefaultProperties()
	path := filepath.Join(t.TempDir(), "cache", "pipelines.bin")

	blob, err := LoadBlob(path, props)
	if err != nil || blob != nil {
		t.Fatalf("missing file = %v, %v", blob, err)
	}
	want := drivertest.CacheBlob(props, []byte{1, 2, 3})
	if err := SaveBlob(path, want); err != nil {
		t.Fatalf("SaveBlob: %v", err)
	}
	got, err := LoadBlob(path, props)
	if err != nil || string(got) != string(want) {
		t.Fatalf("LoadBlob = %v, %v", got, err)
	}
}

func TestValidateBlob(t *testing.T) {
	props := drivertest.DefaultProperties()
	other := props
	other.PipelineCacheUUID = uuid.New()

	patch := func(offset int, v uint32) []byte {
		b := drivertest.CacheBlob(props, nil)
		binary.LittleEndian.PutUint32(b[offset:], v)
		return b
	}
	tests := []struct {
		name  string
		blob  []byte
		valid bool
	}{
		{"valid", drivertest.CacheBlob(props, []byte{9}), true},
		{"short", make([]byte, 16), false},
		{"header length", patch(0, 16), false},
		{"version", patch(4, 2), false},
		{"vendor", patch(8, 0x1002), false},
		{"device", patch(12, 1), false},
		{"uuid", drivertest.CacheBlob(other, nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBlob(tt.blob, props)
			if tt.valid && err != nil {
				t.Errorf("unexpected error %v", err)
			}
			if !tt.valid && !errors.Is(err, ErrBlobMismatch) {
				t.Errorf("err = %v, want ErrBlobMismatch", err)
			}
		})
	}

	path := filepath.Join(t.TempDir(), "foreign.bin")
	if err := os.WriteFile(path, drivertest.CacheBlob(other, nil), 0o644); err != nil {
		t.Fatal(err)
	}
	if blob, err := LoadBlob(path, props); blob != nil || err != nil {
		t.Errorf("foreign blob loaded: %v, %v", blob, err)
	}
}
