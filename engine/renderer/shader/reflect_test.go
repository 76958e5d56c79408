package shader

import (
	"testing"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/renderer/shader/shadertest"
)

func TestReflectVertexStage(t *testing.T) {
	vertex, _ := shadertest.Textured()
	r, err := Reflect(vertex, vk.ShaderStageVertexBit, "")
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if r.EntryPoint != "main" {
		t.Errorf("entry point = %q", r.EntryPoint)
	}
	if len(r.Resources) != 1 {
		t.Fatalf("got %d resources, want 1", len(r.Resources))
	}
	res := r.Resources[0]
	if res.Name != "transform" || res.TypeName != "Transform" {
		t.Errorf("names = %q/%q", res.Name, res.TypeName)
	}
	if res.Type != vk.DescriptorTypeUniformBufferDynamic {
		t.Errorf("type = %v", res.Type)
	}
	if res.Size != 64 {
		t.Errorf("size = %d, want 64", res.Size)
	}
	if got := res.Members["modelMatrix"]; got != (MemberRange{Offset: 0, Range: 64}) {
		t.Errorf("modelMatrix = %+v", got)
	}

	wantInputs := []struct {
		name     string
		location uint32
		format   vk.Format
		size     uint32
	}{
		{"inPos", 0, vk.FormatR32g32b32Sfloat, 12},
		{"inColor", 1, vk.FormatR32g32b32a32Sfloat, 16},
		{"inUV", 2, vk.FormatR32g32Sfloat, 8},
	}
	if len(r.Inputs) != len(wantInputs) {
		t.Fatalf("got %d inputs, want %d", len(r.Inputs), len(wantInputs))
	}
	for i, want := range wantInputs {
		in := r.Inputs[i]
		if in.Name != want.name || in.Location != want.location || in.Format != want.format || in.Size != want.size {
			t.Errorf("input %d = %+v, want %+v", i, in, want)
		}
	}
}

func TestReflectSkipsBuiltinsAndUnreferenced(t *testing.T) {
	b := shadertest.NewBuilder()
	b.BuiltinInput("gl_VertexIndex", 42)
	b.Input("inPos", 0, 3)
	b.UniformBlock("Unused", "unused", 0, 0, []shadertest.Member{
		{Name: "a", Type: b.Float(), Offset: 0},
	})
	b.UniformBlock("Partial", "partial", 0, 1, []shadertest.Member{
		{Name: "a", Type: b.Float(), Offset: 0},
		{Name: "b", Type: b.VecF(4), Offset: 16},
	}, 1)

	r, err := Reflect(b.Build(shadertest.Vertex, "main"), vk.ShaderStageVertexBit, "")
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if len(r.Inputs) != 1 || r.Inputs[0].Name != "inPos" {
		t.Errorf("inputs = %+v", r.Inputs)
	}
	if len(r.Resources) != 1 {
		t.Fatalf("resources = %+v", r.Resources)
	}
	res := r.Resources[0]
	if res.Name != "partial" {
		t.Errorf("resource = %s", res.Name)
	}
	if _, ok := res.Members["a"]; ok {
		t.Error("unreferenced member a was reflected")
	}
	if got := res.Members["b"]; got != (MemberRange{Offset: 16, Range: 16}) {
		t.Errorf("b = %+v", got)
	}
	// the block size covers every member, referenced or not
	if res.Size != 32 {
		t.Errorf("size = %d, want 32", res.Size)
	}
}

func TestReflectDescriptorTypes(t *testing.T) {
	b := shadertest.NewBuilder()
	b.Texture("albedo", 0, 0)
	b.StorageImage("target", 0, 1)
	b.Sampler("linear", 0, 2)
	code := b.Build(shadertest.Fragment, "main")

	r, err := Reflect(code, vk.ShaderStageFragmentBit, "main")
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	want := []vk.DescriptorType{
		vk.DescriptorTypeCombinedImageSampler,
		vk.DescriptorTypeStorageImage,
		vk.DescriptorTypeSampler,
	}
	if len(r.Resources) != len(want) {
		t.Fatalf("got %d resources", len(r.Resources))
	}
	for i, typ := range want {
		if r.Resources[i].Type != typ {
			t.Errorf("binding %d: type %v, want %v", i, r.Resources[i].Type, typ)
		}
		if r.Resources[i].Binding != uint32(i) {
			t.Errorf("resources not sorted by binding: %+v", r.Resources)
		}
	}
	if len(r.Inputs) != 0 {
		t.Errorf("fragment stage reported vertex inputs: %+v", r.Inputs)
	}
}

func TestReflectCompute(t *testing.T) {
	r, err := Reflect(shadertest.Particles(), vk.ShaderStageComputeBit, "")
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if r.LocalSize != [3]uint32{8, 8, 1} {
		t.Errorf("local size = %v", r.LocalSize)
	}
	if len(r.Resources) != 3 {
		t.Fatalf("resources = %+v", r.Resources)
	}
	particles := r.Resources[0]
	if particles.Type != vk.DescriptorTypeStorageBuffer || particles.Size != 64*16 {
		t.Errorf("particles = %+v", particles)
	}
	params := r.Resources[1]
	if params.Type != vk.DescriptorTypeUniformBufferDynamic || len(params.Members) != 2 {
		t.Errorf("params = %+v", params)
	}
	if got := params.Members["count"]; got != (MemberRange{Offset: 4, Range: 4}) {
		t.Errorf("count = %+v", got)
	}
	if r.Resources[2].Type != vk.DescriptorTypeStorageImage {
		t.Errorf("target = %+v", r.Resources[2])
	}
}

func TestReflectPushConstants(t *testing.T) {
	b := shadertest.NewBuilder()
	b.PushConstants("Push", []shadertest.Member{
		{Name: "model", Type: b.Mat4(), Offset: 0},
		{Name: "color", Type: b.VecF(4), Offset: 64},
	})
	r, err := Reflect(b.Build(shadertest.Vertex, "main"), vk.ShaderStageVertexBit, "")
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if r.PushConstants == nil {
		t.Fatal("no push constant block")
	}
	if r.PushConstants.Size != 80 {
		t.Errorf("size = %d, want 80", r.PushConstants.Size)
	}
	if got := r.PushConstants.Members["color"]; got != (MemberRange{Offset: 64, Range: 16}) {
		t.Errorf("color = %+v", got)
	}
}

func TestReflectErrors(t *testing.T) {
	vertex, _ := shadertest.ModelMatrix()
	tests := []struct {
		name  string
		code  []uint32
		stage vk.ShaderStageFlagBits
		entry string
	}{
		{"short", []uint32{0x07230203}, vk.ShaderStageVertexBit, ""},
		{"bad magic", []uint32{1, 2, 3, 4, 5}, vk.ShaderStageVertexBit, ""},
		{"wrong stage", vertex, vk.ShaderStageComputeBit, ""},
		{"wrong entry", vertex, vk.ShaderStageVertexBit, "other"},
		{"truncated", vertex[:len(vertex)-1], vk.ShaderStageVertexBit, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Reflect(tt.code, tt.stage, tt.entry); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestReflectByteSwapped(t *testing.T) {
	vertex, _ := shadertest.ModelMatrix()
	swapped := make([]uint32, len(vertex))
	for i, w := range vertex {
		swapped[i] = w>>24 | (w>>8)&0xff00 | (w<<8)&0xff0000 | w<<24
	}
	r, err := Reflect(swapped, vk.ShaderStageVertexBit, "")
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if len(r.Resources) != 1 || r.Resources[0].TypeName != "Transform" {
		t.Errorf("resources = %+v", r.Resources)
	}
}
