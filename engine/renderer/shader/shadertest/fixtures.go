package shadertest

// ModelMatrix is a vertex and fragment pair whose only resource is the
// 64 byte block Transform { mat4 modelMatrix; } at set 0, binding 0. The
// vertex stage reads inPos (vec3) at location 0.
func ModelMatrix() (vertex, fragment []uint32) {
	vb := NewBuilder()
	vb.Input("inPos", 0, 3)
	vb.BuiltinInput("gl_VertexIndex", 42)
	vb.UniformBlock("Transform", "transform", 0, 0, []Member{
		{Name: "modelMatrix", Type: vb.Mat4(), Offset: 0},
	}, 0)
	vertex = vb.Build(Vertex, "main")

	fragment = NewBuilder().Build(Fragment, "main")
	return vertex, fragment
}

// Textured reads inPos (vec3, 0), inColor (vec4, 1) and inUV (vec2, 2) with
// a Transform block at set 0 binding 0. The fragment stage samples albedo
// at set 1 binding 0 and reads Material { vec4 tint; } at set 1 binding 1.
func Textured() (vertex, fragment []uint32) {
	vb := NewBuilder()
	vb.Input("inPos", 0, 3)
	vb.Input("inColor", 1, 4)
	vb.Input("inUV", 2, 2)
	vb.UniformBlock("Transform", "transform", 0, 0, []Member{
		{Name: "modelMatrix", Type: vb.Mat4(), Offset: 0},
	}, 0)
	vertex = vb.Build(Vertex, "main")

	fb := NewBuilder()
	fb.Texture("albedo", 1, 0)
	fb.UniformBlock("Material", "material", 1, 1, []Member{
		{Name: "tint", Type: fb.VecF(4), Offset: 0},
	}, 0)
	fragment = fb.Build(Fragment, "main")
	return vertex, fragment
}

// Particles is a compute stage with an 8x8x1 workgroup. It writes the
// storage buffer Particles at set 0 binding 0, reads Params { float dt;
// float count; } at set 0 binding 1 and stores to the image target at set 0
// binding 2.
func Particles() []uint32 {
	b := NewBuilder()
	b.LocalSize(8, 8, 1)
	b.StorageBlock("Particles", "particles", 0, 0, []Member{
		{Name: "data", Type: b.Array(b.VecF(4), 64, 16), Offset: 0},
	})
	b.UniformBlock("Params", "params", 0, 1, []Member{
		{Name: "dt", Type: b.Float(), Offset: 0},
		{Name: "count", Type: b.Float(), Offset: 4},
	}, 0, 1)
	b.StorageImage("target", 0, 2)
	return b.Build(Compute, "main")
}

// UniformSet declares n single float uniform blocks U0..Un-1 in set 0 at
// bindings 0..n-1, all referenced by a fragment stage.
func UniformSet(n int) (vertex, fragment []uint32) {
	vertex = NewBuilder().Build(Vertex, "main")
	fb := NewBuilder()
	for i := 0; i < n; i++ {
		name := "U" + string(rune('0'+i))
		fb.UniformBlock(name, "u"+string(rune('0'+i)), 0, i, []Member{
			{Name: "value" + string(rune('0'+i)), Type: fb.Float(), Offset: 0},
		}, 0)
	}
	fragment = fb.Build(Fragment, "main")
	return vertex, fragment
}
