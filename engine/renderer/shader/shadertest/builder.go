// Package shadertest assembles small SPIR-V modules for tests. Only the
// instructions reflection looks at are emitted; the result is never meant
// to run on a GPU.
package shadertest

const (
	opName             = 5
	opMemberName       = 6
	opEntryPoint       = 15
	opExecutionMode    = 16
	opTypeInt          = 21
	opTypeFloat        = 22
	opTypeVector       = 23
	opTypeMatrix       = 24
	opTypeImage        = 25
	opTypeSampler      = 26
	opTypeSampledImage = 27
	opTypeArray        = 28
	opTypeStruct       = 30
	opTypePointer      = 32
	opConstant         = 43
	opVariable         = 59
	opLoad             = 61
	opAccessChain      = 65
	opDecorate         = 71
	opMemberDecorate   = 72

	decorationBlock         = 2
	decorationArrayStride   = 6
	decorationMatrixStride  = 7
	decorationBuiltIn       = 11
	decorationLocation      = 30
	decorationBinding       = 33
	decorationDescriptorSet = 34
	decorationOffset        = 35
)

type StorageClass uint32

const (
	UniformConstant StorageClass = 0
	Input           StorageClass = 1
	Uniform         StorageClass = 2
	PushConstant    StorageClass = 9
	StorageBuffer   StorageClass = 12
)

type ExecutionModel uint32

const (
	Vertex   ExecutionModel = 0
	Fragment ExecutionModel = 4
	Compute  ExecutionModel = 5
)

// NoDecoration leaves out a set or binding decoration.
const NoDecoration = -1

// Member is one field of a block. Type is an id returned by the builder.
type Member struct {
	Name   string
	Type   uint32
	Offset uint32
}

type Builder struct {
	next uint32

	debug []uint32
	annot []uint32
	types []uint32
	code  []uint32

	interfaces []uint32
	localSize  *[3]uint32

	floatID    uint32
	ints       map[bool]uint32
	vectors    map[[2]uint32]uint32
	mat4ID     uint32
	constants  map[uint32]uint32
	uintTypeID uint32
}

func NewBuilder() *Builder {
	return &Builder{
		ints:      map[bool]uint32{},
		vectors:   map[[2]uint32]uint32{},
		constants: map[uint32]uint32{},
	}
}

func (b *Builder) id() uint32 {
	b.next++
	return b.next
}

func instruction(op uint32, args ...uint32) []uint32 {
	return append([]uint32{uint32(len(args)+1)<<16 | op}, args...)
}

func encodeString(s string) []uint32 {
	data := append([]byte(s), 0)
	for len(data)%4 != 0 {
		data = append(data, 0)
	}
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
	}
	return words
}

func (b *Builder) name(id uint32, name string) {
	if name == "" {
		return
	}
	b.debug = append(b.debug, instruction(opName, append([]uint32{id}, encodeString(name)...)...)...)
}

func (b *Builder) decorate(id uint32, decoration uint32, operands ...uint32) {
	b.annot = append(b.annot, instruction(opDecorate, append([]uint32{id, decoration}, operands...)...)...)
}

func (b *Builder) typ(op uint32, operands ...uint32) uint32 {
	id := b.id()
	b.types = append(b.types, instruction(op, append([]uint32{id}, operands...)...)...)
	return id
}

func (b *Builder) Float() uint32 {
	if b.floatID == 0 {
		b.floatID = b.typ(opTypeFloat, 32)
	}
	return b.floatID
}

func (b *Builder) Int(signed bool) uint32 {
	if id, ok := b.ints[signed]; ok {
		return id
	}
	s := uint32(0)
	if signed {
		s = 1
	}
	id := b.typ(opTypeInt, 32, s)
	b.ints[signed] = id
	return id
}

// Vec returns a vector of n components of the scalar type.
func (b *Builder) Vec(scalar, n uint32) uint32 {
	key := [2]uint32{scalar, n}
	if id, ok := b.vectors[key]; ok {
		return id
	}
	id := b.typ(opTypeVector, scalar, n)
	b.vectors[key] = id
	return id
}

// VecF is a float vector.
func (b *Builder) VecF(n uint32) uint32 {
	return b.Vec(b.Float(), n)
}

// Mat4 is a column major 4x4 float matrix; members of this type get a
// MatrixStride of 16.
func (b *Builder) Mat4() uint32 {
	if b.mat4ID == 0 {
		b.mat4ID = b.typ(opTypeMatrix, b.VecF(4), 4)
	}
	return b.mat4ID
}

// Array declares a fixed size array with an explicit stride.
func (b *Builder) Array(elem, length, stride uint32) uint32 {
	id := b.typ(opTypeArray, elem, b.Const(length))
	if stride != 0 {
		b.decorate(id, decorationArrayStride, stride)
	}
	return id
}

// Const declares a 32 bit unsigned constant.
func (b *Builder) Const(v uint32) uint32 {
	if id, ok := b.constants[v]; ok {
		return id
	}
	if b.uintTypeID == 0 {
		b.uintTypeID = b.Int(false)
	}
	id := b.id()
	b.types = append(b.types, instruction(opConstant, b.uintTypeID, id, v)...)
	b.constants[v] = id
	return id
}

func (b *Builder) pointer(storage StorageClass, typ uint32) uint32 {
	return b.typ(opTypePointer, uint32(storage), typ)
}

func (b *Builder) variable(storage StorageClass, typ uint32, name string, set, binding int) uint32 {
	ptr := b.pointer(storage, typ)
	id := b.id()
	b.types = append(b.types, instruction(opVariable, ptr, id, uint32(storage))...)
	b.name(id, name)
	if set != NoDecoration {
		b.decorate(id, decorationDescriptorSet, uint32(set))
	}
	if binding != NoDecoration {
		b.decorate(id, decorationBinding, uint32(binding))
	}
	return id
}

// Struct declares a Block decorated struct.
func (b *Builder) Struct(typeName string, members []Member) uint32 {
	args := make([]uint32, len(members))
	for i, m := range members {
		args[i] = m.Type
	}
	id := b.typ(opTypeStruct, args...)
	b.name(id, typeName)
	b.decorate(id, decorationBlock)
	for i, m := range members {
		b.debug = append(b.debug, instruction(opMemberName, append([]uint32{id, uint32(i)}, encodeString(m.Name)...)...)...)
		b.annot = append(b.annot, instruction(opMemberDecorate, id, uint32(i), decorationOffset, m.Offset)...)
		if m.Type == b.mat4ID && b.mat4ID != 0 {
			b.annot = append(b.annot, instruction(opMemberDecorate, id, uint32(i), decorationMatrixStride, 16)...)
		}
	}
	return id
}

// UniformBlock declares a uniform block variable. used lists the member
// indexes the shader reads; an empty list leaves the block unreferenced.
func (b *Builder) UniformBlock(typeName, varName string, set, binding int, members []Member, used ...int) uint32 {
	st := b.Struct(typeName, members)
	v := b.variable(Uniform, st, varName, set, binding)
	b.access(v, used)
	return v
}

// StorageBlock declares a storage buffer block read as a whole.
func (b *Builder) StorageBlock(typeName, varName string, set, binding int, members []Member) uint32 {
	st := b.Struct(typeName, members)
	v := b.variable(StorageBuffer, st, varName, set, binding)
	b.Load(v)
	return v
}

func (b *Builder) access(v uint32, members []int) {
	for _, m := range members {
		b.code = append(b.code, instruction(opAccessChain, b.Float(), b.id(), v, b.Const(uint32(m)))...)
	}
}

// Load marks a variable as used whole.
func (b *Builder) Load(v uint32) {
	b.code = append(b.code, instruction(opLoad, b.Float(), b.id(), v)...)
}

func (b *Builder) image(sampled uint32) uint32 {
	// sampled type, Dim 2D, depth, arrayed, multisampled, sampled, format
	return b.typ(opTypeImage, b.Float(), 1, 0, 0, 0, sampled, 0)
}

// Texture declares a combined image sampler.
func (b *Builder) Texture(name string, set, binding int) uint32 {
	st := b.typ(opTypeSampledImage, b.image(1))
	return b.variable(UniformConstant, st, name, set, binding)
}

func (b *Builder) StorageImage(name string, set, binding int) uint32 {
	return b.variable(UniformConstant, b.image(2), name, set, binding)
}

func (b *Builder) Sampler(name string, set, binding int) uint32 {
	return b.variable(UniformConstant, b.typ(opTypeSampler), name, set, binding)
}

// Input declares a float vertex input with the given component count.
func (b *Builder) Input(name string, location, components uint32) uint32 {
	typ := b.Float()
	if components > 1 {
		typ = b.VecF(components)
	}
	v := b.variable(Input, typ, name, NoDecoration, NoDecoration)
	b.decorate(v, decorationLocation, location)
	b.interfaces = append(b.interfaces, v)
	return v
}

// BuiltinInput declares a builtin such as VertexIndex (42).
func (b *Builder) BuiltinInput(name string, builtin uint32) uint32 {
	v := b.variable(Input, b.Int(true), name, NoDecoration, NoDecoration)
	b.decorate(v, decorationBuiltIn, builtin)
	b.interfaces = append(b.interfaces, v)
	return v
}

func (b *Builder) PushConstants(typeName string, members []Member) uint32 {
	st := b.Struct(typeName, members)
	v := b.variable(PushConstant, st, "", NoDecoration, NoDecoration)
	b.Load(v)
	return v
}

func (b *Builder) LocalSize(x, y, z uint32) {
	b.localSize = &[3]uint32{x, y, z}
}

// Build emits the module with one entry point.
func (b *Builder) Build(model ExecutionModel, entry string) []uint32 {
	fn := b.id()
	words := []uint32{0x07230203, 0x00010300, 0, b.next + 1, 0}
	ep := append([]uint32{uint32(model), fn}, encodeString(entry)...)
	ep = append(ep, b.interfaces...)
	words = append(words, instruction(opEntryPoint, ep...)...)
	if b.localSize != nil {
		words = append(words, instruction(opExecutionMode, fn, 17, b.localSize[0], b.localSize[1], b.localSize[2])...)
	}
	words = append(words, b.debug...)
	words = append(words, b.annot...)
	words = append(words, b.types...)
	words = append(words, b.code...)
	return words
}
