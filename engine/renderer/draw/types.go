// Package draw holds the per draw and per dispatch command objects. A command
// is set up once against a shader, filled with uniform values, textures and
// geometry every frame, and committed into transient memory before it is
// recorded.
package draw

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
)

var (
	ErrNotSetUp         = errors.New("command has no shader")
	ErrUniformNotFound  = errors.New("uniform not found")
	ErrUniformSize      = errors.New("uniform size mismatch")
	ErrResourceNotFound = errors.New("resource not found")
	ErrResourceType     = errors.New("resource has another descriptor type")
	ErrUnbound          = errors.New("resource not assigned")
	ErrNoPositions      = errors.New("mesh has no positions")
	ErrOffsetRange      = errors.New("dynamic offset out of 32 bit range")
)

// BufferRegion is a range of a GPU buffer.
type BufferRegion struct {
	Buffer driver.Buffer
	Offset uint64
	Size   uint64
}

func (r BufferRegion) Valid() bool {
	return r.Buffer != 0 && r.Size > 0
}

// Texture is everything a descriptor needs to reference an image.
type Texture struct {
	Image   driver.Image
	View    driver.ImageView
	Sampler driver.Sampler
	Layout  vk.ImageLayout
	Width   uint32
	Height  uint32
}

// Allocator is the transient memory commands are committed into.
type Allocator interface {
	Allocate(n uint64) (uint64, error)
	// Bytes is the host view of an allocation, nil when not host visible.
	Bytes(offset, size uint64) []byte
	Buffer() driver.Buffer
}

// Method selects between vkCmdDraw and vkCmdDrawIndexed.
type Method int

const (
	Direct Method = iota
	Indexed
)

// Mesh is CPU side geometry uploaded at commit time.
type Mesh interface {
	Positions() []mgl32.Vec3
	Normals() []mgl32.Vec3
	Colors() []mgl32.Vec4
	TexCoords() []mgl32.Vec2
	Indices() []uint32

	UsesNormals() bool
	UsesColors() bool
	UsesTexCoords() bool
	UsesIndices() bool
}

// SimpleMesh is a Mesh backed by plain slices. An attribute is used when its
// slice is not empty.
type SimpleMesh struct {
	Vertices []mgl32.Vec3
	Normal   []mgl32.Vec3
	Color    []mgl32.Vec4
	UV       []mgl32.Vec2
	Index    []uint32
}

func (m *SimpleMesh) Positions() []mgl32.Vec3 { return m.Vertices }
func (m *SimpleMesh) Normals() []mgl32.Vec3   { return m.Normal }
func (m *SimpleMesh) Colors() []mgl32.Vec4    { return m.Color }
func (m *SimpleMesh) TexCoords() []mgl32.Vec2 { return m.UV }
func (m *SimpleMesh) Indices() []uint32       { return m.Index }
func (m *SimpleMesh) UsesNormals() bool       { return len(m.Normal) > 0 }
func (m *SimpleMesh) UsesColors() bool        { return len(m.Color) > 0 }
func (m *SimpleMesh) UsesTexCoords() bool     { return len(m.UV) > 0 }
func (m *SimpleMesh) UsesIndices() bool       { return len(m.Index) > 0 }

// Bytes encodes a fixed size value (numbers, mgl32 vectors and matrices,
// arrays and slices of them, plain structs) as little endian bytes.
func Bytes(value any) ([]byte, error) {
	if b, ok := value.([]byte); ok {
		return b, nil
	}
	if binary.Size(value) < 0 {
		return nil, errors.Newf("cannot encode a %T as uniform data", value)
	}
	return binary.Append(nil, binary.LittleEndian, value)
}
