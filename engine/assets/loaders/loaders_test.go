package loaders

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	vk "github.com/goki/vulkan"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// gradient is 2 pixels wide; row y is gray level 100*y.
func gradient(h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 2, h))
	for y := 0; y < h; y++ {
		for x := 0; x < 2; x++ {
			img.Set(x, y, color.NRGBA{uint8(100 * y), uint8(100 * y), uint8(100 * y), 255})
		}
	}
	return img
}

func TestDecodeImage(t *testing.T) {
	data := encodePNG(t, gradient(2))

	tests := []struct {
		name     string
		params   ImageParams
		firstRow uint8
	}{
		{"as stored", ImageParams{}, 0},
		{"flipped", ImageParams{FlipY: true}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := DecodeImage(bytes.NewReader(data), tt.params)
			if err != nil {
				t.Fatal(err)
			}
			if img.Width != 2 || img.Height != 2 {
				t.Fatalf("size = %dx%d", img.Width, img.Height)
			}
			if len(img.Pixels) != 2*2*4 {
				t.Fatalf("got %d bytes of pixels", len(img.Pixels))
			}
			if img.Pixels[0] != tt.firstRow || img.Pixels[3] != 255 {
				t.Errorf("first pixel = %v", img.Pixels[:4])
			}
		})
	}
}

func TestDecodeImageDownscale(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 64, 16))
	img, err := DecodeImage(bytes.NewReader(encodePNG(t, src)), ImageParams{MaxSize: 32})
	if err != nil {
		t.Fatal(err)
	}
	if img.Width != 32 || img.Height != 8 {
		t.Fatalf("size = %dx%d, want 32x8", img.Width, img.Height)
	}
	if len(img.Pixels) != 32*8*4 {
		t.Fatalf("got %d bytes of pixels", len(img.Pixels))
	}
}

func TestToRGBAPacksSubImages(t *testing.T) {
	big := image.NewRGBA(image.Rect(0, 0, 8, 8))
	big.Set(4, 4, color.RGBA{1, 2, 3, 4})
	sub := big.SubImage(image.Rect(4, 4, 6, 6))
	rgba := ToRGBA(sub, 0)
	if rgba.Bounds() != image.Rect(0, 0, 2, 2) || rgba.Stride != 8 {
		t.Fatalf("bounds %v stride %d", rgba.Bounds(), rgba.Stride)
	}
	if got := rgba.Pix[:4]; !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("first pixel = %v", got)
	}
}

const quadOBJ = `
o quad
v -1 -1 0
v 1 -1 0
v 1 1 0
v -1 1 0
vt 0 0
vt 1 0
vt 1 1
vt 0 1
usemtl plain
f 1/1 2/2 3/3 4/4
`

const quadMTL = `
newmtl plain
Kd 1 1 1
`

func TestDecodeOBJ(t *testing.T) {
	mesh, err := DecodeOBJ(strings.NewReader(quadOBJ), strings.NewReader(quadMTL))
	if err != nil {
		t.Fatal(err)
	}
	if len(mesh.Vertices) != 4 {
		t.Fatalf("got %d vertices, want 4 shared corners", len(mesh.Vertices))
	}
	want := []uint32{0, 1, 2, 0, 2, 3}
	if len(mesh.Index) != len(want) {
		t.Fatalf("indices = %v, want %v", mesh.Index, want)
	}
	for i := range want {
		if mesh.Index[i] != want[i] {
			t.Fatalf("indices = %v, want %v", mesh.Index, want)
		}
	}
	if !mesh.UsesTexCoords() || mesh.UsesNormals() {
		t.Fatalf("texcoords %v normals %v", mesh.UsesTexCoords(), mesh.UsesNormals())
	}
	if mesh.UV[0] != (mgl32.Vec2{0, 1}) || mesh.UV[2] != (mgl32.Vec2{1, 0}) {
		t.Errorf("texcoords not flipped: %v", mesh.UV)
	}
	if mesh.Vertices[2] != (mgl32.Vec3{1, 1, 0}) {
		t.Errorf("third vertex = %v", mesh.Vertices[2])
	}
}

func TestDecodeOBJWithoutFaces(t *testing.T) {
	_, err := DecodeOBJ(strings.NewReader("o empty\nv 0 0 0\n"), strings.NewReader(""))
	if err == nil {
		t.Fatal("expected an error for a model without faces")
	}
}

func TestStagesFromPath(t *testing.T) {
	tests := []struct {
		path    string
		name    string
		stages  []vk.ShaderStageFlagBits
		wantErr bool
	}{
		{"shaders/mesh.vert.spv", "mesh", []vk.ShaderStageFlagBits{vk.ShaderStageVertexBit}, false},
		{"shaders/mesh.frag.spv", "mesh", []vk.ShaderStageFlagBits{vk.ShaderStageFragmentBit}, false},
		{"particles.comp.wgsl", "particles", []vk.ShaderStageFlagBits{vk.ShaderStageComputeBit}, false},
		{"sprite.wgsl", "sprite", []vk.ShaderStageFlagBits{vk.ShaderStageVertexBit, vk.ShaderStageFragmentBit}, false},
		{"mesh.spv", "mesh", nil, true},
		{"mesh.glsl", "mesh", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			stages, err := StagesFromPath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(stages) != len(tt.stages) {
				t.Fatalf("stages = %v, want %v", stages, tt.stages)
			}
			for i := range stages {
				if stages[i] != tt.stages[i] {
					t.Fatalf("stages = %v, want %v", stages, tt.stages)
				}
			}
			if got := ShaderName(tt.path); got != tt.name {
				t.Errorf("ShaderName = %q, want %q", got, tt.name)
			}
		})
	}
}
