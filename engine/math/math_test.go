package math

import (
	stdmath "math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

func TestClamp(t *testing.T) {
	tests := []struct {
		name         string
		v, low, high float32
		want         float32
	}{
		{"below", -2, -1, 1, -1},
		{"inside", 0.5, -1, 1, 0.5},
		{"above", 3, -1, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clamp(tt.v, tt.low, tt.high); got != tt.want {
				t.Errorf("Clamp(%v) = %v, want %v", tt.v, got, tt.want)
			}
		})
	}
	if got := Clamp(10, 0, 4); got != 4 {
		t.Errorf("int Clamp = %d, want 4", got)
	}
}

func TestTransformWorld(t *testing.T) {
	parent := TransformFromPosition(mgl32.Vec3{10, 0, 0})
	child := TransformCreate()
	child.Parent = parent
	child.SetPosition(mgl32.Vec3{0, 2, 0})
	child.SetScale(mgl32.Vec3{2, 2, 2})

	p := mgl32.TransformCoordinate(mgl32.Vec3{1, 0, 0}, child.World())
	if !p.ApproxEqual(mgl32.Vec3{12, 2, 0}) {
		t.Fatalf("world point = %v", p)
	}

	parent.Translate(mgl32.Vec3{0, 0, 5})
	p = mgl32.TransformCoordinate(mgl32.Vec3{}, child.World())
	if !p.ApproxEqual(mgl32.Vec3{10, 2, 5}) {
		t.Fatalf("world point after parent moved = %v", p)
	}

	var none *Transform
	if none.World() != mgl32.Ident4() {
		t.Fatal("nil transform is not identity")
	}
}

func TestTransformRotateAxis(t *testing.T) {
	tr := TransformCreate()
	tr.RotateAxis(mgl32.DegToRad(90), mgl32.Vec3{0, 1, 0})
	p := mgl32.TransformCoordinate(mgl32.Vec3{1, 0, 0}, tr.Local())
	if !p.ApproxEqualThreshold(mgl32.Vec3{0, 0, -1}, 1e-5) {
		t.Fatalf("rotated point = %v", p)
	}
}

func TestCamera(t *testing.T) {
	c := NewCamera()
	if f := c.Forward(); !f.ApproxEqual(mgl32.Vec3{0, 0, -1}) {
		t.Fatalf("forward = %v", f)
	}
	c.MoveForward(3)
	if p := c.Position(); !p.ApproxEqual(mgl32.Vec3{0, 0, -3}) {
		t.Fatalf("position = %v", p)
	}
	eye := mgl32.TransformCoordinate(c.Position(), c.View())
	if !eye.ApproxEqual(mgl32.Vec3{}) {
		t.Fatalf("camera position in view space = %v", eye)
	}

	c.Pitch(10)
	if got := c.EulerRotation().X(); got != pitchLimit {
		t.Fatalf("pitch = %v, want clamped to %v", got, pitchLimit)
	}

	c.Reset()
	c.Yaw(float32(stdmath.Pi / 2))
	if r := c.Right(); !r.ApproxEqualThreshold(mgl32.Vec3{0, 0, -1}, 1e-5) {
		t.Fatalf("right after yaw = %v", r)
	}
}

func TestPerspectiveDepthRange(t *testing.T) {
	p := Perspective(mgl32.DegToRad(60), 1, 0.1, 100)
	near := p.Mul4x1(mgl32.Vec4{0, 0, -0.1, 1})
	far := p.Mul4x1(mgl32.Vec4{0, 0, -100, 1})
	if d := near.Z() / near.W(); stdmath.Abs(float64(d)) > 1e-4 {
		t.Errorf("near depth = %v, want 0", d)
	}
	if d := far.Z() / far.W(); stdmath.Abs(float64(d-1)) > 1e-4 {
		t.Errorf("far depth = %v, want 1", d)
	}
	up := p.Mul4x1(mgl32.Vec4{0, 1, -1, 1})
	if up.Y() >= 0 {
		t.Errorf("up maps to clip y %v, want negative", up.Y())
	}
}
