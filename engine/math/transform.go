package math

import "github.com/go-gl/mathgl/mgl32"

// Transform is a position, rotation and scale with an optional parent. The
// local matrix is rebuilt lazily after any change.
type Transform struct {
	Position mgl32.Vec3
	Rotation mgl32.Quat
	Scale    mgl32.Vec3
	Parent   *Transform

	local   mgl32.Mat4
	isDirty bool
}

func TransformCreate() *Transform {
	return TransformFromPositionRotationScale(mgl32.Vec3{}, mgl32.QuatIdent(), mgl32.Vec3{1, 1, 1})
}

func TransformFromPosition(position mgl32.Vec3) *Transform {
	return TransformFromPositionRotationScale(position, mgl32.QuatIdent(), mgl32.Vec3{1, 1, 1})
}

func TransformFromPositionRotationScale(position mgl32.Vec3, rotation mgl32.Quat, scale mgl32.Vec3) *Transform {
	t := &Transform{local: mgl32.Ident4()}
	t.SetPositionRotationScale(position, rotation, scale)
	return t
}

func (t *Transform) SetPosition(position mgl32.Vec3) {
	t.Position = position
	t.isDirty = true
}

func (t *Transform) Translate(translation mgl32.Vec3) {
	t.Position = t.Position.Add(translation)
	t.isDirty = true
}

func (t *Transform) SetRotation(rotation mgl32.Quat) {
	t.Rotation = rotation
	t.isDirty = true
}

func (t *Transform) Rotate(rotation mgl32.Quat) {
	t.Rotation = t.Rotation.Mul(rotation).Normalize()
	t.isDirty = true
}

// RotateAxis rotates by angle radians around axis.
func (t *Transform) RotateAxis(angle float32, axis mgl32.Vec3) {
	t.Rotate(mgl32.QuatRotate(angle, axis))
}

func (t *Transform) SetScale(scale mgl32.Vec3) {
	t.Scale = scale
	t.isDirty = true
}

func (t *Transform) SetPositionRotationScale(position mgl32.Vec3, rotation mgl32.Quat, scale mgl32.Vec3) {
	t.Position = position
	t.Rotation = rotation
	t.Scale = scale
	t.isDirty = true
}

// Local returns translation * rotation * scale.
func (t *Transform) Local() mgl32.Mat4 {
	if t == nil {
		return mgl32.Ident4()
	}
	if t.isDirty {
		tr := mgl32.Translate3D(t.Position.X(), t.Position.Y(), t.Position.Z())
		s := mgl32.Scale3D(t.Scale.X(), t.Scale.Y(), t.Scale.Z())
		t.local = tr.Mul4(t.Rotation.Mat4()).Mul4(s)
		t.isDirty = false
	}
	return t.local
}

// World applies the parent chain to the local matrix.
func (t *Transform) World() mgl32.Mat4 {
	if t == nil {
		return mgl32.Ident4()
	}
	l := t.Local()
	if t.Parent != nil {
		return t.Parent.World().Mul4(l)
	}
	return l
}
