package math

import "github.com/go-gl/mathgl/mgl32"

// 89 degrees.
const pitchLimit = float32(1.55334306)

// Camera is a free-fly camera using Euler angles (pitch, yaw, roll) in
// radians. The view matrix is rebuilt on demand after any change.
type Camera struct {
	position      mgl32.Vec3
	eulerRotation mgl32.Vec3
	isDirty       bool
	view          mgl32.Mat4
}

func NewCamera() *Camera {
	c := &Camera{}
	c.Reset()
	return c
}

func (c *Camera) Reset() {
	c.eulerRotation = mgl32.Vec3{}
	c.position = mgl32.Vec3{}
	c.isDirty = false
	c.view = mgl32.Ident4()
}

func (c *Camera) Position() mgl32.Vec3 {
	return c.position
}

func (c *Camera) SetPosition(position mgl32.Vec3) {
	c.position = position
	c.isDirty = true
}

func (c *Camera) EulerRotation() mgl32.Vec3 {
	return c.eulerRotation
}

func (c *Camera) SetEulerRotation(rotation mgl32.Vec3) {
	c.eulerRotation = rotation
	c.isDirty = true
}

// View is the inverse of the camera's world matrix.
func (c *Camera) View() mgl32.Mat4 {
	if c.isDirty {
		rotation := mgl32.AnglesToQuat(c.eulerRotation.X(), c.eulerRotation.Y(), c.eulerRotation.Z(), mgl32.XYZ).Mat4()
		translation := mgl32.Translate3D(c.position.X(), c.position.Y(), c.position.Z())
		c.view = translation.Mul4(rotation).Inv()
		c.isDirty = false
	}
	return c.view
}

// Forward is -Z in camera space expressed in world space.
func (c *Camera) Forward() mgl32.Vec3 {
	v := c.View()
	return mgl32.Vec3{-v.At(2, 0), -v.At(2, 1), -v.At(2, 2)}.Normalize()
}

func (c *Camera) Backward() mgl32.Vec3 {
	return c.Forward().Mul(-1)
}

func (c *Camera) Right() mgl32.Vec3 {
	v := c.View()
	return mgl32.Vec3{v.At(0, 0), v.At(0, 1), v.At(0, 2)}.Normalize()
}

func (c *Camera) Left() mgl32.Vec3 {
	return c.Right().Mul(-1)
}

func (c *Camera) move(direction mgl32.Vec3, amount float32) {
	c.position = c.position.Add(direction.Mul(amount))
	c.isDirty = true
}

func (c *Camera) MoveForward(amount float32)  { c.move(c.Forward(), amount) }
func (c *Camera) MoveBackward(amount float32) { c.move(c.Backward(), amount) }
func (c *Camera) MoveLeft(amount float32)     { c.move(c.Left(), amount) }
func (c *Camera) MoveRight(amount float32)    { c.move(c.Right(), amount) }
func (c *Camera) MoveUp(amount float32)       { c.move(mgl32.Vec3{0, 1, 0}, amount) }
func (c *Camera) MoveDown(amount float32)     { c.move(mgl32.Vec3{0, -1, 0}, amount) }

func (c *Camera) Yaw(amount float32) {
	c.eulerRotation[1] += amount
	c.isDirty = true
}

func (c *Camera) Pitch(amount float32) {
	c.eulerRotation[0] += amount
	// Clamp to avoid Gimbal lock.
	c.eulerRotation[0] = Clamp(c.eulerRotation[0], -pitchLimit, pitchLimit)
	c.isDirty = true
}

// Perspective returns a Vulkan clip space projection: depth in [0, 1] and Y
// pointing down.
func Perspective(fovy, aspect, near, far float32) mgl32.Mat4 {
	p := mgl32.Perspective(fovy, aspect, near, far)
	// OpenGL to Vulkan clip space
	clip := mgl32.Mat4{
		1, 0, 0, 0,
		0, -1, 0, 0,
		0, 0, 0.5, 0,
		0, 0, 0.5, 1,
	}
	return clip.Mul4(p)
}
