package draw

import (
	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/sketchvk/engine/core"
	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
	"github.com/spaghettifunk/sketchvk/engine/renderer/pipeline"
)

// PipelineSource hands out pipelines for a state; *pipeline.Cache is one.
type PipelineSource interface {
	GetOrCreate(state pipeline.State) (driver.Pipeline, bool, error)
}

// ComputeCommand is the dispatch counterpart of DrawCommand.
type ComputeCommand struct {
	resources

	state    pipeline.ComputeState
	dispatch [3]uint32
}

func NewComputeCommand(state pipeline.ComputeState) *ComputeCommand {
	c := &ComputeCommand{}
	c.Setup(state)
	return c
}

func (c *ComputeCommand) Setup(state pipeline.ComputeState) *ComputeCommand {
	*c = ComputeCommand{state: state, dispatch: [3]uint32{1, 1, 1}}
	if state.Shader == nil {
		core.LogError("compute command set up without a shader")
		return c
	}
	c.resources.setup(state.Shader)
	return c
}

// Refresh moves the command to the program its shader publishes now.
func (c *ComputeCommand) Refresh() bool {
	cur := c.program.Current()
	if cur == nil || cur == c.program {
		return false
	}
	c.resources.rebase(cur)
	c.state.Shader = cur
	return true
}

func (c *ComputeCommand) State() *pipeline.ComputeState {
	return &c.state
}

func (c *ComputeCommand) SetUniform(name string, value any) *ComputeCommand {
	data, err := Bytes(value)
	if err == nil {
		err = c.setUniformBytes(name, data)
	}
	if err != nil {
		core.LogWarn("set uniform: %s", err.Error())
	}
	return c
}

func (c *ComputeCommand) SetUniformBytes(name string, data []byte) error {
	return c.setUniformBytes(name, data)
}

func (c *ComputeCommand) SetTexture(name string, tex Texture) *ComputeCommand {
	if err := c.setTexture(name, tex); err != nil {
		core.LogWarn("set texture: %s", err.Error())
	}
	return c
}

func (c *ComputeCommand) SetStorageBuffer(name string, region BufferRegion) *ComputeCommand {
	if err := c.setStorageBuffer(name, region); err != nil {
		core.LogWarn("set storage buffer: %s", err.Error())
	}
	return c
}

func (c *ComputeCommand) SetPushConstant(name string, value any) *ComputeCommand {
	data, err := Bytes(value)
	if err == nil {
		err = c.setPushConstantBytes(name, data)
	}
	if err != nil {
		core.LogWarn("set push constant: %s", err.Error())
	}
	return c
}

// SetDispatch sets the workgroup counts.
func (c *ComputeCommand) SetDispatch(x, y, z uint32) *ComputeCommand {
	c.dispatch = [3]uint32{max(x, 1), max(y, 1), max(z, 1)}
	return c
}

// SetInvocations sets the workgroup counts needed to cover x*y*z
// invocations with the shader's local size.
func (c *ComputeCommand) SetInvocations(x, y, z uint32) *ComputeCommand {
	if c.program == nil {
		return c
	}
	ls := c.program.LocalSize
	groups := func(n, size uint32) uint32 {
		size = max(size, 1)
		return (n + size - 1) / size
	}
	return c.SetDispatch(groups(x, ls[0]), groups(y, ls[1]), groups(z, ls[2]))
}

func (c *ComputeCommand) Dispatch() [3]uint32 {
	return c.dispatch
}

func (c *ComputeCommand) CommitUniforms(alloc Allocator) error {
	c.Refresh()
	return c.commitUniforms(alloc)
}

func (c *ComputeCommand) Clone() *ComputeCommand {
	n := *c
	n.resources = c.resources.clone()
	return &n
}

// Record binds the compute pipeline and the command's resources and
// dispatches.
func (c *ComputeCommand) Record(device driver.Device, cb driver.CommandBuffer, pipelines PipelineSource, resolver SetResolver) error {
	if c.program == nil {
		return ErrNotSetUp
	}
	p, _, err := pipelines.GetOrCreate(&c.state)
	if err != nil {
		return errors.Wrap(err, "compute pipeline")
	}
	device.CmdBindPipeline(cb, c.program.BindPoint(), p)
	if err := c.bind(device, cb, resolver); err != nil {
		return err
	}
	device.CmdDispatch(cb, c.dispatch[0], c.dispatch[1], c.dispatch[2])
	return nil
}
