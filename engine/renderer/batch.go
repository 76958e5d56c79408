package renderer

import (
	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/core"
	"github.com/spaghettifunk/sketchvk/engine/renderer/draw"
	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
)

type BatchStats struct {
	Draws            int
	Skipped          int
	PipelinesBound   int
	PipelinesCreated int
	SetsBound        int
}

// RenderBatch records one render pass worth of draw commands into a single
// command buffer. Commands run in the order they were added; a pipeline is
// only bound when it differs from the previous command's.
type RenderBatch struct {
	ctx      *RenderContext
	commands []*draw.DrawCommand
	open     bool
	stats    BatchStats
}

func NewRenderBatch(ctx *RenderContext) *RenderBatch {
	return &RenderBatch{ctx: ctx}
}

func (b *RenderBatch) Begin() *RenderBatch {
	clear(b.commands)
	b.commands = b.commands[:0]
	b.stats = BatchStats{}
	b.open = true
	return b
}

// Draw commits a copy of cmd into the frame's transient memory and queues
// it. A command that fails to commit is logged and left out. The template
// itself is moved to its shader's current program first.
func (b *RenderBatch) Draw(cmd *draw.DrawCommand) *RenderBatch {
	if !b.open {
		core.LogWarn("render batch: draw outside Begin/End ignored")
		return b
	}
	if !b.ctx.recording {
		b.stats.Skipped++
		core.LogWarn("render batch: draw outside the context's Begin/End ignored")
		return b
	}
	cmd.Refresh()
	c := cmd.Clone()
	if c.State().RenderPass == 0 {
		c.State().RenderPass = b.ctx.settings.RenderPass
	}
	if err := c.Commit(b.ctx.TransientAllocator()); err != nil {
		b.stats.Skipped++
		core.LogError("render batch: skipping draw: %s", err.Error())
		return b
	}
	b.commands = append(b.commands, c)
	return b
}

func (b *RenderBatch) End() *RenderBatch {
	b.open = false
	return b
}

func (b *RenderBatch) Len() int {
	return len(b.commands)
}

func (b *RenderBatch) Stats() BatchStats {
	return b.stats
}

// Submit records the queued commands inside the context's render pass and
// hands the command buffer to the context.
func (b *RenderBatch) Submit() error {
	if b.open {
		b.End()
	}
	ctx := b.ctx
	device := ctx.device
	cb, err := ctx.AllocateCommandBuffer()
	if err != nil {
		return err
	}

	area := ctx.settings.RenderArea
	device.CmdSetViewport(cb, driver.Viewport{
		X:        float32(area.X),
		Y:        float32(area.Y),
		Width:    float32(area.Width),
		Height:   float32(area.Height),
		MinDepth: 0,
		MaxDepth: 1,
	})
	device.CmdSetScissor(cb, area)
	device.CmdBeginRenderPass(cb, driver.RenderPassBegin{
		RenderPass:  ctx.settings.RenderPass,
		Framebuffer: ctx.Framebuffer(),
		Area:        area,
		Clear:       ctx.settings.ClearValues,
	})

	var bound uint64
	hasBound := false
	for _, cmd := range b.commands {
		state := cmd.State()
		hash := state.Hash()
		if !hasBound || hash != bound {
			p, created, err := ctx.pipelines.GetOrCreate(state)
			if err != nil {
				b.stats.Skipped++
				core.LogError("render batch: pipeline for shader %s: %s", cmd.Program().Name, err.Error())
				continue
			}
			if created {
				b.stats.PipelinesCreated++
			}
			device.CmdBindPipeline(cb, vk.PipelineBindPointGraphics, p)
			bound, hasBound = hash, true
			b.stats.PipelinesBound++
		}
		if err := cmd.Record(device, cb, ctx); err != nil {
			b.stats.Skipped++
			core.LogError("render batch: recording draw of shader %s: %s", cmd.Program().Name, err.Error())
			continue
		}
		b.stats.Draws++
		b.stats.SetsBound += len(cmd.Sets())
	}

	device.CmdEndRenderPass(cb)
	if err := ctx.Submit(cb); err != nil {
		return errors.Wrap(err, "submitting render batch")
	}
	clear(b.commands)
	b.commands = b.commands[:0]
	return nil
}

// Dispatch commits and records compute commands into one command buffer
// submitted in this frame's order.
func (c *RenderContext) Dispatch(cmds ...*draw.ComputeCommand) error {
	cb, err := c.AllocateCommandBuffer()
	if err != nil {
		return err
	}
	for _, cmd := range cmds {
		cmd.Refresh()
		run := cmd.Clone()
		if err := run.CommitUniforms(c.transient); err != nil {
			core.LogError("%s: skipping dispatch: %s", c.settings.Name, err.Error())
			continue
		}
		if err := run.Record(c.device, cb, c.pipelines, c); err != nil {
			core.LogError("%s: recording dispatch: %s", c.settings.Name, err.Error())
		}
	}
	// make shader writes visible to later draws and dispatches
	c.device.CmdPipelineBarrier(cb, driver.BarrierDesc{
		SrcStage:  vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit),
		DstStage:  vk.PipelineStageFlags(vk.PipelineStageVertexInputBit | vk.PipelineStageVertexShaderBit | vk.PipelineStageFragmentShaderBit | vk.PipelineStageComputeShaderBit),
		SrcAccess: vk.AccessFlags(vk.AccessShaderWriteBit),
		DstAccess: vk.AccessFlags(vk.AccessShaderReadBit | vk.AccessVertexAttributeReadBit | vk.AccessIndexReadBit),
	})
	return c.Submit(cb)
}
