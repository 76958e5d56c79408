package renderer

import (
	"image"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	xdraw "golang.org/x/image/draw"

	"github.com/spaghettifunk/sketchvk/engine/core"
	"github.com/spaghettifunk/sketchvk/engine/renderer/allocator"
	"github.com/spaghettifunk/sketchvk/engine/renderer/draw"
	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
)

// StageBufferData copies data into the current frame's transient memory.
// The region lives until the slot comes round again.
func (c *RenderContext) StageBufferData(data []byte) (draw.BufferRegion, error) {
	if !c.recording {
		return draw.BufferRegion{}, ErrNotBegun
	}
	offset, err := c.transient.Allocate(uint64(len(data)))
	if err != nil {
		return draw.BufferRegion{}, errors.Wrap(err, "staging buffer data")
	}
	dst := c.transient.Bytes(offset, uint64(len(data)))
	if dst == nil {
		return draw.BufferRegion{}, errors.New("transient memory is not host visible")
	}
	copy(dst, data)
	return draw.BufferRegion{Buffer: c.transient.Buffer(), Offset: offset, Size: uint64(len(data))}, nil
}

// StoreBufferDataCmd uploads each blob into target through transient
// memory. The copies are recorded into a command buffer submitted now, so
// the returned regions may be used by any command buffer submitted later in
// this frame.
func (c *RenderContext) StoreBufferDataCmd(target *allocator.BufferAllocator, blobs ...[]byte) ([]draw.BufferRegion, error) {
	if !c.recording {
		return nil, ErrNotBegun
	}
	regions := make([]draw.BufferRegion, 0, len(blobs))
	copies := make([]driver.BufferCopy, 0, len(blobs))
	var staged []driver.BufferBarrier
	var written []driver.BufferBarrier
	for i, blob := range blobs {
		src, err := c.StageBufferData(blob)
		if err != nil {
			return nil, errors.Wrapf(err, "blob %d", i)
		}
		offset, err := target.Allocate(uint64(len(blob)))
		if err != nil {
			return nil, errors.Wrapf(err, "blob %d", i)
		}
		dst := draw.BufferRegion{Buffer: target.Buffer(), Offset: offset, Size: uint64(len(blob))}
		regions = append(regions, dst)
		copies = append(copies, driver.BufferCopy{SrcOffset: src.Offset, DstOffset: dst.Offset, Size: dst.Size})
		staged = append(staged, driver.BufferBarrier{
			Buffer: src.Buffer, Offset: src.Offset, Size: src.Size,
			SrcAccess: vk.AccessFlags(vk.AccessHostWriteBit),
			DstAccess: vk.AccessFlags(vk.AccessTransferReadBit),
		})
		written = append(written, driver.BufferBarrier{
			Buffer: dst.Buffer, Offset: dst.Offset, Size: dst.Size,
			DstAccess: vk.AccessFlags(vk.AccessTransferWriteBit),
		})
	}
	if len(copies) == 0 {
		return regions, nil
	}

	cb, err := c.AllocateCommandBuffer()
	if err != nil {
		return nil, err
	}
	c.device.CmdPipelineBarrier(cb, driver.BarrierDesc{
		SrcStage: vk.PipelineStageFlags(vk.PipelineStageHostBit),
		DstStage: vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		Buffers:  append(staged, written...),
	})
	c.device.CmdCopyBuffer(cb, c.transient.Buffer(), target.Buffer(), copies)

	ready := make([]driver.BufferBarrier, len(regions))
	for i, r := range regions {
		ready[i] = driver.BufferBarrier{
			Buffer: r.Buffer, Offset: r.Offset, Size: r.Size,
			SrcAccess: vk.AccessFlags(vk.AccessTransferWriteBit),
			DstAccess: vk.AccessFlags(vk.AccessShaderReadBit | vk.AccessVertexAttributeReadBit |
				vk.AccessIndexReadBit | vk.AccessUniformReadBit),
		}
	}
	c.device.CmdPipelineBarrier(cb, driver.BarrierDesc{
		SrcStage: vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		DstStage: vk.PipelineStageFlags(vk.PipelineStageVertexInputBit | vk.PipelineStageVertexShaderBit |
			vk.PipelineStageFragmentShaderBit | vk.PipelineStageComputeShaderBit),
		Buffers: ready,
	})
	if err := c.Submit(cb); err != nil {
		return nil, err
	}
	return regions, nil
}

// ImageData is one texture upload.
type ImageData struct {
	Width, Height uint32
	// Format defaults to RGBA8.
	Format vk.Format
	Pixels []byte
	// Storage additionally allows the image to be bound as a storage image.
	Storage bool
}

// StoreImageCmd creates an image in images, uploads the pixels through
// transient memory and leaves the image in the shader read only layout.
// The texture gets a linear sampler.
func (c *RenderContext) StoreImageCmd(images *allocator.ImageAllocator, data ImageData) (draw.Texture, error) {
	if !c.recording {
		return draw.Texture{}, ErrNotBegun
	}
	if data.Format == vk.FormatUndefined {
		data.Format = vk.FormatR8g8b8a8Unorm
	}
	if want := uint64(data.Width) * uint64(data.Height) * 4; data.Format == vk.FormatR8g8b8a8Unorm && uint64(len(data.Pixels)) != want {
		return draw.Texture{}, errors.Newf("image of %dx%d needs %d bytes, got %d", data.Width, data.Height, want, len(data.Pixels))
	}
	src, err := c.StageBufferData(data.Pixels)
	if err != nil {
		return draw.Texture{}, err
	}

	usage := vk.ImageUsageFlags(vk.ImageUsageTransferDstBit | vk.ImageUsageSampledBit)
	if data.Storage {
		usage |= vk.ImageUsageFlags(vk.ImageUsageStorageBit)
	}
	tex := draw.Texture{Width: data.Width, Height: data.Height, Layout: vk.ImageLayoutShaderReadOnlyOptimal}
	tex.Image, err = c.device.CreateImage(driver.ImageDesc{
		Width: data.Width, Height: data.Height, Depth: 1,
		MipLevels: 1, ArrayLayers: 1,
		Format:  data.Format,
		Usage:   usage,
		Samples: vk.SampleCount1Bit,
	})
	if err != nil {
		return draw.Texture{}, errors.Wrap(err, "creating image")
	}
	if _, err := images.BindImage(tex.Image); err != nil {
		c.device.DestroyImage(tex.Image)
		return draw.Texture{}, err
	}
	tex.View, err = c.device.CreateImageView(driver.ImageViewDesc{
		Image:  tex.Image,
		Format: data.Format,
		Aspect: vk.ImageAspectFlags(vk.ImageAspectColorBit),
	})
	if err != nil {
		c.device.DestroyImage(tex.Image)
		return draw.Texture{}, errors.Wrap(err, "creating image view")
	}
	tex.Sampler, err = c.device.CreateSampler(driver.SamplerDesc{
		MagFilter:    vk.FilterLinear,
		MinFilter:    vk.FilterLinear,
		MipmapMode:   vk.SamplerMipmapModeLinear,
		AddressModeU: vk.SamplerAddressModeRepeat,
		AddressModeV: vk.SamplerAddressModeRepeat,
		AddressModeW: vk.SamplerAddressModeRepeat,
	})
	if err != nil {
		c.device.DestroyImageView(tex.View)
		c.device.DestroyImage(tex.Image)
		return draw.Texture{}, errors.Wrap(err, "creating sampler")
	}

	cb, err := c.AllocateCommandBuffer()
	if err != nil {
		c.device.DestroySampler(tex.Sampler)
		c.device.DestroyImageView(tex.View)
		c.device.DestroyImage(tex.Image)
		return draw.Texture{}, err
	}
	color := vk.ImageAspectFlags(vk.ImageAspectColorBit)
	c.device.CmdPipelineBarrier(cb, driver.BarrierDesc{
		SrcStage: vk.PipelineStageFlags(vk.PipelineStageHostBit),
		DstStage: vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		Buffers: []driver.BufferBarrier{{
			Buffer: src.Buffer, Offset: src.Offset, Size: src.Size,
			SrcAccess: vk.AccessFlags(vk.AccessHostWriteBit),
			DstAccess: vk.AccessFlags(vk.AccessTransferReadBit),
		}},
		Images: []driver.ImageBarrier{{
			Image:     tex.Image,
			Aspect:    color,
			OldLayout: vk.ImageLayoutUndefined,
			NewLayout: vk.ImageLayoutTransferDstOptimal,
			DstAccess: vk.AccessFlags(vk.AccessTransferWriteBit),
		}},
	})
	c.device.CmdCopyBufferToImage(cb, src.Buffer, tex.Image, vk.ImageLayoutTransferDstOptimal, []driver.BufferImageCopy{{
		BufferOffset: src.Offset,
		Aspect:       color,
		Width:        data.Width,
		Height:       data.Height,
		Depth:        1,
	}})
	c.device.CmdPipelineBarrier(cb, driver.BarrierDesc{
		SrcStage: vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		DstStage: vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit | vk.PipelineStageComputeShaderBit),
		Images: []driver.ImageBarrier{{
			Image:     tex.Image,
			Aspect:    color,
			OldLayout: vk.ImageLayoutTransferDstOptimal,
			NewLayout: vk.ImageLayoutShaderReadOnlyOptimal,
			SrcAccess: vk.AccessFlags(vk.AccessTransferWriteBit),
			DstAccess: vk.AccessFlags(vk.AccessShaderReadBit),
		}},
	})
	if err := c.Submit(cb); err != nil {
		return draw.Texture{}, err
	}
	core.LogDebug("%s: stored %dx%d image", c.settings.Name, data.Width, data.Height)
	return tex, nil
}

// StoreImage converts img to RGBA8 and uploads it with StoreImageCmd.
func (c *RenderContext) StoreImage(images *allocator.ImageAllocator, img image.Image) (draw.Texture, error) {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Stride != b.Dx()*4 || b.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		xdraw.Draw(rgba, rgba.Bounds(), img, b.Min, xdraw.Src)
	}
	return c.StoreImageCmd(images, ImageData{
		Width:  uint32(b.Dx()),
		Height: uint32(b.Dy()),
		Format: vk.FormatR8g8b8a8Unorm,
		Pixels: rgba.Pix,
	})
}
