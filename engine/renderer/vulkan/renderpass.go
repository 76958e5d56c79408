package vulkan

import (
	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
)

// CreateRenderPass builds a single-subpass render pass. Color attachments
// come first in the subpass; at most one depth attachment is used.
func (d *Device) CreateRenderPass(desc driver.RenderPassDesc) (driver.RenderPass, error) {
	subpass := vk.SubpassDescription{
		PipelineBindPoint: vk.PipelineBindPointGraphics,
	}

	attachments := make([]vk.AttachmentDescription, len(desc.Attachments))
	var colorRefs []vk.AttachmentReference
	var depthRef *vk.AttachmentReference
	for i, a := range desc.Attachments {
		samples := a.Samples
		if samples == 0 {
			samples = vk.SampleCount1Bit
		}
		attachments[i] = vk.AttachmentDescription{
			Format:         a.Format,
			Samples:        samples,
			LoadOp:         a.LoadOp,
			StoreOp:        a.StoreOp,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  a.Initial,
			FinalLayout:    a.Final,
		}
		if a.DepthOrStencil {
			if depthRef != nil {
				return 0, errors.New("render pass with more than one depth attachment")
			}
			depthRef = &vk.AttachmentReference{
				Attachment: uint32(i),
				Layout:     vk.ImageLayoutDepthStencilAttachmentOptimal,
			}
			continue
		}
		colorRefs = append(colorRefs, vk.AttachmentReference{
			Attachment: uint32(i),
			Layout:     vk.ImageLayoutColorAttachmentOptimal,
		})
	}
	subpass.ColorAttachmentCount = uint32(len(colorRefs))
	subpass.PColorAttachments = colorRefs
	subpass.PDepthStencilAttachment = depthRef

	stages := vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)
	access := vk.AccessFlags(vk.AccessColorAttachmentReadBit | vk.AccessColorAttachmentWriteBit)
	if depthRef != nil {
		stages |= vk.PipelineStageFlags(vk.PipelineStageEarlyFragmentTestsBit)
		access |= vk.AccessFlags(vk.AccessDepthStencilAttachmentWriteBit)
	}
	dependency := vk.SubpassDependency{
		SrcSubpass:    vk.SubpassExternal,
		DstSubpass:    0,
		SrcStageMask:  stages,
		SrcAccessMask: 0,
		DstStageMask:  stages,
		DstAccessMask: access,
	}

	info := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
		DependencyCount: 1,
		PDependencies:   []vk.SubpassDependency{dependency},
	}
	var rp vk.RenderPass
	if res := vk.CreateRenderPass(d.logical, &info, nil, &rp); res != vk.Success {
		return 0, resultError("vkCreateRenderPass", res)
	}
	return driver.RenderPass(put(d.renderPasses, rp)), nil
}

func (d *Device) DestroyRenderPass(rp driver.RenderPass) {
	if pass, ok := take(d.renderPasses, uint64(rp)); ok {
		vk.DestroyRenderPass(d.logical, pass, nil)
	}
}
