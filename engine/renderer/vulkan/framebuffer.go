package vulkan

import (
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
)

func (d *Device) CreateFramebuffer(desc driver.FramebufferDesc) (driver.Framebuffer, error) {
	views := make([]vk.ImageView, len(desc.Attachments))
	for i, v := range desc.Attachments {
		views[i] = get(d.views, uint64(v))
	}
	info := vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      get(d.renderPasses, uint64(desc.RenderPass)),
		AttachmentCount: uint32(len(views)),
		PAttachments:    views,
		Width:           desc.Width,
		Height:          desc.Height,
		Layers:          1,
	}
	var fb vk.Framebuffer
	if res := vk.CreateFramebuffer(d.logical, &info, nil, &fb); res != vk.Success {
		return 0, resultError("vkCreateFramebuffer", res)
	}
	return driver.Framebuffer(put(d.framebuffers, fb)), nil
}

func (d *Device) DestroyFramebuffer(fb driver.Framebuffer) {
	if f, ok := take(d.framebuffers, uint64(fb)); ok {
		vk.DestroyFramebuffer(d.logical, f, nil)
	}
}
