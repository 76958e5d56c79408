package vulkan

import (
	"math"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/core"
	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
)

type swapchainSupport struct {
	capabilities vk.SurfaceCapabilities
	formats      []vk.SurfaceFormat
	presentModes []vk.PresentMode
}

func querySwapchainSupport(pd vk.PhysicalDevice, surface vk.Surface) (swapchainSupport, error) {
	var s swapchainSupport
	if res := vk.GetPhysicalDeviceSurfaceCapabilities(pd, surface, &s.capabilities); res != vk.Success {
		return s, resultError("vkGetPhysicalDeviceSurfaceCapabilitiesKHR", res)
	}
	s.capabilities.Deref()
	s.capabilities.CurrentExtent.Deref()
	s.capabilities.MinImageExtent.Deref()
	s.capabilities.MaxImageExtent.Deref()

	var count uint32
	if res := vk.GetPhysicalDeviceSurfaceFormats(pd, surface, &count, nil); res != vk.Success {
		return s, resultError("vkGetPhysicalDeviceSurfaceFormatsKHR", res)
	}
	if count > 0 {
		s.formats = make([]vk.SurfaceFormat, count)
		if res := vk.GetPhysicalDeviceSurfaceFormats(pd, surface, &count, s.formats); res != vk.Success {
			return s, resultError("vkGetPhysicalDeviceSurfaceFormatsKHR", res)
		}
		for i := range s.formats {
			s.formats[i].Deref()
		}
	}

	count = 0
	if res := vk.GetPhysicalDeviceSurfacePresentModes(pd, surface, &count, nil); res != vk.Success {
		return s, resultError("vkGetPhysicalDeviceSurfacePresentModesKHR", res)
	}
	if count > 0 {
		s.presentModes = make([]vk.PresentMode, count)
		if res := vk.GetPhysicalDeviceSurfacePresentModes(pd, surface, &count, s.presentModes); res != vk.Success {
			return s, resultError("vkGetPhysicalDeviceSurfacePresentModesKHR", res)
		}
	}
	return s, nil
}

// Swapchain implements driver.Swapchain on a VkSwapchainKHR. Its images are
// registered on the device so they can be named by driver handles.
type Swapchain struct {
	dev         *Device
	handle      vk.Swapchain
	format      vk.SurfaceFormat
	presentMode vk.PresentMode
	extent      vk.Extent2D
	images      []driver.Image
	views       []driver.ImageView
}

var _ driver.Swapchain = (*Swapchain)(nil)

func presentModeFor(name string) vk.PresentMode {
	switch name {
	case "mailbox":
		return vk.PresentModeMailbox
	case "immediate":
		return vk.PresentModeImmediate
	default:
		return vk.PresentModeFifo
	}
}

func NewSwapchain(dev *Device, width, height uint32, presentMode string) (*Swapchain, error) {
	sc := &Swapchain{
		dev:         dev,
		presentMode: presentModeFor(presentMode),
	}
	if err := sc.create(width, height); err != nil {
		return nil, err
	}
	return sc, nil
}

func (s *Swapchain) create(width, height uint32) error {
	d := s.dev
	support, err := querySwapchainSupport(d.physical, d.surface)
	if err != nil {
		return err
	}
	d.support = support
	if len(support.formats) == 0 {
		return errors.New("surface reports no formats")
	}

	// Preferred format
	s.format = support.formats[0]
	for _, f := range support.formats {
		if f.Format == vk.FormatB8g8r8a8Unorm && f.ColorSpace == vk.ColorSpaceSrgbNonlinear {
			s.format = f
			break
		}
	}

	wanted := s.presentMode
	s.presentMode = vk.PresentModeFifo
	for _, mode := range support.presentModes {
		if mode == wanted {
			s.presentMode = mode
			break
		}
	}
	if s.presentMode != wanted {
		core.LogWarn("present mode %d is not supported, falling back to FIFO", wanted)
	}

	caps := support.capabilities
	extent := vk.Extent2D{Width: width, Height: height}
	if caps.CurrentExtent.Width != math.MaxUint32 {
		extent = caps.CurrentExtent
	}
	// Clamp to the value allowed by the GPU.
	extent.Width = min(max(extent.Width, caps.MinImageExtent.Width), caps.MaxImageExtent.Width)
	extent.Height = min(max(extent.Height, caps.MinImageExtent.Height), caps.MaxImageExtent.Height)

	imageCount := caps.MinImageCount + 1
	if caps.MaxImageCount > 0 && imageCount > caps.MaxImageCount {
		imageCount = caps.MaxImageCount
	}

	info := vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          d.surface,
		MinImageCount:    imageCount,
		ImageFormat:      s.format.Format,
		ImageColorSpace:  s.format.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageTransferDstBit),
		PreTransform:     caps.CurrentTransform,
		CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
		PresentMode:      s.presentMode,
		Clipped:          vk.True,
		OldSwapchain:     s.handle,
	}
	graphics := d.queues[driver.QueueGraphics].family
	present := d.queues[driver.QueuePresent].family
	if graphics != present {
		info.ImageSharingMode = vk.SharingModeConcurrent
		info.QueueFamilyIndexCount = 2
		info.PQueueFamilyIndices = []uint32{graphics, present}
	} else {
		info.ImageSharingMode = vk.SharingModeExclusive
	}

	var handle vk.Swapchain
	err = d.locks.SafeCall(SwapchainManagement, func() error {
		if res := vk.CreateSwapchain(d.logical, &info, nil, &handle); res != vk.Success {
			return resultError("vkCreateSwapchainKHR", res)
		}
		return nil
	})
	if err != nil {
		return err
	}
	old := s.handle
	s.release()
	if old != vk.NullSwapchain {
		vk.DestroySwapchain(d.logical, old, nil)
	}
	s.handle = handle
	s.extent = extent

	var count uint32
	if res := vk.GetSwapchainImages(d.logical, handle, &count, nil); res != vk.Success {
		return resultError("vkGetSwapchainImagesKHR", res)
	}
	images := make([]vk.Image, count)
	if res := vk.GetSwapchainImages(d.logical, handle, &count, images); res != vk.Success {
		return resultError("vkGetSwapchainImagesKHR", res)
	}
	s.images = make([]driver.Image, count)
	s.views = make([]driver.ImageView, count)
	for i, img := range images {
		h := put(d.images, img)
		d.swapchainImages[h] = true
		s.images[i] = driver.Image(h)
		view, err := d.CreateImageView(driver.ImageViewDesc{
			Image:  s.images[i],
			Format: s.format.Format,
			Aspect: vk.ImageAspectFlags(vk.ImageAspectColorBit),
		})
		if err != nil {
			return errors.Wrapf(err, "creating the view of swapchain image %d", i)
		}
		s.views[i] = view
	}
	core.LogInfo("Swapchain created successfully (%dx%d, %d images).", extent.Width, extent.Height, count)
	return nil
}

// release drops the views and image registrations of the current images.
func (s *Swapchain) release() {
	d := s.dev
	for _, v := range s.views {
		d.DestroyImageView(v)
	}
	for _, img := range s.images {
		delete(d.swapchainImages, uint64(img))
		take(d.images, uint64(img))
	}
	s.views = nil
	s.images = nil
}

func (s *Swapchain) ImageCount() uint32 { return uint32(len(s.images)) }
func (s *Swapchain) Image(index uint32) driver.Image { return s.images[index] }
func (s *Swapchain) ImageView(index uint32) driver.ImageView { return s.views[index] }
func (s *Swapchain) Extent() (uint32, uint32) { return s.extent.Width, s.extent.Height }
func (s *Swapchain) Format() vk.Format { return s.format.Format }
func (s *Swapchain) DepthFormat() vk.Format { return s.dev.depthFormat }

func (s *Swapchain) AcquireNextImage(signal driver.Semaphore) (uint32, error) {
	var index uint32
	res := vk.AcquireNextImage(s.dev.logical, s.handle, math.MaxUint64,
		get(s.dev.semaphores, uint64(signal)), vk.NullFence, &index)
	switch res {
	case vk.Success, vk.Suboptimal:
		return index, nil
	case vk.ErrorOutOfDate:
		return 0, core.ErrSwapchainBooting
	default:
		return 0, resultError("vkAcquireNextImageKHR", res)
	}
}

func (s *Swapchain) Present(index uint32, wait []driver.Semaphore) error {
	q := s.dev.queues[driver.QueuePresent]
	waitSems := s.dev.semaphoreList(wait)
	info := vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: uint32(len(waitSems)),
		PWaitSemaphores:    waitSems,
		SwapchainCount:     1,
		PSwapchains:        []vk.Swapchain{s.handle},
		PImageIndices:      []uint32{index},
	}
	return s.dev.locks.SafeQueueCall(q.family, func() error {
		switch res := vk.QueuePresent(q.handle, &info); res {
		case vk.Success:
			return nil
		case vk.Suboptimal, vk.ErrorOutOfDate:
			return core.ErrSwapchainBooting
		default:
			return resultError("vkQueuePresentKHR", res)
		}
	})
}

// Recreate replaces the swapchain for a new surface size. The caller waits
// for the device to go idle first.
func (s *Swapchain) Recreate(width, height uint32) error {
	return s.create(width, height)
}

func (s *Swapchain) Destroy() {
	s.release()
	if s.handle != vk.NullSwapchain {
		vk.DestroySwapchain(s.dev.logical, s.handle, nil)
		s.handle = vk.NullSwapchain
	}
}
