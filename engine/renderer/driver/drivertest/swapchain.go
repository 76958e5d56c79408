package drivertest

import (
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/core"
	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
)

// Swapchain rotates through a fixed set of images owned by a Device.
type Swapchain struct {
	device *Device
	width  uint32
	height uint32
	images []driver.Image
	views  []driver.ImageView
	next   uint32

	// OutOfDate makes the next AcquireNextImage fail as a resized swapchain.
	OutOfDate bool
	Presented []uint32
	Recreated int
}

func NewSwapchain(device *Device, count, width, height uint32) *Swapchain {
	sc := &Swapchain{device: device}
	sc.create(count, width, height)
	return sc
}

func (s *Swapchain) create(count, width, height uint32) {
	s.width, s.height = width, height
	s.images = s.images[:0]
	s.views = s.views[:0]
	for i := uint32(0); i < count; i++ {
		img, _ := s.device.CreateImage(driver.ImageDesc{
			Width:  width,
			Height: height,
			Depth:  1,
			Format: vk.FormatB8g8r8a8Unorm,
			Usage:  vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit),
		})
		view, _ := s.device.CreateImageView(driver.ImageViewDesc{
			Image:  img,
			Format: vk.FormatB8g8r8a8Unorm,
			Aspect: vk.ImageAspectFlags(vk.ImageAspectColorBit),
		})
		s.images = append(s.images, img)
		s.views = append(s.views, view)
	}
}

func (s *Swapchain) ImageCount() uint32 { return uint32(len(s.images)) }
func (s *Swapchain) Image(index uint32) driver.Image { return s.images[index] }
func (s *Swapchain) ImageView(index uint32) driver.ImageView { return s.views[index] }
func (s *Swapchain) Extent() (uint32, uint32) { return s.width, s.height }
func (s *Swapchain) Format() vk.Format { return vk.FormatB8g8r8a8Unorm }
func (s *Swapchain) DepthFormat() vk.Format { return vk.FormatD32Sfloat }

func (s *Swapchain) AcquireNextImage(signal driver.Semaphore) (uint32, error) {
	if s.OutOfDate {
		s.OutOfDate = false
		return 0, core.ErrSwapchainBooting
	}
	index := s.next
	s.next = (s.next + 1) % uint32(len(s.images))
	return index, nil
}

func (s *Swapchain) Present(index uint32, wait []driver.Semaphore) error {
	s.Presented = append(s.Presented, index)
	return nil
}

func (s *Swapchain) Recreate(width, height uint32) error {
	count := uint32(len(s.images))
	s.Destroy()
	s.create(count, width, height)
	s.next = 0
	s.Recreated++
	return nil
}

func (s *Swapchain) Destroy() {
	for i := range s.images {
		s.device.DestroyImageView(s.views[i])
		s.device.DestroyImage(s.images[i])
	}
	s.images = s.images[:0]
	s.views = s.views[:0]
}

var _ driver.Swapchain = (*Swapchain)(nil)
