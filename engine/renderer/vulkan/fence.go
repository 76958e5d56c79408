package vulkan

import (
	"time"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/core"
	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
)

func (d *Device) CreateFence(signaled bool) (driver.Fence, error) {
	info := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}
	if signaled {
		info.Flags |= vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}
	var fence vk.Fence
	err := d.locks.SafeCall(SynchronizationManagement, func() error {
		if res := vk.CreateFence(d.logical, &info, nil, &fence); res != vk.Success {
			return resultError("vkCreateFence", res)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return driver.Fence(put(d.fences, fence)), nil
}

func (d *Device) WaitForFence(f driver.Fence, timeout time.Duration) error {
	fence := get(d.fences, uint64(f))
	if fence == vk.NullFence {
		return driver.ErrInvalidHandle
	}
	switch res := vk.WaitForFences(d.logical, 1, []vk.Fence{fence}, vk.True, timeoutNanos(timeout)); res {
	case vk.Success:
		return nil
	case vk.Timeout:
		return driver.ErrTimeout
	case vk.ErrorDeviceLost:
		core.LogError("vkWaitForFences - %s", VulkanResultString(res, true))
		return driver.ErrDeviceLost
	default:
		return resultError("vkWaitForFences", res)
	}
}

func (d *Device) ResetFence(f driver.Fence) error {
	fence := get(d.fences, uint64(f))
	if fence == vk.NullFence {
		return driver.ErrInvalidHandle
	}
	if res := vk.ResetFences(d.logical, 1, []vk.Fence{fence}); res != vk.Success {
		return resultError("vkResetFences", res)
	}
	return nil
}

func (d *Device) DestroyFence(f driver.Fence) {
	if fence, ok := take(d.fences, uint64(f)); ok {
		vk.DestroyFence(d.logical, fence, nil)
	}
}

func (d *Device) CreateSemaphore() (driver.Semaphore, error) {
	info := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}
	var sem vk.Semaphore
	err := d.locks.SafeCall(SynchronizationManagement, func() error {
		if res := vk.CreateSemaphore(d.logical, &info, nil, &sem); res != vk.Success {
			return resultError("vkCreateSemaphore", res)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return driver.Semaphore(put(d.semaphores, sem)), nil
}

func (d *Device) DestroySemaphore(s driver.Semaphore) {
	if sem, ok := take(d.semaphores, uint64(s)); ok {
		vk.DestroySemaphore(d.logical, sem, nil)
	}
}

func (d *Device) semaphoreList(list []driver.Semaphore) []vk.Semaphore {
	out := make([]vk.Semaphore, len(list))
	for i, s := range list {
		out[i] = get(d.semaphores, uint64(s))
	}
	return out
}

// Submit hands batches to the queue while holding the mutex of its family,
// so contexts sharing a hardware queue never submit concurrently.
func (d *Device) Submit(kind driver.QueueKind, batches []driver.SubmitInfo, fence driver.Fence) error {
	infos := make([]vk.SubmitInfo, len(batches))
	for i, b := range batches {
		cbs := make([]vk.CommandBuffer, len(b.CommandBuffers))
		for j, cb := range b.CommandBuffers {
			cbs[j] = d.cmd(cb)
		}
		waitStages := b.WaitStages
		if len(waitStages) < len(b.Wait) {
			waitStages = make([]vk.PipelineStageFlags, len(b.Wait))
			copy(waitStages, b.WaitStages)
			for k := len(b.WaitStages); k < len(waitStages); k++ {
				waitStages[k] = vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
			}
		}
		infos[i] = vk.SubmitInfo{
			SType:                vk.StructureTypeSubmitInfo,
			WaitSemaphoreCount:   uint32(len(b.Wait)),
			PWaitSemaphores:      d.semaphoreList(b.Wait),
			PWaitDstStageMask:    waitStages[:len(b.Wait)],
			CommandBufferCount:   uint32(len(cbs)),
			PCommandBuffers:      cbs,
			SignalSemaphoreCount: uint32(len(b.Signal)),
			PSignalSemaphores:    d.semaphoreList(b.Signal),
		}
	}
	q := d.queues[kind]
	vkFence := get(d.fences, uint64(fence))
	return d.locks.SafeQueueCall(q.family, func() error {
		res := vk.QueueSubmit(q.handle, uint32(len(infos)), infos, vkFence)
		switch res {
		case vk.Success:
			return nil
		case vk.ErrorDeviceLost:
			return driver.ErrDeviceLost
		default:
			return resultError("vkQueueSubmit", res)
		}
	})
}
