package vulkan

import (
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
)

func (d *Device) CreateDescriptorPool(desc driver.DescriptorPoolDesc) (driver.DescriptorPool, error) {
	sizes := make([]vk.DescriptorPoolSize, 0, len(desc.Sizes))
	for _, s := range desc.Sizes {
		if s.Count == 0 {
			continue
		}
		sizes = append(sizes, vk.DescriptorPoolSize{
			Type:            s.Type,
			DescriptorCount: s.Count,
		})
	}
	info := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       max(desc.MaxSets, 1),
		PoolSizeCount: uint32(len(sizes)),
		PPoolSizes:    sizes,
	}
	var pool vk.DescriptorPool
	err := d.locks.SafeCall(DescriptorManagement, func() error {
		if res := vk.CreateDescriptorPool(d.logical, &info, nil, &pool); res != vk.Success {
			return resultError("vkCreateDescriptorPool", res)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return driver.DescriptorPool(put(d.descriptorPools, pool)), nil
}

// ResetDescriptorPool returns every set of the pool to it. Handles of those
// sets go stale.
func (d *Device) ResetDescriptorPool(p driver.DescriptorPool) error {
	pool := get(d.descriptorPools, uint64(p))
	if pool == vk.NullDescriptorPool {
		return driver.ErrInvalidHandle
	}
	return d.locks.SafeCall(DescriptorManagement, func() error {
		if res := vk.ResetDescriptorPool(d.logical, pool, 0); res != vk.Success {
			return resultError("vkResetDescriptorPool", res)
		}
		d.dropPoolSets(uint64(p))
		return nil
	})
}

func (d *Device) DestroyDescriptorPool(p driver.DescriptorPool) {
	pool, ok := take(d.descriptorPools, uint64(p))
	if !ok {
		return
	}
	_ = d.locks.SafeCall(DescriptorManagement, func() error {
		vk.DestroyDescriptorPool(d.logical, pool, nil)
		d.dropPoolSets(uint64(p))
		return nil
	})
}

func (d *Device) dropPoolSets(pool uint64) {
	for _, h := range d.poolSets[pool] {
		take(d.descriptorSets, h)
	}
	delete(d.poolSets, pool)
}

func (d *Device) AllocateDescriptorSet(p driver.DescriptorPool, layout driver.DescriptorSetLayout) (driver.DescriptorSet, error) {
	info := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     get(d.descriptorPools, uint64(p)),
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{get(d.setLayouts, uint64(layout))},
	}
	var h uint64
	err := d.locks.SafeCall(DescriptorManagement, func() error {
		sets := make([]vk.DescriptorSet, 1)
		switch res := vk.AllocateDescriptorSets(d.logical, &info, &sets[0]); res {
		case vk.Success:
		case vk.ErrorOutOfPoolMemory, vk.ErrorFragmentedPool:
			return driver.ErrOutOfPoolMemory
		default:
			return resultError("vkAllocateDescriptorSets", res)
		}
		h = put(d.descriptorSets, sets[0])
		d.poolSets[uint64(p)] = append(d.poolSets[uint64(p)], h)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return driver.DescriptorSet(h), nil
}

func (d *Device) UpdateDescriptorSet(s driver.DescriptorSet, writes []driver.DescriptorWrite) {
	set := get(d.descriptorSets, uint64(s))
	vkWrites := make([]vk.WriteDescriptorSet, len(writes))
	for i, w := range writes {
		vkWrites[i] = vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          set,
			DstBinding:      w.Binding,
			DescriptorCount: 1,
			DescriptorType:  w.Type,
		}
		switch w.Type {
		case vk.DescriptorTypeCombinedImageSampler, vk.DescriptorTypeSampledImage,
			vk.DescriptorTypeStorageImage, vk.DescriptorTypeSampler:
			vkWrites[i].PImageInfo = []vk.DescriptorImageInfo{{
				Sampler:     get(d.samplers, uint64(w.Image.Sampler)),
				ImageView:   get(d.views, uint64(w.Image.View)),
				ImageLayout: w.Image.Layout,
			}}
		default:
			rng := vk.DeviceSize(w.Buffer.Range)
			if rng == 0 {
				rng = vk.DeviceSize(vk.WholeSize)
			}
			vkWrites[i].PBufferInfo = []vk.DescriptorBufferInfo{{
				Buffer: get(d.buffers, uint64(w.Buffer.Buffer)),
				Offset: vk.DeviceSize(w.Buffer.Offset),
				Range:  rng,
			}}
		}
	}
	_ = d.locks.SafeCall(DescriptorManagement, func() error {
		vk.UpdateDescriptorSets(d.logical, uint32(len(vkWrites)), vkWrites, 0, nil)
		return nil
	})
}
