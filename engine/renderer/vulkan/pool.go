package vulkan

import "sync"

type LockGroup string

const (
	ResourceManagement        LockGroup = "resource_management"
	CommandPoolManagement     LockGroup = "command_pool_management"
	DescriptorManagement      LockGroup = "descriptor_management"
	PipelineManagement        LockGroup = "pipeline_management"
	MemoryManagement          LockGroup = "memory_management"
	ShaderManagement          LockGroup = "shader_management"
	SwapchainManagement       LockGroup = "swapchain_management"
	SynchronizationManagement LockGroup = "synchronization_management"
)

// lockPool hands out one mutex per lock group and one per queue family.
// Every context submitting to the same hardware queue goes through the
// same queue mutex.
type lockPool struct {
	mu     sync.Mutex
	locks  map[LockGroup]*sync.Mutex
	queues map[uint32]*sync.Mutex
}

func newLockPool() *lockPool {
	return &lockPool{
		locks:  make(map[LockGroup]*sync.Mutex),
		queues: make(map[uint32]*sync.Mutex),
	}
}

func (p *lockPool) group(g LockGroup) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[g]
	if !ok {
		l = &sync.Mutex{}
		p.locks[g] = l
	}
	return l
}

func (p *lockPool) queue(family uint32) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.queues[family]
	if !ok {
		l = &sync.Mutex{}
		p.queues[family] = l
	}
	return l
}

// SafeCall runs fn holding the group's mutex.
func (p *lockPool) SafeCall(g LockGroup, fn func() error) error {
	l := p.group(g)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// SafeQueueCall runs fn holding the mutex of the queue family.
func (p *lockPool) SafeQueueCall(family uint32, fn func() error) error {
	l := p.queue(family)
	l.Lock()
	defer l.Unlock()
	return fn()
}
