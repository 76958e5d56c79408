package pipeline

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/sketchvk/engine/core"
	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
)

type entry struct {
	pipeline  driver.Pipeline
	lastUsed  uint64
	derivable bool
}

type Stats struct {
	Hits    int
	Misses  int
	Derived int
	Evicted int
	Live    int
}

// Cache owns GPU pipelines keyed by state hash. Pipelines are only released
// through Evict, Collect or Destroy; the first two hand the handle back so
// the caller can delay destruction until no frame in flight uses it.
type Cache struct {
	mu      sync.Mutex
	device  driver.Device
	handle  driver.PipelineCache
	entries map[uint64]*entry
	frame   uint64
	stats   Stats
}

// NewCache creates the driver pipeline cache, seeded with initial when it
// is a blob previously returned by Data.
func NewCache(device driver.Device, initial []byte) (*Cache, error) {
	handle, err := device.CreatePipelineCache(initial)
	if err != nil {
		return nil, errors.Wrap(err, "creating pipeline cache")
	}
	return &Cache{
		device:  device,
		handle:  handle,
		entries: map[uint64]*entry{},
	}, nil
}

// SetFrame records the frame number used to age entries.
func (c *Cache) SetFrame(frame uint64) {
	c.mu.Lock()
	c.frame = frame
	c.mu.Unlock()
}

// GetOrCreate returns the pipeline for state, building it on a miss. The
// second result reports whether a pipeline was built.
func (c *Cache) GetOrCreate(state State) (driver.Pipeline, bool, error) {
	hash := state.Hash()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[hash]; ok {
		e.lastUsed = c.frame
		c.stats.Hits++
		return e.pipeline, false, nil
	}
	c.stats.Misses++

	var base driver.Pipeline
	if parent := state.Parent(); parent != 0 {
		if e, ok := c.entries[parent]; ok && e.derivable {
			base = e.pipeline
		} else if ok {
			core.LogWarn("parent pipeline %#x does not allow derivatives, building %#x from scratch", parent, hash)
		} else {
			core.LogDebug("parent pipeline %#x is not cached, building %#x from scratch", parent, hash)
		}
	}
	p, err := state.Create(c.device, c.handle, base)
	if err != nil {
		core.LogError("%s", err.Error())
		return 0, false, err
	}
	if base != 0 {
		c.stats.Derived++
	}
	c.entries[hash] = &entry{pipeline: p, lastUsed: c.frame, derivable: state.Derivable()}
	return p, true, nil
}

func (c *Cache) Get(hash uint64) (driver.Pipeline, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hash]
	if !ok {
		return 0, false
	}
	return e.pipeline, true
}

// Evict drops the entry for hash and returns its pipeline.
func (c *Cache) Evict(hash uint64) (driver.Pipeline, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hash]
	if !ok {
		return 0, false
	}
	delete(c.entries, hash)
	c.stats.Evicted++
	return e.pipeline, true
}

// Collect drops every entry not used during the last maxAge frames and
// returns their pipelines.
func (c *Cache) Collect(maxAge uint64) []driver.Pipeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []driver.Pipeline
	for hash, e := range c.entries {
		if c.frame-e.lastUsed > maxAge {
			out = append(out, e.pipeline)
			delete(c.entries, hash)
			c.stats.Evicted++
		}
	}
	return out
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Live = len(c.entries)
	return s
}

// Data returns the driver's serialized pipeline cache.
func (c *Cache) Data() ([]byte, error) {
	return c.device.PipelineCacheData(c.handle)
}

func (c *Cache) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for hash, e := range c.entries {
		c.device.DestroyPipeline(e.pipeline)
		delete(c.entries, hash)
	}
	if c.handle != 0 {
		c.device.DestroyPipelineCache(c.handle)
		c.handle = 0
	}
}
