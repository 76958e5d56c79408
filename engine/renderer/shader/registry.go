package shader

import (
	"encoding/binary"
	"hash/fnv"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/core"
	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
)

var (
	ErrNotFound            = errors.New("shader source not found")
	ErrInconsistentBinding = errors.New("inconsistent resource binding across stages")
	ErrMergeConflict       = errors.New("overlapping uniform block members")
)

// DescriptorInfo is one reflected binding. Blocks with the same type, size
// and name share one entry whose member table is the union of every stage
// and shader that declared it.
type DescriptorInfo struct {
	Name    string
	Type    vk.DescriptorType
	Size    uint64
	Count   uint32
	Members map[string]MemberRange
	hash    uint64
}

func (d *DescriptorInfo) Hash() uint64 {
	return d.hash
}

func (d *DescriptorInfo) clone() *DescriptorInfo {
	c := *d
	if d.Members != nil {
		c.Members = maps.Clone(d.Members)
	}
	return &c
}

func descriptorInfoHash(t vk.DescriptorType, size uint64, name string) uint64 {
	h := fnv.New64a()
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:], uint32(t))
	binary.LittleEndian.PutUint64(buf[4:], size)
	h.Write(buf[:])
	h.Write([]byte(name))
	return h.Sum64()
}

func NewDescriptorInfo(name string, t vk.DescriptorType, size uint64, count uint32, members map[string]MemberRange) *DescriptorInfo {
	return &DescriptorInfo{
		Name:    name,
		Type:    t,
		Size:    size,
		Count:   max(count, 1),
		Members: members,
		hash:    descriptorInfoHash(t, size, name),
	}
}

// Conflict describes two member ranges of one block that overlap without
// being identical.
type Conflict struct {
	Block    string
	Member   string
	Existing MemberRange
	Other    string
	Incoming MemberRange
}

// BindingMeta is one binding of a set layout.
type BindingMeta struct {
	Binding  uint32
	InfoHash uint64
	Type     vk.DescriptorType
	Count    uint32
	Stages   vk.ShaderStageFlags
}

// SetLayoutMeta is the ordered binding table of one descriptor set.
type SetLayoutMeta struct {
	Bindings []BindingMeta
	hash     uint64
}

func NewSetLayoutMeta(bindings []BindingMeta) SetLayoutMeta {
	b := append([]BindingMeta(nil), bindings...)
	sort.Slice(b, func(i, j int) bool { return b[i].Binding < b[j].Binding })
	h := fnv.New64a()
	var buf [32]byte
	for _, x := range b {
		binary.LittleEndian.PutUint32(buf[0:], x.Binding)
		binary.LittleEndian.PutUint64(buf[4:], x.InfoHash)
		binary.LittleEndian.PutUint32(buf[12:], uint32(x.Type))
		binary.LittleEndian.PutUint32(buf[16:], x.Count)
		binary.LittleEndian.PutUint32(buf[20:], uint32(x.Stages))
		h.Write(buf[:24])
	}
	return SetLayoutMeta{Bindings: b, hash: h.Sum64()}
}

func (s SetLayoutMeta) Hash() uint64 {
	return s.hash
}

// PoolSizes sums descriptor counts per type.
func (s SetLayoutMeta) PoolSizes() map[vk.DescriptorType]uint32 {
	sizes := map[vk.DescriptorType]uint32{}
	for _, b := range s.Bindings {
		sizes[b.Type] += max(b.Count, 1)
	}
	return sizes
}

type setLayoutEntry struct {
	meta   SetLayoutMeta
	layout driver.DescriptorSetLayout
}

type pipelineLayoutEntry struct {
	keys   []uint64
	layout driver.PipelineLayout
}

// Registry deduplicates reflected layouts across shaders. Entries are owned
// by the registry and addressed by content hash; nothing is released until
// Evict or Destroy.
type Registry struct {
	mu     sync.Mutex
	device driver.Device

	// StrictMerge turns overlapping member ranges into ErrMergeConflict.
	StrictMerge bool

	infos           map[uint64]*DescriptorInfo
	setLayouts      map[uint64]*setLayoutEntry
	pipelineLayouts map[uint64]*pipelineLayoutEntry

	setLayoutsCreated      int
	pipelineLayoutsCreated int
}

func NewRegistry(device driver.Device) *Registry {
	return &Registry{
		device:          device,
		infos:           map[uint64]*DescriptorInfo{},
		setLayouts:      map[uint64]*setLayoutEntry{},
		pipelineLayouts: map[uint64]*pipelineLayoutEntry{},
	}
}

// RegisterDescriptorInfo stores info or merges its members into the entry
// with the same hash. Overlapping ranges are logged and returned; with
// StrictMerge they are an error and nothing is merged. The returned info is
// a snapshot of the registry entry after the merge.
func (r *Registry) RegisterDescriptorInfo(info *DescriptorInfo) (*DescriptorInfo, []Conflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.infos[info.hash]
	if !ok {
		r.infos[info.hash] = info.clone()
		return info.clone(), nil, nil
	}
	if existing.Size != info.Size || existing.Type != info.Type {
		return nil, nil, errors.Wrapf(ErrInconsistentBinding, "block %q: registered with size %d, now %d",
			info.Name, existing.Size, info.Size)
	}

	conflicts := mergeConflicts(info.Name, existing.Members, info.Members)
	for _, c := range conflicts {
		core.LogWarn("block %s: member %s [%d, %d) overlaps %s [%d, %d), check for a naming typo or inconsistent layout",
			c.Block, c.Member, c.Existing.Offset, c.Existing.end(), c.Other, c.Incoming.Offset, c.Incoming.end())
	}
	if len(conflicts) > 0 && r.StrictMerge {
		return nil, conflicts, errors.Wrapf(ErrMergeConflict, "block %q", info.Name)
	}

	if existing.Members == nil && len(info.Members) > 0 {
		existing.Members = map[string]MemberRange{}
	}
	for name, in := range info.Members {
		cur, ok := existing.Members[name]
		if !ok {
			existing.Members[name] = in
			continue
		}
		start := min(cur.Offset, in.Offset)
		end := max(cur.end(), in.end())
		existing.Members[name] = MemberRange{Offset: start, Range: end - start}
	}
	return existing.clone(), conflicts, nil
}

func mergeConflicts(block string, existing, incoming map[string]MemberRange) []Conflict {
	var out []Conflict
	names := slices.Sorted(maps.Keys(incoming))
	existingNames := slices.Sorted(maps.Keys(existing))
	for _, name := range names {
		in := incoming[name]
		if cur, ok := existing[name]; ok {
			if cur != in {
				out = append(out, Conflict{Block: block, Member: name, Existing: cur, Other: name, Incoming: in})
			}
			continue
		}
		for _, other := range existingNames {
			cur := existing[other]
			if isNested(name, other) {
				continue
			}
			if cur.overlaps(in) {
				out = append(out, Conflict{Block: block, Member: other, Existing: cur, Other: name, Incoming: in})
			}
		}
	}
	return out
}

// isNested reports whether one dotted member name is inside the other.
func isNested(a, b string) bool {
	return (len(a) > len(b) && a[:len(b)] == b && a[len(b)] == '.') ||
		(len(b) > len(a) && b[:len(a)] == a && b[len(a)] == '.')
}

func (r *Registry) DescriptorInfo(hash uint64) (*DescriptorInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.infos[hash]
	if !ok {
		return nil, false
	}
	return info.clone(), true
}

// RegisterSetLayout returns the GPU layout for meta, creating it on first
// use.
func (r *Registry) RegisterSetLayout(meta SetLayoutMeta) (driver.DescriptorSetLayout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.setLayouts[meta.hash]; ok {
		return e.layout, nil
	}
	bindings := make([]driver.DescriptorBinding, len(meta.Bindings))
	for i, b := range meta.Bindings {
		bindings[i] = driver.DescriptorBinding{
			Binding: b.Binding,
			Type:    b.Type,
			Count:   max(b.Count, 1),
			Stages:  b.Stages,
		}
	}
	layout, err := r.device.CreateDescriptorSetLayout(bindings)
	if err != nil {
		return 0, errors.Wrap(err, "creating descriptor set layout")
	}
	r.setLayouts[meta.hash] = &setLayoutEntry{meta: meta, layout: layout}
	r.setLayoutsCreated++
	return layout, nil
}

func (r *Registry) SetLayout(hash uint64) (SetLayoutMeta, driver.DescriptorSetLayout, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.setLayouts[hash]
	if !ok {
		return SetLayoutMeta{}, 0, false
	}
	return e.meta, e.layout, true
}

// PipelineLayout returns the pipeline layout built from the set layouts
// named by keys, in set order, plus the push constant ranges.
func (r *Registry) PipelineLayout(keys []uint64, push []driver.PushConstantRange) (driver.PipelineLayout, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := fnv.New64a()
	var buf [12]byte
	for _, k := range keys {
		binary.LittleEndian.PutUint64(buf[:8], k)
		h.Write(buf[:8])
	}
	for _, p := range push {
		binary.LittleEndian.PutUint32(buf[0:], uint32(p.Stages))
		binary.LittleEndian.PutUint32(buf[4:], p.Offset)
		binary.LittleEndian.PutUint32(buf[8:], p.Size)
		h.Write(buf[:12])
	}
	key := h.Sum64()
	if e, ok := r.pipelineLayouts[key]; ok {
		return e.layout, key, nil
	}

	sets := make([]driver.DescriptorSetLayout, len(keys))
	for i, k := range keys {
		e, ok := r.setLayouts[k]
		if !ok {
			return 0, 0, errors.Newf("set layout %#x for set %d is not registered", k, i)
		}
		sets[i] = e.layout
	}
	layout, err := r.device.CreatePipelineLayout(sets, push)
	if err != nil {
		return 0, 0, errors.Wrap(err, "creating pipeline layout")
	}
	r.pipelineLayouts[key] = &pipelineLayoutEntry{keys: append([]uint64(nil), keys...), layout: layout}
	r.pipelineLayoutsCreated++
	return layout, key, nil
}

// Evict releases whatever entry is stored under hash. Callers must make sure
// no pipeline still in flight references it.
func (r *Registry) Evict(hash uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.pipelineLayouts[hash]; ok {
		r.device.DestroyPipelineLayout(e.layout)
		delete(r.pipelineLayouts, hash)
		return true
	}
	if e, ok := r.setLayouts[hash]; ok {
		r.device.DestroyDescriptorSetLayout(e.layout)
		delete(r.setLayouts, hash)
		return true
	}
	if _, ok := r.infos[hash]; ok {
		delete(r.infos, hash)
		return true
	}
	return false
}

type RegistryStats struct {
	DescriptorInfos        int
	SetLayouts             int
	PipelineLayouts        int
	SetLayoutsCreated      int
	PipelineLayoutsCreated int
}

func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RegistryStats{
		DescriptorInfos:        len(r.infos),
		SetLayouts:             len(r.setLayouts),
		PipelineLayouts:        len(r.pipelineLayouts),
		SetLayoutsCreated:      r.setLayoutsCreated,
		PipelineLayoutsCreated: r.pipelineLayoutsCreated,
	}
}

func (r *Registry) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.pipelineLayouts {
		r.device.DestroyPipelineLayout(e.layout)
		delete(r.pipelineLayouts, k)
	}
	for k, e := range r.setLayouts {
		r.device.DestroyDescriptorSetLayout(e.layout)
		delete(r.setLayouts, k)
	}
	clear(r.infos)
}
