// Package shader compiles and reflects shaders and derives the descriptor
// set and pipeline layouts they need.
package shader

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/core"
	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
)

type Settings struct {
	Name    string
	Sources []Source
	// CacheDir keeps compiled WGSL between runs when set.
	CacheDir string
}

type Shader struct {
	mu sync.Mutex

	settings Settings
	device   driver.Device
	registry *Registry

	program    atomic.Pointer[Program]
	codeHashes []uint64
	retire     func(*Program)
}

func New(device driver.Device, registry *Registry, settings Settings) *Shader {
	if settings.Name == "" && len(settings.Sources) > 0 {
		settings.Name = settings.Sources[0].String()
	}
	return &Shader{
		settings: settings,
		device:   device,
		registry: registry,
	}
}

func (s *Shader) Name() string {
	return s.settings.Name
}

// Program returns the current compiled version, nil before the first
// successful Compile.
func (s *Shader) Program() *Program {
	return s.program.Load()
}

// Paths lists the files the shader is built from.
func (s *Shader) Paths() []string {
	var paths []string
	for _, src := range s.settings.Sources {
		if src.SPIRV == nil && src.WGSL == "" && src.Path != "" && !slices.Contains(paths, src.Path) {
			paths = append(paths, src.Path)
		}
	}
	return paths
}

// OnRetire sets the function that receives programs replaced by a
// recompile. Without one their modules are destroyed immediately.
func (s *Shader) OnRetire(fn func(*Program)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retire = fn
}

// Compile loads every stage and rebuilds the program when any stage's code
// changed. It reports whether a new program was published. On failure the
// previous program, if any, stays current.
func (s *Shader) Compile() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.program.Load()
	codes := make([][]uint32, len(s.settings.Sources))
	loaded := map[string][]uint32{}
	for i, src := range s.settings.Sources {
		if words, ok := loaded[src.Path]; ok && src.SPIRV == nil && src.WGSL == "" {
			codes[i] = words
			continue
		}
		words, err := src.load(s.settings.CacheDir)
		if err != nil {
			return false, s.fail(prev, errors.Wrapf(err, "stage %s", stageName(src.Stage)))
		}
		codes[i] = words
		if src.SPIRV == nil && src.WGSL == "" {
			loaded[src.Path] = words
		}
	}

	hashes := make([]uint64, len(codes))
	for i, c := range codes {
		hashes[i] = codeHash(c)
	}
	if prev != nil && slices.Equal(hashes, s.codeHashes) {
		return false, nil
	}

	prog, err := s.build(codes, hashes)
	if err != nil {
		return false, s.fail(prev, err)
	}
	s.codeHashes = hashes
	s.program.Store(prog)
	if prev != nil {
		if s.retire != nil {
			s.retire(prev)
		} else {
			DestroyModules(s.device, prev)
		}
		core.LogInfo("shader %s reloaded", s.settings.Name)
	}
	return true, nil
}

func (s *Shader) fail(prev *Program, err error) error {
	err = errors.Wrapf(err, "shader %s", s.settings.Name)
	if prev != nil {
		core.LogError("%s; keeping the previous version", err.Error())
	} else {
		core.LogError("%s", err.Error())
	}
	return err
}

// DestroyModules releases the shader modules owned by p. Layouts belong to
// the registry and are left alone.
func DestroyModules(device driver.Device, p *Program) {
	seen := map[driver.ShaderModule]bool{}
	for _, st := range p.Stages {
		if st.Module != 0 && !seen[st.Module] {
			device.DestroyShaderModule(st.Module)
			seen[st.Module] = true
		}
	}
}

// Destroy releases the current program's modules.
func (s *Shader) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.program.Swap(nil); p != nil {
		DestroyModules(s.device, p)
	}
	s.codeHashes = nil
}

type bindingKey struct {
	set, binding uint32
}

func (s *Shader) build(codes [][]uint32, hashes []uint64) (*Program, error) {
	reflections := make([]*Reflection, len(codes))
	for i, code := range codes {
		src := s.settings.Sources[i]
		r, err := Reflect(code, src.Stage, src.Entry)
		if err != nil {
			return nil, errors.Wrapf(err, "reflecting stage %s", stageName(src.Stage))
		}
		reflections[i] = r
	}

	merged, infos, err := s.mergeResources(reflections)
	if err != nil {
		return nil, err
	}

	prog := &Program{
		Name:        s.settings.Name,
		resources:   map[string]Binding{},
		uniforms:    map[string]UniformLocation{},
		pushMembers: map[string]MemberRange{},
		owner:       s,
	}

	keys := slices.SortedFunc(maps.Keys(merged), func(a, b bindingKey) int {
		if a.set != b.set {
			return int(a.set) - int(b.set)
		}
		return int(a.binding) - int(b.binding)
	})
	setCount := 0
	if len(keys) > 0 {
		setCount = int(keys[len(keys)-1].set) + 1
	}
	prog.Sets = make([][]Binding, setCount)
	for _, k := range keys {
		res := merged[k]
		info := infos[k]
		b := Binding{
			Name:     res.Name,
			Set:      k.set,
			Binding:  k.binding,
			Type:     res.Type,
			Count:    max(res.Count, 1),
			Size:     res.Size,
			InfoHash: info.Hash(),
			Stages:   res.Stages,
		}
		prog.Sets[k.set] = append(prog.Sets[k.set], b)
		prog.resources[res.Name] = b
		if res.TypeName != "" {
			if _, taken := prog.resources[res.TypeName]; !taken {
				prog.resources[res.TypeName] = b
			}
		}
	}
	s.buildUniformTable(prog, keys, merged, infos)

	for set, bindings := range prog.Sets {
		metas := make([]BindingMeta, len(bindings))
		for i, b := range bindings {
			metas[i] = BindingMeta{Binding: b.Binding, InfoHash: b.InfoHash, Type: b.Type, Count: b.Count, Stages: b.Stages}
		}
		meta := NewSetLayoutMeta(metas)
		layout, err := s.registry.RegisterSetLayout(meta)
		if err != nil {
			return nil, errors.Wrapf(err, "set %d", set)
		}
		prog.SetKeys = append(prog.SetKeys, meta.Hash())
		prog.SetLayouts = append(prog.SetLayouts, layout)
	}

	var pushStages vk.ShaderStageFlags
	var pushSize uint32
	for _, r := range reflections {
		if r.PushConstants == nil {
			continue
		}
		pushStages |= vk.ShaderStageFlags(r.Stage)
		pushSize = max(pushSize, r.PushConstants.Size)
		for name, rng := range r.PushConstants.Members {
			prog.pushMembers[name] = rng
		}
	}
	if pushSize > 0 {
		prog.PushConstants = []driver.PushConstantRange{{Stages: pushStages, Offset: 0, Size: pushSize}}
	}

	layout, layoutKey, err := s.registry.PipelineLayout(prog.SetKeys, prog.PushConstants)
	if err != nil {
		return nil, err
	}
	prog.PipelineLayout = layout
	prog.PipelineLayoutKey = layoutKey

	for _, r := range reflections {
		if r.Stage == vk.ShaderStageVertexBit {
			prog.Inputs = r.Inputs
		}
		if r.Stage == vk.ShaderStageComputeBit {
			prog.LocalSize = r.LocalSize
		}
	}

	modules := map[uint64]driver.ShaderModule{}
	h := fnv.New64a()
	var buf [8]byte
	for i, code := range codes {
		module, ok := modules[hashes[i]]
		if !ok {
			module, err = s.device.CreateShaderModule(code)
			if err != nil {
				DestroyModules(s.device, prog)
				return nil, errors.Wrapf(err, "creating module for stage %s", stageName(reflections[i].Stage))
			}
			modules[hashes[i]] = module
		}
		prog.Stages = append(prog.Stages, StageModule{
			Stage:    reflections[i].Stage,
			Module:   module,
			Entry:    reflections[i].EntryPoint,
			CodeHash: hashes[i],
		})
		binary.LittleEndian.PutUint64(buf[:], hashes[i])
		h.Write(buf[:])
	}
	prog.CodeHash = h.Sum64()
	return prog, nil
}

// mergeResources folds the per-stage resources into one table keyed by
// (set, binding) and registers every block with the registry, stage by
// stage, so overlapping members are merged and reported.
func (s *Shader) mergeResources(reflections []*Reflection) (map[bindingKey]*Resource, map[bindingKey]*DescriptorInfo, error) {
	merged := map[bindingKey]*Resource{}
	infos := map[bindingKey]*DescriptorInfo{}
	byName := map[string]bindingKey{}

	for _, r := range reflections {
		for i := range r.Resources {
			res := r.Resources[i]
			if !res.HasSet {
				core.LogWarn("shader %s: %s has no descriptor set decoration, using set 0", s.settings.Name, res.Name)
			}
			if !res.HasBinding {
				core.LogWarn("shader %s: %s has no binding decoration, using binding 0", s.settings.Name, res.Name)
			}
			key := bindingKey{set: res.Set, binding: res.Binding}
			name := res.InfoName()

			if other, ok := byName[name]; ok && other != key {
				return nil, nil, errors.Wrapf(ErrInconsistentBinding, "%s is bound at set %d binding %d in one stage and set %d binding %d in %s",
					name, other.set, other.binding, key.set, key.binding, stageName(r.Stage))
			}
			if cur, ok := merged[key]; ok {
				if cur.InfoName() != name || cur.Type != res.Type || cur.Size != res.Size {
					return nil, nil, errors.Wrapf(ErrInconsistentBinding, "set %d binding %d holds %s in one stage and %s in %s",
						key.set, key.binding, cur.InfoName(), name, stageName(r.Stage))
				}
				cur.Stages |= res.Stages
			} else {
				c := res
				merged[key] = &c
			}
			byName[name] = key

			info, _, err := s.registry.RegisterDescriptorInfo(NewDescriptorInfo(name, res.Type, res.Size, res.Count, res.Members))
			if err != nil {
				return nil, nil, errors.Wrapf(err, "stage %s", stageName(r.Stage))
			}
			infos[key] = info
		}
	}
	return merged, infos, nil
}

// buildUniformTable fills the name lookup for block members. Qualified names
// are always present; bare member names are added unless two blocks share
// them, in which case the first block in set/binding order wins.
func (s *Shader) buildUniformTable(prog *Program, keys []bindingKey, merged map[bindingKey]*Resource, infos map[bindingKey]*DescriptorInfo) {
	for _, k := range keys {
		res := merged[k]
		if res.Type != vk.DescriptorTypeUniformBufferDynamic && res.Type != vk.DescriptorTypeStorageBuffer {
			continue
		}
		info := infos[k]
		block := info.Name
		names := make([]string, 0, len(info.Members))
		for n := range info.Members {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, member := range names {
			rng := info.Members[member]
			loc := UniformLocation{Block: block, Set: k.set, Binding: k.binding, Offset: rng.Offset, Size: rng.Range}
			prog.uniforms[block+"."+member] = loc
			if res.Name != block {
				prog.uniforms[res.Name+"."+member] = loc
			}
			if existing, ok := prog.uniforms[member]; ok {
				if existing.Block != block {
					core.LogWarn("shader %s: uniform %s is declared by %s and %s, use the qualified name for %s",
						s.settings.Name, member, existing.Block, block, block)
				}
				continue
			}
			prog.uniforms[member] = loc
		}
	}
}

func stageName(stage vk.ShaderStageFlagBits) string {
	switch stage {
	case vk.ShaderStageVertexBit:
		return "vertex"
	case vk.ShaderStageFragmentBit:
		return "fragment"
	case vk.ShaderStageComputeBit:
		return "compute"
	}
	return fmt.Sprintf("%#x", uint32(stage))
}
