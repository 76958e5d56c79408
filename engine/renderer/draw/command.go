package draw

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/core"
	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
	"github.com/spaghettifunk/sketchvk/engine/renderer/pipeline"
	"github.com/spaghettifunk/sketchvk/engine/renderer/shader"
)

// Semantic names tried, in order, when placing mesh attributes.
var (
	positionNames = []string{"inPos", "inPosition", "position", "aPos"}
	colorNames    = []string{"inColor", "color", "aColor"}
	normalNames   = []string{"inNormal", "normal", "aNormal"}
	texCoordNames = []string{"inUV", "inTexCoord", "texcoord", "uv", "aTexCoord"}
)

// DrawCommand is a reusable draw call template. Set it up once, change its
// values every frame and hand it to a batch, which commits a copy.
type DrawCommand struct {
	resources

	state pipeline.GraphicsState

	vertexBuffers []BufferRegion
	indexBuffer   BufferRegion
	indexType     vk.IndexType
	mesh          Mesh

	method        Method
	numVertices   uint32
	numIndices    uint32
	instanceCount uint32
	firstVertex   uint32
	firstIndex    uint32
	vertexOffset  int32
	firstInstance uint32
}

func NewDrawCommand(state pipeline.GraphicsState) *DrawCommand {
	c := &DrawCommand{}
	c.Setup(state)
	return c
}

// Setup binds the command to a pipeline state and its shader, discarding
// any previous assignment.
func (c *DrawCommand) Setup(state pipeline.GraphicsState) *DrawCommand {
	*c = DrawCommand{state: state, instanceCount: 1, indexType: vk.IndexTypeUint32}
	if state.Shader == nil {
		core.LogError("draw command set up without a shader")
		return c
	}
	c.resources.setup(state.Shader)
	var slots uint32
	for _, in := range state.Shader.Inputs {
		slots = max(slots, in.Location+1)
	}
	c.vertexBuffers = make([]BufferRegion, slots)
	return c
}

// Refresh moves the command to the program its shader publishes now, after
// a reload. Staged values and vertex buffers carry over by name and
// location. It reports whether the program changed.
func (c *DrawCommand) Refresh() bool {
	cur := c.program.Current()
	if cur == nil || cur == c.program {
		return false
	}
	c.resources.rebase(cur)
	c.state.Shader = cur
	var slots uint32
	for _, in := range cur.Inputs {
		slots = max(slots, in.Location+1)
	}
	buffers := make([]BufferRegion, slots)
	copy(buffers, c.vertexBuffers)
	c.vertexBuffers = buffers
	return true
}

func (c *DrawCommand) State() *pipeline.GraphicsState {
	return &c.state
}

func (c *DrawCommand) Program() *shader.Program {
	return c.program
}

func (c *DrawCommand) Sets() []SetData {
	return c.sets
}

// SetUniform encodes value and stores it under name. Misses and size
// mismatches are logged and leave the previous value in place.
func (c *DrawCommand) SetUniform(name string, value any) *DrawCommand {
	data, err := Bytes(value)
	if err == nil {
		err = c.setUniformBytes(name, data)
	}
	if err != nil {
		core.LogWarn("set uniform: %s", err.Error())
	}
	return c
}

func (c *DrawCommand) SetUniformBytes(name string, data []byte) error {
	return c.setUniformBytes(name, data)
}

// Uniform returns the staged bytes of a uniform.
func (c *DrawCommand) Uniform(name string) ([]byte, bool) {
	if c.program == nil {
		return nil, false
	}
	u, ok := c.program.Uniform(name)
	if !ok {
		return nil, false
	}
	b := c.binding(u.Set, u.Binding)
	if b == nil || b.staging == nil {
		return nil, false
	}
	return b.staging[u.Offset : u.Offset+u.Size], true
}

func (c *DrawCommand) SetTexture(name string, tex Texture) *DrawCommand {
	if err := c.setTexture(name, tex); err != nil {
		core.LogWarn("set texture: %s", err.Error())
	}
	return c
}

func (c *DrawCommand) SetStorageBuffer(name string, region BufferRegion) *DrawCommand {
	if err := c.setStorageBuffer(name, region); err != nil {
		core.LogWarn("set storage buffer: %s", err.Error())
	}
	return c
}

func (c *DrawCommand) SetPushConstant(name string, value any) *DrawCommand {
	data, err := Bytes(value)
	if err == nil {
		err = c.setPushConstantBytes(name, data)
	}
	if err != nil {
		core.LogWarn("set push constant: %s", err.Error())
	}
	return c
}

// SetAttribute binds a GPU buffer region to a vertex input location and
// drops any mesh previously set.
func (c *DrawCommand) SetAttribute(location uint32, region BufferRegion) *DrawCommand {
	if int(location) >= len(c.vertexBuffers) {
		core.LogWarn("set attribute: shader %s has no vertex input at location %d", c.programName(), location)
		return c
	}
	c.mesh = nil
	c.vertexBuffers[location] = region
	return c
}

func (c *DrawCommand) SetAttributeByName(name string, region BufferRegion) *DrawCommand {
	if c.program == nil {
		core.LogWarn("set attribute %s: %s", name, ErrNotSetUp.Error())
		return c
	}
	in, ok := c.program.Input(name)
	if !ok {
		core.LogWarn("set attribute: shader %s has no vertex input %s", c.programName(), name)
		return c
	}
	return c.SetAttribute(in.Location, region)
}

// SetIndices binds a GPU index buffer region and switches to indexed
// drawing.
func (c *DrawCommand) SetIndices(region BufferRegion, indexType vk.IndexType) *DrawCommand {
	c.mesh = nil
	c.indexBuffer = region
	c.indexType = indexType
	c.method = Indexed
	return c
}

// SetMesh hands the command CPU geometry to upload at commit. It replaces
// attributes and indices bound with SetAttribute and SetIndices.
func (c *DrawCommand) SetMesh(mesh Mesh) *DrawCommand {
	c.mesh = mesh
	clear(c.vertexBuffers)
	c.indexBuffer = BufferRegion{}
	if mesh == nil {
		return c
	}
	c.numVertices = uint32(len(mesh.Positions()))
	c.method = Direct
	if mesh.UsesIndices() {
		c.method = Indexed
		c.numIndices = uint32(len(mesh.Indices()))
	}
	return c
}

func (c *DrawCommand) SetDrawMethod(m Method) *DrawCommand {
	c.method = m
	return c
}

func (c *DrawCommand) SetNumVertices(n uint32) *DrawCommand {
	c.numVertices = n
	return c
}

func (c *DrawCommand) SetNumIndices(n uint32) *DrawCommand {
	c.numIndices = n
	return c
}

func (c *DrawCommand) SetInstanceCount(n uint32) *DrawCommand {
	c.instanceCount = n
	return c
}

func (c *DrawCommand) SetFirstVertex(n uint32) *DrawCommand {
	c.firstVertex = n
	return c
}

func (c *DrawCommand) SetFirstIndex(n uint32) *DrawCommand {
	c.firstIndex = n
	return c
}

func (c *DrawCommand) SetVertexOffset(n int32) *DrawCommand {
	c.vertexOffset = n
	return c
}

func (c *DrawCommand) SetFirstInstance(n uint32) *DrawCommand {
	c.firstInstance = n
	return c
}

func (c *DrawCommand) Method() Method {
	return c.method
}

func (c *DrawCommand) VertexBuffers() []BufferRegion {
	return c.vertexBuffers
}

func (c *DrawCommand) IndexBuffer() (BufferRegion, vk.IndexType) {
	return c.indexBuffer, c.indexType
}

func (c *DrawCommand) Counts() (vertices, indices, instances uint32) {
	return c.numVertices, c.numIndices, c.instanceCount
}

func (c *DrawCommand) programName() string {
	if c.program == nil {
		return "<none>"
	}
	return c.program.Name
}

// CommitUniforms copies staged uniform blocks into alloc and records their
// dynamic offsets. Textures and storage buffers must be assigned by now.
func (c *DrawCommand) CommitUniforms(alloc Allocator) error {
	return c.commitUniforms(alloc)
}

// CommitMeshAttributes uploads the mesh set with SetMesh, if any. Inputs the
// mesh does not provide are bound to zero filled data.
func (c *DrawCommand) CommitMeshAttributes(alloc Allocator) error {
	if c.mesh == nil {
		return nil
	}
	if c.program == nil {
		return ErrNotSetUp
	}
	positions := c.mesh.Positions()
	if len(positions) == 0 {
		return ErrNoPositions
	}
	n := uint32(len(positions))

	streams := []struct {
		names    []string
		fallback uint32
		used     bool
		data     any
	}{
		{positionNames, 0, true, positions},
		{colorNames, 1, c.mesh.UsesColors(), c.mesh.Colors()},
		{normalNames, 2, c.mesh.UsesNormals(), c.mesh.Normals()},
		{texCoordNames, 3, c.mesh.UsesTexCoords(), c.mesh.TexCoords()},
	}
	placed := map[uint32]bool{}
	for _, s := range streams {
		if !s.used {
			continue
		}
		in, ok := c.findInput(s.names, s.fallback, placed)
		if !ok {
			continue
		}
		data, err := Bytes(s.data)
		if err != nil {
			return err
		}
		region, err := upload(alloc, data)
		if err != nil {
			return errors.Wrapf(err, "attribute %s", in.Name)
		}
		c.vertexBuffers[in.Location] = region
		placed[in.Location] = true
	}

	for _, in := range c.program.Inputs {
		if placed[in.Location] {
			continue
		}
		region, err := upload(alloc, make([]byte, n*in.Size))
		if err != nil {
			return errors.Wrapf(err, "attribute %s", in.Name)
		}
		c.vertexBuffers[in.Location] = region
	}

	c.numVertices = n
	if c.mesh.UsesIndices() {
		indices := c.mesh.Indices()
		data := make([]byte, 0, len(indices)*4)
		for _, i := range indices {
			data = binary.LittleEndian.AppendUint32(data, i)
		}
		region, err := upload(alloc, data)
		if err != nil {
			return errors.Wrap(err, "indices")
		}
		c.indexBuffer = region
		c.indexType = vk.IndexTypeUint32
		c.numIndices = uint32(len(indices))
		c.method = Indexed
	}
	return nil
}

// findInput picks the shader input for a mesh stream: by semantic name
// first, then by the conventional location when no input is named.
func (c *DrawCommand) findInput(names []string, fallback uint32, placed map[uint32]bool) (shader.VertexInput, bool) {
	for _, name := range names {
		if in, ok := c.program.Input(name); ok && !placed[in.Location] {
			return in, true
		}
	}
	if in, ok := c.program.InputAt(fallback); ok && !placed[in.Location] && !isSemantic(in.Name) {
		return in, true
	}
	return shader.VertexInput{}, false
}

func isSemantic(name string) bool {
	for _, names := range [][]string{positionNames, colorNames, normalNames, texCoordNames} {
		for _, n := range names {
			if n == name {
				return true
			}
		}
	}
	return false
}

func upload(alloc Allocator, data []byte) (BufferRegion, error) {
	offset, err := alloc.Allocate(uint64(len(data)))
	if err != nil {
		return BufferRegion{}, err
	}
	dst := alloc.Bytes(offset, uint64(len(data)))
	if dst == nil {
		return BufferRegion{}, errors.New("allocator is not host visible")
	}
	copy(dst, data)
	return BufferRegion{Buffer: alloc.Buffer(), Offset: offset, Size: uint64(len(data))}, nil
}

// Commit refreshes the command to its shader's current program, then runs
// CommitMeshAttributes and CommitUniforms.
func (c *DrawCommand) Commit(alloc Allocator) error {
	c.Refresh()
	if err := c.CommitMeshAttributes(alloc); err != nil {
		core.LogError("commit mesh for %s: %s", c.programName(), err.Error())
		return err
	}
	return c.CommitUniforms(alloc)
}

// Clone returns an independent copy; a batch keeps clones so the template
// can be changed for the next draw.
func (c *DrawCommand) Clone() *DrawCommand {
	n := *c
	n.resources = c.resources.clone()
	n.vertexBuffers = append([]BufferRegion(nil), c.vertexBuffers...)
	n.state.Blend = append([]driver.BlendAttachment(nil), c.state.Blend...)
	return &n
}

// Record binds descriptor sets, vertex and index buffers and issues the
// draw. The pipeline must already be bound.
func (c *DrawCommand) Record(device driver.Device, cb driver.CommandBuffer, resolver SetResolver) error {
	if c.program == nil {
		return ErrNotSetUp
	}
	if err := c.bind(device, cb, resolver); err != nil {
		return err
	}
	// inputs are sorted by location; each contiguous run is one bind
	var (
		first   uint32
		buffers []driver.Buffer
		offsets []uint64
	)
	flush := func() {
		if len(buffers) > 0 {
			device.CmdBindVertexBuffers(cb, first, buffers, offsets)
		}
		buffers, offsets = nil, nil
	}
	for _, in := range c.program.Inputs {
		r := c.vertexBuffers[in.Location]
		if !r.Valid() {
			return errors.Wrapf(ErrUnbound, "vertex input %s of shader %s", in.Name, c.program.Name)
		}
		if len(buffers) > 0 && in.Location != first+uint32(len(buffers)) {
			flush()
		}
		if len(buffers) == 0 {
			first = in.Location
		}
		buffers = append(buffers, r.Buffer)
		offsets = append(offsets, r.Offset)
	}
	flush()
	if c.method == Indexed {
		if !c.indexBuffer.Valid() {
			return errors.Wrapf(ErrUnbound, "index buffer of shader %s", c.program.Name)
		}
		device.CmdBindIndexBuffer(cb, c.indexBuffer.Buffer, c.indexBuffer.Offset, c.indexType)
		device.CmdDrawIndexed(cb, c.numIndices, c.instanceCount, c.firstIndex, c.vertexOffset, c.firstInstance)
		return nil
	}
	device.CmdDraw(cb, c.numVertices, c.instanceCount, c.firstVertex, c.firstInstance)
	return nil
}
