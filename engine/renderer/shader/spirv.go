package shader

import (
	"math/bits"

	"github.com/cockroachdb/errors"
)

const spirvMagic = 0x07230203

// Opcodes
const (
	opName                = 5
	opMemberName          = 6
	opEntryPoint          = 15
	opExecutionMode       = 16
	opTypeVoid            = 19
	opTypeBool            = 20
	opTypeInt             = 21
	opTypeFloat           = 22
	opTypeVector          = 23
	opTypeMatrix          = 24
	opTypeImage           = 25
	opTypeSampler         = 26
	opTypeSampledImage    = 27
	opTypeArray           = 28
	opTypeRuntimeArray    = 29
	opTypeStruct          = 30
	opTypePointer         = 32
	opConstant            = 43
	opFunctionCall        = 57
	opVariable            = 59
	opLoad                = 61
	opCopyMemory          = 63
	opAccessChain         = 65
	opInBoundsAccessChain = 66
	opDecorate            = 71
	opMemberDecorate      = 72
)

// Decorations
const (
	decorationBlock         = 2
	decorationBufferBlock   = 3
	decorationArrayStride   = 6
	decorationMatrixStride  = 7
	decorationBuiltIn       = 11
	decorationLocation      = 30
	decorationBinding       = 33
	decorationDescriptorSet = 34
	decorationOffset        = 35
)

// Storage classes
const (
	storageUniformConstant = 0
	storageInput           = 1
	storageUniform         = 2
	storageOutput          = 3
	storagePushConstant    = 9
	storageStorageBuffer   = 12
)

// Execution models
const (
	modelVertex   = 0
	modelFragment = 4
	modelCompute  = 5
)

const executionModeLocalSize = 17

type spvType struct {
	op       uint32
	operands []uint32
}

type spvVariable struct {
	id      uint32
	typeID  uint32
	storage uint32
}

type spvEntryPoint struct {
	model      uint32
	id         uint32
	name       string
	interfaces []uint32
	localSize  [3]uint32
}

// module is the subset of a SPIR-V binary needed for reflection.
type module struct {
	names             map[uint32]string
	memberNames       map[uint32]map[uint32]string
	decorations       map[uint32]map[uint32][]uint32
	memberDecorations map[uint32]map[uint32]map[uint32][]uint32
	types             map[uint32]spvType
	constants         map[uint32]uint32
	variables         []spvVariable
	variableByID      map[uint32]int
	entryPoints       []spvEntryPoint

	// Members reached through access chains, per variable. Variables used
	// whole (loaded, copied, passed to a function) are in usedWhole.
	accessed  map[uint32]map[uint32]bool
	usedWhole map[uint32]bool
}

func decodeString(words []uint32) (string, int) {
	var buf []byte
	for i, w := range words {
		for shift := 0; shift < 32; shift += 8 {
			b := byte(w >> shift)
			if b == 0 {
				return string(buf), i + 1
			}
			buf = append(buf, b)
		}
	}
	return string(buf), len(words)
}

func parseModule(code []uint32) (*module, error) {
	if len(code) < 5 {
		return nil, errors.Newf("spirv: binary of %d words is shorter than the header", len(code))
	}
	switch code[0] {
	case spirvMagic:
	case bits.ReverseBytes32(spirvMagic):
		swapped := make([]uint32, len(code))
		for i, w := range code {
			swapped[i] = bits.ReverseBytes32(w)
		}
		code = swapped
	default:
		return nil, errors.Newf("spirv: bad magic number %#08x", code[0])
	}

	m := &module{
		names:             map[uint32]string{},
		memberNames:       map[uint32]map[uint32]string{},
		decorations:       map[uint32]map[uint32][]uint32{},
		memberDecorations: map[uint32]map[uint32]map[uint32][]uint32{},
		types:             map[uint32]spvType{},
		constants:         map[uint32]uint32{},
		variableByID:      map[uint32]int{},
		accessed:          map[uint32]map[uint32]bool{},
		usedWhole:         map[uint32]bool{},
	}

	var chains []uint32
	for i := 5; i < len(code); {
		wordCount := int(code[i] >> 16)
		op := code[i] & 0xffff
		if wordCount == 0 || i+wordCount > len(code) {
			return nil, errors.Newf("spirv: malformed instruction at word %d", i)
		}
		args := code[i+1 : i+wordCount]
		i += wordCount

		switch op {
		case opName:
			if len(args) >= 2 {
				m.names[args[0]], _ = decodeString(args[1:])
			}
		case opMemberName:
			if len(args) >= 3 {
				if m.memberNames[args[0]] == nil {
					m.memberNames[args[0]] = map[uint32]string{}
				}
				m.memberNames[args[0]][args[1]], _ = decodeString(args[2:])
			}
		case opEntryPoint:
			if len(args) >= 3 {
				name, n := decodeString(args[2:])
				m.entryPoints = append(m.entryPoints, spvEntryPoint{
					model:      args[0],
					id:         args[1],
					name:       name,
					interfaces: append([]uint32(nil), args[2+n:]...),
				})
			}
		case opExecutionMode:
			if len(args) >= 5 && args[1] == executionModeLocalSize {
				for e := range m.entryPoints {
					if m.entryPoints[e].id == args[0] {
						m.entryPoints[e].localSize = [3]uint32{args[2], args[3], args[4]}
					}
				}
			}
		case opDecorate:
			if len(args) >= 2 {
				if m.decorations[args[0]] == nil {
					m.decorations[args[0]] = map[uint32][]uint32{}
				}
				m.decorations[args[0]][args[1]] = append([]uint32(nil), args[2:]...)
			}
		case opMemberDecorate:
			if len(args) >= 3 {
				if m.memberDecorations[args[0]] == nil {
					m.memberDecorations[args[0]] = map[uint32]map[uint32][]uint32{}
				}
				if m.memberDecorations[args[0]][args[1]] == nil {
					m.memberDecorations[args[0]][args[1]] = map[uint32][]uint32{}
				}
				m.memberDecorations[args[0]][args[1]][args[2]] = append([]uint32(nil), args[3:]...)
			}
		case opTypeVoid, opTypeBool, opTypeInt, opTypeFloat, opTypeVector, opTypeMatrix,
			opTypeImage, opTypeSampler, opTypeSampledImage, opTypeArray, opTypeRuntimeArray,
			opTypeStruct, opTypePointer:
			if len(args) >= 1 {
				m.types[args[0]] = spvType{op: op, operands: append([]uint32(nil), args[1:]...)}
			}
		case opConstant:
			if len(args) >= 3 {
				m.constants[args[1]] = args[2]
			}
		case opVariable:
			if len(args) >= 3 {
				m.variableByID[args[1]] = len(m.variables)
				m.variables = append(m.variables, spvVariable{id: args[1], typeID: args[0], storage: args[2]})
			}
		case opAccessChain, opInBoundsAccessChain:
			// resolved once every constant and variable is known
			chains = append(chains, args...)
			chains = append(chains, ^uint32(0))
		case opLoad:
			if len(args) >= 3 {
				m.usedWhole[args[2]] = true
			}
		case opCopyMemory:
			if len(args) >= 2 {
				m.usedWhole[args[0]] = true
				m.usedWhole[args[1]] = true
			}
		case opFunctionCall:
			for _, a := range args[min(3, len(args)):] {
				m.usedWhole[a] = true
			}
		}
	}

	start := 0
	for j, w := range chains {
		if w != ^uint32(0) {
			continue
		}
		m.resolveAccessChain(chains[start:j])
		start = j + 1
	}
	return m, nil
}

// resolveAccessChain records which block member an access chain selects.
// args are: result type, result id, base, indexes...
func (m *module) resolveAccessChain(args []uint32) {
	if len(args) < 4 {
		return
	}
	base := args[2]
	vi, ok := m.variableByID[base]
	if !ok {
		return
	}
	indexes := args[3:]
	pointee := m.pointee(m.variables[vi].typeID)
	// arrays of blocks are indexed first
	for {
		t, ok := m.types[pointee]
		if !ok || (t.op != opTypeArray && t.op != opTypeRuntimeArray) {
			break
		}
		if len(indexes) == 1 {
			m.usedWhole[base] = true
			return
		}
		pointee = t.operands[0]
		indexes = indexes[1:]
	}
	if t, ok := m.types[pointee]; !ok || t.op != opTypeStruct {
		m.usedWhole[base] = true
		return
	}
	member, ok := m.constants[indexes[0]]
	if !ok {
		m.usedWhole[base] = true
		return
	}
	if m.accessed[base] == nil {
		m.accessed[base] = map[uint32]bool{}
	}
	m.accessed[base][member] = true
}

func (m *module) pointee(pointerType uint32) uint32 {
	t, ok := m.types[pointerType]
	if !ok || t.op != opTypePointer || len(t.operands) < 2 {
		return 0
	}
	return t.operands[1]
}

func (m *module) decoration(id, decoration uint32) (uint32, bool) {
	d, ok := m.decorations[id][decoration]
	if !ok {
		return 0, false
	}
	if len(d) == 0 {
		return 0, true
	}
	return d[0], true
}

func (m *module) hasDecoration(id, decoration uint32) bool {
	_, ok := m.decorations[id][decoration]
	return ok
}

func (m *module) memberDecoration(structID, member, decoration uint32) (uint32, bool) {
	d, ok := m.memberDecorations[structID][member][decoration]
	if !ok {
		return 0, false
	}
	if len(d) == 0 {
		return 0, true
	}
	return d[0], true
}

// sizeOf returns the byte size of a type laid out with explicit offsets and
// strides. matrixStride is the MatrixStride decoration of the enclosing
// member, zero when not applicable.
func (m *module) sizeOf(typeID uint32, matrixStride uint32) uint64 {
	t, ok := m.types[typeID]
	if !ok {
		return 0
	}
	switch t.op {
	case opTypeBool:
		return 4
	case opTypeInt, opTypeFloat:
		return uint64(t.operands[0] / 8)
	case opTypeVector:
		return uint64(t.operands[1]) * m.sizeOf(t.operands[0], 0)
	case opTypeMatrix:
		columns := uint64(t.operands[1])
		if matrixStride != 0 {
			return columns * uint64(matrixStride)
		}
		return columns * m.sizeOf(t.operands[0], 0)
	case opTypeArray:
		length := uint64(m.constants[t.operands[1]])
		if stride, ok := m.decoration(typeID, decorationArrayStride); ok && stride != 0 {
			return length * uint64(stride)
		}
		return length * m.sizeOf(t.operands[0], matrixStride)
	case opTypeRuntimeArray:
		return 0
	case opTypeStruct:
		var size uint64
		for i, member := range t.operands {
			offset, _ := m.memberDecoration(typeID, uint32(i), decorationOffset)
			stride, _ := m.memberDecoration(typeID, uint32(i), decorationMatrixStride)
			size = max(size, uint64(offset)+m.sizeOf(member, stride))
		}
		return size
	}
	return 0
}

// arrayLength returns the element count of an array type and the element
// type. Non-array types have a length of one.
func (m *module) arrayLength(typeID uint32) (uint32, uint32) {
	t, ok := m.types[typeID]
	if !ok {
		return 1, typeID
	}
	switch t.op {
	case opTypeArray:
		return max(m.constants[t.operands[1]], 1), t.operands[0]
	case opTypeRuntimeArray:
		return 1, t.operands[0]
	}
	return 1, typeID
}

// components returns the scalar type and the component count of a scalar
// or vector type.
func (m *module) components(typeID uint32) (spvType, uint32) {
	t := m.types[typeID]
	if t.op == opTypeVector {
		return m.types[t.operands[0]], t.operands[1]
	}
	return t, 1
}
