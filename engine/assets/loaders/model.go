package loaders

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/g3n/engine/loader/obj"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/spaghettifunk/sketchvk/engine/renderer/draw"
)

type ModelParams struct {
	// Material library. Defaults to the .obj path with a .mtl extension when
	// that file exists.
	MtlPath string
}

type ModelLoader struct{}

func (ml *ModelLoader) Load(path string, params any) (*Resource, error) {
	mtlPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".mtl"
	if p, ok := params.(*ModelParams); ok && p != nil && p.MtlPath != "" {
		mtlPath = p.MtlPath
	}

	objFile, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer objFile.Close()

	var mtl io.Reader = strings.NewReader("")
	if mtlFile, err := os.Open(mtlPath); err == nil {
		defer mtlFile.Close()
		mtl = mtlFile
	}

	mesh, err := DecodeOBJ(objFile, mtl)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return &Resource{
		Name:     strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		FullPath: path,
		Type:     ResourceTypeModel,
		DataSize: uint64(len(mesh.Vertices)),
		Data:     mesh,
	}, nil
}

func (ml *ModelLoader) Unload(res *Resource) error {
	res.Data = nil
	return nil
}

type objVertex struct {
	position, uv, normal int
}

// DecodeOBJ triangulates every face of every object into one indexed mesh.
// Vertices sharing position, texcoord and normal indices are merged.
func DecodeOBJ(objReader, mtlReader io.Reader) (*draw.SimpleMesh, error) {
	decoder, err := obj.DecodeReader(objReader, mtlReader)
	if err != nil {
		return nil, err
	}

	mesh := &draw.SimpleMesh{}
	unique := make(map[objVertex]uint32)
	hasUV := len(decoder.Uvs) > 0
	hasNormal := len(decoder.Normals) > 0

	add := func(face obj.Face, i int) error {
		key := objVertex{position: face.Vertices[i], uv: -1, normal: -1}
		if hasUV && i < len(face.Uvs) {
			key.uv = face.Uvs[i]
		}
		if hasNormal && i < len(face.Normals) {
			key.normal = face.Normals[i]
		}
		if index, ok := unique[key]; ok {
			mesh.Index = append(mesh.Index, index)
			return nil
		}
		if key.position < 0 || key.position*3+2 >= len(decoder.Vertices) {
			return errors.Newf("vertex index %d out of range", key.position)
		}
		v := decoder.Vertices[key.position*3:]
		mesh.Vertices = append(mesh.Vertices, mgl32.Vec3{v[0], v[1], v[2]})
		if hasUV {
			uv := mgl32.Vec2{}
			if key.uv >= 0 && key.uv*2+1 < len(decoder.Uvs) {
				// OBJ puts the texture origin at the bottom left
				uv = mgl32.Vec2{decoder.Uvs[key.uv*2], 1 - decoder.Uvs[key.uv*2+1]}
			}
			mesh.UV = append(mesh.UV, uv)
		}
		if hasNormal {
			n := mgl32.Vec3{}
			if key.normal >= 0 && key.normal*3+2 < len(decoder.Normals) {
				n = mgl32.Vec3{decoder.Normals[key.normal*3], decoder.Normals[key.normal*3+1], decoder.Normals[key.normal*3+2]}
			}
			mesh.Normal = append(mesh.Normal, n)
		}
		index := uint32(len(mesh.Vertices) - 1)
		unique[key] = index
		mesh.Index = append(mesh.Index, index)
		return nil
	}

	for _, object := range decoder.Objects {
		for _, face := range object.Faces {
			for i := 2; i < len(face.Vertices); i++ {
				for _, corner := range [3]int{0, i - 1, i} {
					if err := add(face, corner); err != nil {
						return nil, err
					}
				}
			}
		}
	}
	if len(mesh.Index) == 0 {
		return nil, errors.New("model has no faces")
	}
	return mesh, nil
}
