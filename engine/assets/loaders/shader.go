package loaders

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/renderer/shader"
)

// ShaderData describes the stages one shader file provides. Sources name
// the file by path so the renderer can watch it for changes.
type ShaderData struct {
	Sources []shader.Source
	// Words is the decoded binary of a .spv file.
	Words []uint32
}

type ShaderLoader struct{}

func (sl *ShaderLoader) Load(path string, params any) (*Resource, error) {
	stages, err := StagesFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sd := &ShaderData{}
	if filepath.Ext(path) == ".spv" {
		if sd.Words, err = shader.WordsFromBytes(data); err != nil {
			return nil, errors.Wrapf(err, "reading %s", path)
		}
	}
	for _, stage := range stages {
		sd.Sources = append(sd.Sources, shader.Source{Stage: stage, Path: path})
	}
	return &Resource{
		Name:     ShaderName(path),
		FullPath: path,
		Type:     ResourceTypeShader,
		DataSize: uint64(len(data)),
		Data:     sd,
	}, nil
}

func (sl *ShaderLoader) Unload(res *Resource) error {
	res.Data = nil
	return nil
}

// ShaderName strips the directory, the extension and the stage suffix:
// "shaders/mesh.vert.spv" is "mesh".
func ShaderName(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	switch filepath.Ext(name) {
	case ".vert", ".frag", ".comp":
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return name
}

// StagesFromPath reads the stages from a "<name>.<stage>.<ext>" file name.
// A .wgsl file without a stage suffix holds both a vertex and a fragment
// entry point.
func StagesFromPath(path string) ([]vk.ShaderStageFlagBits, error) {
	ext := filepath.Ext(path)
	if ext != ".spv" && ext != ".wgsl" {
		return nil, errors.Newf("%s is not a shader file", path)
	}
	switch filepath.Ext(strings.TrimSuffix(filepath.Base(path), ext)) {
	case ".vert":
		return []vk.ShaderStageFlagBits{vk.ShaderStageVertexBit}, nil
	case ".frag":
		return []vk.ShaderStageFlagBits{vk.ShaderStageFragmentBit}, nil
	case ".comp":
		return []vk.ShaderStageFlagBits{vk.ShaderStageComputeBit}, nil
	}
	if ext == ".wgsl" {
		return []vk.ShaderStageFlagBits{vk.ShaderStageVertexBit, vk.ShaderStageFragmentBit}, nil
	}
	return nil, errors.Newf("%s has no stage suffix", path)
}
