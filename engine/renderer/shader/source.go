package shader

import (
	"encoding/binary"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/naga"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/core"
)

// Source is the code for one pipeline stage. Exactly one of SPIRV, WGSL or
// Path is used, in that order of preference. Path may name a .spv binary or
// a .wgsl file.
type Source struct {
	Stage vk.ShaderStageFlagBits
	Path  string
	WGSL  string
	SPIRV []uint32
	// Entry selects the entry point; empty picks the first one of Stage.
	Entry string
}

func (s Source) String() string {
	switch {
	case s.SPIRV != nil:
		return "inline spirv"
	case s.WGSL != "":
		return "inline wgsl"
	}
	return s.Path
}

// WordsFromBytes reinterprets a little endian SPIR-V byte stream.
func WordsFromBytes(b []byte) ([]uint32, error) {
	if len(b)%4 != 0 {
		return nil, errors.Newf("spirv: %d bytes is not a whole number of words", len(b))
	}
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return words, nil
}

func BytesFromWords(words []uint32) []byte {
	b := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
	return b
}

func codeHash(words []uint32) uint64 {
	h := fnv.New64a()
	h.Write(BytesFromWords(words))
	return h.Sum64()
}

// LoadSPIRV reads a compiled binary from disk.
func LoadSPIRV(path string) ([]uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(ErrNotFound, "%s", path)
		}
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return WordsFromBytes(data)
}

// CompileWGSL compiles WGSL to SPIR-V. With a cache directory the binary is
// kept as <cacheDir>/<fnv64 of source>.spv and reused while the source is
// unchanged.
func CompileWGSL(source, cacheDir string) ([]uint32, error) {
	cachePath := wgslCachePath(source, cacheDir)
	if cachePath != "" {
		if words, err := LoadSPIRV(cachePath); err == nil {
			return words, nil
		}
	}

	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, errors.Wrap(err, "compiling wgsl")
	}
	words, err := WordsFromBytes(spirvBytes)
	if err != nil {
		return nil, err
	}

	if cachePath != "" {
		if err := core.WriteFileAtomic(cachePath, spirvBytes); err != nil {
			core.LogWarn("could not cache compiled shader at %s: %s", cachePath, err.Error())
		}
	}
	return words, nil
}

func wgslCachePath(source, cacheDir string) string {
	if cacheDir == "" {
		return ""
	}
	h := fnv.New64a()
	h.Write([]byte(source))
	return filepath.Join(cacheDir, strconv.FormatUint(h.Sum64(), 16)+".spv")
}

// load resolves a source to SPIR-V words. WGSL files read from disk are
// compiled once per call site; callers dedupe by path.
func (s Source) load(cacheDir string) ([]uint32, error) {
	switch {
	case s.SPIRV != nil:
		return s.SPIRV, nil
	case s.WGSL != "":
		return CompileWGSL(s.WGSL, cacheDir)
	case s.Path == "":
		return nil, errors.Wrap(ErrNotFound, "source has no code and no path")
	}
	if strings.EqualFold(filepath.Ext(s.Path), ".wgsl") {
		text, err := os.ReadFile(s.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, errors.Wrapf(ErrNotFound, "%s", s.Path)
			}
			return nil, errors.Wrapf(err, "reading %s", s.Path)
		}
		return CompileWGSL(string(text), cacheDir)
	}
	return LoadSPIRV(s.Path)
}
