//go:build mage

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/magefile/mage/mg"

	"github.com/spaghettifunk/sketchvk/engine/core"
	"github.com/spaghettifunk/sketchvk/engine/renderer/shader"
)

const configPath = "config.toml"

type Build mg.Namespace

// Compiles every WGSL file of the shader directory into the SPIR-V cache.
func (Build) Shaders() error {
	return buildShaders()
}

// Builds the testbed binary into bin/.
func (Build) Binary() error {
	mg.Deps(Build.Shaders)
	if _, err := executeCmd("go", withArgs("build", "-o", filepath.Join("bin", "sketchvk"), "."), withStream()); err != nil {
		return err
	}
	return nil
}

func buildShaders() error {
	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return err
	}
	var compiled int
	err = filepath.WalkDir(cfg.Shaders.Directory, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".wgsl") {
			return nil
		}
		source, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		fmt.Printf("Compiling %s\n", path)
		if _, err := shader.CompileWGSL(string(source), cfg.Shaders.CacheDir); err != nil {
			return fmt.Errorf("compiling %s: %w", path, err)
		}
		compiled++
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("%d shaders cached in %s\n", compiled, cfg.Shaders.CacheDir)
	return nil
}
