//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Compiles the shaders and runs the testbed sketch.
func (Run) Testbed() error {
	if err := buildShaders(); err != nil {
		return err
	}
	fmt.Println("Run testbed...")
	if _, err := executeCmd("go", withArgs("run", ".", "-config", configPath), withStream()); err != nil {
		return err
	}
	return nil
}

// Runs the testbed with the Vulkan validation layers enabled.
func (Run) Validation() error {
	if err := buildShaders(); err != nil {
		return err
	}
	if _, err := executeCmd("go", withArgs("run", ".", "-config", "config.validation.toml"), withStream()); err != nil {
		return err
	}
	return nil
}
