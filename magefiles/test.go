//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Test mg.Namespace

// Runs the unit tests. None of them needs a GPU.
func (Test) Unit() error {
	_, err := executeCmd("go", withArgs("test", "./engine/..."), withStream())
	return err
}

// Runs the unit tests with the race detector.
func (Test) Race() error {
	_, err := executeCmd("go", withArgs("test", "-race", "./engine/..."), withStream())
	return err
}

// Runs go vet over the module.
func (Test) Vet() error {
	_, err := executeCmd("go", withArgs("vet", "./..."), withStream())
	return err
}
