package assets

import "github.com/spaghettifunk/sketchvk/engine/assets/loaders"

type Loader interface {
	Load(path string, params any) (*loaders.Resource, error)
	Unload(*loaders.Resource) error
}
