package engine

import "github.com/spaghettifunk/sketchvk/engine/core"

type ApplicationConfig struct {
	// Optional TOML file. Values it omits keep their defaults from Config.
	ConfigPath string
	Config     core.Config
	// Directory indexed by the asset manager.
	AssetsDir string
	// Background asset loading workers.
	AssetWorkers int
	// Target frame time in seconds. Zero renders as fast as presentation
	// allows.
	TargetFrameSeconds float64
}

// DefaultApplicationConfig uses the default renderer configuration and an
// "assets" directory next to the working directory.
func DefaultApplicationConfig() *ApplicationConfig {
	return &ApplicationConfig{
		Config:       core.DefaultConfig(),
		AssetsDir:    "assets",
		AssetWorkers: 2,
	}
}
