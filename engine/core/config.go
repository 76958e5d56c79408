package core

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
)

type WindowConfig struct {
	Title  string `toml:"title"`
	Width  uint32 `toml:"width"`
	Height uint32 `toml:"height"`
	PosX   uint32 `toml:"pos_x"`
	PosY   uint32 `toml:"pos_y"`
}

type RendererConfig struct {
	// Number of virtual frames in flight.
	VirtualFrames uint32 `toml:"virtual_frames"`
	// Per-context transient memory, split evenly across virtual frames.
	TransientMemoryMB uint32 `toml:"transient_memory_mb"`
	// Device local memory for static geometry.
	StaticMemoryMB uint32 `toml:"static_memory_mb"`
	// Device local memory for images (textures and depth attachments).
	ImageMemoryMB     uint32     `toml:"image_memory_mb"`
	FenceTimeoutMS    uint32     `toml:"fence_timeout_ms"`
	PipelineCachePath string     `toml:"pipeline_cache_path"`
	Validation        bool       `toml:"validation"`
	PresentMode       string     `toml:"present_mode"`
	ClearColor        [4]float32 `toml:"clear_color"`
	ClearDepth        float32    `toml:"clear_depth"`
	// Frames an unused pipeline survives in the pipeline cache.
	PipelineMaxAge uint64 `toml:"pipeline_max_age"`
}

type ShaderConfig struct {
	Directory   string `toml:"directory"`
	CacheDir    string `toml:"cache_dir"`
	HotReload   bool   `toml:"hot_reload"`
	StrictMerge bool   `toml:"strict_merge"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type Config struct {
	Window   WindowConfig   `toml:"window"`
	Renderer RendererConfig `toml:"renderer"`
	Shaders  ShaderConfig   `toml:"shaders"`
	Log      LogConfig      `toml:"log"`
}

func DefaultConfig() Config {
	return Config{
		Window: WindowConfig{
			Title:  "sketch",
			Width:  1280,
			Height: 720,
			PosX:   100,
			PosY:   100,
		},
		Renderer: RendererConfig{
			VirtualFrames:     2,
			TransientMemoryMB: 16,
			StaticMemoryMB:    64,
			ImageMemoryMB:     128,
			FenceTimeoutMS:    100,
			PipelineCachePath: "cache/pipeline_cache.bin",
			Validation:        false,
			PresentMode:       "fifo",
			ClearColor:        [4]float32{0.0, 0.0, 0.2, 1.0},
			ClearDepth:        1.0,
			PipelineMaxAge:    600,
		},
		Shaders: ShaderConfig{
			Directory:   "assets/shaders",
			CacheDir:    "cache/shaders",
			HotReload:   true,
			StrictMerge: false,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig. A missing file is not
// an error: the defaults are returned as they are.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			LogInfo("config file '%s' not found, using defaults", path)
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "reading config '%s'", path)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config '%s'", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	r := c.Renderer
	if r.VirtualFrames < 1 || r.VirtualFrames > 8 {
		return errors.Newf("renderer.virtual_frames must be within [1, 8], got %d", r.VirtualFrames)
	}
	if r.TransientMemoryMB == 0 || r.StaticMemoryMB == 0 || r.ImageMemoryMB == 0 {
		return errors.New("renderer memory sizes must be greater than zero")
	}
	if r.FenceTimeoutMS == 0 {
		return errors.New("renderer.fence_timeout_ms must be greater than zero")
	}
	switch r.PresentMode {
	case "fifo", "mailbox", "immediate":
	default:
		return errors.Newf("renderer.present_mode '%s' is not one of fifo, mailbox, immediate", r.PresentMode)
	}
	return nil
}
