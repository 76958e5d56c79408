// Package assets indexes the files under an asset directory, keeps the
// index current with fsnotify and loads entries through per type loaders.
package assets

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	"github.com/spaghettifunk/sketchvk/engine/assets/loaders"
	"github.com/spaghettifunk/sketchvk/engine/core"
	"github.com/spaghettifunk/sketchvk/engine/renderer/shader"
)

var (
	ErrClosed   = errors.New("asset manager already closed")
	ErrNotFound = errors.New("asset not found")
	ErrNoLoader = errors.New("no loader registered for asset type")
)

type AssetInfo struct {
	Path       string
	Type       loaders.ResourceType
	LastLoaded time.Time
}

type AssetManager struct {
	root    string
	assets  map[string]AssetInfo
	loaders map[loaders.ResourceType]Loader
	jobs    *JobSystem

	mutex sync.RWMutex

	done     chan struct{}
	stopped  chan struct{}
	fsnotify *fsnotify.Watcher
	log      *log.Logger
	isClosed bool
	changes  chan string
}

// NewAssetManager creates a manager loading in the background with workers
// goroutines.
func NewAssetManager(workers int) (*AssetManager, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating the asset watcher")
	}
	jobs, err := NewJobSystem(workers, 64)
	if err != nil {
		fsWatch.Close()
		return nil, err
	}

	am := &AssetManager{
		assets:   make(map[string]AssetInfo),
		loaders:  make(map[loaders.ResourceType]Loader),
		jobs:     jobs,
		fsnotify: fsWatch,
		log:      core.Logger("assets"),
		changes:  make(chan string, 64),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	// Register loaders
	am.RegisterLoader(loaders.ResourceTypeShader, &loaders.ShaderLoader{})
	am.RegisterLoader(loaders.ResourceTypeImage, &loaders.ImageLoader{})
	am.RegisterLoader(loaders.ResourceTypeModel, &loaders.ModelLoader{})

	return am, nil
}

// Initialize indexes assetsDir recursively and starts watching it.
func (am *AssetManager) Initialize(assetsDir string) error {
	am.root = filepath.Clean(assetsDir)
	go am.start()

	return am.watchRecursive(am.root, false)
}

// RegisterLoader replaces the loader for a type.
func (am *AssetManager) RegisterLoader(assetType loaders.ResourceType, loader Loader) {
	am.mutex.Lock()
	defer am.mutex.Unlock()
	am.loaders[assetType] = loader
}

// Changes reports the index paths of files created or written after
// Initialize. Events are dropped while nobody drains the channel.
func (am *AssetManager) Changes() <-chan string {
	return am.changes
}

func (am *AssetManager) key(name string) string {
	if filepath.IsAbs(name) || am.root == "" || strings.HasPrefix(filepath.Clean(name), am.root+string(filepath.Separator)) {
		return filepath.Clean(name)
	}
	return filepath.Join(am.root, name)
}

// Lookup returns the index entry for name, relative to the asset directory.
func (am *AssetManager) Lookup(name string) (AssetInfo, bool) {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	info, ok := am.assets[am.key(name)]
	return info, ok
}

// List returns the indexed paths of one type, sorted.
func (am *AssetManager) List(assetType loaders.ResourceType) []string {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	var paths []string
	for p, info := range am.assets {
		if info.Type == assetType {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

// LoadAsset loads an indexed asset with the loader of its type.
func (am *AssetManager) LoadAsset(name string, params any) (*loaders.Resource, error) {
	path := am.key(name)

	am.mutex.Lock()
	asset, exists := am.assets[path]
	if !exists {
		am.mutex.Unlock()
		return nil, errors.Wrapf(ErrNotFound, "%s", path)
	}
	// Update the loaded time
	asset.LastLoaded = time.Now()
	am.assets[path] = asset
	loader, loaderExists := am.loaders[asset.Type]
	am.mutex.Unlock()

	if !loaderExists {
		return nil, errors.Wrapf(ErrNoLoader, "%s", asset.Type)
	}
	res, err := loader.Load(path, params)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", path)
	}
	core.LogDebug("loaded %s asset %s (%d bytes)", asset.Type, path, res.DataSize)
	return res, nil
}

// LoadAssetAsync loads on a worker. Exactly one callback runs during a later
// Update.
func (am *AssetManager) LoadAssetAsync(name string, params any, onLoaded func(*loaders.Resource), onFailure func(error)) {
	am.jobs.Submit(Job{
		Work: func() (any, error) {
			return am.LoadAsset(name, params)
		},
		OnComplete: func(result any) {
			if onLoaded != nil {
				onLoaded(result.(*loaders.Resource))
			}
		},
		OnFailure: onFailure,
	})
}

// Update runs the callbacks of finished background loads.
func (am *AssetManager) Update() {
	am.jobs.Update()
}

// Pending counts background loads whose callbacks have not run.
func (am *AssetManager) Pending() int {
	return am.jobs.Pending()
}

// UnloadAsset releases the payload through the loader that produced it.
func (am *AssetManager) UnloadAsset(res *loaders.Resource) error {
	am.mutex.RLock()
	loader, ok := am.loaders[res.Type]
	am.mutex.RUnlock()
	if !ok {
		return errors.Wrapf(ErrNoLoader, "%s", res.Type)
	}
	return loader.Unload(res)
}

// ShaderSettings gathers every indexed shader file named name (mesh.vert.spv,
// mesh.frag.spv, mesh.wgsl, ...) into the settings of one shader.
func (am *AssetManager) ShaderSettings(name string) (shader.Settings, error) {
	settings := shader.Settings{Name: name}
	for _, p := range am.List(loaders.ResourceTypeShader) {
		if loaders.ShaderName(p) != name {
			continue
		}
		res, err := am.LoadAsset(p, nil)
		if err != nil {
			return settings, err
		}
		settings.Sources = append(settings.Sources, res.Data.(*loaders.ShaderData).Sources...)
	}
	if len(settings.Sources) == 0 {
		return settings, errors.Wrapf(ErrNotFound, "shader %s", name)
	}
	return settings, nil
}

// Close stops the watcher and the workers.
func (am *AssetManager) Close() error {
	am.mutex.Lock()
	if am.isClosed {
		am.mutex.Unlock()
		return ErrClosed
	}
	am.isClosed = true
	am.mutex.Unlock()

	close(am.done)
	if am.root != "" {
		<-am.stopped
	} else {
		am.fsnotify.Close()
	}
	return am.jobs.Shutdown()
}

func (am *AssetManager) start() {
	defer close(am.stopped)
	for {
		select {
		case e, ok := <-am.fsnotify.Events:
			if !ok {
				return
			}
			s, err := os.Stat(e.Name)
			if err == nil && s != nil && s.IsDir() {
				if e.Op&fsnotify.Create != 0 {
					if err := am.watchRecursive(e.Name, false); err != nil {
						am.log.Warn("not watching directory", "path", e.Name, "err", err)
					}
				}
				continue
			}
			// Handle create or modify events
			if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if am.handleFileEvent(e.Name) {
					am.notify(filepath.Clean(e.Name))
				}
			}
			// Can't stat a deleted path, so it is dropped from both the index
			// and the watch list.
			if e.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				am.removeAsset(e.Name)
				_ = am.fsnotify.Remove(e.Name)
			}

		case err, ok := <-am.fsnotify.Errors:
			if !ok {
				return
			}
			am.log.Error("watch failed", "err", err)

		case <-am.done:
			am.fsnotify.Close()
			return
		}
	}
}

func (am *AssetManager) notify(path string) {
	select {
	case am.changes <- path:
	default:
	}
}

// watchRecursive adds all directories under path to the watch list and
// indexes the files found on the way.
func (am *AssetManager) watchRecursive(path string, unWatch bool) error {
	return filepath.Walk(path, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			if unWatch {
				return am.fsnotify.Remove(walkPath)
			}
			return am.fsnotify.Add(walkPath)
		}
		am.handleFileEvent(walkPath)
		return nil
	})
}

// handleFileEvent indexes a created or modified file and reports whether
// it is a known asset type.
func (am *AssetManager) handleFileEvent(path string) bool {
	assetType := determineAssetType(path)
	if assetType == loaders.ResourceTypeNone {
		return false
	}

	am.mutex.Lock()
	defer am.mutex.Unlock()
	path = filepath.Clean(path)
	am.assets[path] = AssetInfo{
		Path:       path,
		Type:       assetType,
		LastLoaded: am.assets[path].LastLoaded,
	}
	return true
}

// Remove the asset from the index if it was deleted
func (am *AssetManager) removeAsset(path string) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	delete(am.assets, filepath.Clean(path))
}

func determineAssetType(path string) loaders.ResourceType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".spv", ".wgsl":
		return loaders.ResourceTypeShader
	case ".png", ".jpg", ".jpeg", ".bmp", ".tif", ".tiff", ".webp":
		return loaders.ResourceTypeImage
	case ".obj":
		return loaders.ResourceTypeModel
	default:
		return loaders.ResourceTypeNone
	}
}
