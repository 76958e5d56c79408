package shader

import (
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	"github.com/spaghettifunk/sketchvk/engine/core"
)

// Watcher collects shaders whose source files changed on disk. Changes are
// only recorded here; the render thread drains them with Pending between
// frames and recompiles.
type Watcher struct {
	fsnotify *fsnotify.Watcher
	log      *log.Logger

	mu      sync.Mutex
	paths   map[string][]*Shader
	dirs    map[string]bool
	pending map[*Shader]bool
	order   []*Shader

	done chan struct{}
	wg   sync.WaitGroup
}

func NewWatcher() (*Watcher, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating file watcher")
	}
	w := &Watcher{
		fsnotify: fsWatch,
		log:      core.Logger("shaders"),
		paths:    map[string][]*Shader{},
		dirs:     map[string]bool{},
		pending:  map[*Shader]bool{},
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.start()
	return w, nil
}

// Watch registers every file of s. Directories are watched rather than
// files so editors that save through a rename are still seen.
func (w *Watcher) Watch(s *Shader) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range s.Paths() {
		abs, err := filepath.Abs(p)
		if err != nil {
			return errors.Wrapf(err, "resolving %s", p)
		}
		w.paths[abs] = append(w.paths[abs], s)
		dir := filepath.Dir(abs)
		if w.dirs[dir] {
			continue
		}
		if err := w.fsnotify.Add(dir); err != nil {
			return errors.Wrapf(err, "watching %s", dir)
		}
		w.dirs[dir] = true
	}
	return nil
}

// Pending returns the shaders changed since the last call, in the order the
// changes arrived.
func (w *Watcher) Pending() []*Shader {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.order
	w.order = nil
	clear(w.pending)
	return out
}

func (w *Watcher) Close() {
	close(w.done)
	w.wg.Wait()
}

func (w *Watcher) start() {
	defer w.wg.Done()
	for {
		select {
		case e, ok := <-w.fsnotify.Events:
			if !ok {
				return
			}
			if e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.handleFileEvent(e.Name)
			}

		case err, ok := <-w.fsnotify.Errors:
			if !ok {
				return
			}
			w.log.Error("watch failed", "err", err)

		case <-w.done:
			w.fsnotify.Close()
			return
		}
	}
}

func (w *Watcher) handleFileEvent(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.paths[abs] {
		if w.pending[s] {
			continue
		}
		w.pending[s] = true
		w.order = append(w.order, s)
		w.log.Debug("source changed", "shader", s.Name(), "path", abs)
	}
}
