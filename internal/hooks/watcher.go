package hooks

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/fyrsmithlabs/buildd/internal/taskgraph"
)

// FlagWatcher enables the workspace watcher hook.
const FlagWatcher = "watcher"

// WatcherConfig configures the workspace watcher hook.
type WatcherConfig struct {
	Enabled bool `koanf:"enabled"`

	// Dir is the workspace directory to watch while tasks run.
	Dir string `koanf:"dir"`
}

// Watcher records files modified in the workspace while a task is in
// flight and attaches them to the task's result as artifacts.
type Watcher struct {
	dir string

	mu      sync.Mutex
	watches map[string]*taskWatch // task id -> active watch
}

type taskWatch struct {
	fw      *fsnotify.Watcher
	mu      sync.Mutex
	touched map[string]bool
	done    chan struct{}
}

// NewWatcher creates the workspace watcher hook.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("watcher requires a workspace dir")
	}
	return &Watcher{dir: cfg.Dir, watches: make(map[string]*taskWatch)}, nil
}

func (w *Watcher) Name() string { return "workspace-watcher" }

func (w *Watcher) Phases() []Phase {
	return []Phase{PhaseBeforeTask, PhaseAfterTask, PhaseOnTaskError}
}

func (w *Watcher) Invoke(ctx context.Context, phase Phase, hctx *Context) error {
	if hctx.Task == nil {
		return nil
	}
	switch phase {
	case PhaseBeforeTask:
		return w.start(hctx.Task.ID)
	case PhaseAfterTask:
		touched := w.stop(hctx.Task.ID)
		if hctx.Result != nil {
			for _, path := range touched {
				hctx.Result.Artifacts = append(hctx.Result.Artifacts, taskgraph.Artifact{
					Type: "workspace_file",
					Path: path,
				})
			}
		}
		return nil
	case PhaseOnTaskError:
		w.stop(hctx.Task.ID)
		return nil
	}
	return nil
}

func (w *Watcher) start(taskID string) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	tw := &taskWatch{
		fw:      fw,
		touched: make(map[string]bool),
		done:    make(chan struct{}),
	}
	go tw.collect()

	w.mu.Lock()
	w.watches[taskID] = tw
	w.mu.Unlock()
	return nil
}

func (tw *taskWatch) collect() {
	defer close(tw.done)
	for {
		select {
		case ev, ok := <-tw.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				tw.mu.Lock()
				tw.touched[ev.Name] = true
				tw.mu.Unlock()
			}
		case _, ok := <-tw.fw.Errors:
			if !ok {
				return
			}
		}
	}
}

// stop closes the task's watch and returns the sorted touched paths.
func (w *Watcher) stop(taskID string) []string {
	w.mu.Lock()
	tw, ok := w.watches[taskID]
	delete(w.watches, taskID)
	w.mu.Unlock()
	if !ok {
		return nil
	}

	tw.fw.Close()
	<-tw.done

	tw.mu.Lock()
	defer tw.mu.Unlock()
	paths := make([]string, 0, len(tw.touched))
	for p := range tw.touched {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
