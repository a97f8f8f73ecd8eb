package daemon

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp is the kind of change seen on an entity file.
type EventOp int

const (
	// OpCreate is a new entity file.
	OpCreate EventOp = iota
	// OpModify is a rewrite of an existing entity file.
	OpModify
	// OpDelete is a removed (or renamed away) entity file.
	OpDelete
)

var eventOpNames = [...]string{"create", "modify", "delete"}

func (op EventOp) String() string {
	if op < 0 || int(op) >= len(eventOpNames) {
		return "unknown"
	}
	return eventOpNames[op]
}

// FileEvent is a change to one entity file.
type FileEvent struct {
	Path string // absolute
	Op   EventOp
}

// FileWatcher reports changes to the *.json files directly inside one
// directory. Subdirectories are not watched.
type FileWatcher struct {
	fsw  *fsnotify.Watcher
	out  chan FileEvent
	errs chan error
	quit chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	running bool
	dir     string
}

// NewFileWatcher creates a watcher. Nothing is reported until Start.
func NewFileWatcher() (*FileWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &FileWatcher{
		fsw:  fsw,
		out:  make(chan FileEvent, 100),
		errs: make(chan error, 10),
		quit: make(chan struct{}),
	}, nil
}

// Start watches dir, which must exist.
func (fw *FileWatcher) Start(dir string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.running {
		return fmt.Errorf("watcher already running on %s", fw.dir)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve entities directory %s: %w", dir, err)
	}
	if err := fw.fsw.Add(abs); err != nil {
		return fmt.Errorf("failed to watch entities directory %s: %w", dir, err)
	}

	fw.dir = abs
	fw.running = true
	fw.wg.Add(1)
	go fw.run()
	return nil
}

// Stop ends the watch and closes Events and Errors. Calling it again is a no-op.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	wasRunning := fw.running
	fw.running = false
	fw.mu.Unlock()
	if !wasRunning {
		return nil
	}

	close(fw.quit)
	err := fw.fsw.Close()
	fw.wg.Wait()
	close(fw.out)
	close(fw.errs)
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Events is closed by Stop.
func (fw *FileWatcher) Events() <-chan FileEvent { return fw.out }

// Errors is closed by Stop.
func (fw *FileWatcher) Errors() <-chan error { return fw.errs }

// IsRunning reports whether Start succeeded and Stop has not been called.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

func (fw *FileWatcher) run() {
	defer fw.wg.Done()
	for {
		select {
		case <-fw.quit:
			return
		case ev, ok := <-fw.fsw.Events:
			if !ok {
				return
			}
			fe, keep := entityEvent(fw.dir, ev)
			if keep && !send(fw.out, fe, fw.quit) {
				return
			}
		case err, ok := <-fw.fsw.Errors:
			if !ok || !send(fw.errs, err, fw.quit) {
				return
			}
		}
	}
}

// send delivers v unless quit closes first.
func send[T any](ch chan<- T, v T, quit <-chan struct{}) bool {
	select {
	case ch <- v:
		return true
	case <-quit:
		return false
	}
}

// entityEvent translates ev for an entity file in dir. Non-JSON files, dot
// files (atomic write temporaries) and paths outside dir are dropped. A rename
// is reported as a delete of the old name; the new name arrives as a create.
func entityEvent(dir string, ev fsnotify.Event) (FileEvent, bool) {
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") || filepath.Ext(base) != ".json" {
		return FileEvent{}, false
	}
	path, err := filepath.Abs(ev.Name)
	if err != nil || filepath.Dir(path) != dir {
		return FileEvent{}, false
	}

	switch {
	case ev.Has(fsnotify.Create):
		return FileEvent{Path: path, Op: OpCreate}, true
	case ev.Has(fsnotify.Write):
		return FileEvent{Path: path, Op: OpModify}, true
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return FileEvent{Path: path, Op: OpDelete}, true
	}
	return FileEvent{}, false
}
