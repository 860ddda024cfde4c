package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/sessionvault/sessionvault/internal/session"
)

// FsWatcher abstracts filesystem event monitoring. Satisfied by
// *fsnotify.Watcher; tests inject a mock implementation.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// fsnotifyWrapper adapts *fsnotify.Watcher to the FsWatcher interface.
// fsnotify exposes Events and Errors as public fields, not methods.
type fsnotifyWrapper struct {
	w *fsnotify.Watcher
}

func (fw *fsnotifyWrapper) Add(name string) error         { return fw.w.Add(name) }
func (fw *fsnotifyWrapper) Close() error                  { return fw.w.Close() }
func (fw *fsnotifyWrapper) Events() <-chan fsnotify.Event { return fw.w.Events }
func (fw *fsnotifyWrapper) Errors() <-chan error          { return fw.w.Errors }

// stateFile is the JSON document the companion extension exports: the
// browser's current normal windows.
type stateFile struct {
	Windows []session.Window `json:"windows"`
}

// FileBrowser implements the Browser enumeration contract by reading
// the companion extension's exported state file. Restore operations are
// written back as pending commands the extension picks up.
type FileBrowser struct {
	statePath   string
	commandPath string
	logger      *slog.Logger

	nextID int
}

// NewFileBrowser creates a FileBrowser over the extension's state file.
// Restore commands are appended to commandPath as JSON lines.
func NewFileBrowser(statePath, commandPath string, logger *slog.Logger) *FileBrowser {
	if logger == nil {
		logger = slog.Default()
	}

	return &FileBrowser{statePath: statePath, commandPath: commandPath, logger: logger}
}

// EnumerateWindows reads the current state file. A missing file means
// no windows: the extension has not exported yet.
func (b *FileBrowser) EnumerateWindows(_ context.Context) ([]session.Window, error) {
	data, err := os.ReadFile(b.statePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("recovery: reading state file: %w", err)
	}

	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("recovery: decoding state file: %w", err)
	}

	return state.Windows, nil
}

// browserCommand is one restore instruction for the extension.
type browserCommand struct {
	Op       string            `json:"op"` // "create_window" | "create_tab" | "create_group"
	WindowID int               `json:"windowId,omitempty"`
	Tab      *session.Tab      `json:"tab,omitempty"`
	Group    *session.TabGroup `json:"group,omitempty"`
	TabIDs   []int             `json:"tabIds,omitempty"`
	ResultID int               `json:"resultId"`
}

// CreateWindow appends a create_window command and returns the id the
// extension will assign.
func (b *FileBrowser) CreateWindow(_ context.Context) (int, error) {
	b.nextID++

	return b.nextID, b.appendCommand(browserCommand{Op: "create_window", ResultID: b.nextID})
}

// CreateTab appends a create_tab command.
func (b *FileBrowser) CreateTab(_ context.Context, windowID int, tab session.Tab) (int, error) {
	b.nextID++

	cmd := browserCommand{Op: "create_tab", WindowID: windowID, Tab: &tab, ResultID: b.nextID}

	return b.nextID, b.appendCommand(cmd)
}

// CreateGroup appends a create_group command.
func (b *FileBrowser) CreateGroup(_ context.Context, windowID int, group session.TabGroup, tabIDs []int) error {
	b.nextID++

	return b.appendCommand(browserCommand{
		Op: "create_group", WindowID: windowID, Group: &group, TabIDs: tabIDs, ResultID: b.nextID,
	})
}

// appendCommand writes one JSON line to the command file.
func (b *FileBrowser) appendCommand(cmd browserCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("recovery: encoding command: %w", err)
	}

	f, err := os.OpenFile(b.commandPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("recovery: opening command file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("recovery: writing command: %w", err)
	}

	return nil
}

// StateFileWatcher fires the service's debounced capture whenever the
// extension rewrites its state file.
type StateFileWatcher struct {
	service *Service
	path    string
	logger  *slog.Logger

	watcherFactory func() (FsWatcher, error)
}

// NewStateFileWatcher creates a watcher over the state file path.
func NewStateFileWatcher(service *Service, path string, logger *slog.Logger) *StateFileWatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &StateFileWatcher{
		service: service,
		path:    path,
		logger:  logger,
		watcherFactory: func() (FsWatcher, error) {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, err //nolint:wrapcheck // caller wraps
			}

			return &fsnotifyWrapper{w: w}, nil
		},
	}
}

// Run watches until the context is canceled. The parent directory is
// watched so atomic rewrites (temp + rename) are observed too.
func (w *StateFileWatcher) Run(ctx context.Context) error {
	watcher, err := w.watcherFactory()
	if err != nil {
		return fmt.Errorf("recovery: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("recovery: watching %s: %w", w.path, err)
	}

	w.logger.Info("watching browser state file", slog.String("path", w.path))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			if ev.Name != w.path {
				continue
			}

			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug("state file changed", slog.String("op", ev.Op.String()))
			w.service.OnBrowserEvent(ctx)
		case err, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			w.logger.Warn("state file watcher error", slog.String("error", err.Error()))
		}
	}
}
