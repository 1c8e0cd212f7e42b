package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/driftsync/driftsync/internal/logger"
)

// TokenSource yields the bearer token for dialing. A file-backed source
// watches the file and picks up rotations without a restart.
type TokenSource interface {
	Token() (string, error)

	// Changed returns a channel that receives after the token value may
	// have changed. Static sources return a nil channel.
	Changed() <-chan struct{}

	Close() error
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (t StaticToken) Token() (string, error) { return string(t), nil }

func (t StaticToken) Changed() <-chan struct{} { return nil }

func (t StaticToken) Close() error { return nil }

// fileToken reads the token from a file and watches the parent
// directory. Watching the directory instead of the file survives the
// write-then-rename rotation most secret managers do.
type fileToken struct {
	path    string
	watcher *fsnotify.Watcher
	changed chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewFileToken opens a file-backed token source. The file must be
// readable at startup.
func NewFileToken(path string) (TokenSource, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("token file not accessible: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create token watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch token directory: %w", err)
	}

	t := &fileToken{
		path:    path,
		watcher: watcher,
		changed: make(chan struct{}, 1),
	}
	go t.loop()

	logger.Info("Watching token file for rotation", "path", path)
	return t, nil
}

func (t *fileToken) Token() (string, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (t *fileToken) Changed() <-chan struct{} { return t.changed }

func (t *fileToken) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.watcher.Close()
}

func (t *fileToken) loop() {
	base := filepath.Base(t.path)
	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logger.Debug("Token file changed", "op", event.Op.String())
			select {
			case t.changed <- struct{}{}:
			default:
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Token watcher error", "error", err)
		}
	}
}
