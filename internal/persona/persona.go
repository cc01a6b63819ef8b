// Package persona owns the system prompt: a compiled-in default, an
// optional file override, and a hot reload when that file changes.
package persona

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chattyhq/chatty/internal/observability"
)

// DefaultPrompt serves whenever no persona file is configured.
const DefaultPrompt = "You are Chatty, a concise and helpful assistant. " +
	"Ground your answers in the conversation and in tool results. When the " +
	"search tool returns snippets, answer from them and cite the document " +
	"they came from; when it returns nothing, say so. Admit what you do " +
	"not know instead of guessing."

// Loader serves the current system prompt and optionally hot-reloads it
// from a file.
type Loader struct {
	path     string
	logger   *observability.Logger
	debounce time.Duration

	mu     sync.RWMutex
	prompt string

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a loader. With an empty path the compiled default is
// served; otherwise the file must be readable at startup.
func New(path string, logger *observability.Logger) (*Loader, error) {
	l := &Loader{
		path:     path,
		logger:   logger,
		debounce: 250 * time.Millisecond,
		prompt:   DefaultPrompt,
	}
	if path == "" {
		return l, nil
	}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Prompt returns the current system prompt.
func (l *Loader) Prompt() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.prompt
}

// reload reads the persona file into the served prompt. An empty file
// falls back to the compiled default.
func (l *Loader) reload() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("read persona file: %w", err)
	}

	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		prompt = DefaultPrompt
	}

	l.mu.Lock()
	l.prompt = prompt
	l.mu.Unlock()
	return nil
}

// StartWatching hot-reloads the prompt when the persona file changes.
// The parent directory is watched because editors typically replace the
// file by rename, which would drop a watch on the file itself.
func (l *Loader) StartWatching(ctx context.Context) error {
	if l.path == "" {
		return nil
	}

	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	if l.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create persona watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(l.path), err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	l.watcher = watcher
	l.cancel = cancel

	l.wg.Add(1)
	go l.watchLoop(watchCtx, watcher)
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer l.wg.Done()

	target, err := filepath.Abs(l.path)
	if err != nil {
		target = l.path
	}

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(l.debounce, func() {
			if err := l.reload(); err != nil {
				if l.logger != nil {
					l.logger.Warn(context.Background(), "persona reload failed, keeping previous prompt",
						"path", l.path, "error", err)
				}
				return
			}
			if l.logger != nil {
				l.logger.Info(context.Background(), "persona reloaded", "path", l.path)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			name, err := filepath.Abs(event.Name)
			if err != nil {
				name = event.Name
			}
			if name != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if l.logger != nil {
				l.logger.Warn(context.Background(), "persona watch error", "error", err)
			}
		}
	}
}

// Close stops the watcher. Safe to call more than once.
func (l *Loader) Close() error {
	l.watchMu.Lock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	watcher := l.watcher
	l.watcher = nil
	l.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	l.wg.Wait()
	return nil
}
