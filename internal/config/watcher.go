package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultSettle       = 100 * time.Millisecond
)

// Watcher reloads a config file when it changes and hands valid results to a
// callback. Change notifications come from fsnotify on the file's directory,
// so editors that save through a rename are seen too. A slower poll runs
// alongside and is the only trigger when notifications are unavailable.
//
// A reload that fails to parse or validate is logged and dropped; the last
// valid config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	settle   time.Duration
	onChange func(old, new *Config)
	lookup   func(string) (string, bool)

	mu      sync.Mutex
	current *Config
	state   fileState

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// fileState identifies the file contents last applied.
type fileState struct {
	mtime time.Time
	hash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the fallback polling interval. Default 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithSettle sets how long the watcher waits after the last file event before
// reloading, so a burst of writes from one save reloads once. Default 100ms.
func WithSettle(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.settle = d
		}
	}
}

// WithEnv sets the environment lookup applied to every reload. The default
// is [os.LookupEnv]; nil disables environment overrides.
func WithEnv(lookup func(string) (string, bool)) WatcherOption {
	return func(w *Watcher) {
		w.lookup = lookup
	}
}

// NewWatcher loads path once and starts watching it. The initial load must
// succeed.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     filepath.Clean(path),
		interval: defaultPollInterval,
		settle:   defaultSettle,
		onChange: onChange,
		lookup:   os.LookupEnv,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.state = st

	events, notifier := w.notify()
	go w.run(events, notifier)
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends watching and waits for the watch goroutine to exit. Safe to call
// more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	<-w.stopped
}

// notify subscribes to the file's directory. A nil notifier means polling
// only.
func (w *Watcher) notify() (<-chan fsnotify.Event, *fsnotify.Watcher) {
	n, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config watcher: file notifications unavailable; polling only", "err", err)
		return nil, nil
	}
	if err := n.Add(filepath.Dir(w.path)); err != nil {
		slog.Warn("config watcher: cannot watch directory; polling only", "dir", filepath.Dir(w.path), "err", err)
		_ = n.Close()
		return nil, nil
	}
	return n.Events, n
}

func (w *Watcher) run(events <-chan fsnotify.Event, notifier *fsnotify.Watcher) {
	defer close(w.stopped)

	var errs <-chan error
	if notifier != nil {
		defer notifier.Close()
		errs = notifier.Errors
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// settle is armed by file events and fires once the burst is over.
	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check(false)
		case <-settle.C:
			w.check(true)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == w.path && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				settle.Reset(w.settle)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Warn("config watcher: notification error", "path", w.path, "err", err)
		}
	}
}

// check reloads the file if its contents changed. The poll path skips files
// whose mtime is unchanged; a file event always reads the contents.
func (w *Watcher) check(notified bool) {
	if !notified {
		info, err := os.Stat(w.path)
		if err != nil {
			slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
			return
		}
		w.mu.Lock()
		same := info.ModTime().Equal(w.state.mtime)
		w.mu.Unlock()
		if same {
			return
		}
	}

	cfg, st, err := w.read()
	if err != nil {
		slog.Warn("config watcher: reload rejected; keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if st.hash == w.state.hash {
		w.state = st
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.state = st
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// read loads, defaults and validates the file and fingerprints its bytes.
func (w *Watcher) read() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	if cfg, err = finish(cfg, w.lookup); err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: info.ModTime(), hash: sha256.Sum256(data)}, nil
}
