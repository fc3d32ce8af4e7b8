package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// defaultWatchInterval is how often the watcher stats the config file.
const defaultWatchInterval = 5 * time.Second

// fileState fingerprints one revision of the config file.
type fileState struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

// sameStat reports whether info still describes the revision in s.
func (s fileState) sameStat(info os.FileInfo) bool {
	return info.ModTime().Equal(s.modTime) && info.Size() == s.size
}

// Watcher keeps the gateway's configuration in step with its file on disk.
//
// Each tick it stats the file; only a changed modification time or size
// triggers a read. A revision that fails validation is logged and ignored,
// so a half-saved edit never reaches the running gateway. onChange fires
// only when [Diff] reports a change; formatting and comment edits are
// absorbed silently.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu      sync.Mutex
	current *Config
	state   fileState

	stop     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts watching it. It fails when the initial
// revision cannot be loaded.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultWatchInterval,
		onChange: onChange,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, state, err := readRevision(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.state = cfg, state

	go w.loop()
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Watcher) loop() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.refresh()
		}
	}
}

// refresh picks up a new revision of the file, if there is one.
func (w *Watcher) refresh() {
	log := slog.With("path", w.path)

	info, err := os.Stat(w.path)
	if err != nil {
		log.Warn("config: watched file unavailable", "err", err)
		return
	}
	w.mu.Lock()
	unchanged := w.state.sameStat(info)
	w.mu.Unlock()
	if unchanged {
		return
	}

	next, state, err := readRevision(w.path)
	if err != nil {
		log.Warn("config: keeping previous configuration", "err", err)
		return
	}

	w.mu.Lock()
	if state.sum == w.state.sum {
		w.state = state
		w.mu.Unlock()
		return
	}
	prev := w.current
	w.current, w.state = next, state
	w.mu.Unlock()

	if Diff(prev, next).Empty() {
		log.Debug("config: file changed without effect")
		return
	}
	log.Info("config: configuration reloaded")
	if w.onChange != nil {
		w.onChange(prev, next)
	}
}

// readRevision loads and validates the file at path and fingerprints it.
func readRevision(path string) (*Config, fileState, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{modTime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}, nil
}
