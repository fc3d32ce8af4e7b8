package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/switchboard/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
integrations:
  - id: support-wa
    platform: whatsapp
    account: "1001"
`

const watcherUpdatedYAML = `
server:
  log_level: debug
integrations:
  - id: support-wa
    platform: whatsapp
    account: "1001"
  - id: sales-web
    platform: web
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

const watchInterval = 20 * time.Millisecond

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// reloads records onChange invocations.
type reloads struct {
	mu    sync.Mutex
	pairs [][2]*config.Config
	fired chan struct{}
}

func newReloads() *reloads { return &reloads{fired: make(chan struct{}, 16)} }

func (r *reloads) onChange(old, new *config.Config) {
	r.mu.Lock()
	r.pairs = append(r.pairs, [2]*config.Config{old, new})
	r.mu.Unlock()
	r.fired <- struct{}{}
}

func (r *reloads) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pairs)
}

func (r *reloads) wait(t *testing.T) [2]*config.Config {
	t.Helper()
	select {
	case <-r.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("onChange was not invoked")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pairs[len(r.pairs)-1]
}

// startWatcher writes initial to a temp file and watches it.
func startWatcher(t *testing.T, initial string, r *reloads) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, initial)

	var cb func(old, new *config.Config)
	if r != nil {
		cb = r.onChange
	}
	w, err := config.NewWatcher(path, cb, config.WithInterval(watchInterval))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

// settle lets several polls pass.
func settle() { time.Sleep(10 * watchInterval) }

// bump moves the file's mtime forward so the next poll sees a new revision
// even on filesystems with coarse timestamps.
func bump(t *testing.T, path string) {
	t.Helper()
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := startWatcher(t, watcherValidYAML, nil)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if len(cfg.Integrations) != 1 || cfg.Integrations[0].ID != "support-wa" {
		t.Errorf("integrations = %+v", cfg.Integrations)
	}
}

func TestWatcher_ReloadsChangedIntegrations(t *testing.T) {
	t.Parallel()
	r := newReloads()
	w, path := startWatcher(t, watcherValidYAML, r)

	writeFile(t, path, watcherUpdatedYAML)
	bump(t, path)
	pair := r.wait(t)

	old, next := pair[0], pair[1]
	if old.Server.LogLevel != config.LogInfo || next.Server.LogLevel != config.LogDebug {
		t.Errorf("log levels: old %q new %q", old.Server.LogLevel, next.Server.LogLevel)
	}
	d := config.Diff(old, next)
	if !d.IntegrationsChanged || len(d.IntegrationChanges) != 1 || !d.IntegrationChanges[0].Added {
		t.Errorf("diff = %+v, want one added integration", d)
	}
	if got := w.Current(); got != next {
		t.Error("Current() does not return the reloaded config")
	}
}

func TestWatcher_IgnoredRevisions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(t *testing.T, path string)
	}{
		{
			name: "invalid content",
			modify: func(t *testing.T, path string) {
				writeFile(t, path, watcherInvalidYAML)
				bump(t, path)
			},
		},
		{
			name:   "touch only",
			modify: bump,
		},
		{
			name: "comment only",
			modify: func(t *testing.T, path string) {
				writeFile(t, path, "# routing for the support line\n"+watcherValidYAML)
				bump(t, path)
			},
		},
		{
			name: "file removed",
			modify: func(t *testing.T, path string) {
				if err := os.Remove(path); err != nil {
					t.Fatal(err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newReloads()
			w, path := startWatcher(t, watcherValidYAML, r)

			tt.modify(t, path)
			settle()

			if n := r.count(); n != 0 {
				t.Errorf("onChange invoked %d times, want 0", n)
			}
			if lvl := w.Current().Server.LogLevel; lvl != config.LogInfo {
				t.Errorf("Current() log_level = %q, want previous %q", lvl, config.LogInfo)
			}
		})
	}
}

func TestWatcher_InvalidThenValid(t *testing.T) {
	t.Parallel()
	r := newReloads()
	_, path := startWatcher(t, watcherValidYAML, r)

	writeFile(t, path, watcherInvalidYAML)
	bump(t, path)
	settle()

	writeFile(t, path, watcherUpdatedYAML)
	later := time.Now().Add(4 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	pair := r.wait(t)
	if pair[0].Server.LogLevel != config.LogInfo {
		t.Errorf("old config = %q, want the last valid revision", pair[0].Server.LogLevel)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherInvalidYAML)
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for invalid initial config, got nil")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, _ := startWatcher(t, watcherValidYAML, nil)
	w.Stop()
	w.Stop()
}
