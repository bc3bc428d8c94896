// Package config persists and reloads the daemon's small JSON state files
// that live outside SessionStore: settings.json (external API keys and
// user preferences) and plugins.json (PluginBus's PersistedState). Atomic
// write idiom (temp sibling + rename) is grounded on
// sessionstore.Store.persist; the fsnotify-driven reload loop covers the
// one teacher dependency (github.com/fsnotify/fsnotify) with no other
// call site in this module, watching for edits made by another process
// (e.g. a companion CLI tool) while the daemon is running.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/caic-xyz/companion/internal/pipeline"
	"github.com/caic-xyz/companion/internal/pluginbus"
)

// Settings is the on-disk shape of settings.json (spec §6: "small flat
// record of external API keys and user preferences").
type Settings struct {
	APIKeys     map[string]string `json:"apiKeys,omitempty"`
	Preferences map[string]any    `json:"preferences,omitempty"`
}

// Store persists Settings and pluginbus.PersistedState under stateDir and
// watches both files for out-of-process edits.
type Store struct {
	dir string
	log *slog.Logger

	mu       sync.Mutex
	settings Settings
	linear   map[string]LinearProjectMapping
}

// Open loads settings.json from dir (creating an empty record if absent or
// corrupt -- spec §7 "corrupt JSON state files are treated as empty").
func Open(dir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{dir: dir, log: log}
	settings, err := readJSON[Settings](s.settingsPath())
	if err != nil {
		return nil, err
	}
	if settings != nil {
		s.settings = *settings
	}

	mappings, err := readJSON[[]LinearProjectMapping](s.linearPath())
	if err != nil {
		return nil, err
	}
	s.linear = make(map[string]LinearProjectMapping)
	if mappings != nil {
		for _, m := range *mappings {
			s.linear[normalizeRepoRoot(m.RepoRoot)] = m
		}
	}
	return s, nil
}

func (s *Store) settingsPath() string { return filepath.Join(s.dir, "settings.json") }
func (s *Store) pluginsPath() string  { return filepath.Join(s.dir, "plugins.json") }
func (s *Store) profilesPath() string { return filepath.Join(s.dir, "profiles.json") }
func (s *Store) linearPath() string   { return filepath.Join(s.dir, "linear-projects.json") }

// LoadProfiles reads profiles.json (named environment profiles -- spec §4.4
// step 1: image, ports, volumes, init script, env) and returns a
// pipeline.ProfileLookup closing over the result. A missing or corrupt file
// yields a lookup with no named profiles rather than failing startup.
func (s *Store) LoadProfiles() (pipeline.ProfileLookup, error) {
	profiles, err := readJSON[map[string]pipeline.Profile](s.profilesPath())
	if err != nil {
		return nil, err
	}
	m := map[string]pipeline.Profile{}
	if profiles != nil {
		m = *profiles
	}
	return func(name string) (pipeline.Profile, bool) {
		p, ok := m[name]
		return p, ok
	}, nil
}

// Settings returns a copy of the current settings record.
func (s *Store) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// SetSettings replaces the settings record and persists it atomically.
func (s *Store) SetSettings(next Settings) error {
	s.mu.Lock()
	s.settings = next
	s.mu.Unlock()
	return writeJSONAtomic(s.settingsPath(), next)
}

// LoadPlugins reads plugins.json, if present, and applies it to bus.
func (s *Store) LoadPlugins(bus *pluginbus.Bus) error {
	ps, err := readJSON[pluginbus.PersistedState](s.pluginsPath())
	if err != nil {
		return err
	}
	if ps != nil {
		bus.LoadPersisted(*ps)
	}
	return nil
}

// SavePlugins snapshots bus and persists it atomically.
func (s *Store) SavePlugins(bus *pluginbus.Bus) error {
	return writeJSONAtomic(s.pluginsPath(), bus.Snapshot())
}

// WatchAndReload watches settings.json and plugins.json for changes made by
// another process and invokes the matching callback after a short debounce.
// It runs until ctx is cancelled; watcher setup failures are logged and
// treated as non-fatal since the daemon functions fine without hot reload.
func (s *Store) WatchAndReload(ctx doneCtx, onSettingsChanged func(), onPluginsChanged func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("config hot-reload disabled: could not start watcher", "err", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		s.log.Warn("config hot-reload disabled: could not watch state dir", "dir", s.dir, "err", err)
		return
	}

	debounce := map[string]*time.Timer{}
	var mu sync.Mutex
	fire := func(path string, cb func()) {
		mu.Lock()
		defer mu.Unlock()
		if t, ok := debounce[path]; ok {
			t.Stop()
		}
		debounce[path] = time.AfterFunc(200*time.Millisecond, cb)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			switch filepath.Clean(ev.Name) {
			case s.settingsPath():
				fire(ev.Name, onSettingsChanged)
			case s.pluginsPath():
				fire(ev.Name, onPluginsChanged)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("config watcher error", "err", werr)
		}
	}
}

// doneCtx is the minimal context.Context surface WatchAndReload needs,
// named separately so callers don't have to import context just to satisfy
// this signature in tests.
type doneCtx interface {
	Done() <-chan struct{}
}

func readJSON[T any](path string) (*T, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		slog.Warn("state file corrupt, treating as empty", "path", path, "err", err)
		return nil, nil
	}
	return &v, nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open %s.tmp: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s.tmp: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
