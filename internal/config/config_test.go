package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/caic-xyz/companion/internal/pluginbus"
)

func TestSettingsRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	want := Settings{APIKeys: map[string]string{"anthropic": "sk-test"}}
	if err := s.SetSettings(want); err != nil {
		t.Fatalf("SetSettings: %v", err)
	}

	reopened, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := reopened.Settings()
	if got.APIKeys["anthropic"] != "sk-test" {
		t.Errorf("APIKeys[anthropic] = %q, want sk-test", got.APIKeys["anthropic"])
	}
}

func TestOpenCorruptSettingsTreatedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "settings.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open on corrupt file should not error: %v", err)
	}
	if len(s.Settings().APIKeys) != 0 {
		t.Errorf("expected empty settings, got %+v", s.Settings())
	}
}

func TestPluginsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	bus := pluginbus.New(nil)
	bus.Register(pluginbus.Definition{ID: "toast", DefaultEnabled: true})
	bus.SetEnabled("toast", false)

	if err := s.SavePlugins(bus); err != nil {
		t.Fatalf("SavePlugins: %v", err)
	}

	bus2 := pluginbus.New(nil)
	bus2.Register(pluginbus.Definition{ID: "toast", DefaultEnabled: true})
	if err := s.LoadPlugins(bus2); err != nil {
		t.Fatalf("LoadPlugins: %v", err)
	}

	found := false
	for _, info := range bus2.List() {
		if info.ID == "toast" {
			found = true
			if info.Enabled {
				t.Error("expected toast to load as disabled")
			}
		}
	}
	if !found {
		t.Fatal("expected toast plugin to be registered")
	}
}
