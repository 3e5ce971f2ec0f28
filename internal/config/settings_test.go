package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSettingsMissingFileYieldsDefaults(t *testing.T) {
	settings, err := LoadSettings(filepath.Join(t.TempDir(), "settings.toml"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if settings != DefaultSettings() {
		t.Fatalf("expected defaults, got %+v", settings)
	}
}

func TestLoadSettingsAppliesDefaultsForMissingValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	raw := `
[server]
base_url = "http://10.0.0.5:9000/"

[transport]
prefer = "STREAM"
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	settings, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if settings.Server.BaseURL != "http://10.0.0.5:9000" {
		t.Fatalf("base url not normalized: %q", settings.Server.BaseURL)
	}
	if settings.Transport.Prefer != "stream" {
		t.Fatalf("prefer not normalized: %q", settings.Transport.Prefer)
	}
	if settings.Transport.ConnectTimeoutMS != 5000 || settings.Snapshot.Tail != 40 {
		t.Fatalf("missing values must fall back to defaults: %+v", settings)
	}
	if settings.Logging.Level != "info" {
		t.Fatalf("logging level default missing: %q", settings.Logging.Level)
	}
}

func TestLoadSettingsUnknownPreferFallsBackToSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	if err := os.WriteFile(path, []byte("[transport]\nprefer = \"carrier-pigeon\"\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	settings, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if settings.Transport.Prefer != "socket" {
		t.Fatalf("unknown prefer must fall back to socket: %q", settings.Transport.Prefer)
	}
}

func TestSettingsSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	want := DefaultSettings()
	want.Server.BaseURL = "http://example.test:8400"
	want.Transport.Prefer = "stream"
	want.Snapshot.Tail = 12

	if err := SaveSettings(path, want); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got != want {
		t.Fatalf("roundtrip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestLoadSettingsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	if err := os.WriteFile(path, []byte("not = [valid"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	settings, err := LoadSettings(path)
	if err == nil {
		t.Fatalf("malformed settings must error")
	}
	if settings != DefaultSettings() {
		t.Fatalf("malformed settings must still yield usable defaults")
	}
}
