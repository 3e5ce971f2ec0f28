package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultBaseURL = "http://127.0.0.1:8400"

	defaultConnectTimeoutMS = 5000
	defaultIdleTimeoutMS    = 45000
	defaultCooldownMS       = 30000
	defaultWatchBackoffMS   = 1000

	defaultSnapshotTail       = 40
	defaultSnapshotDebounceMS = 750

	defaultFlushIntervalMS = 180
)

type Settings struct {
	Server    ServerSettings    `toml:"server"`
	Transport TransportSettings `toml:"transport"`
	Snapshot  SnapshotSettings  `toml:"snapshot"`
	Stream    StreamSettings    `toml:"stream"`
	Logging   LoggingSettings   `toml:"logging"`
}

type ServerSettings struct {
	BaseURL string `toml:"base_url"`
}

type TransportSettings struct {
	// Prefer selects the initial transport: "socket" or "stream".
	Prefer           string `toml:"prefer"`
	ConnectTimeoutMS int    `toml:"connect_timeout_ms"`
	IdleTimeoutMS    int    `toml:"idle_timeout_ms"`
	CooldownMS       int    `toml:"cooldown_ms"`
	WatchBackoffMS   int    `toml:"watch_backoff_ms"`
}

type SnapshotSettings struct {
	// Tail bounds how many trailing messages a snapshot keeps.
	Tail       int `toml:"tail"`
	DebounceMS int `toml:"debounce_ms"`
}

type StreamSettings struct {
	FlushIntervalMS int `toml:"flush_interval_ms"`
}

type LoggingSettings struct {
	Level string `toml:"level"`
}

func DefaultSettings() Settings {
	return Settings{
		Server: ServerSettings{BaseURL: defaultBaseURL},
		Transport: TransportSettings{
			Prefer:           "socket",
			ConnectTimeoutMS: defaultConnectTimeoutMS,
			IdleTimeoutMS:    defaultIdleTimeoutMS,
			CooldownMS:       defaultCooldownMS,
			WatchBackoffMS:   defaultWatchBackoffMS,
		},
		Snapshot: SnapshotSettings{
			Tail:       defaultSnapshotTail,
			DebounceMS: defaultSnapshotDebounceMS,
		},
		Stream:  StreamSettings{FlushIntervalMS: defaultFlushIntervalMS},
		Logging: LoggingSettings{Level: "info"},
	}
}

// LoadSettings reads the settings file at path, applying defaults for any
// missing values. A missing file yields the defaults without error.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()
	path = strings.TrimSpace(path)
	if path == "" {
		return settings, errors.New("settings path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return settings, err
	}
	if err := toml.Unmarshal(data, &settings); err != nil {
		return DefaultSettings(), err
	}
	applySettingsDefaults(&settings)
	return settings, nil
}

func applySettingsDefaults(settings *Settings) {
	if settings == nil {
		return
	}
	if strings.TrimSpace(settings.Server.BaseURL) == "" {
		settings.Server.BaseURL = defaultBaseURL
	}
	settings.Server.BaseURL = strings.TrimRight(strings.TrimSpace(settings.Server.BaseURL), "/")
	switch strings.ToLower(strings.TrimSpace(settings.Transport.Prefer)) {
	case "stream":
		settings.Transport.Prefer = "stream"
	default:
		settings.Transport.Prefer = "socket"
	}
	if settings.Transport.ConnectTimeoutMS <= 0 {
		settings.Transport.ConnectTimeoutMS = defaultConnectTimeoutMS
	}
	if settings.Transport.IdleTimeoutMS <= 0 {
		settings.Transport.IdleTimeoutMS = defaultIdleTimeoutMS
	}
	if settings.Transport.CooldownMS <= 0 {
		settings.Transport.CooldownMS = defaultCooldownMS
	}
	if settings.Transport.WatchBackoffMS <= 0 {
		settings.Transport.WatchBackoffMS = defaultWatchBackoffMS
	}
	if settings.Snapshot.Tail <= 0 {
		settings.Snapshot.Tail = defaultSnapshotTail
	}
	if settings.Snapshot.DebounceMS <= 0 {
		settings.Snapshot.DebounceMS = defaultSnapshotDebounceMS
	}
	if settings.Stream.FlushIntervalMS <= 0 {
		settings.Stream.FlushIntervalMS = defaultFlushIntervalMS
	}
	if strings.TrimSpace(settings.Logging.Level) == "" {
		settings.Logging.Level = "info"
	}
}

// SaveSettings writes settings as TOML, creating the file if needed.
func SaveSettings(path string, settings Settings) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("settings path is required")
	}
	data, err := toml.Marshal(settings)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
