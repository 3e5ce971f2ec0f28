package main

import (
	"net/http"
	"os"
	"strings"
	"time"

	"relay/internal/client"
	"relay/internal/config"
	"relay/internal/engine"
	"relay/internal/logging"
	"relay/internal/snapshot"
	"relay/internal/transport"
	"relay/internal/types"
)

// appRuntime wires the full stack for one CLI invocation: settings, logger,
// snapshot store, both transports behind the selector, the HTTP client, and
// the engine.
type appRuntime struct {
	settings config.Settings
	logger   logging.Logger
	store    *snapshot.Store
	writer   *snapshot.Writer
	selector *transport.Selector
	api      *client.Client
	engine   *engine.Engine
}

type runtimeOverrides struct {
	server    string
	transport string
	onUpdate  func(session *types.Session)
}

func newAppRuntime(overrides runtimeOverrides) (*appRuntime, error) {
	settingsPath, err := config.SettingsPath()
	if err != nil {
		return nil, err
	}
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}
	if server := strings.TrimSpace(overrides.server); server != "" {
		settings.Server.BaseURL = strings.TrimRight(server, "/")
	}
	if pref := strings.TrimSpace(overrides.transport); pref != "" {
		settings.Transport.Prefer = pref
	}

	logPath, err := config.LogPath()
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewFile(logPath, logging.ParseLevel(settings.Logging.Level))
	if err != nil {
		return nil, err
	}

	dbPath, err := config.SnapshotDBPath()
	if err != nil {
		return nil, err
	}
	store, err := snapshot.Open(dbPath)
	if err != nil {
		return nil, err
	}
	writer := snapshot.NewWriter(store, settings.Snapshot.Tail,
		time.Duration(settings.Snapshot.DebounceMS)*time.Millisecond, logger)

	api, err := client.New(settings.Server.BaseURL)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	token := loadToken()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	mux := transport.NewMux(transport.MuxOptions{
		URL:            socketURL(settings.Server.BaseURL),
		Header:         header,
		ConnectTimeout: time.Duration(settings.Transport.ConnectTimeoutMS) * time.Millisecond,
		IdleTimeout:    time.Duration(settings.Transport.IdleTimeoutMS) * time.Millisecond,
		Logger:         logger,
	})
	stream := transport.NewStreamClient(transport.StreamOptions{
		BaseURL: settings.Server.BaseURL,
		Token:   token,
		Backoff: time.Duration(settings.Transport.WatchBackoffMS) * time.Millisecond,
		Logger:  logger,
	})

	state, err := store.AppState()
	if err != nil {
		logger.Warn("app state read failed", logging.F("error", err))
		state = &types.AppState{}
	}
	preferStream := settings.Transport.Prefer == "stream" || state.PreferredTransport == "stream"
	selector := transport.NewSelector(transport.SelectorOptions{
		Socket:       mux,
		Stream:       stream,
		Cooldown:     time.Duration(settings.Transport.CooldownMS) * time.Millisecond,
		PreferStream: preferStream,
		Logger:       logger,
	})

	eng := engine.New(engine.Options{
		Transport:     selector,
		API:           api,
		Store:         store,
		Writer:        writer,
		Logger:        logger,
		FlushInterval: time.Duration(settings.Stream.FlushIntervalMS) * time.Millisecond,
		OnUpdate:      overrides.onUpdate,
	})

	return &appRuntime{
		settings: settings,
		logger:   logger,
		store:    store,
		writer:   writer,
		selector: selector,
		api:      api,
		engine:   eng,
	}, nil
}

func (rt *appRuntime) Close() {
	if rt == nil {
		return
	}
	rt.engine.Close()
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("snapshot store close failed", logging.F("error", err))
	}
}

func loadToken() string {
	path, err := config.TokenPath()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// socketURL maps the HTTP base URL onto the websocket endpoint.
func socketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/v1/socket"
}
