package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults applied when config fields are omitted.
const (
	DefaultPollInterval = 5 * time.Minute
	DefaultAPIInterval  = 60 * time.Second
	DefaultFetchTimeout = 10 * time.Second
	DefaultSendTimeout  = 10 * time.Second

	DefaultDispatchWorkers   = 4
	DefaultDispatchQueueSize = 256
)

// resolveDuration parses one duration field. An empty or zero value falls
// back to def; a negative one is a config error.
func resolveDuration(key, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration: %w", key, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: must not be negative", key)
	case d == 0:
		return def, nil
	}
	return d, nil
}

// Monitor is MonitorConfig with all durations resolved against defaults.
type Monitor struct {
	PollInterval time.Duration
	APIInterval  time.Duration
	FetchTimeout time.Duration
	SendTimeout  time.Duration
	Endpoint     string
}

// ResolveMonitor parses the monitor section's duration strings and applies
// defaults.
func ResolveMonitor(cfg MonitorConfig) (Monitor, error) {
	var (
		m   Monitor
		err error
	)
	if m.PollInterval, err = resolveDuration("monitor.poll_interval", cfg.PollInterval, DefaultPollInterval); err != nil {
		return Monitor{}, err
	}
	if m.APIInterval, err = resolveDuration("monitor.api_interval", cfg.APIInterval, DefaultAPIInterval); err != nil {
		return Monitor{}, err
	}
	if m.FetchTimeout, err = resolveDuration("monitor.fetch_timeout", cfg.FetchTimeout, DefaultFetchTimeout); err != nil {
		return Monitor{}, err
	}
	if m.SendTimeout, err = resolveDuration("monitor.send_timeout", cfg.SendTimeout, DefaultSendTimeout); err != nil {
		return Monitor{}, err
	}
	m.Endpoint = strings.TrimSpace(cfg.Endpoint)
	return m, nil
}

// Storage is StorageConfig with the busy timeout parsed. No default: zero
// means the driver's own behavior applies.
type Storage struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

func ResolveStorage(cfg StorageConfig) (Storage, error) {
	bt, err := resolveDuration("storage.busy_timeout", cfg.BusyTimeout, 0)
	if err != nil {
		return Storage{}, err
	}
	return Storage{
		Driver:      strings.TrimSpace(cfg.Driver),
		Path:        strings.TrimSpace(cfg.Path),
		BusyTimeout: bt,
	}, nil
}

// Dispatch is DispatchConfig with defaults applied.
type Dispatch struct {
	Workers   int
	QueueSize int
}

func ResolveDispatch(cfg *DispatchConfig) Dispatch {
	d := Dispatch{Workers: DefaultDispatchWorkers, QueueSize: DefaultDispatchQueueSize}
	if cfg == nil {
		return d
	}
	if cfg.Workers > 0 {
		d.Workers = cfg.Workers
	}
	if cfg.QueueSize > 0 {
		d.QueueSize = cfg.QueueSize
	}
	return d
}

// Validate checks a parsed config for structural problems. It is installed
// as the manager's pre-commit validator, so a bad edit never reaches
// subscribers.
func Validate(ctx context.Context, cfg *Config) error {
	_ = ctx
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Discord.Token) == "" {
		return errors.New("discord.token is required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file":
	default:
		return fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver)
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if _, err := ResolveStorage(cfg.Storage); err != nil {
		return err
	}
	if _, err := ResolveMonitor(cfg.Monitor); err != nil {
		return err
	}
	return nil
}
