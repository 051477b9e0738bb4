package config

// Config is the full application configuration. YAML and JSON are both
// accepted on disk; YAML is coerced to JSON before strict decoding, so
// unknown keys are rejected in either format.
//
// All duration fields are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Discord  DiscordConfig   `json:"discord"`
	Logging  LoggingConfig   `json:"logging"`
	Storage  StorageConfig   `json:"storage"`
	Monitor  MonitorConfig   `json:"monitor"`
	Dispatch *DispatchConfig `json:"dispatch,omitempty"`
}

type DiscordConfig struct {
	Token string `json:"token"`

	// GuildID, when set, registers slash commands for that guild only
	// (instant propagation; handy for staging). Empty registers globally.
	GuildID string `json:"guild_id,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/trackerwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// MonitorConfig controls the polling engine.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "5m"
//   - api_interval: "60s" (minimum spacing between upstream calls)
//   - fetch_timeout: "10s"
//   - send_timeout: "10s"
type MonitorConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	APIInterval  string `json:"api_interval,omitempty"`
	FetchTimeout string `json:"fetch_timeout,omitempty"`
	SendTimeout  string `json:"send_timeout,omitempty"`

	// Endpoint overrides the provider base URL (tests, local mirrors).
	Endpoint string `json:"endpoint,omitempty"`
}

// DispatchConfig controls the notification dispatcher.
// If the whole section is omitted, defaults apply (4 workers, queue 256).
type DispatchConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
}
