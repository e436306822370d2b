package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Storage configures the state store backing group and settings rows.
	Storage StorageConfig `json:"storage"`

	// Loop configures the per-group delivery engine.
	Loop LoopConfig `json:"loop"`

	// Housekeeping controls background maintenance jobs. If omitted, it
	// defaults to enabled with a 30-day prune window.
	Housekeeping *HousekeepingConfig `json:"housekeeping,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// AdminUserIDs may run global commands (/setmsg, /setdelay, /stopall...).
	AdminUserIDs []int64 `json:"admin_user_ids"`

	// GroupLog is an optional chat id that receives warning-level logs.
	GroupLog string `json:"group_log"`

	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the persistence layer.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": volatile in-memory store (tests, throwaway runs)
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite only).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// LoopConfig controls the delivery engine.
//
// All durations are Go duration strings (e.g. "30s", "1h").
//
// Defaults (when fields are omitted/zero):
//   - default_delay: "1h" (first-boot global settings)
//   - min_delay:     "10s"
//   - send_timeout:  "40s"
//   - retry_max:     3
type LoopConfig struct {
	DefaultDelay string `json:"default_delay,omitempty"`
	MinDelay     string `json:"min_delay,omitempty"`
	SendTimeout  string `json:"send_timeout,omitempty"`
	RetryMax     int    `json:"retry_max,omitempty"`
}

type HousekeepingConfig struct {
	Enabled bool `json:"enabled"`
	// PruneAfter drops group rows that stayed inactive longer than this.
	// Use "0s" to disable pruning.
	PruneAfter string `json:"prune_after,omitempty"`
}
