package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Data      DataConfig      `json:"data"`

	API     *APIConfig     `json:"api,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
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

// BroadcastConfig controls the slot scheduler and dispatch pacing.
//
// UTCOffsetHours is the canonical fixed offset all slot evaluation and
// history timestamps use (e.g. -3). Hours in the schedule file are plain
// local hours in that frame; no read/write conversion happens anywhere else.
type BroadcastConfig struct {
	Enabled        bool `json:"enabled"`
	UTCOffsetHours int  `json:"utc_offset_hours"`

	// PauseBetween is the delay between two recipients of one batch,
	// as a Go duration string. Defaults to "2s".
	PauseBetween string `json:"pause_between,omitempty"`
}

// DataConfig points at the directory holding the editable configuration
// files (hours, captions, images, recipients).
type DataConfig struct {
	Dir string `json:"dir"`
}

// APIConfig controls the HTTP surface consumed by the configuration UI.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig controls the ledger + history persistence layer.
//
// Driver values:
//   - "file": dependency-free file backend (default)
//   - "sqlite": SQLite database file (build with -tags sqlite)
//
// Example:
//
//	"storage": { "driver": "file", "path": "./groupcast_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
