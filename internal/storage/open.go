package storage

import (
	"errors"
	"strings"

	logx "groupcast/pkg/logx"
)

// Open initializes the configured store. An empty driver defaults to "file":
// the scheduler's dedup guarantee depends on durable state, so storage is
// never optional.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
