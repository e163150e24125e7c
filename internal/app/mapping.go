package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"groupcast/internal/api"
	"groupcast/internal/broadcast"
	"groupcast/internal/config"
	"groupcast/internal/storage"
)

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	pause, err := config.ParseDurationOrDefault("broadcast.pause_between",
		cfg.Broadcast.PauseBetween, broadcast.DefaultPause)
	if err != nil {
		return broadcast.Config{}, err
	}
	off := cfg.Broadcast.UTCOffsetHours
	if off < -12 || off > 14 {
		return broadcast.Config{}, fmt.Errorf("broadcast.utc_offset_hours: %d out of range [-12,14]", off)
	}
	return broadcast.Config{
		Enabled:        cfg.Broadcast.Enabled,
		UTCOffsetHours: off,
		PauseBetween:   pause,
	}, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	if cfg.API == nil {
		return api.Config{}, nil
	}
	rt, err := config.ParseDurationOrDefault("api.read_timeout", cfg.API.ReadTimeout, 15*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("api.write_timeout", cfg.API.WriteTimeout, 15*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("api.idle_timeout", cfg.API.IdleTimeout, time.Minute)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Enabled:      cfg.API.Enabled,
		Addr:         cfg.API.Addr,
		Token:        cfg.API.Token,
		ReadTimeout:  rt,
		WriteTimeout: wt,
		IdleTimeout:  it,
	}, nil
}

// mapStorageConfig defaults to the file driver under the data dir; the
// scheduler's dedup guarantee depends on durable state, so storage is never
// optional.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := storage.Config{}
	if cfg.Storage != nil {
		sc.Driver = cfg.Storage.Driver
		sc.Path = cfg.Storage.Path
		bt, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		sc.BusyTimeout = bt
	}
	if strings.TrimSpace(sc.Path) == "" {
		dir := strings.TrimSpace(cfg.Data.Dir)
		if dir == "" {
			return storage.Config{}, fmt.Errorf("data.dir is required")
		}
		sc.Path = filepath.Join(dir, "state", "groupcast")
	}
	return sc, nil
}
