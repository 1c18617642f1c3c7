package app

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"accountpolld/internal/config"
	"accountpolld/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	out := storage.Config{
		Driver: strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:   strings.TrimSpace(sc.Path),
		Keep:   sc.Keep,
	}
	if !storage.Enabled(out) {
		return storage.Config{}, false, nil
	}

	switch out.Driver {
	case "file":
		if out.Path == "" {
			out.Path = config.DefaultHistoryPath("history.jsonl")
		}
	case "sqlite", "sqlite3":
		if out.Path == "" {
			out.Path = config.DefaultHistoryPath("history.db")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		out.BusyTimeout = busy
	default:
		return storage.Config{}, false, errors.Newf("unknown storage.driver: %s", sc.Driver)
	}
	return out, true, nil
}
