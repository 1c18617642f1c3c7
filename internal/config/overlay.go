package config

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/v2"

	logx "accountpolld/pkg/logx"
)

const envPrefix = "AP_"

// Keys understood by the overlay. Flags use the same dotted paths.
const (
	KeyPluginsRegistry = "plugins.registry"
	KeyPluginsTimeout  = "plugins.timeout"
	KeyAccountsPath    = "accounts.path"
	KeyLoggingLevel    = "logging.level"
	KeyDBusBus         = "dbus.bus"
	KeyStorageDriver   = "storage.driver"
	KeyStoragePath     = "storage.path"
)

// envTransform maps the AP_* tuning knobs onto config paths.
//
//	AP_PLUGIN_TIMEOUT=15  -> plugins.timeout = "15s"
//	AP_LOGGING_LEVEL=2    -> logging.level   = "DEBUG"
//
// Anything else under the prefix is ignored.
func envTransform(key, value string) (string, any) {
	value = strings.TrimSpace(value)
	switch key {
	case "AP_PLUGIN_TIMEOUT":
		if n, err := strconv.Atoi(value); err == nil {
			if n <= 0 {
				return "", nil
			}
			return KeyPluginsTimeout, strconv.Itoa(n) + "s"
		}
		// tolerate Go duration syntax as well
		return KeyPluginsTimeout, value
	case "AP_LOGGING_LEVEL":
		n, err := strconv.Atoi(value)
		if err != nil {
			return KeyLoggingLevel, value
		}
		return KeyLoggingLevel, logx.LevelFromVerbosity(n)
	default:
		return "", nil
	}
}

// applyOverlay layers the environment and then explicit overrides (CLI
// flags) on top of the file config. Later layers win.
func applyOverlay(cfg *Config, overrides map[string]any) error {
	k := koanf.New(".")

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        envPrefix,
		TransformFunc: envTransform,
	}), nil); err != nil {
		return errors.Wrap(err, "load environment")
	}
	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return errors.Wrap(err, "load overrides")
		}
	}

	if v := strings.TrimSpace(k.String(KeyPluginsRegistry)); v != "" {
		cfg.Plugins.Registry = v
	}
	if v := strings.TrimSpace(k.String(KeyPluginsTimeout)); v != "" {
		cfg.Plugins.Timeout = v
	}
	if v := strings.TrimSpace(k.String(KeyAccountsPath)); v != "" {
		cfg.Accounts.Path = v
	}
	if v := strings.TrimSpace(k.String(KeyLoggingLevel)); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(k.String(KeyDBusBus)); v != "" {
		cfg.DBus.Bus = v
	}
	if v := strings.TrimSpace(k.String(KeyStorageDriver)); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		cfg.Storage.Driver = v
	}
	if v := strings.TrimSpace(k.String(KeyStoragePath)); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		cfg.Storage.Path = v
	}
	return nil
}
