package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	DefaultPluginTimeout = 10 * time.Second
	DefaultPluginGrace   = time.Second
	DefaultBusName       = "com.ubuntu.AccountPolld"
	registryFileName     = "plugins_data.json"
	accountsFileName     = "accounts.yaml"
)

func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "WARN", Console: true},
	}
}

// dataHome returns $XDG_DATA_HOME, or ~/.local/share when unset.
func dataHome() string {
	if v := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".local", "share")
	}
	return filepath.Join(home, ".local", "share")
}

func (p PluginsConfig) RegistryPath() string {
	if s := strings.TrimSpace(p.Registry); s != "" {
		return s
	}
	return filepath.Join(dataHome(), "account-polld", registryFileName)
}

func (p PluginsConfig) TimeoutOrDefault() (time.Duration, error) {
	return ParseDurationOrDefault("plugins.timeout", p.Timeout, DefaultPluginTimeout)
}

func (p PluginsConfig) GraceOrDefault() (time.Duration, error) {
	return ParseDurationOrDefault("plugins.grace", p.Grace, DefaultPluginGrace)
}

// LauncherArgv returns a copy of the configured launcher, or nil when the
// helper default applies.
func (p PluginsConfig) LauncherArgv() []string {
	if len(p.Launcher) == 0 {
		return nil
	}
	return append([]string(nil), p.Launcher...)
}

func (a AccountsConfig) PathOrDefault() string {
	if s := strings.TrimSpace(a.Path); s != "" {
		return s
	}
	return filepath.Join(dataHome(), "account-polld", accountsFileName)
}

// DefaultHistoryPath places a history file under the data directory.
func DefaultHistoryPath(name string) string {
	return filepath.Join(dataHome(), "account-polld", name)
}

func (d DBusConfig) NameOrDefault() string {
	if s := strings.TrimSpace(d.Name); s != "" {
		return s
	}
	return DefaultBusName
}

// Validate checks the parts of the config that can be checked without
// touching the outside world.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, err := cfg.Plugins.TimeoutOrDefault(); err != nil {
		return err
	}
	if _, err := cfg.Plugins.GraceOrDefault(); err != nil {
		return err
	}
	if l := cfg.Plugins.Launcher; len(l) > 0 && strings.TrimSpace(l[0]) == "" {
		return errors.New("plugins.launcher: first element must name a program")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.DBus.Bus)) {
	case "", "session", "system":
	default:
		return errors.Newf("dbus.bus: unknown bus %q", cfg.DBus.Bus)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Push.Driver)) {
	case "", "postal", "log":
	default:
		return errors.Newf("push.driver: unknown driver %q", cfg.Push.Driver)
	}
	if cfg.Schedule.Enabled && strings.TrimSpace(cfg.Schedule.Spec) == "" {
		return errors.New("schedule.spec: required when schedule.enabled is true")
	}
	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return errors.Wrapf(err, "schedule.timezone")
		}
	}
	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "off", "disabled", "file", "sqlite":
		default:
			return errors.Newf("storage.driver: unknown driver %q", st.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}
