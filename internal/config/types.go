package config

// Config is the daemon configuration file. Every section is optional; an
// absent file yields Default() plus the AP_* environment overlay.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Plugins  PluginsConfig  `json:"plugins"`
	Accounts AccountsConfig `json:"accounts"`
	DBus     DBusConfig     `json:"dbus"`
	Push     PushConfig     `json:"push"`
	Schedule ScheduleConfig `json:"schedule"`
	Storage  *StorageConfig `json:"storage,omitempty"`
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

// PluginsConfig controls helper discovery and supervision.
//
// All durations are Go duration strings (e.g. "500ms", "10s").
//
// Defaults (when fields are omitted/zero):
//   - registry: $XDG_DATA_HOME/account-polld/plugins_data.json
//   - timeout: "10s" (AP_PLUGIN_TIMEOUT overrides, in seconds)
//   - grace: "1s"
//   - launcher: ["aa-exec-click", "-p", "{profile}", "--"]
type PluginsConfig struct {
	Registry string `json:"registry,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	Grace    string `json:"grace,omitempty"`

	// Launcher is the argv prefix that confines a helper. "{profile}" is
	// replaced by the descriptor's profile.
	Launcher []string `json:"launcher,omitempty"`
}

type AccountsConfig struct {
	// Path of the YAML (or JSON) account database.
	Path string `json:"path,omitempty"`
}

// DBusConfig selects the bus the trigger object is exported on.
type DBusConfig struct {
	Bus  string `json:"bus,omitempty"`  // "session" (default) or "system"
	Name string `json:"name,omitempty"` // default: com.ubuntu.AccountPolld
}

// PushConfig selects the push collaborator.
//
//	"push": { "driver": "postal" }   // default, D-Bus com.ubuntu.Postal
//	"push": { "driver": "log" }      // log payloads only
type PushConfig struct {
	Driver string `json:"driver,omitempty"`
}

// ScheduleConfig enables the built-in self trigger.
//
// Spec accepts a cron expression, a descriptor ("@every 15m", "@hourly"),
// a Go duration ("15m") or an "HH:MM" interval ("00:15").
type ScheduleConfig struct {
	Enabled  bool   `json:"enabled"`
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the optional poll history.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./history.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Keep        int    `json:"keep,omitempty"`         // retained entries; 0 = 10000
}
