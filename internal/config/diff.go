package config

import (
	"reflect"
	"strings"

	logx "accountpolld/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ between two configs
// together with compact log attrs for them.
//
// restartOnly is the subset that only takes effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed, restartOnly []string, attrs []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Plugins, newCfg.Plugins) {
		changed = append(changed, "plugins")
		attrs = append(attrs,
			logx.String("plugins.timeout", strings.TrimSpace(newCfg.Plugins.Timeout)),
			logx.String("plugins.registry", newCfg.Plugins.RegistryPath()),
		)
	}
	if oldCfg.Accounts != newCfg.Accounts {
		changed = append(changed, "accounts")
		restartOnly = append(restartOnly, "accounts")
	}
	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.Bool("schedule.enabled", newCfg.Schedule.Enabled),
			logx.String("schedule.spec", newCfg.Schedule.Spec),
		)
	}
	if oldCfg.DBus != newCfg.DBus {
		changed = append(changed, "dbus")
		restartOnly = append(restartOnly, "dbus")
	}
	if oldCfg.Push != newCfg.Push {
		changed = append(changed, "push")
		restartOnly = append(restartOnly, "push")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		restartOnly = append(restartOnly, "storage")
	}
	return changed, restartOnly, attrs
}
