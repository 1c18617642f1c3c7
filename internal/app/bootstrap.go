package app

import (
	"strings"

	"accountpolld/internal/config"
	"accountpolld/internal/helper"
	"accountpolld/internal/schedule"
	logx "accountpolld/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapHelperConfig(cfg *config.Config) (helper.Config, error) {
	timeout, err := cfg.Plugins.TimeoutOrDefault()
	if err != nil {
		return helper.Config{}, err
	}
	grace, err := cfg.Plugins.GraceOrDefault()
	if err != nil {
		return helper.Config{}, err
	}
	launcher := cfg.Plugins.LauncherArgv()
	if launcher == nil {
		launcher = helper.DefaultLauncher()
	}
	return helper.Config{
		Launcher: launcher,
		Timeout:  timeout,
		Grace:    grace,
	}, nil
}

func mapScheduleConfig(cfg *config.Config) schedule.Config {
	return schedule.Config{
		Enabled:  cfg.Schedule.Enabled,
		Spec:     strings.TrimSpace(cfg.Schedule.Spec),
		Timezone: strings.TrimSpace(cfg.Schedule.Timezone),
	}
}

// validateReload rejects configs that parse but cannot be applied live.
func validateReload(cfg *config.Config) error {
	if _, err := mapHelperConfig(cfg); err != nil {
		return err
	}
	if sc := mapScheduleConfig(cfg); sc.Enabled {
		if _, err := schedule.ParseSchedule(sc.Spec); err != nil {
			return err
		}
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}
