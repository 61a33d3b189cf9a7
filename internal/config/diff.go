package config

import "reflect"

// ChangedSections lists the top-level sections that differ between two
// configs. Secrets are never compared by value in log output; callers only
// see section names.
func ChangedSections(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	sections := []struct {
		name     string
		old, new any
	}{
		{"telegram", oldCfg.Telegram, newCfg.Telegram},
		{"logging", oldCfg.Logging, newCfg.Logging},
		{"directory", oldCfg.Directory, newCfg.Directory},
		{"sheets", oldCfg.Sheets, newCfg.Sheets},
		{"dispatch", oldCfg.Dispatch, newCfg.Dispatch},
		{"tracker", oldCfg.Tracker, newCfg.Tracker},
		{"notifier", oldCfg.Notifier, newCfg.Notifier},
		{"storage", oldCfg.Storage, newCfg.Storage},
		{"status", oldCfg.Status, newCfg.Status},
	}
	var out []string
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			out = append(out, s.name)
		}
	}
	return out
}

// RestartRequired reports the changed sections that are only read at startup.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "directory", "sheets", "storage", "status", "dispatch":
			out = append(out, s)
		}
	}
	return out
}
