package app

import (
	"advisorbot/internal/config"
	"advisorbot/internal/dispatch"
	"advisorbot/internal/notifier"
	"advisorbot/internal/storage"
	"advisorbot/internal/tracker"
	logx "advisorbot/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Staff: logx.StaffConfig{
			Enabled:    cfg.Logging.Staff.Enabled,
			MinLevel:   cfg.Logging.Staff.MinLevel,
			RatePerSec: cfg.Logging.Staff.RatePerSec,
		},
	}
}

func trackerConfig(s *config.Settings) tracker.Config {
	return tracker.Config{
		Policy:        trackerPolicy(s),
		Tick:          s.Tracker.Tick,
		InboxSize:     s.Tracker.InboxSize,
		ShutdownGrace: s.Tracker.ShutdownGrace,
	}
}

func trackerPolicy(s *config.Settings) tracker.Policy {
	return tracker.Policy{
		ReminderInterval: s.Tracker.ReminderInterval,
		ReplyDeadline:    s.Tracker.ReplyDeadline,
		ConfirmDeadline:  s.Tracker.ConfirmDeadline,
	}
}

func notifierConfig(s *config.Settings) notifier.Config {
	return notifier.Config{
		RatePerSec:    s.Notifier.RatePerSec,
		RetryMax:      s.Notifier.RetryMax,
		RetryBase:     s.Notifier.RetryBase,
		RetryMaxDelay: s.Notifier.RetryMaxDelay,
		HistorySize:   s.Notifier.HistorySize,
	}
}

func dispatchConfig(s *config.Settings) dispatch.Config {
	return dispatch.Config{
		Concurrency:  s.Dispatch.Concurrency,
		SendTimeout:  s.Dispatch.SendTimeout,
		AnnounceSent: s.Dispatch.AnnounceSent,
	}
}

func storageConfig(s *config.Settings) storage.Config {
	return storage.Config{Driver: s.Storage.Driver, Path: s.Storage.Path, BusyTimeout: s.Storage.BusyTimeout}
}
