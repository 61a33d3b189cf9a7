package config

import (
	"fmt"
	"strings"
	"time"
)

// Settings is Config with defaults applied and durations parsed.
type Settings struct {
	Telegram  TelegramSettings
	Directory DirectorySettings
	Sheets    SheetsSettings
	Dispatch  DispatchSettings
	Tracker   TrackerSettings
	Notifier  NotifierSettings
	Storage   StorageSettings
	Status    StatusConfig
}

type TelegramSettings struct {
	Token        string
	PollTimeout  time.Duration
	RecentEvents int
}

type DirectorySettings struct {
	Path         string
	GroupPrefix  string
	ScanWindow   int
	AutoDiscover bool
}

type SheetsSettings struct {
	Dir        string
	FirstSheet string
	LastSheet  string
}

type DispatchSettings struct {
	Concurrency  int
	SendTimeout  time.Duration
	AnnounceSent bool
}

type TrackerSettings struct {
	Tick             time.Duration
	ReminderInterval time.Duration
	ReplyDeadline    time.Duration
	ConfirmDeadline  time.Duration
	ShutdownGrace    time.Duration
	InboxSize        int
}

type NotifierSettings struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	HistorySize   int
}

// StorageSettings is empty-driver when the ledger is disabled.
type StorageSettings struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

const DefaultGroupPrefix = "민트-"

// Resolve validates cfg and fills defaults. It is also the hot-reload
// validator, so every rejection names the offending key.
func (cfg *Config) Resolve() (*Settings, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	var (
		s   Settings
		err error
	)

	s.Telegram.Token = strings.TrimSpace(cfg.Telegram.Token)
	if s.Telegram.PollTimeout, err = ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second); err != nil {
		return nil, err
	}
	s.Telegram.RecentEvents = intOrDefault(cfg.Telegram.RecentEvents, 500)

	s.Directory = DirectorySettings{
		Path:         stringOrDefault(cfg.Directory.Path, "./config/directory.json"),
		GroupPrefix:  cfg.Directory.GroupPrefix,
		ScanWindow:   intOrDefault(cfg.Directory.ScanWindow, 100),
		AutoDiscover: cfg.Directory.AutoDiscover,
	}
	if s.Directory.GroupPrefix == "" {
		s.Directory.GroupPrefix = DefaultGroupPrefix
	}
	if cfg.Directory.ScanWindow < 0 {
		return nil, fmt.Errorf("directory.scan_window must be >= 0")
	}

	s.Sheets = SheetsSettings{
		Dir:        stringOrDefault(cfg.Sheets.Dir, "./excel_files"),
		FirstSheet: stringOrDefault(cfg.Sheets.FirstSheet, "firstDay"),
		LastSheet:  stringOrDefault(cfg.Sheets.LastSheet, "lastDay"),
	}
	if s.Sheets.FirstSheet == s.Sheets.LastSheet {
		return nil, fmt.Errorf("sheets.first_sheet and sheets.last_sheet must differ")
	}

	if cfg.Dispatch.Concurrency < 0 {
		return nil, fmt.Errorf("dispatch.concurrency must be >= 0")
	}
	s.Dispatch.Concurrency = intOrDefault(cfg.Dispatch.Concurrency, 8)
	s.Dispatch.AnnounceSent = cfg.Dispatch.AnnounceSent
	if s.Dispatch.SendTimeout, err = ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 15*time.Second); err != nil {
		return nil, err
	}

	if s.Tracker, err = resolveTracker(cfg.Tracker); err != nil {
		return nil, err
	}
	if s.Notifier, err = resolveNotifier(cfg.Notifier); err != nil {
		return nil, err
	}
	if s.Storage, err = resolveStorage(cfg.Storage); err != nil {
		return nil, err
	}

	s.Status = cfg.Status
	if s.Status.Enabled && strings.TrimSpace(s.Status.Addr) == "" {
		s.Status.Addr = "127.0.0.1:8087"
	}
	return &s, nil
}

func resolveTracker(tc TrackerConfig) (TrackerSettings, error) {
	var (
		t   TrackerSettings
		err error
	)
	if t.Tick, err = ParseDurationOrDefault("tracker.tick", tc.Tick, 30*time.Second); err != nil {
		return t, err
	}
	if t.ReminderInterval, err = ParseDurationOrDefault("tracker.reminder_interval", tc.ReminderInterval, 5*time.Minute); err != nil {
		return t, err
	}
	if t.ReplyDeadline, err = ParseDurationOrDefault("tracker.reply_deadline", tc.ReplyDeadline, 30*time.Minute); err != nil {
		return t, err
	}
	if t.ConfirmDeadline, err = ParseDurationOrDefault("tracker.confirm_deadline", tc.ConfirmDeadline, 30*time.Minute); err != nil {
		return t, err
	}
	if t.ShutdownGrace, err = ParseDurationOrDefault("tracker.shutdown_grace", tc.ShutdownGrace, 3*time.Second); err != nil {
		return t, err
	}
	if t.ReplyDeadline <= t.ReminderInterval {
		return t, fmt.Errorf("tracker.reply_deadline (%s) must be greater than tracker.reminder_interval (%s)", t.ReplyDeadline, t.ReminderInterval)
	}
	if t.ConfirmDeadline <= t.ReminderInterval {
		return t, fmt.Errorf("tracker.confirm_deadline (%s) must be greater than tracker.reminder_interval (%s)", t.ConfirmDeadline, t.ReminderInterval)
	}
	if tc.InboxSize < 0 {
		return t, fmt.Errorf("tracker.inbox_size must be >= 0")
	}
	t.InboxSize = intOrDefault(tc.InboxSize, 256)
	return t, nil
}

func resolveNotifier(nc *NotifierConfig) (NotifierSettings, error) {
	n := NotifierSettings{RatePerSec: 3, RetryMax: 2, RetryBase: 500 * time.Millisecond, RetryMaxDelay: 10 * time.Second, HistorySize: 200}
	if nc == nil {
		return n, nil
	}
	if nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.HistorySize < 0 {
		return n, fmt.Errorf("notifier.rate_per_sec, notifier.retry_max and notifier.history_size must be >= 0")
	}
	var err error
	n.RatePerSec = intOrDefault(nc.RatePerSec, n.RatePerSec)
	n.RetryMax = nc.RetryMax
	n.HistorySize = intOrDefault(nc.HistorySize, n.HistorySize)
	if n.RetryBase, err = ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, n.RetryBase); err != nil {
		return n, err
	}
	if n.RetryMaxDelay, err = ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, n.RetryMaxDelay); err != nil {
		return n, err
	}
	return n, nil
}

func resolveStorage(sc *StorageConfig) (StorageSettings, error) {
	if sc == nil {
		return StorageSettings{}, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return StorageSettings{}, nil
	case "file":
		return StorageSettings{Driver: driver, Path: stringOrDefault(path, "./data/audit.jsonl")}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return StorageSettings{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return StorageSettings{}, err
		}
		return StorageSettings{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return StorageSettings{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func intOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func stringOrDefault(v, def string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return def
}
