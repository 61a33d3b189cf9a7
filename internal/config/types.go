package config

// Config is the on-disk configuration document (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "30s", "5m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Directory DirectoryConfig `json:"directory"`
	Sheets    SheetsConfig    `json:"sheets"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Tracker   TrackerConfig   `json:"tracker"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Status    StatusConfig    `json:"status"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout"`
	// RecentEvents bounds the inbound window kept for group discovery.
	RecentEvents int `json:"recent_events,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Staff   LoggingStaff `json:"staff"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingStaff mirrors log lines at or above MinLevel into the staff chat.
type LoggingStaff struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DirectoryConfig locates the recipient directory file.
//
// Example:
//
//	"directory": { "path": "./config/directory.json", "group_prefix": "민트-" }
type DirectoryConfig struct {
	Path         string `json:"path"`
	GroupPrefix  string `json:"group_prefix,omitempty"`
	ScanWindow   int    `json:"scan_window,omitempty"`
	AutoDiscover bool   `json:"auto_discover,omitempty"`
}

// SheetsConfig locates round workbooks: <dir>/<round>.xlsx with one sheet
// per phase.
type SheetsConfig struct {
	Dir        string `json:"dir"`
	FirstSheet string `json:"first_sheet,omitempty"`
	LastSheet  string `json:"last_sheet,omitempty"`
}

type DispatchConfig struct {
	Concurrency int    `json:"concurrency,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	// AnnounceSent posts one staff notice per successful delivery.
	AnnounceSent bool `json:"announce_sent,omitempty"`
}

// TrackerConfig is the confirmation policy. Both deadlines must be strictly
// greater than the reminder interval.
type TrackerConfig struct {
	Tick             string `json:"tick,omitempty"`
	ReminderInterval string `json:"reminder_interval,omitempty"`
	ReplyDeadline    string `json:"reply_deadline,omitempty"`
	ConfirmDeadline  string `json:"confirm_deadline,omitempty"`
	ShutdownGrace    string `json:"shutdown_grace,omitempty"`
	InboxSize        int    `json:"inbox_size,omitempty"`
}

// NotifierConfig controls staff notice delivery.
type NotifierConfig struct {
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	HistorySize   int    `json:"history_size,omitempty"`
}

// StorageConfig controls the audit ledger.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/audit.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// StatusConfig controls the read-only status HTTP server.
// Prefer a loopback address; the endpoints are unauthenticated.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	// Pprof mounts the runtime profiler under /debug.
	Pprof bool `json:"pprof,omitempty"`
}
