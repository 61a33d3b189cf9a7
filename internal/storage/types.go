// Package storage keeps the audit ledger of dispatch and confirmation
// events. Drivers: "file" (JSON Lines) and "sqlite".
package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage. An empty or "none" Driver disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
}

// AuditEntry is one ledger row. Keep it flat and schema-stable.
type AuditEntry struct {
	ID        string    `json:"id"`
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"`
	Round     string    `json:"round,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	ChatID    int64     `json:"chat_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
}
