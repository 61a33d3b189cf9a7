package dispatch

import (
	"time"

	"advisorbot/internal/transport"
)

type FailureKind string

const (
	FailResolution FailureKind = "resolution"
	FailDelivery   FailureKind = "delivery"
)

// Failure is a per-recipient outcome, never an error of the whole round.
type Failure struct {
	Recipient string      `json:"recipient"`
	Kind      FailureKind `json:"kind"`
	Err       string      `json:"error"`
}

type Delivery struct {
	Recipient string               `json:"recipient"`
	ChatID    int64                `json:"chat_id"`
	Ref       transport.MessageRef `json:"ref"`
}

// Report summarizes one dispatch. len(Sent)+len(Failed) == Selected.
type Report struct {
	RoundID   string        `json:"round_id"`
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	Selected int        `json:"selected"`
	Sent     []Delivery `json:"sent"`
	Failed   []Failure  `json:"failed"`
	Resolved int        `json:"resolved"`

	Persisted     bool  `json:"persisted"`
	PersistErr    error `json:"-"`
	EscalationErr error `json:"-"`
}
