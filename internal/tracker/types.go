// Package tracker follows each dispatched advisory until the recipient
// confirms it or a deadline passes.
package tracker

import (
	"errors"
	"fmt"
	"time"

	"advisorbot/internal/transport"
)

type State int

const (
	StateSent State = iota
	StateReplied
	StateConfirmed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateSent:
		return "sent"
	case StateReplied:
		return "replied"
	case StateConfirmed:
		return "confirmed"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s State) terminal() bool { return s == StateConfirmed || s == StateTimedOut }

// Key identifies one confirmation: a recipient chat within a round.
type Key struct {
	ChatID  int64  `json:"chat_id"`
	RoundID string `json:"round_id"`
}

// Confirmation is a copy of a tracked record.
type Confirmation struct {
	Key         Key                  `json:"key"`
	RoundName   string               `json:"round"`
	Recipient   string               `json:"recipient"`
	Ref         transport.MessageRef `json:"ref"`
	State       State                `json:"state"`
	SentAt      time.Time            `json:"sent_at"`
	RepliedAt   time.Time            `json:"replied_at,omitzero"`
	ConfirmedAt time.Time            `json:"confirmed_at,omitzero"`
	TimedOut    bool                 `json:"timed_out"`
	Reminders   int                  `json:"reminders"`
}

type record struct {
	Confirmation
	text   string
	seq    uint64
	window int64 // last reminder window fired for the current state
}

// TrackRequest registers a delivered advisory.
type TrackRequest struct {
	ChatID    int64
	RoundID   string
	RoundName string
	Recipient string
	Ref       transport.MessageRef
	Text      string
	SentAt    time.Time
}

// Policy holds the timing rules. Both deadlines must exceed the reminder
// interval.
type Policy struct {
	ReminderInterval time.Duration
	ReplyDeadline    time.Duration
	ConfirmDeadline  time.Duration
}

func (p Policy) Validate() error {
	if p.ReminderInterval <= 0 || p.ReplyDeadline <= 0 || p.ConfirmDeadline <= 0 {
		return errors.New("tracker policy: durations must be positive")
	}
	if p.ReplyDeadline <= p.ReminderInterval {
		return fmt.Errorf("tracker policy: reply deadline %s must exceed reminder interval %s", p.ReplyDeadline, p.ReminderInterval)
	}
	if p.ConfirmDeadline <= p.ReminderInterval {
		return fmt.Errorf("tracker policy: confirm deadline %s must exceed reminder interval %s", p.ConfirmDeadline, p.ReminderInterval)
	}
	return nil
}

type Config struct {
	Policy        Policy
	Tick          time.Duration
	InboxSize     int
	ShutdownGrace time.Duration
}

// Staff answers who the internal staff are and where they are notified.
type Staff interface {
	IsStaff(userID int64) bool
	StaffChatID() int64
}

var (
	ErrAlreadyTracked = errors.New("confirmation already tracked")
	ErrNoStaffChat    = errors.New("no staff chat configured")
	ErrInvalidRequest = errors.New("invalid track request")
)
