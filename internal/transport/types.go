package transport

import (
	"context"
	"time"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	// UpdateJoined is emitted when the bot is added to a group.
	UpdateJoined UpdateKind = "joined"
)

// MessageKind classifies inbound payloads. Only text, photo and document
// count as confirmation payloads.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindPhoto    MessageKind = "photo"
	KindDocument MessageKind = "document"
	KindOther    MessageKind = "other"
)

// Qualifies reports whether the kind can carry confirmation data.
func (k MessageKind) Qualifies() bool {
	return k == KindText || k == KindPhoto || k == KindDocument
}

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ChatTitle    string
	IsGroup      bool
	FromID       int64
	FromUsername string
	Kind         MessageKind
	Text         string
	At           time.Time
}

// IsCommand reports whether the message text starts with a bot command.
func (m *Message) IsCommand() bool {
	return m != nil && m.Kind == KindText && len(m.Text) > 1 && m.Text[0] == '/'
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
	At        time.Time
}

type SendOptions struct {
	DisablePreview   bool
	ReplyToMessageID int
}

// ChatInfo describes a chat seen in recent inbound traffic.
type ChatInfo struct {
	ID      int64
	Title   string
	IsGroup bool
}

// Event is one entry of the recent inbound window.
type Event struct {
	At   time.Time
	Chat ChatInfo
}

// Sender is the outbound half of a transport.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// RecentSource exposes a bounded window of recently observed inbound events,
// newest last.
type RecentSource interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}

type Adapter interface {
	Sender
	RecentSource

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	// ChatAdmins returns user ids of the administrators of a group chat.
	ChatAdmins(ctx context.Context, chatID int64) ([]int64, error)
}
