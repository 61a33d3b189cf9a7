package directory

import (
	"context"
	"strings"

	"advisorbot/internal/eventbus"
	"advisorbot/internal/transport"
	logx "advisorbot/pkg/logx"
)

type Status int

const (
	NotFound Status = iota
	Found
	TransportError
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case TransportError:
		return "transport_error"
	default:
		return "not_found"
	}
}

// Resolution is the outcome of one lookup. Reason is set for NotFound and
// TransportError.
type Resolution struct {
	Status     Status
	ChatID     int64
	Group      string
	Discovered bool
	Reason     string
}

func (r Resolution) OK() bool { return r.Status == Found && r.ChatID != 0 }

// Resolver turns recipient names into chat ids.
type Resolver struct {
	store  *Store
	source transport.RecentSource
	prefix string
	window int
	log    logx.Logger
	bus    eventbus.Bus
}

type ResolverConfig struct {
	GroupPrefix string
	ScanWindow  int
}

func NewResolver(cfg ResolverConfig, store *Store, source transport.RecentSource, log logx.Logger, bus eventbus.Bus) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ScanWindow <= 0 {
		cfg.ScanWindow = 100
	}
	return &Resolver{store: store, source: source, prefix: cfg.GroupPrefix, window: cfg.ScanWindow, log: log, bus: bus}
}

// GroupName is the chat title a recipient's group must carry.
func (r *Resolver) GroupName(recipient string) string {
	return r.prefix + strings.TrimSpace(recipient)
}

// Current returns the mapping the directory holds right now, without I/O.
func (r *Resolver) Current(recipient string) (int64, bool) {
	return r.store.Lookup(r.GroupName(recipient))
}

// Resolve makes a single attempt: directory first, then the recent inbound
// window, newest first. Transport errors are reported, never returned.
func (r *Resolver) Resolve(ctx context.Context, recipient string) Resolution {
	group := r.GroupName(recipient)
	if id, ok := r.store.Lookup(group); ok {
		return Resolution{Status: Found, ChatID: id, Group: group}
	}
	if r.source == nil {
		return Resolution{Status: NotFound, Group: group, Reason: "no recent-event source"}
	}

	events, err := r.source.Recent(ctx, r.window)
	if err != nil {
		r.log.Warn("group scan failed", logx.String("group", group), logx.Err(err))
		return Resolution{Status: TransportError, Group: group, Reason: err.Error()}
	}
	for i := len(events) - 1; i >= 0; i-- {
		c := events[i].Chat
		if !c.IsGroup || c.ID == 0 || c.Title != group {
			continue
		}
		if _, err := r.store.Put(group, c.ID); err != nil {
			// The in-memory mapping stands; the next successful write persists it.
			r.log.Warn("resolved group not persisted", logx.String("group", group), logx.Err(err))
		}
		r.log.Info("group chat discovered", logx.String("group", group), logx.Int64("chat_id", c.ID))
		eventbus.Emit(r.bus, eventbus.DirectoryResolved, eventbus.Record{Recipient: recipient, ChatID: c.ID, Detail: group})
		return Resolution{Status: Found, ChatID: c.ID, Group: group, Discovered: true}
	}
	return Resolution{Status: NotFound, Group: group, Reason: "no group titled " + group + " in recent updates"}
}

// Observe records a prefixed group seen in live traffic. It reports whether
// the directory changed.
func (r *Resolver) Observe(chat transport.ChatInfo) bool {
	if !chat.IsGroup || chat.ID == 0 || r.prefix == "" || !strings.HasPrefix(chat.Title, r.prefix) {
		return false
	}
	changed, err := r.store.Put(chat.Title, chat.ID)
	if err != nil {
		r.log.Warn("observed group not persisted", logx.String("group", chat.Title), logx.Err(err))
	}
	if changed {
		r.log.Info("group chat registered", logx.String("group", chat.Title), logx.Int64("chat_id", chat.ID))
		eventbus.Emit(r.bus, eventbus.DirectoryResolved, eventbus.Record{
			Recipient: strings.TrimPrefix(chat.Title, r.prefix), ChatID: chat.ID, Detail: chat.Title,
		})
	}
	return changed
}
