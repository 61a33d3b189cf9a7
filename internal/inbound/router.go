// Package inbound routes transport updates to the confirmation tracker and
// handles the staff roster command.
package inbound

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"advisorbot/internal/transport"
	logx "advisorbot/pkg/logx"
)

const CommandUpdateStaff = "/update_staff_ids"

type Tracker interface {
	Watching(chatID int64) bool
	Deliver(msg *transport.Message) bool
}

type Observer interface {
	Observe(chat transport.ChatInfo) bool
}

type Roster interface {
	SetStaff(chatID int64, userIDs []int64) error
}

type Admins interface {
	ChatAdmins(ctx context.Context, chatID int64) ([]int64, error)
}

type Config struct {
	AutoDiscover bool
	ReportEvery  time.Duration
	CommandQueue int
}

type Deps struct {
	Tracker  Tracker
	Observer Observer
	Roster   Roster
	Admins   Admins
	Sender   transport.Sender
	// OnStaffChat is called after the roster command moves the staff chat.
	OnStaffChat func(chatID int64)
}

type Router struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	dropped   atomic.Uint64
	forwarded atomic.Uint64
	unwatched atomic.Uint64
	commands  chan *transport.Message
}

func New(cfg Config, deps Deps, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ReportEvery <= 0 {
		cfg.ReportEvery = 5 * time.Second
	}
	if cfg.CommandQueue <= 0 {
		cfg.CommandQueue = 8
	}
	return &Router{cfg: cfg, deps: deps, log: log, commands: make(chan *transport.Message, cfg.CommandQueue)}
}

// Stats is a snapshot of forwarding counters.
type Stats struct {
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`
	// Unwatched counts messages from chats with no open confirmation.
	Unwatched uint64 `json:"unwatched"`
}

func (r *Router) Stats() Stats {
	return Stats{Forwarded: r.forwarded.Load(), Dropped: r.dropped.Load(), Unwatched: r.unwatched.Load()}
}

// Run consumes updates until ctx ends or the channel closes. Forwarding
// never blocks; messages the tracker cannot take are counted and reported.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.commandLoop(cmdCtx)
	}()

	ticker := time.NewTicker(r.cfg.ReportEvery)
	defer ticker.Stop()
	var reported uint64
	report := func() {
		if n := r.dropped.Load(); n > reported {
			r.log.Warn("inbound messages dropped (tracker busy)", logx.Uint64("count", n-reported), logx.Uint64("total", n))
			reported = n
		}
	}
	defer report()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report()
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(up)
		}
	}
}

func (r *Router) route(up transport.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	if r.cfg.AutoDiscover && msg.IsGroup && r.deps.Observer != nil {
		r.deps.Observer.Observe(transport.ChatInfo{ID: msg.ChatID, Title: msg.ChatTitle, IsGroup: true})
	}
	if up.Kind != transport.UpdateMessage {
		return
	}
	if msg.IsCommand() {
		if commandName(msg.Text) == CommandUpdateStaff {
			select {
			case r.commands <- msg:
			default:
				r.log.Warn("command dropped (queue full)", logx.Int64("chat_id", msg.ChatID))
			}
		}
		return
	}
	if r.deps.Tracker == nil || !r.deps.Tracker.Watching(msg.ChatID) {
		r.unwatched.Add(1)
		r.log.Debug("message from unwatched chat", logx.Int64("chat_id", msg.ChatID), logx.String("kind", string(msg.Kind)))
		return
	}
	if r.deps.Tracker.Deliver(msg) {
		r.forwarded.Add(1)
		return
	}
	r.dropped.Add(1)
}

// commandName strips arguments and a @botname suffix.
func commandName(text string) string {
	name, _, _ := strings.Cut(strings.TrimSpace(text), " ")
	name, _, _ = strings.Cut(name, "@")
	return strings.ToLower(name)
}

func (r *Router) commandLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.commands:
			r.updateStaff(ctx, msg)
		}
	}
}

// updateStaff makes the group's administrators the staff roster and the
// group itself the staff chat.
func (r *Router) updateStaff(ctx context.Context, msg *transport.Message) {
	if !msg.IsGroup {
		r.reply(ctx, msg, "이 명령어는 그룹에서만 사용할 수 있습니다.")
		return
	}
	if r.deps.Admins == nil || r.deps.Roster == nil {
		return
	}
	ids, err := r.deps.Admins.ChatAdmins(ctx, msg.ChatID)
	if err != nil {
		r.log.Warn("chat admins lookup failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
		r.reply(ctx, msg, "멤버 정보를 가져오는 데 실패했습니다: "+err.Error())
		return
	}
	if err := r.deps.Roster.SetStaff(msg.ChatID, ids); err != nil {
		r.log.Error("staff roster not saved", logx.Err(err))
		r.reply(ctx, msg, "실무진 ID를 저장하지 못했습니다: "+err.Error())
		return
	}
	r.log.Info("staff roster updated", logx.Int64("staff_chat_id", msg.ChatID), logx.Int("staff", len(ids)), logx.Int64("by", msg.FromID))
	if r.deps.OnStaffChat != nil {
		r.deps.OnStaffChat(msg.ChatID)
	}
	r.reply(ctx, msg, fmt.Sprintf("실무진 ID가 업데이트되었습니다: %v\n실무진 그룹 Chat ID: %d", ids, msg.ChatID))
}

func (r *Router) reply(ctx context.Context, msg *transport.Message, text string) {
	if r.deps.Sender == nil {
		return
	}
	if _, err := r.deps.Sender.SendText(ctx, transport.ChatTarget{ChatID: msg.ChatID}, text, &transport.SendOptions{ReplyToMessageID: msg.ID}); err != nil {
		r.log.Warn("command reply failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
	}
}
