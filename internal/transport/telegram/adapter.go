// Package telegram is the telebot-backed transport.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"advisorbot/internal/runtime/supervisor"
	"advisorbot/internal/transport"
	logx "advisorbot/pkg/logx"
)

type Config struct {
	Token        string
	PollTimeout  time.Duration
	RecentEvents int
}

// Adapter long-polls Telegram, forwards updates without blocking, and keeps
// a ring of recently seen group chats for directory lookups.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out     atomic.Value // chan<- transport.Update
	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	dropped atomic.Uint64
	recent  *ring
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.RecentEvents <= 0 {
		cfg.RecentEvents = 500
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b, recent: newRing(cfg.RecentEvents)}
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// otherEvents carry no confirmation payload but still count as a reply.
var otherEvents = []string{
	tele.OnSticker, tele.OnVideo, tele.OnVoice, tele.OnAnimation,
	tele.OnAudio, tele.OnVideoNote, tele.OnLocation, tele.OnVenue,
	tele.OnContact, tele.OnDice, tele.OnPoll, tele.OnGame,
}

func (a *Adapter) registerHandlers() {
	on := func(kind transport.MessageKind) tele.HandlerFunc {
		return func(c tele.Context) error {
			m := c.Message()
			if m == nil || m.Chat == nil {
				return nil
			}
			msg := convertMessage(m, kind)
			a.observe(msg.At, m.Chat)
			a.sendUpdate(transport.Update{Kind: transport.UpdateMessage, Message: msg})
			return nil
		}
	}
	a.bot.Handle(tele.OnText, on(transport.KindText))
	a.bot.Handle(tele.OnPhoto, on(transport.KindPhoto))
	a.bot.Handle(tele.OnDocument, on(transport.KindDocument))
	for _, ev := range otherEvents {
		a.bot.Handle(ev, on(transport.KindOther))
	}
	a.bot.Handle(tele.OnAddedToGroup, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		msg := convertMessage(m, transport.KindOther)
		a.observe(msg.At, m.Chat)
		a.sendUpdate(transport.Update{Kind: transport.UpdateJoined, Message: msg})
		return nil
	})
}

func isGroup(c *tele.Chat) bool {
	return c != nil && (c.Type == tele.ChatGroup || c.Type == tele.ChatSuperGroup)
}

func convertMessage(m *tele.Message, kind transport.MessageKind) *transport.Message {
	msg := &transport.Message{
		ID:        m.ID,
		ChatID:    m.Chat.ID,
		ChatTitle: m.Chat.Title,
		IsGroup:   isGroup(m.Chat),
		Kind:      kind,
		Text:      m.Text,
		At:        m.Time(),
	}
	if msg.Text == "" {
		msg.Text = m.Caption
	}
	if m.Sender != nil {
		msg.FromID = m.Sender.ID
		msg.FromUsername = m.Sender.Username
	}
	if m.Unixtime == 0 {
		msg.At = time.Now()
	}
	return msg
}

func (a *Adapter) observe(at time.Time, c *tele.Chat) {
	a.recent.add(transport.Event{At: at, Chat: transport.ChatInfo{ID: c.ID, Title: c.Title, IsGroup: isGroup(c)}})
}

func (a *Adapter) sendUpdate(up transport.Update) {
	out, _ := a.out.Load().(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.dropped.Add(1)
	}
}

// Recent returns up to limit recently seen chats, newest last.
func (a *Adapter) Recent(ctx context.Context, limit int) ([]transport.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.recent.last(limit), nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		report := func() {
			if n := a.dropped.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// telebot's Start blocks until Stop; restart it if it returns early.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return c.Err()
	}, 500*time.Millisecond, 10*time.Second)
	return nil
}

// Stop never blocks shutdown for long on a pending long-poll.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()
	go a.bot.Stop()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop incomplete", logx.Err(err))
	}
	return nil
}

// SendText sends text in chunks under the message size limit and returns
// the reference of the first chunk.
func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	var first transport.MessageRef
	for i, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		so := &tele.SendOptions{DisableWebPagePreview: opt.DisablePreview}
		if i == 0 && opt.ReplyToMessageID != 0 {
			so.ReplyTo = &tele.Message{ID: opt.ReplyToMessageID, Chat: chat}
		}
		m, err := a.bot.Send(chat, chunk, so)
		if err != nil {
			return first, classify(err)
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, MessageID: m.ID, At: m.Time()}
		}
	}
	return first, nil
}

func (a *Adapter) ChatAdmins(ctx context.Context, chatID int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	members, err := a.bot.AdminsOf(&tele.Chat{ID: chatID})
	if err != nil {
		return nil, classify(err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		if m.User != nil && !m.User.IsBot {
			ids = append(ids, m.User.ID)
		}
	}
	return ids, nil
}

// classify marks errors that a retry cannot fix.
func classify(err error) error {
	var te *tele.Error
	if errors.As(err, &te) {
		if te.Code == 400 || te.Code == 403 {
			return transport.Permanent(err)
		}
		return err
	}
	var ge tele.GroupError
	if errors.As(err, &ge) {
		return transport.Permanent(err)
	}
	s := err.Error()
	if strings.HasSuffix(s, "(400)") || strings.HasSuffix(s, "(403)") {
		return transport.Permanent(err)
	}
	return err
}

const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that leave chunks of at least a third of the limit.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
