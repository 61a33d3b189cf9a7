package tracker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"advisorbot/internal/eventbus"
	"advisorbot/internal/runtime/supervisor"
	"advisorbot/internal/transport"
	logx "advisorbot/pkg/logx"
)

// Tracker owns one record per (chat, round). Records are mutated under mu;
// every send happens after mu is released.
type Tracker struct {
	cfg   Config
	out   transport.Sender
	staff Staff
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	mu      sync.Mutex
	policy  Policy
	records map[Key]*record
	order   map[int64][]Key // per chat, in dispatch order
	seq     uint64

	inbox     chan *transport.Message
	accepting atomic.Bool
	dropped   atomic.Uint64

	lifeMu sync.Mutex
	sup    *supervisor.Supervisor
	cron   *cron.Cron
}

func New(cfg Config, out transport.Sender, staff Staff, log logx.Logger, bus eventbus.Bus) (*Tracker, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if out == nil || staff == nil {
		return nil, errors.New("tracker: sender and staff are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 3 * time.Second
	}
	return &Tracker{
		cfg:     cfg,
		out:     out,
		staff:   staff,
		log:     log,
		bus:     bus,
		now:     time.Now,
		policy:  cfg.Policy,
		records: map[Key]*record{},
		order:   map[int64][]Key{},
		inbox:   make(chan *transport.Message, cfg.InboxSize),
	}, nil
}

func (t *Tracker) Policy() Policy {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.policy
}

// SetPolicy swaps the timing rules. Existing records keep their timestamps
// and are judged by the new rules from the next evaluation.
func (t *Tracker) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	old := t.policy
	t.policy = p
	t.mu.Unlock()
	if old != p {
		t.log.Info("policy updated",
			logx.Duration("reminder_interval", p.ReminderInterval),
			logx.Duration("reply_deadline", p.ReplyDeadline),
			logx.Duration("confirm_deadline", p.ConfirmDeadline))
	}
	return nil
}

// Track starts following a delivered advisory in SENT.
func (t *Tracker) Track(req TrackRequest) error {
	if req.ChatID == 0 || req.RoundID == "" {
		return fmt.Errorf("%w: chat=%d round=%q", ErrInvalidRequest, req.ChatID, req.RoundID)
	}
	if req.SentAt.IsZero() {
		req.SentAt = t.now()
	}
	k := Key{ChatID: req.ChatID, RoundID: req.RoundID}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[k]; ok {
		return fmt.Errorf("%w: %s in chat %d", ErrAlreadyTracked, req.RoundID, req.ChatID)
	}
	t.seq++
	t.records[k] = &record{
		Confirmation: Confirmation{
			Key:       k,
			RoundName: req.RoundName,
			Recipient: req.Recipient,
			Ref:       req.Ref,
			State:     StateSent,
			SentAt:    req.SentAt,
		},
		text: req.Text,
		seq:  t.seq,
	}
	t.order[k.ChatID] = append(t.order[k.ChatID], k)
	t.log.Debug("tracking", logx.String("round", k.RoundID), logx.String("recipient", req.Recipient), logx.Int64("chat_id", k.ChatID))
	return nil
}

// evictLocked removes a record. Caller holds mu.
func (t *Tracker) evictLocked(k Key) {
	delete(t.records, k)
	keys := slices.DeleteFunc(t.order[k.ChatID], func(x Key) bool { return x == k })
	if len(keys) == 0 {
		delete(t.order, k.ChatID)
		return
	}
	t.order[k.ChatID] = keys
}

// Watching reports whether chatID has an unresolved record.
func (t *Tracker) Watching(chatID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order[chatID]) > 0
}

// Active counts unresolved records of a round.
func (t *Tracker) Active(roundID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k := range t.records {
		if k.RoundID == roundID {
			n++
		}
	}
	return n
}

// Snapshot returns copies of all records in dispatch order.
func (t *Tracker) Snapshot() []Confirmation {
	t.mu.Lock()
	recs := make([]*record, 0, len(t.records))
	for _, r := range t.records {
		recs = append(recs, r)
	}
	slices.SortFunc(recs, func(a, b *record) int { return cmp.Compare(a.seq, b.seq) })
	out := make([]Confirmation, len(recs))
	for i, r := range recs {
		out[i] = r.Confirmation
	}
	t.mu.Unlock()
	return out
}

func (t *Tracker) Dropped() uint64 { return t.dropped.Load() }

type inboundAction int

const (
	actNone inboundAction = iota
	actReplied
	actConfirmed
	actBadFormat
)

// HandleInbound applies one inbound message. The first unresolved record of
// the chat that the message postdates is advanced by one transition.
func (t *Tracker) HandleInbound(ctx context.Context, msg *transport.Message) {
	if msg == nil {
		return
	}
	if t.staff.IsStaff(msg.FromID) {
		t.log.Debug("staff message ignored", logx.Int64("chat_id", msg.ChatID), logx.Int64("from", msg.FromID))
		return
	}
	at := msg.At
	if at.IsZero() {
		at = t.now()
	}

	act := actNone
	var snap Confirmation
	t.mu.Lock()
	for _, k := range t.order[msg.ChatID] {
		rec := t.records[k]
		if rec == nil || rec.State.terminal() {
			continue
		}
		// Transport timestamps have second resolution.
		if at.Before(rec.SentAt.Truncate(time.Second)) {
			continue
		}
		switch rec.State {
		case StateSent:
			rec.State = StateReplied
			rec.RepliedAt = latest(at, rec.SentAt)
			rec.window = 0
			act = actReplied
		case StateReplied:
			if !msg.Kind.Qualifies() {
				act = actBadFormat
				break
			}
			rec.State = StateConfirmed
			rec.ConfirmedAt = latest(at, rec.RepliedAt)
			t.evictLocked(k)
			act = actConfirmed
		}
		snap = rec.Confirmation
		break
	}
	t.mu.Unlock()

	rec := eventbus.Record{Round: snap.Key.RoundID, Recipient: snap.Recipient, ChatID: snap.Key.ChatID}
	switch act {
	case actNone:
		t.log.Debug("inbound message matched no record", logx.Int64("chat_id", msg.ChatID))
	case actReplied:
		t.log.Info("recipient replied", logx.String("round", snap.Key.RoundID), logx.String("recipient", snap.Recipient))
		eventbus.Emit(t.bus, eventbus.ConfirmationReplied, rec)
		t.notifyStaff(ctx, repliedNotice(snap))
	case actConfirmed:
		t.log.Info("recipient confirmed", logx.String("round", snap.Key.RoundID), logx.String("recipient", snap.Recipient))
		eventbus.Emit(t.bus, eventbus.ConfirmationConfirmed, rec)
		t.notifyStaff(ctx, confirmedNotice(snap))
		t.reply(ctx, msg, confirmedReply(snap.RoundName))
	case actBadFormat:
		t.log.Info("confirmation payload not recognised", logx.String("round", snap.Key.RoundID), logx.String("recipient", snap.Recipient), logx.String("kind", string(msg.Kind)))
		t.reply(ctx, msg, badFormatReply(snap.RoundName))
	}
}

func latest(a, b time.Time) time.Time {
	if a.Before(b) {
		return b
	}
	return a
}

func (t *Tracker) reply(ctx context.Context, msg *transport.Message, text string) {
	_, err := t.out.SendText(ctx, transport.ChatTarget{ChatID: msg.ChatID}, text, &transport.SendOptions{ReplyToMessageID: msg.ID})
	if err != nil {
		t.log.Warn("reply failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
	}
}

func (t *Tracker) notifyStaff(ctx context.Context, text string) error {
	chatID := t.staff.StaffChatID()
	if chatID == 0 {
		t.log.Warn("staff notice dropped", logx.Err(ErrNoStaffChat), logx.String("text", text))
		return ErrNoStaffChat
	}
	if _, err := t.out.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		t.log.Error("staff notice failed", logx.Err(err))
		return err
	}
	return nil
}

// Deliver queues msg for the inbound worker. It never blocks; false means
// the tracker is stopped or the queue is full.
func (t *Tracker) Deliver(msg *transport.Message) bool {
	if msg == nil || !t.accepting.Load() {
		return false
	}
	select {
	case t.inbox <- msg:
		return true
	default:
		t.dropped.Add(1)
		return false
	}
}

// Start runs the inbound worker and the periodic evaluation.
func (t *Tracker) Start(ctx context.Context) error {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()
	if t.sup != nil {
		return errors.New("tracker already started")
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(t.log))
	sup.Go0("tracker.inbox", t.inboxLoop)

	cl := cronLogger{log: t.log}
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl))
	c.Schedule(cron.Every(t.cfg.Tick), cron.FuncJob(func() {
		t.Evaluate(sup.Context(), t.now())
	}))
	c.Start()

	t.sup = sup
	t.cron = c
	t.accepting.Store(true)
	t.log.Info("tracker started", logx.Duration("tick", t.cfg.Tick))
	return nil
}

// Stop refuses new input, stops the scheduler and waits for the running
// evaluation and the inbound worker within the shutdown grace. Work still
// running after that is abandoned.
func (t *Tracker) Stop(ctx context.Context) error {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()
	if t.sup == nil {
		return nil
	}
	t.accepting.Store(false)
	cronDone := t.cron.Stop()
	t.sup.Cancel()

	graceCtx, cancel := context.WithTimeout(ctx, t.cfg.ShutdownGrace)
	defer cancel()
	var err error
	select {
	case <-cronDone.Done():
	case <-graceCtx.Done():
		err = fmt.Errorf("tracker evaluation still running: %w", graceCtx.Err())
	}
	if werr := t.sup.Wait(graceCtx); werr != nil && err == nil {
		err = werr
	}
	t.sup, t.cron = nil, nil
	if n := len(t.inbox); n > 0 {
		t.log.Warn("abandoned queued inbound messages", logx.Int("count", n))
	}
	t.log.Info("tracker stopped", logx.Err(err))
	return err
}

func (t *Tracker) inboxLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-t.inbox:
			t.handleSafe(ctx, msg)
		}
	}
}

func (t *Tracker) handleSafe(ctx context.Context, msg *transport.Message) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("inbound handler panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	t.HandleInbound(ctx, msg)
}

// cronLogger routes scheduler diagnostics to logx.
type cronLogger struct{ log logx.Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
