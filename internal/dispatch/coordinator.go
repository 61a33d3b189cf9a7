// Package dispatch fans an advisory round out to its recipients.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"advisorbot/internal/directory"
	"advisorbot/internal/eventbus"
	"advisorbot/internal/round"
	"advisorbot/internal/tracker"
	"advisorbot/internal/transport"
	logx "advisorbot/pkg/logx"
)

var ErrNoStaffChat = errors.New("no staff chat configured")

type Resolver interface {
	Resolve(ctx context.Context, recipient string) directory.Resolution
	Current(recipient string) (int64, bool)
}

type Tracker interface {
	Track(req tracker.TrackRequest) error
}

type SheetWriter interface {
	WriteBackChannelColumn(ctx context.Context, r *round.Round) error
}

type StaffChat interface {
	StaffChatID() int64
}

type Config struct {
	Concurrency  int
	SendTimeout  time.Duration
	AnnounceSent bool
}

type Coordinator struct {
	cfg      Config
	resolver Resolver
	out      transport.Sender
	tracker  Tracker
	sheets   SheetWriter
	staff    StaffChat
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time
}

func New(cfg Config, resolver Resolver, out transport.Sender, tr Tracker, sheets SheetWriter, staff StaffChat, log logx.Logger, bus eventbus.Bus) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	return &Coordinator{
		cfg: cfg, resolver: resolver, out: out, tracker: tr, sheets: sheets, staff: staff,
		log: log, bus: bus, now: time.Now,
	}
}

type resolveResult struct {
	idx int
	res directory.Resolution
}

type sendResult struct {
	idx    int
	chatID int64
	text   string
	ref    transport.MessageRef
	err    error
}

// Dispatch sends the round to every selected row. Per-recipient problems are
// collected into the report; a dispatch itself never fails.
//
// Sends already started are detached from ctx and bounded by SendTimeout.
func (c *Coordinator) Dispatch(ctx context.Context, r *round.Round) Report {
	rep := Report{RoundID: r.ID(), RunID: uuid.NewString(), StartedAt: c.now()}
	log := c.log.With(logx.String("round", rep.RoundID), logx.String("run_id", rep.RunID))
	selected := r.Selected()
	rep.Selected = len(selected)
	log.Info("dispatch started", logx.Int("selected", rep.Selected))

	// Resolve first, apply after every lookup has finished.
	chat := make(map[int]int64, len(selected))
	failed := map[int]Failure{}
	var pending []int
	for _, i := range selected {
		row := r.Rows[i]
		cur, ok := c.resolver.Current(row.Name)
		switch {
		case ok && cur != row.ChatID:
			pending = append(pending, i)
		case row.HasChat():
			chat[i] = row.ChatID
		default:
			pending = append(pending, i)
		}
	}
	resolved := c.resolveAll(ctx, r, pending)
	updates := map[string]int64{}
	for _, rr := range resolved {
		row := r.Rows[rr.idx]
		if !rr.res.OK() {
			failed[rr.idx] = Failure{Recipient: row.Name, Kind: FailResolution, Err: resolutionReason(rr.res)}
			continue
		}
		chat[rr.idx] = rr.res.ChatID
		if rr.res.ChatID != row.ChatID {
			updates[row.Name] = rr.res.ChatID
		}
	}
	rep.Resolved = r.SetChatIDs(updates)

	var targets []int
	for _, i := range selected {
		if _, ok := chat[i]; ok {
			targets = append(targets, i)
		}
	}
	for _, sr := range c.sendAll(ctx, r, targets, chat, log) {
		row := r.Rows[sr.idx]
		if sr.err != nil {
			failed[sr.idx] = Failure{Recipient: row.Name, Kind: FailDelivery, Err: sr.err.Error()}
			continue
		}
		rep.Sent = append(rep.Sent, Delivery{Recipient: row.Name, ChatID: sr.chatID, Ref: sr.ref})
		eventbus.Emit(c.bus, eventbus.DispatchSent, eventbus.Record{Round: rep.RoundID, Recipient: row.Name, ChatID: sr.chatID, RunID: rep.RunID})
	}
	for _, i := range selected {
		if f, ok := failed[i]; ok {
			rep.Failed = append(rep.Failed, f)
			eventbus.Emit(c.bus, eventbus.DispatchFailed, eventbus.Record{Round: rep.RoundID, Recipient: f.Recipient, RunID: rep.RunID, Detail: string(f.Kind), Error: f.Err})
		}
	}

	// Post-processing outlives the caller's cancellation.
	post := context.WithoutCancel(ctx)
	if c.cfg.AnnounceSent && len(rep.Sent) > 0 {
		c.announce(post, r.Name, rep.Sent, log)
	}
	if len(rep.Failed) > 0 {
		rep.EscalationErr = c.escalate(post, r.Name, rep.Failed)
		if rep.EscalationErr != nil {
			log.Error("failure escalation not delivered", logx.Err(rep.EscalationErr))
		}
	}
	if rep.Resolved > 0 && c.sheets != nil {
		if err := c.sheets.WriteBackChannelColumn(post, r); err != nil {
			rep.PersistErr = err
			log.Error("chat ids not written back; resolved ids kept in memory", logx.Err(err))
		} else {
			rep.Persisted = true
		}
	}

	rep.Duration = c.now().Sub(rep.StartedAt)
	eventbus.Emit(c.bus, eventbus.DispatchCompleted, eventbus.Record{
		Round: rep.RoundID, RunID: rep.RunID,
		Detail: fmt.Sprintf("selected=%d sent=%d failed=%d resolved=%d", rep.Selected, len(rep.Sent), len(rep.Failed), rep.Resolved),
	})
	log.Info("dispatch finished",
		logx.Int("sent", len(rep.Sent)), logx.Int("failed", len(rep.Failed)),
		logx.Int("resolved", rep.Resolved), logx.Bool("persisted", rep.Persisted),
		logx.Duration("took", rep.Duration))
	return rep
}

func (c *Coordinator) resolveAll(ctx context.Context, r *round.Round, idx []int) []resolveResult {
	out := make([]resolveResult, len(idx))
	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for n, i := range idx {
		out[n].idx = i
		name := r.Rows[i].Name
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					c.log.Error("resolve panicked", logx.String("recipient", name), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
					out[n].res = directory.Resolution{Status: directory.TransportError, Reason: fmt.Sprintf("panic: %v", p)}
				}
			}()
			out[n].res = c.resolver.Resolve(ctx, name)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// sendAll sends to every target. Each delivery is tracked as soon as its own
// send returns so that early replies are not lost to a slower sibling.
func (c *Coordinator) sendAll(ctx context.Context, r *round.Round, idx []int, chat map[int]int64, log logx.Logger) []sendResult {
	out := make([]sendResult, len(idx))
	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for n, i := range idx {
		row := r.Rows[i]
		out[n] = sendResult{idx: i, chatID: chat[i], text: round.FormatAdvisory(r.Comment, row)}
		g.Go(func() error {
			res := &out[n]
			defer func() {
				if p := recover(); p != nil {
					c.log.Error("send panicked", logx.String("recipient", row.Name), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
					res.err = fmt.Errorf("panic: %v", p)
				}
			}()
			if err := ctx.Err(); err != nil {
				res.err = fmt.Errorf("not sent: %w", err)
				return nil
			}
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SendTimeout)
			defer cancel()
			res.ref, res.err = c.out.SendText(sctx, transport.ChatTarget{ChatID: res.chatID}, res.text, &transport.SendOptions{DisablePreview: true})
			if res.err == nil {
				c.track(r, row, res, log)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (c *Coordinator) track(r *round.Round, row round.RecipientRow, res *sendResult, log logx.Logger) {
	err := c.tracker.Track(tracker.TrackRequest{
		ChatID:    res.chatID,
		RoundID:   r.ID(),
		RoundName: r.Name,
		Recipient: row.Name,
		Ref:       res.ref,
		Text:      res.text,
		SentAt:    sentAt(res.ref, c.now),
	})
	if err != nil {
		log.Warn("delivered but not tracked", logx.String("recipient", row.Name), logx.Err(err))
	}
}

func (c *Coordinator) staffTarget() (transport.ChatTarget, error) {
	if c.staff == nil || c.staff.StaffChatID() == 0 {
		return transport.ChatTarget{}, ErrNoStaffChat
	}
	return transport.ChatTarget{ChatID: c.staff.StaffChatID()}, nil
}

func (c *Coordinator) escalate(ctx context.Context, name string, failed []Failure) error {
	to, err := c.staffTarget()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()
	_, err = c.out.SendText(ctx, to, EscalationText(name, failed), nil)
	return err
}

func (c *Coordinator) announce(ctx context.Context, name string, sent []Delivery, log logx.Logger) {
	to, err := c.staffTarget()
	if err != nil {
		return
	}
	for _, d := range sent {
		sctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
		_, err := c.out.SendText(sctx, to, fmt.Sprintf("\"%s\"에 \"%s\" 참여의견 메시지를 전송했습니다.", d.Recipient, name), nil)
		cancel()
		if err != nil {
			log.Warn("delivery notice failed", logx.String("recipient", d.Recipient), logx.Err(err))
		}
	}
}

const escalationSeparator = "\n!!!!!!!!<긴급>!!!!!!!!\n"

// EscalationText is the single staff message listing every recipient the
// round could not reach.
func EscalationText(name string, failed []Failure) string {
	lines := make([]string, len(failed))
	for i, f := range failed {
		lines[i] = fmt.Sprintf("\"%s\" 참여의견을 \"%s\"에 전송하지 못했습니다. 직접 보내주세요.", name, f.Recipient)
	}
	return strings.Join(lines, escalationSeparator)
}

func resolutionReason(res directory.Resolution) string {
	if res.Reason != "" {
		return res.Status.String() + ": " + res.Reason
	}
	return res.Status.String()
}

func sentAt(ref transport.MessageRef, now func() time.Time) time.Time {
	if !ref.At.IsZero() {
		return ref.At
	}
	return now()
}
