package tracker

import (
	"cmp"
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"advisorbot/internal/eventbus"
	"advisorbot/internal/transport"
	logx "advisorbot/pkg/logx"
)

type evalKind int

const (
	evalRemind evalKind = iota
	evalTimeout
)

type evalJob struct {
	kind   evalKind
	from   State
	conf   Confirmation
	text   string
	window int64
	prev   int64
}

const escalationTimeout = 5 * time.Second

// Evaluate runs one pass over all records at now. Reminder windows are
// counted from the start of the current state; each window fires at most
// once and a failed reminder re-arms its window.
func (t *Tracker) Evaluate(ctx context.Context, now time.Time) {
	t.mu.Lock()
	pol := t.policy
	recs := make([]*record, 0, len(t.records))
	for _, r := range t.records {
		recs = append(recs, r)
	}
	slices.SortFunc(recs, func(a, b *record) int { return cmp.Compare(a.seq, b.seq) })

	var jobs []evalJob
	for _, r := range recs {
		if job, ok := t.decideSafe(r, pol, now); ok {
			jobs = append(jobs, job)
		}
	}
	t.mu.Unlock()

	for _, job := range jobs {
		if ctx.Err() == nil {
			t.runSafe(ctx, job)
			continue
		}
		// Timed-out records are already evicted, so their alert is the last
		// chance to tell staff. Reminders wait for the next pass.
		switch job.kind {
		case evalTimeout:
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), escalationTimeout)
			t.runSafe(actx, job)
			cancel()
		case evalRemind:
			t.rearm(job)
			t.log.Warn("reminder skipped (cancelled); window re-armed", logx.String("round", job.conf.Key.RoundID), logx.String("recipient", job.conf.Recipient), logx.Int64("window", job.window))
		}
	}
}

// decideSafe mutates r and returns the side effect to perform. Caller holds mu.
func (t *Tracker) decideSafe(r *record, pol Policy, now time.Time) (job evalJob, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			t.log.Error("evaluation panicked", logx.String("round", r.Key.RoundID), logx.Int64("chat_id", r.Key.ChatID), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			ok = false
		}
	}()

	var base time.Time
	var deadline time.Duration
	switch r.State {
	case StateSent:
		base, deadline = r.SentAt, pol.ReplyDeadline
	case StateReplied:
		base, deadline = r.RepliedAt, pol.ConfirmDeadline
	default:
		return evalJob{}, false
	}
	elapsed := now.Sub(base)
	if elapsed > deadline {
		from := r.State
		r.State = StateTimedOut
		r.TimedOut = true
		conf := r.Confirmation
		t.evictLocked(r.Key)
		return evalJob{kind: evalTimeout, from: from, conf: conf}, true
	}
	window := int64(elapsed / pol.ReminderInterval)
	if window < 1 || window <= r.window {
		return evalJob{}, false
	}
	prev := r.window
	r.window = window
	text := confirmNudgeText(r.RoundName)
	if r.State == StateSent {
		text = resendText(r.text)
	}
	return evalJob{kind: evalRemind, from: r.State, conf: r.Confirmation, text: text, window: window, prev: prev}, true
}

func (t *Tracker) runSafe(ctx context.Context, job evalJob) {
	defer func() {
		if p := recover(); p != nil {
			t.log.Error("evaluation side effect panicked", logx.String("round", job.conf.Key.RoundID), logx.Int64("chat_id", job.conf.Key.ChatID), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	rec := eventbus.Record{Round: job.conf.Key.RoundID, Recipient: job.conf.Recipient, ChatID: job.conf.Key.ChatID}

	switch job.kind {
	case evalTimeout:
		t.log.Warn("confirmation timed out", logx.String("round", job.conf.Key.RoundID), logx.String("recipient", job.conf.Recipient), logx.String("from", job.from.String()))
		err := t.notifyStaff(ctx, timeoutAlert(job.conf, job.from))
		if err != nil {
			rec.Error = err.Error()
		}
		rec.Detail = job.from.String()
		eventbus.Emit(t.bus, eventbus.ConfirmationTimedOut, rec)

	case evalRemind:
		_, err := t.out.SendText(ctx, transport.ChatTarget{ChatID: job.conf.Key.ChatID}, job.text, nil)
		if err != nil {
			t.rearm(job)
			t.log.Warn("reminder failed; window re-armed", logx.String("round", job.conf.Key.RoundID), logx.String("recipient", job.conf.Recipient), logx.Int64("window", job.window), logx.Err(err))
			return
		}
		t.mu.Lock()
		if r := t.records[job.conf.Key]; r != nil {
			r.Reminders++
		}
		t.mu.Unlock()
		rec.Detail = fmt.Sprintf("%s window %d", job.from, job.window)
		eventbus.Emit(t.bus, eventbus.ConfirmationReminded, rec)
		t.log.Info("reminder sent", logx.String("round", job.conf.Key.RoundID), logx.String("recipient", job.conf.Recipient), logx.Int64("window", job.window))
	}
}

// rearm restores the previous window unless the record moved on meanwhile.
func (t *Tracker) rearm(job evalJob) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.records[job.conf.Key]
	if r == nil || r.State != job.from || r.window != job.window {
		return
	}
	r.window = job.prev
}
