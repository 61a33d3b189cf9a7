// Package notifier delivers outbound chat messages under a shared rate
// limit, retrying transient failures with jittered exponential backoff.
package notifier

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"advisorbot/internal/eventbus"
	"advisorbot/internal/transport"
	logx "advisorbot/pkg/logx"
)

var ErrNoSender = errors.New("notifier: no sender")

type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	HistorySize   int
}

type HistoryItem struct {
	At     time.Time `json:"at"`
	ChatID int64     `json:"chat_id"`
	Text   string    `json:"text"`
	Error  string    `json:"error,omitempty"`
}

// Service is a transport.Sender that every outbound message goes through.
// It is safe for concurrent use.
type Service struct {
	out transport.Sender
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, out transport.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{out: out, log: log, bus: bus, sleep: sleepCtx}
	s.Apply(cfg)
	return s
}

// Apply swaps rate and retry settings; in-flight sends keep their snapshot.
func (s *Service) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	s.mu.Lock()
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes pass.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if s.out == nil {
		return transport.MessageRef{}, ErrNoSender
	}
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		ref, err := s.out.SendText(ctx, to, text, opt)
		if err == nil {
			s.record(to.ChatID, text, nil)
			eventbus.Emit(s.bus, eventbus.NotifierSent, eventbus.Record{ChatID: to.ChatID})
			return ref, nil
		}
		lastErr = err
		if transport.IsPermanent(err) || ctx.Err() != nil || attempt > cfg.RetryMax {
			break
		}
		s.log.Debug("send failed; retrying", logx.Int64("chat_id", to.ChatID), logx.Int("attempt", attempt), logx.Err(err))
		if err := s.sleep(ctx, retryDelay(cfg, attempt)); err != nil {
			break
		}
	}
	s.record(to.ChatID, text, lastErr)
	eventbus.Emit(s.bus, eventbus.NotifierFailed, eventbus.Record{ChatID: to.ChatID, Error: lastErr.Error()})
	return transport.MessageRef{}, lastErr
}

// History returns the most recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) record(chatID int64, text string, err error) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	it := HistoryItem{At: time.Now(), ChatID: chatID, Text: text}
	if err != nil {
		it.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()
}

// retryDelay is base*2^(attempt-1), capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
