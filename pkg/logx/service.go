package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"advisorbot/internal/transport"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Staff   StaffConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// StaffConfig mirrors high-severity lines into the staff chat.
type StaffConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Service owns the live log outputs. Loggers handed out by it pick up new
// outputs after Apply without being recreated.
type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // zerolog.Logger
	file *os.File

	sender    transport.Sender
	staffQ    chan string
	staffOnce sync.Once
	stopStaff context.CancelFunc
	staffWG   sync.WaitGroup

	// guarded by mu
	staffChat int64
	limiter   *rate.Limiter
	minLevel  zerolog.Level
}

// New builds the service, applies cfg and returns the root logger.
// sender may be nil, in which case the staff sink stays silent.
func New(cfg Config, sender transport.Sender) (*Service, Logger) {
	configureGlobals()
	s := &Service{
		sender: sender,
		staffQ: make(chan string, 128),
	}
	s.root.Store(zerolog.New(newConsoleWriter(Stdout())).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger())
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	zl, ok := s.root.Load().(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetStaffChat points the staff sink at chatID. Zero disables delivery.
func (s *Service) SetStaffChat(chatID int64) {
	s.mu.Lock()
	s.staffChat = chatID
	s.mu.Unlock()
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	stop := s.stopStaff
	s.stopStaff = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		s.staffWG.Wait()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply swaps outputs and levels. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.minLevel = parseLevel(cfg.Staff.MinLevel, zerolog.WarnLevel)
	rps := cfg.Staff.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(Stdout()))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./advisorbot.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Staff.Enabled && s.sender != nil {
		s.staffOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.stopStaff = cancel
			s.staffWG.Add(1)
			go func() {
				defer s.staffWG.Done()
				s.staffLoop(ctx)
			}()
		})
		writers = append(writers, &staffWriter{svc: s})
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(Stdout()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(zl)
}

func (s *Service) staffLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-s.staffQ:
			s.mu.Lock()
			chat := s.staffChat
			s.mu.Unlock()
			if chat == 0 {
				continue
			}
			_, _ = s.sender.SendText(ctx, transport.ChatTarget{ChatID: chat}, text, &transport.SendOptions{DisablePreview: true})
		}
	}
}

type staffWriter struct{ svc *Service }

func (w *staffWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *staffWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	chat, lim, min := s.staffChat, s.limiter, s.minLevel
	s.mu.Unlock()

	if chat == 0 || lim == nil || level < min || !lim.Allow() {
		return len(p), nil
	}
	text := renderLine(p)
	if text == "" {
		return len(p), nil
	}
	// Logging never blocks on the network.
	select {
	case s.staffQ <- text:
	default:
	}
	return len(p), nil
}

// renderLine turns a zerolog JSON line into a compact chat message.
func renderLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}
	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 600))
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func newConsoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
}

// Stdout returns the process stdout sink.
func Stdout() io.Writer { return os.Stdout }

// Stderr returns the process stderr sink.
func Stderr() io.Writer { return os.Stderr }
