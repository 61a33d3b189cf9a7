package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.yaml", `
telegram:
  token: "x"
tracker:
  reminder_interval: 1m
  reply_deadline: 10m
  confirm_deadline: 15m
storage:
  driver: sqlite
  path: ./audit.db
`)
	m := NewConfigManager(p)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.Tracker.ReminderInterval != time.Minute || s.Tracker.ReplyDeadline != 10*time.Minute || s.Tracker.ConfirmDeadline != 15*time.Minute {
		t.Fatalf("tracker = %+v", s.Tracker)
	}
	if s.Tracker.Tick != 30*time.Second {
		t.Fatalf("tick default = %s", s.Tracker.Tick)
	}
	if s.Directory.GroupPrefix != DefaultGroupPrefix {
		t.Fatalf("group prefix = %q", s.Directory.GroupPrefix)
	}
	if s.Sheets.FirstSheet != "firstDay" || s.Sheets.LastSheet != "lastDay" {
		t.Fatalf("sheets = %+v", s.Sheets)
	}
	if s.Storage.Driver != "sqlite" || s.Storage.BusyTimeout != time.Second {
		t.Fatalf("storage = %+v", s.Storage)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit the parsed config")
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown field", body: `{"telegram":{"token":"x","owner":1}}`},
		{name: "trailing data", body: `{"telegram":{"token":"x"}} {}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewConfigManager(writeFile(t, "config.json", tt.body)).Parse(); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestResolveValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "reply deadline not after reminder",
			cfg:  Config{Tracker: TrackerConfig{ReminderInterval: "10m", ReplyDeadline: "10m"}},
			want: "tracker.reply_deadline",
		},
		{
			name: "confirm deadline not after reminder",
			cfg:  Config{Tracker: TrackerConfig{ReminderInterval: "40m", ReplyDeadline: "1h"}},
			want: "tracker.confirm_deadline",
		},
		{
			name: "bad duration",
			cfg:  Config{Dispatch: DispatchConfig{SendTimeout: "soon"}},
			want: "dispatch.send_timeout",
		},
		{
			name: "sqlite without path",
			cfg:  Config{Storage: &StorageConfig{Driver: "sqlite"}},
			want: "storage.path",
		},
		{
			name: "same sheet twice",
			cfg:  Config{Sheets: SheetsConfig{FirstSheet: "a", LastSheet: "a"}},
			want: "sheets.first_sheet",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := tt.cfg.Resolve()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Resolve err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestChangedSections(t *testing.T) {
	t.Parallel()
	a := &Config{Tracker: TrackerConfig{Tick: "30s"}}
	b := &Config{Tracker: TrackerConfig{Tick: "10s"}, Storage: &StorageConfig{Driver: "file"}}
	got := ChangedSections(a, b)
	if strings.Join(got, ",") != "tracker,storage" {
		t.Fatalf("ChangedSections = %v", got)
	}
	if rr := RestartRequired(got); len(rr) != 1 || rr[0] != "storage" {
		t.Fatalf("RestartRequired = %v", rr)
	}
}

func TestWatchPublishesValidatedChange(t *testing.T) {
	p := writeFile(t, "config.json", `{"tracker":{"tick":"30s"}}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		_, err := cfg.Resolve()
		return err
	})
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(p, []byte(`{"tracker":{"reply_deadline":"1m","reminder_interval":"2m"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(400 * time.Millisecond)
	if err := os.WriteFile(p, []byte(`{"tracker":{"tick":"5s"}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-sub:
		if cfg.Tracker.Tick != "5s" {
			t.Fatalf("published tick = %q, want 5s (invalid config must be skipped)", cfg.Tracker.Tick)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}
	cancel()
	<-done
}
