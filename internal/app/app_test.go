package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"advisorbot/internal/config"
	"advisorbot/internal/engine"
	"advisorbot/internal/round"
	"advisorbot/internal/tracker"
	"advisorbot/internal/transport"
)

type fakeAdapter struct {
	mu     sync.Mutex
	out    chan<- transport.Update
	sent   map[int64][]string
	nextID int
}

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = map[int64][]string{}
	}
	f.sent[to.ChatID] = append(f.sent[to.ChatID], text)
	f.nextID++
	return transport.MessageRef{ChatID: to.ChatID, MessageID: f.nextID, At: time.Now()}, nil
}

func (f *fakeAdapter) texts(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[chatID]...)
}

func (f *fakeAdapter) Recent(context.Context, int) ([]transport.Event, error) { return nil, nil }

func (f *fakeAdapter) Start(_ context.Context, out chan<- transport.Update) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error { return nil }

func (f *fakeAdapter) ChatAdmins(context.Context, int64) ([]int64, error) { return nil, nil }

func (f *fakeAdapter) push(msg *transport.Message) {
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	out <- transport.Update{Kind: transport.UpdateMessage, Message: msg}
}

const (
	staffChat int64 = -900
	alphaChat int64 = -1001
)

func writeFixture(t *testing.T, reminder string) string {
	t.Helper()
	dir := t.TempDir()
	sheets := filepath.Join(dir, "sheets")
	require.NoError(t, os.MkdirAll(sheets, 0o755))

	f := excelize.NewFile()
	_, err := f.NewSheet("firstDay")
	require.NoError(t, err)
	rows := [][]any{
		{"기관명", "발송", "참여가격", "참여수량", "확약여부", "chatID", "코멘트"},
		{"Alpha", 1, 15000, "1,000", "미확약", alphaChat, "공모가 상단 제시"},
		{"Beta", 0, 14000, "500", "6개월", nil, nil},
	}
	for i, row := range rows {
		ref, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		r := row
		require.NoError(t, f.SetSheetRow("firstDay", ref, &r))
	}
	require.NoError(t, f.SaveAs(filepath.Join(sheets, "ACME.xlsx")))
	require.NoError(t, f.Close())

	dirFile := filepath.Join(dir, "directory.json")
	require.NoError(t, os.WriteFile(dirFile, []byte(`{"staff_ids":[7],"staff_chat_id":-900,"recipient_chats":{"민트-Alpha":-1001}}`), 0o644))

	cfgPath := filepath.Join(dir, "config.yaml")
	writeConfig(t, cfgPath, dir, reminder)
	return cfgPath
}

func writeConfig(t *testing.T, path, dir, reminder string) {
	t.Helper()
	body := `telegram:
  token: "test"
logging:
  level: "error"
directory:
  path: "` + filepath.Join(dir, "directory.json") + `"
sheets:
  dir: "` + filepath.Join(dir, "sheets") + `"
tracker:
  tick: "1h"
  reminder_interval: "` + reminder + `"
  reply_deadline: "30m"
  confirm_deadline: "30m"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestAppRunsRoundAndTracksReply(t *testing.T) {
	fa := &fakeAdapter{}
	a, err := New(writeFixture(t, "5m"), WithAdapter(fa))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer func() { _ = a.Stop(context.Background(), "test") }()

	assert.Eventually(t, func() bool { return len(fa.texts(staffChat)) >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, startupNotice, fa.texts(staffChat)[0])

	rep, err := a.RunRound(context.Background(), "ACME", round.PhaseFirst)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Selected)
	assert.Len(t, rep.Sent, 1)
	assert.Empty(t, rep.Failed)
	require.Len(t, fa.texts(alphaChat), 1)
	assert.Contains(t, fa.texts(alphaChat)[0], "참여가격: 15,000원")

	fa.push(&transport.Message{ID: 50, ChatID: alphaChat, IsGroup: true, FromID: 42, Kind: transport.KindText, Text: "확인했습니다", At: time.Now().Add(time.Second)})

	assert.Eventually(t, func() bool {
		snap := a.tracker.Snapshot()
		return len(snap) == 1 && snap[0].State == tracker.StateReplied
	}, 2*time.Second, 10*time.Millisecond)

	sums := a.Engine().Rounds()
	require.Len(t, sums, 1)
	assert.Equal(t, "ACME/first", sums[0].ID)
	assert.Equal(t, 1, sums[0].Active)
}

func TestAppRunRoundUnknown(t *testing.T) {
	a, err := New(writeFixture(t, "5m"), WithAdapter(&fakeAdapter{}))
	require.NoError(t, err)

	_, err = a.RunRound(context.Background(), "NOPE", round.PhaseLast)
	assert.ErrorIs(t, err, engine.ErrRoundNotFound)
}

func TestAppApplyConfigUpdatesPolicy(t *testing.T) {
	path := writeFixture(t, "5m")
	a, err := New(path, WithAdapter(&fakeAdapter{}))
	require.NoError(t, err)
	prev := a.cfgm.Get()

	writeConfig(t, path, filepath.Dir(path), "7m")
	next, err := a.cfgm.Parse()
	require.NoError(t, err)

	a.applyConfig(prev, next)
	assert.Equal(t, 7*time.Minute, a.tracker.Policy().ReminderInterval)
	assert.Equal(t, 7*time.Minute, a.settings.Tracker.ReminderInterval)
}

func TestAppApplyConfigRejectsBadPolicy(t *testing.T) {
	path := writeFixture(t, "5m")
	a, err := New(path, WithAdapter(&fakeAdapter{}))
	require.NoError(t, err)
	prev := a.cfgm.Get()

	bad := *prev
	bad.Tracker = config.TrackerConfig{ReminderInterval: "1h", ReplyDeadline: "30m"}
	a.applyConfig(prev, &bad)
	assert.Equal(t, 5*time.Minute, a.tracker.Policy().ReminderInterval)
}

func TestAppStopBeforeStart(t *testing.T) {
	a, err := New(writeFixture(t, "5m"), WithAdapter(&fakeAdapter{}))
	require.NoError(t, err)
	assert.NoError(t, a.Stop(context.Background(), "test"))
}
