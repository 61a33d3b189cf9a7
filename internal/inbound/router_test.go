package inbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"advisorbot/internal/transport"
	logx "advisorbot/pkg/logx"
)

type fakeTracker struct {
	mu       sync.Mutex
	watching map[int64]bool
	accept   bool
	got      []*transport.Message
}

func (f *fakeTracker) Watching(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watching[id]
}

func (f *fakeTracker) Deliver(m *transport.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.accept {
		return false
	}
	f.got = append(f.got, m)
	return true
}

type fakeObserver struct {
	mu   sync.Mutex
	seen []transport.ChatInfo
}

func (f *fakeObserver) Observe(c transport.ChatInfo) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, c)
	return true
}

type fakeRoster struct {
	mu     sync.Mutex
	chatID int64
	ids    []int64
}

func (f *fakeRoster) SetStaff(chatID int64, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatID, f.ids = chatID, ids
	return nil
}

func (f *fakeRoster) get() (int64, []int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chatID, f.ids
}

type fakeAdmins struct {
	ids []int64
	err error
}

func (f fakeAdmins) ChatAdmins(context.Context, int64) ([]int64, error) { return f.ids, f.err }

type fakeSender struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeSender) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return transport.MessageRef{}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

func text(chatID int64, s string) transport.Update {
	return transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{ChatID: chatID, Kind: transport.KindText, Text: s, IsGroup: true, ChatTitle: "민트-Alpha"}}
}

func run(t *testing.T, r *Router, ups ...transport.Update) {
	t.Helper()
	ch := make(chan transport.Update, len(ups))
	for _, u := range ups {
		ch <- u
	}
	close(ch)
	require.NoError(t, r.Run(context.Background(), ch))
}

func TestForwardsOnlyWatchedChats(t *testing.T) {
	tr := &fakeTracker{watching: map[int64]bool{-1: true}, accept: true}
	r := New(Config{}, Deps{Tracker: tr}, logx.Nop())

	run(t, r, text(-1, "ok"), text(-2, "ignored"), text(-1, "/help"))

	require.Len(t, tr.got, 1)
	assert.Equal(t, "ok", tr.got[0].Text)
	assert.Equal(t, Stats{Forwarded: 1, Unwatched: 1}, r.Stats())
}

func TestCountsDrops(t *testing.T) {
	tr := &fakeTracker{watching: map[int64]bool{-1: true}}
	r := New(Config{}, Deps{Tracker: tr}, logx.Nop())

	run(t, r, text(-1, "a"), text(-1, "b"))

	assert.Equal(t, uint64(2), r.Stats().Dropped)
}

func TestAutoDiscoverObservesGroups(t *testing.T) {
	obs := &fakeObserver{}
	r := New(Config{AutoDiscover: true}, Deps{Observer: obs}, logx.Nop())

	joined := text(-5, "")
	joined.Kind = transport.UpdateJoined
	run(t, r, joined)

	require.Len(t, obs.seen, 1)
	assert.Equal(t, transport.ChatInfo{ID: -5, Title: "민트-Alpha", IsGroup: true}, obs.seen[0])
}

func TestUpdateStaffCommand(t *testing.T) {
	roster := &fakeRoster{}
	out := &fakeSender{}
	var moved int64
	var mu sync.Mutex
	r := New(Config{}, Deps{
		Roster: roster, Admins: fakeAdmins{ids: []int64{11, 12}}, Sender: out,
		OnStaffChat: func(id int64) { mu.Lock(); moved = id; mu.Unlock() },
	}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan transport.Update, 1)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, ch) }()
	ch <- text(-900, "/update_staff_ids@advisor_bot")

	require.Eventually(t, func() bool { return out.count() == 1 }, time.Second, 5*time.Millisecond)
	chatID, ids := roster.get()
	assert.Equal(t, int64(-900), chatID)
	assert.Equal(t, []int64{11, 12}, ids)
	mu.Lock()
	assert.Equal(t, int64(-900), moved)
	mu.Unlock()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestUpdateStaffFailures(t *testing.T) {
	roster := &fakeRoster{}
	out := &fakeSender{}
	r := New(Config{}, Deps{Roster: roster, Admins: fakeAdmins{err: errors.New("not enough rights")}, Sender: out}, logx.Nop())
	ctx := context.Background()

	private := text(5, CommandUpdateStaff)
	private.Message.IsGroup = false
	r.updateStaff(ctx, private.Message)
	r.updateStaff(ctx, text(-900, CommandUpdateStaff).Message)

	require.Len(t, out.texts, 2)
	assert.Contains(t, out.texts[0], "그룹에서만")
	assert.Contains(t, out.texts[1], "not enough rights")
	chatID, _ := roster.get()
	assert.Zero(t, chatID)
}

func TestCommandName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/update_staff_ids", commandName(" /update_staff_ids@bot now"))
	assert.Equal(t, "/start", commandName("/START"))
}
