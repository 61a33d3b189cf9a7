package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"advisorbot/internal/directory"
	"advisorbot/internal/round"
	"advisorbot/internal/tracker"
	"advisorbot/internal/transport"
	logx "advisorbot/pkg/logx"
)

const staffChat int64 = -900

type fakeResolver struct {
	mu      sync.Mutex
	known   map[string]int64 // directory contents
	recent  map[string]int64 // discoverable by scan
	scanErr error
	calls   int
}

func (f *fakeResolver) Current(name string) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.known[name]
	return id, ok
}

func (f *fakeResolver) Resolve(_ context.Context, name string) directory.Resolution {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if id, ok := f.known[name]; ok {
		return directory.Resolution{Status: directory.Found, ChatID: id}
	}
	if f.scanErr != nil {
		return directory.Resolution{Status: directory.TransportError, Reason: f.scanErr.Error()}
	}
	if id, ok := f.recent[name]; ok {
		f.known[name] = id
		return directory.Resolution{Status: directory.Found, ChatID: id, Discovered: true}
	}
	return directory.Resolution{Status: directory.NotFound}
}

type fakeSender struct {
	mu   sync.Mutex
	sent map[int64][]string
	fail map[int64]bool
}

func (f *fakeSender) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[to.ChatID] {
		return transport.MessageRef{}, errors.New("forbidden")
	}
	f.sent[to.ChatID] = append(f.sent[to.ChatID], text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent[to.ChatID])}, nil
}

type fakeTracker struct {
	mu   sync.Mutex
	reqs []tracker.TrackRequest
}

func (f *fakeTracker) Track(req tracker.TrackRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return nil
}

func (f *fakeTracker) recipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.reqs {
		out = append(out, r.Recipient)
	}
	return out
}

type fakeSheets struct {
	calls int
	err   error
	last  []round.RecipientRow
}

func (f *fakeSheets) WriteBackChannelColumn(_ context.Context, r *round.Round) error {
	f.calls++
	f.last = append([]round.RecipientRow(nil), r.Rows...)
	return f.err
}

type staffID int64

func (s staffID) StaffChatID() int64 { return int64(s) }

type harness struct {
	res    *fakeResolver
	out    *fakeSender
	tr     *fakeTracker
	sheets *fakeSheets
	c      *Coordinator
}

func newHarness() *harness {
	h := &harness{
		res:    &fakeResolver{known: map[string]int64{}, recent: map[string]int64{}},
		out:    &fakeSender{sent: map[int64][]string{}, fail: map[int64]bool{}},
		tr:     &fakeTracker{},
		sheets: &fakeSheets{},
	}
	h.c = New(Config{Concurrency: 4}, h.res, h.out, h.tr, h.sheets, staffID(staffChat), logx.Nop(), nil)
	return h
}

func newRound(rows ...round.RecipientRow) *round.Round {
	for i := range rows {
		rows[i].Line = i + 2
		rows[i].Price = "15000"
	}
	return &round.Round{Name: "ACME", Phase: round.PhaseFirst, Comment: "c", Rows: rows}
}

func TestResolvesSendsAndWritesBack(t *testing.T) {
	h := newHarness()
	h.res.recent["Alpha"] = 1001
	r := newRound(round.RecipientRow{Name: "Alpha", Send: true})

	rep := h.c.Dispatch(context.Background(), r)

	require.Len(t, rep.Sent, 1)
	assert.Equal(t, int64(1001), rep.Sent[0].ChatID)
	assert.Len(t, h.out.sent[1001], 1)
	assert.Contains(t, h.out.sent[1001][0], "참여가격: 15,000원")
	assert.Equal(t, int64(1001), r.Rows[0].ChatID)
	assert.Equal(t, 1, rep.Resolved)
	assert.True(t, rep.Persisted)
	assert.Equal(t, 1, h.sheets.calls)
	assert.Equal(t, []string{"Alpha"}, h.tr.recipients())
	assert.NotEmpty(t, rep.RunID)
}

func TestUnselectedRowIsSkipped(t *testing.T) {
	h := newHarness()
	r := newRound(
		round.RecipientRow{Name: "Alpha", Send: true, ChatID: 1001},
		round.RecipientRow{Name: "Beta", Send: false, ChatID: 1002},
	)

	rep := h.c.Dispatch(context.Background(), r)

	assert.Equal(t, 1, rep.Selected)
	assert.Empty(t, h.out.sent[1002])
	assert.Equal(t, []string{"Alpha"}, h.tr.recipients())
	assert.Zero(t, h.sheets.calls, "nothing new to persist")
}

func TestOneFailureAmongTen(t *testing.T) {
	h := newHarness()
	var rows []round.RecipientRow
	for i := 1; i <= 10; i++ {
		rows = append(rows, round.RecipientRow{Name: fmt.Sprintf("R%d", i), Send: true, ChatID: int64(1000 + i)})
	}
	h.out.fail[1005] = true
	r := newRound(rows...)

	rep := h.c.Dispatch(context.Background(), r)

	assert.Len(t, rep.Sent, 9)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, Failure{Recipient: "R5", Kind: FailDelivery, Err: "forbidden"}, rep.Failed[0])
	assert.Len(t, h.tr.reqs, 9)
	assert.NotContains(t, h.tr.recipients(), "R5")

	alerts := h.out.sent[staffChat]
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0], "\"R5\"")
	assert.NoError(t, rep.EscalationErr)
}

func TestReportCountsMatchSelection(t *testing.T) {
	h := newHarness()
	h.res.recent["B"] = 2002
	h.out.fail[3003] = true
	r := newRound(
		round.RecipientRow{Name: "A", Send: true},               // not found
		round.RecipientRow{Name: "B", Send: true},               // discovered
		round.RecipientRow{Name: "C", Send: true, ChatID: 3003}, // delivery fails
		round.RecipientRow{Name: "D", Send: false},              // skipped
		round.RecipientRow{Name: "E", Send: true, ChatID: 5005}, // sent
	)

	rep := h.c.Dispatch(context.Background(), r)

	assert.Equal(t, 4, rep.Selected)
	assert.Equal(t, rep.Selected, len(rep.Sent)+len(rep.Failed))
	kinds := map[string]FailureKind{}
	for _, f := range rep.Failed {
		kinds[f.Recipient] = f.Kind
	}
	assert.Equal(t, map[string]FailureKind{"A": FailResolution, "C": FailDelivery}, kinds)

	alerts := h.out.sent[staffChat]
	require.Len(t, alerts, 1)
	assert.Equal(t, 1, strings.Count(alerts[0], escalationSeparator))
}

func TestStaleChatIDIsReplacedFromDirectory(t *testing.T) {
	h := newHarness()
	h.res.known["Alpha"] = 1009
	r := newRound(round.RecipientRow{Name: "Alpha", Send: true, ChatID: 1001})

	rep := h.c.Dispatch(context.Background(), r)

	require.Len(t, rep.Sent, 1)
	assert.Equal(t, int64(1009), rep.Sent[0].ChatID)
	assert.Equal(t, int64(1009), r.Rows[0].ChatID)
	assert.True(t, rep.Persisted)
}

func TestTransportErrorIsResolutionFailure(t *testing.T) {
	h := newHarness()
	h.res.scanErr = errors.New("network down")
	r := newRound(round.RecipientRow{Name: "Alpha", Send: true})

	rep := h.c.Dispatch(context.Background(), r)

	require.Len(t, rep.Failed, 1)
	assert.Equal(t, FailResolution, rep.Failed[0].Kind)
	assert.Contains(t, rep.Failed[0].Err, "network down")
}

func TestPersistFailureKeepsInMemoryIDs(t *testing.T) {
	h := newHarness()
	h.res.recent["Alpha"] = 1001
	h.sheets.err = errors.New("file locked")
	r := newRound(round.RecipientRow{Name: "Alpha", Send: true})

	rep := h.c.Dispatch(context.Background(), r)

	assert.False(t, rep.Persisted)
	assert.EqualError(t, rep.PersistErr, "file locked")
	assert.Equal(t, int64(1001), r.Rows[0].ChatID)
}

func TestNoStaffChatReportsEscalationError(t *testing.T) {
	h := newHarness()
	h.c.staff = staffID(0)
	r := newRound(round.RecipientRow{Name: "Alpha", Send: true})

	rep := h.c.Dispatch(context.Background(), r)

	assert.ErrorIs(t, rep.EscalationErr, ErrNoStaffChat)
}

func TestCancelledBeforeSendIsDeliveryFailure(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := newRound(round.RecipientRow{Name: "Alpha", Send: true, ChatID: 1001})

	rep := h.c.Dispatch(ctx, r)

	require.Len(t, rep.Failed, 1)
	assert.Equal(t, FailDelivery, rep.Failed[0].Kind)
	// The escalation is still delivered.
	assert.Len(t, h.out.sent[staffChat], 1)
}

// gatedSender holds sends to one chat until release is closed.
type gatedSender struct {
	fakeSender
	gated   int64
	release chan struct{}
	sentA   chan struct{}
	watchA  int64
}

func (g *gatedSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if to.ChatID == g.gated {
		<-g.release
	}
	ref, err := g.fakeSender.SendText(ctx, to, text, opt)
	if to.ChatID == g.watchA {
		close(g.sentA)
	}
	return ref, err
}

type staffRoster struct{}

func (staffRoster) IsStaff(id int64) bool { return id == 7 }
func (staffRoster) StaffChatID() int64    { return staffChat }

func TestReplyDuringSlowSiblingSendIsTracked(t *testing.T) {
	out := &gatedSender{
		fakeSender: fakeSender{sent: map[int64][]string{}, fail: map[int64]bool{}},
		gated:      2002,
		release:    make(chan struct{}),
		sentA:      make(chan struct{}),
		watchA:     1001,
	}
	tr, err := tracker.New(tracker.Config{Policy: tracker.Policy{
		ReminderInterval: time.Minute,
		ReplyDeadline:    time.Hour,
		ConfirmDeadline:  time.Hour,
	}}, out, staffRoster{}, logx.Nop(), nil)
	require.NoError(t, err)

	res := &fakeResolver{known: map[string]int64{"Alpha": 1001, "Beta": 2002}, recent: map[string]int64{}}
	c := New(Config{Concurrency: 4}, res, out, tr, &fakeSheets{}, staffID(staffChat), logx.Nop(), nil)
	r := newRound(
		round.RecipientRow{Name: "Alpha", Send: true, ChatID: 1001},
		round.RecipientRow{Name: "Beta", Send: true, ChatID: 2002},
	)

	done := make(chan Report, 1)
	go func() { done <- c.Dispatch(context.Background(), r) }()

	<-out.sentA
	require.Eventually(t, func() bool { return tr.Watching(1001) }, time.Second, 5*time.Millisecond)
	tr.HandleInbound(context.Background(), &transport.Message{
		ID: 9, ChatID: 1001, IsGroup: true, FromID: 42,
		Kind: transport.KindText, Text: "확인", At: time.Now().Add(time.Second),
	})
	close(out.release)

	rep := <-done
	assert.Len(t, rep.Sent, 2)
	states := map[string]tracker.State{}
	for _, cf := range tr.Snapshot() {
		states[cf.Recipient] = cf.State
	}
	assert.Equal(t, tracker.StateReplied, states["Alpha"])
	assert.Equal(t, tracker.StateSent, states["Beta"])
}
