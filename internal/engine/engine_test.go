package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"advisorbot/internal/dispatch"
	"advisorbot/internal/round"
	"advisorbot/internal/transport"
	logx "advisorbot/pkg/logx"
)

type fakeLoader struct{ rounds map[string]*round.Round }

func (f fakeLoader) Load(_ context.Context, name string, phase round.Phase) (*round.Round, error) {
	r, ok := f.rounds[name]
	if !ok {
		return nil, round.ErrNotFound
	}
	cp := *r
	cp.Phase = phase
	return &cp, nil
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls int
	block chan struct{}
}

func (f *fakeDispatcher) Dispatch(_ context.Context, r *round.Round) dispatch.Report {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return dispatch.Report{RoundID: r.ID(), RunID: "run", Selected: 1, Sent: []dispatch.Delivery{{Recipient: "A"}}}
}

type fakeTracker struct {
	mu      sync.Mutex
	started bool
	stopped bool
}

func (f *fakeTracker) Start(context.Context) error { f.mu.Lock(); f.started = true; f.mu.Unlock(); return nil }
func (f *fakeTracker) Stop(context.Context) error  { f.mu.Lock(); f.stopped = true; f.mu.Unlock(); return nil }
func (f *fakeTracker) Active(string) int           { return 1 }

type fakeRouter struct{ ran chan struct{} }

func (f fakeRouter) Run(ctx context.Context, _ <-chan transport.Update) error {
	close(f.ran)
	<-ctx.Done()
	return ctx.Err()
}

type staffID int64

func (s staffID) StaffChatID() int64 { return int64(s) }

func newEngine(staff int64, d *fakeDispatcher) *Engine {
	return New(Deps{
		Loader:     fakeLoader{rounds: map[string]*round.Round{"ACME": {Name: "ACME"}}},
		Dispatcher: d,
		Tracker:    &fakeTracker{},
		Staff:      staffID(staff),
	}, logx.Nop())
}

func TestRunRecordsReport(t *testing.T) {
	d := &fakeDispatcher{}
	e := newEngine(-900, d)

	rep, err := e.Run(context.Background(), "ACME", round.PhaseLast)
	require.NoError(t, err)
	assert.Equal(t, "ACME/last", rep.RoundID)

	rounds := e.Rounds()
	require.Len(t, rounds, 1)
	assert.Equal(t, Summary{ID: "ACME/last", Name: "ACME", Phase: "last", Runs: 1, LastRunID: "run", Sent: 1, Active: 1}, rounds[0])
}

func TestRunErrors(t *testing.T) {
	d := &fakeDispatcher{}
	_, err := newEngine(0, d).Run(context.Background(), "ACME", round.PhaseFirst)
	assert.ErrorIs(t, err, ErrNoStaffChat)

	_, err = newEngine(-900, d).Run(context.Background(), "Nope", round.PhaseFirst)
	assert.ErrorIs(t, err, ErrRoundNotFound)
	assert.Zero(t, d.calls)
}

func TestConcurrentRunOfSameRoundIsRejected(t *testing.T) {
	d := &fakeDispatcher{block: make(chan struct{})}
	e := newEngine(-900, d)

	done := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), "ACME", round.PhaseFirst)
		done <- err
	}()
	require.Eventually(t, func() bool {
		rs := e.Rounds()
		return len(rs) == 1 && rs[0].Running
	}, time.Second, 5*time.Millisecond)

	_, err := e.Run(context.Background(), "ACME", round.PhaseFirst)
	assert.True(t, errors.Is(err, ErrRoundBusy))

	close(d.block)
	require.NoError(t, <-done)
}

func TestStartStop(t *testing.T) {
	tr := &fakeTracker{}
	ran := make(chan struct{})
	e := New(Deps{Tracker: tr, Router: fakeRouter{ran: ran}}, logx.Nop())

	require.NoError(t, e.Start(context.Background(), make(chan transport.Update)))
	<-ran
	require.NoError(t, e.Stop(context.Background()))
	assert.True(t, tr.started)
	assert.True(t, tr.stopped)
}
