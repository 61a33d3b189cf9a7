// Package engine owns the active rounds and ties dispatch, tracking and
// inbound routing together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"advisorbot/internal/dispatch"
	"advisorbot/internal/round"
	"advisorbot/internal/runtime/supervisor"
	"advisorbot/internal/transport"
	logx "advisorbot/pkg/logx"
)

var (
	ErrRoundNotFound = errors.New("round not found")
	ErrNoStaffChat   = errors.New("no staff chat configured; send /update_staff_ids in the staff group first")
	ErrRoundBusy     = errors.New("round is already being dispatched")
)

type Loader interface {
	Load(ctx context.Context, name string, phase round.Phase) (*round.Round, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, r *round.Round) dispatch.Report
}

type Tracker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Active(roundID string) int
}

type Router interface {
	Run(ctx context.Context, updates <-chan transport.Update) error
}

type StaffChat interface {
	StaffChatID() int64
}

type Deps struct {
	Loader     Loader
	Dispatcher Dispatcher
	Tracker    Tracker
	Router     Router
	Staff      StaffChat
}

// RoundState is what the engine remembers about one round.
type RoundState struct {
	Round   *round.Round
	Reports []dispatch.Report
	running bool
}

// Summary is a read-only view of a round.
type Summary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phase     string    `json:"phase"`
	Runs      int       `json:"runs"`
	LastRunID string    `json:"last_run_id,omitempty"`
	LastRunAt time.Time `json:"last_run_at,omitzero"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	Active    int       `json:"active"`
	Running   bool      `json:"running"`
}

type Engine struct {
	deps Deps
	log  logx.Logger

	mu     sync.Mutex
	rounds map[string]*RoundState

	lifeMu sync.Mutex
	sup    *supervisor.Supervisor
}

func New(deps Deps, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{deps: deps, log: log, rounds: map[string]*RoundState{}}
}

// Run loads a round and dispatches it. Per-recipient failures are in the
// report; only load and precondition problems are returned as errors.
func (e *Engine) Run(ctx context.Context, name string, phase round.Phase) (dispatch.Report, error) {
	if e.deps.Staff == nil || e.deps.Staff.StaffChatID() == 0 {
		return dispatch.Report{}, ErrNoStaffChat
	}
	r, err := e.deps.Loader.Load(ctx, name, phase)
	if err != nil {
		if errors.Is(err, round.ErrNotFound) {
			return dispatch.Report{}, fmt.Errorf("%w: %v", ErrRoundNotFound, err)
		}
		return dispatch.Report{}, err
	}

	id := r.ID()
	e.mu.Lock()
	st := e.rounds[id]
	if st == nil {
		st = &RoundState{}
		e.rounds[id] = st
	}
	if st.running {
		e.mu.Unlock()
		return dispatch.Report{}, fmt.Errorf("%w: %s", ErrRoundBusy, id)
	}
	st.running = true
	st.Round = r
	e.mu.Unlock()

	rep := e.deps.Dispatcher.Dispatch(ctx, r)

	e.mu.Lock()
	st.running = false
	st.Reports = append(st.Reports, rep)
	e.mu.Unlock()
	return rep, nil
}

// Rounds lists every round the engine has run, ordered by id.
func (e *Engine) Rounds() []Summary {
	e.mu.Lock()
	out := make([]Summary, 0, len(e.rounds))
	for id, st := range e.rounds {
		s := Summary{ID: id, Runs: len(st.Reports), Running: st.running}
		if st.Round != nil {
			s.Name, s.Phase = st.Round.Name, string(st.Round.Phase)
		}
		if n := len(st.Reports); n > 0 {
			last := st.Reports[n-1]
			s.LastRunID, s.LastRunAt = last.RunID, last.StartedAt
			s.Sent, s.Failed = len(last.Sent), len(last.Failed)
		}
		out = append(out, s)
	}
	e.mu.Unlock()

	for i := range out {
		if e.deps.Tracker != nil {
			out[i].Active = e.deps.Tracker.Active(out[i].ID)
		}
	}
	slices.SortFunc(out, func(a, b Summary) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Start runs the tracker and routes updates to it until Stop.
func (e *Engine) Start(ctx context.Context, updates <-chan transport.Update) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.sup != nil {
		return errors.New("engine already started")
	}
	if err := e.deps.Tracker.Start(ctx); err != nil {
		return fmt.Errorf("start tracker: %w", err)
	}
	e.sup = supervisor.New(ctx, supervisor.WithLogger(e.log))
	if e.deps.Router != nil && updates != nil {
		e.sup.Go("inbound.router", func(c context.Context) error {
			return e.deps.Router.Run(c, updates)
		})
	}
	e.log.Info("engine started")
	return nil
}

// Stop stops routing first, then the tracker within its grace period.
func (e *Engine) Stop(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.sup == nil {
		return nil
	}
	var errs []error
	if err := e.sup.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("router: %w", err))
	}
	e.sup = nil
	if err := e.deps.Tracker.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracker: %w", err))
	}
	e.log.Info("engine stopped")
	return errors.Join(errs...)
}
