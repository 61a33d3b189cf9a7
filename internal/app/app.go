// Package app wires the bot together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"advisorbot/internal/config"
	"advisorbot/internal/directory"
	"advisorbot/internal/dispatch"
	"advisorbot/internal/engine"
	"advisorbot/internal/eventbus"
	"advisorbot/internal/inbound"
	"advisorbot/internal/notifier"
	"advisorbot/internal/round"
	"advisorbot/internal/runtime/supervisor"
	"advisorbot/internal/status"
	"advisorbot/internal/storage"
	"advisorbot/internal/tracker"
	"advisorbot/internal/transport"
	"advisorbot/internal/transport/telegram"
	logx "advisorbot/pkg/logx"
	"advisorbot/pkg/systemd"
)

const startupNotice = "프로그램이 시작되었습니다."

type App struct {
	cfgm     *config.ConfigManager
	settings *config.Settings
	sup      *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter  transport.Adapter
	notif    *notifier.Service
	dir      *directory.Store
	resolver *directory.Resolver
	sheets   *round.Store
	tracker  *tracker.Tracker
	router   *inbound.Router
	engine   *engine.Engine
	status   *status.Server

	updates chan transport.Update
}

type Option func(*options)

type options struct {
	adapter transport.Adapter
}

// WithAdapter replaces the Telegram transport.
func WithAdapter(a transport.Adapter) Option {
	return func(o *options) { o.adapter = a }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	s, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	ad := o.adapter
	if ad == nil {
		tg, err := telegram.New(telegram.Config{
			Token:        s.Telegram.Token,
			PollTimeout:  s.Telegram.PollTimeout,
			RecentEvents: s.Telegram.RecentEvents,
		}, logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		ad = tg
	}

	// The staff log sink talks to the transport directly so that notifier
	// warnings cannot feed back into the notifier.
	logs, log := logx.New(logConfig(cfg), ad)
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	bus := eventbus.New()
	store, err := storage.Open(storageConfig(s), comp("storage"))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("audit ledger enabled", logx.String("driver", s.Storage.Driver), logx.String("path", s.Storage.Path))
	}

	dir, err := directory.OpenStore(s.Directory.Path, comp("directory"))
	if err != nil {
		closeStore(store)
		return nil, err
	}
	logs.SetStaffChat(dir.StaffChatID())

	resolver := directory.NewResolver(directory.ResolverConfig{
		GroupPrefix: s.Directory.GroupPrefix,
		ScanWindow:  s.Directory.ScanWindow,
	}, dir, ad, comp("resolver"), bus)

	sheets := round.NewStore(round.StoreConfig{
		Dir:        s.Sheets.Dir,
		FirstSheet: s.Sheets.FirstSheet,
		LastSheet:  s.Sheets.LastSheet,
	}, comp("sheets"))

	notif := notifier.New(notifierConfig(s), ad, comp("notifier"), bus)

	tr, err := tracker.New(trackerConfig(s), notif, dir, comp("tracker"), bus)
	if err != nil {
		closeStore(store)
		return nil, err
	}

	coord := dispatch.New(dispatchConfig(s), resolver, notif, tr, sheets, dir, comp("dispatch"), bus)

	router := inbound.New(inbound.Config{AutoDiscover: s.Directory.AutoDiscover}, inbound.Deps{
		Tracker:     tr,
		Observer:    resolver,
		Roster:      dir,
		Admins:      ad,
		Sender:      notif,
		OnStaffChat: logs.SetStaffChat,
	}, comp("inbound"))

	eng := engine.New(engine.Deps{
		Loader:     sheets,
		Dispatcher: coord,
		Tracker:    tr,
		Router:     router,
		Staff:      dir,
	}, comp("engine"))

	a := &App{
		cfgm:     cfgm,
		settings: s,
		log:      comp("app"),
		logs:     logs,
		bus:      bus,
		store:    store,
		adapter:  ad,
		notif:    notif,
		dir:      dir,
		resolver: resolver,
		sheets:   sheets,
		tracker:  tr,
		router:   router,
		engine:   eng,
		updates:  make(chan transport.Update, 256),
	}
	if s.Status.Enabled {
		a.status = status.New(status.Config{Addr: s.Status.Addr, Pprof: s.Status.Pprof}, eng, tr, auditReader(store), comp("status"))
	}
	return a, nil
}

// auditReader keeps a disabled ledger a nil interface.
func auditReader(s storage.Store) status.Audit {
	if s == nil {
		return nil
	}
	return s
}

func closeStore(s storage.Store) {
	if s != nil {
		_ = s.Close()
	}
}

func (a *App) Engine() *engine.Engine { return a.engine }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// RunRound dispatches one round on behalf of the operator.
func (a *App) RunRound(ctx context.Context, name string, phase round.Phase) (dispatch.Report, error) {
	return a.engine.Run(ctx, name, phase)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := cfg.Resolve()
		return err
	})

	if err := a.adapter.Start(run, a.updates); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	if err := a.engine.Start(run, a.updates); err != nil {
		return err
	}

	if a.store != nil {
		events, unsub := a.bus.Subscribe(256)
		a.sup.Go0("audit.ledger", func(c context.Context) {
			defer unsub()
			a.auditLoop(c, events)
		})
	}
	a.startReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	if a.status != nil {
		a.sup.Go("status.http", a.status.Run)
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) { systemd.Watchdog(c, a.log) })
	a.sup.Go0("startup.notice", a.announceStartup)

	systemd.Ready(a.log)
	systemd.Status(a.log, "running")
	a.log.Info("app started",
		logx.Int64("staff_chat_id", a.dir.StaffChatID()),
		logx.Duration("tick", a.settings.Tracker.Tick),
		logx.Duration("reminder_interval", a.settings.Tracker.ReminderInterval))
	return nil
}

func (a *App) announceStartup(ctx context.Context) {
	chatID := a.dir.StaffChatID()
	if chatID == 0 {
		a.log.Warn("no staff chat configured; send " + inbound.CommandUpdateStaff + " in the staff group")
		return
	}
	if _, err := a.notif.SendText(ctx, transport.ChatTarget{ChatID: chatID}, startupNotice, nil); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("startup notice failed", logx.Err(err))
	}
}

// auditLoop persists pipeline events into the ledger.
func (a *App) auditLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			entry := storage.AuditEntry{At: e.Time, Kind: e.Type}
			if rec, ok := e.Data.(eventbus.Record); ok {
				entry.Round, entry.Recipient, entry.ChatID = rec.Round, rec.Recipient, rec.ChatID
				entry.RunID, entry.Detail, entry.Error = rec.RunID, rec.Detail, rec.Error
			}
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			if err := a.store.AppendAudit(wctx, entry); err != nil {
				a.log.Warn("audit append failed", logx.String("kind", e.Type), logx.Err(err))
			}
			cancel()
		}
	}
}

// startReload applies hot-reloadable sections: logging, tracker policy and
// notifier limits. Other sections take effect on restart.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
}

func (a *App) applyConfig(prev, next *config.Config) {
	changed := config.ChangedSections(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	s, err := next.Resolve()
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	systemd.Reloading(a.log)
	defer systemd.Ready(a.log)

	a.logs.Apply(logConfig(next))
	if err := a.tracker.SetPolicy(trackerPolicy(s)); err != nil {
		a.log.Warn("tracker policy rejected; keeping previous", logx.Err(err))
	}
	a.notif.Apply(notifierConfig(s))
	a.settings = s

	if restart := config.RestartRequired(changed); len(restart) > 0 {
		a.log.Warn("config sections changed that apply on restart", logx.String("sections", strings.Join(restart, ",")))
	}
	a.log.Info("config reloaded", logx.String("changed", strings.Join(changed, ",")))
}
