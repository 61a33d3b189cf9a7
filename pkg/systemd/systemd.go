// Package systemd reports service state to the service manager through
// sd_notify. Every call is a no-op outside a notify-type unit.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "advisorbot/pkg/logx"
)

func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify", logx.String("state", state))
	}
}

func Ready(log logx.Logger)     { notify(log, daemon.SdNotifyReady) }
func Stopping(log logx.Logger)  { notify(log, daemon.SdNotifyStopping) }
func Reloading(log logx.Logger) { notify(log, daemon.SdNotifyReloading) }

// Status publishes a one-line status shown by systemctl status.
func Status(log logx.Logger, msg string) { notify(log, "STATUS="+msg) }

// Watchdog pings the service manager at half the configured watchdog
// interval until ctx ends. It returns at once when no watchdog is set.
func Watchdog(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			notify(log, daemon.SdNotifyWatchdog)
		}
	}
}
