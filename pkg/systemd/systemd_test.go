package systemd

import (
	"context"
	"testing"
	"time"

	logx "advisorbot/pkg/logx"
)

func TestNoopOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	log := logx.Nop()
	Ready(log)
	Status(log, "ok")
	Stopping(log)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		Watchdog(ctx, log)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watchdog should return immediately without WATCHDOG_USEC")
	}
}
