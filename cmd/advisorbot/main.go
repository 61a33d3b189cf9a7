package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"advisorbot/internal/app"
	"advisorbot/internal/dispatch"
	"advisorbot/internal/round"
)

func main() {
	var (
		cfgPath string
		noStdin bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.BoolVar(&noStdin, "no-stdin", false, "do not read round commands from stdin")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), "start failed")
		os.Exit(1)
	}
	if !noStdin {
		go operatorLoop(ctx, a)
	}

	reason := "signal"
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = "fatal"
		if err := a.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == "fatal" {
		os.Exit(1)
	}
}

// operatorLoop reads "<round> <1|2>" lines and dispatches them one at a time.
func operatorLoop(ctx context.Context, a *app.App) {
	fmt.Println(`round: "<name> <1|2>" (1 = first day, 2 = last day)`)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		name, phase, err := parseCommand(line)
		if err != nil {
			fmt.Println("error:", err)
			continue
		}
		rep, err := a.RunRound(ctx, name, phase)
		if err != nil {
			fmt.Println("error:", err)
			continue
		}
		printReport(rep)
	}
}

func parseCommand(line string) (string, round.Phase, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", errors.New(`expected "<name> <1|2>"`)
	}
	phase, err := round.ParsePhase(fields[len(fields)-1])
	if err != nil {
		return "", "", err
	}
	return strings.Join(fields[:len(fields)-1], " "), phase, nil
}

func printReport(rep dispatch.Report) {
	fmt.Printf("%s: selected=%d sent=%d failed=%d resolved=%d took=%s\n",
		rep.RoundID, rep.Selected, len(rep.Sent), len(rep.Failed), rep.Resolved, rep.Duration.Round(time.Millisecond))
	for _, f := range rep.Failed {
		fmt.Printf("  failed %s (%s): %s\n", f.Recipient, f.Kind, f.Err)
	}
	if rep.PersistErr != nil {
		fmt.Println("  sheet write-back failed:", rep.PersistErr)
	}
	if rep.EscalationErr != nil {
		fmt.Println("  staff alert failed:", rep.EscalationErr)
	}
	if b, err := json.Marshal(rep.Sent); err == nil && len(rep.Sent) > 0 {
		fmt.Println("  sent:", string(b))
	}
}
