package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"recurd/internal/app"
	"recurd/internal/config"
	"recurd/internal/icsexport"
	logx "recurd/pkg/logx"
)

const usage = `usage: recurd [command] [flags]

commands:
  run     start the background workers (default)
  once    run materialization and cleanup a single time, then exit
  export  write resolved instances of an organization as iCalendar
`

type commonFlags struct {
	configPath string
	envFiles   string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "./config.json", "path to config json or yaml")
	fs.StringVar(&c.envFiles, "env", ".env", "comma separated dotenv files loaded before the config")
}

func (c *commonFlags) loadEnv() error {
	var paths []string
	for _, p := range strings.Split(c.envFiles, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return config.LoadDotEnv(paths...)
}

func main() {
	cmd, args := "run", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = runCmd(args)
	case "once":
		err = onceCmd(args)
	case "export":
		err = exportCmd(args, os.Stdout)
	case "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var cf commonFlags
	cf.register(fs)
	_ = fs.Parse(args)
	if err := cf.loadEnv(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cf.configPath)
	if err != nil {
		return err
	}
	log := a.Logger()
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	notify(log, daemon.SdNotifyReady)

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
		log.Info("signal received, shutting down", logx.String("signal", sig.String()))
	case <-a.Done():
		reason = app.StopFatalError
	}
	notify(log, daemon.SdNotifyStopping)

	fatal := a.Err()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	return errors.Join(fatal, stopErr)
}

func onceCmd(args []string) error {
	fs := flag.NewFlagSet("once", flag.ExitOnError)
	var cf commonFlags
	cf.register(fs)
	_ = fs.Parse(args)
	if err := cf.loadEnv(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cf.configPath)
	if err != nil {
		return err
	}
	runErr := a.RunOnce(ctx)
	for _, s := range a.Tracker().Snapshots() {
		a.Logger().Info("run summary",
			logx.Worker(s.Operation),
			logx.Bool("ok", s.Error == ""),
			logx.Int("items", s.Items),
			logx.Duration("took", s.Duration))
	}
	return errors.Join(runErr, a.Stop(context.Background(), app.StopAppStop))
}

func exportCmd(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	var cf commonFlags
	cf.register(fs)
	var (
		org       = fs.String("org", "", "organization id (required)")
		from      = fs.String("from", "", "window start, RFC3339 (default now)")
		to        = fs.String("to", "", "window end, RFC3339 (default from + 30 days)")
		out       = fs.String("out", "-", "output file, - for stdout")
		name      = fs.String("name", "", "calendar name")
		cancelled = fs.Bool("include-cancelled", false, "keep cancelled instances as STATUS:CANCELLED")
	)
	_ = fs.Parse(args)
	if strings.TrimSpace(*org) == "" {
		return errors.New("export: -org is required")
	}
	start, end, err := parseWindow(*from, *to, time.Now())
	if err != nil {
		return err
	}
	if err := cf.loadEnv(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cf.configPath)
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop(context.Background(), app.StopAppStop) }()

	insts, err := a.Reader().ListResolved(ctx, *org, start, end)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}

	w := stdout
	if *out != "-" && *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	calName := *name
	if calName == "" {
		calName = *org
	}
	if err := icsexport.Render(w, insts, icsexport.Options{Name: calName, IncludeCancelled: *cancelled}); err != nil {
		return err
	}
	a.Logger().Info("export completed",
		logx.Org(*org),
		logx.Int("instances", len(insts)),
		logx.Time("from", start),
		logx.Time("to", end))
	return nil
}

func parseWindow(from, to string, now time.Time) (time.Time, time.Time, error) {
	start := now.UTC()
	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("export: -from: %w", err)
		}
		start = t
	}
	end := start.Add(30 * 24 * time.Hour)
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("export: -to: %w", err)
		}
		end = t
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, errors.New("export: -to must be after -from")
	}
	return start, end, nil
}

// notify reports state to systemd when running under a notify unit.
func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}
