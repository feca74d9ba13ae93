package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"calmirror/internal/config"
	"calmirror/internal/daemon"
	appLog "calmirror/internal/log"
	"calmirror/internal/metrics"
	"calmirror/internal/runner"
	"calmirror/internal/state"
	"calmirror/internal/web"
)

var version = "0.1.0-dev"

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"/etc/calmirror/config.yaml" env:"CALMIRROR_CONFIG"`
	EnvFile string `help:"Dotenv file with secrets and CALENDAR_URL_<n> values" default:".env"`
	Verbose bool   `short:"v" help:"Enable debug logging"`

	Run struct {
		First    bool `help:"Start-of-day run" xor:"phase"`
		Last     bool `help:"End-of-day run; consumes today's override" xor:"phase"`
		Override bool `help:"Arm an override for the next skip day"`
		Cancel   bool `help:"Cancel the armed override"`
	} `cmd:"" help:"Run one reconciliation pass and exit"`

	Serve struct {
		Listen string `help:"HTTP listen address (overrides config if set)"`
	} `cmd:"" help:"Run scheduled passes and serve the HTTP API"`

	State struct{} `cmd:"" help:"Print the persisted override state"`
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("calmirror"),
		kong.Description("Mirror upstream calendars into a destination calendar, honouring skip days and overrides."),
		kong.UsageOnError(),
	)

	if err := loadEnvFile(CLI.EnvFile); err != nil {
		appLog.Error("failed to load env file", err, "path", CLI.EnvFile)
		os.Exit(1)
	}

	conf, err := config.Load(CLI.Config, os.Getenv)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", CLI.Config)
		os.Exit(1)
	}

	level := appLog.ParseLevel(conf.LogLevel)
	if CLI.Verbose {
		level = appLog.LevelDebug
	}
	appLog.SetLevel(level)

	appLog.Info("calmirror starting", "version", version, "command", kctx.Command())
	appLog.Debug("effective config",
		"timezone", conf.Timezone,
		"skip_days", conf.SkipSet().Codes(),
		"future_events_days", conf.FutureEventsDays,
		"sources", len(conf.Sources),
		"discord", conf.Discord != nil,
		"nats", conf.NATS != nil,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	switch kctx.Command() {
	case "run":
		err = runOnce(ctx, conf)
	case "serve":
		if CLI.Serve.Listen != "" {
			conf.Listen = CLI.Serve.Listen
		}
		err = serve(ctx, conf)
	case "state":
		err = printState(conf)
	default:
		err = fmt.Errorf("unknown command %q", kctx.Command())
	}
	if err != nil {
		appLog.Error("calmirror failed", err, "command", kctx.Command())
		os.Exit(1)
	}
	appLog.Info("calmirror exiting")
}

// loadEnvFile loads a dotenv file; a missing file is not an error.
// Variables already set in the environment win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

func runOnce(ctx context.Context, conf *config.Config) error {
	a, err := newApp(ctx, conf, metrics.NoopRecorder{})
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.runner.Run(ctx, runner.Invocation{
		First:    CLI.Run.First,
		Last:     CLI.Run.Last,
		Override: CLI.Run.Override,
		Cancel:   CLI.Run.Cancel,
	})
	if err != nil {
		return err
	}
	fmt.Println(rep.Summary())
	if rep.HasFailures() {
		return errors.New("run finished with failures")
	}
	return nil
}

func serve(ctx context.Context, conf *config.Config) error {
	reg := newRegistry()
	a, err := newApp(ctx, conf, metrics.NewPrometheusRecorder(reg))
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := daemon.NewScheduler(conf.Location(), daemon.Schedule{
		First:   conf.Schedule.First,
		Refresh: conf.Schedule.Refresh,
		Last:    conf.Schedule.Last,
	}, a.runner)
	if err != nil {
		return err
	}
	sched.Start(ctx)
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
		defer stop()
		if err := sched.Stop(stopCtx); err != nil {
			appLog.Error("scheduler did not stop cleanly", err)
		}
	}()

	srv := web.NewServer(conf, a.store, a.states, sched, metrics.HTTPHandler(reg))
	return srv.ListenAndServe(ctx)
}

func printState(conf *config.Config) error {
	loaded, err := state.NewStore(conf.StatePath).Load()
	if err != nil {
		return err
	}
	out := struct {
		OverrideFlag  bool     `json:"override_flag"`
		OverrideDate  *string  `json:"override_date"`
		CommandCursor string   `json:"command_cursor"`
		Recovered     []string `json:"recovered,omitempty"`
	}{
		OverrideFlag:  loaded.State.Flag,
		CommandCursor: loaded.State.Cursor,
	}
	if loaded.State.Date != nil {
		d := loaded.State.Date.String()
		out.OverrideDate = &d
	}
	for _, r := range loaded.Recovered {
		out.Recovered = append(out.Recovered, r.Error())
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
