package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"calmirror/internal/config"
	"calmirror/internal/ics"
	appLog "calmirror/internal/log"
	"calmirror/internal/metrics"
	"calmirror/internal/notify"
	"calmirror/internal/retry"
	"calmirror/internal/runner"
	"calmirror/internal/state"
	"calmirror/internal/store"
)

// app holds the collaborators shared by `run` and `serve`.
type app struct {
	store  *store.Store
	states *state.Store
	runner *runner.Runner

	closers []func()
}

func newApp(ctx context.Context, conf *config.Config, rec metrics.Recorder) (*app, error) {
	db, err := store.Open(ctx, conf.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open destination store: %w", err)
	}
	a := &app{store: db, states: state.NewStore(conf.StatePath)}
	a.closers = append(a.closers, func() { _ = db.Close() })

	notifiers := notify.Multi{notify.Log{}}
	opts := []runner.Option{runner.WithMetrics(rec)}

	if conf.Discord != nil {
		token := os.Getenv(conf.Discord.TokenEnv)
		d, err := notify.NewDiscord(token, conf.Discord.ChannelID)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("discord (token from $%s): %w", conf.Discord.TokenEnv, err)
		}
		notifiers = append(notifiers, d)
		opts = append(opts, runner.WithCommands(d))
	}

	if conf.NATS != nil {
		n, err := notify.NewNATS(conf.NATS.URL, conf.NATS.Subject)
		if err != nil {
			// Publishing is best effort; an unreachable broker must not block syncing.
			appLog.Warn("NATS notifier disabled", "url", conf.NATS.URL, "error", err.Error())
		} else {
			notifiers = append(notifiers, n)
			a.closers = append(a.closers, n.Close)
		}
	}
	opts = append(opts, runner.WithNotifier(notifiers))

	fetcher := ics.NewFetcher(conf.CacheDir, &http.Client{Timeout: 30 * time.Second})
	reader := ics.NewReader(fetcher, conf.Location())

	a.runner = runner.New(runner.Options{
		Location:    conf.Location(),
		Skip:        conf.SkipSet(),
		FutureDays:  conf.FutureEventsDays,
		Sources:     conf.ModelSources(),
		PollTimeout: conf.CommandPollTimeout,
		Retry:       retry.NewPolicy(conf.Retry.Mode, conf.Retry.Initial, conf.Retry.Max, conf.Retry.MaxRetries),
	}, reader, db, a.states, opts...)
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newRegistry returns a registry with the process and Go runtime collectors.
func newRegistry() *prom.Registry {
	reg := prom.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
