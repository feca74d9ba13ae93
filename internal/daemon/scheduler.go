// Package daemon runs the start-of-day, refresh and end-of-day invocations
// on cron schedules for `calmirror serve`.
package daemon

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "calmirror/internal/log"
	"calmirror/internal/runner"
)

// Runner executes one invocation.
type Runner interface {
	Run(ctx context.Context, inv runner.Invocation) (runner.Report, error)
}

// Schedule holds the cron expressions (standard five fields).
type Schedule struct {
	First   string
	Refresh string
	Last    string
}

// Entry describes a scheduled job for status output.
type Entry struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
}

// Scheduler wraps a cron scheduler whose jobs call the runner.
type Scheduler struct {
	cron *cron.Cron
	run  Runner

	mu      sync.Mutex
	ctx     context.Context
	names   map[cron.EntryID]string
	specs   map[cron.EntryID]string
	last    runner.Report
	hasLast bool
}

// cronLogger adapts the application log to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}

// NewScheduler registers a job for every non-empty expression in sched.
// Overlapping runs are skipped rather than queued.
func NewScheduler(loc *time.Location, sched Schedule, run Runner) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	logger := cronLogger{}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		run:   run,
		ctx:   context.Background(),
		names: make(map[cron.EntryID]string),
		specs: make(map[cron.EntryID]string),
	}

	jobs := []struct {
		name string
		spec string
		inv  runner.Invocation
	}{
		{"first", sched.First, runner.Invocation{First: true}},
		{"refresh", sched.Refresh, runner.Invocation{}},
		{"last", sched.Last, runner.Invocation{Last: true}},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		inv := j.inv
		id, err := s.cron.AddFunc(j.spec, func() { s.execute(inv) })
		if err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", j.name, j.spec, err)
		}
		s.names[id] = j.name
		s.specs[id] = j.spec
	}
	return s, nil
}

// Start begins the scheduler. Jobs use ctx for their runs.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	appLog.Info("starting scheduler", "jobs", len(s.names))
	s.cron.Start()
}

// Stop stops scheduling and waits for a running job to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	appLog.Info("stopping scheduler")
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries lists the scheduled jobs ordered by next activation.
func (s *Scheduler) Entries() []Entry {
	var out []Entry
	for _, e := range s.cron.Entries() {
		out = append(out, Entry{Name: s.names[e.ID], Spec: s.specs[e.ID], Next: e.Next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Next.Before(out[j].Next) })
	return out
}

// LastReport returns the report of the most recent scheduled run.
func (s *Scheduler) LastReport() (runner.Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

func (s *Scheduler) execute(inv runner.Invocation) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	appLog.Info("executing scheduled run", "kind", inv.Kind())
	rep, err := s.run.Run(ctx, inv)
	if err != nil {
		appLog.Error("scheduled run failed", err, "kind", inv.Kind())
	}

	s.mu.Lock()
	s.last, s.hasLast = rep, true
	s.mu.Unlock()
}
