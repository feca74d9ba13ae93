// Package runner wires one invocation together: it loads the override
// state, polls remote commands, evaluates the state machine, runs the
// cleanup pass after a cancel, and reconciles every source against the
// destination store.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"calmirror/internal/clock"
	"calmirror/internal/ics"
	appLog "calmirror/internal/log"
	"calmirror/internal/metrics"
	"calmirror/internal/model"
	"calmirror/internal/notify"
	"calmirror/internal/override"
	"calmirror/internal/reconcile"
	"calmirror/internal/retry"
	"calmirror/internal/state"
	"calmirror/internal/store"
)

// UpstreamReader yields the desired events of one source.
type UpstreamReader interface {
	FetchDesired(ctx context.Context, src model.Source, f ics.Filter) ([]model.MergeEvent, error)
}

// DestinationStore holds the mirrored events.
type DestinationStore interface {
	FetchMirrored(ctx context.Context, identity string, start, end time.Time) ([]model.MergeEvent, error)
	ListBetween(ctx context.Context, start, end time.Time) ([]model.MergeEvent, error)
	CreateEvent(ctx context.Context, title string, start, end time.Time) (string, error)
	DeleteEvent(ctx context.Context, ref string) error
}

// CommandChannel returns remote commands posted after cursor.
type CommandChannel interface {
	PollCommands(ctx context.Context, cursor string) (map[model.Command]bool, string, error)
}

// StateStore loads and saves the override record.
type StateStore interface {
	Load() (state.Loaded, error)
	Save(override.State) error
}

// Options are the settings a run depends on.
type Options struct {
	Location    *time.Location
	Skip        clock.SkipSet
	FutureDays  int
	Sources     []model.Source
	PollTimeout time.Duration
	Retry       retry.Policy
}

// Invocation carries the CLI signals of one run.
type Invocation struct {
	First    bool
	Last     bool
	Override bool
	Cancel   bool
}

// Kind names the run for logs and metrics.
func (i Invocation) Kind() string {
	switch {
	case i.First:
		return "first"
	case i.Last:
		return "last"
	default:
		return "refresh"
	}
}

// Runner executes invocations. Runs are serialized.
type Runner struct {
	opts     Options
	reader   UpstreamReader
	dest     DestinationStore
	states   StateStore
	commands CommandChannel
	notifier notify.Notifier
	metrics  metrics.Recorder
	now      func() time.Time

	mu sync.Mutex
}

// Option customizes a Runner.
type Option func(*Runner)

func WithCommands(c CommandChannel) Option  { return func(r *Runner) { r.commands = c } }
func WithNotifier(n notify.Notifier) Option { return func(r *Runner) { r.notifier = n } }
func WithMetrics(m metrics.Recorder) Option { return func(r *Runner) { r.metrics = m } }
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// New builds a Runner. Commands and notifier are optional.
func New(opts Options, reader UpstreamReader, dest DestinationStore, states StateStore, options ...Option) *Runner {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 10 * time.Second
	}
	if opts.Retry.Validate() != nil {
		opts.Retry = retry.DefaultPolicy()
	}
	r := &Runner{
		opts:     opts,
		reader:   reader,
		dest:     dest,
		states:   states,
		notifier: notify.Log{},
		metrics:  metrics.NoopRecorder{},
		now:      time.Now,
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Run performs one invocation. The returned error is set only when the run
// could not proceed at all (state unreadable or unwritable); per-source and
// per-action failures are in the report.
func (r *Runner) Run(ctx context.Context, inv Invocation) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	started := r.now()
	now := started.In(r.opts.Location)
	today := clock.DateOf(now)
	rep := Report{Kind: inv.Kind(), Today: today}

	loaded, err := r.states.Load()
	if err != nil {
		err = fmt.Errorf("load state: %w", err)
		r.fail(ctx, &rep, err)
		return rep, err
	}
	st := loaded.State
	dirty := loaded.Dirty()
	for _, rec := range loaded.Recovered {
		appLog.Warn("state recovered", "error", rec.Error())
		if errors.Is(rec, state.ErrCorruptDate) {
			rep.Events = append(rep.Events, override.Event{Outcome: override.CorruptDateDrop})
		} else {
			notify.Send(ctx, r.notifier, "State file needed repair: "+rec.Error())
		}
	}

	cmds := r.pollCommands(ctx, &st, &dirty)

	sig := override.Signals{
		Cancel:   inv.Cancel || cmds[model.CommandCancel],
		Arm:      inv.Override || cmds[model.CommandOverride],
		FirstRun: inv.First,
		LastRun:  inv.Last,
	}
	dec := override.Evaluate(&st, sig, today, r.opts.Skip)
	rep.Events = append(rep.Events, dec.Events...)
	if dec.Changed || dirty {
		if err := r.states.Save(st); err != nil {
			err = fmt.Errorf("save state: %w", err)
			r.fail(ctx, &rep, err)
			return rep, err
		}
	}
	r.reportEvents(ctx, rep.Events)

	if dec.Cleanup {
		rep.Cleaned, rep.CleanupFailed = r.cleanup(ctx, dec.CleanupScope, dec.CleanupDate, now)
	}

	rep.Stopped = dec.Stop
	rep.Processed = dec.ShouldProcess
	if dec.ShouldProcess {
		r.reconcileAll(ctx, &rep, st, now)
	} else {
		if last, ok := clock.PrevWorkDay(today, r.opts.Skip); ok && !dec.Stop {
			rep.LastWorkDay = &last
		}
		appLog.Info("run gated", "kind", rep.Kind, "today", today.String(), "stopped", dec.Stop)
	}

	if inv.Last {
		if o, changed := override.ConsumeOnLast(&st, today); changed {
			ev := override.Event{Outcome: o, Date: today}
			rep.Events = append(rep.Events, ev)
			if err := r.states.Save(st); err != nil {
				err = fmt.Errorf("save state: %w", err)
				r.fail(ctx, &rep, err)
				return rep, err
			}
			r.reportEvents(ctx, []override.Event{ev})
		}
	}

	r.metrics.SetOverrideArmed(st.Date != nil)
	r.metrics.IncRun(rep.Kind, rep.Outcome())
	r.metrics.ObserveRunDuration(rep.Kind, r.now().Sub(started).Seconds())

	if rep.HasChanges() || rep.HasFailures() {
		notify.Send(ctx, r.notifier, rep.Summary())
	}
	appLog.Info("run finished", "kind", rep.Kind, "outcome", string(rep.Outcome()), "summary", rep.Summary())
	return rep, nil
}

// pollCommands performs the single bounded poll of a run. Any failure,
// including the timeout, means no commands.
func (r *Runner) pollCommands(ctx context.Context, st *override.State, dirty *bool) map[model.Command]bool {
	if r.commands == nil {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, r.opts.PollTimeout)
	defer cancel()

	cmds, next, err := r.commands.PollCommands(pctx, st.Cursor)
	if err != nil {
		appLog.Warn("command poll failed, continuing without commands", "error", err.Error())
		return nil
	}
	if override.AdvanceCursor(st, next) {
		*dirty = true
	}
	if len(cmds) > 0 {
		appLog.Info("remote commands received", "override", cmds[model.CommandOverride], "cancel", cmds[model.CommandCancel])
	}
	return cmds
}

func (r *Runner) reportEvents(ctx context.Context, events []override.Event) {
	for _, ev := range events {
		r.metrics.IncOverrideEvent(string(ev.Outcome))
		msg := override.Describe(ev)
		if override.Notable(ev) {
			notify.Send(ctx, r.notifier, msg)
		} else {
			appLog.Info(msg, "outcome", string(ev.Outcome))
		}
	}
}

func (r *Runner) fail(ctx context.Context, rep *Report, err error) {
	rep.Err = err
	appLog.Error("run aborted", err, "kind", rep.Kind)
	r.metrics.IncRun(rep.Kind, metrics.OutcomeFailed)
	notify.Send(ctx, r.notifier, fmt.Sprintf("Calendar sync (%s) aborted: %v", rep.Kind, err))
}

// owned returns the set of identities this configuration mirrors.
func (r *Runner) owned() map[string]bool {
	out := make(map[string]bool, len(r.opts.Sources))
	for _, src := range r.opts.Sources {
		out[src.Identity()] = true
	}
	return out
}

// cleanup removes mirrored events after a cancellation. It only touches
// events whose title is a configured source identity.
func (r *Runner) cleanup(ctx context.Context, scope override.CleanupScope, date clock.Date, now time.Time) (removed, failed int) {
	loc := r.opts.Location
	dayStart := date.Midnight(loc)
	dayEnd := dayStart.AddDate(0, 0, 1).Add(-time.Second)

	start := dayStart
	switch scope {
	case override.CleanupFutureToday:
		start = clock.NormalizeUTC(now).Add(time.Minute)
		if start.Before(dayStart) {
			start = dayStart
		}
	case override.CleanupAllDay:
	default:
		return 0, 0
	}

	events, err := r.dest.ListBetween(ctx, start.UTC(), dayEnd.UTC())
	if err != nil {
		appLog.Error("cleanup: list mirrored events", err, "date", date.String())
		return 0, 1
	}

	own := r.owned()
	for _, ev := range events {
		if !own[ev.Title] {
			continue
		}
		if err := r.deleteWithRetry(ctx, ev); err != nil {
			appLog.Error("cleanup: delete failed", err, "ref", ev.OriginRef, "title", ev.Title)
			r.metrics.IncActionFailure(ev.Title, "delete")
			failed++
			continue
		}
		removed++
	}
	appLog.Info("cleanup pass finished", "scope", scope.String(), "date", date.String(), "removed", removed, "failed", failed)
	return removed, failed
}

func (r *Runner) reconcileAll(ctx context.Context, rep *Report, st override.State, now time.Time) {
	window := clock.SyncWindow(now, r.opts.Location, r.opts.FutureDays)
	filter := ics.Filter{Window: window, Skip: r.opts.Skip, Exempt: st.Date}

	for _, src := range r.opts.Sources {
		rep.Sources = append(rep.Sources, r.reconcileSource(ctx, src, filter))
	}
}

func (r *Runner) reconcileSource(ctx context.Context, src model.Source, f ics.Filter) SourceReport {
	identity := src.Identity()
	sr := SourceReport{Identity: identity}

	desired, err := r.reader.FetchDesired(ctx, src, f)
	if err != nil {
		// Never reconcile against an unknown desired set.
		sr.Err = err
		appLog.Error("source skipped: upstream read failed", err, "identity", identity)
		r.metrics.IncSourceError(identity)
		return sr
	}
	mirrored, err := r.dest.FetchMirrored(ctx, identity, f.Window.Start, f.Window.End)
	if err != nil {
		sr.Err = err
		appLog.Error("source skipped: destination read failed", err, "identity", identity)
		r.metrics.IncSourceError(identity)
		return sr
	}

	res := reconcile.Reconcile(identity, desired, mirrored)
	sr.Matched = res.Matched
	if len(res.Duplicates) > 0 {
		appLog.Warn("upstream declares the same slot more than once; each copy is mirrored",
			"identity", identity, "slots", len(res.Duplicates))
	}
	if res.Rejected > 0 {
		appLog.Warn("inputs rejected by reconciliation", "identity", identity, "count", res.Rejected)
	}
	r.metrics.AddActions(identity, len(res.Adds()), len(res.Deletes()), res.Matched)

	for _, ev := range res.Actions {
		var err error
		switch ev.Action {
		case model.ActionDelete:
			if err = r.deleteWithRetry(ctx, ev); err == nil {
				sr.Deleted++
			}
		case model.ActionAdd:
			if err = r.createWithRetry(ctx, ev); err == nil {
				sr.Added++
			}
		}
		if err != nil {
			sr.Failed++
			r.metrics.IncActionFailure(identity, ev.Action.String())
			appLog.Error("action failed", err, "identity", identity, "action", ev.Action.String(),
				"start", ev.Start.Format(time.RFC3339))
		}
	}
	appLog.Info("source reconciled", "identity", identity,
		"added", sr.Added, "deleted", sr.Deleted, "matched", sr.Matched, "failed", sr.Failed)
	return sr
}

func (r *Runner) createWithRetry(ctx context.Context, ev model.MergeEvent) error {
	return r.opts.Retry.Do(ctx, "create", func(ctx context.Context) error {
		_, err := r.dest.CreateEvent(ctx, ev.Title, ev.Start, ev.End)
		if errors.Is(err, store.ErrInvalidRange) {
			return retry.Permanent(err)
		}
		return err
	}, func(int, error) { r.metrics.IncRetry("add") })
}

func (r *Runner) deleteWithRetry(ctx context.Context, ev model.MergeEvent) error {
	return r.opts.Retry.Do(ctx, "delete", func(ctx context.Context) error {
		err := r.dest.DeleteEvent(ctx, ev.OriginRef)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}, func(int, error) { r.metrics.IncRetry("delete") })
}
