package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calmirror/internal/runner"
)

type fakeRunner struct {
	mu   sync.Mutex
	invs []runner.Invocation
	err  error
}

func (f *fakeRunner) Run(_ context.Context, inv runner.Invocation) (runner.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invs = append(f.invs, inv)
	return runner.Report{Kind: inv.Kind(), Processed: true}, f.err
}

func TestNewSchedulerRegistersJobs(t *testing.T) {
	s, err := NewScheduler(time.UTC, Schedule{First: "0 6 * * *", Refresh: "*/30 * * * *", Last: "55 23 * * *"}, &fakeRunner{})
	require.NoError(t, err)

	s.Start(context.Background())
	defer func() { require.NoError(t, s.Stop(context.Background())) }()

	entries := s.Entries()
	require.Len(t, entries, 3)
	names := map[string]string{}
	for _, e := range entries {
		names[e.Name] = e.Spec
		assert.False(t, e.Next.IsZero())
	}
	assert.Equal(t, "0 6 * * *", names["first"])
	assert.Equal(t, "55 23 * * *", names["last"])
	assert.True(t, !entries[0].Next.After(entries[1].Next), "ordered by next run")
}

func TestNewSchedulerSkipsEmptyAndRejectsInvalid(t *testing.T) {
	s, err := NewScheduler(time.UTC, Schedule{Refresh: "@hourly"}, &fakeRunner{})
	require.NoError(t, err)
	assert.Len(t, s.names, 1)

	_, err = NewScheduler(time.UTC, Schedule{First: "not a cron"}, &fakeRunner{})
	assert.ErrorContains(t, err, "schedule first")
}

func TestExecuteRecordsReport(t *testing.T) {
	fr := &fakeRunner{}
	s, err := NewScheduler(time.UTC, Schedule{}, fr)
	require.NoError(t, err)

	_, ok := s.LastReport()
	assert.False(t, ok)

	s.execute(runner.Invocation{Last: true})
	rep, ok := s.LastReport()
	require.True(t, ok)
	assert.Equal(t, "last", rep.Kind)

	fr.err = errors.New("state unreadable")
	s.execute(runner.Invocation{First: true})
	rep, _ = s.LastReport()
	assert.Equal(t, "first", rep.Kind)
	assert.Len(t, fr.invs, 2)
}
