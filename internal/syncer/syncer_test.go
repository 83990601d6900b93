package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	conf "github.com/mbakes1/unl-bb/internal/config"
	"github.com/mbakes1/unl-bb/internal/db"
	"github.com/mbakes1/unl-bb/internal/freshness"
	"github.com/mbakes1/unl-bb/internal/ingest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu      sync.Mutex
	steps   int
	syncs   int
	stepErr error
}

func (f *fakeRunner) BackfillStep(context.Context) (ingest.StepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps++
	return ingest.StepResult{Page: f.steps, More: true}, f.stepErr
}

func (f *fakeRunner) DailySync(context.Context) (ingest.RunResult, error) {
	f.mu.Lock()
	f.syncs++
	f.mu.Unlock()
	return ingest.RunResult{Pages: 1}, nil
}

func (f *fakeRunner) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.steps, f.syncs
}

type fakeState struct {
	st  db.IngestionState
	err error
}

func (f *fakeState) LoadState(context.Context) (db.IngestionState, error) { return f.st, f.err }

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newSyncer(t *testing.T, st db.IngestionState) (*Syncer, *fakeRunner, *fakeState, *freshness.Gate) {
	t.Helper()
	run := &fakeRunner{}
	state := &fakeState{st: st}
	gate := freshness.NewGate(freshness.Options{})
	t.Cleanup(gate.Close)
	s := New(zerolog.Nop(), conf.SchedulerConfig{IntervalSeconds: 3600, DailySyncHours: 24}, run, state, gate)
	s.now = func() time.Time { return now }
	return s, run, state, gate
}

func TestTick_BackfillUntilComplete(t *testing.T) {
	s, run, _, _ := newSyncer(t, db.NewState())

	assert.Equal(t, ActionBackfill, s.Tick(context.Background()))
	assert.Equal(t, ActionBackfill, s.Tick(context.Background()))
	steps, syncs := run.counts()
	assert.Equal(t, 2, steps)
	assert.Zero(t, syncs)

	n, last := s.Ticks()
	assert.EqualValues(t, 2, n)
	assert.Equal(t, ActionBackfill, last)
}

func TestTick_DailySyncWhenDue(t *testing.T) {
	st := db.NewState()
	st.IsBackfillComplete = true
	st.LastDailySync = now.Add(-23 * time.Hour)
	s, run, state, _ := newSyncer(t, st)

	assert.Equal(t, ActionNone, s.Tick(context.Background()))

	state.st.LastDailySync = now.Add(-25 * time.Hour)
	assert.Equal(t, ActionDailySync, s.Tick(context.Background()))
	steps, syncs := run.counts()
	assert.Zero(t, steps)
	assert.Equal(t, 1, syncs)
}

func TestTick_NeverSyncedRunsImmediately(t *testing.T) {
	st := db.NewState()
	st.IsBackfillComplete = true
	s, _, _, _ := newSyncer(t, st)
	assert.Equal(t, ActionDailySync, s.Tick(context.Background()))
}

func TestTick_SkipsWhenKeyIsHeld(t *testing.T) {
	s, run, _, gate := newSyncer(t, db.NewState())

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- gate.Exclusive(context.Background(), string(ingest.ModeBackfill), func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	assert.Equal(t, ActionBusy, s.Tick(context.Background()))
	steps, _ := run.counts()
	assert.Zero(t, steps)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, ActionBackfill, s.Tick(context.Background()))
}

func TestTick_Failures(t *testing.T) {
	s, run, state, _ := newSyncer(t, db.NewState())

	run.stepErr = errors.New("upstream down")
	assert.Equal(t, ActionFailed, s.Tick(context.Background()))

	state.err = errors.New("db gone")
	assert.Equal(t, ActionFailed, s.Tick(context.Background()))
}

func TestStartStop(t *testing.T) {
	s, run, _, _ := newSyncer(t, db.NewState())

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()), "second start is a no-op")
	assert.True(t, s.IsRunning())
	assert.Eventually(t, func() bool {
		steps, _ := run.counts()
		return steps == 1
	}, time.Second, 5*time.Millisecond, "first tick runs at once")

	s.UpdateConfig(conf.SchedulerConfig{IntervalSeconds: 1800})
	assert.True(t, s.IsRunning())
	assert.Eventually(t, func() bool {
		steps, _ := run.counts()
		return steps == 2
	}, time.Second, 5*time.Millisecond, "restart ticks again")

	s.Stop()
	assert.False(t, s.IsRunning())
	s.Stop()
}
