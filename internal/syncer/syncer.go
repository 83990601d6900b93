// internal/syncer/syncer.go

// Package syncer drives ingestion on a timer: backfill pages until the history is in,
// then a daily incremental sync.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	conf "github.com/mbakes1/unl-bb/internal/config"
	"github.com/mbakes1/unl-bb/internal/db"
	"github.com/mbakes1/unl-bb/internal/freshness"
	"github.com/mbakes1/unl-bb/internal/ingest"
	"github.com/rs/zerolog"
)

type Runner interface {
	BackfillStep(ctx context.Context) (ingest.StepResult, error)
	DailySync(ctx context.Context) (ingest.RunResult, error)
}

type StateLoader interface {
	LoadState(ctx context.Context) (db.IngestionState, error)
}

// Action is what a tick did.
type Action string

const (
	ActionNone      Action = "none"
	ActionBackfill  Action = "backfill"
	ActionDailySync Action = "daily_sync"
	ActionBusy      Action = "busy"
	ActionFailed    Action = "failed"
)

type Syncer struct {
	log     zerolog.Logger
	ing     Runner
	st      StateLoader
	gate    *freshness.Gate // shared with the admin endpoints so runs never overlap
	now     func() time.Time
	mu      sync.Mutex
	cfg     conf.SchedulerConfig
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	ticks   uint64
	last    Action
}

func New(log zerolog.Logger, cfg conf.SchedulerConfig, ing Runner, st StateLoader, gate *freshness.Gate) *Syncer {
	return &Syncer{
		log:  log.With().Str("component", "syncer").Logger(),
		cfg:  cfg,
		ing:  ing,
		st:   st,
		gate: gate,
		now:  time.Now,
		last: ActionNone,
	}
}

func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.ticks = 0
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Info().Dur("interval", s.interval()).Msg("syncer start")
	go s.loop(ctx)
	return nil
}

func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.log.Info().Msg("syncer stop")
}

// UpdateConfig swaps the schedule, restarting the loop when it is running.
func (s *Syncer) UpdateConfig(cfg conf.SchedulerConfig) {
	s.mu.Lock()
	s.cfg = cfg
	isRunning := s.running
	s.mu.Unlock()

	s.log.Info().Msg("syncer config updated")

	if isRunning {
		s.Stop()
		_ = s.Start(context.Background())
	}
}

func (s *Syncer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Ticks returns the tick count since the last Start and what the latest tick did.
func (s *Syncer) Ticks() (uint64, Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks, s.last
}

func (s *Syncer) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Interval()
}

func (s *Syncer) dailyEvery() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.DailySyncEvery()
}

func (s *Syncer) loop(ctx context.Context) {
	defer s.wg.Done()

	// first tick right away
	s.Tick(ctx)

	current := s.interval()
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Debug().Msg("syncer loop done")
			return
		case <-ticker.C:
			if next := s.interval(); next != current {
				current = next
				ticker.Reset(current)
			}
			s.Tick(ctx)
		}
	}
}

// Tick runs one backfill page while the backfill is incomplete, otherwise the daily
// sync once it is due.
func (s *Syncer) Tick(ctx context.Context) Action {
	action := s.tick(ctx)
	s.mu.Lock()
	s.ticks++
	s.last = action
	s.mu.Unlock()
	return action
}

func (s *Syncer) tick(ctx context.Context) Action {
	st, err := s.st.LoadState(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("load ingestion state")
		return ActionFailed
	}

	if !st.IsBackfillComplete {
		err := s.exclusive(ctx, string(ingest.ModeBackfill), func(ctx context.Context) error {
			res, err := s.ing.BackfillStep(ctx)
			if err == nil {
				s.log.Info().Int("page", res.Page).Int("written", res.Written).Bool("complete", res.Complete).Msg("scheduled backfill step")
			}
			return err
		})
		return s.outcome(ActionBackfill, err)
	}

	due := st.LastDailySync.Add(s.dailyEvery())
	if s.now().Before(due) {
		return ActionNone
	}
	err = s.exclusive(ctx, string(ingest.ModeDailySync), func(ctx context.Context) error {
		res, err := s.ing.DailySync(ctx)
		if err == nil {
			s.log.Info().Int("pages", res.Pages).Int("written", res.Written).Msg("scheduled daily sync")
		}
		return err
	})
	return s.outcome(ActionDailySync, err)
}

func (s *Syncer) exclusive(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if s.gate == nil {
		return fn(ctx)
	}
	return s.gate.Exclusive(ctx, key, fn)
}

func (s *Syncer) outcome(a Action, err error) Action {
	switch {
	case err == nil:
		return a
	case errors.Is(err, freshness.ErrBusy):
		s.log.Debug().Str("action", string(a)).Msg("already running elsewhere, skipping tick")
		return ActionBusy
	case errors.Is(err, context.Canceled):
		return ActionNone
	default:
		s.log.Error().Err(err).Str("action", string(a)).Msg("scheduled run failed")
		return ActionFailed
	}
}
