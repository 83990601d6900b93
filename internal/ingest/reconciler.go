// internal/ingest/reconciler.go

// Package ingest pulls paginated releases from upstream into the cache. Backfill, daily
// sync, the freshness refresh and the first population all run the same state machine.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbakes1/unl-bb/internal/db"
	"github.com/mbakes1/unl-bb/internal/metrics"
	"github.com/mbakes1/unl-bb/internal/normalize"
	"github.com/mbakes1/unl-bb/internal/store"
	"github.com/mbakes1/unl-bb/internal/upstream"
	"github.com/rs/zerolog"
)

// ErrStoreWrite means no row of a fetched page could be written.
var ErrStoreWrite = errors.New("store write failed")

type Upstream interface {
	FetchPage(ctx context.Context, req upstream.PageRequest) (*upstream.Page, error)
	FetchRelease(ctx context.Context, ocid string) (json.RawMessage, error)
}

type Normalizer interface {
	Normalize(raw json.RawMessage) normalize.Fields
}

// Store is the part of *store.Store the reconciler writes through.
type Store interface {
	UpsertMany(ctx context.Context, rows []store.Row) (int, error)
	UpsertEach(ctx context.Context, rows []store.Row) (written int, failed int)
	UpsertOne(ctx context.Context, r store.Row) error
	LoadState(ctx context.Context) (db.IngestionState, error)
	AdvanceCursor(ctx context.Context, from, to int) error
	MarkBackfillComplete(ctx context.Context) error
	SetLastDailySync(ctx context.Context, t time.Time) error
}

type Options struct {
	BackfillStart    time.Time
	BackfillPageSize int
	SyncPageSize     int

	RefreshWindow   time.Duration
	RefreshPageSize int
	RefreshPages    int

	PopulatePageSize int
	PopulatePages    int

	MaxRetries     int
	RetryDelay     time.Duration
	PageDelay      time.Duration
	MaxPagesPerRun int

	Log      zerolog.Logger
	Metrics  *metrics.Metrics
	Observer Observer
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
}

func DefaultOptions() Options {
	return Options{
		BackfillStart:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		BackfillPageSize: 5000,
		SyncPageSize:     1000,
		RefreshWindow:    30 * 24 * time.Hour,
		RefreshPageSize:  100,
		RefreshPages:     1,
		PopulatePageSize: 50,
		PopulatePages:    1,
		MaxRetries:       3,
		RetryDelay:       5 * time.Second,
		PageDelay:        time.Second,
		MaxPagesPerRun:   100,
		Log:              zerolog.Nop(),
	}
}

type Reconciler struct {
	up    Upstream
	norm  Normalizer
	store Store
	opts  Options
	log   zerolog.Logger
	m     *metrics.Metrics
}

func New(up Upstream, norm Normalizer, st Store, opts Options) *Reconciler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	if opts.MaxPagesPerRun <= 0 {
		opts.MaxPagesPerRun = 100
	}
	return &Reconciler{
		up:    up,
		norm:  norm,
		store: st,
		opts:  opts,
		log:   opts.Log.With().Str("component", "ingest").Logger(),
		m:     opts.Metrics,
	}
}

// run is one pass of the state machine.
type run struct {
	r     *Reconciler
	mode  Mode
	state State
	log   zerolog.Logger
}

func (r *Reconciler) newRun(mode Mode) *run {
	return &run{r: r, mode: mode, state: Idle, log: r.log.With().Str("mode", string(mode)).Logger()}
}

func (x *run) to(s State) {
	if !canTransition(x.state, s) {
		x.log.Error().Str("from", string(x.state)).Str("to", string(s)).Msg("unexpected transition")
	}
	x.log.Debug().Str("from", string(x.state)).Str("to", string(s)).Msg("transition")
	x.state = s
	x.r.m.IncTransition(string(x.mode), string(s))
	if x.r.opts.Observer != nil {
		x.r.opts.Observer(x.mode, s)
	}
}

type pageOutcome struct {
	fetched int
	written int
	failed  int
	more    bool
}

// processPage runs FetchingPage through Writing for one page. On return the run is in
// Writing (rows stored), Complete (empty page) or FailedFatal.
func (x *run) processPage(ctx context.Context, req upstream.PageRequest) (pageOutcome, error) {
	var out pageOutcome
	x.to(FetchingPage)

	page, err := x.fetch(ctx, req)
	if err != nil {
		x.to(FailedFatal)
		x.r.m.IncPage(string(x.mode), metrics.OutcomeFatal)
		return out, err
	}
	out.fetched = len(page.Releases)
	if out.fetched == 0 {
		x.to(Complete)
		x.r.m.IncPage(string(x.mode), metrics.OutcomeOK)
		return out, nil
	}
	// a short page is the last one even if links.next is set
	out.more = page.HasNext && out.fetched >= req.PageSize

	x.to(Normalizing)
	rows, skipped := x.normalize(page.Releases)
	out.failed += skipped

	x.to(Writing)
	written, failed, err := x.write(ctx, rows)
	out.written += written
	out.failed += failed
	x.r.m.AddRows(string(x.mode), "written", out.written)
	x.r.m.AddRows(string(x.mode), "failed", out.failed)
	if err != nil {
		x.to(FailedFatal)
		x.r.m.IncPage(string(x.mode), metrics.OutcomeFatal)
		return out, err
	}
	x.r.m.IncPage(string(x.mode), metrics.OutcomeOK)
	return out, nil
}

// fetch retries retryable upstream errors on the same page, RetryDelay apart.
func (x *run) fetch(ctx context.Context, req upstream.PageRequest) (*upstream.Page, error) {
	for attempt := 0; ; attempt++ {
		page, err := x.r.up.FetchPage(ctx, req)
		if err == nil {
			return page, nil
		}
		if !upstream.IsRetryable(err) || attempt >= x.r.opts.MaxRetries {
			x.log.Error().Err(err).Int("page", req.Page).Int("attempts", attempt+1).Msg("page fetch failed")
			return nil, fmt.Errorf("fetch page %d: %w", req.Page, err)
		}

		x.to(FailedRetryable)
		x.r.m.IncPage(string(x.mode), metrics.OutcomeRetry)
		x.log.Warn().Err(err).Int("page", req.Page).Int("attempt", attempt+1).
			Dur("delay", x.r.opts.RetryDelay).Msg("page fetch failed, retrying")
		if err := x.r.opts.Sleep(ctx, x.r.opts.RetryDelay); err != nil {
			return nil, err
		}
		x.to(FetchingPage)
	}
}

func (x *run) normalize(raws []json.RawMessage) (rows []store.Row, skipped int) {
	rows = make([]store.Row, 0, len(raws))
	for _, raw := range raws {
		f := x.r.norm.Normalize(raw)
		if f.OCID == "" {
			skipped++
			continue
		}
		rows = append(rows, store.Row{Fields: f, Data: raw})
	}
	if skipped > 0 {
		x.log.Warn().Int("skipped", skipped).Msg("releases without ocid dropped")
	}
	return rows, skipped
}

// write tries one bulk upsert and falls back to row-by-row. It fails only when rows
// were given and none of them could be stored.
func (x *run) write(ctx context.Context, rows []store.Row) (written, failed int, err error) {
	if len(rows) == 0 {
		return 0, 0, nil
	}
	n, bulkErr := x.r.store.UpsertMany(ctx, rows)
	if bulkErr == nil {
		return n, 0, nil
	}
	x.log.Warn().Err(bulkErr).Int("rows", len(rows)).Msg("bulk write failed, falling back to per-row upserts")

	written, failed = x.r.store.UpsertEach(ctx, rows)
	if written == 0 {
		return 0, failed, fmt.Errorf("%w: %w", ErrStoreWrite, bulkErr)
	}
	return written, failed, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
