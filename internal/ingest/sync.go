// internal/ingest/sync.go
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbakes1/unl-bb/internal/db"
	"github.com/mbakes1/unl-bb/internal/store"
	"github.com/mbakes1/unl-bb/internal/upstream"
)

type window struct {
	from, to time.Time
	pageSize int
	maxPages int
}

// walk ingests pages 1..maxPages of a date window. More is set when the page budget ran
// out before upstream did.
func (x *run) walk(ctx context.Context, w window) (RunResult, error) {
	var res RunResult
	for page := 1; page <= w.maxPages; page++ {
		if page > 1 {
			if err := x.r.opts.Sleep(ctx, x.r.opts.PageDelay); err != nil {
				return res, err
			}
		}
		out, err := x.processPage(ctx, upstream.PageRequest{
			Page:     page,
			PageSize: w.pageSize,
			DateFrom: w.from,
			DateTo:   w.to,
		})
		res.add(out)
		if err != nil {
			return res, fmt.Errorf("%s page %d: %w", x.mode, page, err)
		}
		if out.fetched == 0 {
			res.Complete = true
			return res, nil
		}
		x.to(Advancing)
		if !out.more {
			x.to(Complete)
			res.Complete = true
			return res, nil
		}
	}
	res.More = true
	return res, nil
}

// DailySync ingests everything released since the last finished sync. It does nothing
// until the backfill is complete.
func (r *Reconciler) DailySync(ctx context.Context) (RunResult, error) {
	st, err := r.store.LoadState(ctx)
	if err != nil {
		return RunResult{}, err
	}
	if !st.IsBackfillComplete {
		r.log.Info().Msg("daily sync skipped, backfill not complete")
		return RunResult{Skipped: true}, nil
	}

	started := r.opts.Now().UTC()
	from := st.LastDailySync
	if !from.After(db.Epoch) {
		from = r.opts.BackfillStart
	}

	x := r.newRun(ModeDailySync)
	res, err := x.walk(ctx, window{from: from, to: started, pageSize: r.opts.SyncPageSize, maxPages: r.opts.MaxPagesPerRun})
	if err != nil {
		return res, err
	}
	if res.More {
		// watermark stays; the next sync walks the same window again
		x.log.Warn().Int("pages", res.Pages).Msg("daily sync hit the page limit")
		x.to(Idle)
		return res, nil
	}
	if err := r.store.SetLastDailySync(ctx, started); err != nil {
		return res, err
	}
	x.to(Idle)
	x.log.Info().Int("pages", res.Pages).Int("written", res.Written).Time("since", from).Msg("daily sync finished")
	return res, nil
}

// Refresh re-ingests the most recent releases. It is what a stale read triggers.
func (r *Reconciler) Refresh(ctx context.Context) (RunResult, error) {
	now := r.opts.Now().UTC()
	x := r.newRun(ModeRefresh)
	res, err := x.walk(ctx, window{
		from:     now.Add(-r.opts.RefreshWindow),
		to:       now,
		pageSize: r.opts.RefreshPageSize,
		maxPages: max(r.opts.RefreshPages, 1),
	})
	if err == nil {
		x.to(Idle)
	}
	return res, err
}

// Populate fills an empty cache with the first pages of [from, to]. Zero bounds default
// to the refresh window ending now.
func (r *Reconciler) Populate(ctx context.Context, from, to time.Time) (RunResult, error) {
	now := r.opts.Now().UTC()
	if to.IsZero() {
		to = now
	}
	if from.IsZero() {
		from = to.Add(-r.opts.RefreshWindow)
	}
	x := r.newRun(ModePopulate)
	res, err := x.walk(ctx, window{
		from:     from,
		to:       to,
		pageSize: r.opts.PopulatePageSize,
		maxPages: max(r.opts.PopulatePages, 1),
	})
	if err == nil {
		x.to(Idle)
	}
	return res, err
}

// RefreshOne fetches a single release and stores it.
func (r *Reconciler) RefreshOne(ctx context.Context, ocid string) (json.RawMessage, error) {
	raw, err := r.up.FetchRelease(ctx, ocid)
	if err != nil {
		return nil, err
	}
	f := r.norm.Normalize(raw)
	if f.OCID == "" {
		f.OCID = ocid
	}
	if err := r.store.UpsertOne(ctx, store.Row{Fields: f, Data: raw}); err != nil {
		return raw, err
	}
	return raw, nil
}
