// internal/ingest/backfill.go
package ingest

import (
	"context"
	"fmt"

	"github.com/mbakes1/unl-bb/internal/upstream"
)

// StepResult reports one backfill page.
type StepResult struct {
	Page     int  `json:"page"`
	Fetched  int  `json:"fetched"`
	Written  int  `json:"written"`
	Failed   int  `json:"failed"`
	More     bool `json:"more"`
	Complete bool `json:"complete"`
}

// RunResult sums up a multi-page run.
type RunResult struct {
	Pages    int  `json:"pages"`
	Fetched  int  `json:"fetched"`
	Written  int  `json:"written"`
	Failed   int  `json:"failed"`
	More     bool `json:"more"`
	Complete bool `json:"complete"`
	Skipped  bool `json:"skipped"`
}

func (rr *RunResult) add(o pageOutcome) {
	rr.Pages++
	rr.Fetched += o.fetched
	rr.Written += o.written
	rr.Failed += o.failed
}

// BackfillStep ingests the page after the stored cursor and advances the cursor on
// success. A failed page leaves the cursor alone so the next step retries it.
func (r *Reconciler) BackfillStep(ctx context.Context) (StepResult, error) {
	x := r.newRun(ModeBackfill)
	res, _, err := x.backfillPage(ctx)
	if err == nil && res.More {
		x.to(Idle)
	}
	return res, err
}

// RunBackfill steps through up to maxPages pages (MaxPagesPerRun when maxPages <= 0).
func (r *Reconciler) RunBackfill(ctx context.Context, maxPages int) (RunResult, error) {
	if maxPages <= 0 {
		maxPages = r.opts.MaxPagesPerRun
	}
	x := r.newRun(ModeBackfill)
	var total RunResult
	for i := 0; i < maxPages; i++ {
		if i > 0 {
			if err := r.opts.Sleep(ctx, r.opts.PageDelay); err != nil {
				return total, err
			}
		}
		res, attempted, err := x.backfillPage(ctx)
		if attempted {
			total.Pages++
		}
		total.Fetched += res.Fetched
		total.Written += res.Written
		total.Failed += res.Failed
		total.More = res.More
		total.Complete = res.Complete
		if err != nil {
			return total, err
		}
		if !res.More {
			break
		}
	}
	if total.More {
		x.to(Idle)
	}
	r.log.Info().Int("pages", total.Pages).Int("written", total.Written).
		Bool("complete", total.Complete).Msg("backfill run finished")
	return total, nil
}

// backfillPage reports attempted=false when the backfill was already complete.
func (x *run) backfillPage(ctx context.Context) (res StepResult, attempted bool, err error) {
	r := x.r
	st, err := r.store.LoadState(ctx)
	if err != nil {
		return StepResult{}, false, err
	}
	if st.IsBackfillComplete {
		return StepResult{Page: st.LastHistoricalPage, Complete: true}, false, nil
	}

	from := st.LastHistoricalPage
	res = StepResult{Page: from + 1}
	out, err := x.processPage(ctx, upstream.PageRequest{
		Page:     res.Page,
		PageSize: r.opts.BackfillPageSize,
		DateFrom: r.opts.BackfillStart,
	})
	res.Fetched, res.Written, res.Failed = out.fetched, out.written, out.failed
	if err != nil {
		return res, true, fmt.Errorf("backfill page %d: %w", res.Page, err)
	}

	if out.fetched > 0 {
		x.to(Advancing)
		if err := r.store.AdvanceCursor(ctx, from, res.Page); err != nil {
			x.to(FailedFatal)
			return res, true, fmt.Errorf("backfill page %d: %w", res.Page, err)
		}
		if out.more {
			res.More = true
			x.log.Info().Int("page", res.Page).Int("written", res.Written).Int("failed", res.Failed).Msg("backfill page done")
			return res, true, nil
		}
		x.to(Complete)
	}

	if err := r.store.MarkBackfillComplete(ctx); err != nil {
		return res, true, err
	}
	res.Complete = true
	x.log.Info().Int("page", res.Page).Msg("backfill complete")
	x.to(Idle)
	return res, true, nil
}
