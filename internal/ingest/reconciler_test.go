package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mbakes1/unl-bb/internal/db"
	"github.com/mbakes1/unl-bb/internal/metrics"
	"github.com/mbakes1/unl-bb/internal/normalize"
	"github.com/mbakes1/unl-bb/internal/store"
	"github.com/mbakes1/unl-bb/internal/store/storetest"
	"github.com/mbakes1/unl-bb/internal/upstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeUpstream serves fixed pages. Queued errors are returned, one per call, first.
type fakeUpstream struct {
	mu       sync.Mutex
	pages    [][]json.RawMessage
	errs     []error
	calls    []upstream.PageRequest
	releases map[string]json.RawMessage
}

func newFakeUpstream(sizes ...int) *fakeUpstream {
	f := &fakeUpstream{releases: map[string]json.RawMessage{}}
	n := 0
	for _, size := range sizes {
		var page []json.RawMessage
		for i := 0; i < size; i++ {
			n++
			page = append(page, storetest.Raw(fmt.Sprintf("ocds-%04d", n), "release", now.AddDate(0, 0, -n)))
		}
		f.pages = append(f.pages, page)
	}
	return f
}

func (f *fakeUpstream) FetchPage(_ context.Context, req upstream.PageRequest) (*upstream.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	if req.Page < 1 || req.Page > len(f.pages) {
		return &upstream.Page{}, nil
	}
	return &upstream.Page{
		Releases: f.pages[req.Page-1],
		HasNext:  req.Page < len(f.pages),
	}, nil
}

func (f *fakeUpstream) FetchRelease(_ context.Context, ocid string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.releases[ocid]
	if !ok {
		return nil, &upstream.Error{Op: "release", Kind: upstream.KindNotFound, Status: 404}
	}
	return raw, nil
}

func (f *fakeUpstream) pagesFetched() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for _, c := range f.calls {
		out = append(out, c.Page)
	}
	return out
}

// flakyStore fails every write while failWrites is set.
type flakyStore struct {
	*store.Store
	failWrites bool
	staleState *db.IngestionState
}

func (s *flakyStore) UpsertMany(ctx context.Context, rows []store.Row) (int, error) {
	if s.failWrites {
		return 0, store.ErrBulkWrite
	}
	return s.Store.UpsertMany(ctx, rows)
}

func (s *flakyStore) UpsertEach(ctx context.Context, rows []store.Row) (int, int) {
	if s.failWrites {
		return 0, len(rows)
	}
	return s.Store.UpsertEach(ctx, rows)
}

func (s *flakyStore) LoadState(ctx context.Context) (db.IngestionState, error) {
	if s.staleState != nil {
		return *s.staleState, nil
	}
	return s.Store.LoadState(ctx)
}

type harness struct {
	up     *fakeUpstream
	store  *flakyStore
	r      *Reconciler
	mu     sync.Mutex
	states []State
	sleeps []time.Duration
}

func newHarness(t *testing.T, up *fakeUpstream, tweak func(*Options)) *harness {
	t.Helper()
	h := &harness{up: up, store: &flakyStore{Store: storetest.New(t)}}
	opts := DefaultOptions()
	opts.BackfillPageSize = 3
	opts.SyncPageSize = 3
	opts.Now = func() time.Time { return now }
	opts.Sleep = func(_ context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return nil
	}
	opts.Observer = func(_ Mode, s State) {
		h.mu.Lock()
		h.states = append(h.states, s)
		h.mu.Unlock()
	}
	if tweak != nil {
		tweak(&opts)
	}
	h.r = New(up, normalize.New(nil), h.store, opts)
	return h
}

func (h *harness) state(t *testing.T) db.IngestionState {
	t.Helper()
	st, err := h.store.Store.LoadState(context.Background())
	require.NoError(t, err)
	return st
}

func (h *harness) count(t *testing.T) int64 {
	t.Helper()
	n, err := h.store.Count(context.Background(), store.Filter{})
	require.NoError(t, err)
	return n
}

func TestBackfillStep_AdvancesOnePagePerCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newFakeUpstream(3, 3, 1), nil)

	for page := 1; page <= 2; page++ {
		res, err := h.r.BackfillStep(ctx)
		require.NoError(t, err)
		assert.Equal(t, StepResult{Page: page, Fetched: 3, Written: 3, More: true}, res)
		assert.Equal(t, page, h.state(t).LastHistoricalPage)
	}

	res, err := h.r.BackfillStep(ctx)
	require.NoError(t, err)
	assert.Equal(t, StepResult{Page: 3, Fetched: 1, Written: 1, Complete: true}, res)

	st := h.state(t)
	assert.True(t, st.IsBackfillComplete)
	assert.Equal(t, 3, st.LastHistoricalPage)
	assert.EqualValues(t, 7, h.count(t))

	// complete is terminal; no more upstream traffic
	res, err = h.r.BackfillStep(ctx)
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, []int{1, 2, 3}, h.up.pagesFetched())
	assert.Equal(t, h.r.opts.BackfillStart, h.up.calls[0].DateFrom)
	assert.Equal(t, 3, h.up.calls[0].PageSize)
}

func TestBackfillStep_EmptyPageCompletesWithoutAdvancing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newFakeUpstream(), nil)

	res, err := h.r.BackfillStep(ctx)
	require.NoError(t, err)
	assert.True(t, res.Complete)
	st := h.state(t)
	assert.True(t, st.IsBackfillComplete)
	assert.Zero(t, st.LastHistoricalPage)
}

func TestBackfillStep_ShortPageIsLast(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream(2, 3)
	h := newHarness(t, up, nil)

	res, err := h.r.BackfillStep(ctx)
	require.NoError(t, err)
	assert.True(t, res.Complete, "2 < page size 3 ends the backfill even with links.next")
	assert.Equal(t, []int{1}, up.pagesFetched())
}

func TestBackfill_ResumesFailedWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newFakeUpstream(3, 3, 3, 1), nil)

	_, err := h.r.BackfillStep(ctx)
	require.NoError(t, err)

	h.store.failWrites = true
	res, err := h.r.BackfillStep(ctx)
	require.ErrorIs(t, err, ErrStoreWrite)
	assert.Equal(t, 2, res.Page)
	assert.Equal(t, 1, h.state(t).LastHistoricalPage, "cursor stays at N-1")

	h.store.failWrites = false
	res, err = h.r.BackfillStep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Page, "the failed page is fetched again")
	assert.Equal(t, 2, h.state(t).LastHistoricalPage)
	assert.Equal(t, []int{1, 2, 2}, h.up.pagesFetched())
}

func TestBackfill_PartialWriteStillAdvances(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream(3, 1)
	up.pages[0][1] = json.RawMessage(`{"tender":{"title":"no ocid"}}`)
	h := newHarness(t, up, nil)

	res, err := h.r.BackfillStep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, h.state(t).LastHistoricalPage)
}

func TestBackfill_RetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream(3, 1)
	up.errs = []error{
		&upstream.Error{Op: "list", Kind: upstream.KindUnavailable, Status: 502},
		&upstream.Error{Op: "list", Kind: upstream.KindUnavailable, Err: errors.New("connection reset")},
	}
	h := newHarness(t, up, func(o *Options) { o.RetryDelay = 7 * time.Second })

	res, err := h.r.BackfillStep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Page)
	assert.Equal(t, []int{1, 1, 1}, up.pagesFetched())
	assert.Equal(t, []time.Duration{7 * time.Second, 7 * time.Second}, h.sleeps)
	assert.Equal(t, []State{
		FetchingPage, FailedRetryable,
		FetchingPage, FailedRetryable,
		FetchingPage, Normalizing, Writing, Advancing, Idle,
	}, h.states)
}

func TestBackfill_GivesUpAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream(3)
	for i := 0; i < 5; i++ {
		up.errs = append(up.errs, &upstream.Error{Op: "list", Kind: upstream.KindUnavailable, Status: 503})
	}
	h := newHarness(t, up, func(o *Options) { o.MaxRetries = 2 })

	_, err := h.r.BackfillStep(ctx)
	require.Error(t, err)
	assert.True(t, upstream.IsUnavailable(err))
	assert.Len(t, up.pagesFetched(), 3)
	assert.Zero(t, h.state(t).LastHistoricalPage)
}

func TestBackfill_MalformedIsFatal(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream(3)
	up.errs = []error{&upstream.Error{Op: "list", Kind: upstream.KindMalformed, Status: 200}}
	h := newHarness(t, up, nil)

	_, err := h.r.BackfillStep(ctx)
	require.Error(t, err)
	assert.True(t, upstream.IsMalformed(err))
	assert.Equal(t, []int{1}, up.pagesFetched())
	assert.Empty(t, h.sleeps)
	assert.Equal(t, []State{FetchingPage, FailedFatal}, h.states)
	assert.Zero(t, h.state(t).LastHistoricalPage)
}

func TestBackfill_StaleCursorConflicts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newFakeUpstream(3, 3, 1), nil)

	_, err := h.r.BackfillStep(ctx)
	require.NoError(t, err)

	// a concurrent run read the state before the first step advanced it
	stale := db.NewState()
	h.store.staleState = &stale
	_, err = h.r.BackfillStep(ctx)
	assert.ErrorIs(t, err, store.ErrCursorConflict)
	assert.Equal(t, 1, h.state(t).LastHistoricalPage)
}

func TestRunBackfill_TransitionsAndDelays(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newFakeUpstream(3, 2), func(o *Options) { o.PageDelay = 250 * time.Millisecond })

	res, err := h.r.RunBackfill(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, RunResult{Pages: 2, Fetched: 5, Written: 5, Complete: true}, res)
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, h.sleeps)
	assert.Equal(t, []State{
		FetchingPage, Normalizing, Writing, Advancing,
		FetchingPage, Normalizing, Writing, Advancing, Complete, Idle,
	}, h.states)
}

func TestRunBackfill_PageBudget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newFakeUpstream(3, 3, 3, 3), nil)

	res, err := h.r.RunBackfill(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pages)
	assert.True(t, res.More)
	assert.False(t, res.Complete)
	assert.Equal(t, 2, h.state(t).LastHistoricalPage)
}

func TestDailySync_SkippedUntilBackfillComplete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newFakeUpstream(3), nil)

	res, err := h.r.DailySync(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, h.up.pagesFetched())
	assert.True(t, h.state(t).LastDailySync.Equal(db.Epoch))
}

func TestDailySync_WalksWindowAndMovesWatermark(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream(3, 3, 1)
	h := newHarness(t, up, nil)
	require.NoError(t, h.store.MarkBackfillComplete(ctx))

	res, err := h.r.DailySync(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunResult{Pages: 3, Fetched: 7, Written: 7, Complete: true}, res)
	assert.Equal(t, []int{1, 2, 3}, up.pagesFetched())
	assert.True(t, up.calls[0].DateFrom.Equal(DefaultOptions().BackfillStart), "first sync starts at the backfill start")
	assert.True(t, up.calls[0].DateTo.Equal(now))
	assert.True(t, h.state(t).LastDailySync.Equal(now))
	assert.Equal(t, Idle, h.states[len(h.states)-1])

	// cursor is untouched by daily sync
	assert.Zero(t, h.state(t).LastHistoricalPage)

	later := now.Add(24 * time.Hour)
	h.r.opts.Now = func() time.Time { return later }
	_, err = h.r.DailySync(ctx)
	require.NoError(t, err)
	assert.True(t, up.calls[3].DateFrom.Equal(now), "next sync starts at the previous watermark")
	assert.True(t, h.state(t).LastDailySync.Equal(later))
}

func TestDailySync_FailureKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream(3, 3)
	h := newHarness(t, up, nil)
	require.NoError(t, h.store.MarkBackfillComplete(ctx))
	h.store.failWrites = true

	_, err := h.r.DailySync(ctx)
	require.ErrorIs(t, err, ErrStoreWrite)
	assert.True(t, h.state(t).LastDailySync.Equal(db.Epoch))
}

func TestDailySync_PageLimitKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newFakeUpstream(3, 3, 3), func(o *Options) { o.MaxPagesPerRun = 2 })
	require.NoError(t, h.store.MarkBackfillComplete(ctx))

	res, err := h.r.DailySync(ctx)
	require.NoError(t, err)
	assert.True(t, res.More)
	assert.True(t, h.state(t).LastDailySync.Equal(db.Epoch))
}

func TestPopulate_UsesWindowAndPageBudget(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream(3, 3)
	h := newHarness(t, up, func(o *Options) {
		o.PopulatePageSize = 3
		o.PopulatePages = 1
	})
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	res, err := h.r.Populate(ctx, from, to)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Written)
	assert.True(t, res.More)
	require.Len(t, up.calls, 1)
	assert.Equal(t, upstream.PageRequest{Page: 1, PageSize: 3, DateFrom: from, DateTo: to}, up.calls[0])

	_, err = h.r.Populate(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.True(t, up.calls[1].DateTo.Equal(now))
	assert.True(t, up.calls[1].DateFrom.Equal(now.Add(-30*24*time.Hour)))
}

func TestRefresh_RecentWindow(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream(2)
	h := newHarness(t, up, nil)

	res, err := h.r.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)
	assert.True(t, res.Complete)
	assert.Equal(t, 100, up.calls[0].PageSize)
	assert.Equal(t, []State{FetchingPage, Normalizing, Writing, Advancing, Complete, Idle}, h.states)
}

func TestRefreshOne(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream()
	up.releases["ocds-x"] = storetest.Raw("ocds-x", "Bridge repair", now)
	h := newHarness(t, up, nil)

	raw, err := h.r.RefreshOne(ctx, "ocds-x")
	require.NoError(t, err)
	assert.JSONEq(t, string(up.releases["ocds-x"]), string(raw))

	got, err := h.store.Get(ctx, "ocds-x")
	require.NoError(t, err)
	assert.Equal(t, "Bridge repair", got.Title)

	_, err = h.r.RefreshOne(ctx, "missing")
	assert.True(t, upstream.IsNotFound(err))
}

func TestMetrics_CountsPagesAndRows(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := newHarness(t, newFakeUpstream(3, 1), func(o *Options) { o.Metrics = m })

	_, err := h.r.RunBackfill(ctx, 0)
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "ocds_cache_ingest_pages_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "one label set: backfill/ok")
}
