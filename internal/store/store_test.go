package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mbakes1/unl-bb/internal/db"
	"github.com/mbakes1/unl-bb/internal/store"
	"github.com/mbakes1/unl-bb/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jan = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func TestUpsert_Idempotent(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock(time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC))
	s := storetest.New(t, store.WithClock(clock.Now))

	row := storetest.Row("ocds-1", "Road works", jan)
	firstWrite := clock.T
	for i := 0; i < 3; i++ {
		n, err := s.UpsertMany(ctx, []store.Row{row})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		clock.Advance(time.Minute)
	}
	lastWrite := clock.T.Add(-time.Minute)

	total, err := s.Count(ctx, store.Filter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	got, err := s.Get(ctx, "ocds-1")
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(firstWrite), "created_at %s", got.CreatedAt)
	assert.True(t, got.UpdatedAt.Equal(lastWrite), "updated_at %s", got.UpdatedAt)
}

func TestUpsert_OverwritesFieldsAndData(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	require.NoError(t, s.UpsertOne(ctx, storetest.Row("ocds-1", "Old title", jan)))
	require.NoError(t, s.UpsertOne(ctx, storetest.Row("ocds-1", "New title", jan)))

	got, err := s.Get(ctx, "ocds-1")
	require.NoError(t, err)
	assert.Equal(t, "New title", got.Title)
	assert.Contains(t, string(got.Data), "New title")
}

func TestUpdatedAt_StrictlyIncreasesWithFrozenClock(t *testing.T) {
	ctx := context.Background()
	frozen := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := storetest.New(t, store.WithClock(func() time.Time { return frozen }))

	require.NoError(t, s.UpsertOne(ctx, storetest.Row("ocds-1", "a", jan)))
	first, err := s.Get(ctx, "ocds-1")
	require.NoError(t, err)
	require.NoError(t, s.UpsertOne(ctx, storetest.Row("ocds-1", "b", jan)))
	second, err := s.Get(ctx, "ocds-1")
	require.NoError(t, err)

	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
	assert.True(t, second.CreatedAt.Equal(first.CreatedAt))
}

func TestUpsertMany_DedupesLastWins(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	n, err := s.UpsertMany(ctx, []store.Row{
		storetest.Row("ocds-1", "first", jan),
		storetest.Row("ocds-2", "other", jan),
		storetest.Row("ocds-1", "last", jan),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.Get(ctx, "ocds-1")
	require.NoError(t, err)
	assert.Equal(t, "last", got.Title)
}

func TestUpsertMany_FailureRollsBackAndPerRowSalvages(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	bad := storetest.Row("ocds-bad", "no payload", jan)
	bad.Data = nil // violates NOT NULL on data
	rows := []store.Row{
		storetest.Row("ocds-1", "a", jan),
		bad,
		storetest.Row("ocds-2", "b", jan),
	}

	_, err := s.UpsertMany(ctx, rows)
	require.ErrorIs(t, err, store.ErrBulkWrite)
	n, err := s.Count(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Zero(t, n, "bulk write must be all or nothing")

	written, failed := s.UpsertEach(ctx, rows)
	assert.Equal(t, 2, written)
	assert.Equal(t, 1, failed)

	_, err = s.Get(ctx, "ocds-bad")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpsertOne_RejectsEmptyOCID(t *testing.T) {
	s := storetest.New(t)
	err := s.UpsertOne(context.Background(), storetest.Row("", "x", jan))
	assert.ErrorIs(t, err, store.ErrEmptyOCID)
}

func TestLatestUpdatedAt(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock(time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC))
	s := storetest.New(t, store.WithClock(clock.Now))

	latest, err := s.LatestUpdatedAt(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	require.NoError(t, s.UpsertOne(ctx, storetest.Row("ocds-1", "a", jan)))
	clock.Advance(2 * time.Hour)
	require.NoError(t, s.UpsertOne(ctx, storetest.Row("ocds-2", "b", jan)))
	clock.Advance(time.Hour)
	// refreshing an old row makes the cache fresh again
	require.NoError(t, s.UpsertOne(ctx, storetest.Row("ocds-1", "a2", jan)))

	latest, err = s.LatestUpdatedAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.Equal(clock.T), "latest %s", latest)
}

func TestQuery_Pagination(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t, store.WithBatchSize(100))

	rows := make([]store.Row, 0, 251)
	for i := 0; i < 251; i++ {
		rows = append(rows, storetest.Row(fmt.Sprintf("ocds-%03d", i), "t", jan.Add(time.Duration(i)*time.Minute)))
	}
	n, err := s.UpsertMany(ctx, rows)
	require.NoError(t, err)
	require.Equal(t, 251, n)

	seen := map[string]bool{}
	for page, want := range map[int]int{1: 100, 2: 100, 3: 51, 4: 0} {
		got, err := s.Query(ctx, store.Filter{}, store.DefaultSort, page, 100)
		require.NoError(t, err)
		assert.Len(t, got, want, "page %d", page)
		for _, r := range got {
			assert.False(t, seen[r.OCID], "%s returned twice", r.OCID)
			seen[r.OCID] = true
		}
	}
	assert.Len(t, seen, 251)

	first, err := s.Query(ctx, store.Filter{}, store.DefaultSort, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "ocds-250", first[0].OCID, "default sort is newest release first")
}

func seedFilterRows(t *testing.T, s *store.Store) {
	t.Helper()
	mk := func(ocid, title, buyer, status, method, category, province string, date time.Time, amount *float64, currency string) store.Row {
		r := storetest.Row(ocid, title, date)
		r.BuyerName = buyer
		r.Status = status
		r.ProcurementMethod = method
		r.MainProcurementCategory = category
		r.Province = province
		r.ValueAmount = amount
		if currency != "" {
			r.Currency = ptr(currency)
		}
		return r
	}
	_, err := s.UpsertMany(context.Background(), []store.Row{
		mk("a", "Construction of road", "City of Tshwane", "active", "open", "Construction & Engineering", "Gauteng",
			time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), ptr(500000.0), "ZAR"),
		mk("b", "Supply of gloves 100% latex", "Department of Health", "complete", "limited", "Healthcare & Medical", "Limpopo",
			time.Date(2024, 1, 31, 23, 59, 0, 0, time.UTC), ptr(1200.0), "ZAR"),
		mk("c", "Road maintenance", "Eskom", "active", "selective", "Construction & Engineering", "Gauteng",
			time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), nil, ""),
		mk("d", "Software licences", "SITA", "cancelled", "open", "Information Technology", "Western Cape",
			time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), ptr(1000.0), "USD"),
	})
	require.NoError(t, err)
}

func TestQuery_Filters(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	seedFilterRows(t, s)

	cases := []struct {
		name   string
		filter store.Filter
		want   []string
	}{
		{"all", store.Filter{}, []string{"a", "b", "c", "d"}},
		{"end day inclusive", store.Filter{
			DateFrom: ptr(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
			DateTo:   ptr(time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)),
		}, []string{"a", "b", "d"}},
		{"search tokens all match", store.Filter{Search: "road ACTIVE"}, []string{"a", "c"}},
		{"search token missing", store.Filter{Search: "road gloves"}, nil},
		{"search literal percent", store.Filter{Search: "100%"}, []string{"b"}},
		{"search underscore is literal", store.Filter{Search: "_"}, nil},
		{"buyer substring", store.Filter{BuyerName: "health"}, []string{"b"}},
		{"status substring", store.Filter{Status: "CANCEL"}, []string{"d"}},
		{"method", store.Filter{ProcurementMethod: "open"}, []string{"a", "d"}},
		{"value range", store.Filter{ValueMin: ptr(1000.0), ValueMax: ptr(2000.0)}, []string{"b", "d"}},
		{"currency exact", store.Filter{Currency: "USD"}, []string{"d"}},
		{"category exact", store.Filter{Category: "Construction & Engineering"}, []string{"a", "c"}},
		{"province exact", store.Filter{Province: "Gauteng", Status: "active"}, []string{"a", "c"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.Query(ctx, tc.filter, store.Sort{Field: store.SortTitle}, 1, 50)
			require.NoError(t, err)
			var ids []string
			for _, r := range got {
				ids = append(ids, r.OCID)
			}
			assert.ElementsMatch(t, tc.want, ids)

			n, err := s.Count(ctx, tc.filter)
			require.NoError(t, err)
			assert.EqualValues(t, len(tc.want), n)
		})
	}
}

func TestQuery_Sort(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	seedFilterRows(t, s)

	ids := func(sort store.Sort) []string {
		got, err := s.Query(ctx, store.Filter{ValueMin: ptr(0.0)}, sort, 1, 10)
		require.NoError(t, err)
		var out []string
		for _, r := range got {
			out = append(out, r.OCID)
		}
		return out
	}
	assert.Equal(t, []string{"d", "b", "a"}, ids(store.ParseSort("valueAmount", "asc")))
	assert.Equal(t, []string{"a", "b", "d"}, ids(store.ParseSort("valueAmount", "desc")))
	assert.Equal(t, []string{"b", "d", "a"}, ids(store.ParseSort("bogus", "")))
}

func TestQuery_SortPutsMissingAmountsLast(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	seedFilterRows(t, s)

	ids := func(sort store.Sort) []string {
		got, err := s.Query(ctx, store.Filter{}, sort, 1, 10)
		require.NoError(t, err)
		var out []string
		for _, r := range got {
			out = append(out, r.OCID)
		}
		return out
	}
	assert.Equal(t, []string{"d", "b", "a", "c"}, ids(store.ParseSort("valueAmount", "asc")))
	assert.Equal(t, []string{"a", "b", "d", "c"}, ids(store.ParseSort("valueAmount", "desc")))
}

func TestQuery_SearchFoldsCaseLikeTheDatabase(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	_, err := s.UpsertMany(ctx, []store.Row{
		storetest.Row("e1", "École renovation", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)),
		storetest.Row("e2", "Fence repair", time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	for _, q := range []string{"ÉCOLE", "École", "RENOVATION"} {
		got, err := s.Query(ctx, store.Filter{Search: q}, store.DefaultSort, 1, 10)
		require.NoError(t, err)
		require.Len(t, got, 1, q)
		assert.Equal(t, "e1", got[0].OCID)
	}
}

func TestUpsertMany_ConcurrentWritersOverlap(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.UpsertMany(ctx, []store.Row{storetest.Row("shared-0", "first", day)})
	require.NoError(t, err)
	before, err := s.Get(ctx, "shared-0")
	require.NoError(t, err)

	batch := func(prefix string) []store.Row {
		var rows []store.Row
		for i := 0; i < 20; i++ {
			rows = append(rows, storetest.Row(fmt.Sprintf("shared-%d", i), prefix, day))
		}
		return rows
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, who := range []string{"writer-a", "writer-b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpsertMany(ctx, batch(who))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	n, err := s.Count(ctx, store.Filter{})
	require.NoError(t, err)
	assert.EqualValues(t, 20, n)

	after, err := s.Get(ctx, "shared-0")
	require.NoError(t, err)
	assert.True(t, before.CreatedAt.Equal(after.CreatedAt), "created_at survives concurrent upserts")
	assert.Contains(t, []string{"writer-a", "writer-b"}, after.Title)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	raw := storetest.Raw("ocds-1", "x", jan)
	require.NoError(t, s.UpsertOne(ctx, store.Row{Fields: storetest.Row("ocds-1", "x", jan).Fields, Data: raw}))
	got, err := s.Get(ctx, "ocds-1")
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(json.RawMessage(got.Data)))
}

func TestState_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	st, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, db.StateID, st.ID)
	assert.False(t, st.IsBackfillComplete)
	assert.Zero(t, st.LastHistoricalPage)
	assert.True(t, st.LastDailySync.Equal(db.Epoch))

	// loading again must not create another row or reset progress
	require.NoError(t, s.AdvanceCursor(ctx, 0, 1))
	st, err = s.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.LastHistoricalPage)
	var rows int64
	require.NoError(t, s.DB().Model(&db.IngestionState{}).Count(&rows).Error)
	assert.EqualValues(t, 1, rows)

	require.NoError(t, s.MarkBackfillComplete(ctx))
	require.NoError(t, s.MarkBackfillComplete(ctx))
	st, err = s.LoadState(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsBackfillComplete)
}

func TestAdvanceCursor_Conflict(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	_, err := s.LoadState(ctx)
	require.NoError(t, err)

	require.NoError(t, s.AdvanceCursor(ctx, 0, 1))
	// a second run that also read cursor 0
	assert.ErrorIs(t, s.AdvanceCursor(ctx, 0, 1), store.ErrCursorConflict)
	assert.Error(t, s.AdvanceCursor(ctx, 1, 1))

	st, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.LastHistoricalPage)
}

func TestSetLastDailySync_OnlyMovesForward(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	_, err := s.LoadState(ctx)
	require.NoError(t, err)

	t1 := time.Date(2025, 3, 2, 6, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetLastDailySync(ctx, t1))
	require.NoError(t, s.SetLastDailySync(ctx, t1.Add(-24*time.Hour)))

	st, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.True(t, st.LastDailySync.Equal(t1), "got %s", st.LastDailySync)
}

func TestUpdatedAtFor(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock(time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC))
	s := storetest.New(t, store.WithClock(clock.Now))

	require.NoError(t, s.UpsertOne(ctx, storetest.Row("ocds-1", "a", jan)))
	clock.Advance(time.Hour)
	require.NoError(t, s.UpsertOne(ctx, storetest.Row("ocds-2", "b", jan)))

	got, err := s.UpdatedAtFor(ctx, []string{"ocds-1", "ocds-2", "ocds-3"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got["ocds-1"].Equal(clock.T.Add(-time.Hour)))
	assert.True(t, got["ocds-2"].Equal(clock.T))
}
