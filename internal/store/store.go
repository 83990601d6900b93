// internal/store/store.go

// Package store is the cache persistence layer: idempotent upserts keyed on ocid,
// filtered reads and the ingestion state singleton.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mbakes1/unl-bb/internal/db"
	"github.com/mbakes1/unl-bb/internal/normalize"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound       = errors.New("release not found")
	ErrBulkWrite      = errors.New("bulk write failed")
	ErrCursorConflict = errors.New("backfill cursor moved concurrently")
	ErrEmptyOCID      = errors.New("release without ocid")
)

// Row is one ingestion event: the flattened fields and the payload they came from.
type Row struct {
	normalize.Fields
	Data json.RawMessage
}

// columns overwritten on ocid conflict; created_at is never touched
var updateColumns = []string{
	"release_date", "title", "buyer_name", "status", "procurement_method",
	"main_procurement_category", "province", "value_amount", "currency",
	"data", "updated_at",
}

type Store struct {
	db        *gorm.DB
	log       zerolog.Logger
	batchSize int

	clockMu sync.Mutex
	now     func() time.Time
	last    time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func New(gdb *gorm.DB, log zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		db:        gdb,
		log:       log.With().Str("component", "store").Logger(),
		batchSize: 100,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) DB() *gorm.DB { return s.db }

// tick returns the write timestamp. Values are UTC, microsecond precision (what every
// supported database keeps) and strictly increasing within the process.
func (s *Store) tick() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *Store) record(r Row, ts time.Time) db.Release {
	return db.Release{
		OCID:                    r.OCID,
		ReleaseDate:             r.ReleaseDate.UTC(),
		Title:                   r.Title,
		BuyerName:               r.BuyerName,
		Status:                  r.Status,
		ProcurementMethod:       r.ProcurementMethod,
		MainProcurementCategory: r.MainProcurementCategory,
		Province:                r.Province,
		ValueAmount:             r.ValueAmount,
		Currency:                r.Currency,
		Data:                    datatypes.JSON(r.Data),
		CreatedAt:               ts,
		UpdatedAt:               ts,
	}
}

func (s *Store) upsert(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ocid"}},
		DoUpdates: clause.AssignmentColumns(updateColumns),
	})
}

// UpsertMany writes rows atomically. Duplicate ocids inside rows collapse to the
// last occurrence. Any failure rolls the whole batch back and is reported as ErrBulkWrite.
func (s *Store) UpsertMany(ctx context.Context, rows []Row) (int, error) {
	rows = Dedupe(rows)
	if len(rows) == 0 {
		return 0, nil
	}
	recs := make([]db.Release, 0, len(rows))
	for _, r := range rows {
		if r.OCID == "" {
			return 0, fmt.Errorf("%w: %w", ErrBulkWrite, ErrEmptyOCID)
		}
		recs = append(recs, s.record(r, s.tick()))
	}

	// CreateInBatches runs all chunks inside one transaction
	if err := s.upsert(ctx).CreateInBatches(&recs, s.batchSize).Error; err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBulkWrite, err)
	}
	return len(recs), nil
}

// UpsertOne writes a single row.
func (s *Store) UpsertOne(ctx context.Context, r Row) error {
	if r.OCID == "" {
		return ErrEmptyOCID
	}
	rec := s.record(r, s.tick())
	if err := s.upsert(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("upsert %s: %w", r.OCID, err)
	}
	return nil
}

// UpsertEach writes rows one by one. A failing row is logged and skipped.
func (s *Store) UpsertEach(ctx context.Context, rows []Row) (written int, failed int) {
	for _, r := range Dedupe(rows) {
		if err := s.UpsertOne(ctx, r); err != nil {
			s.log.Warn().Err(err).Str("ocid", r.OCID).Msg("row write failed, skipping")
			failed++
			continue
		}
		written++
	}
	return written, failed
}

// Dedupe keeps the last occurrence of every ocid, preserving first-seen order.
func Dedupe(rows []Row) []Row {
	if len(rows) < 2 {
		return rows
	}
	idx := make(map[string]int, len(rows))
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if i, ok := idx[r.OCID]; ok {
			out[i] = r
			continue
		}
		idx[r.OCID] = len(out)
		out = append(out, r)
	}
	return out
}

func (s *Store) Get(ctx context.Context, ocid string) (*db.Release, error) {
	var rec db.Release
	err := s.db.WithContext(ctx).Where("ocid = ?", ocid).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", ocid, err)
	}
	return &rec, nil
}

func (s *Store) Count(ctx context.Context, f Filter) (int64, error) {
	var n int64
	if err := f.apply(s.db.WithContext(ctx).Model(&db.Release{})).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count releases: %w", err)
	}
	return n, nil
}

// LatestUpdatedAt is the most recent write time in the cache, nil when it is empty.
// Staleness is measured on updated_at, not created_at: created_at never moves on upsert.
func (s *Store) LatestUpdatedAt(ctx context.Context) (*time.Time, error) {
	var rec db.Release
	err := s.db.WithContext(ctx).
		Select("updated_at").
		Order("updated_at DESC").
		Limit(1).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest updated_at: %w", err)
	}
	t := rec.UpdatedAt.UTC()
	return &t, nil
}

// Query returns one page of matching releases. page is 1-based.
func (s *Store) Query(ctx context.Context, f Filter, sort Sort, page, pageSize int) ([]db.Release, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	var recs []db.Release
	err := sort.apply(f.apply(s.db.WithContext(ctx).Model(&db.Release{}))).
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("query releases: %w", err)
	}
	return recs, nil
}

// UpdatedAtFor returns the last write time of each cached ocid among ocids.
func (s *Store) UpdatedAtFor(ctx context.Context, ocids []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(ocids))
	if len(ocids) == 0 {
		return out, nil
	}
	var recs []db.Release
	err := s.db.WithContext(ctx).
		Select("ocid", "updated_at").
		Where("ocid IN ?", ocids).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("updated_at lookup: %w", err)
	}
	for _, r := range recs {
		out[r.OCID] = r.UpdatedAt.UTC()
	}
	return out, nil
}
