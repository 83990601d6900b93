// internal/query/service.go

// Package query is the read path: cache first, freshness side effects, upstream fallback.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbakes1/unl-bb/internal/db"
	"github.com/mbakes1/unl-bb/internal/freshness"
	"github.com/mbakes1/unl-bb/internal/ingest"
	"github.com/mbakes1/unl-bb/internal/metrics"
	"github.com/mbakes1/unl-bb/internal/store"
	"github.com/rs/zerolog"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/singleflight"
)

const (
	SourceCache    = "cache"
	SourceFallback = "external_api_fallback"
	SourceUpstream = "upstream"

	DefaultPageSize = 50
	MaxPageSize     = 100
)

var (
	// ErrNotFound: the ocid is neither cached nor available upstream.
	ErrNotFound = errors.New("release not found")
	// ErrUnavailable: the cache and upstream both failed.
	ErrUnavailable = errors.New("cache and upstream unavailable")
)

type Store interface {
	Count(ctx context.Context, f store.Filter) (int64, error)
	LatestUpdatedAt(ctx context.Context) (*time.Time, error)
	Query(ctx context.Context, f store.Filter, sort store.Sort, page, pageSize int) ([]db.Release, error)
	Get(ctx context.Context, ocid string) (*db.Release, error)
	UpdatedAtFor(ctx context.Context, ocids []string) (map[string]time.Time, error)
}

type Upstream interface {
	Passthrough(ctx context.Context, rawQuery string) (json.RawMessage, error)
	FetchRelease(ctx context.Context, ocid string) (json.RawMessage, error)
}

// Refresher writes fresh upstream data into the cache.
type Refresher interface {
	Refresh(ctx context.Context) (ingest.RunResult, error)
	Populate(ctx context.Context, from, to time.Time) (ingest.RunResult, error)
	RefreshOne(ctx context.Context, ocid string) (json.RawMessage, error)
}

type Options struct {
	Log     zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Service struct {
	store Store
	up    Upstream
	ing   Refresher
	gate  *freshness.Gate
	log   zerolog.Logger
	m     *metrics.Metrics
	now   func() time.Time
	sf    singleflight.Group
}

func New(st Store, up Upstream, ing Refresher, gate *freshness.Gate, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store: st,
		up:    up,
		ing:   ing,
		gate:  gate,
		log:   opts.Log.With().Str("component", "query").Logger(),
		m:     opts.Metrics,
		now:   opts.Now,
	}
}

type ListRequest struct {
	Filter   store.Filter
	Sort     store.Sort
	Page     int
	PageSize int
	// Force refreshes in the background whatever the cache age.
	Force bool
	// RawQuery is forwarded verbatim when the cache cannot be read.
	RawQuery string
}

type ListResult struct {
	Releases    []json.RawMessage
	HasNext     bool
	TotalCount  int64
	Page        int
	PageSize    int
	TotalPages  int
	LastUpdated *time.Time
	Source      string
	// Upstream is the annotated upstream body when Source is SourceFallback.
	Upstream json.RawMessage
}

// ClampPaging applies the page defaults and the page size cap.
func ClampPaging(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

// ListReleases serves a page from the cache. An empty cache is populated first; a stale
// one is refreshed in the background. Store failures fall back to upstream.
func (s *Service) ListReleases(ctx context.Context, req ListRequest) (*ListResult, error) {
	req.Page, req.PageSize = ClampPaging(req.Page, req.PageSize)

	cached, err := s.store.Count(ctx, store.Filter{})
	if err != nil {
		return s.fallback(ctx, req, err)
	}
	if cached == 0 {
		from, to := window(req.Filter)
		if _, err := s.gate.EnsurePopulated(ctx, cached, func(ctx context.Context) error {
			_, err := s.ing.Populate(ctx, from, to)
			return err
		}); err != nil {
			return s.fallback(ctx, req, err)
		}
	}

	latest, err := s.store.LatestUpdatedAt(ctx)
	if err != nil {
		return s.fallback(ctx, req, err)
	}
	now := s.now()
	if latest != nil {
		s.m.SetCacheAge(now.Sub(*latest))
	}
	if req.Force || freshness.ShouldRefresh(latest, freshness.ListThreshold, now) {
		s.gate.MaybeTriggerBackground("list", func(ctx context.Context) error {
			_, err := s.ing.Refresh(ctx)
			return err
		})
	}

	total, err := s.store.Count(ctx, req.Filter)
	if err != nil {
		return s.fallback(ctx, req, err)
	}
	rows, err := s.store.Query(ctx, req.Filter, req.Sort, req.Page, req.PageSize)
	if err != nil {
		return s.fallback(ctx, req, err)
	}

	res := &ListResult{
		Releases:    make([]json.RawMessage, 0, len(rows)),
		TotalCount:  total,
		Page:        req.Page,
		PageSize:    req.PageSize,
		TotalPages:  int((total + int64(req.PageSize) - 1) / int64(req.PageSize)),
		HasNext:     int64(req.Page)*int64(req.PageSize) < total,
		LastUpdated: latest,
		Source:      SourceCache,
	}
	for _, r := range rows {
		res.Releases = append(res.Releases, json.RawMessage(r.Data))
	}
	s.m.IncRead("list", SourceCache)
	return res, nil
}

func (s *Service) fallback(ctx context.Context, req ListRequest, cause error) (*ListResult, error) {
	s.log.Warn().Err(cause).Msg("cache read failed, falling back to upstream")
	body, err := s.up.Passthrough(ctx, req.RawQuery)
	if err != nil {
		s.m.IncRead("list", metrics.OutcomeError)
		return nil, fmt.Errorf("%w: cache: %v; upstream: %w", ErrUnavailable, cause, err)
	}
	s.m.IncRead("list", SourceFallback)
	return &ListResult{
		Page:     req.Page,
		PageSize: req.PageSize,
		Source:   SourceFallback,
		Upstream: annotate(body, "Served from the external API because the cache is unavailable"),
	}, nil
}

// annotate sets meta.source and meta.message on an upstream object body.
func annotate(body json.RawMessage, msg string) json.RawMessage {
	out, err := sjson.SetBytes(body, "meta.source", SourceFallback)
	if err != nil {
		return body
	}
	if out, err = sjson.SetBytes(out, "meta.message", msg); err != nil {
		return body
	}
	return out
}

// window is the populate range for a filter; zero values let the reconciler pick.
func window(f store.Filter) (from, to time.Time) {
	if f.DateFrom != nil {
		from = *f.DateFrom
	}
	if f.DateTo != nil {
		to = *f.DateTo
	}
	return from, to
}
