// internal/query/detail.go
package query

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/mbakes1/unl-bb/internal/freshness"
	"github.com/mbakes1/unl-bb/internal/store"
	"github.com/mbakes1/unl-bb/internal/upstream"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	maxWarm         = 10
	warmConcurrency = 4
)

type Detail struct {
	Release json.RawMessage
	Source  string
}

// GetReleaseDetail returns the cached release, refreshing it in the background when it
// is older than the detail threshold. Uncached releases are fetched and stored.
func (s *Service) GetReleaseDetail(ctx context.Context, ocid string) (*Detail, error) {
	rec, err := s.store.Get(ctx, ocid)
	switch {
	case err == nil:
		updated := rec.UpdatedAt
		if freshness.ShouldRefresh(&updated, freshness.DetailThreshold, s.now()) {
			s.gate.MaybeTriggerBackground("detail:"+ocid, func(ctx context.Context) error {
				_, err := s.ing.RefreshOne(ctx, ocid)
				return err
			})
		}
		s.m.IncRead("detail", SourceCache)
		return &Detail{Release: json.RawMessage(rec.Data), Source: SourceCache}, nil

	case errors.Is(err, store.ErrNotFound):
		raw, err := s.fetchDetail(ctx, ocid)
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			s.log.Debug().Err(err).Str("ocid", ocid).Msg("release not cached and upstream failed")
			s.m.IncRead("detail", "not_found")
			return nil, ErrNotFound
		}
		s.m.IncRead("detail", SourceUpstream)
		return &Detail{Release: raw, Source: SourceUpstream}, nil

	default:
		s.log.Warn().Err(err).Str("ocid", ocid).Msg("cache read failed, fetching release upstream")
		raw, uerr := s.up.FetchRelease(ctx, ocid)
		if upstream.IsNotFound(uerr) {
			return nil, ErrNotFound
		}
		if uerr != nil {
			return nil, errors.Join(ErrUnavailable, err, uerr)
		}
		s.m.IncRead("detail", SourceFallback)
		return &Detail{Release: raw, Source: SourceFallback}, nil
	}
}

// fetchDetail fetches and stores one release; concurrent calls for an ocid share one fetch.
// The shared fetch ignores the caller's cancellation, a cancelled caller only stops waiting.
// A fetched release is returned even when storing it failed.
func (s *Service) fetchDetail(ctx context.Context, ocid string) (json.RawMessage, error) {
	shared := context.WithoutCancel(ctx)
	ch := s.sf.DoChan(ocid, func() (any, error) {
		return s.ing.RefreshOne(shared, ocid)
	})
	var r singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r = <-ch:
	}
	raw, _ := r.Val.(json.RawMessage)
	err := r.Err
	if err != nil && len(raw) > 0 {
		s.log.Warn().Err(err).Str("ocid", ocid).Msg("fetched release could not be cached")
		return raw, nil
	}
	return raw, err
}

type WarmResult struct {
	Requested int `json:"requested"`
	Cached    int `json:"cached"`
	Fetched   int `json:"fetched"`
	Failed    int `json:"failed"`
}

// WarmDetails makes sure up to ten releases are cached and fresh, fetching the missing
// or stale ones concurrently.
func (s *Service) WarmDetails(ctx context.Context, ocids []string) (WarmResult, error) {
	ocids = uniqueOCIDs(ocids, maxWarm)
	res := WarmResult{Requested: len(ocids)}
	if len(ocids) == 0 {
		return res, nil
	}

	seen, err := s.store.UpdatedAtFor(ctx, ocids)
	if err != nil {
		return res, err
	}
	now := s.now()
	var stale []string
	for _, o := range ocids {
		t, ok := seen[o]
		if !ok || freshness.ShouldRefresh(&t, freshness.DetailThreshold, now) {
			stale = append(stale, o)
		}
	}
	res.Cached = len(ocids) - len(stale)

	var fetched atomic.Int64
	var g errgroup.Group
	g.SetLimit(warmConcurrency)
	for _, o := range stale {
		g.Go(func() error {
			if _, err := s.fetchDetail(ctx, o); err != nil {
				s.log.Debug().Err(err).Str("ocid", o).Msg("warm fetch failed")
				return nil
			}
			fetched.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res.Fetched = int(fetched.Load())
	res.Failed = len(stale) - res.Fetched
	return res, nil
}

func uniqueOCIDs(in []string, limit int) []string {
	out := make([]string, 0, min(len(in), limit))
	seen := map[string]bool{}
	for _, o := range in {
		o = strings.TrimSpace(o)
		if o == "" || seen[o] {
			continue
		}
		seen[o] = true
		out = append(out, o)
		if len(out) == limit {
			break
		}
	}
	return out
}
