// internal/server/admin.go
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbakes1/unl-bb/internal/db"
	"github.com/mbakes1/unl-bb/internal/freshness"
	"github.com/mbakes1/unl-bb/internal/ingest"
	"github.com/mbakes1/unl-bb/internal/store"
)

const (
	backfillKey  = string(ingest.ModeBackfill)
	dailySyncKey = string(ingest.ModeDailySync)

	// the self-triggered request is only dispatched; its step runs detached on the far side
	selfTriggerTimeout = 5 * time.Second
)

type stepResponse struct {
	Message string `json:"message"`
	ingest.StepResult
}

func (s *Server) ingestHistoricalPage(c *gin.Context) {
	// a dropped client must not abort a page halfway
	ctx := context.WithoutCancel(c.Request.Context())

	res, err := s.backfillStep(ctx)
	if err != nil {
		if !errors.Is(err, freshness.ErrBusy) {
			s.log.Error().Err(err).Int("page", res.Page).Msg("backfill step failed")
		}
		AbortWithError(c, err)
		return
	}

	out := stepResponse{StepResult: res}
	switch {
	case res.Complete:
		out.Message = "backfill complete"
	case res.More:
		out.Message = fmt.Sprintf("processed page %d, next page triggered", res.Page)
		if !s.triggerNextPage(res.Page + 1) {
			out.Message = fmt.Sprintf("processed page %d, next page not triggered", res.Page)
		}
	default:
		out.Message = fmt.Sprintf("processed page %d", res.Page)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) backfillStep(ctx context.Context) (ingest.StepResult, error) {
	var res ingest.StepResult
	err := s.gate.Exclusive(ctx, backfillKey, func(ctx context.Context) error {
		var err error
		res, err = s.ing.BackfillStep(ctx)
		return err
	})
	return res, err
}

// triggerNextPage schedules the following page. It never waits for that page.
func (s *Server) triggerNextPage(page int) bool {
	key := fmt.Sprintf("backfill-trigger:%d", page)
	if s.opts.SelfURL == "" {
		return s.gate.MaybeTriggerBackground(key, s.continueBackfill)
	}
	return s.gate.MaybeTriggerBackground(key, func(ctx context.Context) error {
		return s.postSelf(ctx, "/api/admin/ingest-historical-page")
	})
}

// continueBackfill runs one page per background task and hands the next page to a new
// task, so every page gets a fresh task timeout. When the pool is full it keeps going
// in the current task.
func (s *Server) continueBackfill(ctx context.Context) error {
	for {
		res, err := s.backfillStep(ctx)
		if err != nil {
			return err
		}
		if !res.More {
			s.log.Info().Int("page", res.Page).Bool("complete", res.Complete).Msg("backfill chain done")
			return nil
		}
		if s.triggerNextPage(res.Page + 1) {
			return nil
		}
	}
}

func (s *Server) postSelf(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, selfTriggerTimeout)
	defer cancel()

	url := strings.TrimRight(s.opts.SelfURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.opts.AdminToken)

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.log.Debug().Str("url", url).Msg("self trigger dispatched")
			return nil
		}
		return fmt.Errorf("self trigger: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("self trigger: http %d", resp.StatusCode)
	}
	return nil
}

type syncResponse struct {
	Message string `json:"message"`
	Pages   int    `json:"pages"`
	Fetched int    `json:"fetched"`
	Written int    `json:"written"`
	Skipped bool   `json:"skipped"`
	More    bool   `json:"more"`
}

func (s *Server) dailySync(c *gin.Context) {
	ctx := context.WithoutCancel(c.Request.Context())

	var res ingest.RunResult
	err := s.gate.Exclusive(ctx, dailySyncKey, func(ctx context.Context) error {
		var err error
		res, err = s.ing.DailySync(ctx)
		return err
	})
	if errors.Is(err, freshness.ErrBusy) {
		AbortWithError(c, err)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("daily sync failed")
		AbortWithError(c, fmt.Errorf("daily sync: %w", err))
		return
	}

	out := syncResponse{
		Pages:   res.Pages,
		Fetched: res.Fetched,
		Written: res.Written,
		Skipped: res.Skipped,
		More:    res.More,
	}
	switch {
	case res.Skipped:
		out.Message = "backfill not complete, daily sync skipped"
	case res.More:
		out.Message = fmt.Sprintf("synced %d pages, page limit reached", res.Pages)
	default:
		out.Message = fmt.Sprintf("synced %d pages", res.Pages)
	}
	c.JSON(http.StatusOK, out)
}

type statusResponse struct {
	IsBackfillComplete bool       `json:"isBackfillComplete"`
	LastHistoricalPage int        `json:"lastHistoricalPage"`
	LastDailySync      *time.Time `json:"lastDailySync"`
	UpdatedAt          time.Time  `json:"updatedAt"`
	Releases           int64      `json:"releases"`
}

func (s *Server) status(c *gin.Context) {
	ctx := c.Request.Context()
	st, err := s.store.LoadState(ctx)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	n, err := s.store.Count(ctx, store.Filter{})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := statusResponse{
		IsBackfillComplete: st.IsBackfillComplete,
		LastHistoricalPage: st.LastHistoricalPage,
		UpdatedAt:          st.UpdatedAt,
		Releases:           n,
	}
	if st.LastDailySync.After(db.Epoch) {
		t := st.LastDailySync
		out.LastDailySync = &t
	}
	c.JSON(http.StatusOK, out)
}
