// internal/server/releases.go
package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbakes1/unl-bb/internal/query"
)

const (
	listCacheControl   = "public, s-maxage=300, stale-while-revalidate=600"
	detailCacheControl = "public, s-maxage=3600, stale-while-revalidate=7200"
)

type listLinks struct {
	Next string `json:"next,omitempty"`
}

type listMeta struct {
	LastUpdated      *time.Time `json:"lastUpdated"`
	HoursSinceUpdate *float64   `json:"hoursSinceUpdate"`
	TotalCount       int64      `json:"totalCount"`
	CurrentPage      int        `json:"currentPage"`
	TotalPages       int        `json:"totalPages"`
	Source           string     `json:"source"`
}

type listResponse struct {
	Releases []json.RawMessage `json:"releases"`
	Links    *listLinks        `json:"links,omitempty"`
	Meta     listMeta          `json:"meta"`
}

func (s *Server) listReleases(c *gin.Context) {
	req, err := parseListRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	res, err := s.reader.ListReleases(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Cache-Control", listCacheControl)
	if res.Source == query.SourceFallback {
		c.Data(http.StatusOK, "application/json; charset=utf-8", res.Upstream)
		return
	}

	releases := res.Releases
	if releases == nil {
		releases = []json.RawMessage{}
	}
	out := listResponse{
		Releases: releases,
		Meta: listMeta{
			LastUpdated: res.LastUpdated,
			TotalCount:  res.TotalCount,
			CurrentPage: res.Page,
			TotalPages:  res.TotalPages,
			Source:      res.Source,
		},
	}
	if res.LastUpdated != nil {
		hours := s.opts.Now().Sub(*res.LastUpdated).Hours()
		hours = math.Round(hours*100) / 100
		out.Meta.HoursSinceUpdate = &hours
	}
	if res.HasNext {
		out.Links = &listLinks{Next: nextPageURL(c, res.Page+1)}
	}
	c.JSON(http.StatusOK, out)
}

func nextPageURL(c *gin.Context, page int) string {
	q := c.Request.URL.Query()
	q.Set("PageNumber", strconv.Itoa(page))
	return c.Request.URL.Path + "?" + q.Encode()
}

func (s *Server) getRelease(c *gin.Context) {
	ocid := strings.TrimSpace(c.Param("ocid"))
	if ocid == "" {
		AbortWithError(c, newValidationError("ocid", "required", "ocid is required"))
		return
	}

	d, err := s.reader.GetReleaseDetail(c.Request.Context(), ocid)
	if errors.Is(err, query.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Release not found", "ocid": ocid})
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Cache-Control", detailCacheControl)
	c.Header("X-Cache-Source", d.Source)
	c.Data(http.StatusOK, "application/json; charset=utf-8", d.Release)
}

type warmRequest struct {
	OCIDs []string `json:"ocids"`
}

func (s *Server) warmDetails(c *gin.Context) {
	var req warmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if len(req.OCIDs) == 0 {
		AbortWithError(c, newValidationError("ocids", "required", "ocids must be a non-empty array"))
		return
	}

	res, err := s.reader.WarmDetails(c.Request.Context(), req.OCIDs)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
