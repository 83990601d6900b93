// internal/server/query_params.go
package server

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbakes1/unl-bb/internal/query"
	"github.com/mbakes1/unl-bb/internal/store"
)

const dateOnlyLayout = "2006-01-02"

func parseOptionalTime(value string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		parsed = parsed.UTC()
		return &parsed, nil
	}
	if parsed, err := time.Parse(dateOnlyLayout, trimmed); err == nil {
		return &parsed, nil
	}
	return nil, errors.New("invalid_time")
}

func parseOptionalFloat(value string) (*float64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseIntDefault(value string, def int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return def
	}
	return parsed
}

func parseListRequest(c *gin.Context) (query.ListRequest, error) {
	var verrs []ValidationError
	timeParam := func(name string) *time.Time {
		t, err := parseOptionalTime(c.Query(name))
		if err != nil {
			verrs = append(verrs, ValidationError{Field: name, Code: "invalid_time", Message: "expected YYYY-MM-DD"})
		}
		return t
	}
	floatParam := func(name string) *float64 {
		v, err := parseOptionalFloat(c.Query(name))
		if err != nil {
			verrs = append(verrs, ValidationError{Field: name, Code: "invalid_number", Message: "expected a number"})
		}
		return v
	}

	f := store.Filter{
		DateFrom:          timeParam("dateFrom"),
		DateTo:            timeParam("dateTo"),
		Search:            strings.TrimSpace(c.Query("search")),
		Status:            strings.TrimSpace(c.Query("status")),
		ProcurementMethod: strings.TrimSpace(c.Query("procurementMethod")),
		BuyerName:         strings.TrimSpace(c.Query("buyerName")),
		ValueMin:          floatParam("valueMin"),
		ValueMax:          floatParam("valueMax"),
		Currency:          strings.TrimSpace(c.Query("currency")),
		Category:          strings.TrimSpace(c.Query("category")),
		Province:          strings.TrimSpace(c.Query("province")),
	}
	if len(verrs) > 0 {
		return query.ListRequest{}, &ValidationErrors{Errors: verrs}
	}

	page, pageSize := query.ClampPaging(
		parseIntDefault(c.Query("PageNumber"), 1),
		parseIntDefault(c.Query("PageSize"), query.DefaultPageSize),
	)
	force, _ := strconv.ParseBool(c.Query("force"))
	return query.ListRequest{
		Filter:   f,
		Sort:     store.ParseSort(c.Query("sortBy"), c.Query("sortOrder")),
		Page:     page,
		PageSize: pageSize,
		Force:    force,
		RawQuery: c.Request.URL.RawQuery,
	}, nil
}
