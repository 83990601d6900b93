// internal/store/filter.go
package store

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Filter narrows a release query. Zero values match everything.
type Filter struct {
	DateFrom *time.Time // inclusive
	DateTo   *time.Time // inclusive, whole day

	// Search is split on whitespace; every token must appear in title, buyer,
	// status or procurement method.
	Search string

	// case-insensitive substring
	Status            string
	ProcurementMethod string
	BuyerName         string

	ValueMin *float64
	ValueMax *float64

	// exact
	Currency string
	Category string
	Province string
}

type SortField string

const (
	SortReleaseDate SortField = "releaseDate"
	SortValueAmount SortField = "valueAmount"
	SortBuyerName   SortField = "buyerName"
	SortTitle       SortField = "title"
)

var sortColumns = map[SortField]string{
	SortReleaseDate: "release_date",
	SortValueAmount: "value_amount",
	SortBuyerName:   "buyer_name",
	SortTitle:       "title",
}

type Sort struct {
	Field SortField
	Desc  bool
}

// DefaultSort is newest release first.
var DefaultSort = Sort{Field: SortReleaseDate, Desc: true}

// ParseSort maps request values onto a Sort. Unknown fields fall back to releaseDate,
// anything but "asc" sorts descending.
func ParseSort(field, order string) Sort {
	s := DefaultSort
	if _, ok := sortColumns[SortField(field)]; ok {
		s.Field = SortField(field)
	}
	s.Desc = !strings.EqualFold(strings.TrimSpace(order), "asc")
	return s
}

func (s Sort) apply(q *gorm.DB) *gorm.DB {
	col, ok := sortColumns[s.Field]
	if !ok {
		col = "release_date"
	}
	dir := "ASC"
	if s.Desc {
		dir = "DESC"
	}
	if col == "value_amount" {
		// drivers disagree on where NULL sorts; missing amounts always go last
		q = q.Order("value_amount IS NULL")
	}
	// ocid keeps page boundaries stable when the sort key ties
	return q.Order(fmt.Sprintf("%s %s", col, dir)).Order("ocid " + dir)
}

func (f Filter) apply(q *gorm.DB) *gorm.DB {
	if f.DateFrom != nil {
		q = q.Where("release_date >= ?", dayStart(*f.DateFrom))
	}
	if f.DateTo != nil {
		q = q.Where("release_date < ?", dayStart(*f.DateTo).AddDate(0, 0, 1))
	}
	for _, tok := range strings.Fields(f.Search) {
		p := likePattern(tok)
		q = q.Where(
			"(LOWER(title) LIKE LOWER(?) ESCAPE '!' OR LOWER(buyer_name) LIKE LOWER(?) ESCAPE '!' OR "+
				"LOWER(status) LIKE LOWER(?) ESCAPE '!' OR LOWER(procurement_method) LIKE LOWER(?) ESCAPE '!')",
			p, p, p, p)
	}
	if f.Status != "" {
		q = q.Where("LOWER(status) LIKE LOWER(?) ESCAPE '!'", likePattern(f.Status))
	}
	if f.ProcurementMethod != "" {
		q = q.Where("LOWER(procurement_method) LIKE LOWER(?) ESCAPE '!'", likePattern(f.ProcurementMethod))
	}
	if f.BuyerName != "" {
		q = q.Where("LOWER(buyer_name) LIKE LOWER(?) ESCAPE '!'", likePattern(f.BuyerName))
	}
	if f.ValueMin != nil {
		q = q.Where("value_amount >= ?", *f.ValueMin)
	}
	if f.ValueMax != nil {
		q = q.Where("value_amount <= ?", *f.ValueMax)
	}
	if f.Currency != "" {
		q = q.Where("currency = ?", f.Currency)
	}
	if f.Category != "" {
		q = q.Where("main_procurement_category = ?", f.Category)
	}
	if f.Province != "" {
		q = q.Where("province = ?", f.Province)
	}
	return q
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// likePattern leaves case folding to the database so both sides of LIKE fold the
// same way (sqlite LOWER only folds ASCII).
func likePattern(s string) string {
	return "%" + likeEscaper.Replace(strings.TrimSpace(s)) + "%"
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
