// internal/normalize/normalize.go

// Package normalize flattens raw OCDS releases into the searchable columns of the cache.
// It never fails: missing or oddly shaped fields fall back to defaults.
package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Fields are the flattened, filterable values derived from one raw release.
type Fields struct {
	OCID                    string
	ReleaseDate             time.Time
	Title                   string
	BuyerName               string
	Status                  string
	ProcurementMethod       string
	MainProcurementCategory string
	Province                string
	ValueAmount             *float64
	Currency                *string
}

type Normalizer struct {
	classifier Classifier
	now        func() time.Time
}

type Option func(*Normalizer)

// WithClock replaces time.Now, used for the missing-date default.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

func New(c Classifier, opts ...Option) *Normalizer {
	if c == nil {
		c = noneClassifier{}
	}
	n := &Normalizer{classifier: c, now: time.Now}
	for _, o := range opts {
		o(n)
	}
	return n
}

func (n *Normalizer) Normalize(raw json.RawMessage) Fields {
	r := gjson.ParseBytes(raw)

	f := Fields{
		OCID:                    str(r.Get("ocid")),
		ReleaseDate:             n.releaseDate(r.Get("date")),
		Title:                   str(r.Get("tender.title")),
		BuyerName:               str(r.Get("buyer.name")),
		Status:                  str(r.Get("tender.status")),
		ProcurementMethod:       str(r.Get("tender.procurementMethod")),
		MainProcurementCategory: str(r.Get("tender.mainProcurementCategory")),
		Province:                str(r.Get("tender.province")),
		ValueAmount:             amount(r.Get("tender.value.amount")),
		Currency:                optStr(r.Get("tender.value.currency")),
	}
	if f.BuyerName == "" {
		f.BuyerName = str(r.Get("tender.procuringEntity.name"))
	}

	if f.MainProcurementCategory == "" && f.Title != "" {
		f.MainProcurementCategory = n.classifier.Industry(f.Title)
	}
	if f.Province == "" {
		if f.Title != "" {
			f.Province = n.classifier.Province(f.Title)
		}
		if f.Province == "" && len(raw) > 0 {
			f.Province = n.classifier.Province(string(raw))
		}
	}
	return f
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (n *Normalizer) releaseDate(r gjson.Result) time.Time {
	if s := str(r); s != "" {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
	}
	return n.now().UTC()
}

// str returns scalar values as text; objects, arrays and null become "".
func str(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return strings.TrimSpace(r.Str)
	case gjson.Number, gjson.True, gjson.False:
		return r.String()
	default:
		return ""
	}
}

func optStr(r gjson.Result) *string {
	s := str(r)
	if s == "" {
		return nil
	}
	return &s
}

func amount(r gjson.Result) *float64 {
	var v float64
	switch r.Type {
	case gjson.Number:
		v = r.Num
	case gjson.String:
		s := strings.ReplaceAll(strings.TrimSpace(r.Str), ",", "")
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		v = parsed
	default:
		return nil
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
