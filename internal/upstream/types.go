// internal/upstream/types.go
package upstream

import (
	"encoding/json"
	"time"
)

const DateLayout = "2006-01-02"

// PageRequest selects one page of the release list. Zero dates are left out of the query.
type PageRequest struct {
	Page     int
	PageSize int
	DateFrom time.Time
	DateTo   time.Time
}

// Page is one decoded page. Releases are kept raw; the normalizer reads them.
type Page struct {
	Releases []json.RawMessage
	Next     string
	HasNext  bool
}

// envelope of GET /api/OCDSReleases
type listEnvelope struct {
	Releases []json.RawMessage `json:"releases"`
	Links    *struct {
		Next string `json:"next"`
	} `json:"links"`
}
