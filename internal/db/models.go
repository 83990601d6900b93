// internal/db/models.go
package db

import (
	"time"

	"gorm.io/datatypes"
)

// StateID is the fixed primary key of the single ingestion_states row.
const StateID = "singleton"

// Epoch is the "never synced" value of IngestionState.LastDailySync.
var Epoch = time.Unix(0, 0).UTC()

// releases: one row per ocid, flattened searchable columns + the untouched upstream payload
type Release struct {
	ID                      uint           `gorm:"primaryKey"`
	OCID                    string         `gorm:"column:ocid;size:255;not null;uniqueIndex"`
	ReleaseDate             time.Time      `gorm:"not null;index"`
	Title                   string         `gorm:"type:text"`
	BuyerName               string         `gorm:"size:512;index"`
	Status                  string         `gorm:"size:64;index"`
	ProcurementMethod       string         `gorm:"size:64;index"`
	MainProcurementCategory string         `gorm:"size:128;index"`
	Province                string         `gorm:"size:64;index"`
	ValueAmount             *float64       `gorm:"index"`
	Currency                *string        `gorm:"size:8"`
	Data                    datatypes.JSON `gorm:"not null"`
	CreatedAt               time.Time      `gorm:"not null"`
	UpdatedAt               time.Time      `gorm:"not null;index"`
}

// ingestion_states: backfill cursor and daily sync watermark (exactly one row, id = StateID)
type IngestionState struct {
	ID                 string    `gorm:"primaryKey;size:32"`
	IsBackfillComplete bool      `gorm:"not null"`
	LastHistoricalPage int       `gorm:"not null"`
	LastDailySync      time.Time `gorm:"not null"`
	UpdatedAt          time.Time
}

// NewState returns the initial singleton row.
func NewState() IngestionState {
	return IngestionState{
		ID:            StateID,
		LastDailySync: Epoch,
	}
}
