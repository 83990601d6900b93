// internal/store/storetest/storetest.go

// Package storetest opens throwaway in-memory caches for tests.
package storetest

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mbakes1/unl-bb/internal/db"
	"github.com/mbakes1/unl-bb/internal/logs"
	"github.com/mbakes1/unl-bb/internal/normalize"
	"github.com/mbakes1/unl-bb/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	gormlogger "gorm.io/gorm/logger"
)

// Open returns a migrated pure-Go sqlite database private to the test.
func Open(t testing.TB) *db.Handle {
	t.Helper()
	h, err := db.Open(db.Options{
		Driver:       db.DriverSQLitePure,
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		MaxOpenConns: 1,
		Logger:       logs.NewGormLogger(zerolog.Nop(), gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, h.Migrate())
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func New(t testing.TB, opts ...store.Option) *store.Store {
	t.Helper()
	return store.New(Open(t).DB, zerolog.Nop(), opts...)
}

// Raw builds a minimal upstream release payload.
func Raw(ocid, title string, date time.Time) json.RawMessage {
	b, _ := json.Marshal(map[string]any{
		"ocid":   ocid,
		"date":   date.UTC().Format(time.RFC3339),
		"tender": map[string]any{"title": title},
	})
	return b
}

// Row is a normalized row for Raw(ocid, title, date).
func Row(ocid, title string, date time.Time) store.Row {
	return store.Row{
		Fields: normalize.Fields{
			OCID:        ocid,
			ReleaseDate: date.UTC(),
			Title:       title,
		},
		Data: Raw(ocid, title, date),
	}
}

// Clock is a manually advanced time source.
type Clock struct {
	T time.Time
}

func NewClock(t time.Time) *Clock { return &Clock{T: t} }

func (c *Clock) Now() time.Time { return c.T }

func (c *Clock) Advance(d time.Duration) { c.T = c.T.Add(d) }
