// internal/store/state.go
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mbakes1/unl-bb/internal/db"
	"gorm.io/gorm/clause"
)

// LoadState returns the ingestion singleton, creating it on first use.
func (s *Store) LoadState(ctx context.Context) (db.IngestionState, error) {
	gdb := s.db.WithContext(ctx)
	seed := db.NewState()
	if err := gdb.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return db.IngestionState{}, fmt.Errorf("seed ingestion state: %w", err)
	}
	var st db.IngestionState
	if err := gdb.Where("id = ?", db.StateID).Take(&st).Error; err != nil {
		return db.IngestionState{}, fmt.Errorf("load ingestion state: %w", err)
	}
	st.LastDailySync = st.LastDailySync.UTC()
	return st, nil
}

// AdvanceCursor moves lastHistoricalPage from -> to. It only succeeds if the cursor still
// holds from; otherwise another run got there first and ErrCursorConflict is returned.
func (s *Store) AdvanceCursor(ctx context.Context, from, to int) error {
	if to <= from {
		return fmt.Errorf("cursor must move forward (%d -> %d)", from, to)
	}
	res := s.db.WithContext(ctx).Model(&db.IngestionState{}).
		Where("id = ? AND last_historical_page = ?", db.StateID, from).
		Updates(map[string]any{
			"last_historical_page": to,
			"updated_at":           s.tick(),
		})
	if res.Error != nil {
		return fmt.Errorf("advance cursor: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: expected page %d", ErrCursorConflict, from)
	}
	return nil
}

// MarkBackfillComplete flips isBackfillComplete to true. It is never reset.
func (s *Store) MarkBackfillComplete(ctx context.Context) error {
	err := s.db.WithContext(ctx).Model(&db.IngestionState{}).
		Where("id = ? AND is_backfill_complete = ?", db.StateID, false).
		Updates(map[string]any{
			"is_backfill_complete": true,
			"updated_at":           s.tick(),
		}).Error
	if err != nil {
		return fmt.Errorf("mark backfill complete: %w", err)
	}
	return nil
}

// SetLastDailySync records a finished daily sync. Older timestamps are ignored.
func (s *Store) SetLastDailySync(ctx context.Context, t time.Time) error {
	t = t.UTC().Truncate(time.Microsecond)
	err := s.db.WithContext(ctx).Model(&db.IngestionState{}).
		Where("id = ? AND last_daily_sync < ?", db.StateID, t).
		Updates(map[string]any{
			"last_daily_sync": t,
			"updated_at":      s.tick(),
		}).Error
	if err != nil {
		return fmt.Errorf("set last daily sync: %w", err)
	}
	return nil
}
