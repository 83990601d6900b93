// internal/logs/gorm.go
package logs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	gormlogger "gorm.io/gorm/logger"
)

// GormLogger routes gorm output through zerolog.
type GormLogger struct {
	log                  zerolog.Logger
	level                gormlogger.LogLevel
	slowThreshold        time.Duration
	ignoreRecordNotFound bool
}

func NewGormLogger(log zerolog.Logger, level gormlogger.LogLevel) *GormLogger {
	return &GormLogger{
		log:                  log.With().Str("component", "gorm").Logger(),
		level:                level,
		slowThreshold:        200 * time.Millisecond,
		ignoreRecordNotFound: true,
	}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level < gormlogger.Info {
		return
	}
	l.log.Info().Msg(fmt.Sprintf(msg, data...))
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level < gormlogger.Warn {
		return
	}
	l.log.Warn().Msg(fmt.Sprintf(msg, data...))
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level < gormlogger.Error {
		return
	}
	l.log.Error().Msg(fmt.Sprintf(msg, data...))
}

func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && l.level >= gormlogger.Error && (!errors.Is(err, gormlogger.ErrRecordNotFound) || !l.ignoreRecordNotFound):
		l.logQuery(l.log.Error().Err(err), fc, elapsed)
	case l.slowThreshold != 0 && elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		l.logQuery(l.log.Warn().Bool("slow", true), fc, elapsed)
	case l.level >= gormlogger.Info:
		l.logQuery(l.log.Debug(), fc, elapsed)
	}
}

func (l *GormLogger) logQuery(ev *zerolog.Event, fc func() (string, int64), elapsed time.Duration) {
	sql, rows := fc()
	ev = ev.Str("sql", strings.TrimSpace(sql)).
		Str("operation", operationFromSQL(sql)).
		Int64("duration_ms", elapsed.Milliseconds())
	if rows >= 0 {
		ev = ev.Int64("rows_affected", rows)
	}
	ev.Msg("gorm.query")
}

func operationFromSQL(sql string) string {
	for _, token := range strings.Fields(strings.ToUpper(sql)) {
		token = strings.Trim(token, "();")
		switch token {
		case "SELECT", "INSERT", "UPDATE", "DELETE":
			return token
		case "WITH":
			continue
		}
	}
	return "UNKNOWN"
}

var _ gormlogger.Interface = (*GormLogger)(nil)
