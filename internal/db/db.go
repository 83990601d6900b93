// internal/db/db.go
package db

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	puresqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite     = "sqlite"      // mattn/go-sqlite3, needs cgo
	DriverSQLitePure = "sqlite-pure" // glebarez, pure Go
	DriverPostgres   = "postgres"
	DriverMySQL      = "mysql"
)

type Handle struct {
	DB     *gorm.DB
	Driver string
	DSN    string
}

type Options struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	Logger       gormlogger.Interface
}

// DefaultDSN is the sqlite file used when no DSN is configured.
func DefaultDSN(dir string) string {
	return filepath.Join(dir, "ocds-cache.db")
}

// Dialector maps a configured driver name onto a gorm dialector.
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		return sqlite.Open(dsn), nil
	case DriverSQLitePure:
		return puresqlite.Open(dsn), nil
	case DriverPostgres, "postgresql":
		return postgres.Open(dsn), nil
	case DriverMySQL:
		return mysql.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}

func Open(opts Options) (*Handle, error) {
	dial, err := Dialector(opts.Driver, opts.DSN)
	if err != nil {
		return nil, err
	}
	gcfg := &gorm.Config{}
	if opts.Logger != nil {
		gcfg.Logger = opts.Logger
	}
	gdb, err := gorm.Open(dial, gcfg)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Driver, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	return &Handle{DB: gdb, Driver: opts.Driver, DSN: opts.DSN}, nil
}

func (h *Handle) Close() error {
	sqlDB, err := h.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
