// internal/config/config.go
package conf

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const dateLayout = "2006-01-02"

type Config struct {
	ListenAddr string           `json:"listen_addr"`
	Database   DatabaseConfig   `json:"database"`
	Upstream   UpstreamConfig   `json:"upstream"`
	Ingest     IngestConfig     `json:"ingest"`
	Background BackgroundConfig `json:"background"`
	Admin      AdminConfig      `json:"admin"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Classifier string           `json:"classifier"` // keyword | none
	Log        LogConfig        `json:"log"`
}

type DatabaseConfig struct {
	Driver       string `json:"driver"` // sqlite | sqlite-pure | postgres | mysql
	DSN          string `json:"dsn"`    // empty = <app dir>/ocds-cache.db
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
}

type UpstreamConfig struct {
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	UserAgent      string `json:"user_agent"`
}

type IngestConfig struct {
	BackfillStartDate string `json:"backfill_start_date"` // YYYY-MM-DD
	BackfillPageSize  int    `json:"backfill_page_size"`
	SyncPageSize      int    `json:"sync_page_size"`
	RefreshWindowDays int    `json:"refresh_window_days"`
	RefreshPageSize   int    `json:"refresh_page_size"`
	RefreshPages      int    `json:"refresh_pages"`
	PopulatePageSize  int    `json:"populate_page_size"`
	PopulatePages     int    `json:"populate_pages"`
	BatchSize         int    `json:"batch_size"`
	MaxRetries        int    `json:"max_retries"`
	RetryDelaySeconds int    `json:"retry_delay_seconds"`
	PageDelayMillis   int    `json:"page_delay_ms"`
	MaxPagesPerRun    int    `json:"max_pages_per_run"`
}

type BackgroundConfig struct {
	Workers        int    `json:"workers"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	RedisAddr      string `json:"redis_addr"` // empty = in-process locks
	LockTTLSeconds int    `json:"lock_ttl_seconds"`
}

type AdminConfig struct {
	Token   string `json:"token"`    // bearer token for /api/admin/* and /api/ingest
	SelfURL string `json:"self_url"` // if set, next backfill page is triggered over HTTP
}

type SchedulerConfig struct {
	AutoStart       bool `json:"auto_start"`
	IntervalSeconds int  `json:"interval_seconds"`
	DailySyncHours  int  `json:"daily_sync_hours"`
}

type LogConfig struct {
	File    string `json:"file"` // relative paths resolve against the app dir
	Console bool   `json:"console"`
	Level   string `json:"level"`
}

func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		Database: DatabaseConfig{
			Driver:       "sqlite",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Upstream: UpstreamConfig{
			BaseURL:        "https://ocds-api.etenders.gov.za",
			TimeoutSeconds: 60,
			UserAgent:      "OCDS-Cache-System/1.0",
		},
		Ingest: IngestConfig{
			BackfillStartDate: "2024-01-01",
			BackfillPageSize:  5000,
			SyncPageSize:      1000,
			RefreshWindowDays: 30,
			RefreshPageSize:   100,
			RefreshPages:      1,
			PopulatePageSize:  50,
			PopulatePages:     1,
			BatchSize:         100,
			MaxRetries:        3,
			RetryDelaySeconds: 5,
			PageDelayMillis:   1000,
			MaxPagesPerRun:    100,
		},
		Background: BackgroundConfig{
			Workers:        2,
			TimeoutSeconds: 300,
			LockTTLSeconds: 600,
		},
		Scheduler: SchedulerConfig{
			AutoStart:       false,
			IntervalSeconds: 300,
			DailySyncHours:  24,
		},
		Classifier: "keyword",
		Log: LogConfig{
			File:    "app.log",
			Console: true,
			Level:   "info",
		},
	}
}

// LoadOrCreate reads the config file, writing the defaults first if it does not exist.
// The bool reports a first run. Environment overrides are applied on top in both cases.
func LoadOrCreate(path string) (*Config, bool, error) {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := Save(path, cfg); err != nil {
				return nil, false, fmt.Errorf("write default config: %w", err)
			}
			cfg.ApplyEnv()
			return cfg, true, cfg.Validate()
		}
		return nil, false, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	// missing keys keep their defaults
	cfg := Default()
	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return nil, false, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyEnv()
	return cfg, false, cfg.Validate()
}

func Save(path string, cfg *Config) error {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

// ApplyEnv loads .env (if present) and lets environment variables override file values.
func (c *Config) ApplyEnv() {
	_ = godotenv.Load()

	c.Admin.Token = getenv("CRON_SECRET", c.Admin.Token)
	c.Admin.SelfURL = getenv("SELF_URL", c.Admin.SelfURL)
	c.Database.Driver = getenv("DATABASE_DRIVER", c.Database.Driver)
	c.Database.DSN = getenv("DATABASE_URL", c.Database.DSN)
	c.Upstream.BaseURL = getenv("OCDS_BASE_URL", c.Upstream.BaseURL)
	c.Background.RedisAddr = getenv("REDIS_ADDR", c.Background.RedisAddr)
	c.ListenAddr = getenv("LISTEN_ADDR", c.ListenAddr)
	c.Log.Level = getenv("LOG_LEVEL", c.Log.Level)
	c.Scheduler.AutoStart = getenvBool("SCHEDULER_AUTO_START", c.Scheduler.AutoStart)
	c.Background.Workers = getenvInt("BACKGROUND_WORKERS", c.Background.Workers)
}

func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "sqlite-pure", "postgres", "postgresql", "mysql":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver))
	}
	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		errs = append(errs, errors.New("upstream.base_url is required"))
	}
	if _, err := c.BackfillStart(); err != nil {
		errs = append(errs, fmt.Errorf("ingest.backfill_start_date: %w", err))
	}
	for name, v := range map[string]int{
		"ingest.backfill_page_size": c.Ingest.BackfillPageSize,
		"ingest.sync_page_size":     c.Ingest.SyncPageSize,
		"ingest.refresh_page_size":  c.Ingest.RefreshPageSize,
		"ingest.populate_page_size": c.Ingest.PopulatePageSize,
		"ingest.batch_size":         c.Ingest.BatchSize,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) BackfillStart() (time.Time, error) {
	return time.Parse(dateLayout, strings.TrimSpace(c.Ingest.BackfillStartDate))
}

// ResolvePath makes relative paths (log file, sqlite DSN) relative to the app dir.
func ResolvePath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func (u UpstreamConfig) Timeout() time.Duration {
	if u.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(u.TimeoutSeconds) * time.Second
}

func (i IngestConfig) RetryDelay() time.Duration {
	return time.Duration(i.RetryDelaySeconds) * time.Second
}

func (i IngestConfig) PageDelay() time.Duration {
	return time.Duration(i.PageDelayMillis) * time.Millisecond
}

func (b BackgroundConfig) Timeout() time.Duration {
	if b.TimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(b.TimeoutSeconds) * time.Second
}

func (b BackgroundConfig) LockTTL() time.Duration {
	if b.LockTTLSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(b.LockTTLSeconds) * time.Second
}

func (s SchedulerConfig) Interval() time.Duration {
	if s.IntervalSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.IntervalSeconds) * time.Second
}

func (s SchedulerConfig) DailySyncEvery() time.Duration {
	if s.DailySyncHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(s.DailySyncHours) * time.Hour
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
