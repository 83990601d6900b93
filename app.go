package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	conf "github.com/mbakes1/unl-bb/internal/config"
	"github.com/mbakes1/unl-bb/internal/db"
	"github.com/mbakes1/unl-bb/internal/freshness"
	"github.com/mbakes1/unl-bb/internal/ingest"
	logs "github.com/mbakes1/unl-bb/internal/logs"
	"github.com/mbakes1/unl-bb/internal/metrics"
	"github.com/mbakes1/unl-bb/internal/normalize"
	"github.com/mbakes1/unl-bb/internal/query"
	"github.com/mbakes1/unl-bb/internal/server"
	"github.com/mbakes1/unl-bb/internal/store"
	syncer "github.com/mbakes1/unl-bb/internal/syncer"
	"github.com/mbakes1/unl-bb/internal/upstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	gormlogger "gorm.io/gorm/logger"
)

// app holds the wired components for every subcommand.
type app struct {
	dir     string
	cfgPath string
	cfg     *conf.Config
	log     zerolog.Logger
	closers []io.Closer

	reg    *prometheus.Registry
	dbh    *db.Handle
	store  *store.Store
	up     *upstream.Client
	rec    *ingest.Reconciler
	gate   *freshness.Gate
	svc    *query.Service
	syncer *syncer.Syncer
}

func newApp(dir string) (*app, error) {
	a := &app{dir: dir, cfgPath: filepath.Join(dir, "config.json")}

	cfg, firstRun, err := conf.LoadOrCreate(a.cfgPath)
	if err != nil {
		return nil, err
	}
	a.cfg = cfg

	log, closer, err := logs.New(logs.Options{
		File:    conf.ResolvePath(dir, cfg.Log.File),
		Console: cfg.Log.Console,
		Level:   cfg.Log.Level,
	})
	if err != nil {
		return nil, err
	}
	a.log = log
	a.closers = append(a.closers, closer)
	if firstRun {
		log.Info().Str("path", a.cfgPath).Msg("default config written")
	}

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.reg)

	if err := a.openDB(); err != nil {
		a.Close()
		return nil, err
	}
	a.store = store.New(a.dbh.DB, log, store.WithBatchSize(cfg.Ingest.BatchSize))

	a.up, err = upstream.New(upstream.Options{
		BaseURL:   cfg.Upstream.BaseURL,
		UserAgent: cfg.Upstream.UserAgent,
		Timeout:   cfg.Upstream.Timeout(),
		Log:       log,
		Metrics:   m,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	classifier, err := normalize.Lookup(cfg.Classifier)
	if err != nil {
		a.Close()
		return nil, err
	}

	opts, err := ingestOptions(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	opts.Log = log
	opts.Metrics = m
	a.rec = ingest.New(a.up, normalize.New(classifier), a.store, opts)

	gopts := freshness.Options{
		Workers: cfg.Background.Workers,
		Timeout: cfg.Background.Timeout(),
		LockTTL: cfg.Background.LockTTL(),
		Log:     log,
		Metrics: m,
	}
	if locker := a.redisLocker(); locker != nil {
		gopts.Locker = locker
	}
	a.gate = freshness.NewGate(gopts)

	a.svc = query.New(a.store, a.up, a.rec, a.gate, query.Options{Log: log, Metrics: m})
	a.syncer = syncer.New(log, cfg.Scheduler, a.rec, a.store, a.gate)
	return a, nil
}

func (a *app) openDB() error {
	driver := strings.ToLower(a.cfg.Database.Driver)
	dsn := a.cfg.Database.DSN
	if strings.HasPrefix(driver, "sqlite") {
		if dsn == "" {
			dsn = db.DefaultDSN(a.dir)
		} else {
			dsn = conf.ResolvePath(a.dir, dsn)
		}
	}

	dbh, err := db.Open(db.Options{
		Driver:       driver,
		DSN:          dsn,
		MaxOpenConns: a.cfg.Database.MaxOpenConns,
		MaxIdleConns: a.cfg.Database.MaxIdleConns,
		Logger:       logs.NewGormLogger(a.log, gormlogger.Warn),
	})
	if err != nil {
		return fmt.Errorf("DB open: %w", err)
	}
	if err := dbh.Migrate(); err != nil {
		_ = dbh.Close()
		return fmt.Errorf("DB migrate: %w", err)
	}
	a.dbh = dbh
	a.closers = append(a.closers, dbh)
	a.log.Info().Str("driver", driver).Msg("DB ready")
	return nil
}

// redisLocker connects to redis when configured. An unreachable redis leaves the
// gate with in-process exclusion only.
func (a *app) redisLocker() *freshness.RedisLocker {
	addr := strings.TrimSpace(a.cfg.Background.RedisAddr)
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		a.log.Warn().Err(err).Str("addr", addr).Msg("redis unreachable, using in-process locks")
		_ = client.Close()
		return nil
	}
	a.closers = append(a.closers, client)
	a.log.Info().Str("addr", addr).Msg("redis locks enabled")
	return freshness.NewRedisLocker(client, "ocds-cache:lock:")
}

func ingestOptions(cfg *conf.Config) (ingest.Options, error) {
	start, err := cfg.BackfillStart()
	if err != nil {
		return ingest.Options{}, err
	}
	ic := cfg.Ingest
	opts := ingest.DefaultOptions()
	opts.BackfillStart = start
	opts.BackfillPageSize = ic.BackfillPageSize
	opts.SyncPageSize = ic.SyncPageSize
	opts.RefreshWindow = time.Duration(ic.RefreshWindowDays) * 24 * time.Hour
	opts.RefreshPageSize = ic.RefreshPageSize
	opts.RefreshPages = ic.RefreshPages
	opts.PopulatePageSize = ic.PopulatePageSize
	opts.PopulatePages = ic.PopulatePages
	opts.MaxRetries = ic.MaxRetries
	opts.RetryDelay = ic.RetryDelay()
	opts.PageDelay = ic.PageDelay()
	opts.MaxPagesPerRun = ic.MaxPagesPerRun
	return opts, nil
}

func (a *app) server() *server.Server {
	return server.New(a.svc, a.rec, a.store, a.gate, server.Options{
		AdminToken: a.cfg.Admin.Token,
		SelfURL:    a.cfg.Admin.SelfURL,
		Gatherer:   a.reg,
		Log:        a.log,
	})
}

// reload rereads config.json and hands the new schedule to the syncer.
func (a *app) reload() error {
	cfg, _, err := conf.LoadOrCreate(a.cfgPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.syncer.UpdateConfig(cfg.Scheduler)
	a.log.Info().Msg("config reloaded")
	return nil
}

func (a *app) Close() {
	if a.syncer != nil {
		a.syncer.Stop()
	}
	if a.gate != nil {
		a.gate.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			fmt.Fprintln(os.Stderr, "close:", err)
		}
	}
}
