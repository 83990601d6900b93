// internal/server/server.go

// Package server is the HTTP surface: the cached read API and the admin ingestion triggers.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbakes1/unl-bb/internal/db"
	"github.com/mbakes1/unl-bb/internal/freshness"
	"github.com/mbakes1/unl-bb/internal/ingest"
	"github.com/mbakes1/unl-bb/internal/query"
	"github.com/mbakes1/unl-bb/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Reader interface {
	ListReleases(ctx context.Context, req query.ListRequest) (*query.ListResult, error)
	GetReleaseDetail(ctx context.Context, ocid string) (*query.Detail, error)
	WarmDetails(ctx context.Context, ocids []string) (query.WarmResult, error)
}

type Ingester interface {
	BackfillStep(ctx context.Context) (ingest.StepResult, error)
	DailySync(ctx context.Context) (ingest.RunResult, error)
}

type StatusStore interface {
	LoadState(ctx context.Context) (db.IngestionState, error)
	Count(ctx context.Context, f store.Filter) (int64, error)
}

type Options struct {
	AdminToken string
	// SelfURL is the externally reachable base URL. When set, the next backfill page
	// is requested over HTTP instead of run in-process.
	SelfURL    string
	Gatherer   prometheus.Gatherer
	HTTPClient *http.Client
	Log        zerolog.Logger
	Now        func() time.Time
}

type Server struct {
	reader Reader
	ing    Ingester
	store  StatusStore
	gate   *freshness.Gate
	opts   Options
	log    zerolog.Logger
	engine *gin.Engine
}

func New(reader Reader, ing Ingester, st StatusStore, gate *freshness.Gate, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: selfTriggerTimeout}
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		reader: reader,
		ing:    ing,
		store:  st,
		gate:   gate,
		opts:   opts,
		log:    opts.Log.With().Str("component", "http").Logger(),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	// ocids may carry an escaped slash
	r.UseRawPath = true
	r.UnescapePathValues = true

	r.Use(gin.Recovery(), RequestLogger(s.log), CORS(), ErrorHandlingMiddleware())

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	api.GET("/OCDSReleases", s.listReleases)
	api.GET("/OCDSReleases/release/:ocid", s.getRelease)
	api.POST("/smart-cache/detail", s.warmDetails)

	admin := api.Group("", AdminRequired(s.opts.AdminToken))
	admin.POST("/admin/ingest-historical-page", s.ingestHistoricalPage)
	admin.GET("/admin/status", s.status)
	admin.GET("/ingest", s.dailySync)

	return r
}

func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.log.Info().Msg("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": s.opts.Now().UTC().Format(time.RFC3339)})
}
