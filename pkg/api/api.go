package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/knoboor/pkg/api/store"
	"github.com/ethpandaops/knoboor/pkg/archive"
	"github.com/ethpandaops/knoboor/pkg/catalog"
	"github.com/ethpandaops/knoboor/pkg/config"
	"github.com/ethpandaops/knoboor/pkg/ingest"
	"github.com/ethpandaops/knoboor/pkg/pipeline"
	"github.com/ethpandaops/knoboor/pkg/seriescache"
	"github.com/ethpandaops/knoboor/pkg/similarity"
	"github.com/ethpandaops/knoboor/pkg/tasks"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log          logrus.FieldLogger
	cfg          *config.Config
	store        store.Store
	catalog      catalog.Catalog
	runner       tasks.Runner
	orchestrator *pipeline.Orchestrator
	similarity   *similarity.Engine
	cache        seriescache.Cache
	series       *seriescache.Loader
	ingester     *ingest.Ingester
	httpServer   *http.Server
	wg           sync.WaitGroup

	limitersMu sync.Mutex
	limiters   []*clientLimiters
	stopPrune  context.CancelFunc
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
) Server {
	return &server{
		log: log.WithField("component", "api"),
		cfg: cfg,
	}
}

// Start wires the core components, seeds config data and starts the HTTP
// server.
func (s *server) Start(ctx context.Context) error {
	if err := s.setup(ctx); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.API.Server.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.API.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.API.Server.Listen, err)
	}

	pruneCtx, stopPrune := context.WithCancel(ctx)
	s.stopPrune = stopPrune

	s.wg.Add(2)

	go func() {
		defer s.wg.Done()

		s.pruneLimiters(pruneCtx)
	}()

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.API.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// setup creates every component the handlers use. The task runner is
// started so chains launched by uploads execute in-process.
func (s *server) setup(ctx context.Context) error {
	cat, err := catalog.LoadFiles(s.cfg.Catalog.Paths...)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	s.catalog = cat

	s.store = store.NewStore(s.log, &s.cfg.API.Database)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	if err := s.seed(ctx); err != nil {
		return fmt.Errorf("seeding applications: %w", err)
	}

	archiver := archive.New(s.log, &s.cfg.API.Archive)
	if s.cfg.API.Archive.Enabled {
		if err := archiver.Preflight(ctx); err != nil {
			return fmt.Errorf("archive preflight: %w", err)
		}

		s.log.WithField("bucket", s.cfg.API.Archive.Bucket).
			Info("Payload archiving enabled")
	}

	s.cache, err = seriescache.New(s.log, &s.cfg.Cache)
	if err != nil {
		return fmt.Errorf("creating series cache: %w", err)
	}

	s.series = seriescache.NewLoader(s.log, s.cache)

	s.runner = tasks.NewRunner(
		s.log, s.store, s.cfg.Pipeline.Workers, s.cfg.Pipeline.QueueSize,
	)
	if err := s.runner.Start(ctx); err != nil {
		return fmt.Errorf("starting task runner: %w", err)
	}

	s.orchestrator = pipeline.NewOrchestrator(
		s.log, s.store, s.runner, pipeline.NewStages(s.log, s.store, s.catalog),
	)
	s.similarity = similarity.NewEngine(
		s.log, s.catalog,
		similarity.StoreRankings{Store: s.store},
		s.cfg.Pipeline.RankedKnobs,
	)
	s.ingester = ingest.NewIngester(s.log, s.store, s.catalog, archiver)

	return nil
}

// seed upserts the projects and applications listed in config.
func (s *server) seed(ctx context.Context) error {
	for _, ps := range s.cfg.API.Seed.Projects {
		project := &store.Project{
			Name:        ps.Name,
			Owner:       ps.Owner,
			Description: ps.Description,
		}

		if err := s.store.UpsertProject(ctx, project); err != nil {
			return err
		}

		for _, as := range ps.Applications {
			entry, err := s.catalog.Resolve(as.DBMSType, as.DBMSVersion)
			if err != nil {
				return fmt.Errorf("application %q: %w", as.Name, err)
			}

			if as.TargetObjective != "" {
				if _, ok := entry.Metric(as.TargetObjective); !ok {
					return fmt.Errorf(
						"application %q: unknown target objective %q",
						as.Name, as.TargetObjective,
					)
				}
			}

			app := &store.Application{
				ProjectID:       project.ID,
				Name:            as.Name,
				UploadCode:      as.UploadCode,
				DBMSID:          entry.DBMS.ID(),
				Hardware:        as.Hardware,
				TuningSession:   as.TuningSession,
				TargetObjective: as.TargetObjective,
			}

			if err := s.store.UpsertApplication(ctx, app); err != nil {
				return err
			}

			s.log.WithFields(logrus.Fields{
				"project":     project.Name,
				"application": app.Name,
				"dbms":        app.DBMSID,
			}).Debug("Seeded application")
		}
	}

	return nil
}

// Stop gracefully shuts down the HTTP server, the task runner and the
// store.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	if s.stopPrune != nil {
		s.stopPrune()
	}

	s.wg.Wait()

	if s.runner != nil {
		if err := s.runner.Stop(); err != nil {
			s.log.WithError(err).Warn("Task runner stop error")
		}
	}

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.log.WithError(err).Warn("Series cache close error")
		}
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}
