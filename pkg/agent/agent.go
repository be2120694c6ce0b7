package agent

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/api"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/events"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/ingest"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/objstore"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/preview"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/queue"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/store"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/tiles"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/tunnel"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/worker"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/wsi"
)

const shutdownGrace = 10 * time.Second

// Agent is the assembled edge agent. Construct with New; every
// dependency is wired explicitly, nothing is process-global.
type Agent struct {
	cfg       Config
	log       *logrus.Entry
	closeOnce sync.Once

	store     *store.Store
	queue     *queue.Queue
	bus       *events.Bus
	toolchain *wsi.Toolchain
	tiles     *tiles.Generator
	uploader  *objstore.Uploader
	publisher *preview.Publisher

	pipeline   *ingest.Pipeline
	watcher    *ingest.Watcher
	scraper    *ingest.Scraper
	dispatcher *worker.Dispatcher
	api        *api.Server
	tunnel     *tunnel.Client
	announcer  *tunnel.Announcer
}

// New builds the agent: opens storage, runs startup recovery, and
// wires every component. Close releases what New opened.
func New(cfg Config, version string, log *logrus.Entry) (*Agent, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.IngestDir, cfg.RawDir, cfg.DerivedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed creating %s", dir)
		}
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	// Startup recovery: orphaned commit temp files and jobs that were
	// running when the previous process died.
	if n, err := ingest.CleanupTempFiles(cfg.RawDir); err != nil {
		log.WithError(err).Warn("failed cleaning stale ingest temp files")
	} else if n > 0 {
		log.Infof("removed %d stale ingest temp file(s)", n)
	}
	if n, err := st.ReconcileRunningJobs(); err != nil {
		st.Close()
		return nil, err
	} else if n > 0 {
		log.Infof("reconciled %d interrupted job(s) to failed", n)
	}

	a := &Agent{
		cfg:   cfg,
		log:   log,
		store: st,
		queue: queue.New(1024),
		bus:   events.NewBus(log),
	}

	a.toolchain = wsi.New(log,
		wsi.WithTileTimeout(msOrDefault(cfg.TileTimeoutMS, wsi.DefaultTileTimeout)),
		wsi.WithPyramidTimeout(msOrDefault(cfg.TileGenerationTimeoutMS, wsi.DefaultPyramidTimeout)),
	)
	a.tiles = tiles.NewGenerator(cfg.DerivedDir, a.toolchain, a.bus, log,
		tiles.WithConcurrency(cfg.TileConcurrency))

	if cfg.S3Config().Enabled() {
		a.uploader, err = objstore.New(cfg.S3Config(), log,
			objstore.WithConcurrency(cfg.PreviewUploadConcurrency))
		if err != nil {
			st.Close()
			return nil, err
		}
	}
	if a.uploader != nil && cfg.PreviewRemoteEnabled {
		a.publisher = &preview.Publisher{
			DerivedDir:   cfg.DerivedDir,
			Prefix:       cfg.PreviewPrefix,
			MaxLevel:     cfg.PreviewMaxLevel,
			TargetMaxDim: cfg.PreviewTargetMaxDim,
			Toolchain:    a.toolchain,
			Uploader:     a.uploader,
			Store:        st,
			Log:          log,
		}
	}

	a.pipeline = &ingest.Pipeline{
		RawDir: cfg.RawDir,
		Store:  st,
		Queue:  a.queue,
		Bus:    a.bus,
		Log:    log,
	}
	a.watcher = &ingest.Watcher{
		InboxDir:     cfg.IngestDir,
		StableWindow: cfg.StableWindow(),
		Pipeline:     a.pipeline,
		Log:          log,
	}
	if cfg.ScannerEnabled {
		a.scraper = &ingest.Scraper{
			Dir:      cfg.ScannerDir,
			Interval: cfg.ScannerInterval(),
			Pipeline: a.pipeline,
			Log:      log,
		}
	}

	a.dispatcher = &worker.Dispatcher{
		Store:         st,
		Queue:         a.queue,
		Bus:           a.bus,
		Imaging:       a.toolchain,
		Builder:       &tiles.Builder{DerivedDir: cfg.DerivedDir, Saver: a.toolchain, Store: st, Log: log},
		RawDir:        cfg.RawDir,
		DerivedDir:    cfg.DerivedDir,
		PreviewPrefix: cfg.PreviewPrefix,
		Log:           log,
	}
	if a.publisher != nil {
		a.dispatcher.Previewer = a.publisher
	}
	if a.uploader != nil {
		a.dispatcher.Cleaner = a.uploader
	}

	// Queued job rows survived the restart, their queue payloads did
	// not.
	if n, err := a.dispatcher.Requeue(); err != nil {
		st.Close()
		return nil, err
	} else if n > 0 {
		log.Infof("re-enqueued %d queued job(s) from a previous run", n)
	}

	a.api = &api.Server{
		Store:      st,
		Queue:      a.queue,
		Bus:        a.bus,
		Tiles:      a.tiles,
		DerivedDir: cfg.DerivedDir,
		Version:    version,
		Log:        log,
		Watcher:    a.watcher,
	}
	if a.scraper != nil {
		a.api.Scraper = a.scraper
	}

	a.tunnel = tunnel.New(tunnel.Config{
		URL:     cfg.TunnelURL,
		Token:   cfg.TunnelToken,
		AgentID: cfg.AgentID,
	}, a.api.Router(), log)
	a.api.Tunnel = a.tunnel

	a.announcer = tunnel.NewAnnouncer(cfg.ControlPlaneURL, cfg.TunnelToken,
		tunnel.AgentInfo{AgentID: cfg.AgentID, Version: version}, log)

	return a, nil
}

// Run serves until ctx is cancelled, then shuts down in order: HTTP
// first, then the tunnel, then the queue consumer, storage and bus
// last.
func (a *Agent) Run(ctx context.Context) error {
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{Addr: a.cfg.HTTPAddr, Handler: a.api.Router()}
	g.Go(func() error {
		a.log.Infof("HTTP API listening on %s", a.cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "HTTP server failed")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shCtx)
	})

	g.Go(func() error {
		if err := a.watcher.Run(gctx); err != nil {
			// The inbox can appear later (e.g. a mount); the watcher
			// state is visible in /v1/health.
			a.log.WithError(err).Error("inbox watcher stopped")
		}
		return nil
	})
	if a.scraper != nil {
		g.Go(func() error {
			a.scraper.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		a.dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return a.tunnel.Run(gctx)
	})
	g.Go(func() error {
		a.announcer.Run(gctx, time.Duration(a.cfg.HeartbeatSeconds)*time.Second)
		return nil
	})

	return g.Wait()
}

// Close releases storage and the event bus. Safe to call twice.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		a.queue.Close()
		a.bus.Close()
		if err := a.store.Close(); err != nil {
			a.log.WithError(err).Warn("failed closing store")
		}
	})
}

// IngestFile runs the one-shot ingest path for a single file and then
// drains the resulting jobs, for the `ingest` command.
func (a *Agent) IngestFile(ctx context.Context, path string) (*store.Slide, error) {
	slide, err := a.pipeline.IngestFile(ctx, path)
	if err != nil {
		return nil, err
	}
	a.dispatcher.Drain(ctx)
	return a.store.GetSlide(slide.ID)
}

// PublishPreview publishes the preview of one slide, identified by id
// or original filename, for the `publish` command.
func (a *Agent) PublishPreview(ctx context.Context, idOrFilename string, onProgress func(done, total int)) (*preview.Result, error) {
	if a.publisher == nil {
		return nil, errors.New("object storage is not configured, cannot publish previews")
	}

	slide, err := a.store.GetSlide(idOrFilename)
	if errors.Cause(err) == store.ErrNotFound {
		slide, err = a.store.FindSlideByFilename(idOrFilename)
	}
	if err != nil {
		return nil, err
	}

	a.publisher.OnProgress = onProgress
	defer func() { a.publisher.OnProgress = nil }()
	return a.publisher.Publish(ctx, slide)
}

// Store exposes the registry for read-only command-line use.
func (a *Agent) Store() *store.Store {
	return a.store
}

func msOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
