package orch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"

	router "github.com/dkeye/rtpfanout/internal/adapters/http"
	"github.com/dkeye/rtpfanout/internal/adapters/udp"
	"github.com/dkeye/rtpfanout/internal/app"
	"github.com/dkeye/rtpfanout/internal/app/sfu"
	"github.com/dkeye/rtpfanout/internal/config"
	"github.com/dkeye/rtpfanout/internal/core"
	"github.com/dkeye/rtpfanout/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/errgroup"
)

// Orchestrator owns the process-wide state: registry, engine, reaper and the
// sockets and listeners around them. New is the explicit init, Shutdown the
// explicit teardown.
type Orchestrator struct {
	cfg *config.Config

	Registry *app.Registry
	Hub      *app.Hub
	Reaper   *app.Reaper
	Engine   *sfu.Engine
	Metrics  *metrics.Prometheus

	listener   *udp.Listener
	control    *http.Server
	controlLn  net.Listener
	metricsSrv *http.Server
	metricsLn  net.Listener

	stopIngest  context.CancelFunc
	stopWorkers context.CancelFunc
	workers     conc.WaitGroup
	servers     *errgroup.Group

	shutdownOnce sync.Once
	shutdownErr  error
}

func New(cfg *config.Config) *Orchestrator {
	hub := app.NewHub(64)
	registry := app.NewRegistry(app.Limits{
		MaxSessions:         cfg.MaxSessions,
		MaxFanoutPerSession: cfg.MaxFanoutPerSession,
		SessionTimeout:      cfg.SessionTimeout(),
	}, hub)

	o := &Orchestrator{
		cfg:      cfg,
		Registry: registry,
		Hub:      hub,
		Reaper:   app.NewReaper(registry, cfg.ReaperInterval),
	}
	if cfg.EnableMetrics {
		o.Metrics = metrics.NewPrometheus(registry)
	}
	return o
}

func (o *Orchestrator) hotPathMetrics() core.Metrics {
	if o.Metrics == nil {
		return core.NopMetrics{}
	}
	return o.Metrics
}

// Start binds every socket first; any bind failure is returned and nothing keeps running.
func (o *Orchestrator) Start(ctx context.Context) error {
	l, err := udp.Listen(o.cfg.BindAddress, o.cfg.ReadBatch, o.cfg.MaxDatagramSize, o.hotPathMetrics())
	if err != nil {
		return fmt.Errorf("ingress: %w", err)
	}
	controlLn, err := net.Listen("tcp", o.cfg.ControlBindAddress)
	if err != nil {
		_ = l.Close()
		return fmt.Errorf("control surface: %w", err)
	}
	var metricsLn net.Listener
	if o.Metrics != nil {
		if metricsLn, err = net.Listen("tcp", o.cfg.MetricsBindAddress); err != nil {
			_ = l.Close()
			_ = controlLn.Close()
			return fmt.Errorf("metrics: %w", err)
		}
	}
	o.listener, o.controlLn, o.metricsLn = l, controlLn, metricsLn

	o.Engine = sfu.NewEngine(o.Registry, udp.NewSender(l.Conn(), o.cfg.SendTimeout), o.hotPathMetrics(), o.cfg.Workers, o.cfg.BufferSize)

	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	ingestCtx, stopIngest := context.WithCancel(ctx)
	o.stopWorkers, o.stopIngest = stopWorkers, stopIngest

	o.workers.Go(func() { o.Engine.Run(workerCtx) })
	o.workers.Go(func() { o.Reaper.Run(workerCtx) })

	deps := router.Deps{Registry: o.Registry, Engine: o.Engine, Hub: o.Hub}
	if o.cfg.ControlRateLimit > 0 {
		deps.RateLimit = router.NewRateLimiter(o.cfg.ControlRateLimit, o.cfg.ControlRateWindow)
	}
	o.control = &http.Server{Handler: router.SetupRouter(workerCtx, o.cfg.Mode, deps)}

	o.servers = &errgroup.Group{}
	o.servers.Go(func() error { return l.Serve(ingestCtx, o.Engine) })
	o.servers.Go(func() error { return serveHTTP(o.control, controlLn) })
	if o.Metrics != nil {
		o.metricsSrv = &http.Server{Handler: router.SetupMetricsRouter(o.cfg.Mode, o.Metrics.Handler())}
		o.servers.Go(func() error { return serveHTTP(o.metricsSrv, metricsLn) })
	}

	log.Info().
		Str("module", "orch").
		Str("ingress", l.Addr().String()).
		Str("control", controlLn.Addr().String()).
		Int("workers", o.Engine.Workers()).
		Bool("metrics", o.Metrics != nil).
		Msg("fanout server started")
	return nil
}

func serveHTTP(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops ingestion, lets workers finish the packet in hand, then
// closes the HTTP servers and releases the socket. Queued packets are dropped.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		if o.listener == nil {
			return
		}
		o.stopIngest()
		o.stopWorkers()
		o.workers.Wait()

		var errs []error
		errs = append(errs, o.control.Shutdown(ctx))
		if o.metricsSrv != nil {
			errs = append(errs, o.metricsSrv.Shutdown(ctx))
		}
		errs = append(errs, o.listener.Close())
		errs = append(errs, o.servers.Wait())
		o.shutdownErr = errors.Join(errs...)

		log.Info().Str("module", "orch").Err(o.shutdownErr).Msg("fanout server stopped")
	})
	return o.shutdownErr
}

func (o *Orchestrator) IngressAddr() netip.AddrPort { return o.listener.Addr() }

func (o *Orchestrator) ControlAddr() string { return o.controlLn.Addr().String() }

func (o *Orchestrator) MetricsAddr() string {
	if o.metricsLn == nil {
		return ""
	}
	return o.metricsLn.Addr().String()
}
