// Package daemon assembles a supervisor and its surroundings from a loaded
// configuration: instance lock, history sinks, metrics, the status API and
// the restart schedule.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/botwarden/internal/config"
	"github.com/loykin/botwarden/internal/cron"
	"github.com/loykin/botwarden/internal/history"
	"github.com/loykin/botwarden/internal/history/factory"
	"github.com/loykin/botwarden/internal/instance"
	"github.com/loykin/botwarden/internal/metrics"
	"github.com/loykin/botwarden/internal/server"
	"github.com/loykin/botwarden/internal/supervisor"
	"github.com/loykin/botwarden/internal/tls"
)

// ShutdownTimeout bounds the HTTP servers' and scheduler's shutdown.
const ShutdownTimeout = 5 * time.Second

// RestartJobName is the cron job name of schedule.restart.
const RestartJobName = "restart"

// Daemon is a fully wired supervisor ready to run.
type Daemon struct {
	cfg *config.Config
	log *slog.Logger

	sup       *supervisor.Supervisor
	recorder  *history.Recorder
	scheduler *cron.Scheduler
	claim     *instance.Claim

	statusSrv  *http.Server
	metricsSrv *http.Server

	mu        sync.Mutex
	serving   bool
	listeners map[*http.Server]net.Listener
}

// New wires everything cfg asks for. Extra options are passed to the
// supervisor after the configured ones.
func New(cfg *config.Config, log *slog.Logger, opts ...supervisor.Option) (d *Daemon, err error) {
	if log == nil {
		log = slog.Default()
	}
	d = &Daemon{cfg: cfg, log: log, listeners: make(map[*http.Server]net.Listener)}
	defer func() {
		if err != nil {
			d.release()
		}
	}()

	if cfg.Lock.File != "" {
		if d.claim, err = instance.Acquire(cfg.Lock.File, cfg.Lock.PIDFile); err != nil {
			return nil, err
		}
	}

	sc, err := cfg.Supervisor()
	if err != nil {
		return nil, err
	}
	checks, err := cfg.Checks()
	if err != nil {
		return nil, err
	}
	sopts := []supervisor.Option{
		supervisor.WithLogger(log),
		supervisor.WithChecks(checks...),
	}

	if len(cfg.History.Sinks) > 0 {
		sinks := make([]history.Sink, 0, len(cfg.History.Sinks))
		for _, dsn := range cfg.History.Sinks {
			s, serr := factory.NewSinkFromDSN(dsn, log)
			if serr != nil {
				_ = history.NewRecorder(log, sinks...).Close()
				return nil, fmt.Errorf("history sink %q: %w", dsn, serr)
			}
			sinks = append(sinks, s)
		}
		d.recorder = history.NewRecorder(log, sinks...)
		sopts = append(sopts, supervisor.WithRecorder(d.recorder))
	}

	if cfg.Status.File != "" {
		sopts = append(sopts, supervisor.WithStatusFile(cfg.Status.File))
	}

	if cfg.Metrics.Enabled {
		if err = metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if cfg.Metrics.Process {
			sampler := metrics.NewProcessSampler(sc.Worker.Name)
			if err = sampler.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
				return nil, fmt.Errorf("register process metrics: %w", err)
			}
			sopts = append(sopts, supervisor.WithSampler(sampler))
		}
	}

	if d.sup, err = supervisor.New(sc, append(sopts, opts...)...); err != nil {
		return nil, err
	}

	if expr := cfg.Schedule.Restart; expr != "" {
		loc, lerr := cfg.Location()
		if lerr != nil {
			return nil, lerr
		}
		d.scheduler = cron.NewScheduler(log, loc)
		sup := d.sup
		if err = d.scheduler.Add(cron.Job{
			Name:     RestartJobName,
			Schedule: expr,
			Run: func(context.Context) error {
				return sup.RequestRestart("scheduled restart ("+expr+")", supervisor.TriggerScheduled)
			},
		}); err != nil {
			return nil, err
		}
	}

	if cfg.Status.Listen != "" {
		router := server.NewRouter(d.sup, cfg.Status.Base, cfg.Status.RestartToken)
		if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
			router.WithMetrics(metrics.Handler())
		}
		d.statusSrv = server.NewServer(cfg.Status.Listen, router)
		if d.statusSrv.TLSConfig, err = tls.Setup(cfg.Status.TLS); err != nil {
			return nil, fmt.Errorf("status TLS: %w", err)
		}
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		d.metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
	}
	return d, nil
}

// Supervisor returns the wired supervisor.
func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.sup }

// NextScheduledRestart is zero without a schedule or before Serve.
func (d *Daemon) NextScheduledRestart() time.Time {
	if d.scheduler == nil {
		return time.Time{}
	}
	return d.scheduler.Next(RestartJobName)
}

// Serve binds the HTTP listeners and starts the scheduler. Listen errors
// are returned; serving happens in the background. Calling it again is a
// no-op.
func (d *Daemon) Serve() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.serving {
		return nil
	}
	for _, srv := range []*http.Server{d.statusSrv, d.metricsSrv} {
		if srv == nil {
			continue
		}
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, l := range d.listeners {
				_ = l.Close()
			}
			clear(d.listeners)
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		d.listeners[srv] = ln
	}
	for srv, ln := range d.listeners {
		go d.serveHTTP(srv, ln)
	}
	if d.scheduler != nil {
		d.scheduler.Start()
		d.log.Info("restart schedule active", "schedule", d.cfg.Schedule.Restart, "next", d.scheduler.Next(RestartJobName))
	}
	d.serving = true
	return nil
}

func (d *Daemon) serveHTTP(srv *http.Server, ln net.Listener) {
	var err error
	if srv.TLSConfig != nil {
		d.log.Info("serving HTTPS", "addr", ln.Addr().String())
		err = srv.ServeTLS(ln, "", "")
	} else {
		d.log.Info("serving HTTP", "addr", ln.Addr().String())
		err = srv.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		d.log.Error("HTTP server failed", "addr", srv.Addr, "error", err)
	}
}

// StatusAddr is the bound status API address, empty before Serve.
func (d *Daemon) StatusAddr() string { return d.addrOf(d.statusSrv) }

// MetricsAddr is the bound metrics address, empty before Serve.
func (d *Daemon) MetricsAddr() string { return d.addrOf(d.metricsSrv) }

func (d *Daemon) addrOf(srv *http.Server) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ln, ok := d.listeners[srv]; ok {
		return ln.Addr().String()
	}
	return ""
}

// Run serves and supervises until ctx is done or the supervisor is stopped,
// then releases everything.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Serve(); err != nil {
		d.release()
		return err
	}
	err := d.sup.RunForever(ctx, 0)
	d.Close()
	return err
}

// Close stops the supervisor loop, the servers and the scheduler, and
// releases the sinks and the instance lock.
func (d *Daemon) Close() {
	d.sup.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if d.scheduler != nil {
		if err := d.scheduler.Stop(ctx); err != nil {
			d.log.Warn("scheduler stop", "error", err)
		}
	}
	for _, srv := range []*http.Server{d.statusSrv, d.metricsSrv} {
		if srv != nil {
			_ = srv.Shutdown(ctx)
		}
	}
	d.release()
}

func (d *Daemon) release() {
	if d.recorder != nil {
		if err := d.recorder.Close(); err != nil {
			d.log.Warn("closing history sinks", "error", err)
		}
		d.recorder = nil
	}
	if d.claim != nil {
		if err := d.claim.Release(); err != nil {
			d.log.Warn("releasing instance lock", "error", err)
		}
		d.claim = nil
	}
}
