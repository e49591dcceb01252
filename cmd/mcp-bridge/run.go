package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jmandel/JiraFhirUtils-sub001/broker"
	"github.com/jmandel/JiraFhirUtils-sub001/broker/memory"
	redisbroker "github.com/jmandel/JiraFhirUtils-sub001/broker/redis"
	"github.com/jmandel/JiraFhirUtils-sub001/internal/config"
	"github.com/jmandel/JiraFhirUtils-sub001/internal/logging"
	"github.com/jmandel/JiraFhirUtils-sub001/metrics"
	"github.com/jmandel/JiraFhirUtils-sub001/sessions"
	"github.com/jmandel/JiraFhirUtils-sub001/streaminghttp"
	"github.com/jmandel/JiraFhirUtils-sub001/subprocess"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	// shutdownSlack is added to the stop grace to bound the whole shutdown.
	shutdownSlack = 5 * time.Second
	// shutdownSweepInterval is how often sessions opened during shutdown are
	// deleted.
	shutdownSweepInterval = 100 * time.Millisecond
)

func run(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	format, err := logging.ParseFormat(cfg.LogFormat)
	if err != nil {
		return err
	}
	log := logging.New(logging.WithLevel(logging.ParseLevel(cfg.LogLevel)), logging.WithFormat(format))
	rec := metrics.New()

	backlog, closeBacklog, err := newBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBacklog()

	sm := sessions.NewManager(
		sessions.WithLogger(log),
		sessions.WithBroker(backlog),
		sessions.WithRequestTimeout(cfg.RequestTimeout),
		sessions.WithSweepInterval(cfg.SweepInterval),
		sessions.WithMetrics(rec),
	)

	argv := cfg.Argv()
	proc := subprocess.New(argv[0], argv[1:],
		subprocess.WithLogger(log),
		subprocess.WithDir(cfg.Dir),
		subprocess.WithAutoRestart(cfg.AutoRestart),
		subprocess.WithRestartDelay(cfg.RestartDelay),
		subprocess.WithStopGrace(cfg.StopGrace),
		subprocess.WithMetrics(rec),
	)

	h := streaminghttp.New(cfg.Path, sm, proc,
		streaminghttp.WithLogger(log),
		streaminghttp.WithMetrics(rec),
	)
	proc.OnMessage(h.HandleSubprocessMessage)
	rec.RegisterGauges(metrics.Gauges{
		Sessions: sm.Count,
		Pending:  sm.PendingCount,
		Running:  proc.Running,
	})

	if err := proc.Start(ctx); err != nil {
		return fmt.Errorf("start tool server: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http.listen", slog.String("addr", srv.Addr), slog.String("path", cfg.Path), slog.Any("command", argv))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           rec.Router(proc.Running),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info("metrics.listen", slog.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve metrics: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error { return sm.Run(gctx) })

	if cfg.Watch {
		paths := watchPaths(argv)
		g.Go(func() error { return proc.Watch(gctx, paths...) })
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown.start")
		return shutdown(context.WithoutCancel(ctx), cfg.StopGrace+shutdownSlack, srv, metricsSrv, sm, proc)
	})

	return g.Wait()
}

// shutdown stops accepting connections, terminates every session so blocked
// handlers and push streams return, then stops the tool server.
func shutdown(ctx context.Context, timeout time.Duration, srv, metricsSrv *http.Server, sm *sessions.Manager, proc *subprocess.Manager) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result *multierror.Error

	served := make(chan error, 1)
	go func() { served <- srv.Shutdown(ctx) }()

	// Requests admitted while the listener closes can still open sessions,
	// so sessions are deleted until the server has drained and once more
	// after.
	sweep := time.NewTicker(shutdownSweepInterval)
	defer sweep.Stop()
	var deleteErr, serveErr error
	for drained := false; !drained; {
		if err := sm.DeleteAll(ctx); err != nil {
			deleteErr = err
		}
		select {
		case serveErr = <-served:
			drained = true
		case <-sweep.C:
		}
	}
	if err := sm.DeleteAll(ctx); err != nil {
		deleteErr = err
	}
	if deleteErr != nil {
		result = multierror.Append(result, fmt.Errorf("delete sessions: %w", deleteErr))
	}
	if serveErr != nil {
		result = multierror.Append(result, fmt.Errorf("shutdown http: %w", serveErr))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("shutdown metrics: %w", err))
		}
	}
	if err := proc.Stop(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop tool server: %w", err))
	}
	return result.ErrorOrNil()
}

func newBroker(ctx context.Context, cfg config.Config) (broker.Broker, func(), error) {
	if cfg.ReplayBackend != config.ReplayRedis {
		return memory.New(cfg.ReplayHistory), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:                  cfg.RedisAddr,
		ContextTimeoutEnabled: true,
	})
	b := redisbroker.New(redisbroker.Config{
		Client:    client,
		KeyPrefix: cfg.RedisKeyPrefix,
		History:   cfg.ReplayHistory,
	})
	if err := b.Ping(ctx); err != nil {
		_ = b.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	return b, func() { _ = b.Close() }, nil
}

// watchPaths resolves the program and any arguments naming existing files.
func watchPaths(argv []string) []string {
	var paths []string
	if p, err := exec.LookPath(argv[0]); err == nil {
		paths = append(paths, p)
	}
	for _, arg := range argv[1:] {
		if fi, err := os.Stat(arg); err == nil && fi.Mode().IsRegular() {
			paths = append(paths, arg)
		}
	}
	return paths
}
