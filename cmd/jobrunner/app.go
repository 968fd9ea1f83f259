package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/KoketsoMabuela92/background-job-runner/internal/config"
	"github.com/KoketsoMabuela92/background-job-runner/internal/engine"
	"github.com/KoketsoMabuela92/background-job-runner/internal/events"
	"github.com/KoketsoMabuela92/background-job-runner/internal/executor"
	"github.com/KoketsoMabuela92/background-job-runner/internal/jobs"
	"github.com/KoketsoMabuela92/background-job-runner/internal/lock"
	"github.com/KoketsoMabuela92/background-job-runner/internal/models"
	"github.com/KoketsoMabuela92/background-job-runner/internal/queue"
	"github.com/KoketsoMabuela92/background-job-runner/internal/scheduler"
	"github.com/KoketsoMabuela92/background-job-runner/internal/web"
	"github.com/google/uuid"
)

// Extra time the parent allows a child beyond the job's own timeout, so the
// child normally records the timeout itself.
const childTimeoutSlack = 5 * time.Second

// parseFlags layers defaults, config file and environment, then the
// command's flags, and validates the result.
func parseFlags(name string, args []string, extra func(fs *flag.FlagSet)) (*config.Config, string, error) {
	cfg, configPath, err := config.Load(args)
	if err != nil {
		return nil, "", err
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("config", configPath, "Path to jobrunner config file")
	cfg.BindFlags(fs)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, configPath, nil
}

// app is the wiring every command shares.
type app struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	store      queue.Store
	engine     *engine.Engine
	closers    []func()
}

func newApp(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger, publisher events.Publisher) (*app, error) {
	store, err := queue.Open(ctx, cfg.Driver(), cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	reg := cfg.Registry(jobs.Options{Tick: cfg.Tick, Logger: logger})
	eng := engine.New(store, reg, logger, engine.Options{
		Retry:           &engine.RetryPolicy{MaxAttempts: cfg.MaxAttempts, Delay: cfg.RetryDelay},
		DefaultPriority: cfg.DefaultPriority,
		ExecTimeout:     cfg.ExecTimeout,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		TerminateGrace:  cfg.TerminateGrace,
		Publisher:       publisher,
	})
	return &app{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		store:      store,
		engine:     eng,
		closers:    []func(){func() { store.Close() }},
	}, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) executor() (executor.Executor, error) {
	if a.cfg.ExecMode == config.ExecModeInline {
		return executor.NewInlineExecutor(a.engine), nil
	}
	pe, err := executor.NewProcessExecutor(a.configPath, childTimeout(a.cfg))
	if err != nil {
		return nil, err
	}
	pe.KillGrace = a.cfg.TerminateGrace
	pe.MaxLogSize = a.cfg.MaxOutputBytes
	pe.Env = a.cfg.ChildEnv()
	pe.Stream = os.Stderr
	return pe, nil
}

func childTimeout(cfg *config.Config) time.Duration {
	if cfg.ExecTimeout <= 0 {
		return 0
	}
	return cfg.ExecTimeout + cfg.TerminateGrace + childTimeoutSlack
}

func (a *app) locker(ctx context.Context) (lock.Locker, error) {
	if a.cfg.RedisURL == "" {
		return lock.Noop{}, nil
	}
	l, err := lock.Dial(ctx, a.cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { l.Close() })
	return l, nil
}

func (a *app) scheduler(ctx context.Context, publisher events.Publisher) (*scheduler.Scheduler, error) {
	exec, err := a.executor()
	if err != nil {
		return nil, err
	}
	locker, err := a.locker(ctx)
	if err != nil {
		return nil, err
	}
	return scheduler.New(a.store, exec, a.engine, a.logger, scheduler.Options{
		BatchLimit: a.cfg.BatchLimit,
		Schedule:   a.cfg.Schedule,
		Locker:     locker,
		LockTTL:    a.cfg.LockTTL,
		Publisher:  publisher,
		Drain:      a.cfg.ShutdownTimeout,
	}), nil
}

func (a *app) dashboard(broker *events.Broker) (*web.Server, error) {
	allowlist, err := web.ParseCIDRAllowlist(a.cfg.AllowCIDRs)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := web.BuildTLSConfig(a.cfg.TLSCert, a.cfg.TLSKey, a.cfg.TLSClientCA)
	if err != nil {
		return nil, err
	}
	clientAuth := tlsConfig != nil && tlsConfig.ClientAuth == tls.RequireAndVerifyClientCert
	if a.cfg.AuthToken == "" && a.cfg.AuthSecret == "" && !isLoopbackAddr(a.cfg.DashboardAddr) && allowlist == nil && !clientAuth {
		a.logger.Warn("Dashboard has no auth; bind to localhost or set an auth token", "addr", a.cfg.DashboardAddr)
	}
	return web.NewServer(a.engine, a.store, web.Options{
		Addr:       a.cfg.DashboardAddr,
		Token:      a.cfg.AuthToken,
		Secret:     a.cfg.AuthSecret,
		AuthLimit:  a.cfg.AuthLimit,
		AuthWindow: a.cfg.AuthWindow,
		Allowlist:  allowlist,
		TLS:        tlsConfig,
		Events:     broker,
		Logger:     a.logger,
	}), nil
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func parseJobID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%w: --id is required", models.ErrValidation)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid job id %q", models.ErrValidation, raw)
	}
	return id, nil
}
