package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/KoketsoMabuela92/background-job-runner/internal/events"
	"github.com/KoketsoMabuela92/background-job-runner/internal/logging"
	"github.com/KoketsoMabuela92/background-job-runner/internal/metrics"
	"github.com/KoketsoMabuela92/background-job-runner/internal/web"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// runPending executes a single scheduler pass and prints its report.
func runPending(ctx context.Context, args []string, out io.Writer) error {
	var asJSON bool
	a, err := openCLI(ctx, "run-pending", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&asJSON, "json", false, "Print the pass report as JSON")
	})
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.scheduler(ctx, nil)
	if err != nil {
		return err
	}
	report, err := sched.RunPass(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return report.WriteJSON(out)
	}
	if report.Locked {
		fmt.Fprintln(out, "Another scheduler holds the pass lock; nothing run")
		return nil
	}
	fmt.Fprintln(out, report.Summary())
	return nil
}

// runWorker runs the scheduler loop and, unless disabled, the dashboard in
// one process until a signal arrives.
func runWorker(ctx context.Context, args []string) error {
	var noDashboard bool
	cfg, configPath, err := parseFlags("worker", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&noDashboard, "no-dashboard", false, "Run the scheduler without the dashboard")
	})
	if err != nil {
		return err
	}
	logger := logging.Init("worker", cfg.LogLevel)
	gin.SetMode(gin.ReleaseMode)

	broker := events.NewBroker(0)
	a, err := newApp(ctx, cfg, configPath, logger, broker)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.scheduler(ctx, broker)
	if err != nil {
		return err
	}

	var server *web.Server
	if !noDashboard && cfg.DashboardAddr != "" {
		if server, err = a.dashboard(broker); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Start(gctx) })
	if server != nil {
		g.Go(func() error { return server.Start(gctx) })
	}
	metrics.StartCollector(gctx, a.store, cfg.MetricsInterval, logger)

	logger.Info("Worker started", "store", cfg.Driver(), "exec_mode", cfg.ExecMode, "pid", os.Getpid())
	return g.Wait()
}

// runServe runs only the dashboard, for hosts where another process owns
// the scheduler.
func runServe(ctx context.Context, args []string) error {
	cfg, configPath, err := parseFlags("serve", args, nil)
	if err != nil {
		return err
	}
	logger := logging.Init("serve", cfg.LogLevel)
	gin.SetMode(gin.ReleaseMode)

	broker := events.NewBroker(0)
	a, err := newApp(ctx, cfg, configPath, logger, broker)
	if err != nil {
		return err
	}
	defer a.Close()

	server, err := a.dashboard(broker)
	if err != nil {
		return err
	}
	metrics.StartCollector(ctx, a.store, cfg.MetricsInterval, logger)
	return server.Start(ctx)
}
