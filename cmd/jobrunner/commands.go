package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/KoketsoMabuela92/background-job-runner/internal/config"
	"github.com/KoketsoMabuela92/background-job-runner/internal/db"
	"github.com/KoketsoMabuela92/background-job-runner/internal/engine"
	"github.com/KoketsoMabuela92/background-job-runner/internal/executor"
	"github.com/KoketsoMabuela92/background-job-runner/internal/logging"
	"github.com/KoketsoMabuela92/background-job-runner/internal/models"
	"github.com/KoketsoMabuela92/background-job-runner/internal/queue"
	"github.com/KoketsoMabuela92/background-job-runner/internal/supervisor"
)

// openCLI builds the app for a short-lived command. Logs go to stderr so
// stdout carries only the command's output.
func openCLI(ctx context.Context, name string, args []string, extra func(fs *flag.FlagSet)) (*app, error) {
	cfg, configPath, err := parseFlags(name, args, extra)
	if err != nil {
		return nil, err
	}
	logger := logging.New(os.Stderr, cfg.LogLevel).With("component", name)
	return newApp(ctx, cfg, configPath, logger, nil)
}

func runCreate(ctx context.Context, args []string, out io.Writer) error {
	var jobType, entryPoint, payload string
	var priority, delay int
	a, err := openCLI(ctx, "create", args, func(fs *flag.FlagSet) {
		fs.StringVar(&jobType, "type", "", "Job type, e.g. TestJob")
		fs.StringVar(&entryPoint, "entry", "", "Entry point within the job type")
		fs.StringVar(&payload, "payload", "{}", "JSON object passed to the handler")
		fs.IntVar(&priority, "priority", 0, "Priority 1 (highest) to 5; 0 uses the configured default")
		fs.IntVar(&delay, "delay", 0, "Seconds before the job becomes eligible")
	})
	if err != nil {
		return err
	}
	defer a.Close()

	params := engine.CreateParams{
		JobType:      jobType,
		EntryPoint:   entryPoint,
		Payload:      json.RawMessage(payload),
		DelaySeconds: delay,
	}
	if priority != 0 {
		params.Priority = &priority
	}
	job, err := a.engine.Create(ctx, params)
	if err != nil {
		return err
	}
	return writeJSON(out, job)
}

// runJob is the child entry point: it runs one job and maps the outcome to
// the process exit code.
func runJob(args []string) int {
	var rawID string
	cfg, configPath, err := parseFlags("run", args, func(fs *flag.FlagSet) {
		fs.StringVar(&rawID, "id", "", "Job id to execute")
	})
	if err != nil {
		log.Print(err)
		return executor.ExitRequestError
	}
	id, err := parseJobID(rawID)
	if err != nil {
		log.Print(err)
		return executor.ExitRequestError
	}

	logger := logging.Init("run", cfg.LogLevel)
	ctx, stop := cancelOnSignal(context.Background())
	defer stop()

	a, err := newApp(ctx, cfg, configPath, logger, nil)
	if err != nil {
		logger.Error("Failed to open job store", "error", err)
		return executor.ExitRequestError
	}
	defer a.Close()

	ok, err := a.engine.Run(ctx, id)
	if err != nil {
		logger.Error("Job run rejected", "job_id", id, "error", err)
	}
	return executor.ExitCodeFor(ok, err)
}

// cancelOnSignal cancels with supervisor.ErrCancelRequested on SIGTERM or
// SIGINT. The engine then leaves the record to whoever sent the signal.
func cancelOnSignal(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigs:
			cancel(supervisor.ErrCancelRequested)
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigs)
		cancel(nil)
	}
}

func runStatus(ctx context.Context, args []string, out io.Writer) error {
	var rawID string
	a, err := openCLI(ctx, "status", args, func(fs *flag.FlagSet) {
		fs.StringVar(&rawID, "id", "", "Job id; omit for counts by status")
	})
	if err != nil {
		return err
	}
	defer a.Close()

	if rawID == "" {
		counts, err := a.engine.Stats(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STATUS\tJOBS")
		for _, status := range models.AllStatuses {
			fmt.Fprintf(w, "%s\t%d\n", status, counts[status])
		}
		return w.Flush()
	}

	id, err := parseJobID(rawID)
	if err != nil {
		return err
	}
	job, err := a.engine.Status(ctx, id)
	if err != nil {
		return err
	}
	return writeJSON(out, job)
}

func runCancel(ctx context.Context, args []string, out io.Writer) error {
	var rawID string
	a, err := openCLI(ctx, "cancel", args, func(fs *flag.FlagSet) {
		fs.StringVar(&rawID, "id", "", "Job id to cancel")
	})
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := parseJobID(rawID)
	if err != nil {
		return err
	}
	cancelled, err := a.engine.Cancel(ctx, id)
	if err != nil {
		return err
	}
	if cancelled {
		fmt.Fprintf(out, "Cancelled job %s\n", id)
	} else {
		fmt.Fprintf(out, "Job %s is not cancellable\n", id)
	}
	return nil
}

func runRetry(ctx context.Context, args []string, out io.Writer) error {
	var rawID string
	a, err := openCLI(ctx, "retry", args, func(fs *flag.FlagSet) {
		fs.StringVar(&rawID, "id", "", "Id of a failed job to retry")
	})
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := parseJobID(rawID)
	if err != nil {
		return err
	}
	job, err := a.engine.Retry(ctx, id)
	if err != nil {
		return err
	}
	return writeJSON(out, job)
}

func runList(ctx context.Context, args []string, out io.Writer) error {
	var status, jobType string
	var limit, offset int
	a, err := openCLI(ctx, "list", args, func(fs *flag.FlagSet) {
		fs.StringVar(&status, "status", "", "Only jobs with this status")
		fs.StringVar(&jobType, "type", "", "Only jobs of this type")
		fs.IntVar(&limit, "limit", 50, "Maximum jobs to show")
		fs.IntVar(&offset, "offset", 0, "Jobs to skip, newest first")
	})
	if err != nil {
		return err
	}
	defer a.Close()

	if status != "" && !models.Status(status).Valid() {
		return fmt.Errorf("%w: unknown status %q", models.ErrValidation, status)
	}
	list, err := a.engine.List(ctx, queue.ListOptions{
		Status:  models.Status(status),
		JobType: jobType,
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tJOB\tSTATUS\tPRIORITY\tATTEMPTS\tCREATED\tERROR")
	for _, job := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			job.ID, job.Descriptor(), job.Status, job.Priority, job.Attempts,
			job.CreatedAt.Format(time.RFC3339), job.ErrorText())
	}
	return w.Flush()
}

func runMigrate(ctx context.Context, args []string, out io.Writer) error {
	cfg, _, err := parseFlags("migrate", args, nil)
	if err != nil {
		return err
	}
	switch cfg.Driver() {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := queue.EnsureSchema(ctx, pool); err != nil {
			return err
		}
	case config.DriverSQLite:
		store, err := queue.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return err
		}
		store.Close()
	default:
		fmt.Fprintf(out, "Nothing to migrate for the %s store\n", cfg.Driver())
		return nil
	}
	fmt.Fprintf(out, "Schema ready (%s)\n", cfg.Driver())
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
