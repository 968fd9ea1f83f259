package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/KoketsoMabuela92/background-job-runner/internal/config"
	"github.com/KoketsoMabuela92/background-job-runner/internal/models"
	"github.com/KoketsoMabuela92/background-job-runner/internal/proc"
	"github.com/KoketsoMabuela92/background-job-runner/internal/queue"
)

func main() {
	cfg, _, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	fs.String("config", "", "Path to jobrunner config file")
	cfg.BindFlags(fs)
	localPIDs := fs.Bool("local-pids", false, "Check that running jobs' pids are alive on this host")
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	store, err := queue.Open(ctx, cfg.Driver(), cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	jobs, err := loadAll(ctx, store)
	if err != nil {
		log.Fatalf("Failed to load jobs: %v", err)
	}
	fmt.Printf("Total jobs in store: %d\n", len(jobs))

	var alive func(int) bool
	if *localPIDs {
		alive = func(pid int) bool { return proc.Find(pid).Alive() }
	}
	if failed := report(os.Stdout, audit(jobs, cfg.MaxAttempts, alive)); failed > 0 {
		os.Exit(1)
	}
}

func loadAll(ctx context.Context, store queue.Store) ([]*models.Job, error) {
	var all []*models.Job
	for offset := 0; ; offset += queue.MaxListLimit {
		page, err := store.List(ctx, queue.ListOptions{Limit: queue.MaxListLimit, Offset: offset})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < queue.MaxListLimit {
			return all, nil
		}
	}
}

type check struct {
	failMsg string
	passMsg string
	bad     int
}

// audit counts records breaking the lifecycle rules. alive may be nil to
// skip the pid liveness check.
func audit(jobs []*models.Job, maxAttempts int, alive func(pid int) bool) []check {
	pidOutsideRunning := check{failMsg: "jobs hold a process id while not running", passMsg: "Process ids only on running jobs"}
	runningWithoutPID := check{failMsg: "running jobs without a process id", passMsg: "Every running job has a process id"}
	exceeded := check{failMsg: "jobs exceeded max attempts", passMsg: "No job exceeded max attempts"}
	premature := check{failMsg: "jobs started before their scheduled time", passMsg: "No job started early"}
	unfinished := check{failMsg: "terminal jobs without a completion time", passMsg: "Terminal jobs carry a completion time"}
	silent := check{failMsg: "failed jobs without an error message", passMsg: "Failed jobs carry an error message"}
	dead := check{failMsg: "running jobs whose process is gone", passMsg: "Running jobs have live processes"}

	for _, j := range jobs {
		if j.ProcessID != nil && j.Status != models.StatusRunning {
			pidOutsideRunning.bad++
		}
		if j.Status == models.StatusRunning && j.ProcessID == nil {
			runningWithoutPID.bad++
		}
		if j.Attempts > maxAttempts {
			exceeded.bad++
		}
		if j.StartedAt != nil && j.ScheduledAt != nil && j.StartedAt.Before(*j.ScheduledAt) {
			premature.bad++
		}
		if j.Status.Terminal() && j.CompletedAt == nil {
			unfinished.bad++
		}
		if j.Status == models.StatusFailed && j.ErrorText() == "" {
			silent.bad++
		}
		if alive != nil && j.Status == models.StatusRunning && j.ProcessID != nil && !alive(*j.ProcessID) {
			dead.bad++
		}
	}

	checks := []check{pidOutsideRunning, runningWithoutPID, exceeded, premature, unfinished, silent}
	if alive != nil {
		checks = append(checks, dead)
	}
	return checks
}

func report(w io.Writer, checks []check) int {
	failed := 0
	for _, c := range checks {
		if c.bad > 0 {
			failed++
			fmt.Fprintf(w, "[FAIL] Found %d %s\n", c.bad, c.failMsg)
		} else {
			fmt.Fprintf(w, "[PASS] %s\n", c.passMsg)
		}
	}
	return failed
}
