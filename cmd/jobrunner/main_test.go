package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/KoketsoMabuela92/background-job-runner/internal/config"
	"github.com/KoketsoMabuela92/background-job-runner/internal/executor"
	"github.com/KoketsoMabuela92/background-job-runner/internal/models"
	"github.com/KoketsoMabuela92/background-job-runner/internal/queue"
)

// TestMain lets run-pending spawn this test binary as its `run` child.
func TestMain(m *testing.M) {
	if os.Getenv("JOBRUNNER_TEST_CHILD") == "1" && len(os.Args) > 1 && os.Args[1] == "run" {
		os.Exit(runJob(os.Args[2:]))
	}
	os.Exit(m.Run())
}

// storeArgs points a command at a fresh SQLite file.
func storeArgs(t *testing.T) []string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.db")
	store, err := queue.OpenSQLite(context.Background(), path)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	store.Close()
	t.Setenv("JOBRUNNER_TICK", "1ms")
	return []string{"--sqlite-path", path}
}

func with(base []string, extra ...string) []string {
	return append(append([]string{}, base...), extra...)
}

func createJob(t *testing.T, base []string, entry string) *models.Job {
	t.Helper()
	var out bytes.Buffer
	if err := runCreate(context.Background(), with(base, "--type", "TestJob", "--entry", entry), &out); err != nil {
		t.Fatalf("create %s: %v", entry, err)
	}
	var job models.Job
	if err := json.Unmarshal(out.Bytes(), &job); err != nil {
		t.Fatalf("decode created job: %v (%s)", err, out.String())
	}
	return &job
}

func readJob(t *testing.T, base []string, id string) *models.Job {
	t.Helper()
	var out bytes.Buffer
	if err := runStatus(context.Background(), with(base, "--id", id), &out); err != nil {
		t.Fatalf("status: %v", err)
	}
	var job models.Job
	if err := json.Unmarshal(out.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return &job
}

func TestParseFlagsPrecedence(t *testing.T) {
	t.Setenv("JOBRUNNER_MAX_ATTEMPTS", "5")

	cfg, _, err := parseFlags("test", []string{"--batch-limit", "7"}, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.MaxAttempts != 5 {
		t.Fatalf("expected env max attempts 5, got %d", cfg.MaxAttempts)
	}
	if cfg.BatchLimit != 7 {
		t.Fatalf("expected flag batch limit 7, got %d", cfg.BatchLimit)
	}

	cfg, _, err = parseFlags("test", []string{"--max-attempts", "1"}, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.MaxAttempts != 1 {
		t.Fatalf("expected flag to override env, got %d", cfg.MaxAttempts)
	}
}

func TestParseFlagsValidates(t *testing.T) {
	if _, _, err := parseFlags("test", []string{"--default-priority", "9"}, nil); err == nil {
		t.Fatal("expected validation error for priority 9")
	}
	if _, _, err := parseFlags("test", []string{"--store", "memory"}, nil); err == nil {
		t.Fatal("expected memory store to require inline execution")
	}
	if _, _, err := parseFlags("test", []string{"--exec-mode", "inline"}, nil); err == nil {
		t.Fatal("expected inline execution to require the memory store")
	}
	if _, _, err := parseFlags("test", []string{"--store", "memory", "--exec-mode", "inline"}, nil); err != nil {
		t.Fatalf("expected memory store with inline execution to validate, got %v", err)
	}
}

func TestParseJobID(t *testing.T) {
	if _, err := parseJobID(""); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error for empty id, got %v", err)
	}
	if _, err := parseJobID("not-a-uuid"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error for bad id, got %v", err)
	}
	if _, err := parseJobID("0192f5a4-7c1e-7a3b-9d2e-4b5c6d7e8f90"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:8080": true,
		"[::1]:8080":     true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"10.0.0.5:8080":  false,
		"nonsense":       false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestChildTimeout(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ExecTimeout = 0
	if got := childTimeout(cfg); got != 0 {
		t.Fatalf("expected no child timeout, got %s", got)
	}
	cfg.ExecTimeout = time.Minute
	cfg.TerminateGrace = 5 * time.Second
	if got := childTimeout(cfg); got != time.Minute+5*time.Second+childTimeoutSlack {
		t.Fatalf("unexpected child timeout %s", got)
	}
}

func TestCreateStatusAndList(t *testing.T) {
	base := storeArgs(t)
	job := createJob(t, base, "withPriority")
	if job.Status != models.StatusPending || job.Attempts != 0 {
		t.Fatalf("expected fresh pending job, got %s attempts=%d", job.Status, job.Attempts)
	}

	got := readJob(t, base, job.ID.String())
	if got.ID != job.ID || got.JobType != "TestJob" {
		t.Fatalf("unexpected job %+v", got)
	}

	var out bytes.Buffer
	if err := runList(context.Background(), with(base, "--status", "pending"), &out); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out.String(), job.ID.String()) {
		t.Fatalf("expected job in list output:\n%s", out.String())
	}

	out.Reset()
	if err := runStatus(context.Background(), base, &out); err != nil {
		t.Fatalf("counts: %v", err)
	}
	found := false
	for _, line := range strings.Split(out.String(), "\n") {
		if fields := strings.Fields(line); len(fields) == 2 && fields[0] == "pending" && fields[1] == "1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected one pending job in counts:\n%s", out.String())
	}
}

func TestCreateRejectsUnregisteredPair(t *testing.T) {
	base := storeArgs(t)
	var out bytes.Buffer
	err := runCreate(context.Background(), with(base, "--type", "TestJob", "--entry", "dropTables"), &out)
	if !errors.Is(err, models.ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
}

func TestListRejectsUnknownStatus(t *testing.T) {
	base := storeArgs(t)
	var out bytes.Buffer
	if err := runList(context.Background(), with(base, "--status", "stuck"), &out); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRunJobExitCodes(t *testing.T) {
	base := storeArgs(t)

	ok := createJob(t, base, "withPriority")
	if code := runJob(with(base, "--id", ok.ID.String())); code != executor.ExitOK {
		t.Fatalf("expected exit %d, got %d", executor.ExitOK, code)
	}
	if got := readJob(t, base, ok.ID.String()); got.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	// Running a finished job again is a no-op.
	if code := runJob(with(base, "--id", ok.ID.String())); code != executor.ExitOK {
		t.Fatalf("expected no-op exit %d, got %d", executor.ExitOK, code)
	}

	failing := createJob(t, base, "failure")
	if code := runJob(with(base, "--id", failing.ID.String())); code != executor.ExitJobFailed {
		t.Fatalf("expected exit %d, got %d", executor.ExitJobFailed, code)
	}

	if code := runJob(with(base, "--id", "not-a-uuid")); code != executor.ExitRequestError {
		t.Fatalf("expected exit %d for bad id, got %d", executor.ExitRequestError, code)
	}
	if code := runJob(with(base, "--id", "0192f5a4-7c1e-7a3b-9d2e-4b5c6d7e8f90")); code != executor.ExitRequestError {
		t.Fatalf("expected exit %d for unknown id, got %d", executor.ExitRequestError, code)
	}
}

func TestCancelAndRetryCommands(t *testing.T) {
	base := storeArgs(t)
	ctx := context.Background()

	pending := createJob(t, base, "withPriority")
	var out bytes.Buffer
	if err := runCancel(ctx, with(base, "--id", pending.ID.String()), &out); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !strings.Contains(out.String(), "Cancelled job") {
		t.Fatalf("unexpected cancel output %q", out.String())
	}
	out.Reset()
	if err := runCancel(ctx, with(base, "--id", pending.ID.String()), &out); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if !strings.Contains(out.String(), "not cancellable") {
		t.Fatalf("expected no-op cancel, got %q", out.String())
	}

	out.Reset()
	if err := runRetry(ctx, with(base, "--id", pending.ID.String()), &out); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected retry of cancelled job to be rejected, got %v", err)
	}

	failing := createJob(t, base, "failure")
	runJob(with(base, "--id", failing.ID.String()))
	out.Reset()
	if err := runRetry(ctx, with(base, "--id", failing.ID.String()), &out); err != nil {
		t.Fatalf("retry: %v", err)
	}
	var retried models.Job
	if err := json.Unmarshal(out.Bytes(), &retried); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if retried.ID != failing.ID || retried.Status != models.StatusPending || retried.Error != nil {
		t.Fatalf("expected failed job reset to pending, got %+v", retried)
	}
}

func TestRunPendingSpawnsChildren(t *testing.T) {
	base := storeArgs(t)
	t.Setenv("JOBRUNNER_TEST_CHILD", "1")
	createJob(t, base, "withPriority")
	createJob(t, base, "withPriority")

	var out bytes.Buffer
	if err := runPending(context.Background(), base, &out); err != nil {
		t.Fatalf("run-pending: %v", err)
	}
	want := "processed 2 jobs: 2 completed, 0 failed, 0 cancelled, 0 skipped, 0 errors"
	if strings.TrimSpace(out.String()) != want {
		t.Fatalf("expected %q, got %q", want, out.String())
	}

	out.Reset()
	if err := runPending(context.Background(), with(base, "--json"), &out); err != nil {
		t.Fatalf("run-pending --json: %v", err)
	}
	var report map[string]any
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if !strings.HasPrefix(report["summary"].(string), "processed 0 jobs") {
		t.Fatalf("expected an empty second pass, got %v", report["summary"])
	}
}

func TestRunPendingInlineMemoryStore(t *testing.T) {
	t.Setenv("JOBRUNNER_TICK", "1ms")
	var out bytes.Buffer
	if err := runPending(context.Background(), []string{"--store", "memory", "--exec-mode", "inline"}, &out); err != nil {
		t.Fatalf("run-pending: %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(out.String()), "processed 0 jobs") {
		t.Fatalf("expected an empty pass on a fresh memory store, got %q", out.String())
	}
}

func TestMigrate(t *testing.T) {
	var out bytes.Buffer
	if err := runMigrate(context.Background(), []string{"--store", "memory", "--exec-mode", "inline"}, &out); err != nil {
		t.Fatalf("migrate memory: %v", err)
	}
	if !strings.Contains(out.String(), "Nothing to migrate") {
		t.Fatalf("unexpected output %q", out.String())
	}

	base := storeArgs(t)
	out.Reset()
	if err := runMigrate(context.Background(), base, &out); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	if strings.TrimSpace(out.String()) != "Schema ready (sqlite)" {
		t.Fatalf("unexpected output %q", out.String())
	}
}
