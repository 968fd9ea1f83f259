package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KoketsoMabuela92/background-job-runner/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 21, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeFactory func(t *testing.T, clock *fakeClock) Store

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T, clock *fakeClock) Store {
		s := NewMemoryStore()
		s.SetClock(clock.Now)
		return s
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T, clock *fakeClock) Store {
		s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
		if err != nil {
			t.Skipf("sqlite unavailable: %v", err)
		}
		s.now = clock.Now
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	runStoreSuite(t, func(t *testing.T, clock *fakeClock) Store {
		ctx := context.Background()
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			t.Fatalf("failed to connect to DB: %v", err)
		}
		t.Cleanup(pool.Close)
		if err := EnsureSchema(ctx, pool); err != nil {
			t.Fatalf("ensure schema: %v", err)
		}
		if _, err := pool.Exec(ctx, "DELETE FROM background_jobs"); err != nil {
			t.Fatalf("cleanup: %v", err)
		}
		s := NewPostgresStore(pool)
		s.now = clock.Now
		return s
	})
}

func runStoreSuite(t *testing.T, factory storeFactory) {
	t.Run("insert and get", func(t *testing.T) { testInsertGet(t, factory) })
	t.Run("eligibility order", func(t *testing.T) { testEligibilityOrder(t, factory) })
	t.Run("delayed jobs", func(t *testing.T) { testDelayedEligibility(t, factory) })
	t.Run("conditional transition", func(t *testing.T) { testTransition(t, factory) })
	t.Run("patch fields", func(t *testing.T) { testPatchFields(t, factory) })
	t.Run("list and counts", func(t *testing.T) { testListAndCounts(t, factory) })
}

func newJob(clock *fakeClock, priority int) *models.Job {
	now := clock.Now()
	return &models.Job{
		ID:         uuid.Must(uuid.NewV7()),
		JobType:    "TestJob",
		EntryPoint: "success",
		Payload:    json.RawMessage(`{}`),
		Priority:   priority,
		Status:     models.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func testInsertGet(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	clock := newFakeClock()
	s := factory(t, clock)

	job := newJob(clock, 2)
	job.Payload = json.RawMessage(`{"zeta":1,"alpha":{"b":2,"a":1}}`)
	if err := s.Insert(ctx, job); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != job.ID || got.Status != models.StatusPending || got.Priority != 2 || got.Attempts != 0 {
		t.Fatalf("unexpected record %+v", got)
	}
	if string(got.Payload) != string(job.Payload) {
		t.Fatalf("expected payload %s preserved, got %s", job.Payload, got.Payload)
	}
	if got.ProcessID != nil || got.Error != nil || got.ScheduledAt != nil {
		t.Fatalf("expected nullable fields to be empty, got %+v", got)
	}

	if _, err := s.Get(ctx, uuid.New()); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testEligibilityOrder(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	clock := newFakeClock()
	s := factory(t, clock)

	var ids []uuid.UUID
	for _, priority := range []int{5, 1, 3, 1} {
		job := newJob(clock, priority)
		if err := s.Insert(ctx, job); err != nil {
			t.Fatalf("insert: %v", err)
		}
		ids = append(ids, job.ID)
		clock.Advance(time.Millisecond)
	}

	jobs, err := s.QueryEligible(ctx, 10)
	if err != nil {
		t.Fatalf("query eligible: %v", err)
	}
	want := []uuid.UUID{ids[1], ids[3], ids[2], ids[0]}
	if len(jobs) != len(want) {
		t.Fatalf("expected %d jobs, got %d", len(want), len(jobs))
	}
	for i, job := range jobs {
		if job.ID != want[i] {
			t.Fatalf("position %d: expected %s (priority order), got %s priority %d", i, want[i], job.ID, job.Priority)
		}
	}

	limited, err := s.QueryEligible(ctx, 2)
	if err != nil {
		t.Fatalf("query eligible: %v", err)
	}
	if len(limited) != 2 || limited[0].Priority != 1 || limited[1].Priority != 1 {
		t.Fatalf("expected the two priority-1 jobs, got %+v", limited)
	}
}

func testDelayedEligibility(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	clock := newFakeClock()
	s := factory(t, clock)

	delayed := newJob(clock, 1)
	at := clock.Now().Add(30 * time.Second)
	delayed.ScheduledAt = &at
	delayed.DelaySeconds = 30
	past := newJob(clock, 3)
	earlier := clock.Now().Add(-time.Minute)
	past.ScheduledAt = &earlier
	for _, job := range []*models.Job{delayed, past} {
		if err := s.Insert(ctx, job); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	jobs, err := s.QueryEligible(ctx, 10)
	if err != nil {
		t.Fatalf("query eligible: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != past.ID {
		t.Fatalf("expected only the past-scheduled job, got %d jobs", len(jobs))
	}

	clock.Advance(31 * time.Second)
	jobs, err = s.QueryEligible(ctx, 10)
	if err != nil {
		t.Fatalf("query eligible: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != delayed.ID {
		t.Fatalf("expected delayed job first once its time arrived, got %d jobs", len(jobs))
	}
}

func testTransition(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	clock := newFakeClock()
	s := factory(t, clock)

	job := newJob(clock, 3)
	if err := s.Insert(ctx, job); err != nil {
		t.Fatalf("insert: %v", err)
	}

	started := clock.Now()
	running, err := s.Transition(ctx, job.ID, []models.Status{models.StatusPending}, models.Patch{
		Status:    models.StatusPtr(models.StatusRunning),
		StartedAt: &started,
		ProcessID: models.IntPtr(4242),
	})
	if err != nil {
		t.Fatalf("pending -> running: %v", err)
	}
	if running.Status != models.StatusRunning || running.ProcessID == nil || *running.ProcessID != 4242 {
		t.Fatalf("unexpected running record %+v", running)
	}

	_, err = s.Transition(ctx, job.ID, []models.Status{models.StatusPending}, models.Patch{
		Status: models.StatusPtr(models.StatusRunning),
	})
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for second claim, got %v", err)
	}

	_, err = s.Transition(ctx, uuid.New(), []models.Status{models.StatusPending}, models.Patch{
		Status: models.StatusPtr(models.StatusRunning),
	})
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusRunning {
		t.Fatalf("expected failed transition to leave record running, got %s", got.Status)
	}
}

func testPatchFields(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	clock := newFakeClock()
	s := factory(t, clock)

	job := newJob(clock, 3)
	job.Status = models.StatusRunning
	job.ProcessID = models.IntPtr(99)
	started := clock.Now()
	job.StartedAt = &started
	if err := s.Insert(ctx, job); err != nil {
		t.Fatalf("insert: %v", err)
	}

	clock.Advance(time.Second)
	done := clock.Now()
	long := strings.Repeat("x", maxErrorLen+100)
	failed, err := s.Transition(ctx, job.ID, []models.Status{models.StatusRunning}, models.Patch{
		Status:         models.StatusPtr(models.StatusFailed),
		AttemptsDelta:  1,
		CompletedAt:    &done,
		Error:          &long,
		ClearProcessID: true,
	})
	if err != nil {
		t.Fatalf("running -> failed: %v", err)
	}
	if failed.Attempts != 1 {
		t.Fatalf("expected attempts 1, got %d", failed.Attempts)
	}
	if failed.ProcessID != nil {
		t.Fatalf("expected process id cleared, got %v", *failed.ProcessID)
	}
	if failed.Error == nil || len(*failed.Error) != maxErrorLen {
		t.Fatalf("expected error truncated to %d bytes", maxErrorLen)
	}
	if failed.CompletedAt == nil || !failed.CompletedAt.Equal(done) {
		t.Fatalf("expected completed_at %v, got %v", done, failed.CompletedAt)
	}
	if !failed.UpdatedAt.Equal(done) {
		t.Fatalf("expected updated_at %v, got %v", done, failed.UpdatedAt)
	}

	reset, err := s.Update(ctx, job.ID, models.Patch{
		Status:           models.StatusPtr(models.StatusPending),
		ClearError:       true,
		ScheduledAt:      &done,
		ClearStartedAt:   true,
		ClearCompletedAt: true,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if reset.Error != nil || reset.StartedAt != nil || reset.CompletedAt != nil || reset.Attempts != 1 {
		t.Fatalf("unexpected reset record %+v", reset)
	}
}

func testListAndCounts(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	clock := newFakeClock()
	s := factory(t, clock)

	statuses := []models.Status{models.StatusPending, models.StatusPending, models.StatusFailed, models.StatusCompleted}
	for _, status := range statuses {
		job := newJob(clock, 3)
		job.Status = status
		if status == models.StatusFailed {
			job.JobType = "ExampleJob"
		}
		if err := s.Insert(ctx, job); err != nil {
			t.Fatalf("insert: %v", err)
		}
		clock.Advance(time.Millisecond)
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[models.StatusPending] != 2 || counts[models.StatusFailed] != 1 || counts[models.StatusRunning] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}

	all, err := s.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 4 || all[0].Status != models.StatusCompleted {
		t.Fatalf("expected newest first, got %d records", len(all))
	}

	pending, err := s.List(ctx, ListOptions{Status: models.StatusPending, Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].Status != models.StatusPending {
		t.Fatalf("expected one pending job, got %+v", pending)
	}

	examples, err := s.List(ctx, ListOptions{JobType: "ExampleJob"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(examples) != 1 || examples[0].Status != models.StatusFailed {
		t.Fatalf("expected the failed ExampleJob, got %+v", examples)
	}

	page, err := s.List(ctx, ListOptions{Offset: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 0 {
		t.Fatalf("expected empty page past the end, got %d", len(page))
	}
}

func BenchmarkMemoryQueryEligible(b *testing.B) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore()
	s.SetClock(clock.Now)
	for i := 0; i < 1000; i++ {
		if err := s.Insert(ctx, newJob(clock, i%5+1)); err != nil {
			b.Fatal(err)
		}
		clock.Advance(time.Microsecond)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.QueryEligible(ctx, 10); err != nil {
			b.Fatal(err)
		}
	}
}
