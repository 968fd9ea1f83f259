package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/KoketsoMabuela92/background-job-runner/internal/config"
	"github.com/KoketsoMabuela92/background-job-runner/internal/engine"
	"github.com/KoketsoMabuela92/background-job-runner/internal/jobs"
	"github.com/KoketsoMabuela92/background-job-runner/internal/logging"
	"github.com/KoketsoMabuela92/background-job-runner/internal/queue"
)

func main() {
	cfg, _, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	fs := flag.NewFlagSet("loadgen", flag.ExitOnError)
	fs.String("config", "", "Path to jobrunner config file")
	cfg.BindFlags(fs)
	numJobs := fs.Int("jobs", 1000, "Number of jobs to enqueue")
	targets := fs.String("targets", "TestJob@withPriority,TestJob@delayed,ExampleJob@handle", "Comma-separated Type@entry pairs to pick from")
	priorityDist := fs.String("priority-dist", "1,3,3,5", "Comma-separated priorities to pick from")
	delayPercent := fs.Int("delay-percent", 10, "Percentage of jobs created with a delay")
	payloadSize := fs.Int("payload-size", 100, "Size of the random payload data in bytes")
	seed := fs.Int64("seed", time.Now().UnixNano(), "Random seed")
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	pairs, err := parseTargets(*targets)
	if err != nil {
		log.Fatal(err)
	}
	priorities, err := parseInts(*priorityDist)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if cfg.Driver() == config.DriverMemory {
		log.Fatal("loadgen needs a shared store (postgres or sqlite)")
	}
	store, err := queue.Open(ctx, cfg.Driver(), cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	logger := logging.New(os.Stderr, "warn")
	eng := engine.New(store, cfg.Registry(jobs.Options{Logger: logger}), logger, engine.Options{
		Retry:           &engine.RetryPolicy{MaxAttempts: cfg.MaxAttempts, Delay: cfg.RetryDelay},
		DefaultPriority: cfg.DefaultPriority,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
	})

	r := rand.New(rand.NewSource(*seed))
	log.Printf("Enqueuing %d jobs...", *numJobs)
	start := time.Now()

	for i := 0; i < *numJobs; i++ {
		pair := pairs[r.Intn(len(pairs))]
		priority := priorities[r.Intn(len(priorities))]

		delay := 0
		if r.Intn(100) < *delayPercent {
			delay = r.Intn(3600)
		}

		data := make([]byte, *payloadSize)
		r.Read(data)
		payload, _ := json.Marshal(map[string]any{
			"data":     fmt.Sprintf("%x", data),
			"priority": priority,
			"delay":    delay,
		})

		_, err := eng.Create(ctx, engine.CreateParams{
			JobType:      pair[0],
			EntryPoint:   pair[1],
			Payload:      payload,
			Priority:     &priority,
			DelaySeconds: delay,
		})
		if err != nil {
			log.Fatalf("Failed to create job: %v", err)
		}

		if (i+1)%100 == 0 {
			fmt.Printf(".")
		}
	}

	fmt.Println()
	log.Printf("Done in %v", time.Since(start))
}

func parseTargets(value string) ([][2]string, error) {
	var pairs [][2]string
	for _, item := range strings.Split(value, ",") {
		jobType, entry, ok := strings.Cut(strings.TrimSpace(item), "@")
		if !ok || jobType == "" || entry == "" {
			return nil, fmt.Errorf("expected Type@entry, got %q", item)
		}
		pairs = append(pairs, [2]string{jobType, entry})
	}
	return pairs, nil
}

func parseInts(value string) ([]int, error) {
	var out []int
	for _, item := range strings.Split(value, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(item))
		if err != nil {
			return nil, fmt.Errorf("invalid priority %q: %w", item, err)
		}
		out = append(out, n)
	}
	return out, nil
}
