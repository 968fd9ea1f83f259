// Package config loads runtime settings from defaults, an optional YAML or
// TOML file, the environment and command-line flags, in that order.
package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/KoketsoMabuela92/background-job-runner/internal/jobs"
	"github.com/KoketsoMabuela92/background-job-runner/internal/models"
	"github.com/KoketsoMabuela92/background-job-runner/internal/queue"
	"github.com/KoketsoMabuela92/background-job-runner/internal/registry"
)

const (
	DriverPostgres = queue.DriverPostgres
	DriverSQLite   = queue.DriverSQLite
	DriverMemory   = queue.DriverMemory

	ExecModeProcess = "process"
	ExecModeInline  = "inline"
)

type Config struct {
	StoreDriver string // postgres, sqlite or memory; empty picks postgres when a DSN is set
	DatabaseURL string
	SQLitePath  string

	Allowed         AllowList
	MaxAttempts     int
	RetryDelay      time.Duration
	DefaultPriority int
	MaxPayloadBytes int
	Tick            time.Duration // unit of simulated work in the built-in jobs

	BatchLimit      int
	Schedule        string
	ExecMode        string
	ExecTimeout     time.Duration
	TerminateGrace  time.Duration
	MaxOutputBytes  int
	RedisURL        string
	LockTTL         time.Duration
	ShutdownTimeout time.Duration
	MetricsInterval time.Duration

	DashboardAddr string
	AuthToken     string
	AuthSecret    string
	AllowCIDRs    []string
	AuthLimit     int
	AuthWindow    time.Duration
	TLSCert       string
	TLSKey        string
	TLSClientCA   string

	LogLevel string
}

func DefaultConfig() *Config {
	return &Config{
		SQLitePath:      "jobrunner.db",
		Allowed:         AllowList(jobs.DefaultAllowList()),
		MaxAttempts:     3,
		RetryDelay:      60 * time.Second,
		DefaultPriority: models.DefaultPriority,
		MaxPayloadBytes: 1 << 20,
		Tick:            time.Second,
		BatchLimit:      10,
		Schedule:        "@every 1m",
		ExecMode:        ExecModeProcess,
		ExecTimeout:     time.Hour,
		TerminateGrace:  5 * time.Second,
		MaxOutputBytes:  64 * 1024,
		LockTTL:         2 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
		MetricsInterval: 15 * time.Second,
		DashboardAddr:   "127.0.0.1:8080",
		AuthLimit:       30,
		AuthWindow:      time.Minute,
		LogLevel:        "info",
	}
}

// Driver returns the store driver, resolving the empty default.
func (c *Config) Driver() string {
	if c.StoreDriver != "" {
		return c.StoreDriver
	}
	if c.DatabaseURL != "" {
		return DriverPostgres
	}
	return DriverSQLite
}

func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.StoreDriver, "store", c.StoreDriver, "Job store driver (postgres|sqlite|memory)")
	fs.StringVar(&c.DatabaseURL, "dsn", c.DatabaseURL, "Postgres connection string")
	fs.StringVar(&c.SQLitePath, "sqlite-path", c.SQLitePath, "SQLite database file")
	fs.Var(&c.Allowed, "allow", "Allowed jobs as Type@entry pairs, comma separated (Type@* allows every entry point)")
	fs.IntVar(&c.MaxAttempts, "max-attempts", c.MaxAttempts, "Retries scheduled before a failure is final")
	fs.DurationVar(&c.RetryDelay, "retry-delay", c.RetryDelay, "Delay before a retry becomes eligible")
	fs.IntVar(&c.DefaultPriority, "default-priority", c.DefaultPriority, "Priority for jobs created without one (1 is highest)")
	fs.IntVar(&c.BatchLimit, "batch-limit", c.BatchLimit, "Jobs run per scheduler pass")
	fs.StringVar(&c.Schedule, "schedule", c.Schedule, "Cron schedule for scheduler passes")
	fs.StringVar(&c.ExecMode, "exec-mode", c.ExecMode, "Execution mode (process|inline)")
	fs.DurationVar(&c.ExecTimeout, "exec-timeout", c.ExecTimeout, "Maximum run time of one job (0 disables)")
	fs.DurationVar(&c.TerminateGrace, "terminate-grace", c.TerminateGrace, "Wait between SIGTERM and SIGKILL when cancelling")
	fs.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "Redis URL for the scheduler pass lock")
	fs.StringVar(&c.DashboardAddr, "addr", c.DashboardAddr, "HTTP address for the dashboard API")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug|info|warn|error)")
}

// ApplyEnv overlays DATABASE_URL and JOBRUNNER_* variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	strVars := map[string]*string{
		"JOBRUNNER_STORE":          &c.StoreDriver,
		"JOBRUNNER_SQLITE_PATH":    &c.SQLitePath,
		"JOBRUNNER_SCHEDULE":       &c.Schedule,
		"JOBRUNNER_EXEC_MODE":      &c.ExecMode,
		"JOBRUNNER_REDIS_URL":      &c.RedisURL,
		"JOBRUNNER_DASHBOARD_ADDR": &c.DashboardAddr,
		"JOBRUNNER_AUTH_TOKEN":     &c.AuthToken,
		"JOBRUNNER_AUTH_SECRET":    &c.AuthSecret,
		"JOBRUNNER_TLS_CERT":       &c.TLSCert,
		"JOBRUNNER_TLS_KEY":        &c.TLSKey,
		"JOBRUNNER_TLS_CLIENT_CA":  &c.TLSClientCA,
		"JOBRUNNER_LOG_LEVEL":      &c.LogLevel,
	}
	for key, dst := range strVars {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}

	intVars := map[string]*int{
		"JOBRUNNER_MAX_ATTEMPTS":      &c.MaxAttempts,
		"JOBRUNNER_DEFAULT_PRIORITY":  &c.DefaultPriority,
		"JOBRUNNER_BATCH_LIMIT":       &c.BatchLimit,
		"JOBRUNNER_MAX_PAYLOAD_BYTES": &c.MaxPayloadBytes,
		"JOBRUNNER_AUTH_LIMIT":        &c.AuthLimit,
	}
	for key, dst := range intVars {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = n
	}

	if v := strings.TrimSpace(os.Getenv("JOBRUNNER_RETRY_DELAY_SECONDS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid JOBRUNNER_RETRY_DELAY_SECONDS: %w", err)
		}
		c.RetryDelay = time.Duration(n) * time.Second
	}

	durVars := map[string]*time.Duration{
		"JOBRUNNER_EXEC_TIMEOUT":    &c.ExecTimeout,
		"JOBRUNNER_TERMINATE_GRACE": &c.TerminateGrace,
		"JOBRUNNER_TICK":            &c.Tick,
		"JOBRUNNER_LOCK_TTL":        &c.LockTTL,
	}
	for key, dst := range durVars {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			continue
		}
		d, err := parseDurationField(key, v)
		if err != nil {
			return err
		}
		*dst = d
	}

	if v := os.Getenv("JOBRUNNER_ALLOWED"); strings.TrimSpace(v) != "" {
		if err := c.Allowed.Set(v); err != nil {
			return fmt.Errorf("invalid JOBRUNNER_ALLOWED: %w", err)
		}
	}
	if v := os.Getenv("JOBRUNNER_ALLOW_CIDRS"); strings.TrimSpace(v) != "" {
		c.AllowCIDRs = splitList(v)
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Driver() {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("postgres store requires DATABASE_URL or --dsn")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite store requires a database path")
		}
	case DriverMemory:
		if c.ExecMode != ExecModeInline {
			return fmt.Errorf("memory store is per-process and requires exec mode %q", ExecModeInline)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	switch c.ExecMode {
	case ExecModeProcess:
	case ExecModeInline:
		// Inline jobs record the worker's pid, which a cancel from another
		// process would signal. Only the per-process store is safe.
		if c.Driver() != DriverMemory {
			return fmt.Errorf("exec mode %q requires the memory store, got %q", ExecModeInline, c.Driver())
		}
	default:
		return fmt.Errorf("exec mode must be %q or %q, got %q", ExecModeProcess, ExecModeInline, c.ExecMode)
	}
	if c.LockTTL < time.Second {
		return fmt.Errorf("scheduler lock ttl must be at least 1s, got %s", c.LockTTL)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must not be negative")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay must not be negative")
	}
	if c.DefaultPriority < models.MinPriority || c.DefaultPriority > models.MaxPriority {
		return fmt.Errorf("default priority must be between %d and %d", models.MinPriority, models.MaxPriority)
	}
	if c.BatchLimit < 1 {
		return fmt.Errorf("batch limit must be at least 1")
	}
	if c.MaxPayloadBytes < 2 {
		return fmt.Errorf("max payload bytes must be at least 2")
	}
	if c.ExecTimeout < 0 || c.TerminateGrace < 0 {
		return fmt.Errorf("exec timeout and terminate grace must not be negative")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls cert and key must be set together")
	}
	if c.TLSClientCA != "" && c.TLSCert == "" {
		return fmt.Errorf("tls client CA requires a server certificate")
	}
	for _, cidr := range c.AllowCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			if net.ParseIP(cidr) == nil {
				return fmt.Errorf("invalid allow cidr %q", cidr)
			}
		}
	}
	return nil
}

// ChildEnv renders the settings a child `run` process needs as environment
// variables, so flags given to the parent reach it too.
func (c *Config) ChildEnv() []string {
	env := []string{
		"JOBRUNNER_STORE=" + c.Driver(),
		"JOBRUNNER_SQLITE_PATH=" + c.SQLitePath,
		"JOBRUNNER_ALLOWED=" + c.Allowed.String(),
		"JOBRUNNER_MAX_ATTEMPTS=" + strconv.Itoa(c.MaxAttempts),
		"JOBRUNNER_RETRY_DELAY_SECONDS=" + strconv.Itoa(int(c.RetryDelay/time.Second)),
		"JOBRUNNER_DEFAULT_PRIORITY=" + strconv.Itoa(c.DefaultPriority),
		"JOBRUNNER_MAX_PAYLOAD_BYTES=" + strconv.Itoa(c.MaxPayloadBytes),
		"JOBRUNNER_EXEC_TIMEOUT=" + c.ExecTimeout.String(),
		"JOBRUNNER_TICK=" + c.Tick.String(),
		"JOBRUNNER_LOG_LEVEL=" + c.LogLevel,
	}
	if c.DatabaseURL != "" {
		env = append(env, "DATABASE_URL="+c.DatabaseURL)
	}
	return env
}

// AllowList maps job types to their allowed entry points. It doubles as a
// flag.Value parsing "Type@entry,Type@*".
type AllowList map[string][]string

func (a *AllowList) Set(value string) error {
	parsed := AllowList{}
	for _, item := range splitList(value) {
		jobType, entry, ok := strings.Cut(item, "@")
		jobType, entry = strings.TrimSpace(jobType), strings.TrimSpace(entry)
		if !ok || jobType == "" || entry == "" {
			return fmt.Errorf("expected Type@entry, got %q", item)
		}
		parsed[jobType] = append(parsed[jobType], entry)
	}
	*a = parsed
	return nil
}

func (a *AllowList) String() string {
	if a == nil || *a == nil {
		return ""
	}
	var pairs []string
	for jobType, entries := range *a {
		for _, entry := range entries {
			pairs = append(pairs, jobType+"@"+entry)
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

// Registry builds the job registry from the allow-list and the built-in handlers.
func (c *Config) Registry(opts jobs.Options) *registry.Registry {
	if opts.Tick == 0 {
		opts.Tick = c.Tick
	}
	return registry.New(c.Allowed, jobs.Table(opts))
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
