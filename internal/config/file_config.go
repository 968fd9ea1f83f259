package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var defaultConfigFilenames = []string{
	"jobrunner.yaml",
	"jobrunner.yml",
	"jobrunner.toml",
	".jobrunner.yaml",
	".jobrunner.yml",
	".jobrunner.toml",
}

type FileConfig struct {
	Store     StoreFileConfig     `yaml:"store" toml:"store"`
	Jobs      JobsFileConfig      `yaml:"jobs" toml:"jobs"`
	Scheduler SchedulerFileConfig `yaml:"scheduler" toml:"scheduler"`
	Dashboard DashboardFileConfig `yaml:"dashboard" toml:"dashboard"`
	Logging   LoggingFileConfig   `yaml:"logging" toml:"logging"`
}

type StoreFileConfig struct {
	Driver     string `yaml:"driver" toml:"driver"`
	DSN        string `yaml:"dsn" toml:"dsn"`
	SQLitePath string `yaml:"sqlite_path" toml:"sqlite_path"`
}

type JobsFileConfig struct {
	Allowed         map[string][]string `yaml:"allowed" toml:"allowed"`
	Retry           RetryFileConfig     `yaml:"retry" toml:"retry"`
	DefaultPriority *int                `yaml:"default_priority" toml:"default_priority"`
	MaxPayloadBytes *int                `yaml:"max_payload_bytes" toml:"max_payload_bytes"`
	Tick            string              `yaml:"tick" toml:"tick"`
}

type RetryFileConfig struct {
	MaxAttempts  *int `yaml:"max_attempts" toml:"max_attempts"`
	DelaySeconds *int `yaml:"delay_seconds" toml:"delay_seconds"`
}

type SchedulerFileConfig struct {
	BatchLimit      *int           `yaml:"batch_limit" toml:"batch_limit"`
	Schedule        string         `yaml:"schedule" toml:"schedule"`
	ExecMode        string         `yaml:"exec_mode" toml:"exec_mode"`
	ExecTimeout     string         `yaml:"exec_timeout" toml:"exec_timeout"`
	TerminateGrace  string         `yaml:"terminate_grace" toml:"terminate_grace"`
	MaxOutputBytes  *int           `yaml:"max_output_bytes" toml:"max_output_bytes"`
	ShutdownTimeout string         `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	MetricsInterval string         `yaml:"metrics_interval" toml:"metrics_interval"`
	Lock            LockFileConfig `yaml:"lock" toml:"lock"`
}

type LockFileConfig struct {
	RedisURL string `yaml:"redis_url" toml:"redis_url"`
	TTL      string `yaml:"ttl" toml:"ttl"`
}

type DashboardFileConfig struct {
	Addr        string   `yaml:"addr" toml:"addr"`
	AuthToken   string   `yaml:"auth_token" toml:"auth_token"`
	AuthSecret  string   `yaml:"auth_secret" toml:"auth_secret"`
	AllowCIDRs  []string `yaml:"allow_cidrs" toml:"allow_cidrs"`
	AuthLimit   *int     `yaml:"auth_limit" toml:"auth_limit"`
	AuthWindow  string   `yaml:"auth_window" toml:"auth_window"`
	TLSCert     string   `yaml:"tls_cert" toml:"tls_cert"`
	TLSKey      string   `yaml:"tls_key" toml:"tls_key"`
	TLSClientCA string   `yaml:"tls_client_ca" toml:"tls_client_ca"`
}

type LoggingFileConfig struct {
	Level string `yaml:"level" toml:"level"`
}

// ResolveConfigPath finds the config file from --config, JOBRUNNER_CONFIG or
// the default names in the working directory. An empty path means none.
func ResolveConfigPath(args []string) (string, error) {
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if env := os.Getenv("JOBRUNNER_CONFIG"); env != "" {
		return env, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}
	return &cfg, nil
}

func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if cfg == nil || fileCfg == nil {
		return nil
	}

	setString(&cfg.StoreDriver, fileCfg.Store.Driver)
	setString(&cfg.DatabaseURL, fileCfg.Store.DSN)
	setString(&cfg.SQLitePath, fileCfg.Store.SQLitePath)

	if len(fileCfg.Jobs.Allowed) > 0 {
		allowed := AllowList{}
		for jobType, entries := range fileCfg.Jobs.Allowed {
			allowed[jobType] = append([]string{}, entries...)
		}
		cfg.Allowed = allowed
	}
	setInt(&cfg.MaxAttempts, fileCfg.Jobs.Retry.MaxAttempts)
	if fileCfg.Jobs.Retry.DelaySeconds != nil {
		cfg.RetryDelay = time.Duration(*fileCfg.Jobs.Retry.DelaySeconds) * time.Second
	}
	setInt(&cfg.DefaultPriority, fileCfg.Jobs.DefaultPriority)
	setInt(&cfg.MaxPayloadBytes, fileCfg.Jobs.MaxPayloadBytes)

	setInt(&cfg.BatchLimit, fileCfg.Scheduler.BatchLimit)
	setString(&cfg.Schedule, fileCfg.Scheduler.Schedule)
	setString(&cfg.ExecMode, fileCfg.Scheduler.ExecMode)
	setInt(&cfg.MaxOutputBytes, fileCfg.Scheduler.MaxOutputBytes)
	setString(&cfg.RedisURL, fileCfg.Scheduler.Lock.RedisURL)

	setString(&cfg.DashboardAddr, fileCfg.Dashboard.Addr)
	setString(&cfg.AuthToken, fileCfg.Dashboard.AuthToken)
	setString(&cfg.AuthSecret, fileCfg.Dashboard.AuthSecret)
	if len(fileCfg.Dashboard.AllowCIDRs) > 0 {
		cfg.AllowCIDRs = append([]string{}, fileCfg.Dashboard.AllowCIDRs...)
	}
	setInt(&cfg.AuthLimit, fileCfg.Dashboard.AuthLimit)
	setString(&cfg.TLSCert, fileCfg.Dashboard.TLSCert)
	setString(&cfg.TLSKey, fileCfg.Dashboard.TLSKey)
	setString(&cfg.TLSClientCA, fileCfg.Dashboard.TLSClientCA)

	setString(&cfg.LogLevel, fileCfg.Logging.Level)

	durations := []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"jobs.tick", fileCfg.Jobs.Tick, &cfg.Tick},
		{"scheduler.exec_timeout", fileCfg.Scheduler.ExecTimeout, &cfg.ExecTimeout},
		{"scheduler.terminate_grace", fileCfg.Scheduler.TerminateGrace, &cfg.TerminateGrace},
		{"scheduler.shutdown_timeout", fileCfg.Scheduler.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"scheduler.metrics_interval", fileCfg.Scheduler.MetricsInterval, &cfg.MetricsInterval},
		{"scheduler.lock.ttl", fileCfg.Scheduler.Lock.TTL, &cfg.LockTTL},
		{"dashboard.auth_window", fileCfg.Dashboard.AuthWindow, &cfg.AuthWindow},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := parseDurationField(d.field, d.value)
		if err != nil {
			return err
		}
		*d.dst = parsed
	}
	return nil
}

// Load builds the effective config for a command: defaults, then the file
// named by args or the environment, then environment variables. Flags are
// bound by the caller afterwards.
func Load(args []string) (*Config, string, error) {
	cfg := DefaultConfig()
	path, err := ResolveConfigPath(args)
	if err != nil {
		return nil, "", err
	}
	fileCfg, err := LoadFileConfig(path)
	if err != nil {
		return nil, "", err
	}
	if err := ApplyFileConfig(cfg, fileCfg); err != nil {
		return nil, "", err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) {
				return "", true, fmt.Errorf("missing value for --config")
			}
			if args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		if strings.HasPrefix(arg, "--config=") {
			value := strings.TrimPrefix(arg, "--config=")
			if value == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return parsed, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
