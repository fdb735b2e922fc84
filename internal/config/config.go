package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBPath       = "offload.db"
	defaultPollInterval = 30 * time.Second
	defaultJobTimeout   = 24 * time.Hour
	defaultMaxJobs      = 8

	envListenAddr   = "OFFLOAD_LISTEN_ADDR"
	envDBPath       = "OFFLOAD_DB_PATH"
	envLogLevel     = "OFFLOAD_LOG_LEVEL"
	envPollInterval = "OFFLOAD_POLL_INTERVAL"
	envJobTimeout   = "OFFLOAD_JOB_TIMEOUT"
	envMaxJobs      = "OFFLOAD_MAX_CONCURRENT_JOBS"
	envKeepWorkDir  = "OFFLOAD_KEEP_WORK_DIR"
	envShardPolicy  = "OFFLOAD_SHARD_POLICY"
	envRunnerBin    = "OFFLOAD_RUNNER_BIN"
)

// Shard failure policies.
const (
	ShardFailFast   = "fail_fast"
	ShardBestEffort = "best_effort"
)

// Config holds engine configuration, loaded once from environment variables
// and passed by value into constructors. There is no process-wide settings
// singleton.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// PollInterval is the default lifecycle polling cadence; interactive
	// backends narrow it themselves.
	PollInterval time.Duration

	// JobTimeout is the default wall-clock limit per job, independent of any
	// backend-native hard limit.
	JobTimeout time.Duration

	// MaxConcurrentJobs bounds how many jobs are polled at once.
	MaxConcurrentJobs int

	// KeepWorkDir preserves remote work dirs of successful jobs.
	KeepWorkDir bool

	// ShardPolicy is the default failure policy for fanned-out invocations.
	ShardPolicy string

	// RunnerBin is the local path of the runner binary uploaded to targets
	// that do not ship their own.
	RunnerBin string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:        defaultListenAddr,
		DBPath:            defaultDBPath,
		LogLevel:          slog.LevelInfo,
		PollInterval:      defaultPollInterval,
		JobTimeout:        defaultJobTimeout,
		MaxConcurrentJobs: defaultMaxJobs,
		ShardPolicy:       ShardFailFast,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envPollInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.PollInterval = d
		}
	}
	if v := os.Getenv(envJobTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.JobTimeout = d
		}
	}
	if v := os.Getenv(envMaxJobs); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentJobs = n
		}
	}
	if v := os.Getenv(envKeepWorkDir); v != "" {
		cfg.KeepWorkDir = parseBool(v)
	}
	if v := os.Getenv(envShardPolicy); v == ShardBestEffort {
		cfg.ShardPolicy = ShardBestEffort
	}
	if v := os.Getenv(envRunnerBin); v != "" {
		cfg.RunnerBin = v
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
