// Package config loads the recognized options from the environment,
// with an optional YAML file that overrides the per-strategy cleanup
// enable flags. Cleanup thresholds are read from the environment only.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nodeforge/jobsched/internal/logger"
)

type Config struct {
	TotalCPUs int
	NodeName  string

	SchedulerIntervalSeconds       int
	ResourceSyncIntervalSeconds    int
	WorkerHeartbeatIntervalSeconds int
	WorkerPresenceTTLSeconds       int

	StaleReservationMaxAgeMinutes int
	StuckJobMaxAgeHours           int
	OrphanProbeTimeoutHours       int

	QueueName string

	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string

	RedisAddr string

	ScriptDir string
	WorkDir   string

	CleanupStrategiesEnabled map[string]bool
}

// strategyOverrides is the optional YAML shape for
// CLEANUP_CONFIG_FILE; it only overrides enable flags today, but is
// structured so per-strategy thresholds could be added without
// breaking the file format.
type strategyOverrides struct {
	Strategies map[string]struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"strategies"`
}

func Load(log *logger.Logger) Config {
	cfg := Config{
		TotalCPUs:                      GetEnvAsInt("TOTAL_CPUS", 0, log),
		NodeName:                       GetEnv("NODE_NAME", defaultNodeName(), log),
		SchedulerIntervalSeconds:       GetEnvAsInt("SCHEDULER_INTERVAL_SECONDS", 5, log),
		ResourceSyncIntervalSeconds:    GetEnvAsInt("RESOURCE_SYNC_INTERVAL_SECONDS", 300, log),
		WorkerHeartbeatIntervalSeconds: GetEnvAsInt("WORKER_HEARTBEAT_INTERVAL_SECONDS", 30, log),
		WorkerPresenceTTLSeconds:       GetEnvAsInt("WORKER_PRESENCE_TTL_SECONDS", 60, log),
		StaleReservationMaxAgeMinutes:  GetEnvAsInt("STALE_RESERVATION_MAX_AGE_MINUTES", 10, log),
		StuckJobMaxAgeHours:            GetEnvAsInt("STUCK_JOB_MAX_AGE_HOURS", 48, log),
		OrphanProbeTimeoutHours:        GetEnvAsInt("ORPHAN_PROBE_TIMEOUT_HOURS", 72, log),
		QueueName:                      GetEnv("QUEUE_NAME", "jobsched:exec", log),
		PostgresHost:                   GetEnv("POSTGRES_HOST", "localhost", log),
		PostgresPort:                   GetEnv("POSTGRES_PORT", "5432", log),
		PostgresUser:                   GetEnv("POSTGRES_USER", "postgres", log),
		PostgresPassword:               GetEnv("POSTGRES_PASSWORD", "", log),
		PostgresDB:                     GetEnv("POSTGRES_NAME", "jobsched", log),
		RedisAddr:                      GetEnv("REDIS_ADDR", "localhost:6379", log),
		ScriptDir:                      GetEnv("SCRIPT_DIR", "/var/lib/jobsched/scripts", log),
		WorkDir:                        GetEnv("WORK_DIR", "/var/lib/jobsched/work", log),
		CleanupStrategiesEnabled: map[string]bool{
			"pending_job_recovery":      true,
			"completed_job_cleanup":     true,
			"stale_reservation_cleanup": true,
			"stuck_job_cleanup":         true,
			"old_job_cleanup":           false,
		},
	}

	if path := strings.TrimSpace(os.Getenv("CLEANUP_CONFIG_FILE")); path != "" {
		applyYAMLOverrides(path, &cfg, log)
	}
	return cfg
}

func applyYAMLOverrides(path string, cfg *Config, log *logger.Logger) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if log != nil {
			log.Warn("cleanup config file unreadable, using defaults", "path", path, "error", err)
		}
		return
	}
	var ov strategyOverrides
	if err := yaml.Unmarshal(raw, &ov); err != nil {
		if log != nil {
			log.Warn("cleanup config file invalid, using defaults", "path", path, "error", err)
		}
		return
	}
	for name, s := range ov.Strategies {
		if s.Enabled != nil {
			cfg.CleanupStrategiesEnabled[name] = *s.Enabled
		}
	}
}

func defaultNodeName() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "node-0"
	}
	return h
}

// GetEnv returns the trimmed value of key, or def if unset/blank.
func GetEnv(key, def string, log *logger.Logger) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// GetEnvAsInt parses key as an int, falling back to def on a missing
// value, and to def with a logged warning on a malformed one.
func GetEnvAsInt(key string, def int, log *logger.Logger) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if log != nil {
			log.Warn("invalid int env var, using default", "key", key, "value", v, "default", def)
		}
		return def
	}
	return n
}

// GetEnvAsDuration parses key as a number of seconds.
func GetEnvAsDuration(key string, def time.Duration, log *logger.Logger) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if log != nil {
			log.Warn("invalid duration env var, using default", "key", key, "value", v, "default", def)
		}
		return def
	}
	return time.Duration(n) * time.Second
}
