// Package common provides shared utilities for Backfin
package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for Backfin
type Config struct {
	Environment string           `toml:"environment"`
	Server      ServerConfig     `toml:"server"`
	Redis       RedisConfig      `toml:"redis"`
	Surreal     SurrealConfig    `toml:"surreal"`
	Gemini      GeminiConfig     `toml:"gemini"`
	Scrapers    ScrapersConfig   `toml:"scrapers"`
	Workers     WorkersConfig    `toml:"workers"`
	Supervisor  SupervisorConfig `toml:"supervisor"`
	Delayed     DelayedConfig    `toml:"delayed"`
	Replay      ReplayConfig     `toml:"replay"`
	Verify      VerifyConfig     `toml:"verify"`
	Broadcast   BroadcastConfig  `toml:"broadcast"`
	Storage     StorageConfig    `toml:"storage"`
	Logging     LoggingConfig    `toml:"logging"`
}

// ServerConfig holds HTTP server configuration for the broadcast frontend.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// RedisConfig holds queue broker connection configuration.
type RedisConfig struct {
	Addr        string `toml:"addr"`
	DB          int    `toml:"db"`
	Password    string `toml:"password"`
	PoolSize    int    `toml:"pool_size"`
	DialTimeout string `toml:"dial_timeout"`
	OpTimeout   string `toml:"op_timeout"`
}

// GetDialTimeout parses and returns the dial timeout duration.
func (c *RedisConfig) GetDialTimeout() time.Duration {
	return parseDur(c.DialTimeout, 5*time.Second)
}

// GetOpTimeout parses and returns the per-operation timeout duration.
func (c *RedisConfig) GetOpTimeout() time.Duration {
	return parseDur(c.OpTimeout, 10*time.Second)
}

// SurrealConfig holds cloud store connection configuration.
type SurrealConfig struct {
	Address   string `toml:"address"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
}

// GeminiConfig holds classifier configuration.
type GeminiConfig struct {
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model"`
	RequestsPerMin int    `toml:"requests_per_min"`
	CallTimeout    string `toml:"call_timeout"`
	UploadTimeout  string `toml:"upload_timeout"`
}

// GetCallTimeout parses the hard per-call timeout.
func (c *GeminiConfig) GetCallTimeout() time.Duration {
	return parseDur(c.CallTimeout, 5*time.Minute)
}

// GetUploadTimeout parses the hard per-upload timeout.
func (c *GeminiConfig) GetUploadTimeout() time.Duration {
	return parseDur(c.UploadTimeout, 2*time.Minute)
}

// ScrapersConfig holds per-exchange scraper configuration.
type ScrapersConfig struct {
	BSE ScraperConfig `toml:"bse"`
	NSE ScraperConfig `toml:"nse"`
}

// ScraperConfig holds one exchange scraper's settings.
type ScraperConfig struct {
	Enabled      bool   `toml:"enabled"`
	PollInterval string `toml:"poll_interval"`
	RateLimit    int    `toml:"rate_limit"` // requests per second to the exchange
	MaxRetries   int    `toml:"max_retries"`
	RetryDelay   string `toml:"retry_delay"`
	MarkerTTL    string `toml:"marker_ttl"` // ann:queued suppression window
}

// GetPollInterval parses the polling cadence (default 10s).
func (c *ScraperConfig) GetPollInterval() time.Duration {
	return parseDur(c.PollInterval, 10*time.Second)
}

// GetRetryDelay parses the fixed back-off between feed retries.
func (c *ScraperConfig) GetRetryDelay() time.Duration {
	return parseDur(c.RetryDelay, 5*time.Second)
}

// GetMarkerTTL parses the queued-marker TTL (default 24h).
func (c *ScraperConfig) GetMarkerTTL() time.Duration {
	return parseDur(c.MarkerTTL, 24*time.Hour)
}

// GetMaxRetries returns the feed retry bound (default 3).
func (c *ScraperConfig) GetMaxRetries() int {
	if c.MaxRetries <= 0 {
		return 3
	}
	return c.MaxRetries
}

// WorkersConfig holds ephemeral worker session settings.
type WorkersConfig struct {
	MaxJobsPerSession int    `toml:"max_jobs_per_session"`
	IdleTimeout       string `toml:"idle_timeout"`
	SessionRetries    int    `toml:"session_retries"` // in-process classifier retries
	LockTTL           string `toml:"lock_ttl"`        // worker_processing NX lock
	JobTimeout        string `toml:"job_timeout"`     // StoreWorker child hard bound
	MaxRetries        int    `toml:"max_retries"`     // StoreWorker retries before dead-letter
	ProcessingTTL     string `toml:"processing_ttl"`  // sweeper stale threshold
	BackoffBase       string `toml:"backoff_base"`    // delayed requeue base
	BackoffCap        string `toml:"backoff_cap"`     // delayed requeue cap
}

// GetMaxJobsPerSession returns the session job bound (default 10).
func (c *WorkersConfig) GetMaxJobsPerSession() int {
	if c.MaxJobsPerSession <= 0 {
		return 10
	}
	return c.MaxJobsPerSession
}

// GetIdleTimeout parses the idle exit timeout (default 30s).
func (c *WorkersConfig) GetIdleTimeout() time.Duration {
	return parseDur(c.IdleTimeout, 30*time.Second)
}

// GetSessionRetries returns the in-process retry bound (default 3).
func (c *WorkersConfig) GetSessionRetries() int {
	if c.SessionRetries <= 0 {
		return 3
	}
	return c.SessionRetries
}

// GetLockTTL parses the processing lock TTL (default 10m).
func (c *WorkersConfig) GetLockTTL() time.Duration {
	return parseDur(c.LockTTL, 10*time.Minute)
}

// GetJobTimeout parses the store child process bound (default 60s).
func (c *WorkersConfig) GetJobTimeout() time.Duration {
	return parseDur(c.JobTimeout, 60*time.Second)
}

// GetMaxRetries returns the store retry bound (default 3).
func (c *WorkersConfig) GetMaxRetries() int {
	if c.MaxRetries <= 0 {
		return 3
	}
	return c.MaxRetries
}

// GetProcessingTTL parses the sweeper stale threshold (default 90s).
func (c *WorkersConfig) GetProcessingTTL() time.Duration {
	return parseDur(c.ProcessingTTL, 90*time.Second)
}

// GetBackoffBase parses the delayed requeue base (default 5m).
func (c *WorkersConfig) GetBackoffBase() time.Duration {
	return parseDur(c.BackoffBase, 5*time.Minute)
}

// GetBackoffCap parses the delayed requeue cap (default 1h).
func (c *WorkersConfig) GetBackoffCap() time.Duration {
	return parseDur(c.BackoffCap, time.Hour)
}

// SupervisorConfig holds worker supervisor settings.
type SupervisorConfig struct {
	TickInterval string                 `toml:"tick_interval"`
	StatusEvery  string                 `toml:"status_every"`
	LogDir       string                 `toml:"log_dir"`
	LogRetention string                 `toml:"log_retention"`
	Queues       map[string]SpawnConfig `toml:"queues"`
}

// SpawnConfig defines how workers for one queue are spawned.
type SpawnConfig struct {
	MaxConcurrent int    `toml:"max_concurrent"`
	MaxRuntime    string `toml:"max_runtime"`
	CoolDown      string `toml:"cool_down"`
}

// GetMaxRuntime parses the child runtime bound (default 10m).
func (c *SpawnConfig) GetMaxRuntime() time.Duration {
	return parseDur(c.MaxRuntime, 10*time.Minute)
}

// GetCoolDown parses the per-queue spawn cool-down (default 15s).
func (c *SpawnConfig) GetCoolDown() time.Duration {
	return parseDur(c.CoolDown, 15*time.Second)
}

// GetTickInterval parses the supervisor control loop interval (default 5s).
func (c *SupervisorConfig) GetTickInterval() time.Duration {
	return parseDur(c.TickInterval, 5*time.Second)
}

// GetStatusEvery parses the status summary interval (default 5m).
func (c *SupervisorConfig) GetStatusEvery() time.Duration {
	return parseDur(c.StatusEvery, 5*time.Minute)
}

// GetLogRetention parses how long stale worker logs are kept (default 48h).
func (c *SupervisorConfig) GetLogRetention() time.Duration {
	return parseDur(c.LogRetention, 48*time.Hour)
}

// DelayedConfig holds the delayed queue processor's gap profiles.
type DelayedConfig struct {
	CheckInterval string `toml:"check_interval"`
	NormalGap     string `toml:"normal_gap"`
	NormalMaxJobs int    `toml:"normal_max_jobs"`
	NormalStagger string `toml:"normal_stagger"`
	RapidGap      string `toml:"rapid_gap"`
	RapidMaxJobs  int    `toml:"rapid_max_jobs"`
	RapidStagger  string `toml:"rapid_stagger"`
}

// GetCheckInterval returns the tick interval (default 30s).
func (c *DelayedConfig) GetCheckInterval() time.Duration {
	return parseDur(c.CheckInterval, 30*time.Second)
}

// GetNormalGap returns the normal-profile release gap (default 120s).
func (c *DelayedConfig) GetNormalGap() time.Duration {
	return parseDur(c.NormalGap, 120*time.Second)
}

// GetNormalStagger returns the normal-profile stagger (default 30s).
func (c *DelayedConfig) GetNormalStagger() time.Duration {
	return parseDur(c.NormalStagger, 30*time.Second)
}

// GetRapidGap returns the rapid-profile release gap (default 30s).
func (c *DelayedConfig) GetRapidGap() time.Duration {
	return parseDur(c.RapidGap, 30*time.Second)
}

// GetRapidStagger returns the rapid-profile stagger (default 15s).
func (c *DelayedConfig) GetRapidStagger() time.Duration {
	return parseDur(c.RapidStagger, 15*time.Second)
}

// GetNormalMaxJobs returns the normal-profile batch size (default 3).
func (c *DelayedConfig) GetNormalMaxJobs() int {
	if c.NormalMaxJobs <= 0 {
		return 3
	}
	return c.NormalMaxJobs
}

// GetRapidMaxJobs returns the rapid-profile batch size (default 5).
func (c *DelayedConfig) GetRapidMaxJobs() int {
	if c.RapidMaxJobs <= 0 {
		return 5
	}
	return c.RapidMaxJobs
}

// ReplayConfig holds replayer settings.
type ReplayConfig struct {
	Interval    string `toml:"interval"`
	MaxIdleRuns int    `toml:"max_idle_runs"` // consecutive empty runs before back-off
	IdleBackoff string `toml:"idle_backoff"`
	BatchLimit  int    `toml:"batch_limit"`
}

// GetInterval returns the continuous-mode wake interval (default 5m).
func (c *ReplayConfig) GetInterval() time.Duration {
	return parseDur(c.Interval, 5*time.Minute)
}

// GetIdleBackoff returns the back-off after consecutive empty runs (default 30m).
func (c *ReplayConfig) GetIdleBackoff() time.Duration {
	return parseDur(c.IdleBackoff, 30*time.Minute)
}

// GetMaxIdleRuns returns how many empty runs trigger the back-off (default 3).
func (c *ReplayConfig) GetMaxIdleRuns() int {
	if c.MaxIdleRuns <= 0 {
		return 3
	}
	return c.MaxIdleRuns
}

// GetBatchLimit returns the per-run row limit (default 200).
func (c *ReplayConfig) GetBatchLimit() int {
	if c.BatchLimit <= 0 {
		return 200
	}
	return c.BatchLimit
}

// VerifyConfig holds verification queue janitor settings.
type VerifyConfig struct {
	CleanupInterval string `toml:"cleanup_interval"`
	TaskTimeout     string `toml:"task_timeout"`
	MaxRetryCount   int    `toml:"max_retry_count"`
	NotifyLimit     int    `toml:"notify_limit"`
}

// GetCleanupInterval returns the janitor tick (default 60s).
func (c *VerifyConfig) GetCleanupInterval() time.Duration {
	return parseDur(c.CleanupInterval, 60*time.Second)
}

// GetTaskTimeout returns the in-progress task timeout (default 1800s).
func (c *VerifyConfig) GetTaskTimeout() time.Duration {
	return parseDur(c.TaskTimeout, 1800*time.Second)
}

// GetMaxRetryCount returns the bounded task retries (default 3).
func (c *VerifyConfig) GetMaxRetryCount() int {
	if c.MaxRetryCount <= 0 {
		return 3
	}
	return c.MaxRetryCount
}

// GetNotifyLimit returns how many online verifiers get "new task" pings (default 3).
func (c *VerifyConfig) GetNotifyLimit() int {
	if c.NotifyLimit <= 0 {
		return 3
	}
	return c.NotifyLimit
}

// BroadcastConfig points pipeline processes at the frontend intake endpoint.
type BroadcastConfig struct {
	Endpoint string `toml:"endpoint"`
	Timeout  string `toml:"timeout"`
}

// GetTimeout parses the intake POST timeout.
func (c *BroadcastConfig) GetTimeout() time.Duration {
	return parseDur(c.Timeout, 10*time.Second)
}

// StorageConfig holds the local on-disk layout: checkpoint DB, cursor
// files, scraper lock files, first-run flag.
type StorageConfig struct {
	DataPath string `toml:"data_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `toml:"level"`
}

func parseDur(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			DB:          0,
			PoolSize:    10,
			DialTimeout: "5s",
			OpTimeout:   "10s",
		},
		Surreal: SurrealConfig{
			Address:   "ws://localhost:8000",
			Namespace: "backfin",
			Database:  "backfin",
		},
		Gemini: GeminiConfig{
			Model:          "gemini-2.0-flash",
			RequestsPerMin: 60,
			CallTimeout:    "5m",
			UploadTimeout:  "2m",
		},
		Scrapers: ScrapersConfig{
			BSE: ScraperConfig{Enabled: true, PollInterval: "10s", RateLimit: 2, MaxRetries: 3, RetryDelay: "5s", MarkerTTL: "24h"},
			NSE: ScraperConfig{Enabled: true, PollInterval: "10s", RateLimit: 2, MaxRetries: 3, RetryDelay: "5s", MarkerTTL: "24h"},
		},
		Workers: WorkersConfig{
			MaxJobsPerSession: 10,
			IdleTimeout:       "30s",
			SessionRetries:    3,
			LockTTL:           "10m",
			JobTimeout:        "60s",
			MaxRetries:        3,
			ProcessingTTL:     "90s",
			BackoffBase:       "5m",
			BackoffCap:        "1h",
		},
		Supervisor: SupervisorConfig{
			TickInterval: "5s",
			StatusEvery:  "5m",
			LogDir:       "worker_logs",
			LogRetention: "48h",
			Queues: map[string]SpawnConfig{
				"ai_processing":       {MaxConcurrent: 3, MaxRuntime: "10m", CoolDown: "15s"},
				"supabase_upload":     {MaxConcurrent: 2, MaxRuntime: "10m", CoolDown: "15s"},
				"investor_processing": {MaxConcurrent: 1, MaxRuntime: "10m", CoolDown: "15s"},
			},
		},
		Delayed: DelayedConfig{
			CheckInterval: "30s",
			NormalGap:     "120s",
			NormalMaxJobs: 3,
			NormalStagger: "30s",
			RapidGap:      "30s",
			RapidMaxJobs:  5,
			RapidStagger:  "15s",
		},
		Replay: ReplayConfig{
			Interval:    "5m",
			MaxIdleRuns: 3,
			IdleBackoff: "30m",
			BatchLimit:  200,
		},
		Verify: VerifyConfig{
			CleanupInterval: "60s",
			TaskTimeout:     "1800s",
			MaxRetryCount:   3,
			NotifyLimit:     3,
		},
		Broadcast: BroadcastConfig{
			Endpoint: "http://localhost:8080/insert_new_announcement",
			Timeout:  "10s",
		},
		Storage: StorageConfig{
			DataPath: "data",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// Apply environment overrides
	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("BACKFIN_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("BACKFIN_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("BACKFIN_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if level := os.Getenv("BACKFIN_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if path := os.Getenv("BACKFIN_DATA_PATH"); path != "" {
		config.Storage.DataPath = path
	}

	// Queue broker
	if v := os.Getenv("BACKFIN_REDIS_ADDR"); v != "" {
		config.Redis.Addr = v
	}
	if v := os.Getenv("BACKFIN_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Redis.DB = n
		}
	}
	if v := os.Getenv("BACKFIN_REDIS_PASSWORD"); v != "" {
		config.Redis.Password = v
	}

	// Cloud store
	if v := os.Getenv("SURREAL_URL"); v != "" {
		config.Surreal.Address = v
	}
	if v := os.Getenv("SURREAL_USER"); v != "" {
		config.Surreal.Username = v
	}
	if v := os.Getenv("SURREAL_PASS"); v != "" {
		config.Surreal.Password = v
	}
	if v := os.Getenv("SURREAL_NAMESPACE"); v != "" {
		config.Surreal.Namespace = v
	}
	if v := os.Getenv("SURREAL_DATABASE"); v != "" {
		config.Surreal.Database = v
	}

	// Classifier
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		config.Gemini.APIKey = v
	}
	if v := os.Getenv("BACKFIN_GEMINI_MODEL"); v != "" {
		config.Gemini.Model = v
	}

	// Broadcast intake
	if v := os.Getenv("BACKFIN_BROADCAST_ENDPOINT"); v != "" {
		config.Broadcast.Endpoint = v
	}
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// DataFile resolves a file name under the configured data path.
func (c *Config) DataFile(name string) string {
	return filepath.Join(c.Storage.DataPath, name)
}

// ValidateCredentials reports fatal startup problems: missing store or
// classifier credentials. Callers log and refuse to process rather than
// crash, so health probes can still run in degraded mode.
func (c *Config) ValidateCredentials(needStore, needClassifier bool) error {
	if needStore && (c.Surreal.Address == "" || c.Surreal.Username == "") {
		return fmt.Errorf("surreal credentials not configured (SURREAL_URL / SURREAL_USER / SURREAL_PASS)")
	}
	if needClassifier && c.Gemini.APIKey == "" {
		return fmt.Errorf("gemini API key not configured (GEMINI_API_KEY)")
	}
	return nil
}
