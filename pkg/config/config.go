// Package config provides environment-based configuration for the compile worker.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Workspace sources understood by the compile pipeline.
const (
	WorkspaceSourceArchive  = "archive"
	WorkspaceSourceSharedFS = "shared-fs"
)

// Config holds all configuration for the compile worker.
type Config struct {
	Redis    RedisConfig    `yaml:"redis"`
	Stream   StreamConfig   `yaml:"stream"`
	Lock     LockConfig     `yaml:"lock"`
	Texhub   TexhubConfig   `yaml:"texhub"`
	HTTP     HTTPConfig     `yaml:"http"`
	Compile  CompileConfig  `yaml:"compile"`
	Worker   WorkerConfig   `yaml:"worker"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
	Health   HealthConfig   `yaml:"health"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
	Log      LogConfig      `yaml:"log"`
}

// RedisConfig holds the stream store and lock endpoints.
type RedisConfig struct {
	URL string `yaml:"url"`
	// LockURLs are the independent endpoints the quorum lock is taken on.
	// Empty means URL alone.
	LockURLs []string `yaml:"lock_urls"`
}

// StreamConfig holds inbound job stream settings.
type StreamConfig struct {
	Key          string        `yaml:"key"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// LockConfig holds distributed lock settings.
type LockConfig struct {
	Name          string        `yaml:"name"`
	Lease         time.Duration `yaml:"lease"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxAttempts   int           `yaml:"max_attempts"`
	DNSProbeAfter int           `yaml:"dns_probe_after"`
	DNSProbeHosts []string      `yaml:"dns_probe_hosts"`
}

// TexhubConfig holds the project/ledger service endpoint.
type TexhubConfig struct {
	APIURL      string `yaml:"api_url"`
	AccessToken string `yaml:"access_token"`
}

// HTTPConfig holds outbound HTTP client settings.
type HTTPConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// CompileConfig holds compile pipeline settings.
type CompileConfig struct {
	BaseDir         string `yaml:"base_dir"`
	ProjectBaseDir  string `yaml:"project_base_dir"`
	WorkspaceSource string `yaml:"workspace_source"`
	DownloadDir     string `yaml:"download_dir"`
	Compiler        string `yaml:"compiler"`
	UsePTY          bool   `yaml:"use_pty"`
}

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// SweeperConfig holds expiry sweeper settings.
type SweeperConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Addr string `yaml:"addr"`
}

// ShutdownConfig holds graceful shutdown settings.
type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Stream: StreamConfig{
			Key:          "texhub:compile:stream",
			BlockTimeout: time.Second,
		},
		Lock: LockConfig{
			Name:          "mutex",
			Lease:         5 * time.Second,
			RetryDelay:    100 * time.Millisecond,
			MaxAttempts:   50,
			DNSProbeAfter: 5,
		},
		Texhub: TexhubConfig{
			APIURL: "http://localhost:8000",
		},
		HTTP: HTTPConfig{
			Timeout:        15 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		Compile: CompileConfig{
			BaseDir:         "/opt/data/tex/compile",
			ProjectBaseDir:  "/opt/data/tex/project",
			WorkspaceSource: WorkspaceSourceArchive,
			DownloadDir:     os.TempDir(),
			Compiler:        "xelatex",
		},
		Worker: WorkerConfig{
			Concurrency: 4,
		},
		Sweeper: SweeperConfig{
			Interval: 15 * time.Second,
		},
		Health: HealthConfig{
			Addr: ":8001",
		},
		Shutdown: ShutdownConfig{
			Timeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from an optional .env file, an optional YAML file
// named by WORKER_CONFIG_FILE and the environment, in increasing precedence.
func Load() (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cfg := Defaults()

	if path := os.Getenv("WORKER_CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// mergeFile overlays the YAML document at path onto cfg.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.Redis.LockURLs = getListEnv("REDIS_LOCK_URLS", c.Redis.LockURLs)

	c.Stream.Key = getEnv("COMPILE_STREAM_KEY", c.Stream.Key)
	c.Stream.BlockTimeout = getDurationEnv("STREAM_BLOCK_TIMEOUT", c.Stream.BlockTimeout)

	c.Lock.Name = getEnv("LOCK_NAME", c.Lock.Name)
	c.Lock.Lease = getDurationEnv("LOCK_LEASE", c.Lock.Lease)
	c.Lock.RetryDelay = getDurationEnv("LOCK_RETRY_DELAY", c.Lock.RetryDelay)
	c.Lock.MaxAttempts = getIntEnv("LOCK_MAX_ATTEMPTS", c.Lock.MaxAttempts)
	c.Lock.DNSProbeAfter = getIntEnv("LOCK_DNS_PROBE_AFTER", c.Lock.DNSProbeAfter)
	c.Lock.DNSProbeHosts = getListEnv("LOCK_DNS_PROBE_HOSTS", c.Lock.DNSProbeHosts)

	c.Texhub.APIURL = getEnv("TEXHUB_API_URL", c.Texhub.APIURL)
	c.Texhub.AccessToken = getEnv("TEXHUB_ACCESS_TOKEN", c.Texhub.AccessToken)

	c.HTTP.Timeout = getDurationEnv("HTTP_TIMEOUT", c.HTTP.Timeout)
	c.HTTP.ConnectTimeout = getDurationEnv("HTTP_CONNECT_TIMEOUT", c.HTTP.ConnectTimeout)

	c.Compile.BaseDir = getEnv("COMPILE_BASE_DIR", c.Compile.BaseDir)
	c.Compile.ProjectBaseDir = getEnv("PROJECT_BASE_DIR", c.Compile.ProjectBaseDir)
	c.Compile.WorkspaceSource = getEnv("WORKSPACE_SOURCE", c.Compile.WorkspaceSource)
	c.Compile.DownloadDir = getEnv("DOWNLOAD_DIR", c.Compile.DownloadDir)
	c.Compile.Compiler = getEnv("COMPILER_BIN", c.Compile.Compiler)
	c.Compile.UsePTY = getBoolEnv("COMPILER_USE_PTY", c.Compile.UsePTY)

	c.Worker.Concurrency = getIntEnv("WORKER_CONCURRENCY", c.Worker.Concurrency)
	c.Sweeper.Interval = getDurationEnv("EXPIRE_CHECK_INTERVAL", c.Sweeper.Interval)
	c.Health.Addr = getEnv("HEALTH_ADDR", c.Health.Addr)
	c.Shutdown.Timeout = getDurationEnv("SHUTDOWN_TIMEOUT", c.Shutdown.Timeout)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Validate checks that required configuration values are set and consistent.
func (c *Config) Validate() error {
	var errs []error
	if c.Redis.URL == "" {
		errs = append(errs, errors.New("REDIS_URL is required"))
	}
	if c.Stream.Key == "" {
		errs = append(errs, errors.New("COMPILE_STREAM_KEY is required"))
	}
	if c.Texhub.APIURL == "" {
		errs = append(errs, errors.New("TEXHUB_API_URL is required"))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Worker.Concurrency))
	}
	if c.Lock.Lease <= 0 {
		errs = append(errs, errors.New("LOCK_LEASE must be positive"))
	}
	if c.Stream.BlockTimeout <= 0 {
		errs = append(errs, errors.New("STREAM_BLOCK_TIMEOUT must be positive"))
	} else if c.Stream.BlockTimeout >= c.Lock.Lease {
		// The blocking read happens while the lock is held.
		errs = append(errs, fmt.Errorf("STREAM_BLOCK_TIMEOUT (%s) must be shorter than LOCK_LEASE (%s)",
			c.Stream.BlockTimeout, c.Lock.Lease))
	}
	if c.Sweeper.Interval <= 0 {
		errs = append(errs, errors.New("EXPIRE_CHECK_INTERVAL must be positive"))
	}
	switch c.Compile.WorkspaceSource {
	case WorkspaceSourceArchive, WorkspaceSourceSharedFS:
	default:
		errs = append(errs, fmt.Errorf("WORKSPACE_SOURCE must be %q or %q, got %q",
			WorkspaceSourceArchive, WorkspaceSourceSharedFS, c.Compile.WorkspaceSource))
	}
	return errors.Join(errs...)
}

// LockEndpoints returns the endpoints the distributed lock is taken on.
func (c *Config) LockEndpoints() []string {
	if len(c.Redis.LockURLs) > 0 {
		return c.Redis.LockURLs
	}
	return []string{c.Redis.URL}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
