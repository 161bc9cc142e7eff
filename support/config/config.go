// Package config loads the service configuration from the process
// environment. Every tunable has a default that works against a local
// cluster; viper reads the environment once at startup and the resulting
// Config is treated as immutable afterwards.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kilnrun/kiln/language"
)

// Seccomp profile types accepted by K8S_SECCOMP_PROFILE_TYPE. Localhost
// profiles need a node-side file we cannot guarantee, so they are rejected
// at startup rather than failing at pod admission.
const (
	SeccompRuntimeDefault = "RuntimeDefault"
	SeccompUnconfined     = "Unconfined"
)

// Config is the fully resolved service configuration.
type Config struct {
	// Listeners.
	ListenAddr  string
	MetricsAddr string

	// Trust plane.
	EnvKeys          []string
	MasterAPIKey     string
	RateLimitEnabled bool

	// Stores.
	RedisURL           string
	ObjectStoreURL     string
	ObjectStoreBucket  string
	ObjectStoreRegion  string
	ObjectStoreKey     string
	ObjectStoreSecret  string
	MetricsDatabaseURL string

	// Cluster / pod factory.
	Namespace          string
	SidecarImage       string
	SidecarPort        int
	ImagePullPolicy    string
	CPURequest         string
	CPULimit           string
	MemoryRequest      string
	MemoryLimit        string
	SeccompProfileType string
	NetworkIsolated    bool
	PodReadyTimeout    time.Duration

	// Pool.
	PoolEnabled       bool
	WarmupOnStartup   bool
	PoolSizes         map[string]int
	ParallelBatch     int
	ExhaustionTrigger int
	ReplenishInterval time.Duration
	HealthInterval    time.Duration
	AcquireTimeout    time.Duration

	// Per-request caps.
	MaxExecutionTime time.Duration
	DefaultTimeout   time.Duration
	MaxMemoryMB      int
	MaxFileSizeMB    int
}

// Load reads the environment into a Config and validates it. The language
// registry resolves the POD_POOL_<LANG> family.
func Load(reg *language.Registry) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("LISTEN_ADDR", "0.0.0.0:8000")
	v.SetDefault("METRICS_ADDR", "0.0.0.0:9090")

	v.SetDefault("RATE_LIMIT_ENABLED", true)

	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("MINIO_BUCKET", "kiln-sessions")
	v.SetDefault("MINIO_REGION", "us-east-1")

	v.SetDefault("K8S_NAMESPACE", "kiln")
	v.SetDefault("K8S_SIDECAR_IMAGE", "ghcr.io/kilnrun/kiln-sidecar:latest")
	v.SetDefault("K8S_SIDECAR_PORT", 8444)
	v.SetDefault("K8S_IMAGE_PULL_POLICY", "IfNotPresent")
	v.SetDefault("K8S_CPU_REQUEST", "100m")
	v.SetDefault("K8S_CPU_LIMIT", "1")
	v.SetDefault("K8S_MEMORY_REQUEST", "128Mi")
	v.SetDefault("K8S_MEMORY_LIMIT", "512Mi")
	v.SetDefault("K8S_SECCOMP_PROFILE_TYPE", SeccompRuntimeDefault)
	v.SetDefault("K8S_NETWORK_ISOLATED", false)
	v.SetDefault("K8S_POD_READY_TIMEOUT", "90s")

	v.SetDefault("POD_POOL_ENABLED", true)
	v.SetDefault("POD_POOL_WARMUP_ON_STARTUP", true)
	v.SetDefault("POD_POOL_PARALLEL_BATCH", 5)
	v.SetDefault("POD_POOL_EXHAUSTION_TRIGGER", 1)
	v.SetDefault("POD_POOL_REPLENISH_INTERVAL", "15s")
	v.SetDefault("POD_POOL_HEALTH_INTERVAL", "30s")
	v.SetDefault("POD_POOL_ACQUIRE_TIMEOUT", "5s")

	v.SetDefault("MAX_EXECUTION_TIME", 300)
	v.SetDefault("DEFAULT_EXECUTION_TIME", 30)
	v.SetDefault("MAX_MEMORY_MB", 512)
	v.SetDefault("MAX_FILE_SIZE_MB", 10)

	cfg := &Config{
		ListenAddr:  v.GetString("LISTEN_ADDR"),
		MetricsAddr: v.GetString("METRICS_ADDR"),

		MasterAPIKey:     v.GetString("MASTER_API_KEY"),
		RateLimitEnabled: v.GetBool("RATE_LIMIT_ENABLED"),

		RedisURL:           v.GetString("REDIS_URL"),
		ObjectStoreURL:     v.GetString("MINIO_URL"),
		ObjectStoreBucket:  v.GetString("MINIO_BUCKET"),
		ObjectStoreRegion:  v.GetString("MINIO_REGION"),
		ObjectStoreKey:     v.GetString("MINIO_ACCESS_KEY"),
		ObjectStoreSecret:  v.GetString("MINIO_SECRET_KEY"),
		MetricsDatabaseURL: v.GetString("METRICS_DATABASE_URL"),

		Namespace:          v.GetString("K8S_NAMESPACE"),
		SidecarImage:       v.GetString("K8S_SIDECAR_IMAGE"),
		SidecarPort:        v.GetInt("K8S_SIDECAR_PORT"),
		ImagePullPolicy:    v.GetString("K8S_IMAGE_PULL_POLICY"),
		CPURequest:         v.GetString("K8S_CPU_REQUEST"),
		CPULimit:           v.GetString("K8S_CPU_LIMIT"),
		MemoryRequest:      v.GetString("K8S_MEMORY_REQUEST"),
		MemoryLimit:        v.GetString("K8S_MEMORY_LIMIT"),
		SeccompProfileType: v.GetString("K8S_SECCOMP_PROFILE_TYPE"),
		NetworkIsolated:    v.GetBool("K8S_NETWORK_ISOLATED"),
		PodReadyTimeout:    v.GetDuration("K8S_POD_READY_TIMEOUT"),

		PoolEnabled:       v.GetBool("POD_POOL_ENABLED"),
		WarmupOnStartup:   v.GetBool("POD_POOL_WARMUP_ON_STARTUP"),
		ParallelBatch:     v.GetInt("POD_POOL_PARALLEL_BATCH"),
		ExhaustionTrigger: v.GetInt("POD_POOL_EXHAUSTION_TRIGGER"),
		ReplenishInterval: v.GetDuration("POD_POOL_REPLENISH_INTERVAL"),
		HealthInterval:    v.GetDuration("POD_POOL_HEALTH_INTERVAL"),
		AcquireTimeout:    v.GetDuration("POD_POOL_ACQUIRE_TIMEOUT"),

		MaxExecutionTime: time.Duration(v.GetInt("MAX_EXECUTION_TIME")) * time.Second,
		DefaultTimeout:   time.Duration(v.GetInt("DEFAULT_EXECUTION_TIME")) * time.Second,
		MaxMemoryMB:      v.GetInt("MAX_MEMORY_MB"),
		MaxFileSizeMB:    v.GetInt("MAX_FILE_SIZE_MB"),
	}

	if k := strings.TrimSpace(v.GetString("API_KEY")); k != "" {
		cfg.EnvKeys = append(cfg.EnvKeys, k)
	}
	for _, k := range strings.Split(v.GetString("API_KEYS"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			cfg.EnvKeys = append(cfg.EnvKeys, k)
		}
	}

	cfg.PoolSizes = make(map[string]int, len(reg.Codes()))
	for _, code := range reg.Codes() {
		v.SetDefault(language.PoolSizeEnvVar(code), 0)
		cfg.PoolSizes[code] = v.GetInt(language.PoolSizeEnvVar(code))
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.SeccompProfileType {
	case SeccompRuntimeDefault, SeccompUnconfined:
	default:
		return fmt.Errorf("invalid K8S_SECCOMP_PROFILE_TYPE %q: only %s and %s are supported",
			c.SeccompProfileType, SeccompRuntimeDefault, SeccompUnconfined)
	}
	if c.SidecarPort <= 0 || c.SidecarPort > 65535 {
		return fmt.Errorf("invalid K8S_SIDECAR_PORT %d", c.SidecarPort)
	}
	for code, size := range c.PoolSizes {
		if size < 0 {
			return fmt.Errorf("%s must not be negative", language.PoolSizeEnvVar(code))
		}
	}
	if c.MaxExecutionTime <= 0 {
		return fmt.Errorf("MAX_EXECUTION_TIME must be positive")
	}
	if c.DefaultTimeout > c.MaxExecutionTime {
		c.DefaultTimeout = c.MaxExecutionTime
	}
	if c.MaxFileSizeMB <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE_MB must be positive")
	}
	return nil
}

// MaxFileSizeBytes is the generated-file ceiling in bytes.
func (c *Config) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) << 20
}
