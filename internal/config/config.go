// Package config binds the platform's environment variables into one
// typed struct, with an optional YAML overlay for deployments that keep
// their tuning in files.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the whole platform configuration. Environment variables win
// over the YAML overlay, which wins over the defaults.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Cache     CacheConfig     `yaml:"cache"`
	Quality   QualityConfig   `yaml:"quality"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Redis     RedisConfig     `yaml:"redis"`
	Sink      SinkConfig      `yaml:"sink"`
	Perf      PerfConfig      `yaml:"perf"`
	Scaling   ScalingConfig   `yaml:"scaling"`
}

type ServerConfig struct {
	Host                     string        `env:"WEBSOCKET_HOST" envDefault:"0.0.0.0" yaml:"host"`
	Port                     int           `env:"WEBSOCKET_PORT" envDefault:"8080" yaml:"port"`
	MaxConnections           int           `env:"MAX_CONNECTIONS" envDefault:"10000" yaml:"max_connections"`
	MaxSubscriptionsPerConn  int           `env:"MAX_SUBSCRIPTIONS_PER_CLIENT" envDefault:"100" yaml:"max_subscriptions_per_client"`
	HeartbeatInterval        time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s" yaml:"heartbeat_interval"`
	ShutdownTimeout          time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s" yaml:"shutdown_timeout"`
	RateLimitRPM             int           `env:"RATE_LIMIT_RPM" envDefault:"600" yaml:"rate_limit_rpm"`
	LoadBalancingStrategy    string        `env:"LOAD_BALANCING_STRATEGY" envDefault:"round_robin" yaml:"load_balancing_strategy"`
	ServiceDiscoveryBackend  string        `env:"SERVICE_DISCOVERY_BACKEND" envDefault:"none" yaml:"service_discovery_backend"`
	SSLEnabled               bool          `env:"SSL_ENABLED" envDefault:"false" yaml:"ssl_enabled"`
	SSLCertPath              string        `env:"SSL_CERT_PATH" yaml:"ssl_cert_path"`
	SSLKeyPath               string        `env:"SSL_KEY_PATH" yaml:"ssl_key_path"`
	PublishInterval          time.Duration `env:"PUBLISH_INTERVAL" envDefault:"1s" yaml:"publish_interval"`
	ReconnectRetentionWindow time.Duration `env:"RECONNECT_WINDOW" envDefault:"5m" yaml:"reconnect_window"`
}

type EngineConfig struct {
	DataSource       string        `env:"DATA_SOURCE" envDefault:"mock" yaml:"data_source"`
	FetchTimeout     time.Duration `env:"FETCH_TIMEOUT" envDefault:"30s" yaml:"fetch_timeout"`
	BatchConcurrency int           `env:"BATCH_CONCURRENCY" envDefault:"5" yaml:"batch_concurrency"`
	PrewarmWorkers   int           `env:"PREWARM_WORKERS" envDefault:"5" yaml:"prewarm_workers"`
}

type CacheConfig struct {
	L1MaxEntries int     `env:"CACHE_L1_MAX_ENTRIES" envDefault:"10000" yaml:"l1_max_entries"`
	L2MaxEntries int     `env:"CACHE_L2_MAX_ENTRIES" envDefault:"50000" yaml:"l2_max_entries"`
	MemoryMB     float64 `env:"CACHE_MEMORY_MB" envDefault:"512" yaml:"memory_mb"`
}

type QualityConfig struct {
	DropInvalidBars   bool `env:"QUALITY_DROP_INVALID" envDefault:"false" yaml:"drop_invalid_bars"`
	QualityEventBelow int  `env:"QUALITY_EVENT_BELOW" envDefault:"80" yaml:"quality_event_below"`
}

type AuthConfig struct {
	Enabled   bool   `env:"ENABLE_AUTH" envDefault:"false" yaml:"enabled"`
	Token     string `env:"AUTH_TOKEN" yaml:"token"`
	JWTSecret string `env:"JWT_SECRET" yaml:"jwt_secret"`
}

type LogConfig struct {
	Level    string `env:"LOG_LEVEL" envDefault:"info" yaml:"level"`
	FilePath string `env:"LOG_FILE_PATH" yaml:"file_path"`
}

type TelemetryConfig struct {
	Enabled     bool `env:"MONITORING_ENABLED" envDefault:"true" yaml:"enabled"`
	MetricsPort int  `env:"METRICS_PORT" envDefault:"9090" yaml:"metrics_port"`
}

type RedisConfig struct {
	Host     string `env:"REDIS_HOST" yaml:"host"`
	Port     int    `env:"REDIS_PORT" envDefault:"6379" yaml:"port"`
	Password string `env:"REDIS_PASSWORD" yaml:"password"`
}

// Enabled reports whether the optional shared cache tier is configured.
func (r RedisConfig) Enabled() bool { return r.Host != "" }

func (r RedisConfig) Addr() string { return fmt.Sprintf("%s:%d", r.Host, r.Port) }

type SinkConfig struct {
	ErrorLogPath   string `env:"ERROR_LOG_PATH" yaml:"error_log_path"`
	ErrorLogMaxMB  int    `env:"ERROR_LOG_MAX_MB" envDefault:"50" yaml:"error_log_max_mb"`
	QualityLogPath string `env:"QUALITY_LOG_PATH" yaml:"quality_log_path"`
	PostgresDSN    string `env:"POSTGRES_DSN" yaml:"postgres_dsn"`
}

type PerfConfig struct {
	WorkerPoolSize int           `env:"WORKER_POOL_SIZE" envDefault:"4" yaml:"worker_pool_size"`
	GCInterval     time.Duration `env:"GC_INTERVAL" envDefault:"60s" yaml:"gc_interval"`
	GCThreshold    uint64        `env:"GC_THRESHOLD_BYTES" envDefault:"1073741824" yaml:"gc_threshold_bytes"`
}

// ScalingConfig carries advisory autoscaler signals. The process never
// acts on them itself; they are exported for the orchestrator.
type ScalingConfig struct {
	MinInstances            int     `env:"MIN_INSTANCES" envDefault:"1" yaml:"min_instances"`
	MaxInstances            int     `env:"MAX_INSTANCES" envDefault:"4" yaml:"max_instances"`
	TargetCPUUtilization    float64 `env:"TARGET_CPU_UTILIZATION" envDefault:"0.7" yaml:"target_cpu_utilization"`
	TargetMemoryUtilization float64 `env:"TARGET_MEMORY_UTILIZATION" envDefault:"0.8" yaml:"target_memory_utilization"`
}

// Load builds the configuration: defaults, then the YAML overlay when
// path is non-empty, then environment variables on top.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{}
	if yamlPath != "" {
		raw, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", yamlPath, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", yamlPath, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validBalancing = map[string]bool{"round_robin": true, "least_connections": true, "ip_hash": true}
var validDiscovery = map[string]bool{"none": true, "consul": true, "etcd": true, "kubernetes": true}
var validSources = map[string]bool{"mock": true, "bridge": true}

// Validate rejects combinations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: WEBSOCKET_PORT out of range: %d", c.Server.Port)
	}
	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("config: MAX_CONNECTIONS must be positive, got %d", c.Server.MaxConnections)
	}
	if c.Server.MaxSubscriptionsPerConn < 1 {
		return fmt.Errorf("config: MAX_SUBSCRIPTIONS_PER_CLIENT must be positive, got %d", c.Server.MaxSubscriptionsPerConn)
	}
	if !validBalancing[c.Server.LoadBalancingStrategy] {
		return fmt.Errorf("config: unknown LOAD_BALANCING_STRATEGY %q", c.Server.LoadBalancingStrategy)
	}
	if !validDiscovery[c.Server.ServiceDiscoveryBackend] {
		return fmt.Errorf("config: unknown SERVICE_DISCOVERY_BACKEND %q", c.Server.ServiceDiscoveryBackend)
	}
	if !validSources[strings.ToLower(c.Engine.DataSource)] {
		return fmt.Errorf("config: unknown DATA_SOURCE %q", c.Engine.DataSource)
	}
	if c.Server.SSLEnabled && (c.Server.SSLCertPath == "" || c.Server.SSLKeyPath == "") {
		return fmt.Errorf("config: SSL_ENABLED requires SSL_CERT_PATH and SSL_KEY_PATH")
	}
	if c.Auth.Enabled && c.Auth.Token == "" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: ENABLE_AUTH requires AUTH_TOKEN or JWT_SECRET")
	}
	if c.Engine.BatchConcurrency < 1 {
		return fmt.Errorf("config: BATCH_CONCURRENCY must be positive, got %d", c.Engine.BatchConcurrency)
	}
	return nil
}

// ListenAddr is the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MetricsAddr is the bind address of the Prometheus endpoint.
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Telemetry.MetricsPort)
}
