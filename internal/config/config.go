package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration shared by the
// node-collector and cluster-collector binaries.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// NodeConfig configures the per-node collector.
type NodeConfig struct {
	Addr            string `yaml:"addr"`
	NodeName        string `yaml:"node_name"`
	Source          string `yaml:"source"`      // "summary" or "metrics-api"
	KubeletURL      string `yaml:"kubelet_url"` // empty means apiserver node proxy
	CollectInterval string `yaml:"collect_interval"`
	FetchTimeout    string `yaml:"fetch_timeout"`
	InsecureTLS     bool   `yaml:"insecure_tls"`
}

// ClusterConfig configures the cluster-wide collector.
type ClusterConfig struct {
	Addr             string `yaml:"addr"`
	CollectorPort    int    `yaml:"collector_port"` // node collector port on every node
	FetchTimeout     string `yaml:"fetch_timeout"`
	FreshnessWindow  string `yaml:"freshness_window"`
	StalenessCeiling string `yaml:"staleness_ceiling"`
	DegradedCeiling  string `yaml:"degraded_ceiling"`
	MaxConcurrent    int    `yaml:"max_concurrent_fetches"`
	RateLimitPerSec  int    `yaml:"rate_limit_per_sec"`
	RateLimitBurst   int    `yaml:"rate_limit_burst"`
}

// KubernetesConfig represents the control-plane client configuration
type KubernetesConfig struct {
	Mode           string `yaml:"mode"`
	KubeconfigPath string `yaml:"kubeconfig_path"`
}

// LoggingConfig represents the logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads the configuration from environment variables and defaults
func Load() (*Config, error) {
	return loadWithDefaults("")
}

// LoadFromFile loads configuration from a YAML file, with environment variable overrides
func LoadFromFile(configPath string) (*Config, error) {
	return loadWithDefaults(configPath)
}

// loadWithDefaults loads configuration with defaults, optionally from a file
func loadWithDefaults(configPath string) (*Config, error) {
	cfg := defaults()

	if configPath != "" {
		fileCfg, err := loadFromYAMLFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file %s: %w", configPath, err)
		}
		cfg = fileCfg
	}

	applyEnv(cfg)

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Node: NodeConfig{
			Addr:            "0.0.0.0:9778",
			NodeName:        "",
			Source:          "summary",
			KubeletURL:      "",
			CollectInterval: "15s",
			FetchTimeout:    "10s",
			InsecureTLS:     false,
		},
		Cluster: ClusterConfig{
			Addr:             "0.0.0.0:9779",
			CollectorPort:    9778,
			FetchTimeout:     "10s",
			FreshnessWindow:  "30s",
			StalenessCeiling: "5m",
			DegradedCeiling:  "2m",
			MaxConcurrent:    16,
			RateLimitPerSec:  20,
			RateLimitBurst:   40,
		},
		Kubernetes: KubernetesConfig{
			Mode:           "incluster",
			KubeconfigPath: "",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyEnv overrides configuration values from environment variables.
// Environment variables take precedence over file values.
func applyEnv(cfg *Config) {
	cfg.Node.Addr = getEnv("KMON_NODE_ADDR", cfg.Node.Addr)
	cfg.Node.NodeName = getEnv("NODE_NAME", cfg.Node.NodeName)
	cfg.Node.Source = getEnv("KMON_NODE_SOURCE", cfg.Node.Source)
	cfg.Node.KubeletURL = getEnv("KMON_KUBELET_URL", cfg.Node.KubeletURL)
	cfg.Node.CollectInterval = getEnv("KMON_COLLECT_INTERVAL", cfg.Node.CollectInterval)
	cfg.Node.FetchTimeout = getEnv("KMON_NODE_FETCH_TIMEOUT", cfg.Node.FetchTimeout)
	cfg.Node.InsecureTLS = getEnvBool("KMON_INSECURE_TLS", cfg.Node.InsecureTLS)

	cfg.Cluster.Addr = getEnv("KMON_CLUSTER_ADDR", cfg.Cluster.Addr)
	cfg.Cluster.CollectorPort = getEnvInt("KMON_COLLECTOR_PORT", cfg.Cluster.CollectorPort)
	cfg.Cluster.FetchTimeout = getEnv("KMON_CLUSTER_FETCH_TIMEOUT", cfg.Cluster.FetchTimeout)
	cfg.Cluster.FreshnessWindow = getEnv("KMON_FRESHNESS_WINDOW", cfg.Cluster.FreshnessWindow)
	cfg.Cluster.StalenessCeiling = getEnv("KMON_STALENESS_CEILING", cfg.Cluster.StalenessCeiling)
	cfg.Cluster.DegradedCeiling = getEnv("KMON_DEGRADED_CEILING", cfg.Cluster.DegradedCeiling)
	cfg.Cluster.MaxConcurrent = getEnvInt("KMON_MAX_CONCURRENT_FETCHES", cfg.Cluster.MaxConcurrent)
	cfg.Cluster.RateLimitPerSec = getEnvInt("KMON_RATE_LIMIT_PER_SEC", cfg.Cluster.RateLimitPerSec)
	cfg.Cluster.RateLimitBurst = getEnvInt("KMON_RATE_LIMIT_BURST", cfg.Cluster.RateLimitBurst)

	cfg.Kubernetes.Mode = getEnv("KMON_KUBE_MODE", cfg.Kubernetes.Mode)
	cfg.Kubernetes.KubeconfigPath = getEnv("KUBECONFIG", cfg.Kubernetes.KubeconfigPath)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// loadFromYAMLFile loads configuration from a YAML file on top of defaults.
func loadFromYAMLFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Node.Addr == "" {
		return fmt.Errorf("node listen address cannot be empty")
	}
	if c.Cluster.Addr == "" {
		return fmt.Errorf("cluster listen address cannot be empty")
	}
	if c.Node.Source != "summary" && c.Node.Source != "metrics-api" {
		return fmt.Errorf("node source must be 'summary' or 'metrics-api'")
	}
	if c.Kubernetes.Mode != "incluster" && c.Kubernetes.Mode != "kubeconfig" {
		return fmt.Errorf("kubernetes mode must be 'incluster' or 'kubeconfig'")
	}
	if c.Cluster.CollectorPort <= 0 || c.Cluster.CollectorPort > 65535 {
		return fmt.Errorf("collector port must be in range 1-65535")
	}
	if c.Cluster.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent fetches must be at least 1")
	}

	for name, value := range map[string]string{
		"node collect_interval":     c.Node.CollectInterval,
		"node fetch_timeout":        c.Node.FetchTimeout,
		"cluster fetch_timeout":     c.Cluster.FetchTimeout,
		"cluster freshness_window":  c.Cluster.FreshnessWindow,
		"cluster staleness_ceiling": c.Cluster.StalenessCeiling,
		"cluster degraded_ceiling":  c.Cluster.DegradedCeiling,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
	}

	return nil
}

// Duration parses a duration config value, falling back to the given
// default when the value is empty or malformed. Validate catches
// malformed values up front; the fallback keeps accessors total.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
