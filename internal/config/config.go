// Package config loads runplane settings from defaults, an optional YAML file
// and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for the controller and the worker.
type Config struct {
	// HTTP server port for the controller
	HTTPPort int

	LogLevel string

	// Message bus
	NATSURL   string
	BusPrefix string

	// Section executor timing
	DiscoveryTimeout time.Duration
	WaitTimeout      time.Duration
	PollInterval     time.Duration
	TermSettle       time.Duration
	FinishGrace      time.Duration

	// OrgIsolation asserts that node replies carry the caller's organization.
	OrgIsolation bool

	// IdentitiesFile lists API keys, their owners and access rules.
	IdentitiesFile string

	// SystemSecret guards the /internal endpoints.
	SystemSecret string

	// DatabaseURL enables the finished-session archive when set.
	DatabaseURL string

	// OTELEndpoint enables trace export when set (host:port of an OTLP gRPC collector).
	OTELEndpoint string

	// Worker-specific configuration
	NodeName        string
	NodeOrg         string
	NodeTags        map[string]string
	NodeConcurrency int
	// NodeTaskWait bounds how long a node holds a slot waiting for its task
	// after answering an announcement.
	NodeTaskWait   time.Duration
	RuntimeWorkDir string
	RuntimeShell   string
	MetricsPort    int
}

// Load reads configuration. An empty path looks for runplane.yaml in the
// current directory and silently continues without it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("runplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	v.AutomaticEnv()

	tags, err := ParseTags(v.GetString("node_tags"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPPort:         v.GetInt("port"),
		LogLevel:         v.GetString("log_level"),
		NATSURL:          v.GetString("nats_url"),
		BusPrefix:        v.GetString("bus_prefix"),
		DiscoveryTimeout: v.GetDuration("discovery_timeout"),
		WaitTimeout:      v.GetDuration("wait_timeout"),
		PollInterval:     v.GetDuration("poll_interval"),
		TermSettle:       v.GetDuration("term_settle"),
		FinishGrace:      v.GetDuration("finish_grace"),
		OrgIsolation:     v.GetBool("org_isolation"),
		IdentitiesFile:   v.GetString("identities_file"),
		SystemSecret:     v.GetString("system_secret"),
		DatabaseURL:      v.GetString("database_url"),
		OTELEndpoint:     v.GetString("otel_endpoint"),
		NodeName:         v.GetString("node_name"),
		NodeOrg:          v.GetString("node_org"),
		NodeTags:         tags,
		NodeConcurrency:  v.GetInt("node_concurrency"),
		NodeTaskWait:     v.GetDuration("node_task_wait"),
		RuntimeWorkDir:   v.GetString("runtime_workdir"),
		RuntimeShell:     v.GetString("runtime_shell"),
		MetricsPort:      v.GetInt("metrics_port"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()

	v.SetDefault("port", 6161)
	v.SetDefault("log_level", "info")
	v.SetDefault("nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("bus_prefix", "runplane")
	v.SetDefault("discovery_timeout", 2*time.Second)
	v.SetDefault("wait_timeout", 300*time.Second)
	v.SetDefault("poll_interval", 250*time.Millisecond)
	v.SetDefault("term_settle", 1*time.Second)
	v.SetDefault("finish_grace", 2*time.Second)
	v.SetDefault("org_isolation", true)
	v.SetDefault("identities_file", "identities.yaml")
	v.SetDefault("system_secret", "")
	v.SetDefault("database_url", "")
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("node_name", hostname)
	v.SetDefault("node_org", "")
	v.SetDefault("node_tags", "")
	v.SetDefault("node_concurrency", 4)
	v.SetDefault("node_task_wait", 10*time.Second)
	v.SetDefault("runtime_workdir", "")
	v.SetDefault("runtime_shell", "/bin/sh")
	v.SetDefault("metrics_port", 6162)
}

func (c *Config) validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval)
	}
	if c.DiscoveryTimeout < 0 {
		return fmt.Errorf("discovery_timeout must not be negative, got %v", c.DiscoveryTimeout)
	}
	if c.WaitTimeout <= 0 {
		return fmt.Errorf("wait_timeout must be positive, got %v", c.WaitTimeout)
	}
	if c.FinishGrace < 0 || c.TermSettle < 0 {
		return errors.New("finish_grace and term_settle must not be negative")
	}
	if c.NodeTaskWait <= 0 {
		return fmt.Errorf("node_task_wait must be positive, got %v", c.NodeTaskWait)
	}
	if c.NodeConcurrency <= 0 {
		c.NodeConcurrency = 1
	}
	return nil
}

// ParseTags parses "k1=v1,k2=v2" into a map.
func ParseTags(raw string) (map[string]string, error) {
	tags := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid node tag %q, expected key=value", part)
		}
		tags[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return tags, nil
}

// FormatTags is the inverse of ParseTags with keys sorted.
func FormatTags(tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+tags[k])
	}
	return strings.Join(parts, ",")
}
