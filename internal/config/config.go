package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds revpctl's process-level configuration from environment
// variables. Mutable fields (ReconcileInterval, MaxConcurrentReconciles)
// are protected by an RWMutex and must be accessed via getter/setter
// methods at runtime, since the reconciler goroutine reads them while
// a future control surface may write them.
type Config struct {
	// Where the structured domain document (hosts, proxy URL, static
	// route file path) lives. See Document below.
	DocPath string

	// Storage
	StateDBPath string

	// Logging
	LogJSON bool

	// Metrics
	MetricsEnabled bool
	MetricsAddr    string

	// Notifications
	GotifyURL    string
	GotifyToken  string
	WebhookURL   string
	MQTTBroker   string
	MQTTTopic    string

	// mu protects the mutable runtime fields below.
	mu                      sync.RWMutex
	reconcileInterval       time.Duration
	maxConcurrentReconciles int
	heartbeatDeadline       time.Duration
	reconcileCronSchedule   string
	shutdownGrace           time.Duration
}

// NewTestConfig creates a Config with sensible defaults for testing.
func NewTestConfig() *Config {
	return &Config{
		reconcileInterval:       5 * time.Minute,
		maxConcurrentReconciles: 4,
		heartbeatDeadline:       60 * time.Second,
		shutdownGrace:           10 * time.Second,
	}
}

// Load reads all process configuration from environment variables with
// defaults.
func Load() *Config {
	return &Config{
		DocPath:                 envStr("REVPCTL_CONFIG_PATH", "/etc/revpctl/config.yaml"),
		StateDBPath:             envStr("REVPCTL_STATE_DB", "/data/revpctl.db"),
		LogJSON:                 envBool("REVPCTL_LOG_JSON", true),
		MetricsEnabled:          envBool("REVPCTL_METRICS", false),
		MetricsAddr:             envStr("REVPCTL_METRICS_ADDR", ":9090"),
		GotifyURL:               envStr("REVPCTL_GOTIFY_URL", ""),
		GotifyToken:             envStr("REVPCTL_GOTIFY_TOKEN", ""),
		WebhookURL:              envStr("REVPCTL_WEBHOOK_URL", ""),
		MQTTBroker:              envStr("REVPCTL_MQTT_BROKER", ""),
		MQTTTopic:               envStr("REVPCTL_MQTT_TOPIC", "revpctl/events"),
		reconcileInterval:       envDuration("REVPCTL_RECONCILE_INTERVAL", 5*time.Minute),
		maxConcurrentReconciles: envInt("REVPCTL_MAX_CONCURRENT_RECONCILES", 4),
		heartbeatDeadline:       envDuration("REVPCTL_HEARTBEAT_DEADLINE", 60*time.Second),
		reconcileCronSchedule:   envStr("REVPCTL_RECONCILE_CRON", ""),
		shutdownGrace:           envDuration("REVPCTL_SHUTDOWN_GRACE", 10*time.Second),
	}
}

// ShutdownGrace returns the deadline given to in-flight I/O to drain
// during shutdown (thread-safe).
func (c *Config) ShutdownGrace() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shutdownGrace
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	c.mu.RLock()
	ri := c.reconcileInterval
	mcr := c.maxConcurrentReconciles
	hd := c.heartbeatDeadline
	sg := c.shutdownGrace
	c.mu.RUnlock()

	var errs []error
	if ri <= 0 {
		errs = append(errs, fmt.Errorf("REVPCTL_RECONCILE_INTERVAL must be > 0, got %s", ri))
	}
	if mcr <= 0 {
		errs = append(errs, fmt.Errorf("REVPCTL_MAX_CONCURRENT_RECONCILES must be > 0, got %d", mcr))
	}
	if hd <= 0 {
		errs = append(errs, fmt.Errorf("REVPCTL_HEARTBEAT_DEADLINE must be > 0, got %s", hd))
	}
	if sg <= 0 {
		errs = append(errs, fmt.Errorf("REVPCTL_SHUTDOWN_GRACE must be > 0, got %s", sg))
	}
	if c.DocPath == "" {
		errs = append(errs, fmt.Errorf("REVPCTL_CONFIG_PATH must not be empty"))
	}
	return errors.Join(errs...)
}

// Values returns all configuration as a string map for display.
func (c *Config) Values() map[string]string {
	c.mu.RLock()
	ri := c.reconcileInterval
	mcr := c.maxConcurrentReconciles
	hd := c.heartbeatDeadline
	cron := c.reconcileCronSchedule
	sg := c.shutdownGrace
	c.mu.RUnlock()

	return map[string]string{
		"REVPCTL_CONFIG_PATH":               c.DocPath,
		"REVPCTL_STATE_DB":                  c.StateDBPath,
		"REVPCTL_LOG_JSON":                  fmt.Sprintf("%t", c.LogJSON),
		"REVPCTL_METRICS":                   fmt.Sprintf("%t", c.MetricsEnabled),
		"REVPCTL_METRICS_ADDR":              c.MetricsAddr,
		"REVPCTL_GOTIFY_URL":                c.GotifyURL,
		"REVPCTL_WEBHOOK_URL":               c.WebhookURL,
		"REVPCTL_MQTT_BROKER":               c.MQTTBroker,
		"REVPCTL_RECONCILE_INTERVAL":        ri.String(),
		"REVPCTL_MAX_CONCURRENT_RECONCILES": fmt.Sprintf("%d", mcr),
		"REVPCTL_HEARTBEAT_DEADLINE":        hd.String(),
		"REVPCTL_RECONCILE_CRON":            cron,
		"REVPCTL_SHUTDOWN_GRACE":            sg.String(),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// ReconcileInterval returns the current periodic sweep interval (thread-safe).
func (c *Config) ReconcileInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconcileInterval
}

// SetReconcileInterval updates the periodic sweep interval at runtime (thread-safe).
func (c *Config) SetReconcileInterval(d time.Duration) {
	c.mu.Lock()
	c.reconcileInterval = d
	c.mu.Unlock()
}

// MaxConcurrentReconciles returns the reconcile worker pool size (thread-safe).
func (c *Config) MaxConcurrentReconciles() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxConcurrentReconciles
}

// SetMaxConcurrentReconciles updates the worker pool size at runtime (thread-safe).
func (c *Config) SetMaxConcurrentReconciles(n int) {
	c.mu.Lock()
	c.maxConcurrentReconciles = n
	c.mu.Unlock()
}

// HeartbeatDeadline returns the host-observer streaming heartbeat deadline (thread-safe).
func (c *Config) HeartbeatDeadline() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.heartbeatDeadline
}

// SetHeartbeatDeadline updates the heartbeat deadline at runtime (thread-safe).
func (c *Config) SetHeartbeatDeadline(d time.Duration) {
	c.mu.Lock()
	c.heartbeatDeadline = d
	c.mu.Unlock()
}

// ReconcileCronSchedule returns the optional cron expression overriding the
// fixed-interval sweep (empty means use ReconcileInterval).
func (c *Config) ReconcileCronSchedule() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconcileCronSchedule
}

// SetReconcileCronSchedule updates the cron override at runtime (thread-safe).
func (c *Config) SetReconcileCronSchedule(s string) {
	c.mu.Lock()
	c.reconcileCronSchedule = s
	c.mu.Unlock()
}

// HostEntry declares one SSH-reachable host to observe.
type HostEntry struct {
	Alias   string `yaml:"alias"`
	Address string `yaml:"address"`
	User    string `yaml:"user"`
	KeyPath string `yaml:"key_path"`
	Port    int    `yaml:"port"`
	// EnabledPtr is a pointer because its default (true) differs from the
	// Go zero value; nil means "not set in the document, observe the host".
	EnabledPtr *bool `yaml:"enabled"`
}

// Enabled reports whether the observer should run for this host. Absent
// from the document means enabled, matching SPEC_FULL.md's Host model.
func (h HostEntry) Enabled() bool {
	return h.EnabledPtr == nil || *h.EnabledPtr
}

// Document is the structured YAML domain document: the host list, the
// proxy admin endpoint, and the static route file path. It is a
// separate, larger document from the flat env-var Config above because
// a list of hosts is naturally represented as a YAML document, not a
// set of environment variables — the same split the static route store
// makes between process config and domain data.
type Document struct {
	Hosts            []HostEntry `yaml:"hosts"`
	ProxyAdminURL    string      `yaml:"proxy_admin_url"`
	StaticRoutesPath string      `yaml:"static_routes_path"`
}

// LoadDocument reads and parses the structured YAML domain document.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config document %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config document %s: %w", path, err)
	}
	if doc.ProxyAdminURL == "" {
		return nil, fmt.Errorf("config document %s: proxy_admin_url is required", path)
	}
	seen := make(map[string]bool, len(doc.Hosts))
	for _, h := range doc.Hosts {
		if h.Alias == "" {
			return nil, fmt.Errorf("config document %s: host entry missing alias", path)
		}
		if seen[h.Alias] {
			return nil, fmt.Errorf("config document %s: duplicate host alias %q", path, h.Alias)
		}
		seen[h.Alias] = true
	}
	return &doc, nil
}
