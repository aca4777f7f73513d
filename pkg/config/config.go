// Package config loads the fleet daemon configuration from YAML, defaults and FLEET_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-fleet/pkg/validation"
)

// Config is the full daemon configuration
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Admission AdmissionConfig `yaml:"admission"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Liveness  LivenessConfig  `yaml:"liveness"`
	Store     StoreConfig     `yaml:"store"`
	Transport TransportConfig `yaml:"transport"`
	Auth      AuthConfig      `yaml:"auth"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	HTTP      HTTPConfig      `yaml:"http"`

	// Capacity ratio overrides loaded into the OverrideRegistry at startup and on SIGHUP
	Overrides []Override `yaml:"overrides"`

	// Hypervisor types this node has a capability for
	Hypervisors []string `yaml:"hypervisors"`

	// Clusters written to the store at startup
	Clusters []ClusterSeed `yaml:"clusters"`
}

// ClusterSeed describes a cluster written to the store at startup
type ClusterSeed struct {
	ID             string `yaml:"id"`
	ZoneID         string `yaml:"zone_id"`
	HypervisorType string `yaml:"hypervisor_type"`
}

// NodeConfig identifies this management node and its peers
type NodeConfig struct {
	ID                string        `yaml:"id"`
	Addr              string        `yaml:"addr"`
	Peers             []string      `yaml:"peers"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	NodeTimeout       time.Duration `yaml:"node_timeout"`
}

// AdmissionConfig bounds concurrent add-host requests
type AdmissionConfig struct {
	Workers int `yaml:"workers"`
}

// Limit returns the add-admission serializer limit, max(1, workers/5)
func (a AdmissionConfig) Limit() int {
	return max(1, a.Workers/5)
}

// ReconnectConfig tunes reconnection sweeps
type ReconnectConfig struct {
	AllOnBoot   bool `yaml:"reconnect_all_on_boot"`
	Parallelism int  `yaml:"reconnect_parallelism"`
	PageSize    int  `yaml:"page_size"`
}

// LivenessConfig tunes the passive ping tracker
type LivenessConfig struct {
	PingTimeout   time.Duration `yaml:"ping_timeout"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// StoreConfig selects the host store backend
type StoreConfig struct {
	Driver   string `yaml:"driver"` // memory or postgres
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
}

// TransportConfig tunes the mangos transport
type TransportConfig struct {
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	CompressThreshold int           `yaml:"compress_threshold"`
	AgentPort         int           `yaml:"agent_port"`
}

// AuthConfig holds the connect-token signing key
type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
	Issuer   string        `yaml:"issuer"`
}

// ArchiveConfig enables uploading failed-add snapshots to S3
type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`

	// Static credentials; the default AWS chain is used when empty
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// MetricsConfig toggles the prometheus endpoint
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig selects level and output
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
}

// HTTPConfig is the admin API listener
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns a configuration usable for a single local node
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:                "node-1",
			Addr:              "127.0.0.1:7070",
			HeartbeatInterval: 2 * time.Second,
			NodeTimeout:       10 * time.Second,
		},
		Admission: AdmissionConfig{Workers: 10},
		Reconnect: ReconnectConfig{
			AllOnBoot:   false,
			Parallelism: 16,
			PageSize:    10000,
		},
		Liveness: LivenessConfig{
			PingTimeout:   60 * time.Second,
			CheckInterval: 10 * time.Second,
		},
		Store: StoreConfig{Driver: "memory", MaxConns: 25},
		Transport: TransportConfig{
			RequestTimeout:    30 * time.Second,
			DialTimeout:       5 * time.Second,
			CompressThreshold: 1024,
			AgentPort:         7080,
		},
		Auth: AuthConfig{
			TokenTTL: 5 * time.Minute,
			Issuer:   "cluso-fleet",
		},
		Archive: ArchiveConfig{Prefix: "failed-adds/"},
		Metrics: MetricsConfig{Enabled: true},
		Logging: LoggingConfig{Level: "info", Output: "stdout"},
		HTTP:    HTTPConfig{Listen: ":8080"},

		Hypervisors: []string{"KVM", "XenServer", "VMware"},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment overrides and validates
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section and reports all problems at once
func (c *Config) Validate() error {
	cv := validation.NewConfigValidator("config")
	cv.Required("node.id", c.Node.ID).
		Required("node.addr", c.Node.Addr).
		Positive("admission.workers", c.Admission.Workers).
		RangeInt("reconnect.reconnect_parallelism", c.Reconnect.Parallelism, 1, 1024).
		RangeInt("reconnect.page_size", c.Reconnect.PageSize, 1, 100000).
		MinDuration("liveness.ping_timeout", c.Liveness.PingTimeout, time.Second).
		MinDuration("liveness.check_interval", c.Liveness.CheckInterval, 100*time.Millisecond).
		MinDuration("node.heartbeat_interval", c.Node.HeartbeatInterval, 10*time.Millisecond).
		MinDuration("transport.request_timeout", c.Transport.RequestTimeout, 10*time.Millisecond).
		OneOf("store.driver", c.Store.Driver, []string{"memory", "postgres"}).
		OneOf("logging.level", strings.ToLower(c.Logging.Level), []string{"debug", "info", "warn", "error"}).
		Custom("node.node_timeout", func() error {
			if c.Node.NodeTimeout <= c.Node.HeartbeatInterval {
				return fmt.Errorf("must exceed heartbeat interval %v", c.Node.HeartbeatInterval)
			}
			return nil
		}).
		When(c.Store.Driver == "postgres", func(cv *validation.ConfigValidator) {
			cv.Required("store.dsn", c.Store.DSN)
		}).
		When(c.Archive.Enabled, func(cv *validation.ConfigValidator) {
			cv.Required("archive.bucket", c.Archive.Bucket)
		})

	for i, seed := range c.Clusters {
		field := fmt.Sprintf("clusters[%d]", i)
		cv.Required(field+".id", seed.ID).
			OneOf(field+".hypervisor_type", seed.HypervisorType, c.Hypervisors)
	}
	for i, o := range c.Overrides {
		cv.Custom(fmt.Sprintf("overrides[%d]", i), o.validate)
	}
	return cv.Validate()
}

type lookupFunc func(string) (string, bool)

// applyEnv overlays FLEET_* variables
func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	boolean := func(key string, dst *bool) error {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
		return nil
	}
	duration := func(key string, dst *time.Duration) error {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
		return nil
	}

	str("FLEET_NODE_ID", &c.Node.ID)
	str("FLEET_NODE_ADDR", &c.Node.Addr)
	if v, ok := lookup("FLEET_NODE_PEERS"); ok {
		c.Node.Peers = splitList(v)
	}
	str("FLEET_STORE_DRIVER", &c.Store.Driver)
	str("FLEET_STORE_DSN", &c.Store.DSN)
	str("FLEET_AUTH_SECRET", &c.Auth.Secret)
	str("FLEET_ARCHIVE_BUCKET", &c.Archive.Bucket)
	str("FLEET_ARCHIVE_REGION", &c.Archive.Region)
	str("FLEET_ARCHIVE_ENDPOINT", &c.Archive.Endpoint)
	str("FLEET_ARCHIVE_ACCESS_KEY", &c.Archive.AccessKey)
	str("FLEET_ARCHIVE_SECRET_KEY", &c.Archive.SecretKey)
	str("FLEET_LOG_LEVEL", &c.Logging.Level)
	str("FLEET_LOG_OUTPUT", &c.Logging.Output)
	str("FLEET_HTTP_LISTEN", &c.HTTP.Listen)

	for _, err := range []error{
		integer("FLEET_ADMISSION_WORKERS", &c.Admission.Workers),
		integer("FLEET_RECONNECT_PARALLELISM", &c.Reconnect.Parallelism),
		integer("FLEET_RECONNECT_PAGE_SIZE", &c.Reconnect.PageSize),
		integer("FLEET_TRANSPORT_AGENT_PORT", &c.Transport.AgentPort),
		boolean("FLEET_RECONNECT_ALL_ON_BOOT", &c.Reconnect.AllOnBoot),
		boolean("FLEET_ARCHIVE_ENABLED", &c.Archive.Enabled),
		boolean("FLEET_METRICS_ENABLED", &c.Metrics.Enabled),
		duration("FLEET_LIVENESS_PING_TIMEOUT", &c.Liveness.PingTimeout),
		duration("FLEET_TRANSPORT_REQUEST_TIMEOUT", &c.Transport.RequestTimeout),
	} {
		if err != nil {
			return fmt.Errorf("environment override: %w", err)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
