// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the SMTP receiver.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// defaultMaxMessageSize is 25 MB in bytes.
	defaultMaxMessageSize = 26214400

	defaultMaxLineLength = 65536
	defaultReadTimeout   = 5 * time.Minute
	defaultResolver      = "8.8.8.8:53"
	defaultQueueSize     = 100
	defaultWorkers       = 4
	defaultStorePath     = "messages.db"
)

// Policy modes.
const (
	PolicyLocal        = "local"
	PolicyOrganization = "organization"
	PolicyMX           = "mx"
	PolicyAll          = "all"
)

// Provider names.
const (
	ProviderStdout = "stdout"
	ProviderMemory = "memory"
	ProviderStore  = "store"
	ProviderSES    = "ses"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP     SMTPConfig     `yaml:"smtp"`
	Policy   PolicyConfig   `yaml:"policy"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Store    StoreConfig    `yaml:"store"`
	SES      SESConfig      `yaml:"ses"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen string `yaml:"listen"`

	// Domain is advertised to clients. Empty means the machine host name.
	Domain string `yaml:"domain"`

	WelcomeMessage string `yaml:"welcome_message"`
	HeloResponse   string `yaml:"helo_response"`

	MaxMessageSize int64         `yaml:"max_message_size"`
	MaxLineLength  int           `yaml:"max_line_length"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
}

// PolicyConfig selects how recipients are accepted.
type PolicyConfig struct {
	Mode string `yaml:"mode"`

	// Domains are the accepted recipient domains. Empty means the SMTP domain.
	Domains []string `yaml:"domains"`

	// Resolver is the DNS server used by the mx mode.
	Resolver string `yaml:"resolver"`
}

// DeliveryConfig holds the delivery queue configuration.
type DeliveryConfig struct {
	Provider  string `yaml:"provider"`
	QueueSize int    `yaml:"queue_size"`
	Workers   int    `yaml:"workers"`
}

// StoreConfig holds the SQLite mailbox configuration.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// SESConfig holds AWS SES forwarding configuration.
type SESConfig struct {
	Region          string   `yaml:"region"`
	AccessKeyID     string   `yaml:"access_key_id"`
	SecretAccessKey string   `yaml:"secret_access_key"`
	Sender          string   `yaml:"sender"`
	ForwardTo       []string `yaml:"forward_to"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen string `yaml:"listen"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// Validate checks that the selected policy mode and provider are known
// and that the provider has what it needs.
func (c *Config) Validate() error {
	switch c.Policy.Mode {
	case PolicyLocal, PolicyOrganization, PolicyMX, PolicyAll:
	default:
		return fmt.Errorf("unknown policy mode %q", c.Policy.Mode)
	}

	switch c.Delivery.Provider {
	case ProviderStdout, ProviderMemory:
	case ProviderStore:
		if c.Store.Path == "" {
			return fmt.Errorf("store provider requires store.path")
		}
	case ProviderSES:
		if !c.SESConfigured() {
			return fmt.Errorf("ses provider requires SES_REGION, SES_SENDER and SES_FORWARD_TO")
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Delivery.Provider)
	}

	if c.Delivery.QueueSize <= 0 {
		return fmt.Errorf("delivery queue size must be positive, got %d", c.Delivery.QueueSize)
	}
	if c.Delivery.Workers <= 0 {
		return fmt.Errorf("delivery workers must be positive, got %d", c.Delivery.Workers)
	}
	return nil
}

// SESConfigured returns true if the region, sender and at least one
// forwarding address are set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != "" && len(c.SES.ForwardTo) > 0
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.WelcomeMessage = "220 %s Welcome to smtp-receiver-lite."
	c.SMTP.HeloResponse = "250 %s"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxLineLength = defaultMaxLineLength
	c.SMTP.ReadTimeout = defaultReadTimeout
	c.Policy.Mode = PolicyLocal
	c.Policy.Resolver = defaultResolver
	c.Delivery.Provider = ProviderStdout
	c.Delivery.QueueSize = defaultQueueSize
	c.Delivery.Workers = defaultWorkers
	c.Store.Path = defaultStorePath
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; values
// that fail to parse are ignored.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_DOMAIN"); v != "" {
		c.SMTP.Domain = v
	}
	if v := os.Getenv("SMTP_WELCOME_MESSAGE"); v != "" {
		c.SMTP.WelcomeMessage = v
	}
	if v := os.Getenv("SMTP_HELO_RESPONSE"); v != "" {
		c.SMTP.HeloResponse = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}
	if v := os.Getenv("SMTP_MAX_LINE_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SMTP.MaxLineLength = n
		}
	}
	if v := os.Getenv("SMTP_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SMTP.ReadTimeout = d
		}
	}

	if v := os.Getenv("POLICY_MODE"); v != "" {
		c.Policy.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("POLICY_DOMAINS"); v != "" {
		c.Policy.Domains = splitList(v)
	}
	if v := os.Getenv("POLICY_RESOLVER"); v != "" {
		c.Policy.Resolver = v
	}

	if v := os.Getenv("PROVIDER"); v != "" {
		c.Delivery.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("DELIVERY_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Delivery.QueueSize = n
		}
	}
	if v := os.Getenv("DELIVERY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Delivery.Workers = n
		}
	}

	if v := os.Getenv("STORE_PATH"); v != "" {
		c.Store.Path = v
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}
	if v := os.Getenv("SES_FORWARD_TO"); v != "" {
		c.SES.ForwardTo = splitList(v)
	}

	if v := os.Getenv("METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// splitList splits a comma-separated value, dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
