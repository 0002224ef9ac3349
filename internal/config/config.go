// Package config loads the relay's configuration: defaults, then an optional
// YAML file with ${VAR} expansion, then environment overrides, then
// validation.
package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/TalMal-ContactMe/contact-form/internal/breaker"
	"github.com/TalMal-ContactMe/contact-form/internal/messaging"
	"github.com/TalMal-ContactMe/contact-form/internal/ratelimit"
	"github.com/TalMal-ContactMe/contact-form/internal/ws"
)

// Config is the complete relay configuration.
type Config struct {
	Server      ws.ServerConfig   `yaml:"server"`
	NATS        messaging.Config  `yaml:"nats"`
	Queues      messaging.Queues  `yaml:"queues"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Redis       RedisConfig       `yaml:"redis"`
	Database    DatabaseConfig    `yaml:"database"`
	CORS        CORSConfig        `yaml:"cors"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	FakeBackend FakeBackendConfig `yaml:"fakebackend"`
}

// BreakerConfig holds the circuit breaker tuning guarding backend calls.
type BreakerConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	FailureRatio     float64       `yaml:"failure_ratio"`
	MinRequests      uint32        `yaml:"min_requests"`
	Window           time.Duration `yaml:"window"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// Breaker converts c into a breaker.Config named name.
func (c BreakerConfig) Breaker(name string) breaker.Config {
	return breaker.Config{
		Name:             name,
		Timeout:          c.Timeout,
		FailureThreshold: c.FailureThreshold,
		FailureRatio:     c.FailureRatio,
		MinRequests:      c.MinRequests,
		Window:           c.Window,
		Cooldown:         c.Cooldown,
	}
}

// RedisConfig enables the Redis-backed rate limiter.
type RedisConfig struct {
	Enabled     bool           `yaml:"enabled"`
	Addr        string         `yaml:"addr"`
	MessageRule ratelimit.Rule `yaml:"message_rule"`
	ConnectRule ratelimit.Rule `yaml:"connect_rule"`
}

// DatabaseConfig enables the Postgres dead-letter store. An empty URL disables it.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// CORSConfig lists browser origins allowed to call the HTTP endpoints.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// FakeBackendConfig tunes the development backend simulator.
type FakeBackendConfig struct {
	QueueGroup string        `yaml:"queue_group"`
	AutoReply  bool          `yaml:"auto_reply"`
	AgentName  string        `yaml:"agent_name"`
	ReplyDelay time.Duration `yaml:"reply_delay"`
}

// Default returns the configuration used when no file or environment
// overrides are given.
func Default() Config {
	return Config{
		Server: ws.DefaultServerConfig(),
		NATS:   messaging.DefaultConfig(),
		Queues: messaging.DefaultQueues(),
		Breaker: func() BreakerConfig {
			d := breaker.DefaultConfig()
			return BreakerConfig{
				Timeout:          d.Timeout,
				FailureThreshold: d.FailureThreshold,
				FailureRatio:     d.FailureRatio,
				MinRequests:      d.MinRequests,
				Window:           d.Window,
				Cooldown:         d.Cooldown,
			}
		}(),
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			MessageRule: ratelimit.RuleMessage,
			ConnectRule: ratelimit.RuleConnect,
		},
		CORS:    CORSConfig{AllowedOrigins: []string{"http://localhost:3000"}},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		FakeBackend: FakeBackendConfig{
			QueueGroup: "fakebackend",
			AgentName:  "Support",
			ReplyDelay: time.Second,
		},
	}
}

// Load builds a Config from Default, the YAML file at path (skipped when path
// is empty) and the process environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "config: reading file")
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
			return nil, errors.Wrap(err, "config: parsing file")
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config: validating")
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or the empty
// string when it is unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyEnv overlays the well-known environment variables onto cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "config: %s", key)
		}
		*dst = n
		return nil
	}
	duration := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "config: %s", key)
		}
		*dst = d
		return nil
	}

	str("LISTEN_ADDR", &cfg.Server.ListenAddr)
	str("NATS_URL", &cfg.NATS.URL)
	str("DATABASE_URL", &cfg.Database.URL)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)

	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v, ok := lookup("ALLOWED_ORIGINS"); ok && v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.CORS.AllowedOrigins = origins
	}

	for _, err := range []error{
		integer("WORKER_POOL_SIZE", &cfg.Server.WorkerPoolSize),
		integer("MAX_CONNECTIONS", &cfg.Server.MaxConnections),
		duration("READ_TIMEOUT", &cfg.Server.ReadTimeout),
		duration("WRITE_TIMEOUT", &cfg.Server.WriteTimeout),
		duration("REQUEST_TIMEOUT", &cfg.NATS.RequestTimeout),
		duration("BREAKER_TIMEOUT", &cfg.Breaker.Timeout),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that required fields are present and values are in range.
// It reports the first problem found.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr is required")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return errors.Errorf("server.path %q must start with /", c.Server.Path)
	}
	if c.Server.ConversationKey == "" {
		return errors.New("server.conversation_key is required")
	}
	if c.Server.WorkerPoolSize <= 0 {
		return errors.New("server.worker_pool_size must be positive")
	}
	if c.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	for name, q := range map[string]string{
		"queues.start_chat":       c.Queues.StartChat,
		"queues.new_message":      c.Queues.NewMessage,
		"queues.load_chat":        c.Queues.LoadChat,
		"queues.inbound_delivery": c.Queues.InboundDelivery,
	} {
		if q == "" {
			return errors.Errorf("%s is required", name)
		}
	}
	if c.Breaker.Timeout <= 0 {
		return errors.New("breaker.timeout must be positive")
	}
	if c.Breaker.FailureRatio < 0 || c.Breaker.FailureRatio > 1 {
		return errors.Errorf("breaker.failure_ratio %v must be within [0, 1]", c.Breaker.FailureRatio)
	}
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required when redis is enabled")
		}
		for name, r := range map[string]ratelimit.Rule{
			"redis.message_rule": c.Redis.MessageRule,
			"redis.connect_rule": c.Redis.ConnectRule,
		} {
			if r.Limit <= 0 || r.Window <= 0 {
				return errors.Errorf("%s needs a positive limit and window", name)
			}
		}
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return errors.Errorf("logging.format %q must be json or console", c.Logging.Format)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return errors.Errorf("metrics.path %q must start with /", c.Metrics.Path)
	}
	return nil
}
