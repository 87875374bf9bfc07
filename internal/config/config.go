package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/agentworkforce/deeplinks/internal/matching"
)

// Config is the deeplinks server configuration, read from DEEPLINKS_*
// environment variables.
type Config struct {
	Addr            string        `env:"DEEPLINKS_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"DEEPLINKS_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	MaxBodyBytes    int64         `env:"DEEPLINKS_MAX_BODY_BYTES" envDefault:"1048576"`
	LogLevel        string        `env:"DEEPLINKS_LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"DEEPLINKS_LOG_FORMAT" envDefault:"json"`
	ServiceName     string        `env:"DEEPLINKS_SERVICE_NAME" envDefault:"deeplinks"`

	StoreDSN        string        `env:"DEEPLINKS_STORE_DSN"`
	BackendProfile  string        `env:"DEEPLINKS_BACKEND_PROFILE"`
	ProductionDSN   string        `env:"DEEPLINKS_PRODUCTION_DSN"`
	PostgresDSN     string        `env:"DEEPLINKS_POSTGRES_DSN"`
	RedisURL        string        `env:"DEEPLINKS_REDIS_URL"`
	JanitorInterval time.Duration `env:"DEEPLINKS_JANITOR_INTERVAL" envDefault:"10m"`

	Providers      []string      `env:"DEEPLINKS_PROVIDERS" envSeparator:"," envDefault:"wolt,tenbis,mishloha"`
	TopN           int           `env:"DEEPLINKS_TOP_N" envDefault:"5"`
	MaxWorkers     int           `env:"DEEPLINKS_MAX_WORKERS" envDefault:"4"`
	QueueSize      int           `env:"DEEPLINKS_QUEUE_SIZE" envDefault:"256"`
	CandidateLimit int           `env:"DEEPLINKS_CANDIDATE_LIMIT" envDefault:"5"`
	FoundTTL       time.Duration `env:"DEEPLINKS_FOUND_TTL" envDefault:"336h"`
	NotFoundTTL    time.Duration `env:"DEEPLINKS_NOT_FOUND_TTL" envDefault:"24h"`
	LockTTL        time.Duration `env:"DEEPLINKS_LOCK_TTL" envDefault:"60s"`
	WorkerTimeout  time.Duration `env:"DEEPLINKS_WORKER_TIMEOUT" envDefault:"25s"`
	StoreTimeout   time.Duration `env:"DEEPLINKS_STORE_TIMEOUT" envDefault:"2s"`
	CitySlugFile   string        `env:"DEEPLINKS_CITY_SLUG_FILE"`

	PatchChannel string        `env:"DEEPLINKS_PATCH_CHANNEL" envDefault:"enrichment"`
	BacklogTTL   time.Duration `env:"DEEPLINKS_BACKLOG_TTL" envDefault:"60s"`
	BacklogMax   int           `env:"DEEPLINKS_BACKLOG_MAX" envDefault:"64"`
	WSOrigins    []string      `env:"DEEPLINKS_WS_ORIGINS" envSeparator:","`

	SearchBaseURL    string        `env:"DEEPLINKS_SEARCH_BASE_URL" envDefault:"https://google.serper.dev"`
	SearchAPIKey     string        `env:"DEEPLINKS_SEARCH_API_KEY"`
	SearchMaxRetries int           `env:"DEEPLINKS_SEARCH_MAX_RETRIES" envDefault:"2"`
	SearchTimeout    time.Duration `env:"DEEPLINKS_SEARCH_TIMEOUT" envDefault:"10s"`

	KafkaBrokers     []string `env:"DEEPLINKS_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic       string   `env:"DEEPLINKS_KAFKA_TOPIC" envDefault:"deeplinks.patches"`
	KafkaGroupPrefix string   `env:"DEEPLINKS_KAFKA_GROUP_PREFIX" envDefault:"deeplinks"`

	InternalHMACSecret string        `env:"DEEPLINKS_INTERNAL_HMAC_SECRET"`
	InternalMaxSkew    time.Duration `env:"DEEPLINKS_INTERNAL_MAX_SKEW" envDefault:"5m"`
	AdminToken         string        `env:"DEEPLINKS_ADMIN_TOKEN"`

	OTelEndpoint string `env:"DEEPLINKS_OTEL_ENDPOINT"`
	OTelEnabled  bool   `env:"DEEPLINKS_OTEL_ENABLED" envDefault:"true"`
}

// Load parses the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFromMap parses vars instead of the process environment.
func LoadFromMap(vars map[string]string) (Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.TopN <= 0 {
		errs = append(errs, errors.New("DEEPLINKS_TOP_N must be positive"))
	}
	if c.MaxWorkers <= 0 {
		errs = append(errs, errors.New("DEEPLINKS_MAX_WORKERS must be positive"))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, errors.New("DEEPLINKS_QUEUE_SIZE must be positive"))
	}
	if c.FoundTTL <= 0 || c.NotFoundTTL <= 0 || c.LockTTL <= 0 {
		errs = append(errs, errors.New("cache and lock TTLs must be positive"))
	}
	if c.WorkerTimeout <= 0 || c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("DEEPLINKS_WORKER_TIMEOUT and DEEPLINKS_STORE_TIMEOUT must be positive"))
	}
	// A job holds its lock through the lookup and three store calls.
	if c.LockTTL > 0 && c.LockTTL <= c.WorkerTimeout+3*c.StoreTimeout {
		errs = append(errs, fmt.Errorf("DEEPLINKS_LOCK_TTL %s must exceed DEEPLINKS_WORKER_TIMEOUT plus 3x DEEPLINKS_STORE_TIMEOUT (%s)",
			c.LockTTL, c.WorkerTimeout+3*c.StoreTimeout))
	}
	if _, err := c.ProviderIDs(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ResolveStoreDSN(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ProviderIDs returns the enabled providers. An explicitly empty list
// disables enrichment.
func (c Config) ProviderIDs() ([]matching.ProviderID, error) {
	out := make([]matching.ProviderID, 0, len(c.Providers))
	seen := map[matching.ProviderID]bool{}
	for _, raw := range c.Providers {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		id, err := matching.ParseProviderID(raw)
		if err != nil {
			return nil, fmt.Errorf("DEEPLINKS_PROVIDERS: %w", err)
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

// ResolveStoreDSN picks the cache and lock store. An explicit
// DEEPLINKS_STORE_DSN wins over the backend profile.
func (c Config) ResolveStoreDSN() (string, error) {
	if dsn := strings.TrimSpace(c.StoreDSN); dsn != "" {
		return dsn, nil
	}
	profile := strings.ToLower(strings.TrimSpace(c.BackendProfile))
	switch profile {
	case "", "custom", "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		for _, dsn := range []string{c.ProductionDSN, c.PostgresDSN, c.RedisURL} {
			if dsn = strings.TrimSpace(dsn); dsn != "" {
				return dsn, nil
			}
		}
		return "", fmt.Errorf("DEEPLINKS_PRODUCTION_DSN, DEEPLINKS_POSTGRES_DSN or DEEPLINKS_REDIS_URL is required when DEEPLINKS_BACKEND_PROFILE=%s", profile)
	default:
		return "", fmt.Errorf("unsupported DEEPLINKS_BACKEND_PROFILE: %s", profile)
	}
}

// KafkaEnabled reports whether patches fan out through Kafka.
func (c Config) KafkaEnabled() bool {
	for _, broker := range c.KafkaBrokers {
		if strings.TrimSpace(broker) != "" {
			return true
		}
	}
	return false
}

// TracingEnabled reports whether spans are exported.
func (c Config) TracingEnabled() bool {
	return c.OTelEnabled && strings.TrimSpace(c.OTelEndpoint) != ""
}

// Exitf writes a formatted error message to stderr and exits with code 1.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
