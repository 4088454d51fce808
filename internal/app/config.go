package app

import (
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"

	"github.com/xenking/soda-storefront/internal/events"
	"github.com/xenking/soda-storefront/internal/mpesa"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (STORE_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	ServiceName string `default:"storefront-api" usage:"Service name used in telemetry and event envelopes" flag:"service-name"`
	Storage     StorageConfig
	Redis       RedisConfig
	Kafka       events.Config
	Session     SessionConfig
	Mpesa       mpesa.Config
	Orders      OrdersConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// StorageConfig selects and configures the persistent store.
type StorageConfig struct {
	Driver      string `default:"postgres" usage:"Storage driver: postgres or memory"`
	DatabaseURL string `usage:"PostgreSQL connection URL (STORE_STORAGE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Migrate     bool   `default:"true" usage:"Apply embedded migrations on startup"`
}

// RedisConfig configures the status cache and callback log. Both are
// disabled when Addr is empty.
type RedisConfig struct {
	Addr        string        `usage:"Redis address or redis:// URL (REDIS_URL)"`
	StatusTTL   time.Duration `default:"5m" usage:"Lifetime of cached order statuses"`
	CallbackTTL time.Duration `default:"48h" usage:"How long processed callbacks are remembered"`
}

// SessionConfig configures session tokens and the session cookie.
type SessionConfig struct {
	Secret       string        `usage:"HMAC secret for session tokens (JWT_SECRET)"`
	TTL          time.Duration `default:"168h" usage:"Session token lifetime"`
	CookieName   string        `default:"auth_token" usage:"Session cookie name"`
	SecureCookie bool          `default:"false" usage:"Mark the session cookie Secure" flag:"secure-cookie"`
}

// OrdersConfig controls the order and payment flow.
type OrdersConfig struct {
	HoldTTL          time.Duration `default:"15m" usage:"How long an unpaid order holds stock"`
	ManualCompletion bool          `default:"true" usage:"Allow completing orders without a provider confirmation" flag:"manual-completion"`
	Description      string        `default:"Supermarket Purchase" usage:"Transaction description sent with payment prompts"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads a .env file when present, then configuration from
// environment variables and YAML config files, and applies platform defaults.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}

	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "STORE",
		SkipFlags: true,
		Files:     []string{"config.yaml", "/etc/storefront/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings every deployment needs.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("database URL is required: set STORE_STORAGE_DATABASE_URL or DATABASE_URL")
		}
	case DriverMemory:
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Session.Secret == "" {
		return errors.New("session secret is required: set STORE_SESSION_SECRET or JWT_SECRET")
	}
	return nil
}

// applyPlatformDefaults maps the conventional environment variable names used
// by hosting platforms and the provider's documentation to the STORE_
// configuration, without overriding explicit settings.
func (c *Config) applyPlatformDefaults() {
	fallback := func(dst *string, env string) {
		if *dst != "" {
			return
		}
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	fallback(&c.Storage.DatabaseURL, "DATABASE_URL")
	fallback(&c.Redis.Addr, "REDIS_URL")
	fallback(&c.Session.Secret, "JWT_SECRET")
	fallback(&c.Mpesa.ConsumerKey, "MPESA_CONSUMER_KEY")
	fallback(&c.Mpesa.ConsumerSecret, "MPESA_CONSUMER_SECRET")
	fallback(&c.Mpesa.PassKey, "MPESA_PASSKEY")
	fallback(&c.Mpesa.ShortCode, "MPESA_SHORTCODE")
	fallback(&c.Mpesa.CallbackURL, "MPESA_CALLBACK_URL")

	if env := os.Getenv("MPESA_ENVIRONMENT"); env != "" && c.Mpesa.Environment == "sandbox" {
		c.Mpesa.Environment = env
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" && len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
