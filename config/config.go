/*
Package config loads the server configuration.

PURPOSE:
  One Config struct holds every setting. Command-line flags supply values
  and defaults; environment variables, when set, override them.

PRECEDENCE:
  environment > flag > default

ENVIRONMENT:
  HTTP_ADDR, STORE_DRIVER, STORE_PATH, TELEGRAM_BOT_TOKEN, ADMIN_ID,
  ADMIN_TOKEN, CATALOG_FILE, REQUEST_ID_MIN, REQUEST_ID_MAX, MIN_TOPUP, SESSION_TTL,
  SWEEP_INTERVAL, KAFKA_BROKER, KAFKA_TOPIC, OTLP_ENDPOINT,
  OTLP_URL_PATH, OTLP_AUTH_HEADER, OTLP_INSECURE, LOG_LEVEL, LOG_DEV, CORS_ORIGINS

EXAMPLES:
  ./server -store=sqlite -db=./data/shop.db -admin=123456789
  STORE_DRIVER=memory TELEGRAM_BOT_TOKEN=... ./server

SEE ALSO:
  - cmd/server/main.go: Consumes Config
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"
	DriverMemory = "memory"
)

// Config is the full server configuration.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR"`

	StoreDriver string `env:"STORE_DRIVER"`
	StorePath   string `env:"STORE_PATH"`

	BotToken string `env:"TELEGRAM_BOT_TOKEN"`
	AdminID  int64  `env:"ADMIN_ID"`

	// AdminToken guards the HTTP admin routes. Empty disables them.
	AdminToken string `env:"ADMIN_TOKEN"`

	CatalogFile string `env:"CATALOG_FILE"`

	RequestIDMin int   `env:"REQUEST_ID_MIN"`
	RequestIDMax int   `env:"REQUEST_ID_MAX"`
	MinTopup     int64 `env:"MIN_TOPUP"`

	SessionTTL    time.Duration `env:"SESSION_TTL"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL"`

	KafkaBroker string `env:"KAFKA_BROKER"`
	KafkaTopic  string `env:"KAFKA_TOPIC"`

	OTLPEndpoint   string `env:"OTLP_ENDPOINT"`
	OTLPURLPath    string `env:"OTLP_URL_PATH"`
	OTLPAuthHeader string `env:"OTLP_AUTH_HEADER"`
	OTLPInsecure   bool   `env:"OTLP_INSECURE"`

	LogLevel string `env:"LOG_LEVEL"`
	LogDev   bool   `env:"LOG_DEV"`

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`
}

// Load parses args (without the program name) and then the environment.
func Load(args []string) (Config, error) {
	var cfg Config
	var origins string

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&cfg.HTTPAddr, "addr", ":8080", "HTTP listen address")
	fs.StringVar(&cfg.StoreDriver, "store", DriverSQLite, "store driver: sqlite, file or memory")
	fs.StringVar(&cfg.StorePath, "db", "codeshop.db", "store path (sqlite database or JSON file)")
	fs.StringVar(&cfg.BotToken, "token", "", "Telegram bot token (empty disables the bot)")
	fs.Int64Var(&cfg.AdminID, "admin", 0, "administrator chat id")
	fs.StringVar(&cfg.AdminToken, "admin-token", "", "shared secret for the HTTP admin API (empty disables it)")
	fs.StringVar(&cfg.CatalogFile, "catalog", "", "catalog JSON file (empty uses the built-in catalog)")
	fs.IntVar(&cfg.RequestIDMin, "id-min", 5, "minimum request id length")
	fs.IntVar(&cfg.RequestIDMax, "id-max", 6, "maximum request id length")
	fs.Int64Var(&cfg.MinTopup, "min-topup", 1000, "minimum top-up amount")
	fs.DurationVar(&cfg.SessionTTL, "session-ttl", 30*time.Minute, "idle purchase session lifetime")
	fs.DurationVar(&cfg.SweepInterval, "sweep", time.Minute, "expired session sweep interval")
	fs.StringVar(&cfg.KafkaBroker, "kafka", "", "Kafka broker address (empty disables events)")
	fs.StringVar(&cfg.KafkaTopic, "kafka-topic", "codeshop.notifications", "Kafka topic for notification events")
	fs.StringVar(&cfg.OTLPEndpoint, "otlp", "", "OTLP/HTTP collector host:port (empty disables tracing)")
	fs.StringVar(&cfg.OTLPURLPath, "otlp-path", "/v1/traces", "OTLP/HTTP traces URL path")
	fs.StringVar(&cfg.OTLPAuthHeader, "otlp-auth", "", "Authorization header for the collector")
	fs.BoolVar(&cfg.OTLPInsecure, "otlp-insecure", false, "use plain HTTP for the collector")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level: debug, info, warn or error")
	fs.BoolVar(&cfg.LogDev, "log-dev", false, "human readable development logging")
	fs.StringVar(&origins, "cors", "", "comma separated CORS origins (empty allows any)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that have no safe fallback.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverSQLite, DriverFile:
		if c.StorePath == "" {
			errs = append(errs, fmt.Errorf("store %s needs a path", c.StoreDriver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}
	if c.HTTPAddr == "" && c.BotToken == "" {
		errs = append(errs, errors.New("nothing to serve: set an HTTP address or a bot token"))
	}
	if c.BotToken != "" && c.AdminID == 0 {
		errs = append(errs, errors.New("the bot needs an admin id"))
	}
	if c.AdminID < 0 {
		errs = append(errs, errors.New("admin id must be positive"))
	}
	if c.RequestIDMin < 1 || c.RequestIDMax < c.RequestIDMin || c.RequestIDMax > 18 {
		errs = append(errs, fmt.Errorf("request id bounds %d..%d are invalid", c.RequestIDMin, c.RequestIDMax))
	}
	if c.MinTopup < 0 {
		errs = append(errs, errors.New("minimum top-up must not be negative"))
	}
	if c.SessionTTL <= 0 || c.SweepInterval <= 0 {
		errs = append(errs, errors.New("session ttl and sweep interval must be positive"))
	}
	if c.KafkaBroker != "" && c.KafkaTopic == "" {
		errs = append(errs, errors.New("kafka broker set without a topic"))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
