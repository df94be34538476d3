/*
Package config loads service configuration.

PURPOSE:
  One Config value drives cmd/server: HTTP address, persistence, remote
  mirroring, event publishing, mileage lookups, the end-of-day scheduler,
  logging and the billing timezone.

SOURCES (later wins):
  1. Default()
  2. TOML file passed with --config
  3. .env in the working directory (loaded into the process environment)
  4. CLAIMS_BILLING_* environment variables

EXAMPLE (claims-billing.toml):
  [server]
  addr = ":8080"

  [store]
  driver = "sqlite"
  path = "./data/billing.db"

  [mirror]
  enabled = true
  bucket = "acme-billing-backups"

  [mileage]
  provider = "http"
  url = "https://distance.internal/roundtrip"
  timeout = "10s"

  [engine]
  timezone = "America/New_York"
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/claims-billing/generic"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CLAIMS_BILLING_"

// Duration decodes TOML strings such as "10s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Store     StoreConfig     `toml:"store"`
	Mirror    MirrorConfig    `toml:"mirror"`
	Events    EventsConfig    `toml:"events"`
	Mileage   MileageConfig   `toml:"mileage"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Log       LogConfig       `toml:"log"`
	Engine    EngineConfig    `toml:"engine"`
}

type ServerConfig struct {
	Addr            string   `toml:"addr"`
	AllowedOrigins  []string `toml:"allowed_origins"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type StoreConfig struct {
	Driver string `toml:"driver"` // sqlite | memory
	Path   string `toml:"path"`
}

type MirrorConfig struct {
	Enabled         bool     `toml:"enabled"`
	Bucket          string   `toml:"bucket"`
	Object          string   `toml:"object"`
	CredentialsJSON string   `toml:"credentials_json"`
	Timeout         Duration `toml:"timeout"`
}

type EventsConfig struct {
	PubSubEnabled   bool   `toml:"pubsub_enabled"`
	ProjectID       string `toml:"project_id"`
	Topic           string `toml:"topic"`
	CredentialsJSON string `toml:"credentials_json"`
}

type MileageConfig struct {
	Provider       string   `toml:"provider"` // none | http | table
	URL            string   `toml:"url"`
	APIKey         string   `toml:"api_key"`
	Timeout        Duration `toml:"timeout"`
	EstimatedMiles string   `toml:"estimated_miles"`
	TableFile      string   `toml:"table_file"`
}

type SchedulerConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval Duration `toml:"interval"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text | json
}

type EngineConfig struct {
	Timezone string `toml:"timezone"`
}

// Default returns a configuration that runs locally with no cloud services.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Store: StoreConfig{Driver: "sqlite", Path: "./data/billing.db"},
		Mirror: MirrorConfig{
			Object:  "claims-billing/snapshot.json",
			Timeout: Duration{30 * time.Second},
		},
		Events:    EventsConfig{Topic: "claims-billing-events"},
		Mileage:   MileageConfig{Provider: "none", Timeout: Duration{10 * time.Second}, EstimatedMiles: "50"},
		Scheduler: SchedulerConfig{Interval: Duration{15 * time.Minute}},
		Log:       LogConfig{Level: "info", Format: "text"},
		Engine:    EngineConfig{Timezone: "UTC"},
	}
}

// Load builds a Config from defaults, the optional TOML file at path, .env
// and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read .env: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CLAIMS_BILLING_* variables found by lookup.
// The GCS_CREDENTIALS_JSON and PUBSUB_CREDENTIALS_JSON variables are also honored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	var errs []error
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *Duration) {
		if v, ok := lookup(name); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}

	str(EnvPrefix+"ADDR", &c.Server.Addr)
	if v, ok := lookup(EnvPrefix + "ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = splitList(v)
	}
	str(EnvPrefix+"STORE_DRIVER", &c.Store.Driver)
	str(EnvPrefix+"STORE_PATH", &c.Store.Path)

	boolean(EnvPrefix+"MIRROR_ENABLED", &c.Mirror.Enabled)
	str(EnvPrefix+"MIRROR_BUCKET", &c.Mirror.Bucket)
	str(EnvPrefix+"MIRROR_OBJECT", &c.Mirror.Object)
	str("GCS_CREDENTIALS_JSON", &c.Mirror.CredentialsJSON)

	boolean(EnvPrefix+"PUBSUB_ENABLED", &c.Events.PubSubEnabled)
	str(EnvPrefix+"PUBSUB_PROJECT_ID", &c.Events.ProjectID)
	str(EnvPrefix+"PUBSUB_TOPIC", &c.Events.Topic)
	str("PUBSUB_CREDENTIALS_JSON", &c.Events.CredentialsJSON)

	str(EnvPrefix+"MILEAGE_PROVIDER", &c.Mileage.Provider)
	str(EnvPrefix+"MILEAGE_URL", &c.Mileage.URL)
	str(EnvPrefix+"MILEAGE_API_KEY", &c.Mileage.APIKey)
	duration(EnvPrefix+"MILEAGE_TIMEOUT", &c.Mileage.Timeout)
	str(EnvPrefix+"MILEAGE_TABLE_FILE", &c.Mileage.TableFile)
	str(EnvPrefix+"ESTIMATED_MILES", &c.Mileage.EstimatedMiles)

	boolean(EnvPrefix+"SCHEDULER_ENABLED", &c.Scheduler.Enabled)
	duration(EnvPrefix+"SCHEDULER_INTERVAL", &c.Scheduler.Interval)

	str(EnvPrefix+"LOG_LEVEL", &c.Log.Level)
	str(EnvPrefix+"LOG_FORMAT", &c.Log.Format)
	str(EnvPrefix+"TIMEZONE", &c.Engine.Timezone)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite or memory, got %q", c.Store.Driver))
	}
	if c.Mirror.Enabled && c.Mirror.Bucket == "" {
		errs = append(errs, errors.New("mirror.bucket is required when mirroring is enabled"))
	}
	if c.Events.PubSubEnabled && (c.Events.ProjectID == "" || c.Events.Topic == "") {
		errs = append(errs, errors.New("events.project_id and events.topic are required when pubsub is enabled"))
	}

	switch c.Mileage.Provider {
	case "", "none":
	case "http":
		if c.Mileage.URL == "" {
			errs = append(errs, errors.New("mileage.url is required for the http provider"))
		}
	case "table":
		if c.Mileage.TableFile == "" {
			errs = append(errs, errors.New("mileage.table_file is required for the table provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("mileage.provider must be none, http or table, got %q", c.Mileage.Provider))
	}
	if _, err := c.EstimatedMiles(); err != nil {
		errs = append(errs, err)
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval.Duration <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Location resolves engine.timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Engine.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return nil, fmt.Errorf("engine.timezone: %w", err)
	}
	return loc, nil
}

// EstimatedMiles parses mileage.estimated_miles.
func (c Config) EstimatedMiles() (decimal.Decimal, error) {
	d, err := generic.ParseNonNegative(c.Mileage.EstimatedMiles)
	if err != nil {
		return decimal.Zero, fmt.Errorf("mileage.estimated_miles must be a non-negative number, got %q", c.Mileage.EstimatedMiles)
	}
	return d, nil
}

// NewLogger builds the process logger from the [log] section.
func NewLogger(c LogConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(os.Stderr)
	if c.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}
