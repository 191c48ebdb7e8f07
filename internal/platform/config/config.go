// Package config loads the service configuration from an optional TOML file
// overlaid with ACCREDIT_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "ACCREDIT_"

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Database     DatabaseConfig     `koanf:"database"`
	Redis        RedisConfig        `koanf:"redis"`
	Kafka        KafkaConfig        `koanf:"kafka"`
	Certificates CertificatesConfig `koanf:"certificates"`
	Verification VerificationConfig `koanf:"verification"`
	Credentials  CredentialsConfig  `koanf:"credentials"`
	Forum        ForumConfig        `koanf:"forum"`
	Retirement   RetirementConfig   `koanf:"retirement"`
	Tasks        TasksConfig        `koanf:"tasks"`
	Catalog      CatalogConfig      `koanf:"catalog"`
	Outbox       OutboxConfig       `koanf:"outbox"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// DatabaseConfig selects the store backend. An empty DSN runs every store
// in memory.
type DatabaseConfig struct {
	DSN          string        `koanf:"dsn"`
	Driver       string        `koanf:"driver" validate:"oneof=postgres pgx"`
	MaxOpenConns int           `koanf:"max_open_conns"`
	MaxIdleConns int           `koanf:"max_idle_conns"`
	ConnMaxLife  time.Duration `koanf:"conn_max_life"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type KafkaConfig struct {
	Brokers           []string `koanf:"brokers"`
	EventsTopic       string   `koanf:"events_topic"`
	GradesTopic       string   `koanf:"grades_topic"`
	VerificationTopic string   `koanf:"verification_topic"`
	ConsumerGroup     string   `koanf:"consumer_group"`
}

type CertificatesConfig struct {
	AutoCertGenEnabled bool          `koanf:"auto_cert_gen_enabled"`
	HTMLCertsEnabled   bool          `koanf:"html_certs_enabled"`
	EvaluationTimeout  time.Duration `koanf:"evaluation_timeout"`
}

type VerificationConfig struct {
	DaysGoodFor            int    `koanf:"days_good_for" validate:"gt=0"`
	ExpiringSoonWindowDays int    `koanf:"expiring_soon_window_days" validate:"gte=0"`
	AccessKey              string `koanf:"access_key"`
	SecretKey              string `koanf:"secret_key"`
	// ExpiringSoonSchedule is the cron spec for the expiring-soon notice sweep.
	ExpiringSoonSchedule string `koanf:"expiring_soon_schedule"`
	// VendorURL is the photo-verification vendor endpoint. Empty leaves
	// submissions in submitted until an operator forwards them.
	VendorURL     string        `koanf:"vendor_url" validate:"omitempty,url"`
	VendorTimeout time.Duration `koanf:"vendor_timeout"`
	// CallbackURL is where the vendor posts its verdicts.
	CallbackURL string `koanf:"callback_url" validate:"omitempty,url"`
}

type CredentialsConfig struct {
	Enabled                     bool          `koanf:"enabled"`
	BaseURL                     string        `koanf:"base_url" validate:"omitempty,url"`
	ServiceUsername             string        `koanf:"service_username"`
	JWTSecret                   string        `koanf:"jwt_secret"`
	JWTIssuer                   string        `koanf:"jwt_issuer"`
	Timeout                     time.Duration `koanf:"timeout"`
	RetryMax                    int           `koanf:"retry_max" validate:"gte=0"`
	ProgramsWithoutCertificates []string      `koanf:"programs_without_certificates"`
	BreakerFailureThreshold     int           `koanf:"breaker_failure_threshold"`
}

type ForumConfig struct {
	BaseURL string        `koanf:"base_url" validate:"omitempty,url"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout"`
}

type RetirementConfig struct {
	UsernameFormat string            `koanf:"username_format" validate:"contains={}"`
	EmailFormat    string            `koanf:"email_format" validate:"contains={}"`
	Salts          []string          `koanf:"salts" validate:"min=1"`
	States         []RetirementState `koanf:"states"`
}

type RetirementState struct {
	Name     string `koanf:"name"`
	Order    int    `koanf:"order"`
	DeadEnd  bool   `koanf:"dead_end"`
	Required bool   `koanf:"required"`
}

type TasksConfig struct {
	Workers       int           `koanf:"workers" validate:"gt=0"`
	PollInterval  time.Duration `koanf:"poll_interval"`
	Lease         time.Duration `koanf:"lease"`
	ReapSchedule  string        `koanf:"reap_schedule"`
	HandlerBudget time.Duration `koanf:"handler_budget"`
}

type CatalogConfig struct {
	CacheTTL time.Duration `koanf:"cache_ttl"`
	SeedFile string        `koanf:"seed_file"`
}

type OutboxConfig struct {
	Interval      time.Duration `koanf:"interval"`
	BatchSize     int           `koanf:"batch_size"`
	Retention     time.Duration `koanf:"retention"`
	PurgeSchedule string        `koanf:"purge_schedule"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Addr: ":8080", ShutdownTimeout: 15 * time.Second},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{Driver: "postgres", MaxOpenConns: 20, MaxIdleConns: 5, ConnMaxLife: 30 * time.Minute},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka: KafkaConfig{
			EventsTopic:       "accredit.events",
			GradesTopic:       "accredit.grades",
			VerificationTopic: "accredit.verifications",
			ConsumerGroup:     "accredit",
		},
		Certificates: CertificatesConfig{
			AutoCertGenEnabled: true,
			HTMLCertsEnabled:   true,
			EvaluationTimeout:  5 * time.Second,
		},
		Verification: VerificationConfig{
			DaysGoodFor:            365,
			ExpiringSoonWindowDays: 28,
			ExpiringSoonSchedule:   "@daily",
			VendorTimeout:          10 * time.Second,
		},
		Credentials: CredentialsConfig{
			Enabled:                 true,
			ServiceUsername:         "credentials_service_user",
			JWTIssuer:               "accredit",
			Timeout:                 10 * time.Second,
			RetryMax:                11,
			BreakerFailureThreshold: 5,
		},
		Forum: ForumConfig{Timeout: 10 * time.Second},
		Retirement: RetirementConfig{
			UsernameFormat: "retired__user_{}",
			EmailFormat:    "retired__user_{}@retired.invalid",
			Salts:          []string{"default-retirement-salt"},
		},
		Tasks: TasksConfig{
			Workers:       4,
			PollInterval:  time.Second,
			Lease:         2 * time.Minute,
			ReapSchedule:  "@every 1m",
			HandlerBudget: 30 * time.Second,
		},
		Catalog: CatalogConfig{CacheTTL: 5 * time.Minute},
		Outbox: OutboxConfig{
			Interval:      500 * time.Millisecond,
			BatchSize:     100,
			Retention:     7 * 24 * time.Hour,
			PurgeSchedule: "@hourly",
		},
	}
}

// Load reads .env (when present), the optional TOML file at path and then
// ACCREDIT_ environment variables. A double underscore in a variable name is
// a literal underscore: ACCREDIT_CREDENTIALS_BASE__URL -> credentials.base_url.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
}

var validate = validator.New()

// Validate checks struct constraints plus cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Credentials.Enabled && c.Credentials.BaseURL != "" && c.Credentials.JWTSecret == "" {
		return errors.New("credentials.jwt_secret is required when credentials.base_url is set")
	}
	if c.Verification.AccessKey != "" && c.Verification.SecretKey == "" {
		return errors.New("verification.secret_key is required when verification.access_key is set")
	}
	seen := make(map[int]string, len(c.Retirement.States))
	for _, st := range c.Retirement.States {
		if st.Name == "" {
			return errors.New("retirement.states: name is required")
		}
		if prev, ok := seen[st.Order]; ok {
			return fmt.Errorf("retirement.states: %s and %s share order %d", prev, st.Name, st.Order)
		}
		seen[st.Order] = st.Name
	}
	return nil
}

// ExpiringSoonWindow returns the verification expiring-soon window as a duration.
func (c VerificationConfig) ExpiringSoonWindow() time.Duration {
	return time.Duration(c.ExpiringSoonWindowDays) * 24 * time.Hour
}

// GoodFor returns how long an approved verification stays valid.
func (c VerificationConfig) GoodFor() time.Duration {
	return time.Duration(c.DaysGoodFor) * 24 * time.Hour
}

// Holder publishes an immutable configuration snapshot to concurrent readers.
// Readers never observe a partially updated config.
type Holder struct {
	p atomic.Pointer[Config]
}

func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.p.Store(cfg)
	return h
}

func (h *Holder) Get() *Config { return h.p.Load() }

// Swap installs a new snapshot after validating it.
func (h *Holder) Swap(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	h.p.Store(cfg)
	return nil
}
