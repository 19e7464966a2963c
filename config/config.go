// Package config loads service configuration from LEDGER_* environment
// variables. Command-line flags in cmd/server override a subset of it.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/warp/balance-ledger/ledger"
	"go.uber.org/multierr"
)

const EnvPrefix = "LEDGER"

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	App      AppConfig      `envconfig:"APP"`
	DB       DBConfig       `envconfig:"DB"`
	JWT      JWTConfig      `envconfig:"JWT"`
	Password PasswordConfig `envconfig:"ARGON"`
	Redis    RedisConfig    `envconfig:"REDIS"`
	Kafka    KafkaConfig    `envconfig:"KAFKA"`

	// Embedded so its keys sit directly under the prefix: LEDGER_MAX_MOVEMENT.
	LedgerConfig
}

// Load reads the environment. Call godotenv before it to pick up a .env file.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.DB.Driver {
	case DriverSQLite:
	case DriverMemory:
		if !c.App.IsDev() {
			errs = append(errs, fmt.Errorf("the memory driver keeps nothing across restarts; it requires LEDGER_APP_ENV=dev, got %q", c.App.Env))
		}
	case DriverPostgres:
		if c.DB.DSN == "" {
			errs = append(errs, errors.New("LEDGER_DB_DSN is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown db driver %q", c.DB.Driver))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("LEDGER_JWT_SECRET is required"))
	}
	if c.JWT.TTL <= 0 {
		errs = append(errs, errors.New("LEDGER_JWT_TTL must be positive"))
	}
	if _, err := c.MaxMovementAmount(); err != nil {
		errs = append(errs, err)
	}
	return multierr.Combine(errs...)
}

type AppConfig struct {
	Env             string        `envconfig:"ENV" default:"dev"`
	Port            int           `envconfig:"PORT" default:"8080"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"json"`
	LogWarnStack    bool          `envconfig:"LOG_WARN_STACK" default:"false"`
	CORSOrigins     []string      `envconfig:"CORS_ORIGINS" default:"*"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, "dev")
}

type DBConfig struct {
	Driver          string        `envconfig:"DRIVER" default:"sqlite"`
	Path            string        `envconfig:"SQLITE_PATH" default:"ledger.db"`
	DSN             string        `envconfig:"DSN"`
	MaxOpenConns    int           `envconfig:"MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"CONN_MAX_LIFETIME" default:"1h"`
	AutoMigrate     bool          `envconfig:"AUTO_MIGRATE" default:"true"`
}

type JWTConfig struct {
	Secret string        `envconfig:"SECRET"`
	Issuer string        `envconfig:"ISSUER" default:"balance-ledger"`
	TTL    time.Duration `envconfig:"TTL" default:"24h"`
}

type PasswordConfig struct {
	MemoryKB    int `envconfig:"MEMORY_KB" default:"65536"`
	Time        int `envconfig:"ITERATIONS" default:"3"`
	Parallelism int `envconfig:"PARALLELISM" default:"2"`
	SaltLen     int `envconfig:"SALT_LEN" default:"16"`
	KeyLen      int `envconfig:"KEY_LEN" default:"32"`
}

type RedisConfig struct {
	URL            string        `envconfig:"URL"`
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
}

func (r RedisConfig) Enabled() bool { return r.URL != "" }

type KafkaConfig struct {
	Brokers []string `envconfig:"BROKERS"`
}

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

type LedgerConfig struct {
	MaxMovement   string        `envconfig:"MAX_MOVEMENT" default:"0"`
	AuditInterval time.Duration `envconfig:"AUDIT_INTERVAL" default:"1h"`
}

// MaxMovementAmount parses MaxMovement. Zero disables the limit.
func (l LedgerConfig) MaxMovementAmount() (ledger.Amount, error) {
	if l.MaxMovement == "" {
		return ledger.ZeroAmount(), nil
	}
	a, err := ledger.ParseAmount(l.MaxMovement)
	if err != nil {
		return ledger.Amount{}, fmt.Errorf("LEDGER_MAX_MOVEMENT: %w", err)
	}
	if a.IsNegative() {
		return ledger.Amount{}, fmt.Errorf("LEDGER_MAX_MOVEMENT must not be negative")
	}
	return a, nil
}
