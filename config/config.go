/*
Package config loads process configuration.

PRECEDENCE (later wins):
  1. built-in defaults
  2. .env file in the working directory (optional)
  3. process environment
  4. command-line flags (-port, -db)

KEYS:
  PORT                         HTTP port (8080)
  DB_PATH                      SQLite path, ":memory:" for ephemeral (settlement.db)
  REDIS_ADDR                   enables the Redis contract lock when set
  REDIS_PASSWORD, REDIS_DB     Redis credentials and database number
  LOCK_TTL                     Redis lock expiry (30s)
  VERIFY_SCHEDULE              cron spec for verification runs (@every 30s)
  VERIFY_MAX_RETRIES           attempts before an event is given up (3)
  VERIFY_RETRY_BACKOFF         wait after the first failed attempt, doubling (10s)
  VERIFY_BATCH_SIZE            events per run (500)
  VERIFY_WORKERS               contracts processed in parallel (4)
  COMMISSION_REQUIRED_PAYMENTS client payments a commission waits for (2)
  COMMISSION_PERIOD            sales-count period: month|quarter|calendar_year
  LOG_LEVEL                    debug|info|warn|error (info)
  LOG_FORMAT                   text|json (text)
  CORS_ORIGINS                 comma-separated allowed origins (*)
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

type Config struct {
	Port   int
	DBPath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration

	VerifySchedule   string
	VerifyMaxRetries   int
	VerifyRetryBackoff time.Duration
	VerifyBatchSize    int
	VerifyWorkers      int

	RequiredPayments int
	CommissionPeriod string

	LogLevel    string
	LogFormat   string
	CORSOrigins []string
}

func Default() Config {
	return Config{
		Port:               8080,
		DBPath:             "settlement.db",
		LockTTL:            30 * time.Second,
		VerifySchedule:     "@every 30s",
		VerifyMaxRetries:   3,
		VerifyRetryBackoff: 10 * time.Second,
		VerifyBatchSize:    500,
		VerifyWorkers:      4,
		RequiredPayments:   2,
		CommissionPeriod:   "month",
		LogLevel:           "info",
		LogFormat:          "text",
		CORSOrigins:        []string{"*"},
	}
}

// Load reads .env, the environment and then args (without the program name).
func Load(args []string) (Config, error) {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return parse(os.LookupEnv, args)
}

func parse(lookup func(string) (string, bool), args []string) (Config, error) {
	cfg := Default()
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	num("PORT", &cfg.Port)
	str("DB_PATH", &cfg.DBPath)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	num("REDIS_DB", &cfg.RedisDB)
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	dur("LOCK_TTL", &cfg.LockTTL)
	str("VERIFY_SCHEDULE", &cfg.VerifySchedule)
	num("VERIFY_MAX_RETRIES", &cfg.VerifyMaxRetries)
	dur("VERIFY_RETRY_BACKOFF", &cfg.VerifyRetryBackoff)
	num("VERIFY_BATCH_SIZE", &cfg.VerifyBatchSize)
	num("VERIFY_WORKERS", &cfg.VerifyWorkers)
	num("COMMISSION_REQUIRED_PAYMENTS", &cfg.RequiredPayments)
	str("COMMISSION_PERIOD", &cfg.CommissionPeriod)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	if v, ok := lookup("CORS_ORIGINS"); ok && v != "" {
		cfg.CORSOrigins = splitList(v)
	}

	fs := flag.NewFlagSet("settlement", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	if err := fs.Parse(args); err != nil {
		errs = append(errs, err)
	}

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate checks ranges and the cron spec.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH is empty"))
	}
	if _, err := cron.ParseStandard(c.VerifySchedule); err != nil {
		errs = append(errs, fmt.Errorf("VERIFY_SCHEDULE %q: %w", c.VerifySchedule, err))
	}
	if c.VerifyMaxRetries < 1 {
		errs = append(errs, errors.New("VERIFY_MAX_RETRIES must be at least 1"))
	}
	if c.VerifyRetryBackoff < 0 {
		errs = append(errs, errors.New("VERIFY_RETRY_BACKOFF cannot be negative"))
	}
	if c.VerifyWorkers < 1 {
		errs = append(errs, errors.New("VERIFY_WORKERS must be at least 1"))
	}
	if c.RequiredPayments < 0 {
		errs = append(errs, errors.New("COMMISSION_REQUIRED_PAYMENTS cannot be negative"))
	}
	if c.LockTTL <= 0 {
		errs = append(errs, errors.New("LOCK_TTL must be positive"))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.LogLevel)}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
