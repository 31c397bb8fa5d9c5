package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	defaultAppName         = "TradeLedger"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultKafkaGroup      = "tradeledger"
	defaultCommandTopic    = "engine.commands"
	defaultCallbackTopic   = "engine.callbacks"
	defaultDeadLetterTopic = "engine.commands.dlq"
	defaultSweepSchedule   = "@every 1m"
	defaultRelaySchedule   = "@every 5s"
	defaultOutboxAttempts  = 8
	defaultOutboxBackoff   = 10 * time.Second
	defaultSweepBatch      = 100
	defaultWithdrawRetries = 3
	idemTTLSecondsEnvVar   = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar       = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
)

// TradeTimeouts are the wall-clock deadlines enforced by the trade sweep.
type TradeTimeouts struct {
	Awaiting           time.Duration
	Unpaid             time.Duration
	Paid               time.Duration
	Disputed           time.Duration
	AutoResolveAfter   time.Duration
	AutoResolveDispute bool
}

// DepositWindows are the wall-clock deadlines enforced by the fiat deposit sweep.
type DepositWindows struct {
	Pending      time.Duration
	Verification time.Duration
	Ownership    time.Duration
}

// FeeRule is a proportional fee with a floor, expressed in the fee currency.
type FeeRule struct {
	Ratio   decimal.Decimal
	Minimum decimal.Decimal
}

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	MigrationsDir  string
	RedisURL       string
	AdminToken     string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	KafkaBrokers    []string
	KafkaGroupID    string
	CommandTopic    string
	CallbackTopic   string
	DeadLetterTopic string

	SweepSchedule  string
	RelaySchedule  string
	SweepBatchSize int
	OutboxAttempts int
	OutboxBackoff  time.Duration

	Trade              TradeTimeouts
	Deposit            DepositWindows
	WithdrawMaxRetries int
	FiatFees           map[string]FeeRule
}

// Load reads configuration values from the environment and populates a Config instance.
// A .env file in the working directory is honoured when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	cfg.AppName = getEnv("APP_NAME", defaultAppName)
	cfg.AppEnv = getEnv("APP_ENV", defaultAppEnv)
	cfg.Port = getEnv("PORT", defaultPort)
	cfg.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel))
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.MigrationsDir = os.Getenv("MIGRATIONS_DIR")
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	cfg.KafkaBrokers = splitList(os.Getenv("KAFKA_BROKERS"))
	cfg.KafkaGroupID = getEnv("KAFKA_GROUP_ID", defaultKafkaGroup)
	cfg.CommandTopic = getEnv("ENGINE_COMMAND_TOPIC", defaultCommandTopic)
	cfg.CallbackTopic = getEnv("ENGINE_CALLBACK_TOPIC", defaultCallbackTopic)
	cfg.DeadLetterTopic = getEnv("ENGINE_DEAD_LETTER_TOPIC", defaultDeadLetterTopic)
	cfg.SweepSchedule = getEnv("SWEEP_SCHEDULE", defaultSweepSchedule)
	cfg.RelaySchedule = getEnv("RELAY_SCHEDULE", defaultRelaySchedule)

	if v := os.Getenv(shutdownSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownSecondsEnvVar, err)
		}
		cfg.ShutdownPeriod = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(shutdownDurationEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownDurationEnvVar, err)
		}
		cfg.ShutdownPeriod = d
	}

	if v := os.Getenv(idemTTLSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", idemTTLSecondsEnvVar, err)
		}
		cfg.IdempotencyTTL = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(idemTTLDurEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", idemTTLDurEnvVar, err)
		}
		cfg.IdempotencyTTL = d
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"TRADE_AWAITING_TIMEOUT", &cfg.Trade.Awaiting},
		{"TRADE_UNPAID_TIMEOUT", &cfg.Trade.Unpaid},
		{"TRADE_PAID_TIMEOUT", &cfg.Trade.Paid},
		{"TRADE_DISPUTE_TIMEOUT", &cfg.Trade.Disputed},
		{"TRADE_DISPUTE_AUTO_RESOLVE_AFTER", &cfg.Trade.AutoResolveAfter},
		{"DEPOSIT_PENDING_WINDOW", &cfg.Deposit.Pending},
		{"DEPOSIT_VERIFICATION_WINDOW", &cfg.Deposit.Verification},
		{"DEPOSIT_OWNERSHIP_WINDOW", &cfg.Deposit.Ownership},
		{"OUTBOX_BACKOFF", &cfg.OutboxBackoff},
	}
	for _, d := range durations {
		if err := parseDuration(d.key, d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"SWEEP_BATCH_SIZE", &cfg.SweepBatchSize},
		{"OUTBOX_MAX_ATTEMPTS", &cfg.OutboxAttempts},
		{"WITHDRAW_MAX_RETRIES", &cfg.WithdrawMaxRetries},
	}
	for _, i := range ints {
		if err := parseInt(i.key, i.dst); err != nil {
			return Config{}, err
		}
	}

	if v := os.Getenv("TRADE_DISPUTE_AUTO_RESOLVE"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TRADE_DISPUTE_AUTO_RESOLVE: %w", err)
		}
		cfg.Trade.AutoResolveDispute = enabled
	}

	if v := os.Getenv("FIAT_FEES"); v != "" {
		fees, err := ParseFeeTable(v)
		if err != nil {
			return Config{}, err
		}
		cfg.FiatFees = fees
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set")
	}

	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL must be set")
	}

	if len(cfg.KafkaBrokers) == 0 {
		return Config{}, fmt.Errorf("KAFKA_BROKERS must be set")
	}

	return cfg, nil
}

// Default returns the configuration used when no environment overrides are present.
func Default() Config {
	return Config{
		AppName:         defaultAppName,
		AppEnv:          defaultAppEnv,
		Port:            defaultPort,
		LogLevel:        defaultLogLevel,
		ShutdownPeriod:  defaultShutdownDelay,
		IdempotencyTTL:  defaultIdempotencyTTL,
		KafkaGroupID:    defaultKafkaGroup,
		CommandTopic:    defaultCommandTopic,
		CallbackTopic:   defaultCallbackTopic,
		DeadLetterTopic: defaultDeadLetterTopic,
		SweepSchedule:   defaultSweepSchedule,
		RelaySchedule:   defaultRelaySchedule,
		SweepBatchSize:  defaultSweepBatch,
		OutboxAttempts:  defaultOutboxAttempts,
		OutboxBackoff:   defaultOutboxBackoff,
		Trade: TradeTimeouts{
			Awaiting:         15 * time.Minute,
			Unpaid:           15 * time.Minute,
			Paid:             15 * time.Minute,
			Disputed:         72 * time.Hour,
			AutoResolveAfter: 24 * time.Hour,
		},
		Deposit: DepositWindows{
			Pending:      24 * time.Hour,
			Verification: 30 * time.Minute,
			Ownership:    24 * time.Hour,
		},
		WithdrawMaxRetries: defaultWithdrawRetries,
		FiatFees:           map[string]FeeRule{},
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// ParseFeeTable parses "USD:0.01:1.00,EUR:0.015:0.5" into per-currency fee rules.
func ParseFeeTable(raw string) (map[string]FeeRule, error) {
	fees := make(map[string]FeeRule)
	for _, item := range splitList(raw) {
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid fee rule %q: want CURRENCY:RATIO:MINIMUM", item)
		}
		ratio, err := decimal.NewFromString(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid fee ratio for %s: %w", parts[0], err)
		}
		minimum, err := decimal.NewFromString(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid fee minimum for %s: %w", parts[0], err)
		}
		if ratio.IsNegative() || minimum.IsNegative() {
			return nil, fmt.Errorf("fee rule for %s must not be negative", parts[0])
		}
		fees[strings.ToUpper(strings.TrimSpace(parts[0]))] = FeeRule{Ratio: ratio, Minimum: minimum}
	}
	return fees, nil
}

func parseDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func parseInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
