package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when path is empty) over the
// defaults, then applies a .env file if present and VEIL_* environment
// overrides. The result is not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "VEIL_LOG_LEVEL")

	// Engine
	setStr(&cfg.Ledger.Asset, "VEIL_LEDGER_ASSET")
	setUint64(&cfg.Ledger.Scale, "VEIL_LEDGER_SCALE")
	setUint64(&cfg.Orders.TakerFeeBps, "VEIL_ORDERS_TAKER_FEE_BPS")
	setUint64(&cfg.Orders.DailyVolumeCap, "VEIL_ORDERS_DAILY_VOLUME_CAP")
	setDuration(&cfg.Orders.EmergencyDelay, "VEIL_ORDERS_EMERGENCY_DELAY")
	setUint64(&cfg.Settlement.ProtocolFeeBps, "VEIL_SETTLEMENT_PROTOCOL_FEE_BPS")
	setUint64(&cfg.Settlement.ResolverFeeBps, "VEIL_SETTLEMENT_RESOLVER_FEE_BPS")
	setUint64(&cfg.Settlement.MinBond, "VEIL_SETTLEMENT_MIN_BOND")
	setUint64(&cfg.Settlement.ChainDailyCap, "VEIL_SETTLEMENT_CHAIN_DAILY_CAP")
	setDuration(&cfg.Settlement.EmergencyDelay, "VEIL_SETTLEMENT_EMERGENCY_DELAY")

	// Oracle
	setStringSlice(&cfg.Oracle.Symbols, "VEIL_ORACLE_SYMBOLS")
	setDuration(&cfg.Oracle.MaxAge, "VEIL_ORACLE_MAX_AGE")
	setDuration(&cfg.Oracle.PollInterval, "VEIL_ORACLE_POLL_INTERVAL")
	setStr(&cfg.Oracle.Feeder, "VEIL_ORACLE_FEEDER")

	// Decryption authority and genesis
	setInt(&cfg.Decryption.Threshold, "VEIL_DECRYPTION_THRESHOLD")
	setStringSlice(&cfg.Decryption.Signers, "VEIL_DECRYPTION_SIGNERS")
	setStringSlice(&cfg.Decryption.DevKeys, "VEIL_DECRYPTION_DEV_KEYS")
	setStr(&cfg.Genesis.Admin, "VEIL_GENESIS_ADMIN")

	// Infrastructure
	setStr(&cfg.Postgres.DSN, "VEIL_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxOpenConns, "VEIL_POSTGRES_MAX_OPEN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "VEIL_POSTGRES_RUN_MIGRATIONS")
	setStr(&cfg.NATS.URL, "VEIL_NATS_URL")
	setBool(&cfg.Redis.Enabled, "VEIL_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "VEIL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "VEIL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "VEIL_REDIS_DB")
	setStr(&cfg.Server.GRPCAddr, "VEIL_GRPC_ADDR")
	setStr(&cfg.Server.HTTPAddr, "VEIL_HTTP_ADDR")
	setStr(&cfg.Server.MetricsAddr, "VEIL_METRICS_ADDR")

	// Channels
	setInt(&cfg.Core.InboxSize, "VEIL_INBOX_SIZE")
	setInt(&cfg.Core.PersistChanSize, "VEIL_PERSIST_CHAN_SIZE")
	setInt(&cfg.Core.ProjectionChanSize, "VEIL_PROJECTION_CHAN_SIZE")
	setInt(&cfg.Core.PersistBatchSize, "VEIL_PERSIST_BATCH_SIZE")
	setInt(&cfg.Core.IdempotencyCapacity, "VEIL_IDEMPOTENCY_LRU_CAPACITY")
}

// Each setter only mutates the target when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
