package oracle

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// ErrNoPrice is returned by a Source that has never seen the symbol.
var ErrNoPrice = errors.New("oracle: no price")

// Source is an external store of oracle observations.
type Source interface {
	Latest(ctx context.Context, symbol string) (Price, error)
}

// RedisConfig holds connection parameters for the price cache.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// RedisSource reads observations written by the oracle aggregator. Each
// symbol is a hash at "price:{symbol}" with fields "price" (decimal string),
// "ts" (Unix nanoseconds) and an optional "valid" flag ("0" or "1").
type RedisSource struct {
	rdb      *redis.Client
	decimals int32
}

// NewRedisSource connects and pings the cache.
func NewRedisSource(ctx context.Context, cfg RedisConfig, decimals int32) (*RedisSource, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("oracle/redis: ping: %w", err)
	}
	return &RedisSource{rdb: rdb, decimals: decimals}, nil
}

func priceKey(symbol string) string {
	return "price:" + symbol
}

// Latest reads the current observation for symbol.
func (s *RedisSource) Latest(ctx context.Context, symbol string) (Price, error) {
	vals, err := s.rdb.HGetAll(ctx, priceKey(symbol)).Result()
	if err != nil {
		return Price{}, fmt.Errorf("oracle/redis: get %s: %w", symbol, err)
	}
	if len(vals) == 0 {
		return Price{}, ErrNoPrice
	}

	raw, ok := vals["price"]
	if !ok {
		return Price{}, ErrNoPrice
	}
	value, err := Normalize(raw, s.decimals)
	if err != nil {
		return Price{}, fmt.Errorf("oracle/redis: %s: %w", symbol, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return Price{}, ErrNoPrice
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return Price{}, fmt.Errorf("oracle/redis: parse ts %s: %w", symbol, err)
	}

	valid := vals["valid"] != "0"
	return Price{Symbol: symbol, Value: value, Timestamp: time.Unix(0, tsNano).UTC(), Valid: valid}, nil
}

// Publish writes an observation. Used by operator tooling and tests.
func (s *RedisSource) Publish(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error {
	fields := map[string]interface{}{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
		"valid": "1",
	}
	if err := s.rdb.HSet(ctx, priceKey(symbol), fields).Err(); err != nil {
		return fmt.Errorf("oracle/redis: set %s: %w", symbol, err)
	}
	return nil
}

// Ping checks the cache connection.
func (s *RedisSource) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("oracle/redis: ping: %w", err)
	}
	return nil
}

func (s *RedisSource) Close() error {
	return s.rdb.Close()
}
