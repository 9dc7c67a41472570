package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"identity-service/internal/config"
)

// ErrKeyNotFound is returned by Get and GetDel for a missing key.
var ErrKeyNotFound = errors.New("redis: key not found")

type RedisClient struct {
	Client *redis.Client
	logger *zap.Logger
}

// NewRedisClient initializes a Redis client with TLS support for rediss:// URLs.
func NewRedisClient(cfg *config.Config, logger *zap.Logger) (*RedisClient, error) {
	redisConfig := cfg.Redis

	opts, err := redis.ParseURL(redisConfig.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if opts.Password == "" && redisConfig.Password != "" {
		opts.Password = redisConfig.Password
	}

	opts.DB = redisConfig.DB
	opts.PoolSize = redisConfig.PoolSize
	opts.MinIdleConns = redisConfig.PoolSize / 2
	if opts.MinIdleConns < 10 {
		opts.MinIdleConns = 10
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second
	opts.ConnMaxIdleTime = 5 * time.Minute

	if strings.HasPrefix(redisConfig.URL, "rediss://") {
		tlsConfig, err := loadRedisTLS(redisConfig)
		if err != nil {
			return nil, err
		}
		opts.TLSConfig = tlsConfig
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis client initialized",
		zap.Int("db", redisConfig.DB),
		zap.Int("pool_size", redisConfig.PoolSize))

	return NewRedisClientFromConn(rdb, logger), nil
}

// NewRedisClientFromConn wraps an existing connection.
func NewRedisClientFromConn(rdb *redis.Client, logger *zap.Logger) *RedisClient {
	return &RedisClient{Client: rdb, logger: logger}
}

func loadRedisTLS(redisConfig config.RedisConfig) (*tls.Config, error) {
	caCert, err := os.ReadFile(redisConfig.TLSCAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read Redis CA file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if ok := caCertPool.AppendCertsFromPEM(caCert); !ok {
		return nil, fmt.Errorf("failed to append CA cert")
	}

	cert, err := tls.LoadX509KeyPair(redisConfig.TLSCertFile, redisConfig.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load Redis TLS certificate/key: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caCertPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (r *RedisClient) Close() error {
	if r.Client != nil {
		if err := r.Client.Close(); err != nil {
			r.logger.Error("failed to close Redis client", zap.Error(err))
			return err
		}
		r.logger.Info("Redis client closed")
	}
	return nil
}

// HealthCheck verifies Redis connectivity and a set/get round trip.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	if err := r.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	testKey := "healthcheck"
	testValue := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := r.Client.Set(ctx, testKey, testValue, 10*time.Second).Err(); err != nil {
		return fmt.Errorf("redis set operation failed: %w", err)
	}

	val, err := r.Client.Get(ctx, testKey).Result()
	if err != nil {
		return fmt.Errorf("redis get operation failed: %w", err)
	}
	if val != testValue {
		return fmt.Errorf("redis data integrity failed")
	}

	_ = r.Client.Del(ctx, testKey)
	return nil
}

func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return r.Client.Set(ctx, key, value, expiration).Err()
}

func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := r.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	return val, err
}

// GetDel atomically reads and removes a key.
func (r *RedisClient) GetDel(ctx context.Context, key string) (string, error) {
	val, err := r.Client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	return val, err
}

func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	return r.Client.Del(ctx, keys...).Err()
}

func (r *RedisClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return r.Client.SetNX(ctx, key, value, expiration).Result()
}

// RunScript executes a Lua script by SHA, loading it on first use.
func (r *RedisClient) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	return script.Run(ctx, r.Client, keys, args...).Result()
}
