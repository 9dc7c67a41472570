package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"identity-service/internal/config"
)

type ClickHouseClient struct {
	conn   driver.Conn
	config *config.ClickhouseConfig
	logger *zap.Logger
}

func NewClickHouseClient(cfg *config.Config, logger *zap.Logger) (*ClickHouseClient, error) {
	chConfig := cfg.Clickhouse

	hostPort, secure := clickhouseAddr(chConfig.URL)
	opts := &ch.Options{
		Addr: []string{hostPort},
		Auth: ch.Auth{
			Username: chConfig.Username,
			Password: chConfig.Password,
			Database: chConfig.Database,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     20,
		MaxIdleConns:     10,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
	}

	if cfg.IsProduction() || secure {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: strings.Split(hostPort, ":")[0],
		}
		if chConfig.CAFile != "" {
			caCert, err := os.ReadFile(chConfig.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read ClickHouse CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caCert) {
				return nil, fmt.Errorf("failed to append CA cert")
			}
			tlsConfig.RootCAs = pool
		}
		opts.TLS = tlsConfig
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.Info("ClickHouse client initialized",
		zap.String("database", chConfig.Database),
		zap.Bool("tls_enabled", opts.TLS != nil),
	)

	return &ClickHouseClient{conn: conn, config: &chConfig, logger: logger}, nil
}

func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...interface{}) error {
	return c.conn.Exec(ctx, query, args...)
}

// AsyncInsert lets the server batch small inserts; wait blocks until the data is flushed.
func (c *ClickHouseClient) AsyncInsert(ctx context.Context, query string, wait bool, args ...interface{}) error {
	return c.conn.AsyncInsert(ctx, query, wait, args...)
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *ClickHouseClient) Close() error {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close ClickHouse connection", zap.Error(err))
			return err
		}
		c.logger.Info("ClickHouse connection closed")
	}
	return nil
}

// clickhouseAddr turns a URL into host:port, defaulting to the native protocol ports.
func clickhouseAddr(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw, false
	}
	secure := u.Scheme == "https" || u.Scheme == "clickhouses"
	if u.Port() != "" {
		return u.Host, secure
	}
	if secure {
		return u.Host + ":9440", true
	}
	return u.Host + ":9000", false
}
