package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

type ScyllaClient struct {
	Session *gocql.Session
	config  *config.ScyllaConfig
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = scyllaConfig.Timeout
	cluster.ConnectTimeout = scyllaConfig.ConnectTimeout
	cluster.NumConns = scyllaConfig.NumConns
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(
		gocql.DCAwareRoundRobinPolicy(scyllaConfig.LocalDC),
	)
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        time.Second,
		NumRetries: 2,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if scyllaConfig.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := client.Migrate(ctx); err != nil {
			session.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	logger.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

// Migrate creates the identity tables if they do not exist.
func (s *ScyllaClient) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	util.Info("ScyllaDB schema applied", zap.Int("statements", len(schema)))
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

// Query builds a context-bound query at LOCAL_QUORUM.
func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

// CAS runs a lightweight transaction and reports whether it applied.
// On a failed condition, current holds the row's present values.
func (s *ScyllaClient) CAS(ctx context.Context, stmt string, values ...interface{}) (applied bool, current map[string]interface{}, err error) {
	current = make(map[string]interface{})
	applied, err = s.Session.Query(stmt, values...).
		WithContext(ctx).
		SerialConsistency(gocql.LocalSerial).
		MapScanCAS(current)
	if err != nil {
		return false, nil, err
	}
	return applied, current, nil
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}
