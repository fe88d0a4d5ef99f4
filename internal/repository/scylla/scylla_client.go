package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"auth-gateway/internal/config"
	"auth-gateway/internal/util"
)

// CQL used by the credential repository. gocql caches prepared statements
// per session, so each call builds a fresh Query from these strings.
const (
	cqlUpsertCredential = `INSERT INTO credentials (
		user_bucket, user_id, email, password_hash, mfa_enabled,
		mfa_secret, backup_codes, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	cqlGetCredential = `SELECT user_id, email, password_hash, mfa_enabled, mfa_secret, backup_codes, updated_at
		FROM credentials WHERE user_bucket = ? AND user_id = ?`

	cqlUpsertEmailIndex = `INSERT INTO credential_by_email (email, user_id, user_bucket) VALUES (?, ?, ?)`
	cqlDeleteEmailIndex = `DELETE FROM credential_by_email WHERE email = ?`
	cqlGetUserByEmail   = `SELECT user_id, user_bucket FROM credential_by_email WHERE email = ?`
)

type ScyllaClient struct {
	Session *gocql.Session
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	sc := cfg.Scylla
	if len(sc.Nodes) == 0 || sc.Keyspace == "" {
		return nil, fmt.Errorf("scylla backend requires nodes and a keyspace")
	}

	session, err := newCluster(sc).CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	logger.Info("ScyllaDB client initialized",
		zap.Strings("nodes", sc.Nodes),
		zap.String("keyspace", sc.Keyspace),
		zap.Bool("tls", sc.EnableTLS))
	return &ScyllaClient{Session: session}, nil
}

func newCluster(sc config.ScyllaConfig) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(sc.Nodes...)
	cluster.Keyspace = sc.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = sc.Timeout
	cluster.ConnectTimeout = sc.Timeout
	cluster.NumConns = 2
	cluster.SocketKeepalive = 30 * time.Second
	cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.RoundRobinHostPolicy())
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: sc.MaxRetries,
	}
	if sc.EnableTLS {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 sc.CAFile,
			CertPath:               sc.CertFile,
			KeyPath:                sc.KeyFile,
			EnableHostVerification: true,
		}
	}
	if sc.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{Username: sc.Username, Password: sc.Password}
	}
	return cluster
}

func (s *ScyllaClient) query(ctx context.Context, stmt string, args ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, args...).WithContext(ctx)
}

func (s *ScyllaClient) Batch(ctx context.Context) *gocql.Batch {
	return s.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var release string
	if err := s.query(ctx, `SELECT release_version FROM system.local`).Scan(&release); err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	return nil
}
