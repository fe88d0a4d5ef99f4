package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"auth-gateway/internal/config"
	"auth-gateway/internal/util"
)

const (
	clickhouseNativePort       = "9000"
	clickhouseNativeSecurePort = "9440"
)

// ClickHouseClient holds the native connection used by the event archive
type ClickHouseClient struct {
	mu   sync.RWMutex
	conn driver.Conn
}

func NewClickHouseClient(cfg *config.Config, logger *zap.Logger) (*ClickHouseClient, error) {
	cc := cfg.Clickhouse

	host, port, secure, err := clickhouseEndpoint(cc.URL)
	if err != nil {
		return nil, err
	}
	// production always speaks TLS
	secure = secure || cfg.IsProduction()

	opts := &ch.Options{
		Addr: []string{net.JoinHostPort(host, port)},
		Auth: ch.Auth{
			Username: cc.Username,
			Password: cc.Password,
			Database: cc.Database,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
		Compression:      &ch.Compression{Method: ch.CompressionLZ4},
	}
	if secure {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
		if cc.CAFile != "" {
			if opts.TLS.RootCAs, err = caPool(cc.CAFile); err != nil {
				return nil, fmt.Errorf("clickhouse tls: %w", err)
			}
		}
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.Info("ClickHouse client initialized",
		zap.String("addr", opts.Addr[0]),
		zap.String("database", cc.Database),
		zap.String("table", cc.Table),
		zap.Bool("tls", secure),
	)
	return &ClickHouseClient{conn: conn}, nil
}

// clickhouseEndpoint accepts host, host:port or an http(s) URL and returns
// the native-protocol address. https selects the secure native port.
func clickhouseEndpoint(raw string) (host, port string, secure bool, err error) {
	if !strings.Contains(raw, "://") {
		raw = "tcp://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", false, fmt.Errorf("invalid ClickHouse URL: %w", err)
	}
	if u.Hostname() == "" {
		return "", "", false, fmt.Errorf("invalid ClickHouse URL: missing host")
	}
	secure = u.Scheme == "https"
	port = u.Port()
	if port == "" {
		port = clickhouseNativePort
		if secure {
			port = clickhouseNativeSecurePort
		}
	}
	return u.Hostname(), port, secure, nil
}

// BatchInsert sends rows in one native batch
func (c *ClickHouseClient) BatchInsert(ctx context.Context, query string, rows [][]interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return fmt.Errorf("clickhouse connection closed")
	}

	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for i, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append row %d: %w", i, err)
		}
	}
	return batch.Send()
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return fmt.Errorf("clickhouse connection closed")
	}
	return c.conn.Ping(ctx)
}

func (c *ClickHouseClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		util.Error("Failed to close ClickHouse connection", zap.Error(err))
		return err
	}
	util.Info("ClickHouse connection closed")
	return nil
}
