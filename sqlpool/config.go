package sqlpool

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/remiges-tech/alya-core/internal/structvalidate"
)

// PoolConfig describes one Postgres connection pool (primary or a
// single replica).
type PoolConfig struct {
	Host     string `validate:"required"`
	Port     int    `validate:"required,gt=0"`
	Database string `validate:"required"`
	User     string `validate:"required"`
	Password string

	MinSize                      int           `validate:"gte=1,lte=100"`
	MaxSize                      int           `validate:"gte=1,lte=200"`
	MaxInactiveConnectionLifetime time.Duration
	CommandTimeout                time.Duration

	ApplicationName string
}

// DefaultPoolConfig mirrors the original's min_size=10/max_size=20
// defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinSize: 10,
		MaxSize: 20,
	}
}

// Validate checks struct tags, then cross-field invariants tags can't
// express.
func (c PoolConfig) Validate() error {
	if err := structvalidate.Struct(c); err != nil {
		return err
	}
	if c.MinSize > c.MaxSize {
		return errors.New("sqlpool: MinSize must not exceed MaxSize")
	}
	return nil
}

// DSN builds a postgres:// connection string, escaping user and
// password via url.QueryEscape and omitting the password segment
// entirely when it is empty.
func (c PoolConfig) DSN() string {
	userinfo := url.QueryEscape(c.User)
	if c.Password != "" {
		userinfo = fmt.Sprintf("%s:%s", userinfo, url.QueryEscape(c.Password))
	}
	return fmt.Sprintf("postgresql://%s@%s:%d/%s", userinfo, c.Host, c.Port, c.Database)
}

// ForReplica derives a replica PoolConfig from this one by substituting
// host and, optionally, port -- every other setting (credentials, pool
// sizing, timeouts) is copied unchanged.
func (c PoolConfig) ForReplica(host string, port int) PoolConfig {
	replica := c
	replica.Host = host
	if port > 0 {
		replica.Port = port
	}
	return replica
}

// ClusterConfig describes a primary plus zero or more read replicas.
type ClusterConfig struct {
	Primary  PoolConfig   `validate:"required"`
	Replicas []PoolConfig `validate:"dive"`
}

// Validate validates the primary and every replica.
func (c ClusterConfig) Validate() error {
	if err := c.Primary.Validate(); err != nil {
		return fmt.Errorf("sqlpool: primary config invalid: %w", err)
	}
	for i, r := range c.Replicas {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("sqlpool: replica[%d] config invalid: %w", i, err)
		}
	}
	return nil
}

// WithReplicaHosts builds a ClusterConfig from one primary config and a
// list of replica hosts, each replica inheriting the primary's port,
// credentials, and pool sizing via PoolConfig.ForReplica.
func WithReplicaHosts(primary PoolConfig, hosts []string) ClusterConfig {
	replicas := make([]PoolConfig, 0, len(hosts))
	for _, h := range hosts {
		replicas = append(replicas, primary.ForReplica(h, 0))
	}
	return ClusterConfig{Primary: primary, Replicas: replicas}
}
