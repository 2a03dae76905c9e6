package sqlpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/remiges-tech/alya-core/health"
	"github.com/remiges-tech/alya-core/metrics"
	"github.com/remiges-tech/logharbour/logharbour"
)

// Cluster holds one primary Pool and zero or more replica Pools. Read
// routing is always explicit -- Cluster never decides for the caller
// whether a query should go to a replica. Automatic routing invites
// read-your-writes inconsistency, unpredictable replication lag, and
// transaction-boundary confusion; callers that need a replica ask for
// one by calling Replica directly.
type Cluster struct {
	cfg    ClusterConfig
	logger *logharbour.Logger

	Primary *Pool

	mu           sync.Mutex
	replicas     []*Pool
	replicaIndex int
}

// NewCluster builds a Cluster from a validated ClusterConfig. No
// connections are opened until Initialize.
func NewCluster(cfg ClusterConfig, logger *logharbour.Logger) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logharbour.NewLogger(&logharbour.LoggerContext{}, "sqlpool-cluster", discardWriter{})
	}

	primary, err := NewPool(cfg.Primary, logger)
	if err != nil {
		return nil, fmt.Errorf("sqlpool: primary pool: %w", err)
	}

	replicas := make([]*Pool, 0, len(cfg.Replicas))
	for i, rc := range cfg.Replicas {
		rp, err := NewPool(rc, logger)
		if err != nil {
			return nil, fmt.Errorf("sqlpool: replica[%d] pool: %w", i, err)
		}
		replicas = append(replicas, rp)
	}

	return &Cluster{
		cfg:      cfg,
		logger:   logger,
		Primary:  primary,
		replicas: replicas,
	}, nil
}

// Initialize connects the primary synchronously -- a primary failure
// aborts the whole cluster -- then initializes every replica
// concurrently, dropping any replica that fails to connect from the
// rotation and logging it as a warning rather than failing the cluster.
func (c *Cluster) Initialize(ctx context.Context) error {
	if err := c.Primary.Initialize(ctx); err != nil {
		return fmt.Errorf("sqlpool: cluster primary: %w", err)
	}

	c.mu.Lock()
	candidates := c.replicas
	c.mu.Unlock()

	var wg sync.WaitGroup
	ok := make([]bool, len(candidates))
	for i, rp := range candidates {
		wg.Add(1)
		go func(i int, rp *Pool) {
			defer wg.Done()
			if err := rp.Initialize(ctx); err != nil {
				c.logger.Warn().LogActivity("sqlpool: replica initialize failed, dropping from rotation", map[string]any{
					"index": i,
					"error": err.Error(),
				})
				return
			}
			ok[i] = true
		}(i, rp)
	}
	wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	live := make([]*Pool, 0, len(candidates))
	for i, rp := range candidates {
		if ok[i] {
			live = append(live, rp)
		}
	}
	c.replicas = live
	return nil
}

// Close closes the primary, then every surviving replica concurrently.
// Replica close failures are logged, not propagated -- a stuck replica
// should never block releasing the primary or the rest of the rotation.
func (c *Cluster) Close() error {
	var primaryErr error
	if err := c.Primary.Close(); err != nil {
		primaryErr = fmt.Errorf("sqlpool: cluster primary close: %w", err)
	}

	c.mu.Lock()
	replicas := c.replicas
	c.mu.Unlock()

	var wg sync.WaitGroup
	for i, rp := range replicas {
		wg.Add(1)
		go func(i int, rp *Pool) {
			defer wg.Done()
			if err := rp.Close(); err != nil {
				c.logger.Warn().LogActivity("sqlpool: replica close failed", map[string]any{
					"index": i,
					"error": err.Error(),
				})
			}
		}(i, rp)
	}
	wg.Wait()

	return primaryErr
}

// Warmup warms the primary -- a failure here propagates, since a
// cluster with a cold or broken primary cannot serve writes -- then
// warms every replica, logging (not propagating) individual failures.
func (c *Cluster) Warmup(ctx context.Context) error {
	if err := c.Primary.Warmup(ctx); err != nil {
		return fmt.Errorf("sqlpool: cluster primary warmup: %w", err)
	}

	c.mu.Lock()
	replicas := c.replicas
	c.mu.Unlock()

	for i, rp := range replicas {
		if err := rp.Warmup(ctx); err != nil {
			c.logger.Warn().LogActivity("sqlpool: replica warmup failed", map[string]any{
				"index": i,
				"error": err.Error(),
			})
		}
	}
	return nil
}

// SetMetrics attaches a metrics sink to the primary and every current
// replica, labeling the primary "primary" and each replica
// "replica-N" by its position in the rotation at call time.
func (c *Cluster) SetMetrics(m metrics.Metrics) {
	if m == nil {
		return
	}
	c.Primary.SetMetrics(m, "primary")

	c.mu.Lock()
	replicas := c.replicas
	c.mu.Unlock()
	for i, rp := range replicas {
		rp.SetMetrics(m, fmt.Sprintf("replica-%d", i))
	}
}

// Replica returns the next replica in round-robin order, falling back
// to Primary when there are no live replicas.
func (c *Cluster) Replica() *Pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.replicas) == 0 {
		return c.Primary
	}
	p := c.replicas[c.replicaIndex%len(c.replicas)]
	c.replicaIndex++
	return p
}

// ReplicaCount returns the number of currently live replicas.
func (c *Cluster) ReplicaCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replicas)
}

// HasReplicas reports whether any replica is currently in rotation.
func (c *Cluster) HasReplicas() bool {
	return c.ReplicaCount() > 0
}

// HealthCheck aggregates the primary's and every replica's health into
// a health.ClusterResult.
func (c *Cluster) HealthCheck(ctx context.Context) health.ClusterResult {
	primary := c.Primary.HealthCheck(ctx)

	c.mu.Lock()
	replicas := c.replicas
	c.mu.Unlock()

	results := make([]health.Result, len(replicas))
	var wg sync.WaitGroup
	for i, rp := range replicas {
		wg.Add(1)
		go func(i int, rp *Pool) {
			defer wg.Done()
			results[i] = rp.HealthCheck(ctx)
		}(i, rp)
	}
	wg.Wait()

	return health.NewClusterResult(primary, results)
}
