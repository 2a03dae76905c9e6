// Package health defines the shared health-reporting contract consumed
// by sqlpool.Pool and sqlpool.Cluster. dlq.DLQ does not report through
// it.
package health

import "time"

// Status describes the coarse health state of a pool or cluster.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusHealthy      Status = "healthy"
	StatusDegraded     Status = "degraded"
	StatusUnhealthy    Status = "unhealthy"
)

// ReplicaInfo identifies one replica inside a ClusterResult.
type ReplicaInfo struct {
	Host string
	Port int
}

// Result reports the health of a single connection pool.
type Result struct {
	Status       Status
	PoolSize     int
	PoolMaxSize  int
	PoolIdleSize int
	LatencyS     float64
	Message      string
	Replicas     []ReplicaInfo
}

// Initializing builds a Result for a pool that hasn't finished its first
// health check yet.
func Initializing(poolMaxSize int) Result {
	return Result{Status: StatusInitializing, PoolMaxSize: poolMaxSize}
}

// Unhealthy builds a Result for a pool whose health check failed.
func Unhealthy(poolMaxSize int, err error) Result {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Result{Status: StatusUnhealthy, PoolMaxSize: poolMaxSize, Message: msg}
}

// Healthy builds a Result for a pool whose health check succeeded.
func Healthy(poolSize, poolMaxSize, poolIdleSize int, latency time.Duration, replicas []ReplicaInfo) Result {
	return Result{
		Status:       StatusHealthy,
		PoolSize:     poolSize,
		PoolMaxSize:  poolMaxSize,
		PoolIdleSize: poolIdleSize,
		LatencyS:     latency.Seconds(),
		Replicas:     replicas,
	}
}

// IsHealthy reports whether Status is StatusHealthy.
func (r Result) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// PoolUtilizationPct returns the percentage of the pool currently in use
// ((size-idle)/max * 100), or 0 when PoolMaxSize is 0 to avoid a
// division by zero on an unconfigured pool.
func (r Result) PoolUtilizationPct() float64 {
	if r.PoolMaxSize <= 0 {
		return 0
	}
	inUse := r.PoolSize - r.PoolIdleSize
	if inUse < 0 {
		inUse = 0
	}
	return float64(inUse) / float64(r.PoolMaxSize) * 100
}

// ClusterResult reports the aggregated health of a primary plus its
// replica set.
type ClusterResult struct {
	Status              Status
	Primary             Result
	Replicas            []Result
	HealthyReplicaCount int
	TotalReplicaCount   int
}

// NewClusterResult aggregates a primary Result and per-replica Results
// into an overall cluster status: unhealthy if the primary is unhealthy,
// healthy if the primary and all replicas are healthy, degraded if the
// primary is healthy but one or more replicas are not.
func NewClusterResult(primary Result, replicas []Result) ClusterResult {
	healthy := 0
	for _, r := range replicas {
		if r.IsHealthy() {
			healthy++
		}
	}

	status := StatusHealthy
	switch {
	case !primary.IsHealthy():
		status = StatusUnhealthy
	case healthy < len(replicas):
		status = StatusDegraded
	}

	return ClusterResult{
		Status:              status,
		Primary:             primary,
		Replicas:            replicas,
		HealthyReplicaCount: healthy,
		TotalReplicaCount:   len(replicas),
	}
}

// IsHealthy reports whether the primary and every replica are healthy.
func (c ClusterResult) IsHealthy() bool {
	return c.Status == StatusHealthy
}

// IsOperational reports whether the primary is healthy, regardless of
// replica state -- a cluster can serve writes (and fallback reads) with
// degraded replicas, but not with a down primary.
func (c ClusterResult) IsOperational() bool {
	return c.Primary.IsHealthy()
}
