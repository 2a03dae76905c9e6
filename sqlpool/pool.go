// Package sqlpool provides a pooled PostgreSQL connection manager with
// explicit primary/replica routing, built on pgx/pgxpool.
package sqlpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/remiges-tech/alya-core/health"
	"github.com/remiges-tech/alya-core/metrics"
	"github.com/remiges-tech/logharbour/logharbour"
)

// ErrNotInitialized is returned by any operation attempted before
// Initialize succeeds.
var ErrNotInitialized = errors.New("sqlpool: pool not initialized")

// ErrAcquireTimeout is returned when BorrowConn's context expires while
// waiting for a free slot.
var ErrAcquireTimeout = errors.New("sqlpool: timed out acquiring a connection")

// ErrClosed is returned by any operation attempted on a closed Pool.
var ErrClosed = errors.New("sqlpool: pool is closed")

// poolStat is the subset of pgxpool.Stat this package depends on,
// abstracted so tests can supply a fake.
type poolStat struct {
	TotalConns int32
	IdleConns  int32
	MaxConns   int32
}

// pooledConn is the subset of *pgxpool.Conn this package depends on.
type pooledConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Ping(ctx context.Context) error
	Release()
}

// connAcquirer is the subset of *pgxpool.Pool this package depends on.
// Abstracted so unit tests can substitute a fake instead of a real
// database (spec explicitly excludes container-based test harnesses).
type connAcquirer interface {
	Acquire(ctx context.Context) (pooledConn, error)
	Close()
	Stat() poolStat
}

// pgxAcquirer adapts a *pgxpool.Pool to connAcquirer.
type pgxAcquirer struct {
	pool *pgxpool.Pool
}

func (a *pgxAcquirer) Acquire(ctx context.Context) (pooledConn, error) {
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (a *pgxAcquirer) Close() { a.pool.Close() }

func (a *pgxAcquirer) Stat() poolStat {
	s := a.pool.Stat()
	return poolStat{
		TotalConns: s.TotalConns(),
		IdleConns:  s.IdleConns(),
		MaxConns:   s.MaxConns(),
	}
}

// Pool manages a bounded set of PostgreSQL connections with FIFO
// acquire ordering and a health-check state machine.
type Pool struct {
	cfg    PoolConfig
	logger *logharbour.Logger

	mu          sync.Mutex
	initialized bool
	closed      bool
	lastErr     error

	acquirer connAcquirer
	sem      chan struct{}

	metrics      metrics.Metrics
	metricsLabel string

	// connect builds the real connAcquirer; overridden in tests.
	connect func(ctx context.Context, cfg PoolConfig) (connAcquirer, error)
}

// NewPool builds a Pool from a validated PoolConfig. It does not open
// any connections; call Initialize to do that.
func NewPool(cfg PoolConfig, logger *logharbour.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logharbour.NewLogger(&logharbour.LoggerContext{}, "sqlpool", discardWriter{})
	}
	return &Pool{
		cfg:     cfg,
		logger:  logger,
		connect: defaultConnect,
	}, nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// SetMetrics attaches a metrics sink that HealthCheck feeds on every
// call, labeling every recorded sample with label ("primary",
// "replica-0", ...). Safe to call with a sink already attached to
// other pools: PrometheusMetrics dedupes registration by name.
func (p *Pool) SetMetrics(m metrics.Metrics, label string) {
	if m == nil {
		return
	}
	metrics.RegisterPoolMetrics(m, []string{"pool"})
	p.mu.Lock()
	p.metrics = m
	p.metricsLabel = label
	p.mu.Unlock()
}

func defaultConnect(ctx context.Context, cfg PoolConfig) (connAcquirer, error) {
	pgxCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("sqlpool: parsing DSN: %w", err)
	}
	pgxCfg.MinConns = int32(cfg.MinSize)
	pgxCfg.MaxConns = int32(cfg.MaxSize)
	if cfg.MaxInactiveConnectionLifetime > 0 {
		pgxCfg.MaxConnIdleTime = cfg.MaxInactiveConnectionLifetime
	}
	if cfg.ApplicationName != "" {
		pgxCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, err
	}
	return &pgxAcquirer{pool: pool}, nil
}

// Initialize opens the underlying pool and validates at least MinSize
// connections against it before returning. pgxpool.NewWithConfig
// doesn't connect synchronously, so without this validation step
// Initialize would report success against bad credentials or an
// unreachable host; acquiring and pinging up front surfaces that
// failure immediately, leaving the pool uninitialized on error. Safe
// to call concurrently and multiple times; only the first successful
// call does work.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}
	if p.closed {
		return ErrClosed
	}

	acquirer, err := p.connect(ctx, p.cfg)
	if err != nil {
		p.lastErr = err
		p.logger.Error(err).LogActivity("sqlpool: initialize failed", map[string]any{"host": p.cfg.Host})
		return fmt.Errorf("sqlpool: initialize: %w", err)
	}

	minSize := p.cfg.MinSize
	if minSize < 1 {
		minSize = 1
	}
	if err := validateConnections(ctx, acquirer, minSize); err != nil {
		acquirer.Close()
		p.lastErr = err
		p.logger.Error(err).LogActivity("sqlpool: initialize validation failed", map[string]any{"host": p.cfg.Host})
		return fmt.Errorf("sqlpool: initialize: %w", err)
	}

	p.acquirer = acquirer
	p.sem = make(chan struct{}, p.cfg.MaxSize)
	p.initialized = true
	return nil
}

// validateConnections acquires and pings n connections against
// acquirer directly, releasing each immediately. It runs before the
// pool is marked initialized, so it bypasses Pool's semaphore and
// mutex entirely rather than going through BorrowConn/Warmup, which
// would deadlock re-acquiring the lock Initialize already holds.
func validateConnections(ctx context.Context, acquirer connAcquirer, n int) error {
	for i := 0; i < n; i++ {
		conn, err := acquirer.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire connection %d: %w", i, err)
		}
		pingErr := conn.Ping(ctx)
		conn.Release()
		if pingErr != nil {
			return fmt.Errorf("ping connection %d: %w", i, pingErr)
		}
	}
	return nil
}

// Close idempotently tears down the underlying pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.initialized {
		p.closed = true
		return nil
	}
	p.acquirer.Close()
	p.closed = true
	return nil
}

// Warmup acquires and releases MinSize connections up front, surfacing
// connection failures before first real use.
func (p *Pool) Warmup(ctx context.Context) error {
	p.mu.Lock()
	initialized, closed := p.initialized, p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !initialized {
		return ErrNotInitialized
	}

	for i := 0; i < p.cfg.MinSize; i++ {
		conn, err := p.BorrowConn(ctx)
		if err != nil {
			return fmt.Errorf("sqlpool: warmup connection %d: %w", i, err)
		}
		if err := conn.raw.Ping(ctx); err != nil {
			conn.Release()
			return fmt.Errorf("sqlpool: warmup ping %d: %w", i, err)
		}
		conn.Release()
	}
	return nil
}

// BorrowedConn wraps an acquired connection and the semaphore slot that
// bounds it; Release must be called exactly once.
type BorrowedConn struct {
	raw     pooledConn
	release func()
	once    sync.Once
}

// Release returns the connection and its slot to the pool. Safe to call
// more than once; only the first call has effect.
func (c *BorrowedConn) Release() {
	c.once.Do(func() {
		c.raw.Release()
		c.release()
	})
}

// BorrowConn acquires a connection, blocking (respecting ctx
// cancellation/deadline) until one is free. Acquire order across
// waiting goroutines follows the FIFO order Go's runtime gives to
// goroutines blocked on the same channel.
func (p *Pool) BorrowConn(ctx context.Context) (*BorrowedConn, error) {
	p.mu.Lock()
	initialized, closed, sem, acquirer := p.initialized, p.closed, p.sem, p.acquirer
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !initialized {
		return nil, ErrNotInitialized
	}

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrAcquireTimeout, ctx.Err())
	}

	conn, err := acquirer.Acquire(ctx)
	if err != nil {
		<-sem
		return nil, fmt.Errorf("sqlpool: acquire: %w", err)
	}

	return &BorrowedConn{
		raw:     conn,
		release: func() { <-sem },
	}, nil
}

func (p *Pool) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || p.cfg.CommandTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.cfg.CommandTimeout)
}

// Execute runs sql for side effects and returns the affected row count
// via pgconn.CommandTag.
func (p *Pool) Execute(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	conn, err := p.BorrowConn(ctx)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	defer conn.Release()

	ctx, cancel := p.deadline(ctx)
	defer cancel()
	return conn.raw.Exec(ctx, sql, args...)
}

// QueryRow runs sql and returns a single row handle.
func (p *Pool) QueryRow(ctx context.Context, sql string, args ...any) (pgx.Row, func(), error) {
	conn, err := p.BorrowConn(ctx)
	if err != nil {
		return nil, func() {}, err
	}
	ctx, cancel := p.deadline(ctx)
	row := conn.raw.QueryRow(ctx, sql, args...)
	return row, func() { cancel(); conn.Release() }, nil
}

// ExecuteMany runs sql once per entry in argsList, each as its own
// round trip, for side effects only -- no results are collected. The
// loop stops and returns the first error encountered.
func (p *Pool) ExecuteMany(ctx context.Context, sql string, argsList [][]any) error {
	conn, err := p.BorrowConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	ctx, cancel := p.deadline(ctx)
	defer cancel()

	for i, args := range argsList {
		if _, err := conn.raw.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("sqlpool: execute many, entry %d: %w", i, err)
		}
	}
	return nil
}

// Fetch runs sql and returns every row as a column-name-keyed map.
func (p *Pool) Fetch(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	conn, err := p.BorrowConn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	ctx, cancel := p.deadline(ctx)
	defer cancel()

	rows, err := conn.raw.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlpool: fetch: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		row, rowErr := rowToMap(rows)
		if rowErr != nil {
			return nil, fmt.Errorf("sqlpool: fetch: %w", rowErr)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlpool: fetch: %w", err)
	}
	return out, nil
}

// FetchRow runs sql and returns the first row as a column-name-keyed
// map, or nil if the query produced no rows.
func (p *Pool) FetchRow(ctx context.Context, sql string, args ...any) (map[string]any, error) {
	conn, err := p.BorrowConn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	ctx, cancel := p.deadline(ctx)
	defer cancel()

	rows, err := conn.raw.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlpool: fetch row: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("sqlpool: fetch row: %w", err)
		}
		return nil, nil
	}
	row, err := rowToMap(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlpool: fetch row: %w", err)
	}
	return row, nil
}

// FetchValue runs sql and returns the first column of the first row,
// or nil if the query produced no rows.
func (p *Pool) FetchValue(ctx context.Context, sql string, args ...any) (any, error) {
	conn, err := p.BorrowConn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	ctx, cancel := p.deadline(ctx)
	defer cancel()

	rows, err := conn.raw.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlpool: fetch value: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("sqlpool: fetch value: %w", err)
		}
		return nil, nil
	}
	values, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("sqlpool: fetch value: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlpool: fetch value: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values[0], nil
}

// CopyRecordsToTable bulk-loads rows into tableName's columnNames via
// the PostgreSQL COPY protocol, returning the number of rows copied.
func (p *Pool) CopyRecordsToTable(ctx context.Context, tableName string, columnNames []string, rows [][]any) (int64, error) {
	conn, err := p.BorrowConn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	ctx, cancel := p.deadline(ctx)
	defer cancel()

	n, err := conn.raw.CopyFrom(ctx, pgx.Identifier{tableName}, columnNames, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("sqlpool: copy records to table: %w", err)
	}
	return n, nil
}

// rowToMap reads the current row's values into a map keyed by column
// name, as reported by the row's field descriptions.
func rowToMap(rows pgx.Rows) (map[string]any, error) {
	values, err := rows.Values()
	if err != nil {
		return nil, err
	}
	fields := rows.FieldDescriptions()
	row := make(map[string]any, len(fields))
	for i, f := range fields {
		if i < len(values) {
			row[f.Name] = values[i]
		}
	}
	return row, nil
}

// TxOptions controls Transaction's isolation level and access mode.
type TxOptions struct {
	Isolation  pgx.TxIsoLevel
	ReadOnly   bool
	Deferrable bool
}

// Transaction runs fn inside a transaction, committing on success and
// rolling back on error or panic.
func (p *Pool) Transaction(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx pgx.Tx) error) (err error) {
	conn, borrowErr := p.BorrowConn(ctx)
	if borrowErr != nil {
		return borrowErr
	}
	defer conn.Release()

	accessMode := pgx.ReadWrite
	if opts.ReadOnly {
		accessMode = pgx.ReadOnly
	}
	deferrableMode := pgx.NotDeferrable
	if opts.Deferrable {
		deferrableMode = pgx.Deferrable
	}

	tx, err := conn.raw.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:       opts.Isolation,
		AccessMode:     accessMode,
		DeferrableMode: deferrableMode,
	})
	if err != nil {
		return fmt.Errorf("sqlpool: begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("sqlpool: rollback after %w: %v", err, rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// Cursor runs fn against the rows returned by query, inside an implicit
// read-only transaction, streaming results without loading them all
// into memory at once.
func (p *Pool) Cursor(ctx context.Context, query string, args []any, fn func(rows pgx.Rows) error) error {
	return p.Transaction(ctx, TxOptions{ReadOnly: true}, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("sqlpool: cursor query: %w", err)
		}
		defer rows.Close()
		return fn(rows)
	})
}

// Stat reports the pool's current size without performing a health
// check round trip.
func (p *Pool) Stat() (size, maxSize, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return 0, p.cfg.MaxSize, 0
	}
	s := p.acquirer.Stat()
	return int(s.TotalConns), int(s.MaxConns), int(s.IdleConns)
}

// HealthCheck pings the pool and reports its state per spec: reporting
// initializing before the first successful Initialize, unhealthy when
// the ping fails, healthy (with live pool stats and latency) otherwise.
func (p *Pool) HealthCheck(ctx context.Context) health.Result {
	p.mu.Lock()
	initialized := p.initialized
	m, label := p.metrics, p.metricsLabel
	p.mu.Unlock()
	if !initialized {
		return health.Initializing(p.cfg.MaxSize)
	}

	start := time.Now()
	conn, err := p.BorrowConn(ctx)
	if err != nil {
		return health.Unhealthy(p.cfg.MaxSize, err)
	}
	defer conn.Release()

	if err := conn.raw.Ping(ctx); err != nil {
		return health.Unhealthy(p.cfg.MaxSize, err)
	}
	latency := time.Since(start)

	size, maxSize, idle := p.Stat()
	result := health.Healthy(size, maxSize, idle, latency, nil)
	if m != nil {
		metrics.RecordPoolHealth(m, label, size, maxSize, idle, result.PoolUtilizationPct())
	}
	return result
}
