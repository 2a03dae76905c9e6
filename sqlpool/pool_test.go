package sqlpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/remiges-tech/alya-core/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a pooledConn test double. Its zero value errors on Query
// and BeginTx, while Exec, CopyFrom and Ping succeed and QueryRow
// returns nil; tests that need a working query or transaction set
// queryRows/tx explicitly, and tests of failure paths set the *Err
// fields.
type fakeConn struct {
	pingErr    error
	execErr    error
	queryErr   error
	queryRows  pgx.Rows
	beginTxErr error
	tx         pgx.Tx
	copyErr    error
	copyN      int64
}

func (f *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, f.execErr
}
func (f *fakeConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if f.queryRows == nil && f.queryErr == nil {
		return nil, errors.New("fakeConn: Query not implemented")
	}
	return f.queryRows, f.queryErr
}
func (f *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (f *fakeConn) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	if f.tx == nil && f.beginTxErr == nil {
		return nil, errors.New("fakeConn: BeginTx not implemented")
	}
	return f.tx, f.beginTxErr
}
func (f *fakeConn) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return f.copyN, f.copyErr
}
func (f *fakeConn) Ping(ctx context.Context) error { return f.pingErr }
func (f *fakeConn) Release()                       {}

// fakeTx is a working pgx.Tx test double for the Commit/Rollback/Query
// paths Transaction and Cursor actually exercise. It embeds a nil
// pgx.Tx so every other method of the interface is promoted (and
// panics if called, which none of the tests here do) rather than
// needing to be reimplemented by hand.
type fakeTx struct {
	pgx.Tx
	commitErr   error
	rollbackErr error
	committed   bool
	rolledBack  bool
	queryRows   pgx.Rows
	queryErr    error
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return t.commitErr
}
func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rolledBack = true
	return t.rollbackErr
}
func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.queryRows, t.queryErr
}

// fakeRows is a working pgx.Rows test double backed by an in-memory
// column list and row slice. It embeds a nil pgx.Rows so methods this
// package never calls (Scan, CommandTag, RawValues, Conn) don't need
// hand-written implementations.
type fakeRows struct {
	pgx.Rows
	cols   []string
	data   [][]any
	idx    int
	err    error
	closed bool
}

func newFakeRows(cols []string, data [][]any) *fakeRows {
	return &fakeRows{cols: cols, data: data, idx: -1}
}

func (r *fakeRows) Close()     { r.closed = true }
func (r *fakeRows) Err() error { return r.err }
func (r *fakeRows) Next() bool {
	if r.idx+1 >= len(r.data) {
		return false
	}
	r.idx++
	return true
}
func (r *fakeRows) Values() ([]any, error) {
	if r.idx < 0 || r.idx >= len(r.data) {
		return nil, errors.New("fakeRows: Values called out of range")
	}
	return r.data[r.idx], nil
}
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	fields := make([]pgconn.FieldDescription, len(r.cols))
	for i, c := range r.cols {
		fields[i] = pgconn.FieldDescription{Name: c}
	}
	return fields
}

// fakeMetricsSink is a minimal metrics.Metrics recorder for verifying
// Pool feeds the expected gauges without pulling in Prometheus's
// global registry.
type fakeMetricsSink struct {
	mu       sync.Mutex
	recorded map[string]float64
}

func newFakeMetricsSink() *fakeMetricsSink {
	return &fakeMetricsSink{recorded: make(map[string]float64)}
}

func (f *fakeMetricsSink) Register(name, metricType, help string)                            {}
func (f *fakeMetricsSink) RegisterWithLabels(name, metricType, help string, labels []string) {}

func (f *fakeMetricsSink) Record(name string, value float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded[name] = value
}

func (f *fakeMetricsSink) RecordWithLabels(name string, value float64, labelValues ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := name
	if len(labelValues) > 0 {
		key = name + ":" + labelValues[0]
	}
	f.recorded[key] = value
}

func (f *fakeMetricsSink) value(key string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recorded[key]
}

type fakeAcquirer struct {
	mu          sync.Mutex
	acquireErr  error
	pingErr     error
	maxConns    int32
	acquires    int
	connFactory func() pooledConn
}

func (f *fakeAcquirer) Acquire(ctx context.Context) (pooledConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	f.acquires++
	if f.connFactory != nil {
		return f.connFactory(), nil
	}
	return &fakeConn{pingErr: f.pingErr}, nil
}

func (f *fakeAcquirer) Close() {}

func (f *fakeAcquirer) Stat() poolStat {
	return poolStat{TotalConns: 3, IdleConns: 1, MaxConns: f.maxConns}
}

func newTestPool(t *testing.T, maxSize int, acquirer *fakeAcquirer) *Pool {
	t.Helper()
	cfg := PoolConfig{
		Host: "localhost", Port: 5432, Database: "db", User: "u",
		MinSize: 1, MaxSize: maxSize,
	}
	p, err := NewPool(cfg, nil)
	require.NoError(t, err)
	p.connect = func(ctx context.Context, cfg PoolConfig) (connAcquirer, error) {
		return acquirer, nil
	}
	require.NoError(t, p.Initialize(context.Background()))
	return p
}

func TestPool_HealthCheck_InitializingBeforeInit(t *testing.T) {
	cfg := PoolConfig{Host: "h", Port: 5432, Database: "d", User: "u", MinSize: 1, MaxSize: 5}
	p, err := NewPool(cfg, nil)
	require.NoError(t, err)
	r := p.HealthCheck(context.Background())
	assert.Equal(t, "initializing", string(r.Status))
}

func TestPool_HealthCheck_UnhealthyOnPingError(t *testing.T) {
	acq := &fakeAcquirer{maxConns: 5}
	p := newTestPool(t, 5, acq)
	acq.mu.Lock()
	acq.pingErr = errors.New("connection refused")
	acq.mu.Unlock()
	r := p.HealthCheck(context.Background())
	assert.False(t, r.IsHealthy())
}

func TestPool_HealthCheck_HealthyReportsStat(t *testing.T) {
	acq := &fakeAcquirer{maxConns: 5}
	p := newTestPool(t, 5, acq)
	r := p.HealthCheck(context.Background())
	assert.True(t, r.IsHealthy())
	assert.Equal(t, 3, r.PoolSize)
	assert.Equal(t, 1, r.PoolIdleSize)
}

func TestPool_Warmup_AcquiresMinSizeConnections(t *testing.T) {
	acq := &fakeAcquirer{maxConns: 5}
	p := newTestPool(t, 5, acq)
	require.NoError(t, p.Warmup(context.Background()))
	// One acquire from Initialize's own connection validation, one from Warmup.
	assert.Equal(t, 2, acq.acquires)
}

func TestPool_Warmup_PropagatesPingFailure(t *testing.T) {
	acq := &fakeAcquirer{maxConns: 5}
	p := newTestPool(t, 5, acq)
	acq.mu.Lock()
	acq.pingErr = errors.New("down")
	acq.mu.Unlock()
	err := p.Warmup(context.Background())
	assert.Error(t, err)
}

func TestPool_Initialize_FailsWhenConnectionValidationFails(t *testing.T) {
	acq := &fakeAcquirer{maxConns: 5, pingErr: errors.New("connection refused")}
	cfg := PoolConfig{Host: "h", Port: 5432, Database: "d", User: "u", MinSize: 1, MaxSize: 5}
	p, err := NewPool(cfg, nil)
	require.NoError(t, err)
	p.connect = func(ctx context.Context, cfg PoolConfig) (connAcquirer, error) {
		return acq, nil
	}

	err = p.Initialize(context.Background())
	assert.Error(t, err)

	_, err = p.Execute(context.Background(), "select 1")
	assert.ErrorIs(t, err, ErrNotInitialized, "a pool that fails validation must stay uninitialized")
}

func TestPool_Initialize_FailsWhenInitialAcquireFails(t *testing.T) {
	acq := &fakeAcquirer{maxConns: 5, acquireErr: errors.New("no route to host")}
	cfg := PoolConfig{Host: "h", Port: 5432, Database: "d", User: "u", MinSize: 1, MaxSize: 5}
	p, err := NewPool(cfg, nil)
	require.NoError(t, err)
	p.connect = func(ctx context.Context, cfg PoolConfig) (connAcquirer, error) {
		return acq, nil
	}

	assert.Error(t, p.Initialize(context.Background()))
}

func TestPool_BorrowConn_BlocksUntilSlotFree(t *testing.T) {
	acq := &fakeAcquirer{maxConns: 1}
	p := newTestPool(t, 1, acq)

	conn, err := p.BorrowConn(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		c2, err := p.BorrowConn(context.Background())
		require.NoError(t, err)
		c2.Release()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second borrow should have blocked while first conn is held")
	case <-time.After(50 * time.Millisecond):
	}

	conn.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second borrow should have proceeded after release")
	}
}

func TestPool_BorrowConn_TimesOutWhenExhausted(t *testing.T) {
	acq := &fakeAcquirer{maxConns: 1}
	p := newTestPool(t, 1, acq)

	conn, err := p.BorrowConn(context.Background())
	require.NoError(t, err)
	defer conn.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.BorrowConn(ctx)
	assert.ErrorIs(t, err, ErrAcquireTimeout)
}

func TestPool_BorrowConn_FIFOOrder(t *testing.T) {
	acq := &fakeAcquirer{maxConns: 1}
	p := newTestPool(t, 1, acq)

	holder, err := p.BorrowConn(context.Background())
	require.NoError(t, err)

	const n = 4
	var mu sync.Mutex
	var order []int
	started := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		go func(i int) {
			started <- struct{}{}
			time.Sleep(time.Duration(i) * 10 * time.Millisecond)
			c, err := p.BorrowConn(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			c.Release()
		}(i)
	}
	for i := 0; i < n; i++ {
		<-started
	}
	time.Sleep(60 * time.Millisecond)
	holder.Release()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == n
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestPool_Execute_ErrorsWhenNotInitialized(t *testing.T) {
	cfg := PoolConfig{Host: "h", Port: 5432, Database: "d", User: "u", MinSize: 1, MaxSize: 5}
	p, err := NewPool(cfg, nil)
	require.NoError(t, err)
	_, err = p.Execute(context.Background(), "select 1")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestPool_Close_IsIdempotent(t *testing.T) {
	acq := &fakeAcquirer{maxConns: 5}
	p := newTestPool(t, 5, acq)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestPool_OperationsFailAfterClose(t *testing.T) {
	acq := &fakeAcquirer{maxConns: 5}
	p := newTestPool(t, 5, acq)
	require.NoError(t, p.Close())
	_, err := p.BorrowConn(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPoolConfig_DSN_OmitsEmptyPassword(t *testing.T) {
	cfg := PoolConfig{Host: "h", Port: 5432, Database: "d", User: "u"}
	assert.Equal(t, "postgresql://u@h:5432/d", cfg.DSN())
}

func TestPoolConfig_DSN_IncludesPassword(t *testing.T) {
	cfg := PoolConfig{Host: "h", Port: 5432, Database: "d", User: "u", Password: "p@ss"}
	assert.Equal(t, "postgresql://u:p%40ss@h:5432/d", cfg.DSN())
}

func TestPoolConfig_ForReplica_CopiesEverythingButHostAndPort(t *testing.T) {
	primary := PoolConfig{Host: "primary", Port: 5432, Database: "d", User: "u", MinSize: 10, MaxSize: 20}
	replica := primary.ForReplica("replica1", 0)
	assert.Equal(t, "replica1", replica.Host)
	assert.Equal(t, 5432, replica.Port)
	assert.Equal(t, primary.Database, replica.Database)
}

func TestPoolConfig_Validate_RejectsMinGreaterThanMax(t *testing.T) {
	cfg := PoolConfig{Host: "h", Port: 5432, Database: "d", User: "u", MinSize: 20, MaxSize: 10}
	assert.Error(t, cfg.Validate())
}

func TestPool_Transaction_CommitsOnSuccess(t *testing.T) {
	tx := &fakeTx{}
	acq := &fakeAcquirer{maxConns: 5, connFactory: func() pooledConn { return &fakeConn{tx: tx} }}
	p := newTestPool(t, 5, acq)

	err := p.Transaction(context.Background(), TxOptions{}, func(ctx context.Context, tx pgx.Tx) error {
		return nil
	})
	require.NoError(t, err)
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
}

func TestPool_Transaction_RollsBackOnError(t *testing.T) {
	tx := &fakeTx{}
	acq := &fakeAcquirer{maxConns: 5, connFactory: func() pooledConn { return &fakeConn{tx: tx} }}
	p := newTestPool(t, 5, acq)

	wantErr := errors.New("insert failed")
	err := p.Transaction(context.Background(), TxOptions{}, func(ctx context.Context, tx pgx.Tx) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
}

func TestPool_Transaction_RollsBackOnPanic(t *testing.T) {
	tx := &fakeTx{}
	acq := &fakeAcquirer{maxConns: 5, connFactory: func() pooledConn { return &fakeConn{tx: tx} }}
	p := newTestPool(t, 5, acq)

	assert.Panics(t, func() {
		_ = p.Transaction(context.Background(), TxOptions{}, func(ctx context.Context, tx pgx.Tx) error {
			panic("operator error")
		})
	})
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
}

func TestPool_Cursor_StreamsRows(t *testing.T) {
	rows := newFakeRows([]string{"id", "name"}, [][]any{{1, "alice"}, {2, "bob"}})
	tx := &fakeTx{queryRows: rows}
	acq := &fakeAcquirer{maxConns: 5, connFactory: func() pooledConn { return &fakeConn{tx: tx} }}
	p := newTestPool(t, 5, acq)

	var names []string
	err := p.Cursor(context.Background(), "select id, name from users", nil, func(rows pgx.Rows) error {
		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				return err
			}
			names = append(names, vals[1].(string))
		}
		return rows.Err()
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, names)
	assert.True(t, rows.closed)
}

func TestPool_Fetch_ReturnsAllRowsAsMaps(t *testing.T) {
	rows := newFakeRows([]string{"id", "name"}, [][]any{{int64(1), "alice"}, {int64(2), "bob"}})
	acq := &fakeAcquirer{maxConns: 5, connFactory: func() pooledConn { return &fakeConn{queryRows: rows} }}
	p := newTestPool(t, 5, acq)

	got, err := p.Fetch(context.Background(), "select id, name from users")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0]["id"])
	assert.Equal(t, "bob", got[1]["name"])
}

func TestPool_FetchRow_ReturnsNilWhenNoRows(t *testing.T) {
	rows := newFakeRows([]string{"id"}, nil)
	acq := &fakeAcquirer{maxConns: 5, connFactory: func() pooledConn { return &fakeConn{queryRows: rows} }}
	p := newTestPool(t, 5, acq)

	got, err := p.FetchRow(context.Background(), "select id from users where id = $1", 999)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPool_FetchRow_ReturnsFirstRow(t *testing.T) {
	rows := newFakeRows([]string{"id"}, [][]any{{int64(7)}, {int64(8)}})
	acq := &fakeAcquirer{maxConns: 5, connFactory: func() pooledConn { return &fakeConn{queryRows: rows} }}
	p := newTestPool(t, 5, acq)

	got, err := p.FetchRow(context.Background(), "select id from users")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(7), got["id"])
}

func TestPool_FetchValue_ReturnsFirstColumnOfFirstRow(t *testing.T) {
	rows := newFakeRows([]string{"count"}, [][]any{{int64(42)}})
	acq := &fakeAcquirer{maxConns: 5, connFactory: func() pooledConn { return &fakeConn{queryRows: rows} }}
	p := newTestPool(t, 5, acq)

	got, err := p.FetchValue(context.Background(), "select count(*) from users")
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)
}

func TestPool_FetchValue_ReturnsNilWhenNoRows(t *testing.T) {
	rows := newFakeRows([]string{"count"}, nil)
	acq := &fakeAcquirer{maxConns: 5, connFactory: func() pooledConn { return &fakeConn{queryRows: rows} }}
	p := newTestPool(t, 5, acq)

	got, err := p.FetchValue(context.Background(), "select count(*) from users where 1=0")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPool_ExecuteMany_StopsOnFirstError(t *testing.T) {
	wantErr := errors.New("constraint violation")
	acq := &fakeAcquirer{maxConns: 5, connFactory: func() pooledConn { return &fakeConn{execErr: wantErr} }}
	p := newTestPool(t, 5, acq)

	err := p.ExecuteMany(context.Background(), "insert into t values ($1)", [][]any{{1}, {2}})
	assert.ErrorIs(t, err, wantErr)
}

func TestPool_ExecuteMany_RunsEverySetOnSuccess(t *testing.T) {
	acq := &fakeAcquirer{maxConns: 5, connFactory: func() pooledConn { return &fakeConn{} }}
	p := newTestPool(t, 5, acq)

	err := p.ExecuteMany(context.Background(), "insert into t values ($1)", [][]any{{1}, {2}, {3}})
	require.NoError(t, err)
}

func TestPool_CopyRecordsToTable_ReturnsRowCount(t *testing.T) {
	acq := &fakeAcquirer{maxConns: 5, connFactory: func() pooledConn { return &fakeConn{copyN: 3} }}
	p := newTestPool(t, 5, acq)

	n, err := p.CopyRecordsToTable(context.Background(), "users", []string{"id", "name"}, [][]any{
		{1, "alice"}, {2, "bob"}, {3, "carol"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestPool_HealthCheck_RecordsMetricsWhenConfigured(t *testing.T) {
	acq := &fakeAcquirer{maxConns: 5}
	p := newTestPool(t, 5, acq)
	sink := newFakeMetricsSink()
	p.SetMetrics(sink, "primary")

	r := p.HealthCheck(context.Background())
	require.True(t, r.IsHealthy())
	assert.Equal(t, float64(3), sink.value(metrics.PoolSizeGauge+":primary"))
	assert.Equal(t, float64(1), sink.value(metrics.PoolIdleSizeGauge+":primary"))
}
