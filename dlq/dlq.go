// Package dlq implements a dead-letter queue over a single Redis
// stream with one consumer group: entries that fail processing are
// parked here for later inspection, requeue, or atomic redrive back to
// their origin stream.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/remiges-tech/alya-core/metrics"
	"github.com/remiges-tech/logharbour/logharbour"
)

// ErrNotInitialized is returned by any operation attempted before
// Initialize succeeds.
var ErrNotInitialized = errors.New("dlq: not initialized")

// redriveScript atomically moves one entry from the dead-letter stream
// to a destination stream: read the fields by ID, append them
// verbatim to the destination, then delete the original. All three
// steps run inside Redis as a single EVAL so a crash between "append"
// and "delete" is impossible -- either both happen or neither does.
const redriveScript = `
local dlq_stream = KEYS[1]
local main_stream = KEYS[2]
local stream_id = ARGV[1]
local entries = redis.call('XRANGE', dlq_stream, stream_id, stream_id)
if #entries == 0 then
  return nil
end
local fields = entries[1][2]
redis.call('XADD', main_stream, '*', unpack(fields))
redis.call('XDEL', dlq_stream, stream_id)
return 1
`

// DLQ is a dead-letter queue bound to one Redis stream and consumer
// group.
type DLQ struct {
	cfg        Config
	broker     Broker
	logger     *logharbour.Logger
	consumerID string

	metrics metrics.Metrics

	initialized bool
}

// New builds a DLQ from a Config and a Broker, validating cfg first. A
// nil logger falls back to a no-op logger. Each DLQ instance generates
// its own consumer identity, used internally by Read and ClaimStale so
// callers never have to track one themselves.
func New(cfg Config, broker Broker, logger *logharbour.Logger) (*DLQ, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logharbour.NewLogger(&logharbour.LoggerContext{}, "dlq", discardWriter{})
	}
	consumerID := "worker_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return &DLQ{cfg: cfg, broker: broker, logger: logger, consumerID: consumerID}, nil
}

// SetMetrics attaches a metrics sink that DeadLetter, RedriveOne, and
// RedriveMany feed on every call, and registers the DLQ gauges and
// counters against it. Safe to call on multiple DLQ instances sharing
// one sink: PrometheusMetrics dedupes registration by name.
func (d *DLQ) SetMetrics(m metrics.Metrics) {
	if m == nil {
		return
	}
	d.metrics = m
	metrics.RegisterDLQMetrics(m)
}

// RecordDepthMetrics feeds the current stream depth and pending count
// into the configured metrics sink. Intended to be called from a
// periodic monitoring loop; a no-op if SetMetrics was never called.
func (d *DLQ) RecordDepthMetrics(ctx context.Context) error {
	if d.metrics == nil {
		return nil
	}
	depth, err := d.MessageCount(ctx)
	if err != nil {
		return err
	}
	pending, err := d.PendingCount(ctx)
	if err != nil {
		return err
	}
	metrics.RecordDLQDepth(d.metrics, depth, pending)
	return nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Initialize creates the stream's consumer group if it doesn't already
// exist. Calling Initialize more than once, or against an
// already-existing group (a concurrent initializer, or a restart), is
// a no-op: Redis's BUSYGROUP error on XGROUP CREATE is swallowed.
func (d *DLQ) Initialize(ctx context.Context) error {
	if err := d.broker.EnsureGroup(ctx, d.cfg.StreamName, d.cfg.ConsumerGroup); err != nil {
		return fmt.Errorf("dlq: initialize: %w", err)
	}
	d.initialized = true
	return nil
}

func (d *DLQ) ensureInitialized() error {
	if !d.initialized {
		return ErrNotInitialized
	}
	return nil
}

// DeadLetter enqueues one failed message. The caller supplies an ID
// (or leaves it empty for a generated UUID); a zero timestamp becomes
// the current time, an unknown category becomes CategoryTransient, and
// the caller's retry and requeue counts are stored as given.
func (d *DLQ) DeadLetter(ctx context.Context, entry DeadLetterEntry) (string, error) {
	if err := d.ensureInitialized(); err != nil {
		return "", err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if !entry.Category.Valid() {
		entry.Category = CategoryTransient
	}

	streamID, err := d.broker.Add(ctx, d.cfg.StreamName, d.cfg.MaxStreamLength, encodeFields(entry))
	if err != nil {
		return "", fmt.Errorf("dlq: dead letter: %w", err)
	}
	if d.metrics != nil {
		metrics.RecordDLQDeadLetter(d.metrics)
	}
	return streamID, nil
}

// Read claims up to count new entries via the stream's consumer
// group, using this DLQ instance's own consumer identity, blocking up
// to the configured block timeout when no new entry is available and
// block is requested.
func (d *DLQ) Read(ctx context.Context, count int64, block bool) ([]DeadLetterEntry, error) {
	if err := d.ensureInitialized(); err != nil {
		return nil, err
	}
	// A negative duration omits BLOCK; go-redis sends BLOCK 0 (wait
	// forever) for a zero duration.
	blockDur := time.Duration(-1)
	if block && d.cfg.BlockTimeoutMS > 0 {
		blockDur = time.Duration(d.cfg.BlockTimeoutMS) * time.Millisecond
	}
	msgs, err := d.broker.ReadGroup(ctx, d.cfg.ConsumerGroup, d.consumerID, d.cfg.StreamName, count, blockDur)
	if err != nil {
		return nil, fmt.Errorf("dlq: read: %w", err)
	}
	return d.decodeMessages(msgs)
}

// Peek inspects up to count entries from the start of the stream
// without claiming them via the consumer group.
func (d *DLQ) Peek(ctx context.Context, count int64) ([]DeadLetterEntry, error) {
	if err := d.ensureInitialized(); err != nil {
		return nil, err
	}
	msgs, err := d.broker.Range(ctx, d.cfg.StreamName, "-", "+", count)
	if err != nil {
		return nil, fmt.Errorf("dlq: peek: %w", err)
	}
	return d.decodeMessages(msgs)
}

// Acknowledge marks the given stream IDs as processed in the consumer
// group, dropping any empty IDs with a logged warning rather than
// sending them to Redis (XACK on an empty ID is a caller bug, not
// something to surface mid-batch).
func (d *DLQ) Acknowledge(ctx context.Context, streamIDs ...string) error {
	if err := d.ensureInitialized(); err != nil {
		return err
	}
	filtered := make([]string, 0, len(streamIDs))
	for _, id := range streamIDs {
		if id != "" {
			filtered = append(filtered, id)
		}
	}
	if dropped := len(streamIDs) - len(filtered); dropped > 0 {
		d.logger.Warn().LogActivity("dlq: acknowledge skipped entries without a stream id", map[string]any{
			"skipped": dropped,
		})
	}
	if len(filtered) == 0 {
		return nil
	}
	if _, err := d.broker.Ack(ctx, d.cfg.StreamName, d.cfg.ConsumerGroup, filtered...); err != nil {
		return fmt.Errorf("dlq: acknowledge: %w", err)
	}
	return nil
}

// Requeue sends entry back to mainStreamName with an incremented
// requeue count, then acknowledges the original dead-letter entry. If
// the requeue budget (Config.MaxRequeueAttempts) is already exhausted,
// the entry is acknowledged and discarded instead, and the discard is
// logged.
func (d *DLQ) Requeue(ctx context.Context, entry DeadLetterEntry, mainStreamName string) error {
	if err := d.ensureInitialized(); err != nil {
		return err
	}

	if entry.RequeueCount+1 > d.cfg.MaxRequeueAttempts {
		d.logger.Warn().LogActivity("dlq: requeue budget exhausted, discarding entry", map[string]any{
			"entry_id":      entry.ID,
			"requeue_count": entry.RequeueCount,
			"max_attempts":  d.cfg.MaxRequeueAttempts,
		})
		return d.Acknowledge(ctx, entry.StreamID)
	}

	entry.RequeueCount++
	if _, err := d.broker.Add(ctx, mainStreamName, d.cfg.MaxStreamLength, encodeFields(entry)); err != nil {
		return fmt.Errorf("dlq: requeue: %w", err)
	}
	return d.Acknowledge(ctx, entry.StreamID)
}

// ClaimStale reassigns up to count entries that have been pending
// (claimed by some consumer but never acknowledged) for longer than
// the configured claim timeout to this DLQ instance's own consumer
// identity.
func (d *DLQ) ClaimStale(ctx context.Context, count int64) ([]DeadLetterEntry, error) {
	if err := d.ensureInitialized(); err != nil {
		return nil, err
	}
	pending, err := d.broker.PendingRange(ctx, d.cfg.StreamName, d.cfg.ConsumerGroup, "-", "+", count)
	if err != nil {
		return nil, fmt.Errorf("dlq: claim stale: pending range: %w", err)
	}

	minIdle := time.Duration(d.cfg.ClaimTimeoutMS) * time.Millisecond
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		if p.Idle >= minIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	msgs, err := d.broker.Claim(ctx, d.cfg.StreamName, d.cfg.ConsumerGroup, d.consumerID, minIdle, ids)
	if err != nil {
		return nil, fmt.Errorf("dlq: claim stale: %w", err)
	}
	return d.decodeMessages(msgs)
}

// RedriveOne atomically moves one dead-lettered entry (by its Redis
// stream ID) to mainStreamName via a Lua script, so the move can never
// be observed half-done. Returns false if streamID no longer exists in
// the dead-letter stream (already redriven, deleted, or never existed).
func (d *DLQ) RedriveOne(ctx context.Context, mainStreamName, streamID string) (bool, error) {
	if err := d.ensureInitialized(); err != nil {
		return false, err
	}
	res, err := d.broker.Eval(ctx, redriveScript, []string{d.cfg.StreamName, mainStreamName}, streamID)
	if errors.Is(err, redis.Nil) {
		// The script returns nil when streamID is not in the stream.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dlq: redrive one: %w", err)
	}
	redriven := res != nil
	if redriven && d.metrics != nil {
		metrics.RecordDLQRedrive(d.metrics, 1)
	}
	return redriven, nil
}

// RedriveMany scans the dead-letter stream in batches, redriving every
// entry for which predicate returns true (every entry, if predicate is
// nil) to mainStreamName, and deleting redriven entries from the
// dead-letter stream. maxCount caps the number of entries redriven; a
// value <= 0 means unbounded. Unlike RedriveOne's full-fidelity Lua
// path, each redriven entry is written in reduced form -- its message
// ID, its payload, and its metadata, unprefixed -- matching the
// original's bulk redrive shape rather than the dead-letter encoding.
// Returns the number of entries redriven.
func (d *DLQ) RedriveMany(ctx context.Context, mainStreamName string, predicate func(DeadLetterEntry) bool, maxCount int) (int, error) {
	if err := d.ensureInitialized(); err != nil {
		return 0, err
	}
	if predicate == nil {
		predicate = func(DeadLetterEntry) bool { return true }
	}

	redriven := 0
	cursor := "-"
	for {
		batchSize := int64(d.cfg.BatchSize)
		if maxCount > 0 {
			remaining := int64(maxCount - redriven)
			if remaining <= 0 {
				break
			}
			if remaining < batchSize {
				batchSize = remaining
			}
		}

		msgs, err := d.broker.Range(ctx, d.cfg.StreamName, cursor, "+", batchSize)
		if err != nil {
			return redriven, fmt.Errorf("dlq: redrive many: range: %w", err)
		}
		if len(msgs) == 0 {
			break
		}

		var toDelete []string
		for _, msg := range msgs {
			entry, decodeErr := decodeFields(msg.ID, msg.Values, d.logger)
			if decodeErr != nil {
				d.logger.Warn().LogActivity("dlq: skipping corrupt entry during redrive scan", map[string]any{
					"stream_id": msg.ID, "error": decodeErr.Error(),
				})
				continue
			}
			if !predicate(entry) {
				continue
			}
			if _, err := d.broker.Add(ctx, mainStreamName, d.cfg.MaxStreamLength, redriveFields(entry)); err != nil {
				return redriven, fmt.Errorf("dlq: redrive many: add: %w", err)
			}
			toDelete = append(toDelete, msg.ID)
			redriven++
			if maxCount > 0 && redriven >= maxCount {
				break
			}
		}

		if len(toDelete) > 0 {
			if _, err := d.broker.Del(ctx, d.cfg.StreamName, toDelete...); err != nil {
				return redriven, fmt.Errorf("dlq: redrive many: delete: %w", err)
			}
		}

		if maxCount > 0 && redriven >= maxCount {
			break
		}
		if int64(len(msgs)) < batchSize {
			break
		}
		cursor = nextCursor(msgs[len(msgs)-1].ID)
	}
	if redriven > 0 && d.metrics != nil {
		metrics.RecordDLQRedrive(d.metrics, redriven)
	}
	return redriven, nil
}

// MessageCount returns the total number of entries currently in the
// dead-letter stream.
func (d *DLQ) MessageCount(ctx context.Context) (int64, error) {
	if err := d.ensureInitialized(); err != nil {
		return 0, err
	}
	n, err := d.broker.Len(ctx, d.cfg.StreamName)
	if err != nil {
		return 0, fmt.Errorf("dlq: message count: %w", err)
	}
	return n, nil
}

// PendingCount returns the number of entries claimed by consumers but
// not yet acknowledged.
func (d *DLQ) PendingCount(ctx context.Context) (int64, error) {
	if err := d.ensureInitialized(); err != nil {
		return 0, err
	}
	n, err := d.broker.PendingCount(ctx, d.cfg.StreamName, d.cfg.ConsumerGroup)
	if err != nil {
		return 0, fmt.Errorf("dlq: pending count: %w", err)
	}
	return n, nil
}

func (d *DLQ) decodeMessages(msgs []redis.XMessage) ([]DeadLetterEntry, error) {
	entries := make([]DeadLetterEntry, 0, len(msgs))
	for _, msg := range msgs {
		entry, err := decodeFields(msg.ID, msg.Values, d.logger)
		if err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// nextCursor turns a Redis stream ID ("<ms>-<seq>") into an exclusive
// XRANGE start ("(<ms>-<seq>") so a follow-up XRANGE excludes the last
// entry already seen.
func nextCursor(id string) string {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '-' {
			ms, seq := id[:i], id[i+1:]
			n := int64(0)
			for _, c := range seq {
				n = n*10 + int64(c-'0')
			}
			return fmt.Sprintf("(%s-%d", ms, n)
		}
	}
	return "(" + id
}
