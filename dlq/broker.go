package dlq

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Broker is the subset of a Redis stream client the DLQ service needs.
// Abstracted over *redis.Client so tests can drive either a miniredis-
// backed real client or a redismock client for broker-fault paths.
type Broker interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	Add(ctx context.Context, stream string, maxLen int64, values map[string]any) (string, error)
	ReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]redis.XMessage, error)
	Range(ctx context.Context, stream, start, stop string, count int64) ([]redis.XMessage, error)
	Ack(ctx context.Context, stream, group string, ids ...string) (int64, error)
	Del(ctx context.Context, stream string, ids ...string) (int64, error)
	Len(ctx context.Context, stream string) (int64, error)
	PendingCount(ctx context.Context, stream, group string) (int64, error)
	PendingRange(ctx context.Context, stream, group, start, stop string, count int64) ([]redis.XPendingExt, error)
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]redis.XMessage, error)
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
}

// redisBroker adapts a *redis.Client (go-redis v8) to Broker.
type redisBroker struct {
	client *redis.Client
}

// NewRedisBroker wraps a go-redis v8 client for use by DLQ.
func NewRedisBroker(client *redis.Client) Broker {
	return &redisBroker{client: client}
}

func (b *redisBroker) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && containsBusyGroup(err.Error())
}

func containsBusyGroup(msg string) bool {
	const marker = "BUSYGROUP"
	for i := 0; i+len(marker) <= len(msg); i++ {
		if msg[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}

func (b *redisBroker) Add(ctx context.Context, stream string, maxLen int64, values map[string]any) (string, error) {
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		ID:     "*",
		Values: values,
	}).Result()
}

func (b *redisBroker) ReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]redis.XMessage, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0].Messages, nil
}

func (b *redisBroker) Range(ctx context.Context, stream, start, stop string, count int64) ([]redis.XMessage, error) {
	return b.client.XRangeN(ctx, stream, start, stop, count).Result()
}

func (b *redisBroker) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	return b.client.XAck(ctx, stream, group, ids...).Result()
}

func (b *redisBroker) Del(ctx context.Context, stream string, ids ...string) (int64, error) {
	return b.client.XDel(ctx, stream, ids...).Result()
}

func (b *redisBroker) Len(ctx context.Context, stream string) (int64, error) {
	return b.client.XLen(ctx, stream).Result()
}

func (b *redisBroker) PendingCount(ctx context.Context, stream, group string) (int64, error) {
	res, err := b.client.XPending(ctx, stream, group).Result()
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (b *redisBroker) PendingRange(ctx context.Context, stream, group, start, stop string, count int64) ([]redis.XPendingExt, error) {
	return b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  start,
		End:    stop,
		Count:  count,
	}).Result()
}

func (b *redisBroker) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]redis.XMessage, error) {
	return b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
}

func (b *redisBroker) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	return b.client.Eval(ctx, script, keys, args...).Result()
}
