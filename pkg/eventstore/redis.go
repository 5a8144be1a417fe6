package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

const (
	// defaultRedisKeyPrefix namespaces event keys.
	defaultRedisKeyPrefix = "mcp:events:"

	// redisScanCount is the batch size hint passed to SCAN.
	redisScanCount = 100

	// redisConnectTimeout bounds the initial connectivity check.
	redisConnectTimeout = 5 * time.Second
)

// RedisConfig holds Redis connection configuration for the event store.
type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// redisEvent is the sorted-set member layout. The sliding window rides on
// key TTLs; the absolute ceiling travels with the member because Redis has
// no per-member expiry.
type redisEvent struct {
	Event    Event     `json:"event"`
	Seq      uint64    `json:"seq"`
	Absolute time.Time `json:"absolute"`
}

// RedisStore implements Store backed by Redis, for deployments where
// several transport instances share one retained-event window. Events live
// in one sorted set per stream scored by sequence, so append and replay
// are atomic at the storage layer rather than read-modify-write races.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	cfg       Config
	clock     clockwork.Clock
}

// NewRedisStore connects to Redis and returns an event store. A nil clock
// uses the real clock.
func NewRedisStore(rcfg RedisConfig, cfg Config, clock clockwork.Clock) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     rcfg.Addr,
		Password: rcfg.Password,
		DB:       rcfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	keyPrefix := rcfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		cfg:       cfg.withDefaults(),
		clock:     clock,
	}, nil
}

func (r *RedisStore) eventsKey(sessionID, streamID string) string {
	return r.keyPrefix + "ev:" + sessionID + ":" + streamID
}

func (r *RedisStore) outstandingKey(sessionID, streamID string) string {
	return r.keyPrefix + "out:" + sessionID + ":" + streamID
}

func (r *RedisStore) seqKey(sessionID, streamID string) string {
	return r.keyPrefix + "seq:" + sessionID + ":" + streamID
}

func (r *RedisStore) registryKey(sessionID string) string {
	return r.keyPrefix + "streams:" + sessionID
}

// OpenStream registers a stream and its outstanding request IDs.
func (r *RedisStore) OpenStream(ctx context.Context, sessionID, streamID string, requestIDs []string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.registryKey(sessionID), streamID)
		if len(requestIDs) > 0 {
			members := make([]any, len(requestIDs))
			for i, id := range requestIDs {
				members[i] = id
			}
			pipe.SAdd(ctx, r.outstandingKey(sessionID, streamID), members...)
			pipe.Expire(ctx, r.outstandingKey(sessionID, streamID), r.cfg.SlidingTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	return nil
}

// NextEventID allocates the next replay identifier via INCR, which is
// atomic across processes. Counters have no TTL; DropSession removes them
// so identifiers never restart while a session is alive.
func (r *RedisStore) NextEventID(ctx context.Context, sessionID, streamID string) (string, error) {
	seq, err := r.client.Incr(ctx, r.seqKey(sessionID, streamID)).Result()
	if err != nil {
		return "", fmt.Errorf("allocating event id: %w", err)
	}
	if err := r.client.SAdd(ctx, r.registryKey(sessionID), streamID).Err(); err != nil {
		return "", fmt.Errorf("registering stream: %w", err)
	}
	return FormatEventID(streamID, uint64(seq)), nil
}

// Append stores ev if its kind passes the retention filter. The reply
// check consumes the outstanding entry with SREM, whose reply count makes
// the consume atomic under multi-process concurrency.
func (r *RedisStore) Append(ctx context.Context, sessionID, streamID string, ev Event) (string, error) {
	switch ev.Kind {
	case KindRequest:
	case KindReply:
		n, err := r.client.SRem(ctx, r.outstandingKey(sessionID, streamID), ev.ReplyTo).Result()
		if err != nil {
			return "", fmt.Errorf("consuming outstanding request: %w", err)
		}
		if n == 0 {
			return "", nil
		}
	default:
		return "", nil
	}

	seq, err := r.client.Incr(ctx, r.seqKey(sessionID, streamID)).Result()
	if err != nil {
		return "", fmt.Errorf("allocating event id: %w", err)
	}
	ev.ID = FormatEventID(streamID, uint64(seq))

	member, err := json.Marshal(redisEvent{
		Event:    ev,
		Seq:      uint64(seq),
		Absolute: r.clock.Now().Add(r.cfg.AbsoluteTTL),
	})
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, r.eventsKey(sessionID, streamID), redis.Z{
			Score:  float64(seq),
			Member: member,
		})
		pipe.Expire(ctx, r.eventsKey(sessionID, streamID), r.cfg.SlidingTTL)
		pipe.Expire(ctx, r.outstandingKey(sessionID, streamID), r.cfg.SlidingTTL)
		pipe.SAdd(ctx, r.registryKey(sessionID), streamID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("appending event: %w", err)
	}
	return ev.ID, nil
}

// ReplayAfter delivers every retained event on the watermark's stream with
// a sequence strictly greater than the watermark's. ZRANGEBYSCORE with an
// exclusive minimum does the boundary work server-side and returns events
// already in sequence order.
func (r *RedisStore) ReplayAfter(ctx context.Context, sessionID, lastEventID string, deliver func(Event) error) error {
	streamID, lastSeq, err := ParseEventID(lastEventID)
	if err != nil {
		return err
	}

	members, err := r.client.ZRangeByScore(ctx, r.eventsKey(sessionID, streamID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatUint(lastSeq, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("fetching replay events: %w", err)
	}
	if len(members) == 0 {
		return nil
	}

	now := r.clock.Now()
	pending := make([]Event, 0, len(members))
	for _, m := range members {
		var re redisEvent
		if err := json.Unmarshal([]byte(m), &re); err != nil {
			continue
		}
		if now.After(re.Absolute) {
			continue
		}
		if re.Event.ID == "" || len(re.Event.Data) == 0 {
			continue
		}
		pending = append(pending, re.Event)
	}

	// The access extends the stream's sliding window.
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, r.eventsKey(sessionID, streamID), r.cfg.SlidingTTL)
		pipe.Expire(ctx, r.outstandingKey(sessionID, streamID), r.cfg.SlidingTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("extending stream expiry: %w", err)
	}

	for _, ev := range pending {
		if err := deliver(ev); err != nil {
			return err
		}
	}
	return nil
}

// CleanExpired removes events past their absolute ceiling and drops empty
// stream sets. Sliding expiry needs no pass here: it rides on key TTLs
// that Redis enforces natively.
func (r *RedisStore) CleanExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	var scanCursor uint64
	pattern := r.keyPrefix + "ev:*"

	for {
		keys, next, err := r.client.Scan(ctx, scanCursor, pattern, redisScanCount).Result()
		if err != nil {
			return removed, fmt.Errorf("scanning event streams: %w", err)
		}

		for _, key := range keys {
			members, err := r.client.ZRange(ctx, key, 0, -1).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				return removed, fmt.Errorf("reading event stream: %w", err)
			}

			var stale []any
			for _, m := range members {
				var re redisEvent
				if err := json.Unmarshal([]byte(m), &re); err != nil {
					stale = append(stale, m)
					continue
				}
				if now.After(re.Absolute) {
					stale = append(stale, m)
				}
			}
			if len(stale) > 0 {
				n, err := r.client.ZRem(ctx, key, stale...).Result()
				if err != nil {
					return removed, fmt.Errorf("removing expired events: %w", err)
				}
				removed += int(n)
			}

			count, err := r.client.ZCard(ctx, key).Result()
			if err == nil && count == 0 {
				_ = r.client.Del(ctx, key).Err()
			}
		}

		scanCursor = next
		if scanCursor == 0 {
			return removed, nil
		}
	}
}

// DropSession removes all stream state for the session.
func (r *RedisStore) DropSession(ctx context.Context, sessionID string) error {
	streams, err := r.client.SMembers(ctx, r.registryKey(sessionID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("listing session streams: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, streamID := range streams {
			pipe.Del(ctx,
				r.eventsKey(sessionID, streamID),
				r.outstandingKey(sessionID, streamID),
				r.seqKey(sessionID, streamID),
			)
		}
		pipe.Del(ctx, r.registryKey(sessionID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("dropping session streams: %w", err)
	}
	return nil
}

// Close releases the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Verify interface compliance.
var _ Store = (*RedisStore)(nil)
