package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/txn2/mcp-sessions/pkg/cursor"
)

const (
	// defaultRedisKeyPrefix namespaces session keys so the store can share
	// a database with the event store.
	defaultRedisKeyPrefix = "mcp:session:"

	// redisScanCount is the batch size hint passed to SCAN.
	redisScanCount = 100

	// redisConnectTimeout bounds the initial connectivity check.
	redisConnectTimeout = 5 * time.Second

	// redisCASRetries bounds the optimistic UpdateActivity loop. TxFailedErr
	// means another writer won the race; with greatest-timestamp-wins a few
	// retries always converge.
	redisCASRetries = 5
)

// RedisConfig holds Redis connection configuration for the session store.
type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// RedisStore implements Store backed by Redis. Each session is one JSON
// value under a prefixed key; enumeration walks the prefix with SCAN.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to Redis and returns a session store. It pings
// the server so a bad address fails at startup rather than first use.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}, nil
}

func (r *RedisStore) key(id string) string {
	return r.keyPrefix + id
}

// Save upserts a session by ID. Last writer wins.
func (r *RedisStore) Save(ctx context.Context, meta *Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return r.client.Set(ctx, r.key(meta.ID), data, 0).Err()
}

// Get retrieves a session by ID. Returns nil, nil if not found.
func (r *RedisStore) Get(ctx context.Context, id string) (*Metadata, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
		}
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &meta, nil
}

// UpdateActivity advances LastActivityAt using an optimistic WATCH
// transaction so racing touches converge to the greatest timestamp.
// Unknown IDs are a no-op.
func (r *RedisStore) UpdateActivity(ctx context.Context, id string, ts time.Time) error {
	key := r.key(id)

	touch := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return err
		}

		var meta Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}
		if !ts.After(meta.LastActivityAt) {
			return nil
		}
		meta.LastActivityAt = ts

		updated, err := json.Marshal(&meta)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		return err
	}

	for range redisCASRetries {
		err := r.client.Watch(ctx, touch, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update activity for %s: concurrent writes exhausted %d retries", id, redisCASRetries)
}

// Remove deletes a session, reporting whether it existed.
func (r *RedisStore) Remove(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns all sessions.
func (r *RedisStore) List(ctx context.Context) ([]*Metadata, error) {
	var result []*Metadata
	err := r.scan(ctx, func(meta *Metadata) error {
		result = append(result, meta)
		return nil
	})
	return result, err
}

// ListPage returns up to limit sessions ordered by ID, starting after the
// position encoded in c. SCAN has no order, so the page is assembled from
// a full key walk; session counts are operator-scale, not request-scale.
func (r *RedisStore) ListPage(ctx context.Context, c string, limit int) ([]*Metadata, string, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}

	after := ""
	if c != "" {
		token, err := cursor.Decode(c)
		if err != nil {
			return nil, "", err
		}
		after = token
	}

	ids, err := r.scanIDs(ctx)
	if err != nil {
		return nil, "", err
	}

	sort.Strings(ids)
	page := make([]string, 0, limit)
	for _, id := range ids {
		if id <= after {
			continue
		}
		page = append(page, id)
		if len(page) > limit {
			break
		}
	}

	more := len(page) > limit
	if more {
		page = page[:limit]
	}

	result := make([]*Metadata, 0, len(page))
	for _, id := range page {
		meta, err := r.Get(ctx, id)
		if err != nil {
			return nil, "", err
		}
		if meta == nil {
			// Removed between the key walk and the read. Skip it.
			continue
		}
		result = append(result, meta)
	}

	next := ""
	if more {
		next = cursor.Encode(page[len(page)-1])
	}
	return result, next, nil
}

// PruneIdle removes sessions idle strictly longer than idleTimeout as of
// now and returns the IDs removed.
func (r *RedisStore) PruneIdle(ctx context.Context, idleTimeout time.Duration, now time.Time) ([]string, error) {
	var removed []string
	err := r.scan(ctx, func(meta *Metadata) error {
		if now.Sub(meta.LastActivityAt) <= idleTimeout {
			return nil
		}
		n, err := r.client.Del(ctx, r.key(meta.ID)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			// DEL's reply distinguishes our delete from a racing pruner's.
			removed = append(removed, meta.ID)
		}
		return nil
	})
	return removed, err
}

// Clear removes all sessions under the store's key prefix.
func (r *RedisStore) Clear(ctx context.Context) error {
	ids, err := r.scanIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// scan walks every session under the key prefix and invokes fn for each.
func (r *RedisStore) scan(ctx context.Context, fn func(*Metadata) error) error {
	var scanCursor uint64
	pattern := r.keyPrefix + "*"

	for {
		keys, next, err := r.client.Scan(ctx, scanCursor, pattern, redisScanCount).Result()
		if err != nil {
			return fmt.Errorf("scan sessions: %w", err)
		}

		for _, key := range keys {
			data, err := r.client.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					// Removed between SCAN and GET.
					continue
				}
				return err
			}

			var meta Metadata
			if err := json.Unmarshal(data, &meta); err != nil {
				continue
			}
			if err := fn(&meta); err != nil {
				return err
			}
		}

		scanCursor = next
		if scanCursor == 0 {
			return nil
		}
	}
}

// scanIDs returns the session IDs currently under the key prefix.
func (r *RedisStore) scanIDs(ctx context.Context) ([]string, error) {
	var ids []string
	var scanCursor uint64
	pattern := r.keyPrefix + "*"

	for {
		keys, next, err := r.client.Scan(ctx, scanCursor, pattern, redisScanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("scan sessions: %w", err)
		}
		for _, key := range keys {
			ids = append(ids, key[len(r.keyPrefix):])
		}
		scanCursor = next
		if scanCursor == 0 {
			return ids, nil
		}
	}
}

// Verify interface compliance.
var _ Store = (*RedisStore)(nil)
