package presence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "presence:"

// Redis is a Directory backed by per-entry Redis keys with native expiry:
// "presence:{userId}:{sessionId}" -> nodeId. Lookups scan the user's key
// space, which stays tiny because entries expire.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects and verifies the server is reachable.
func NewRedis(ctx context.Context, addr, password string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb}, nil
}

func (d *Redis) Register(ctx context.Context, userID, sessionID, nodeID string, ttl time.Duration) error {
	if err := d.rdb.Set(ctx, redisKey(userID, sessionID), nodeID, ttl).Err(); err != nil {
		return fmt.Errorf("presence register: %w", err)
	}
	return nil
}

func (d *Redis) Unregister(ctx context.Context, userID, sessionID string) error {
	if err := d.rdb.Del(ctx, redisKey(userID, sessionID)).Err(); err != nil {
		return fmt.Errorf("presence unregister: %w", err)
	}
	return nil
}

func (d *Redis) RemoteSessions(ctx context.Context, userID, selfNode string) ([]Entry, bool) {
	prefix := redisKey(userID, "")
	var keys []string
	iter := d.rdb.Scan(ctx, 0, prefix+"*", 64).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		// Backend trouble: never treat it as "nobody is out there".
		return nil, false
	}
	if len(keys) == 0 {
		return nil, true
	}

	values, err := d.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, false
	}

	var entries []Entry
	for i, v := range values {
		node, ok := v.(string)
		if !ok {
			continue // expired between scan and read
		}
		if node == selfNode {
			continue
		}
		entries = append(entries, Entry{
			SessionID: strings.TrimPrefix(keys[i], prefix),
			NodeID:    node,
		})
	}
	return entries, true
}

func (d *Redis) Close() error {
	return d.rdb.Close()
}

func redisKey(userID, sessionID string) string {
	return redisKeyPrefix + userID + ":" + sessionID
}
