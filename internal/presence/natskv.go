package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// kvRecord is the value stored per (user, session) key.
type kvRecord struct {
	NodeID       string `json:"nodeId"`
	RegisteredAt int64  `json:"registeredAt"`
}

// KV is a Directory backed by a NATS JetStream KV bucket with a bucket-level
// TTL. Keys are "{userId}.{sessionId}"; a watcher keeps an in-memory mirror
// so RemoteSessions never round-trips to the server.
type KV struct {
	kv     nats.KeyValue
	mirror *mirror
	synced atomic.Bool
	cancel context.CancelFunc
}

// NewKV creates (or binds to) the bucket and starts the watcher. The bucket
// TTL bounds every entry's lifetime; Register refreshes it by rewriting the
// key.
func NewKV(js nats.JetStreamContext, bucket string, ttl time.Duration) (*KV, error) {
	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
		TTL:     ttl,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		// Another node may have created it first.
		kv, err = js.KeyValue(bucket)
		if err != nil {
			return nil, fmt.Errorf("bind presence bucket %s: %w", bucket, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &KV{kv: kv, mirror: newMirror(), cancel: cancel}
	go d.watch(ctx)
	return d, nil
}

func (d *KV) Register(ctx context.Context, userID, sessionID, nodeID string, ttl time.Duration) error {
	rec := kvRecord{NodeID: nodeID, RegisteredAt: time.Now().UnixMilli()}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := d.kv.Put(key(userID, sessionID), data); err != nil {
		return fmt.Errorf("presence register: %w", err)
	}
	// Update the mirror directly for promptness; the watcher will confirm.
	d.mirror.put(userID, sessionID, nodeID)
	return nil
}

func (d *KV) Unregister(ctx context.Context, userID, sessionID string) error {
	d.mirror.delete(userID, sessionID)
	if err := d.kv.Delete(key(userID, sessionID)); err != nil {
		return fmt.Errorf("presence unregister: %w", err)
	}
	return nil
}

func (d *KV) RemoteSessions(ctx context.Context, userID, selfNode string) ([]Entry, bool) {
	if !d.synced.Load() {
		return nil, false
	}
	return d.mirror.remote(userID, selfNode), true
}

func (d *KV) Close() error {
	d.cancel()
	return nil
}

// watch hydrates the mirror and then applies live updates, including deletes
// from TTL expiry on other nodes. Resyncs from scratch after watcher loss.
func (d *KV) watch(ctx context.Context) {
	for {
		if err := d.watchOnce(ctx); err != nil {
			slog.Warn("Presence watcher stopped", "error", err)
		}
		d.synced.Store(false)
		d.mirror.reset()

		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (d *KV) watchOnce(ctx context.Context) error {
	watcher, err := d.kv.WatchAll()
	if err != nil {
		return err
	}
	defer watcher.Stop()

	hydrated := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-watcher.Updates():
			if !ok {
				return fmt.Errorf("watcher channel closed")
			}
			if entry == nil {
				// Initial values delivered; mirror is trustworthy now.
				if !hydrated {
					hydrated = true
					d.synced.Store(true)
					slog.Info("Presence mirror synced")
				}
				continue
			}
			d.apply(entry)
		}
	}
}

func (d *KV) apply(entry nats.KeyValueEntry) {
	userID, sessionID, ok := splitKey(entry.Key())
	if !ok {
		return
	}
	switch entry.Operation() {
	case nats.KeyValuePut:
		var rec kvRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			slog.Warn("Invalid presence record", "key", entry.Key(), "error", err)
			return
		}
		d.mirror.put(userID, sessionID, rec.NodeID)
	case nats.KeyValueDelete, nats.KeyValuePurge:
		d.mirror.delete(userID, sessionID)
	}
}

func key(userID, sessionID string) string {
	return userID + "." + sessionID
}

// splitKey splits at the last dot so user ids containing dots still parse.
func splitKey(k string) (userID, sessionID string, ok bool) {
	idx := strings.LastIndex(k, ".")
	if idx <= 0 || idx == len(k)-1 {
		return "", "", false
	}
	return k[:idx], k[idx+1:], true
}
