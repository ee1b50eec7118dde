package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisPresenceRepository stores presence records with the staleness timeout
// as the key TTL. Heartbeat is a single EXPIRE, which is atomic on the server
// side, so it cannot race a concurrent eviction of the same key. Stale
// records are evicted by Redis itself; RemoveExpired is therefore a no-op.
type RedisPresenceRepository struct {
	client    *redis.Client
	prefix    string
	staleness time.Duration
}

type storedRecord struct {
	DisplayName  string `json:"display_name"`
	RegisteredAt int64  `json:"registered_at"`
}

func NewRedisPresenceRepository(client *redis.Client, staleness time.Duration) ports.PresenceRepository {
	return &RedisPresenceRepository{
		client:    client,
		prefix:    "huddle:presence:",
		staleness: staleness,
	}
}

func (r *RedisPresenceRepository) key(id domain.PeerID) string {
	return r.prefix + string(id)
}

func (r *RedisPresenceRepository) Upsert(ctx context.Context, rec *domain.PeerRecord) error {
	data, err := json.Marshal(storedRecord{
		DisplayName:  rec.DisplayName,
		RegisteredAt: rec.LastSeenAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal presence record: %w", err)
	}

	if err := r.client.Set(ctx, r.key(rec.ID), data, r.staleness).Err(); err != nil {
		return fmt.Errorf("failed to set presence record in Redis: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) Touch(ctx context.Context, id domain.PeerID, now time.Time) error {
	ok, err := r.client.Expire(ctx, r.key(id), r.staleness).Result()
	if err != nil {
		return fmt.Errorf("failed to refresh presence TTL in Redis: %w", err)
	}
	if !ok {
		return domain.ErrPeerNotFound
	}
	return nil
}

func (r *RedisPresenceRepository) Remove(ctx context.Context, id domain.PeerID) error {
	removed, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete presence record from Redis: %w", err)
	}
	if removed == 0 {
		return domain.ErrPeerNotFound
	}
	return nil
}

func (r *RedisPresenceRepository) List(ctx context.Context) ([]*domain.PeerRecord, error) {
	var records []*domain.PeerRecord

	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()

		data, err := r.client.Get(ctx, key).Result()
		if err == redis.Nil {
			// Expired between SCAN and GET
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get presence record from Redis: %w", err)
		}

		var stored storedRecord
		if err := json.Unmarshal([]byte(data), &stored); err != nil {
			continue
		}

		// LastSeenAt is reconstructed from the remaining TTL.
		lastSeen := time.Now()
		if ttl, err := r.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
			lastSeen = time.Now().Add(ttl - r.staleness)
		}

		records = append(records, &domain.PeerRecord{
			ID:          domain.PeerID(key[len(r.prefix):]),
			DisplayName: stored.DisplayName,
			LastSeenAt:  lastSeen,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan presence records in Redis: %w", err)
	}

	return records, nil
}

func (r *RedisPresenceRepository) RemoveExpired(ctx context.Context, cutoff time.Time) ([]domain.PeerID, error) {
	// Redis TTL evicts stale records natively.
	return nil, nil
}
