package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSnapshotStore keeps entity snapshots in Redis, one JSON value per
// (namespace, entity type, entity id). It runs over its own connection,
// entirely outside the delivery transaction, which is the auxiliary-state
// configuration that motivates the documented snapshot/emission consistency
// gap.
type RedisSnapshotStore struct {
	client *redis.Client
}

func NewRedisSnapshotStore(client *redis.Client) *RedisSnapshotStore {
	return &RedisSnapshotStore{client: client}
}

func snapshotKey(namespace, entityType, entityID string) string {
	return fmt.Sprintf("cascade:entity:%s:%s:%s", namespace, entityType, entityID)
}

type redisSnapshot struct {
	Fingerprint string         `json:"fingerprint"`
	Derived     map[string]any `json:"derived,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (s *RedisSnapshotStore) Get(ctx context.Context, namespace, entityType, entityID string) (*EntitySnapshot, error) {
	raw, err := s.client.Get(ctx, snapshotKey(namespace, entityType, entityID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis snapshot get: %w", err)
	}
	var doc redisSnapshot
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("redis snapshot corrupt value: %w", err)
	}
	return &EntitySnapshot{
		Namespace:   namespace,
		EntityType:  entityType,
		EntityID:    entityID,
		Fingerprint: doc.Fingerprint,
		Derived:     doc.Derived,
		UpdatedAt:   doc.UpdatedAt,
	}, nil
}

func (s *RedisSnapshotStore) Upsert(ctx context.Context, snap *EntitySnapshot) error {
	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(redisSnapshot{
		Fingerprint: snap.Fingerprint,
		Derived:     snap.Derived,
		UpdatedAt:   updatedAt,
	})
	if err != nil {
		return fmt.Errorf("redis snapshot marshal: %w", err)
	}
	if err := s.client.Set(ctx, snapshotKey(snap.Namespace, snap.EntityType, snap.EntityID), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis snapshot upsert: %w", err)
	}
	return nil
}

var _ SnapshotStore = (*RedisSnapshotStore)(nil)
