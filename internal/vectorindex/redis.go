// Package vectorindex stores embedding vectors in redis, one logical
// collection per tenant. Upserts are idempotent on (tenant, table,
// external_id) so replayed embedding work converges to one vector per row.
package vectorindex

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
)

// RedisIndex implements interfaces.VectorIndex on redis. Each vector is one
// hash keyed vec:<tenant>:<table>:<external_id>; a per-tenant set tracks the
// collection membership so Count and future scans stay O(collection).
type RedisIndex struct {
	client *redis.Client
	logger arbor.ILogger
}

// NewRedisIndex connects to redis at the given address.
func NewRedisIndex(addr, password string, db int, logger arbor.ILogger) (*RedisIndex, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisIndex{client: client, logger: logger}, nil
}

// NewRedisIndexFromClient wraps an existing client; used by tests.
func NewRedisIndexFromClient(client *redis.Client, logger arbor.ILogger) *RedisIndex {
	return &RedisIndex{client: client, logger: logger}
}

func vectorKey(tenantID int64, tableName, externalID string) string {
	return fmt.Sprintf("vec:%d:%s:%s", tenantID, tableName, externalID)
}

func collectionKey(tenantID int64) string {
	return fmt.Sprintf("veccoll:%d", tenantID)
}

func (i *RedisIndex) Upsert(ctx context.Context, tenantID int64, tableName, externalID string, vector []float32, payload map[string]string) error {
	if tenantID == 0 {
		return fmt.Errorf("tenant_id is required")
	}

	encoded, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("failed to encode vector: %w", err)
	}
	fields := map[string]interface{}{
		"vector":      string(encoded),
		"table_name":  tableName,
		"external_id": externalID,
	}
	for k, v := range payload {
		fields["meta:"+k] = v
	}

	key := vectorKey(tenantID, tableName, externalID)
	pipe := i.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.SAdd(ctx, collectionKey(tenantID), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to upsert vector: %w", err)
	}
	return nil
}

func (i *RedisIndex) Delete(ctx context.Context, tenantID int64, tableName, externalID string) error {
	if tenantID == 0 {
		return fmt.Errorf("tenant_id is required")
	}
	key := vectorKey(tenantID, tableName, externalID)
	pipe := i.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, collectionKey(tenantID), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}
	return nil
}

func (i *RedisIndex) Count(ctx context.Context, tenantID int64) (int64, error) {
	if tenantID == 0 {
		return 0, fmt.Errorf("tenant_id is required")
	}
	count, err := i.client.SCard(ctx, collectionKey(tenantID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count vectors: %w", err)
	}
	return count, nil
}

// Close closes the redis client.
func (i *RedisIndex) Close() error {
	return i.client.Close()
}
