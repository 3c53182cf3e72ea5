// Package cache holds the SDK's caching collaborators: the Redis L2
// snapshot cache that lets a fresh process start from the last payload a
// sibling fetched, and the in-memory dedupe cache for exposures.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces every key written by the SDK.
// Example: "heimdall:snapshot:prod-server-key"
const KeyPrefix = "heimdall:snapshot"

// SetResult reports what SaveSnapshot did.
type SetResult int

const (
	// SetResultSkipped means a newer snapshot was already stored.
	SetResultSkipped SetResult = 0
	// SetResultUpdated means the payload was written.
	SetResultUpdated SetResult = 1
)

// setIfNewer stores ARGV[2] unless the stored value carries a newer
// version prefix. Values that do not parse are overwritten.
var setIfNewer = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
	local sep = string.find(current, '|', 1, true)
	if sep and sep <= 21 then
		local stored = tonumber(string.sub(current, 1, sep - 1))
		if stored and stored > tonumber(ARGV[1]) then
			return 0
		end
	end
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

// RedisCache persists snapshot payloads in Redis, zstd-compressed and
// prefixed with their update time: "<updateTime>|<zstd bytes>".
type RedisCache struct {
	client  redis.UniversalClient
	key     string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewRedisCache wraps an existing client. scope separates SDK keys (or
// environments) sharing one Redis.
func NewRedisCache(client redis.UniversalClient, scope string) (*RedisCache, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if scope == "" {
		return nil, errors.New("redis cache scope cannot be empty")
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &RedisCache{
		client:  client,
		key:     KeyPrefix + ":" + scope,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Name identifies the backend in logs and metrics.
func (c *RedisCache) Name() string { return "redis" }

// Key returns the Redis key holding the snapshot.
func (c *RedisCache) Key() string { return c.key }

// LoadSnapshot returns the stored payload, or (nil, nil) when nothing has
// been saved yet.
func (c *RedisCache) LoadSnapshot(ctx context.Context) ([]byte, error) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot from redis: %w", err)
	}

	_, compressed, err := decodeSnapshot(raw)
	if err != nil {
		return nil, err
	}

	payload, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	return payload, nil
}

// SaveSnapshot stores payload unless Redis already holds a newer one.
func (c *RedisCache) SaveSnapshot(ctx context.Context, payload []byte, updateTime int64) error {
	_, err := c.SaveSnapshotSafely(ctx, payload, updateTime)
	return err
}

// SaveSnapshotSafely is SaveSnapshot reporting whether the write happened.
// The version check and the write run atomically on the server.
func (c *RedisCache) SaveSnapshotSafely(ctx context.Context, payload []byte, updateTime int64) (SetResult, error) {
	value := encodeSnapshot(c.encoder.EncodeAll(payload, nil), updateTime)

	res, err := setIfNewer.Run(ctx, c.client, []string{c.key}, updateTime, value).Int()
	if err != nil {
		return SetResultSkipped, fmt.Errorf("failed to store snapshot in redis: %w", err)
	}
	return SetResult(res), nil
}

// encodeSnapshot prefixes data with its version: "<version>|<data>".
func encodeSnapshot(data []byte, version int64) []byte {
	buf := make([]byte, 0, len(data)+21)
	buf = strconv.AppendInt(buf, version, 10)
	buf = append(buf, '|')
	return append(buf, data...)
}

// decodeSnapshot splits a stored value. The separator is searched only in
// the first 21 bytes (an int64 plus sign), so binary data containing '|'
// is never mistaken for the prefix.
func decodeSnapshot(raw []byte) (int64, []byte, error) {
	limit := min(len(raw), 21)
	for i := 0; i < limit; i++ {
		if raw[i] != '|' {
			continue
		}
		version, err := strconv.ParseInt(string(raw[:i]), 10, 64)
		if err != nil {
			return 0, nil, fmt.Errorf("corrupted snapshot version prefix: %w", err)
		}
		return version, raw[i+1:], nil
	}
	return 0, nil, errors.New("corrupted snapshot: missing version prefix")
}
