package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/example/nfiq2-service/internal/nfiq2"
)

// Cache abstracts the Redis operations used by the use case to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get reads a value from Redis. A missing key yields redis.Nil.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

func assessmentKey(requestID string) string {
	return "nfiq2:assessment:" + requestID
}

// digestKey is scoped by client so one client never learns about another's
// images.
func digestKey(clientID, digest string) string {
	return "nfiq2:digest:" + clientID + ":" + digest
}

// cachedAssessment is the Redis payload. Unlike Assessment it keeps the
// owning client.
type cachedAssessment struct {
	RequestID   string             `json:"request_id"`
	ClientID    string             `json:"client_id"`
	Score       uint32             `json:"score"`
	Actionable  []nfiq2.NamedValue `json:"actionable"`
	Features    []nfiq2.NamedValue `json:"features"`
	ImageSHA256 string             `json:"image_sha256"`
	CreatedAt   time.Time          `json:"created_at"`
}

func encodeCached(a *Assessment) (string, error) {
	data, err := json.Marshal(cachedAssessment{
		RequestID:   a.RequestID,
		ClientID:    a.ClientID,
		Score:       a.Score,
		Actionable:  a.Actionable,
		Features:    a.Features,
		ImageSHA256: a.ImageSHA256,
		CreatedAt:   a.CreatedAt,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeCached(s string) (*Assessment, error) {
	var c cachedAssessment
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return nil, fmt.Errorf("decode cached assessment: %w", err)
	}
	if c.RequestID == "" || c.ClientID == "" {
		return nil, fmt.Errorf("decode cached assessment: missing identifiers")
	}
	return &Assessment{
		RequestID:   c.RequestID,
		ClientID:    c.ClientID,
		Score:       c.Score,
		Actionable:  c.Actionable,
		Features:    c.Features,
		ImageSHA256: c.ImageSHA256,
		CreatedAt:   c.CreatedAt,
	}, nil
}
