package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cachePrefix = "embedserve:emb:"

// CacheObserver receives cache lookup counts. *metrics.Metrics satisfies it.
type CacheObserver interface {
	CacheLookup(result string, n int)
}

type nopObserver struct{}

func (nopObserver) CacheLookup(string, int) {}

// DialRedis connects to redisURL and checks the connection.
func DialRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// Cache is a read-through Provider that keeps raw backend vectors in Redis,
// keyed by model, dimension and text. Redis failures never fail a request:
// the texts are embedded by the inner provider instead.
type Cache struct {
	inner    Provider
	rdb      *redis.Client
	ttl      time.Duration
	logger   *zap.Logger
	observer CacheObserver
}

// NewCache wraps inner with a Redis cache. observer may be nil.
func NewCache(inner Provider, rdb *redis.Client, ttl time.Duration, logger *zap.Logger, observer CacheObserver) *Cache {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Cache{inner: inner, rdb: rdb, ttl: ttl, logger: logger, observer: observer}
}

func (c *Cache) Name() string   { return c.inner.Name() }
func (c *Cache) Model() string  { return c.inner.Model() }
func (c *Cache) Dimension() int { return c.inner.Dimension() }

// Embed serves what it can from Redis and embeds the rest in one call to
// the inner provider, writing those vectors back.
func (c *Cache) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = c.key(text)
	}

	out := make([][]float32, len(texts))
	var missing []int

	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.Warn("embedding cache lookup failed", zap.Error(err))
		c.observer.CacheLookup("error", len(texts))
		for i := range texts {
			missing = append(missing, i)
		}
	} else {
		dim := c.inner.Dimension()
		for i, v := range vals {
			if s, ok := v.(string); ok {
				// entries written under another output size are misses
				if vec, derr := decodeVector(s); derr == nil && (dim <= 0 || len(vec) == dim) {
					out[i] = vec
					continue
				}
			}
			missing = append(missing, i)
		}
		c.observer.CacheLookup("hit", len(texts)-len(missing))
		c.observer.CacheLookup("miss", len(missing))
	}

	if len(missing) == 0 {
		return out, nil
	}

	pending := make([]string, len(missing))
	for j, i := range missing {
		pending[j] = texts[i]
	}
	vecs, err := c.inner.Embed(ctx, pending)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(pending) {
		return nil, fmt.Errorf("embedding: backend returned %d vectors for %d texts", len(vecs), len(pending))
	}

	pipe := c.rdb.Pipeline()
	for j, i := range missing {
		out[i] = vecs[j]
		pipe.Set(ctx, keys[i], encodeVector(vecs[j]), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("embedding cache write failed", zap.Error(err))
	}

	return out, nil
}

// Close closes the Redis client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

func (c *Cache) key(text string) string {
	h := sha256.New()
	h.Write([]byte(c.inner.Model()))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(c.inner.Dimension())))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return cachePrefix + hex.EncodeToString(h.Sum(nil))
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(s string) ([]float32, error) {
	if len(s) == 0 || len(s)%4 != 0 {
		return nil, errors.New("embedding: corrupt cached vector")
	}
	v := make([]float32, len(s)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32([]byte(s[4*i : 4*i+4])))
	}
	return v, nil
}
