package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"
	"golang.org/x/sync/singleflight"

	"github.com/openkasse/kassad/internal/types"
)

var cacheBucket = []byte("vectors")

const (
	defaultLRUSize = 1024
	defaultLRUTTL  = 30 * time.Minute
)

// Cache is a content-addressed vector store. Keys are sha256 hex digests of
// the semantic string; a hit means the text has not changed since the vector
// was computed, so the provider is never called twice for the same content.
// Lookups go memory LRU, then bbolt, then the provider; concurrent misses for
// the same hash collapse into one provider call.
type Cache struct {
	provider Provider
	db       *bbolt.DB
	lru      *expirable.LRU[string, []float32]
	group    singleflight.Group
	log      zerolog.Logger
}

func NewCache(path string, provider Provider, lruSize int, logger zerolog.Logger) (*Cache, error) {
	if lruSize <= 0 {
		lruSize = defaultLRUSize
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to open embedding cache", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, types.WrapError(types.KindInternal, "failed to create embedding cache bucket", err)
	}
	return &Cache{
		provider: provider,
		db:       db,
		lru:      expirable.NewLRU[string, []float32](lruSize, nil, defaultLRUTTL),
		log:      logger.With().Str("component", "embedding-cache").Logger(),
	}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

// Get returns the cached vector for a content hash, or nil on a miss.
func (c *Cache) Get(hash string) []float32 {
	if v, ok := c.lru.Get(hash); ok {
		return v
	}
	var vector []float32
	c.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(cacheBucket).Get([]byte(hash))
		if raw != nil {
			vector = decodeVector(raw)
		}
		return nil
	})
	if vector != nil {
		c.lru.Add(hash, vector)
	}
	return vector
}

// Put stores a vector under a content hash without consulting the provider.
// Import uses it to seed the cache from carried embedding data.
func (c *Cache) Put(hash string, vector []float32) error {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(cacheBucket).Put([]byte(hash), encodeVector(vector))
	})
	if err != nil {
		return types.WrapError(types.KindInternal, "failed to persist embedding", err)
	}
	c.lru.Add(hash, vector)
	return nil
}

// GetOrCompute resolves the vector for (hash, text), asking the provider only
// on a full cache miss.
func (c *Cache) GetOrCompute(ctx context.Context, hash, text string) ([]float32, error) {
	if v := c.Get(hash); v != nil {
		return v, nil
	}

	result, err, _ := c.group.Do(hash, func() (interface{}, error) {
		if v := c.Get(hash); v != nil {
			return v, nil
		}
		vector, err := c.provider.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		if err := c.Put(hash, vector); err != nil {
			c.log.Warn().Err(err).Str("hash", hash).Msg("Failed to persist embedding, serving uncached")
		}
		return vector, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]float32), nil
}

// Embed resolves a vector for free-form text, keyed by the sha256 of the
// text itself. Search uses it for query embeddings so repeated queries reuse
// the cached vector.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	return c.GetOrCompute(ctx, HashContent(text), text)
}

// HashContent returns the hex sha256 digest a vector is keyed by.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeVector(raw []byte) []float32 {
	n := len(raw) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}
