// Package elision implements the elision cache: a sharded TTL map from
// ContentHash to a known byte size, used to short-circuit existence
// checks. It is strictly a hint — entries may be evicted early and
// correctness never depends on a hit or a miss.
//
// Each shard is backed by an in-memory github.com/tidwall/buntdb instance,
// which enforces expiry natively via its SetOptions.TTL, rather than a
// hand-rolled sweep goroutine.
package elision

import (
	"encoding/hex"
	"strconv"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/tidwall/buntdb"

	"github.com/buildnet-cache/ephemeral/chash"
	"github.com/buildnet-cache/ephemeral/internal/nlog"
)

const shardCount = 32

// Cache is the elision cache. The zero value is not usable; construct with
// New. Safe for concurrent use.
type Cache struct {
	shards [shardCount]*buntdb.DB
}

// New opens shardCount independent in-memory stores.
func New() (*Cache, error) {
	c := &Cache{}
	for i := range c.shards {
		db, err := buntdb.Open(":memory:")
		if err != nil {
			c.Close()
			return nil, err
		}
		c.shards[i] = db
	}
	return c, nil
}

// Close releases every shard's backing store.
func (c *Cache) Close() error {
	var first error
	for _, db := range c.shards {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func keyOf(h chash.ContentHash) string {
	return hex.EncodeToString(h.Serialize())
}

func (c *Cache) shardFor(key string) *buntdb.DB {
	h := xxhash.ChecksumString64(key)
	return c.shards[h%uint64(shardCount)]
}

// TryGet returns the known size for hash, or (0, false) if absent or
// expired. Expiry is enforced by buntdb itself; this method never observes
// a stale entry.
func (c *Cache) TryGet(hash chash.ContentHash) (int64, bool) {
	key := keyOf(hash)
	db := c.shardFor(key)

	var raw string
	err := db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	if err != nil {
		if err != buntdb.ErrNotFound {
			nlog.Warningln("elision: TryGet", hash.ShortHash(), err)
		}
		return 0, false
	}
	size, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		nlog.Warningln("elision: corrupt entry for", hash.ShortHash(), err)
		return 0, false
	}
	return size, true
}

// TryAdd inserts or overwrites hash -> size with the given TTL. A
// non-positive ttl disables expiration for this entry.
func (c *Cache) TryAdd(hash chash.ContentHash, size int64, ttl time.Duration) {
	key := keyOf(hash)
	db := c.shardFor(key)

	opts := &buntdb.SetOptions{}
	if ttl > 0 {
		opts.Expires = true
		opts.TTL = ttl
	}
	err := db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, strconv.FormatInt(size, 10), opts)
		return err
	})
	if err != nil {
		nlog.Warningln("elision: TryAdd", hash.ShortHash(), err)
	}
}
