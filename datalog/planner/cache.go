package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wbrown/janus-dataflow/datalog/query"
)

// QueryCache caches parsed descriptions by their text so that repeated
// registrations and evaluations skip parsing. Compiled plans are not
// cached: relation names are qualified by the registering query.
type QueryCache struct {
	cache *lru.Cache[string, *query.Query]

	// Statistics
	hits   int64
	misses int64
}

// NewQueryCache creates a cache holding at most maxSize descriptions
func NewQueryCache(maxSize int) *QueryCache {
	if maxSize <= 0 {
		maxSize = 256
	}
	cache, err := lru.New[string, *query.Query](maxSize)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &QueryCache{cache: cache}
}

// Get returns the parsed form of a description, if cached
func (c *QueryCache) Get(text string) (*query.Query, bool) {
	if c == nil {
		return nil, false
	}
	q, ok := c.cache.Get(computeKey(text))
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	atomic.AddInt64(&c.hits, 1)
	return q, true
}

// Set stores the parsed form of a description
func (c *QueryCache) Set(text string, q *query.Query) {
	if c == nil || q == nil {
		return
	}
	c.cache.Add(computeKey(text), q)
}

// GetOrParse returns the cached description or parses and caches it
func (c *QueryCache) GetOrParse(text string, parse func(string) (*query.Query, error)) (*query.Query, error) {
	if q, ok := c.Get(text); ok {
		return q, nil
	}
	q, err := parse(text)
	if err != nil {
		return nil, err
	}
	c.Set(text, q)
	return q, nil
}

// Clear removes all cached descriptions
func (c *QueryCache) Clear() {
	if c == nil {
		return
	}
	c.cache.Purge()
	atomic.StoreInt64(&c.hits, 0)
	atomic.StoreInt64(&c.misses, 0)
}

// Stats returns cache statistics
func (c *QueryCache) Stats() (hits, misses int64, size int) {
	if c == nil {
		return 0, 0, 0
	}
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses), c.cache.Len()
}

func computeKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
