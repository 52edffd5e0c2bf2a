// Package cache memoizes per-row model outputs for the prediction server.
package cache

import (
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// PredictionCache maps an input row to the model output for that row.
type PredictionCache interface {
	Get(key string) ([]float64, bool)
	Put(key string, out []float64)
	// Purge drops every entry, e.g. after the model changed.
	Purge()
	Size() int
}

var keyMode cbor.EncMode

func init() {
	var err error
	keyMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Key encodes an input row as a cache key. Rows are equal keys exactly when
// their values are bitwise equal.
func Key(row []float64) string {
	b, err := keyMode.Marshal(row)
	if err != nil {
		return ""
	}
	return string(b)
}

// MapCache is an in-memory PredictionCache holding at most capacity entries.
// The oldest entry is evicted first. A capacity of zero means unbounded.
type MapCache struct {
	mu       sync.RWMutex
	data     map[string][]float64
	order    []string
	capacity int
}

func NewMapCache(capacity int) *MapCache {
	return &MapCache{
		data:     make(map[string][]float64),
		capacity: capacity,
	}
}

func (c *MapCache) Get(key string) ([]float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.data[key]
	if !ok {
		cacheMisses.Inc()
		return nil, false
	}
	cacheHits.Inc()
	dst := make([]float64, len(v))
	copy(dst, v)
	return dst, true
}

func (c *MapCache) Put(key string, out []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.data[key]; !ok {
		if c.capacity > 0 && len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.data, oldest)
			cacheEvictions.Inc()
		}
		c.order = append(c.order, key)
	}
	dst := make([]float64, len(out))
	copy(dst, out)
	c.data[key] = dst
	cacheEntries.Set(float64(len(c.data)))
}

func (c *MapCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string][]float64)
	c.order = nil
	cacheEntries.Set(0)
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
