package syncengine

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type testClock struct {
	stateLock sync.Mutex
	now       time.Time
}

func newTestClock() *testClock {
	return &testClock{
		now: time.Now(),
	}
}

func (self *testClock) Now() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.now
}

func (self *testClock) Advance(d time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.now = self.now.Add(d)
}

func TestCacheExpiry(t *testing.T) {
	clock := newTestClock()
	cache := NewCache[string](&CacheSettings{
		Ttl:     100 * time.Millisecond,
		MaxSize: 10,
		Now:     clock.Now,
	})

	cache.Set("a", "1")

	value, ok := cache.Get("a")
	assert.Equal(t, true, ok)
	assert.Equal(t, "1", value)

	clock.Advance(99 * time.Millisecond)
	_, ok = cache.Get("a")
	assert.Equal(t, true, ok)

	// now >= expiresAt reads as absent even if never removed
	clock.Advance(1 * time.Millisecond)
	_, ok = cache.Get("a")
	assert.Equal(t, false, ok)
	assert.Equal(t, false, cache.Has("a"))
	assert.Equal(t, 0, cache.Size())
}

func TestCacheLruBound(t *testing.T) {
	cache := NewCache[string](&CacheSettings{
		Ttl:     1 * time.Hour,
		MaxSize: 2,
	})

	cache.Set("a", "1")
	cache.Set("b", "2")

	// a read counts as a touch, so b is now the least recently touched
	_, ok := cache.Get("a")
	assert.Equal(t, true, ok)

	cache.Set("c", "3")

	assert.Equal(t, 2, cache.Size())
	_, ok = cache.Get("b")
	assert.Equal(t, false, ok)
	_, ok = cache.Get("a")
	assert.Equal(t, true, ok)
	_, ok = cache.Get("c")
	assert.Equal(t, true, ok)
}

func TestCacheHasDoesNotTouch(t *testing.T) {
	cache := NewCache[string](&CacheSettings{
		Ttl:     1 * time.Hour,
		MaxSize: 2,
	})

	cache.Set("a", "1")
	cache.Set("b", "2")

	// has does not update recency, so a stays least recently touched
	assert.Equal(t, true, cache.Has("a"))

	cache.Set("c", "3")

	assert.Equal(t, false, cache.Has("a"))
	assert.Equal(t, true, cache.Has("b"))
	assert.Equal(t, true, cache.Has("c"))
}

func TestCacheSetTouches(t *testing.T) {
	cache := NewCache[string](&CacheSettings{
		Ttl:     1 * time.Hour,
		MaxSize: 2,
	})

	cache.Set("a", "1")
	cache.Set("b", "2")
	// rewriting a touches it
	cache.Set("a", "1b")
	cache.Set("c", "3")

	assert.Equal(t, false, cache.Has("b"))
	value, ok := cache.Get("a")
	assert.Equal(t, true, ok)
	assert.Equal(t, "1b", value)
}

func TestCacheRemoveClear(t *testing.T) {
	store := NewMemoryStore()
	cache := NewCache[string](&CacheSettings{
		Ttl:     1 * time.Hour,
		MaxSize: 10,
		Store:   store,
	})

	cache.Set("a", "1")
	cache.Set("b", "2")

	keys, _ := store.Keys(cacheKeyPrefix)
	assert.Equal(t, 2, len(keys))

	cache.Remove("a")
	_, ok := cache.Get("a")
	assert.Equal(t, false, ok)
	keys, _ = store.Keys(cacheKeyPrefix)
	assert.Equal(t, []string{"cache:b"}, keys)

	cache.Clear()
	assert.Equal(t, 0, cache.Size())
	keys, _ = store.Keys(cacheKeyPrefix)
	assert.Equal(t, 0, len(keys))
}

func TestCacheDurableReload(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryStore()
	settings := func() *CacheSettings {
		return &CacheSettings{
			Ttl:     1 * time.Hour,
			MaxSize: 10,
			Store:   store,
			Now:     clock.Now,
		}
	}

	cache := NewCache[map[string]any](settings())
	cache.Set("user", map[string]any{"name": "alice"})
	cache.Set("team", map[string]any{"name": "core"})

	// a cold start reloads the persisted entries
	reloaded := NewCache[map[string]any](settings())
	assert.Equal(t, 2, reloaded.Size())
	value, ok := reloaded.Get("user")
	assert.Equal(t, true, ok)
	assert.Equal(t, "alice", value["name"])

	// entries that expired while persisted are dropped on reload
	clock.Advance(2 * time.Hour)
	expired := NewCache[map[string]any](settings())
	assert.Equal(t, 0, expired.Size())
	keys, _ := store.Keys(cacheKeyPrefix)
	assert.Equal(t, 0, len(keys))
}

func TestCacheEvictionRemovesDurableCopy(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryStore()
	cache := NewCache[string](&CacheSettings{
		Ttl:     100 * time.Millisecond,
		MaxSize: 1,
		Store:   store,
		Now:     clock.Now,
	})

	cache.Set("a", "1")
	cache.Set("b", "2")

	// the evicted entry's durable copy is gone by the time Set returns,
	// so a live entry always has the only durable copy of its key
	_, ok, _ := store.Get("cache:a")
	assert.Equal(t, false, ok)
	_, ok, _ = store.Get("cache:b")
	assert.Equal(t, true, ok)

	// an expired read removes the durable copy before returning
	clock.Advance(200 * time.Millisecond)
	_, ok = cache.Get("b")
	assert.Equal(t, false, ok)
	_, ok, _ = store.Get("cache:b")
	assert.Equal(t, false, ok)
}

func TestCacheConcurrentSetDurableOrder(t *testing.T) {
	store := NewMemoryStore()
	cache := NewCache[int](&CacheSettings{
		Ttl:     1 * time.Hour,
		MaxSize: 10,
		Store:   store,
	})

	wg := sync.WaitGroup{}
	for i := 0; i < 16; i += 1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cache.Set("k", i)
		}(i)
	}
	wg.Wait()

	// durable writes follow the in-memory mutation order, so the last
	// durable value is the live one
	inMemory, ok := cache.Get("k")
	assert.Equal(t, true, ok)

	value, ok, _ := store.Get("cache:k")
	assert.Equal(t, true, ok)
	var stored storedCacheEntry
	assert.Equal(t, nil, json.Unmarshal([]byte(value), &stored))
	var durable int
	assert.Equal(t, nil, json.Unmarshal(stored.Value, &durable))
	assert.Equal(t, inMemory, durable)
}

// a store that always fails
type failStore struct{}

func (self *failStore) Get(key string) (string, bool, error) {
	return "", false, errors.New("disk gone")
}

func (self *failStore) Set(key string, value string) error {
	return errors.New("disk gone")
}

func (self *failStore) Remove(key string) error {
	return errors.New("disk gone")
}

func (self *failStore) Keys(prefix string) ([]string, error) {
	return nil, errors.New("disk gone")
}

func TestCacheStorageFailure(t *testing.T) {
	storageErrors := 0
	cache := NewCache[string](&CacheSettings{
		Ttl:     1 * time.Hour,
		MaxSize: 10,
		Store:   &failStore{},
		ErrorCallback: func(err error) {
			storageErrors += 1
		},
	})

	// reload failure was reported
	assert.NotEqual(t, storageErrors, 0)

	// the in-memory cache stays authoritative
	cache.Set("a", "1")
	value, ok := cache.Get("a")
	assert.Equal(t, true, ok)
	assert.Equal(t, "1", value)
}
