package syncengine

import (
	"container/list"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

const cacheKeyPrefix = "cache:"

type CacheSettings struct {
	// entry lifetime. after this the entry reads as absent
	Ttl time.Duration
	// maximum entry count. the least recently touched entry is
	// evicted first when the bound is exceeded
	MaxSize int
	// optional durable backing. failures are reported through
	// `ErrorCallback` and never block in-memory operation
	Store         Store
	ErrorCallback ErrorFunction
	// override for tests
	Now func() time.Time
}

func DefaultCacheSettings() *CacheSettings {
	return &CacheSettings{
		Ttl:     5 * time.Minute,
		MaxSize: 128,
	}
}

type cacheEntry[V any] struct {
	key       string
	value     V
	createdAt time.Time
	expiresAt time.Time
	// position in the recency list
	element *list.Element
}

// persisted form of one entry, stored under `cache:<key>`
type storedCacheEntry struct {
	Value     json.RawMessage `json:"value"`
	CreatedAt int64           `json:"createdAt"`
	ExpiresAt int64           `json:"expiresAt"`
}

// Cache maps a key to a value with ttl expiry and lru eviction under a
// maximum entry count. A get counts as a touch; `Has` does not touch.
// When a durable store is configured, entries survive restart and are
// reloaded on construction in recency order by create time.
type Cache[V any] struct {
	settings *CacheSettings

	stateLock sync.Mutex
	entries   map[string]*cacheEntry[V]
	// front is most recently touched
	recency *list.List
}

func NewCacheWithDefaults[V any]() *Cache[V] {
	return NewCache[V](DefaultCacheSettings())
}

func NewCache[V any](settings *CacheSettings) *Cache[V] {
	cache := &Cache[V]{
		settings: settings,
		entries:  map[string]*cacheEntry[V]{},
		recency:  list.New(),
	}
	if settings.Store != nil {
		cache.reload()
	}
	return cache
}

func (self *Cache[V]) now() time.Time {
	if self.settings.Now != nil {
		return self.settings.Now()
	}
	return time.Now()
}

func (self *Cache[V]) reportStorageError(err error) {
	glog.Infof("[cache]storage error = %s\n", err)
	if self.settings.ErrorCallback != nil {
		self.settings.ErrorCallback(err)
	}
}

// load prior entries from the durable backing. expired entries are dropped,
// the rest enter the recency order oldest first so that a full cache evicts
// the stalest entries first.
func (self *Cache[V]) reload() {
	keys, err := self.settings.Store.Keys(cacheKeyPrefix)
	if err != nil {
		self.reportStorageError(fmt.Errorf("enumerate cache entries: %w", err))
		return
	}

	now := self.now()
	loaded := []*cacheEntry[V]{}
	for _, storeKey := range keys {
		value, ok, err := self.settings.Store.Get(storeKey)
		if err != nil {
			self.reportStorageError(fmt.Errorf("read cache entry %s: %w", storeKey, err))
			continue
		}
		if !ok {
			continue
		}

		var stored storedCacheEntry
		if err := json.Unmarshal([]byte(value), &stored); err != nil {
			self.reportStorageError(fmt.Errorf("decode cache entry %s: %w", storeKey, err))
			continue
		}

		key := strings.TrimPrefix(storeKey, cacheKeyPrefix)
		if !now.Before(millisToTime(stored.ExpiresAt)) {
			// expired while persisted
			if err := self.removeStored(key); err != nil {
				self.reportStorageError(err)
			}
			continue
		}

		var v V
		if err := json.Unmarshal(stored.Value, &v); err != nil {
			self.reportStorageError(fmt.Errorf("decode cache value %s: %w", storeKey, err))
			continue
		}
		loaded = append(loaded, &cacheEntry[V]{
			key:       key,
			value:     v,
			createdAt: millisToTime(stored.CreatedAt),
			expiresAt: millisToTime(stored.ExpiresAt),
		})
	}

	slices.SortFunc(loaded, func(a *cacheEntry[V], b *cacheEntry[V]) int {
		return a.createdAt.Compare(b.createdAt)
	})

	errs := func() []error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		errs := []error{}
		for _, entry := range loaded {
			entry.element = self.recency.PushFront(entry.key)
			self.entries[entry.key] = entry
			errs = append(errs, self.evictOverLock()...)
		}
		return errs
	}()
	for _, err := range errs {
		self.reportStorageError(err)
	}
}

func (self *Cache[V]) Set(key string, value V) {
	now := self.now()
	entry := &cacheEntry[V]{
		key:       key,
		value:     value,
		createdAt: now,
		expiresAt: now.Add(self.settings.Ttl),
	}

	// store writes happen under stateLock so that durable state always
	// reflects the mutation order. error reporting waits for the unlock
	errs := func() []error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if existing, ok := self.entries[key]; ok {
			entry.element = existing.element
			self.recency.MoveToFront(entry.element)
		} else {
			entry.element = self.recency.PushFront(key)
		}
		self.entries[key] = entry
		errs := self.evictOverLock()
		if err := self.persistStored(key, entry); err != nil {
			errs = append(errs, err)
		}
		return errs
	}()
	for _, err := range errs {
		self.reportStorageError(err)
	}
}

// evict least recently touched entries until within the bound.
// must be called with stateLock held.
func (self *Cache[V]) evictOverLock() []error {
	errs := []error{}
	for 0 < self.settings.MaxSize && self.settings.MaxSize < len(self.entries) {
		back := self.recency.Back()
		if back == nil {
			break
		}
		evictKey := back.Value.(string)
		self.recency.Remove(back)
		delete(self.entries, evictKey)
		glog.V(2).Infof("[cache]evict %s\n", evictKey)
		if err := self.removeStored(evictKey); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (self *Cache[V]) Get(key string) (V, bool) {
	var storeErr error
	value, ok := func() (V, bool) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		var empty V
		entry, ok := self.entries[key]
		if !ok {
			return empty, false
		}
		if !self.now().Before(entry.expiresAt) {
			// expired. read after expiry destroys the entry
			self.recency.Remove(entry.element)
			delete(self.entries, key)
			storeErr = self.removeStored(key)
			return empty, false
		}
		// a hit counts as a touch
		self.recency.MoveToFront(entry.element)
		return entry.value, true
	}()
	if storeErr != nil {
		self.reportStorageError(storeErr)
	}
	return value, ok
}

// same expiry semantics as `Get` without mutating recency order
func (self *Cache[V]) Has(key string) bool {
	var storeErr error
	ok := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		entry, ok := self.entries[key]
		if !ok {
			return false
		}
		if !self.now().Before(entry.expiresAt) {
			self.recency.Remove(entry.element)
			delete(self.entries, key)
			storeErr = self.removeStored(key)
			return false
		}
		return true
	}()
	if storeErr != nil {
		self.reportStorageError(storeErr)
	}
	return ok
}

func (self *Cache[V]) Remove(key string) {
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if entry, ok := self.entries[key]; ok {
			self.recency.Remove(entry.element)
			delete(self.entries, key)
		}
		return self.removeStored(key)
	}()
	if err != nil {
		self.reportStorageError(err)
	}
}

func (self *Cache[V]) Clear() {
	errs := func() []error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		errs := []error{}
		for key := range self.entries {
			if err := self.removeStored(key); err != nil {
				errs = append(errs, err)
			}
		}
		self.entries = map[string]*cacheEntry[V]{}
		self.recency = list.New()
		return errs
	}()
	for _, err := range errs {
		self.reportStorageError(err)
	}
}

func (self *Cache[V]) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.entries)
}

func (self *Cache[V]) persistStored(key string, entry *cacheEntry[V]) error {
	if self.settings.Store == nil {
		return nil
	}

	valueBytes, err := json.Marshal(entry.value)
	if err != nil {
		return fmt.Errorf("encode cache value %s: %w", key, err)
	}
	storedBytes, err := json.Marshal(&storedCacheEntry{
		Value:     valueBytes,
		CreatedAt: timeToMillis(entry.createdAt),
		ExpiresAt: timeToMillis(entry.expiresAt),
	})
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	if err := self.settings.Store.Set(cacheKeyPrefix+key, string(storedBytes)); err != nil {
		return fmt.Errorf("write cache entry %s: %w", key, err)
	}
	return nil
}

func (self *Cache[V]) removeStored(key string) error {
	if self.settings.Store == nil {
		return nil
	}
	if err := self.settings.Store.Remove(cacheKeyPrefix + key); err != nil {
		return fmt.Errorf("remove cache entry %s: %w", key, err)
	}
	return nil
}
