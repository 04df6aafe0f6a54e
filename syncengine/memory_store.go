package syncengine

import (
	"strings"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// in-process store. Durable only for the lifetime of the process,
// used as the default backing and in tests.
type MemoryStore struct {
	stateLock sync.Mutex
	values    map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: map[string]string{},
	}
}

func (self *MemoryStore) Get(key string) (string, bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	value, ok := self.values[key]
	return value, ok, nil
}

func (self *MemoryStore) Set(key string, value string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.values[key] = value
	return nil
}

func (self *MemoryStore) Remove(key string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.values, key)
	return nil
}

func (self *MemoryStore) Keys(prefix string) ([]string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	keys := []string{}
	for _, key := range maps.Keys(self.values) {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}
