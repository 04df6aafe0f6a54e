package syncengine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// file-backed store. All keys live in one JSON document that is rewritten
// on each mutation via a temp file rename, so a crash mid-write never
// leaves a torn document.
type FileStore struct {
	path string

	stateLock sync.Mutex
	values    map[string]string
}

func NewFileStore(path string) (*FileStore, error) {
	store := &FileStore{
		path:   path,
		values: map[string]string{},
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (self *FileStore) load() error {
	data, err := os.ReadFile(self.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read store: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &self.values); err != nil {
		return fmt.Errorf("decode store: %w", err)
	}
	return nil
}

// must be called with stateLock held
func (self *FileStore) persist() error {
	data, err := json.Marshal(self.values)
	if err != nil {
		return err
	}
	tempPath := self.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(self.path), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tempPath, self.path)
}

func (self *FileStore) Get(key string) (string, bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	value, ok := self.values[key]
	return value, ok, nil
}

func (self *FileStore) Set(key string, value string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.values[key] = value
	return self.persist()
}

func (self *FileStore) Remove(key string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.values[key]; !ok {
		return nil
	}
	delete(self.values, key)
	return self.persist()
}

func (self *FileStore) Keys(prefix string) ([]string, error) {
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
