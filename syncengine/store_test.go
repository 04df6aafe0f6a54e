package syncengine

import (
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testStoreContract(t *testing.T, store Store) {
	_, ok, err := store.Get("missing")
	assert.Equal(t, nil, err)
	assert.Equal(t, false, ok)

	assert.Equal(t, nil, store.Set("a", "1"))
	assert.Equal(t, nil, store.Set("b", "2"))
	assert.Equal(t, nil, store.Set("cache:x", "x1"))
	assert.Equal(t, nil, store.Set("cache:y", "y1"))

	value, ok, err := store.Get("a")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, "1", value)

	// overwrite
	assert.Equal(t, nil, store.Set("a", "1b"))
	value, _, _ = store.Get("a")
	assert.Equal(t, "1b", value)

	keys, err := store.Keys("cache:")
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"cache:x", "cache:y"}, keys)

	keys, err = store.Keys("")
	assert.Equal(t, nil, err)
	assert.Equal(t, 4, len(keys))

	assert.Equal(t, nil, store.Remove("a"))
	_, ok, _ = store.Get("a")
	assert.Equal(t, false, ok)

	// removing a missing key is a no-op
	assert.Equal(t, nil, store.Remove("a"))
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")

	store, err := NewFileStore(path)
	assert.Equal(t, nil, err)
	testStoreContract(t, store)

	// values survive reopen
	assert.Equal(t, nil, store.Set("persist", "yes"))
	reopened, err := NewFileStore(path)
	assert.Equal(t, nil, err)
	value, ok, err := reopened.Get("persist")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, "yes", value)

	// removals survive reopen
	assert.Equal(t, nil, reopened.Remove("persist"))
	reopened2, err := NewFileStore(path)
	assert.Equal(t, nil, err)
	_, ok, _ = reopened2.Get("persist")
	assert.Equal(t, false, ok)
}
