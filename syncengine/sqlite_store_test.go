package syncengine

import (
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSqliteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")

	store, err := NewSqliteStore(path)
	assert.Equal(t, nil, err)
	defer store.Close()

	testStoreContract(t, store)

	// values survive reopen
	assert.Equal(t, nil, store.Set("persist", "yes"))
	assert.Equal(t, nil, store.Close())

	reopened, err := NewSqliteStore(path)
	assert.Equal(t, nil, err)
	defer reopened.Close()

	value, ok, err := reopened.Get("persist")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, "yes", value)
}
