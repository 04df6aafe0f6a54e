package syncengine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestApiResourceFetchPush(t *testing.T) {
	ctx := context.Background()

	stateLock := sync.Mutex{}
	remote := map[string]any{"count": float64(7), "name": "a"}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stateLock.Lock()
		defer stateLock.Unlock()
		switch r.Method {
		case "GET":
			json.NewEncoder(w).Encode(remote)
		case "POST":
			body, _ := io.ReadAll(r.Body)
			next := map[string]any{}
			if err := json.Unmarshal(body, &next); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			remote = next
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}))
	defer server.Close()

	resource := NewApiResource[map[string]any](ctx, server.URL)
	defer resource.Close()

	snapshot, err := resource.Fetch(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, float64(7), snapshot["count"])
	assert.Equal(t, "a", snapshot["name"])

	err = resource.Push(ctx, map[string]any{"count": float64(8)})
	assert.Equal(t, nil, err)

	snapshot, err = resource.Fetch(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, float64(8), snapshot["count"])
	_, ok := snapshot["name"]
	assert.Equal(t, false, ok)
}

func TestApiResourceErrorBody(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "resource unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	resource := NewApiResource[map[string]any](ctx, server.URL)
	defer resource.Close()

	_, err := resource.Fetch(ctx)
	assert.NotEqual(t, nil, err)
	// the response body is the error message
	assert.Equal(t, "resource unavailable", err.Error())

	err = resource.Push(ctx, map[string]any{"count": 1})
	assert.NotEqual(t, nil, err)
	assert.Equal(t, "resource unavailable", err.Error())
}

func TestApiResourceBlockingCallback(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"count": 9})
	}))
	defer server.Close()

	resource := NewApiResource[map[string]any](ctx, server.URL)
	defer resource.Close()

	callback, c := NewBlockingApiCallback[map[string]any](ctx)
	resource.FetchWithCallback(callback)

	result := <-c
	assert.Equal(t, nil, result.Error)
	assert.Equal(t, float64(9), result.Result["count"])
}

func TestApiResourceSynchronizerAdapters(t *testing.T) {
	ctx := context.Background()

	stateLock := sync.Mutex{}
	remote := map[string]any{"count": float64(0)}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stateLock.Lock()
		defer stateLock.Unlock()
		switch r.Method {
		case "GET":
			json.NewEncoder(w).Encode(remote)
		case "POST":
			body, _ := io.ReadAll(r.Body)
			next := map[string]any{}
			json.Unmarshal(body, &next)
			remote = next
		}
	}))
	defer server.Close()

	resource := NewApiResource[map[string]any](ctx, server.URL)
	defer resource.Close()

	synchronizer := NewSynchronizer(ctx, &SynchronizerConfig[map[string]any]{
		ResourceKey: "counter",
		Initial:     map[string]any{"count": 0},
		Store:       NewMemoryStore(),
		Fetch:       resource.FetchFunc(),
		Push:        resource.PushFunc(),
	}, testSynchronizerSettings())
	defer synchronizer.Close()

	synchronizer.Update(Patch{"count": 2})

	err := synchronizer.Sync(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, synchronizer.PendingCount())

	stateLock.Lock()
	count := remote["count"]
	stateLock.Unlock()
	assert.Equal(t, float64(2), count)
}
