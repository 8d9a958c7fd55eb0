package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCachedRevalidates(t *testing.T) {
	var hits, notModified atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("BEGIN:VCALENDAR"))
	}))
	defer srv.Close()

	c := New(0, 0)
	cache := NewCache(t.TempDir())

	first, err := c.GetCached(context.Background(), srv.URL+"/cal.ics", cache)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := c.GetCached(context.Background(), srv.URL+"/cal.ics", cache)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Body, second.Body)

	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, int32(1), notModified.Load())
}

func TestGetCachedFallsBackOnServerError(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("cached body"))
	}))
	defer srv.Close()

	c := New(0, 0)
	cache := NewCache(t.TempDir())
	_, err := c.GetCached(context.Background(), srv.URL, cache)
	require.NoError(t, err)

	fail.Store(true)
	res, err := c.GetCached(context.Background(), srv.URL, cache)

	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, "cached body", string(res.Body))
}

func TestGetCachedWithoutCacheBodyFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	_, err := New(0, 0).GetCached(context.Background(), srv.URL, NewCache(t.TempDir()))

	assert.Error(t, err)
}
