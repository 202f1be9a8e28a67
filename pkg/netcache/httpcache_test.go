package netcache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchCachesWithETag(t *testing.T) {
	var full, notModified atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		full.Add(1)
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("hello {{ name }}"))
	}))
	defer srv.Close()

	c := New(t.TempDir())
	ctx := context.Background()

	b, err := c.Fetch(ctx, srv.URL+"/a.html")
	require.NoError(t, err)
	assert.Equal(t, "hello {{ name }}", string(b))

	path, fromCache, err := c.Get(ctx, srv.URL+"/a.html")
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.FileExists(t, path)

	assert.Equal(t, int32(1), full.Load())
	assert.Equal(t, int32(1), notModified.Load())
}

func TestFetchNotFoundIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := New(t.TempDir())
	_, err := c.Fetch(context.Background(), srv.URL+"/missing")

	var se *StatusError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(t.TempDir())
	c.Backoff = time.Millisecond
	b, err := c.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(b))
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchFallsBackToCachedCopy(t *testing.T) {
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Last-Modified", "Mon, 01 Jan 2024 00:00:00 GMT")
		_, _ = w.Write([]byte("cached"))
	}))
	defer srv.Close()

	c := New(t.TempDir())
	_, err := c.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	down.Store(true)
	b, err := c.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "cached", string(b))
}
