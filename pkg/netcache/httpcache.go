package netcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Cache provides a simple persistent HTTP cache with ETag/Last-Modified support.
type Cache struct {
	Dir    string
	Client *http.Client
	// Retries is the number of attempts for a full fetch. Network errors and
	// 5xx responses are retried, other statuses fail immediately.
	Retries int
	// Backoff is the delay before the second attempt; it doubles afterwards.
	Backoff time.Duration
	Logger  *slog.Logger
}

// New returns a new Cache with a reasonable default HTTP client.
func New(dir string) *Cache {
	return &Cache{
		Dir: dir,
		Client: &http.Client{
			Timeout: 30 * time.Second,
		},
		Retries: 3,
		Backoff: time.Second,
		Logger:  slog.Default(),
	}
}

// StatusError reports an unsuccessful HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
}

type meta struct {
	URL          string `json:"url"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
	// DataFile is the basename of the cached payload file
	DataFile string `json:"data_file"`
}

// Fetch returns the body of url, served from the cache when the server
// reports it unchanged.
func (c *Cache) Fetch(ctx context.Context, url string) ([]byte, error) {
	path, _, err := c.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Get fetches the URL into the cache and returns a local file path.
// If the cache is valid, it is reused without downloading.
// Returns (path, fromCache, error).
func (c *Cache) Get(ctx context.Context, url string) (string, bool, error) {
	key := hash(url)
	mpath := filepath.Join(c.Dir, key+".json")
	var m meta
	var haveMeta bool
	if b, err := os.ReadFile(mpath); err == nil {
		_ = json.Unmarshal(b, &m)
		if m.URL == url && m.DataFile != "" && fileExists(filepath.Join(c.Dir, m.DataFile)) {
			haveMeta = true
		}
	}

	if haveMeta {
		path, fromCache, err := c.revalidate(ctx, url, mpath, m)
		if err == nil {
			return path, fromCache, nil
		}
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return "", false, err
		}
		// If the conditional request fails (network or server), reuse the
		// cached file best-effort.
		c.logger().Debug("revalidation failed, using cached copy", "url", url, "error", err)
		return filepath.Join(c.Dir, m.DataFile), true, nil
	}

	// Full fetch with simple retry/backoff on network errors or 5xx
	retries := max(c.Retries, 1)
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			delay := c.Backoff << (attempt - 1)
			c.logger().Debug("retrying fetch", "url", url, "attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return "", false, ctx.Err()
			case <-time.After(delay):
			}
		}
		path, err := c.fetch(ctx, url, mpath, nil)
		if err == nil {
			return path, false, nil
		}
		lastErr = err
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode < 500 {
			break
		}
	}
	return "", false, lastErr
}

func (c *Cache) revalidate(ctx context.Context, url, mpath string, m meta) (string, bool, error) {
	header := http.Header{}
	if m.ETag != "" {
		header.Set("If-None-Match", m.ETag)
	}
	if m.LastModified != "" {
		header.Set("If-Modified-Since", m.LastModified)
	}
	path, err := c.fetch(ctx, url, mpath, header)
	if errors.Is(err, errNotModified) {
		c.logger().Debug("cache hit", "url", url)
		return filepath.Join(c.Dir, m.DataFile), true, nil
	}
	return path, false, err
}

var errNotModified = errors.New("not modified")

// fetch performs one GET and stores a successful body with its metadata.
func (c *Cache) fetch(ctx context.Context, url, mpath string, header http.Header) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && header != nil:
		return "", errNotModified
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	c.logger().Debug("cache miss", "url", url, "status", resp.StatusCode)
	dataFile := hash(url) + ".data"
	path := filepath.Join(c.Dir, dataFile)
	if err := streamToFile(resp.Body, path, 0o644); err != nil {
		return "", err
	}
	nm := meta{
		URL:          url,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		DataFile:     dataFile,
	}
	if err := writeMeta(mpath, nm); err != nil {
		return "", err
	}
	return path, nil
}

func (c *Cache) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *Cache) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func streamToFile(r io.Reader, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func writeMeta(path string, m meta) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}
