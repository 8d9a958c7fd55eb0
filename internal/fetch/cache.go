package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	appLog "epframe/internal/log"
)

// Result is the outcome of a cached fetch.
type Result struct {
	Body      []byte
	FromCache bool
}

type cacheMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Cache stores bodies and validators on disk, one directory per URL.
type Cache struct {
	dir string
}

func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

// GetCached fetches rawURL with conditional headers from the cache. On 304,
// or when the request fails and a cached body exists, the cached body is
// returned.
func (c *Client) GetCached(ctx context.Context, rawURL string, cache *Cache) (Result, error) {
	if cache == nil {
		body, err := c.Get(ctx, rawURL)
		return Result{Body: body}, err
	}

	path := cache.pathFor(rawURL)
	if err := os.MkdirAll(path, 0o700); err != nil {
		return Result{}, fmt.Errorf("fetch: cache dir: %w", err)
	}
	meta, _ := cache.loadMeta(path)
	cached, _ := cache.loadBody(path)

	header := http.Header{}
	if meta.ETag != "" {
		header.Set("If-None-Match", meta.ETag)
	}
	if meta.LastModified != "" {
		header.Set("If-Modified-Since", meta.LastModified)
	}

	resp, err := c.do(ctx, rawURL, header)
	if err != nil {
		if len(cached) > 0 {
			appLog.Error("fetch: network error, using cached body", err, "url", RedactURL(rawURL))
			return Result{Body: cached, FromCache: true}, nil
		}
		return Result{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := c.read(resp.Body)
		if err != nil {
			return Result{}, fmt.Errorf("fetch: read %s: %w", RedactURL(rawURL), err)
		}
		meta = cacheMeta{
			URL:          rawURL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := cache.save(path, meta, body); err != nil {
			appLog.Error("fetch: cache save failed", err, "url", RedactURL(rawURL))
		}
		return Result{Body: body}, nil

	case http.StatusNotModified:
		if len(cached) == 0 {
			return Result{}, errors.New("fetch: 304 Not Modified without cached body")
		}
		appLog.Debug("fetch: not modified, using cache", "url", RedactURL(rawURL))
		return Result{Body: cached, FromCache: true}, nil

	default:
		serr := &StatusError{URL: rawURL, Code: resp.StatusCode, Status: resp.Status}
		if len(cached) > 0 {
			appLog.Error("fetch: using cached body", serr, "url", RedactURL(rawURL))
			return Result{Body: cached, FromCache: true}, nil
		}
		return Result{}, serr
	}
}

func (c *Cache) pathFor(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:8]))
}

func (c *Cache) loadMeta(path string) (cacheMeta, error) {
	var meta cacheMeta
	data, err := os.ReadFile(filepath.Join(path, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheMeta{}, err
	}
	return meta, nil
}

func (c *Cache) loadBody(path string) ([]byte, error) {
	return os.ReadFile(filepath.Join(path, "body"))
}

func (c *Cache) save(path string, meta cacheMeta, body []byte) error {
	// Body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(path, "body"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(path, "meta.json"), data, 0o600)
}
