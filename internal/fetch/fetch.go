// Package fetch downloads frame buffers and calendar feeds over HTTP.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	appLog "epframe/internal/log"
)

// StatusError is returned for any non-200 response.
type StatusError struct {
	URL    string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch: %s: unexpected status %s", RedactURL(e.URL), e.Status)
}

var ErrTooLarge = errors.New("fetch: body exceeds size limit")

const (
	defaultTimeout  = 30 * time.Second
	defaultMaxBytes = 4 << 20
)

// Client performs single blocking GETs and reads the full body.
type Client struct {
	http     *http.Client
	maxBytes int64
}

// New returns a Client. Zero values select a 30s timeout and a 4 MiB limit.
func New(timeout time.Duration, maxBytes int64) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Client{
		http:     &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

// Get fetches rawURL and returns the whole body.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := c.do(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: rawURL, Code: resp.StatusCode, Status: resp.Status}
	}
	body, err := c.read(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch: read %s: %w", RedactURL(rawURL), err)
	}
	appLog.Debug("fetch: done", "url", RedactURL(rawURL), "bytes", len(body))
	return body, nil
}

func (c *Client) do(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("fetch: unsupported scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: new request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	appLog.Info("fetch: start", "url", RedactURL(rawURL))
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: get %s: %w", RedactURL(rawURL), err)
	}
	return resp, nil
}

func (c *Client) read(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, c.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > c.maxBytes {
		return nil, ErrTooLarge
	}
	return body, nil
}

// RedactURL keeps only scheme and host of u for logging.
func RedactURL(u string) string {
	p, err := url.Parse(u)
	if err != nil || p.Host == "" {
		return "(redacted)"
	}
	if p.Path == "" && p.RawQuery == "" {
		return p.Scheme + "://" + p.Host
	}
	return p.Scheme + "://" + p.Host + "/...(redacted)"
}
