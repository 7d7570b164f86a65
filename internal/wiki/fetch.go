package wiki

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	appLog "birthdaycal/internal/log"
)

const userAgent = "birthdaycal/1.0"

// PageFetcher returns the HTML of a page.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// cacheEntry holds HTTP cache metadata for a single page URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HTTPFetcher fetches pages with conditional requests (ETag /
// Last-Modified) backed by a disk cache. A network error or an error
// status fails the fetch unless StaleOnError is set, in which case a
// cached body is served instead.
type HTTPFetcher struct {
	client   *http.Client
	cacheDir string

	// StaleOnError serves the last cached body when the wiki is
	// unreachable. The run then reconciles against possibly outdated
	// pages instead of failing.
	StaleOnError bool
}

// NewHTTPFetcher creates a fetcher caching under cacheDir, one
// subdirectory per URL.
func NewHTTPFetcher(cacheDir string, timeout time.Duration) *HTTPFetcher {
	if cacheDir == "" {
		// Caller should set this explicitly; we fallback to a relative dir
		// so that development runs work from a checkout.
		cacheDir = "./var/page-cache"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPFetcher{
		client:   &http.Client{Timeout: timeout},
		cacheDir: cacheDir,
	}
}

// Fetch implements PageFetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, errors.New("wiki: page URL is empty")
	}

	cachePath := f.cachePathForURL(url)
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return nil, err
	}

	meta, _ := f.loadCacheMeta(cachePath)
	cachedBody, _ := f.loadCacheBody(cachePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	// Conditional headers only make sense when we can serve the body.
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("page fetch start", "url", url)

	resp, err := f.client.Do(req)
	if err != nil {
		if f.StaleOnError && len(cachedBody) > 0 {
			appLog.Error("page fetch network error, using cached body", err, "url", url)
			return cachedBody, nil
		}
		return nil, fmt.Errorf("wiki: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("wiki: read %s: %w", url, readErr)
		}

		newMeta := cacheEntry{
			URL:          url,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := f.saveCache(cachePath, newMeta, body); err != nil {
			// Log but still return the freshly fetched body.
			appLog.Error("page cache save failed", err, "url", url)
		}

		appLog.Debug("page fetch success", "url", url, "status", resp.StatusCode, "bytes", len(body))
		return body, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return nil, errors.New("wiki: received 304 Not Modified but no cached body available")
		}
		appLog.Debug("page not modified; using cache", "url", url)
		return cachedBody, nil

	default:
		if f.StaleOnError && len(cachedBody) > 0 {
			appLog.Error("page fetch non-OK, using cached body", errors.New(resp.Status), "url", url, "status", resp.StatusCode)
			return cachedBody, nil
		}
		return nil, fmt.Errorf("wiki: fetch %s: %s", url, resp.Status)
	}
}

func (f *HTTPFetcher) cachePathForURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	// Use first 16 hex chars as directory name.
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func (f *HTTPFetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (f *HTTPFetcher) loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.html"))
}

func (f *HTTPFetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.html"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}
