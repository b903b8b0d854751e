package source

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"epdframe/internal/raster"
	appLog "epdframe/internal/log"
)

// maxImageBytes bounds a fetched image body.
const maxImageBytes = 32 << 20

// cacheEntry holds HTTP cache metadata for a single image URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Image shows a PNG, JPEG, GIF, BMP or TIFF fetched over HTTP. With a
// CacheDir it sends conditional requests (ETag / Last-Modified) and falls
// back to the cached copy when the server is unreachable or errors.
type Image struct {
	URL      string
	CacheDir string

	// Client defaults to a client with a 15s timeout.
	Client *http.Client
}

func (s *Image) String() string { return "image " + redactURL(s.URL) }

func (s *Image) Frame(ctx context.Context, _ raster.Geometry) (image.Image, error) {
	body, fromCache, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	img, err := imaging.Decode(bytes.NewReader(body), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("source: decode %s: %w", redactURL(s.URL), err)
	}
	appLog.Debug("image source decoded", "url", redactURL(s.URL), "from_cache", fromCache, "bounds", img.Bounds().String())
	return img, nil
}

func (s *Image) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (s *Image) fetch(ctx context.Context) ([]byte, bool, error) {
	var (
		cachePath  string
		meta       cacheEntry
		cachedBody []byte
	)
	if s.CacheDir != "" {
		cachePath = s.cachePath()
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			return nil, false, fmt.Errorf("source: cache dir: %w", err)
		}
		meta, _ = loadCacheMeta(cachePath)
		cachedBody, _ = os.ReadFile(filepath.Join(cachePath, "body"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("source: %w", err)
	}
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := s.client().Do(req)
	if err != nil {
		if len(cachedBody) > 0 {
			appLog.Error("image fetch network error, using cached body", err, "url", redactURL(s.URL))
			return cachedBody, true, nil
		}
		return nil, false, fmt.Errorf("source: fetch %s: %w", redactURL(s.URL), err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
		if err != nil {
			return nil, false, fmt.Errorf("source: read %s: %w", redactURL(s.URL), err)
		}
		if len(body) > maxImageBytes {
			return nil, false, fmt.Errorf("source: %s is larger than %d bytes", redactURL(s.URL), maxImageBytes)
		}
		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          s.URL,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := saveCache(cachePath, newMeta, body); err != nil {
				// The fresh body is still good.
				appLog.Error("image cache save failed", err, "url", redactURL(s.URL))
			}
		}
		appLog.Info("image fetch success", "url", redactURL(s.URL), "bytes", len(body))
		return body, false, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return nil, false, errors.New("source: received 304 Not Modified but no cached body available")
		}
		appLog.Info("image not modified; using cache", "url", redactURL(s.URL))
		return cachedBody, true, nil

	default:
		if len(cachedBody) > 0 {
			appLog.Error("image fetch non-OK, using cached body", errors.New(resp.Status), "url", redactURL(s.URL), "status", resp.StatusCode)
			return cachedBody, true, nil
		}
		return nil, false, fmt.Errorf("source: fetch %s: %s", redactURL(s.URL), resp.Status)
	}
}

// cachePath is keyed by a hash of the URL.
func (s *Image) cachePath() string {
	sum := sha256.Sum256([]byte(s.URL))
	return filepath.Join(s.CacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
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

func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL keeps the scheme and host of u. Image URLs often carry tokens.
func redactURL(u string) string {
	i := strings.Index(u, "://")
	if i < 0 {
		return "...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		return u[:i+3+j] + "/...(redacted)"
	}
	return u
}
