package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// WebRepository serves configuration definitions fetched from a remote HTTP
// endpoint, one GET per path under BaseURL.
//
// Plain HTTP has no per-file mtime the way a filesystem does; this
// repository derives GetUpdateTime from the ETag/Last-Modified response
// headers when the server sends them, and otherwise reports "just
// modified" on every call so that a definition served without caching
// metadata is always treated as changed rather than silently stale.
type WebRepository struct {
	BaseURL string
	APIKey  string
	Client  *http.Client

	mu    sync.Mutex
	etags map[string]string
}

// NewWebRepository creates a WebRepository fetching definitions relative to
// baseURL.
func NewWebRepository(baseURL string) (*WebRepository, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("web repository base url is required")
	}
	return &WebRepository{BaseURL: baseURL, Client: http.DefaultClient, etags: map[string]string{}}, nil
}

func (w *WebRepository) url(path string) string {
	return strings.TrimSuffix(w.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")
}

func (w *WebRepository) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, w.url(path), nil)
	if err != nil {
		return nil, err
	}
	if w.APIKey != "" {
		req.Header.Set("X-API-KEY", w.APIKey)
	}
	return req, nil
}

func (w *WebRepository) Exists(ctx context.Context, path string) (bool, error) {
	req, err := w.newRequest(ctx, http.MethodHead, path)
	if err != nil {
		return false, err
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (w *WebRepository) GetUpdateTime(ctx context.Context, path string) (time.Time, error) {
	req, err := w.newRequest(ctx, http.MethodHead, path)
	if err != nil {
		return time.Time{}, err
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()

	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			return t, nil
		}
	}

	etag := resp.Header.Get("ETag")
	w.mu.Lock()
	defer w.mu.Unlock()
	if etag != "" && w.etags[path] == etag {
		return time.Time{}, nil
	}
	if etag != "" {
		w.etags[path] = etag
	}
	return time.Now(), nil
}

func (w *WebRepository) Load(ctx context.Context, path string) (ParsedConfig, error) {
	req, err := w.newRequest(ctx, http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", w.url(path), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", w.url(path), resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

// GetAllLoadablesDefinitionNames is not generally derivable from a bare
// HTTP endpoint; a WebRepository serving a directory listing at
// "/index.json" (an array of relative paths) is supported, everything else
// returns an empty list, leaving path discovery to the caller via
// ConfigReader.ReadPath — reachable in practice through the reload
// webhook exposed by the httpstatus package.
func (w *WebRepository) GetAllLoadablesDefinitionNames(ctx context.Context) ([]string, error) {
	req, err := w.newRequest(ctx, http.MethodGet, "index.json")
	if err != nil {
		return nil, err
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return nil, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}
	var names []string
	if err := json.NewDecoder(resp.Body).Decode(&names); err != nil {
		return nil, nil
	}
	return names, nil
}
