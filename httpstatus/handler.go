// Package httpstatus exposes an HTTP view over a Loader's tracked objects,
// plus a reload webhook for nudging a single changed file in early.
package httpstatus

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-http-utils/etag"
	"github.com/sirupsen/logrus"

	"github.com/sardine-ai/go-external-loader/config"
	"github.com/sardine-ai/go-external-loader/loading"
)

// Loader is the subset of extloader.Loader this package depends on.
type Loader interface {
	Status(name string) loading.Status
	Result(name string) (loading.LoadResult, bool)
	Results(filter loading.Filter) []loading.LoadResult
	ReloadPath(ctx context.Context, repoName, path string) (map[string]config.Definition, error)
}

type objectView struct {
	Name             string    `json:"name"`
	Status           string    `json:"status"`
	ErrorCount       int       `json:"error_count"`
	LoadingStartTime time.Time `json:"loading_start_time,omitempty"`
	LoadingEndTime   time.Time `json:"loading_end_time,omitempty"`
	NextUpdateTime   time.Time `json:"next_update_time,omitempty"`
	Error            string    `json:"error,omitempty"`
}

func toView(r loading.LoadResult) objectView {
	v := objectView{
		Name:             r.Name,
		Status:           r.Status.String(),
		ErrorCount:       r.ErrorCount,
		LoadingStartTime: r.LoadingStartTime,
		LoadingEndTime:   r.LoadingEndTime,
		NextUpdateTime:   r.NextUpdateTime,
	}
	if r.Exception != nil {
		v.Error = r.Exception.Error()
	}
	return v
}

// Handler serves GET /objects (every tracked object), GET /objects/{name}
// (a single object), and POST /reload (a webhook for a single changed
// file), wrapped in etag caching. The GET routes trigger no loads: they
// are purely a view over the Loader's existing query accessors. POST
// /reload is the exception, meant to be called by whatever system
// (a config-management push, a git post-receive hook) knows a specific
// file just changed, so the loader doesn't have to wait for its next
// periodic rescan to pick it up.
type Handler struct {
	Loader  Loader
	AuthKey string
}

// New creates a Handler over loader.
func New(loader Loader) *Handler {
	return &Handler{Loader: loader}
}

func (h *Handler) mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/objects", h.handleList)
	mux.HandleFunc("/objects/", h.handleOne)
	mux.HandleFunc("/reload", h.handleReload)
	return mux
}

// ServeHTTP wraps the routed mux in etag caching and, if AuthKey is set,
// an X-API-KEY gate.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handler := etag.Handler(h.mux(), false)
	if h.AuthKey != "" {
		handler = Auth(handler, h.AuthKey)
	}
	handler.ServeHTTP(w, r)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	results := h.Loader.Results(loading.All)
	views := make([]objectView, 0, len(results))
	for _, r := range results {
		views = append(views, toView(r))
	}
	writeJSON(w, views)
}

func (h *Handler) handleOne(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/objects/")
	if name == "" {
		http.Error(w, "object name required", http.StatusBadRequest)
		return
	}
	result, ok := h.Loader.Result(name)
	if !ok {
		http.Error(w, "unknown object", http.StatusNotFound)
		return
	}
	writeJSON(w, toView(result))
}

type reloadRequest struct {
	Repository string `json:"repository"`
	Path       string `json:"path"`
}

type reloadResponse struct {
	ObjectCount int `json:"object_count"`
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req reloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Repository == "" || req.Path == "" {
		http.Error(w, "repository and path are required", http.StatusBadRequest)
		return
	}
	snapshot, err := h.Loader.ReloadPath(r.Context(), req.Repository, req.Path)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"repository": req.Repository,
			"path":       req.Path,
		}).Warn("error reloading path")
		http.Error(w, "error reloading path", http.StatusInternalServerError)
		return
	}
	writeJSON(w, reloadResponse{ObjectCount: len(snapshot)})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("error writing response")
	}
}

// Auth is a middleware that checks the request carries the expected
// X-API-KEY header.
func Auth(next http.Handler, authKey string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-KEY")
		if key == "" || key != authKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
