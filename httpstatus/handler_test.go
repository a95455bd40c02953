package httpstatus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sardine-ai/go-external-loader/config"
	"github.com/sardine-ai/go-external-loader/loading"
)

type fakeLoader struct {
	results     map[string]loading.LoadResult
	reloadErr   error
	reloaded    []string
	reloadReply map[string]config.Definition
}

func (f *fakeLoader) Status(name string) loading.Status {
	if r, ok := f.results[name]; ok {
		return r.Status
	}
	return loading.NotExist
}

func (f *fakeLoader) Result(name string) (loading.LoadResult, bool) {
	r, ok := f.results[name]
	return r, ok
}

func (f *fakeLoader) Results(filter loading.Filter) []loading.LoadResult {
	var out []loading.LoadResult
	for name, r := range f.results {
		if filter == nil || filter(name) {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeLoader) ReloadPath(_ context.Context, repoName, path string) (map[string]config.Definition, error) {
	f.reloaded = append(f.reloaded, repoName+":"+path)
	if f.reloadErr != nil {
		return nil, f.reloadErr
	}
	return f.reloadReply, nil
}

func newTestLoader() *fakeLoader {
	return &fakeLoader{results: map[string]loading.LoadResult{
		"fruits": {Name: "fruits", Status: loading.Loaded},
	}}
}

func TestHandlerListReturnsAllObjects(t *testing.T) {
	h := New(newTestLoader())
	req := httptest.NewRequest(http.MethodGet, "/objects", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var views []objectView
	if err := json.NewDecoder(rec.Body).Decode(&views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || views[0].Name != "fruits" {
		t.Fatalf("unexpected views: %+v", views)
	}
}

func TestHandlerGetOneReturnsObject(t *testing.T) {
	h := New(newTestLoader())
	req := httptest.NewRequest(http.MethodGet, "/objects/fruits", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var view objectView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.Name != "fruits" || view.Status != "LOADED" {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestHandlerGetOneUnknownReturns404(t *testing.T) {
	h := New(newTestLoader())
	req := httptest.NewRequest(http.MethodGet, "/objects/missing", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandlerRequiresAuthKeyWhenConfigured(t *testing.T) {
	h := New(newTestLoader())
	h.AuthKey = "secret"

	req := httptest.NewRequest(http.MethodGet, "/objects", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/objects", nil)
	req.Header.Set("X-API-KEY", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with the correct key, got %d", rec.Code)
	}
}

func TestHandlerRejectsUnsupportedMethod(t *testing.T) {
	h := New(newTestLoader())
	req := httptest.NewRequest(http.MethodPost, "/objects", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandlerReloadTriggersReadPathThroughTheLoader(t *testing.T) {
	loader := newTestLoader()
	loader.reloadReply = map[string]config.Definition{"fruits": {}, "veggies": {}}
	h := New(loader)

	body := bytes.NewBufferString(`{"repository":"main","path":"a.yml"}`)
	req := httptest.NewRequest(http.MethodPost, "/reload", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(loader.reloaded) != 1 || loader.reloaded[0] != "main:a.yml" {
		t.Fatalf("expected ReloadPath to be called with main/a.yml, got %v", loader.reloaded)
	}
	var resp reloadResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.ObjectCount != 2 {
		t.Fatalf("expected object_count 2, got %d", resp.ObjectCount)
	}
}

func TestHandlerReloadRejectsMissingFields(t *testing.T) {
	h := New(newTestLoader())
	body := bytes.NewBufferString(`{"repository":"main"}`)
	req := httptest.NewRequest(http.MethodPost, "/reload", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandlerReloadRejectsGet(t *testing.T) {
	h := New(newTestLoader())
	req := httptest.NewRequest(http.MethodGet, "/reload", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandlerReloadPropagatesLoaderError(t *testing.T) {
	loader := newTestLoader()
	loader.reloadErr = errors.New("repository unreachable")
	h := New(loader)

	body := bytes.NewBufferString(`{"repository":"main","path":"a.yml"}`)
	req := httptest.NewRequest(http.MethodPost, "/reload", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
