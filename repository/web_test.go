package repository

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebRepository(t *testing.T) {
	testData := "dictionary:\n  name: fruits\n"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fruits.yml" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(testData))
	}))
	defer server.Close()

	repo, err := NewWebRepository(server.URL)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	cfg, err := repo.Load(ctx, "fruits.yml")
	if err != nil {
		t.Fatal(err)
	}
	name, ok := cfg.StringAt("dictionary.name")
	if !ok || name != "fruits" {
		t.Fatalf("expected dictionary.name=fruits, got %q (%v)", name, ok)
	}

	exists, err := repo.Exists(ctx, "fruits.yml")
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Fatal("expected fruits.yml to exist")
	}

	missing, err := repo.Exists(ctx, "missing.yml")
	if err != nil {
		t.Fatal(err)
	}
	if missing {
		t.Fatal("expected missing.yml to not exist")
	}
}
