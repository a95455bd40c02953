package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSRepository serves configuration definitions from YAML objects under a
// prefix in a Google Cloud Storage bucket.
type GCSRepository struct {
	Bucket string
	Prefix string

	clientOnce sync.Once
	client     *storage.Client
	clientErr  error
}

// NewGCSRepository creates a GCSRepository for the given bucket/prefix.
func NewGCSRepository(bucket, prefix string) (*GCSRepository, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs repository bucket is required")
	}
	return &GCSRepository{Bucket: bucket, Prefix: prefix}, nil
}

func (g *GCSRepository) ensureClient(ctx context.Context) (*storage.Client, error) {
	g.clientOnce.Do(func() {
		g.client, g.clientErr = storage.NewClient(ctx)
	})
	return g.client, g.clientErr
}

func (g *GCSRepository) object(path string) string {
	if g.Prefix == "" {
		return path
	}
	return strings.TrimSuffix(g.Prefix, "/") + "/" + path
}

func (g *GCSRepository) Exists(ctx context.Context, path string) (bool, error) {
	client, err := g.ensureClient(ctx)
	if err != nil {
		return false, err
	}
	_, err = client.Bucket(g.Bucket).Object(g.object(path)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (g *GCSRepository) GetUpdateTime(ctx context.Context, path string) (time.Time, error) {
	client, err := g.ensureClient(ctx)
	if err != nil {
		return time.Time{}, err
	}
	attrs, err := client.Bucket(g.Bucket).Object(g.object(path)).Attrs(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return attrs.Updated, nil
}

func (g *GCSRepository) Load(ctx context.Context, path string) (ParsedConfig, error) {
	client, err := g.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	reader, err := client.Bucket(g.Bucket).Object(g.object(path)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("read gcs object %s: %w", g.object(path), err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

func (g *GCSRepository) GetAllLoadablesDefinitionNames(ctx context.Context) ([]string, error) {
	client, err := g.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	it := client.Bucket(g.Bucket).Objects(ctx, &storage.Query{Prefix: g.Prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		rel := strings.TrimPrefix(attrs.Name, strings.TrimSuffix(g.Prefix, "/")+"/")
		names = append(names, rel)
	}
	return names, nil
}
