// Command externalloaderd wires a Loader over a configuration repository
// and serves its status over HTTP.
//
// The object factory itself is a caller-supplied concern; this command
// uses a trivial passthrough factory that treats a definition's raw YAML
// sub-tree as the loaded object, purely to exercise the loader end to end.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	extloader "github.com/sardine-ai/go-external-loader"
	"github.com/sardine-ai/go-external-loader/config"
	"github.com/sardine-ai/go-external-loader/httpstatus"
	"github.com/sardine-ai/go-external-loader/loading"
	"github.com/sardine-ai/go-external-loader/repository"
)

var (
	addr        = flag.String("addr", ":8080", "address to serve object status on")
	authKey     = flag.String("auth_key", "", "auth key for the status server")
	repoType    = flag.String("repo_type", "fs", "repository type: fs, git, s3, gcs, http")
	path        = flag.String("path", "", "root path (fs) or object prefix (s3/gcs) for the repository")
	repoURL     = flag.String("url", "", "url for git/http repositories")
	bucket      = flag.String("bucket", "", "bucket name for s3/gcs repositories")
	region      = flag.String("region", "", "region for s3 repositories")
	configPfx   = flag.String("external_config", "dictionary", "top-level key prefix denoting an object definition")
	configName  = flag.String("external_name", "name", "dotted key, relative to a matched prefix, holding the object name")
	poolWorkers = flag.Int64("pool_workers", 4, "concurrent async load capacity")
)

func newRepository() (repository.Repository, error) {
	switch *repoType {
	case "fs":
		if *path == "" {
			logrus.Fatal("path is required")
		}
		return repository.NewFileRepository(*path)
	case "git":
		if *repoURL == "" {
			logrus.Fatal("url is required")
		}
		return repository.NewGitRepository(*repoURL, "")
	case "s3":
		if *bucket == "" {
			logrus.Fatal("bucket is required")
		}
		return repository.NewS3Repository(*bucket, *path, *region)
	case "gcs":
		if *bucket == "" {
			logrus.Fatal("bucket is required")
		}
		return repository.NewGCSRepository(*bucket, *path)
	case "http":
		if *repoURL == "" {
			logrus.Fatal("url is required")
		}
		return repository.NewWebRepository(*repoURL)
	default:
		return repository.NewFileRepository(*path)
	}
}

// passthroughObject wraps a definition's raw configuration sub-tree as a
// loaded object with no self-reported freshness window, deferring reload
// timing entirely to ConfigReader's mtime-driven config_changed path.
type passthroughObject struct {
	name string
	data map[string]interface{}
}

func (o *passthroughObject) Clone() loading.Object {
	clone := make(map[string]interface{}, len(o.data))
	for k, v := range o.data {
		clone[k] = v
	}
	return &passthroughObject{name: o.name, data: clone}
}
func (o *passthroughObject) IsModified() (bool, error)   { return false, nil }
func (o *passthroughObject) SupportUpdates() bool        { return false }
func (o *passthroughObject) GetLifetime() loading.Lifetime { return loading.Lifetime{} }
func (o *passthroughObject) GetName() string             { return o.name }

func passthroughFactory() loading.Factory {
	return loading.NewCloningFactory(func(name string, def config.Definition) (loading.Object, error) {
		sub, _ := def.Config.Raw()[def.Key].(map[string]interface{})
		return &passthroughObject{name: name, data: sub}, nil
	})
}

func main() {
	flag.Parse()

	repo, err := newRepository()
	if err != nil {
		logrus.WithError(err).Fatal("error creating repository")
	}

	loader := extloader.New(passthroughFactory(), *poolWorkers)
	if err := loader.AddRepository("main", repo, config.Settings{
		ExternalConfigPrefix: *configPfx,
		ExternalNameKey:      *configName,
	}); err != nil {
		logrus.WithError(err).Fatal("error registering repository")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := loader.Start(ctx); err != nil {
		logrus.WithError(err).Fatal("error starting loader")
	}
	defer loader.Stop()

	handler := httpstatus.New(loader)
	handler.AuthKey = *authKey

	server := &http.Server{Addr: *addr, Handler: handler}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	logrus.WithField("addr", *addr).Info("starting external loader status server")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.WithError(err).Fatal("error starting server")
	}
}
