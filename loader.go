// Package extloader is the public facade wiring ConfigReader,
// LoadingDispatcher, and PeriodicUpdater together, and converting between
// their result shapes for callers that don't need the sub-package types
// directly.
package extloader

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sardine-ai/go-external-loader/config"
	"github.com/sardine-ai/go-external-loader/loading"
	"github.com/sardine-ai/go-external-loader/repository"
	"github.com/sardine-ai/go-external-loader/update"
)

// Loader is the facade over a ConfigReader, a LoadingDispatcher, and a
// PeriodicUpdater.
type Loader struct {
	Reader     *config.Reader
	Dispatcher *loading.Dispatcher
	Updater    *update.Updater
}

// New creates a Loader whose objects are built by factory, with async
// loads bounded to poolCapacity concurrent workers.
func New(factory loading.Factory, poolCapacity int64) *Loader {
	reader := config.NewReader()
	dispatcher := loading.NewDispatcher(factory, poolCapacity)
	updater := update.New(reader, dispatcher)
	return &Loader{Reader: reader, Dispatcher: dispatcher, Updater: updater}
}

// AddRepository registers a configuration repository with the loader's
// ConfigReader.
func (l *Loader) AddRepository(name string, repo repository.Repository, settings config.Settings) error {
	return l.Reader.AddRepository(name, repo, settings)
}

// Start refreshes the configuration once and enables the periodic updater.
func (l *Loader) Start(ctx context.Context) error {
	if _, err := l.Rescan(ctx); err != nil {
		return err
	}
	l.Updater.Enable(ctx)
	return nil
}

// Stop disables the periodic updater and closes the dispatcher, which
// drops every tracked object and waits for outstanding async loads to
// return. Outstanding loads are not interrupted: the dispatcher only ever
// abandons stale results, it never cancels a running factory call.
func (l *Loader) Stop() {
	l.Updater.Disable()
	l.Dispatcher.Close()
}

// Rescan reads the current configuration and applies it to the dispatcher.
func (l *Loader) Rescan(ctx context.Context) (map[string]config.Definition, error) {
	snapshot, err := l.Reader.Read(ctx)
	if err != nil {
		return nil, err
	}
	l.Dispatcher.SetConfiguration(snapshot)
	return snapshot, nil
}

// ReloadPath rescans a single path within repoName and applies the
// resulting snapshot to the dispatcher. It is the entry point for a
// webhook-style trigger from a system that knows exactly which file
// changed, avoiding a full repository listing for a single-file edit.
func (l *Loader) ReloadPath(ctx context.Context, repoName, path string) (map[string]config.Definition, error) {
	snapshot, err := l.Reader.ReadPath(ctx, repoName, path)
	if err != nil {
		return nil, err
	}
	l.Dispatcher.SetConfiguration(snapshot)
	return snapshot, nil
}

// ReloadRepository rescans repoName in full and applies the resulting
// snapshot to the dispatcher.
func (l *Loader) ReloadRepository(ctx context.Context, repoName string) (map[string]config.Definition, error) {
	snapshot, err := l.Reader.ReadRepository(ctx, repoName)
	if err != nil {
		return nil, err
	}
	l.Dispatcher.SetConfiguration(snapshot)
	return snapshot, nil
}

// Load ensures name has been loaded, blocking until it is ready, and
// raises an error if it did not load successfully.
func (l *Loader) Load(ctx context.Context, name string) (loading.Object, error) {
	result, err := l.Dispatcher.TryLoad(ctx, name, loading.Wait)
	if err != nil {
		return nil, err
	}
	return checkLoadResult(result)
}

// LoadFiltered is Load over every tracked name matching filter.
func (l *Loader) LoadFiltered(ctx context.Context, filter loading.Filter) ([]loading.Object, error) {
	results := l.Dispatcher.TryLoadFiltered(ctx, filter, loading.Wait)
	return checkLoadResults(results)
}

// LoadOrReload refreshes the configuration snapshot first, then forces a
// fresh load of name, blocking until it completes.
func (l *Loader) LoadOrReload(ctx context.Context, name string) (loading.Object, error) {
	if _, err := l.Rescan(ctx); err != nil {
		return nil, err
	}
	result, err := l.Dispatcher.TryLoadOrReload(ctx, name, loading.Wait)
	if err != nil {
		return nil, err
	}
	return checkLoadResult(result)
}

// LoadOrReloadFiltered is LoadOrReload over every tracked name matching
// filter.
func (l *Loader) LoadOrReloadFiltered(ctx context.Context, filter loading.Filter) ([]loading.Object, error) {
	if _, err := l.Rescan(ctx); err != nil {
		return nil, err
	}
	results := l.Dispatcher.TryLoadOrReloadFiltered(ctx, filter, loading.Wait)
	return checkLoadResults(results)
}

// ReloadAllTriedToLoad snapshots the names currently tried-to-load and
// forces a fresh load of each.
func (l *Loader) ReloadAllTriedToLoad(ctx context.Context) ([]loading.Object, error) {
	var names []string
	for _, r := range l.Dispatcher.GetCurrentLoadResults(loading.All) {
		if r.Status != loading.NotExist && r.Status != loading.NotLoaded {
			names = append(names, r.Name)
		}
	}
	return l.LoadOrReloadFiltered(ctx, loading.Names(names...))
}

// Status returns the current status of name.
func (l *Loader) Status(name string) loading.Status {
	return l.Dispatcher.GetCurrentStatus(name)
}

// Result returns the current LoadResult for name without triggering work.
func (l *Loader) Result(name string) (loading.LoadResult, bool) {
	return l.Dispatcher.GetCurrentLoadResult(name)
}

// Peek is the non-blocking counterpart to Load: it never schedules a load
// and never waits, raising a usage error (unknown name, still loading,
// never attempted) instead of blocking for one to settle.
func (l *Loader) Peek(name string) (loading.Object, error) {
	result, err := l.Dispatcher.CheckedResult(name)
	if err != nil {
		return nil, err
	}
	return result.Object, nil
}

// Results returns the current LoadResult for every tracked name matching
// filter, without triggering work.
func (l *Loader) Results(filter loading.Filter) []loading.LoadResult {
	return l.Dispatcher.GetCurrentLoadResults(filter)
}

// checkLoadResult rethrows the single-object load's error unconditionally,
// rather than swallowing it.
func checkLoadResult(result loading.LoadResult) (loading.Object, error) {
	if result.Exception != nil && result.Object == nil {
		return nil, fmt.Errorf("load %q: %w", result.Name, result.Exception)
	}
	if result.Object == nil {
		return nil, fmt.Errorf("load %q: object did not load", result.Name)
	}
	return result.Object, nil
}

// checkLoadResults collects the first error from results and logs the
// rest.
func checkLoadResults(results []loading.LoadResult) ([]loading.Object, error) {
	var firstErr error
	objects := make([]loading.Object, 0, len(results))
	for _, r := range results {
		obj, err := checkLoadResult(r)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			} else {
				logrus.WithError(err).WithField("object", r.Name).Warn("additional object failed to load")
			}
			continue
		}
		objects = append(objects, obj)
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return objects, nil
}
