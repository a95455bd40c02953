// Package config implements the ConfigReader: aggregation of object
// definitions from multiple named repositories into a single unified
// name -> Definition mapping.
package config

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sardine-ai/go-external-loader/repository"
)

// Definition is the output of ConfigReader for a single object: enough for
// the LoadingDispatcher to load it and enough for diagnostics to trace it
// back to its source file.
type Definition struct {
	Name           string
	Config         repository.ParsedConfig
	Key            string
	RepositoryName string
	Path           string
}

// Settings controls how a repository's files are parsed into definitions.
type Settings struct {
	// ExternalConfigPrefix marks top-level keys that denote an object
	// definition, e.g. "dictionary" matches "dictionary", "dictionary_2".
	ExternalConfigPrefix string
	// ExternalNameKey is the dotted key, relative to a matched top-level
	// key, holding the object's name, e.g. "name".
	ExternalNameKey string
}

// knownSentinels are top-level keys that are silently ignored rather than
// warned about when they don't match ExternalConfigPrefix.
var knownSentinels = map[string]bool{
	"comment":      true,
	"include_from": true,
}

type registration struct {
	name     string
	repo     repository.Repository
	settings Settings
}

type fileRecord struct {
	lastUpdateTime time.Time
	definitions    []Definition
	inUse          bool
}

// Reader aggregates definitions from a set of named repositories.
type Reader struct {
	mu    sync.RWMutex
	order []string
	regs  map[string]*registration
	files map[string]map[string]*fileRecord // repo name -> path -> record

	dirty    bool
	snapshot map[string]Definition
}

// NewReader creates an empty ConfigReader.
func NewReader() *Reader {
	return &Reader{
		regs:  map[string]*registration{},
		files: map[string]map[string]*fileRecord{},
	}
}

// AddRepository registers repo under name. Duplicate names are a caller
// error; re-registering an existing repository name is not idempotent.
func (r *Reader) AddRepository(name string, repo repository.Repository, settings Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.regs[name]; exists {
		return fmt.Errorf("repository %q already registered", name)
	}
	r.regs[name] = &registration{name: name, repo: repo, settings: settings}
	r.order = append(r.order, name)
	r.files[name] = map[string]*fileRecord{}
	r.dirty = true
	return nil
}

// RemoveRepository deregisters name and returns ownership of its
// repository, or nil if unknown.
func (r *Reader) RemoveRepository(name string) repository.Repository {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.regs[name]
	if !ok {
		return nil
	}
	delete(r.regs, name)
	delete(r.files, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.dirty = true
	return reg.repo
}

// Read rescans every registered repository and returns the unified snapshot.
func (r *Reader) Read(ctx context.Context) (map[string]Definition, error) {
	return r.rescanAndCollect(ctx, "", "")
}

// ReadRepository rescans only repoName and returns the whole unified
// snapshot.
func (r *Reader) ReadRepository(ctx context.Context, repoName string) (map[string]Definition, error) {
	return r.rescanAndCollect(ctx, repoName, "")
}

// ReadPath rescans only the given path within repoName and returns the
// whole unified snapshot. If the repository reports the path no longer
// exists, its fileRecord is purged rather than left stale.
func (r *Reader) ReadPath(ctx context.Context, repoName, path string) (map[string]Definition, error) {
	return r.rescanAndCollect(ctx, repoName, path)
}

func (r *Reader) rescanAndCollect(ctx context.Context, onlyRepo, onlyPath string) (map[string]Definition, error) {
	regsToScan := r.regsSnapshot(onlyRepo)

	for _, reg := range regsToScan {
		if err := r.rescanRepository(ctx, reg, onlyPath); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dirty || r.snapshot == nil {
		r.snapshot = r.collectObjectConfigs()
		r.dirty = false
	}
	out := make(map[string]Definition, len(r.snapshot))
	for k, v := range r.snapshot {
		out[k] = v
	}
	return out, nil
}

func (r *Reader) regsSnapshot(onlyRepo string) []*registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if onlyRepo != "" {
		if reg, ok := r.regs[onlyRepo]; ok {
			return []*registration{reg}
		}
		return nil
	}
	out := make([]*registration, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.regs[name])
	}
	return out
}

// rescanRepository implements the per-repository rescan algorithm. When
// onlyPath is non-empty, only that path is checked: its own existence is
// verified directly rather than by enumeration, and only its own
// fileRecord is a purge candidate, so a single deleted path is dropped
// exactly as it would be during a full rescan.
func (r *Reader) rescanRepository(ctx context.Context, reg *registration, onlyPath string) error {
	if onlyPath != "" {
		return r.rescanSinglePath(ctx, reg, onlyPath)
	}

	names, err := reg.repo.GetAllLoadablesDefinitionNames(ctx)
	if err != nil {
		logrus.WithError(err).WithField("repository", reg.name).Warn("error listing repository contents")
		return nil
	}

	r.mu.Lock()
	records := r.files[reg.name]
	for _, rec := range records {
		rec.inUse = false
	}
	r.mu.Unlock()

	changed := false
	for _, path := range names {
		if r.rescanFile(ctx, reg, path) {
			changed = true
		}
	}

	r.mu.Lock()
	for path, rec := range records {
		if !rec.inUse {
			delete(records, path)
			changed = true
		}
	}
	r.mu.Unlock()

	if changed {
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
	}
	return nil
}

// rescanSinglePath handles the ReadPath case: confirm the path still
// exists in the backing repository and, if not, purge its fileRecord, the
// same fate a full rescan would give it once it drops out of enumeration.
func (r *Reader) rescanSinglePath(ctx context.Context, reg *registration, path string) error {
	exists, err := reg.repo.Exists(ctx, path)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"repository": reg.name,
			"path":       path,
		}).Warn("error checking path existence")
		return nil
	}

	if !exists {
		r.mu.Lock()
		records := r.files[reg.name]
		_, known := records[path]
		if known {
			delete(records, path)
			r.dirty = true
		}
		r.mu.Unlock()
		return nil
	}

	if r.rescanFile(ctx, reg, path) {
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
	}
	return nil
}

// rescanFile handles a single (repository, path) and reports whether it
// changed anything.
func (r *Reader) rescanFile(ctx context.Context, reg *registration, path string) bool {
	r.mu.Lock()
	rec, known := r.files[reg.name][path]
	r.mu.Unlock()

	if !known {
		defs, err := r.parseFile(ctx, reg, path)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"repository": reg.name,
				"path":       path,
			}).Warn("error parsing configuration file")
			return false
		}
		updateTime, err := reg.repo.GetUpdateTime(ctx, path)
		if err != nil {
			logrus.WithError(err).WithField("path", path).Warn("error reading update time")
		}
		r.mu.Lock()
		r.files[reg.name][path] = &fileRecord{lastUpdateTime: updateTime, definitions: defs, inUse: true}
		r.mu.Unlock()
		return true
	}

	updateTime, err := reg.repo.GetUpdateTime(ctx, path)
	if err != nil {
		logrus.WithError(err).WithField("path", path).Warn("error reading update time")
		r.mu.Lock()
		rec.inUse = true
		r.mu.Unlock()
		return false
	}

	changed := false
	if updateTime.After(rec.lastUpdateTime) {
		defs, err := r.parseFile(ctx, reg, path)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"repository": reg.name,
				"path":       path,
			}).Warn("error parsing configuration file, keeping previous contents")
		} else {
			r.mu.Lock()
			rec.definitions = defs
			rec.lastUpdateTime = updateTime
			r.mu.Unlock()
			changed = true
		}
	}

	r.mu.Lock()
	rec.inUse = true
	r.mu.Unlock()
	return changed
}

// parseFile implements the object-definition parsing rules.
func (r *Reader) parseFile(ctx context.Context, reg *registration, path string) ([]Definition, error) {
	cfg, err := reg.repo.Load(ctx, path)
	if err != nil {
		return nil, err
	}

	var defs []Definition
	for _, key := range cfg.Keys() {
		if key == "" {
			continue
		}
		if !matchesPrefix(key, reg.settings.ExternalConfigPrefix) {
			if knownSentinels[key] {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"repository": reg.name,
				"path":       path,
				"key":        key,
			}).Warn("unknown top-level key in configuration file")
			continue
		}
		nameKey := key
		if reg.settings.ExternalNameKey != "" {
			nameKey = key + "." + reg.settings.ExternalNameKey
		}
		name, ok := cfg.StringAt(nameKey)
		if !ok || name == "" {
			logrus.WithFields(logrus.Fields{
				"repository": reg.name,
				"path":       path,
				"key":        key,
			}).Warn("object definition has an empty name, skipping")
			continue
		}
		defs = append(defs, Definition{
			Name:           name,
			Config:         cfg,
			Key:            key,
			RepositoryName: reg.name,
			Path:           path,
		})
	}
	return defs, nil
}

func matchesPrefix(key, prefix string) bool {
	if prefix == "" {
		return true
	}
	if len(key) < len(prefix) {
		return false
	}
	return key[:len(prefix)] == prefix
}

// collectObjectConfigs implements the cross-repository aggregation rules.
// Callers must hold r.mu.
func (r *Reader) collectObjectConfigs() map[string]Definition {
	out := map[string]Definition{}

	for _, repoName := range r.order {
		reg := r.regs[repoName]
		records := r.files[repoName]
		// Iterate paths in a stable order for deterministic collision
		// messages within a single repository.
		paths := make([]string, 0, len(records))
		for p := range records {
			paths = append(paths, p)
		}
		sort.Strings(paths)

		for _, path := range paths {
			for _, def := range records[path].definitions {
				existing, exists := out[def.Name]
				if !exists {
					out[def.Name] = def
					continue
				}
				if !repository.IsInternal(existing.RepositoryName) && !repository.IsInternal(reg.name) {
					if existing.RepositoryName == reg.name && existing.Path == path {
						logrus.WithField("name", def.Name).WithField("path", path).
							Warn("object defined twice in the same file, first definition wins")
					} else {
						logrus.WithFields(logrus.Fields{
							"name":      def.Name,
							"first":     fmt.Sprintf("%s:%s", existing.RepositoryName, existing.Path),
							"duplicate": fmt.Sprintf("%s:%s", reg.name, path),
						}).Warn("object redefined in a second file, first definition wins")
					}
				}
				// First definition wins; existing entry is untouched.
			}
		}
	}
	return out
}
