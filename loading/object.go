package loading

import (
	"time"

	"github.com/sardine-ai/go-external-loader/config"
)

// Lifetime is the window within which a loaded object should be considered
// fresh; a (0, 0) window means "never expires on its own".
type Lifetime struct {
	MinSeconds float64
	MaxSeconds float64
}

// Object is the loaded-object capability the Dispatcher consumes.
type Object interface {
	// Clone produces an independent copy, used as the "previous version"
	// handed to the factory on an incremental reload.
	Clone() Object
	// IsModified hints whether the underlying source has changed since
	// this object was loaded. A returned error is treated as "yes,
	// modified" (fail open to reloading).
	IsModified() (bool, error)
	// SupportUpdates reports whether this object ever needs to be
	// reloaded on its own.
	SupportUpdates() bool
	// GetLifetime returns the freshness window used to schedule the next
	// update when SupportUpdates is true.
	GetLifetime() Lifetime
	// GetName returns the object's name, for diagnostics.
	GetName() string
}

// Factory is the object factory capability injected by the caller.
type Factory interface {
	// Create builds a brand-new object from a definition's parsed
	// configuration and object key.
	Create(name string, cfg config.Definition) (Object, error)
	// CreateObject builds an object given a definition and, if this is an
	// incremental reload, the previous live instance. previous is nil for
	// a first load or a complete reload. The default behavior (see
	// NewCloningFactory) clones previous when present, otherwise calls
	// Create.
	CreateObject(name string, cfg config.Definition, previous Object) (Object, error)
}

// cloningFactory adapts a bare Create function into the full Factory
// capability using the default "clone previous, else create" rule.
type cloningFactory struct {
	create func(name string, cfg config.Definition) (Object, error)
}

// NewCloningFactory wraps a plain create function with the default
// CreateObject behavior: clone the previous version when one is supplied,
// otherwise build fresh via create.
func NewCloningFactory(create func(name string, cfg config.Definition) (Object, error)) Factory {
	return &cloningFactory{create: create}
}

func (f *cloningFactory) Create(name string, cfg config.Definition) (Object, error) {
	return f.create(name, cfg)
}

func (f *cloningFactory) CreateObject(name string, cfg config.Definition, previous Object) (Object, error) {
	if previous != nil {
		return previous.Clone(), nil
	}
	return f.create(name, cfg)
}

// LoadResult is a point-in-time snapshot of everything known about a
// tracked object, returned by the query accessors.
type LoadResult struct {
	Name           string
	Status         Status
	Object         Object
	Exception      error
	LoadingStartTime time.Time
	LoadingEndTime   time.Time
	ErrorCount     int
	NextUpdateTime time.Time
}

// Filter selects a subset of tracked object names.
type Filter func(name string) bool

// All matches every name.
func All(string) bool { return true }

// Names matches exactly the given names.
func Names(names ...string) Filter {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(name string) bool { return set[name] }
}
