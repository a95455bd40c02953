package loading

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sardine-ai/go-external-loader/config"
	"github.com/sardine-ai/go-external-loader/repository"
)

// testObject is a minimal Object used across dispatcher tests.
type testObject struct {
	name      string
	value     string
	lifetime  Lifetime
	updates   bool
	modified  bool
	modifyErr error
}

func (o *testObject) Clone() Object {
	clone := *o
	return &clone
}
func (o *testObject) IsModified() (bool, error) { return o.modified, o.modifyErr }
func (o *testObject) SupportUpdates() bool      { return o.updates }
func (o *testObject) GetLifetime() Lifetime     { return o.lifetime }
func (o *testObject) GetName() string           { return o.name }

// fakeFactory lets tests script per-call behavior keyed by call count.
type fakeFactory struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, name string, def config.Definition, previous Object) (Object, error)
}

func (f *fakeFactory) CreateObject(name string, def config.Definition, previous Object) (Object, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.fn(call, name, def, previous)
}

func (f *fakeFactory) Create(name string, def config.Definition) (Object, error) {
	return f.CreateObject(name, def, nil)
}

func defFor(t *testing.T, name string, yaml string) config.Definition {
	t.Helper()
	cfg, err := repository.ParseYAML([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	return config.Definition{Name: name, Config: cfg, Key: "dictionary", RepositoryName: "r", Path: "a.yml"}
}

func TestDispatcherColdLoadSynchronous(t *testing.T) {
	factory := &fakeFactory{fn: func(call int, name string, def config.Definition, previous Object) (Object, error) {
		return &testObject{name: name}, nil
	}}
	d := NewDispatcher(factory, 4)
	def := defFor(t, "fruits", "dictionary:\n  name: fruits\n")
	d.SetConfiguration(map[string]config.Definition{"fruits": def})

	result, err := d.TryLoad(context.Background(), "fruits", Wait)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != Loaded {
		t.Fatalf("expected Loaded, got %v", result.Status)
	}
	if result.Object == nil {
		t.Fatal("expected object to be set")
	}
}

func TestDispatcherUnknownObjectErrors(t *testing.T) {
	factory := &fakeFactory{fn: func(call int, name string, def config.Definition, previous Object) (Object, error) {
		return &testObject{name: name}, nil
	}}
	d := NewDispatcher(factory, 4)

	_, err := d.TryLoad(context.Background(), "missing", Wait)
	if !errors.Is(err, ErrUnknownObject) {
		t.Fatalf("expected ErrUnknownObject, got %v", err)
	}
}

func TestDispatcherConfigChangeTriggersReload(t *testing.T) {
	var seenPrevious []bool
	factory := &fakeFactory{fn: func(call int, name string, def config.Definition, previous Object) (Object, error) {
		seenPrevious = append(seenPrevious, previous != nil)
		return &testObject{name: name}, nil
	}}
	d := NewDispatcher(factory, 4)

	defA := defFor(t, "fruits", "dictionary:\n  name: fruits\n  values: [apple]\n")
	d.SetConfiguration(map[string]config.Definition{"fruits": defA})
	if _, err := d.TryLoad(context.Background(), "fruits", Wait); err != nil {
		t.Fatal(err)
	}

	defB := defFor(t, "fruits", "dictionary:\n  name: fruits\n  values: [pear]\n")
	d.SetConfiguration(map[string]config.Definition{"fruits": defB})
	result, err := d.TryLoad(context.Background(), "fruits", Wait)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != Loaded {
		t.Fatalf("expected Loaded after reload, got %v", result.Status)
	}
	if len(seenPrevious) != 2 {
		t.Fatalf("expected 2 factory calls, got %d", len(seenPrevious))
	}
	// A config change is a complete reload: no previous instance handed in.
	if seenPrevious[1] {
		t.Fatal("expected complete reload to pass no previous instance")
	}
}

func TestDispatcherTransientFailureThenRecoveryBumpsErrorCount(t *testing.T) {
	var calls int32
	factory := &fakeFactory{fn: func(call int, name string, def config.Definition, previous Object) (Object, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return nil, errors.New("transient failure")
		}
		return &testObject{name: name}, nil
	}}
	d := NewDispatcher(factory, 4)
	def := defFor(t, "fruits", "dictionary:\n  name: fruits\n")
	d.SetConfiguration(map[string]config.Definition{"fruits": def})

	result, err := d.TryLoad(context.Background(), "fruits", Wait)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != Failed {
		t.Fatalf("expected Failed, got %v", result.Status)
	}
	if result.ErrorCount != 1 {
		t.Fatalf("expected ErrorCount=1, got %d", result.ErrorCount)
	}
	if !result.NextUpdateTime.After(time.Now()) {
		t.Fatal("expected backoff to push NextUpdateTime into the future")
	}

	result, err = d.TryLoadOrReload(context.Background(), "fruits", Wait)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != Loaded {
		t.Fatalf("expected Loaded after recovery, got %v", result.Status)
	}
	if result.ErrorCount != 0 {
		t.Fatalf("expected ErrorCount reset to 0, got %d", result.ErrorCount)
	}
}

func TestDispatcherDisappearanceDropsObject(t *testing.T) {
	factory := &fakeFactory{fn: func(call int, name string, def config.Definition, previous Object) (Object, error) {
		return &testObject{name: name}, nil
	}}
	d := NewDispatcher(factory, 4)
	def := defFor(t, "fruits", "dictionary:\n  name: fruits\n")
	d.SetConfiguration(map[string]config.Definition{"fruits": def})
	if _, err := d.TryLoad(context.Background(), "fruits", Wait); err != nil {
		t.Fatal(err)
	}

	d.SetConfiguration(map[string]config.Definition{})

	if status := d.GetCurrentStatus("fruits"); status != NotExist {
		t.Fatalf("expected NotExist after disappearance, got %v", status)
	}
	if _, err := d.TryLoad(context.Background(), "fruits", Wait); !errors.Is(err, ErrUnknownObject) {
		t.Fatalf("expected ErrUnknownObject, got %v", err)
	}
}

func TestDispatcherZeroTimeoutReturnsImmediately(t *testing.T) {
	blocked := make(chan struct{})
	factory := &fakeFactory{fn: func(call int, name string, def config.Definition, previous Object) (Object, error) {
		<-blocked
		return &testObject{name: name}, nil
	}}
	d := NewDispatcher(factory, 4)
	d.EnableAsyncLoading(true)
	def := defFor(t, "fruits", "dictionary:\n  name: fruits\n")
	d.SetConfiguration(map[string]config.Definition{"fruits": def})

	result, err := d.TryLoad(context.Background(), "fruits", 0)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status == Loaded {
		t.Fatal("expected the load to still be pending with a zero timeout")
	}
	close(blocked)
	if _, err := d.TryLoad(context.Background(), "fruits", Wait); err != nil {
		t.Fatal(err)
	}
}

func TestDispatcherReloadOutdatedSkipsUnmodifiedObjects(t *testing.T) {
	obj := &testObject{name: "fruits", updates: true, modified: false, lifetime: Lifetime{MinSeconds: 60, MaxSeconds: 60}}
	var calls int32
	factory := &fakeFactory{fn: func(call int, name string, def config.Definition, previous Object) (Object, error) {
		atomic.AddInt32(&calls, 1)
		return obj, nil
	}}
	d := NewDispatcher(factory, 4)
	d.now = func() time.Time { return time.Unix(0, 0) }
	def := defFor(t, "fruits", "dictionary:\n  name: fruits\n")
	d.SetConfiguration(map[string]config.Definition{"fruits": def})
	if _, err := d.TryLoad(context.Background(), "fruits", Wait); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 initial load, got %d", got)
	}

	// Object is not yet due: nextUpdateTime is 60s out from time.Unix(0,0).
	d.ReloadOutdated()
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected no reload before due time, got %d calls", got)
	}

	// Advance past the due time; isModified reports false so no reload
	// should be dispatched, only nextUpdateTime should advance.
	d.now = func() time.Time { return time.Unix(120, 0) }
	d.ReloadOutdated()
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected no reload for an unmodified object, got %d calls", got)
	}

	result, _ := d.GetCurrentLoadResult("fruits")
	if !result.NextUpdateTime.After(time.Unix(120, 0)) {
		t.Fatal("expected nextUpdateTime to advance past the probe time")
	}
}

func TestDispatcherReloadOutdatedReloadsModifiedObjects(t *testing.T) {
	obj := &testObject{name: "fruits", updates: true, modified: true, lifetime: Lifetime{MinSeconds: 60, MaxSeconds: 60}}
	var calls int32
	factory := &fakeFactory{fn: func(call int, name string, def config.Definition, previous Object) (Object, error) {
		atomic.AddInt32(&calls, 1)
		return obj, nil
	}}
	d := NewDispatcher(factory, 4)
	d.now = func() time.Time { return time.Unix(0, 0) }
	def := defFor(t, "fruits", "dictionary:\n  name: fruits\n")
	d.SetConfiguration(map[string]config.Definition{"fruits": def})
	if _, err := d.TryLoad(context.Background(), "fruits", Wait); err != nil {
		t.Fatal(err)
	}

	d.now = func() time.Time { return time.Unix(120, 0) }
	d.ReloadOutdated()
	if _, err := d.TryLoad(context.Background(), "fruits", Wait); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected a reload for a modified object, got %d calls", got)
	}
}

func TestDispatcherCheckedResultUsageErrors(t *testing.T) {
	blocked := make(chan struct{})
	factory := &fakeFactory{fn: func(call int, name string, def config.Definition, previous Object) (Object, error) {
		<-blocked
		return &testObject{name: name}, nil
	}}
	d := NewDispatcher(factory, 4)
	d.EnableAsyncLoading(true)

	if _, err := d.CheckedResult("missing"); !errors.Is(err, ErrUnknownObject) {
		t.Fatalf("expected ErrUnknownObject, got %v", err)
	}

	def := defFor(t, "fruits", "dictionary:\n  name: fruits\n")
	d.SetConfiguration(map[string]config.Definition{"fruits": def})

	if _, err := d.CheckedResult("fruits"); !errors.Is(err, ErrObjectNotTried) {
		t.Fatalf("expected ErrObjectNotTried, got %v", err)
	}

	if _, err := d.TryLoad(context.Background(), "fruits", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := d.CheckedResult("fruits"); !errors.Is(err, ErrObjectLoading) {
		t.Fatalf("expected ErrObjectLoading, got %v", err)
	}

	close(blocked)
	if _, err := d.TryLoad(context.Background(), "fruits", Wait); err != nil {
		t.Fatal(err)
	}
	result, err := d.CheckedResult("fruits")
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != Loaded {
		t.Fatalf("expected Loaded, got %v", result.Status)
	}
}

func TestDispatcherFactoryPanicBecomesError(t *testing.T) {
	factory := &fakeFactory{fn: func(call int, name string, def config.Definition, previous Object) (Object, error) {
		panic("boom")
	}}
	d := NewDispatcher(factory, 4)
	def := defFor(t, "fruits", "dictionary:\n  name: fruits\n")
	d.SetConfiguration(map[string]config.Definition{"fruits": def})

	result, err := d.TryLoad(context.Background(), "fruits", Wait)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != Failed {
		t.Fatalf("expected Failed after panic, got %v", result.Status)
	}
	if result.Exception == nil {
		t.Fatal("expected the panic to surface as an exception")
	}
}

func TestDispatcherAsyncLoadingRunsOnPool(t *testing.T) {
	factory := &fakeFactory{fn: func(call int, name string, def config.Definition, previous Object) (Object, error) {
		return &testObject{name: name}, nil
	}}
	d := NewDispatcher(factory, 2)
	d.EnableAsyncLoading(true)
	defs := map[string]config.Definition{
		"a": defFor(t, "a", "dictionary:\n  name: a\n"),
		"b": defFor(t, "b", "dictionary:\n  name: b\n"),
	}
	d.SetConfiguration(defs)

	results := d.TryLoadFiltered(context.Background(), All, Wait)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Status != Loaded {
			t.Fatalf("expected Loaded for %q, got %v", r.Name, r.Status)
		}
	}
}

func TestDispatcherCloseDrainsOutstandingLoads(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	factory := &fakeFactory{fn: func(call int, name string, def config.Definition, previous Object) (Object, error) {
		close(started)
		<-release
		return &testObject{name: name}, nil
	}}
	d := NewDispatcher(factory, 4)
	d.EnableAsyncLoading(true)
	def := defFor(t, "fruits", "dictionary:\n  name: fruits\n")
	d.SetConfiguration(map[string]config.Definition{"fruits": def})

	// Kick off the async load without waiting for it to finish, but make
	// sure it has reached the factory: a task that only starts after Close
	// has cleared the infos finds no target and returns at once.
	_, _ = d.TryLoad(context.Background(), "fruits", 0)
	<-started

	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Close returned before the outstanding load finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the outstanding load finished")
	}
}
