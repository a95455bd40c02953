// Package loading implements the LoadingDispatcher: a per-object load
// state machine driving objects through
// unknown -> loading -> loaded|failed -> reloading -> ..., with at most one
// in-flight load per object, synchronous or asynchronous, with caller-side
// timeouts.
package loading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sardine-ai/go-external-loader/config"
	"github.com/sardine-ai/go-external-loader/internal/backoff"
)

// Wait is the sentinel timeout meaning "wait indefinitely".
const Wait time.Duration = -1

// Never is the +∞ sentinel for next-update times that should never trigger
// a reload on their own.
var Never = time.Date(9999, time.January, 1, 0, 0, 0, 0, time.UTC)

// Usage errors, raised from the synchronous checkLoaded gate.
var (
	ErrUnknownObject  = errors.New("no such object")
	ErrObjectLoading  = errors.New("object is currently loading")
	ErrObjectNotTried = errors.New("object has not been loaded yet")
)

// objectInfo is the internal per-object record driving the load state
// machine.
type objectInfo struct {
	name       string
	definition config.Definition
	hasDef     bool

	object    Object
	exception error

	loadingID        int64
	loadingStartTime time.Time
	loadingEndTime   time.Time

	errorCount     int
	nextUpdateTime time.Time
	configChanged  bool
	forcedToReload bool
}

func (i *objectInfo) loaded() bool   { return i.object != nil }
func (i *objectInfo) failed() bool   { return i.object == nil && i.exception != nil }
func (i *objectInfo) loading() bool  { return i.loadingID != 0 }
func (i *objectInfo) triedToLoad() bool {
	return i.loaded() || i.failed() || i.loading()
}
func (i *objectInfo) ready() bool {
	return (i.loaded() || i.failed()) && !i.forcedToReload
}
func (i *objectInfo) failedToReload() bool {
	return i.loaded() && i.exception != nil
}

func (i *objectInfo) status() Status {
	switch {
	case i.loading() && i.loaded():
		return LoadedAndReloading
	case i.loading() && i.failed():
		return FailedAndReloading
	case i.loading():
		return LoadingStatus
	case i.loaded():
		return Loaded
	case i.failed():
		return Failed
	default:
		return NotLoaded
	}
}

// asyncTask tracks a live worker-pool handle keyed by loadingID, for
// teardown draining.
type asyncTask struct {
	done chan struct{}
}

// Dispatcher holds all ObjectInfo records, drives loads, and serves
// queries and waits. One Dispatcher instance corresponds to one coarse
// lock and one condition variable.
type Dispatcher struct {
	factory Factory

	mu   sync.Mutex
	cond *sync.Cond

	infos map[string]*objectInfo
	tasks map[int64]*asyncTask

	alwaysLoadEverything bool
	asyncLoading         bool
	closed               bool

	nextLoadingID int64

	pool *pool

	// IsSameConfiguration realizes the caller-supplied isSameConfiguration
	// predicate. Defaults to comparing the two
	// definitions' ParsedConfig sub-trees structurally.
	IsSameConfiguration func(a, b config.Definition) bool

	now func() time.Time
}

// NewDispatcher creates a Dispatcher that loads objects via factory,
// dispatching async loads onto a pool of the given capacity.
func NewDispatcher(factory Factory, poolCapacity int64) *Dispatcher {
	d := &Dispatcher{
		factory: factory,
		infos:   map[string]*objectInfo{},
		tasks:   map[int64]*asyncTask{},
		pool:    newPool(poolCapacity),
		now:     time.Now,
	}
	d.cond = sync.NewCond(&d.mu)
	d.IsSameConfiguration = defaultIsSameConfiguration
	return d
}

func defaultIsSameConfiguration(a, b config.Definition) bool {
	if a.Config == nil || b.Config == nil {
		return a.Config == b.Config
	}
	return a.Config.SameAs(a.Key, b.Config, b.Key)
}

// EnableAlwaysLoadEverything toggles whether any newly appearing name is
// immediately scheduled for loading.
func (d *Dispatcher) EnableAlwaysLoadEverything(enable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alwaysLoadEverything = enable
}

// EnableAsyncLoading toggles whether startLoading dispatches to the worker
// pool or runs inline in the caller's goroutine.
func (d *Dispatcher) EnableAsyncLoading(enable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.asyncLoading = enable
}

// SetConfiguration applies a new unified snapshot: names absent from it
// are dropped and unchanged definitions are left alone. A changed
// definition is marked config-changed and reloaded if the object has
// already been tried; a new name is loaded immediately only when
// always-load-everything is enabled.
func (d *Dispatcher) SetConfiguration(snapshot map[string]config.Definition) {
	d.mu.Lock()
	defer func() {
		d.cond.Broadcast()
		d.mu.Unlock()
	}()

	// Removed names: drop their ObjectInfo. Any in-flight load is
	// abandoned; processLoadResult will find no info and discard it.
	for name := range d.infos {
		if _, ok := snapshot[name]; !ok {
			delete(d.infos, name)
		}
	}

	for name, def := range snapshot {
		info, exists := d.infos[name]
		if !exists {
			info = &objectInfo{name: name}
			d.infos[name] = info
			info.definition = def
			info.hasDef = true
			if d.alwaysLoadEverything {
				d.startLoading(info)
			}
			continue
		}

		oldDef := info.definition
		hadDef := info.hasDef
		info.definition = def
		info.hasDef = true

		if !hadDef || !d.IsSameConfiguration(oldDef, def) {
			info.configChanged = true
			if info.triedToLoad() {
				if info.loading() {
					d.cancelLoading(info)
				}
				d.startLoading(info)
			}
		}
	}
}

// startLoading is the lock-aware wrapper used by every public entry point.
// Preconditions: d.mu is held by the caller. It returns with d.mu held.
func (d *Dispatcher) startLoading(info *objectInfo) {
	if info.loading() {
		return
	}
	d.nextLoadingID++
	id := d.nextLoadingID

	info.loadingID = id
	info.loadingStartTime = d.now()
	info.loadingEndTime = time.Time{}

	task := &asyncTask{done: make(chan struct{})}
	d.tasks[id] = task

	if d.asyncLoading {
		name := info.name
		d.pool.submit(func() {
			defer close(task.done)
			d.doLoading(name, id, true)
		})
		return
	}

	name := info.name
	d.mu.Unlock()
	d.doLoading(name, id, false)
	close(task.done)
	d.mu.Lock()
}

// cancelLoading detaches an in-flight load from its ObjectInfo. Caller must
// hold d.mu. The underlying goroutine is not interrupted; processLoadResult
// will observe the loadingID mismatch and discard its output.
func (d *Dispatcher) cancelLoading(info *objectInfo) {
	info.loadingID = 0
	info.loadingEndTime = d.now()
}

// doLoading is the load task body. It manages its own
// locking so it can be run either inline or on a pool goroutine.
func (d *Dispatcher) doLoading(name string, loadingID int64, async bool) {
	d.mu.Lock()
	info, ok := d.infos[name]
	if !ok || !info.loading() || info.loadingID != loadingID {
		d.mu.Unlock()
		d.reapTask(loadingID)
		return
	}

	def := info.definition
	completeReload := info.configChanged || info.forcedToReload || info.object == nil
	var previous Object
	if !completeReload {
		previous = info.object
	}
	d.mu.Unlock()

	object, err := d.callFactory(name, def, previous)

	if object == nil && err == nil {
		err = fmt.Errorf("factory for %q returned neither an object nor an error", name)
	}

	d.mu.Lock()
	d.processLoadResult(name, loadingID, object, err)
	d.cond.Broadcast()
	d.mu.Unlock()

	d.reapTask(loadingID)
}

func (d *Dispatcher) callFactory(name string, def config.Definition, previous Object) (obj Object, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory for %q panicked: %v", name, r)
		}
	}()
	return d.factory.CreateObject(name, def, previous)
}

func (d *Dispatcher) reapTask(loadingID int64) {
	d.mu.Lock()
	delete(d.tasks, loadingID)
	d.mu.Unlock()
}

// processLoadResult applies a completed load's outcome to its ObjectInfo.
// Caller must hold d.mu.
func (d *Dispatcher) processLoadResult(name string, loadingID int64, object Object, err error) {
	info, ok := d.infos[name]
	if !ok || !info.loading() || info.loadingID != loadingID {
		return
	}

	if err == nil {
		info.object = object
		info.exception = nil
		info.errorCount = 0
		info.configChanged = false
		info.forcedToReload = false
	} else {
		info.exception = err
		info.errorCount++
		logrus.WithError(err).WithField("object", name).Error("error loading object")
	}

	info.nextUpdateTime = calculateNextUpdateTime(d.now(), info.object, info.errorCount, name)

	info.loadingEndTime = d.now()
	info.loadingID = 0
}

// calculateNextUpdateTime implements the next-update-time
// policy.
func calculateNextUpdateTime(now time.Time, object Object, errorCount int, name string) time.Time {
	if object == nil {
		if errorCount > 0 {
			return now.Add(backoff.Delay(name, errorCount))
		}
		return Never
	}
	if errorCount > 0 {
		return now.Add(backoff.Delay(name, errorCount))
	}
	if !object.SupportUpdates() {
		return Never
	}
	lifetime := object.GetLifetime()
	if lifetime.MinSeconds == 0 && lifetime.MaxSeconds == 0 {
		return Never
	}
	span := lifetime.MaxSeconds - lifetime.MinSeconds
	sample := lifetime.MinSeconds
	if span > 0 {
		sample += span * deterministicUnitFraction(name, now)
	}
	return now.Add(time.Duration(sample * float64(time.Second)))
}

// deterministicUnitFraction returns a value in [0, 1) derived from the
// object's name and the current instant, used to sample uniformly within
// a lifetime window without a global mutable PRNG.
func deterministicUnitFraction(name string, now time.Time) float64 {
	return backoff.UnitFraction(name, now.UnixNano())
}

// GetCurrentStatus returns the object's Status, or NotExist if it is
// unknown to the Dispatcher.
func (d *Dispatcher) GetCurrentStatus(name string) Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.infos[name]
	if !ok {
		return NotExist
	}
	return info.status()
}

func (d *Dispatcher) snapshotResult(info *objectInfo) LoadResult {
	return LoadResult{
		Name:             info.name,
		Status:           info.status(),
		Object:           info.object,
		Exception:        info.exception,
		LoadingStartTime: info.loadingStartTime,
		LoadingEndTime:   info.loadingEndTime,
		ErrorCount:       info.errorCount,
		NextUpdateTime:   info.nextUpdateTime,
	}
}

// GetCurrentLoadResult is a snapshot query; it never triggers work.
func (d *Dispatcher) GetCurrentLoadResult(name string) (LoadResult, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.infos[name]
	if !ok {
		return LoadResult{Name: name, Status: NotExist}, false
	}
	return d.snapshotResult(info), true
}

// GetCurrentLoadResults is a snapshot query over every tracked name
// matching filter; it never triggers work.
func (d *Dispatcher) GetCurrentLoadResults(filter Filter) []LoadResult {
	if filter == nil {
		filter = All
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []LoadResult
	for name, info := range d.infos {
		if filter(name) {
			out = append(out, d.snapshotResult(info))
		}
	}
	return out
}

// checkLoaded is the synchronous usage-error gate.
func (d *Dispatcher) checkLoaded(info *objectInfo, name string) error {
	if info == nil {
		return fmt.Errorf("%w: %q", ErrUnknownObject, name)
	}
	if info.loading() {
		return fmt.Errorf("%w: %q", ErrObjectLoading, name)
	}
	if !info.triedToLoad() {
		return fmt.Errorf("%w: %q", ErrObjectNotTried, name)
	}
	if info.exception != nil && info.object == nil {
		return fmt.Errorf("object %q failed to load: %w", name, info.exception)
	}
	return nil
}

// CheckedResult is the non-blocking counterpart to TryLoad: it never
// schedules work and never waits, instead raising the synchronous usage
// usage errors (unknown name, currently loading, never tried) so
// callers that only want an already-settled result can distinguish those
// cases from a successful snapshot.
func (d *Dispatcher) CheckedResult(name string) (LoadResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	info := d.infos[name]
	if err := d.checkLoaded(info, name); err != nil {
		return LoadResult{Name: name, Status: NotExist}, err
	}
	return d.snapshotResult(info), nil
}

// ensureScheduled starts a load for info if it has never been attempted.
// Caller must hold d.mu.
func (d *Dispatcher) ensureScheduled(info *objectInfo) {
	if !info.triedToLoad() {
		d.startLoading(info)
	}
}

// TryLoad ensures name has been at least attempted and waits up to timeout
// (or indefinitely if timeout == Wait) for it to become ready.
func (d *Dispatcher) TryLoad(ctx context.Context, name string, timeout time.Duration) (LoadResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	info, ok := d.infos[name]
	if !ok {
		return LoadResult{Name: name, Status: NotExist}, fmt.Errorf("%w: %q", ErrUnknownObject, name)
	}
	d.ensureScheduled(info)
	d.waitLocked(ctx, timeout, func() bool {
		return d.infos[name] == nil || d.infos[name].ready()
	})

	info = d.infos[name]
	if info == nil {
		return LoadResult{Name: name, Status: NotExist}, fmt.Errorf("%w: %q", ErrUnknownObject, name)
	}
	return d.snapshotResult(info), nil
}

// TryLoadFiltered is TryLoad over every tracked name matching filter.
func (d *Dispatcher) TryLoadFiltered(ctx context.Context, filter Filter, timeout time.Duration) []LoadResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	for name, info := range d.infos {
		if filter(name) {
			d.ensureScheduled(info)
		}
	}
	d.waitLocked(ctx, timeout, func() bool {
		for name, info := range d.infos {
			if filter(name) && !info.ready() {
				return false
			}
		}
		return true
	})

	var out []LoadResult
	for name, info := range d.infos {
		if filter(name) {
			out = append(out, d.snapshotResult(info))
		}
	}
	return out
}

// TryLoadOrReload is like TryLoad but first cancels any in-flight load and
// marks the object forced_to_reload, ensuring a fresh load is performed.
func (d *Dispatcher) TryLoadOrReload(ctx context.Context, name string, timeout time.Duration) (LoadResult, error) {
	d.mu.Lock()
	info, ok := d.infos[name]
	if !ok {
		d.mu.Unlock()
		return LoadResult{Name: name, Status: NotExist}, fmt.Errorf("%w: %q", ErrUnknownObject, name)
	}
	d.forceReload(info)
	d.mu.Unlock()

	return d.TryLoad(ctx, name, timeout)
}

// TryLoadOrReloadFiltered is TryLoadOrReload over every tracked name
// matching filter.
func (d *Dispatcher) TryLoadOrReloadFiltered(ctx context.Context, filter Filter, timeout time.Duration) []LoadResult {
	d.mu.Lock()
	for name, info := range d.infos {
		if filter(name) {
			d.forceReload(info)
		}
	}
	d.mu.Unlock()

	return d.TryLoadFiltered(ctx, filter, timeout)
}

// forceReload cancels any in-flight load, marks the object forced to
// reload, and starts a fresh load. Caller must hold d.mu.
func (d *Dispatcher) forceReload(info *objectInfo) {
	info.forcedToReload = true
	if info.loading() {
		d.cancelLoading(info)
	}
	d.startLoading(info)
}

// waitLocked blocks on d.cond until predicate() is true, ctx is done, or
// timeout elapses (Wait means no timeout). Caller must hold d.mu; returns
// with d.mu held.
func (d *Dispatcher) waitLocked(ctx context.Context, timeout time.Duration, predicate func() bool) {
	if predicate() {
		return
	}
	if timeout == 0 {
		return
	}

	var deadline time.Time
	hasDeadline := timeout != Wait
	if hasDeadline {
		deadline = d.now().Add(timeout)
	}

	done := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.cond.Broadcast()
			d.mu.Unlock()
		case <-stop:
		}
	}()

	if hasDeadline {
		go func() {
			timer := time.NewTimer(deadline.Sub(d.now()))
			defer timer.Stop()
			select {
			case <-timer.C:
				d.mu.Lock()
				d.cond.Broadcast()
				d.mu.Unlock()
			case <-stop:
			case <-done:
			}
		}()
	}

	for !predicate() {
		if ctx.Err() != nil {
			break
		}
		if hasDeadline && !d.now().Before(deadline) {
			break
		}
		d.cond.Wait()
	}
	close(done)
}

// ReloadOutdated implements the three-phase reconciliation pass:
// collect candidates under lock, probe isModified without the lock, then
// act on verdicts under lock.
func (d *Dispatcher) ReloadOutdated() {
	type candidate struct {
		name           string
		object         Object
		failedToReload bool
	}

	d.mu.Lock()
	now := d.now()
	var candidates []candidate
	for name, info := range d.infos {
		if !now.Before(info.nextUpdateTime) && !info.loading() && info.loaded() {
			candidates = append(candidates, candidate{name: name, object: info.object, failedToReload: info.failedToReload()})
		}
	}
	d.mu.Unlock()

	verdicts := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if c.failedToReload {
			verdicts[c.name] = true
			continue
		}
		modified, err := d.probeModified(c.object)
		if err != nil {
			logrus.WithError(err).WithField("object", c.name).Warn("isModified failed, treating as modified")
			modified = true
		}
		verdicts[c.name] = modified
	}

	d.mu.Lock()
	defer func() {
		d.cond.Broadcast()
		d.mu.Unlock()
	}()

	now = d.now()
	for name, info := range d.infos {
		if now.Before(info.nextUpdateTime) || info.loading() {
			continue
		}
		if info.loaded() {
			verdict, known := verdicts[name]
			if !known {
				// Object was reloaded meanwhile; nothing to do this pass.
				continue
			}
			if !verdict {
				info.nextUpdateTime = calculateNextUpdateTime(now, info.object, info.errorCount, name)
				continue
			}
			d.startLoading(info)
			continue
		}
		if info.failed() {
			d.startLoading(info)
		}
	}
}

func (d *Dispatcher) probeModified(object Object) (modified bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("isModified panicked: %v", r)
		}
	}()
	return object.IsModified()
}

// Close tears down the Dispatcher: the info map is cleared first so any
// late completion sees no target and returns, then outstanding worker
// handles are drained.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.infos = map[string]*objectInfo{}
	d.cond.Broadcast()
	d.mu.Unlock()

	d.pool.wait()
}
