// Package update implements the PeriodicUpdater: a single background task
// that periodically rescans configuration and reloads outdated objects.
package update

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sardine-ai/go-external-loader/config"
)

// CheckPeriod is the fixed interval between reconciliation ticks, per
// reconciliation.
const CheckPeriod = 5 * time.Second

// Reader is the subset of config.Reader the Updater depends on.
type Reader interface {
	Read(ctx context.Context) (map[string]config.Definition, error)
}

// Dispatcher is the subset of loading.Dispatcher the Updater depends on.
type Dispatcher interface {
	SetConfiguration(snapshot map[string]config.Definition)
	ReloadOutdated()
}

// Updater ticks every CheckPeriod, calling Reader.Read then
// Dispatcher.SetConfiguration then Dispatcher.ReloadOutdated, until
// Disable is called. Enable/Disable are idempotent, grounded on the
// teacher's Client/Server refresh-goroutine lifecycle, generalized so the
// loop can be started and stopped repeatedly at runtime.
type Updater struct {
	Reader     Reader
	Dispatcher Dispatcher

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a disabled Updater over reader and dispatcher.
func New(reader Reader, dispatcher Dispatcher) *Updater {
	return &Updater{Reader: reader, Dispatcher: dispatcher}
}

// Enable starts the background loop if it is not already running.
func (u *Updater) Enable(ctx context.Context) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	u.cancel = cancel
	u.done = make(chan struct{})
	u.running = true

	go u.loop(loopCtx, u.done)
}

// Disable stops the background loop if it is running, waiting for the loop
// goroutine to exit before returning.
func (u *Updater) Disable() {
	u.mu.Lock()
	if !u.running {
		u.mu.Unlock()
		return
	}
	cancel := u.cancel
	done := u.done
	u.running = false
	u.mu.Unlock()

	cancel()
	<-done
}

// Enabled reports whether the background loop is currently running.
func (u *Updater) Enabled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.running
}

func (u *Updater) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(CheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			u.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (u *Updater) tick(ctx context.Context) {
	snapshot, err := u.Reader.Read(ctx)
	if err != nil {
		logrus.WithError(err).Error("error rescanning configuration")
		return
	}
	u.Dispatcher.SetConfiguration(snapshot)
	u.Dispatcher.ReloadOutdated()
}
