// Package backoff implements the bounded exponential backoff used by
// LoadingDispatcher.calculateNextUpdateTime when an object has a pending
// load error.
package backoff

import (
	"hash/maphash"
	"math/rand/v2"
	"time"
)

const (
	// Base bounds the (jittered) delay after the first consecutive failure.
	Base = time.Second
	// Cap bounds the delay regardless of how many consecutive failures
	// have occurred.
	Cap = 5 * time.Minute
)

// seed is process-wide so that jitter is reproducible for a given object
// name across calls within one run, without depending on wall-clock
// entropy; it is not intended to be cryptographically unpredictable.
var seed = maphash.MakeSeed()

// Delay returns the backoff delay for the given object name after
// errorCount consecutive failures (errorCount must be >= 1), jittered
// deterministically by name so repeated calls for the same object within
// one process produce the same sequence.
func Delay(name string, errorCount int) time.Duration {
	if errorCount < 1 {
		errorCount = 1
	}

	delay := Base
	for i := 1; i < errorCount; i++ {
		delay *= 2
		if delay >= Cap {
			delay = Cap
			break
		}
	}

	var h maphash.Hash
	h.SetSeed(seed)
	_, _ = h.WriteString(name)
	_, _ = h.Write([]byte{byte(errorCount), byte(errorCount >> 8)})
	src := rand.New(rand.NewPCG(h.Sum64(), uint64(errorCount)))

	// Full jitter: uniformly in [0, delay].
	jittered := time.Duration(src.Int64N(int64(delay) + 1))
	return jittered
}

// UnitFraction returns a value in [0, 1) derived deterministically from
// name and salt (typically a timestamp), used to sample uniformly within a
// bounded range such as an object's lifetime window.
func UnitFraction(name string, salt int64) float64 {
	var h maphash.Hash
	h.SetSeed(seed)
	_, _ = h.WriteString(name)
	_, _ = h.Write([]byte{
		byte(salt), byte(salt >> 8), byte(salt >> 16), byte(salt >> 24),
		byte(salt >> 32), byte(salt >> 40), byte(salt >> 48), byte(salt >> 56),
	})
	src := rand.New(rand.NewPCG(h.Sum64(), uint64(salt)))
	return src.Float64()
}
