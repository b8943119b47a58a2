package resilience

import (
	"sync"

	"github.com/rotisserie/eris"
)

// ErrStreamAborted is returned once a stream has hit its consecutive failure
// threshold.
var ErrStreamAborted = eris.New("stream aborted after consecutive failures")

// Breaker trips after Threshold consecutive failures. Any success resets the
// count. Unlike a service circuit it never half-opens: a tripped breaker ends
// the current data stream and a new stream gets a new breaker.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	consecutive int
	tripped     bool
	lastErr     error
}

// NewBreaker creates a breaker. Thresholds below 1 default to 3.
func NewBreaker(threshold int) *Breaker {
	if threshold < 1 {
		threshold = 3
	}
	return &Breaker{threshold: threshold}
}

// Record notes the outcome of one page or record and reports whether the
// breaker is now tripped.
func (b *Breaker) Record(err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tripped {
		return true
	}
	if err == nil {
		b.consecutive = 0
		return false
	}
	b.consecutive++
	b.lastErr = err
	if b.consecutive >= b.threshold {
		b.tripped = true
	}
	return b.tripped
}

// Tripped reports whether the threshold was reached.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// Err returns ErrStreamAborted wrapping the last failure once tripped.
func (b *Breaker) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.tripped {
		return nil
	}
	return eris.Wrapf(ErrStreamAborted, "%d consecutive failures, last: %v", b.consecutive, b.lastErr)
}

// Consecutive returns the current run of failures.
func (b *Breaker) Consecutive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}
