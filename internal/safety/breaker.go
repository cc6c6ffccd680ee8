// Package safety holds the guards that stop the process from fighting a
// broken world: a consecutive-failure circuit breaker for reconnect
// storms and a kill switch that halts order submission.
package safety

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

// Breaker counts consecutive failures of one guarded activity. The
// circuit opens when the count exceeds maxFailures and stays open until
// an explicit Reset; automatic recovery would defeat its purpose of
// bounding retry storms against a persistently broken endpoint.
type Breaker struct {
	maxFailures int
	log         logrus.FieldLogger

	mu       sync.Mutex
	failures int
	open     bool
	openErr  error
	openedAt time.Time
}

func NewBreaker(maxFailures int, log logrus.FieldLogger) *Breaker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Breaker{maxFailures: maxFailures, log: log}
}

// Allow reports whether another attempt may proceed. Returns the trip
// error once the circuit is open.
func (b *Breaker) Allow() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return b.openErr
	}
	return nil
}

// Record feeds the outcome of one attempt. Success closes the window and
// zeroes the count; a failure past the threshold trips the circuit and
// returns the open error.
func (b *Breaker) Record(err error) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if err == nil {
		prev := b.failures
		b.failures = 0
		b.mu.Unlock()
		if prev > 0 {
			b.log.WithField("previous_consecutive_failures", prev).Info("circuit breaker recovered")
		}
		return nil
	}
	if b.open {
		openErr := b.openErr
		b.mu.Unlock()
		return openErr
	}
	b.failures++
	failures := b.failures
	if b.maxFailures > 0 && failures > b.maxFailures {
		b.open = true
		b.openedAt = time.Now().UTC()
		b.openErr = fmt.Errorf("%w: %d consecutive failures (limit %d), last error: %v",
			ErrCircuitOpen, failures, b.maxFailures, err)
		openErr := b.openErr
		b.mu.Unlock()
		b.log.WithFields(logrus.Fields{
			"consecutive_failures": failures,
			"threshold":            b.maxFailures,
			"last_error":           err.Error(),
		}).Error("circuit breaker tripped")
		return openErr
	}
	b.mu.Unlock()
	b.log.WithFields(logrus.Fields{
		"consecutive_failures": failures,
		"threshold":            b.maxFailures,
		"last_error":           err.Error(),
	}).Warn("circuit breaker failure recorded")
	return nil
}

func (b *Breaker) Failures() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) Open() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Reset closes the circuit and zeroes the counter. Explicit operator
// intervention only.
func (b *Breaker) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
	b.openErr = nil
	b.openedAt = time.Time{}
}
