// Package breaker formalizes the Supervisor's worker failure handling as an
// explicit closed/open/half-open state machine per worker slot, using
// github.com/sony/gobreaker. The Supervisor runs each worker slot's
// Assign (the child spawn) through that slot's breaker and builds the
// Registry with a limit of worker_retry_limit + 1, so that many consecutive
// spawn failures on one slot open its breaker.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned by Allow when a worker slot's breaker is open.
var ErrOpen = errors.New("breaker: worker slot open, cooling down")

// Registry holds one circuit breaker per worker slot ID.
type Registry struct {
	mu       sync.Mutex
	limit    uint32
	cooldown time.Duration
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry constructs a Registry. limit is worker_retry_limit + 1
// consecutive failures before a slot opens; cooldown is how long the slot stays open before a
// half-open probe is allowed.
func NewRegistry(limit int, cooldown time.Duration) *Registry {
	if limit <= 0 {
		limit = 2
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Registry{
		limit:    uint32(limit),
		cooldown: cooldown,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (r *Registry) breakerFor(slot string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[slot]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        slot,
		MaxRequests: 1,
		Timeout:     r.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.limit
		},
	})
	r.breakers[slot] = cb
	return cb
}

// Execute runs fn through the named slot's breaker. If the slot is open,
// fn is not invoked and ErrOpen is returned; the Supervisor then requeues
// the task against its worker retry budget instead of failing it outright.
func (r *Registry) Execute(slot string, fn func() error) error {
	cb := r.breakerFor(slot)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// State reports the current breaker state for a slot ("closed", "open",
// "half-open"), for status/metrics surfacing.
func (r *Registry) State(slot string) string {
	return r.breakerFor(slot).State().String()
}

// Drop removes a slot's breaker entirely, e.g. once a replacement worker
// permanently retires the old slot ID.
func (r *Registry) Drop(slot string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, slot)
}
