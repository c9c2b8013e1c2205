package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker gates calls to the upstream webhook. It is shared by every
// request in the process: after failureThreshold consecutive failures it opens
// and rejects calls immediately, giving callers a fast failure path that is
// distinguishable from a slow timeout. After the cooldown, exactly one trial
// call is admitted; its outcome decides between closed and open.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         BreakerState
	failures      int
	lastFailureAt time.Time
	trialInFlight bool
	generation    uint64

	failureThreshold int
	cooldown         time.Duration

	now func() time.Time
}

// breakerToken identifies one admitted call. The generation is bumped on
// every state transition, so a call that outlives the state it was admitted
// under cannot flip the breaker when it finally completes.
type breakerToken struct {
	gen   uint64
	trial bool
}

func NewCircuitBreaker(failureThreshold int, cooldown time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		now:              time.Now,
	}
}

// Execute runs fn under the breaker. When the breaker is open it returns
// ErrCircuitOpen without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	tok, err := cb.allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	cb.record(tok, err == nil)
	return err
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker back to closed with zero failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.lastFailureAt = time.Time{}
	cb.trialInFlight = false
	cb.generation++
}

func (cb *CircuitBreaker) allow() (breakerToken, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailureAt) <= cb.cooldown {
			return breakerToken{}, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.generation++
		cb.trialInFlight = true
		log.Info().Str("component", "relay").Msg("circuit breaker half-open, admitting trial call")
		return breakerToken{gen: cb.generation, trial: true}, nil
	case StateHalfOpen:
		// Only one trial call crosses the breaker at a time.
		if cb.trialInFlight {
			return breakerToken{}, ErrCircuitOpen
		}
		cb.trialInFlight = true
		return breakerToken{gen: cb.generation, trial: true}, nil
	default:
		return breakerToken{gen: cb.generation}, nil
	}
}

// record applies one call outcome. Only the half-open trial's outcome can
// close or reopen the breaker; completions from calls admitted before the
// last state transition are discarded so they can neither short-circuit the
// cooldown nor unlatch the single-trial guard.
func (cb *CircuitBreaker) record(tok breakerToken, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if tok.gen != cb.generation {
		return
	}

	if tok.trial {
		cb.trialInFlight = false
		if success {
			cb.state = StateClosed
			cb.failures = 0
			cb.generation++
			log.Info().Str("component", "relay").Msg("circuit breaker closed, upstream recovered")
			return
		}
		cb.failures++
		cb.lastFailureAt = cb.now()
		cb.state = StateOpen
		cb.generation++
		log.Warn().Str("component", "relay").Msg("circuit breaker trial call failed, reopening")
		return
	}

	if success {
		cb.failures = 0
		return
	}
	cb.failures++
	cb.lastFailureAt = cb.now()
	if cb.state == StateClosed && cb.failures >= cb.failureThreshold {
		cb.state = StateOpen
		cb.generation++
		log.Error().Str("component", "relay").Int("failures", cb.failures).Msg("circuit breaker opened")
	}
}
