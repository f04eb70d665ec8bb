// Package resilience guards calls to optional backends (archive, push) with
// retry, backoff and a circuit breaker so their outages never stall a session.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"trainhub-realtime/pkg/logger"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned without calling the operation while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open")

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_requests_total",
		Help: "Total number of guarded backend requests by outcome",
	}, []string{"dependency", "operation", "status"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_errors_total",
		Help: "Total number of guarded backend errors by class",
	}, []string{"dependency", "operation", "error_type"})

	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backend_circuit_breaker_state",
		Help: "State of the backend circuit breaker (0=closed, 1=half_open, 2=open)",
	}, []string{"dependency"})
)

// Options tune a Breaker. Zero values take the defaults.
type Options struct {
	// MaxAttempts per Execute call, including the first
	MaxAttempts int
	// FailureThreshold consecutive failures open the circuit
	FailureThreshold int
	// Cooldown before an open circuit lets one trial request through
	Cooldown time.Duration
	// InitialBackoff grows linearly per attempt up to MaxBackoff
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 10 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	return o
}

// Breaker wraps operations on one dependency with retry and a circuit breaker
type Breaker struct {
	dependency string
	opts       Options

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool

	now func() time.Time
}

// NewBreaker creates a closed breaker for dependency
func NewBreaker(dependency string, opts Options) *Breaker {
	circuitBreakerState.WithLabelValues(dependency).Set(0)
	return &Breaker{
		dependency: dependency,
		opts:       opts.withDefaults(),
		state:      CircuitBreakerClosed,
		now:        time.Now,
	}
}

// Execute runs fn until it succeeds, attempts run out or ctx ends.
// While the circuit is open it fails fast with ErrCircuitOpen.
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= b.opts.MaxAttempts; attempt++ {
		if !b.allow() {
			requestsTotal.WithLabelValues(b.dependency, operation, "circuit_breaker_open").Inc()
			if lastErr != nil {
				return fmt.Errorf("%s %s: %w (last error: %v)", b.dependency, operation, ErrCircuitOpen, lastErr)
			}
			return fmt.Errorf("%s %s: %w", b.dependency, operation, ErrCircuitOpen)
		}

		if attempt > 1 {
			logger.Warn("Retrying backend operation",
				zap.String("dependency", b.dependency),
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
		}

		err := fn(ctx)
		if err == nil {
			b.onSuccess()
			requestsTotal.WithLabelValues(b.dependency, operation, "success").Inc()
			return nil
		}
		lastErr = err
		b.onFailure(operation)
		requestsTotal.WithLabelValues(b.dependency, operation, "failure").Inc()
		errorsTotal.WithLabelValues(b.dependency, operation, classifyError(err)).Inc()

		if attempt == b.opts.MaxAttempts {
			break
		}

		backoff := time.Duration(attempt) * b.opts.InitialBackoff
		if backoff > b.opts.MaxBackoff {
			backoff = b.opts.MaxBackoff
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s %s: %w (last error: %v)", b.dependency, operation, ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s %s failed after %d attempts: %w", b.dependency, operation, b.opts.MaxAttempts, lastErr)
}

// allow reports whether a request may run. After the cooldown an open
// circuit turns half-open and admits a single trial.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitBreakerOpen:
		if b.now().Sub(b.openedAt) < b.opts.Cooldown {
			return false
		}
		b.setStateLocked(CircuitBreakerHalfOpen)
		b.trialInFlight = true
		return true
	case CircuitBreakerHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return true
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.trialInFlight = false
	if b.state != CircuitBreakerClosed {
		logger.Info("Circuit breaker CLOSED - backend recovered", zap.String("dependency", b.dependency))
		b.setStateLocked(CircuitBreakerClosed)
	}
}

func (b *Breaker) onFailure(operation string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	b.trialInFlight = false

	if b.state == CircuitBreakerHalfOpen || b.consecutiveFailures >= b.opts.FailureThreshold {
		if b.state != CircuitBreakerOpen {
			logger.Error("Circuit breaker OPEN - too many consecutive failures",
				zap.String("dependency", b.dependency),
				zap.String("operation", operation),
				zap.Int("consecutive_failures", b.consecutiveFailures))
		}
		b.openedAt = b.now()
		b.setStateLocked(CircuitBreakerOpen)
	}
}

func (b *Breaker) setStateLocked(state CircuitBreakerState) {
	b.state = state
	var v float64
	switch state {
	case CircuitBreakerHalfOpen:
		v = 1
	case CircuitBreakerOpen:
		v = 2
	}
	circuitBreakerState.WithLabelValues(b.dependency).Set(v)
}

// State returns the current circuit breaker state
func (b *Breaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// classifyError classifies errors for metrics
func classifyError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "not found"):
		return "not_found"
	case strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "unauthenticated"):
		return "permission"
	default:
		return "unknown"
	}
}
