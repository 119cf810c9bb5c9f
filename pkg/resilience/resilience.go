package resilience

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"chatwave-callkit/pkg/logger"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// SignalingResilience wraps signaling backend operations (connection setup,
// health probes) with retry, timeout and a circuit breaker.
type SignalingResilience struct {
	mu                  sync.RWMutex
	state               CircuitBreakerState
	consecutiveFailures int
	lastFailureTime     time.Time
	metrics             *signalingMetrics
}

// signalingMetrics tracks signaling backend operation metrics
type signalingMetrics struct {
	requestsTotal       *prometheus.CounterVec
	errorsTotal         *prometheus.CounterVec
	circuitBreakerState prometheus.Gauge
}

var (
	signalingMetricsInstance *signalingMetrics
	signalingMetricsOnce     sync.Once
)

func init() {
	signalingMetricsOnce.Do(func() {
		signalingMetricsInstance = &signalingMetrics{
			requestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "signaling_backend_requests_total",
					Help: "Total number of signaling backend operations",
				},
				[]string{"operation", "status"},
			),
			errorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "signaling_backend_errors_total",
					Help: "Total number of signaling backend errors",
				},
				[]string{"operation", "error_type"},
			),
			circuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "signaling_backend_circuit_breaker_state",
				Help: "State of signaling backend circuit breaker (0=closed, 1=half_open, 2=open)",
			}),
		}
		prometheus.MustRegister(signalingMetricsInstance.requestsTotal)
		prometheus.MustRegister(signalingMetricsInstance.errorsTotal)
		prometheus.MustRegister(signalingMetricsInstance.circuitBreakerState)
	})
}

// NewSignalingResilience creates a new signaling resilience wrapper
func NewSignalingResilience() *SignalingResilience {
	return &SignalingResilience{
		state:   CircuitBreakerClosed,
		metrics: signalingMetricsInstance,
	}
}

// Execute runs an operation with retry, timeout, and circuit breaker
func (r *SignalingResilience) Execute(
	ctx context.Context,
	operation string,
	fn func() error,
) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var lastErr error
	var attempts int
	initialInterval := 200 * time.Millisecond
	maxInterval := 5 * time.Second
	maxElapsedTime := 30 * time.Second
	startTime := time.Now()

	for time.Since(startTime) < maxElapsedTime {
		attempts++

		r.mu.RLock()
		state := r.state
		r.mu.RUnlock()

		if state == CircuitBreakerOpen {
			logger.Error("Signaling circuit breaker is OPEN - requests blocked",
				zap.String("operation", operation))
			r.metrics.requestsTotal.WithLabelValues(operation, "circuit_breaker_open").Inc()
			return fmt.Errorf("signaling backend temporarily unavailable (circuit breaker open)")
		}

		if attempts > 1 {
			logger.Warn("Signaling operation retry",
				zap.String("operation", operation),
				zap.Int("attempt", attempts),
				zap.Error(lastErr))
		}

		err := fn()
		lastErr = err

		if err == nil {
			r.mu.Lock()
			if r.state != CircuitBreakerClosed {
				r.state = CircuitBreakerClosed
				r.metrics.circuitBreakerState.Set(0)
			}
			r.consecutiveFailures = 0
			r.mu.Unlock()

			r.metrics.requestsTotal.WithLabelValues(operation, "success").Inc()
			return nil
		}

		r.mu.Lock()
		r.consecutiveFailures++
		r.lastFailureTime = time.Now()

		r.metrics.errorsTotal.WithLabelValues(operation, classifyError(err)).Inc()
		r.metrics.requestsTotal.WithLabelValues(operation, "failure").Inc()

		// Open after 5 consecutive failures; half-open after a cooldown
		if r.consecutiveFailures >= 5 {
			r.state = CircuitBreakerOpen
			r.metrics.circuitBreakerState.Set(2)
			logger.Error("Signaling circuit breaker OPEN - too many consecutive failures",
				zap.String("operation", operation),
				zap.Int("consecutive_failures", r.consecutiveFailures))
		} else if r.consecutiveFailures > 0 && time.Since(r.lastFailureTime) > 10*time.Second {
			r.state = CircuitBreakerHalfOpen
			r.metrics.circuitBreakerState.Set(1)
		}
		r.mu.Unlock()

		backoff := time.Duration(float64(attempts) * float64(initialInterval))
		if backoff > maxInterval {
			backoff = maxInterval
		}

		select {
		case <-timeoutCtx.Done():
			return fmt.Errorf("signaling operation %s timed out: %w", operation, lastErr)
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("signaling operation %s failed after %d attempts: %w", operation, attempts, lastErr)
}

// GetCircuitBreakerState returns the current circuit breaker state
func (r *SignalingResilience) GetCircuitBreakerState() CircuitBreakerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// classifyError classifies errors for better metrics
func classifyError(err error) string {
	if err == nil {
		return "none"
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
	case strings.Contains(errMsg, "circuit breaker"):
		return "circuit_breaker"
	default:
		return "unknown"
	}
}
