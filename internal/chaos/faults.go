// internal/chaos/faults.go
package chaos

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"creamcrm/internal/push"
)

// ErrInjected is returned by a push that the injector decided to fail.
var ErrInjected = errors.New("chaos: injected push failure")

// Injector holds the current fault settings. It can be retuned while pushes run.
type Injector struct {
	mu          sync.RWMutex
	failureRate float64
	latency     time.Duration
	rand        func() float64
}

func NewInjector(failureRate float64, latency time.Duration) *Injector {
	return &Injector{
		failureRate: clampRate(failureRate),
		latency:     latency,
		rand:        rand.Float64,
	}
}

func clampRate(r float64) float64 {
	return min(max(r, 0), 1)
}

// Set replaces the fault settings.
func (in *Injector) Set(failureRate float64, latency time.Duration) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.failureRate = clampRate(failureRate)
	in.latency = latency
}

// Active reports whether any fault is configured.
func (in *Injector) Active() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.failureRate > 0 || in.latency > 0
}

func (in *Injector) settings() (float64, time.Duration) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.failureRate, in.latency
}

// FaultySender wraps a push sender with the injector's faults.
type FaultySender struct {
	next     push.Sender
	injector *Injector
}

func WrapSender(next push.Sender, injector *Injector) *FaultySender {
	return &FaultySender{next: next, injector: injector}
}

func (s *FaultySender) Send(ctx context.Context, token string) error {
	rate, latency := s.injector.settings()
	span := trace.SpanFromContext(ctx)

	if latency > 0 {
		span.AddEvent("chaos.latency", trace.WithAttributes(attribute.Int64("latency_ms", latency.Milliseconds())))
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if rate > 0 && s.injector.rand() < rate {
		span.AddEvent("chaos.failure")
		return ErrInjected
	}
	return s.next.Send(ctx, token)
}
