// internal/chaos/experiment.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var ErrSteadyState = errors.New("steady state invalid")

// Probe measures one system property.
type Probe struct {
	Name  string
	Query func(context.Context) (float64, error)
	// Holds reports whether a measured value is acceptable.
	Holds func(float64) bool
}

// Experiment is a game-day scenario: verify steady state, inject a fault,
// observe the probes, roll back, then decide whether the hypothesis held.
type Experiment struct {
	Name       string
	Hypothesis string
	Probes     []Probe
	Inject     func(context.Context) error
	Rollback   func(context.Context) error
	Samples    int
	Interval   time.Duration
}

type Violation struct {
	Probe     string    `json:"probe"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

type Result struct {
	Experiment     string        `json:"experiment"`
	StartTime      time.Time     `json:"start_time"`
	Duration       time.Duration `json:"duration"`
	HypothesisHeld bool          `json:"hypothesis_held"`
	Violations     []Violation   `json:"violations"`
	Errors         []string      `json:"errors"`
}

// Engine runs experiments and logs their outcome.
type Engine struct {
	logger *zap.Logger
	tracer trace.Tracer
}

func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger.Named("chaos"), tracer: otel.Tracer("creamcrm/chaos")}
}

func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment", trace.WithAttributes(attribute.String("experiment.name", exp.Name)))
	defer span.End()

	result := &Result{Experiment: exp.Name, StartTime: time.Now()}
	e.logger.Info("experiment starting", zap.String("name", exp.Name), zap.String("hypothesis", exp.Hypothesis))

	span.AddEvent("validating_steady_state")
	if violations := e.sample(ctx, exp.Probes, result); len(violations) > 0 {
		result.Violations = violations
		return result, fmt.Errorf("%w: %d probe(s) out of bounds", ErrSteadyState, len(violations))
	}

	span.AddEvent("injecting_chaos")
	if exp.Inject != nil {
		if err := exp.Inject(ctx); err != nil {
			return result, fmt.Errorf("inject fault: %w", err)
		}
	}

	span.AddEvent("observing_system")
	samples := max(exp.Samples, 1)
	for i := 0; i < samples; i++ {
		result.Violations = append(result.Violations, e.sample(ctx, exp.Probes, result)...)
		if i < samples-1 && exp.Interval > 0 {
			select {
			case <-time.After(exp.Interval):
			case <-ctx.Done():
				i = samples
			}
		}
	}

	span.AddEvent("rolling_back")
	if exp.Rollback != nil {
		if err := exp.Rollback(context.WithoutCancel(ctx)); err != nil {
			span.RecordError(err)
			result.Errors = append(result.Errors, "rollback: "+err.Error())
		}
	}

	result.HypothesisHeld = len(result.Violations) == 0 && len(result.Errors) == 0
	result.Duration = time.Since(result.StartTime)
	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)

	fields := []zap.Field{
		zap.String("name", exp.Name),
		zap.Bool("hypothesis_held", result.HypothesisHeld),
		zap.Int("violations", len(result.Violations)),
		zap.Duration("duration", result.Duration),
	}
	if result.HypothesisHeld {
		e.logger.Info("experiment finished", fields...)
	} else {
		e.logger.Warn("experiment finished", fields...)
	}
	return result, nil
}

func (e *Engine) sample(ctx context.Context, probes []Probe, result *Result) []Violation {
	var violations []Violation
	for _, p := range probes {
		value, err := p.Query(ctx)
		if err != nil {
			result.Errors = append(result.Errors, p.Name+": "+err.Error())
			continue
		}
		if p.Holds != nil && !p.Holds(value) {
			violations = append(violations, Violation{Probe: p.Name, Value: value, Timestamp: time.Now()})
		}
	}
	return violations
}
