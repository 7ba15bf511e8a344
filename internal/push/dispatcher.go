// internal/push/dispatcher.go
package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Device is one registered device to wake up.
type Device struct {
	ID    string
	Token string
}

// Result aggregates one fan-out. Stale lists tokens the gateway rejected permanently.
type Result struct {
	Sent   int      `json:"sent"`
	Failed int      `json:"failed"`
	Stale  []string `json:"stale,omitempty"`
}

// Options bounds a dispatcher. Zero values pick the defaults.
type Options struct {
	Timeout       time.Duration
	Concurrency   int
	RatePerSecond float64
}

const (
	defaultTimeout     = 10 * time.Second
	defaultConcurrency = 8
)

// Dispatcher fans pass-update notifications out to devices.
type Dispatcher struct {
	sender  Sender
	limiter *rate.Limiter
	opts    Options
	logger  *zap.Logger
	tracer  trace.Tracer
	pushes  metric.Int64Counter
}

func NewDispatcher(sender Sender, logger *zap.Logger, opts Options) (*Dispatcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), max(1, int(opts.RatePerSecond)))
	}

	pushes, err := otel.Meter("creamcrm/push").Int64Counter("cream.push.notifications",
		metric.WithDescription("APNs notifications by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create push counter: %w", err)
	}

	return &Dispatcher{
		sender:  sender,
		limiter: limiter,
		opts:    opts,
		logger:  logger.Named("push"),
		tracer:  otel.Tracer("creamcrm/push"),
		pushes:  pushes,
	}, nil
}

// NotifyDevice sends one notification, waiting for the outbound rate budget first.
func (d *Dispatcher) NotifyDevice(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("empty push token")
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for push budget: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	err := d.sender.Send(ctx, token)
	d.pushes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
	return err
}

// NotifyMany attempts every device's token once. One failure never stops the
// others. serial only labels logs and spans.
func (d *Dispatcher) NotifyMany(ctx context.Context, serial string, devices []Device) Result {
	ctx, span := d.tracer.Start(ctx, "push.NotifyMany", trace.WithAttributes(
		attribute.String("member.serial", serial),
		attribute.Int("push.devices", len(devices)),
	))
	defer span.End()

	var (
		mu     sync.Mutex
		result Result
		g      errgroup.Group
	)
	g.SetLimit(d.opts.Concurrency)

	seen := make(map[string]struct{}, len(devices))
	for _, dev := range devices {
		if _, dup := seen[dev.Token]; dup {
			continue
		}
		seen[dev.Token] = struct{}{}

		g.Go(func() error {
			err := d.NotifyDevice(ctx, dev.Token)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				result.Sent++
				return nil
			}
			result.Failed++
			if errors.Is(err, ErrStaleToken) {
				result.Stale = append(result.Stale, dev.Token)
			}
			d.logger.Warn("push failed", failureFields(serial, dev, err)...)
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("push.sent", result.Sent),
		attribute.Int("push.failed", result.Failed),
		attribute.Int("push.stale", len(result.Stale)),
	)
	return result
}

func failureFields(serial string, dev Device, err error) []zap.Field {
	fields := []zap.Field{
		zap.String("serial", serial),
		zap.String("device", dev.ID),
		zap.String("token", shortToken(dev.Token)),
		zap.Bool("stale", errors.Is(err, ErrStaleToken)),
		zap.Error(err),
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		fields = append(fields, zap.Int("status", rejected.StatusCode), zap.String("reason", rejected.Reason))
	}
	return fields
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "sent"
	case errors.Is(err, ErrStaleToken):
		return "stale"
	default:
		return "failed"
	}
}
