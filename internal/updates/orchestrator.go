// internal/updates/orchestrator.go
package updates

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"creamcrm/internal/ledger"
	"creamcrm/internal/push"
)

// Store is the slice of the ledger the orchestrator needs.
type Store interface {
	Touch(ctx context.Context, serial string) (time.Time, error)
	RegistrationsForSerial(ctx context.Context, serial string) ([]ledger.Registration, error)
	DeleteRegistrationsByToken(ctx context.Context, pushToken string) error
}

// Notifier delivers pushes to the devices holding one pass.
type Notifier interface {
	NotifyMany(ctx context.Context, serial string, devices []push.Device) push.Result
}

type Options struct {
	// TouchTimeout bounds the synchronous freshness bump.
	TouchTimeout time.Duration
	// PushTimeout bounds one background fan-out, pruning included.
	PushTimeout time.Duration
}

// Orchestrator turns a committed member mutation into wallet updates.
type Orchestrator struct {
	store    Store
	notifier Notifier
	opts     Options
	logger   *zap.Logger
	tracer   trace.Tracer
	inflight sync.WaitGroup
}

func NewOrchestrator(store Store, notifier Notifier, logger *zap.Logger, opts Options) *Orchestrator {
	if opts.TouchTimeout <= 0 {
		opts.TouchTimeout = 5 * time.Second
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = 30 * time.Second
	}
	return &Orchestrator{
		store:    store,
		notifier: notifier,
		opts:     opts,
		logger:   logger.Named("updates"),
		tracer:   otel.Tracer("creamcrm/updates"),
	}
}

// OnMemberMutated bumps the member's freshness cursor before returning, so a
// device that polls right after sees the change, then pushes in the background.
// The mutation is already committed, so the caller's cancellation does not stop
// either step; each is bounded by its own timeout. Failures are logged and never
// reach the caller.
func (o *Orchestrator) OnMemberMutated(ctx context.Context, serial string) {
	detached := context.WithoutCancel(ctx)

	touchCtx, cancel := context.WithTimeout(detached, o.opts.TouchTimeout)
	updatedAt, err := o.store.Touch(touchCtx, serial)
	cancel()
	if err != nil {
		o.logger.Error("bump pass freshness", zap.String("serial", serial), zap.Error(err))
		return
	}

	lookupCtx, cancel := context.WithTimeout(detached, o.opts.TouchTimeout)
	regs, err := o.store.RegistrationsForSerial(lookupCtx, serial)
	cancel()
	if err != nil {
		o.logger.Error("load registrations", zap.String("serial", serial), zap.Error(err))
		return
	}
	if len(regs) == 0 {
		o.logger.Debug("no devices registered", zap.String("serial", serial))
		return
	}

	devices := make([]push.Device, 0, len(regs))
	for _, reg := range regs {
		devices = append(devices, push.Device{ID: reg.DeviceID, Token: reg.PushToken})
	}

	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		o.fanOut(detached, serial, updatedAt, devices)
	}()
}

func (o *Orchestrator) fanOut(ctx context.Context, serial string, updatedAt time.Time, devices []push.Device) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.PushTimeout)
	defer cancel()

	ctx, span := o.tracer.Start(ctx, "updates.fanOut", trace.WithAttributes(
		attribute.String("member.serial", serial),
		attribute.Int("push.devices", len(devices)),
	))
	defer span.End()

	result := o.notifier.NotifyMany(ctx, serial, devices)

	for _, token := range result.Stale {
		if err := o.store.DeleteRegistrationsByToken(ctx, token); err != nil {
			o.logger.Warn("prune stale registration", zap.String("serial", serial), zap.Error(err))
		}
	}

	o.logger.Info("pass update pushed",
		zap.String("serial", serial),
		zap.Time("updated_at", updatedAt),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
		zap.Int("pruned", len(result.Stale)),
	)
}

// Wait blocks until every background fan-out has finished.
func (o *Orchestrator) Wait() {
	o.inflight.Wait()
}
