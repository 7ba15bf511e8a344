// internal/wallet/registry.go
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"creamcrm/internal/ledger"
)

var ErrInvalidTag = errors.New("invalid passesUpdatedSince tag")

// UpdatedSerials answers a device's "what changed" poll.
type UpdatedSerials struct {
	SerialNumbers []string `json:"serialNumbers"`
	LastUpdated   string   `json:"lastUpdated"`
}

// Empty reports whether nothing changed since the device's tag.
func (u UpdatedSerials) Empty() bool { return len(u.SerialNumbers) == 0 }

// Registry tracks which devices hold which passes.
type Registry struct {
	store ledger.RegistrationStore
}

func NewRegistry(store ledger.RegistrationStore) *Registry {
	return &Registry{store: store}
}

// Register subscribes a device to a pass. created is false when the registration
// already existed; the push token is refreshed either way.
func (r *Registry) Register(ctx context.Context, deviceID, passTypeID, serial, pushToken string) (bool, error) {
	if deviceID == "" || passTypeID == "" || serial == "" || pushToken == "" {
		return false, fmt.Errorf("register device: %w", errMissingField)
	}
	created, err := r.store.UpsertRegistration(ctx, ledger.Registration{
		DeviceID:   deviceID,
		PassTypeID: passTypeID,
		Serial:     serial,
		PushToken:  pushToken,
	})
	if err != nil {
		return false, fmt.Errorf("register device: %w", err)
	}
	return created, nil
}

// Unregister removes a registration. Removing an absent one is not an error.
func (r *Registry) Unregister(ctx context.Context, deviceID, passTypeID, serial string) error {
	if err := r.store.DeleteRegistration(ctx, deviceID, passTypeID, serial); err != nil {
		return fmt.Errorf("unregister device: %w", err)
	}
	return nil
}

// ListUpdatedSerials returns the serials registered to the device whose member
// changed after since. A nil since returns all of them.
func (r *Registry) ListUpdatedSerials(ctx context.Context, deviceID, passTypeID string, since *time.Time) (UpdatedSerials, error) {
	all, err := r.store.RegisteredSerials(ctx, deviceID, passTypeID)
	if err != nil {
		return UpdatedSerials{}, fmt.Errorf("list updated serials: %w", err)
	}

	out := UpdatedSerials{SerialNumbers: []string{}}
	var last time.Time
	for _, s := range all {
		if since != nil && !s.UpdatedAt.After(*since) {
			continue
		}
		out.SerialNumbers = append(out.SerialNumbers, s.Serial)
		if s.UpdatedAt.After(last) {
			last = s.UpdatedAt
		}
	}
	if !out.Empty() {
		out.LastUpdated = FormatTag(last)
	}
	return out, nil
}

// TokensForSerial returns the push tokens of every device holding the pass.
func (r *Registry) TokensForSerial(ctx context.Context, serial string) ([]string, error) {
	regs, err := r.store.RegistrationsForSerial(ctx, serial)
	if err != nil {
		return nil, fmt.Errorf("tokens for serial: %w", err)
	}
	tokens := make([]string, 0, len(regs))
	for _, reg := range regs {
		tokens = append(tokens, reg.PushToken)
	}
	return tokens, nil
}

var errMissingField = errors.New("missing registration field")

// FormatTag renders an update cursor as "<unix seconds>.<microseconds>". Whole
// seconds would hide a second update within the same second.
func FormatTag(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/int(time.Microsecond))
}

// ParseTag is the inverse of FormatTag and also accepts plain unix seconds.
func ParseTag(tag string) (time.Time, error) {
	secPart, microPart, hasFraction := strings.Cut(strings.TrimSpace(tag), ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil || sec < 0 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	var micros int64
	if hasFraction {
		if microPart == "" || len(microPart) > 6 {
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTag, tag)
		}
		micros, err = strconv.ParseInt(microPart+strings.Repeat("0", 6-len(microPart)), 10, 64)
		if err != nil || micros < 0 {
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTag, tag)
		}
	}
	return time.Unix(sec, micros*int64(time.Microsecond)).UTC(), nil
}
