// internal/push/sender.go
package push

import (
	"context"
	"errors"
	"fmt"
)

// ErrStaleToken marks a device token APNs will never accept again.
var ErrStaleToken = errors.New("push token is no longer valid")

// Sender delivers one "pass changed" notification to one device.
type Sender interface {
	Send(ctx context.Context, token string) error
}

// RejectedError is a non-200 answer from the push gateway.
type RejectedError struct {
	StatusCode int
	Reason     string
	stale      bool
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("push rejected: %d %s", e.StatusCode, e.Reason)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrStaleToken && e.stale
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, token string) error

func (f SenderFunc) Send(ctx context.Context, token string) error { return f(ctx, token) }

func shortToken(token string) string {
	if len(token) <= 12 {
		return token
	}
	return token[:12] + "..."
}
