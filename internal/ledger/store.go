// internal/ledger/store.go
package ledger

import (
	"context"
	"time"
)

// MutateFunc changes a member inside a store transaction and returns the history
// entries to append with it. Returning an error aborts the transaction.
type MutateFunc func(m *Member) ([]HistoryEntry, error)

// MemberStore holds members and their reward history.
type MemberStore interface {
	CreateMember(ctx context.Context, m *Member) error
	GetMember(ctx context.Context, serial string) (*Member, error)
	ListMembers(ctx context.Context) ([]*Member, error)
	SearchMembers(ctx context.Context, query string, limit int) ([]*Member, error)
	DeleteMember(ctx context.Context, serial string) error

	// Mutate runs fn against the current member under a per-member lock. The
	// counters, the bumped UpdatedAt and the history entries commit together.
	Mutate(ctx context.Context, serial string, fn MutateFunc) (*Member, error)

	// Touch bumps UpdatedAt without changing counters.
	Touch(ctx context.Context, serial string) (time.Time, error)

	History(ctx context.Context, serial string) ([]HistoryEntry, error)
	Stats(ctx context.Context) (Stats, error)
}

// RegistrationStore holds wallet device registrations.
type RegistrationStore interface {
	// UpsertRegistration reports whether a new row was created.
	UpsertRegistration(ctx context.Context, reg Registration) (bool, error)
	DeleteRegistration(ctx context.Context, deviceID, passTypeID, serial string) error
	RegisteredSerials(ctx context.Context, deviceID, passTypeID string) ([]SerialUpdate, error)
	RegistrationsForSerial(ctx context.Context, serial string) ([]Registration, error)
	DeleteRegistrationsByToken(ctx context.Context, pushToken string) error
}

// Store is the full ledger.
type Store interface {
	MemberStore
	RegistrationStore
}
