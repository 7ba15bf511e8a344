// internal/ledger/domain.go
package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMemberNotFound  = errors.New("member not found")
	ErrDuplicateEmail  = errors.New("email already registered")
	ErrDuplicateSerial = errors.New("serial number already in use")
	ErrInvariant       = errors.New("member counters violate ledger invariants")
)

// MaxStamps is the highest stamp count a member can hold. The next stamp converts
// the card into a reward and resets the count.
const MaxStamps = 5

// Member is a loyalty member and the state rendered onto their wallet pass.
type Member struct {
	ID                 int64     `json:"-"`
	Serial             string    `json:"memberId"`
	Name               string    `json:"name"`
	Email              string    `json:"email"`
	Phone              string    `json:"phone,omitempty"`
	Birthday           string    `json:"birthday,omitempty"`
	Gender             string    `json:"gender,omitempty"`
	Stamps             int       `json:"stamps"`
	TotalRewards       int       `json:"totalRewards"`
	AvailableRewards   int       `json:"availableRewards"`
	LatestMessageTitle string    `json:"latestMessageTitle,omitempty"`
	LatestMessageBody  string    `json:"latestMessageBody,omitempty"`
	Version            int       `json:"version"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

func (m *Member) validate() error {
	if m.Stamps < 0 || m.Stamps > MaxStamps || m.AvailableRewards < 0 || m.TotalRewards < 0 {
		return ErrInvariant
	}
	return nil
}

// HistoryType distinguishes reward history entries.
type HistoryType string

const (
	HistoryEarned   HistoryType = "earned"
	HistoryRedeemed HistoryType = "redeemed"
)

// HistoryEntry is one append-only reward history record.
type HistoryEntry struct {
	ID          uuid.UUID   `json:"id"`
	Serial      string      `json:"memberId"`
	Type        HistoryType `json:"type"`
	Description string      `json:"description"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// Registration subscribes one device to push updates for one pass.
type Registration struct {
	DeviceID   string    `json:"deviceLibraryIdentifier"`
	PassTypeID string    `json:"passTypeIdentifier"`
	Serial     string    `json:"serialNumber"`
	PushToken  string    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// SerialUpdate pairs a registered serial with the owning member's freshness cursor.
type SerialUpdate struct {
	Serial    string
	UpdatedAt time.Time
}

// Stats summarizes the member base for the dashboard.
type Stats struct {
	TotalMembers int `json:"totalMembers"`
	TotalStamps  int `json:"totalStamps"`
	TotalRewards int `json:"totalRewards"`
	TodayMembers int `json:"todayMembers"`
}

// nextUpdatedAt returns a cursor strictly after prev. Cursors carry microsecond
// precision to match what Postgres stores.
func nextUpdatedAt(prev, now time.Time) time.Time {
	next := now.UTC().Truncate(time.Microsecond)
	if !next.After(prev) {
		next = prev.Add(time.Microsecond)
	}
	return next
}
