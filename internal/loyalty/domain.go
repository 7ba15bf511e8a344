// internal/loyalty/domain.go
package loyalty

import (
	"errors"

	"creamcrm/internal/ledger"
)

var (
	ErrInsufficientRewards = errors.New("no rewards available")
	ErrValidation          = errors.New("invalid request")
	ErrRateLimited         = errors.New("rate limit exceeded")
)

const (
	descriptionEarned   = "Free drink earned"
	descriptionRedeemed = "Free drink redeemed"
)

// RegisterRequest carries the fields collected by the registration form.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Birthday string `json:"birthday"`
	Gender   string `json:"gender"`
}

// StampResult is the outcome of one stamp.
type StampResult struct {
	Member       *ledger.Member `json:"member"`
	RewardEarned bool           `json:"rewardEarned"`
}

// MessageRequest is a message pushed to a member's pass back side.
type MessageRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}
