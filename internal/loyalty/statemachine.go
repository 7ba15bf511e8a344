// internal/loyalty/statemachine.go
package loyalty

import "creamcrm/internal/ledger"

// StampsPerReward is the number of stamps that convert into one free drink.
const StampsPerReward = ledger.MaxStamps + 1

// Counters is the part of a member the stamp/reward transitions operate on.
type Counters struct {
	Stamps           int `json:"stamps"`
	AvailableRewards int `json:"availableRewards"`
	TotalRewards     int `json:"totalRewards"`
}

func countersOf(m *ledger.Member) Counters {
	return Counters{Stamps: m.Stamps, AvailableRewards: m.AvailableRewards, TotalRewards: m.TotalRewards}
}

func (c Counters) applyTo(m *ledger.Member) {
	m.Stamps = c.Stamps
	m.AvailableRewards = c.AvailableRewards
	m.TotalRewards = c.TotalRewards
}

// AddStamp records one physical stamp. The stamp that would reach StampsPerReward
// resets the card and earns a reward in the same transition.
func AddStamp(c Counters) (Counters, bool) {
	c.Stamps++
	if c.Stamps >= StampsPerReward {
		c.Stamps = 0
		c.AvailableRewards++
		c.TotalRewards++
		return c, true
	}
	return c, false
}

// RedeemReward spends one available reward.
func RedeemReward(c Counters) (Counters, error) {
	if c.AvailableRewards < 1 {
		return c, ErrInsufficientRewards
	}
	c.AvailableRewards--
	return c, nil
}
