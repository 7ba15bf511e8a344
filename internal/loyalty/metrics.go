// internal/loyalty/metrics.go
package loyalty

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	stampsAdded     metric.Int64Counter
	rewardsEarned   metric.Int64Counter
	rewardsRedeemed metric.Int64Counter
	registrations   metric.Int64Counter
}

func newInstruments() (*instruments, error) {
	meter := otel.Meter("creamcrm/loyalty")

	stampsAdded, err := meter.Int64Counter("cream.stamps.added",
		metric.WithDescription("Stamps added to member cards"))
	if err != nil {
		return nil, err
	}
	rewardsEarned, err := meter.Int64Counter("cream.rewards.earned",
		metric.WithDescription("Rewards earned by completing a card"))
	if err != nil {
		return nil, err
	}
	rewardsRedeemed, err := meter.Int64Counter("cream.rewards.redeemed",
		metric.WithDescription("Rewards redeemed at the counter"))
	if err != nil {
		return nil, err
	}
	registrations, err := meter.Int64Counter("cream.registrations",
		metric.WithDescription("New member registrations"))
	if err != nil {
		return nil, err
	}

	return &instruments{
		stampsAdded:     stampsAdded,
		rewardsEarned:   rewardsEarned,
		rewardsRedeemed: rewardsRedeemed,
		registrations:   registrations,
	}, nil
}
