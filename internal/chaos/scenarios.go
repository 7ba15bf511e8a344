// internal/chaos/scenarios.go
package chaos

import (
	"context"
	"time"

	"creamcrm/internal/loyalty"
)

// Stamper is the slice of the loyalty service a drill drives.
type Stamper interface {
	AddStamp(ctx context.Context, serial string) (*loyalty.StampResult, error)
}

// OutageDrill describes a push gateway outage against one member.
type OutageDrill struct {
	Serial   string
	Service  Stamper
	Injector *Injector
	// Settle blocks until in-flight pushes finish, so a fault never lands mid fan-out.
	Settle   func()
	Samples  int
	Interval time.Duration
}

// PushOutage fails every push while stamping the drill member; each stamp must
// still commit.
func PushOutage(d OutageDrill) Experiment {
	settle := d.Settle
	if settle == nil {
		settle = func() {}
	}
	return Experiment{
		Name:       "apns-outage",
		Hypothesis: "stamps keep landing while every push fails",
		Probes: []Probe{{
			Name: "stamp_succeeds",
			Query: func(ctx context.Context) (float64, error) {
				res, err := d.Service.AddStamp(ctx, d.Serial)
				if err != nil {
					return 0, nil
				}
				return float64(res.Member.Version), nil
			},
			Holds: func(v float64) bool { return v > 0 },
		}},
		Inject: func(context.Context) error {
			settle()
			d.Injector.Set(1, 0)
			return nil
		},
		Rollback: func(context.Context) error {
			settle()
			d.Injector.Set(0, 0)
			return nil
		},
		Samples:  d.Samples,
		Interval: d.Interval,
	}
}
