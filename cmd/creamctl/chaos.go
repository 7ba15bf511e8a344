// cmd/creamctl/chaos.go
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"creamcrm/internal/chaos"
	"creamcrm/internal/ledger"
	"creamcrm/internal/loyalty"
	"creamcrm/internal/push"
	"creamcrm/internal/telemetry"
	"creamcrm/internal/updates"
)

const drillPassType = "pass.com.cream.drill"

type drillReport struct {
	*chaos.Result
	Serial    string `json:"serial"`
	Delivered int32  `json:"delivered"`
	Stamps    int    `json:"stamps"`
	Rewards   int    `json:"availableRewards"`
}

func newChaosCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chaos",
		Short: "Run game-day drills against the loyalty core",
	}
	cmd.AddCommand(newPushOutageCmd())
	return cmd
}

func newPushOutageCmd() *cobra.Command {
	var (
		dsn      string
		serial   string
		samples  int
		interval time.Duration
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "push-outage",
		Short: "Stamp a member while every push fails",
		Long: "Runs the loyalty core in-process with a push gateway that fails every send, " +
			"stamping the member once per sample. With --database-url the stamps are real " +
			"and land on --serial; without it a throwaway member is created in memory. " +
			"Pushes never leave the process.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger, err := telemetry.NewLogger(logLevel, "console")
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			store, closeStore, err := openDrillStore(ctx, dsn)
			if err != nil {
				return err
			}
			defer closeStore()

			report, err := runPushOutage(ctx, store, serial, samples, interval, logger)
			if report != nil {
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			if !report.HypothesisHeld {
				return errors.New("hypothesis did not hold")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "database-url", "", "Postgres DSN; empty runs against an in-memory store")
	cmd.Flags().StringVar(&serial, "serial", "", "member to stamp (required with --database-url)")
	cmd.Flags().IntVar(&samples, "samples", 3, "stamps taken while the gateway is down")
	cmd.Flags().DurationVar(&interval, "interval", 200*time.Millisecond, "pause between samples")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "drill log level")
	return cmd
}

func openDrillStore(ctx context.Context, dsn string) (ledger.Store, func(), error) {
	if dsn == "" {
		return ledger.NewMemoryStore(nil), func() {}, nil
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return ledger.NewPostgresStore(db), func() { db.Close() }, nil
}

func runPushOutage(ctx context.Context, store ledger.Store, serial string, samples int, interval time.Duration, logger *zap.Logger) (*drillReport, error) {
	var delivered atomic.Int32
	injector := chaos.NewInjector(0, 0)
	gateway := push.SenderFunc(func(context.Context, string) error {
		delivered.Add(1)
		return nil
	})
	dispatcher, err := push.NewDispatcher(chaos.WrapSender(gateway, injector), logger, push.Options{})
	if err != nil {
		return nil, err
	}
	orchestrator := updates.NewOrchestrator(store, dispatcher, logger, updates.Options{})
	svc, err := loyalty.NewService(store, orchestrator, logger, loyalty.Options{})
	if err != nil {
		return nil, err
	}

	if serial == "" {
		if _, ok := store.(*ledger.MemoryStore); !ok {
			return nil, errors.New("--serial is required with --database-url")
		}
		if serial, err = seedDrillMember(ctx, svc, store); err != nil {
			return nil, err
		}
	}

	result, err := chaos.NewEngine(logger).Run(ctx, chaos.PushOutage(chaos.OutageDrill{
		Serial:   serial,
		Service:  svc,
		Injector: injector,
		Settle:   orchestrator.Wait,
		Samples:  samples,
		Interval: interval,
	}))
	orchestrator.Wait()
	if result == nil {
		return nil, err
	}

	report := &drillReport{Result: result, Serial: serial, Delivered: delivered.Load()}
	if m, gerr := svc.GetMember(ctx, serial); gerr == nil {
		report.Stamps, report.Rewards = m.Stamps, m.AvailableRewards
	}
	return report, err
}

func seedDrillMember(ctx context.Context, svc loyalty.Service, store ledger.Store) (string, error) {
	m, err := svc.RegisterMember(ctx, loyalty.RegisterRequest{Name: "Chaos Drill", Email: "drill@cream.invalid"})
	if err != nil {
		return "", fmt.Errorf("seed drill member: %w", err)
	}
	_, err = store.UpsertRegistration(ctx, ledger.Registration{
		DeviceID: "drill-device", PassTypeID: drillPassType, Serial: m.Serial, PushToken: "drill-token",
	})
	if err != nil {
		return "", fmt.Errorf("seed drill registration: %w", err)
	}
	return m.Serial, nil
}
