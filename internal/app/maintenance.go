package app

import (
	"context"
	"errors"

	"github.com/quantumlife/gatekeeper/internal/core"
	"github.com/quantumlife/gatekeeper/internal/scheduler"
)

// Task IDs registered by Maintenance
const (
	TaskSaveTrust    = "save-trust"
	TaskCalibrate    = "calibrate-conformal"
	TaskVerifyLedger = "verify-ledger"
)

// Maintenance returns a scheduler holding the daemon's periodic tasks.
// Tasks with a zero interval, or whose component is disabled, are skipped.
func (c *Container) Maintenance() (*scheduler.Scheduler, error) {
	m := c.cfg.Maintenance
	s := scheduler.New()

	if d := m.TrustSave(); d > 0 {
		if err := s.Register(scheduler.IntervalTask(TaskSaveTrust, "Persist trust snapshots", d, c.SaveTrust)); err != nil {
			return nil, err
		}
	}

	if d := m.Calibrate(); d > 0 && c.cfg.Strategy.Conformal.Enabled {
		calibrate := func(ctx context.Context) error {
			strat, err := c.Strategy()
			if err != nil {
				return err
			}
			if _, err := strat.CalibrateConformal(); err != nil && !errors.Is(err, core.ErrNoObservations) {
				return err
			}
			return nil
		}
		if err := s.Register(scheduler.IntervalTask(TaskCalibrate, "Recalibrate conformal threshold", d, calibrate)); err != nil {
			return nil, err
		}
	}

	if d := m.Verify(); d > 0 && c.cfg.Ledger.Enabled {
		verify := func(ctx context.Context) error {
			store, err := c.Ledger()
			if err != nil || store == nil {
				return err
			}
			return store.VerifyChain(ctx)
		}
		if err := s.Register(scheduler.IntervalTask(TaskVerifyLedger, "Verify ledger hash chain", d, verify)); err != nil {
			return nil, err
		}
	}

	return s, nil
}
