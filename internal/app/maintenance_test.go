package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func taskIDs(t *testing.T, c *Container) []string {
	t.Helper()
	s, err := c.Maintenance()
	require.NoError(t, err)
	var ids []string
	for _, task := range s.ListTasks() {
		ids = append(ids, task.ID)
	}
	return ids
}

func TestMaintenance_Defaults(t *testing.T) {
	c := New(testConfig(t))
	defer c.Close()

	// conformal is off by default
	assert.Equal(t, []string{TaskSaveTrust, TaskVerifyLedger}, taskIDs(t, c))
}

func TestMaintenance_Toggles(t *testing.T) {
	cfg := testConfig(t)
	cfg.Strategy.Conformal.Enabled = true
	cfg.Ledger.Enabled = false
	cfg.Maintenance.TrustSaveInterval = 0

	c := New(cfg)
	defer c.Close()
	assert.Equal(t, []string{TaskCalibrate}, taskIDs(t, c))
}

func TestMaintenance_RunTasks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Strategy.Conformal.Enabled = true
	c := New(cfg)
	defer c.Close()

	s, err := c.Maintenance()
	require.NoError(t, err)
	ctx := context.Background()

	// No history yet: calibration is skipped, not failed
	require.NoError(t, s.RunNow(ctx, TaskCalibrate))
	require.NoError(t, s.RunNow(ctx, TaskSaveTrust))
	require.NoError(t, s.RunNow(ctx, TaskVerifyLedger))

	assert.Equal(t, int64(3), s.GetStats().TotalRuns)
	assert.Zero(t, s.GetStats().TotalErrors)
}
