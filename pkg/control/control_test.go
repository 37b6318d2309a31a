package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eosconnect/eosconnect/pkg/config"
	"github.com/eosconnect/eosconnect/pkg/eos"
	"github.com/eosconnect/eosconnect/pkg/evcc"
)

type fakeDriver struct {
	mu     sync.Mutex
	calls  []string
	powers []float64
	err    error
}

func (d *fakeDriver) SetForceCharge(_ context.Context, powerW float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "force_charge")
	d.powers = append(d.powers, powerW)
	return d.err
}

func (d *fakeDriver) SetAvoidDischarge(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "avoid_discharge")
	return d.err
}

func (d *fakeDriver) SetAllowDischarge(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "allow_discharge")
	return d.err
}

func (d *fakeDriver) snapshot() ([]string, []float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...), append([]float64(nil), d.powers...)
}

func testBattery() config.BatteryConfig {
	return config.BatteryConfig{MaxChargePowerW: 5000}
}

func plan(ac, dc float64, discharge int) eos.Control {
	return eos.Control{ACChargeRel: ac, DCChargeRel: dc, DischargeAllowed: discharge}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(0)
	require.NoError(t, err)
	assert.Equal(t, ModeChargeFromGrid, m)

	m, err = ParseMode(-1)
	require.NoError(t, err)
	assert.Equal(t, ModeStartup, m)

	_, err = ParseMode(6)
	assert.Error(t, err)
	_, err = ParseMode(-2)
	assert.Error(t, err)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "startup", ModeStartup.String())
	assert.Equal(t, "charge from grid", ModeChargeFromGrid.String())
	assert.Equal(t, "discharge allowed (ev min+pv charge)", ModeDischargeAllowedEVCCMinPV.String())
}

func TestTransitionRules(t *testing.T) {
	ctx := context.Background()

	t.Run("grid charge wins", func(t *testing.T) {
		drv := &fakeDriver{}
		c := New(drv, testBattery())
		c.UpdatePlan(ctx, plan(1.0, 0, 1))

		snap := c.Snapshot()
		assert.Equal(t, ModeChargeFromGrid, snap.Mode)
		assert.Equal(t, 5000.0, snap.ACChargeDemandW)
		calls, powers := drv.snapshot()
		require.Equal(t, []string{"force_charge"}, calls)
		assert.Equal(t, []float64{5000}, powers)
	})

	t.Run("discharge allowed", func(t *testing.T) {
		drv := &fakeDriver{}
		c := New(drv, testBattery())
		c.UpdatePlan(ctx, plan(0, 0, 1))

		assert.Equal(t, ModeDischargeAllowed, c.Snapshot().Mode)
		calls, _ := drv.snapshot()
		assert.Equal(t, []string{"allow_discharge"}, calls)
	})

	t.Run("avoid discharge", func(t *testing.T) {
		drv := &fakeDriver{}
		c := New(drv, testBattery())
		c.UpdatePlan(ctx, plan(0, 0, 0))

		assert.Equal(t, ModeAvoidDischarge, c.Snapshot().Mode)
		calls, _ := drv.snapshot()
		assert.Equal(t, []string{"avoid_discharge"}, calls)
	})

	t.Run("startup before first plan", func(t *testing.T) {
		drv := &fakeDriver{}
		c := New(drv, testBattery())
		c.Evaluate(ctx)

		assert.Equal(t, ModeStartup, c.Snapshot().Mode)
		calls, _ := drv.snapshot()
		assert.Empty(t, calls)
	})
}

func TestEVFusion(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name     string
		charging bool
		evMode   evcc.Mode
		want     Mode
		wantCall string
	}{
		{"fast charge", true, evcc.ModeNow, ModeAvoidDischargeEVCCFast, "avoid_discharge"},
		{"pv plus now", true, evcc.ModePVNow, ModeAvoidDischargeEVCCFast, "avoid_discharge"},
		{"minpv plus now", true, evcc.ModeMinPVNow, ModeAvoidDischargeEVCCFast, "avoid_discharge"},
		{"pv only", true, evcc.ModePV, ModeDischargeAllowedEVCCPV, "allow_discharge"},
		{"minpv", true, evcc.ModeMinPV, ModeDischargeAllowedEVCCMinPV, "allow_discharge"},
		{"unknown mode keeps base", true, evcc.ModeUnknown, ModeDischargeAllowed, "allow_discharge"},
		{"not charging keeps base", false, evcc.ModeNow, ModeDischargeAllowed, "allow_discharge"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			drv := &fakeDriver{}
			c := New(drv, testBattery())
			c.UpdatePlan(ctx, plan(0, 0, 1))
			c.SetEVState(ctx, tc.charging, tc.evMode)

			assert.Equal(t, tc.want, c.Snapshot().Mode)
			calls, _ := drv.snapshot()
			require.NotEmpty(t, calls)
			assert.Equal(t, tc.wantCall, calls[len(calls)-1])
		})
	}

	t.Run("no fusion while avoiding discharge", func(t *testing.T) {
		drv := &fakeDriver{}
		c := New(drv, testBattery())
		c.UpdatePlan(ctx, plan(0, 0, 0))
		c.SetEVState(ctx, true, evcc.ModeNow)

		assert.Equal(t, ModeAvoidDischarge, c.Snapshot().Mode)
	})

	t.Run("charge stop returns to plan mode", func(t *testing.T) {
		drv := &fakeDriver{}
		c := New(drv, testBattery())
		c.UpdatePlan(ctx, plan(0, 0, 1))
		c.SetEVState(ctx, true, evcc.ModeNow)
		c.SetEVState(ctx, false, evcc.ModeOff)

		assert.Equal(t, ModeDischargeAllowed, c.Snapshot().Mode)
		calls, _ := drv.snapshot()
		assert.Equal(t, []string{"allow_discharge", "avoid_discharge", "allow_discharge"}, calls)
	})
}

func TestDynamicLimitCapsForceCharge(t *testing.T) {
	ctx := context.Background()
	drv := &fakeDriver{}
	c := New(drv, testBattery())

	c.UpdatePlan(ctx, plan(1.0, 0, 0))
	c.SetBatteryState(ctx, 60, 4500)

	_, powers := drv.snapshot()
	require.Len(t, powers, 2)
	assert.Equal(t, 5000.0, powers[0])
	assert.Equal(t, 4500.0, powers[1])

	// Limit already known before the plan arrives: one capped write.
	drv = &fakeDriver{}
	c = New(drv, testBattery())
	c.SetBatteryState(ctx, 60, 4500)
	c.UpdatePlan(ctx, plan(1.0, 0, 0))

	calls, powers := drv.snapshot()
	require.Equal(t, []string{"force_charge"}, calls)
	assert.Equal(t, []float64{4500}, powers)
}

func TestOverrideForceCharge(t *testing.T) {
	ctx := context.Background()
	drv := &fakeDriver{}
	c := New(drv, testBattery())
	current := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c.nowFunc = func() time.Time { return current }

	c.UpdatePlan(ctx, plan(0, 0, 1))
	require.NoError(t, c.SetOverride(ctx, ModeChargeFromGrid, 30*time.Minute, 3))

	snap := c.Snapshot()
	assert.Equal(t, ModeChargeFromGrid, snap.Mode)
	assert.Equal(t, 3000.0, snap.ACChargeDemandW)
	assert.True(t, snap.OverrideActive)
	assert.Equal(t, current.Add(30*time.Minute), snap.OverrideUntil)

	// A fresh plan during the override must not displace the forced demand.
	c.UpdatePlan(ctx, plan(0.2, 0, 1))
	snap = c.Snapshot()
	assert.Equal(t, 3000.0, snap.ACChargeDemandW)
	assert.Equal(t, ModeChargeFromGrid, snap.Mode)

	// Past the end time the remembered plan demand takes over again.
	current = current.Add(31 * time.Minute)
	c.Evaluate(ctx)
	snap = c.Snapshot()
	assert.False(t, snap.OverrideActive)
	assert.Equal(t, 1000.0, snap.ACChargeDemandW)
	assert.Equal(t, ModeChargeFromGrid, snap.Mode)

	_, powers := drv.snapshot()
	assert.Equal(t, []float64{3000, 1000}, powers)
}

func TestOverrideValidation(t *testing.T) {
	ctx := context.Background()
	c := New(nil, testBattery())

	assert.Error(t, c.SetOverride(ctx, ModeStartup, time.Minute, 0))
	assert.Error(t, c.SetOverride(ctx, Mode(9), time.Minute, 0))
	assert.Error(t, c.SetOverride(ctx, ModeAvoidDischarge, -time.Minute, 0))
	assert.Error(t, c.SetOverride(ctx, ModeAvoidDischarge, 721*time.Minute, 0))
	assert.NoError(t, c.SetOverride(ctx, ModeAvoidDischarge, 720*time.Minute, 0))
}

func TestClearOverrideRestoresPlanDemand(t *testing.T) {
	ctx := context.Background()
	drv := &fakeDriver{}
	c := New(drv, testBattery())

	c.UpdatePlan(ctx, plan(0.4, 0, 0))
	require.Equal(t, 2000.0, c.Snapshot().ACChargeDemandW)

	require.NoError(t, c.SetOverride(ctx, ModeAvoidDischarge, 10*time.Minute, 0))
	assert.Equal(t, ModeAvoidDischarge, c.Snapshot().Mode)

	c.ClearOverride(ctx)
	snap := c.Snapshot()
	assert.False(t, snap.OverrideActive)
	assert.Equal(t, 2000.0, snap.ACChargeDemandW)
	assert.Equal(t, ModeChargeFromGrid, snap.Mode)
}

func TestOverrideZeroDurationClears(t *testing.T) {
	ctx := context.Background()
	c := New(nil, testBattery())

	require.NoError(t, c.SetOverride(ctx, ModeAvoidDischarge, 10*time.Minute, 0))
	require.True(t, c.Snapshot().OverrideActive)

	require.NoError(t, c.SetOverride(ctx, ModeAvoidDischarge, 0, 0))
	assert.False(t, c.Snapshot().OverrideActive)
}

func TestWasChangedRecently(t *testing.T) {
	ctx := context.Background()
	c := New(nil, testBattery())
	current := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c.nowFunc = func() time.Time { return current }

	assert.False(t, c.WasChangedRecently(time.Minute))

	c.UpdatePlan(ctx, plan(0, 0, 1))
	assert.True(t, c.WasChangedRecently(time.Minute))

	current = current.Add(61 * time.Second)
	assert.False(t, c.WasChangedRecently(time.Minute))
	assert.True(t, c.WasChangedRecently(5*time.Minute))
}

func TestChangeWindowBounded(t *testing.T) {
	c := New(nil, testBattery())
	now := time.Now()
	for i := 0; i < 1500; i++ {
		c.mu.Lock()
		c.recordChangeLocked(now.Add(time.Duration(i) * time.Millisecond))
		c.mu.Unlock()
	}
	c.mu.Lock()
	assert.Len(t, c.changes, 1000)
	// Oldest entries were popped.
	assert.Equal(t, now.Add(500*time.Millisecond), c.changes[0])
	c.mu.Unlock()
}

func TestApplySuppressesUnchangedWrites(t *testing.T) {
	ctx := context.Background()
	drv := &fakeDriver{}
	c := New(drv, testBattery())

	c.UpdatePlan(ctx, plan(0, 0, 1))
	c.UpdatePlan(ctx, plan(0, 0, 1))
	c.Apply(ctx)

	calls, _ := drv.snapshot()
	assert.Equal(t, []string{"allow_discharge"}, calls)
}

func TestApplyRetriesAfterDriverError(t *testing.T) {
	ctx := context.Background()
	drv := &fakeDriver{err: errors.New("inverter offline")}
	c := New(drv, testBattery())

	c.UpdatePlan(ctx, plan(0, 0, 0))
	calls, _ := drv.snapshot()
	require.Len(t, calls, 1)

	// The failed write must not count as applied.
	drv.mu.Lock()
	drv.err = nil
	drv.mu.Unlock()
	c.Apply(ctx)
	calls, _ = drv.snapshot()
	assert.Equal(t, []string{"avoid_discharge", "avoid_discharge"}, calls)
}

func TestDisabledDriverLogsOnly(t *testing.T) {
	ctx := context.Background()
	c := New(nil, testBattery())

	c.UpdatePlan(ctx, plan(1.0, 0, 0))
	snap := c.Snapshot()
	assert.Equal(t, ModeChargeFromGrid, snap.Mode)
	assert.Equal(t, 5000.0, snap.ACChargeDemandW)
}
