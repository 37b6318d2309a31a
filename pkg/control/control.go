// Package control owns the inverter mode state machine. It fuses the hourly
// optimization plan with live EV and battery signals plus operator overrides
// and pushes the winning mode to the inverter.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/eosconnect/eosconnect/pkg/config"
	"github.com/eosconnect/eosconnect/pkg/eos"
	"github.com/eosconnect/eosconnect/pkg/evcc"
	"github.com/eosconnect/eosconnect/pkg/forecast"
	"github.com/eosconnect/eosconnect/pkg/log"
	"github.com/eosconnect/eosconnect/pkg/metrics"
)

// Mode is the overall inverter state. The numeric codes are part of the JSON
// facade and must stay stable.
type Mode int

const (
	// ModeStartup is the sentinel before the first optimization run.
	ModeStartup Mode = iota - 1
	// ModeChargeFromGrid force-charges the battery from the grid.
	ModeChargeFromGrid
	// ModeAvoidDischarge blocks battery discharge.
	ModeAvoidDischarge
	// ModeDischargeAllowed lets the battery serve the house.
	ModeDischargeAllowed
	// ModeAvoidDischargeEVCCFast blocks discharge while the EV fast-charges.
	ModeAvoidDischargeEVCCFast
	// ModeDischargeAllowedEVCCPV allows discharge during PV-only EV charging.
	ModeDischargeAllowedEVCCPV
	// ModeDischargeAllowedEVCCMinPV allows discharge during min+PV EV charging.
	ModeDischargeAllowedEVCCMinPV
)

// String returns the display text shown next to the numeric code.
func (m Mode) String() string {
	switch m {
	case ModeStartup:
		return "startup"
	case ModeChargeFromGrid:
		return "charge from grid"
	case ModeAvoidDischarge:
		return "avoid discharge"
	case ModeDischargeAllowed:
		return "discharge allowed"
	case ModeAvoidDischargeEVCCFast:
		return "avoid discharge (ev fast charge)"
	case ModeDischargeAllowedEVCCPV:
		return "discharge allowed (ev pv charge)"
	case ModeDischargeAllowedEVCCMinPV:
		return "discharge allowed (ev min+pv charge)"
	default:
		return fmt.Sprintf("unknown mode %d", int(m))
	}
}

// ParseMode maps a numeric wire code to a Mode.
func ParseMode(code int) (Mode, error) {
	m := Mode(code)
	if m < ModeStartup || m > ModeDischargeAllowedEVCCMinPV {
		return 0, fmt.Errorf("unknown control mode %d", code)
	}
	return m, nil
}

// Driver is the subset of inverter operations the controller issues.
type Driver interface {
	SetForceCharge(ctx context.Context, powerW float64) error
	SetAvoidDischarge(ctx context.Context) error
	SetAllowDischarge(ctx context.Context) error
}

// MaxOverrideDuration bounds operator overrides to half a day.
const MaxOverrideDuration = 720 * time.Minute

// maxChangeEntries bounds the state-change window.
const maxChangeEntries = 1000

// Override is an operator-forced state with an expiry.
type Override struct {
	Mode  Mode
	Until time.Time
}

// Controller serializes all control-state mutations behind one mutex; the
// scheduler, the EV observer, the battery observer, and the override handler
// all funnel through it. Hardware writes are serialized separately so a slow
// inverter never blocks state reads.
type Controller struct {
	driver  Driver
	battery config.BatteryConfig

	mu               sync.Mutex
	mode             Mode
	acChargeDemandW  float64
	dcChargeDemand   float64
	dischargeAllowed int

	evCharging bool
	evMode     evcc.Mode

	batterySoC        float64
	dynamicMaxChargeW float64

	override             *Override
	preOverrideAcChargeW float64

	appliedMode    Mode
	appliedChargeW float64

	changes []time.Time
	nowFunc func() time.Time

	applyMu sync.Mutex
}

// New returns a Controller in the startup state. A nil driver means the
// inverter is disabled by config; mode changes are then only logged.
func New(driver Driver, battery config.BatteryConfig) *Controller {
	return &Controller{
		driver:            driver,
		battery:           battery,
		mode:              ModeStartup,
		appliedMode:       ModeStartup,
		dischargeAllowed:  -1,
		dynamicMaxChargeW: battery.MaxChargePowerW,
		nowFunc:           time.Now,
	}
}

// UpdatePlan ingests the control slice of a fresh optimization run,
// re-evaluates the mode, and applies it.
func (c *Controller) UpdatePlan(ctx context.Context, plan eos.Control) {
	c.mu.Lock()
	now := c.nowFunc()
	acW := forecast.Round(plan.ACChargeRel*c.battery.MaxChargePowerW, 0)
	if o := c.override; o != nil && now.Before(o.Until) && o.Mode == ModeChargeFromGrid {
		// The forced demand stays in place; remember what the plan wanted
		// so expiry can fall back to it.
		c.preOverrideAcChargeW = acW
	} else {
		c.setACChargeDemandLocked(ctx, acW, now)
	}
	c.setDCChargeDemandLocked(plan.DCChargeRel, now)
	c.setDischargeAllowedLocked(plan.DischargeAllowed, now)
	c.evaluateLocked(ctx, now)
	c.mu.Unlock()

	c.Apply(ctx)
}

// SetEVState records the charge-controller state and re-evaluates. The EV
// provider calls this from its observer on every charging edge.
func (c *Controller) SetEVState(ctx context.Context, charging bool, mode evcc.Mode) {
	c.mu.Lock()
	now := c.nowFunc()
	c.evCharging = charging
	c.evMode = mode
	c.evaluateLocked(ctx, now)
	c.mu.Unlock()

	c.Apply(ctx)
}

// SetBatteryState records the SoC and the dynamic charge limit. A lowered
// limit caps an active force-charge, so this also applies.
func (c *Controller) SetBatteryState(ctx context.Context, soc, dynamicMaxChargeW float64) {
	c.mu.Lock()
	c.batterySoC = soc
	c.dynamicMaxChargeW = dynamicMaxChargeW
	c.mu.Unlock()

	c.Apply(ctx)
}

// SetOverride forces a mode for the given duration. A ChargeFromGrid
// override replaces the plan-driven grid demand with chargeRateKW. Duration
// zero clears any active override.
func (c *Controller) SetOverride(ctx context.Context, mode Mode, duration time.Duration, chargeRateKW float64) error {
	if mode == ModeStartup {
		return fmt.Errorf("cannot override into %s", mode)
	}
	if _, err := ParseMode(int(mode)); err != nil {
		return err
	}
	if duration < 0 || duration > MaxOverrideDuration {
		return fmt.Errorf("override duration %s outside 0..%s", duration, MaxOverrideDuration)
	}
	if duration == 0 {
		c.ClearOverride(ctx)
		return nil
	}

	c.mu.Lock()
	now := c.nowFunc()
	if c.override == nil {
		c.preOverrideAcChargeW = c.acChargeDemandW
	}
	c.override = &Override{Mode: mode, Until: now.Add(duration)}
	if mode == ModeChargeFromGrid {
		c.setACChargeDemandLocked(ctx, forecast.Round(chargeRateKW*1000, 0), now)
	}
	log.Ctx(ctx).InfoContext(ctx, "control override set",
		slog.String("mode", mode.String()),
		slog.Duration("duration", duration),
		slog.Float64("chargeRateKW", chargeRateKW),
	)
	c.evaluateLocked(ctx, now)
	c.mu.Unlock()

	c.Apply(ctx)
	return nil
}

// ClearOverride drops an active override and re-evaluates from the plan.
func (c *Controller) ClearOverride(ctx context.Context) {
	c.mu.Lock()
	now := c.nowFunc()
	if c.override != nil {
		c.expireOverrideLocked(ctx, now)
		c.evaluateLocked(ctx, now)
	}
	c.mu.Unlock()

	c.Apply(ctx)
}

// Evaluate re-runs the transition rules against the current inputs. The
// scheduler calls this between ticks so override expiry is noticed promptly.
func (c *Controller) Evaluate(ctx context.Context) {
	c.mu.Lock()
	c.evaluateLocked(ctx, c.nowFunc())
	c.mu.Unlock()

	c.Apply(ctx)
}

func (c *Controller) expireOverrideLocked(ctx context.Context, now time.Time) {
	o := c.override
	c.override = nil
	c.setACChargeDemandLocked(ctx, c.preOverrideAcChargeW, now)
	log.Ctx(ctx).InfoContext(ctx, "control override cleared",
		slog.String("mode", o.Mode.String()),
		slog.Float64("acChargeDemandW", c.acChargeDemandW),
	)
}

func (c *Controller) evaluateLocked(ctx context.Context, now time.Time) {
	if o := c.override; o != nil {
		if now.Before(o.Until) {
			c.setModeLocked(ctx, o.Mode, now)
			return
		}
		c.expireOverrideLocked(ctx, now)
	}

	// Rule 1: any grid-charge demand forces charging.
	// Rule 2: otherwise follow the plan's discharge flag.
	mode := ModeStartup
	switch {
	case c.acChargeDemandW > 0:
		mode = ModeChargeFromGrid
	case c.dischargeAllowed == 1:
		mode = ModeDischargeAllowed
	case c.dischargeAllowed == 0:
		mode = ModeAvoidDischarge
	}

	// Rule 3: an actively charging EV refines DischargeAllowed. Fast
	// charging must not drain the house battery into the car; PV-driven
	// charging may.
	if mode == ModeDischargeAllowed && c.evCharging {
		switch c.evMode {
		case evcc.ModeNow, evcc.ModePVNow, evcc.ModeMinPVNow:
			mode = ModeAvoidDischargeEVCCFast
		case evcc.ModePV:
			mode = ModeDischargeAllowedEVCCPV
		case evcc.ModeMinPV:
			mode = ModeDischargeAllowedEVCCMinPV
		}
	}
	c.setModeLocked(ctx, mode, now)
}

func (c *Controller) setModeLocked(ctx context.Context, mode Mode, now time.Time) {
	if c.mode == mode {
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "control mode changed",
		slog.String("from", c.mode.String()),
		slog.String("to", mode.String()),
		slog.Float64("acChargeDemandW", c.acChargeDemandW),
		slog.Int("dischargeAllowed", c.dischargeAllowed),
		slog.Bool("evCharging", c.evCharging),
	)
	c.mode = mode
	metrics.ControlMode.Set(float64(mode))
	c.recordChangeLocked(now)
}

func (c *Controller) setACChargeDemandLocked(ctx context.Context, watts float64, now time.Time) {
	if c.acChargeDemandW == watts {
		return
	}
	log.Ctx(ctx).DebugContext(ctx, "ac charge demand changed",
		slog.Float64("from", c.acChargeDemandW),
		slog.Float64("to", watts),
	)
	c.acChargeDemandW = watts
	c.recordChangeLocked(now)
}

func (c *Controller) setDCChargeDemandLocked(rel float64, now time.Time) {
	if c.dcChargeDemand == rel {
		return
	}
	c.dcChargeDemand = rel
	c.recordChangeLocked(now)
}

func (c *Controller) setDischargeAllowedLocked(allowed int, now time.Time) {
	if c.dischargeAllowed == allowed {
		return
	}
	c.dischargeAllowed = allowed
	c.recordChangeLocked(now)
}

func (c *Controller) recordChangeLocked(now time.Time) {
	c.changes = append(c.changes, now)
	if len(c.changes) > maxChangeEntries {
		c.changes = c.changes[1:]
	}
}

// WasChangedRecently reports whether any control value changed within the
// last window. Entries older than the window are dropped.
func (c *Controller) WasChangedRecently(window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.nowFunc().Add(-window)
	i := 0
	for i < len(c.changes) && c.changes[i].Before(cutoff) {
		i++
	}
	c.changes = c.changes[i:]
	return len(c.changes) > 0
}

// Apply pushes the current mode to the inverter when it differs from the
// last write. ChargeFromGrid is capped by the battery's dynamic limit.
// Hardware errors are logged and retried on the next evaluation.
func (c *Controller) Apply(ctx context.Context) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	c.mu.Lock()
	mode := c.mode
	watts := 0.0
	if mode == ModeChargeFromGrid {
		watts = math.Min(c.acChargeDemandW, c.dynamicMaxChargeW)
	}
	changed := mode != c.appliedMode || watts != c.appliedChargeW
	c.mu.Unlock()

	if !changed {
		log.Ctx(ctx).DebugContext(ctx, "remaining in control state", slog.String("mode", mode.String()))
		return
	}
	if mode == ModeStartup {
		// Nothing to push until the first plan arrives.
		return
	}
	if c.driver == nil {
		log.Ctx(ctx).InfoContext(ctx, "inverter disabled, mode change not pushed",
			slog.String("mode", mode.String()),
			slog.Float64("chargePowerW", watts),
		)
		c.recordApplied(mode, watts)
		return
	}

	var err error
	switch mode {
	case ModeChargeFromGrid:
		err = c.driver.SetForceCharge(ctx, watts)
	case ModeAvoidDischarge, ModeAvoidDischargeEVCCFast:
		err = c.driver.SetAvoidDischarge(ctx)
	case ModeDischargeAllowed, ModeDischargeAllowedEVCCPV, ModeDischargeAllowedEVCCMinPV:
		err = c.driver.SetAllowDischarge(ctx)
	}
	if err != nil {
		metrics.InverterWritesTotal.WithLabelValues("error").Inc()
		log.Ctx(ctx).ErrorContext(ctx, "failed to apply control state",
			slog.String("mode", mode.String()),
			slog.Float64("chargePowerW", watts),
			slog.Any("error", err),
		)
		return
	}
	metrics.InverterWritesTotal.WithLabelValues("success").Inc()
	log.Ctx(ctx).InfoContext(ctx, "applied control state",
		slog.String("mode", mode.String()),
		slog.Float64("chargePowerW", watts),
	)
	c.recordApplied(mode, watts)
}

func (c *Controller) recordApplied(mode Mode, watts float64) {
	c.mu.Lock()
	c.appliedMode = mode
	c.appliedChargeW = watts
	c.mu.Unlock()
}

// Snapshot is the control state exposed by the JSON facade.
type Snapshot struct {
	Mode              Mode
	ACChargeDemandW   float64
	DCChargeDemand    float64
	DischargeAllowed  int
	EVCharging        bool
	EVMode            evcc.Mode
	BatterySoC        float64
	DynamicMaxChargeW float64
	OverrideActive    bool
	OverrideMode      Mode
	OverrideUntil     time.Time
}

// Snapshot returns a copy of the current control state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		Mode:              c.mode,
		ACChargeDemandW:   c.acChargeDemandW,
		DCChargeDemand:    c.dcChargeDemand,
		DischargeAllowed:  c.dischargeAllowed,
		EVCharging:        c.evCharging,
		EVMode:            c.evMode,
		BatterySoC:        c.batterySoC,
		DynamicMaxChargeW: c.dynamicMaxChargeW,
	}
	if c.override != nil {
		s.OverrideActive = true
		s.OverrideMode = c.override.Mode
		s.OverrideUntil = c.override.Until
	}
	return s
}
