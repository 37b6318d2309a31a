// Package scheduler owns the periodic optimization loop. Each tick refreshes
// the price and load providers, snapshots the rest, asks the EOS server for a
// plan, persists the request/response pair, and hands the current-hour values
// to the controller. It also carries the Runnable plumbing the other
// background workers run under.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eosconnect/eosconnect/pkg/battery"
	"github.com/eosconnect/eosconnect/pkg/control"
	"github.com/eosconnect/eosconnect/pkg/eos"
	"github.com/eosconnect/eosconnect/pkg/load"
	"github.com/eosconnect/eosconnect/pkg/log"
	"github.com/eosconnect/eosconnect/pkg/price"
	"github.com/eosconnect/eosconnect/pkg/pv"
	"github.com/eosconnect/eosconnect/pkg/store"
)

// State names the phase the scheduler is in, exposed on the JSON facade.
type State string

const (
	StateStarted    State = "just started"
	StateCollecting State = "collecting data"
	StateOptimizing State = "optimizing"
	StateSleeping   State = "sleeping"
)

// Status is the scheduler snapshot served by the facade.
type Status struct {
	State      State     `json:"state"`
	LastRunID  string    `json:"last_run_id,omitempty"`
	LastRunAt  time.Time `json:"last_run_at,omitzero"`
	LastError  string    `json:"last_error,omitempty"`
	NextRunAt  time.Time `json:"next_run_at,omitzero"`
	EOSVersion string    `json:"eos_version,omitempty"`
}

// Scheduler drives the optimization cadence. It is single-threaded: one tick
// finishes (bounded by the EOS timeout, validated at boot to fit the period)
// before the next starts.
type Scheduler struct {
	period  time.Duration
	loc     *time.Location
	prices  *price.Provider
	pv      *pv.Provider
	load    *load.Provider
	battery *battery.Provider
	client  *eos.Client
	control *control.Controller
	store   store.Store

	mu     sync.Mutex
	status Status

	nowFunc func() time.Time
}

// New assembles the scheduler. The period comes from refresh_time and is
// validated against the EOS timeout by config.Validate.
func New(period time.Duration, loc *time.Location,
	prices *price.Provider, pvp *pv.Provider, loadp *load.Provider, batt *battery.Provider,
	client *eos.Client, ctrl *control.Controller, st store.Store) *Scheduler {
	return &Scheduler{
		period:  period,
		loc:     loc,
		prices:  prices,
		pv:      pvp,
		load:    loadp,
		battery: batt,
		client:  client,
		control: ctrl,
		store:   st,
		status:  Status{State: StateStarted},
		nowFunc: time.Now,
	}
}

// Status returns the current scheduler snapshot.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run executes ticks until the context is canceled. The first tick starts
// immediately; every following one is aligned to the period so the loop does
// not drift when a run takes long.
func (s *Scheduler) Run(ctx context.Context) error {
	if version, err := s.client.DetectVersion(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "eos version detection failed, assuming legacy schema",
			slog.Any("error", err))
	} else {
		s.mu.Lock()
		s.status.EOSVersion = string(version)
		s.mu.Unlock()
	}

	for {
		tickStart := s.nowFunc()
		s.runOnce(ctx, tickStart)
		if ctx.Err() != nil {
			return nil
		}

		next := tickStart.Truncate(s.period).Add(s.period)
		s.setState(StateSleeping, next)
		log.Ctx(ctx).DebugContext(ctx, "scheduler sleeping",
			slog.Time("nextEval", next.In(s.loc)))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Ctx(ctx).InfoContext(ctx, "scheduler stopped")
			return nil
		case <-timer.C:
		}
	}
}

// runOnce performs a single optimization tick: refresh, build, optimize,
// persist, apply. Any failure is recorded and the tick is abandoned; the
// last-applied control state stays in place until the next run succeeds.
func (s *Scheduler) runOnce(ctx context.Context, now time.Time) {
	runID := uuid.NewString()
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("runID", runID)))
	s.beginRun(runID, now)

	// prices and the load profile are refreshed in lockstep with the
	// optimization; the other providers poll on their own cadences
	priceSnap, _ := s.prices.Refresh(ctx, now)
	loadSnap, _ := s.load.Refresh(ctx, now)
	pvSnap := s.pv.Current()
	tempSnap := s.pv.CurrentTemperature()
	battSnap := s.battery.Current()
	s.control.SetBatteryState(ctx, battSnap.SoCPercent, battSnap.DynamicMaxChargeW)

	req := s.client.BuildRequest(eos.Inputs{
		PricesEurPerWh: priceSnap.GridEurPerWh,
		FeedInEurPerWh: priceSnap.FeedInEurPerWh,
		PVWh:           pvSnap.EnergyWh,
		LoadWh:         loadSnap.ProfileWh,
		TemperatureC:   tempSnap.Celsius,
		BatterySoC:     battSnap.SoCPercent,
	})

	s.setState(StateOptimizing, time.Time{})
	resp, err := s.client.Optimize(ctx, req, now)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "optimization failed, keeping last control state",
			slog.Any("error", err))
		s.failRun(err)
		return
	}

	s.persist(ctx, req, resp)

	plan, err := s.client.ExamineControl(resp, now)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "optimize response not applied",
			slog.Any("error", err))
		s.failRun(err)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "applying optimization result",
		slog.Int("hour", plan.Hour),
		slog.Float64("acChargeW", s.client.MaxChargePowerW(plan.ACChargeRel)),
		slog.Int("dischargeAllowed", plan.DischargeAllowed),
	)
	s.control.UpdatePlan(ctx, plan)
	if raw, err := json.Marshal(plan); err == nil {
		if err := s.store.SaveControls(ctx, raw); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "could not persist applied controls", slog.Any("error", err))
		}
	}
	s.finishRun()
}

// persist writes the request/response pair to the store as pretty JSON. A
// persistence failure is logged only; the in-flight run continues.
func (s *Scheduler) persist(ctx context.Context, req *eos.OptimizeRequest, resp *eos.OptimizeResponse) {
	reqJSON, err := json.MarshalIndent(req, "", "    ")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "could not encode optimize request", slog.Any("error", err))
		return
	}
	respJSON, err := prettyJSON(resp.Raw)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "could not re-encode optimize response", slog.Any("error", err))
		return
	}
	if err := s.store.SaveOptimization(ctx, reqJSON, respJSON); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "could not persist optimization artifacts", slog.Any("error", err))
	}
}

func prettyJSON(raw []byte) ([]byte, error) {
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return json.MarshalIndent(out, "", "    ")
}

func (s *Scheduler) beginRun(runID string, now time.Time) {
	s.mu.Lock()
	s.status.State = StateCollecting
	s.status.LastRunID = runID
	s.status.LastRunAt = now
	s.status.LastError = ""
	s.mu.Unlock()
}

func (s *Scheduler) setState(state State, next time.Time) {
	s.mu.Lock()
	s.status.State = state
	if !next.IsZero() {
		s.status.NextRunAt = next
	}
	s.mu.Unlock()
}

func (s *Scheduler) failRun(err error) {
	s.mu.Lock()
	s.status.LastError = err.Error()
	s.mu.Unlock()
}

func (s *Scheduler) finishRun() {
	s.mu.Lock()
	s.status.LastError = ""
	s.mu.Unlock()
}
