// Package eos talks to the external EOS optimization server: it detects the
// server's schema generation, builds optimize requests from the current
// provider snapshots, and extracts the control values for the running hour.
package eos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/eosconnect/eosconnect/pkg/common"
	"github.com/eosconnect/eosconnect/pkg/config"
	"github.com/eosconnect/eosconnect/pkg/forecast"
	"github.com/eosconnect/eosconnect/pkg/log"
	"github.com/eosconnect/eosconnect/pkg/metrics"
)

// Version is the EOS server schema generation.
type Version string

const (
	// VersionUnknown means detection failed; the legacy schema is used.
	VersionUnknown Version = ""
	// VersionLegacy covers servers before the 2025-04-09 API rework.
	VersionLegacy Version = "<2025-04-09"
	// VersionCurrent covers servers with device_id based nested objects.
	VersionCurrent Version = ">=2025-04-09"
)

// ErrInvalidResponse marks an optimize response whose start_solution is
// missing or degenerate; its control values must not be applied.
var ErrInvalidResponse = errors.New("optimize response carries no usable solution")

// Client is the EOS API client. Safe for use from a single scheduler worker;
// the start-solution handoff between runs is locked because the facade reads
// it too.
type Client struct {
	cfg     config.EOSConfig
	battery config.BatteryConfig
	loc     *time.Location

	// optimize calls run against the configured long timeout, everything
	// else against a short one.
	client *http.Client
	quick  *http.Client

	mu                sync.Mutex
	version           Version
	lastStartSolution []float64
}

// New returns a Client for the configured EOS server.
func New(cfg config.EOSConfig, battery config.BatteryConfig, loc *time.Location) *Client {
	return &Client{
		cfg:     cfg,
		battery: battery,
		loc:     loc,
		client:  common.HTTPClient(time.Duration(cfg.Timeout) * time.Second),
		quick:   common.HTTPClient(10 * time.Second),
	}
}

// DetectVersion probes /v1/health to tell schema generations apart: servers
// since 2025-04-09 answer alive, older ones have no such route. The result is
// cached on the client.
func (c *Client) DetectVersion(ctx context.Context) (Version, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.BaseURL()+"/v1/health", nil)
	if err != nil {
		return VersionUnknown, err
	}
	resp, err := c.quick.Do(req)
	if err != nil {
		return VersionUnknown, fmt.Errorf("health probe failed: %w", err)
	}
	defer resp.Body.Close()

	version := VersionUnknown
	switch {
	case resp.StatusCode == http.StatusNotFound:
		version = VersionLegacy
	case resp.StatusCode == http.StatusOK:
		var health struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			return VersionUnknown, fmt.Errorf("failed to decode health response: %w", err)
		}
		if health.Status == "alive" {
			version = VersionCurrent
		}
	default:
		return VersionUnknown, fmt.Errorf("health probe returned status: %d", resp.StatusCode)
	}

	c.mu.Lock()
	c.version = version
	c.mu.Unlock()
	log.Ctx(ctx).InfoContext(ctx, "detected eos server version", slog.String("version", string(version)))
	return version, nil
}

// Version returns the cached schema generation.
func (c *Client) Version() Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Inputs are the provider snapshots an optimize request is built from.
type Inputs struct {
	// PricesEurPerWh is the grid price vector.
	PricesEurPerWh []float64
	// FeedInEurPerWh is the feed-in tariff vector.
	FeedInEurPerWh []float64
	// PVWh is the summed PV forecast.
	PVWh []float64
	// LoadWh is the household load profile.
	LoadWh []float64
	// TemperatureC is the outside temperature forecast.
	TemperatureC []float64
	// BatterySoC is the battery state of charge in percent.
	BatterySoC float64
}

// EMSParams carries the energy-vector half of the request. The wire names
// are German, fixed by the EOS API.
type EMSParams struct {
	PVForecastWh   []float64 `json:"pv_prognose_wh"`
	GridEurPerWh   []float64 `json:"strompreis_euro_pro_wh"`
	FeedInEurPerWh []float64 `json:"einspeiseverguetung_euro_pro_wh"`
	BatteryCostEur float64   `json:"preis_euro_pro_wh_akku"`
	TotalLoadWh    []float64 `json:"gesamtlast"`
}

// BatteryParams describes the home battery in the current schema.
type BatteryParams struct {
	DeviceID              string  `json:"device_id"`
	Hours                 *int    `json:"hours"`
	CapacityWh            float64 `json:"capacity_wh"`
	ChargingEfficiency    float64 `json:"charging_efficiency"`
	DischargingEfficiency float64 `json:"discharging_efficiency"`
	MaxChargePowerW       float64 `json:"max_charge_power_w"`
	InitialSocPercentage  float64 `json:"initial_soc_percentage"`
	MinSocPercentage      float64 `json:"min_soc_percentage"`
	MaxSocPercentage      float64 `json:"max_soc_percentage"`
}

// BatteryParamsLegacy is the pre-2025-04-09 battery shape.
type BatteryParamsLegacy struct {
	CapacityWh            float64 `json:"kapazitaet_wh"`
	ChargingEfficiency    float64 `json:"lade_effizienz"`
	DischargingEfficiency float64 `json:"entlade_effizienz"`
	MaxChargePowerW       float64 `json:"max_ladeleistung_w"`
	InitialSocPercentage  float64 `json:"start_soc_prozent"`
	MinSocPercentage      float64 `json:"min_soc_prozent"`
	MaxSocPercentage      float64 `json:"max_soc_prozent"`
}

// InverterParams describes the hybrid inverter in the current schema.
type InverterParams struct {
	DeviceID   string  `json:"device_id"`
	MaxPowerWh float64 `json:"max_power_wh"`
	BatteryID  string  `json:"battery_id"`
}

// InverterParamsLegacy is the pre-2025-04-09 inverter shape.
type InverterParamsLegacy struct {
	MaxPowerWh float64 `json:"max_leistung_wh"`
}

// EVParams is a fixed electric-vehicle descriptor; EOS needs one even when no
// EV is attached.
type EVParams struct {
	DeviceID              string  `json:"device_id"`
	CapacityWh            float64 `json:"capacity_wh"`
	ChargingEfficiency    float64 `json:"charging_efficiency"`
	DischargingEfficiency float64 `json:"discharging_efficiency"`
	MaxChargePowerW       float64 `json:"max_charge_power_w"`
	InitialSocPercentage  float64 `json:"initial_soc_percentage"`
	MinSocPercentage      float64 `json:"min_soc_percentage"`
	MaxSocPercentage      float64 `json:"max_soc_percentage"`
}

// EVParamsLegacy is a degenerate one-watt vehicle for old servers, which
// reject a missing eauto block but are not asked to plan for it.
type EVParamsLegacy struct {
	CapacityWh            float64 `json:"kapazitaet_wh"`
	ChargingEfficiency    float64 `json:"lade_effizienz"`
	DischargingEfficiency float64 `json:"entlade_effizienz"`
	MaxChargePowerW       float64 `json:"max_ladeleistung_w"`
	InitialSocPercentage  float64 `json:"start_soc_prozent"`
	MinSocPercentage      float64 `json:"min_soc_prozent"`
	MaxSocPercentage      float64 `json:"max_soc_prozent"`
}

// DishwasherParams is a minimal one-hour household appliance EOS schedules
// around.
type DishwasherParams struct {
	DeviceID      string  `json:"device_id"`
	ConsumptionWh float64 `json:"consumption_wh"`
	DurationH     int     `json:"duration_h"`
}

// OptimizeRequest is the full optimize payload. Battery, Inverter, and EV
// hold the schema variant matching the detected server version.
type OptimizeRequest struct {
	EMS                 EMSParams        `json:"ems"`
	Battery             interface{}      `json:"pv_akku"`
	Inverter            interface{}      `json:"inverter"`
	EV                  interface{}      `json:"eauto"`
	Dishwasher          DishwasherParams `json:"dishwasher"`
	TemperatureForecast []float64        `json:"temperature_forecast"`
	StartSolution       []float64        `json:"start_solution"`
}

// BuildRequest assembles the optimize payload for the detected server
// version from the given snapshots and the remembered start solution.
func (c *Client) BuildRequest(in Inputs) *OptimizeRequest {
	c.mu.Lock()
	version := c.version
	start := c.lastStartSolution
	c.mu.Unlock()

	req := &OptimizeRequest{
		EMS: EMSParams{
			PVForecastWh:   in.PVWh,
			GridEurPerWh:   in.PricesEurPerWh,
			FeedInEurPerWh: in.FeedInEurPerWh,
			BatteryCostEur: 0,
			TotalLoadWh:    in.LoadWh,
		},
		Dishwasher: DishwasherParams{
			DeviceID:      "dishwasher1",
			ConsumptionWh: 1,
			DurationH:     1,
		},
		TemperatureForecast: in.TemperatureC,
	}
	if version == VersionCurrent {
		req.Battery = BatteryParams{
			DeviceID:              "battery1",
			CapacityWh:            c.battery.CapacityWh,
			ChargingEfficiency:    c.battery.ChargeEfficiency,
			DischargingEfficiency: c.battery.DischargeEfficiency,
			MaxChargePowerW:       c.battery.MaxChargePowerW,
			InitialSocPercentage:  in.BatterySoC,
			MinSocPercentage:      c.battery.MinSocPercentage,
			MaxSocPercentage:      c.battery.MaxSocPercentage,
		}
		req.Inverter = InverterParams{
			DeviceID:   "inverter1",
			MaxPowerWh: 8500,
			BatteryID:  "battery1",
		}
		req.EV = EVParams{
			DeviceID:              "ev1",
			CapacityWh:            27000,
			ChargingEfficiency:    0.90,
			DischargingEfficiency: 0.95,
			MaxChargePowerW:       7360,
			InitialSocPercentage:  50,
			MinSocPercentage:      5,
			MaxSocPercentage:      100,
		}
		req.StartSolution = start
	} else {
		req.Battery = BatteryParamsLegacy{
			CapacityWh:            c.battery.CapacityWh,
			ChargingEfficiency:    c.battery.ChargeEfficiency,
			DischargingEfficiency: c.battery.DischargeEfficiency,
			MaxChargePowerW:       c.battery.MaxChargePowerW,
			InitialSocPercentage:  in.BatterySoC,
			MinSocPercentage:      c.battery.MinSocPercentage,
			MaxSocPercentage:      c.battery.MaxSocPercentage,
		}
		req.Inverter = InverterParamsLegacy{MaxPowerWh: 8500}
		req.EV = EVParamsLegacy{
			CapacityWh:            1,
			ChargingEfficiency:    0.90,
			DischargingEfficiency: 0.95,
			MaxChargePowerW:       1,
			InitialSocPercentage:  50,
			MinSocPercentage:      5,
			MaxSocPercentage:      100,
		}
	}
	return req
}

// OptimizeResponse is the decoded optimize result. Raw preserves the full
// body for persistence since the server returns more than the control
// vectors.
type OptimizeResponse struct {
	ACCharge         []float64 `json:"ac_charge"`
	DCCharge         []float64 `json:"dc_charge"`
	DischargeAllowed []float64 `json:"discharge_allowed"`
	StartSolution    []float64 `json:"start_solution"`

	Raw json.RawMessage `json:"-"`
}

// Optimize POSTs the request and returns the decoded response. The call
// blocks up to the configured timeout; the scheduler guarantees that fits
// inside its period.
func (c *Client) Optimize(ctx context.Context, optReq *OptimizeRequest, now time.Time) (*OptimizeResponse, error) {
	body, err := json.Marshal(optReq)
	if err != nil {
		return nil, fmt.Errorf("failed to encode optimize request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/optimize?start_hour=%d", c.cfg.BaseURL(), now.In(c.loc).Hour())
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	log.Ctx(ctx).InfoContext(ctx, "requesting optimization",
		slog.String("url", endpoint),
		slog.Int("timeout_seconds", c.cfg.Timeout),
	)
	started := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(started)
	metrics.OptimizationDuration.Observe(elapsed.Seconds())
	if err != nil {
		metrics.OptimizationRunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("optimize request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.OptimizationRunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to read optimize response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		metrics.OptimizationRunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("optimize returned status %d: %s", resp.StatusCode, truncateBody(raw))
	}

	var out OptimizeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		metrics.OptimizationRunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to decode optimize response: %w", err)
	}
	out.Raw = raw
	metrics.OptimizationRunsTotal.WithLabelValues("success").Inc()
	log.Ctx(ctx).InfoContext(ctx, "optimization finished",
		slog.Duration("elapsed", elapsed.Round(10*time.Millisecond)),
	)
	return &out, nil
}

// Control is the slice of the optimize response that drives the current
// hour.
type Control struct {
	// ACChargeRel is the grid-charge demand relative to the battery's
	// maximum charge power, 0..1.
	ACChargeRel float64 `json:"ac_charge_rel"`
	// DCChargeRel is retained for observability only.
	DCChargeRel float64 `json:"dc_charge_rel"`
	// DischargeAllowed is 1 when the battery may discharge this hour.
	DischargeAllowed int `json:"discharge_allowed"`
	// Hour is the local hour the values apply to.
	Hour int `json:"hour"`
}

// ExamineControl picks the current hour out of the response vectors and
// stores the start solution for the next run. A response without a usable
// start solution is rejected and leaves the stored solution untouched.
func (c *Client) ExamineControl(resp *OptimizeResponse, now time.Time) (Control, error) {
	if len(resp.StartSolution) <= 1 {
		return Control{}, ErrInvalidResponse
	}
	hour := now.In(c.loc).Hour()
	if len(resp.ACCharge) <= hour || len(resp.DischargeAllowed) <= hour {
		return Control{}, fmt.Errorf("optimize response vectors do not cover hour %d", hour)
	}
	ctrl := Control{
		ACChargeRel: resp.ACCharge[hour],
		Hour:        hour,
	}
	if len(resp.DCCharge) > hour {
		ctrl.DCChargeRel = resp.DCCharge[hour]
	}
	if resp.DischargeAllowed[hour] > 0 {
		ctrl.DischargeAllowed = 1
	}

	c.mu.Lock()
	c.lastStartSolution = resp.StartSolution
	c.mu.Unlock()
	return ctrl, nil
}

// LastStartSolution returns the remembered solution seed, nil before the
// first valid response.
func (c *Client) LastStartSolution() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStartSolution
}

// MaxChargePowerW converts the relative AC charge demand to watts against
// the configured battery.
func (c *Client) MaxChargePowerW(rel float64) float64 {
	return forecast.Round(rel*c.battery.MaxChargePowerW, 1)
}

func truncateBody(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
