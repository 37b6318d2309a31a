// Package pv produces the 48 h photovoltaic energy forecast and the ambient
// temperature forecast consumed by the optimizer. One backend source serves
// all configured panel planes; per-plane forecasts are summed elementwise.
package pv

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eosconnect/eosconnect/pkg/common"
	"github.com/eosconnect/eosconnect/pkg/config"
	"github.com/eosconnect/eosconnect/pkg/forecast"
	"github.com/eosconnect/eosconnect/pkg/log"
	"github.com/eosconnect/eosconnect/pkg/metrics"
)

const (
	// refreshInterval is the default forecast cadence.
	refreshInterval = 15 * time.Minute
	// solcastRefreshInterval is stretched to stay inside the free-tier
	// request allowance.
	solcastRefreshInterval = 150 * time.Minute

	defaultTemperature = 15.0
)

// defaultShape is the fraction of peak power produced per hour of day when no
// upstream forecast is available.
var defaultShape = []float64{
	0, 0, 0, 0, 0, 0,
	0.1, 0.2, 0.3, 0.4, 0.5, 0.6,
	0.7, 0.6, 0.5, 0.4, 0.3, 0.2,
	0.1, 0, 0, 0, 0, 0,
}

// Snapshot is the aggregated PV forecast over all planes, Wh per hour aligned
// to today's local midnight.
type Snapshot struct {
	EnergyWh  forecast.Vector `json:"energy_wh"`
	Source    string          `json:"source"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TemperatureSnapshot is the hourly outside temperature forecast in °C.
type TemperatureSnapshot struct {
	Celsius   forecast.Vector `json:"celsius"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// planeSource fetches the forecast for a single panel plane.
type planeSource interface {
	name() string
	fetch(ctx context.Context, plane config.PVPlaneConfig, now time.Time) (forecast.Vector, error)
}

// Provider fetches, aggregates, and publishes the PV and temperature
// forecasts. The scheduler drives Refresh on the Interval cadence.
type Provider struct {
	src    planeSource
	planes []config.PVPlaneConfig
	loc    *time.Location

	// akku also serves the temperature forecast regardless of the
	// configured PV source.
	akku *akkudoktorSource

	// singleFetch sources forecast the whole system in one call instead of
	// per plane.
	singleFetch bool

	mu       sync.Mutex
	snap     Snapshot
	tempSnap TemperatureSnapshot
	hasGood  bool
	lastErr  *common.FetchError
}

// New builds a Provider for the configured source. The evcc source forecasts
// through the EV charge controller and needs its base URL.
func New(cfg config.PVSourceConfig, planes []config.PVPlaneConfig, evccURL string, loc *time.Location) (*Provider, error) {
	p := &Provider{
		planes: planes,
		loc:    loc,
		akku:   newAkkudoktorSource(loc),
	}
	switch cfg.Source {
	case "akkudoktor", "":
		p.src = p.akku
	case "openmeteo_lib":
		p.src = newOpenMeteoLibSource(loc)
	case "openmeteo_local":
		p.src = newOpenMeteoLocalSource(loc)
	case "forecast_solar":
		p.src = newForecastSolarSource(loc)
	case "solcast":
		p.src = newSolcastSource(cfg.APIKey, loc)
	case "evcc":
		if evccURL == "" {
			return nil, fmt.Errorf("pv source evcc requires an evcc url")
		}
		p.src = newEVCCSource(evccURL)
		p.singleFetch = true
	case "default":
		p.src = nil
	default:
		return nil, fmt.Errorf("unknown pv source: %s", cfg.Source)
	}
	p.snap = p.defaultSnapshot(time.Now().In(loc))
	p.tempSnap = defaultTemperatureSnapshot(time.Now().In(loc))
	return p, nil
}

// Interval returns the refresh cadence for the configured source.
func (p *Provider) Interval() time.Duration {
	if _, ok := p.src.(*solcastSource); ok {
		return solcastRefreshInterval
	}
	return refreshInterval
}

// Refresh fetches every plane, sums the forecasts, and publishes the result.
// On failure the previously published forecast stays; if none was ever
// fetched the default shape scaled to the first plane's peak power is used.
func (p *Provider) Refresh(ctx context.Context, now time.Time) (Snapshot, error) {
	now = now.In(p.loc)
	snap, err := p.buildForecast(ctx, now)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "pv refresh failed", slog.Any("error", err))
		metrics.ProviderFetchTotal.WithLabelValues("pv", "error").Inc()
		p.mu.Lock()
		p.lastErr = common.AsFetchError(err, p.sourceName())
		if !p.hasGood {
			p.snap = p.defaultSnapshot(now)
		}
		snap = p.snap
		p.mu.Unlock()
	} else {
		p.mu.Lock()
		p.snap = snap
		p.hasGood = true
		p.lastErr = nil
		p.mu.Unlock()
		metrics.ProviderFetchTotal.WithLabelValues("pv", "success").Inc()
		metrics.ProviderLastSuccess.WithLabelValues("pv").Set(float64(now.Unix()))
	}

	p.refreshTemperature(ctx, now)
	if err != nil {
		return snap, err
	}
	log.Ctx(ctx).DebugContext(ctx, "pv forecast updated",
		slog.String("source", snap.Source),
		slog.Float64("today_kwh", forecast.Round(snap.EnergyWh[:24].Sum()/1000, 2)),
	)
	return snap, nil
}

func (p *Provider) buildForecast(ctx context.Context, now time.Time) (Snapshot, error) {
	if p.src == nil {
		return p.defaultSnapshot(now), nil
	}
	var sum forecast.Vector
	if p.singleFetch {
		vec, err := p.src.fetch(ctx, config.PVPlaneConfig{}, now)
		if err != nil {
			return Snapshot{}, err
		}
		sum = vec.Normalize(forecast.Hours)
	} else {
		for _, plane := range p.planes {
			vec, err := p.src.fetch(ctx, plane, now)
			if err != nil {
				return Snapshot{}, err
			}
			sum = sum.Add(vec.Normalize(forecast.Hours))
		}
		sum = sum.Normalize(forecast.Hours)
	}
	return Snapshot{
		EnergyWh:  sum,
		Source:    p.src.name(),
		UpdatedAt: now,
	}, nil
}

// refreshTemperature pulls the outside temperature through the akkudoktor API
// using the first plane's coordinates. Failures keep the last published
// vector, which starts out at a constant 15 °C.
func (p *Provider) refreshTemperature(ctx context.Context, now time.Time) {
	if len(p.planes) == 0 {
		return
	}
	vec, err := p.akku.fetchValues(ctx, "temperature", p.planes[0], now)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "temperature refresh failed", slog.Any("error", err))
		return
	}
	p.mu.Lock()
	p.tempSnap = TemperatureSnapshot{
		Celsius:   vec.Normalize(forecast.Hours),
		UpdatedAt: now,
	}
	p.mu.Unlock()
}

// Current returns the latest published PV forecast.
func (p *Provider) Current() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// CurrentTemperature returns the latest published temperature forecast.
func (p *Provider) CurrentTemperature() TemperatureSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tempSnap
}

// LastError returns the most recent fetch error, nil after a success.
func (p *Provider) LastError() *common.FetchError {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Provider) sourceName() string {
	if p.src == nil {
		return "default"
	}
	return p.src.name()
}

func (p *Provider) defaultSnapshot(now time.Time) Snapshot {
	peak := 0.0
	if len(p.planes) > 0 {
		peak = p.planes[0].Power
	}
	vec := make(forecast.Vector, forecast.Hours)
	for i := range vec {
		vec[i] = peak * defaultShape[i%len(defaultShape)]
	}
	return Snapshot{EnergyWh: vec, Source: "default", UpdatedAt: now}
}

func defaultTemperatureSnapshot(now time.Time) TemperatureSnapshot {
	return TemperatureSnapshot{
		Celsius:   forecast.Repeat([]float64{defaultTemperature}, forecast.Hours),
		UpdatedAt: now,
	}
}

// parseHorizon converts the comma-separated elevation table to floats. An
// entry like "50t0.4" carries a transparency suffix; only the elevation in
// front of the t is used.
func parseHorizon(s string) []float64 {
	var out []float64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, 't'); i >= 0 {
			part = part[:i]
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// horizonTable normalizes a parsed horizon to 36 elevation bins of 10°
// azimuth each, interpolating linearly when the input length differs.
func horizonTable(horizon []float64) []float64 {
	if len(horizon) == 0 {
		return make([]float64, 36)
	}
	table := make([]float64, len(horizon))
	for i, v := range horizon {
		table[i] = math.Trunc(v)
	}
	if len(table) == 36 {
		return table
	}
	out := make([]float64, 36)
	step := 360.0 / float64(len(table))
	for j := range out {
		x := float64(j) * 10
		pos := x / step
		lo := int(pos)
		if lo >= len(table)-1 {
			out[j] = table[len(table)-1]
			continue
		}
		frac := pos - float64(lo)
		out[j] = table[lo] + (table[lo+1]-table[lo])*frac
	}
	return out
}

// horizonElevation returns the local horizon elevation at the given compass
// azimuth in degrees.
func horizonElevation(azimuthDeg float64, table []float64) float64 {
	idx := int(azimuthDeg/10) % 36
	if idx < 0 {
		idx += 36
	}
	return table[idx]
}
