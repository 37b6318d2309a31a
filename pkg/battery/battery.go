// Package battery tracks the home battery state of charge and derives the
// SoC-dependent grid charge power limit.
package battery

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/eosconnect/eosconnect/pkg/common"
	"github.com/eosconnect/eosconnect/pkg/config"
	"github.com/eosconnect/eosconnect/pkg/log"
	"github.com/eosconnect/eosconnect/pkg/metrics"
)

const (
	// defaultSoC is published until a source reports a real value.
	defaultSoC = 5.0
	// minChargePower is the floor of the dynamic limit in watts.
	minChargePower = 500.0
)

// Snapshot holds the latest battery state.
type Snapshot struct {
	SoCPercent float64 `json:"soc_percent"`
	// UsableWh is the energy above the configured minimum SoC, after
	// discharge losses.
	UsableWh float64 `json:"usable_wh"`
	// DynamicMaxChargeW is the grid charge power limit for the current SoC.
	DynamicMaxChargeW float64   `json:"dynamic_max_charge_w"`
	Source            string    `json:"source"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// socSource fetches the current state of charge in percent.
type socSource interface {
	name() string
	fetch(ctx context.Context) (float64, error)
}

// Provider refreshes the SoC on a 30 s cadence (driven by the scheduler) and
// notifies an observer whenever the dynamic charge limit moves.
type Provider struct {
	cfg config.BatteryConfig
	src socSource

	mu        sync.Mutex
	snap      Snapshot
	hasGood   bool
	lastErr   *common.FetchError
	lastLimit float64

	onLimitChange func(limitW float64)
}

// New returns a Provider for the configured source.
func New(cfg config.BatteryConfig) (*Provider, error) {
	client := common.HTTPClient(6 * time.Second)
	p := &Provider{cfg: cfg}
	switch cfg.Source {
	case "default":
	case "openhab":
		p.src = &openhabSoC{client: client, baseURL: cfg.URL, sensor: cfg.SocSensor}
	case "homeassistant":
		p.src = &homeassistantSoC{client: client, baseURL: cfg.URL, sensor: cfg.SocSensor, token: cfg.AccessToken}
	default:
		return nil, fmt.Errorf("unknown battery source: %s", cfg.Source)
	}
	p.snap = p.derive(defaultSoC, "default", time.Time{})
	p.lastLimit = p.snap.DynamicMaxChargeW
	return p, nil
}

// OnLimitChange registers the observer invoked when DynamicMaxChargeW
// changes. Must be called before the provider is refreshed concurrently.
func (p *Provider) OnLimitChange(fn func(limitW float64)) {
	p.onLimitChange = fn
}

// Refresh fetches the SoC and publishes a new snapshot. On failure the
// last-known SoC is kept (5 % if none was ever read).
func (p *Provider) Refresh(ctx context.Context, now time.Time) (Snapshot, error) {
	source := "default"
	var soc float64
	var err error
	if p.src == nil {
		soc = defaultSoC
	} else {
		source = p.src.name()
		soc, err = p.src.fetch(ctx)
	}

	p.mu.Lock()
	if err != nil {
		p.lastErr = common.AsFetchError(err, source)
		soc = defaultSoC
		if p.hasGood {
			soc = p.snap.SoCPercent
		}
	} else {
		p.lastErr = nil
		p.hasGood = true
	}
	snap := p.derive(soc, source, now)
	p.snap = snap
	changed := snap.DynamicMaxChargeW != p.lastLimit
	p.lastLimit = snap.DynamicMaxChargeW
	fn := p.onLimitChange
	p.mu.Unlock()

	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "battery refresh failed",
			slog.String("source", source),
			slog.Float64("soc", soc),
			slog.Any("error", err),
		)
		metrics.ProviderFetchTotal.WithLabelValues("battery", "error").Inc()
	} else {
		metrics.ProviderFetchTotal.WithLabelValues("battery", "success").Inc()
		metrics.ProviderLastSuccess.WithLabelValues("battery").Set(float64(now.Unix()))
	}
	metrics.BatteryChargeLimitWatts.Set(snap.DynamicMaxChargeW)

	if changed {
		log.Ctx(ctx).InfoContext(ctx, "dynamic max charge power changed",
			slog.Float64("limitW", snap.DynamicMaxChargeW),
			slog.Float64("soc", snap.SoCPercent),
		)
		if fn != nil {
			fn(snap.DynamicMaxChargeW)
		}
	}
	return snap, err
}

// Current returns the latest published snapshot.
func (p *Provider) Current() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// LastError returns the most recent fetch error, nil after a success.
func (p *Provider) LastError() *common.FetchError {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// derive fills a snapshot from a SoC reading.
func (p *Provider) derive(soc float64, source string, now time.Time) Snapshot {
	usable := p.cfg.CapacityWh * p.cfg.DischargeEfficiency * (soc - p.cfg.MinSocPercentage) / 100
	if usable < 0 {
		usable = 0
	}
	return Snapshot{
		SoCPercent:        soc,
		UsableWh:          math.Round(usable*100) / 100,
		DynamicMaxChargeW: p.chargeLimit(soc),
		Source:            source,
		UpdatedAt:         now,
	}
}

// chargeLimit derives the grid charge power limit from the SoC. Below 50 %
// the battery accepts a full 1C; above, the C-rate decays quadratically down
// to 5 %. The result is capped at the configured maximum, rounded to 50 W
// steps and never below 500 W.
func (p *Provider) chargeLimit(soc float64) float64 {
	if !p.cfg.ChargingCurveEnabled {
		return p.cfg.MaxChargePowerW
	}
	if p.cfg.CapacityWh <= 0 || soc < 0 || soc > 100 {
		return minChargePower
	}

	cRate := 1.0
	if soc > 50 {
		decay := 1 - (soc-50)/60
		cRate = decay * decay
		if cRate < 0.05 {
			cRate = 0.05
		}
	}

	power := cRate * p.cfg.CapacityWh
	if power > p.cfg.MaxChargePowerW {
		power = p.cfg.MaxChargePowerW
	}
	power = math.Round(power/50) * 50
	if power < minChargePower {
		power = minChargePower
	}
	return power
}
