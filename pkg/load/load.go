// Package load builds the 48 hour household load forecast from persisted
// consumption history, using the previous two days as a proxy for the next
// two.
package load

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/eosconnect/eosconnect/pkg/common"
	"github.com/eosconnect/eosconnect/pkg/config"
	"github.com/eosconnect/eosconnect/pkg/forecast"
	"github.com/eosconnect/eosconnect/pkg/log"
	"github.com/eosconnect/eosconnect/pkg/metrics"
)

// defaultProfile is the hour-of-day shape served when no history source is
// configured, in Wh.
var defaultProfile = []float64{
	200, 200, 200, 200, 200, 300, 350, 400, 350, 300, 300, 550,
	450, 400, 300, 300, 400, 450, 500, 500, 500, 400, 300, 200,
}

// Snapshot holds one refresh of the load forecast.
type Snapshot struct {
	// ProfileWh holds 48 hourly consumption values aligned to hour-of-day.
	ProfileWh forecast.Vector `json:"profile_wh"`
	Source    string          `json:"source"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// fetcher returns the raw persisted states of a sensor for one hour.
type fetcher interface {
	name() string
	states(ctx context.Context, sensor string, start, end time.Time) ([]string, error)
}

// Provider builds load profiles from the configured history source.
type Provider struct {
	cfg   config.LoadConfig
	loc   *time.Location
	fetch fetcher

	mu      sync.Mutex
	snap    Snapshot
	hasGood bool
	lastErr *common.FetchError
}

// New returns a Provider for the configured source.
func New(cfg config.LoadConfig, loc *time.Location) (*Provider, error) {
	client := common.HTTPClient(10 * time.Second)
	p := &Provider{cfg: cfg, loc: loc}
	switch cfg.Source {
	case "default":
	case "openhab":
		p.fetch = &openhabFetcher{client: client, baseURL: cfg.URL}
	case "homeassistant":
		p.fetch = &homeassistantFetcher{client: client, baseURL: cfg.URL, token: cfg.AccessToken}
	default:
		return nil, fmt.Errorf("unknown load source: %s", cfg.Source)
	}
	p.snap = p.defaultSnapshot(time.Time{})
	return p, nil
}

// Refresh rebuilds the load profile. On failure the previous snapshot is
// kept, or the default shape if no refresh ever succeeded.
func (p *Provider) Refresh(ctx context.Context, now time.Time) (Snapshot, error) {
	now = now.In(p.loc)
	if p.fetch == nil {
		snap := p.defaultSnapshot(now)
		p.mu.Lock()
		p.snap = snap
		p.hasGood = true
		p.mu.Unlock()
		return snap, nil
	}

	profile, err := p.buildProfile(ctx, now)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "load refresh failed",
			slog.String("source", p.fetch.name()),
			slog.Any("error", err),
		)
		metrics.ProviderFetchTotal.WithLabelValues("load", "error").Inc()
		p.mu.Lock()
		defer p.mu.Unlock()
		p.lastErr = common.NewFetchError(common.FetchMissingField, p.fetch.name(), p.cfg.LoadSensor, err)
		if !p.hasGood {
			p.snap = p.defaultSnapshot(now)
		}
		return p.snap, err
	}

	snap := Snapshot{
		ProfileWh: forecast.Vector(profile).Normalize(forecast.Hours),
		Source:    p.fetch.name(),
		UpdatedAt: now,
	}
	p.mu.Lock()
	p.snap = snap
	p.hasGood = true
	p.lastErr = nil
	p.mu.Unlock()

	metrics.ProviderFetchTotal.WithLabelValues("load", "success").Inc()
	metrics.ProviderLastSuccess.WithLabelValues("load").Set(float64(now.Unix()))
	log.Ctx(ctx).DebugContext(ctx, "load profile updated",
		slog.String("source", snap.Source),
		slog.Int("hours", len(profile)),
	)
	return snap, nil
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

// buildProfile walks the 48 hours before today's midnight and averages the
// persisted samples of each hour. Hours without usable samples are skipped.
func (p *Provider) buildProfile(ctx context.Context, now time.Time) ([]float64, error) {
	end := forecast.StartOfDay(now)
	start := end.Add(-forecast.Hours * time.Hour)

	type hourSample struct {
		house float64
		car   float64
	}
	var samples []hourSample

	for hour := start; hour.Before(end); hour = hour.Add(time.Hour) {
		states, err := p.fetch.states(ctx, p.cfg.LoadSensor, hour, hour.Add(time.Hour))
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to fetch load history hour",
				slog.Time("hour", hour),
				slog.Any("error", err),
			)
			continue
		}
		// persisted consumption is negative, flip it
		energy := forecast.Round(averageStates(states)*-1, 4)
		if energy == 0 {
			continue
		}

		s := hourSample{house: energy}
		if p.cfg.CarChargeLoadSensor != "" {
			carStates, err := p.fetch.states(ctx, p.cfg.CarChargeLoadSensor, hour, hour.Add(time.Hour))
			if err == nil {
				s.car = math.Abs(averageStates(carStates))
			}
		}
		samples = append(samples, s)
	}

	if len(samples) == 0 {
		return nil, fmt.Errorf("no usable load history between %s and %s", start, end)
	}

	profile := make([]float64, 0, len(samples))
	if p.cfg.CarChargeLoadSensor != "" {
		// wallbox sensors commonly report kW; scale when everything observed
		// is below a plausible W reading
		var maxCar float64
		for _, s := range samples {
			if s.car > maxCar {
				maxCar = s.car
			}
		}
		scale := 1.0
		if maxCar < 23 {
			scale = 1000
		}
		for _, s := range samples {
			profile = append(profile, forecast.Round(s.house-s.car*scale, 4))
		}
		return profile, nil
	}

	for _, s := range samples {
		// legacy workaround keeping car charging spikes out of the profile
		energy := s.house
		if energy > 10800 {
			energy -= 10800
		} else if energy > 9200 {
			energy -= 9200
		}
		profile = append(profile, energy)
	}
	return profile, nil
}

func (p *Provider) defaultSnapshot(now time.Time) Snapshot {
	return Snapshot{
		ProfileWh: forecast.Repeat(defaultProfile, forecast.Hours),
		Source:    "default",
		UpdatedAt: now,
	}
}

// averageStates parses the numeric states and returns their mean, skipping
// entries like openHAB's NULL/UNDEF or Home Assistant's unavailable.
func averageStates(states []string) float64 {
	var sum float64
	var count int
	for _, s := range states {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		sum += v
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}
