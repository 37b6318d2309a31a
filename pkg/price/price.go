// Package price retrieves hourly electricity prices from the configured
// market source and derives the matching feed-in tariff vector.
package price

import (
	"context"
	"errors"
	"fmt"
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

// fallbackEurPerWh is published when no fetch has ever succeeded.
const fallbackEurPerWh = 0.0001

// Snapshot holds one refresh of grid and feed-in prices. Vectors are €/Wh
// over 48 hours starting at the hour the snapshot was taken, wrapping to the
// start of today where tomorrow's prices are not known yet.
type Snapshot struct {
	GridEurPerWh   forecast.Vector `json:"grid_eur_per_wh"`
	FeedInEurPerWh forecast.Vector `json:"feedin_eur_per_wh"`
	Source         string          `json:"source"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// source fetches raw hourly prices covering today and, when published,
// tomorrow, starting at local midnight.
type source interface {
	name() string
	// fetch returns total and direct (before tax) prices in €/Wh.
	fetch(ctx context.Context, now time.Time) (total, direct []float64, err error)
}

// Provider wraps the configured price source and publishes the latest
// snapshot. Refresh is driven by the scheduler at tick time.
type Provider struct {
	src    source
	client *http.Client
	cfg    config.PriceConfig
	loc    *time.Location

	mu      sync.Mutex
	snap    Snapshot
	hasGood bool
	lastErr *common.FetchError
}

// New returns a Provider for the configured source.
func New(cfg config.PriceConfig, loc *time.Location) (*Provider, error) {
	client := common.HTTPClient(10 * time.Second)
	p := &Provider{
		client: client,
		cfg:    cfg,
		loc:    loc,
	}
	switch cfg.Source {
	case "akkudoktor", "default":
		p.src = &akkudoktorSource{client: client, apiURL: akkudoktorAPI}
	case "tibber":
		if cfg.Token == "" {
			return nil, errors.New("tibber price source requires a token")
		}
		p.src = &tibberSource{client: client, apiURL: tibberAPI, token: cfg.Token}
	case "smartenergy_at":
		p.src = &smartenergySource{client: client, apiURL: smartenergyAPI}
	case "fixed_24h":
		if len(cfg.Fixed24hArray) != 24 {
			return nil, fmt.Errorf("fixed_24h price source requires 24 values, got %d", len(cfg.Fixed24hArray))
		}
		p.src = &fixedSource{prices: cfg.Fixed24hArray}
	default:
		return nil, fmt.Errorf("unknown price source: %s", cfg.Source)
	}
	p.snap = p.fallbackSnapshot(time.Time{})
	return p, nil
}

// Refresh fetches prices and publishes a new snapshot. On failure the
// previous snapshot is kept (or the fallback vector if none succeeded yet)
// and the error is recorded for the facade.
func (p *Provider) Refresh(ctx context.Context, now time.Time) (Snapshot, error) {
	now = now.In(p.loc)
	total, direct, err := p.src.fetch(ctx, now)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "price refresh failed",
			slog.String("source", p.src.name()),
			slog.Any("error", err),
		)
		metrics.ProviderFetchTotal.WithLabelValues("price", "error").Inc()
		p.mu.Lock()
		defer p.mu.Unlock()
		p.lastErr = common.AsFetchError(err, p.src.name())
		if !p.hasGood {
			p.snap = p.fallbackSnapshot(now)
		}
		return p.snap, err
	}

	// repeat today when tomorrow's prices are not published yet, then start
	// the horizon at the current hour
	total = extendDay(total)
	direct = extendDay(direct)
	hour := now.Hour()
	grid := forecast.Vector(sliceFromHour(total, hour, forecast.Hours)).Normalize(forecast.Hours)
	directV := forecast.Vector(sliceFromHour(direct, hour, forecast.Hours)).Normalize(forecast.Hours)

	snap := Snapshot{
		GridEurPerWh:   grid,
		FeedInEurPerWh: p.feedInFor(directV),
		Source:         p.src.name(),
		UpdatedAt:      now,
	}

	p.mu.Lock()
	p.snap = snap
	p.hasGood = true
	p.lastErr = nil
	p.mu.Unlock()

	metrics.ProviderFetchTotal.WithLabelValues("price", "success").Inc()
	metrics.ProviderLastSuccess.WithLabelValues("price").Set(float64(now.Unix()))
	log.Ctx(ctx).DebugContext(ctx, "prices updated",
		slog.String("source", snap.Source),
		slog.Float64("currentEurPerWh", grid[0]),
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

// feedInFor derives the feed-in tariff vector from the direct prices. With
// the negative price switch enabled hours with a negative direct price pay
// nothing for exported energy.
func (p *Provider) feedInFor(direct forecast.Vector) forecast.Vector {
	tariff := forecast.Round(p.cfg.FeedInPrice/1000, 9)
	feedin := make(forecast.Vector, len(direct))
	for i, d := range direct {
		if p.cfg.NegativePriceSwitch && d < 0 {
			feedin[i] = 0
			continue
		}
		feedin[i] = tariff
	}
	return feedin
}

func (p *Provider) fallbackSnapshot(now time.Time) Snapshot {
	grid := make(forecast.Vector, forecast.Hours)
	direct := make(forecast.Vector, forecast.Hours)
	for i := range grid {
		grid[i] = fallbackEurPerWh
		direct[i] = fallbackEurPerWh
	}
	return Snapshot{
		GridEurPerWh:   grid,
		FeedInEurPerWh: p.feedInFor(direct),
		Source:         "fallback",
		UpdatedAt:      now,
	}
}

// extendDay repeats the start of the series until two full days are covered.
func extendDay(vals []float64) []float64 {
	if len(vals) == 0 || len(vals) >= forecast.Hours {
		return vals
	}
	out := make([]float64, 0, forecast.Hours)
	out = append(out, vals...)
	for len(out) < forecast.Hours {
		take := forecast.Hours - len(out)
		if take > len(vals) {
			take = len(vals)
		}
		out = append(out, vals[:take]...)
	}
	return out
}

// sliceFromHour returns n entries starting at start, wrapping to index 0
// when the series ends before the horizon does.
func sliceFromHour(vals []float64, start, n int) []float64 {
	if len(vals) == 0 {
		return nil
	}
	if start >= len(vals) {
		start = start % len(vals)
	}
	end := start + n
	if end > len(vals) {
		end = len(vals)
	}
	out := make([]float64, 0, n)
	out = append(out, vals[start:end]...)
	if len(out) < n {
		rem := n - len(out)
		if rem > len(vals) {
			rem = len(vals)
		}
		out = append(out, vals[:rem]...)
	}
	return out
}
