// Package evcc polls the EV charge controller and raises an observer
// callback on every charging edge so control can re-evaluate immediately.
package evcc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/eosconnect/eosconnect/pkg/common"
	"github.com/eosconnect/eosconnect/pkg/log"
	"github.com/eosconnect/eosconnect/pkg/metrics"
)

// Mode is the charging mode aggregated over all active loadpoints.
type Mode string

const (
	ModeOff      Mode = "off"
	ModeNow      Mode = "now"
	ModePV       Mode = "pv"
	ModeMinPV    Mode = "minpv"
	ModePVNow    Mode = "pv+now"
	ModeMinPVNow Mode = "minpv+now"
	ModeUnknown  Mode = "unknown"
)

// Snapshot holds the latest EV charging state.
type Snapshot struct {
	Charging   bool      `json:"charging"`
	Mode       Mode      `json:"mode"`
	Loadpoints int       `json:"loadpoints"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Provider polls the EVCC API on a 10 s cadence (driven by the scheduler).
type Provider struct {
	client  *http.Client
	baseURL string

	mu      sync.Mutex
	snap    Snapshot
	lastErr *common.FetchError

	onChargingChange func(charging bool)
}

// New returns a Provider for the given EVCC base URL.
func New(baseURL string) *Provider {
	return &Provider{
		client:  common.HTTPClient(6 * time.Second),
		baseURL: baseURL,
		snap:    Snapshot{Mode: ModeOff},
	}
}

// OnChargingChange registers the observer invoked exactly once per charging
// transition. Must be set before the provider is refreshed concurrently.
func (p *Provider) OnChargingChange(fn func(charging bool)) {
	p.onChargingChange = fn
}

type loadpoint struct {
	Charging bool   `json:"charging"`
	Mode     string `json:"mode"`
	Title    string `json:"title"`
}

type stateResponse struct {
	Result struct {
		Loadpoints []loadpoint `json:"loadpoints"`
	} `json:"result"`
}

// Refresh polls /api/state and publishes the aggregated charging state. On
// failure the last-known state is kept.
func (p *Provider) Refresh(ctx context.Context, now time.Time) (Snapshot, error) {
	lps, err := p.fetchState(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "evcc refresh failed", slog.Any("error", err))
		metrics.ProviderFetchTotal.WithLabelValues("evcc", "error").Inc()
		p.mu.Lock()
		defer p.mu.Unlock()
		p.lastErr = common.AsFetchError(err, "evcc")
		return p.snap, err
	}

	charging := false
	for _, lp := range lps {
		if lp.Charging {
			charging = true
			break
		}
	}
	snap := Snapshot{
		Charging:   charging,
		Mode:       aggregateMode(lps),
		Loadpoints: len(lps),
		UpdatedAt:  now,
	}

	p.mu.Lock()
	changed := snap.Charging != p.snap.Charging
	p.snap = snap
	p.lastErr = nil
	fn := p.onChargingChange
	p.mu.Unlock()

	metrics.ProviderFetchTotal.WithLabelValues("evcc", "success").Inc()
	metrics.ProviderLastSuccess.WithLabelValues("evcc").Set(float64(now.Unix()))
	if charging {
		metrics.EVChargingActive.Set(1)
	} else {
		metrics.EVChargingActive.Set(0)
	}

	if changed {
		log.Ctx(ctx).InfoContext(ctx, "ev charging state changed",
			slog.Bool("charging", snap.Charging),
			slog.String("mode", string(snap.Mode)),
		)
		if fn != nil {
			fn(snap.Charging)
		}
	}
	return snap, nil
}

// Current returns the latest published snapshot.
func (p *Provider) Current() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// Charging reports whether any loadpoint is currently charging.
func (p *Provider) Charging() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap.Charging
}

// LastError returns the most recent fetch error, nil after a success.
func (p *Provider) LastError() *common.FetchError {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Provider) fetchState(ctx context.Context) ([]loadpoint, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/api/state", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, common.ClassifyFetch(err, "evcc", "")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, common.NewFetchError(common.FetchStatus, "evcc", "",
			fmt.Errorf("evcc returned status: %d", resp.StatusCode))
	}

	var data stateResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, common.NewFetchError(common.FetchDecode, "evcc", "",
			fmt.Errorf("failed to decode state response: %w", err))
	}
	if data.Result.Loadpoints == nil {
		return nil, common.NewFetchError(common.FetchMissingField, "evcc", "",
			fmt.Errorf("response missing loadpoints"))
	}
	return data.Result.Loadpoints, nil
}

// aggregateMode folds the per-loadpoint modes into one. Only charging
// loadpoints count; mixed pv/now combinations keep both halves visible so
// control can treat them as fast charging.
func aggregateMode(lps []loadpoint) Mode {
	active := make(map[string]bool)
	for _, lp := range lps {
		if lp.Charging {
			active[lp.Mode] = true
		}
	}
	if len(active) == 0 {
		return ModeOff
	}
	if len(active) == 1 {
		for m := range active {
			switch m {
			case "now":
				return ModeNow
			case "pv":
				return ModePV
			case "minpv":
				return ModeMinPV
			}
		}
		return ModeUnknown
	}
	if len(active) == 2 && active["now"] {
		if active["pv"] {
			return ModePVNow
		}
		if active["minpv"] {
			return ModeMinPVNow
		}
	}
	return ModeUnknown
}
