package pv

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/eosconnect/eosconnect/pkg/common"
	"github.com/eosconnect/eosconnect/pkg/config"
	"github.com/eosconnect/eosconnect/pkg/forecast"
)

const solcastAPI = "https://api.solcast.com.au"

// solcastSource reads rooftop-site forecasts from solcast. The API hands out
// 30 minute power estimates in kW which are averaged per hour; the refresh
// cadence is stretched to respect the free-tier rate limit.
type solcastSource struct {
	client *http.Client
	apiURL string
	apiKey string
	loc    *time.Location
}

func newSolcastSource(apiKey string, loc *time.Location) *solcastSource {
	return &solcastSource{
		client: common.HTTPClient(10 * time.Second),
		apiURL: solcastAPI,
		apiKey: apiKey,
		loc:    loc,
	}
}

func (s *solcastSource) name() string { return "solcast" }

func (s *solcastSource) fetch(ctx context.Context, plane config.PVPlaneConfig, now time.Time) (forecast.Vector, error) {
	endpoint := fmt.Sprintf("%s/rooftop_sites/%s/forecasts?format=json", s.apiURL, plane.ResourceID)
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, common.ClassifyFetch(err, s.name(), plane.Name)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, common.NewFetchError(common.FetchStatus, s.name(), plane.Name,
			fmt.Errorf("solcast returned status: %d", resp.StatusCode))
	}

	var data struct {
		Forecasts []struct {
			PVEstimate float64   `json:"pv_estimate"`
			PeriodEnd  time.Time `json:"period_end"`
		} `json:"forecasts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, common.NewFetchError(common.FetchDecode, s.name(), plane.Name,
			fmt.Errorf("failed to decode forecasts response: %w", err))
	}
	if len(data.Forecasts) == 0 {
		return nil, common.NewFetchError(common.FetchMissingField, s.name(), plane.Name,
			fmt.Errorf("forecasts response held no periods"))
	}

	// Average the half-hour kW estimates per local hour. A period ending at
	// 10:30 covers 10:00-10:30, so the bucket is the hour the period is in,
	// not the hour of its end stamp.
	var sums, counts [forecast.Hours]float64
	for _, fc := range data.Forecasts {
		mid := fc.PeriodEnd.In(s.loc).Add(-15 * time.Minute)
		idx := forecast.HourIndex(now.In(s.loc), mid)
		if idx < 0 {
			continue
		}
		sums[idx] += fc.PVEstimate
		counts[idx]++
	}
	values := make(forecast.Vector, forecast.Hours)
	for i := range values {
		if counts[i] > 0 {
			values[i] = forecast.Round(sums[i]/counts[i]*1000, 1)
		}
	}
	return values, nil
}
