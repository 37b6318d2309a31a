package pv

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/eosconnect/eosconnect/pkg/common"
	"github.com/eosconnect/eosconnect/pkg/config"
	"github.com/eosconnect/eosconnect/pkg/forecast"
)

// evccSource reuses the solar forecast the EV charge controller already
// maintains for the whole installation, so it runs one fetch per refresh
// instead of one per plane.
type evccSource struct {
	client  *http.Client
	baseURL string
}

func newEVCCSource(baseURL string) *evccSource {
	return &evccSource{
		client:  common.HTTPClient(5 * time.Second),
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

func (s *evccSource) name() string { return "evcc" }

type evccSolarForecast struct {
	Scale      json.RawMessage `json:"scale"`
	Timeseries []struct {
		Val float64 `json:"val"`
	} `json:"timeseries"`
}

func (s *evccSource) fetch(ctx context.Context, _ config.PVPlaneConfig, now time.Time) (forecast.Vector, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", s.baseURL+"/api/state", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, common.ClassifyFetch(err, s.name(), "")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, common.NewFetchError(common.FetchStatus, s.name(), "",
			fmt.Errorf("evcc returned status: %d", resp.StatusCode))
	}

	// Newer evcc versions wrap the state in a result envelope.
	var data struct {
		Result *struct {
			Forecast struct {
				Solar evccSolarForecast `json:"solar"`
			} `json:"forecast"`
		} `json:"result"`
		Forecast struct {
			Solar evccSolarForecast `json:"solar"`
		} `json:"forecast"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, common.NewFetchError(common.FetchDecode, s.name(), "",
			fmt.Errorf("failed to decode state response: %w", err))
	}
	solar := data.Forecast.Solar
	if data.Result != nil && len(data.Result.Forecast.Solar.Timeseries) > 0 {
		solar = data.Result.Forecast.Solar
	}
	if len(solar.Timeseries) == 0 {
		return nil, common.NewFetchError(common.FetchMissingField, s.name(), "",
			fmt.Errorf("state response held no solar timeseries"))
	}

	scale := scaleFactor(solar.Scale)
	values := make(forecast.Vector, 0, forecast.Hours)
	for _, sample := range solar.Timeseries {
		if len(values) == forecast.Hours {
			break
		}
		values = append(values, sample.Val*scale)
	}
	for len(values) < forecast.Hours {
		values = append(values, 0)
	}
	return values, nil
}

// scaleFactor reads the adjustment evcc applies to its solar forecast. The
// field may be a number, a quoted number, or the string "unknown".
func scaleFactor(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 1
	}
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	scale, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 1
	}
	return scale
}
