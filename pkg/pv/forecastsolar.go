package pv

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eosconnect/eosconnect/pkg/common"
	"github.com/eosconnect/eosconnect/pkg/config"
	"github.com/eosconnect/eosconnect/pkg/forecast"
)

const forecastSolarAPI = "https://api.forecast.solar/estimate"

// forecastSolarSource reads hourly watt-hour periods from forecast.solar.
type forecastSolarSource struct {
	client *http.Client
	apiURL string
	loc    *time.Location
}

func newForecastSolarSource(loc *time.Location) *forecastSolarSource {
	return &forecastSolarSource{
		client: common.HTTPClient(5 * time.Second),
		apiURL: forecastSolarAPI,
		loc:    loc,
	}
}

func (s *forecastSolarSource) name() string { return "forecast_solar" }

func (s *forecastSolarSource) fetch(ctx context.Context, plane config.PVPlaneConfig, now time.Time) (forecast.Vector, error) {
	kwp := forecast.Round(plane.Power/1000, 4)
	endpoint := fmt.Sprintf("%s/%s/%s/%s/%s/%s",
		s.apiURL,
		strconv.FormatFloat(plane.Lat, 'f', -1, 64),
		strconv.FormatFloat(plane.Lon, 'f', -1, 64),
		strconv.FormatFloat(plane.Tilt, 'f', -1, 64),
		strconv.FormatFloat(plane.Azimuth, 'f', -1, 64),
		strconv.FormatFloat(kwp, 'f', -1, 64),
	)
	params := url.Values{}
	params.Set("horizon", horizonQuery(plane.Horizon))

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, common.ClassifyFetch(err, s.name(), plane.Name)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, common.NewFetchError(common.FetchStatus, s.name(), plane.Name,
			fmt.Errorf("forecast.solar returned status: %d", resp.StatusCode))
	}

	var data struct {
		Result struct {
			WattHoursPeriod map[string]float64 `json:"watt_hours_period"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, common.NewFetchError(common.FetchDecode, s.name(), plane.Name,
			fmt.Errorf("failed to decode estimate response: %w", err))
	}
	if len(data.Result.WattHoursPeriod) == 0 {
		return nil, common.NewFetchError(common.FetchMissingField, s.name(), plane.Name,
			fmt.Errorf("estimate response held no watt_hours_period"))
	}

	// Anchor the vector at midnight of the earliest timestamp, then fill
	// exact-hour slots; periods without a forecast stay zero (night).
	parsed := make(map[time.Time]float64, len(data.Result.WattHoursPeriod))
	var earliest time.Time
	for key, wh := range data.Result.WattHoursPeriod {
		ts, err := time.ParseInLocation("2006-01-02 15:04:05", key, s.loc)
		if err != nil {
			continue
		}
		parsed[ts] = wh
		if earliest.IsZero() || ts.Before(earliest) {
			earliest = ts
		}
	}
	if len(parsed) == 0 {
		return nil, common.NewFetchError(common.FetchDecode, s.name(), plane.Name,
			fmt.Errorf("estimate response held no parseable timestamps"))
	}

	start := forecast.StartOfDay(earliest)
	values := make(forecast.Vector, forecast.Hours)
	for i := range values {
		values[i] = parsed[start.Add(time.Duration(i)*time.Hour)]
	}
	return values, nil
}

// horizonQuery expands the configured elevation table to the 24 comma
// separated values forecast.solar expects.
func horizonQuery(horizon string) string {
	parsed := parseHorizon(horizon)
	if len(parsed) == 0 {
		return ""
	}
	parts := make([]string, 24)
	for i := range parts {
		parts[i] = strconv.FormatFloat(parsed[i%len(parsed)], 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}
