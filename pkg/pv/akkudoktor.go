package pv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/eosconnect/eosconnect/pkg/common"
	"github.com/eosconnect/eosconnect/pkg/config"
	"github.com/eosconnect/eosconnect/pkg/forecast"
	"github.com/eosconnect/eosconnect/pkg/log"
)

const akkudoktorForecastAPI = "https://api.akkudoktor.net/forecast"

// akkudoktorSource serves per-plane PV forecasts and doubles as the
// temperature source for every configured backend.
type akkudoktorSource struct {
	client *http.Client
	apiURL string
	loc    *time.Location
}

func newAkkudoktorSource(loc *time.Location) *akkudoktorSource {
	return &akkudoktorSource{
		client: common.HTTPClient(5 * time.Second),
		apiURL: akkudoktorForecastAPI,
		loc:    loc,
	}
}

func (s *akkudoktorSource) name() string { return "akkudoktor" }

func (s *akkudoktorSource) fetch(ctx context.Context, plane config.PVPlaneConfig, now time.Time) (forecast.Vector, error) {
	return s.fetchValues(ctx, "power", plane, now)
}

type akkudoktorForecastSample struct {
	Datetime    string  `json:"datetime"`
	Power       float64 `json:"power"`
	Temperature float64 `json:"temperature"`
}

// fetchValues pulls one target series (power or temperature) for one plane.
// The upstream timestamps are shifted by an hour, so the first sample is
// dropped and a zero appended to realign the vector.
func (s *akkudoktorSource) fetchValues(ctx context.Context, target string, plane config.PVPlaneConfig, now time.Time) (forecast.Vector, error) {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(plane.Lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(plane.Lon, 'f', -1, 64))
	params.Set("azimuth", strconv.FormatFloat(plane.Azimuth, 'f', -1, 64))
	params.Set("tilt", strconv.FormatFloat(plane.Tilt, 'f', -1, 64))
	params.Set("power", strconv.FormatFloat(plane.Power, 'f', -1, 64))
	params.Set("powerInverter", strconv.FormatFloat(plane.PowerInverter, 'f', -1, 64))
	params.Set("inverterEfficiency", strconv.FormatFloat(plane.InverterEfficiency, 'f', -1, 64))
	params.Set("timezone", s.loc.String())
	if plane.Horizon != "" {
		// The API spells the parameter the German way.
		params.Set("horizont", plane.Horizon)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", s.apiURL+"?"+params.Encode(), nil)
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
			fmt.Errorf("akkudoktor returned status: %d", resp.StatusCode))
	}

	var data struct {
		Values [][]akkudoktorForecastSample `json:"values"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, common.NewFetchError(common.FetchDecode, s.name(), plane.Name,
			fmt.Errorf("failed to decode forecast response: %w", err))
	}

	start := forecast.StartOfDay(now.In(s.loc))
	end := start.Add(forecast.Hours * time.Hour)
	var values forecast.Vector
	for _, day := range data.Values {
		for _, sample := range day {
			ts, err := parseForecastTime(sample.Datetime, s.loc)
			if err != nil {
				log.Ctx(ctx).WarnContext(ctx, "skipping forecast sample with bad datetime",
					slog.String("datetime", sample.Datetime),
					slog.Any("error", err),
				)
				continue
			}
			ts = ts.In(s.loc)
			if ts.Before(start) || !ts.Before(end) {
				continue
			}
			switch target {
			case "temperature":
				values = append(values, sample.Temperature)
			default:
				// Negative power shows up occasionally, clamp it.
				if sample.Power < 0 {
					values = append(values, 0)
				} else {
					values = append(values, sample.Power)
				}
			}
		}
	}
	if len(values) == 0 {
		return nil, common.NewFetchError(common.FetchMissingField, s.name(), plane.Name,
			fmt.Errorf("forecast response held no samples for the %dh window", forecast.Hours))
	}
	values = append(values[1:], 0)
	return values.Normalize(forecast.Hours), nil
}

// parseForecastTime accepts both offset-carrying and naive timestamps; naive
// ones are interpreted in the configured zone.
func parseForecastTime(value string, loc *time.Location) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05", value, loc)
}
