package pv

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sixdouglas/suncalc"

	"github.com/eosconnect/eosconnect/pkg/common"
	"github.com/eosconnect/eosconnect/pkg/config"
	"github.com/eosconnect/eosconnect/pkg/forecast"
)

const openMeteoAPI = "https://api.open-meteo.com/v1/forecast"

const (
	// cloudFactor is the fraction of radiation that still arrives through
	// full cloud cover.
	cloudFactor = 0.3
	// panelEfficiency approximates the conversion from irradiance on the
	// panel plane to electrical output.
	panelEfficiency = 0.225
	// horizonShadingFactor applies when the sun sits below the local
	// horizon table: diffuse light still produces some output.
	horizonShadingFactor = 0.25
	// referenceIrradiance relates installed watt-peak to panel area.
	referenceIrradiance = 220.0
)

// openMeteoLocalSource turns raw shortwave radiation and cloud cover into a
// plane forecast with its own irradiance model: sun-position projection onto
// the panel, cloud damping, and horizon shading.
type openMeteoLocalSource struct {
	client *http.Client
	apiURL string
	loc    *time.Location
}

func newOpenMeteoLocalSource(loc *time.Location) *openMeteoLocalSource {
	return &openMeteoLocalSource{
		client: common.HTTPClient(5 * time.Second),
		apiURL: openMeteoAPI,
		loc:    loc,
	}
}

func (s *openMeteoLocalSource) name() string { return "openmeteo_local" }

func (s *openMeteoLocalSource) fetch(ctx context.Context, plane config.PVPlaneConfig, now time.Time) (forecast.Vector, error) {
	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(plane.Lat, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(plane.Lon, 'f', -1, 64))
	params.Set("hourly", "shortwave_radiation,cloudcover")
	params.Set("forecast_days", strconv.Itoa(forecast.Hours/24))
	params.Set("timezone", s.loc.String())

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
			fmt.Errorf("open-meteo returned status: %d", resp.StatusCode))
	}

	var data struct {
		Hourly struct {
			Time               []string  `json:"time"`
			ShortwaveRadiation []float64 `json:"shortwave_radiation"`
			CloudCover         []float64 `json:"cloudcover"`
		} `json:"hourly"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, common.NewFetchError(common.FetchDecode, s.name(), plane.Name,
			fmt.Errorf("failed to decode forecast response: %w", err))
	}
	if len(data.Hourly.Time) == 0 || len(data.Hourly.ShortwaveRadiation) == 0 {
		return nil, common.NewFetchError(common.FetchMissingField, s.name(), plane.Name,
			fmt.Errorf("forecast response held no hourly radiation"))
	}

	start, err := time.ParseInLocation("2006-01-02T15:04", data.Hourly.Time[0], s.loc)
	if err != nil {
		return nil, common.NewFetchError(common.FetchDecode, s.name(), plane.Name,
			fmt.Errorf("failed to parse forecast start time: %w", err))
	}

	table := horizonTable(parseHorizon(plane.Horizon))
	hours := len(data.Hourly.ShortwaveRadiation)
	if hours > forecast.Hours {
		hours = forecast.Hours
	}
	values := make(forecast.Vector, 0, hours)
	for i := 0; i < hours; i++ {
		cc := 0.0
		if i < len(data.Hourly.CloudCover) {
			cc = data.Hourly.CloudCover[i]
		}
		wh := planeEnergyWh(
			start.Add(time.Duration(i)*time.Hour),
			plane,
			table,
			data.Hourly.ShortwaveRadiation[i],
			cc,
		)
		values = append(values, wh)
	}
	return values.Normalize(forecast.Hours), nil
}

// planeEnergyWh estimates one hour of output from instantaneous shortwave
// radiation (W/m²) and cloud cover (%).
func planeEnergyWh(ts time.Time, plane config.PVPlaneConfig, horizon []float64, radiation, cloudCover float64) float64 {
	pos := suncalc.GetPosition(ts, plane.Lat, plane.Lon)
	// suncalc measures azimuth from south, convert to compass degrees.
	sunAzimuthDeg := pos.Azimuth*180/math.Pi + 180
	sunElevationDeg := pos.Altitude * 180 / math.Pi

	effective := radiation*(1-cloudCover/100) + radiation*cloudFactor*(cloudCover/100)
	projection := math.Max(panelProjection(pos.Altitude, pos.Azimuth+math.Pi, plane.Tilt, plane.Azimuth), 0)
	onPanel := effective * projection * panelEfficiency
	if sunElevationDeg < horizonElevation(sunAzimuthDeg, horizon) {
		onPanel *= horizonShadingFactor
	}
	wh := onPanel * plane.InverterEfficiency * plane.Power / referenceIrradiance
	if wh < 0 {
		wh = 0
	}
	return forecast.Round(wh, 1)
}

// panelProjection returns the cosine of the angle of incidence between the
// sun and the panel normal. Sun altitude and azimuth are in radians with
// azimuth in compass orientation; tilt and panel azimuth in degrees.
func panelProjection(sunAltitude, sunAzimuth, tiltDeg, panelAzimuthDeg float64) float64 {
	zenith := math.Pi/2 - sunAltitude
	tilt := tiltDeg * math.Pi / 180
	panelAzimuth := panelAzimuthDeg * math.Pi / 180
	return math.Cos(zenith)*math.Cos(tilt) +
		math.Sin(zenith)*math.Sin(tilt)*math.Cos(sunAzimuth-panelAzimuth)
}

// openMeteoLibSource asks open-meteo for irradiance already projected onto
// the tilted plane at quarter-hour resolution and integrates it per hour.
type openMeteoLibSource struct {
	client *http.Client
	apiURL string
	loc    *time.Location
}

func newOpenMeteoLibSource(loc *time.Location) *openMeteoLibSource {
	return &openMeteoLibSource{
		client: common.HTTPClient(5 * time.Second),
		apiURL: openMeteoAPI,
		loc:    loc,
	}
}

func (s *openMeteoLibSource) name() string { return "openmeteo_lib" }

func (s *openMeteoLibSource) fetch(ctx context.Context, plane config.PVPlaneConfig, now time.Time) (forecast.Vector, error) {
	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(plane.Lat, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(plane.Lon, 'f', -1, 64))
	params.Set("minutely_15", "global_tilted_irradiance")
	params.Set("tilt", strconv.FormatFloat(plane.Tilt, 'f', -1, 64))
	// open-meteo counts azimuth from south, the config from north.
	params.Set("azimuth", strconv.FormatFloat(plane.Azimuth-180, 'f', -1, 64))
	params.Set("forecast_days", strconv.Itoa(forecast.Hours/24))
	params.Set("timezone", s.loc.String())

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
			fmt.Errorf("open-meteo returned status: %d", resp.StatusCode))
	}

	var data struct {
		Minutely15 struct {
			Time                   []string  `json:"time"`
			GlobalTiltedIrradiance []float64 `json:"global_tilted_irradiance"`
		} `json:"minutely_15"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, common.NewFetchError(common.FetchDecode, s.name(), plane.Name,
			fmt.Errorf("failed to decode forecast response: %w", err))
	}
	samples := data.Minutely15.GlobalTiltedIrradiance
	if len(samples) == 0 {
		return nil, common.NewFetchError(common.FetchMissingField, s.name(), plane.Name,
			fmt.Errorf("forecast response held no tilted irradiance"))
	}

	// Four quarter-hour irradiance samples average into one hour of energy.
	values := make(forecast.Vector, 0, forecast.Hours)
	for i := 0; i < len(samples) && len(values) < forecast.Hours; i += 4 {
		end := i + 4
		if end > len(samples) {
			end = len(samples)
		}
		sum := 0.0
		for _, gti := range samples[i:end] {
			sum += gti / 1000 * plane.Power * plane.InverterEfficiency
		}
		values = append(values, forecast.Round(sum/float64(end-i), 1))
	}
	return values.Normalize(forecast.Hours), nil
}
