package battery

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/eosconnect/eosconnect/pkg/common"
	"github.com/eosconnect/eosconnect/pkg/forecast"
)

// openhabSoC reads the SoC item state from the openHAB REST API.
type openhabSoC struct {
	client  *http.Client
	baseURL string
	sensor  string
}

func (s *openhabSoC) name() string { return "openhab" }

func (s *openhabSoC) fetch(ctx context.Context) (float64, error) {
	u, err := url.JoinPath(s.baseURL, "rest", "items", s.sensor)
	if err != nil {
		return 0, fmt.Errorf("failed to build openhab url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, common.ClassifyFetch(err, s.name(), s.sensor)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, common.NewFetchError(common.FetchStatus, s.name(), s.sensor,
			fmt.Errorf("openhab returned status: %d", resp.StatusCode))
	}

	var data struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return 0, common.NewFetchError(common.FetchDecode, s.name(), s.sensor,
			fmt.Errorf("failed to decode item response: %w", err))
	}

	// states arrive as "90", "90 %" or "0.11 %", keep the number
	fields := strings.Fields(strings.TrimSpace(data.State))
	if len(fields) == 0 {
		return 0, common.NewFetchError(common.FetchMissingField, s.name(), s.sensor,
			fmt.Errorf("item state is empty"))
	}
	raw, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, common.NewFetchError(common.FetchDecode, s.name(), s.sensor,
			fmt.Errorf("failed to parse item state %q: %w", data.State, err))
	}

	// values at or below 1.0 are a 0..1 fraction, everything else is already
	// a percentage
	if raw <= 1.0 {
		raw *= 100
	}
	return math.Round(raw), nil
}

// homeassistantSoC reads the SoC entity state from the Home Assistant API.
type homeassistantSoC struct {
	client  *http.Client
	baseURL string
	sensor  string
	token   string
}

func (s *homeassistantSoC) name() string { return "homeassistant" }

func (s *homeassistantSoC) fetch(ctx context.Context) (float64, error) {
	u, err := url.JoinPath(s.baseURL, "api", "states", s.sensor)
	if err != nil {
		return 0, fmt.Errorf("failed to build homeassistant url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, common.ClassifyFetch(err, s.name(), s.sensor)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, common.NewFetchError(common.FetchStatus, s.name(), s.sensor,
			fmt.Errorf("homeassistant returned status: %d", resp.StatusCode))
	}

	var data struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return 0, common.NewFetchError(common.FetchDecode, s.name(), s.sensor,
			fmt.Errorf("failed to decode entity response: %w", err))
	}

	soc, err := strconv.ParseFloat(data.State, 64)
	if err != nil {
		return 0, common.NewFetchError(common.FetchDecode, s.name(), s.sensor,
			fmt.Errorf("failed to parse entity state %q: %w", data.State, err))
	}
	return forecast.Round(soc, 1), nil
}
