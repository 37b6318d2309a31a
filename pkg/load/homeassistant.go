package load

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/eosconnect/eosconnect/pkg/common"
)

// homeassistantFetcher reads entity history from the Home Assistant REST API.
type homeassistantFetcher struct {
	client  *http.Client
	baseURL string
	token   string
}

func (f *homeassistantFetcher) name() string { return "homeassistant" }

type haHistoryEntry struct {
	State       string `json:"state"`
	LastUpdated string `json:"last_updated"`
}

func (f *homeassistantFetcher) states(ctx context.Context, sensor string, start, end time.Time) ([]string, error) {
	u, err := url.JoinPath(f.baseURL, "api", "history", "period", start.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to build homeassistant url: %w", err)
	}
	params := url.Values{}
	params.Set("filter_entity_id", sensor)
	params.Set("end_time", end.Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, "GET", u+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, common.ClassifyFetch(err, f.name(), sensor)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, common.NewFetchError(common.FetchStatus, f.name(), sensor,
			fmt.Errorf("homeassistant returned status: %d", resp.StatusCode))
	}

	// the history endpoint nests entries in one list per entity
	var data [][]haHistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, common.NewFetchError(common.FetchDecode, f.name(), sensor,
			fmt.Errorf("failed to decode history response: %w", err))
	}

	var states []string
	for _, sublist := range data {
		for _, entry := range sublist {
			states = append(states, entry.State)
		}
	}
	return states, nil
}
