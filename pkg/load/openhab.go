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

// openhabFetcher reads persisted item states from the openHAB REST API.
type openhabFetcher struct {
	client  *http.Client
	baseURL string
}

func (f *openhabFetcher) name() string { return "openhab" }

type openhabPersistence struct {
	Data []struct {
		State string `json:"state"`
	} `json:"data"`
}

func (f *openhabFetcher) states(ctx context.Context, sensor string, start, end time.Time) ([]string, error) {
	u, err := url.JoinPath(f.baseURL, "rest", "persistence", "items", sensor)
	if err != nil {
		return nil, fmt.Errorf("failed to build openhab url: %w", err)
	}
	params := url.Values{}
	params.Set("starttime", start.Format(time.RFC3339))
	params.Set("endtime", end.Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, "GET", u+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, common.ClassifyFetch(err, f.name(), sensor)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, common.NewFetchError(common.FetchStatus, f.name(), sensor,
			fmt.Errorf("openhab returned status: %d", resp.StatusCode))
	}

	var data openhabPersistence
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, common.NewFetchError(common.FetchDecode, f.name(), sensor,
			fmt.Errorf("failed to decode persistence response: %w", err))
	}

	states := make([]string, 0, len(data.Data))
	for _, d := range data.Data {
		states = append(states, d.State)
	}
	return states, nil
}
