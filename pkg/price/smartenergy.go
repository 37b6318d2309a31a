package price

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/eosconnect/eosconnect/pkg/common"
	"github.com/eosconnect/eosconnect/pkg/forecast"
	"github.com/eosconnect/eosconnect/pkg/log"
)

const smartenergyAPI = "https://apis.smartenergy.at/market/v1/price"

// smartenergySource fetches the Austrian market price, published in
// quarter-hour steps, and averages it to hourly values.
type smartenergySource struct {
	client *http.Client
	apiURL string
}

func (s *smartenergySource) name() string { return "smartenergy_at" }

type smartenergyResponse struct {
	Data []struct {
		Date string `json:"date"`
		// Value is the price in ct/kWh.
		Value float64 `json:"value"`
	} `json:"data"`
}

func (s *smartenergySource) fetch(ctx context.Context, now time.Time) ([]float64, []float64, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", s.apiURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching prices from smartenergy", slog.String("url", s.apiURL))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, common.ClassifyFetch(err, s.name(), "")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, common.NewFetchError(common.FetchStatus, s.name(), "",
			fmt.Errorf("smartenergy api returned status: %d", resp.StatusCode))
	}

	var data smartenergyResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, nil, common.NewFetchError(common.FetchDecode, s.name(), "",
			fmt.Errorf("failed to decode response: %w", err))
	}
	if len(data.Data) == 0 {
		return nil, nil, common.NewFetchError(common.FetchMissingField, s.name(), "",
			fmt.Errorf("response contained no data"))
	}

	// group the quarter-hour samples by hour of day in the timestamp's own
	// offset
	sums := make([]float64, 24)
	counts := make([]int, 24)
	for _, entry := range data.Data {
		t, err := time.Parse(time.RFC3339, entry.Date)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse smartenergy date",
				slog.String("value", entry.Date),
				slog.Any("error", err),
			)
			continue
		}
		h := t.Hour()
		sums[h] += entry.Value / 100000
		counts[h]++
	}

	total := make([]float64, 24)
	for h := range total {
		if counts[h] == 0 {
			continue
		}
		total[h] = forecast.Round(sums[h]/float64(counts[h]), 6)
	}
	direct := make([]float64, len(total))
	copy(direct, total)
	return total, direct, nil
}
