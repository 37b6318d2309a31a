package price

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/eosconnect/eosconnect/pkg/common"
	"github.com/eosconnect/eosconnect/pkg/forecast"
	"github.com/eosconnect/eosconnect/pkg/log"
)

const akkudoktorAPI = "https://api.akkudoktor.net/prices"

// akkudoktorSource fetches day-ahead market prices from the Akkudoktor API.
type akkudoktorSource struct {
	client *http.Client
	apiURL string
}

func (s *akkudoktorSource) name() string { return "akkudoktor" }

type akkudoktorResponse struct {
	Values []struct {
		MarketpriceEurocentPerKWh float64 `json:"marketpriceEurocentPerKWh"`
		Start                     string  `json:"start"`
	} `json:"values"`
}

func (s *akkudoktorSource) fetch(ctx context.Context, now time.Time) ([]float64, []float64, error) {
	u, err := url.Parse(s.apiURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid akkudoktor url: %w", err)
	}
	params := url.Values{}
	params.Set("start", now.Format("2006-01-02"))
	params.Set("end", now.AddDate(0, 0, 1).Format("2006-01-02"))
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching prices from akkudoktor", slog.String("url", u.String()))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, common.ClassifyFetch(err, s.name(), "")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, common.NewFetchError(common.FetchStatus, s.name(), "",
			fmt.Errorf("akkudoktor api returned status: %d", resp.StatusCode))
	}

	var data akkudoktorResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, nil, common.NewFetchError(common.FetchDecode, s.name(), "",
			fmt.Errorf("failed to decode response: %w", err))
	}
	if len(data.Values) == 0 {
		return nil, nil, common.NewFetchError(common.FetchMissingField, s.name(), "",
			fmt.Errorf("response contained no values"))
	}

	total := make([]float64, 0, len(data.Values))
	for _, v := range data.Values {
		total = append(total, forecast.Round(v.MarketpriceEurocentPerKWh/100000, 9))
	}
	// akkudoktor publishes market prices only, so direct equals total
	direct := make([]float64, len(total))
	copy(direct, total)
	return total, direct, nil
}
