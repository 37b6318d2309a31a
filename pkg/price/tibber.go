package price

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/eosconnect/eosconnect/pkg/common"
	"github.com/eosconnect/eosconnect/pkg/forecast"
	"github.com/eosconnect/eosconnect/pkg/log"
)

const tibberAPI = "https://api.tibber.com/v1-beta/gql"

// tibberQuery asks for today's and tomorrow's subscription prices. Tomorrow
// is empty until the exchange publishes it in the early afternoon.
const tibberQuery = `
{
    viewer {
        homes {
            currentSubscription {
                priceInfo {
                    today {
                        total
                        energy
                        startsAt
                    }
                    tomorrow {
                        total
                        energy
                        startsAt
                    }
                }
            }
        }
    }
}
`

// tibberSource fetches subscription prices from the Tibber GraphQL API.
type tibberSource struct {
	client *http.Client
	apiURL string
	token  string
}

func (s *tibberSource) name() string { return "tibber" }

type tibberPrice struct {
	// Total is the price including taxes, Energy the spot share, both in
	// €/kWh.
	Total    float64 `json:"total"`
	Energy   float64 `json:"energy"`
	StartsAt string  `json:"startsAt"`
}

type tibberResponse struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
	Data struct {
		Viewer struct {
			Homes []struct {
				CurrentSubscription struct {
					PriceInfo struct {
						Today    []tibberPrice `json:"today"`
						Tomorrow []tibberPrice `json:"tomorrow"`
					} `json:"priceInfo"`
				} `json:"currentSubscription"`
			} `json:"homes"`
		} `json:"viewer"`
	} `json:"data"`
}

func (s *tibberSource) fetch(ctx context.Context, now time.Time) ([]float64, []float64, error) {
	body, err := json.Marshal(map[string]string{"query": tibberQuery})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", s.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", s.token)
	req.Header.Set("Content-Type", "application/json")
	log.Ctx(ctx).DebugContext(ctx, "fetching prices from tibber")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, common.ClassifyFetch(err, s.name(), "")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, common.NewFetchError(common.FetchStatus, s.name(), "",
			fmt.Errorf("tibber api returned status: %d", resp.StatusCode))
	}

	var data tibberResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, nil, common.NewFetchError(common.FetchDecode, s.name(), "",
			fmt.Errorf("failed to decode response: %w", err))
	}
	if len(data.Errors) > 0 {
		return nil, nil, common.NewFetchError(common.FetchStatus, s.name(), "",
			fmt.Errorf("tibber api error: %s", data.Errors[0].Message))
	}
	if len(data.Data.Viewer.Homes) == 0 {
		return nil, nil, common.NewFetchError(common.FetchMissingField, s.name(), "",
			fmt.Errorf("response contained no homes"))
	}

	info := data.Data.Viewer.Homes[0].CurrentSubscription.PriceInfo
	if len(info.Today) == 0 {
		return nil, nil, common.NewFetchError(common.FetchMissingField, s.name(), "",
			fmt.Errorf("response contained no prices for today"))
	}

	total := make([]float64, 0, len(info.Today)+len(info.Tomorrow))
	direct := make([]float64, 0, cap(total))
	for _, p := range info.Today {
		total = append(total, forecast.Round(p.Total/1000, 9))
		direct = append(direct, forecast.Round(p.Energy/1000, 9))
	}
	for _, p := range info.Tomorrow {
		total = append(total, forecast.Round(p.Total/1000, 9))
		direct = append(direct, forecast.Round(p.Energy/1000, 9))
	}
	return total, direct, nil
}
