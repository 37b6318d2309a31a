package price

import (
	"context"
	"time"

	"github.com/eosconnect/eosconnect/pkg/forecast"
)

// fixedSource serves a constant operator-provided 24 hour tariff.
type fixedSource struct {
	// prices holds 24 values in ct/kWh.
	prices []float64
}

func (s *fixedSource) name() string { return "fixed_24h" }

func (s *fixedSource) fetch(ctx context.Context, now time.Time) ([]float64, []float64, error) {
	total := make([]float64, 0, len(s.prices))
	for _, p := range s.prices {
		total = append(total, forecast.Round(p/100000, 9))
	}
	direct := make([]float64, len(total))
	copy(direct, total)
	return total, direct, nil
}
