package price

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func berlinNow() time.Time {
	return time.Date(2026, 8, 24, 12, 0, 0, 0, berlin)
}

func TestSmartenergyFetch(t *testing.T) {
	t.Run("quarter hours averaged", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"data":[
				{"date":"2026-08-24T00:00:00+02:00","value":10},
				{"date":"2026-08-24T00:15:00+02:00","value":20},
				{"date":"2026-08-24T00:30:00+02:00","value":30},
				{"date":"2026-08-24T00:45:00+02:00","value":40},
				{"date":"2026-08-24T05:00:00+02:00","value":50}
			]}`)
		}))
		defer srv.Close()

		s := &smartenergySource{client: srv.Client(), apiURL: srv.URL}
		total, direct, err := s.fetch(context.Background(), berlinNow())
		require.NoError(t, err)
		require.Len(t, total, 24)

		// hour 0 averages four quarter-hour samples
		assert.InDelta(t, 0.00025, total[0], 1e-12)
		// hour 5 has a single sample
		assert.InDelta(t, 0.0005, total[5], 1e-12)
		// hours without samples read zero
		assert.InDelta(t, 0, total[1], 1e-12)
		assert.Equal(t, total, direct)
	})

	t.Run("bad dates skipped", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"data":[
				{"date":"not a date","value":10},
				{"date":"2026-08-24T03:00:00+02:00","value":20}
			]}`)
		}))
		defer srv.Close()

		s := &smartenergySource{client: srv.Client(), apiURL: srv.URL}
		total, _, err := s.fetch(context.Background(), berlinNow())
		require.NoError(t, err)
		assert.InDelta(t, 0.0002, total[3], 1e-12)
	})

	t.Run("empty data", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"data":[]}`)
		}))
		defer srv.Close()

		s := &smartenergySource{client: srv.Client(), apiURL: srv.URL}
		_, _, err := s.fetch(context.Background(), berlinNow())
		require.Error(t, err)
	})
}
