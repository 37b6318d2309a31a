package load

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eosconnect/eosconnect/pkg/config"
	"github.com/eosconnect/eosconnect/pkg/forecast"
)

var berlin = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		panic(err)
	}
	return loc
}()

func TestAverageStates(t *testing.T) {
	tests := []struct {
		name   string
		states []string
		want   float64
	}{
		{name: "plain numbers", states: []string{"-100", "-200", "-300"}, want: -200},
		{name: "skips non numeric", states: []string{"-100", "NULL", "UNDEF", "-300"}, want: -200},
		{name: "all invalid", states: []string{"unavailable", "unknown"}, want: 0},
		{name: "empty", states: nil, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, averageStates(tt.states), 0.0001)
		})
	}
}

func TestDefaultSource(t *testing.T) {
	p, err := New(config.LoadConfig{Source: "default"}, berlin)
	require.NoError(t, err)

	snap, err := p.Refresh(context.Background(), time.Date(2026, 8, 24, 9, 0, 0, 0, berlin))
	require.NoError(t, err)
	require.Len(t, snap.ProfileWh, forecast.Hours)
	assert.Equal(t, "default", snap.Source)
	// the 24 hour shape repeats for the second day
	assert.Equal(t, 300.0, snap.ProfileWh[5])
	assert.Equal(t, 550.0, snap.ProfileWh[11])
	assert.Equal(t, 550.0, snap.ProfileWh[35])
}

// openhabServer answers persistence queries with a fixed state per sensor.
func openhabServer(t *testing.T, statesBySensor map[string][]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasPrefix(r.URL.Path, "/rest/persistence/items/"))
		require.NotEmpty(t, r.URL.Query().Get("starttime"))
		require.NotEmpty(t, r.URL.Query().Get("endtime"))
		sensor := strings.TrimPrefix(r.URL.Path, "/rest/persistence/items/")
		fmt.Fprint(w, `{"data":[`)
		for i, s := range statesBySensor[sensor] {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `{"state":%q}`, s)
		}
		fmt.Fprint(w, `]}`)
	}))
}

func newOpenhabProvider(t *testing.T, srv *httptest.Server, carSensor string) *Provider {
	t.Helper()
	p, err := New(config.LoadConfig{
		Source:              "openhab",
		URL:                 srv.URL,
		LoadSensor:          "Load_Power",
		CarChargeLoadSensor: carSensor,
	}, berlin)
	require.NoError(t, err)
	p.fetch = &openhabFetcher{client: srv.Client(), baseURL: srv.URL}
	return p
}

func TestRefreshOpenhab(t *testing.T) {
	now := time.Date(2026, 8, 24, 9, 30, 0, 0, berlin)

	t.Run("plain hours", func(t *testing.T) {
		srv := openhabServer(t, map[string][]string{
			"Load_Power": {"-400", "-600"},
		})
		defer srv.Close()

		snap, err := newOpenhabProvider(t, srv, "").Refresh(context.Background(), now)
		require.NoError(t, err)
		require.Len(t, snap.ProfileWh, forecast.Hours)
		assert.Equal(t, "openhab", snap.Source)
		for _, v := range snap.ProfileWh {
			assert.InDelta(t, 500, v, 0.0001)
		}
	})

	t.Run("legacy car spike workaround", func(t *testing.T) {
		srv := openhabServer(t, map[string][]string{
			"Load_Power": {"-11000"},
		})
		defer srv.Close()

		snap, err := newOpenhabProvider(t, srv, "").Refresh(context.Background(), now)
		require.NoError(t, err)
		assert.InDelta(t, 200, snap.ProfileWh[0], 0.0001)
	})

	t.Run("car sensor in kW subtracted", func(t *testing.T) {
		srv := openhabServer(t, map[string][]string{
			"Load_Power":    {"-5000"},
			"Wallbox_Power": {"3.5"},
		})
		defer srv.Close()

		snap, err := newOpenhabProvider(t, srv, "Wallbox_Power").Refresh(context.Background(), now)
		require.NoError(t, err)
		assert.InDelta(t, 1500, snap.ProfileWh[0], 0.0001)
	})

	t.Run("car sensor already in W", func(t *testing.T) {
		srv := openhabServer(t, map[string][]string{
			"Load_Power":    {"-5000"},
			"Wallbox_Power": {"3500"},
		})
		defer srv.Close()

		snap, err := newOpenhabProvider(t, srv, "Wallbox_Power").Refresh(context.Background(), now)
		require.NoError(t, err)
		assert.InDelta(t, 1500, snap.ProfileWh[0], 0.0001)
	})

	t.Run("no usable history falls back", func(t *testing.T) {
		srv := openhabServer(t, map[string][]string{
			"Load_Power": {"0"},
		})
		defer srv.Close()

		p := newOpenhabProvider(t, srv, "")
		snap, err := p.Refresh(context.Background(), now)
		require.Error(t, err)
		assert.Equal(t, "default", snap.Source)
		require.NotNil(t, p.LastError())
	})

	t.Run("keeps last good on failure", func(t *testing.T) {
		srv := openhabServer(t, map[string][]string{
			"Load_Power": {"-400"},
		})
		p := newOpenhabProvider(t, srv, "")
		good, err := p.Refresh(context.Background(), now)
		require.NoError(t, err)
		srv.Close()

		snap, err := p.Refresh(context.Background(), now.Add(time.Hour))
		require.Error(t, err)
		assert.Equal(t, good.ProfileWh, snap.ProfileWh)
	})
}

func TestHomeassistantFetcher(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.True(t, strings.HasPrefix(r.URL.Path, "/api/history/period/"))
		assert.Equal(t, "sensor.load", r.URL.Query().Get("filter_entity_id"))
		fmt.Fprint(w, `[[{"state":"-250","last_updated":"x"},{"state":"unavailable","last_updated":"y"}]]`)
	}))
	defer srv.Close()

	f := &homeassistantFetcher{client: srv.Client(), baseURL: srv.URL, token: "tok123"}
	start := time.Date(2026, 8, 23, 0, 0, 0, 0, berlin)
	states, err := f.states(context.Background(), "sensor.load", start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok123", gotAuth)
	assert.Equal(t, []string{"-250", "unavailable"}, states)
}

func TestNewUnknownSource(t *testing.T) {
	_, err := New(config.LoadConfig{Source: "psychic"}, berlin)
	require.Error(t, err)
}
