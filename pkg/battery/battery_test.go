package battery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eosconnect/eosconnect/pkg/config"
)

func baseBatteryConfig() config.BatteryConfig {
	return config.BatteryConfig{
		Source:               "default",
		CapacityWh:           11059,
		ChargeEfficiency:     0.88,
		DischargeEfficiency:  0.88,
		MaxChargePowerW:      5000,
		MinSocPercentage:     5,
		MaxSocPercentage:     100,
		ChargingCurveEnabled: true,
	}
}

func TestChargeLimit(t *testing.T) {
	tests := []struct {
		name string
		soc  float64
		want float64
	}{
		{name: "empty battery gets full rate", soc: 0, want: 5000},
		{name: "half full still full rate", soc: 50, want: 5000},
		{name: "decay above half", soc: 80, want: 2750},
		{name: "almost full hits c-rate floor", soc: 100, want: 550},
		{name: "high soc never below 500", soc: 95, want: 700},
	}
	p, err := New(baseBatteryConfig())
	require.NoError(t, err)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.chargeLimit(tt.soc))
		})
	}

	t.Run("curve disabled uses fixed max", func(t *testing.T) {
		cfg := baseBatteryConfig()
		cfg.ChargingCurveEnabled = false
		p, err := New(cfg)
		require.NoError(t, err)
		assert.Equal(t, 5000.0, p.chargeLimit(99))
	})

	t.Run("invalid soc floors to minimum", func(t *testing.T) {
		assert.Equal(t, 500.0, p.chargeLimit(-1))
		assert.Equal(t, 500.0, p.chargeLimit(101))
	})

	t.Run("small battery capped by capacity", func(t *testing.T) {
		cfg := baseBatteryConfig()
		cfg.CapacityWh = 2000
		p, err := New(cfg)
		require.NoError(t, err)
		// 1C of 2000 Wh is below the configured 5000 W maximum
		assert.Equal(t, 2000.0, p.chargeLimit(30))
	})
}

func TestDerive(t *testing.T) {
	p, err := New(baseBatteryConfig())
	require.NoError(t, err)

	t.Run("usable energy above min soc", func(t *testing.T) {
		snap := p.derive(55, "test", time.Time{})
		// 11059 * 0.88 * (55-5)/100
		assert.InDelta(t, 4865.96, snap.UsableWh, 0.01)
		assert.Equal(t, 55.0, snap.SoCPercent)
	})

	t.Run("below min soc clamps to zero", func(t *testing.T) {
		snap := p.derive(3, "test", time.Time{})
		assert.Equal(t, 0.0, snap.UsableWh)
	})
}

func TestRefreshDefaultSource(t *testing.T) {
	p, err := New(baseBatteryConfig())
	require.NoError(t, err)

	snap, err := p.Refresh(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 5.0, snap.SoCPercent)
	assert.Equal(t, "default", snap.Source)
	assert.Equal(t, 5000.0, snap.DynamicMaxChargeW)
}

func TestRefreshOpenhab(t *testing.T) {
	state := `"82"`
	fail := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		assert.Equal(t, "/rest/items/battery_SOC", r.URL.Path)
		fmt.Fprintf(w, `{"state":%s}`, state)
	}))
	defer srv.Close()

	cfg := baseBatteryConfig()
	cfg.Source = "openhab"
	cfg.URL = srv.URL
	cfg.SocSensor = "battery_SOC"
	p, err := New(cfg)
	require.NoError(t, err)

	t.Run("plain percentage", func(t *testing.T) {
		snap, err := p.Refresh(context.Background(), time.Now())
		require.NoError(t, err)
		assert.Equal(t, 82.0, snap.SoCPercent)
		assert.Equal(t, "openhab", snap.Source)
	})

	t.Run("fractional encoding scaled", func(t *testing.T) {
		state = `"0.64 %"`
		snap, err := p.Refresh(context.Background(), time.Now())
		require.NoError(t, err)
		assert.Equal(t, 64.0, snap.SoCPercent)
	})

	t.Run("failure keeps last known soc", func(t *testing.T) {
		fail = true
		snap, err := p.Refresh(context.Background(), time.Now())
		require.Error(t, err)
		assert.Equal(t, 64.0, snap.SoCPercent)
		require.NotNil(t, p.LastError())
	})
}

func TestRefreshObserver(t *testing.T) {
	soc := 30.0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"state":"%v"}`, soc)
	}))
	defer srv.Close()

	cfg := baseBatteryConfig()
	cfg.Source = "openhab"
	cfg.URL = srv.URL
	cfg.SocSensor = "soc"
	p, err := New(cfg)
	require.NoError(t, err)

	var fired []float64
	p.OnLimitChange(func(limitW float64) {
		fired = append(fired, limitW)
	})

	// 30% keeps the boot-time limit (full rate), no callback
	_, err = p.Refresh(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, fired)

	// climbing to 80% lowers the limit
	soc = 80
	_, err = p.Refresh(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, 2750.0, fired[0])

	// steady soc does not fire again
	_, err = p.Refresh(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Len(t, fired, 1)
}

func TestHomeassistantSoC(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/states/sensor.battery_soc", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"state":"76.44"}`)
	}))
	defer srv.Close()

	s := &homeassistantSoC{client: srv.Client(), baseURL: srv.URL, sensor: "sensor.battery_soc", token: "tok"}
	soc, err := s.fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 76.4, soc)
}

func TestNewUnknownSource(t *testing.T) {
	cfg := baseBatteryConfig()
	cfg.Source = "telepathy"
	_, err := New(cfg)
	require.Error(t, err)
}
