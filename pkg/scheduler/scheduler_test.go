package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eosconnect/eosconnect/pkg/battery"
	"github.com/eosconnect/eosconnect/pkg/config"
	"github.com/eosconnect/eosconnect/pkg/control"
	"github.com/eosconnect/eosconnect/pkg/eos"
	"github.com/eosconnect/eosconnect/pkg/forecast"
	"github.com/eosconnect/eosconnect/pkg/load"
	"github.com/eosconnect/eosconnect/pkg/price"
	"github.com/eosconnect/eosconnect/pkg/pv"
	"github.com/eosconnect/eosconnect/pkg/store"
)

var berlin = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		panic(err)
	}
	return loc
}()

// memStore keeps the persisted documents in memory for assertions.
type memStore struct {
	mu       sync.Mutex
	request  []byte
	response []byte
	controls []byte
	backup   []byte
	saves    int
}

func (m *memStore) SaveOptimization(_ context.Context, request, response []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.request = request
	m.response = response
	m.saves++
	return nil
}

func (m *memStore) OptimizeRequest(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.request == nil {
		return nil, store.ErrNotFound
	}
	return m.request, nil
}

func (m *memStore) OptimizeResponse(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.response == nil {
		return nil, store.ErrNotFound
	}
	return m.response, nil
}

func (m *memStore) SaveControls(_ context.Context, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controls = raw
	return nil
}

func (m *memStore) Controls(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.controls == nil {
		return nil, store.ErrNotFound
	}
	return m.controls, nil
}

func (m *memStore) SaveBatteryBackup(_ context.Context, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backup = raw
	return nil
}

func (m *memStore) BatteryBackup(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backup == nil {
		return nil, store.ErrNotFound
	}
	return m.backup, nil
}

func (m *memStore) DeleteBatteryBackup(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backup = nil
	return nil
}

func (m *memStore) Close() error { return nil }

func testBatteryConfig() config.BatteryConfig {
	return config.BatteryConfig{
		Source:              "default",
		CapacityWh:          11000,
		ChargeEfficiency:    0.88,
		DischargeEfficiency: 0.88,
		MaxChargePowerW:     5000,
		MinSocPercentage:    5,
		MaxSocPercentage:    100,
	}
}

func fixedPrices(t *testing.T) *price.Provider {
	t.Helper()
	vals := make([]float64, 24)
	for i := range vals {
		vals[i] = 25
	}
	p, err := price.New(config.PriceConfig{Source: "fixed_24h", Fixed24hArray: vals}, berlin)
	require.NoError(t, err)
	return p
}

// newTestScheduler builds a scheduler against offline providers and the given
// EOS test server.
func newTestScheduler(t *testing.T, srv *httptest.Server, st store.Store) (*Scheduler, *control.Controller) {
	t.Helper()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	eosCfg := config.EOSConfig{Server: u.Hostname(), Port: port, Timeout: 5}

	battCfg := testBatteryConfig()
	loadP, err := load.New(config.LoadConfig{Source: "default"}, berlin)
	require.NoError(t, err)
	pvP, err := pv.New(config.PVSourceConfig{Source: "default"}, []config.PVPlaneConfig{{
		Name: "roof", Lat: 47.5, Lon: 8.5, Power: 4600, PowerInverter: 5000, InverterEfficiency: 0.9,
	}}, "", berlin)
	require.NoError(t, err)
	battP, err := battery.New(battCfg)
	require.NoError(t, err)

	client := eos.New(eosCfg, battCfg, berlin)
	ctrl := control.New(nil, battCfg)
	s := New(3*time.Minute, berlin, fixedPrices(t), pvP, loadP, battP, client, ctrl, st)
	return s, ctrl
}

// planResponse builds a valid optimize response commanding the given values
// for every hour.
func planResponse(acCharge float64, dischargeAllowed int) map[string]interface{} {
	ac := make([]float64, forecast.Hours)
	dc := make([]float64, forecast.Hours)
	da := make([]float64, forecast.Hours)
	for i := range ac {
		ac[i] = acCharge
		da[i] = float64(dischargeAllowed)
	}
	return map[string]interface{}{
		"ac_charge":         ac,
		"dc_charge":         dc,
		"discharge_allowed": da,
		"start_solution":    []float64{1, 0, 2},
	}
}

func TestRunOnceAppliesPlan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/health" {
			json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
			return
		}
		require.Equal(t, "/optimize", r.URL.Path)
		json.NewEncoder(w).Encode(planResponse(0, 1))
	}))
	defer srv.Close()

	st := &memStore{}
	s, ctrl := newTestScheduler(t, srv, st)
	s.runOnce(context.Background(), time.Now().In(berlin))

	snap := ctrl.Snapshot()
	assert.Equal(t, control.ModeDischargeAllowed, snap.Mode)
	assert.Zero(t, snap.ACChargeDemandW)

	status := s.Status()
	assert.NotEmpty(t, status.LastRunID)
	assert.Empty(t, status.LastError)

	req, err := st.OptimizeRequest(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(req), "gesamtlast")
	resp, err := st.OptimizeResponse(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(resp), "start_solution")

	// the applied plan is persisted for restart continuity
	raw, err := st.Controls(context.Background())
	require.NoError(t, err)
	var plan eos.Control
	require.NoError(t, json.Unmarshal(raw, &plan))
	assert.Equal(t, 1, plan.DischargeAllowed)
}

func TestRunOnceForceCharge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(planResponse(1, 0))
	}))
	defer srv.Close()

	s, ctrl := newTestScheduler(t, srv, &memStore{})
	s.runOnce(context.Background(), time.Now().In(berlin))

	snap := ctrl.Snapshot()
	assert.Equal(t, control.ModeChargeFromGrid, snap.Mode)
	assert.Equal(t, 5000.0, snap.ACChargeDemandW)
}

func TestRunOnceEOSOutage(t *testing.T) {
	// The optimizer times out for three consecutive ticks and then recovers;
	// the controller has to keep its last state and pick the plan back up.
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
			return
		}
		json.NewEncoder(w).Encode(planResponse(0, 1))
	}))
	defer srv.Close()

	st := &memStore{}
	s, ctrl := newTestScheduler(t, srv, st)

	for i := 0; i < 3; i++ {
		s.runOnce(context.Background(), time.Now().In(berlin))
		assert.Equal(t, control.ModeStartup, ctrl.Snapshot().Mode)
		assert.Contains(t, s.Status().LastError, "504")
	}
	assert.Zero(t, st.saves)

	healthy.Store(true)
	s.runOnce(context.Background(), time.Now().In(berlin))
	assert.Equal(t, control.ModeDischargeAllowed, ctrl.Snapshot().Mode)
	assert.Empty(t, s.Status().LastError)
	assert.Equal(t, 1, st.saves)
}

func TestRunOnceInvalidSolution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := planResponse(1, 0)
		resp["start_solution"] = []float64{1}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	st := &memStore{}
	s, ctrl := newTestScheduler(t, srv, st)
	s.runOnce(context.Background(), time.Now().In(berlin))

	// The pair is persisted for inspection but the plan must not be applied.
	assert.Equal(t, 1, st.saves)
	assert.Equal(t, control.ModeStartup, ctrl.Snapshot().Mode)
	assert.NotEmpty(t, s.Status().LastError)
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/health" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(planResponse(0, 1))
	}))
	defer srv.Close()

	s, _ := newTestScheduler(t, srv, &memStore{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// give the first tick a moment, then stop
	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
	assert.Equal(t, StateSleeping, s.Status().State)
	assert.Equal(t, string(eos.VersionLegacy), s.Status().EOSVersion)
}

type funcRunnable func(ctx context.Context) error

func (f funcRunnable) Run(ctx context.Context) error { return f(ctx) }

func TestSupervise(t *testing.T) {
	t.Run("clean shutdown", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		wait := funcRunnable(func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		})
		done := make(chan error, 1)
		go func() { done <- Supervise(ctx, wait, wait) }()
		cancel()
		assert.NoError(t, <-done)
	})

	t.Run("first error stops the rest", func(t *testing.T) {
		boom := errors.New("listener exploded")
		var stopped atomic.Bool
		failing := funcRunnable(func(ctx context.Context) error { return boom })
		waiting := funcRunnable(func(ctx context.Context) error {
			<-ctx.Done()
			stopped.Store(true)
			return nil
		})
		err := Supervise(context.Background(), failing, waiting)
		assert.ErrorIs(t, err, boom)
		assert.True(t, stopped.Load())
	})
}

func TestPoller(t *testing.T) {
	var calls atomic.Int32
	p := NewPoller("test", 50*time.Millisecond, func(ctx context.Context, now time.Time) error {
		calls.Add(1)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
