// Package inverter drives a Fronius GEN24 hybrid inverter over its HTTP
// configuration API. Battery behavior is steered by replacing the
// time-of-use rule set; the pre-existing rules are backed up before the
// first write and restored on shutdown.
package inverter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/eosconnect/eosconnect/pkg/common"
	"github.com/eosconnect/eosconnect/pkg/config"
	"github.com/eosconnect/eosconnect/pkg/log"
	"github.com/eosconnect/eosconnect/pkg/store"
)

const (
	// maxForceChargePowerW is the hardware ceiling for grid charging.
	maxForceChargePowerW = 10000

	requestAttempts = 3
	retryDelay      = time.Second

	scheduleChargeMin    = "CHARGE_MIN"
	scheduleChargeMax    = "CHARGE_MAX"
	scheduleDischargeMax = "DISCHARGE_MAX"
)

// Rule is one time-of-use entry in the GEN24 config API. The CamelCase keys
// are the inverter's.
type Rule struct {
	Active       bool      `json:"Active"`
	Power        int       `json:"Power"`
	ScheduleType string    `json:"ScheduleType"`
	TimeTable    TimeTable `json:"TimeTable"`
	Weekdays     Weekdays  `json:"Weekdays"`
}

// TimeTable is the daily window a rule applies to, "HH:MM" strings.
type TimeTable struct {
	Start string `json:"Start"`
	End   string `json:"End"`
}

// Weekdays selects the days a rule applies to.
type Weekdays struct {
	Mon bool `json:"Mon"`
	Tue bool `json:"Tue"`
	Wed bool `json:"Wed"`
	Thu bool `json:"Thu"`
	Fri bool `json:"Fri"`
	Sat bool `json:"Sat"`
	Sun bool `json:"Sun"`
}

func allWeekRule(scheduleType string, powerW int) Rule {
	return Rule{
		Active:       true,
		Power:        powerW,
		ScheduleType: scheduleType,
		TimeTable:    TimeTable{Start: "00:00", End: "23:59"},
		Weekdays:     Weekdays{Mon: true, Tue: true, Wed: true, Thu: true, Fri: true, Sat: true, Sun: true},
	}
}

// Fronius talks to one GEN24 inverter. All operations are synchronous; the
// controller serializes them.
type Fronius struct {
	cfg    config.InverterConfig
	user   string
	store  store.Store
	client *http.Client

	mu        sync.Mutex
	apiBase   string
	baseKnown bool
	backedUp  bool
}

// New returns the driver for the configured inverter type. The default type
// yields nil; the controller then only logs mode changes.
func New(cfg config.InverterConfig, st store.Store) (*Fronius, error) {
	switch cfg.Type {
	case "fronius_gen24", "fronius_gen24_v2":
	case "", "default":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown inverter type: %s", cfg.Type)
	}
	return &Fronius{
		cfg: cfg,
		// The firmware only accepts lowercase usernames.
		user:   strings.ToLower(cfg.User),
		store:  st,
		client: common.HTTPClient(10 * time.Second),
	}, nil
}

// SetForceCharge programs a minimum grid charge of powerW, capped by the
// configured grid limit and the hardware ceiling.
func (f *Fronius) SetForceCharge(ctx context.Context, powerW float64) error {
	limit := math.Min(f.cfg.MaxGridChargeRate, maxForceChargePowerW)
	power := int(math.Min(powerW, limit))
	if float64(power) != powerW {
		log.Ctx(ctx).WarnContext(ctx, "grid charge power limited",
			slog.Float64("requestedW", powerW),
			slog.Int("appliedW", power),
		)
	}
	return f.setTimeOfUse(ctx, []Rule{allWeekRule(scheduleChargeMin, power)})
}

// SetAvoidDischarge blocks discharging; PV charging stays permitted when a
// PV charge limit is configured.
func (f *Fronius) SetAvoidDischarge(ctx context.Context) error {
	rules := []Rule{allWeekRule(scheduleDischargeMax, 0)}
	if f.cfg.MaxPVChargeRate > 0 {
		rules = append(rules, allWeekRule(scheduleChargeMax, int(f.cfg.MaxPVChargeRate)))
	}
	return f.setTimeOfUse(ctx, rules)
}

// SetAllowDischarge returns the battery to normal operation.
func (f *Fronius) SetAllowDischarge(ctx context.Context) error {
	rules := []Rule{}
	if f.cfg.MaxPVChargeRate > 0 {
		rules = append(rules, allWeekRule(scheduleChargeMax, int(f.cfg.MaxPVChargeRate)))
	}
	return f.setTimeOfUse(ctx, rules)
}

// Shutdown restores the rule set captured before the first write and drops
// the backup. Without a backup nothing is touched.
func (f *Fronius) Shutdown(ctx context.Context) error {
	raw, err := f.store.BatteryBackup(ctx)
	if errors.Is(err, store.ErrNotFound) {
		log.Ctx(ctx).DebugContext(ctx, "no inverter backup to restore")
		return nil
	}
	if err != nil {
		return err
	}
	var rules []Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return fmt.Errorf("failed to decode inverter backup: %w", err)
	}
	if err := f.setTimeOfUse(ctx, rules); err != nil {
		return fmt.Errorf("failed to restore inverter config: %w", err)
	}
	if err := f.store.DeleteBatteryBackup(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "could not drop inverter backup", slog.Any("error", err))
	}
	log.Ctx(ctx).InfoContext(ctx, "inverter config restored", slog.Int("rules", len(rules)))
	return nil
}

func (f *Fronius) setTimeOfUse(ctx context.Context, rules []Rule) error {
	if err := f.ensureBackup(ctx); err != nil {
		// A failed backup must not block control of the battery.
		log.Ctx(ctx).WarnContext(ctx, "could not back up inverter config", slog.Any("error", err))
	}
	raw, status, err := f.do(ctx, "POST", "/config/timeofuse", map[string][]Rule{"timeofuse": rules})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("timeofuse write returned status %d", status)
	}
	var result struct {
		WriteSuccess []string `json:"writeSuccess"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("failed to decode timeofuse response: %w", err)
	}
	if !slices.Contains(result.WriteSuccess, "timeofuse") {
		return fmt.Errorf("inverter did not acknowledge timeofuse write: %v", result.WriteSuccess)
	}
	log.Ctx(ctx).DebugContext(ctx, "time of use rules written", slog.Int("rules", len(rules)))
	return nil
}

func (f *Fronius) currentTimeOfUse(ctx context.Context) ([]Rule, error) {
	raw, status, err := f.do(ctx, "GET", "/config/timeofuse", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("timeofuse read returned status %d", status)
	}
	var result struct {
		TimeOfUse []Rule `json:"timeofuse"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode timeofuse config: %w", err)
	}
	return result.TimeOfUse, nil
}

// ensureBackup captures the pre-existing rule set once so Shutdown can put
// it back. A backup left over from a crashed run wins; it still holds the
// operator's original rules.
func (f *Fronius) ensureBackup(ctx context.Context) error {
	f.mu.Lock()
	done := f.backedUp
	f.mu.Unlock()
	if done {
		return nil
	}
	if _, err := f.store.BatteryBackup(ctx); err == nil {
		f.markBackedUp()
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	rules, err := f.currentTimeOfUse(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(rules)
	if err != nil {
		return err
	}
	if err := f.store.SaveBatteryBackup(ctx, raw); err != nil {
		return err
	}
	f.markBackedUp()
	log.Ctx(ctx).InfoContext(ctx, "inverter config backed up", slog.Int("rules", len(rules)))
	return nil
}

func (f *Fronius) markBackedUp() {
	f.mu.Lock()
	f.backedUp = true
	f.mu.Unlock()
}

// detectBase finds whether the config API lives under /api (firmware
// 1.36.5-1 and newer) or at the root. A 401 means the endpoint exists.
func (f *Fronius) detectBase(ctx context.Context) string {
	f.mu.Lock()
	if f.baseKnown {
		base := f.apiBase
		f.mu.Unlock()
		return base
	}
	f.mu.Unlock()

	base := "/api"
	known := false
	for _, candidate := range []string{"/api", ""} {
		status, err := f.probe(ctx, candidate+"/config/timeofuse")
		if err != nil {
			continue
		}
		if status == http.StatusUnauthorized {
			base = candidate
			known = true
			break
		}
	}
	if !known {
		log.Ctx(ctx).WarnContext(ctx, "could not detect inverter firmware generation, assuming /api")
	} else {
		log.Ctx(ctx).DebugContext(ctx, "detected inverter api base", slog.String("base", base))
	}

	f.mu.Lock()
	f.apiBase = base
	f.baseKnown = true
	f.mu.Unlock()
	return base
}

func (f *Fronius) probe(ctx context.Context, path string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", "http://"+f.cfg.Address+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// do runs one authenticated request against the config API, retrying
// transient failures. A 404 is handed back to the caller untouched.
func (f *Fronius) do(ctx context.Context, method, endpoint string, payload interface{}) ([]byte, int, error) {
	uri := f.detectBase(ctx) + endpoint
	target := "http://" + f.cfg.Address + uri

	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, 0, fmt.Errorf("failed to encode payload: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < requestAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
		raw, status, err := f.attempt(ctx, method, target, uri, body)
		if err == nil {
			return raw, status, nil
		}
		lastErr = err
		log.Ctx(ctx).WarnContext(ctx, "inverter request failed",
			slog.String("endpoint", endpoint),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err),
		)
	}
	return nil, 0, fmt.Errorf("all %d attempts failed for %s: %w", requestAttempts, endpoint, lastErr)
}

// attempt performs one unauthenticated probe plus up to two digest answers:
// the advertised algorithm first, then an MD5 fallback for passwords set
// before the firmware switched to SHA-256.
func (f *Fronius) attempt(ctx context.Context, method, target, uri string, body []byte) ([]byte, int, error) {
	resp, err := f.send(ctx, method, target, body, "")
	if err != nil {
		return nil, 0, err
	}
	switch resp.status {
	case http.StatusOK, http.StatusNotFound:
		return resp.body, resp.status, nil
	case http.StatusUnauthorized:
	default:
		return nil, 0, fmt.Errorf("inverter returned status %d", resp.status)
	}

	ch, err := parseChallenge(resp.challenge)
	if err != nil {
		return nil, 0, err
	}
	resp, err = f.send(ctx, method, target, body, authorization(f.user, f.cfg.Password, method, uri, ch))
	if err != nil {
		return nil, 0, err
	}
	if resp.status == http.StatusUnauthorized && usesSHA256(ch.algorithm) {
		log.Ctx(ctx).InfoContext(ctx, "sha-256 digest rejected, retrying with md5")
		if ch, err = parseChallenge(resp.challenge); err != nil {
			return nil, 0, err
		}
		ch.algorithm = "MD5"
		resp, err = f.send(ctx, method, target, body, authorization(f.user, f.cfg.Password, method, uri, ch))
		if err != nil {
			return nil, 0, err
		}
	}
	switch resp.status {
	case http.StatusOK, http.StatusNotFound:
		return resp.body, resp.status, nil
	case http.StatusUnauthorized:
		log.Ctx(ctx).ErrorContext(ctx, "inverter rejected credentials; firmware 1.38+ requires a password reset in the webui after updating")
		return nil, 0, errors.New("authentication failed")
	default:
		return nil, 0, fmt.Errorf("inverter returned status %d", resp.status)
	}
}

type inverterResponse struct {
	status    int
	body      []byte
	challenge string
}

func (f *Fronius) send(ctx context.Context, method, target string, body []byte, authz string) (*inverterResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &inverterResponse{status: resp.StatusCode, body: raw, challenge: challengeHeader(resp)}, nil
}
