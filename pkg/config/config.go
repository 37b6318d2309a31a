// Package config loads the single YAML configuration file that drives the
// coordinator. A missing file is written out with commented defaults so the
// operator can edit it and restart; validation failures at boot are fatal.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/spf13/viper"

	"github.com/eosconnect/eosconnect/pkg/log"
)

// LoadConfig selects where the household load profile comes from.
type LoadConfig struct {
	// Source is one of default, openhab, homeassistant.
	Source string `mapstructure:"source"`
	// URL of the openHAB or Home Assistant instance.
	URL string `mapstructure:"url"`
	// LoadSensor is the item/entity holding total household power.
	LoadSensor string `mapstructure:"load_sensor"`
	// CarChargeLoadSensor optionally holds wallbox power to subtract.
	CarChargeLoadSensor string `mapstructure:"car_charge_load_sensor"`
	// AccessToken for Home Assistant.
	AccessToken string `mapstructure:"access_token"`
}

// EOSConfig points at the external optimization server.
type EOSConfig struct {
	Server string `mapstructure:"server"`
	Port   int    `mapstructure:"port"`
	// Timeout in seconds for a single optimize call. Must not exceed the
	// scheduler period.
	Timeout int `mapstructure:"timeout"`
}

// BaseURL returns the http base of the EOS server without a trailing slash.
func (e EOSConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", e.Server, e.Port)
}

// PriceConfig selects the electricity price source.
type PriceConfig struct {
	// Source is one of akkudoktor (alias default), tibber, smartenergy_at,
	// fixed_24h.
	Source string `mapstructure:"source"`
	// Token is the bearer token for tibber.
	Token string `mapstructure:"token"`
	// FeedInPrice is the feed-in tariff in ct/kWh.
	FeedInPrice float64 `mapstructure:"feed_in_price"`
	// NegativePriceSwitch zeroes the feed-in tariff during hours with a
	// negative direct price.
	NegativePriceSwitch bool `mapstructure:"negative_price_switch"`
	// Fixed24hArray holds 24 hourly prices in ct/kWh for the fixed_24h source.
	Fixed24hArray []float64 `mapstructure:"fixed_24h_array"`
}

// BatteryConfig describes the home battery and where its SoC comes from.
type BatteryConfig struct {
	// Source is one of default, openhab, homeassistant.
	Source      string `mapstructure:"source"`
	URL         string `mapstructure:"url"`
	SocSensor   string `mapstructure:"soc_sensor"`
	AccessToken string `mapstructure:"access_token"`

	CapacityWh          float64 `mapstructure:"capacity_wh"`
	ChargeEfficiency    float64 `mapstructure:"charge_efficiency"`
	DischargeEfficiency float64 `mapstructure:"discharge_efficiency"`
	MaxChargePowerW     float64 `mapstructure:"max_charge_power_w"`
	MinSocPercentage    float64 `mapstructure:"min_soc_percentage"`
	MaxSocPercentage    float64 `mapstructure:"max_soc_percentage"`
	// ChargingCurveEnabled derives the charge-power limit from the
	// SoC-dependent C-rate curve instead of the fixed maximum.
	ChargingCurveEnabled bool `mapstructure:"charging_curve_enabled"`
}

// PVSourceConfig selects the forecast backend shared by all PV planes.
type PVSourceConfig struct {
	// Source is one of akkudoktor, openmeteo_lib, openmeteo_local,
	// forecast_solar, solcast, evcc, default.
	Source string `mapstructure:"source"`
	// APIKey for solcast.
	APIKey string `mapstructure:"api_key"`
}

// PVPlaneConfig describes one PV array.
type PVPlaneConfig struct {
	Name    string  `mapstructure:"name"`
	Lat     float64 `mapstructure:"lat"`
	Lon     float64 `mapstructure:"lon"`
	Azimuth float64 `mapstructure:"azimuth"`
	Tilt    float64 `mapstructure:"tilt"`
	// Power is the installed panel power in Wp.
	Power float64 `mapstructure:"power"`
	// PowerInverter is the inverter power in W.
	PowerInverter      float64 `mapstructure:"powerInverter"`
	InverterEfficiency float64 `mapstructure:"inverterEfficiency"`
	// Horizon is a comma-separated elevation table describing shading.
	Horizon string `mapstructure:"horizon"`
	// ResourceID identifies the rooftop site for solcast.
	ResourceID string `mapstructure:"resource_id"`
}

// InverterConfig describes the hybrid inverter driven by the control loop.
type InverterConfig struct {
	// Type is one of fronius_gen24, fronius_gen24_v2, default (log only).
	Type     string `mapstructure:"type"`
	Address  string `mapstructure:"address"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`

	MaxGridChargeRate   float64 `mapstructure:"max_grid_charge_rate"`
	MaxPVChargeRate     float64 `mapstructure:"max_pv_charge_rate"`
	MaxBatDischargeRate float64 `mapstructure:"max_bat_discharge_rate"`
}

// EVCCConfig points at the EV charge controller.
type EVCCConfig struct {
	URL string `mapstructure:"url"`
}

// Config is the full YAML configuration.
type Config struct {
	Load             LoadConfig      `mapstructure:"load"`
	EOS              EOSConfig       `mapstructure:"eos"`
	Price            PriceConfig     `mapstructure:"price"`
	Battery          BatteryConfig   `mapstructure:"battery"`
	PVForecastSource PVSourceConfig  `mapstructure:"pv_forecast_source"`
	PVForecast       []PVPlaneConfig `mapstructure:"pv_forecast"`
	Inverter         InverterConfig  `mapstructure:"inverter"`
	EVCC             EVCCConfig      `mapstructure:"evcc"`

	// RefreshTime is the scheduler period in minutes.
	RefreshTime int    `mapstructure:"refresh_time"`
	TimeZone    string `mapstructure:"time_zone"`
	WebPort     int    `mapstructure:"eos_connect_web_port"`
	LogLevel    string `mapstructure:"log_level"`
}

// Loader resolves and reads the configuration file.
type Loader struct {
	path string
}

// Configured sets up the config Loader.
// It uses lflag to register command-line flags for configuration.
func Configured() *Loader {
	l := &Loader{}
	path := lflag.String("config", "config.yaml", "Path to the YAML configuration file")
	lflag.Do(func() {
		l.path = *path
	})
	return l
}

// Path returns the resolved config file path.
func (l *Loader) Path() string {
	return l.path
}

// Load reads the configuration file. When the file does not exist it is
// created from the defaults and created=true is returned so the caller can
// prompt the operator to edit it and exit cleanly.
func (l *Loader) Load(ctx context.Context) (Config, bool, error) {
	v := viper.New()
	v.SetConfigFile(l.path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound) {
			log.Ctx(ctx).InfoContext(ctx, "writing config template", slog.String("path", l.path))
			if werr := v.WriteConfigAs(l.path); werr != nil {
				return Config{}, false, fmt.Errorf("failed to write config template: %w", werr)
			}
			return Config{}, true, nil
		}
		return Config{}, false, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, false, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, false, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("load.source", "default")
	v.SetDefault("load.url", "http://<ip>:8080")
	v.SetDefault("load.load_sensor", "Load_Power")
	v.SetDefault("load.car_charge_load_sensor", "Wallbox_Power")
	v.SetDefault("load.access_token", "abc123")

	v.SetDefault("eos.server", "192.168.1.94")
	v.SetDefault("eos.port", 8503)
	v.SetDefault("eos.timeout", 180)

	v.SetDefault("price.source", "default")
	v.SetDefault("price.token", "tibberBearerToken")
	v.SetDefault("price.feed_in_price", 0.0)
	v.SetDefault("price.negative_price_switch", false)
	v.SetDefault("price.fixed_24h_array", []float64{})

	v.SetDefault("battery.source", "default")
	v.SetDefault("battery.url", "http://<ip>:8080")
	v.SetDefault("battery.soc_sensor", "battery_SOC")
	v.SetDefault("battery.access_token", "abc123")
	v.SetDefault("battery.capacity_wh", 11059)
	v.SetDefault("battery.charge_efficiency", 0.88)
	v.SetDefault("battery.discharge_efficiency", 0.88)
	v.SetDefault("battery.max_charge_power_w", 5000)
	v.SetDefault("battery.min_soc_percentage", 5)
	v.SetDefault("battery.max_soc_percentage", 100)
	v.SetDefault("battery.charging_curve_enabled", true)

	v.SetDefault("pv_forecast_source.source", "akkudoktor")
	v.SetDefault("pv_forecast_source.api_key", "")

	v.SetDefault("pv_forecast", []map[string]interface{}{
		{
			"name":               "house south",
			"lat":                47.5,
			"lon":                8.5,
			"azimuth":            90.0,
			"tilt":               30.0,
			"power":              4600,
			"powerInverter":      5000,
			"inverterEfficiency": 0.9,
			"horizon":            "10,20,10,15",
		},
	})

	v.SetDefault("inverter.type", "fronius_gen24")
	v.SetDefault("inverter.address", "192.168.1.12")
	v.SetDefault("inverter.user", "customer")
	v.SetDefault("inverter.password", "abc123")
	v.SetDefault("inverter.max_grid_charge_rate", 5000)
	v.SetDefault("inverter.max_pv_charge_rate", 5000)
	v.SetDefault("inverter.max_bat_discharge_rate", 5000)

	v.SetDefault("evcc.url", "http://<ip>:7070")

	v.SetDefault("refresh_time", 3)
	v.SetDefault("time_zone", "Europe/Berlin")
	v.SetDefault("eos_connect_web_port", 8081)
	v.SetDefault("log_level", "info")
}

// Validate checks the configuration for values the coordinator cannot run
// with. It is called once at boot and any error is fatal.
func (c Config) Validate() error {
	if c.RefreshTime < 1 {
		return fmt.Errorf("refresh_time must be at least 1 minute, got %d", c.RefreshTime)
	}
	if c.EOS.Timeout < 1 {
		return fmt.Errorf("eos.timeout must be at least 1 second, got %d", c.EOS.Timeout)
	}
	// the optimize call must finish before the next tick starts
	if c.EOS.Timeout > c.RefreshTime*60 {
		return fmt.Errorf("eos.timeout (%ds) exceeds the refresh period (%ds), please adjust the settings",
			c.EOS.Timeout, c.RefreshTime*60)
	}
	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("invalid time_zone %q: %w", c.TimeZone, err)
	}
	if c.WebPort < 1 || c.WebPort > 65535 {
		return fmt.Errorf("eos_connect_web_port %d out of range", c.WebPort)
	}

	switch c.Load.Source {
	case "default", "openhab", "homeassistant":
	default:
		return fmt.Errorf("unknown load.source %q", c.Load.Source)
	}
	switch c.Price.Source {
	case "default", "akkudoktor", "tibber", "smartenergy_at", "fixed_24h":
	default:
		return fmt.Errorf("unknown price.source %q", c.Price.Source)
	}
	if c.Price.Source == "fixed_24h" && len(c.Price.Fixed24hArray) != 24 {
		return fmt.Errorf("price.fixed_24h_array must hold 24 values, got %d", len(c.Price.Fixed24hArray))
	}
	switch c.Battery.Source {
	case "default", "openhab", "homeassistant":
	default:
		return fmt.Errorf("unknown battery.source %q", c.Battery.Source)
	}
	if c.Battery.CapacityWh <= 0 {
		return fmt.Errorf("battery.capacity_wh must be positive, got %v", c.Battery.CapacityWh)
	}
	if c.Battery.MaxChargePowerW <= 0 {
		return fmt.Errorf("battery.max_charge_power_w must be positive, got %v", c.Battery.MaxChargePowerW)
	}
	if c.Battery.MinSocPercentage < 0 || c.Battery.MaxSocPercentage > 100 ||
		c.Battery.MinSocPercentage >= c.Battery.MaxSocPercentage {
		return fmt.Errorf("battery soc percentages invalid: min %v, max %v",
			c.Battery.MinSocPercentage, c.Battery.MaxSocPercentage)
	}

	switch c.PVForecastSource.Source {
	case "akkudoktor", "openmeteo_lib", "openmeteo_local", "forecast_solar", "solcast", "evcc", "default":
	default:
		return fmt.Errorf("unknown pv_forecast_source.source %q", c.PVForecastSource.Source)
	}
	if len(c.PVForecast) == 0 && c.PVForecastSource.Source != "evcc" {
		return errors.New("pv_forecast must hold at least one entry")
	}
	for i, p := range c.PVForecast {
		if err := p.validate(); err != nil {
			return fmt.Errorf("pv_forecast[%d]: %w", i, err)
		}
		if c.PVForecastSource.Source == "solcast" && p.ResourceID == "" {
			return fmt.Errorf("pv_forecast[%d]: resource_id required for solcast", i)
		}
	}
	if c.PVForecastSource.Source == "solcast" && c.PVForecastSource.APIKey == "" {
		return errors.New("pv_forecast_source.api_key required for solcast")
	}

	switch c.Inverter.Type {
	case "fronius_gen24", "fronius_gen24_v2", "default":
	default:
		return fmt.Errorf("unknown inverter.type %q", c.Inverter.Type)
	}

	return nil
}

func (p PVPlaneConfig) validate() error {
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("lat %v out of range", p.Lat)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("lon %v out of range", p.Lon)
	}
	if p.Power <= 0 {
		return fmt.Errorf("power must be positive, got %v", p.Power)
	}
	if p.PowerInverter <= 0 {
		return fmt.Errorf("powerInverter must be positive, got %v", p.PowerInverter)
	}
	if p.InverterEfficiency <= 0 || p.InverterEfficiency > 1 {
		return fmt.Errorf("inverterEfficiency must be in (0,1], got %v", p.InverterEfficiency)
	}
	return nil
}

// Location returns the configured IANA zone. Validate must have passed.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		panic(fmt.Errorf("failed to load time zone %q: %w", c.TimeZone, err))
	}
	return loc
}
