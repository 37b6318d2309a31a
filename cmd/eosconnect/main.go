package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"

	"github.com/eosconnect/eosconnect/pkg/battery"
	"github.com/eosconnect/eosconnect/pkg/common"
	"github.com/eosconnect/eosconnect/pkg/config"
	"github.com/eosconnect/eosconnect/pkg/control"
	"github.com/eosconnect/eosconnect/pkg/eos"
	"github.com/eosconnect/eosconnect/pkg/evcc"
	"github.com/eosconnect/eosconnect/pkg/inverter"
	"github.com/eosconnect/eosconnect/pkg/load"
	"github.com/eosconnect/eosconnect/pkg/log"
	"github.com/eosconnect/eosconnect/pkg/price"
	"github.com/eosconnect/eosconnect/pkg/pv"
	"github.com/eosconnect/eosconnect/pkg/scheduler"
	"github.com/eosconnect/eosconnect/pkg/server"
	"github.com/eosconnect/eosconnect/pkg/store"
)

// runnableFunc adapts a plain function to the Runnable interface.
type runnableFunc func(ctx context.Context) error

func (f runnableFunc) Run(ctx context.Context) error { return f(ctx) }

func main() {
	os.Exit(run())
}

func run() int {
	// init packages
	loader := config.Configured()
	st := store.Configured()

	// parse flags
	lflag.Configure()
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("failed to close store", slog.Any("error", err))
		}
	}()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	log.SetDefaultLogLevel(level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, created, err := loader.Load(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load configuration", slog.Any("error", err))
		return 1
	}
	if created {
		log.Ctx(ctx).InfoContext(ctx, "wrote a fresh configuration file, please edit it and start again",
			slog.String("path", loader.Path()))
		return 0
	}
	if err := cfg.Validate(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid configuration", slog.Any("error", err))
		return 1
	}
	// the config file may lower or raise the level picked via flags
	if configLevel, ok := parseLevel(cfg.LogLevel); ok {
		log.SetDefaultLogLevel(configLevel)
	}

	log.Ctx(ctx).InfoContext(ctx, "starting eosconnect",
		slog.String("version", common.Version()),
		slog.String("timezone", cfg.TimeZone),
	)
	loc := cfg.Location()

	prices, err := price.New(cfg.Price, loc)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid price configuration", slog.Any("error", err))
		return 1
	}
	pvP, err := pv.New(cfg.PVForecastSource, cfg.PVForecast, cfg.EVCC.URL, loc)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid pv configuration", slog.Any("error", err))
		return 1
	}
	loadP, err := load.New(cfg.Load, loc)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid load configuration", slog.Any("error", err))
		return 1
	}
	battP, err := battery.New(cfg.Battery)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid battery configuration", slog.Any("error", err))
		return 1
	}
	evP := evcc.New(cfg.EVCC.URL)

	fronius, err := inverter.New(cfg.Inverter, st)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid inverter configuration", slog.Any("error", err))
		return 1
	}
	var driver control.Driver
	if fronius != nil {
		driver = fronius
	}
	ctrl := control.New(driver, cfg.Battery)

	// live signals feed the controller between optimization runs
	battP.OnLimitChange(func(limitW float64) {
		ctrl.SetBatteryState(ctx, battP.Current().SoCPercent, limitW)
	})
	evP.OnChargingChange(func(charging bool) {
		ctrl.SetEVState(ctx, charging, evP.Current().Mode)
	})

	// a restart inside the same hour picks the persisted plan back up instead
	// of idling in startup mode until the next optimization
	if raw, err := st.Controls(ctx); err == nil {
		var plan eos.Control
		if err := json.Unmarshal(raw, &plan); err == nil && plan.Hour == time.Now().In(loc).Hour() {
			ctrl.UpdatePlan(ctx, plan)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Ctx(ctx).WarnContext(ctx, "could not read persisted controls", slog.Any("error", err))
	}

	client := eos.New(cfg.EOS, cfg.Battery, loc)
	sched := scheduler.New(time.Duration(cfg.RefreshTime)*time.Minute, loc,
		prices, pvP, loadP, battP, client, ctrl, st)
	srv := server.New(cfg.WebPort, loc, ctrl, battP, evP, prices, pvP, loadP, sched, st)

	runnables := []scheduler.Runnable{
		sched,
		srv,
		scheduler.NewPoller("pv", pvP.Interval(), func(ctx context.Context, now time.Time) error {
			_, err := pvP.Refresh(ctx, now)
			return err
		}),
		scheduler.NewPoller("battery", 30*time.Second, func(ctx context.Context, now time.Time) error {
			_, err := battP.Refresh(ctx, now)
			return err
		}),
		// re-evaluation between ticks notices override expiry promptly
		scheduler.NewPoller("control", 30*time.Second, func(ctx context.Context, now time.Time) error {
			ctrl.Evaluate(ctx)
			return nil
		}),
	}
	if cfg.EVCC.URL != "" {
		runnables = append(runnables,
			scheduler.NewPoller("evcc", 10*time.Second, func(ctx context.Context, now time.Time) error {
				_, err := evP.Refresh(ctx, now)
				return err
			}),
			runnableFunc(func(ctx context.Context) error {
				evP.RunPushListener(ctx)
				return nil
			}),
		)
	}

	code := 0
	if err := scheduler.Supervise(ctx, runnables...); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "coordinator failed", slog.Any("error", err))
		code = 1
	}

	// put the operator's inverter rules back before exiting
	if fronius != nil {
		restoreCtx, restoreCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer restoreCancel()
		if err := fronius.Shutdown(restoreCtx); err != nil {
			log.Ctx(restoreCtx).ErrorContext(restoreCtx, "failed to restore inverter config", slog.Any("error", err))
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "eosconnect exited")
	return code
}

// parseLevel maps the config file's log_level string to a slog level.
func parseLevel(s string) (slog.Level, bool) {
	switch s {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}
