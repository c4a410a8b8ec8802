package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/musthaq16/zone-drive-simulator/internal/checkpoint"
	"github.com/musthaq16/zone-drive-simulator/internal/config"
	"github.com/musthaq16/zone-drive-simulator/internal/controller"
	"github.com/musthaq16/zone-drive-simulator/internal/journal"
	"github.com/musthaq16/zone-drive-simulator/internal/log"
	"github.com/musthaq16/zone-drive-simulator/internal/osrm"
	"github.com/musthaq16/zone-drive-simulator/internal/scheduler"
	"github.com/musthaq16/zone-drive-simulator/internal/server"
	"github.com/musthaq16/zone-drive-simulator/internal/state"
	"github.com/musthaq16/zone-drive-simulator/internal/telemetry"
)

var configPath = flag.String("config", "config.yaml", "Path to the YAML configuration file")
var replayPath = flag.String("replay", "", "Print the events recorded in a journal file (UTC timestamps) and exit")
var envPath = flag.String("env", ".env", "Optional file of environment overrides")
var headless = flag.Bool("headless", false, "Drive the configured route once without the HTTP API, then exit")

func main() {
	flag.Parse()

	if *replayPath != "" {
		if err := replay(*replayPath, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "replay: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	loader, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg := loader.Current()

	lg := log.New(cfg.Log.Level, cfg.Log.Dir)
	if err := run(loader, lg); err != nil {
		lg.Error("Simulator exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func replay(path string, w io.Writer) error {
	events, err := journal.ReadAll(path)
	if err != nil {
		return err
	}
	for _, e := range events {
		fmt.Fprintf(w, "%s  %-13s %s\n", e.At.UTC().Format("2006-01-02 15:04:05.000"), e.Kind, e.Message)
	}
	return nil
}

func places(rc config.RouteConfig) (from, to controller.Place, err error) {
	src, err := osrm.ParseCoord(rc.Source.Location)
	if err != nil {
		return from, to, fmt.Errorf("route.source: %w", err)
	}
	dst, err := osrm.ParseCoord(rc.Target.Location)
	if err != nil {
		return from, to, fmt.Errorf("route.target: %w", err)
	}
	from = controller.Place{Name: rc.Source.Name, Coordinate: src}
	to = controller.Place{Name: rc.Target.Name, Coordinate: dst}
	return from, to, nil
}

func run(loader *config.Loader, lg *log.Logger) error {
	cfg := loader.Current()

	// Create a context that is cancelled on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			lg.Info("Received signal, shutting down", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	from, to, err := places(cfg.Route)
	if err != nil {
		return err
	}

	store := state.NewStore(cfg.State.Dir)
	if p, err := store.Load(cfg.Simulator.VehicleID); err == nil {
		lg.Info("Previous drive",
			slog.String("route", p.RouteName),
			slog.String("status", p.Snapshot.Status),
			slog.Float64("distance_km", p.Snapshot.DistanceKm),
			slog.Time("updated_at", p.UpdatedAt))
	} else if !errors.Is(err, fs.ErrNotExist) {
		lg.Warn("Could not read saved progress", slog.Any("error", err))
	}

	var planner controller.RoutePlanner = osrm.NewClient(cfg.OSRM.BaseUrl)
	if cfg.OSRM.CacheSize > 0 {
		planner = osrm.NewCachedFetcher(planner, cfg.OSRM.CacheSize, cfg.OSRM.CacheTTL)
	}

	opts := controller.Options{
		VehicleID: cfg.Simulator.VehicleID,
		Engine:    cfg.Simulator.Engine(),
		Planner:   planner,
		Store:     store,
		Logger:    lg,
	}

	if cfg.Telemetry.Address != "" {
		tc, err := telemetry.Dial(ctx, cfg.Telemetry.Address, cfg.Telemetry.Imei, lg)
		if err != nil {
			lg.Warn("Telemetry disabled", slog.String("address", cfg.Telemetry.Address), slog.Any("error", err))
		} else {
			defer tc.Close()
			opts.Telemetry = tc
		}
	}

	if cfg.State.Journal != "" {
		jw, err := journal.Open(cfg.State.Journal, lg)
		if err != nil {
			return err
		}
		defer jw.Close()
		opts.Journal = jw
	}

	loop := scheduler.NewLoop(cfg.Simulator.FrameInterval())
	ctrl := controller.New(loop, opts)

	checkpoints := checkpoint.New(ctrl.Checkpoint, lg)
	if err := checkpoints.Start(cfg.State.Checkpoint); err != nil {
		return err
	}
	defer checkpoints.Stop()

	reload := &reloader{ctx: ctx, speed: ctrl, checkpoints: checkpoints, lg: lg, prev: cfg}
	loader.Watch(reload.apply, func(err error) {
		lg.Warn("Ignoring config change", slog.Any("error", err))
	})

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return loop.Run(gctx) })

	if cfg.HTTP.Listen != "" && !*headless {
		app := server.New(ctrl, server.Options{
			From:        from,
			To:          to,
			MinSpeedKmh: cfg.Simulator.MinSpeedKmh,
			MaxSpeedKmh: cfg.Simulator.MaxSpeedKmh,
			Logger:      lg,
		})
		eg.Go(func() error {
			lg.Info("HTTP API listening", slog.String("address", cfg.HTTP.Listen))
			return app.Listen(cfg.HTTP.Listen)
		})
		eg.Go(func() error {
			<-gctx.Done()
			return app.Shutdown()
		})
	}

	if *headless || cfg.Route.Autostart {
		eg.Go(func() error {
			err := drive(gctx, ctrl, from, to)
			if *headless {
				cancel()
				return err
			}
			if err != nil {
				lg.Warn("Autostart failed", slog.Any("error", err))
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	lg.Info("Simulator stopped")
	return nil
}

type speedSetter interface {
	SetTargetSpeed(ctx context.Context, kmh float64) error
}

type scheduleUpdater interface {
	UpdateSchedule(schedule string) error
}

// reloader applies the parts of a reloaded config that can change at run
// time. Only values that differ from the previous config are applied, so an
// unrelated edit does not undo a speed set through the API.
type reloader struct {
	ctx         context.Context
	speed       speedSetter
	checkpoints scheduleUpdater
	lg          *log.Logger
	prev        *config.AppConfig
}

func (r *reloader) apply(c *config.AppConfig) {
	prev := r.prev
	r.prev = c
	r.lg.Info("Config reloaded")

	if c.Simulator.TargetSpeedKmh != prev.Simulator.TargetSpeedKmh {
		r.lg.Info("Applying target speed", slog.Float64("target_speed_kmh", c.Simulator.TargetSpeedKmh))
		if err := r.speed.SetTargetSpeed(r.ctx, c.Simulator.TargetSpeedKmh); err != nil {
			r.lg.Warn("Applying target speed failed", slog.Any("error", err))
		}
	}
	if c.State.Checkpoint != prev.State.Checkpoint {
		if err := r.checkpoints.UpdateSchedule(c.State.Checkpoint); err != nil {
			r.lg.Warn("Keeping checkpoint schedule", slog.Any("error", err))
		}
	}
}

// drive plans the route, starts it and waits for it to finish.
func drive(ctx context.Context, ctrl *controller.Controller, from, to controller.Place) error {
	if err := ctrl.PlanRoute(ctx, from, to); err != nil {
		return err
	}
	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctrl.Completed():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
