// Package controller wires the simulation engine to its collaborators: the
// routing service, position sinks, the event log and the progress store.
// It is the only owner of the engine; every engine call is made on the
// scheduler loop goroutine.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/musthaq16/zone-drive-simulator/internal/log"
	"github.com/musthaq16/zone-drive-simulator/internal/osrm"
	"github.com/musthaq16/zone-drive-simulator/internal/route"
	"github.com/musthaq16/zone-drive-simulator/internal/scheduler"
	"github.com/musthaq16/zone-drive-simulator/internal/simulator"
	"github.com/musthaq16/zone-drive-simulator/internal/state"
	"github.com/musthaq16/zone-drive-simulator/types"
)

var ErrRouteNotPlanned = errors.New("route not planned")

// Status labels published outside of a run.
const (
	StatusReady   = "Ready"
	StatusPlanned = "Route Planned"
)

const DefaultMaxEvents = 200

// Place is a named location.
type Place struct {
	Name       string           `json:"name"`
	Coordinate types.Coordinate `json:"coordinate"`
}

type RoutePlanner interface {
	FetchRoute(ctx context.Context, source, target types.Coordinate) (osrm.Route, error)
}

type Options struct {
	VehicleID string
	Engine    simulator.Config
	Planner   RoutePlanner

	// Optional collaborators.
	Telemetry simulator.Renderer
	Journal   simulator.EventSink
	Store     *state.Store
	Logger    *log.Logger

	MaxEvents int
	Clock     func() time.Time
}

type Controller struct {
	vehicleID string
	loop      *scheduler.Loop
	engine    *simulator.Engine
	planner   RoutePlanner
	telemetry simulator.Renderer
	journal   simulator.EventSink
	store     *state.Store
	lg        *log.Logger
	now       func() time.Time

	// Owned by the loop goroutine.
	planned   bool
	routeName string

	status    atomic.Pointer[simulator.Snapshot]
	position  atomic.Pointer[types.Coordinate]
	zone      atomic.Pointer[Zone]
	route     atomic.Pointer[PlannedRoute]
	completed chan struct{}

	mu        sync.Mutex
	events    []simulator.Event
	maxEvents int
}

// Zone is the reduced-speed area of the current route.
type Zone struct {
	Center       types.Coordinate `json:"center"`
	RadiusMeters float64          `json:"radius_m"`
}

// PlannedRoute describes the route currently installed in the engine.
type PlannedRoute struct {
	From        Place              `json:"from"`
	To          Place              `json:"to"`
	Points      []types.Coordinate `json:"points"`
	DistanceKm  float64            `json:"distance_km"`
	DurationMin float64            `json:"duration_min"`
}

func New(loop *scheduler.Loop, opts Options) *Controller {
	c := &Controller{
		vehicleID: opts.VehicleID,
		loop:      loop,
		planner:   opts.Planner,
		telemetry: opts.Telemetry,
		journal:   opts.Journal,
		store:     opts.Store,
		lg:        opts.Logger.With(slog.String("vehicle", opts.VehicleID)),
		now:       opts.Clock,
		completed: make(chan struct{}, 1),
		maxEvents: opts.MaxEvents,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.maxEvents <= 0 {
		c.maxEvents = DefaultMaxEvents
	}

	sinks := simulator.Sinks{Renderer: c, Status: c, Events: c}
	c.engine = simulator.New(opts.Engine, sinks, loop, simulator.WithClock(c.now))
	c.publish(c.readySnapshot())
	c.info("System initialized - Ready to plan route")
	return c
}

func (c *Controller) VehicleID() string { return c.vehicleID }

// PlanRoute fetches a route and installs it in the engine. A failure leaves
// the controller ready for another attempt.
func (c *Controller) PlanRoute(ctx context.Context, from, to Place) error {
	c.info(fmt.Sprintf("Planning route from %s to %s", from.Name, to.Name))

	r, err := c.planner.FetchRoute(ctx, from.Coordinate, to.Coordinate)
	if err != nil {
		c.info("Error planning route")
		c.lg.Warn("Route fetch failed", slog.Any("error", err))
		return fmt.Errorf("planning route: %w", err)
	}
	rt, err := route.New(r.Coordinates, r.DistanceKm)
	if err != nil {
		c.info("Error planning route")
		return fmt.Errorf("planning route: %w", err)
	}

	err = c.loop.Call(ctx, func() error {
		if err := c.engine.SetRoute(rt); err != nil {
			return err
		}
		c.planned = true
		c.routeName = from.Name + " - " + to.Name
		c.route.Store(&PlannedRoute{
			From:        from,
			To:          to,
			Points:      rt.Points(),
			DistanceKm:  r.DistanceKm,
			DurationMin: r.DurationMin,
		})
		s := c.readySnapshot()
		s.Status = StatusPlanned
		c.publish(s)
		return nil
	})
	if err != nil {
		return err
	}

	c.info(fmt.Sprintf("Route planned - Distance: %.2f km", r.DistanceKm))
	c.lg.Info("Route planned",
		slog.Int("points", rt.Len()),
		slog.Float64("distance_km", r.DistanceKm),
		slog.Float64("duration_min", r.DurationMin))
	return nil
}

func (c *Controller) Start(ctx context.Context) error {
	return c.loop.Call(ctx, func() error {
		if !c.planned {
			return ErrRouteNotPlanned
		}
		return c.engine.Start()
	})
}

func (c *Controller) Pause(ctx context.Context) error {
	return c.loop.Call(ctx, func() error {
		c.pause()
		return nil
	})
}

func (c *Controller) Resume(ctx context.Context) error {
	return c.loop.Call(ctx, func() error {
		c.resume()
		return nil
	})
}

// TogglePause pauses a running drive or resumes a paused one.
func (c *Controller) TogglePause(ctx context.Context) error {
	return c.loop.Call(ctx, func() error {
		if c.engine.Phase() == simulator.Paused {
			c.resume()
		} else {
			c.pause()
		}
		return nil
	})
}

func (c *Controller) pause() {
	if c.engine.Phase() != simulator.Running {
		return
	}
	c.engine.Pause()
	s := c.Status()
	s.Status = simulator.Paused.String()
	c.publish(s)
	c.save(s)
}

func (c *Controller) resume() {
	if c.engine.Phase() != simulator.Paused {
		return
	}
	c.engine.Resume()
	s := c.Status()
	s.Status = simulator.Running.String()
	c.publish(s)
}

// Reset stops the drive, forgets the planned route and clears the log.
func (c *Controller) Reset(ctx context.Context) error {
	err := c.loop.Call(ctx, func() error {
		c.engine.Reset()
		c.planned = false
		c.routeName = ""
		c.position.Store(nil)
		c.zone.Store(nil)
		c.route.Store(nil)
		c.publish(c.readySnapshot())
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
	c.info("System reset")
	return nil
}

// SetTargetSpeed changes the cruising speed. Inside the zone the published
// advised speed stays at the zone limit.
func (c *Controller) SetTargetSpeed(ctx context.Context, kmh float64) error {
	return c.loop.Call(ctx, func() error {
		c.engine.SetTargetSpeed(kmh)
		s := c.Status()
		s.AdvisedSpeedKmh = c.engine.AdvisedSpeed()
		c.publish(s)
		return nil
	})
}

// Checkpoint saves the latest snapshot if a drive is running.
func (c *Controller) Checkpoint(ctx context.Context) error {
	return c.loop.Call(ctx, func() error {
		if c.engine.Phase() == simulator.Running {
			c.save(c.Status())
		}
		return nil
	})
}

func (c *Controller) Phase(ctx context.Context) (simulator.Phase, error) {
	var p simulator.Phase
	err := c.loop.Call(ctx, func() error {
		p = c.engine.Phase()
		return nil
	})
	return p, err
}

// Status returns the most recently published snapshot.
func (c *Controller) Status() simulator.Snapshot {
	return *c.status.Load()
}

// Events returns the event log, newest first.
func (c *Controller) Events() []simulator.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]simulator.Event, len(c.events))
	for i, e := range c.events {
		out[len(c.events)-1-i] = e
	}
	return out
}

func (c *Controller) Position() (types.Coordinate, bool) {
	p := c.position.Load()
	if p == nil {
		return types.Coordinate{}, false
	}
	return *p, true
}

func (c *Controller) Zone() (Zone, bool) {
	z := c.zone.Load()
	if z == nil {
		return Zone{}, false
	}
	return *z, true
}

// Route returns the planned route, or false before planning and after Reset.
func (c *Controller) Route() (PlannedRoute, bool) {
	r := c.route.Load()
	if r == nil {
		return PlannedRoute{}, false
	}
	return *r, true
}

// Completed is signalled each time a drive finishes.
func (c *Controller) Completed() <-chan struct{} {
	return c.completed
}

func (c *Controller) readySnapshot() simulator.Snapshot {
	return simulator.Snapshot{
		CurrentSpeedKmh: 0,
		AdvisedSpeedKmh: c.engine.AdvisedSpeed(),
		ZoneStatus:      simulator.ZoneNormal,
		DistanceKm:      0,
		ETA:             "--:--",
		Status:          StatusReady,
	}
}

func (c *Controller) publish(s simulator.Snapshot) {
	c.status.Store(&s)
}

func (c *Controller) save(s simulator.Snapshot) {
	if c.store == nil {
		return
	}
	p := &state.Progress{
		VehicleID: c.vehicleID,
		RouteName: c.routeName,
		TargetKmh: c.engine.State().TargetSpeedKmh,
		Snapshot:  s,
		UpdatedAt: c.now(),
	}
	if r := c.engine.Route(); r != nil {
		p.TotalKm = r.TotalKm()
	}
	if err := c.store.Save(c.vehicleID, p); err != nil {
		c.lg.Warn("Saving progress failed", slog.Any("error", err))
	}
}

func (c *Controller) info(msg string) {
	c.LogEvent(simulator.Event{Kind: simulator.Info, Message: msg, At: c.now()})
}

// UpdateStatus implements simulator.StatusSink.
func (c *Controller) UpdateStatus(s simulator.Snapshot) {
	c.publish(s)
	if s.Status == simulator.Completed.String() {
		c.save(s)
		select {
		case c.completed <- struct{}{}:
		default:
		}
	}
}

// LogEvent implements simulator.EventSink.
func (c *Controller) LogEvent(e simulator.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	if over := len(c.events) - c.maxEvents; over > 0 {
		c.events = append([]simulator.Event(nil), c.events[over:]...)
	}
	c.mu.Unlock()

	c.lg.Info(e.Message, slog.String("kind", e.Kind.String()))
	if c.journal != nil {
		c.journal.LogEvent(e)
	}
}

func (c *Controller) ShowZone(center types.Coordinate, radiusMeters float64) {
	c.zone.Store(&Zone{Center: center, RadiusMeters: radiusMeters})
	if c.telemetry != nil {
		c.telemetry.ShowZone(center, radiusMeters)
	}
}

func (c *Controller) PlaceVehicle(at types.Coordinate) {
	c.position.Store(&at)
	if c.telemetry != nil {
		c.telemetry.PlaceVehicle(at)
	}
}

func (c *Controller) MoveVehicle(at types.Coordinate) {
	c.position.Store(&at)
	if c.telemetry != nil {
		c.telemetry.MoveVehicle(at)
	}
}
