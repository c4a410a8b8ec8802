// Package simulator drives a vehicle along a route one frame at a time. It
// slows the vehicle inside a fixed-radius zone around the route midpoint,
// smooths speed changes and estimates the remaining time.
//
// An Engine is not safe for concurrent use. Every method, including the
// tick callbacks handed to the Scheduler, must run on the same goroutine.
package simulator

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/musthaq16/zone-drive-simulator/internal/geo"
	"github.com/musthaq16/zone-drive-simulator/internal/route"
)

var (
	ErrNoRoute      = errors.New("no route set")
	ErrRunCompleted = errors.New("run completed; set a new route before starting again")
)

// Config holds the tuning constants of the simulation.
type Config struct {
	ZoneRadiusMeters      float64
	ZoneSpeedKmh          float64
	AccelerationPerTick   float64 // km/h per tick, not per second
	DefaultTargetSpeedKmh float64
	ReferenceSpeedKmh     float64
	BaseStep              float64 // index units per reference frame at reference speed
	ReferenceFrameRate    float64
}

func DefaultConfig() Config {
	return Config{
		ZoneRadiusMeters:      1500,
		ZoneSpeedKmh:          30,
		AccelerationPerTick:   0.3,
		DefaultTargetSpeedKmh: 50,
		ReferenceSpeedKmh:     50,
		BaseStep:              0.5,
		ReferenceFrameRate:    60,
	}
}

type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type Engine struct {
	cfg   Config
	sinks Sinks
	sched Scheduler
	now   func() time.Time

	route *route.Route
	armed bool // a route has been set since the last completion
	state RunState
	frame Handle
}

func New(cfg Config, sinks Sinks, sched Scheduler, opts ...Option) *Engine {
	e := &Engine{
		cfg:   cfg,
		sinks: sinks,
		sched: sched,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.state.TargetSpeedKmh = cfg.DefaultTargetSpeedKmh
	return e
}

func (e *Engine) State() RunState     { return e.state }
func (e *Engine) Route() *route.Route { return e.route }
func (e *Engine) Config() Config      { return e.cfg }
func (e *Engine) Phase() Phase        { return e.state.Phase }

// AdvisedSpeed is the speed the engine currently steers toward.
func (e *Engine) AdvisedSpeed() float64 {
	if e.state.InZone {
		return e.cfg.ZoneSpeedKmh
	}
	return e.state.TargetSpeedKmh
}

// SetRoute installs r and rearms the engine at the start of the route. The
// run phase and target speed are kept.
func (e *Engine) SetRoute(r *route.Route) error {
	if r == nil || r.Len() == 0 {
		return ErrNoRoute
	}
	e.route = r
	e.armed = true
	e.state.PositionIndex = 0
	e.state.TraveledKm = 0
	e.state.CurrentSpeedKmh = 0

	if e.sinks.Renderer != nil {
		e.sinks.Renderer.ShowZone(r.ZoneCenter(), e.cfg.ZoneRadiusMeters)
	}
	return nil
}

func (e *Engine) SetTargetSpeed(kmh float64) {
	e.state.TargetSpeedKmh = kmh
}

// Start begins a run. It is a no-op while a run is active.
func (e *Engine) Start() error {
	switch e.state.Phase {
	case Running, Paused:
		return nil
	case Completed:
		if !e.armed {
			return ErrRunCompleted
		}
	}
	if e.route == nil {
		return ErrNoRoute
	}

	now := e.now()
	e.state.Phase = Running
	e.state.StartedAt = now
	e.state.LastTick = now

	if e.sinks.Renderer != nil {
		e.sinks.Renderer.PlaceVehicle(e.route.First())
	}
	e.emit(Started, "Simulation started")
	e.schedule()
	return nil
}

func (e *Engine) Pause() {
	if e.state.Phase != Running {
		return
	}
	e.state.Phase = Paused
	e.cancel()
	e.emit(PausedEvent, "Simulation paused")
}

func (e *Engine) Resume() {
	if e.state.Phase != Paused {
		return
	}
	e.state.Phase = Running
	e.state.LastTick = e.now()
	e.emit(Resumed, "Simulation resumed")
	e.schedule()
}

// Reset stops any run and returns the engine to Idle at the route start.
func (e *Engine) Reset() {
	e.stop(Idle)
	e.state.PositionIndex = 0
	e.state.TraveledKm = 0
	e.state.CurrentSpeedKmh = 0
	e.state.InZone = false
	e.emit(ResetEvent, "Simulation reset")
}

func (e *Engine) stop(next Phase) {
	e.state.Phase = next
	e.cancel()
}

func (e *Engine) cancel() {
	if e.frame != nil {
		e.frame.Cancel()
		e.frame = nil
	}
}

func (e *Engine) schedule() {
	if e.sched == nil {
		return
	}
	e.frame = e.sched.ScheduleNextTick(e.Tick)
}

// Tick advances the simulation by one frame. It does nothing unless the
// engine is running.
func (e *Engine) Tick() {
	if e.state.Phase != Running {
		return
	}
	e.frame = nil

	// A clock running backwards yields a negative delta and moves the
	// vehicle back; that is accepted.
	now := e.now()
	dt := now.Sub(e.state.LastTick).Seconds()
	e.state.LastTick = now

	pos := e.route.Interpolate(e.state.PositionIndex)

	wasInZone := e.state.InZone
	e.state.InZone = geo.Distance(pos, e.route.ZoneCenter()) <= e.cfg.ZoneRadiusMeters
	switch {
	case e.state.InZone && !wasInZone:
		e.emit(ZoneEntered, fmt.Sprintf("Entered school zone - Speed limited to %g km/h", e.cfg.ZoneSpeedKmh))
	case !e.state.InZone && wasInZone:
		e.emit(ZoneExited, "Exited school zone - Normal speed resumed")
	}

	advised := e.AdvisedSpeed()
	e.state.CurrentSpeedKmh = approach(e.state.CurrentSpeedKmh, advised, e.cfg.AccelerationPerTick)

	speedFactor := e.state.CurrentSpeedKmh / e.cfg.ReferenceSpeedKmh
	e.state.PositionIndex += e.cfg.BaseStep * speedFactor * dt * e.cfg.ReferenceFrameRate

	last := float64(e.route.LastIndex())
	if e.state.PositionIndex >= last {
		e.state.PositionIndex = last
		e.stop(Completed)
		e.armed = false
		e.emit(CompletedEvent, "Simulation completed")
		e.publish(Snapshot{
			CurrentSpeedKmh: 0,
			AdvisedSpeedKmh: e.state.TargetSpeedKmh,
			ZoneStatus:      ZoneCompleted,
			DistanceKm:      e.route.TotalKm(),
			ETA:             "00:00",
			Status:          Completed.String(),
		})
		return
	}

	if e.sinks.Renderer != nil {
		e.sinks.Renderer.MoveVehicle(pos)
	}

	// Point count, not segment count, is the denominator.
	total := e.route.TotalKm()
	e.state.TraveledKm = e.state.PositionIndex / float64(e.route.Len()) * total

	etaMinutes := 0.0
	if avg := averageSpeedKmh(e.state.TraveledKm, now.Sub(e.state.StartedAt)); avg > 0 {
		etaMinutes = (total - e.state.TraveledKm) / avg * 60
	}

	zone := ZoneNormal
	if e.state.InZone {
		zone = ZoneSchool
	}
	e.publish(Snapshot{
		CurrentSpeedKmh: math.Round(e.state.CurrentSpeedKmh),
		AdvisedSpeedKmh: advised,
		ZoneStatus:      zone,
		DistanceKm:      math.Round(e.state.TraveledKm*100) / 100,
		ETA:             FormatETA(etaMinutes),
		Status:          Running.String(),
	})

	e.schedule()
}

// approach moves v toward target by at most step.
func approach(v, target, step float64) float64 {
	switch {
	case v < target:
		return math.Min(target, v+step)
	case v > target:
		return math.Max(target, v-step)
	default:
		return v
	}
}

func averageSpeedKmh(km float64, elapsed time.Duration) float64 {
	hours := elapsed.Hours()
	if hours == 0 || km == 0 {
		return 0
	}
	return km / hours
}

// FormatETA renders minutes as MM:SS, flooring both fields.
func FormatETA(minutes float64) string {
	mins := math.Floor(minutes)
	secs := math.Floor((minutes - mins) * 60)
	return fmt.Sprintf("%02d:%02d", int(mins), int(secs))
}

func (e *Engine) emit(kind EventKind, msg string) {
	if e.sinks.Events != nil {
		e.sinks.Events.LogEvent(Event{Kind: kind, Message: msg, At: e.now()})
	}
}

func (e *Engine) publish(s Snapshot) {
	if e.sinks.Status != nil {
		e.sinks.Status.UpdateStatus(s)
	}
}
