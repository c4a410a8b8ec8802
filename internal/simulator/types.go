package simulator

import (
	"fmt"
	"time"

	"github.com/musthaq16/zone-drive-simulator/types"
)

// Phase is the run state of the engine.
type Phase int

const (
	Idle Phase = iota
	Running
	Paused
	Completed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	case Completed:
		return "Completed"
	default:
		return "Unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Zone labels reported in Snapshot.ZoneStatus.
const (
	ZoneNormal    = "Normal"
	ZoneSchool    = "School Zone"
	ZoneCompleted = "Completed"
)

// Snapshot is the status payload emitted at the end of each tick.
type Snapshot struct {
	CurrentSpeedKmh float64 `json:"current_speed"`
	AdvisedSpeedKmh float64 `json:"advised_speed"`
	ZoneStatus      string  `json:"zone_status"`
	DistanceKm      float64 `json:"distance"`
	ETA             string  `json:"eta"`
	Status          string  `json:"sim_status"`
}

// RunState is the mutable part of the engine. State returns a copy.
type RunState struct {
	PositionIndex   float64
	CurrentSpeedKmh float64
	TargetSpeedKmh  float64
	TraveledKm      float64
	Phase           Phase
	InZone          bool
	StartedAt       time.Time
	LastTick        time.Time
}

type EventKind int

const (
	ZoneEntered EventKind = iota
	ZoneExited
	Started
	PausedEvent
	Resumed
	CompletedEvent
	ResetEvent
	// Info is used by callers outside the engine for free-form entries.
	Info
)

func (k EventKind) String() string {
	switch k {
	case ZoneEntered:
		return "zone_entered"
	case ZoneExited:
		return "zone_exited"
	case Started:
		return "started"
	case PausedEvent:
		return "paused"
	case Resumed:
		return "resumed"
	case CompletedEvent:
		return "completed"
	case ResetEvent:
		return "reset"
	case Info:
		return "info"
	default:
		return "unknown"
	}
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *EventKind) UnmarshalText(b []byte) error {
	for c := ZoneEntered; c <= Info; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("%s: unknown event kind", string(b))
}

// Event is a discrete entry for the event log.
type Event struct {
	Kind    EventKind `json:"kind" msgpack:"kind"`
	Message string    `json:"message" msgpack:"message"`
	At      time.Time `json:"at" msgpack:"at"`
}

// Renderer receives zone and vehicle placement. Calls are fire-and-forget.
type Renderer interface {
	ShowZone(center types.Coordinate, radiusMeters float64)
	PlaceVehicle(at types.Coordinate)
	MoveVehicle(at types.Coordinate)
}

type StatusSink interface {
	UpdateStatus(Snapshot)
}

type EventSink interface {
	LogEvent(Event)
}

// Handle is a pending frame request.
type Handle interface {
	Cancel()
}

// Scheduler runs cb once, roughly at the next display refresh.
type Scheduler interface {
	ScheduleNextTick(cb func()) Handle
}

// Sinks groups the collaborators the engine reports to. Nil fields are skipped.
type Sinks struct {
	Renderer Renderer
	Status   StatusSink
	Events   EventSink
}
