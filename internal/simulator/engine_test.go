package simulator

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musthaq16/zone-drive-simulator/internal/route"
	"github.com/musthaq16/zone-drive-simulator/types"
)

const frame = 16 * time.Millisecond

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type pendingFrame struct {
	cb        func()
	cancelled bool
}

func (f *pendingFrame) Cancel() { f.cancelled = true }

// manualScheduler queues frames until fire is called.
type manualScheduler struct {
	pending []*pendingFrame
}

func (s *manualScheduler) ScheduleNextTick(cb func()) Handle {
	f := &pendingFrame{cb: cb}
	s.pending = append(s.pending, f)
	return f
}

func (s *manualScheduler) live() int {
	n := 0
	for _, f := range s.pending {
		if !f.cancelled {
			n++
		}
	}
	return n
}

func (s *manualScheduler) fire() int {
	q := s.pending
	s.pending = nil
	n := 0
	for _, f := range q {
		if !f.cancelled {
			f.cb()
			n++
		}
	}
	return n
}

type recorder struct {
	snapshots []Snapshot
	events    []Event
	zones     []types.Coordinate
	radii     []float64
	placed    []types.Coordinate
	moved     []types.Coordinate
}

func (r *recorder) UpdateStatus(s Snapshot) { r.snapshots = append(r.snapshots, s) }
func (r *recorder) LogEvent(e Event)        { r.events = append(r.events, e) }

func (r *recorder) ShowZone(c types.Coordinate, radius float64) {
	r.zones = append(r.zones, c)
	r.radii = append(r.radii, radius)
}

func (r *recorder) PlaceVehicle(c types.Coordinate) { r.placed = append(r.placed, c) }
func (r *recorder) MoveVehicle(c types.Coordinate)  { r.moved = append(r.moved, c) }

func (r *recorder) count(kind EventKind) int {
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) last() Snapshot {
	return r.snapshots[len(r.snapshots)-1]
}

type harness struct {
	e     *Engine
	clock *fakeClock
	sched *manualScheduler
	rec   *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock: &fakeClock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)},
		sched: &manualScheduler{},
		rec:   &recorder{},
	}
	sinks := Sinks{Renderer: h.rec, Status: h.rec, Events: h.rec}
	h.e = New(DefaultConfig(), sinks, h.sched, WithClock(h.clock.Now))
	return h
}

// step advances the clock by d and fires pending frames.
func (h *harness) step(d time.Duration) int {
	h.clock.Advance(d)
	return h.sched.fire()
}

// runUntilIdle steps until no frame is pending or max ticks have run.
func (h *harness) runUntilIdle(d time.Duration, max int) int {
	n := 0
	for n < max && h.sched.live() > 0 {
		n += h.step(d)
	}
	return n
}

func mustRoute(t *testing.T, pts []types.Coordinate, km float64) *route.Route {
	t.Helper()
	r, err := route.New(pts, km)
	require.NoError(t, err)
	return r
}

func scenarioRoute(t *testing.T) *route.Route {
	return mustRoute(t, []types.Coordinate{
		{Lat: 17.0, Lon: 78.0},
		{Lat: 17.1, Lon: 78.1},
		{Lat: 17.2, Lon: 78.2},
	}, 10)
}

func TestScenarioRunCompletes(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.SetRoute(scenarioRoute(t)))
	require.NoError(t, h.e.Start())

	ticks := h.runUntilIdle(frame, 1000)
	assert.Less(t, time.Duration(ticks)*frame, time.Second)

	st := h.e.State()
	assert.Equal(t, Completed, st.Phase)
	assert.Equal(t, 2.0, st.PositionIndex)

	final := h.rec.last()
	assert.Equal(t, 0.0, final.CurrentSpeedKmh)
	assert.InDelta(t, 10.0, final.DistanceKm, 1e-9)
	assert.Equal(t, "00:00", final.ETA)
	assert.Equal(t, "Completed", final.Status)
	assert.Equal(t, ZoneCompleted, final.ZoneStatus)
	assert.Equal(t, 50.0, final.AdvisedSpeedKmh)

	// The vehicle passes through the zone once on the way.
	assert.Equal(t, 1, h.rec.count(ZoneEntered))
	assert.Equal(t, 1, h.rec.count(ZoneExited))
	assert.Equal(t, 1, h.rec.count(CompletedEvent))

	// No more ticks after completion.
	assert.Equal(t, 0, h.sched.live())
	before := len(h.rec.snapshots)
	h.e.Tick()
	assert.Len(t, h.rec.snapshots, before)
}

func TestMovementScalesWithElapsedTime(t *testing.T) {
	h := newHarness(t)
	r := mustRoute(t, []types.Coordinate{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 1}, {Lat: 0, Lon: 2}, {Lat: 0, Lon: 3}}, 300)
	require.NoError(t, h.e.SetRoute(r))
	require.NoError(t, h.e.Start())

	h.step(time.Second)
	// One tick of one second at 0.3 km/h: 0.5 * (0.3/50) * 1 * 60.
	assert.InDelta(t, 0.18, h.e.State().PositionIndex, 1e-9)
}

func TestSpeedSmoothingBound(t *testing.T) {
	h := newHarness(t)
	pts := make([]types.Coordinate, 2000)
	for i := range pts {
		pts[i] = types.Coordinate{Lat: 0, Lon: float64(i) * 0.001}
	}
	require.NoError(t, h.e.SetRoute(mustRoute(t, pts, 222)))
	require.NoError(t, h.e.Start())

	prev := h.e.State().CurrentSpeedKmh
	for i := 0; i < 400; i++ {
		if i == 200 {
			h.e.SetTargetSpeed(20)
		}
		require.Equal(t, 1, h.step(frame))
		cur := h.e.State().CurrentSpeedKmh
		assert.LessOrEqual(t, math.Abs(cur-prev), 0.3+1e-9, "tick %d", i)
		prev = cur
	}
	assert.Equal(t, 20.0, h.e.State().CurrentSpeedKmh)
	assert.False(t, h.e.State().InZone)
}

func TestSmoothingIsPerTickNotPerSecond(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.SetRoute(scenarioRoute(t)))
	require.NoError(t, h.e.Start())

	// A long frame still only gains one acceleration step.
	h.step(100 * time.Millisecond)
	assert.InDelta(t, 0.3, h.e.State().CurrentSpeedKmh, 1e-12)
}

func TestApproach(t *testing.T) {
	assert.Equal(t, 0.3, approach(0, 50, 0.3))
	assert.Equal(t, 50.0, approach(49.9, 50, 0.3))
	assert.Equal(t, 49.7, approach(50, 20, 0.3))
	assert.Equal(t, 30.0, approach(30.1, 30, 0.3))
	assert.Equal(t, 30.0, approach(30, 30, 0.3))
}

func TestZoneCenterForcesZoneSpeed(t *testing.T) {
	h := newHarness(t)
	center := types.Coordinate{Lat: 17.1, Lon: 78.1}
	// With three points the zone center is points[1], which is also the start.
	r := mustRoute(t, []types.Coordinate{center, center, {Lat: 17.2, Lon: 78.2}}, 10)
	require.NoError(t, h.e.SetRoute(r))
	h.e.SetTargetSpeed(80)
	require.NoError(t, h.e.Start())

	h.step(frame)
	require.NotEmpty(t, h.rec.snapshots)
	snap := h.rec.last()
	assert.True(t, h.e.State().InZone)
	assert.Equal(t, 30.0, snap.AdvisedSpeedKmh)
	assert.Equal(t, ZoneSchool, snap.ZoneStatus)
	assert.Equal(t, 30.0, h.e.AdvisedSpeed())
	assert.Equal(t, 1, h.rec.count(ZoneEntered))

	// Staying inside emits nothing new.
	h.step(frame)
	h.step(frame)
	assert.Equal(t, 1, h.rec.count(ZoneEntered))
	assert.Equal(t, 0, h.rec.count(ZoneExited))
}

func TestSinglePointRouteCompletesImmediately(t *testing.T) {
	h := newHarness(t)
	r := mustRoute(t, []types.Coordinate{{Lat: 17, Lon: 78}}, 0)
	require.NoError(t, h.e.SetRoute(r))
	require.NoError(t, h.e.Start())

	assert.Equal(t, 1, h.step(0))
	assert.Equal(t, Completed, h.e.Phase())
	assert.Equal(t, 0, h.sched.live())

	final := h.rec.last()
	assert.Equal(t, "00:00", final.ETA)
	assert.Equal(t, 0.0, final.DistanceKm)
	assert.False(t, math.IsNaN(h.e.State().PositionIndex))
}

func TestZeroDistanceRouteHasNoNaN(t *testing.T) {
	h := newHarness(t)
	r := mustRoute(t, []types.Coordinate{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 1}, {Lat: 0, Lon: 2}}, 0)
	require.NoError(t, h.e.SetRoute(r))
	require.NoError(t, h.e.Start())

	h.step(frame)
	h.step(frame)
	snap := h.rec.last()
	assert.Equal(t, "00:00", snap.ETA)
	assert.Equal(t, 0.0, snap.DistanceKm)
}

func TestFirstTickAtStartTimeHasZeroETA(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.SetRoute(scenarioRoute(t)))
	require.NoError(t, h.e.Start())

	// Zero elapsed time: the average speed guard kicks in.
	h.step(0)
	assert.Equal(t, "00:00", h.rec.last().ETA)
	assert.Equal(t, "Running", h.rec.last().Status)
}

func TestTraveledDistanceUsesPointCount(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.SetRoute(scenarioRoute(t)))
	require.NoError(t, h.e.Start())

	for i := 0; i < 20; i++ {
		h.step(frame)
	}
	st := h.e.State()
	require.Equal(t, Running, st.Phase)
	assert.InDelta(t, st.PositionIndex/3*10, st.TraveledKm, 1e-12)
	assert.InDelta(t, math.Round(st.TraveledKm*100)/100, h.rec.last().DistanceKm, 1e-12)
}

func TestETAFromAverageSpeed(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.SetRoute(scenarioRoute(t)))
	require.NoError(t, h.e.Start())

	for i := 0; i < 10; i++ {
		h.step(frame)
	}
	st := h.e.State()
	elapsed := st.LastTick.Sub(st.StartedAt)
	avg := st.TraveledKm / elapsed.Hours()
	want := FormatETA((10 - st.TraveledKm) / avg * 60)
	assert.Equal(t, want, h.rec.last().ETA)
}

func TestPauseCancelsAndResumeRestampsClock(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.SetRoute(scenarioRoute(t)))
	require.NoError(t, h.e.Start())
	for i := 0; i < 5; i++ {
		h.step(frame)
	}

	h.e.Pause()
	assert.Equal(t, Paused, h.e.Phase())
	assert.Equal(t, 0, h.sched.live())
	paused := h.e.State()

	// A stray tick while paused changes nothing.
	h.clock.Advance(time.Hour)
	h.e.Tick()
	assert.Equal(t, paused, h.e.State())

	h.e.Resume()
	assert.Equal(t, Running, h.e.Phase())
	assert.Equal(t, h.clock.Now(), h.e.State().LastTick)
	assert.Equal(t, 1, h.sched.live())

	h.step(frame)
	moved := h.e.State().PositionIndex - paused.PositionIndex
	assert.Greater(t, moved, 0.0)
	assert.Less(t, moved, 0.1)

	assert.Equal(t, 1, h.rec.count(PausedEvent))
	assert.Equal(t, 1, h.rec.count(Resumed))
}

func TestInvalidControlsAreNoOps(t *testing.T) {
	h := newHarness(t)
	h.e.Pause()
	h.e.Resume()
	assert.Equal(t, Idle, h.e.Phase())
	assert.Empty(t, h.rec.events)

	require.NoError(t, h.e.SetRoute(scenarioRoute(t)))
	require.NoError(t, h.e.Start())
	h.e.Resume()
	require.NoError(t, h.e.Start())
	assert.Equal(t, Running, h.e.Phase())
	assert.Equal(t, 1, h.rec.count(Started))
	assert.Equal(t, 0, h.rec.count(Resumed))
	assert.Equal(t, 1, h.sched.live())
}

func TestStartGuards(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.e.Start(), ErrNoRoute)
	assert.ErrorIs(t, h.e.SetRoute(nil), ErrNoRoute)

	require.NoError(t, h.e.SetRoute(scenarioRoute(t)))
	require.NoError(t, h.e.Start())
	h.runUntilIdle(frame, 1000)
	require.Equal(t, Completed, h.e.Phase())

	assert.ErrorIs(t, h.e.Start(), ErrRunCompleted)
	assert.Equal(t, Completed, h.e.Phase())

	// A fresh route rearms the engine.
	require.NoError(t, h.e.SetRoute(scenarioRoute(t)))
	assert.Equal(t, Completed, h.e.Phase())
	require.NoError(t, h.e.Start())
	assert.Equal(t, Running, h.e.Phase())
}

func TestStartAfterResetFromCompleted(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.SetRoute(scenarioRoute(t)))
	require.NoError(t, h.e.Start())
	h.runUntilIdle(frame, 1000)

	h.e.Reset()
	require.NoError(t, h.e.Start())
	assert.Equal(t, Running, h.e.Phase())
	assert.Equal(t, 0.0, h.e.State().PositionIndex)
}

func TestStartPlacesVehicleAtFirstPoint(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.SetRoute(scenarioRoute(t)))
	require.NoError(t, h.e.Start())
	require.Len(t, h.rec.placed, 1)
	assert.Equal(t, types.Coordinate{Lat: 17.0, Lon: 78.0}, h.rec.placed[0])
	assert.Equal(t, h.clock.Now(), h.e.State().StartedAt)

	h.step(frame)
	require.Len(t, h.rec.moved, 1)
	assert.Equal(t, types.Coordinate{Lat: 17.0, Lon: 78.0}, h.rec.moved[0])
}

func TestResetIdempotent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.SetRoute(scenarioRoute(t)))
	require.NoError(t, h.e.Start())
	for i := 0; i < 28; i++ {
		h.step(frame)
	}

	h.e.Reset()
	once := h.e.State()
	h.e.Reset()
	assert.Equal(t, once, h.e.State())

	assert.Equal(t, Idle, once.Phase)
	assert.Equal(t, 0.0, once.PositionIndex)
	assert.Equal(t, 0.0, once.TraveledKm)
	assert.Equal(t, 0.0, once.CurrentSpeedKmh)
	assert.False(t, once.InZone)
	assert.Equal(t, 0, h.sched.live())
}

func TestSetRouteRearms(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.SetRoute(scenarioRoute(t)))
	h.e.SetTargetSpeed(70)
	require.NoError(t, h.e.Start())
	for i := 0; i < 10; i++ {
		h.step(frame)
	}
	require.Greater(t, h.e.State().PositionIndex, 0.0)

	r := mustRoute(t, []types.Coordinate{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}}, 5)
	require.NoError(t, h.e.SetRoute(r))
	st := h.e.State()
	assert.Equal(t, 0.0, st.PositionIndex)
	assert.Equal(t, 0.0, st.TraveledKm)
	assert.Equal(t, 0.0, st.CurrentSpeedKmh)
	assert.Equal(t, Running, st.Phase)
	assert.Equal(t, 70.0, st.TargetSpeedKmh)

	require.Len(t, h.rec.zones, 2)
	assert.Equal(t, types.Coordinate{Lat: 2, Lon: 2}, h.rec.zones[1])
	assert.Equal(t, 1500.0, h.rec.radii[1])
}

func TestNegativeDeltaMovesBackward(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.SetRoute(scenarioRoute(t)))
	require.NoError(t, h.e.Start())
	for i := 0; i < 10; i++ {
		h.step(frame)
	}
	before := h.e.State().PositionIndex

	h.step(-frame)
	assert.Less(t, h.e.State().PositionIndex, before)
}

func TestTargetSpeedTakesEffectNextTick(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.SetRoute(scenarioRoute(t)))
	require.NoError(t, h.e.Start())
	h.step(frame)

	h.e.SetTargetSpeed(65)
	assert.Equal(t, 65.0, h.e.AdvisedSpeed())
	assert.Equal(t, 50.0, h.rec.last().AdvisedSpeedKmh)
	h.step(frame)
	assert.Equal(t, 65.0, h.rec.last().AdvisedSpeedKmh)
}

func TestFormatETA(t *testing.T) {
	tests := []struct {
		minutes float64
		want    string
	}{
		{0, "00:00"},
		{1.5, "01:30"},
		{12.999, "12:59"},
		{75.25, "75:15"},
		{0.01, "00:00"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, FormatETA(tc.minutes), "%v", tc.minutes)
	}
}

func TestPhaseAndEventKindText(t *testing.T) {
	assert.Equal(t, "Paused", Paused.String())
	b, err := Completed.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "Completed", string(b))

	var k EventKind
	require.NoError(t, k.UnmarshalText([]byte("zone_exited")))
	assert.Equal(t, ZoneExited, k)
	assert.Error(t, k.UnmarshalText([]byte("bogus")))
}
