// Package route holds the immutable path a simulated vehicle drives along.
package route

import (
	"errors"
	"math"

	"github.com/musthaq16/zone-drive-simulator/types"
)

var ErrEmpty = errors.New("route has no points")

// Route is an ordered list of coordinates plus the externally supplied
// total distance. The zone center is fixed when the route is built.
type Route struct {
	points     []types.Coordinate
	totalKm    float64
	zoneCenter types.Coordinate
}

// New copies points and derives the zone center from the middle point.
// totalKm is trusted as given; it is not recomputed from the segments.
func New(points []types.Coordinate, totalKm float64) (*Route, error) {
	if len(points) == 0 {
		return nil, ErrEmpty
	}
	pts := make([]types.Coordinate, len(points))
	copy(pts, points)

	return &Route{
		points:     pts,
		totalKm:    totalKm,
		zoneCenter: pts[len(pts)/2],
	}, nil
}

func (r *Route) Points() []types.Coordinate {
	pts := make([]types.Coordinate, len(r.points))
	copy(pts, r.points)
	return pts
}

func (r *Route) Len() int                     { return len(r.points) }
func (r *Route) LastIndex() int               { return len(r.points) - 1 }
func (r *Route) TotalKm() float64             { return r.totalKm }
func (r *Route) ZoneCenter() types.Coordinate { return r.zoneCenter }
func (r *Route) First() types.Coordinate      { return r.points[0] }

// Interpolate blends linearly between the two points around cursor. Latitude
// and longitude are blended independently; this is planar, not geodesic.
func (r *Route) Interpolate(cursor float64) types.Coordinate {
	i := int(math.Floor(cursor))
	if i < 0 {
		i = 0
	}
	if i > r.LastIndex() {
		i = r.LastIndex()
	}
	j := min(i+1, r.LastIndex())
	frac := cursor - float64(i)

	a, b := r.points[i], r.points[j]
	return types.Coordinate{
		Lat: a.Lat + (b.Lat-a.Lat)*frac,
		Lon: a.Lon + (b.Lon-a.Lon)*frac,
	}
}
