package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/musthaq16/zone-drive-simulator/types"
)

func TestDistanceSamePointIsZero(t *testing.T) {
	for _, c := range []types.Coordinate{
		{Lat: 0, Lon: 0},
		{Lat: 17.4474, Lon: 78.3762},
		{Lat: -33.8688, Lon: 151.2093},
		{Lat: 90, Lon: 0},
	} {
		assert.Equal(t, 0.0, Distance(c, c), "%v", c)
	}
}

func TestDistanceSymmetric(t *testing.T) {
	pairs := [][2]types.Coordinate{
		{{Lat: 17.4474, Lon: 78.3762}, {Lat: 17.3850, Lon: 78.4867}},
		{{Lat: 51.5007, Lon: -0.1246}, {Lat: 40.6892, Lon: -74.0445}},
		{{Lat: -10, Lon: 179.5}, {Lat: 10, Lon: -179.5}},
	}
	for _, p := range pairs {
		assert.Equal(t, Distance(p[0], p[1]), Distance(p[1], p[0]))
	}
}

func TestDistanceKnownValues(t *testing.T) {
	// One degree of longitude on the equator.
	d := Distance(types.Coordinate{Lat: 0, Lon: 0}, types.Coordinate{Lat: 0, Lon: 1})
	assert.InDelta(t, 111194.9, d, 1)

	// HITEC City to Charminar, Hyderabad.
	d = Distance(types.Coordinate{Lat: 17.4474, Lon: 78.3762}, types.Coordinate{Lat: 17.3850, Lon: 78.4867})
	assert.InDelta(t, 13623, d, 1)
}
