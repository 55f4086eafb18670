package slippy

import (
	"fmt"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromLonLat(t *testing.T) {
	tests := []struct {
		lon, lat float64
		zoom     int
		wantX    int
		wantY    int
	}{
		{121.0, 24.0, 15, 27397, 14132},
		{121.0, 24.0, 16, 54795, 28265},
		{8.404, 49.014, 17, 68595, 45005},
		{-0.1276, 51.5072, 10, 511, 340},
		{121.539, 25.171, 15, 27446, 14015},
		{120.957, 23.47, 16, 54787, 28370},
		{0, 0, 0, 0, 0},
	}

	for _, tt := range tests {
		got := FromLonLat(tt.lon, tt.lat, tt.zoom)
		assert.Equal(t, tt.wantX, got.X, "x for (%f, %f) z%d", tt.lon, tt.lat, tt.zoom)
		assert.Equal(t, tt.wantY, got.Y, "y for (%f, %f) z%d", tt.lon, tt.lat, tt.zoom)
		assert.Equal(t, tt.zoom, got.Z)
	}
}

// FromLonLat must agree bit-for-bit with the reference implementation in
// orb/maptile for any in-range coordinate.
func TestFromLonLatMatchesMaptile(t *testing.T) {
	for _, zoom := range []int{5, 10, 15, 16, 18} {
		for lon := -179.5; lon < 180; lon += 23.7 {
			for lat := -84.5; lat < 85; lat += 11.3 {
				got := FromLonLat(lon, lat, zoom)
				want := maptile.At(orb.Point{lon, lat}, maptile.Zoom(zoom))
				require.Equal(t, int(want.X), got.X, "x mismatch at (%f, %f) z%d", lon, lat, zoom)
				require.Equal(t, int(want.Y), got.Y, "y mismatch at (%f, %f) z%d", lon, lat, zoom)
			}
		}
	}
}

func TestTileKey(t *testing.T) {
	tile := TileCoord{Z: 15, X: 27397, Y: 14132}
	assert.Equal(t, "15/27397/14132.png", tile.Key())

	// Identical coordinates always produce the identical key.
	assert.Equal(t, tile.Key(), TileCoord{Z: 15, X: 27397, Y: 14132}.Key())
}

func TestCover(t *testing.T) {
	bbox := BBox{South: 24.139, West: 120.905, North: 24.165, East: 120.932}
	require.NoError(t, bbox.Validate())

	tiles := Cover(bbox, 15)

	// The north-west and south-east corners pin down the rectangle.
	nw := FromLonLat(bbox.West, bbox.North, 15)
	se := FromLonLat(bbox.East, bbox.South, 15)
	assert.Equal(t, TileCoord{Z: 15, X: 27389, Y: 14116}, nw)
	assert.Equal(t, TileCoord{Z: 15, X: 27391, Y: 14118}, se)

	// Full inclusive rectangle: 3 columns x 3 rows.
	require.Len(t, tiles, 9)
	seen := make(map[string]bool, len(tiles))
	for _, tile := range tiles {
		seen[tile.Key()] = true
	}
	for x := nw.X; x <= se.X; x++ {
		for y := nw.Y; y <= se.Y; y++ {
			assert.True(t, seen[fmt.Sprintf("15/%d/%d.png", x, y)], "missing tile %d/%d", x, y)
		}
	}
}

func TestCoverZooms(t *testing.T) {
	bbox := BBox{South: 24.139, West: 120.905, North: 24.165, East: 120.932}

	tiles := CoverZooms(bbox, []int{15, 16})
	require.NotEmpty(t, tiles)

	var z15, z16 int
	for _, tile := range tiles {
		switch tile.Z {
		case 15:
			z15++
		case 16:
			z16++
		default:
			t.Fatalf("unexpected zoom %d", tile.Z)
		}
	}
	assert.Equal(t, len(Cover(bbox, 15)), z15)
	assert.Equal(t, len(Cover(bbox, 16)), z16)
}

func TestBBoxValidate(t *testing.T) {
	assert.NoError(t, BBox{South: 1, West: 1, North: 2, East: 2}.Validate())
	assert.Error(t, BBox{South: 2, West: 1, North: 1, East: 2}.Validate())
	assert.Error(t, BBox{South: 1, West: 2, North: 2, East: 1}.Validate())
	assert.Error(t, BBox{South: -91, West: 1, North: 2, East: 2}.Validate())
	assert.Error(t, BBox{South: 1, West: -181, North: 2, East: 2}.Validate())
}

func TestTileCoordValidate(t *testing.T) {
	assert.NoError(t, TileCoord{Z: 15, X: 27397, Y: 14132}.Validate())
	assert.Error(t, TileCoord{Z: 25, X: 0, Y: 0}.Validate())
	assert.Error(t, TileCoord{Z: 3, X: 8, Y: 0}.Validate())
	assert.Error(t, TileCoord{Z: 3, X: 0, Y: -1}.Validate())
}
