package slippy

import (
	"fmt"
	"math"
)

// Standard slippy-map constants
const (
	TileSize = 256 // Standard tile size in pixels (256x256)

	MinZoom = 0
	MaxZoom = 20

	MinLat = -85.051129 // Web Mercator limit
	MaxLat = 85.051129
	MinLon = -180.0
	MaxLon = 180.0
)

// TileCoord identifies a single map tile in the slippy-map tiling scheme.
// Immutable once computed.
type TileCoord struct {
	Z int `json:"z"`
	X int `json:"x"`
	Y int `json:"y"`
}

// Key returns the canonical storage key for the tile ("z/x/y.png").
// Identical coordinates always yield the identical key, which makes
// re-fetching idempotent.
func (t TileCoord) Key() string {
	return fmt.Sprintf("%d/%d/%d.png", t.Z, t.X, t.Y)
}

// String implements fmt.Stringer.
func (t TileCoord) String() string {
	return fmt.Sprintf("tile(z:%d, x:%d, y:%d)", t.Z, t.X, t.Y)
}

// Validate checks that the coordinate is inside the tile grid for its zoom.
func (t TileCoord) Validate() error {
	if t.Z < MinZoom || t.Z > MaxZoom {
		return fmt.Errorf("zoom %d out of range [%d, %d]", t.Z, MinZoom, MaxZoom)
	}
	maxTile := (1 << t.Z) - 1
	if t.X < 0 || t.X > maxTile {
		return fmt.Errorf("x %d out of range [0, %d] for zoom %d", t.X, maxTile, t.Z)
	}
	if t.Y < 0 || t.Y > maxTile {
		return fmt.Errorf("y %d out of range [0, %d] for zoom %d", t.Y, maxTile, t.Z)
	}
	return nil
}

// FromLonLat converts a longitude/latitude pair to the tile containing it
// at the given zoom, using the standard Web Mercator projection:
//
//	x = floor((lon+180)/360 * 2^z)
//	y = floor((1 - ln(tan(lat*pi/180) + 1/cos(lat*pi/180))/pi) / 2 * 2^z)
func FromLonLat(lon, lat float64, zoom int) TileCoord {
	n := math.Pow(2, float64(zoom))
	x := int(math.Floor((lon + 180.0) / 360.0 * n))
	latRad := lat * math.Pi / 180.0
	y := int(math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n))
	return TileCoord{Z: zoom, X: x, Y: y}
}

// ToLonLat converts tile coordinates back to the longitude/latitude of the
// tile's north-west corner.
func ToLonLat(t TileCoord) (lon, lat float64) {
	n := math.Pow(2, float64(t.Z))
	lon = float64(t.X)/n*360.0 - 180.0
	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2*float64(t.Y)/n)))
	lat = latRad * 180.0 / math.Pi
	return lon, lat
}

// BBox is a geographic bounding box in degrees.
type BBox struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// Validate checks if the bounding box is valid.
func (b BBox) Validate() error {
	if b.South > b.North {
		return fmt.Errorf("south (%f) must not exceed north (%f)", b.South, b.North)
	}
	if b.West > b.East {
		return fmt.Errorf("west (%f) must not exceed east (%f)", b.West, b.East)
	}
	if b.South < -90 || b.North > 90 {
		return fmt.Errorf("latitude out of range [-90, 90]: south=%f, north=%f", b.South, b.North)
	}
	if b.West < -180 || b.East > 180 {
		return fmt.Errorf("longitude out of range [-180, 180]: west=%f, east=%f", b.West, b.East)
	}
	return nil
}

// Cover enumerates every tile covering the bounding box at a single zoom
// level. The rectangle spans the corner tiles inclusively: the north-west
// corner gives the minimum x/y and the south-east corner the maximum.
func Cover(bbox BBox, zoom int) []TileCoord {
	nw := FromLonLat(bbox.West, bbox.North, zoom)
	se := FromLonLat(bbox.East, bbox.South, zoom)

	tiles := make([]TileCoord, 0, (se.X-nw.X+1)*(se.Y-nw.Y+1))
	for x := nw.X; x <= se.X; x++ {
		for y := nw.Y; y <= se.Y; y++ {
			tiles = append(tiles, TileCoord{Z: zoom, X: x, Y: y})
		}
	}
	return tiles
}

// CoverZooms enumerates the covering tiles for each of the given zoom
// levels, in zoom order.
func CoverZooms(bbox BBox, zooms []int) []TileCoord {
	var tiles []TileCoord
	for _, z := range zooms {
		tiles = append(tiles, Cover(bbox, z)...)
	}
	return tiles
}

// EstimateDownloadSize estimates the download size in MB for a tile count,
// assuming ~15KB per PNG street-map tile.
func EstimateDownloadSize(tileCount int) float64 {
	avgTileSizeKB := 15.0
	return float64(tileCount) * avgTileSizeKB / 1024.0
}
