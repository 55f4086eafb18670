// Package gpx extracts the geographic extent of an uploaded GPX track.
package gpx

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	gpxgo "github.com/tkrajina/gpxgo/gpx"

	"trailgate/internal/slippy"
)

// ErrNoTrackPoints is returned for a GPX document without any track points.
// A min/max over an empty point set is undefined, so this is rejected up
// front instead of propagating garbage coordinates.
var ErrNoTrackPoints = errors.New("gpx document contains no track points")

// Bounds parses a GPX document and returns the bounding box enclosing all
// of its track points.
func Bounds(data []byte) (slippy.BBox, error) {
	doc, err := gpxgo.ParseBytes(data)
	if err != nil {
		return slippy.BBox{}, fmt.Errorf("failed to parse gpx: %w", err)
	}

	var points orb.MultiPoint
	for _, track := range doc.Tracks {
		for _, segment := range track.Segments {
			for _, p := range segment.Points {
				points = append(points, orb.Point{p.Longitude, p.Latitude})
			}
		}
	}
	if len(points) == 0 {
		return slippy.BBox{}, ErrNoTrackPoints
	}

	bound := points.Bound()
	bbox := slippy.BBox{
		South: bound.Min[1],
		West:  bound.Min[0],
		North: bound.Max[1],
		East:  bound.Max[0],
	}
	if err := bbox.Validate(); err != nil {
		return slippy.BBox{}, fmt.Errorf("gpx track out of bounds: %w", err)
	}
	return bbox, nil
}
